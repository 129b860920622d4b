package rabbitmq

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// Auth selects the SASL mechanism used at login.
type Auth interface {
	mechanism() string
	response() []byte
}

// BasicAuth logs in with SASL PLAIN.
type BasicAuth struct {
	Username string
	Password string
}

func (BasicAuth) mechanism() string { return protocol.SASLPlain }

func (a BasicAuth) response() []byte {
	return []byte("\x00" + a.Username + "\x00" + a.Password)
}

// ExternalSASLAuth logs in with SASL EXTERNAL, typically with the identity
// taken from a TLS client certificate.
type ExternalSASLAuth struct {
	Identity string
}

func (ExternalSASLAuth) mechanism() string { return protocol.SASLExternal }

func (a ExternalSASLAuth) response() []byte { return []byte(a.Identity) }

// TLSParams configures a TLS connection. Paths are PEM files.
type TLSParams struct {
	CACertPath     string
	ClientCertPath string
	ClientKeyPath  string
	ServerName     string
	VerifyHostname bool
	VerifyPeer     bool
}

// Config builds a *tls.Config for host.
func (p *TLSParams) Config(host string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}
	if p.ServerName != "" {
		cfg.ServerName = p.ServerName
	}
	if p.CACertPath != "" {
		pem, err := os.ReadFile(p.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca cert %s: no certificates found", p.CACertPath)
		}
		cfg.RootCAs = pool
	}
	if p.ClientCertPath != "" || p.ClientKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(p.ClientCertPath, p.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	switch {
	case !p.VerifyPeer:
		cfg.InsecureSkipVerify = true
	case !p.VerifyHostname:
		// Verify the chain but not the name.
		cfg.InsecureSkipVerify = true
		roots := cfg.RootCAs
		cfg.VerifyPeerCertificate = func(raw [][]byte, _ [][]*x509.Certificate) error {
			return verifyChain(raw, roots)
		}
	}
	return cfg, nil
}

func verifyChain(raw [][]byte, roots *x509.CertPool) error {
	if len(raw) == 0 {
		return errors.New("tls: no peer certificate")
	}
	certs := make([]*x509.Certificate, len(raw))
	for i, der := range raw {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("tls: parse peer certificate: %w", err)
		}
		certs[i] = cert
	}
	opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
	for _, c := range certs[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(opts)
	return err
}

// OpenOpts describes how to reach and log in to a broker.
type OpenOpts struct {
	Host     string
	Port     int
	VHost    string
	Auth     Auth
	FrameMax uint32
	TLS      *TLSParams
}

// DefaultOpenOpts returns options for a local broker with the guest
// account.
func DefaultOpenOpts() OpenOpts {
	return OpenOpts{
		Host:     "localhost",
		Port:     5672,
		VHost:    "/",
		Auth:     BasicAuth{Username: "guest", Password: "guest"},
		FrameMax: protocol.FrameDefaultMax,
	}
}

// FromURI parses an amqp:// or amqps:// URI. Missing parts take the
// defaults of DefaultOpenOpts.
func FromURI(uri string) (OpenOpts, error) {
	u, err := amqp091.ParseURI(uri)
	if err != nil {
		return OpenOpts{}, fmt.Errorf("%w: %v", ErrBadURI, err)
	}

	opts := DefaultOpenOpts()
	opts.Host = u.Host
	opts.Port = u.Port
	opts.VHost = u.Vhost
	opts.Auth = BasicAuth{Username: u.Username, Password: u.Password}

	for _, m := range u.AuthMechanism {
		if strings.EqualFold(m, "external") {
			opts.Auth = ExternalSASLAuth{Identity: u.Username}
			break
		}
	}

	if u.Scheme == "amqps" {
		opts.TLS = &TLSParams{
			CACertPath:     u.CACertFile,
			ClientCertPath: u.CertFile,
			ClientKeyPath:  u.KeyFile,
			ServerName:     u.ServerName,
			VerifyHostname: true,
			VerifyPeer:     true,
		}
	}
	return opts, nil
}

// Validate checks that opts can be used to open a session.
func (o OpenOpts) Validate() error {
	if o.Host == "" {
		return errors.New("open opts: host is required")
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("open opts: invalid port %d", o.Port)
	}
	if o.VHost == "" {
		return errors.New("open opts: vhost is required")
	}
	if o.Auth == nil {
		return errors.New("open opts: auth is required")
	}
	if o.FrameMax != 0 && o.FrameMax < protocol.FrameMinSize {
		return fmt.Errorf("open opts: frame max %d below protocol minimum %d", o.FrameMax, protocol.FrameMinSize)
	}
	if _, ok := o.Auth.(ExternalSASLAuth); ok && o.TLS == nil {
		return errors.New("open opts: EXTERNAL auth requires TLS")
	}
	return nil
}
