package rabbitmq

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// Version is sent to the broker in the client properties.
const Version = "0.3.0"

// Session is a client session over one connection. It owns every channel
// on the connection along with the frames and deliveries buffered for
// them.
//
// A Session is driven from a single goroutine. Callers using it from
// several goroutines must serialize access themselves.
type Session struct {
	transport Transport
	logger    zerolog.Logger
	metrics   *metrics
	opts      options

	channels   []channelSlot
	lastUsed   uint16
	frameQueue []*frame.Frame
	delivered  []*Envelope
	consumers  map[string]uint16

	channelMax    uint16
	frameMax      uint32
	serverProps   protocol.Table
	brokerVersion uint32
	connected     bool
}

func newSession(t Transport, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Session{
		transport:  t,
		logger:     o.logger.With().Str("component", "amqp").Logger(),
		metrics:    newMetrics(o.registerer),
		opts:       o,
		channels:   []channelSlot{{state: channelUsed}},
		consumers:  make(map[string]uint16),
		channelMax: protocol.ChannelMaxUnlimited,
		frameMax:   protocol.FrameMinSize,
	}
}

// Open dials the broker described by opts and logs in. ctx bounds the dial
// and the handshake.
func Open(ctx context.Context, opts OpenOpts, options ...Option) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	s, err := openOnConn(ctx, conn, opts, options...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenURI is Open with options parsed from uri.
func OpenURI(ctx context.Context, uri string, options ...Option) (*Session, error) {
	opts, err := FromURI(uri)
	if err != nil {
		return nil, err
	}
	return Open(ctx, opts, options...)
}

func openOnConn(ctx context.Context, conn net.Conn, opts OpenOpts, options ...Option) (*Session, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	t := newNetTransport(conn)
	if err := t.writeProtocolHeader(); err != nil {
		return nil, err
	}

	s := newSession(t, options...)
	if err := s.login(opts); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("host", opts.Host).
		Str("vhost", opts.VHost).
		Uint16("channel_max", s.channelMax).
		Uint32("frame_max", s.frameMax).
		Str("broker_version", FormatBrokerVersion(s.brokerVersion)).
		Msg("session opened")
	return s, nil
}

// login runs start, tune and open on channel 0.
func (s *Session) login(opts OpenOpts) error {
	start, _, err := s.getMethodOnChannels([]uint16{0}, Forever, protocol.ConnectionStart)
	if err != nil {
		return fmt.Errorf("connection.start: %w", err)
	}

	m, _ := start.Method()
	args := frame.NewMethodArgs(m.Args)
	major, _ := args.ReadUint8()
	minor, _ := args.ReadUint8()
	serverProps, err := args.ReadTable()
	if err != nil {
		return protocolViolation("connection.start server properties: %v", err)
	}
	mechanisms, err := args.ReadLongString()
	if err != nil {
		return protocolViolation("connection.start mechanisms: %v", err)
	}
	if major != protocol.ProtocolVersionMajor || minor != protocol.ProtocolVersionMinor {
		return protocolViolation("broker speaks %d-%d", major, minor)
	}
	if !containsField(string(mechanisms), opts.Auth.mechanism()) {
		return fmt.Errorf("amqp: broker does not offer SASL %s (offers %q)", opts.Auth.mechanism(), mechanisms)
	}

	s.serverProps = serverProps
	s.brokerVersion = ComputeBrokerVersion(serverProps)

	startOk, err := frame.NewMethodArgsBuilder().
		WriteTable(s.clientProperties()).
		WriteShortString(opts.Auth.mechanism()).
		WriteLongString(opts.Auth.response()).
		WriteShortString("en_US").
		Bytes()
	if err != nil {
		return err
	}
	tune, err := s.DoRPCOnChannel(0, protocol.ConnectionStartOk, startOk, protocol.ConnectionTune)
	if err != nil {
		return fmt.Errorf("connection.start-ok: %w", err)
	}

	m, _ = tune.Method()
	args = frame.NewMethodArgs(m.Args)
	channelMax, _ := args.ReadUint16()
	frameMax, _ := args.ReadUint32()

	if channelMax == 0 {
		channelMax = protocol.ChannelMaxUnlimited
	}
	s.channelMax = channelMax
	s.frameMax = negotiateFrameMax(frameMax, opts.FrameMax)

	tuneOk, _ := frame.NewMethodArgsBuilder().
		WriteUint16(s.channelMax).
		WriteUint32(s.frameMax).
		WriteUint16(0). // heartbeats disabled
		Bytes()
	if err := s.transport.WriteFrames(frame.NewMethod(0, protocol.ConnectionTuneOk, tuneOk)); err != nil {
		return err
	}
	if t, ok := s.transport.(frameMaxSetter); ok {
		t.SetFrameMax(s.frameMax)
	}

	open, err := frame.NewMethodArgsBuilder().
		WriteShortString(opts.VHost).
		WriteShortString("").
		WriteFlags(false).
		Bytes()
	if err != nil {
		return err
	}
	if _, err := s.DoRPCOnChannel(0, protocol.ConnectionOpen, open, protocol.ConnectionOpenOk); err != nil {
		return fmt.Errorf("connection.open: %w", err)
	}

	s.connected = true
	return nil
}

func (s *Session) clientProperties() protocol.Table {
	return protocol.Table{
		"product":  s.opts.product,
		"version":  Version,
		"platform": "Go " + runtime.Version(),
		"capabilities": protocol.Table{
			"consumer_cancel_notify": true,
		},
	}
}

// negotiateFrameMax picks the smaller non-zero limit. Zero means no limit.
func negotiateFrameMax(server, client uint32) uint32 {
	switch {
	case server == 0 && client == 0:
		return protocol.FrameDefaultMax
	case server == 0:
		return client
	case client == 0 || server < client:
		return server
	default:
		return client
	}
}

func containsField(list, want string) bool {
	for _, f := range strings.Fields(list) {
		if f == want {
			return true
		}
	}
	return false
}

// checkIsConnected fails once the connection has been closed by either
// side.
func (s *Session) checkIsConnected() error {
	if !s.connected {
		return ErrConnectionClosed
	}
	return nil
}

// IsConnected reports whether the session can still be used.
func (s *Session) IsConnected() bool { return s.connected }

// ServerProperties returns the properties the broker sent in
// connection.start.
func (s *Session) ServerProperties() protocol.Table { return s.serverProps }

// BrokerVersion returns the broker version packed as 0x00MMmmpp, or 0 when
// the broker did not report one in major.minor.patch form.
func (s *Session) BrokerVersion() uint32 { return s.brokerVersion }

// ChannelMax returns the negotiated highest channel id.
func (s *Session) ChannelMax() uint16 { return s.channelMax }

// FrameMax returns the negotiated frame size limit.
func (s *Session) FrameMax() uint32 { return s.frameMax }

// Close closes the connection with a connection.close handshake and then
// the transport. Closing a session the broker already closed only releases
// the transport.
func (s *Session) Close() error {
	if s.connected {
		args, _ := frame.NewMethodArgsBuilder().
			WriteUint16(protocol.ReplySuccess).
			WriteShortString("OK").
			WriteUint16(0).
			WriteUint16(0).
			Bytes()
		_, err := s.DoRPCOnChannel(0, protocol.ConnectionClose, args, protocol.ConnectionCloseOk)
		s.connected = false
		if err != nil {
			s.logger.Warn().Err(err).Msg("connection.close handshake failed")
		}
	}
	s.frameQueue = nil
	s.delivered = nil
	return s.transport.Close()
}

// ComputeBrokerVersion packs the "version" server property into
// (major&0xFF)<<16 | (minor&0xFF)<<8 | (patch&0xFF). It returns 0 when the
// property is missing or is not three dot separated numbers.
func ComputeBrokerVersion(serverProps protocol.Table) uint32 {
	version, ok := serverProps.String("version")
	if !ok {
		return 0
	}
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0
	}

	var packed uint32
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0
		}
		packed = packed<<8 | uint32(n)&0xFF
	}
	return packed
}

// FormatBrokerVersion renders a packed broker version as major.minor.patch.
func FormatBrokerVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16&0xFF, v>>8&0xFF, v&0xFF)
}
