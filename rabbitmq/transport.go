package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// Forever makes a wait block until a frame arrives.
const Forever time.Duration = -1

// Transport is the frame source and sink a Session runs over.
type Transport interface {
	// ReadFrame returns the next frame. A negative timeout waits
	// indefinitely; when the timeout elapses first ok is false and nothing
	// has been consumed.
	ReadFrame(timeout time.Duration) (f *frame.Frame, ok bool, err error)
	// WriteFrames writes frames in order as one unit.
	WriteFrames(frames ...*frame.Frame) error
	Close() error
}

// bufferReleaser is implemented by transports that keep per channel
// buffers worth returning once a channel goes idle.
type bufferReleaser interface {
	ReleaseBuffers(channel uint16)
}

// frameMaxSetter is implemented by transports that enforce frame max.
type frameMaxSetter interface {
	SetFrameMax(size uint32)
}

type netTransport struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
}

func newNetTransport(conn net.Conn) *netTransport {
	return &netTransport{
		conn:   conn,
		reader: frame.NewReader(conn, protocol.FrameMinSize),
		writer: frame.NewWriter(conn, protocol.FrameMinSize),
	}
}

// dial connects to the broker, completing the TLS handshake when opts asks
// for TLS.
func dial(ctx context.Context, opts OpenOpts) (net.Conn, error) {
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if opts.TLS == nil {
		return conn, nil
	}

	cfg, err := opts.TLS.Config(opts.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls config: %w", err)
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, &TransportError{Op: "tls handshake", Err: err}
	}
	return tlsConn, nil
}

func (t *netTransport) ReadFrame(timeout time.Duration) (*frame.Frame, bool, error) {
	if timeout >= 0 && !t.reader.Buffered() {
		if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, false, &TransportError{Op: "read", Err: err}
		}
		err := t.reader.Ready()
		t.conn.SetReadDeadline(time.Time{})
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return nil, false, nil
			}
			return nil, false, &TransportError{Op: "read", Err: err}
		}
	}

	f, err := t.reader.ReadFrame()
	if err != nil {
		if errors.Is(err, frame.ErrMalformed) {
			return nil, false, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		return nil, false, &TransportError{Op: "read", Err: err}
	}
	return f, true, nil
}

func (t *netTransport) WriteFrames(frames ...*frame.Frame) error {
	if err := t.writer.WriteFrames(frames...); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *netTransport) writeProtocolHeader() error {
	if err := t.writer.WriteProtocolHeader(); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *netTransport) SetFrameMax(size uint32) {
	t.reader.SetMaxFrameSize(size)
	t.writer.SetMaxFrameSize(size)
}

func (t *netTransport) Close() error {
	return t.conn.Close()
}
