package rabbitmq

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// scriptedTransport replays queued frames and records what the session
// writes. Responders queue replies when a given method is written.
type scriptedTransport struct {
	incoming   []*frame.Frame
	written    []*frame.Frame
	released   []uint16
	responders map[protocol.MethodID]func(req *frame.Frame) []*frame.Frame
	closed     bool
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		responders: map[protocol.MethodID]func(*frame.Frame) []*frame.Frame{
			protocol.ChannelOpen: func(req *frame.Frame) []*frame.Frame {
				return []*frame.Frame{frame.NewMethod(req.Channel, protocol.ChannelOpenOk, []byte{0, 0, 0, 0})}
			},
			protocol.ConfirmSelect: func(req *frame.Frame) []*frame.Frame {
				return []*frame.Frame{frame.NewMethod(req.Channel, protocol.ConfirmSelectOk, nil)}
			},
		},
	}
}

func (t *scriptedTransport) push(frames ...*frame.Frame) {
	t.incoming = append(t.incoming, frames...)
}

func (t *scriptedTransport) respond(id protocol.MethodID, fn func(req *frame.Frame) []*frame.Frame) {
	t.responders[id] = fn
}

func (t *scriptedTransport) ReadFrame(timeout time.Duration) (*frame.Frame, bool, error) {
	if len(t.incoming) == 0 {
		if timeout < 0 {
			return nil, false, &TransportError{Op: "read", Err: io.EOF}
		}
		return nil, false, nil
	}
	f := t.incoming[0]
	t.incoming = t.incoming[1:]
	return f, true, nil
}

func (t *scriptedTransport) WriteFrames(frames ...*frame.Frame) error {
	if t.closed {
		return &TransportError{Op: "write", Err: io.ErrClosedPipe}
	}
	t.written = append(t.written, frames...)
	for _, f := range frames {
		id, ok := f.MethodID()
		if !ok {
			continue
		}
		if fn := t.responders[id]; fn != nil {
			t.incoming = append(t.incoming, fn(f)...)
		}
	}
	return nil
}

func (t *scriptedTransport) ReleaseBuffers(channel uint16) {
	t.released = append(t.released, channel)
}

func (t *scriptedTransport) Close() error {
	t.closed = true
	return nil
}

// writtenMethods lists the method ids written so far on channel.
func (t *scriptedTransport) writtenMethods(channel uint16) []protocol.MethodID {
	var ids []protocol.MethodID
	for _, f := range t.written {
		if id, ok := f.MethodID(); ok && f.Channel == channel {
			ids = append(ids, id)
		}
	}
	return ids
}

// newTestSession returns a connected session over a scripted transport.
func newTestSession(t *testing.T, opts ...Option) (*Session, *scriptedTransport) {
	t.Helper()
	tr := newScriptedTransport()
	s := newSession(tr, opts...)
	s.connected = true
	s.frameMax = protocol.FrameMinSize
	return s, tr
}

// openChannel opens a channel and leaves it in the pool.
func openChannel(t *testing.T, s *Session) uint16 {
	t.Helper()
	id, err := s.CreateNewChannel()
	require.NoError(t, err)
	return id
}

func methodFrame(t *testing.T, channel uint16, id protocol.MethodID, build func(b *frame.MethodArgsBuilder)) *frame.Frame {
	t.Helper()
	b := frame.NewMethodArgsBuilder()
	if build != nil {
		build(b)
	}
	args, err := b.Bytes()
	require.NoError(t, err)
	return frame.NewMethod(channel, id, args)
}

func ackFrame(t *testing.T, channel uint16, tag uint64, multiple bool) *frame.Frame {
	return methodFrame(t, channel, protocol.BasicAck, func(b *frame.MethodArgsBuilder) {
		b.WriteUint64(tag).WriteFlags(multiple)
	})
}

func nackFrame(t *testing.T, channel uint16, tag uint64, multiple bool) *frame.Frame {
	return methodFrame(t, channel, protocol.BasicNack, func(b *frame.MethodArgsBuilder) {
		b.WriteUint64(tag).WriteFlags(multiple, false)
	})
}

func returnFrame(t *testing.T, channel uint16, code uint16, text, exchange, key string) *frame.Frame {
	return methodFrame(t, channel, protocol.BasicReturn, func(b *frame.MethodArgsBuilder) {
		b.WriteUint16(code).WriteShortString(text).WriteShortString(exchange).WriteShortString(key)
	})
}

func closeFrame(t *testing.T, channel uint16, id protocol.MethodID, code uint16, text string) *frame.Frame {
	return methodFrame(t, channel, id, func(b *frame.MethodArgsBuilder) {
		b.WriteUint16(code).WriteShortString(text).WriteUint16(protocol.ClassBasic).WriteUint16(40)
	})
}

func deliverFrame(t *testing.T, channel uint16, consumerTag string, tag uint64) *frame.Frame {
	return methodFrame(t, channel, protocol.BasicDeliver, func(b *frame.MethodArgsBuilder) {
		b.WriteShortString(consumerTag).
			WriteUint64(tag).
			WriteFlags(false).
			WriteShortString("amq.direct").
			WriteShortString("jobs")
	})
}

func headerFrame(t *testing.T, channel uint16, size uint64, props Properties) *frame.Frame {
	t.Helper()
	raw, err := EncodeProperties(props)
	require.NoError(t, err)
	return frame.NewHeader(channel, protocol.ClassBasic, size, raw)
}

// delivery returns the frames of a full delivery whose body is split into
// the given fragments.
func delivery(t *testing.T, channel uint16, consumerTag string, tag uint64, props Properties, fragments ...string) []*frame.Frame {
	var size uint64
	for _, f := range fragments {
		size += uint64(len(f))
	}
	frames := []*frame.Frame{
		deliverFrame(t, channel, consumerTag, tag),
		headerFrame(t, channel, size, props),
	}
	for _, f := range fragments {
		frames = append(frames, frame.NewBody(channel, []byte(f)))
	}
	return frames
}

func consumeOkFrame(t *testing.T, channel uint16, tag string) *frame.Frame {
	return methodFrame(t, channel, protocol.BasicConsumeOk, func(b *frame.MethodArgsBuilder) {
		b.WriteShortString(tag)
	})
}
