package rabbitmq

import (
	"errors"
	"slices"
	"time"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// DoRPCOnChannel writes a method on channel and waits for one of the
// expected replies on it. Deliveries and content arriving on the channel
// meanwhile are buffered. A close is finalized and returned as an *Error.
func (s *Session) DoRPCOnChannel(channel uint16, id protocol.MethodID, args []byte, expected ...protocol.MethodID) (*frame.Frame, error) {
	started := time.Now()

	if err := s.transport.WriteFrames(frame.NewMethod(channel, id, args)); err != nil {
		s.connected = false
		s.observeRPC(id, started, err)
		return nil, err
	}

	reply, _, err := s.getMethodOnChannels([]uint16{channel}, Forever, expected...)
	s.observeRPC(id, started, err)
	return reply, err
}

// getMethodOnChannels waits for one of the expected methods on any of
// channels. The buffer is searched first, oldest frame first. While
// reading, deliveries and content for the channels are buffered and any
// other method is a protocol violation. ok is false on timeout.
func (s *Session) getMethodOnChannels(channels []uint16, timeout time.Duration, expected ...protocol.MethodID) (*frame.Frame, bool, error) {
	idx := slices.IndexFunc(s.frameQueue, func(f *frame.Frame) bool {
		return slices.Contains(channels, f.Channel) &&
			(f.Is(expected...) || f.Is(protocol.ChannelClose, protocol.ConnectionClose))
	})
	if idx >= 0 {
		f := s.frameQueue[idx]
		s.frameQueue = slices.Delete(s.frameQueue, idx, idx+1)
		if err := s.checkFrameForClose(f); err != nil {
			return nil, false, err
		}
		return f, true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := Forever
		if timeout >= 0 {
			remaining = max(time.Until(deadline), 0)
		}

		f, ok, err := s.readFrameOnChannels(channels, remaining)
		if err != nil || !ok {
			return nil, false, err
		}
		if f.Is(expected...) {
			return f, true, nil
		}
		if !deferrable(f) {
			return nil, false, protocolViolation("%s on channel %d while waiting for %v", f, f.Channel, expected)
		}
		if err := s.addToFrameQueue(f); err != nil {
			return nil, false, err
		}
		if timeout >= 0 && time.Now().After(deadline) {
			return nil, false, nil
		}
	}
}

// deferrable reports whether f can wait in the buffer for a later reader:
// deliveries, returns, broker cancels and content frames.
func deferrable(f *frame.Frame) bool {
	switch f.Kind {
	case frame.KindHeader, frame.KindBody:
		return true
	case frame.KindMethod:
		return f.Is(protocol.BasicDeliver, protocol.BasicReturn, protocol.BasicCancel)
	default:
		return false
	}
}

// classifyReply sorts a synchronous reply outcome into a normal reply, a
// library or transport failure, or an exception raised by the broker.
func classifyReply(err error) string {
	if err == nil {
		return replyNormal
	}
	var amqpErr *Error
	if errors.As(err, &amqpErr) && amqpErr.Server {
		return replyServer
	}
	return replyLibrary
}

func (s *Session) observeRPC(id protocol.MethodID, started time.Time, err error) {
	outcome := classifyReply(err)
	s.metrics.rpcDuration.WithLabelValues(id.String(), outcome).Observe(time.Since(started).Seconds())
	if err != nil {
		s.logger.Debug().Err(err).Stringer("method", id).Str("outcome", outcome).Msg("rpc failed")
	}
}
