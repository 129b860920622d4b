package rabbitmq

import (
	"slices"
	"time"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// GetNextFrameOnChannel returns the next frame for channel. The oldest
// buffered frame for the channel wins; otherwise frames are read from the
// transport, buffering those meant for other channels, until one for
// channel arrives or timeout elapses. ok is false on timeout.
//
// A channel.close or connection.close is finalized and returned as an
// error whether it was read now or buffered earlier.
func (s *Session) GetNextFrameOnChannel(channel uint16, timeout time.Duration) (f *frame.Frame, ok bool, err error) {
	for i, queued := range s.frameQueue {
		if queued.Channel == channel {
			s.frameQueue = slices.Delete(s.frameQueue, i, i+1)
			if err := s.checkFrameForClose(queued); err != nil {
				return nil, false, err
			}
			return queued, true, nil
		}
	}
	return s.readFrameOnChannels([]uint16{channel}, timeout)
}

// readFrameOnChannels reads from the transport until a frame for one of
// channels arrives. Heartbeats are dropped. Channel 0 frames other than
// connection.close are logged and dropped unless channel 0 is wanted.
func (s *Session) readFrameOnChannels(channels []uint16, timeout time.Duration) (*frame.Frame, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := Forever
		if timeout >= 0 {
			remaining = max(time.Until(deadline), 0)
		}

		f, ok, err := s.transport.ReadFrame(remaining)
		if err != nil {
			s.connected = false
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}

		switch {
		case f.Kind == frame.KindHeartbeat:
			continue
		case slices.Contains(channels, f.Channel):
			if err := s.checkFrameForClose(f); err != nil {
				return nil, false, err
			}
			return f, true, nil
		case f.Channel == 0:
			if err := s.checkFrameForClose(f); err != nil {
				return nil, false, err
			}
			s.logger.Debug().Stringer("frame", f).Msg("dropping connection frame")
		default:
			if err := s.addToFrameQueue(f); err != nil {
				return nil, false, err
			}
		}
	}
}

// checkFrameForClose finalizes a channel.close or connection.close and
// returns it as an *Error. Other frames pass through.
func (s *Session) checkFrameForClose(f *frame.Frame) error {
	id, ok := f.MethodID()
	if !ok || !id.IsClose() {
		return nil
	}

	closeErr := decodeClose(f, id == protocol.ConnectionClose)
	var err error
	if id == protocol.ConnectionClose {
		err = s.FinishCloseConnection()
	} else {
		err = s.FinishCloseChannel(f.Channel)
	}
	if err != nil {
		s.logger.Warn().Err(err).Uint16("channel", f.Channel).Msg("acknowledging close failed")
	}

	s.logger.Info().
		Uint16("channel", f.Channel).
		Int("code", closeErr.Code).
		Str("reason", closeErr.Reason).
		Msg("closed by broker")
	return closeErr
}

func decodeClose(f *frame.Frame, connection bool) *Error {
	e := &Error{Server: true, Connection: connection}
	m, err := f.Method()
	if err != nil {
		return e
	}
	args := frame.NewMethodArgs(m.Args)
	code, _ := args.ReadUint16()
	e.Code = int(code)
	e.Reason, _ = args.ReadShortString()
	e.ClassID, _ = args.ReadUint16()
	e.MethodID, _ = args.ReadUint16()
	return e
}

// addToFrameQueue buffers a frame and, when it completes a delivery on its
// channel, moves that delivery to the delivered queue straight away so it
// cannot hold up later scans of the buffer.
func (s *Session) addToFrameQueue(f *frame.Frame) error {
	s.frameQueue = append(s.frameQueue, f)
	s.metrics.framesBuffered.Inc()
	s.logger.Trace().Stringer("frame", f).Msg("frame buffered")

	indexes, err := s.queuedDelivery(f.Channel)
	if err != nil || indexes == nil {
		return err
	}

	frames := make([]*frame.Frame, len(indexes))
	for i, idx := range indexes {
		frames[i] = s.frameQueue[idx]
	}
	for i := len(indexes) - 1; i >= 0; i-- {
		s.frameQueue = slices.Delete(s.frameQueue, indexes[i], indexes[i]+1)
	}

	env, err := assembleEnvelope(frames[0], frames[1], frames[2:])
	if err != nil {
		return err
	}
	s.delivered = append(s.delivered, env)
	s.metrics.envelopesAssembled.Inc()
	s.logger.Debug().
		Uint16("channel", env.Channel).
		Str("consumer_tag", env.ConsumerTag).
		Uint64("delivery_tag", env.DeliveryTag).
		Msg("envelope assembled from buffer")
	return nil
}

// queuedDelivery looks for basic.deliver, a content header and enough body
// frames on channel in the buffer. It returns their queue indexes in order,
// or nil while the delivery is incomplete.
func (s *Session) queuedDelivery(channel uint16) ([]int, error) {
	start := slices.IndexFunc(s.frameQueue, func(f *frame.Frame) bool {
		return f.Channel == channel && f.Is(protocol.BasicDeliver)
	})
	if start < 0 {
		return nil, nil
	}

	indexes := []int{start}
	var bodySize, received uint64
	for i := start + 1; i < len(s.frameQueue); i++ {
		f := s.frameQueue[i]
		if f.Channel != channel {
			continue
		}

		if len(indexes) == 1 {
			size, ok := f.BodySize()
			if !ok {
				return nil, protocolViolation("%s after basic.deliver on channel %d", f, channel)
			}
			bodySize = size
			indexes = append(indexes, i)
		} else {
			if f.Kind != frame.KindBody {
				return nil, protocolViolation("%s inside content on channel %d", f, channel)
			}
			received += uint64(len(f.Payload))
			indexes = append(indexes, i)
		}

		if received > bodySize {
			return nil, protocolViolation("content on channel %d is %d bytes, header declared %d", channel, received, bodySize)
		}
		if received == bodySize {
			return indexes, nil
		}
	}
	return nil, nil
}

// hasQueuedFrames reports whether any buffered frame belongs to channel.
func (s *Session) hasQueuedFrames(channel uint16) bool {
	return slices.ContainsFunc(s.frameQueue, func(f *frame.Frame) bool {
		return f.Channel == channel
	})
}

// maybeReleaseBuffers lets the transport drop per channel buffers once
// nothing is queued for the channel.
func (s *Session) maybeReleaseBuffers(channel uint16) {
	if s.hasQueuedFrames(channel) {
		return
	}
	if r, ok := s.transport.(bufferReleaser); ok {
		r.ReleaseBuffers(channel)
	}
}

// purgeChannel drops everything buffered for a channel.
func (s *Session) purgeChannel(channel uint16) {
	s.frameQueue = slices.DeleteFunc(s.frameQueue, func(f *frame.Frame) bool {
		return f.Channel == channel
	})
	s.delivered = slices.DeleteFunc(s.delivered, func(e *Envelope) bool {
		return e.Channel == channel
	})
}
