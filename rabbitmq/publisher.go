package rabbitmq

import (
	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// BasicPublish publishes msg on a pooled channel and waits for the
// broker's confirm. A nack is returned as *MessageRejectedError and an
// unroutable mandatory message as *MessageReturnedError; in both cases the
// session stays usable.
func (s *Session) BasicPublish(exchange, routingKey string, msg *Message, mandatory bool) error {
	if err := s.checkIsConnected(); err != nil {
		return err
	}

	channel, err := s.GetChannel()
	if err != nil {
		return err
	}
	if err := s.publishOn(channel, exchange, routingKey, msg, mandatory); err != nil {
		return err
	}
	return s.GetAckOnChannel(channel)
}

// publishOn writes basic.publish and the content on channel, splitting the
// body at frame max.
func (s *Session) publishOn(channel uint16, exchange, routingKey string, msg *Message, mandatory bool) error {
	args, err := frame.NewMethodArgsBuilder().
		WriteUint16(0).
		WriteShortString(exchange).
		WriteShortString(routingKey).
		WriteFlags(mandatory, false).
		Bytes()
	if err != nil {
		s.ReturnChannel(channel)
		return err
	}
	props, err := EncodeProperties(msg.Properties)
	if err != nil {
		s.ReturnChannel(channel)
		return err
	}

	frames := []*frame.Frame{
		frame.NewMethod(channel, protocol.BasicPublish, args),
		frame.NewHeader(channel, protocol.ClassBasic, uint64(len(msg.Body)), props),
	}
	chunk := int(s.frameMax) - protocol.FrameHeaderSize - protocol.FrameEndSize
	for off := 0; off < len(msg.Body); off += chunk {
		end := min(off+chunk, len(msg.Body))
		frames = append(frames, frame.NewBody(channel, msg.Body[off:end]))
	}

	if err := s.transport.WriteFrames(frames...); err != nil {
		s.connected = false
		return err
	}
	s.metrics.published.Inc()
	return nil
}

// GetAckOnChannel waits for the confirm of the last publish on channel and
// returns the channel to the pool.
//
// An ack may confirm several tags at once. The tags it covered beyond the
// one being waited for are counted and let the following publishes on the
// channel complete without reading.
func (s *Session) GetAckOnChannel(channel uint16) error {
	if s.channels[channel].unconsumedAcks > 0 {
		s.channels[channel].unconsumedAcks--
		s.metrics.confirms.WithLabelValues(confirmAck).Inc()
		s.finishConfirm(channel)
		return nil
	}

	f, _, err := s.getMethodOnChannels([]uint16{channel}, Forever,
		protocol.BasicAck, protocol.BasicNack, protocol.BasicReturn)
	if err != nil {
		return err
	}

	id, _ := f.MethodID()
	switch id {
	case protocol.BasicNack:
		tag, multiple, err := decodeConfirm(f)
		if err != nil {
			return err
		}
		s.channels[channel].lastDeliveryTag = tag
		s.metrics.confirms.WithLabelValues(confirmNack).Inc()
		s.finishConfirm(channel)
		return &MessageRejectedError{DeliveryTag: tag, Multiple: multiple}

	case protocol.BasicReturn:
		returned, err := decodeReturn(f)
		if err != nil {
			return err
		}
		if returned.Message, err = s.ReadContent(channel); err != nil {
			return err
		}
		ack, _, err := s.getMethodOnChannels([]uint16{channel}, Forever, protocol.BasicAck)
		if err != nil {
			return err
		}
		if err := s.recordAck(channel, ack); err != nil {
			return err
		}
		s.metrics.confirms.WithLabelValues(confirmReturn).Inc()
		s.finishConfirm(channel)
		return returned

	default:
		if err := s.recordAck(channel, f); err != nil {
			return err
		}
		s.metrics.confirms.WithLabelValues(confirmAck).Inc()
		s.finishConfirm(channel)
		return nil
	}
}

// recordAck advances the channel's confirmed delivery tag. An ack at or
// below the recorded tag changes nothing and is only counted.
func (s *Session) recordAck(channel uint16, ack *frame.Frame) error {
	tag, _, err := decodeConfirm(ack)
	if err != nil {
		return err
	}

	slot := &s.channels[channel]
	if tag <= slot.lastDeliveryTag {
		s.metrics.staleAcks.Inc()
		s.logger.Warn().
			Uint16("channel", channel).
			Uint64("delivery_tag", tag).
			Uint64("last_delivery_tag", slot.lastDeliveryTag).
			Msg("stale publisher ack")
		return nil
	}

	gap := tag - slot.lastDeliveryTag
	slot.lastDeliveryTag = tag
	if gap > 1 {
		slot.unconsumedAcks = gap - 1
	}
	return nil
}

func (s *Session) finishConfirm(channel uint16) {
	s.ReturnChannel(channel)
	s.maybeReleaseBuffers(channel)
}

// PublishToken holds a channel across a publish and the wait for its
// direct reply-to answer.
type PublishToken struct {
	Channel  uint16
	ReplyTag string
}

// BasicPublishBegin borrows a channel subscribed to direct reply-to. The
// channel stays borrowed until BasicPublishEnd.
func (s *Session) BasicPublishBegin() (*PublishToken, error) {
	if err := s.checkIsConnected(); err != nil {
		return nil, err
	}

	channel, err := s.GetChannel()
	if err != nil {
		return nil, err
	}
	tag, err := s.MaybeSubscribeToDirectReply(channel)
	if err != nil {
		s.ReturnChannel(channel)
		return nil, err
	}
	return &PublishToken{Channel: channel, ReplyTag: tag}, nil
}

// BasicPublishWith publishes on the token's channel and waits for the
// confirm.
func (s *Session) BasicPublishWith(token *PublishToken, exchange, routingKey string, msg *Message, mandatory bool) error {
	if err := s.checkIsConnected(); err != nil {
		return err
	}
	if !s.IsChannelOpen(token.Channel) {
		return ErrChannelClosed
	}

	if err := s.publishOn(token.Channel, exchange, routingKey, msg, mandatory); err != nil {
		return err
	}
	err := s.GetAckOnChannel(token.Channel)
	s.borrowChannel(token.Channel)
	return err
}

// BasicPublishEnd returns the token's channel to the pool.
func (s *Session) BasicPublishEnd(token *PublishToken) {
	if token != nil {
		s.ReturnChannel(token.Channel)
	}
}
