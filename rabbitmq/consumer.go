package rabbitmq

import (
	"fmt"
	"slices"
	"time"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// ConsumeOptions configures BasicConsume.
type ConsumeOptions struct {
	// ConsumerTag is generated by the broker when empty.
	ConsumerTag string
	NoLocal     bool
	AutoAck     bool
	Exclusive   bool
	// PrefetchCount falls back to the session's consume prefetch when zero.
	PrefetchCount uint16
	Arguments     Table
}

// AddConsumer registers tag as consuming on channel.
func (s *Session) AddConsumer(tag string, channel uint16) error {
	if _, ok := s.consumers[tag]; ok {
		return fmt.Errorf("%w: %q", ErrConsumerTagInUse, tag)
	}
	s.consumers[tag] = channel
	return nil
}

// RemoveConsumer unregisters tag and returns the channel it consumed on.
func (s *Session) RemoveConsumer(tag string) (uint16, error) {
	channel, ok := s.consumers[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrConsumerTagNotFound, tag)
	}
	delete(s.consumers, tag)
	return channel, nil
}

// GetConsumerChannel returns the channel tag consumes on.
func (s *Session) GetConsumerChannel(tag string) (uint16, error) {
	channel, ok := s.consumers[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrConsumerTagNotFound, tag)
	}
	return channel, nil
}

// MaybeSubscribeToDirectReply makes sure channel consumes from the direct
// reply-to pseudo queue and returns the consumer tag. The subscription is
// made once per channel.
func (s *Session) MaybeSubscribeToDirectReply(channel uint16) (string, error) {
	if tag := s.channels[channel].directReplyTag; tag != "" {
		return tag, nil
	}

	tag, err := s.consumeOn(channel, protocol.DirectReplyQueue, ConsumeOptions{
		NoLocal:   true,
		AutoAck:   true,
		Exclusive: true,
	})
	if err != nil {
		return "", fmt.Errorf("subscribe to direct reply-to: %w", err)
	}
	if err := s.AddConsumer(tag, channel); err != nil {
		return "", err
	}

	s.channels[channel].directReplyTag = tag
	s.logger.Debug().Uint16("channel", channel).Str("consumer_tag", tag).Msg("subscribed to direct reply-to")
	return tag, nil
}

// DirectReplyToken returns the direct reply-to consumer tag of channel, or
// "" when the channel is not subscribed.
func (s *Session) DirectReplyToken(channel uint16) string {
	if int(channel) >= len(s.channels) {
		return ""
	}
	return s.channels[channel].directReplyTag
}

// consumeOn issues basic.consume on channel and returns the consumer tag.
func (s *Session) consumeOn(channel uint16, queue string, opts ConsumeOptions) (string, error) {
	args, err := frame.NewMethodArgsBuilder().
		WriteUint16(0).
		WriteShortString(queue).
		WriteShortString(opts.ConsumerTag).
		WriteFlags(opts.NoLocal, opts.AutoAck, opts.Exclusive, false).
		WriteTable(opts.Arguments).
		Bytes()
	if err != nil {
		return "", err
	}

	reply, err := s.DoRPCOnChannel(channel, protocol.BasicConsume, args, protocol.BasicConsumeOk)
	if err != nil {
		return "", err
	}
	m, _ := reply.Method()
	tag, err := frame.NewMethodArgs(m.Args).ReadShortString()
	if err != nil {
		return "", protocolViolation("basic.consume-ok: %v", err)
	}
	return tag, nil
}

// BasicConsume starts a consumer on queue and returns its tag. The consumer
// keeps its channel borrowed until it is cancelled.
func (s *Session) BasicConsume(queue string, opts ConsumeOptions) (string, error) {
	if err := s.checkIsConnected(); err != nil {
		return "", err
	}

	channel, err := s.GetChannel()
	if err != nil {
		return "", err
	}

	prefetch := opts.PrefetchCount
	if prefetch == 0 {
		prefetch = s.opts.prefetch
	}
	qos, _ := frame.NewMethodArgsBuilder().
		WriteUint32(0).
		WriteUint16(prefetch).
		WriteFlags(false).
		Bytes()
	if _, err := s.DoRPCOnChannel(channel, protocol.BasicQos, qos, protocol.BasicQosOk); err != nil {
		s.ReturnChannel(channel)
		return "", err
	}

	tag, err := s.consumeOn(channel, queue, opts)
	if err != nil {
		s.ReturnChannel(channel)
		return "", err
	}
	if err := s.AddConsumer(tag, channel); err != nil {
		return "", err
	}

	s.logger.Debug().Uint16("channel", channel).Str("queue", queue).Str("consumer_tag", tag).Msg("consumer started")
	return tag, nil
}

// BasicConsumeMessage returns the next delivery for any of tags, or ok
// false once timeout elapses. Deliveries already assembled from buffered
// frames are returned first. A consumer cancelled by the broker is
// unregistered and reported as *ConsumerCancelledError.
func (s *Session) BasicConsumeMessage(tags []string, timeout time.Duration) (env *Envelope, ok bool, err error) {
	if err := s.checkIsConnected(); err != nil {
		return nil, false, err
	}

	channels := make([]uint16, 0, len(tags))
	for _, tag := range tags {
		channel, err := s.GetConsumerChannel(tag)
		if err != nil {
			return nil, false, err
		}
		if !slices.Contains(channels, channel) {
			channels = append(channels, channel)
		}
	}

	if env := s.takeDelivered(tags); env != nil {
		s.metrics.delivered.Inc()
		return env, true, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := Forever
		if timeout >= 0 {
			remaining = max(time.Until(deadline), 0)
		}

		f, ok, err := s.getMethodOnChannels(channels, remaining, protocol.BasicDeliver, protocol.BasicCancel)
		if err != nil || !ok {
			return nil, false, err
		}

		if f.Is(protocol.BasicCancel) {
			return nil, false, s.handleBrokerCancel(f)
		}

		d, err := decodeDeliver(f)
		if err != nil {
			return nil, false, err
		}
		msg, err := s.ReadContent(f.Channel)
		if err != nil {
			return nil, false, err
		}
		env := newEnvelope(f.Channel, d, msg)
		if !slices.Contains(tags, env.ConsumerTag) {
			s.delivered = append(s.delivered, env)
			continue
		}
		s.metrics.delivered.Inc()
		return env, true, nil
	}
}

// takeDelivered removes and returns the oldest assembled envelope for one
// of tags.
func (s *Session) takeDelivered(tags []string) *Envelope {
	idx := slices.IndexFunc(s.delivered, func(e *Envelope) bool {
		return slices.Contains(tags, e.ConsumerTag)
	})
	if idx < 0 {
		return nil
	}
	env := s.delivered[idx]
	s.delivered = slices.Delete(s.delivered, idx, idx+1)
	return env
}

func (s *Session) handleBrokerCancel(f *frame.Frame) error {
	m, _ := f.Method()
	tag, err := frame.NewMethodArgs(m.Args).ReadShortString()
	if err != nil {
		return protocolViolation("basic.cancel: %v", err)
	}

	channel, err := s.RemoveConsumer(tag)
	if err != nil {
		return err
	}
	if s.channels[channel].directReplyTag == tag {
		s.channels[channel].directReplyTag = ""
	}
	s.ReturnChannel(channel)
	s.logger.Info().Uint16("channel", channel).Str("consumer_tag", tag).Msg("consumer cancelled by broker")
	return &ConsumerCancelledError{ConsumerTag: tag}
}

// BasicCancel stops a consumer, drops its undelivered envelopes and returns
// its channel to the pool.
func (s *Session) BasicCancel(tag string) error {
	if err := s.checkIsConnected(); err != nil {
		return err
	}
	channel, err := s.GetConsumerChannel(tag)
	if err != nil {
		return err
	}

	args, _ := frame.NewMethodArgsBuilder().
		WriteShortString(tag).
		WriteFlags(false).
		Bytes()
	if _, err := s.DoRPCOnChannel(channel, protocol.BasicCancel, args, protocol.BasicCancelOk); err != nil {
		return err
	}

	s.RemoveConsumer(tag)
	if s.channels[channel].directReplyTag == tag {
		s.channels[channel].directReplyTag = ""
	}
	s.delivered = slices.DeleteFunc(s.delivered, func(e *Envelope) bool {
		return e.ConsumerTag == tag
	})
	s.ReturnChannel(channel)
	s.maybeReleaseBuffers(channel)
	return nil
}

// BasicAck acknowledges env, and every earlier delivery on its channel when
// multiple is set.
func (s *Session) BasicAck(env *Envelope, multiple bool) error {
	args, _ := frame.NewMethodArgsBuilder().
		WriteUint64(env.DeliveryTag).
		WriteFlags(multiple).
		Bytes()
	return s.sendOnDeliveryChannel(env, protocol.BasicAck, args)
}

// BasicReject rejects env.
func (s *Session) BasicReject(env *Envelope, requeue bool) error {
	args, _ := frame.NewMethodArgsBuilder().
		WriteUint64(env.DeliveryTag).
		WriteFlags(requeue).
		Bytes()
	return s.sendOnDeliveryChannel(env, protocol.BasicReject, args)
}

// BasicNack rejects env, and every earlier delivery on its channel when
// multiple is set.
func (s *Session) BasicNack(env *Envelope, multiple, requeue bool) error {
	args, _ := frame.NewMethodArgsBuilder().
		WriteUint64(env.DeliveryTag).
		WriteFlags(multiple, requeue).
		Bytes()
	return s.sendOnDeliveryChannel(env, protocol.BasicNack, args)
}

func (s *Session) sendOnDeliveryChannel(env *Envelope, id protocol.MethodID, args []byte) error {
	if err := s.checkIsConnected(); err != nil {
		return err
	}
	if !s.IsChannelOpen(env.Channel) {
		return fmt.Errorf("%s delivery %d: %w", id, env.DeliveryTag, ErrChannelClosed)
	}
	if err := s.transport.WriteFrames(frame.NewMethod(env.Channel, id, args)); err != nil {
		s.connected = false
		return err
	}
	return nil
}
