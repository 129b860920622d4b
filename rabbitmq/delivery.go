package rabbitmq

import (
	"fmt"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

// Envelope is a delivered message with its delivery metadata.
type Envelope struct {
	Message     *Message
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Channel     uint16
}

// ReadContent reads the content header and body frames that follow a
// content carrying method on channel. The body must add up to exactly the
// size the header declares.
func (s *Session) ReadContent(channel uint16) (*Message, error) {
	f, _, err := s.GetNextFrameOnChannel(channel, Forever)
	if err != nil {
		return nil, err
	}
	header, err := f.Header()
	if err != nil {
		return nil, protocolViolation("expected content header on channel %d, got %s", channel, f)
	}

	bodies := make([]*frame.Frame, 0, 1)
	var received uint64
	for received < header.BodySize {
		f, _, err := s.GetNextFrameOnChannel(channel, Forever)
		if err != nil {
			return nil, err
		}
		if f.Kind != frame.KindBody {
			return nil, protocolViolation("expected content body on channel %d, got %s", channel, f)
		}
		received += uint64(len(f.Payload))
		bodies = append(bodies, f)
	}

	return buildMessage(header, bodies)
}

func buildMessage(header *frame.Header, bodies []*frame.Frame) (*Message, error) {
	props, err := DecodeProperties(header.Properties)
	if err != nil {
		return nil, protocolViolation("content properties: %v", err)
	}

	body := make([]byte, 0, header.BodySize)
	for _, b := range bodies {
		body = append(body, b.Payload...)
	}
	if uint64(len(body)) != header.BodySize {
		return nil, protocolViolation("content is %d bytes, header declared %d", len(body), header.BodySize)
	}

	return &Message{Properties: props, Body: body}, nil
}

// deliverArgs is the decoded argument list of basic.deliver.
type deliverArgs struct {
	consumerTag string
	deliveryTag uint64
	redelivered bool
	exchange    string
	routingKey  string
}

func decodeDeliver(f *frame.Frame) (deliverArgs, error) {
	var d deliverArgs
	m, err := f.Method()
	if err != nil || m.ID != protocol.BasicDeliver {
		return d, protocolViolation("expected basic.deliver, got %s", f)
	}

	args := frame.NewMethodArgs(m.Args)
	if d.consumerTag, err = args.ReadShortString(); err != nil {
		return d, protocolViolation("basic.deliver consumer tag: %v", err)
	}
	if d.deliveryTag, err = args.ReadUint64(); err != nil {
		return d, protocolViolation("basic.deliver delivery tag: %v", err)
	}
	if d.redelivered, err = args.ReadBool(); err != nil {
		return d, protocolViolation("basic.deliver redelivered: %v", err)
	}
	if d.exchange, err = args.ReadShortString(); err != nil {
		return d, protocolViolation("basic.deliver exchange: %v", err)
	}
	if d.routingKey, err = args.ReadShortString(); err != nil {
		return d, protocolViolation("basic.deliver routing key: %v", err)
	}
	return d, nil
}

func newEnvelope(channel uint16, d deliverArgs, msg *Message) *Envelope {
	return &Envelope{
		Message:     msg,
		ConsumerTag: d.consumerTag,
		DeliveryTag: d.deliveryTag,
		Redelivered: d.redelivered,
		Exchange:    d.exchange,
		RoutingKey:  d.routingKey,
		Channel:     channel,
	}
}

// assembleEnvelope builds an envelope from a complete buffered delivery.
func assembleEnvelope(deliver, header *frame.Frame, bodies []*frame.Frame) (*Envelope, error) {
	d, err := decodeDeliver(deliver)
	if err != nil {
		return nil, err
	}
	h, err := header.Header()
	if err != nil {
		return nil, protocolViolation("delivery header on channel %d: %v", header.Channel, err)
	}
	msg, err := buildMessage(h, bodies)
	if err != nil {
		return nil, fmt.Errorf("delivery on channel %d: %w", deliver.Channel, err)
	}
	return newEnvelope(deliver.Channel, d, msg), nil
}
