package rabbitmq

import (
	"github.com/israelio/simpleamqp/internal/frame"
)

// decodeReturn reads basic.return arguments into the error raised for the
// returned publish. The message itself is attached by the caller.
func decodeReturn(f *frame.Frame) (*MessageReturnedError, error) {
	m, err := f.Method()
	if err != nil {
		return nil, err
	}

	args := frame.NewMethodArgs(m.Args)
	ret := &MessageReturnedError{}
	if ret.ReplyCode, err = args.ReadUint16(); err != nil {
		return nil, protocolViolation("basic.return reply code: %v", err)
	}
	if ret.ReplyText, err = args.ReadShortString(); err != nil {
		return nil, protocolViolation("basic.return reply text: %v", err)
	}
	if ret.Exchange, err = args.ReadShortString(); err != nil {
		return nil, protocolViolation("basic.return exchange: %v", err)
	}
	if ret.RoutingKey, err = args.ReadShortString(); err != nil {
		return nil, protocolViolation("basic.return routing key: %v", err)
	}
	return ret, nil
}

// decodeConfirm reads the delivery tag and multiple flag of basic.ack or
// basic.nack.
func decodeConfirm(f *frame.Frame) (tag uint64, multiple bool, err error) {
	m, err := f.Method()
	if err != nil {
		return 0, false, err
	}
	args := frame.NewMethodArgs(m.Args)
	if tag, err = args.ReadUint64(); err != nil {
		return 0, false, protocolViolation("%s delivery tag: %v", m.ID, err)
	}
	flags, err := args.ReadFlags(1)
	if err != nil {
		return 0, false, protocolViolation("%s flags: %v", m.ID, err)
	}
	return tag, flags[0], nil
}
