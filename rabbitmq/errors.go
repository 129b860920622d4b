package rabbitmq

import (
	"errors"
	"fmt"

	"github.com/israelio/simpleamqp/internal/protocol"
)

var (
	// ErrProtocolViolation reports a frame the session did not expect at
	// that point of the exchange.
	ErrProtocolViolation = errors.New("amqp: protocol violation")
	// ErrResourceLimit reports that every channel id up to channel-max is in
	// use.
	ErrResourceLimit = errors.New("amqp: channel limit reached")
	// ErrConsumerTagNotFound reports an unknown consumer tag.
	ErrConsumerTagNotFound = errors.New("amqp: consumer tag not found")
	// ErrConsumerTagInUse reports a second registration of a consumer tag.
	ErrConsumerTagInUse = errors.New("amqp: consumer tag already registered")
	// ErrConnectionClosed is returned by every operation once the session
	// is disconnected.
	ErrConnectionClosed = errors.New("amqp: connection closed")
	// ErrChannelClosed is returned when acting on a closed channel.
	ErrChannelClosed = errors.New("amqp: channel closed")
	// ErrBadURI is returned by FromURI for strings that are not AMQP URIs.
	ErrBadURI = errors.New("amqp: bad uri")
)

// TransportError wraps a failed read or write on the underlying connection.
// The session should be considered unusable after one.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("amqp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Error is a reply code carried by a channel.close or connection.close, or
// raised locally with the same meaning.
type Error struct {
	Code       int
	Reason     string
	Server     bool // sent by the broker
	Connection bool // connection.close rather than channel.close
	ClassID    uint16
	MethodID   uint16
}

func (e *Error) Error() string {
	origin := "client"
	if e.Server {
		origin = "server"
	}
	scope := "channel"
	if e.Connection {
		scope = "connection"
	}
	return fmt.Sprintf("AMQP %s error %d (%s): %s", scope, e.Code, origin, e.Reason)
}

// Is matches another *Error by reply code, so errors.Is(err, ErrNotFound)
// holds for any 404 close.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Reply code errors for use with errors.Is.
var (
	ErrConnectionForced   = &Error{Code: protocol.ReplyConnectionForced, Reason: "connection forced"}
	ErrNotFound           = &Error{Code: protocol.ReplyNotFound, Reason: "resource not found", Server: true}
	ErrAccessRefused      = &Error{Code: protocol.ReplyAccessRefused, Reason: "access refused", Server: true}
	ErrResourceLocked     = &Error{Code: protocol.ReplyResourceLocked, Reason: "resource locked", Server: true}
	ErrPreconditionFailed = &Error{Code: protocol.ReplyPreconditionFailed, Reason: "precondition failed", Server: true}
	ErrFrameError         = &Error{Code: protocol.ReplyFrameError, Reason: "frame error"}
	ErrCommandInvalid     = &Error{Code: protocol.ReplyCommandInvalid, Reason: "command invalid", Server: true}
	ErrChannelError       = &Error{Code: protocol.ReplyChannelError, Reason: "channel error", Server: true}
	ErrUnexpectedFrame    = &Error{Code: protocol.ReplyUnexpectedFrame, Reason: "unexpected frame", Server: true}
	ErrResourceError      = &Error{Code: protocol.ReplyResourceError, Reason: "resource error", Server: true}
	ErrNotAllowed         = &Error{Code: protocol.ReplyNotAllowed, Reason: "not allowed", Server: true}
	ErrNotImplemented     = &Error{Code: protocol.ReplyNotImplemented, Reason: "not implemented", Server: true}
	ErrInternalError      = &Error{Code: protocol.ReplyInternalError, Reason: "internal error", Server: true}
)

// MessageRejectedError is returned by a publish the broker nacked.
type MessageRejectedError struct {
	DeliveryTag uint64
	// Multiple is set when the nack covered every tag up to DeliveryTag.
	// Only one error is raised either way.
	Multiple bool
}

func (e *MessageRejectedError) Error() string {
	return fmt.Sprintf("amqp: message with delivery tag %d rejected by broker", e.DeliveryTag)
}

// MessageReturnedError is returned by a mandatory publish the broker could
// not route.
type MessageReturnedError struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Message    *Message
}

func (e *MessageReturnedError) Error() string {
	return fmt.Sprintf("amqp: message returned (%d %s) exchange=%q routing_key=%q",
		e.ReplyCode, e.ReplyText, e.Exchange, e.RoutingKey)
}

// ConsumerCancelledError is returned when the broker cancels a consumer,
// for example because its queue was deleted.
type ConsumerCancelledError struct {
	ConsumerTag string
}

func (e *ConsumerCancelledError) Error() string {
	return fmt.Sprintf("amqp: consumer %q cancelled by broker", e.ConsumerTag)
}

func protocolViolation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}
