package rabbitmq

import (
	"time"

	"github.com/google/uuid"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// Call publishes request with reply-to set to the direct reply-to pseudo
// queue and waits up to timeout for the reply carrying the same
// correlation id. A correlation id is generated when the request has none.
// ok is false when no reply arrived in time.
//
// Replies with another correlation id, left over from earlier calls that
// timed out, are discarded.
func (s *Session) Call(exchange, routingKey string, request *Message, timeout time.Duration) (reply *Envelope, ok bool, err error) {
	token, err := s.BasicPublishBegin()
	if err != nil {
		return nil, false, err
	}
	defer s.BasicPublishEnd(token)

	msg := *request
	msg.ReplyTo = protocol.DirectReplyQueue
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}

	if err := s.BasicPublishWith(token, exchange, routingKey, &msg, true); err != nil {
		return nil, false, err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := Forever
		if timeout >= 0 {
			remaining = max(time.Until(deadline), 0)
		}

		env, ok, err := s.BasicConsumeMessage([]string{token.ReplyTag}, remaining)
		if err != nil || !ok {
			return nil, false, err
		}
		if env.Message.CorrelationID == msg.CorrelationID {
			return env, true, nil
		}
		s.logger.Debug().
			Str("correlation_id", env.Message.CorrelationID).
			Str("want", msg.CorrelationID).
			Msg("discarding stale reply")
	}
}
