package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

const replyTag = "amq.ctag-reply"

func withReplyConsumer(t *testing.T, tr *scriptedTransport) {
	tr.respond(protocol.BasicConsume, func(req *frame.Frame) []*frame.Frame {
		return []*frame.Frame{consumeOkFrame(t, req.Channel, replyTag)}
	})
}

func TestCallReturnsMatchingReply(t *testing.T) {
	s, tr := newTestSession(t)
	withReplyConsumer(t, tr)
	tr.respond(protocol.BasicPublish, func(req *frame.Frame) []*frame.Frame {
		frames := []*frame.Frame{ackFrame(t, req.Channel, 1, false)}
		frames = append(frames, delivery(t, req.Channel, replyTag, 1, Properties{CorrelationID: "stale"}, "old")...)
		frames = append(frames, delivery(t, req.Channel, replyTag, 2, Properties{CorrelationID: "req-1"}, "pong")...)
		return frames
	})

	request := &Message{Properties: Properties{CorrelationID: "req-1"}, Body: []byte("ping")}
	reply, ok, err := s.Call("", "rpc_queue", request, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), reply.Message.Body)
	assert.Equal(t, replyTag, reply.ConsumerTag)

	assert.Empty(t, request.ReplyTo, "caller's message is not modified")
	assert.Equal(t, channelOpen, s.channels[reply.Channel].state)
	assert.Equal(t, replyTag, s.DirectReplyToken(reply.Channel))

	var header *frame.Header
	for _, f := range tr.written {
		if f.Kind == frame.KindHeader {
			header, err = f.Header()
			require.NoError(t, err)
		}
	}
	require.NotNil(t, header)
	props, err := DecodeProperties(header.Properties)
	require.NoError(t, err)
	assert.Equal(t, protocol.DirectReplyQueue, props.ReplyTo)
	assert.Equal(t, "req-1", props.CorrelationID)
}

func TestCallGeneratesCorrelationID(t *testing.T) {
	s, tr := newTestSession(t)
	withReplyConsumer(t, tr)

	var sent string
	tr.respond(protocol.BasicPublish, func(req *frame.Frame) []*frame.Frame {
		return []*frame.Frame{ackFrame(t, req.Channel, 1, false)}
	})

	_, ok, err := s.Call("", "rpc_queue", NewMessage([]byte("ping")), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "no reply was sent")

	for _, f := range tr.written {
		if f.Kind == frame.KindHeader {
			h, err := f.Header()
			require.NoError(t, err)
			props, err := DecodeProperties(h.Properties)
			require.NoError(t, err)
			sent = props.CorrelationID
		}
	}
	assert.Len(t, sent, 36)
}

func TestCallReusesReplySubscription(t *testing.T) {
	s, tr := newTestSession(t)
	withReplyConsumer(t, tr)
	tag := uint64(0)
	tr.respond(protocol.BasicPublish, func(req *frame.Frame) []*frame.Frame {
		tag++
		frames := []*frame.Frame{ackFrame(t, req.Channel, tag, false)}
		return append(frames, delivery(t, req.Channel, replyTag, tag, Properties{CorrelationID: "c"}, "ok")...)
	})

	for i := 0; i < 3; i++ {
		_, ok, err := s.Call("", "rpc_queue", &Message{Properties: Properties{CorrelationID: "c"}}, time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var consumes int
	for _, f := range tr.written {
		if f.Is(protocol.BasicConsume) {
			consumes++
		}
	}
	assert.Equal(t, 1, consumes)
}

func TestCallReportsReturnedRequest(t *testing.T) {
	s, tr := newTestSession(t)
	withReplyConsumer(t, tr)
	tr.respond(protocol.BasicPublish, func(req *frame.Frame) []*frame.Frame {
		return []*frame.Frame{
			returnFrame(t, req.Channel, protocol.ReplyNoRoute, "NO_ROUTE", "", "missing"),
			headerFrame(t, req.Channel, 0, Properties{}),
			ackFrame(t, req.Channel, 1, false),
		}
	})

	_, ok, err := s.Call("", "missing", NewMessage(nil), time.Second)
	assert.False(t, ok)
	var returned *MessageReturnedError
	require.ErrorAs(t, err, &returned)
	assert.Equal(t, "missing", returned.RoutingKey)
	assert.Equal(t, channelOpen, s.channels[1].state)
}
