package rabbitmq

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/simpleamqp/internal/frame"
	"github.com/israelio/simpleamqp/internal/protocol"
)

func TestPublishWaitsForAck(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(ackFrame(t, ch, 1, false))

	msg := &Message{Properties: Properties{ContentType: "text/plain"}, Body: []byte("hello")}
	require.NoError(t, s.BasicPublish("amq.direct", "jobs", msg, false))

	assert.Equal(t, uint64(1), s.channels[ch].lastDeliveryTag)
	assert.Zero(t, s.channels[ch].unconsumedAcks)
	assert.Equal(t, channelOpen, s.channels[ch].state)
	assert.Equal(t, []uint16{ch}, tr.released)

	var kinds []frame.Kind
	for _, f := range tr.written[2:] {
		kinds = append(kinds, f.Kind)
	}
	assert.Equal(t, []frame.Kind{frame.KindMethod, frame.KindHeader, frame.KindBody}, kinds)

	h, err := tr.written[3].Header()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), h.BodySize)
	props, err := DecodeProperties(h.Properties)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", props.ContentType)
}

// A multiple ack covering five tags completes the next four publishes on
// the channel without reading from the transport.
func TestMultipleAckGapIsConsumed(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(ackFrame(t, ch, 5, true))

	require.NoError(t, s.BasicPublish("", "q", NewMessage([]byte("1")), false))
	assert.Equal(t, uint64(5), s.channels[ch].lastDeliveryTag)
	assert.Equal(t, uint64(4), s.channels[ch].unconsumedAcks)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.BasicPublish("", "q", NewMessage([]byte("n")), false), "publish %d", i+2)
	}
	assert.Zero(t, s.channels[ch].unconsumedAcks)
	assert.Empty(t, tr.incoming)

	// Nothing left to short-circuit, so the next publish reads and fails.
	err := s.BasicPublish("", "q", NewMessage([]byte("6")), false)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestNackRejectsPublish(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(nackFrame(t, ch, 7, false))

	err := s.BasicPublish("", "q", NewMessage([]byte("x")), false)

	var rejected *MessageRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, uint64(7), rejected.DeliveryTag)
	assert.False(t, rejected.Multiple)
	assert.Equal(t, channelOpen, s.channels[ch].state)
	assert.True(t, s.IsConnected())
}

func TestMultipleNackRaisesOneError(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(nackFrame(t, ch, 3, true))

	err := s.BasicPublish("", "q", NewMessage([]byte("x")), false)

	var rejected *MessageRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.True(t, rejected.Multiple)
	assert.Equal(t, uint64(3), rejected.DeliveryTag)
	assert.Empty(t, tr.incoming)
}

func TestReturnedPublish(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(
		returnFrame(t, ch, protocol.ReplyNoRoute, "NO_ROUTE", "amq.direct", "nowhere"),
		headerFrame(t, ch, 5, Properties{MessageID: "m-1"}),
		frame.NewBody(ch, []byte("hello")),
		ackFrame(t, ch, 1, false),
	)

	err := s.BasicPublish("amq.direct", "nowhere", &Message{Properties: Properties{MessageID: "m-1"}, Body: []byte("hello")}, true)

	var returned *MessageReturnedError
	require.ErrorAs(t, err, &returned)
	assert.Equal(t, uint16(protocol.ReplyNoRoute), returned.ReplyCode)
	assert.Equal(t, "NO_ROUTE", returned.ReplyText)
	assert.Equal(t, "amq.direct", returned.Exchange)
	assert.Equal(t, "nowhere", returned.RoutingKey)
	require.NotNil(t, returned.Message)
	assert.Equal(t, []byte("hello"), returned.Message.Body)
	assert.Equal(t, "m-1", returned.Message.MessageID)

	assert.Equal(t, uint64(1), s.channels[ch].lastDeliveryTag)
	assert.Equal(t, channelOpen, s.channels[ch].state)
	assert.Empty(t, tr.incoming)
}

func TestStaleAckIsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, tr := newTestSession(t, WithRegisterer(reg))
	ch := openChannel(t, s)
	s.channels[ch].lastDeliveryTag = 5
	tr.push(ackFrame(t, ch, 3, false))

	require.NoError(t, s.BasicPublish("", "q", NewMessage(nil), false))

	assert.Equal(t, uint64(5), s.channels[ch].lastDeliveryTag)
	assert.Zero(t, s.channels[ch].unconsumedAcks)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.staleAcks))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.confirms.WithLabelValues(confirmAck)))
}

func TestPublishSplitsBodyAtFrameMax(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(ackFrame(t, ch, 1, false))

	body := bytes.Repeat([]byte("x"), 10000)
	require.NoError(t, s.BasicPublish("", "q", NewMessage(body), false))

	var sizes []int
	for _, f := range tr.written {
		if f.Kind == frame.KindBody {
			sizes = append(sizes, len(f.Payload))
		}
	}
	chunk := protocol.FrameMinSize - protocol.FrameHeaderSize - protocol.FrameEndSize
	assert.Equal(t, []int{chunk, chunk, 10000 - 2*chunk}, sizes)
}

func TestPublishEmptyBodySendsNoBodyFrames(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	tr.push(ackFrame(t, ch, 1, false))

	require.NoError(t, s.BasicPublish("", "q", NewMessage(nil), false))
	for _, f := range tr.written {
		assert.NotEqual(t, frame.KindBody, f.Kind)
	}
}

// Deliveries arriving on the channel while an ack is awaited are kept for
// the consumer.
func TestAckWaitBuffersDeliveries(t *testing.T) {
	s, tr := newTestSession(t)
	ch := openChannel(t, s)
	require.NoError(t, s.AddConsumer("ctag", ch))
	tr.push(delivery(t, ch, "ctag", 1, Properties{}, "job")...)
	tr.push(ackFrame(t, ch, 1, false))

	require.NoError(t, s.BasicPublish("", "q", NewMessage([]byte("x")), false))
	require.Len(t, s.delivered, 1)
	assert.Equal(t, []byte("job"), s.delivered[0].Message.Body)
}

func TestPublishTokenHoldsChannel(t *testing.T) {
	s, tr := newTestSession(t)
	tr.respond(protocol.BasicConsume, func(req *frame.Frame) []*frame.Frame {
		return []*frame.Frame{consumeOkFrame(t, req.Channel, "amq.ctag-reply")}
	})
	tr.respond(protocol.BasicPublish, func(req *frame.Frame) []*frame.Frame {
		return []*frame.Frame{ackFrame(t, req.Channel, 1, false)}
	})

	token, err := s.BasicPublishBegin()
	require.NoError(t, err)
	assert.Equal(t, "amq.ctag-reply", token.ReplyTag)
	assert.Equal(t, channelUsed, s.channels[token.Channel].state)

	require.NoError(t, s.BasicPublishWith(token, "", "q", NewMessage([]byte("x")), false))
	assert.Equal(t, channelUsed, s.channels[token.Channel].state, "channel stays borrowed until end")

	s.BasicPublishEnd(token)
	assert.Equal(t, channelOpen, s.channels[token.Channel].state)
}

func TestPublishOnClosedSession(t *testing.T) {
	s, _ := newTestSession(t)
	s.connected = false

	assert.ErrorIs(t, s.BasicPublish("", "q", NewMessage(nil), false), ErrConnectionClosed)
	_, err := s.BasicPublishBegin()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}
