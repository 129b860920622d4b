package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/israelio/simpleamqp/internal/protocol"
)

func TestPropertiesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		props Properties
	}{
		{name: "empty", props: Properties{}},
		{name: "content type only", props: Properties{ContentType: "application/json"}},
		{name: "persistent", props: Properties{DeliveryMode: protocol.DeliveryModePersistent}},
		{
			name: "every field",
			props: Properties{
				ContentType:     "text/plain",
				ContentEncoding: "utf-8",
				Headers:         Table{"x-custom": "value"},
				DeliveryMode:    protocol.DeliveryModePersistent,
				Priority:        5,
				CorrelationID:   "correlation-123",
				ReplyTo:         "reply-queue",
				Expiration:      "60000",
				MessageID:       "msg-456",
				Timestamp:       time.Unix(1234567890, 0),
				Type:            "user.created",
				UserID:          "guest",
				AppID:           "my-app",
				ClusterID:       "cluster-a",
			},
		},
		{name: "cluster id only", props: Properties{ClusterID: "c1"}},
		{name: "tail fields only", props: Properties{Type: "t", AppID: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeProperties(tt.props)
			require.NoError(t, err)

			decoded, err := DecodeProperties(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.props, decoded)
		})
	}
}

func TestPropertyFlags(t *testing.T) {
	raw, err := EncodeProperties(Properties{ContentType: "a", ClusterID: "b"})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x04, 1, 'a', 1, 'b'}, raw)
}

// Fields whose flag bit is clear stay at their zero value.
func TestDecodeOnlyFlaggedFields(t *testing.T) {
	raw := []byte{0x10, 0x00, protocol.DeliveryModePersistent}

	props, err := DecodeProperties(raw)
	require.NoError(t, err)
	assert.Equal(t, Properties{DeliveryMode: protocol.DeliveryModePersistent}, props)
}

func TestDecodeTruncatedProperties(t *testing.T) {
	_, err := DecodeProperties([]byte{0x80})
	assert.Error(t, err)

	_, err = DecodeProperties([]byte{0x80, 0x00, 5, 'a'})
	assert.Error(t, err)
}
