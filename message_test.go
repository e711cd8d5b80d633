package amqptopo

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageNormalizesContent(t *testing.T) {
	t.Run("string passes through as utf-8", func(t *testing.T) {
		m, err := NewMessage("hello", Properties{})
		require.NoError(t, err)
		assert.Equal(t, "hello", m.Text())
		assert.Equal(t, "", m.Properties.ContentType)
	})

	t.Run("bytes pass through unchanged", func(t *testing.T) {
		m, err := NewMessage([]byte{0x01, 0x02}, Properties{})
		require.NoError(t, err)
		assert.Equal(t, []byte{0x01, 0x02}, m.Content)
	})

	t.Run("struct is json-encoded with default content type", func(t *testing.T) {
		type payload struct {
			Name string `json:"name"`
		}
		m, err := NewMessage(payload{Name: "ada"}, Properties{})
		require.NoError(t, err)
		assert.Equal(t, "application/json", m.Properties.ContentType)
		assert.True(t, m.IsJSON())

		var decoded payload
		require.NoError(t, m.Decode(&decoded))
		assert.Equal(t, "ada", decoded.Name)
	})

	t.Run("explicit content type is not overridden", func(t *testing.T) {
		m, err := NewMessage(map[string]int{"n": 1}, Properties{ContentType: "application/vnd.custom+json"})
		require.NoError(t, err)
		assert.Equal(t, "application/vnd.custom+json", m.Properties.ContentType)
	})
}

func TestMessageAckNackRejectAgainstDeliveryChannel(t *testing.T) {
	ch := newFakeChannel()
	d := amqp.Delivery{Body: []byte("x"), DeliveryTag: 42}
	msg := messageFromDelivery(ch, d)

	require.NoError(t, msg.Ack())
	assert.Equal(t, []uint64{42}, ch.acked)

	msg2 := messageFromDelivery(ch, amqp.Delivery{DeliveryTag: 7})
	require.NoError(t, msg2.Nack(true))
	assert.Equal(t, []uint64{7}, ch.nacked)

	msg3 := messageFromDelivery(ch, amqp.Delivery{DeliveryTag: 9})
	require.NoError(t, msg3.Reject(false))
	assert.Equal(t, []uint64{9}, ch.rejected)
}

func TestMessageAckIsNoOpWithoutDeliveryChannel(t *testing.T) {
	m, err := NewMessage("x", Properties{})
	require.NoError(t, err)
	assert.NoError(t, m.Ack())
	assert.NoError(t, m.Nack(true))
	assert.NoError(t, m.Reject(false))
}
