package amqptopo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is the value object carrying a payload and its transport
// properties. A Message returned to a consumer callback additionally carries
// an ack/nack/reject handle bound to the delivering channel; a Message built
// by the caller for Publish/Send carries none of that and Ack/Nack/Reject are
// no-ops on it.
type Message struct {
	Content    []byte
	Properties Properties
	Fields     DeliveryFields

	channel     rabbitmq.Channel
	deliveryTag uint64
	acked       bool
}

// NewMessage normalizes content into a Message the way Publish/Send do:
// a string is UTF-8 encoded, a []byte passes through, anything else is
// JSON-marshaled and defaults ContentType to application/json.
func NewMessage(content interface{}, properties Properties) (Message, error) {
	body, contentType, err := normalizeContent(content)
	if err != nil {
		return Message{}, err
	}
	if properties.ContentType == "" {
		properties.ContentType = contentType
	}
	return Message{Content: body, Properties: properties}, nil
}

func normalizeContent(content interface{}) (body []byte, defaultContentType string, err error) {
	switch v := content.(type) {
	case string:
		return []byte(v), "", nil
	case []byte:
		return v, "", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("amqptopo: encode json payload: %w", err)
		}
		return b, "application/json", nil
	}
}

func messageFromDelivery(ch rabbitmq.Channel, d amqp.Delivery) Message {
	return Message{
		Content:    d.Body,
		Properties: propertiesFromAMQP(amqp.Publishing{
			ContentType:     d.ContentType,
			ContentEncoding: d.ContentEncoding,
			CorrelationId:   d.CorrelationId,
			ReplyTo:         d.ReplyTo,
			Expiration:      d.Expiration,
			MessageId:       d.MessageId,
			Priority:        d.Priority,
			DeliveryMode:    d.DeliveryMode,
			Headers:         d.Headers,
		}),
		Fields: DeliveryFields{
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			Redelivered: d.Redelivered,
			DeliveryTag: d.DeliveryTag,
			ConsumerTag: d.ConsumerTag,
		},
		channel:     ch,
		deliveryTag: d.DeliveryTag,
	}
}

// Text returns the content decoded as a UTF-8 string, regardless of
// ContentType.
func (m Message) Text() string {
	return string(m.Content)
}

// Decode JSON-unmarshals the content into target. Per the content-encoding
// rules, this is meaningful when Properties.ContentType is
// "application/json", but Decode does not enforce that — callers who know
// their payload is JSON despite a missing/different ContentType may still
// call it.
func (m Message) Decode(target interface{}) error {
	return json.Unmarshal(m.Content, target)
}

// IsJSON reports whether the content type marks this message as the
// automatic JSON encoding this facade applies to non-string/[]byte payloads.
func (m Message) IsJSON() bool {
	return m.Properties.ContentType == "application/json"
}

// Destination is a tagged Exchange|Queue send target for Message.SendTo, so
// a caller holding either kind of endpoint can send through one call
// without the facade needing a generic Destination interface.
type Destination struct {
	exchange   *Exchange
	queue      *Queue
	routingKey string
}

// ToExchange builds a Destination that publishes to e under routingKey.
func ToExchange(e *Exchange, routingKey string) Destination {
	return Destination{exchange: e, routingKey: routingKey}
}

// ToQueue builds a Destination that sends directly to q via the default
// exchange.
func ToQueue(q *Queue) Destination {
	return Destination{queue: q}
}

// SendTo normalizes and publishes m to dest, applying the same
// rebuild-and-retransmit policy Exchange.Publish/Queue.Send apply on their
// own.
func (m Message) SendTo(ctx context.Context, dest Destination) error {
	if dest.exchange != nil {
		return dest.exchange.Send(ctx, dest.routingKey, m)
	}
	return dest.queue.Send(ctx, m)
}

// Ack acknowledges a received message. It is a no-op on a Message that was
// not produced by a consumer delivery.
func (m Message) Ack() error {
	if m.channel == nil || m.acked {
		return nil
	}
	return ackChannel(m.channel).Ack(m.deliveryTag, false)
}

// Nack negatively-acknowledges a received message, optionally requeueing it.
func (m Message) Nack(requeue bool) error {
	if m.channel == nil || m.acked {
		return nil
	}
	return ackChannel(m.channel).Nack(m.deliveryTag, false, requeue)
}

// Reject rejects a received message, optionally requeueing it.
func (m Message) Reject(requeue bool) error {
	if m.channel == nil || m.acked {
		return nil
	}
	return ackChannel(m.channel).Reject(m.deliveryTag, requeue)
}

// ackable is satisfied by *amqp091.Channel; the narrow rabbitmq.Channel
// interface omits Ack/Nack/Reject because only received-message handling
// needs them, so Message asserts for them at the point of use.
type ackable interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

func ackChannel(ch rabbitmq.Channel) ackable {
	if a, ok := ch.(ackable); ok {
		return a
	}
	return noopAckable{}
}

type noopAckable struct{}

func (noopAckable) Ack(uint64, bool) error          { return nil }
func (noopAckable) Nack(uint64, bool, bool) error    { return nil }
func (noopAckable) Reject(uint64, bool) error        { return nil }
