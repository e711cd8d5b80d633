package amqptopo

import (
	"time"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SocketOptions configures the transport-level dial; it is opaque passthrough
// to the Dialer.
type SocketOptions = rabbitmq.SocketOptions

// ReconnectStrategy controls how the Connection retries a failed dial.
// Retries == 0 means retry forever.
type ReconnectStrategy struct {
	Retries  int
	Interval time.Duration
}

// ExchangeKind is an opaque passthrough to the broker's exchange type.
type ExchangeKind string

const (
	ExchangeDirect  ExchangeKind = "direct"
	ExchangeFanout  ExchangeKind = "fanout"
	ExchangeTopic   ExchangeKind = "topic"
	ExchangeHeaders ExchangeKind = "headers"
)

// ExchangeOptions mirrors the broker-side exchange declaration arguments.
type ExchangeOptions struct {
	Durable           bool
	Internal          bool
	AutoDelete        bool
	AlternateExchange string
	Arguments         amqp.Table
}

func (o ExchangeOptions) declareArgs() amqp.Table {
	args := amqp.Table{}
	for k, v := range o.Arguments {
		args[k] = v
	}
	if o.AlternateExchange != "" {
		args["alternate-exchange"] = o.AlternateExchange
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// QueueOptions mirrors the broker-side queue declaration arguments.
type QueueOptions struct {
	Exclusive         bool
	Durable           bool
	AutoDelete        bool
	MessageTTL        time.Duration
	Expires           time.Duration
	DeadLetterExchange string
	MaxLength         int
	Arguments         amqp.Table
}

func (o QueueOptions) declareArgs() amqp.Table {
	args := amqp.Table{}
	for k, v := range o.Arguments {
		args[k] = v
	}
	if o.MessageTTL > 0 {
		args["x-message-ttl"] = int64(o.MessageTTL / time.Millisecond)
	}
	if o.Expires > 0 {
		args["x-expires"] = int64(o.Expires / time.Millisecond)
	}
	if o.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = o.DeadLetterExchange
	}
	if o.MaxLength > 0 {
		args["x-max-length"] = o.MaxLength
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// ConsumerOptions configures ActivateConsumer/StartConsumer/StartRawConsumer.
type ConsumerOptions struct {
	NoAck     bool
	Exclusive bool
	Arguments amqp.Table
}

// Properties mirrors the subset of AMQP message properties the facade
// exposes directly; anything not named here can be set via Headers.
type Properties struct {
	ContentType   string
	ContentEncoding string
	CorrelationID string
	ReplyTo       string
	Expiration    string
	MessageID     string
	Priority      uint8
	DeliveryMode  uint8
	Headers       amqp.Table
}

func (p Properties) toAMQP(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		CorrelationId:   p.CorrelationID,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageID,
		Priority:        p.Priority,
		DeliveryMode:    p.DeliveryMode,
		Headers:         p.Headers,
		Body:            body,
	}
}

func propertiesFromAMQP(p amqp.Publishing) Properties {
	return Properties{
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		CorrelationID:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageID:       p.MessageId,
		Priority:        p.Priority,
		DeliveryMode:    p.DeliveryMode,
		Headers:         p.Headers,
	}
}

// DeliveryFields carries the broker-assigned metadata of a received message.
type DeliveryFields struct {
	Exchange    string
	RoutingKey  string
	Redelivered bool
	DeliveryTag uint64
	ConsumerTag string
}

// Topology is a declarative description of exchanges, queues, and bindings,
// suitable for a single call to Connection.DeclareTopology.
type Topology struct {
	Exchanges []TopologyExchange
	Queues    []TopologyQueue
	Bindings  []TopologyBinding
}

// TopologyExchange declares one exchange as part of a Topology.
type TopologyExchange struct {
	Name    string
	Kind    ExchangeKind
	Options ExchangeOptions
}

// TopologyQueue declares one queue as part of a Topology.
type TopologyQueue struct {
	Name    string
	Options QueueOptions
}

// TopologyBinding declares one binding as part of a Topology. Exactly one of
// Exchange or Queue should be set to select the destination kind.
type TopologyBinding struct {
	Source   string
	Exchange string
	Queue    string
	Pattern  string
	Args     amqp.Table
}
