// Package rabbitmq wraps the wire-level AMQP 0-9-1 client behind two narrow
// interfaces, Link and Channel, so the facade in the root package never
// depends on amqp091-go's concrete connection and channel types directly and
// can be driven against fakes in tests.
package rabbitmq

import (
	"crypto/tls"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// SocketOptions configures the transport-level dial. It is opaque to the
// rest of the facade, which only ever passes it through to Dialer.
type SocketOptions struct {
	Heartbeat time.Duration
	TLSConfig *tls.Config
	Dial      func(network, addr string) (interface{ Close() error }, error)
}

// Link is the subset of *amqp091.Connection the facade depends on.
type Link interface {
	Channel() (Channel, error)
	Close() error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
}

// Channel is the subset of *amqp091.Channel the facade depends on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	ExchangeBind(dest, key, source string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	ExchangeUnbind(dest, key, source string, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumerTag string, noWait bool) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	Close() error
}

// Dialer opens a new Link to url. The default, DialAMQP, wraps
// amqp091.DialConfig; tests supply a fake to avoid a live broker.
type Dialer func(url string, opts SocketOptions) (Link, error)

// DialAMQP is the production Dialer backed by amqp091-go.
func DialAMQP(url string, opts SocketOptions) (Link, error) {
	cfg := amqp.Config{
		Heartbeat:       opts.Heartbeat,
		TLSClientConfig: opts.TLSConfig,
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpLink{conn: conn}, nil
}

// amqpLink adapts *amqp091.Connection to Link.
type amqpLink struct {
	conn *amqp.Connection
}

func (l *amqpLink) Channel() (Channel, error) {
	ch, err := l.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (l *amqpLink) Close() error { return l.conn.Close() }

func (l *amqpLink) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return l.conn.NotifyClose(ch)
}

func (l *amqpLink) IsClosed() bool { return l.conn.IsClosed() }
