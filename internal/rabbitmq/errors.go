package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnectionNotReady is returned when an operation is attempted before
	// the first successful dial has completed.
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")

	// ErrReconnectExhausted is returned when the reconnect strategy's retry
	// budget has been spent without a successful dial.
	ErrReconnectExhausted = errors.New("rabbitmq: reconnect attempts exhausted")

	// ErrConsumerAlreadyDefined is returned by StartConsumer/ActivateConsumer
	// when the queue or exchange already has an active or starting consumer.
	ErrConsumerAlreadyDefined = errors.New("rabbitmq: consumer already defined")

	// ErrNoConsumerDefined is returned by StopConsumer when no consumer is
	// currently registered.
	ErrNoConsumerDefined = errors.New("rabbitmq: no consumer defined")

	// ErrEntityRemoved is returned by Unbind when no binding with the given
	// identity is registered, and wrapped in the ConnectionError of a dial
	// loop stopped by Connection.Close.
	ErrEntityRemoved = errors.New("rabbitmq: entity removed from connection")
)

// ConnectionError wraps a dial failure, including how many attempts were made
// before giving up.
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeclarationError wraps a failed ExchangeDeclare/QueueDeclare/bind, the kind
// of error that must evict the entity from its Connection's registry.
type DeclarationError struct {
	Component string // "exchange" | "queue" | "binding"
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("rabbitmq: failed to %s %s %q: %v", e.Op, e.Component, e.Name, e.Err)
}

func (e *DeclarationError) Unwrap() error { return e.Err }

// ConsumerError wraps a failure to start, cancel, or process a consumer.
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s failed for consumer %q on %q: %v", e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error { return e.Err }

// IsStaleChannel reports whether err is an *amqp091.Error or wraps
// amqp091.ErrClosed, i.e. a channel/connection failure. The publish path
// does not consult it: any Publish error there triggers the
// rebuild-and-retransmit cycle.
func IsStaleChannel(err error) bool {
	if err == nil {
		return false
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return true
	}
	return errors.Is(err, amqp.ErrClosed)
}

// SanitizeURL strips credentials from a connection URL before it is logged.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	u.User = nil
	return u.String()
}
