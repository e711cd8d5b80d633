package amqptopo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// consumerLifecycle enumerates the states a Queue or Exchange consumer
// passes through: Inactive, Starting (Consume issued, awaiting the delivery
// channel), Active (deliveries flowing), Cancelling (Cancel issued).
type consumerLifecycle int

const (
	consumerInactive consumerLifecycle = iota
	consumerStarting
	consumerActive
	consumerCancelling
)

// ActivateHandler is the current consumer callback shape: it receives the
// full Message (properties, delivery fields, ack handle) and may return a
// reply payload, which is published back to Properties.ReplyTo when set.
type ActivateHandler func(context.Context, Message) (interface{}, error)

// DecodedHandler is the legacy StartConsumer callback shape: the message
// body is JSON-decoded into a generic value before the handler sees it, so
// the handler never touches ack/nack/reject or delivery metadata directly.
type DecodedHandler func(context.Context, interface{}) (interface{}, error)

// RawHandler is the legacy StartConsumer callback shape used by
// StartRawConsumer: the handler receives the undecoded Message, same as
// ActivateHandler, but is registered through the legacy entry point and
// its errors are logged with the "raw" consumer tag.
type RawHandler func(context.Context, Message) (interface{}, error)

// consumerHost is implemented by Queue, and by Exchange's private backing
// queue, giving consumerState what it needs without depending on either
// concrete type.
type consumerHost interface {
	consumeQueueName() string
	// awaitChannel blocks until the host's current declaration settles
	// (success or failure), then returns its channel.
	awaitChannel(ctx context.Context) (rabbitmq.Channel, error)
	consumeChannel() (rabbitmq.Channel, error)
	logger() *slog.Logger
	label() string
}

// consumerState is the consumer state machine shared by Queue and Exchange.
// Exactly one of ActivateConsumer/StartConsumer/StartRawConsumer may be
// registered at a time; StopConsumer tears it down and returns it to
// Inactive.
type consumerState struct {
	host consumerHost

	mu            sync.Mutex
	state         consumerLifecycle
	tag           string
	options       ConsumerOptions
	adapter       ActivateHandler
	legacyTag     string // "activate", "decoded", "raw" — for logging only
	desiredActive bool
	initialized   *future
}

// newConsumerState returns a consumerState with its initialized future
// already settled: with no consumer ever registered there is nothing for
// CompleteConfiguration to wait on.
func newConsumerState(host consumerHost) *consumerState {
	f := newFuture()
	f.settle(nil)
	return &consumerState{host: host, initialized: f}
}

func (cs *consumerState) currentState() consumerLifecycle {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.state
}

func (cs *consumerState) currentInitialized() *future {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.initialized
}

// ActivateConsumer registers handler as the current-style consumer.
func (cs *consumerState) ActivateConsumer(handler ActivateHandler, opts ConsumerOptions) error {
	return cs.start(handler, opts, "activate")
}

// StartConsumer registers handler as the legacy, JSON-decoded consumer.
func (cs *consumerState) StartConsumer(handler DecodedHandler, opts ConsumerOptions) error {
	adapter := func(ctx context.Context, msg Message) (interface{}, error) {
		var decoded interface{}
		if err := msg.Decode(&decoded); err != nil {
			return nil, err
		}
		return handler(ctx, decoded)
	}
	return cs.start(adapter, opts, "decoded")
}

// StartRawConsumer registers handler as the legacy, raw-message consumer.
func (cs *consumerState) StartRawConsumer(handler RawHandler, opts ConsumerOptions) error {
	return cs.start(ActivateHandler(handler), opts, "raw")
}

func (cs *consumerState) start(adapter ActivateHandler, opts ConsumerOptions, tag string) error {
	cs.mu.Lock()
	if cs.state != consumerInactive {
		cs.mu.Unlock()
		return rabbitmq.ErrConsumerAlreadyDefined
	}
	cs.state = consumerStarting
	cs.options = opts
	cs.adapter = adapter
	cs.legacyTag = tag
	cs.desiredActive = true
	cs.tag = uuid.NewString()
	f := newFuture()
	cs.initialized = f
	consumerTag := cs.tag
	cs.mu.Unlock()

	go cs.run(consumerTag, f)
	return nil
}

// StopConsumer cancels the active consumer and returns it to Inactive.
func (cs *consumerState) StopConsumer(ctx context.Context) error {
	cs.mu.Lock()
	if cs.state == consumerInactive {
		cs.mu.Unlock()
		return rabbitmq.ErrNoConsumerDefined
	}
	cs.state = consumerCancelling
	cs.desiredActive = false
	tag := cs.tag
	cs.mu.Unlock()

	ch, err := cs.host.consumeChannel()
	if err == nil {
		_ = ch.Cancel(tag, false)
	}

	cs.mu.Lock()
	cs.state = consumerInactive
	cs.mu.Unlock()
	return nil
}

// reinitialize restarts a previously-active consumer against the rebuilt
// channel; it is a no-op if StopConsumer was called before the rebuild.
func (cs *consumerState) reinitialize() {
	cs.mu.Lock()
	if !cs.desiredActive {
		cs.mu.Unlock()
		return
	}
	cs.state = consumerStarting
	cs.tag = uuid.NewString()
	f := newFuture()
	cs.initialized = f
	tag := cs.tag
	cs.mu.Unlock()

	go cs.run(tag, f)
}

func (cs *consumerState) run(tag string, f *future) {
	ch, err := cs.host.awaitChannel(context.Background())
	if err != nil {
		f.settle(err)
		cs.mu.Lock()
		cs.state = consumerInactive
		cs.mu.Unlock()
		return
	}

	deliveries, err := ch.Consume(cs.host.consumeQueueName(), tag, cs.options.NoAck, cs.options.Exclusive, false, false, cs.options.Arguments)
	if err != nil {
		f.settle(&rabbitmq.ConsumerError{
			Queue:       cs.host.consumeQueueName(),
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
		})
		cs.mu.Lock()
		cs.state = consumerInactive
		cs.mu.Unlock()
		return
	}

	cs.mu.Lock()
	cs.state = consumerActive
	cs.mu.Unlock()
	f.settle(nil)

	for d := range deliveries {
		cs.deliver(ch, d)
	}

	cs.mu.Lock()
	if cs.state == consumerActive {
		cs.state = consumerInactive
	}
	cs.mu.Unlock()
}

func (cs *consumerState) deliver(ch rabbitmq.Channel, d amqp.Delivery) {
	msg := messageFromDelivery(ch, d)

	cs.mu.Lock()
	adapter := cs.adapter
	noAck := cs.options.NoAck
	legacyTag := cs.legacyTag
	cs.mu.Unlock()

	reply, err := func() (reply interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("amqptopo: consumer handler panic: %v", r)
			}
		}()
		return adapter(context.Background(), msg)
	}()
	if err != nil {
		cs.host.logger().Error("amqptopo: consumer handler error",
			"consumer", legacyTag, "queue", cs.host.consumeQueueName(), "error", err)
	}

	// Only the legacy shapes (decoded/raw) auto-ack. ActivateConsumer hands
	// the caller an ack/nack/reject handle on msg, same as the broker
	// already auto-acked if noAck was requested at Consume time; acking here
	// too would double-settle the delivery tag.
	if !noAck && legacyTag != "activate" {
		_ = msg.Ack()
	}

	if reply == nil || msg.Properties.ReplyTo == "" {
		return
	}
	body, contentType, encErr := normalizeContent(reply)
	if encErr != nil {
		cs.host.logger().Error("amqptopo: encode reply payload", "error", encErr)
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	pubErr := ch.Publish("", msg.Properties.ReplyTo, false, false, amqp.Publishing{
		ContentType:   contentType,
		CorrelationId: msg.Properties.CorrelationID,
		Body:          body,
	})
	if pubErr != nil {
		cs.host.logger().Error("amqptopo: publish consumer reply", "error", pubErr)
	}
}
