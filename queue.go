package amqptopo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue is a declared queue: a dedicated channel, its declaration options,
// and at most one registered consumer.
type Queue struct {
	connection *Connection
	name       string
	options    QueueOptions

	mu         sync.RWMutex
	channel    rabbitmq.Channel
	deleted    bool
	initialized *future

	consumer *consumerState
}

func newQueue(c *Connection, name string, options QueueOptions) *Queue {
	q := &Queue{
		connection: c,
		name:       name,
		options:    options,
		initialized: newFuture(),
	}
	q.consumer = newConsumerState(q)
	return q
}

// Name returns the queue's broker name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) initialize() {
	go q.doInitialize(q.initialized)
}

func (q *Queue) reinitialize() {
	f := newFuture()
	q.mu.Lock()
	q.initialized = f
	q.mu.Unlock()
	go q.doInitialize(f)
	q.consumer.reinitialize()
}

func (q *Queue) doInitialize(f *future) {
	if err := q.connection.Wait(context.Background()); err != nil {
		f.settle(err)
		return
	}
	ch, err := q.connection.openChannel()
	if err != nil {
		f.settle(err)
		return
	}

	declared, err := ch.QueueDeclare(q.name, q.options.Durable, q.options.AutoDelete, q.options.Exclusive, false, q.options.declareArgs())
	if err != nil {
		q.connection.removeQueue(q.name)
		f.settle(&rabbitmq.DeclarationError{Component: "queue", Name: q.name, Op: "declare", Err: err})
		return
	}
	if declared.Name != "" {
		q.mu.Lock()
		q.name = declared.Name
		q.mu.Unlock()
	}

	q.mu.Lock()
	q.channel = ch
	q.mu.Unlock()
	f.settle(nil)
}

func (q *Queue) currentChannel() (rabbitmq.Channel, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.channel == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return q.channel, nil
}

// awaitChannel blocks until the queue's current declaration settles.
func (q *Queue) awaitChannel(ctx context.Context) (rabbitmq.Channel, error) {
	q.mu.RLock()
	f := q.initialized
	q.mu.RUnlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return q.currentChannel()
}

// consumeQueueName and consumeChannel implement consumerHost for Queue
// itself (as opposed to an Exchange's private backing queue).
func (q *Queue) consumeQueueName() string { return q.name }
func (q *Queue) consumeChannel() (rabbitmq.Channel, error) { return q.currentChannel() }
func (q *Queue) logger() *slog.Logger { return q.connection.logger }
func (q *Queue) label() string { return "queue " + q.name }

// ActivateConsumer registers the current-style consumer callback.
func (q *Queue) ActivateConsumer(handler ActivateHandler, opts ConsumerOptions) error {
	return q.consumer.ActivateConsumer(handler, opts)
}

// StartConsumer registers the legacy, JSON-decoded consumer callback.
func (q *Queue) StartConsumer(handler DecodedHandler, opts ConsumerOptions) error {
	return q.consumer.StartConsumer(handler, opts)
}

// StartRawConsumer registers the legacy, raw-message consumer callback.
func (q *Queue) StartRawConsumer(handler RawHandler, opts ConsumerOptions) error {
	return q.consumer.StartRawConsumer(handler, opts)
}

// StopConsumer cancels the currently registered consumer, if any.
func (q *Queue) StopConsumer(ctx context.Context) error {
	return q.consumer.StopConsumer(ctx)
}

// Send publishes msg directly to the queue via the default exchange.
func (q *Queue) Send(ctx context.Context, msg Message) error {
	return q.publish(ctx, msg, false)
}

// publish gates on the queue's current declaration before touching the
// channel: a publish issued before the first declare-ack simply waits for
// it, the same as any other operation against a not-yet-ready entity. Only
// a synchronous throw from an already-ready channel is treated as a stale
// link worth rebuilding for.
func (q *Queue) publish(ctx context.Context, msg Message, retransmitted bool) error {
	ch, err := q.awaitChannel(ctx)
	if err != nil {
		return err
	}
	err = ch.Publish("", q.name, false, false, msg.Properties.toAMQP(msg.Content))
	if err != nil {
		return q.retryAfterRebuild(ctx, msg, err, retransmitted)
	}
	return nil
}

func (q *Queue) retryAfterRebuild(ctx context.Context, msg Message, cause error, retransmitted bool) error {
	if retransmitted {
		return cause
	}
	q.logger().Warn("amqptopo: publish failed, rebuilding before one retransmit", "queue", q.name, "error", cause)
	if rebuildErr := q.connection.rebuildAll(cause).wait(ctx); rebuildErr != nil {
		return rebuildErr
	}
	return q.publish(ctx, msg, true)
}

// RPC publishes msg to the queue and blocks for a single correlated reply
// delivered via the amq.rabbitmq.reply-to pseudo-queue.
func (q *Queue) RPC(ctx context.Context, msg Message) (Message, error) {
	ch, err := q.currentChannel()
	if err != nil {
		return Message{}, err
	}
	return doRPC(ctx, ch, msg, func(withReplyTo Message) error {
		return ch.Publish("", q.name, false, false, withReplyTo.Properties.toAMQP(withReplyTo.Content))
	})
}

// Bind creates a Binding from source into this queue.
func (q *Queue) Bind(source *Exchange, pattern string, args amqp.Table) *Binding {
	b := newBinding(q.connection, source, destinationQueue, q.name, pattern, args, func() (rabbitmq.Channel, error) {
		return q.awaitChannel(context.Background())
	})
	q.connection.registerBinding(b)
	b.initialize()
	return b
}

// Unbind looks up the binding identified by (source, pattern) against this
// queue and deletes it; args is not part of a binding's identity.
func (q *Queue) Unbind(ctx context.Context, source *Exchange, pattern string, args amqp.Table) error {
	id := bindingID(source.name, destinationQueue, q.name, pattern)
	b, ok := q.connection.lookupBinding(id)
	if !ok {
		return rabbitmq.ErrEntityRemoved
	}
	return b.Delete(ctx)
}

// Delete removes the queue from the broker and its connection registry.
func (q *Queue) Delete(ctx context.Context) error {
	if err := q.connection.removeBindingsContaining(ctx, destinationQueue, q.name); err != nil {
		return err
	}
	ch, err := q.currentChannel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDelete(q.name, false, false, false); err != nil {
		return &rabbitmq.DeclarationError{Component: "queue", Name: q.name, Op: "delete", Err: err}
	}
	q.mu.Lock()
	q.deleted = true
	q.mu.Unlock()
	q.connection.removeQueue(q.name)
	return ch.Close()
}

// Close removes every binding touching this queue and closes its channel,
// without issuing a broker-side QueueDelete.
func (q *Queue) Close(ctx context.Context) error {
	if err := q.connection.removeBindingsContaining(ctx, destinationQueue, q.name); err != nil {
		return err
	}
	ch, err := q.currentChannel()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.deleted = true
	q.mu.Unlock()
	q.connection.removeQueue(q.name)
	return ch.Close()
}
