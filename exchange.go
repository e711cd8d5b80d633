package amqptopo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is a declared exchange: a dedicated channel and its declaration
// options. Consuming from an Exchange transparently declares and binds a
// private, per-process queue the first time a consumer is registered.
type Exchange struct {
	connection *Connection
	name       string
	kind       ExchangeKind
	options    ExchangeOptions

	mu          sync.RWMutex
	channel     rabbitmq.Channel
	deleted     bool
	initialized *future

	privateQueueOnce sync.Once
	privateQueue     *Queue
}

func newExchange(c *Connection, name string, kind ExchangeKind, options ExchangeOptions) *Exchange {
	return &Exchange{
		connection:  c,
		name:        name,
		kind:        kind,
		options:     options,
		initialized: newFuture(),
	}
}

// Name returns the exchange's broker name.
func (e *Exchange) Name() string { return e.name }

func (e *Exchange) initialize() {
	go e.doInitialize(e.initialized)
}

// reinitialize re-declares the exchange itself. Its private backing queue
// (if any) is registered directly in the Connection's queue registry and is
// reinitialized there, not here.
func (e *Exchange) reinitialize() {
	f := newFuture()
	e.mu.Lock()
	e.initialized = f
	e.mu.Unlock()
	go e.doInitialize(f)
}

func (e *Exchange) doInitialize(f *future) {
	if err := e.connection.Wait(context.Background()); err != nil {
		f.settle(err)
		return
	}
	ch, err := e.connection.openChannel()
	if err != nil {
		f.settle(err)
		return
	}

	err = ch.ExchangeDeclare(e.name, string(e.kind), e.options.Durable, e.options.AutoDelete, e.options.Internal, false, e.options.declareArgs())
	if err != nil {
		e.connection.removeExchange(e.name)
		f.settle(&rabbitmq.DeclarationError{Component: "exchange", Name: e.name, Op: "declare", Err: err})
		return
	}

	e.mu.Lock()
	e.channel = ch
	e.mu.Unlock()
	f.settle(nil)
}

func (e *Exchange) currentChannel() (rabbitmq.Channel, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.channel == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return e.channel, nil
}

// awaitChannel blocks until the exchange's current declaration settles.
func (e *Exchange) awaitChannel(ctx context.Context) (rabbitmq.Channel, error) {
	e.mu.RLock()
	f := e.initialized
	e.mu.RUnlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return e.currentChannel()
}

// consumerState returns the consumer state machine of this exchange's
// private backing queue, or nil if no consumer has ever been registered.
func (e *Exchange) consumerState() *consumerState {
	e.mu.RLock()
	pq := e.privateQueue
	e.mu.RUnlock()
	if pq == nil {
		return nil
	}
	return pq.consumer
}

// ensurePrivateQueue declares (once) the per-process queue backing this
// exchange's consumer and binds it to the exchange: with pattern "#" for
// topic and headers exchanges, and with the empty pattern for direct and
// fanout exchanges (on a direct exchange that matches only the empty
// routing key).
func (e *Exchange) ensurePrivateQueue() *Queue {
	e.privateQueueOnce.Do(func() {
		name := anonymousQueueName(e.name, e.connection.naming)
		pq := e.connection.DeclareQueue(name, QueueOptions{Exclusive: true, AutoDelete: true})
		pattern := "#"
		if e.kind == ExchangeDirect || e.kind == ExchangeFanout {
			pattern = ""
		}
		pq.Bind(e, pattern, nil)
		e.mu.Lock()
		e.privateQueue = pq
		e.mu.Unlock()
	})
	e.mu.RLock()
	pq := e.privateQueue
	e.mu.RUnlock()
	return pq
}

// ActivateConsumer registers the current-style consumer callback against
// this exchange's private queue, declaring and binding it if needed.
func (e *Exchange) ActivateConsumer(handler ActivateHandler, opts ConsumerOptions) error {
	return e.ensurePrivateQueue().ActivateConsumer(handler, opts)
}

// StartConsumer registers the legacy, JSON-decoded consumer callback.
func (e *Exchange) StartConsumer(handler DecodedHandler, opts ConsumerOptions) error {
	return e.ensurePrivateQueue().StartConsumer(handler, opts)
}

// StartRawConsumer registers the legacy, raw-message consumer callback.
func (e *Exchange) StartRawConsumer(handler RawHandler, opts ConsumerOptions) error {
	return e.ensurePrivateQueue().StartRawConsumer(handler, opts)
}

// StopConsumer cancels the currently registered consumer, if any.
func (e *Exchange) StopConsumer(ctx context.Context) error {
	e.mu.RLock()
	pq := e.privateQueue
	e.mu.RUnlock()
	if pq == nil {
		return rabbitmq.ErrNoConsumerDefined
	}
	return pq.StopConsumer(ctx)
}

// Publish sends msg to the exchange under routingKey, retrying exactly once
// against a rebuilt channel if the current one is stale.
func (e *Exchange) Publish(ctx context.Context, routingKey string, msg Message) error {
	return e.publish(ctx, routingKey, msg, false)
}

// publish gates on the exchange's current declaration before touching the
// channel: a publish issued before the first declare-ack simply waits for
// it, the same as any other operation against a not-yet-ready entity. Only
// a synchronous throw from an already-ready channel is treated as a stale
// link worth rebuilding for.
func (e *Exchange) publish(ctx context.Context, routingKey string, msg Message, retransmitted bool) error {
	ch, err := e.awaitChannel(ctx)
	if err != nil {
		return err
	}
	err = ch.Publish(e.name, routingKey, false, false, msg.Properties.toAMQP(msg.Content))
	if err != nil {
		return e.retryAfterRebuild(ctx, routingKey, msg, err, retransmitted)
	}
	return nil
}

func (e *Exchange) retryAfterRebuild(ctx context.Context, routingKey string, msg Message, cause error, retransmitted bool) error {
	if retransmitted {
		return cause
	}
	e.logger().Warn("amqptopo: publish failed, rebuilding before one retransmit", "exchange", e.name, "error", cause)
	if rebuildErr := e.connection.rebuildAll(cause).wait(ctx); rebuildErr != nil {
		return rebuildErr
	}
	return e.publish(ctx, routingKey, msg, true)
}

// RPC publishes msg to the exchange under routingKey and blocks for a
// single correlated reply delivered via the amq.rabbitmq.reply-to
// pseudo-queue.
func (e *Exchange) RPC(ctx context.Context, routingKey string, msg Message) (Message, error) {
	ch, err := e.currentChannel()
	if err != nil {
		return Message{}, err
	}
	return doRPC(ctx, ch, msg, func(withReplyTo Message) error {
		return ch.Publish(e.name, routingKey, false, false, withReplyTo.Properties.toAMQP(withReplyTo.Content))
	})
}

// Bind creates a Binding from source into this exchange.
func (e *Exchange) Bind(source *Exchange, pattern string, args amqp.Table) *Binding {
	b := newBinding(e.connection, source, destinationExchange, e.name, pattern, args, func() (rabbitmq.Channel, error) {
		return e.awaitChannel(context.Background())
	})
	e.connection.registerBinding(b)
	b.initialize()
	return b
}

// Unbind looks up the binding identified by (source, pattern) against this
// exchange and deletes it; args is not part of a binding's identity.
func (e *Exchange) Unbind(ctx context.Context, source *Exchange, pattern string, args amqp.Table) error {
	id := bindingID(source.name, destinationExchange, e.name, pattern)
	b, ok := e.connection.lookupBinding(id)
	if !ok {
		return rabbitmq.ErrEntityRemoved
	}
	return b.Delete(ctx)
}

// Delete removes the exchange from the broker and its connection registry.
func (e *Exchange) Delete(ctx context.Context) error {
	if err := e.connection.removeBindingsContaining(ctx, destinationExchange, e.name); err != nil {
		return err
	}
	ch, err := e.currentChannel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDelete(e.name, false, false); err != nil {
		return &rabbitmq.DeclarationError{Component: "exchange", Name: e.name, Op: "delete", Err: err}
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	e.connection.removeExchange(e.name)
	return ch.Close()
}

// Close removes every binding touching this exchange and closes its
// channel, without issuing a broker-side ExchangeDelete.
func (e *Exchange) Close(ctx context.Context) error {
	if err := e.connection.removeBindingsContaining(ctx, destinationExchange, e.name); err != nil {
		return err
	}
	ch, err := e.currentChannel()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.deleted = true
	e.mu.Unlock()
	e.connection.removeExchange(e.name)
	return ch.Close()
}

// Send is the Exchange half of Message.SendTo: it publishes msg under
// routingKey exactly as Publish does. Kept as a thin wrapper so callers
// that hold a tagged Exchange|Queue destination can call Send uniformly on
// either.
func (e *Exchange) Send(ctx context.Context, routingKey string, msg Message) error {
	return e.Publish(ctx, routingKey, msg)
}

// logger and label satisfy logging needs shared with consumerState through
// the private queue; Exchange itself is not a consumerHost.
func (e *Exchange) logger() *slog.Logger { return e.connection.logger }
func (e *Exchange) label() string        { return "exchange " + e.name }
