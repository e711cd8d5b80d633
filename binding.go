package amqptopo

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// destinationKind distinguishes the two things a Binding can route into.
type destinationKind int

const (
	destinationQueue destinationKind = iota
	destinationExchange
)

func (k destinationKind) String() string {
	if k == destinationExchange {
		return "exchange"
	}
	return "queue"
}

// Binding is a routing rule from a source Exchange into a destination,
// which is tagged as either a Queue or another Exchange.
type Binding struct {
	connection *Connection
	id         string

	source      *Exchange
	destKind    destinationKind
	destination string
	pattern     string
	args        amqp.Table

	channel func() (rabbitmq.Channel, error)

	mu          sync.Mutex
	initialized *future
}

func newBinding(c *Connection, source *Exchange, destKind destinationKind, destination, pattern string, args amqp.Table, channel func() (rabbitmq.Channel, error)) *Binding {
	return &Binding{
		connection:  c,
		id:          bindingID(source.name, destKind, destination, pattern),
		source:      source,
		destKind:    destKind,
		destination: destination,
		pattern:     pattern,
		args:        args,
		channel:     channel,
		initialized: newFuture(),
	}
}

func bindingID(source string, destKind destinationKind, destination, pattern string) string {
	return fmt.Sprintf("[%s]to%s[%s]%s", source, destKind, destination, pattern)
}

// destName returns the destination's broker name.
func (b *Binding) destName() string { return b.destination }

func (b *Binding) initialize() {
	go b.doInitialize(b.initialized)
}

func (b *Binding) reinitialize() {
	f := newFuture()
	b.mu.Lock()
	b.initialized = f
	b.mu.Unlock()
	go b.doInitialize(f)
}

// currentInitialized returns the binding's current initialization future,
// safe to call concurrently with reinitialize.
func (b *Binding) currentInitialized() *future {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *Binding) doInitialize(f *future) {
	ch, err := b.channel()
	if err != nil {
		f.settle(err)
		return
	}

	if b.destKind == destinationExchange {
		err = ch.ExchangeBind(b.destination, b.pattern, b.source.name, false, b.args)
	} else {
		err = ch.QueueBind(b.destination, b.pattern, b.source.name, false, b.args)
	}
	if err != nil {
		b.connection.removeBinding(b.id)
		f.settle(&rabbitmq.DeclarationError{Component: "binding", Name: b.id, Op: "bind", Err: err})
		return
	}
	f.settle(nil)
}

// Delete removes the binding from the broker and its connection registry.
func (b *Binding) Delete(ctx context.Context) error {
	if err := b.currentInitialized().wait(ctx); err != nil {
		b.connection.removeBinding(b.id)
		return nil
	}

	ch, err := b.channel()
	if err != nil {
		return err
	}

	if b.destKind == destinationExchange {
		err = ch.ExchangeUnbind(b.destination, b.pattern, b.source.name, false, b.args)
	} else {
		err = ch.QueueUnbind(b.destination, b.pattern, b.source.name, b.args)
	}
	b.connection.removeBinding(b.id)
	if err != nil {
		return &rabbitmq.DeclarationError{Component: "binding", Name: b.id, Op: "unbind", Err: err}
	}
	return nil
}
