// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package amqptopo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Connection is the connection-and-topology supervisor: it owns the broker
// link, the registries of every Exchange/Queue/Binding declared against it,
// and the rebuild orchestration that re-declares all of them whenever the
// link is lost.
type Connection struct {
	url      string
	socket   SocketOptions
	strategy ReconnectStrategy
	dialer   rabbitmq.Dialer
	logger   *slog.Logger
	naming   NamingConfig

	mu              sync.RWMutex
	link            rabbitmq.Link
	initFuture      *future
	connectedBefore bool
	closed          bool
	exchanges       map[string]*Exchange
	queues          map[string]*Queue
	bindings        map[string]*Binding

	rebuildGroup singleflight.Group
	stopDialing  chan struct{}
}

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*Connection)

// WithConnectionLogger overrides the default slog.Default() logger.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) { c.logger = logger }
}

// WithDialer overrides the Dialer used to open the broker link; tests use
// this to supply a fake.
func WithDialer(d rabbitmq.Dialer) ConnectionOption {
	return func(c *Connection) { c.dialer = d }
}

// WithNaming overrides the resolved NamingConfig used for anonymous consumer
// queue names.
func WithNaming(n NamingConfig) ConnectionOption {
	return func(c *Connection) { c.naming = n }
}

// NewConnection begins connecting to url immediately, in a background
// goroutine, and returns without blocking. Use Wait to observe when the link
// is ready or has exhausted its reconnect budget.
func NewConnection(url string, socket SocketOptions, strategy ReconnectStrategy, opts ...ConnectionOption) *Connection {
	c := &Connection{
		url:         url,
		socket:      socket,
		strategy:    strategy,
		dialer:      rabbitmq.DialAMQP,
		logger:      slog.Default(),
		naming:      resolveNaming(),
		exchanges:   make(map[string]*Exchange),
		queues:      make(map[string]*Queue),
		bindings:    make(map[string]*Binding),
		stopDialing: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.initFuture = newFuture()
	go c.dialLoop(c.initFuture, 0)

	return c
}

// Wait blocks until the current (re)connect attempt settles, returning its
// error (nil on success).
func (c *Connection) Wait(ctx context.Context) error {
	c.mu.RLock()
	f := c.initFuture
	c.mu.RUnlock()
	return f.wait(ctx)
}

// dialLoop implements tryToConnect: attempt, and on failure either schedule
// another attempt per the ReconnectStrategy or fail f permanently.
func (c *Connection) dialLoop(f *future, retry int) {
	link, err := c.dialer(c.url, c.socket)
	if err == nil {
		c.onConnected(link, f)
		return
	}

	if c.strategy.Retries != 0 && retry >= c.strategy.Retries {
		f.settle(&rabbitmq.ConnectionError{
			Op:        "connect",
			URL:       rabbitmq.SanitizeURL(c.url),
			Err:       errors.Join(rabbitmq.ErrReconnectExhausted, err),
			Timestamp: time.Now(),
			Attempts:  retry + 1,
		})
		return
	}

	c.logger.Warn("amqptopo: dial failed, retrying",
		"attempt", retry+1, "interval", c.strategy.Interval, "error", err)

	select {
	case <-time.After(c.strategy.Interval):
		c.dialLoop(f, retry+1)
	case <-c.stopDialing:
		f.settle(&rabbitmq.ConnectionError{
			Op:        "connect",
			URL:       rabbitmq.SanitizeURL(c.url),
			Err:       rabbitmq.ErrEntityRemoved,
			Timestamp: time.Now(),
			Attempts:  retry + 1,
		})
	}
}

// onConnected installs the close listener, stores the link, and resolves f.
func (c *Connection) onConnected(link rabbitmq.Link, f *future) {
	c.mu.Lock()
	c.link = link
	wasConnectedBefore := c.connectedBefore
	c.connectedBefore = true
	c.mu.Unlock()

	if wasConnectedBefore {
		c.logger.Warn("amqptopo: connection re-established", "url", rabbitmq.SanitizeURL(c.url))
	} else {
		c.logger.Info("amqptopo: connection established", "url", rabbitmq.SanitizeURL(c.url))
	}

	closeCh := link.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		err := <-closeCh
		if err == nil {
			return // NotifyClose channel closed by a graceful Close()
		}
		c.rebuildAll(err)
	}()

	f.settle(nil)
}

// rebuildAll re-dials the link and, once connected, re-declares every
// registered entity. Concurrent callers fold onto the same singleflight call
// and observe the same result; the returned future settles once that call
// returns, whether this goroutine led it or merely joined it.
func (c *Connection) rebuildAll(cause error) *future {
	f := newFuture()
	go func() {
		c.logger.Warn("amqptopo: rebuilding connection and topology", "error", cause)
		_, err, _ := c.rebuildGroup.Do("rebuild", func() (interface{}, error) {
			newInit := newFuture()
			c.mu.Lock()
			c.initFuture = newInit
			c.mu.Unlock()

			c.dialLoop(newInit, 0)
			if err := newInit.result(); err != nil {
				return nil, err
			}
			return nil, c.reinitializeAll(context.Background())
		})
		f.settle(err)
	}()
	return f
}

// reinitializeAll re-runs initialize on every registered Exchange, Queue,
// and Binding, and re-activates any consumer that was active at the moment
// of failure, then joins on CompleteConfiguration.
func (c *Connection) reinitializeAll(ctx context.Context) error {
	c.mu.RLock()
	exchanges := make([]*Exchange, 0, len(c.exchanges))
	for _, e := range c.exchanges {
		exchanges = append(exchanges, e)
	}
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	bindings := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bindings = append(bindings, b)
	}
	c.mu.RUnlock()

	for _, e := range exchanges {
		e.reinitialize()
	}
	for _, q := range queues {
		q.reinitialize()
	}
	for _, b := range bindings {
		b.reinitialize()
	}

	return c.CompleteConfiguration(ctx)
}

// CompleteConfiguration joins every currently-registered entity's
// initialized future (and every active consumer's consumerInitialized
// future), returning the first error encountered, if any.
func (c *Connection) CompleteConfiguration(ctx context.Context) error {
	c.mu.RLock()
	exchanges := make([]*Exchange, 0, len(c.exchanges))
	for _, e := range c.exchanges {
		exchanges = append(exchanges, e)
	}
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	bindings := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bindings = append(bindings, b)
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range exchanges {
		e := e
		g.Go(func() error { return e.initialized.wait(ctx) })
		if cs := e.consumerState(); cs != nil {
			cs := cs
			g.Go(func() error {
				if f := cs.currentInitialized(); f != nil {
					return f.wait(ctx)
				}
				return nil
			})
		}
	}
	for _, q := range queues {
		q := q
		g.Go(func() error { return q.initialized.wait(ctx) })
		g.Go(func() error {
			if f := q.consumer.currentInitialized(); f != nil {
				return f.wait(ctx)
			}
			return nil
		})
	}
	for _, b := range bindings {
		b := b
		g.Go(func() error { return b.currentInitialized().wait(ctx) })
	}
	return g.Wait()
}

// DeclareExchange registers name, opening its channel and issuing
// ExchangeDeclare once the Connection is ready. Declaring the same name
// twice returns the original Exchange and ignores any option differences.
func (c *Connection) DeclareExchange(name string, kind ExchangeKind, options ExchangeOptions) *Exchange {
	c.mu.Lock()
	if e, ok := c.exchanges[name]; ok {
		c.mu.Unlock()
		return e
	}
	e := newExchange(c, name, kind, options)
	c.exchanges[name] = e
	c.mu.Unlock()

	e.initialize()
	return e
}

// DeclareQueue registers name, opening its channel and issuing QueueDeclare
// once the Connection is ready. Declaring the same name twice returns the
// original Queue and ignores any option differences.
func (c *Connection) DeclareQueue(name string, options QueueOptions) *Queue {
	c.mu.Lock()
	if q, ok := c.queues[name]; ok {
		c.mu.Unlock()
		return q
	}
	q := newQueue(c, name, options)
	c.queues[name] = q
	c.mu.Unlock()

	q.initialize()
	return q
}

// DeclareTopology declares every exchange, then every queue, then every
// binding in t, resolving binding sources/destinations by name.
func (c *Connection) DeclareTopology(ctx context.Context, t Topology) error {
	var futures []*future
	for _, ex := range t.Exchanges {
		futures = append(futures, c.DeclareExchange(ex.Name, ex.Kind, ex.Options).initialized)
	}
	for _, q := range t.Queues {
		futures = append(futures, c.DeclareQueue(q.Name, q.Options).initialized)
	}

	for _, b := range t.Bindings {
		source := c.DeclareExchange(b.Source, ExchangeDirect, ExchangeOptions{Durable: true})

		if b.Exchange != "" {
			dest := c.DeclareExchange(b.Exchange, ExchangeDirect, ExchangeOptions{Durable: true})
			bnd := dest.Bind(source, b.Pattern, b.Args)
			futures = append(futures, bnd.initialized)
		} else {
			dest := c.DeclareQueue(b.Queue, QueueOptions{})
			bnd := dest.Bind(source, b.Pattern, b.Args)
			futures = append(futures, bnd.initialized)
		}
	}

	var errs []error
	for _, f := range futures {
		if err := f.wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeleteConfiguration deletes every registered binding, then every queue
// (stopping its consumer first), then every exchange.
func (c *Connection) DeleteConfiguration(ctx context.Context) error {
	c.mu.RLock()
	bindings := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bindings = append(bindings, b)
	}
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	exchanges := make([]*Exchange, 0, len(c.exchanges))
	for _, e := range c.exchanges {
		exchanges = append(exchanges, e)
	}
	c.mu.RUnlock()

	var errs []error
	for _, b := range bindings {
		if err := b.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, q := range queues {
		if q.consumer.currentState() != consumerInactive {
			_ = q.StopConsumer(ctx)
		}
		if err := q.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range exchanges {
		if err := e.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close awaits the current connect attempt, then closes the underlying
// link without deleting any registered entity on the broker.
func (c *Connection) Close(ctx context.Context) error {
	if err := c.Wait(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	link := c.link
	c.mu.Unlock()

	close(c.stopDialing)
	if link == nil {
		return nil
	}
	return link.Close()
}

// currentLink returns the live link, or ErrConnectionNotReady if none.
func (c *Connection) currentLink() (rabbitmq.Link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return nil, rabbitmq.ErrConnectionNotReady
	}
	return c.link, nil
}

func (c *Connection) openChannel() (rabbitmq.Channel, error) {
	link, err := c.currentLink()
	if err != nil {
		return nil, err
	}
	return link.Channel()
}

func (c *Connection) removeExchange(name string) {
	c.mu.Lock()
	delete(c.exchanges, name)
	c.mu.Unlock()
}

func (c *Connection) removeQueue(name string) {
	c.mu.Lock()
	delete(c.queues, name)
	c.mu.Unlock()
}

func (c *Connection) removeBinding(id string) {
	c.mu.Lock()
	delete(c.bindings, id)
	c.mu.Unlock()
}

func (c *Connection) registerBinding(b *Binding) {
	c.mu.Lock()
	c.bindings[b.id] = b
	c.mu.Unlock()
}

func (c *Connection) lookupExchange(name string) (*Exchange, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.exchanges[name]
	return e, ok
}

func (c *Connection) lookupQueue(name string) (*Queue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.queues[name]
	return q, ok
}

func (c *Connection) lookupBinding(id string) (*Binding, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bindings[id]
	return b, ok
}

// removeBindingsContaining deletes every binding whose source or destination
// is entity (identified by kind+name).
func (c *Connection) removeBindingsContaining(ctx context.Context, kind destinationKind, name string) error {
	c.mu.RLock()
	var matches []*Binding
	for _, b := range c.bindings {
		if b.source != nil && b.source.name == name && kind == destinationExchange {
			matches = append(matches, b)
			continue
		}
		if b.destKind == kind && b.destName() == name {
			matches = append(matches, b)
		}
	}
	c.mu.RUnlock()

	var errs []error
	for _, b := range matches {
		if err := b.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection(%s)", rabbitmq.SanitizeURL(c.url))
}
