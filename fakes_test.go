package amqptopo

import (
	"sync"
	"time"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeChannel is an in-memory stand-in for *amqp091.Channel good enough to
// drive declare/bind/publish/consume semantics without a broker.
type fakeChannel struct {
	mu sync.Mutex

	closed          bool
	exchanges       map[string]bool
	queues          map[string]bool
	bindings        map[string]bool
	published       []fakePublish
	consumers       map[string]chan amqp.Delivery
	acked, nacked   []uint64
	rejected        []uint64

	failPublish  error // if set, the next Publish fails with this error, then it clears
	failDeclare  map[string]error
	failConsume  error
}

type fakePublish struct {
	Exchange, RoutingKey string
	Msg                   amqp.Publishing
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		exchanges: make(map[string]bool),
		queues:    make(map[string]bool),
		bindings:  make(map[string]bool),
		consumers: make(map[string]chan amqp.Delivery),
	}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failDeclare[name]; ok {
		return err
	}
	f.exchanges[name] = true
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failDeclare[name]; ok {
		return amqp.Queue{}, err
	}
	f.queues[name] = true
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[bindingID(exchange, destinationQueue, name, key)] = true
	return nil
}

func (f *fakeChannel) ExchangeBind(dest, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bindings[bindingID(source, destinationExchange, dest, key)] = true
	return nil
}

func (f *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bindings, bindingID(exchange, destinationQueue, name, key))
	return nil
}

func (f *fakeChannel) ExchangeUnbind(dest, key, source string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bindings, bindingID(source, destinationExchange, dest, key))
	return nil
}

func (f *fakeChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish != nil {
		err := f.failPublish
		f.failPublish = nil
		return err
	}
	f.published = append(f.published, fakePublish{Exchange: exchange, RoutingKey: key, Msg: msg})
	if ch, ok := f.consumers[msg.ReplyTo]; ok && msg.ReplyTo != "" {
		// Echo the request body back as the "reply", standing in for a
		// broker-side RPC responder the fake doesn't otherwise model.
		ch <- amqp.Delivery{Body: msg.Body, ContentType: msg.ContentType, CorrelationId: msg.CorrelationId, RoutingKey: key}
	}
	return nil
}

func (f *fakeChannel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConsume != nil {
		return nil, f.failConsume
	}
	ch := make(chan amqp.Delivery, 8)
	f.consumers[queue+"|"+consumerTag] = ch
	f.consumers[queue] = ch
	return ch, nil
}

func (f *fakeChannel) Cancel(consumerTag string, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, ch := range f.consumers {
		if key == consumerTag || len(key) >= len(consumerTag) && key[len(key)-len(consumerTag):] == consumerTag {
			close(ch)
			delete(f.consumers, key)
		}
	}
	return nil
}

func (f *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.exchanges, name)
	return nil
}

func (f *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, name)
	return 0, nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	return nil
}

func (f *fakeChannel) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, tag)
	return nil
}

func (f *fakeChannel) deliver(queue string, d amqp.Delivery) {
	f.mu.Lock()
	ch, ok := f.consumers[queue]
	f.mu.Unlock()
	if ok {
		ch <- d
	}
}

// fakeLink is an in-memory stand-in for *amqp091.Connection.
type fakeLink struct {
	mu        sync.Mutex
	closed    bool
	closeCh   chan *amqp.Error
	channel   *fakeChannel
}

func newFakeLink() *fakeLink {
	return &fakeLink{channel: newFakeChannel(), closeCh: make(chan *amqp.Error, 1)}
}

func (l *fakeLink) Channel() (rabbitmq.Channel, error) { return l.channel, nil }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.closeCh)
	return nil
}

func (l *fakeLink) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return l.closeCh
}

func (l *fakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// drop simulates the broker severing the link: it delivers err on closeCh,
// the same observable effect NotifyClose has on a real dropped connection.
func (l *fakeLink) drop(err *amqp.Error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	l.closeCh <- err
	close(l.closeCh)
}

// scriptedDialer returns links/errors in the order appended, repeating the
// last entry once exhausted.
type scriptedDialer struct {
	mu      sync.Mutex
	results []func() (rabbitmq.Link, error)
	calls   int
}

func (d *scriptedDialer) dial(url string, opts rabbitmq.SocketOptions) (rabbitmq.Link, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.results) {
		idx = len(d.results) - 1
	}
	d.calls++
	return d.results[idx]()
}

func (d *scriptedDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func succeed(l *fakeLink) func() (rabbitmq.Link, error) {
	return func() (rabbitmq.Link, error) { return l, nil }
}

func fail(err error) func() (rabbitmq.Link, error) {
	return func() (rabbitmq.Link, error) { return nil, err }
}

// slowSucceed delays before returning link, so tests can observe two rebuild
// triggers landing while the dial is still in flight.
func slowSucceed(l *fakeLink, d time.Duration) func() (rabbitmq.Link, error) {
	return func() (rabbitmq.Link, error) {
		time.Sleep(d)
		return l, nil
	}
}
