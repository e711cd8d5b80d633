package amqptopo

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindingQueueDestinationDeclaresAndDeletes(t *testing.T) {
	link := newFakeLink()
	dialer := &scriptedDialer{results: []func() (rabbitmq.Link, error){succeed(link)}}
	c := newTestConnection(t, dialer, ReconnectStrategy{Retries: 1, Interval: time.Millisecond})
	require.NoError(t, c.Wait(context.Background()))

	source := declaredExchange(t, c, "orders", ExchangeTopic)
	q := declaredQueue(t, c, "jobs")

	b := q.Bind(source, "orders.#", nil)
	require.NoError(t, b.currentInitialized().wait(context.Background()))
	assert.True(t, link.channel.bindings[bindingID("orders", destinationQueue, "jobs", "orders.#")])

	require.NoError(t, b.Delete(context.Background()))
	assert.Empty(t, link.channel.bindings)
}

func TestBindingExchangeDestinationDeclaresAndDeletes(t *testing.T) {
	link := newFakeLink()
	dialer := &scriptedDialer{results: []func() (rabbitmq.Link, error){succeed(link)}}
	c := newTestConnection(t, dialer, ReconnectStrategy{Retries: 1, Interval: time.Millisecond})
	require.NoError(t, c.Wait(context.Background()))

	source := declaredExchange(t, c, "orders", ExchangeTopic)
	dest := declaredExchange(t, c, "audit", ExchangeFanout)

	b := dest.Bind(source, "", nil)
	require.NoError(t, b.currentInitialized().wait(context.Background()))
	assert.True(t, link.channel.bindings[bindingID("orders", destinationExchange, "audit", "")])

	require.NoError(t, b.Delete(context.Background()))
	assert.Empty(t, link.channel.bindings)
}

func TestRemoveBindingsContainingMatchesQueueDestination(t *testing.T) {
	link := newFakeLink()
	dialer := &scriptedDialer{results: []func() (rabbitmq.Link, error){succeed(link)}}
	c := newTestConnection(t, dialer, ReconnectStrategy{Retries: 1, Interval: time.Millisecond})
	require.NoError(t, c.Wait(context.Background()))

	source := declaredExchange(t, c, "orders", ExchangeTopic)
	q := declaredQueue(t, c, "jobs")
	b := q.Bind(source, "orders.#", nil)
	require.NoError(t, b.currentInitialized().wait(context.Background()))

	require.NoError(t, q.Delete(context.Background()))

	assert.Empty(t, link.channel.bindings)
	assert.False(t, link.channel.queues["jobs"])
}
