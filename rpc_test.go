package amqptopo

import (
	"context"
	"testing"
	"time"

	"github.com/glimte/amqptopo/internal/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The fake channel's Publish loops a reply straight back to the caller's
// one-shot direct reply-to consumer whenever ReplyTo is set, standing in for
// the broker's own direct-reply-to routing.
func TestQueueRPCRoundTrips(t *testing.T) {
	link := newFakeLink()
	dialer := &scriptedDialer{results: []func() (rabbitmq.Link, error){succeed(link)}}
	c := newTestConnection(t, dialer, ReconnectStrategy{Retries: 1, Interval: time.Millisecond})
	require.NoError(t, c.Wait(context.Background()))
	q := declaredQueue(t, c, "jobs")

	msg, err := NewMessage("ping", Properties{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := q.RPC(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "ping", reply.Text())
}

func TestExchangeRPCFailsFastWithoutChannel(t *testing.T) {
	link := newFakeLink()
	dialer := &scriptedDialer{results: []func() (rabbitmq.Link, error){succeed(link)}}
	c := newTestConnection(t, dialer, ReconnectStrategy{Retries: 1, Interval: time.Millisecond})
	require.NoError(t, c.Wait(context.Background()))

	e := newExchange(c, "unready", ExchangeDirect, ExchangeOptions{})
	_, err := e.RPC(context.Background(), "k", Message{})
	assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
}
