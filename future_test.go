package amqptopo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFutureSettleIsIdempotent(t *testing.T) {
	f := newFuture()
	f.settle(errors.New("first"))
	f.settle(errors.New("second"))

	require.True(t, f.isSettled())
	assert.EqualError(t, f.result(), "first")
}

func TestFutureWaitBlocksUntilSettled(t *testing.T) {
	f := newFuture()
	assert.False(t, f.isSettled())

	go func() {
		time.Sleep(10 * time.Millisecond)
		f.settle(nil)
	}()

	err := f.wait(context.Background())
	assert.NoError(t, err)
	assert.True(t, f.isSettled())
}

func TestFutureWaitRespectsContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := f.wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.isSettled())
}
