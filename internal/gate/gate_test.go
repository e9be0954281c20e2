package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightseekorg/smg/internal/gatewayerr"
)

// TestGate_AcquireRelease_ExactlyOnce verifies P1: a single acquire hands
// out exactly one permit, and releasing it frees the slot for the next
// caller.
func TestGate_AcquireRelease_ExactlyOnce(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueSize: 1, QueueTimeout: time.Second})

	p1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.Inflight())

	p1.Release()
	assert.Equal(t, 0, g.Inflight())

	p2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, g.Inflight())
	p2.Release()
}

// TestGate_QueuesBeyondCapacity_ThenGrantsOnRelease verifies a caller beyond
// MaxConcurrent is queued FIFO and granted a permit as soon as one frees up,
// rather than rejected outright.
func TestGate_QueuesBeyondCapacity_ThenGrantsOnRelease(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueSize: 1, QueueTimeout: time.Second})

	p1, err := g.Acquire(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	var p2 *Permit
	var err2 error
	go func() {
		p2, err2 = g.Acquire(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, g.QueueDepth())

	p1.Release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued acquire never unblocked")
	}
	require.NoError(t, err2)
	require.NotNil(t, p2)
	assert.Equal(t, 1, g.Inflight())
	assert.Equal(t, 0, g.QueueDepth())
}

// TestGate_Overloaded_WhenQueueFull verifies spec §8 scenario 5's rejection
// leg: once the queue itself is at QueueSize, a further caller is rejected
// immediately with Overloaded rather than queued or blocked.
func TestGate_Overloaded_WhenQueueFull(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueSize: 1, QueueTimeout: time.Second})

	p1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer p1.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = g.Acquire(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, g.QueueDepth())

	_, err = g.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.Overloaded))
}

// TestGate_QueueTimeout verifies spec §8 scenario 5's timeout leg: a queued
// caller that waits longer than QueueTimeout without a permit freeing up
// gets QueueTimeout, and the waiter is removed from the queue.
func TestGate_QueueTimeout(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueSize: 1, QueueTimeout: 20 * time.Millisecond})

	p1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer p1.Release()

	_, err = g.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.QueueTimeout))
	assert.Equal(t, 0, g.QueueDepth())
}

// TestGate_ContextCanceled_WhileQueued verifies a caller whose context is
// canceled while queued gets DeadlineExceeded and is dequeued rather than
// left to consume a permit later.
func TestGate_ContextCanceled_WhileQueued(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueSize: 1, QueueTimeout: time.Second})

	p1, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer p1.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, gatewayerr.Is(err, gatewayerr.DeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("canceled acquire never returned")
	}
	assert.Equal(t, 0, g.QueueDepth())
}

// TestGate_RateLimit_BoundsBurstAboveTokens verifies the optional
// token-bucket layer denies immediate admission once tokens are exhausted,
// even with free concurrency slots.
func TestGate_RateLimit_BoundsBurstAboveTokens(t *testing.T) {
	g := New(Config{MaxConcurrent: 5, QueueSize: 1, QueueTimeout: 10 * time.Millisecond, RateLimitPerSecond: 1})
	g.tokens = 0

	_, err := g.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, gatewayerr.Is(err, gatewayerr.QueueTimeout))
}
