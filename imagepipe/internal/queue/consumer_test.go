package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, q Queue, keys ...string) {
	t.Helper()
	for _, k := range keys {
		require.NoError(t, q.Enqueue(context.Background(), envelope(k)))
	}
}

func TestConsumer_PartialBatchFailure(t *testing.T) {
	clock := newFakeClock()
	q, dlq := newPair(clock, 1)
	fill(t, q, "a.jpg", "bad.jpg", "c.jpg")

	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		var res BatchResult
		for _, d := range batch {
			if d.Envelope.SourceID == "bad.jpg" {
				res.Fail(d, errors.New("cannot process"))
			}
		}
		return res
	})
	c := NewConsumer(q, handler, ConsumerConfig{Name: "processor", BatchSize: 5, Timeout: time.Second})

	batch := receiveNow(t, q, 5)
	require.Len(t, batch, 3)
	c.ProcessBatch(context.Background(), batch)

	// Siblings are acknowledged, only the failure moves on.
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible+stats.InFlight)

	dead, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "bad.jpg", dead[0].SourceID)
}

func TestConsumer_DeadlineLeavesBatchUnacknowledged(t *testing.T) {
	clock := newFakeClock()
	q, dlq := newPair(clock, 3)
	fill(t, q, "a.jpg", "b.jpg")

	release := make(chan struct{})
	defer close(release)
	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		<-release
		return BatchResult{}
	})
	c := NewConsumer(q, handler, ConsumerConfig{Name: "processor", BatchSize: 5, Timeout: 50 * time.Millisecond})

	batch := receiveNow(t, q, 5)
	require.Len(t, batch, 2)

	start := time.Now()
	c.ProcessBatch(context.Background(), batch)
	assert.Less(t, time.Since(start), time.Second)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.InFlight)

	dead, _ := dlq.List(context.Background(), 0)
	assert.Empty(t, dead)

	// After the window the whole batch comes back.
	clock.Advance(31 * time.Second)
	again := receiveNow(t, q, 5)
	require.Len(t, again, 2)
	assert.Equal(t, 2, again[0].Attempt())
}

func TestConsumer_PanicFailsWholeBatch(t *testing.T) {
	clock := newFakeClock()
	q, dlq := newPair(clock, 1)
	fill(t, q, "a.jpg", "b.jpg", "c.jpg")

	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		panic("boom")
	})
	c := NewConsumer(q, handler, ConsumerConfig{Name: "processor", BatchSize: 5, Timeout: time.Second})

	batch := receiveNow(t, q, 5)
	c.ProcessBatch(context.Background(), batch)

	dead, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 3)
	for _, env := range dead {
		assert.Contains(t, env.Failure.Error, "handler panic")
	}
}

func TestConsumer_FinishesBatchAfterCancel(t *testing.T) {
	clock := newFakeClock()
	q, _ := newPair(clock, 1)
	fill(t, q, "a.jpg")

	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		time.Sleep(20 * time.Millisecond)
		if ctx.Err() != nil {
			var res BatchResult
			res.Fail(batch[0], ctx.Err())
			return res
		}
		return BatchResult{}
	})
	c := NewConsumer(q, handler, ConsumerConfig{Name: "processor", Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	batch := receiveNow(t, q, 1)
	cancel()
	c.ProcessBatch(ctx, batch)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible+stats.InFlight)
}

func TestConsumer_Run(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{Name: "work", MaxReceiveCount: 1})
	fill(t, q, "a.jpg", "b.jpg", "c.jpg", "d.jpg")

	var seen atomic.Int32
	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		seen.Add(int32(len(batch)))
		return BatchResult{}
	})
	c := NewConsumer(q, handler, ConsumerConfig{
		Name:              "processor",
		BatchSize:         2,
		MaxBatchingWindow: 10 * time.Millisecond,
		Concurrency:       2,
		Timeout:           time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Run(ctx))
	}()

	assert.Eventually(t, func() bool { return seen.Load() == 4 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	wg.Wait()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Visible+stats.InFlight)
}

type flakyQueue struct {
	*MemoryQueue
	failures atomic.Int32
}

func (f *flakyQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("broker unavailable")
	}
	return f.MemoryQueue.Receive(ctx, max, wait)
}

func TestConsumer_RunRecoversFromReceiveErrors(t *testing.T) {
	q := &flakyQueue{MemoryQueue: NewMemoryQueue(MemoryConfig{Name: "work"})}
	q.failures.Store(2)
	fill(t, q, "a.jpg")

	var seen atomic.Int32
	handler := BatchHandlerFunc(func(ctx context.Context, batch []*Delivery) BatchResult {
		seen.Add(int32(len(batch)))
		return BatchResult{}
	})
	c := NewConsumer(q, handler, ConsumerConfig{Name: "processor", MaxBackoff: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	assert.Eventually(t, func() bool { return seen.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_StopsWhenQueueClosed(t *testing.T) {
	q := NewMemoryQueue(MemoryConfig{Name: "work"})
	c := NewConsumer(q, BatchHandlerFunc(func(context.Context, []*Delivery) BatchResult {
		return BatchResult{}
	}), ConsumerConfig{Name: "processor"})

	require.NoError(t, q.Close())

	done := make(chan struct{})
	go func() {
		_ = c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on closed queue")
	}
}

func TestBatchResult(t *testing.T) {
	d := &Delivery{ReceiptHandle: "m/1"}
	other := &Delivery{ReceiptHandle: "m/2"}

	var res BatchResult
	assert.NoError(t, res.Failed(d))

	res.Fail(d, errors.New("x"))
	assert.EqualError(t, res.Failed(d), "x")
	assert.NoError(t, res.Failed(other))
}
