package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
)

func waitIdle(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.WaitIdle(ctx))
}

type recorder struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (r *recorder) handle(_ context.Context, msg *messaging.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestBroker_FanOutToEveryGroup(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	var queueGroup, mailerGroup recorder
	_, err := b.QueueSubscribe(messaging.SubjectImagesCreated, messaging.GroupWorkQueue, queueGroup.handle)
	require.NoError(t, err)
	_, err = b.QueueSubscribe(messaging.SubjectImagesCreated, messaging.GroupUploadMailer, mailerGroup.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), messaging.SubjectImagesCreated, []byte("a")))
	require.NoError(t, b.Publish(context.Background(), messaging.SubjectImagesCreated, []byte("b")))
	waitIdle(t, b)

	assert.Equal(t, 2, queueGroup.count())
	assert.Equal(t, 2, mailerGroup.count())
}

func TestBroker_QueueGroupLoadBalances(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	var m1, m2 recorder
	_, err := b.QueueSubscribe("images.removed", "delete-image", m1.handle)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("images.removed", "delete-image", m2.handle)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), "images.removed", []byte{byte(i)}))
	}
	waitIdle(t, b)

	assert.Equal(t, 10, m1.count()+m2.count(), "each message reaches exactly one member")
	assert.Equal(t, 5, m1.count())
	assert.Equal(t, 5, m2.count())
}

func TestBroker_FailingSubscriberDoesNotAffectSiblings(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	release := make(chan struct{})
	var healthy recorder

	_, err := b.QueueSubscribe("images.created", "broken", func(context.Context, *messaging.Message) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("images.created", "panicky", func(context.Context, *messaging.Message) error {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("images.created", "slow", func(context.Context, *messaging.Message) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	_, err = b.QueueSubscribe("images.created", "healthy", healthy.handle)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "images.created", []byte("x")))
	}

	assert.Eventually(t, func() bool { return healthy.count() == 3 }, 2*time.Second, 5*time.Millisecond,
		"healthy group must receive every message while a sibling is blocked")

	close(release)
	waitIdle(t, b)
}

func TestBroker_SubjectIsolation(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	var created, removed, all recorder
	_, _ = b.Subscribe("images.created", created.handle)
	_, _ = b.Subscribe("images.removed", removed.handle)
	_, _ = b.Subscribe("images.>", all.handle)

	require.NoError(t, b.Publish(context.Background(), "images.created", nil))
	waitIdle(t, b)

	assert.Equal(t, 1, created.count())
	assert.Equal(t, 0, removed.count())
	assert.Equal(t, 1, all.count())
}

func TestBroker_NoSubscribersIsNotAnError(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), "images.created", []byte("x")))
}

func TestBroker_MessagesAreCopiedPerSubscriber(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	_, _ = b.Subscribe("s", func(_ context.Context, msg *messaging.Message) error {
		msg.Metadata["k"] = "mutated"
		return nil
	})
	var other recorder
	_, _ = b.Subscribe("s", other.handle)

	require.NoError(t, b.PublishMsg(context.Background(), messaging.NewMessage("s", nil, messaging.WithHeader("k", "v"))))
	waitIdle(t, b)

	require.Equal(t, 1, other.count())
	assert.Equal(t, "v", other.msgs[0].Header("k"))
}

func TestBroker_PropagatesRequestID(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	got := make(chan string, 1)
	_, _ = b.Subscribe("s", func(ctx context.Context, _ *messaging.Message) error {
		got <- middleware.GetRequestID(ctx)
		return nil
	})

	ctx := middleware.WithRequestID(context.Background(), "req-42")
	require.NoError(t, b.Publish(ctx, "s", nil))

	select {
	case id := <-got:
		assert.Equal(t, "req-42", id)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	var rec recorder
	sub, err := b.Subscribe("s", rec.handle)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())
	assert.Equal(t, "s", sub.Subject())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "s", nil))
	waitIdle(t, b)
	assert.Equal(t, 0, rec.count())
}

func TestBroker_Request(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	_, err := b.Subscribe("echo", func(ctx context.Context, msg *messaging.Message) error {
		return b.Publish(ctx, msg.Reply, append([]byte("re:"), msg.Data...))
	})
	require.NoError(t, err)

	resp, err := b.Request(context.Background(), "echo", []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "re:hi", string(resp.Data))

	_, err = b.Request(context.Background(), "nobody", nil, time.Second)
	assert.ErrorIs(t, err, ErrNoResponders)
}

func TestBroker_DrainDeliversPendingThenCloses(t *testing.T) {
	b := NewBroker(nil)

	var handled atomic.Int32
	_, _ = b.Subscribe("s", func(context.Context, *messaging.Message) error {
		time.Sleep(time.Millisecond)
		handled.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, b.Publish(context.Background(), "s", nil))
	}

	require.NoError(t, b.Drain())
	assert.Equal(t, int32(20), handled.Load())
	assert.False(t, b.IsConnected())
	assert.ErrorIs(t, b.Publish(context.Background(), "s", nil), ErrClosed)
}

func TestBroker_HealthCheck(t *testing.T) {
	b := NewBroker(nil)

	status := messaging.CheckClientHealth(context.Background(), b)
	assert.True(t, status.Healthy())

	_ = b.Close()
	status = messaging.CheckClientHealth(context.Background(), b)
	assert.False(t, status.Healthy())
}

func TestBroker_QueueSubscribeRequiresGroup(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	_, err := b.QueueSubscribe("s", "", func(context.Context, *messaging.Message) error { return nil })
	assert.Error(t, err)
}
