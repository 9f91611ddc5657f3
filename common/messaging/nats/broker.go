package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
)

// StreamBroker implements messaging.Client on top of JetStream so that topic
// delivery survives restarts. Publishes wait for the stream ack; every
// subscriber group gets a durable consumer on the events stream, which makes
// delivery at-least-once per group.
type StreamBroker struct {
	*JetStreamClient

	stream      string
	maxInFlight int
	ackWait     time.Duration
	retryDelay  time.Duration
	logger      *logging.Logger

	mu    sync.Mutex
	stops []func()
}

// NewStreamBroker ensures the events stream exists and returns a broker bound
// to it. Subscribe options set the defaults for every durable group consumer.
func NewStreamBroker(ctx context.Context, client *JetStreamClient, stream StreamConfig, opts ...messaging.SubscribeOption) (*StreamBroker, error) {
	if _, err := client.CreateOrUpdateStream(ctx, stream); err != nil {
		return nil, err
	}

	maxInFlight, ackWait := messaging.ResolveSubscribeOptions(100, 30*time.Second, opts...)

	return &StreamBroker{
		JetStreamClient: client,
		stream:          stream.Name,
		maxInFlight:     maxInFlight,
		ackWait:         ackWait,
		retryDelay:      5 * time.Second,
		logger:          client.logger.With("stream", stream.Name),
	}, nil
}

// Publish sends data to subject and waits for the stream to persist it.
func (b *StreamBroker) Publish(ctx context.Context, subject string, data []byte) error {
	return b.PublishMsg(ctx, &messaging.Message{Subject: subject, Data: data})
}

// PublishMsg persists msg in the events stream.
func (b *StreamBroker) PublishMsg(ctx context.Context, msg *messaging.Message) error {
	if _, err := b.PublishSync(ctx, msg); err != nil {
		return err
	}
	return nil
}

// QueueSubscribe binds a durable consumer named after the group and subject.
// Members of the same group share that consumer; distinct groups each get a
// full copy of the stream.
func (b *StreamBroker) QueueSubscribe(subject, group string, handler messaging.MessageHandler) (messaging.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultConsumerConfig(ConsumerName(group, subject), subject)
	cfg.AckWait = b.ackWait
	cfg.MaxAckPending = b.maxInFlight

	if _, err := b.CreateOrUpdateConsumer(ctx, b.stream, cfg); err != nil {
		return nil, err
	}

	stop, err := b.ConsumeMessages(context.Background(), b.stream, cfg.Name, b.retryDelay, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s (group %s): %w", subject, group, err)
	}

	b.logger.Info("Durable group subscribed", logging.Subject(subject), logging.Group(group))

	sub := &durableSubscription{subject: subject, stop: stop}
	b.track(sub)
	return sub, nil
}

// track registers sub so Close and Drain stop its consume loop.
func (b *StreamBroker) track(sub *durableSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops = append(b.stops, func() { _ = sub.Unsubscribe() })
}

// Close stops all durable consumers and closes the connection.
func (b *StreamBroker) Close() error {
	b.stopAll()
	return b.JetStreamClient.Close()
}

// Drain stops all durable consumers, then drains the connection.
func (b *StreamBroker) Drain() error {
	b.stopAll()
	return b.JetStreamClient.Drain()
}

func (b *StreamBroker) stopAll() {
	b.mu.Lock()
	stops := b.stops
	b.stops = nil
	b.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// durableSubscription stops a JetStream consume loop. The durable consumer
// itself stays on the server so the group resumes where it left off.
type durableSubscription struct {
	subject string
	once    sync.Once
	stop    func()
	stopped bool
	mu      sync.Mutex
}

func (s *durableSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.stop()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
	})
	return nil
}

func (s *durableSubscription) Subject() string {
	return s.subject
}

func (s *durableSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

var _ messaging.Client = (*StreamBroker)(nil)
var _ messaging.Client = (*Client)(nil)
