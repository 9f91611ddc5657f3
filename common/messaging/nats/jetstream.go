package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	// Name is the stream name.
	Name string

	// Subjects are the subjects this stream captures.
	Subjects []string

	// MaxAge is the maximum age of messages in the stream.
	MaxAge time.Duration

	// MaxBytes is the maximum total size of the stream.
	MaxBytes int64

	// MaxMsgs is the maximum number of messages in the stream.
	MaxMsgs int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration

	// Retention policy (LimitsPolicy, InterestPolicy, WorkQueuePolicy).
	Retention jetstream.RetentionPolicy

	// Storage type (FileStorage, MemoryStorage).
	Storage jetstream.StorageType
}

// ConsumerConfig defines a JetStream consumer configuration.
type ConsumerConfig struct {
	// Name is the durable consumer name.
	Name string

	// FilterSubject filters which messages this consumer receives.
	FilterSubject string

	// AckWait is time to wait for acknowledgment before redelivery.
	AckWait time.Duration

	// MaxDeliver is maximum delivery attempts before giving up.
	// Use -1 for unlimited.
	MaxDeliver int

	// MaxAckPending is maximum unacknowledged messages.
	MaxAckPending int
}

// DefaultConsumerConfig returns sensible defaults for a consumer.
func DefaultConsumerConfig(name, filterSubject string) ConsumerConfig {
	return ConsumerConfig{
		Name:          name,
		FilterSubject: filterSubject,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 100,
	}
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config, logger *logging.Logger) (*JetStreamClient, error) {
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// JetStream exposes the JetStream context.
func (c *JetStreamClient) JetStream() jetstream.JetStream {
	return c.js
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	}

	stream, err := c.js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}

	return stream, nil
}

// Stream looks up an existing stream.
func (c *JetStreamClient) Stream(ctx context.Context, name string) (jetstream.Stream, error) {
	stream, err := c.js.Stream(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", name, err)
	}
	return stream, nil
}

// CreateOrUpdateConsumer creates or updates a durable consumer.
func (c *JetStreamClient) CreateOrUpdateConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) (jetstream.Consumer, error) {
	consumerCfg := jetstream.ConsumerConfig{
		Name:          cfg.Name,
		Durable:       cfg.Name,
		FilterSubject: cfg.FilterSubject,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}

	stream, err := c.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer %s: %w", cfg.Name, err)
	}

	return consumer, nil
}

// PublishSync publishes a message and waits for the stream acknowledgment.
// The Nats-Msg-Id header, when present, enables server-side deduplication.
func (c *JetStreamClient) PublishSync(ctx context.Context, msg *messaging.Message) (*jetstream.PubAck, error) {
	natsMsg := messageToNats(ctx, msg)

	var opts []jetstream.PublishOpt
	if id := msg.Header(messaging.HeaderMsgID); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}

	ack, err := c.js.PublishMsg(ctx, natsMsg, opts...)
	if err != nil {
		return nil, fmt.Errorf("publish to %s: %w", msg.Subject, err)
	}
	return ack, nil
}

// ConsumeMessages starts consuming messages from a consumer with the given handler.
// Successful messages are acked; failed ones are NAKed with retryDelay.
// Returns a function that stops consuming.
func (c *JetStreamClient) ConsumeMessages(ctx context.Context, streamName, consumerName string, retryDelay time.Duration, handler messaging.MessageHandler) (func(), error) {
	stream, err := c.Stream(ctx, streamName)
	if err != nil {
		return nil, err
	}

	consumer, err := stream.Consumer(ctx, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer %s: %w", consumerName, err)
	}

	log := c.logger.With("stream", streamName, "consumer", consumerName)
	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		m := JetStreamToMessage(msg)
		msgCtx := middleware.RequestIDFromMetadata(consumeCtx, m.Metadata)

		if err := safeHandle(msgCtx, handler, m); err != nil {
			log.WarnContext(msgCtx, "Handler failed, scheduling redelivery", logging.Subject(m.Subject), logging.Error(err))
			_ = msg.NakWithDelay(retryDelay)
			return
		}

		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

// fetchSlice bounds a single pull request so Fetch notices cancellation.
const fetchSlice = time.Second

// Fetch pulls up to batch messages from a durable consumer, waiting at most
// maxWait for the batch to fill. The wait is cut short by ctx: it never runs
// past the ctx deadline, and cancellation is checked between pull requests.
// An empty result is not an error.
func (c *JetStreamClient) Fetch(ctx context.Context, consumer jetstream.Consumer, batch int, maxWait time.Duration) ([]jetstream.Msg, error) {
	deadline := time.Now().Add(maxWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		wait := min(time.Until(deadline), fetchSlice)
		if wait < time.Millisecond {
			return nil, nil
		}

		msgs, err := fetchOnce(consumer, batch, wait)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}
}

func fetchOnce(consumer jetstream.Consumer, batch int, wait time.Duration) ([]jetstream.Msg, error) {
	fetched, err := consumer.Fetch(batch, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	msgs := make([]jetstream.Msg, 0, batch)
	for msg := range fetched.Messages() {
		msgs = append(msgs, msg)
	}
	if err := fetched.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		return msgs, fmt.Errorf("fetch: %w", err)
	}
	return msgs, nil
}

// JetStreamToMessage converts a JetStream message to our Message type,
// using the stream timestamp when metadata is available.
func JetStreamToMessage(msg jetstream.Msg) *messaging.Message {
	m := &messaging.Message{
		Subject:   msg.Subject(),
		Data:      msg.Data(),
		Timestamp: time.Now(),
	}
	if md, err := msg.Metadata(); err == nil {
		m.Timestamp = md.Timestamp
	}

	if headers := msg.Headers(); headers != nil {
		m.Metadata = make(map[string]string, len(headers))
		for k := range headers {
			m.Metadata[k] = headers.Get(k)
		}
	}

	return m
}

// ConsumerName builds a valid durable consumer name from parts.
// JetStream names may not contain '.', '*', '>' or whitespace.
func ConsumerName(parts ...string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all", " ", "_", "\t", "_")
	return r.Replace(strings.Join(parts, "-"))
}

func safeHandle(ctx context.Context, handler messaging.MessageHandler, msg *messaging.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// Stream names for the image pipeline.
const (
	EventsStreamName = "IMAGE_EVENTS"
	WorkStreamName   = "IMAGE_WORK"
	DLQStreamName    = "IMAGE_DLQ"
)

// ImageEventsStream captures the lifecycle topics. Interest retention keeps a
// message until every subscriber group's durable consumer has acked it.
func ImageEventsStream() StreamConfig {
	return StreamConfig{
		Name:       EventsStreamName,
		Subjects:   []string{messaging.SubjectImagesCreated, messaging.SubjectImagesRemoved},
		MaxAge:     24 * time.Hour,
		MaxBytes:   100 * 1024 * 1024, // 100MB
		MaxMsgs:    100000,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.InterestPolicy,
		Storage:    jetstream.FileStorage,
	}
}

// ImageWorkStream buffers creation work. Each message is removed once acked.
func ImageWorkStream() StreamConfig {
	return StreamConfig{
		Name:       WorkStreamName,
		Subjects:   []string{messaging.SubjectWorkPrefix + ".>"},
		MaxAge:     4 * 24 * time.Hour,
		MaxBytes:   100 * 1024 * 1024,
		MaxMsgs:    100000,
		Duplicates: 2 * time.Minute,
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
	}
}

// ImageDLQStream holds dead-lettered envelopes for retention, after which
// the server discards them.
func ImageDLQStream(retention time.Duration) StreamConfig {
	return StreamConfig{
		Name:      DLQStreamName,
		Subjects:  []string{messaging.SubjectDLQPrefix + ".>"},
		MaxAge:    retention,
		MaxBytes:  100 * 1024 * 1024,
		MaxMsgs:   100000,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}
}
