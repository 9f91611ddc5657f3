package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	natsclient "github.com/imagepipe/imagepipe/common/messaging/nats"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// JetStreamConfig configures a JetStreamQueue.
type JetStreamConfig struct {
	// Stream is created or updated on startup.
	Stream natsclient.StreamConfig

	// Consumer is the durable pull consumer shared by all pollers.
	Consumer string

	// Subject picks the publish subject for an envelope.
	Subject func(model.Envelope) string

	VisibilityTimeout time.Duration
	MaxReceiveCount   int
	MaxAckPending     int

	DeadLetter Enqueuer
	Logger     *logging.Logger
}

// JetStreamQueue is a Queue backed by a JetStream stream and a durable pull
// consumer. AckWait is the visibility window and NumDelivered the receive
// count. JetStream's own MaxDeliver is left unlimited; redrive is decided
// here so that exhausted messages land in the dead-letter stream.
type JetStreamQueue struct {
	cfg      JetStreamConfig
	client   *natsclient.JetStreamClient
	stream   jetstream.Stream
	consumer jetstream.Consumer
	logger   *logging.Logger
}

// NewJetStreamQueue ensures the stream and durable consumer exist.
func NewJetStreamQueue(ctx context.Context, client *natsclient.JetStreamClient, cfg JetStreamConfig) (*JetStreamQueue, error) {
	if cfg.Subject == nil {
		return nil, errors.New("jetstream queue: subject func is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxAckPending <= 0 {
		cfg.MaxAckPending = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}

	stream, err := client.CreateOrUpdateStream(ctx, cfg.Stream)
	if err != nil {
		return nil, err
	}

	consumer, err := client.CreateOrUpdateConsumer(ctx, cfg.Stream.Name, natsclient.ConsumerConfig{
		Name:          cfg.Consumer,
		AckWait:       cfg.VisibilityTimeout,
		MaxDeliver:    -1,
		MaxAckPending: cfg.MaxAckPending,
	})
	if err != nil {
		return nil, err
	}

	return &JetStreamQueue{
		cfg:      cfg,
		client:   client,
		stream:   stream,
		consumer: consumer,
		logger:   cfg.Logger.With(logging.Queue(cfg.Stream.Name)),
	}, nil
}

func (q *JetStreamQueue) Name() string { return q.cfg.Stream.Name }

// Enqueue publishes env and waits for the stream ack. The envelope id is the
// dedupe id, so a re-published envelope inside the duplicate window is
// stored once.
func (q *JetStreamQueue) Enqueue(ctx context.Context, env model.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	msg := messaging.NewMessage(q.cfg.Subject(env), data,
		messaging.WithHeader(messaging.HeaderMsgID, env.ID),
		messaging.WithHeader(messaging.HeaderEventType, string(env.EventType)),
	)
	if _, err := q.client.PublishSync(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", env.ID, err)
	}

	metrics.EnqueuedTotal.WithLabelValues(q.Name()).Inc()
	return nil
}

// Receive fetches up to max messages within wait.
func (q *JetStreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if wait <= 0 {
		wait = time.Second
	}

	msgs, err := q.client.Fetch(ctx, q.consumer, max, wait)
	if err != nil && len(msgs) == 0 {
		return nil, err
	}

	out := make([]*Delivery, 0, len(msgs))
	for _, msg := range msgs {
		if d := q.prepare(ctx, msg); d != nil {
			out = append(out, d)
		}
	}
	return out, nil
}

// prepare turns a fetched message into a Delivery, or redrives it when the
// receive budget is already spent.
func (q *JetStreamQueue) prepare(ctx context.Context, msg jetstream.Msg) *Delivery {
	md, err := msg.Metadata()
	if err != nil {
		q.logger.Error("Message without metadata, terminating", logging.Error(err))
		_ = msg.Term()
		return nil
	}

	env, err := model.UnmarshalEnvelope(msg.Data())
	if err != nil {
		q.logger.Error("Undecodable message, terminating",
			"stream_seq", md.Sequence.Stream, logging.Error(err))
		_ = msg.Term()
		return nil
	}

	attempt := int(md.NumDelivered)
	if q.cfg.MaxReceiveCount > 0 && attempt > q.cfg.MaxReceiveCount {
		if err := q.deadLetter(ctx, msg, *env, model.ReasonMaxReceiveExceeded, causeOrDefault(nil), attempt-1); err != nil {
			q.logger.Error("Redrive failed, message will be redelivered", logging.Error(err))
		}
		return nil
	}

	env.DeliveryAttempt = attempt
	metrics.ReceivedTotal.WithLabelValues(q.Name()).Inc()
	if attempt > 1 {
		metrics.RedeliveriesTotal.WithLabelValues(q.Name()).Inc()
	}

	return &Delivery{
		Envelope:      *env,
		ReceiptHandle: q.Name() + ":" + strconv.FormatUint(md.Sequence.Stream, 10),
		acker:         &jsAcker{queue: q, msg: msg},
	}
}

// deadLetter publishes the failure record, then terminates the original.
// A crash between the two can produce a duplicate dead-letter record.
func (q *JetStreamQueue) deadLetter(ctx context.Context, msg jetstream.Msg, env model.Envelope, reason string, cause error, attempts int) error {
	if q.cfg.DeadLetter == nil {
		q.logger.Error("Dropping message without dead-letter target",
			logging.ImageID(env.SourceID), "reason", reason, logging.Error(cause))
		metrics.DeadLetteredTotal.WithLabelValues(q.Name(), reason).Inc()
		return msg.Term()
	}

	dl := env.DeadLettered(reason, cause, attempts, q.Name(), time.Now())
	if err := q.cfg.DeadLetter.Enqueue(context.WithoutCancel(ctx), dl); err != nil {
		_ = msg.NakWithDelay(q.cfg.VisibilityTimeout)
		return fmt.Errorf("dead-letter %s: %w", env.ID, err)
	}

	q.logger.Warn("Message dead-lettered",
		logging.ImageID(env.SourceID),
		logging.EventType(string(env.EventType)),
		logging.Attempt(attempts),
		"reason", reason,
		logging.Error(cause),
	)
	metrics.DeadLetteredTotal.WithLabelValues(q.Name(), reason).Inc()
	return msg.Term()
}

type jsAcker struct {
	queue *JetStreamQueue
	msg   jetstream.Msg
}

func (a *jsAcker) ack(ctx context.Context, _ *Delivery) error {
	if err := a.msg.DoubleAck(ctx); err != nil {
		if errors.Is(err, jetstream.ErrMsgAlreadyAckd) {
			return ErrReceiptExpired
		}
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

func (a *jsAcker) nack(ctx context.Context, d *Delivery, cause error) error {
	q := a.queue
	switch {
	case IsPermanent(cause):
		return q.deadLetter(ctx, a.msg, d.Envelope, model.ReasonPermanentFailure, cause, d.Attempt())
	case q.cfg.MaxReceiveCount > 0 && d.Attempt() >= q.cfg.MaxReceiveCount:
		return q.deadLetter(ctx, a.msg, d.Envelope, model.ReasonMaxReceiveExceeded, cause, d.Attempt())
	default:
		return a.msg.NakWithDelay(q.cfg.VisibilityTimeout)
	}
}

func (q *JetStreamQueue) Stats(ctx context.Context) (Stats, error) {
	info, err := q.consumer.Info(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("consumer info: %w", err)
	}

	s := Stats{
		Name:            q.Name(),
		Visible:         int(info.NumPending),
		InFlight:        info.NumAckPending,
		MaxReceiveCount: q.cfg.MaxReceiveCount,
	}
	if q.cfg.Stream.MaxAge > 0 {
		s.Retention = q.cfg.Stream.MaxAge.String()
	}

	if si, err := q.stream.Info(ctx); err == nil && si.State.Msgs > 0 {
		t := si.State.FirstTime
		s.OldestEnqueued = &t
	}
	return s, nil
}

// List reads stored messages directly by sequence, so it does not disturb
// the durable consumer.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]model.Envelope, error) {
	si, err := q.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info: %w", err)
	}

	out := make([]model.Envelope, 0)
	if si.State.Msgs == 0 {
		return out, nil
	}

	for seq := si.State.FirstSeq; seq <= si.State.LastSeq; seq++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		raw, err := q.stream.GetMsg(ctx, seq)
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return out, fmt.Errorf("get message %d: %w", seq, err)
		}
		env, err := model.UnmarshalEnvelope(raw.Data)
		if err != nil {
			continue
		}
		out = append(out, *env)
	}
	return out, nil
}

func (q *JetStreamQueue) Purge(ctx context.Context) (int, error) {
	si, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}
	if err := q.stream.Purge(ctx); err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return int(si.State.Msgs), nil
}

// Close is a no-op; the connection belongs to the caller.
func (q *JetStreamQueue) Close() error { return nil }

var _ Queue = (*JetStreamQueue)(nil)
