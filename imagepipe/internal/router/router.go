// Package router fans upstream bucket notifications out to the lifecycle
// topics. Each topic may carry any number of subscriber groups; the router
// publishes once per record and never learns who is listening.
package router

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
)

// EnvelopeHandler consumes one decoded envelope. A returned error is left to
// the transport's redelivery policy.
type EnvelopeHandler func(ctx context.Context, env *model.Envelope) error

// Router publishes envelopes to the topic of their event type.
type Router struct {
	client messaging.Client
	logger *logging.Logger
	clock  func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithClock overrides the receive timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		r.clock = clock
	}
}

// New creates a Router on top of a broker client.
func New(client messaging.Client, logger *logging.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Router{
		client: client,
		logger: logger.With(logging.Service("router")),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TopicFor returns the topic subject for an event type.
func TopicFor(t model.EventType) (string, error) {
	switch t {
	case model.EventCreated:
		return messaging.SubjectImagesCreated, nil
	case model.EventRemoved:
		return messaging.SubjectImagesRemoved, nil
	default:
		return "", fmt.Errorf("%w: %q", model.ErrUnknownEvent, t)
	}
}

// Publish wraps every record of n into an envelope and publishes it to the
// matching topic. Records with an unrecognized event name are skipped. The
// first transport failure aborts the call and is returned together with the
// number of records already published; the producer owns the retry.
func (r *Router) Publish(ctx context.Context, n model.Notification) (int, error) {
	if len(n.Records) == 0 {
		return 0, model.ErrEmptyNotification
	}

	published := 0
	for _, rec := range n.Records {
		et, err := model.ParseEventName(rec.EventName)
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues("unknown", metrics.StatusSkipped).Inc()
			r.logger.WarnContext(ctx, "Skipping record with unknown event name",
				"event_name", rec.EventName, logging.ImageID(rec.S3.Object.Key))
			continue
		}
		if rec.S3.Object.Key == "" {
			metrics.NotificationsTotal.WithLabelValues(string(et), metrics.StatusSkipped).Inc()
			r.logger.WarnContext(ctx, "Skipping record without object key", logging.EventType(string(et)))
			continue
		}

		env := r.wrap(et, rec)
		if err := r.publish(ctx, env); err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(et), metrics.StatusError).Inc()
			return published, err
		}
		metrics.NotificationsTotal.WithLabelValues(string(et), metrics.StatusOK).Inc()
		published++
	}
	return published, nil
}

// wrap builds the envelope for one record. A record without an event time
// is stamped with the receive time so distinct submissions stay distinct.
func (r *Router) wrap(et model.EventType, rec model.EventRecord) model.Envelope {
	now := r.clock().UTC()
	if rec.EventTime == "" {
		rec.EventTime = now.Format(time.RFC3339Nano)
	}
	return model.Envelope{
		ID:         EnvelopeID(rec),
		EventType:  et,
		SourceID:   rec.S3.Object.Key,
		Bucket:     rec.S3.Bucket.Name,
		ReceivedAt: now,
		Records:    []model.EventRecord{rec},
	}
}

func (r *Router) publish(ctx context.Context, env model.Envelope) error {
	subject, err := TopicFor(env.EventType)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	msg := messaging.NewMessage(subject, data,
		messaging.WithHeader(messaging.HeaderMsgID, env.ID),
		messaging.WithHeader(messaging.HeaderEventType, string(env.EventType)),
	)

	start := time.Now()
	err = r.client.PublishMsg(ctx, msg)
	metrics.PublishDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.ErrorContext(ctx, "Publish failed",
			logging.Subject(subject), logging.ImageID(env.SourceID), logging.Error(err))
		return fmt.Errorf("publish %s to %s: %w", env.SourceID, subject, err)
	}

	r.logger.DebugContext(logging.ContextWithMessageID(ctx, env.ID), "Published envelope",
		logging.Subject(subject), logging.ImageID(env.SourceID))
	return nil
}

// EnvelopeID derives a stable id from the identifying fields of a record, so
// a notification redelivered by the producer maps to the same id and can be
// deduplicated by the transport.
func EnvelopeID(rec model.EventRecord) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		rec.S3.Bucket.Name,
		rec.S3.Object.Key,
		rec.EventName,
		rec.EventTime,
		rec.S3.Object.Sequencer,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Subscribe attaches handler as a subscriber group on the topic of et. Every
// group receives its own copy of each envelope; members of the same group
// share the load.
func (r *Router) Subscribe(et model.EventType, group string, handler EnvelopeHandler) (messaging.Subscription, error) {
	subject, err := TopicFor(et)
	if err != nil {
		return nil, err
	}
	if group == "" {
		return nil, errors.New("subscriber group is required")
	}

	log := r.logger.With(logging.Subject(subject), logging.Group(group))
	sub, err := r.client.QueueSubscribe(subject, group, func(ctx context.Context, msg *messaging.Message) error {
		env, err := model.UnmarshalEnvelope(msg.Data)
		if err != nil {
			// Redelivering a payload that can never decode only loops.
			log.ErrorContext(ctx, "Dropping undecodable envelope", logging.Error(err))
			return nil
		}
		return handler(logging.ContextWithMessageID(ctx, env.ID), env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w", group, subject, err)
	}

	log.Info("Subscriber group attached")
	return sub, nil
}

// Bridge attaches a subscriber group that buffers every envelope of et into
// q. An enqueue failure is returned to the transport so the envelope is
// redelivered to the group.
func (r *Router) Bridge(et model.EventType, group string, q queue.Enqueuer) (messaging.Subscription, error) {
	return r.Subscribe(et, group, func(ctx context.Context, env *model.Envelope) error {
		env.DeliveryAttempt = 0
		if err := q.Enqueue(ctx, *env); err != nil {
			return fmt.Errorf("enqueue %s: %w", env.SourceID, err)
		}
		return nil
	})
}
