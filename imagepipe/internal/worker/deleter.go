package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

const deleterName = "deleter"

// DeleterConfig configures a Deleter.
type DeleterConfig struct {
	// Timeout is the hard deadline of one invocation, retries included.
	Timeout time.Duration

	// MaxAttempts bounds delete attempts per delivery.
	MaxAttempts int

	// Backoff is the pause before the second attempt; it doubles after.
	Backoff time.Duration

	// DeadLetter receives envelopes whose attempts are spent. When nil the
	// failure is returned to the subscription transport instead.
	DeadLetter queue.Enqueuer

	Clock  func() time.Time
	Logger *logging.Logger
}

// Deleter removes the record of every Removed envelope it is handed. It is a
// direct topic subscriber, so retry is bounded here and exhausted envelopes
// take the same dead-letter path as the creation side.
type Deleter struct {
	store  store.Store
	cfg    DeleterConfig
	logger *logging.Logger
}

// NewDeleter creates the deletion worker.
func NewDeleter(s store.Store, cfg DeleterConfig) *Deleter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Deleter{store: s, cfg: cfg, logger: cfg.Logger.With(logging.Service(deleterName))}
}

// Handle deletes the record for env. It returns nil once the record is gone
// or the envelope has been dead-lettered.
func (d *Deleter) Handle(ctx context.Context, env *model.Envelope) error {
	start := time.Now()
	metrics.InFlight.WithLabelValues(deleterName).Inc()
	defer metrics.InFlight.WithLabelValues(deleterName).Dec()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(deleterName).Observe(time.Since(start).Seconds())
	}()

	hctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		err     error
		attempt int
		backoff = d.cfg.Backoff
	)
	for attempt = 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err = d.delete(hctx, env); err == nil {
			metrics.ProcessedTotal.WithLabelValues(deleterName, metrics.StatusOK).Inc()
			return nil
		}
		if queue.IsPermanent(err) || attempt == d.cfg.MaxAttempts {
			break
		}

		d.logger.WarnContext(ctx, "Delete failed, retrying",
			logging.ImageID(env.SourceID), logging.Attempt(attempt), logging.Error(err))
		if !pause(hctx, backoff) {
			err = fmt.Errorf("delete %s: %w", env.SourceID, hctx.Err())
			break
		}
		backoff *= 2
	}
	metrics.ProcessedTotal.WithLabelValues(deleterName, metrics.StatusError).Inc()
	attempt = min(attempt, d.cfg.MaxAttempts)

	return d.deadLetter(ctx, env, err, attempt)
}

func (d *Deleter) delete(ctx context.Context, env *model.Envelope) error {
	if env.EventType != model.EventRemoved {
		return queue.Permanent(fmt.Errorf("%w: deleter got %q", model.ErrUnknownEvent, env.EventType))
	}
	id, err := env.ImageID()
	if err != nil {
		return queue.Permanent(err)
	}
	if err := d.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	d.logger.DebugContext(ctx, "Image record deleted", logging.ImageID(id))
	return nil
}

func (d *Deleter) deadLetter(ctx context.Context, env *model.Envelope, cause error, attempts int) error {
	if d.cfg.DeadLetter == nil {
		return cause
	}

	reason := model.ReasonDeleteExhausted
	if queue.IsPermanent(cause) {
		reason = model.ReasonPermanentFailure
	}
	dead := env.DeadLettered(reason, cause, attempts, messaging.GroupDeleteImage, d.cfg.Clock())

	// The invocation deadline may already be spent; the hand-off must still happen.
	if err := d.cfg.DeadLetter.Enqueue(context.WithoutCancel(ctx), dead); err != nil {
		d.logger.ErrorContext(ctx, "Dead-letter failed, leaving retry to the transport",
			logging.ImageID(env.SourceID), logging.Error(err))
		return fmt.Errorf("dead-letter %s: %w (after %v)", env.SourceID, err, cause)
	}

	metrics.DeadLetteredTotal.WithLabelValues(messaging.GroupDeleteImage, reason).Inc()
	d.logger.WarnContext(ctx, "Removal dead-lettered",
		logging.ImageID(env.SourceID), logging.Attempt(attempts), "reason", reason, logging.Error(cause))
	return nil
}

func pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
