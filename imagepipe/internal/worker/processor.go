// Package worker holds the pipeline's consumers: the processing worker on
// the work queue, the deletion worker and upload mailer on the topics, and
// the failure notifier on the dead-letter queue.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

// Processor upserts a Created record for every envelope of a batch.
type Processor struct {
	store  store.Store
	clock  func() time.Time
	logger *logging.Logger
}

// NewProcessor creates the processing worker.
func NewProcessor(s store.Store, clock func() time.Time, logger *logging.Logger) *Processor {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Processor{store: s, clock: clock, logger: logger.With(logging.Service("processor"))}
}

// HandleBatch processes messages sequentially and reports each failure
// separately. A malformed identifier is permanent; store errors are
// transient.
func (p *Processor) HandleBatch(ctx context.Context, batch []*queue.Delivery) queue.BatchResult {
	var res queue.BatchResult
	for _, d := range batch {
		if err := p.process(ctx, &d.Envelope); err != nil {
			res.Fail(d, err)
		}
	}
	return res
}

func (p *Processor) process(ctx context.Context, env *model.Envelope) error {
	if env.EventType != model.EventCreated {
		return queue.Permanent(fmt.Errorf("%w: processor got %q", model.ErrUnknownEvent, env.EventType))
	}

	id, err := env.ImageID()
	if err != nil {
		p.logger.WarnContext(ctx, "Rejecting envelope with malformed key",
			logging.ImageID(env.SourceID), logging.Error(err))
		return queue.Permanent(err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.Put(ctx, model.NewRecord(id, p.clock())); err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}

	p.logger.DebugContext(ctx, "Image record upserted",
		logging.ImageID(id), logging.Attempt(env.DeliveryAttempt))
	return nil
}

var _ queue.BatchHandler = (*Processor)(nil)
