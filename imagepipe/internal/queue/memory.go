package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

const pollInterval = 20 * time.Millisecond

// MemoryConfig configures a MemoryQueue.
type MemoryConfig struct {
	Name              string
	VisibilityTimeout time.Duration

	// MaxReceiveCount bounds receives per message. Zero means unlimited,
	// which is what a dead-letter queue uses.
	MaxReceiveCount int

	// Retention drops messages older than this. Zero keeps them forever.
	Retention time.Duration

	// DeadLetter receives exhausted and permanently failed messages. When
	// nil such messages are dropped with an error log.
	DeadLetter Enqueuer

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger *logging.Logger
}

type memMessage struct {
	id           string
	env          model.Envelope
	enqueuedAt   time.Time
	visibleAt    time.Time
	receiveCount int
	receipt      string
	lastErr      error
}

// MemoryQueue is an in-process Queue with visibility, receive counting,
// redrive and retention.
type MemoryQueue struct {
	cfg    MemoryConfig
	logger *logging.Logger

	mu     sync.Mutex
	msgs   []*memMessage
	closed bool

	signal chan struct{}
}

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(cfg MemoryConfig) *MemoryQueue {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &MemoryQueue{
		cfg:    cfg,
		logger: cfg.Logger.With(logging.Queue(cfg.Name)),
		signal: make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Name() string { return q.cfg.Name }

// Enqueue adds env as a new message. Duplicate envelopes become distinct
// messages; consumers are idempotent.
func (q *MemoryQueue) Enqueue(ctx context.Context, env model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	now := q.cfg.Clock()
	q.msgs = append(q.msgs, &memMessage{
		id:         uuid.NewString(),
		env:        env,
		enqueuedAt: now,
		visibleAt:  now,
	})
	q.updateDepth()
	q.mu.Unlock()

	metrics.EnqueuedTotal.WithLabelValues(q.cfg.Name).Inc()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive collects visible messages until max is reached or wait elapses.
// If ctx ends after some messages were taken they are still returned so the
// caller can finish them.
func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	var out []*Delivery
	for {
		batch, err := q.take(ctx, max-len(out))
		if err != nil {
			if len(out) > 0 {
				return q.handOut(out), nil
			}
			return nil, err
		}
		out = append(out, batch...)
		if len(out) >= max {
			return q.handOut(out), nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return q.handOut(out), nil
		}

		timer := time.NewTimer(min(remaining, pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			if len(out) > 0 {
				return q.handOut(out), nil
			}
			return nil, ctx.Err()
		case <-q.signal:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// handOut restarts the visibility window of every delivery in out, so the
// window covers handler time rather than the batching wait.
func (q *MemoryQueue) handOut(out []*Delivery) []*Delivery {
	if len(out) == 0 {
		return out
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	visibleAt := q.cfg.Clock().Add(q.cfg.VisibilityTimeout)
	for _, d := range out {
		if m := q.lookup(d.ReceiptHandle); m != nil {
			m.visibleAt = visibleAt
		}
	}
	return out
}

// take marks up to n visible messages in flight. Messages whose receive
// count would exceed the maximum are redriven instead, under the same lock.
func (q *MemoryQueue) take(ctx context.Context, n int) ([]*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.cfg.Clock()
	q.expire(now)

	var out []*Delivery
	for _, m := range q.msgs {
		if len(out) >= n {
			break
		}
		if now.Before(m.visibleAt) {
			continue
		}

		if q.cfg.MaxReceiveCount > 0 && m.receiveCount+1 > q.cfg.MaxReceiveCount {
			if err := q.deadLetter(ctx, m, model.ReasonMaxReceiveExceeded, causeOrDefault(m.lastErr), now); err != nil {
				q.logger.Error("Redrive failed, message stays in queue", logging.Error(err))
			}
			continue
		}

		m.receiveCount++
		m.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		m.receipt = uuid.NewString()

		env := m.env
		env.DeliveryAttempt = m.receiveCount
		out = append(out, &Delivery{
			Envelope:      env,
			ReceiptHandle: m.id + "/" + m.receipt,
			acker:         q,
		})

		metrics.ReceivedTotal.WithLabelValues(q.cfg.Name).Inc()
		if m.receiveCount > 1 {
			metrics.RedeliveriesTotal.WithLabelValues(q.cfg.Name).Inc()
		}
	}

	// deadLetter may have removed entries while ranging; compact now.
	q.compact()
	return out, nil
}

func (q *MemoryQueue) ack(ctx context.Context, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.lookup(d.ReceiptHandle)
	if m == nil {
		return ErrReceiptExpired
	}
	m.id = ""
	q.compact()
	return nil
}

func (q *MemoryQueue) nack(ctx context.Context, d *Delivery, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.lookup(d.ReceiptHandle)
	if m == nil {
		return ErrReceiptExpired
	}
	m.lastErr = cause
	now := q.cfg.Clock()

	var err error
	switch {
	case IsPermanent(cause):
		err = q.deadLetter(ctx, m, model.ReasonPermanentFailure, cause, now)
	case q.cfg.MaxReceiveCount > 0 && m.receiveCount >= q.cfg.MaxReceiveCount:
		err = q.deadLetter(ctx, m, model.ReasonMaxReceiveExceeded, cause, now)
	default:
		// Stays invisible until the visibility window lapses.
	}
	q.compact()
	return err
}

// deadLetter moves m to the dead-letter target. Caller holds q.mu and must
// compact afterwards. On failure m stays where it is.
func (q *MemoryQueue) deadLetter(ctx context.Context, m *memMessage, reason string, cause error, now time.Time) error {
	env := m.env.DeadLettered(reason, cause, m.receiveCount, q.cfg.Name, now)

	if q.cfg.DeadLetter == nil {
		q.logger.Error("Dropping message without dead-letter target",
			logging.ImageID(m.env.SourceID), "reason", reason, logging.Error(cause))
		m.id = ""
		metrics.DeadLetteredTotal.WithLabelValues(q.cfg.Name, reason).Inc()
		return nil
	}

	if err := q.cfg.DeadLetter.Enqueue(context.WithoutCancel(ctx), env); err != nil {
		return fmt.Errorf("dead-letter %s: %w", m.env.ID, err)
	}

	q.logger.Warn("Message dead-lettered",
		logging.ImageID(m.env.SourceID),
		logging.EventType(string(m.env.EventType)),
		logging.Attempt(m.receiveCount),
		"reason", reason,
		logging.Error(cause),
	)
	m.id = ""
	metrics.DeadLetteredTotal.WithLabelValues(q.cfg.Name, reason).Inc()
	return nil
}

// lookup finds the in-flight message a receipt handle points at.
func (q *MemoryQueue) lookup(handle string) *memMessage {
	for _, m := range q.msgs {
		if m.id != "" && m.id+"/"+m.receipt == handle {
			return m
		}
	}
	return nil
}

// expire drops messages past the retention window. Caller holds q.mu.
func (q *MemoryQueue) expire(now time.Time) {
	if q.cfg.Retention <= 0 {
		return
	}
	dropped := 0
	for _, m := range q.msgs {
		if m.id != "" && now.Sub(m.enqueuedAt) >= q.cfg.Retention {
			m.id = ""
			dropped++
		}
	}
	if dropped > 0 {
		metrics.ExpiredTotal.WithLabelValues(q.cfg.Name).Add(float64(dropped))
		q.logger.Info("Expired messages past retention", "count", dropped)
		q.compact()
	}
}

// compact removes messages whose id was cleared. Caller holds q.mu.
func (q *MemoryQueue) compact() {
	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if m.id != "" {
			kept = append(kept, m)
		}
	}
	for i := len(kept); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = kept
	q.updateDepth()
}

func (q *MemoryQueue) updateDepth() {
	metrics.QueueDepth.WithLabelValues(q.cfg.Name).Set(float64(len(q.msgs)))
}

func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Clock()
	q.expire(now)

	s := Stats{Name: q.cfg.Name, MaxReceiveCount: q.cfg.MaxReceiveCount}
	if q.cfg.Retention > 0 {
		s.Retention = q.cfg.Retention.String()
	}
	for _, m := range q.msgs {
		if now.Before(m.visibleAt) {
			s.InFlight++
		} else {
			s.Visible++
		}
		if s.OldestEnqueued == nil || m.enqueuedAt.Before(*s.OldestEnqueued) {
			t := m.enqueuedAt
			s.OldestEnqueued = &t
		}
	}
	return s, nil
}

func (q *MemoryQueue) List(ctx context.Context, limit int) ([]model.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.expire(q.cfg.Clock())

	out := make([]model.Envelope, 0, len(q.msgs))
	for _, m := range q.msgs {
		if limit > 0 && len(out) >= limit {
			break
		}
		env := m.env
		env.DeliveryAttempt = m.receiveCount
		out = append(out, env)
	}
	return out, nil
}

func (q *MemoryQueue) Purge(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.msgs)
	q.msgs = nil
	q.updateDepth()
	return n, nil
}

// Close rejects further operations. Queued messages are discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
