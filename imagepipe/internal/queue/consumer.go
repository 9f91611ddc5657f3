package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
)

// BatchHandler processes one batch of deliveries. It reports failures per
// delivery; everything not reported is acknowledged.
type BatchHandler interface {
	HandleBatch(ctx context.Context, batch []*Delivery) BatchResult
}

// BatchHandlerFunc adapts a function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, batch []*Delivery) BatchResult

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, batch []*Delivery) BatchResult {
	return f(ctx, batch)
}

// BatchResult lists the deliveries that failed, keyed by receipt handle.
type BatchResult struct {
	Failures map[string]error
}

// Fail records err for d.
func (r *BatchResult) Fail(d *Delivery, err error) {
	if r.Failures == nil {
		r.Failures = make(map[string]error)
	}
	r.Failures[d.ReceiptHandle] = err
}

// Failed returns the recorded error for d, if any.
func (r BatchResult) Failed(d *Delivery) error {
	return r.Failures[d.ReceiptHandle]
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Name labels logs and metrics (processor, notifier).
	Name string

	BatchSize         int
	MaxBatchingWindow time.Duration

	// Timeout is the hard deadline of one invocation.
	Timeout time.Duration

	// Concurrency is the number of independent pollers.
	Concurrency int

	// MaxBackoff caps the delay between failed receives.
	MaxBackoff time.Duration

	Logger *logging.Logger
}

// Consumer polls a Queue and feeds batches to a BatchHandler. Acknowledgment
// is per message: successes are acked, failures nacked, so one bad message
// never causes its batch siblings to be redelivered.
type Consumer struct {
	queue   Queue
	handler BatchHandler
	cfg     ConsumerConfig
	logger  *logging.Logger
}

// NewConsumer validates cfg and returns a Consumer.
func NewConsumer(q Queue, handler BatchHandler, cfg ConsumerConfig) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Consumer{
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger.With(logging.Service(cfg.Name), logging.Queue(q.Name())),
	}
}

// Run starts the pollers and blocks until ctx is cancelled and every poller
// has finished its current batch.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started",
		"concurrency", c.cfg.Concurrency,
		logging.BatchSize(c.cfg.BatchSize),
		"window", c.cfg.MaxBatchingWindow.String(),
		"timeout", c.cfg.Timeout.String(),
	)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(poller int) {
			defer wg.Done()
			c.poll(ctx, poller)
		}(i)
	}
	wg.Wait()

	c.logger.Info("Consumer stopped")
	return nil
}

func (c *Consumer) poll(ctx context.Context, poller int) {
	log := c.logger.With("poller", poller)
	backoff := 100 * time.Millisecond

	for ctx.Err() == nil {
		batch, err := c.queue.Receive(ctx, c.cfg.BatchSize, c.cfg.MaxBatchingWindow)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			log.Warn("Receive failed, backing off", logging.Error(err), "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}
		backoff = 100 * time.Millisecond

		if len(batch) == 0 {
			continue
		}
		c.ProcessBatch(ctx, batch)
	}
}

// ProcessBatch runs one invocation: the handler under the deadline, then
// per-message ack or nack. When the deadline passes nothing is acknowledged
// and the whole batch waits out its visibility window.
func (c *Consumer) ProcessBatch(ctx context.Context, batch []*Delivery) {
	// In-flight work is finished even when shutdown has begun.
	base := context.WithoutCancel(ctx)
	hctx, cancel := context.WithTimeout(base, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	metrics.InFlight.WithLabelValues(c.cfg.Name).Add(float64(len(batch)))
	defer metrics.InFlight.WithLabelValues(c.cfg.Name).Sub(float64(len(batch)))

	done := make(chan BatchResult, 1)
	go func() {
		done <- c.invoke(hctx, batch)
	}()

	var result BatchResult
	select {
	case result = <-done:
	case <-hctx.Done():
		metrics.HandlerDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())
		metrics.ProcessedTotal.WithLabelValues(c.cfg.Name, metrics.StatusError).Add(float64(len(batch)))
		c.logger.Error("Invocation deadline exceeded, batch left for redelivery",
			logging.BatchSize(len(batch)), logging.Duration(time.Since(start)))
		return
	}
	metrics.HandlerDuration.WithLabelValues(c.cfg.Name).Observe(time.Since(start).Seconds())

	for _, d := range batch {
		log := c.logger.With(
			logging.ImageID(d.Envelope.SourceID),
			logging.EventType(string(d.Envelope.EventType)),
			logging.Attempt(d.Attempt()),
		)
		actx := logging.ContextWithMessageID(base, d.Envelope.ID)

		if cause := result.Failed(d); cause != nil {
			metrics.ProcessedTotal.WithLabelValues(c.cfg.Name, metrics.StatusError).Inc()
			log.WarnContext(actx, "Message failed", logging.Error(cause), "permanent", IsPermanent(cause))
			if err := d.Nack(actx, cause); err != nil {
				log.ErrorContext(actx, "Nack failed", logging.Error(err))
			}
			continue
		}

		metrics.ProcessedTotal.WithLabelValues(c.cfg.Name, metrics.StatusOK).Inc()
		if err := d.Ack(actx); err != nil {
			log.ErrorContext(actx, "Ack failed, message will be redelivered", logging.Error(err))
		}
	}
}

// invoke calls the handler, turning a panic into a failure of every
// delivery in the batch.
func (c *Consumer) invoke(ctx context.Context, batch []*Delivery) (result BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panicked", "panic", fmt.Sprint(r))
			result = BatchResult{}
			for _, d := range batch {
				result.Fail(d, fmt.Errorf("handler panic: %v", r))
			}
		}
	}()
	return c.handler.HandleBatch(ctx, batch)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
