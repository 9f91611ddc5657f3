// Package pipeline assembles the image lifecycle topology:
//
//	Created topic -> work-queue bridge -> work queue -> processor
//	              -> upload mailer
//	Removed topic -> deleter
//	work queue, deleter -> dead-letter queue -> notifier
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/notification"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
	"github.com/imagepipe/imagepipe/imagepipe/internal/router"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
	"github.com/imagepipe/imagepipe/imagepipe/internal/worker"
)

// Deps are the collaborators a Pipeline runs on. Tests inject in-memory
// versions and a fake clock.
type Deps struct {
	Broker     messaging.Client
	WorkQueue  queue.Queue
	DeadLetter queue.Queue
	Store      store.Store
	Channel    notification.Channel
	Clock      func() time.Time
	Logger     *logging.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Broker == nil:
		return errors.New("pipeline: broker is required")
	case d.WorkQueue == nil:
		return errors.New("pipeline: work queue is required")
	case d.DeadLetter == nil:
		return errors.New("pipeline: dead-letter queue is required")
	case d.Store == nil:
		return errors.New("pipeline: store is required")
	case d.Channel == nil:
		return errors.New("pipeline: notification channel is required")
	}
	return nil
}

// Pipeline owns the subscriber groups and queue consumers.
type Pipeline struct {
	cfg    *config.Config
	deps   Deps
	logger *logging.Logger

	router    *router.Router
	processor *queue.Consumer
	notifier  *queue.Consumer
	deleter   *worker.Deleter
	mailer    *worker.Mailer

	mu      sync.Mutex
	subs    []messaging.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New wires the workers to their inputs. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	log := deps.Logger

	p := &Pipeline{
		cfg:    cfg,
		deps:   deps,
		logger: log.With(logging.Service("pipeline")),
		router: router.New(deps.Broker, log, router.WithClock(deps.Clock)),
	}

	p.processor = queue.NewConsumer(deps.WorkQueue,
		worker.NewProcessor(deps.Store, deps.Clock, log),
		queue.ConsumerConfig{
			Name:              "processor",
			BatchSize:         cfg.Queue.BatchSize,
			MaxBatchingWindow: cfg.Queue.MaxBatchingWindow,
			Timeout:           cfg.Workers.ProcessTimeout,
			Concurrency:       cfg.Queue.Concurrency,
			Logger:            log,
		})

	p.notifier = queue.NewConsumer(deps.DeadLetter,
		worker.NewNotifier(deps.Channel, cfg.Notifier.Recipient, log),
		queue.ConsumerConfig{
			Name:              "notifier",
			BatchSize:         cfg.DLQ.BatchSize,
			MaxBatchingWindow: cfg.DLQ.MaxBatchingWindow,
			Timeout:           cfg.Workers.NotifyTimeout,
			Concurrency:       cfg.DLQ.Concurrency,
			Logger:            log,
		})

	p.deleter = worker.NewDeleter(deps.Store, worker.DeleterConfig{
		Timeout:     cfg.Workers.DeleteTimeout,
		MaxAttempts: cfg.Workers.DeleteMaxAttempts,
		DeadLetter:  deps.DeadLetter,
		Clock:       deps.Clock,
		Logger:      log,
	})

	if cfg.Mailer.Enabled {
		p.mailer = worker.NewMailer(deps.Channel, cfg.Mailer.Recipient, cfg.Workers.NotifyTimeout, log)
	}
	return p, nil
}

// Router exposes the fan-out router, the producer-facing entry point.
func (p *Pipeline) Router() *router.Router { return p.router }

// WorkQueue returns the creation work queue.
func (p *Pipeline) WorkQueue() queue.Queue { return p.deps.WorkQueue }

// DeadLetterQueue returns the quarantine queue.
func (p *Pipeline) DeadLetterQueue() queue.Queue { return p.deps.DeadLetter }

// Store returns the metadata store.
func (p *Pipeline) Store() store.Store { return p.deps.Store }

// Broker returns the topic transport.
func (p *Pipeline) Broker() messaging.Client { return p.deps.Broker }

// Publish routes an upstream notification.
func (p *Pipeline) Publish(ctx context.Context, n model.Notification) (int, error) {
	return p.router.Publish(ctx, n)
}

// Start attaches the subscriber groups and launches the queue consumers.
// Consumers stop when ctx is cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("pipeline already started")
	}

	type group struct {
		name    string
		attach  func() (messaging.Subscription, error)
		enabled bool
	}
	groups := []group{
		{messaging.GroupWorkQueue, func() (messaging.Subscription, error) {
			return p.router.Bridge(model.EventCreated, messaging.GroupWorkQueue, p.deps.WorkQueue)
		}, true},
		{messaging.GroupUploadMailer, func() (messaging.Subscription, error) {
			return p.router.Subscribe(model.EventCreated, messaging.GroupUploadMailer, p.mailer.Handle)
		}, p.mailer != nil},
		{messaging.GroupDeleteImage, func() (messaging.Subscription, error) {
			return p.router.Subscribe(model.EventRemoved, messaging.GroupDeleteImage, p.deleter.Handle)
		}, true},
	}

	for _, g := range groups {
		if !g.enabled {
			continue
		}
		sub, err := g.attach()
		if err != nil {
			p.unsubscribe()
			return fmt.Errorf("attach %s: %w", g.name, err)
		}
		p.subs = append(p.subs, sub)
	}

	cctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, c := range []*queue.Consumer{p.processor, p.notifier} {
		p.wg.Add(1)
		go func(c *queue.Consumer) {
			defer p.wg.Done()
			_ = c.Run(cctx)
		}(c)
	}
	p.running = true

	p.logger.Info("Pipeline started",
		"groups", len(p.subs),
		"max_receive_count", p.cfg.Queue.MaxReceiveCount,
		"dlq_retention", p.cfg.DLQ.Retention.String(),
		"memory_mb", p.cfg.Workers.MemoryMB,
	)
	return nil
}

// Stop detaches the subscriber groups, then waits for consumers to finish
// their in-flight batches or for ctx to expire.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.unsubscribe()
	p.cancel()
	p.running = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pipeline stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
}

func (p *Pipeline) unsubscribe() {
	for _, sub := range p.subs {
		if err := sub.Unsubscribe(); err != nil {
			p.logger.Warn("Failed to unsubscribe", logging.Subject(sub.Subject()), logging.Error(err))
		}
	}
	p.subs = nil
}
