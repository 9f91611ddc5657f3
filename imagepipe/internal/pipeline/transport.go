package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/messaging/memory"
	natsclient "github.com/imagepipe/imagepipe/common/messaging/nats"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
)

// Queue names used by the in-memory transport.
const (
	WorkQueueName  = "work"
	DeadLetterName = "dlq"
)

// Transport is the broker and queue set selected by broker.backend.
type Transport struct {
	Broker messaging.Client

	// Alerts publishes outbound alerts. Under NATS this is the core
	// connection, since no stream captures the alert subject.
	Alerts messaging.Publisher

	WorkQueue  queue.Queue
	DeadLetter queue.Queue

	closers []func() error
}

// Close releases the queues, then the broker connection.
func (t *Transport) Close() error {
	var errs []error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// Connect builds the transport for cfg.
func Connect(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Transport, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	switch cfg.Broker.Backend {
	case "", "memory":
		return connectMemory(cfg, logger), nil
	case "nats":
		return connectNATS(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

func connectMemory(cfg *config.Config, logger *logging.Logger) *Transport {
	logger.Warn("Using in-memory broker and queues (single process only)")

	broker := memory.NewBroker(logger)
	dlq := queue.NewMemoryQueue(queue.MemoryConfig{
		Name:              DeadLetterName,
		VisibilityTimeout: cfg.DLQ.VisibilityTimeout,
		MaxReceiveCount:   cfg.DLQ.MaxReceiveCount,
		Retention:         cfg.DLQ.Retention,
		Logger:            logger,
	})
	work := queue.NewMemoryQueue(queue.MemoryConfig{
		Name:              WorkQueueName,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		Retention:         cfg.Queue.Retention,
		DeadLetter:        dlq,
		Logger:            logger,
	})

	return &Transport{
		Broker:     broker,
		Alerts:     broker,
		WorkQueue:  work,
		DeadLetter: dlq,
		closers:    []func() error{broker.Close, dlq.Close, work.Close},
	}
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Transport, error) {
	ncfg := natsclient.DefaultConfig()
	ncfg.URL = cfg.NATS.URL
	ncfg.MaxReconnects = cfg.NATS.MaxReconnects
	if cfg.NATS.ReconnectWait > 0 {
		ncfg.ReconnectWait = cfg.NATS.ReconnectWait
	}

	js, err := natsclient.NewJetStreamClient(ncfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Group consumers must outlast the direct workers' deadline.
	broker, err := natsclient.NewStreamBroker(setupCtx, js, natsclient.ImageEventsStream(),
		messaging.WithAckWait(cfg.Workers.DeleteTimeout+cfg.Queue.VisibilityTimeout))
	if err != nil {
		js.Close()
		return nil, fmt.Errorf("events stream: %w", err)
	}

	dlq, err := queue.NewJetStreamQueue(setupCtx, js, queue.JetStreamConfig{
		Stream:   natsclient.ImageDLQStream(cfg.DLQ.Retention),
		Consumer: "notifier",
		Subject: func(env model.Envelope) string {
			return messaging.DeadLetterSubject(string(env.EventType))
		},
		VisibilityTimeout: cfg.DLQ.VisibilityTimeout,
		MaxReceiveCount:   cfg.DLQ.MaxReceiveCount,
		Logger:            logger,
	})
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("dead-letter stream: %w", err)
	}

	workStream := natsclient.ImageWorkStream()
	if cfg.Queue.Retention > 0 {
		workStream.MaxAge = cfg.Queue.Retention
	}
	work, err := queue.NewJetStreamQueue(setupCtx, js, queue.JetStreamConfig{
		Stream:   workStream,
		Consumer: "processor",
		Subject: func(env model.Envelope) string {
			return messaging.SubjectWorkPrefix + "." + strings.ToLower(string(env.EventType))
		},
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxReceiveCount:   cfg.Queue.MaxReceiveCount,
		DeadLetter:        dlq,
		Logger:            logger,
	})
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("work stream: %w", err)
	}

	return &Transport{
		Broker:     broker,
		Alerts:     js.Client,
		WorkQueue:  work,
		DeadLetter: dlq,
		closers:    []func() error{broker.Drain, dlq.Close, work.Close},
	}, nil
}
