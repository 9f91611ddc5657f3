// Package queue implements the durable work queue with dead-letter redrive.
//
// A message handed out by Receive is in flight for the visibility window.
// Ack removes it; a failed or abandoned message becomes visible again once
// the window expires. Every receive increments the message's receive count,
// and a message whose next receive would exceed MaxReceiveCount is moved to
// the dead-letter queue instead of being delivered. Failures marked
// Permanent are moved on the attempt they occur.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrReceiptExpired is returned when acknowledging a delivery whose
	// receipt no longer identifies an in-flight message.
	ErrReceiptExpired = errors.New("receipt handle expired")
)

// Enqueuer accepts envelopes. Dead-letter targets only need this.
type Enqueuer interface {
	Enqueue(ctx context.Context, env model.Envelope) error
}

// Queue is a durable, at-least-once work queue.
type Queue interface {
	Enqueuer

	// Name identifies the queue in logs, metrics and dead-letter records.
	Name() string

	// Receive returns up to max deliveries, waiting at most wait for the
	// batch to fill. It may return fewer, including none.
	Receive(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error)

	// Stats reports current depth.
	Stats(ctx context.Context) (Stats, error)

	// List returns up to limit queued envelopes without receiving them.
	// A non-positive limit lists everything.
	List(ctx context.Context, limit int) ([]model.Envelope, error)

	// Purge drops every message and returns how many were removed.
	Purge(ctx context.Context) (int, error)

	Close() error
}

// Stats describes a queue's contents.
type Stats struct {
	Name            string     `json:"name" yaml:"name"`
	Visible         int        `json:"visible" yaml:"visible"`
	InFlight        int        `json:"in_flight" yaml:"in_flight"`
	OldestEnqueued  *time.Time `json:"oldest_enqueued,omitempty" yaml:"oldest_enqueued,omitempty"`
	MaxReceiveCount int        `json:"max_receive_count" yaml:"max_receive_count"`
	Retention       string     `json:"retention,omitempty" yaml:"retention,omitempty"`
}

// Delivery is one received message. Envelope.DeliveryAttempt holds the
// receive count including this delivery.
type Delivery struct {
	Envelope      model.Envelope
	ReceiptHandle string

	acker acker
}

type acker interface {
	ack(ctx context.Context, d *Delivery) error
	nack(ctx context.Context, d *Delivery, cause error) error
}

// Ack deletes the message from the queue.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.acker.ack(ctx, d)
}

// Nack records a failed attempt. The message is redelivered after the
// visibility window, or dead-lettered when cause is permanent or the
// receive budget is spent.
func (d *Delivery) Nack(ctx context.Context, cause error) error {
	return d.acker.nack(ctx, d, cause)
}

// Attempt returns the delivery attempt number.
func (d *Delivery) Attempt() int {
	return d.Envelope.DeliveryAttempt
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func causeOrDefault(cause error) error {
	if cause != nil {
		return cause
	}
	return errors.New("visibility timeout expired without acknowledgment")
}
