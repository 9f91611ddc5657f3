package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across the pipeline.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldMessageID = "message_id"
	FieldImageID   = "image_id"
	FieldEventType = "event_type"
	FieldAttempt   = "attempt"
	FieldSubject   = "subject"
	FieldGroup     = "group"
	FieldQueue     = "queue"
	FieldBatchSize = "batch_size"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// ImageID returns a slog attribute for the canonical image identifier.
func ImageID(id string) slog.Attr {
	return slog.String(FieldImageID, id)
}

// EventType returns a slog attribute for the lifecycle event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Attempt returns a slog attribute for the delivery attempt counter.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}

// Subject returns a slog attribute for a broker subject.
func Subject(subject string) slog.Attr {
	return slog.String(FieldSubject, subject)
}

// Group returns a slog attribute for a subscriber group.
func Group(name string) slog.Attr {
	return slog.String(FieldGroup, name)
}

// Queue returns a slog attribute for a queue name.
func Queue(name string) slog.Attr {
	return slog.String(FieldQueue, name)
}

// BatchSize returns a slog attribute for the number of messages in a batch.
func BatchSize(n int) slog.Attr {
	return slog.Int(FieldBatchSize, n)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
