// Package model defines the image records, upstream notifications and event
// envelopes that flow through the pipeline.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of an image record.
type Status string

// StatusCreated is the only state the pipeline writes today.
const StatusCreated Status = "Created"

// ImageRecord is the metadata stored per image, keyed by ID.
type ImageRecord struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewRecord returns a Created record for id stamped at now.
func NewRecord(id string, now time.Time) *ImageRecord {
	now = now.UTC()
	return &ImageRecord{
		ID:        id,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// EventType is the kind of lifecycle event carried by an envelope.
type EventType string

const (
	EventCreated EventType = "Created"
	EventRemoved EventType = "Removed"
)

// ErrUnknownEvent is returned for event names that map to no EventType.
var ErrUnknownEvent = errors.New("unknown event type")

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	return e == EventCreated || e == EventRemoved
}

// ParseEventName maps an object-store event name to an EventType.
// Accepts "s3:ObjectCreated:Put", "ObjectCreated:Copy", "s3:ObjectRemoved:*",
// the bare "Created"/"Removed" forms and lower-case variants.
func ParseEventName(name string) (EventType, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "s3:")

	switch {
	case strings.HasPrefix(n, "objectcreated"), n == "created":
		return EventCreated, nil
	case strings.HasPrefix(n, "objectremoved"), n == "removed":
		return EventRemoved, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}
