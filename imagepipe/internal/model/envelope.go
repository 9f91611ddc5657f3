package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Reasons recorded on dead-lettered envelopes.
const (
	ReasonMaxReceiveExceeded = "max_receive_count_exceeded"
	ReasonPermanentFailure   = "permanent_failure"
	ReasonDeleteExhausted    = "delete_attempts_exhausted"
)

// Envelope wraps one upstream record for delivery through topics and
// queues. Its wire form keeps the original record verbatim under Records.
type Envelope struct {
	ID              string        `json:"id"`
	EventType       EventType     `json:"eventType"`
	SourceID        string        `json:"sourceId"`
	Bucket          string        `json:"bucket,omitempty"`
	ReceivedAt      time.Time     `json:"receivedAt"`
	DeliveryAttempt int           `json:"deliveryAttempt"`
	Records         []EventRecord `json:"Records"`
	Failure         *Failure      `json:"failure,omitempty"`
}

// Failure annotates an envelope that was moved to the dead-letter queue.
type Failure struct {
	Reason   string    `json:"reason"`
	Error    string    `json:"error,omitempty"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failedAt"`
	Source   string    `json:"source,omitempty"`
}

// ErrInvalidEnvelope marks a payload that is not a usable envelope.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// ImageID decodes the envelope's source key into the canonical image id.
func (e *Envelope) ImageID() (string, error) {
	return DecodeKey(e.SourceID)
}

// Marshal encodes the envelope wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.ID, err)
	}
	return data, nil
}

// DeadLettered returns a copy of e annotated with a failure.
func (e Envelope) DeadLettered(reason string, cause error, attempts int, source string, at time.Time) Envelope {
	f := &Failure{
		Reason:   reason,
		Attempts: attempts,
		FailedAt: at.UTC(),
		Source:   source,
	}
	if cause != nil {
		f.Error = cause.Error()
	}
	e.Failure = f
	e.DeliveryAttempt = attempts
	return e
}

// UnmarshalEnvelope decodes and validates an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !e.EventType.Valid() {
		return nil, fmt.Errorf("%w: event type %q", ErrInvalidEnvelope, e.EventType)
	}
	if e.SourceID == "" {
		return nil, fmt.Errorf("%w: missing sourceId", ErrInvalidEnvelope)
	}
	return &e, nil
}
