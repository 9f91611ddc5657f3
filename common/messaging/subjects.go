package messaging

import "strings"

// Subject constants for the image pipeline.
// Follow the pattern: {domain}.{stage}.{event}
const (
	// Topics: one per lifecycle event type. Subscriber groups attach here.
	SubjectImagesCreated = "images.created"
	SubjectImagesRemoved = "images.removed"

	// Work queue subjects - buffered creation work for the processing worker
	SubjectWorkPrefix  = "images.work"
	SubjectWorkCreated = "images.work.created"

	// Dead-letter subjects - append the lower-case event type
	SubjectDLQPrefix = "images.dlq"

	// Outbound alerts for the external mail service
	SubjectAlertsOutbound = "alerts.outbound"
)

// Subscriber group names. Each group receives its own copy of every message
// on a topic; members of one group share the load.
const (
	GroupWorkQueue    = "work-queue"    // Created topic -> durable work queue
	GroupUploadMailer = "upload-mailer" // Created topic -> confirmation mail
	GroupDeleteImage  = "delete-image"  // Removed topic -> deletion worker
)

// DeadLetterSubject returns the DLQ subject for an event type.
// Example: images.dlq.created
func DeadLetterSubject(eventType string) string {
	return SubjectDLQPrefix + "." + strings.ToLower(eventType)
}

// SubjectMatches reports whether subject matches pattern using NATS token
// rules: "*" matches exactly one token, a trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
