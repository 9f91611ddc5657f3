package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyNotification is returned when a payload carries no records.
var ErrEmptyNotification = errors.New("notification has no records")

// Notification is the upstream bucket notification, S3 event format.
type Notification struct {
	Records []EventRecord `json:"Records"`
}

// EventRecord is a single object event inside a Notification.
type EventRecord struct {
	EventVersion string   `json:"eventVersion,omitempty"`
	EventSource  string   `json:"eventSource,omitempty"`
	AWSRegion    string   `json:"awsRegion,omitempty"`
	EventTime    string   `json:"eventTime,omitempty"`
	EventName    string   `json:"eventName"`
	S3           S3Entity `json:"s3"`
}

// S3Entity identifies the bucket and object of an event.
type S3Entity struct {
	Bucket BucketEntity `json:"bucket"`
	Object ObjectEntity `json:"object"`
}

// BucketEntity names the source bucket.
type BucketEntity struct {
	Name string `json:"name"`
	ARN  string `json:"arn,omitempty"`
}

// ObjectEntity describes the object. Key is still URL-encoded.
type ObjectEntity struct {
	Key       string `json:"key"`
	Size      int64  `json:"size,omitempty"`
	ETag      string `json:"eTag,omitempty"`
	Sequencer string `json:"sequencer,omitempty"`
}

// NewNotification builds a single-record notification.
func NewNotification(eventName, bucket, key string) Notification {
	return Notification{Records: []EventRecord{{
		EventSource: "imagepipe",
		EventName:   eventName,
		S3: S3Entity{
			Bucket: BucketEntity{Name: bucket},
			Object: ObjectEntity{Key: key},
		},
	}}}
}

// flatNotification is the minimal producer payload {bucket, key, eventName}.
type flatNotification struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	EventName string `json:"eventName"`
}

// topicEnvelope is a notification relayed through a topic subscription,
// where each record carries the original payload as a JSON string.
type topicEnvelope struct {
	Records []struct {
		Sns *struct {
			Message string `json:"Message"`
		} `json:"Sns"`
	} `json:"Records"`
}

// ParseNotification accepts the S3 event format, the flat
// {bucket, key, eventName} form, and S3 events relayed through a topic
// subscription (Records[].Sns.Message).
func ParseNotification(data []byte) (*Notification, error) {
	var relayed topicEnvelope
	if err := json.Unmarshal(data, &relayed); err == nil && len(relayed.Records) > 0 && relayed.Records[0].Sns != nil {
		out := &Notification{}
		for _, r := range relayed.Records {
			if r.Sns == nil {
				continue
			}
			inner, err := ParseNotification([]byte(r.Sns.Message))
			if err != nil {
				return nil, fmt.Errorf("relayed message: %w", err)
			}
			out.Records = append(out.Records, inner.Records...)
		}
		return out, nil
	}

	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if len(n.Records) > 0 {
		return &n, nil
	}

	var flat flatNotification
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if flat.Key == "" && flat.EventName == "" {
		return nil, ErrEmptyNotification
	}
	n = NewNotification(flat.EventName, flat.Bucket, flat.Key)
	return &n, nil
}
