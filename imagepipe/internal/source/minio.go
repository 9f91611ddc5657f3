// Package source feeds upstream object-store notifications into the router.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// BucketListener streams bucket notifications. *minio.Client implements it.
type BucketListener interface {
	ListenBucketNotification(ctx context.Context, bucketName, prefix, suffix string, events []string) <-chan notification.Info
}

// Publisher hands a notification to the pipeline.
type Publisher interface {
	Publish(ctx context.Context, n model.Notification) (int, error)
}

// MinioListener subscribes to a bucket's notifications and publishes every
// record. The stream is re-established with backoff when it breaks.
type MinioListener struct {
	client  BucketListener
	pub     Publisher
	cfg     config.MinioConfig
	logger  *logging.Logger
	backoff time.Duration
	maxWait time.Duration
}

// NewMinioListener creates a listener over an existing client.
func NewMinioListener(client BucketListener, pub Publisher, cfg config.MinioConfig, logger *logging.Logger) *MinioListener {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MinioListener{
		client:  client,
		pub:     pub,
		cfg:     cfg,
		logger:  logger.With(logging.Service("minio-source"), "bucket", cfg.Bucket),
		backoff: time.Second,
		maxWait: 30 * time.Second,
	}
}

// NewMinioClient builds a MinIO client from cfg.
func NewMinioClient(cfg config.MinioConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return client, nil
}

// Run listens until ctx is cancelled.
func (l *MinioListener) Run(ctx context.Context) error {
	if l.cfg.Bucket == "" {
		return fmt.Errorf("minio source requires a bucket")
	}
	events := l.cfg.Events
	if len(events) == 0 {
		events = []string{"s3:ObjectCreated:*", "s3:ObjectRemoved:*"}
	}

	wait := l.backoff
	for {
		l.logger.Info("Listening for bucket notifications", "events", events)
		received := l.listen(ctx, events)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			wait = l.backoff
		}

		l.logger.Warn("Notification stream closed, reconnecting", "backoff", wait.String())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, l.maxWait)
	}
}

// listen drains one notification stream and reports whether it delivered
// anything.
func (l *MinioListener) listen(ctx context.Context, events []string) bool {
	received := false
	for info := range l.client.ListenBucketNotification(ctx, l.cfg.Bucket, l.cfg.Prefix, l.cfg.Suffix, events) {
		if info.Err != nil {
			l.logger.Error("Notification stream error", logging.Error(info.Err))
			return received
		}
		if len(info.Records) == 0 {
			continue
		}
		received = true

		n := Convert(info)
		published, err := l.pub.Publish(ctx, n)
		if err != nil {
			// Bucket notifications are not replayed; the loss is logged for reconciliation.
			l.logger.Error("Failed to publish bucket notification",
				"records", len(n.Records), "published", published, logging.Error(err))
		}
	}
	return received
}

// Convert maps a MinIO notification into the S3 event format.
func Convert(info notification.Info) model.Notification {
	n := model.Notification{Records: make([]model.EventRecord, 0, len(info.Records))}
	for _, e := range info.Records {
		n.Records = append(n.Records, model.EventRecord{
			EventVersion: e.EventVersion,
			EventSource:  e.EventSource,
			AWSRegion:    e.AwsRegion,
			EventTime:    e.EventTime,
			EventName:    e.EventName,
			S3: model.S3Entity{
				Bucket: model.BucketEntity{Name: e.S3.Bucket.Name, ARN: e.S3.Bucket.ARN},
				Object: model.ObjectEntity{
					Key:       e.S3.Object.Key,
					Size:      e.S3.Object.Size,
					ETag:      e.S3.Object.ETag,
					Sequencer: e.S3.Object.Sequencer,
				},
			},
		})
	}
	return n
}
