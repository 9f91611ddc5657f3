package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/notification"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
)

// Notifier turns every dead-lettered envelope into one operator alert.
type Notifier struct {
	channel   notification.Channel
	recipient string
	logger    *logging.Logger
}

// NewNotifier creates the failure notifier.
func NewNotifier(ch notification.Channel, recipient string, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Notifier{channel: ch, recipient: recipient, logger: logger.With(logging.Service("notifier"))}
}

// HandleBatch sends one alert per delivery. A failed send is left to the
// dead-letter queue's own redelivery.
func (n *Notifier) HandleBatch(ctx context.Context, batch []*queue.Delivery) queue.BatchResult {
	var res queue.BatchResult
	for _, d := range batch {
		alert := BuildAlert(d.Envelope, n.recipient)
		if err := n.channel.Send(ctx, alert); err != nil {
			metrics.AlertsTotal.WithLabelValues(n.channel.Type(), metrics.StatusError).Inc()
			res.Fail(d, fmt.Errorf("send alert for %s: %w", alert.ImageID, err))
			continue
		}
		metrics.AlertsTotal.WithLabelValues(n.channel.Type(), metrics.StatusOK).Inc()
		n.logger.InfoContext(ctx, "Failure alert sent",
			logging.ImageID(alert.ImageID), logging.EventType(alert.EventType), "channel", n.channel.Type())
	}
	return res
}

// BuildAlert describes a dead-lettered envelope. The identifier is decoded
// when possible so the alert names the image the way the store does.
func BuildAlert(env model.Envelope, recipient string) notification.Alert {
	id, err := env.ImageID()
	if err != nil {
		id = env.SourceID
	}

	alert := notification.Alert{
		Recipient: recipient,
		Subject:   fmt.Sprintf("Image %s failed: %s", strings.ToLower(string(env.EventType)), id),
		ImageID:   id,
		EventType: string(env.EventType),
		Attempts:  env.DeliveryAttempt,
		Timestamp: time.Now().UTC(),
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Image: %s\n", id)
	fmt.Fprintf(&body, "Event: %s\n", env.EventType)
	if env.Bucket != "" {
		fmt.Fprintf(&body, "Bucket: %s\n", env.Bucket)
	}
	if f := env.Failure; f != nil {
		alert.Attempts = f.Attempts
		alert.Reason = f.Reason
		alert.Error = f.Error
		fmt.Fprintf(&body, "Attempts: %d\n", f.Attempts)
		fmt.Fprintf(&body, "Reason: %s\n", f.Reason)
		if f.Error != "" {
			fmt.Fprintf(&body, "Error: %s\n", f.Error)
		}
		if f.Source != "" {
			fmt.Fprintf(&body, "Failed in: %s\n", f.Source)
		}
		fmt.Fprintf(&body, "Failed at: %s\n", f.FailedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&body, "Attempts: %d\n", env.DeliveryAttempt)
	}
	fmt.Fprintf(&body, "Received at: %s\n", env.ReceivedAt.UTC().Format(time.RFC3339))
	alert.Body = body.String()
	return alert
}

var _ queue.BatchHandler = (*Notifier)(nil)
