package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/metrics"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/notification"
)

const mailerName = "mailer"

// Mailer sends an upload confirmation for every Created envelope. It is a
// second subscriber group on the Created topic, independent of the work
// queue.
type Mailer struct {
	channel   notification.Channel
	recipient string
	timeout   time.Duration
	logger    *logging.Logger
}

// NewMailer creates the upload mailer.
func NewMailer(ch notification.Channel, recipient string, timeout time.Duration, logger *logging.Logger) *Mailer {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Mailer{channel: ch, recipient: recipient, timeout: timeout, logger: logger.With(logging.Service(mailerName))}
}

// Handle sends the confirmation. Errors go back to the subscription
// transport.
func (m *Mailer) Handle(ctx context.Context, env *model.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	id, err := env.ImageID()
	if err != nil {
		// Nothing to confirm; the processing path reports the bad key.
		metrics.ProcessedTotal.WithLabelValues(mailerName, metrics.StatusSkipped).Inc()
		return nil
	}

	alert := notification.Alert{
		Recipient: m.recipient,
		Subject:   "Upload received: " + id,
		Body:      fmt.Sprintf("Image %s was uploaded to %s at %s.\n", id, env.Bucket, env.ReceivedAt.UTC().Format(time.RFC3339)),
		ImageID:   id,
		EventType: string(env.EventType),
		Timestamp: time.Now().UTC(),
	}
	if err := m.channel.Send(ctx, alert); err != nil {
		metrics.ProcessedTotal.WithLabelValues(mailerName, metrics.StatusError).Inc()
		return fmt.Errorf("send upload confirmation for %s: %w", id, err)
	}

	metrics.ProcessedTotal.WithLabelValues(mailerName, metrics.StatusOK).Inc()
	m.logger.DebugContext(ctx, "Upload confirmation sent", logging.ImageID(id))
	return nil
}
