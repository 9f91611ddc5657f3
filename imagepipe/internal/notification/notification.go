// Package notification delivers operator alerts to an external collaborator.
// Delivery is fire-and-forget: a channel returns once the transport has
// accepted the alert.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
)

// Alert is one outbound message: {recipient, subject, body} plus the
// identifying context of the event it describes.
type Alert struct {
	Recipient string    `json:"recipient,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	ImageID   string    `json:"image_id"`
	EventType string    `json:"event_type"`
	Attempts  int       `json:"attempts,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel defines the interface for alert delivery.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
	Type() string
}

// New builds the channel selected by cfg. The broker channel publishes
// through pub.
func New(cfg config.NotifierConfig, pub messaging.Publisher, timeout time.Duration, logger *logging.Logger) (Channel, error) {
	switch cfg.Channel {
	case "", "log":
		return NewLogChannel(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook channel requires a URL")
		}
		return NewWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret, timeout), nil
	case "nats":
		if pub == nil {
			return nil, fmt.Errorf("nats channel requires a publisher")
		}
		subject := cfg.Subject
		if subject == "" {
			subject = messaging.SubjectAlertsOutbound
		}
		return NewBrokerChannel(pub, subject), nil
	default:
		return nil, fmt.Errorf("unknown notifier channel %q", cfg.Channel)
	}
}

// WebhookChannel sends alerts via HTTP POST. When a secret is configured each
// request carries a short-lived HS256 bearer token.
type WebhookChannel struct {
	URL    string
	signer *Signer
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url, secret string, timeout time.Duration) *WebhookChannel {
	w := &WebhookChannel{
		URL:    url,
		client: &http.Client{Timeout: timeout},
	}
	if secret != "" {
		w.signer = NewSigner(secret, time.Minute)
	}
	return w
}

func (w *WebhookChannel) Type() string {
	return "webhook"
}

func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "imagepipe-notifier/1.0")
	if w.signer != nil {
		token, err := w.signer.Sign(alert)
		if err != nil {
			return fmt.Errorf("sign webhook request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// BrokerChannel publishes alerts to a subject consumed by an external mail
// service.
type BrokerChannel struct {
	pub     messaging.Publisher
	subject string
}

// NewBrokerChannel creates a channel publishing to subject.
func NewBrokerChannel(pub messaging.Publisher, subject string) *BrokerChannel {
	return &BrokerChannel{pub: pub, subject: subject}
}

func (b *BrokerChannel) Type() string {
	return "nats"
}

func (b *BrokerChannel) Send(ctx context.Context, alert Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := b.pub.Publish(ctx, b.subject, data); err != nil {
		return fmt.Errorf("publish alert to %s: %w", b.subject, err)
	}
	return nil
}

// LogChannel writes alerts to the service log.
type LogChannel struct {
	logger *logging.Logger
}

// NewLogChannel creates a log-based notification channel.
func NewLogChannel(logger *logging.Logger) *LogChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogChannel{logger: logger.With(logging.Service("notification"))}
}

func (l *LogChannel) Type() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert Alert) error {
	l.logger.WarnContext(ctx, "ALERT: "+alert.Subject,
		"recipient", alert.Recipient,
		logging.ImageID(alert.ImageID),
		logging.EventType(alert.EventType),
		logging.Attempt(alert.Attempts),
		"reason", alert.Reason,
		"body", alert.Body,
	)
	return nil
}
