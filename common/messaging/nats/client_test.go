package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.URL != nats.DefaultURL {
		t.Errorf("expected URL %q, got %q", nats.DefaultURL, cfg.URL)
	}
	if cfg.MaxReconnects != -1 {
		t.Errorf("expected infinite reconnects, got %d", cfg.MaxReconnects)
	}
	if cfg.Name == "" {
		t.Error("expected a client name")
	}
}

func TestMessageToNats_Headers(t *testing.T) {
	msg := messaging.NewMessage("images.created", []byte("x"), messaging.WithHeader(messaging.HeaderMsgID, "m-1"))
	ctx := middleware.WithRequestID(context.Background(), "req-1")

	natsMsg := messageToNats(ctx, msg)

	if natsMsg.Subject != "images.created" {
		t.Errorf("expected subject images.created, got %q", natsMsg.Subject)
	}
	if got := natsMsg.Header.Get(messaging.HeaderMsgID); got != "m-1" {
		t.Errorf("expected msg id header m-1, got %q", got)
	}
	if got := natsMsg.Header.Get(middleware.RequestIDHeader); got != "req-1" {
		t.Errorf("expected request id from context, got %q", got)
	}
}

func TestMessageToNats_KeepsExplicitRequestID(t *testing.T) {
	msg := messaging.NewMessage("s", nil, messaging.WithHeader(middleware.RequestIDHeader, "explicit"))
	ctx := middleware.WithRequestID(context.Background(), "from-ctx")

	natsMsg := messageToNats(ctx, msg)
	if got := natsMsg.Header.Get(middleware.RequestIDHeader); got != "explicit" {
		t.Errorf("expected explicit request id, got %q", got)
	}
}

func TestMessageToNats_NoHeaders(t *testing.T) {
	natsMsg := messageToNats(context.Background(), &messaging.Message{Subject: "s"})
	if natsMsg.Header != nil {
		t.Errorf("expected nil header, got %v", natsMsg.Header)
	}
}

func TestNatsToMessage(t *testing.T) {
	in := &nats.Msg{
		Subject: "images.removed",
		Data:    []byte("payload"),
		Reply:   "_INBOX.1",
		Header:  nats.Header{},
	}
	in.Header.Set(messaging.HeaderEventType, "Removed")

	out := natsToMessage(in)
	if out.Subject != in.Subject || string(out.Data) != "payload" || out.Reply != in.Reply {
		t.Errorf("unexpected conversion: %+v", out)
	}
	if out.Header(messaging.HeaderEventType) != "Removed" {
		t.Errorf("expected event type header, got %q", out.Header(messaging.HeaderEventType))
	}
}

func TestConsumerName(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"work-queue", "images.created"}, "work-queue-images_created"},
		{[]string{"g", "images.>"}, "g-images_all"},
		{[]string{"a b"}, "a_b"},
	}

	for _, tt := range tests {
		if got := ConsumerName(tt.parts...); got != tt.want {
			t.Errorf("ConsumerName(%v) = %q, want %q", tt.parts, got, tt.want)
		}
	}
}

func TestImageStreams(t *testing.T) {
	dlq := ImageDLQStream(60 * time.Second)
	if dlq.MaxAge.Seconds() != 60 {
		t.Errorf("expected DLQ MaxAge 60s, got %v", dlq.MaxAge)
	}
	if dlq.Duplicates != 0 {
		t.Error("DLQ duplicate window must stay unset so it never exceeds MaxAge")
	}

	events := ImageEventsStream()
	if len(events.Subjects) != 2 {
		t.Errorf("expected 2 event subjects, got %v", events.Subjects)
	}
}
