package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/messaging/memory"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
)

func testAlert() Alert {
	return Alert{
		Recipient: "ops@example.com",
		Subject:   "Image processing failed: bad.jpg",
		Body:      "bad.jpg failed after 1 attempt",
		ImageID:   "bad.jpg",
		EventType: "Created",
		Attempts:  1,
		Reason:    "max_receive_count_exceeded",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestWebhookChannel_PayloadStructure(t *testing.T) {
	var received Alert
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, "", 5*time.Second)
	require.NoError(t, ch.Send(context.Background(), testAlert()))

	assert.Equal(t, "webhook", ch.Type())
	assert.Equal(t, testAlert(), received)
}

func TestWebhookChannel_SignsRequests(t *testing.T) {
	signer := NewSigner("s3cret", time.Minute)

	var claims *Claims
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "Bearer "))

		var err error
		claims, err = signer.Verify(strings.TrimPrefix(auth, "Bearer "))
		assert.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel(server.URL, "s3cret", 5*time.Second)
	require.NoError(t, ch.Send(context.Background(), testAlert()))

	require.NotNil(t, claims)
	assert.Equal(t, "bad.jpg", claims.ImageID)
	assert.Equal(t, "Created", claims.EventType)
}

func TestWebhookChannel_ErrorHandling(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"bad request", http.StatusBadRequest},
		{"server error", http.StatusInternalServerError},
		{"unavailable", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewWebhookChannel(server.URL, "", time.Second).Send(context.Background(), testAlert())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "status")
		})
	}
}

func TestWebhookChannel_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	err := NewWebhookChannel(server.URL, "", 50*time.Millisecond).Send(context.Background(), testAlert())
	assert.Error(t, err)
}

func TestBrokerChannel_PublishesAlert(t *testing.T) {
	b := memory.NewBroker(logging.Discard())
	defer b.Close()

	got := make(chan *messaging.Message, 1)
	_, err := b.Subscribe(messaging.SubjectAlertsOutbound, func(_ context.Context, msg *messaging.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	ch := NewBrokerChannel(b, messaging.SubjectAlertsOutbound)
	require.NoError(t, ch.Send(context.Background(), testAlert()))
	assert.Equal(t, "nats", ch.Type())

	select {
	case msg := <-got:
		var a Alert
		require.NoError(t, json.Unmarshal(msg.Data, &a))
		assert.Equal(t, "bad.jpg", a.ImageID)
		assert.Equal(t, "ops@example.com", a.Recipient)
	case <-time.After(2 * time.Second):
		t.Fatal("alert not published")
	}
}

func TestLogChannel(t *testing.T) {
	var buf strings.Builder
	ch := NewLogChannel(logging.NewWithWriter(&buf, logging.ParseLevel("info"), "json"))

	require.NoError(t, ch.Send(context.Background(), testAlert()))
	assert.Equal(t, "log", ch.Type())
	assert.Contains(t, buf.String(), "Image processing failed: bad.jpg")
	assert.Contains(t, buf.String(), `"image_id":"bad.jpg"`)
}

func TestNew(t *testing.T) {
	b := memory.NewBroker(logging.Discard())
	defer b.Close()

	tests := []struct {
		name     string
		cfg      config.NotifierConfig
		pub      messaging.Publisher
		wantType string
		wantErr  bool
	}{
		{"default is log", config.NotifierConfig{}, nil, "log", false},
		{"log", config.NotifierConfig{Channel: "log"}, nil, "log", false},
		{"webhook", config.NotifierConfig{Channel: "webhook", WebhookURL: "http://hooks.local"}, nil, "webhook", false},
		{"webhook without url", config.NotifierConfig{Channel: "webhook"}, nil, "", true},
		{"nats", config.NotifierConfig{Channel: "nats"}, b, "nats", false},
		{"nats without publisher", config.NotifierConfig{Channel: "nats"}, nil, "", true},
		{"unknown", config.NotifierConfig{Channel: "pigeon"}, nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch, err := New(tt.cfg, tt.pub, time.Second, logging.Discard())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ch.Type())
		})
	}
}
