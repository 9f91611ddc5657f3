package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging/memory"
	"github.com/imagepipe/imagepipe/common/middleware"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/handlers"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

type recordingPublisher struct {
	got []model.Notification
	err error
}

func (p *recordingPublisher) Publish(_ context.Context, n model.Notification) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	p.got = append(p.got, n)
	return len(n.Records), nil
}

type fixture struct {
	pub    *recordingPublisher
	store  *store.MemoryStore
	dlq    *queue.MemoryQueue
	broker *memory.Broker
	router http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		pub:    &recordingPublisher{},
		store:  store.NewMemoryStore(),
		dlq:    queue.NewMemoryQueue(queue.MemoryConfig{Name: "dlq", Retention: time.Minute}),
		broker: memory.NewBroker(logging.Discard()),
	}
	t.Cleanup(func() { _ = f.broker.Close() })
	f.router = NewRouter(handlers.NewHandler(f.pub, f.store, f.dlq, f.broker, logging.Discard()))
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestPublishNotification(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCount  int
	}{
		{
			name:       "s3 event format",
			body:       `{"Records":[{"eventName":"s3:ObjectCreated:Put","s3":{"bucket":{"name":"uploads"},"object":{"key":"cat.jpg"}}}]}`,
			wantStatus: http.StatusAccepted,
			wantCount:  1,
		},
		{
			name:       "flat producer payload",
			body:       `{"bucket":"uploads","key":"a+b%20c","eventName":"ObjectRemoved:Delete"}`,
			wantStatus: http.StatusAccepted,
			wantCount:  1,
		},
		{
			name:       "invalid json",
			body:       `{"Records":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty payload",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodPost, "/api/v1/notifications", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))
			if tt.wantStatus == http.StatusAccepted {
				var resp handlers.PublishResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCount, resp.Published)
				assert.Equal(t, w.Header().Get(middleware.RequestIDHeader), resp.RequestID)
				require.Len(t, f.pub.got, 1)
			}
		})
	}
}

func TestPublishNotification_TransportFailure(t *testing.T) {
	f := newFixture(t)
	f.pub.err = errors.New("nats: no servers available")

	w := f.do(http.MethodPost, "/api/v1/notifications", `{"bucket":"b","key":"cat.jpg","eventName":"ObjectCreated:Put"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "transport unavailable")
}

func TestPublishNotification_MethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/v1/notifications", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestGetImage(t *testing.T) {
	f := newFixture(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.store.Put(context.Background(), model.NewRecord("albums/cat.jpg", created)))

	w := f.do(http.MethodGet, "/api/v1/images/albums/cat.jpg", "")
	require.Equal(t, http.StatusOK, w.Code)

	var rec model.ImageRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.Equal(t, "albums/cat.jpg", rec.ID)
	assert.Equal(t, model.StatusCreated, rec.Status)
	assert.True(t, created.Equal(rec.CreatedAt))

	w = f.do(http.MethodGet, "/api/v1/images/missing.jpg", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, key := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		env := model.Envelope{ID: key, EventType: model.EventCreated, SourceID: key}
		require.NoError(t, f.dlq.Enqueue(ctx, env.DeadLettered(model.ReasonMaxReceiveExceeded, errors.New("boom"), 1, "work", time.Now())))
	}

	w := f.do(http.MethodGet, "/api/v1/dlq?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp handlers.DeadLetterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Stats.Visible)
	require.Len(t, resp.Entries, 2)
	require.NotNil(t, resp.Entries[0].Failure)
	assert.Equal(t, "boom", resp.Entries[0].Failure.Error)

	w = f.do(http.MethodGet, "/api/v1/dlq?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodDelete, "/api/v1/dlq", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"purged":3}`, w.Body.String())

	stats, err := f.dlq.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Visible)
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ready"`)

	require.NoError(t, f.broker.Close())
	w = f.do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	_ = f.do(http.MethodPost, "/api/v1/notifications", `{"bucket":"b","key":"x","eventName":"ObjectCreated:Put"}`)

	w := f.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNew(t *testing.T) {
	srv := New(config.ServerConfig{Port: 8090, ReadTimeout: time.Second}, http.NotFoundHandler())
	assert.Equal(t, ":8090", srv.Addr)
	assert.Equal(t, time.Second, srv.ReadTimeout)
}

func TestNew_CORS(t *testing.T) {
	f := newFixture(t)
	srv := New(config.ServerConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"*.example.com"}}}, f.router)

	r := httptest.NewRequest(http.MethodOptions, "/api/v1/dlq", nil)
	r.Header.Set("Origin", "https://ops.example.com")
	r.Header.Set("Access-Control-Request-Method", http.MethodDelete)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
}

func TestRequestIDPropagation(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/notifications",
		bytes.NewBufferString(`{"bucket":"b","key":"x","eventName":"ObjectCreated:Put"}`))
	r.Header.Set(middleware.RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)

	assert.Equal(t, "req-42", w.Header().Get(middleware.RequestIDHeader))
	assert.Contains(t, w.Body.String(), `"request_id":"req-42"`)
}
