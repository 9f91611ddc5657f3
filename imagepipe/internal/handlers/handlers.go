// Package handlers provides HTTP request handlers for the imagepipe service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/imagepipe/imagepipe/common/httputil"
	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/common/messaging"
	"github.com/imagepipe/imagepipe/common/middleware"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
	"github.com/imagepipe/imagepipe/imagepipe/internal/queue"
	"github.com/imagepipe/imagepipe/imagepipe/internal/store"
)

// Publisher routes an upstream notification into the pipeline.
type Publisher interface {
	Publish(ctx context.Context, n model.Notification) (int, error)
}

// Handler provides HTTP handlers for the imagepipe service
type Handler struct {
	pub    Publisher
	store  store.Store
	dlq    queue.Queue
	broker messaging.Client
	logger *logging.Logger
}

// NewHandler creates a new Handler instance
func NewHandler(pub Publisher, s store.Store, dlq queue.Queue, broker messaging.Client, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{pub: pub, store: s, dlq: dlq, broker: broker, logger: logger.With(logging.Service("http"))}
}

// PublishResponse reports how many records were routed.
type PublishResponse struct {
	Published int    `json:"published"`
	RequestID string `json:"request_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// PublishNotification handles POST /api/v1/notifications
func (h *Handler) PublishNotification(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := httputil.DecodeJSON(r, &raw); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := model.ParseNotification(raw)
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	published, err := h.pub.Publish(r.Context(), *n)
	resp := PublishResponse{Published: published, RequestID: middleware.GetRequestID(r.Context())}
	switch {
	case errors.Is(err, model.ErrEmptyNotification):
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		// Transport failure: the producer owns the retry.
		h.logger.ErrorContext(r.Context(), "Notification publish failed", logging.Error(err))
		resp.Error = "message transport unavailable"
		httputil.WriteJSON(w, http.StatusServiceUnavailable, resp)
	default:
		httputil.WriteJSON(w, http.StatusAccepted, resp)
	}
}

// GetImage handles GET /api/v1/images/{id}
func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "image id required")
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		httputil.WriteError(w, http.StatusNotFound, "image not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "Store read failed", logging.ImageID(id), logging.Error(err))
		httputil.WriteError(w, http.StatusServiceUnavailable, "metadata store unavailable")
	default:
		httputil.WriteJSON(w, http.StatusOK, rec)
	}
}

// DeadLetterResponse summarizes the dead-letter queue.
type DeadLetterResponse struct {
	Stats   queue.Stats      `json:"stats"`
	Entries []model.Envelope `json:"entries"`
}

// ListDeadLetters handles GET /api/v1/dlq?limit=N
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	stats, err := h.dlq.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	entries, err := h.dlq.List(r.Context(), limit)
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if entries == nil {
		entries = []model.Envelope{}
	}
	httputil.WriteJSON(w, http.StatusOK, DeadLetterResponse{Stats: stats, Entries: entries})
}

// PurgeResponse reports how many dead letters were dropped.
type PurgeResponse struct {
	Purged int `json:"purged"`
}

// PurgeDeadLetters handles DELETE /api/v1/dlq
func (h *Handler) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.dlq.Purge(r.Context())
	if err != nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	h.logger.InfoContext(r.Context(), "Dead-letter queue purged", logging.Queue(h.dlq.Name()), "purged", n)
	httputil.WriteJSON(w, http.StatusOK, PurgeResponse{Purged: n})
}

// HealthResponse is returned by the health endpoints.
type HealthResponse struct {
	Status string                  `json:"status"`
	Broker *messaging.HealthStatus `json:"broker,omitempty"`
	Store  string                  `json:"store,omitempty"`
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// ReadyCheck handles GET /readyz
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ready", Store: "ok"}
	status := http.StatusOK

	broker := messaging.CheckClientHealth(ctx, h.broker)
	resp.Broker = &broker
	if !broker.Healthy() {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
	}
	if err := h.store.Ping(ctx); err != nil {
		resp.Status = "not ready"
		resp.Store = err.Error()
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}
