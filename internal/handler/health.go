package handler

import (
	"context"
	"net/http"
	"time"

	natsclient "github.com/capitalize-ai/inbox-router/internal/nats"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	store      Pinger
	natsClient *natsclient.Client
	streams    *natsclient.StreamManager
}

// NewHealthHandler creates a new health handler. natsClient and streams are
// nil when the event stream is disabled.
func NewHealthHandler(store Pinger, natsClient *natsclient.Client, streams *natsclient.StreamManager) *HealthHandler {
	return &HealthHandler{
		store:      store,
		natsClient: natsClient,
		streams:    streams,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "store unreachable",
		})
		return
	}

	events := "disabled"
	if h.natsClient != nil {
		if !h.natsClient.IsConnected() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": "NATS not connected",
			})
			return
		}
		events = "connected"
		if h.streams != nil {
			if msgs, bytes, err := h.streams.StreamState(ctx); err == nil {
				metrics.RecordStream(natsclient.StreamName, msgs, bytes)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"events": events,
	})
}
