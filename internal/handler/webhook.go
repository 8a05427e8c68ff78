package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/provider"
	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

// WebhookHandler receives provider callbacks.
type WebhookHandler struct {
	ingest             *service.IngestService
	verifyToken        string
	failOnStorageError bool
	logger             *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(ingest *service.IngestService, verifyToken string, failOnStorageError bool, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingest:             ingest,
		verifyToken:        verifyToken,
		failOnStorageError: failOnStorageError,
		logger:             log,
	}
}

type webhookResponse struct {
	Status         string          `json:"status"`
	Outcome        service.Outcome `json:"outcome"`
	Reason         string          `json:"reason,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	AgentID        string          `json:"atendente_id,omitempty"`
}

// Receive handles POST /webhooks/{provider} and /webhooks/{provider}/{tenantID}.
// Deliveries are acknowledged even when unusable so providers do not retry
// them forever.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	hint, ok := providerHint(chi.URLParam(r, "provider"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	log := logger.FromContext(r.Context(), h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordWebhook(string(hint), "too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	res, err := h.ingest.Ingest(r.Context(), service.IngestRequest{TenantID: tenantID, Hint: hint, Body: body})
	if res == nil {
		res = &service.IngestResult{Outcome: service.OutcomeStorageError}
	}
	label := string(res.Provider)
	if label == "" {
		label = "unknown"
	}
	metrics.RecordWebhook(label, string(res.Outcome))

	resp := webhookResponse{
		Status:         "ok",
		Outcome:        res.Outcome,
		Reason:         res.Reason,
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
	}
	if res.Assignment != nil {
		resp.AgentID = res.Assignment.AgentID
	} else if res.Unrouted != "" {
		resp.Reason = res.Unrouted
	}

	if err != nil {
		log.Error("webhook ingestion failed",
			logger.Tenant(tenantID), logger.Provider(label), zap.Error(err))
		resp.Reason = "storage unavailable"
		if h.failOnStorageError {
			resp.Status = "error"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Verify handles the Cloud API subscription handshake on GET.
func (h *WebhookHandler) Verify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if h.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != h.verifyToken {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// providerHint maps the URL segment to a parser; "auto" means detection.
func providerHint(segment string) (provider.Kind, bool) {
	if strings.EqualFold(segment, "auto") {
		return "", true
	}
	return provider.ParseKind(segment)
}
