// Package handler provides HTTP handlers for the API.
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/inbox-router/internal/middleware"
	"github.com/capitalize-ai/inbox-router/internal/model"
	natsclient "github.com/capitalize-ai/inbox-router/internal/nats"
	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

// EventReader replays a conversation's events from the stream.
type EventReader interface {
	Events(ctx context.Context, tenantID, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, error)
}

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	conversations *service.ConversationService
	ledger        *service.LedgerService
	transfer      *service.TransferService
	events        EventReader
	logger        *logger.Logger
}

// NewConversationHandler creates a new conversation handler. events may be
// nil when the stream is disabled.
func NewConversationHandler(
	conversations *service.ConversationService,
	ledger *service.LedgerService,
	transfer *service.TransferService,
	events EventReader,
	log *logger.Logger,
) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		ledger:        ledger,
		transfer:      transfer,
		events:        events,
		logger:        log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, total, err := h.conversations.Search(r.Context(), store.ConversationFilter{
		TenantID:       middleware.GetTenantID(r.Context()),
		Query:          q.Get("q"),
		Sector:         q.Get("setor"),
		AgentID:        q.Get("atendente_id"),
		Status:         model.ConversationStatus(q.Get("status")),
		IncludeBlocked: queryBool(r, "include_blocked"),
		OnlyBlocked:    queryBool(r, "bloqueado"),
		UnreadOnly:     queryBool(r, "unread"),
		Tag:            q.Get("tag"),
		Limit:          queryInt(r, "limit", 50),
		Offset:         queryInt(r, "offset", 0),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": items,
		"total":         total,
	})
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversations.Get(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// Messages handles GET /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Messages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "before must be RFC3339")
			return
		}
		before = t
	}

	msgs, err := h.ledger.List(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"),
		queryInt(r, "limit", 50), before)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendMessageRequest struct {
	Content  string            `json:"content"`
	Type     model.MessageType `json:"type"`
	MediaURL string            `json:"media_url"`
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *ConversationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MediaURL == "" {
		if err := middleware.ValidateMessageContent(req.Content); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Type == model.MessageSystem {
		writeError(w, http.StatusBadRequest, "system messages cannot be sent")
		return
	}

	msg, err := h.ledger.SendOutbound(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"), service.OutboundInput{
		Content:  req.Content,
		Type:     req.Type,
		MediaURL: req.MediaURL,
		AgentID:  middleware.GetUserID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := h.conversations.MarkRead(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetStatus handles PUT /api/v1/conversations/{id}/status
func (h *ConversationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.ConversationStatus `json:"status"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := h.conversations.SetStatus(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// SetTags handles PUT /api/v1/conversations/{id}/tags
func (h *ConversationHandler) SetTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	conv, err := h.conversations.SetTags(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"), req.Tags)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type noteRequest struct {
	Text       string `json:"text"`
	AuthorName string `json:"author_name"`
}

// AddNote handles POST /api/v1/conversations/{id}/notes
func (h *ConversationHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateReason(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	note, err := h.conversations.AddNote(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"), service.NoteInput{
		AuthorID:   middleware.GetUserID(r.Context()),
		AuthorName: req.AuthorName,
		Text:       req.Text,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// EditNote handles PUT /api/v1/conversations/{id}/notes/{noteID}
func (h *ConversationHandler) EditNote(w http.ResponseWriter, r *http.Request) {
	var req noteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateReason(req.Text); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	note, err := h.conversations.EditNote(r.Context(), middleware.GetTenantID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "noteID"), req.Text)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/v1/conversations/{id}/notes/{noteID}
func (h *ConversationHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	err := h.conversations.DeleteNote(r.Context(), middleware.GetTenantID(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "noteID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Transfers handles GET /api/v1/conversations/{id}/transfers
func (h *ConversationHandler) Transfers(w http.ResponseWriter, r *http.Request) {
	records, err := h.transfer.History(r.Context(), middleware.GetTenantID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transfers": records})
}

// Events handles GET /api/v1/conversations/{id}/events
func (h *ConversationHandler) Events(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	conv, err := h.conversations.Get(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}

	after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit := queryInt(r, "limit", 100)
	if limit == 0 || limit > 500 {
		limit = 100
	}
	events, last, err := h.events.Events(r.Context(), tenantID, conv.ID, after, limit)
	if errors.Is(err, natsclient.ErrStreamDisabled) {
		writeError(w, http.StatusServiceUnavailable, "event stream disabled")
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []model.ConversationEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":        events,
		"last_sequence": last,
	})
}
