package handler

import (
	"net/http"

	"github.com/capitalize-ai/inbox-router/internal/middleware"
	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

// RoutingHandler exposes the assignment trigger API used by the CRM.
type RoutingHandler struct {
	assignment *service.AssignmentService
	transfer   *service.TransferService
	logger     *logger.Logger
}

// NewRoutingHandler creates a new routing handler.
func NewRoutingHandler(assignment *service.AssignmentService, transfer *service.TransferService, log *logger.Logger) *RoutingHandler {
	return &RoutingHandler{
		assignment: assignment,
		transfer:   transfer,
		logger:     log,
	}
}

type assignRequest struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"faculdade_id"`
	Sector         string `json:"setor"`
	AgentID        string `json:"atendente_id"`
}

type transferRequest struct {
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"faculdade_id"`
	FromSector     string `json:"setor_origem"`
	ToSector       string `json:"setor_destino"`
	ToAgentID      string `json:"atendente_destino"`
	Reason         string `json:"motivo"`
}

type blockRequest struct {
	ConversaoID    string `json:"conversao_id"`
	ConversationID string `json:"conversation_id"`
	TenantID       string `json:"faculdade_id"`
	Reason         string `json:"motivo"`
}

func (b blockRequest) conversation() string {
	if b.ConversaoID != "" {
		return b.ConversaoID
	}
	return b.ConversationID
}

// tenantMatches enforces that the body tenant is the token's tenant.
func tenantMatches(w http.ResponseWriter, r *http.Request, bodyTenant string) bool {
	if err := middleware.ValidateTenantID(bodyTenant); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if bodyTenant != middleware.GetTenantID(r.Context()) {
		writeError(w, http.StatusForbidden, "tenant mismatch")
		return false
	}
	return true
}

// Assign handles POST /api/v1/routing/assign
func (h *RoutingHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !tenantMatches(w, r, req.TenantID) {
		return
	}
	if err := middleware.ValidateID("conversation_id", req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateSector(req.Sector); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.assignment.Assign(r.Context(), service.AssignRequest{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		Sector:         req.Sector,
		AgentID:        req.AgentID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"atendente_id": res.AgentID,
		"tier":         res.Tier,
		"changed":      res.Changed,
		"conversation": res.Conversation,
	})
}

// Transfer handles POST /api/v1/routing/transferir
func (h *RoutingHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !tenantMatches(w, r, req.TenantID) {
		return
	}
	if err := middleware.ValidateID("conversation_id", req.ConversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, s := range []string{req.FromSector, req.ToSector} {
		if err := middleware.ValidateSector(s); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := middleware.ValidateReason(req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.transfer.Transfer(r.Context(), service.TransferRequest{
		TenantID:       req.TenantID,
		ConversationID: req.ConversationID,
		FromSector:     req.FromSector,
		ToSector:       req.ToSector,
		ToAgentID:      req.ToAgentID,
		Reason:         req.Reason,
		ActorID:        middleware.GetUserID(r.Context()),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"conversation":   res.Conversation,
		"transfer":       res.Record,
		"system_message": res.SystemMessage.OK(),
	})
}

// Block handles POST /api/v1/routing/bloquear
func (h *RoutingHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, true)
}

// Unblock handles POST /api/v1/routing/desbloquear
func (h *RoutingHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.setBlocked(w, r, false)
}

func (h *RoutingHandler) setBlocked(w http.ResponseWriter, r *http.Request, blocked bool) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !tenantMatches(w, r, req.TenantID) {
		return
	}
	if err := middleware.ValidateID("conversao_id", req.conversation()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateReason(req.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	actor := middleware.GetUserID(r.Context())
	var (
		res *service.BlockResult
		err error
	)
	if blocked {
		res, err = h.transfer.Block(r.Context(), req.TenantID, req.conversation(), req.Reason, actor)
	} else {
		res, err = h.transfer.Unblock(r.Context(), req.TenantID, req.conversation(), actor)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"conversation":   res.Conversation,
		"system_message": res.SystemMessage.OK(),
	})
}

// Agents handles GET /api/v1/routing/agents
func (h *RoutingHandler) Agents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.assignment.Agents(r.Context(), middleware.GetTenantID(r.Context()), r.URL.Query().Get("setor"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}
