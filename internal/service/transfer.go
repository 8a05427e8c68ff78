package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
	"github.com/capitalize-ai/inbox-router/pkg/tracing"
)

// TransferRequest moves a conversation to another sector and/or agent.
type TransferRequest struct {
	TenantID       string
	ConversationID string
	// FromSector, when set, must match the current sector.
	FromSector string
	ToSector   string
	ToAgentID  string
	Reason     string
	ActorID    string
}

// TransferResult is a committed transfer. SystemMessage reports the
// best-effort audit message.
type TransferResult struct {
	Conversation  *model.Conversation   `json:"conversation"`
	Record        *model.TransferRecord `json:"transfer"`
	SystemMessage BestEffort            `json:"-"`
}

// BlockResult is a committed block or unblock.
type BlockResult struct {
	Conversation  *model.Conversation `json:"conversation"`
	SystemMessage BestEffort          `json:"-"`
}

// TransferService owns sector/agent transitions and the blocked flag.
type TransferService struct {
	store      store.Store
	ledger     *LedgerService
	assignment *AssignmentService
	events     EventPublisher
	logger     *logger.Logger
}

// NewTransferService creates a new transfer service.
func NewTransferService(st store.Store, ledger *LedgerService, assignment *AssignmentService, events EventPublisher, log *logger.Logger) *TransferService {
	if events == nil {
		events = NopPublisher{}
	}
	return &TransferService{store: st, ledger: ledger, assignment: assignment, events: events, logger: log}
}

// Transfer applies the ownership change and its audit record atomically,
// then appends a system message.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	ctx, span := tracing.Start(ctx, "transfer.transfer",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("conversation_id", req.ConversationID))
	defer func() { tracing.End(span, err) }()

	req.ToSector = strings.TrimSpace(req.ToSector)
	req.ToAgentID = strings.TrimSpace(req.ToAgentID)
	if req.ToSector == "" && req.ToAgentID == "" {
		return nil, newError(ErrorInvalidInput, "destination sector or agent is required", nil)
	}

	conv, err := ownedConversation(ctx, s.store, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.FromSector != "" && req.FromSector != conv.Sector {
		return nil, newError(ErrorConflict,
			fmt.Sprintf("conversation is in sector %q, not %q", conv.Sector, req.FromSector), nil)
	}

	toSector := req.ToSector
	var toAgent *string
	if req.ToAgentID != "" {
		var agent *model.Agent
		if conv.AssignedTo(req.ToAgentID) {
			// Keeping the current owner takes no new slot.
			agent, err = s.assignment.lookupAgent(ctx, req.TenantID, req.ToAgentID)
		} else {
			agent, err = s.assignment.validateAgent(ctx, req.TenantID, req.ToAgentID)
		}
		if err != nil {
			return nil, err
		}
		if toSector == "" {
			toSector = agent.Sector
		}
		toAgent = &agent.ID
	}
	if toSector == "" {
		toSector = conv.Sector
	}
	if toSector == conv.Sector && model.SameAgent(conv.AgentID, toAgent) {
		return nil, newError(ErrorInvalidInput, "transfer changes neither sector nor agent", nil)
	}

	updated, record, err := s.store.TransferConversation(ctx, store.TransferParams{
		RecordID:       uuid.Must(uuid.NewV7()).String(),
		TenantID:       req.TenantID,
		ConversationID: conv.ID,
		ExpectedSector: conv.Sector,
		ToSector:       toSector,
		ToAgentID:      toAgent,
		Reason:         strings.TrimSpace(req.Reason),
		ActorID:        req.ActorID,
		At:             time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrAtCapacity) {
			return nil, claimError(err)
		}
		return nil, fromStore("transfer conversation", err)
	}

	metrics.TransfersTotal.WithLabelValues(req.TenantID).Inc()
	s.logger.Info("conversation transferred",
		logger.Tenant(req.TenantID), logger.Conversation(conv.ID),
		zap.String("from_sector", record.FromSector), zap.String("to_sector", record.ToSector),
		zap.Stringp("to_agent", record.ToAgentID))

	publish(ctx, s.events, s.logger, newEvent(updated, model.EventConversationTransferred, record.Reason, map[string]any{
		"transfer_id":   record.ID,
		"setor_origem":  record.FromSector,
		"setor_destino": record.ToSector,
	}))

	return &TransferResult{
		Conversation:  updated,
		Record:        record,
		SystemMessage: s.ledger.AppendSystem(ctx, updated, transferText(record)),
	}, nil
}

func transferText(r *model.TransferRecord) string {
	text := fmt.Sprintf("Conversa transferida de %s para %s", r.FromSector, r.ToSector)
	if r.FromSector == r.ToSector {
		text = "Conversa transferida dentro do setor " + r.ToSector
	}
	if r.Reason != "" {
		text += ". Motivo: " + r.Reason
	}
	return text
}

// Block sets the blocked flag. Ownership and sector are untouched; blocking
// an already blocked conversation refreshes the reason.
func (s *TransferService) Block(ctx context.Context, tenantID, conversationID, reason, actorID string) (*BlockResult, error) {
	return s.setBlocked(ctx, tenantID, conversationID, true, strings.TrimSpace(reason), actorID)
}

// Unblock clears the blocked flag and its reason and timestamp.
func (s *TransferService) Unblock(ctx context.Context, tenantID, conversationID, actorID string) (*BlockResult, error) {
	return s.setBlocked(ctx, tenantID, conversationID, false, "", actorID)
}

func (s *TransferService) setBlocked(ctx context.Context, tenantID, conversationID string, blocked bool, reason, actorID string) (*BlockResult, error) {
	if _, err := ownedConversation(ctx, s.store, tenantID, conversationID); err != nil {
		return nil, err
	}
	conv, err := s.store.SetBlocked(ctx, tenantID, conversationID, blocked, reason, time.Now().UTC())
	if err != nil {
		return nil, fromStore("set blocked", err)
	}

	action, eventType, text := "unblock", model.EventConversationUnblocked, "Conversa desbloqueada"
	if blocked {
		action, eventType, text = "block", model.EventConversationBlocked, "Conversa bloqueada"
		if reason != "" {
			text += ". Motivo: " + reason
		}
	}
	metrics.BlocksTotal.WithLabelValues(action).Inc()
	s.logger.Info("conversation "+action+"ed",
		logger.Tenant(tenantID), logger.Conversation(conversationID),
		zap.String("reason", reason), zap.String("actor_id", actorID))
	publish(ctx, s.events, s.logger, newEvent(conv, eventType, reason, map[string]any{"actor_id": actorID}))

	return &BlockResult{
		Conversation:  conv,
		SystemMessage: s.ledger.AppendSystem(ctx, conv, text),
	}, nil
}

// History returns the transfer audit trail, oldest first.
func (s *TransferService) History(ctx context.Context, tenantID, conversationID string) ([]model.TransferRecord, error) {
	if _, err := ownedConversation(ctx, s.store, tenantID, conversationID); err != nil {
		return nil, err
	}
	records, err := s.store.ListTransfers(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fromStore("list transfers", err)
	}
	if records == nil {
		records = []model.TransferRecord{}
	}
	return records, nil
}
