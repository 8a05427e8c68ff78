package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

// LedgerService appends messages to conversations.
type LedgerService struct {
	store  store.Store
	events EventPublisher
	logger *logger.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(st store.Store, events EventPublisher, log *logger.Logger) *LedgerService {
	if events == nil {
		events = NopPublisher{}
	}
	return &LedgerService{store: st, events: events, logger: log}
}

// AppendInput is one message to record.
type AppendInput struct {
	ProviderMessageID string
	Content           string
	Type              model.MessageType
	Sender            model.SenderRole
	SenderID          string
	MediaURL          string
	Timestamp         time.Time
}

// Append records a message and updates the conversation summary atomically.
// A provider message id already stored for the conversation yields the stored
// message with duplicate=true and leaves every counter untouched.
func (s *LedgerService) Append(ctx context.Context, conv *model.Conversation, in AppendInput) (*model.Message, bool, error) {
	if conv == nil {
		return nil, false, newError(ErrorInvalidInput, "conversation is required", nil)
	}
	if in.Type == "" {
		in.Type = model.MessageText
	}
	if in.Sender == "" {
		in.Sender = model.SenderCustomer
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}

	stored, inserted, err := s.store.AppendMessage(ctx, &model.Message{
		ID:                uuid.Must(uuid.NewV7()).String(),
		ConversationID:    conv.ID,
		TenantID:          conv.TenantID,
		ProviderMessageID: strings.TrimSpace(in.ProviderMessageID),
		Content:           in.Content,
		Type:              in.Type,
		Sender:            in.Sender,
		SenderID:          in.SenderID,
		MediaURL:          in.MediaURL,
		Read:              !in.Sender.Inbound(),
		Timestamp:         in.Timestamp.UTC(),
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		return nil, false, fromStore("append message", err)
	}

	metrics.RecordMessage(conv.TenantID, string(in.Sender), !inserted)
	if !inserted {
		s.logger.Debug("duplicate message ignored",
			logger.Tenant(conv.TenantID), logger.Conversation(conv.ID))
		return stored, true, nil
	}

	publish(ctx, s.events, s.logger, newEvent(conv, model.EventMessageAppended, "", map[string]any{
		"message_id": stored.ID,
		"sender":     stored.Sender,
		"type":       stored.Type,
	}))
	return stored, false, nil
}

// AppendSystem records a synthetic system message. Failure is logged and
// returned as a result, never as an error.
func (s *LedgerService) AppendSystem(ctx context.Context, conv *model.Conversation, text string) BestEffort {
	_, _, err := s.Append(ctx, conv, AppendInput{
		Content: text,
		Type:    model.MessageSystem,
		Sender:  model.SenderSystem,
	})
	return bestEffort(s.logger, "append_system_message", err,
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID))
}

// List returns up to limit messages older than before, oldest first.
func (s *LedgerService) List(ctx context.Context, tenantID, conversationID string, limit int, before time.Time) ([]model.Message, error) {
	if _, err := ownedConversation(ctx, s.store, tenantID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, tenantID, conversationID, store.Limit(limit, 50, 500), before)
	if err != nil {
		return nil, fromStore("list messages", err)
	}
	return msgs, nil
}

// OutboundInput is an agent-authored message. Delivery to the provider is
// handled elsewhere; this only records it.
type OutboundInput struct {
	Content  string
	Type     model.MessageType
	MediaURL string
	AgentID  string
}

// SendOutbound records an agent message on a tenant's conversation.
func (s *LedgerService) SendOutbound(ctx context.Context, tenantID, conversationID string, in OutboundInput) (*model.Message, error) {
	if strings.TrimSpace(in.Content) == "" && in.MediaURL == "" {
		return nil, newError(ErrorInvalidInput, "content or media is required", nil)
	}
	conv, err := ownedConversation(ctx, s.store, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Blocked {
		return nil, newError(ErrorConflict, "conversation is blocked", nil)
	}
	msg, _, err := s.Append(ctx, conv, AppendInput{
		Content:  in.Content,
		Type:     in.Type,
		Sender:   model.SenderAgent,
		SenderID: in.AgentID,
		MediaURL: in.MediaURL,
	})
	return msg, err
}
