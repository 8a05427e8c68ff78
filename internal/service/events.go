package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

// EventPublisher delivers state-change events to read-side consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.ConversationEvent) error
}

// NopPublisher drops every event. Used when no stream is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *model.ConversationEvent) error { return nil }

// BestEffort is the outcome of a side effect that must not fail its caller.
type BestEffort struct {
	Operation string `json:"operation"`
	Err       error  `json:"-"`
}

// OK reports whether the side effect succeeded.
func (b BestEffort) OK() bool { return b.Err == nil }

// bestEffort logs and counts a failed side effect and returns its result.
func bestEffort(log *logger.Logger, operation string, err error, fields ...zap.Field) BestEffort {
	if err != nil {
		metrics.RecordSideEffectFailure(operation)
		log.Warn("side effect failed", append(fields, zap.String("operation", operation), zap.Error(err))...)
	}
	return BestEffort{Operation: operation, Err: err}
}

func newEvent(c *model.Conversation, typ model.EventType, reason string, metadata map[string]any) *model.ConversationEvent {
	return &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: c.ID,
		TenantID:       c.TenantID,
		Type:           typ,
		Reason:         reason,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
}

func publish(ctx context.Context, pub EventPublisher, log *logger.Logger, event *model.ConversationEvent) BestEffort {
	if pub == nil {
		return BestEffort{Operation: "publish_event"}
	}
	return bestEffort(log, "publish_event", pub.Publish(ctx, event),
		logger.Tenant(event.TenantID), logger.Conversation(event.ConversationID),
		zap.String("event_type", string(event.Type)))
}

// ownedConversation loads a conversation and enforces tenant ownership.
func ownedConversation(ctx context.Context, st store.Store, tenantID, id string) (*model.Conversation, error) {
	if tenantID == "" || id == "" {
		return nil, newError(ErrorInvalidInput, "tenant and conversation id are required", nil)
	}
	c, err := st.GetConversation(ctx, id)
	if err != nil {
		return nil, fromStore("get conversation", err)
	}
	if c.TenantID != tenantID {
		return nil, newError(ErrorForbidden, "conversation belongs to another tenant", nil)
	}
	return c, nil
}
