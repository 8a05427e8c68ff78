package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventConversationCreated     EventType = "conversation.created"
	EventMessageAppended         EventType = "message.appended"
	EventConversationAssigned    EventType = "conversation.assigned"
	EventConversationUnrouted    EventType = "conversation.unrouted"
	EventConversationTransferred EventType = "conversation.transferred"
	EventConversationBlocked     EventType = "conversation.blocked"
	EventConversationUnblocked   EventType = "conversation.unblocked"
	EventConversationStatus      EventType = "conversation.status"
)

// ConversationEvent is published for read-side consumers after a state change.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	TenantID       string         `json:"faculdade_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}
