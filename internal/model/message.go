package model

import (
	"time"
)

// MessageType is the stored content type of a message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSystem   MessageType = "system"
)

// SenderRole identifies who authored a message.
type SenderRole string

const (
	SenderCustomer SenderRole = "customer"
	SenderAgent    SenderRole = "agent"
	SenderBot      SenderRole = "bot"
	SenderSystem   SenderRole = "system"
)

// Inbound reports whether the sender is the external counterpart.
func (r SenderRole) Inbound() bool {
	return r == SenderCustomer
}

// Message is one entry in a conversation's ledger.
type Message struct {
	// Identity
	ID                string `json:"id"`
	ConversationID    string `json:"conversation_id"`
	TenantID          string `json:"faculdade_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	// Content
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	Sender   SenderRole  `json:"sender"`
	SenderID string      `json:"sender_id,omitempty"`
	MediaURL string      `json:"media_url,omitempty"`
	Read     bool        `json:"read"`

	// Timestamp is the provider-reported send time, CreatedAt the ingestion time.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}
