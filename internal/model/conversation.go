// Package model defines data structures for the conversation routing engine.
package model

import (
	"time"
	"unicode/utf8"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusActive  ConversationStatus = "active"
	StatusPending ConversationStatus = "pending"
	StatusClosed  ConversationStatus = "closed"
)

// Valid reports whether s is a known lifecycle status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusActive, StatusPending, StatusClosed:
		return true
	}
	return false
}

// Conversation is the canonical thread with one counterpart phone number,
// unique per (tenant, phone number).
type Conversation struct {
	ID       string `json:"id"`
	TenantID string `json:"faculdade_id"`
	Phone    string `json:"phone_number"`

	DisplayName        string             `json:"display_name"`
	LastMessagePreview string             `json:"last_message_preview"`
	LastMessageAt      *time.Time         `json:"last_message_at,omitempty"`
	UnreadCount        int                `json:"unread_count"`
	Status             ConversationStatus `json:"status"`

	// Blocking is orthogonal to ownership.
	Blocked     bool       `json:"bloqueado"`
	BlockReason string     `json:"motivo_bloqueio,omitempty"`
	BlockedAt   *time.Time `json:"data_bloqueio,omitempty"`

	Sector         string  `json:"setor"`
	AgentID        *string `json:"atendente_id"`
	UnroutedReason string  `json:"unrouted_reason,omitempty"`

	Tags  []string `json:"tags"`
	Notes []Note   `json:"notes"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assigned reports whether an agent currently owns the conversation.
func (c *Conversation) Assigned() bool {
	return c.AgentID != nil && *c.AgentID != ""
}

// AssignedTo reports whether agentID currently owns the conversation.
func (c *Conversation) AssignedTo(agentID string) bool {
	return c.Assigned() && *c.AgentID == agentID
}

// Note is an internal annotation embedded in a conversation.
type Note struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"author_id"`
	AuthorName string     `json:"author_name"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"created_at"`
	EditedAt   *time.Time `json:"edited_at,omitempty"`
}

// TransferRecord is the write-once audit entry of an ownership change.
type TransferRecord struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"faculdade_id"`
	ConversationID string    `json:"conversation_id"`
	FromSector     string    `json:"setor_origem"`
	ToSector       string    `json:"setor_destino"`
	FromAgentID    *string   `json:"atendente_origem,omitempty"`
	ToAgentID      *string   `json:"atendente_destino,omitempty"`
	Reason         string    `json:"motivo,omitempty"`
	ActorID        string    `json:"actor_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// PreviewLength is the maximum number of runes kept in a last-message preview.
const PreviewLength = 160

// Preview truncates content to PreviewLength runes.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= PreviewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:PreviewLength-1]) + "…"
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// SameAgent compares two optional agent ids.
func SameAgent(a, b *string) bool {
	if a == nil || *a == "" {
		return b == nil || *b == ""
	}
	return b != nil && *a == *b
}
