// Package store defines the persistence capability used by the routing
// services. Implementations live in the sqlite and postgres subpackages.
//
// Every counter mutation (agent workload, unread count) is performed by the
// store as a conditional update inside a transaction; callers never
// read-modify-write those fields.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/inbox-router/internal/model"
)

var (
	// ErrNotFound is returned when a referenced row does not exist for the
	// given tenant.
	ErrNotFound = errors.New("store: not found")
	// ErrAtCapacity is returned when an agent's workload guard rejects an
	// increment.
	ErrAtCapacity = errors.New("store: agent at capacity")
	// ErrConflict is returned when a write's precondition no longer holds.
	ErrConflict = errors.New("store: conflict")
)

// ConversationFilter selects conversations for the search façade.
type ConversationFilter struct {
	TenantID       string
	Query          string
	Sector         string
	AgentID        string
	Status         model.ConversationStatus
	IncludeBlocked bool
	OnlyBlocked    bool
	UnreadOnly     bool
	Tag            string
	Limit          int
	Offset         int
}

// TransferParams describes an ownership change applied by TransferConversation.
type TransferParams struct {
	RecordID       string
	TenantID       string
	ConversationID string
	// ExpectedSector, when non-empty, must equal the stored sector.
	ExpectedSector string
	ToSector       string
	ToAgentID      *string
	Reason         string
	ActorID        string
	At             time.Time
}

// Store is the storage capability handle injected into services.
type Store interface {
	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// FindConversation looks a conversation up by its business key.
	FindConversation(ctx context.Context, tenantID, phone string) (*model.Conversation, error)
	// GetConversation is not tenant scoped; callers check ownership.
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	// UpsertConversation inserts c unless (tenant, phone) exists and returns
	// the stored row; created is true only for the inserting caller.
	UpsertConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error)
	UpdateDisplayName(ctx context.Context, tenantID, id, name string) error
	SearchConversations(ctx context.Context, f ConversationFilter) ([]model.Conversation, int, error)
	// SetConversationStatus closes, reopens or parks a conversation. Closing
	// releases the assigned agent's workload slot.
	SetConversationStatus(ctx context.Context, tenantID, id string, status model.ConversationStatus) (*model.Conversation, error)
	SetTags(ctx context.Context, tenantID, id string, tags []string) (*model.Conversation, error)
	// UpdateNotes applies fn to the embedded note list inside a transaction.
	UpdateNotes(ctx context.Context, tenantID, id string, fn func([]model.Note) ([]model.Note, error)) ([]model.Note, error)
	SetBlocked(ctx context.Context, tenantID, id string, blocked bool, reason string, at time.Time) (*model.Conversation, error)
	MarkUnrouted(ctx context.Context, tenantID, id, reason string) error

	// AppendMessage inserts m and updates the conversation summary in one
	// transaction. A message whose provider id is already stored for the
	// conversation is not inserted; the stored row is returned with
	// inserted=false and counters untouched.
	AppendMessage(ctx context.Context, m *model.Message) (*model.Message, bool, error)
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int, before time.Time) ([]model.Message, error)
	ResetUnread(ctx context.Context, tenantID, conversationID string) error

	SaveAgent(ctx context.Context, a *model.Agent) error
	// GetAgent is not tenant scoped so callers can tell a missing agent from
	// one belonging to another tenant.
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context, tenantID, sector string) ([]model.Agent, error)
	// QueryLeastLoadedAgent returns the active, online agent with spare
	// capacity and the lowest workload, ties broken by id. An empty sector
	// matches every sector. ErrNotFound when nobody qualifies.
	QueryLeastLoadedAgent(ctx context.Context, tenantID, sector string) (*model.Agent, error)
	// AssignAgent moves the conversation to agentID. The new agent's workload
	// is incremented under its capacity guard (ErrAtCapacity), the previous
	// agent is released and unrouted_reason is cleared. changed is false when
	// the conversation already belonged to agentID.
	AssignAgent(ctx context.Context, tenantID, conversationID, agentID string) (*model.Conversation, bool, error)
	// AssignIfUnassigned claims the conversation for agentID only while it
	// has no owner. An owned conversation is returned as stored with changed
	// false and no workload is touched.
	AssignIfUnassigned(ctx context.Context, tenantID, conversationID, agentID string) (*model.Conversation, bool, error)
	// TransferConversation applies p and writes its audit record atomically.
	TransferConversation(ctx context.Context, p TransferParams) (*model.Conversation, *model.TransferRecord, error)
	ListTransfers(ctx context.Context, tenantID, conversationID string) ([]model.TransferRecord, error)
}

// Limit clamps a page size.
func Limit(n, def, maxN int) int {
	if n <= 0 {
		return def
	}
	if n > maxN {
		return maxN
	}
	return n
}
