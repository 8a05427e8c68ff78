package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
)

// newTestStore connects to TEST_DATABASE_URL and isolates the test by tenant.
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s, "test-" + uuid.NewString()
}

func TestLedgerAndAssignment(t *testing.T) {
	ctx := context.Background()
	s, tenant := newTestStore(t)

	c, created, err := s.UpsertConversation(ctx, &model.Conversation{
		ID: uuid.NewString(), TenantID: tenant, Phone: "5511999990000", Sector: "Geral",
	})
	require.NoError(t, err)
	require.True(t, created)

	msg := &model.Message{
		ID: uuid.NewString(), ConversationID: c.ID, TenantID: tenant, ProviderMessageID: "p1",
		Content: "Oi", Type: model.MessageText, Sender: model.SenderCustomer, Timestamp: time.Now(),
	}
	_, inserted, err := s.AppendMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, inserted)

	retry := *msg
	retry.ID = uuid.NewString()
	_, inserted, err = s.AppendMessage(ctx, &retry)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetConversation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.UnreadCount)

	agentID := uuid.NewString()
	require.NoError(t, s.SaveAgent(ctx, &model.Agent{
		ID: agentID, TenantID: tenant, Sector: "Vendas", Active: true,
		Presence: model.PresenceOnline, CurrentWorkload: 0, MaxWorkload: 1,
	}))

	picked, err := s.QueryLeastLoadedAgent(ctx, tenant, "Vendas")
	require.NoError(t, err)
	assert.Equal(t, agentID, picked.ID)

	_, changed, err := s.AssignAgent(ctx, tenant, c.ID, agentID)
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = s.AssignIfUnassigned(ctx, tenant, c.ID, uuid.NewString())
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.QueryLeastLoadedAgent(ctx, tenant, "Vendas")
	assert.ErrorIs(t, err, store.ErrNotFound)

	moved, record, err := s.TransferConversation(ctx, store.TransferParams{
		RecordID: uuid.NewString(), TenantID: tenant, ConversationID: c.ID,
		ExpectedSector: "Geral", ToSector: "Suporte",
	})
	require.NoError(t, err)
	assert.Nil(t, moved.AgentID)
	assert.Equal(t, "Geral", record.FromSector)

	a, err := s.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, 0, a.CurrentWorkload)
}
