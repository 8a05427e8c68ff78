package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
)

func systemMessages(t *testing.T, h *harness, convID string) []model.Message {
	t.Helper()
	msgs, err := h.ledger.List(context.Background(), tenant, convID, 0, time.Time{})
	require.NoError(t, err)
	var out []model.Message
	for _, m := range msgs {
		if m.Sender == model.SenderSystem {
			out = append(out, m)
		}
	}
	return out
}

func TestTransferToSectorWithoutAgent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")

	_, err := h.transfer.Transfer(ctx, TransferRequest{TenantID: tenant, ConversationID: conv.ID, ToAgentID: "ana"})
	require.NoError(t, err)
	require.Equal(t, "Vendas", h.reload(t, conv.ID).Sector)
	require.Equal(t, 1, h.workload(t, "ana"))

	res, err := h.transfer.Transfer(ctx, TransferRequest{
		TenantID:       tenant,
		ConversationID: conv.ID,
		FromSector:     "Vendas",
		ToSector:       "Suporte",
		Reason:         "dúvida técnica",
		ActorID:        "ana",
	})
	require.NoError(t, err)
	assert.True(t, res.SystemMessage.OK())

	got := h.reload(t, conv.ID)
	assert.Nil(t, got.AgentID)
	assert.Equal(t, "Suporte", got.Sector)
	assert.Equal(t, 0, h.workload(t, "ana"))

	history, err := h.transfer.History(ctx, tenant, conv.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	last := history[1]
	assert.Equal(t, "Vendas", last.FromSector)
	assert.Equal(t, "Suporte", last.ToSector)
	assert.Equal(t, model.StringPtr("ana"), last.FromAgentID)
	assert.Nil(t, last.ToAgentID)
	assert.Equal(t, "dúvida técnica", last.Reason)

	system := systemMessages(t, h, conv.ID)
	require.Len(t, system, 2)
	assert.Contains(t, system[1].Content, "Conversa transferida de Vendas para Suporte")
	assert.Equal(t, 2, h.events.count(model.EventConversationTransferred))
}

func TestTransferToAgentInfersSector(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "caio", "Financeiro", 0, 5)
	conv := h.conversation(t, "5511999990000")

	res, err := h.transfer.Transfer(context.Background(), TransferRequest{TenantID: tenant, ConversationID: conv.ID, ToAgentID: "caio"})
	require.NoError(t, err)
	assert.Equal(t, "Financeiro", res.Conversation.Sector)
	assert.True(t, res.Conversation.AssignedTo("caio"))
	assert.Equal(t, DefaultIntakeSector, res.Record.FromSector)
	assert.Equal(t, model.StringPtr("caio"), res.Record.ToAgentID)
}

func TestTransferRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "full", "Vendas", 5, 5)
	conv := h.conversation(t, "5511999990000")

	tests := []struct {
		name   string
		req    TransferRequest
		code   ErrorCode
		reason string
	}{
		{"no destination", TransferRequest{}, ErrorInvalidInput, ""},
		{"stale origin", TransferRequest{FromSector: "Vendas", ToSector: "Suporte"}, ErrorConflict, ""},
		{"no change", TransferRequest{ToSector: DefaultIntakeSector}, ErrorInvalidInput, ""},
		{"agent at capacity", TransferRequest{ToAgentID: "full"}, ErrorConflict, ReasonAtCapacity},
		{"unknown agent", TransferRequest{ToAgentID: "ghost"}, ErrorNotFound, ReasonNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.TenantID, req.ConversationID = tenant, conv.ID
			_, err := h.transfer.Transfer(ctx, req)
			requireCode(t, err, tt.code, tt.reason)
		})
	}

	history, err := h.transfer.History(ctx, tenant, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, DefaultIntakeSector, h.reload(t, conv.ID).Sector)
}

func TestTransferSurvivesSystemMessageFailure(t *testing.T) {
	h := newHarness(t, withStore(func(s store.Store) store.Store { return noSystemMessageStore{s} }))
	conv := h.conversation(t, "5511999990000")

	res, err := h.transfer.Transfer(context.Background(), TransferRequest{TenantID: tenant, ConversationID: conv.ID, ToSector: "Suporte"})
	require.NoError(t, err)
	assert.False(t, res.SystemMessage.OK())
	assert.Equal(t, "Suporte", h.reload(t, conv.ID).Sector)
	assert.Empty(t, systemMessages(t, h, conv.ID))
}

func TestBlockAndUnblock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")
	_, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "ana"})
	require.NoError(t, err)

	res, err := h.transfer.Block(ctx, tenant, conv.ID, "spam", "ana")
	require.NoError(t, err)
	assert.True(t, res.SystemMessage.OK())
	got := h.reload(t, conv.ID)
	assert.True(t, got.Blocked)
	assert.Equal(t, "spam", got.BlockReason)
	require.NotNil(t, got.BlockedAt)
	assert.True(t, got.AssignedTo("ana"))
	assert.Equal(t, DefaultIntakeSector, got.Sector)

	system := systemMessages(t, h, conv.ID)
	require.Len(t, system, 1)
	assert.True(t, strings.Contains(system[0].Content, "spam"))

	_, err = h.transfer.Unblock(ctx, tenant, conv.ID, "ana")
	require.NoError(t, err)
	got = h.reload(t, conv.ID)
	assert.False(t, got.Blocked)
	assert.Empty(t, got.BlockReason)
	assert.Nil(t, got.BlockedAt)
	assert.Len(t, systemMessages(t, h, conv.ID), 2)
	assert.Equal(t, 1, h.events.count(model.EventConversationBlocked))
	assert.Equal(t, 1, h.events.count(model.EventConversationUnblocked))
}

func TestBlockOtherTenantIsForbidden(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "5511999990000")

	_, err := h.transfer.Block(context.Background(), "fac-2", conv.ID, "spam", "intruder")
	requireCode(t, err, ErrorForbidden, "")
	assert.False(t, h.reload(t, conv.ID).Blocked)
}

func TestBlockedConversationHiddenFromDefaultSearch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	conv := h.conversation(t, "5511999990000")
	h.conversation(t, "5511999990001")
	_, err := h.transfer.Block(ctx, tenant, conv.ID, "spam", "")
	require.NoError(t, err)

	_, total, err := h.conversations.Search(ctx, store.ConversationFilter{TenantID: tenant})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	_, total, err = h.conversations.Search(ctx, store.ConversationFilter{TenantID: tenant, OnlyBlocked: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
