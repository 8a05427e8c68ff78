package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
)

func TestAssignPicksLeastLoadedAgentInSector(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 3, 5)
	h.agent(t, "bia", "Vendas", 1, 5)
	h.agent(t, "caio", "Suporte", 0, 5)
	conv := h.conversation(t, "5511999990000")

	res, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)

	assert.Equal(t, "bia", res.AgentID)
	assert.Equal(t, TierQuery, res.Tier)
	assert.True(t, res.Changed)
	assert.Equal(t, 2, h.workload(t, "bia"))
	assert.Equal(t, 3, h.workload(t, "ana"))
	assert.True(t, h.reload(t, conv.ID).AssignedTo("bia"))
	assert.Equal(t, 1, h.events.count(model.EventConversationAssigned))
}

func TestAssignTiesBreakOnAgentID(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "b-agent", "Vendas", 1, 5)
	h.agent(t, "a-agent", "Vendas", 1, 5)
	conv := h.conversation(t, "5511999990000")

	res, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)
	assert.Equal(t, "a-agent", res.AgentID)
}

func TestAssignIntakeSectorSpansAllSectors(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 2, 5)
	h.agent(t, "caio", "Suporte", 0, 5)
	conv := h.conversation(t, "5511999990000")
	require.Equal(t, DefaultIntakeSector, conv.Sector)

	res, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: conv.Sector})
	require.NoError(t, err)
	assert.Equal(t, "caio", res.AgentID)
}

func TestAssignSkipsOfflineAndFullAgents(t *testing.T) {
	h := newHarness(t)
	h.agentFor(t, tenant, "away", "Vendas", 0, 5, model.PresenceAway)
	h.agent(t, "full", "Vendas", 5, 5)
	h.agent(t, "open", "Vendas", 4, 5)
	conv := h.conversation(t, "5511999990000")

	res, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)
	assert.Equal(t, "open", res.AgentID)
	assert.Equal(t, 5, h.workload(t, "open"))
}

func TestAssignFallsBackToScanWhenQueryFails(t *testing.T) {
	h := newHarness(t, withStore(func(s store.Store) store.Store { return brokenQueryStore{s} }))
	h.agent(t, "ana", "Vendas", 3, 5)
	h.agent(t, "bia", "Vendas", 1, 5)
	conv := h.conversation(t, "5511999990000")

	res, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)
	assert.Equal(t, "bia", res.AgentID)
	assert.Equal(t, TierScan, res.Tier)
	assert.Equal(t, 2, h.workload(t, "bia"))
}

func TestAssignWithoutEligibleAgentMarksUnrouted(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "full", "Vendas", 5, 5)
	conv := h.conversation(t, "5511999990000")

	_, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	requireCode(t, err, ErrorConflict, ReasonNoEligibleAgent)

	got := h.reload(t, conv.ID)
	assert.False(t, got.Assigned())
	assert.Equal(t, ReasonNoEligibleAgent, got.UnroutedReason)
	assert.Equal(t, 1, h.events.count(model.EventConversationUnrouted))

	// A later success clears the reason.
	h.agent(t, "new", "Vendas", 0, 5)
	_, err = h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)
	assert.Empty(t, h.reload(t, conv.ID).UnroutedReason)
}

func TestAssignStorageFailureMarksUnrouted(t *testing.T) {
	flaky := &flakyAgentStore{}
	flaky.down.Store(true)
	h := newHarness(t, withStore(func(s store.Store) store.Store {
		flaky.Store = s
		return flaky
	}))
	h.agent(t, "ana", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")

	_, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	requireCode(t, err, ErrorInternal, "")

	got := h.reload(t, conv.ID)
	assert.False(t, got.Assigned())
	assert.Equal(t, ReasonAssignmentError, got.UnroutedReason)
	assert.Equal(t, 1, h.events.count(model.EventConversationUnrouted))
	assert.Equal(t, 0, h.workload(t, "ana"))
}

func TestAssignOnlyIfUnassignedKeepsOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 3, 5)
	h.agent(t, "bia", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")
	_, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "ana"})
	require.NoError(t, err)

	res, err := h.assignment.Assign(ctx, AssignRequest{
		TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas", OnlyIfUnassigned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ana", res.AgentID)
	assert.False(t, res.Changed)
	assert.Equal(t, 4, h.workload(t, "ana"))
	assert.Equal(t, 0, h.workload(t, "bia"))
	assert.Equal(t, 1, h.events.count(model.EventConversationAssigned))

	// Without the flag automatic selection still moves the conversation.
	res, err = h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas"})
	require.NoError(t, err)
	assert.Equal(t, "bia", res.AgentID)
	assert.True(t, res.Changed)
	assert.Equal(t, 3, h.workload(t, "ana"))
	assert.Equal(t, 1, h.workload(t, "bia"))
}

func TestAssignOnlyIfUnassignedLosesConcurrentClaim(t *testing.T) {
	racing := &racingStore{winner: "ana"}
	h := newHarness(t, withStore(func(s store.Store) store.Store {
		racing.Store = s
		return racing
	}))
	h.agent(t, "ana", "Vendas", 0, 5)
	h.agent(t, "bia", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")
	racing.conversationID = conv.ID

	res, err := h.assignment.Assign(context.Background(), AssignRequest{
		TenantID: tenant, ConversationID: conv.ID, Sector: "Vendas", OnlyIfUnassigned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ana", res.AgentID)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, h.workload(t, "ana"))
	assert.Equal(t, 0, h.workload(t, "bia"))
	assert.Equal(t, 0, h.events.count(model.EventConversationAssigned))
	assert.True(t, h.reload(t, conv.ID).AssignedTo("ana"))
}

func TestExplicitAssignAtCapacityNeverFallsBack(t *testing.T) {
	h := newHarness(t)
	h.agent(t, "full", "Vendas", 5, 5)
	h.agent(t, "idle", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")

	_, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "full"})
	requireCode(t, err, ErrorConflict, ReasonAtCapacity)

	assert.False(t, h.reload(t, conv.ID).Assigned())
	assert.Equal(t, 5, h.workload(t, "full"))
	assert.Equal(t, 0, h.workload(t, "idle"))
}

func TestExplicitAssignValidation(t *testing.T) {
	h := newHarness(t)
	h.agentFor(t, "fac-2", "other", "Vendas", 0, 5, model.PresenceOnline)
	h.agentFor(t, tenant, "offline", "Vendas", 0, 5, model.PresenceOffline)
	conv := h.conversation(t, "5511999990000")

	tests := []struct {
		agent  string
		code   ErrorCode
		reason string
	}{
		{"missing", ErrorNotFound, ReasonNotFound},
		{"other", ErrorForbidden, ReasonWrongTenant},
		{"offline", ErrorConflict, ReasonUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.agent, func(t *testing.T) {
			_, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: tt.agent})
			requireCode(t, err, tt.code, tt.reason)
		})
	}
	assert.False(t, h.reload(t, conv.ID).Assigned())
}

func TestExplicitAssignIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 0, 1)
	conv := h.conversation(t, "5511999990000")

	first, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "ana"})
	require.NoError(t, err)
	assert.True(t, first.Changed)

	// Full now, but already the owner.
	second, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "ana"})
	require.NoError(t, err)
	assert.False(t, second.Changed)
	assert.Equal(t, 1, h.workload(t, "ana"))
}

func TestReassignMovesWorkload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 0, 5)
	h.agent(t, "bia", "Vendas", 0, 5)
	conv := h.conversation(t, "5511999990000")

	_, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "ana"})
	require.NoError(t, err)
	_, err = h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: conv.ID, AgentID: "bia"})
	require.NoError(t, err)

	assert.Equal(t, 0, h.workload(t, "ana"))
	assert.Equal(t, 1, h.workload(t, "bia"))
}

func TestAssignRejectsForeignConversation(t *testing.T) {
	h := newHarness(t)
	conv := h.conversation(t, "5511999990000")

	_, err := h.assignment.Assign(context.Background(), AssignRequest{TenantID: "fac-2", ConversationID: conv.ID})
	requireCode(t, err, ErrorForbidden, "")
}

func TestConcurrentAssignmentsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.agent(t, "ana", "Vendas", 0, 2)

	const n = 6
	convs := make([]*model.Conversation, n)
	for i := range convs {
		convs[i] = h.conversation(t, fmt.Sprintf("55119999900%02d", i))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, c := range convs {
		wg.Add(1)
		go func(c *model.Conversation) {
			defer wg.Done()
			if _, err := h.assignment.Assign(ctx, AssignRequest{TenantID: tenant, ConversationID: c.ID, Sector: "Vendas"}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 2, successes)
	assert.Equal(t, 2, h.workload(t, "ana"))
}

func TestSelectLeastLoaded(t *testing.T) {
	agents := []model.Agent{
		{ID: "c", Sector: "Vendas", Active: true, Presence: model.PresenceOnline, CurrentWorkload: 1, MaxWorkload: 5},
		{ID: "b", Sector: "Vendas", Active: true, Presence: model.PresenceOnline, CurrentWorkload: 1, MaxWorkload: 5},
		{ID: "a", Sector: "Vendas", Active: false, Presence: model.PresenceOnline, CurrentWorkload: 0, MaxWorkload: 5},
		{ID: "d", Sector: "Suporte", Active: true, Presence: model.PresenceOnline, CurrentWorkload: 0, MaxWorkload: 5},
		{ID: "e", Sector: "Vendas", Active: true, Presence: model.PresenceOnline, CurrentWorkload: 0, MaxWorkload: 0},
	}

	tests := []struct {
		name   string
		sector string
		want   string
	}{
		{"sector filter and id tiebreak", "Vendas", "b"},
		{"all sectors", "", "d"},
		{"nobody", "Financeiro", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectLeastLoaded(agents, tt.sector)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}
