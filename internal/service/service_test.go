package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox-router/internal/llm"
	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/internal/store/sqlite"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

const tenant = "fac-1"

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.ConversationEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event *model.ConversationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) count(typ model.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// brokenQueryStore makes the least-loaded query fail so selection scans.
type brokenQueryStore struct {
	store.Store
}

func (brokenQueryStore) QueryLeastLoadedAgent(context.Context, string, string) (*model.Agent, error) {
	return nil, errors.New("function crm_least_loaded_agent does not exist")
}

// flakyAgentStore fails every agent lookup used for selection while down.
type flakyAgentStore struct {
	store.Store
	down atomic.Bool
}

func (s *flakyAgentStore) QueryLeastLoadedAgent(ctx context.Context, tenantID, sector string) (*model.Agent, error) {
	if s.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.QueryLeastLoadedAgent(ctx, tenantID, sector)
}

func (s *flakyAgentStore) ListAgents(ctx context.Context, tenantID, sector string) ([]model.Agent, error) {
	if s.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return s.Store.ListAgents(ctx, tenantID, sector)
}

// racingStore assigns conversationID to winner between selection start and
// the claim, the way a concurrent delivery would.
type racingStore struct {
	store.Store
	conversationID string
	winner         string
	once           sync.Once
}

func (s *racingStore) QueryLeastLoadedAgent(ctx context.Context, tenantID, sector string) (*model.Agent, error) {
	s.once.Do(func() {
		_, _, _ = s.Store.AssignAgent(ctx, tenantID, s.conversationID, s.winner)
	})
	return s.Store.QueryLeastLoadedAgent(ctx, tenantID, sector)
}

// noSystemMessageStore rejects system messages only.
type noSystemMessageStore struct {
	store.Store
}

func (s noSystemMessageStore) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	if m.Sender == model.SenderSystem {
		return nil, false, errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, m)
}

type fakeLLM struct {
	answer string
	err    error
	calls  int
}

func (f *fakeLLM) Complete(_ context.Context, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.answer, Model: "fake"}, nil
}

func (f *fakeLLM) Name() string { return "fake" }

type harness struct {
	db            *sqlite.Store
	events        *recordingPublisher
	conversations *ConversationService
	ledger        *LedgerService
	assignment    *AssignmentService
	transfer      *TransferService
	ingest        *IngestService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	wrap    func(store.Store) store.Store
	triage  llm.Client
	tenants TenantResolver
}

func withStore(wrap func(store.Store) store.Store) harnessOption {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func withTriage(client llm.Client) harnessOption {
	return func(c *harnessConfig) { c.triage = client }
}

func withTenants(r TenantResolver) harnessOption {
	return func(c *harnessConfig) { c.tenants = r }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	var cfg harnessConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	var st store.Store = db
	if cfg.wrap != nil {
		st = cfg.wrap(db)
	}

	log := logger.NewNop()
	events := &recordingPublisher{}
	conversations := NewConversationService(st, events, "", log)
	ledger := NewLedgerService(st, events, log)
	assignment := NewAssignmentService(st, events, "", log)
	triage := NewTriageService(cfg.triage, []string{"Vendas", "Suporte", "Financeiro"}, log)

	return &harness{
		db:            db,
		events:        events,
		conversations: conversations,
		ledger:        ledger,
		assignment:    assignment,
		transfer:      NewTransferService(st, ledger, assignment, events, log),
		ingest:        NewIngestService(st, conversations, ledger, assignment, triage, cfg.tenants, log),
	}
}

func (h *harness) agent(t *testing.T, id, sector string, current, capacity int) {
	t.Helper()
	h.agentFor(t, tenant, id, sector, current, capacity, model.PresenceOnline)
}

func (h *harness) agentFor(t *testing.T, tenantID, id, sector string, current, capacity int, presence model.Presence) {
	t.Helper()
	require.NoError(t, h.db.SaveAgent(context.Background(), &model.Agent{
		ID:              id,
		TenantID:        tenantID,
		Name:            id,
		Sector:          sector,
		Active:          true,
		Presence:        presence,
		CurrentWorkload: current,
		MaxWorkload:     capacity,
	}))
}

func (h *harness) workload(t *testing.T, id string) int {
	t.Helper()
	a, err := h.db.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a.CurrentWorkload
}

func (h *harness) conversation(t *testing.T, phone string) *model.Conversation {
	t.Helper()
	c, _, err := h.conversations.Resolve(context.Background(), tenant, phone, "", true)
	require.NoError(t, err)
	return c
}

func (h *harness) reload(t *testing.T, id string) *model.Conversation {
	t.Helper()
	c, err := h.db.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return c
}

func requireCode(t *testing.T, err error, code ErrorCode, reason string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), err.Error())
	if reason != "" {
		require.Equal(t, reason, ReasonOf(err))
	}
}

func conversationsFor(tenantID string) store.ConversationFilter {
	return store.ConversationFilter{TenantID: tenantID, IncludeBlocked: true}
}
