package service

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
	"github.com/capitalize-ai/inbox-router/pkg/tracing"
)

// Tier names the selection path that produced an agent.
type Tier string

const (
	TierExplicit Tier = "explicit"
	TierQuery    Tier = "query"
	TierScan     Tier = "scan"
)

// maxClaimAttempts bounds re-selection after losing a race for a slot.
const maxClaimAttempts = 3

// AssignRequest asks for an owner. AgentID pins the target; otherwise the
// least-loaded eligible agent of Sector is chosen. OnlyIfUnassigned makes
// automatic selection keep an existing owner instead of moving it.
type AssignRequest struct {
	TenantID         string
	ConversationID   string
	Sector           string
	AgentID          string
	OnlyIfUnassigned bool
}

// AssignResult describes a successful assignment.
type AssignResult struct {
	Conversation *model.Conversation `json:"conversation"`
	AgentID      string              `json:"atendente_id"`
	Tier         Tier                `json:"tier"`
	Changed      bool                `json:"changed"`
}

// AssignmentService selects and commits conversation owners.
type AssignmentService struct {
	store        store.Store
	events       EventPublisher
	intakeSector string
	logger       *logger.Logger
}

// NewAssignmentService creates a new assignment service.
func NewAssignmentService(st store.Store, events EventPublisher, intakeSector string, log *logger.Logger) *AssignmentService {
	if intakeSector == "" {
		intakeSector = DefaultIntakeSector
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &AssignmentService{store: st, events: events, intakeSector: intakeSector, logger: log}
}

// Assign gives the conversation an owner. An explicit agent is validated
// strictly and never replaced by automatic selection. Automatic failures
// leave the conversation unassigned with an unrouted reason.
func (s *AssignmentService) Assign(ctx context.Context, req AssignRequest) (res *AssignResult, err error) {
	ctx, span := tracing.Start(ctx, "assignment.assign",
		attribute.String("tenant_id", req.TenantID),
		attribute.String("conversation_id", req.ConversationID))
	defer func() { tracing.End(span, err) }()

	conv, err := ownedConversation(ctx, s.store, req.TenantID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if req.AgentID != "" {
		return s.assignExplicit(ctx, conv, req.AgentID)
	}
	return s.assignAuto(ctx, conv, req.Sector, req.OnlyIfUnassigned)
}

func (s *AssignmentService) assignExplicit(ctx context.Context, conv *model.Conversation, agentID string) (*AssignResult, error) {
	agent, err := s.lookupAgent(ctx, conv.TenantID, agentID)
	if err != nil {
		metrics.RecordAssignment(string(TierExplicit), ReasonOf(err))
		return nil, err
	}
	if conv.AssignedTo(agent.ID) {
		metrics.RecordAssignment(string(TierExplicit), "unchanged")
		return &AssignResult{Conversation: conv, AgentID: agent.ID, Tier: TierExplicit}, nil
	}
	if err := checkEligible(agent); err != nil {
		metrics.RecordAssignment(string(TierExplicit), ReasonOf(err))
		return nil, err
	}

	updated, changed, err := s.store.AssignAgent(ctx, conv.TenantID, conv.ID, agent.ID)
	if err != nil {
		err = claimError(err)
		metrics.RecordAssignment(string(TierExplicit), ReasonOf(err))
		return nil, err
	}
	return s.assigned(ctx, conv, updated, agent.ID, TierExplicit, changed), nil
}

// lookupAgent loads an explicit target and checks it belongs to the tenant.
func (s *AssignmentService) lookupAgent(ctx context.Context, tenantID, agentID string) (*model.Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(ErrorNotFound, ReasonNotFound, err)
	}
	if err != nil {
		return nil, fromStore("get agent", err)
	}
	if agent.TenantID != tenantID {
		return nil, newError(ErrorForbidden, ReasonWrongTenant, nil)
	}
	return agent, nil
}

// checkEligible applies availability then capacity.
func checkEligible(agent *model.Agent) error {
	if !agent.Available() {
		return newError(ErrorConflict, ReasonUnavailable, nil)
	}
	if !agent.HasCapacity() {
		return newError(ErrorConflict, ReasonAtCapacity, nil)
	}
	return nil
}

// validateAgent applies every explicit-target rule.
func (s *AssignmentService) validateAgent(ctx context.Context, tenantID, agentID string) (*model.Agent, error) {
	agent, err := s.lookupAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	if err := checkEligible(agent); err != nil {
		return nil, err
	}
	return agent, nil
}

func (s *AssignmentService) assignAuto(ctx context.Context, conv *model.Conversation, sector string, onlyUnassigned bool) (*AssignResult, error) {
	if onlyUnassigned && conv.Assigned() {
		return s.kept(conv), nil
	}
	if sector == s.intakeSector {
		sector = ""
	}
	claim := s.store.AssignAgent
	if onlyUnassigned {
		claim = s.store.AssignIfUnassigned
	}

	var lastErr error
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		agent, tier, err := s.pick(ctx, conv.TenantID, sector)
		if CodeOf(err) == ErrorInternal {
			return nil, s.failed(ctx, conv, sector, err)
		}
		if err != nil {
			return nil, s.unrouted(ctx, conv, sector, err)
		}
		if conv.AssignedTo(agent.ID) {
			metrics.RecordAssignment(string(tier), "unchanged")
			return &AssignResult{Conversation: conv, AgentID: agent.ID, Tier: tier}, nil
		}

		updated, changed, err := claim(ctx, conv.TenantID, conv.ID, agent.ID)
		if err == nil {
			if !updated.AssignedTo(agent.ID) {
				// A concurrent delivery assigned it first.
				return s.kept(updated), nil
			}
			return s.assigned(ctx, conv, updated, agent.ID, tier, changed), nil
		}
		if !errors.Is(err, store.ErrAtCapacity) && !errors.Is(err, store.ErrConflict) {
			return nil, s.failed(ctx, conv, sector, fromStore("assign agent", err))
		}
		// Lost the last slot to a concurrent claim; select again.
		s.logger.Debug("assignment claim lost, retrying",
			logger.Tenant(conv.TenantID), logger.Conversation(conv.ID), logger.Agent(agent.ID),
			zap.Int("attempt", attempt+1))
		lastErr = err
	}
	return nil, s.unrouted(ctx, conv, sector,
		fmt.Errorf("claim retries exhausted: %w", lastErr))
}

// pick runs tier 2 and falls back to tier 3 when the query itself fails.
// "No eligible agent" from tier 2 is an answer, not a failure.
func (s *AssignmentService) pick(ctx context.Context, tenantID, sector string) (*model.Agent, Tier, error) {
	agent, err := s.store.QueryLeastLoadedAgent(ctx, tenantID, sector)
	if err == nil {
		return agent, TierQuery, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, TierQuery, newError(ErrorConflict, ReasonNoEligibleAgent, err)
	}

	s.logger.Warn("least-loaded query failed, scanning agents",
		logger.Tenant(tenantID), zap.String("sector", sector), zap.Error(err))
	metrics.RecordAssignment(string(TierQuery), "error")

	agents, err := s.store.ListAgents(ctx, tenantID, sector)
	if err != nil {
		return nil, TierScan, fromStore("list agents", err)
	}
	agent = SelectLeastLoaded(agents, sector)
	if agent == nil {
		return nil, TierScan, newError(ErrorConflict, ReasonNoEligibleAgent, nil)
	}
	return agent, TierScan, nil
}

// SelectLeastLoaded returns the available agent with spare capacity and the
// lowest workload, ties broken by id. An empty sector matches every agent.
func SelectLeastLoaded(agents []model.Agent, sector string) *model.Agent {
	var best *model.Agent
	for i := range agents {
		a := &agents[i]
		if !a.Available() || !a.HasCapacity() {
			continue
		}
		if sector != "" && a.Sector != sector {
			continue
		}
		if best == nil ||
			a.CurrentWorkload < best.CurrentWorkload ||
			a.CurrentWorkload == best.CurrentWorkload && a.ID < best.ID {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	out := *best
	return &out
}

func (s *AssignmentService) assigned(ctx context.Context, before, conv *model.Conversation, agentID string, tier Tier, changed bool) *AssignResult {
	if !changed {
		metrics.RecordAssignment(string(tier), "unchanged")
		return &AssignResult{Conversation: conv, AgentID: agentID, Tier: tier}
	}
	metrics.RecordAssignment(string(tier), "assigned")
	s.logger.Info("conversation assigned",
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID), logger.Agent(agentID),
		zap.String("tier", string(tier)))

	meta := map[string]any{"agent_id": agentID, "tier": tier}
	if before.Assigned() {
		meta["previous_agent_id"] = *before.AgentID
	}
	publish(ctx, s.events, s.logger, newEvent(conv, model.EventConversationAssigned, "", meta))
	return &AssignResult{Conversation: conv, AgentID: agentID, Tier: tier, Changed: true}
}

// unrouted records why automatic assignment failed and returns the failure.
func (s *AssignmentService) unrouted(ctx context.Context, conv *model.Conversation, sector string, err error) error {
	reason := ReasonOf(err)
	if reason == "" {
		reason = ReasonNoEligibleAgent
	}
	metrics.RecordAssignment("auto", reason)
	s.logger.Info("conversation left unrouted",
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID),
		zap.String("sector", sector), zap.String("reason", reason), zap.Error(err))

	bestEffort(s.logger, "mark_unrouted", s.store.MarkUnrouted(ctx, conv.TenantID, conv.ID, reason),
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID))
	publish(ctx, s.events, s.logger, newEvent(conv, model.EventConversationUnrouted, reason,
		map[string]any{"sector": sector}))

	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return newError(ErrorConflict, reason, err)
}

// kept reports an existing owner left in place.
func (s *AssignmentService) kept(conv *model.Conversation) *AssignResult {
	metrics.RecordAssignment("auto", "unchanged")
	return &AssignResult{Conversation: conv, AgentID: *conv.AgentID}
}

// failed marks the conversation unrouted after a storage failure during
// automatic selection and returns err unchanged.
func (s *AssignmentService) failed(ctx context.Context, conv *model.Conversation, sector string, err error) error {
	metrics.RecordAssignment("auto", ReasonAssignmentError)
	s.logger.Error("automatic assignment failed",
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID),
		zap.String("sector", sector), zap.Error(err))

	bestEffort(s.logger, "mark_unrouted", s.store.MarkUnrouted(ctx, conv.TenantID, conv.ID, ReasonAssignmentError),
		logger.Tenant(conv.TenantID), logger.Conversation(conv.ID))
	publish(ctx, s.events, s.logger, newEvent(conv, model.EventConversationUnrouted, ReasonAssignmentError,
		map[string]any{"sector": sector}))
	return err
}

// claimError maps a rejected workload claim to an assignment failure.
func claimError(err error) error {
	switch {
	case errors.Is(err, store.ErrAtCapacity):
		return newError(ErrorConflict, ReasonAtCapacity, err)
	case errors.Is(err, store.ErrConflict):
		return newError(ErrorConflict, ReasonUnavailable, err)
	case errors.Is(err, store.ErrNotFound):
		return newError(ErrorNotFound, ReasonNotFound, err)
	}
	return fromStore("assign agent", err)
}

// Agents lists a tenant's agents with their live workload. An empty sector
// lists every sector.
func (s *AssignmentService) Agents(ctx context.Context, tenantID, sector string) ([]model.Agent, error) {
	if tenantID == "" {
		return nil, newError(ErrorInvalidInput, "tenant is required", nil)
	}
	agents, err := s.store.ListAgents(ctx, tenantID, sector)
	if err != nil {
		return nil, fromStore("list agents", err)
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	return agents, nil
}
