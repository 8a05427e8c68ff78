package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/provider"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/tracing"
)

// Outcome is how a webhook delivery was handled.
type Outcome string

const (
	OutcomeStored           Outcome = "stored"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeParseFailed      Outcome = "parse_failed"
	OutcomeTenantUnresolved Outcome = "tenant_unresolved"
	OutcomeStorageError     Outcome = "storage_error"
)

// TenantResolver maps a provider instance name to a tenant.
type TenantResolver func(instance string) (tenantID string, ok bool)

// IngestRequest is one raw webhook delivery. An empty TenantID is resolved
// from the payload's instance name.
type IngestRequest struct {
	TenantID string
	Hint     provider.Kind
	Body     []byte
}

// IngestResult reports what a delivery produced.
type IngestResult struct {
	Outcome        Outcome       `json:"outcome"`
	Reason         string        `json:"reason,omitempty"`
	Provider       provider.Kind `json:"provider,omitempty"`
	TenantID       string        `json:"faculdade_id,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
	Created        bool          `json:"created,omitempty"`
	Assignment     *AssignResult `json:"-"`
	Unrouted       string        `json:"unrouted_reason,omitempty"`
}

// IngestService runs the inbound pipeline: parse, resolve, append, route.
type IngestService struct {
	store         store.Store
	conversations *ConversationService
	ledger        *LedgerService
	assignment    *AssignmentService
	triage        *TriageService
	tenants       TenantResolver
	logger        *logger.Logger
}

// NewIngestService creates a new ingest service. triage and tenants may be nil.
func NewIngestService(
	st store.Store,
	conversations *ConversationService,
	ledger *LedgerService,
	assignment *AssignmentService,
	triage *TriageService,
	tenants TenantResolver,
	log *logger.Logger,
) *IngestService {
	return &IngestService{
		store:         st,
		conversations: conversations,
		ledger:        ledger,
		assignment:    assignment,
		triage:        triage,
		tenants:       tenants,
		logger:        log,
	}
}

// Ingest handles one delivery. Unusable payloads are reported through the
// result with a nil error; only storage failures return an error.
func (s *IngestService) Ingest(ctx context.Context, req IngestRequest) (res *IngestResult, err error) {
	ctx, span := tracing.Start(ctx, "ingest.webhook", attribute.String("provider_hint", string(req.Hint)))
	defer func() { tracing.End(span, err) }()

	log := logger.FromContext(ctx, s.logger)

	in, err := provider.Parse(req.Body, req.Hint)
	if err != nil {
		var pf *provider.ParseFailure
		if errors.As(err, &pf) {
			log.Info("webhook payload not usable", logger.Provider(string(pf.Provider)), zap.String("reason", pf.Reason))
			return &IngestResult{Outcome: OutcomeParseFailed, Reason: pf.Reason, Provider: pf.Provider}, nil
		}
		return nil, err
	}
	res = &IngestResult{Provider: in.Provider}

	if in.IsGroup {
		res.Outcome, res.Reason = OutcomeIgnored, "group message"
		return res, nil
	}

	tenantID := req.TenantID
	if tenantID == "" && s.tenants != nil {
		tenantID, _ = s.tenants(in.Instance)
	}
	if tenantID == "" {
		log.Warn("webhook tenant unresolved",
			logger.Provider(string(in.Provider)), zap.String("instance", in.Instance), zap.String("phone", in.Phone))
		res.Outcome, res.Reason = OutcomeTenantUnresolved, "no tenant for instance "+in.Instance
		return res, nil
	}
	res.TenantID = tenantID
	span.SetAttributes(attribute.String("tenant_id", tenantID))
	log = log.With(logger.Tenant(tenantID), logger.Provider(string(in.Provider)))

	inbound := !in.FromMe
	conv, created, err := s.conversations.Resolve(ctx, tenantID, in.Phone, in.DisplayName, inbound)
	if err != nil {
		res.Outcome, res.Reason = OutcomeStorageError, err.Error()
		return res, err
	}
	res.ConversationID, res.Created = conv.ID, created

	if created && inbound && s.triage != nil {
		conv = s.applyTriage(ctx, log, conv, in.Text)
	}

	sender := model.SenderCustomer
	if in.FromMe {
		sender = model.SenderAgent
	}
	msg, duplicate, err := s.ledger.Append(ctx, conv, AppendInput{
		ProviderMessageID: in.ProviderMessageID,
		Content:           in.Text,
		Type:              in.Kind.MessageType(),
		Sender:            sender,
		MediaURL:          in.MediaURL,
		Timestamp:         in.Timestamp,
	})
	if err != nil {
		res.Outcome, res.Reason = OutcomeStorageError, err.Error()
		return res, err
	}
	res.MessageID = msg.ID
	res.Outcome = OutcomeStored
	if duplicate {
		res.Outcome = OutcomeDuplicate
	}

	// A redelivery still routes a conversation an earlier attempt left
	// without an owner.
	if !inbound || conv.Assigned() || conv.Blocked {
		return res, nil
	}
	s.route(ctx, log, conv, res)
	return res, nil
}

// route assigns an ownerless conversation. A concurrent delivery that
// assigned it first wins.
func (s *IngestService) route(ctx context.Context, log *logger.Logger, conv *model.Conversation, res *IngestResult) {
	assigned, err := s.assignment.Assign(ctx, AssignRequest{
		TenantID:         conv.TenantID,
		ConversationID:   conv.ID,
		Sector:           conv.Sector,
		OnlyIfUnassigned: true,
	})
	switch {
	case err == nil:
		res.Assignment = assigned
	case CodeOf(err) == ErrorInternal:
		// The message is stored; a redelivery or the API can route it later.
		log.Error("assignment failed", logger.Conversation(conv.ID), zap.Error(err))
		res.Unrouted = ReasonAssignmentError
	default:
		res.Unrouted = ReasonOf(err)
	}
}

// applyTriage moves a brand-new conversation out of the intake sector when
// the classifier recognizes a configured sector. Failures keep the intake.
func (s *IngestService) applyTriage(ctx context.Context, log *logger.Logger, conv *model.Conversation, text string) *model.Conversation {
	sector, ok := s.triage.Classify(ctx, text)
	if !ok || sector == conv.Sector {
		return conv
	}
	updated, _, err := s.store.TransferConversation(ctx, store.TransferParams{
		RecordID:       uuid.Must(uuid.NewV7()).String(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		ExpectedSector: conv.Sector,
		ToSector:       sector,
		Reason:         "triagem automática",
		ActorID:        "triage",
	})
	if err != nil {
		bestEffort(log, "triage_transfer", err, logger.Conversation(conv.ID))
		return conv
	}
	log.Info("conversation triaged", logger.Conversation(conv.ID), zap.String("sector", sector))
	return updated
}
