// Package service provides the routing engine's business logic on top of the
// storage capability.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
	"github.com/capitalize-ai/inbox-router/pkg/metrics"
)

// DefaultIntakeSector receives new conversations before any routing.
const DefaultIntakeSector = "Geral"

// ConversationService resolves and maintains conversations.
type ConversationService struct {
	store        store.Store
	events       EventPublisher
	intakeSector string
	logger       *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(st store.Store, events EventPublisher, intakeSector string, log *logger.Logger) *ConversationService {
	if intakeSector == "" {
		intakeSector = DefaultIntakeSector
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &ConversationService{
		store:        st,
		events:       events,
		intakeSector: intakeSector,
		logger:       log,
	}
}

// IntakeSector returns the sector new conversations start in.
func (s *ConversationService) IntakeSector() string {
	return s.intakeSector
}

// Resolve returns the conversation for (tenant, phone), creating it on first
// contact. Concurrent first messages converge on one row.
func (s *ConversationService) Resolve(ctx context.Context, tenantID, phone, nameHint string, inbound bool) (*model.Conversation, bool, error) {
	if tenantID == "" || phone == "" {
		return nil, false, newError(ErrorInvalidInput, "tenant and phone are required", nil)
	}
	nameHint = strings.TrimSpace(nameHint)

	name := nameHint
	if name == "" || !inbound {
		name = phone
	}
	now := time.Now().UTC()
	c, created, err := s.store.UpsertConversation(ctx, &model.Conversation{
		ID:          uuid.Must(uuid.NewV7()).String(),
		TenantID:    tenantID,
		Phone:       phone,
		DisplayName: name,
		Status:      model.StatusActive,
		Sector:      s.intakeSector,
		Tags:        []string{},
		Notes:       []model.Note{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return nil, false, fromStore("resolve conversation", err)
	}

	if created {
		metrics.ConversationsTotal.WithLabelValues(tenantID).Inc()
		s.logger.Info("conversation created",
			logger.Tenant(tenantID), logger.Conversation(c.ID), zap.String("sector", c.Sector))
		publish(ctx, s.events, s.logger, newEvent(c, model.EventConversationCreated, "", nil))
		return c, true, nil
	}

	if inbound && nameHint != "" && nameHint != c.DisplayName {
		res := bestEffort(s.logger, "refresh_display_name",
			s.store.UpdateDisplayName(ctx, tenantID, c.ID, nameHint),
			logger.Tenant(tenantID), logger.Conversation(c.ID))
		if res.OK() {
			c.DisplayName = nameHint
		}
	}
	return c, false, nil
}

// Get returns a conversation owned by tenantID.
func (s *ConversationService) Get(ctx context.Context, tenantID, id string) (*model.Conversation, error) {
	return ownedConversation(ctx, s.store, tenantID, id)
}

// Search lists a tenant's conversations, newest activity first.
func (s *ConversationService) Search(ctx context.Context, f store.ConversationFilter) ([]model.Conversation, int, error) {
	if f.TenantID == "" {
		return nil, 0, newError(ErrorInvalidInput, "tenant is required", nil)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, newError(ErrorInvalidInput, "unknown status "+string(f.Status), nil)
	}
	f.Limit = store.Limit(f.Limit, 50, 200)
	if f.Offset < 0 {
		f.Offset = 0
	}
	items, total, err := s.store.SearchConversations(ctx, f)
	if err != nil {
		return nil, 0, fromStore("search conversations", err)
	}
	return items, total, nil
}

// MarkRead clears the unread counter and marks customer messages read.
func (s *ConversationService) MarkRead(ctx context.Context, tenantID, id string) error {
	if _, err := ownedConversation(ctx, s.store, tenantID, id); err != nil {
		return err
	}
	return fromStore("mark read", s.store.ResetUnread(ctx, tenantID, id))
}

// SetStatus moves the conversation through its lifecycle. Closing frees the
// agent's workload slot.
func (s *ConversationService) SetStatus(ctx context.Context, tenantID, id string, status model.ConversationStatus) (*model.Conversation, error) {
	if !status.Valid() {
		return nil, newError(ErrorInvalidInput, "unknown status "+string(status), nil)
	}
	before, err := ownedConversation(ctx, s.store, tenantID, id)
	if err != nil {
		return nil, err
	}
	c, err := s.store.SetConversationStatus(ctx, tenantID, id, status)
	if err != nil {
		return nil, fromStore("set status", err)
	}
	meta := map[string]any{"from": before.Status, "to": status}
	if before.Assigned() && !c.Assigned() {
		meta["released_agent"] = *before.AgentID
	}
	publish(ctx, s.events, s.logger, newEvent(c, model.EventConversationStatus, "", meta))
	return c, nil
}

// SetTags replaces the tag set. Tags are trimmed and deduplicated.
func (s *ConversationService) SetTags(ctx context.Context, tenantID, id string, tags []string) (*model.Conversation, error) {
	if _, err := ownedConversation(ctx, s.store, tenantID, id); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(tags))
	clean := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		clean = append(clean, tag)
	}
	c, err := s.store.SetTags(ctx, tenantID, id, clean)
	if err != nil {
		return nil, fromStore("set tags", err)
	}
	return c, nil
}

// NoteInput is the author-supplied part of a note.
type NoteInput struct {
	AuthorID   string
	AuthorName string
	Text       string
}

// AddNote appends an internal note.
func (s *ConversationService) AddNote(ctx context.Context, tenantID, id string, in NoteInput) (*model.Note, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, newError(ErrorInvalidInput, "note text is required", nil)
	}
	if _, err := ownedConversation(ctx, s.store, tenantID, id); err != nil {
		return nil, err
	}
	note := model.Note{
		ID:         uuid.Must(uuid.NewV7()).String(),
		AuthorID:   in.AuthorID,
		AuthorName: in.AuthorName,
		Text:       text,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.store.UpdateNotes(ctx, tenantID, id, func(notes []model.Note) ([]model.Note, error) {
		return append(notes, note), nil
	})
	if err != nil {
		return nil, fromStore("add note", err)
	}
	return &note, nil
}

// EditNote replaces a note's text and stamps the edit time.
func (s *ConversationService) EditNote(ctx context.Context, tenantID, id, noteID, text string) (*model.Note, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, newError(ErrorInvalidInput, "note text is required", nil)
	}
	if _, err := ownedConversation(ctx, s.store, tenantID, id); err != nil {
		return nil, err
	}
	var edited model.Note
	_, err := s.store.UpdateNotes(ctx, tenantID, id, func(notes []model.Note) ([]model.Note, error) {
		for i := range notes {
			if notes[i].ID != noteID {
				continue
			}
			now := time.Now().UTC()
			notes[i].Text = text
			notes[i].EditedAt = &now
			edited = notes[i]
			return notes, nil
		}
		return nil, newError(ErrorNotFound, "note not found", nil)
	})
	if err != nil {
		return nil, fromStore("edit note", err)
	}
	return &edited, nil
}

// DeleteNote removes a note, keeping the order of the rest.
func (s *ConversationService) DeleteNote(ctx context.Context, tenantID, id, noteID string) error {
	if _, err := ownedConversation(ctx, s.store, tenantID, id); err != nil {
		return err
	}
	_, err := s.store.UpdateNotes(ctx, tenantID, id, func(notes []model.Note) ([]model.Note, error) {
		for i := range notes {
			if notes[i].ID == noteID {
				return append(notes[:i], notes[i+1:]...), nil
			}
		}
		return nil, newError(ErrorNotFound, "note not found", nil)
	})
	return fromStore("delete note", err)
}
