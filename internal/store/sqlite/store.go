// Package sqlite implements store.Store on modernc.org/sqlite.
//
// The pool is limited to one connection so every transaction is serialized;
// code running inside a transaction must only use that transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"

	_ "modernc.org/sqlite"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction and commits when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Conversations

const conversationColumns = `id, tenant_id, phone_number, display_name, last_message_preview, last_message_at,
	unread_count, status, bloqueado, motivo_bloqueio, data_bloqueio, setor, atendente_id,
	unrouted_reason, tags, notes, created_at, updated_at`

func (s *Store) FindConversation(ctx context.Context, tenantID, phone string) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = ? AND phone_number = ?`,
		tenantID, phone,
	))
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id,
	))
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) UpsertConversation(ctx context.Context, c *model.Conversation) (*model.Conversation, bool, error) {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = model.StatusActive
	}
	tags, notes, err := encodeCollections(c.Tags, c.Notes)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(
			id, tenant_id, phone_number, display_name, status, setor, atendente_id,
			tags, notes, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, phone_number) DO NOTHING`,
		c.ID, c.TenantID, c.Phone, c.DisplayName, string(c.Status), c.Sector, nullString(c.AgentID),
		tags, notes, c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversation rows affected: %w", err)
	}

	stored, err := s.FindConversation(ctx, c.TenantID, c.Phone)
	if err != nil {
		return nil, false, err
	}
	return stored, affected == 1, nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, tenantID, id, name string) error {
	return s.execOne(ctx, "update display name",
		`UPDATE conversations SET display_name = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		name, nowMilli(), id, tenantID,
	)
}

func (s *Store) SearchConversations(ctx context.Context, f store.ConversationFilter) ([]model.Conversation, int, error) {
	where := []string{"tenant_id = ?"}
	args := []any{f.TenantID}

	switch {
	case f.OnlyBlocked:
		where = append(where, "bloqueado = 1")
	case !f.IncludeBlocked:
		where = append(where, "bloqueado = 0")
	}
	if f.Query != "" {
		like := "%" + strings.ToLower(f.Query) + "%"
		where = append(where, "(LOWER(display_name) LIKE ? OR phone_number LIKE ? OR LOWER(last_message_preview) LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.Sector != "" {
		where = append(where, "setor = ?")
		args = append(args, f.Sector)
	}
	if f.AgentID != "" {
		where = append(where, "atendente_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UnreadOnly {
		where = append(where, "unread_count > 0")
	}
	if f.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(conversations.tags) WHERE json_each.value = ?)")
		args = append(args, f.Tag)
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	limit := store.Limit(f.Limit, 50, 200)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE `+clause+`
		ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC
		LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	out := make([]model.Conversation, 0, limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, total, nil
}

func (s *Store) SetConversationStatus(ctx context.Context, tenantID, id string, status model.ConversationStatus) (*model.Conversation, error) {
	var out *model.Conversation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := conversationForTenant(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		now := nowMilli()
		if status == model.StatusClosed && c.Assigned() {
			if err := releaseAgent(ctx, tx, *c.AgentID, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE conversations SET atendente_id = NULL WHERE id = ?`, id,
			); err != nil {
				return fmt.Errorf("clear assignment: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id,
		); err != nil {
			return fmt.Errorf("set conversation status: %w", err)
		}
		out, err = conversationForTenant(ctx, tx, tenantID, id)
		return err
	})
	return out, err
}

func (s *Store) SetTags(ctx context.Context, tenantID, id string, tags []string) (*model.Conversation, error) {
	if tags == nil {
		tags = []string{}
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}
	if err := s.execOne(ctx, "set tags",
		`UPDATE conversations SET tags = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		string(raw), nowMilli(), id, tenantID,
	); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) UpdateNotes(ctx context.Context, tenantID, id string, fn func([]model.Note) ([]model.Note, error)) ([]model.Note, error) {
	var out []model.Note
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := conversationForTenant(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		notes, err := fn(c.Notes)
		if err != nil {
			return err
		}
		if notes == nil {
			notes = []model.Note{}
		}
		raw, err := json.Marshal(notes)
		if err != nil {
			return fmt.Errorf("encode notes: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET notes = ?, updated_at = ? WHERE id = ?`,
			string(raw), nowMilli(), id,
		); err != nil {
			return fmt.Errorf("update notes: %w", err)
		}
		out = notes
		return nil
	})
	return out, err
}

func (s *Store) SetBlocked(ctx context.Context, tenantID, id string, blocked bool, reason string, at time.Time) (*model.Conversation, error) {
	var err error
	if blocked {
		err = s.execOne(ctx, "block conversation",
			`UPDATE conversations SET bloqueado = 1, motivo_bloqueio = ?, data_bloqueio = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ?`,
			reason, at.UnixMilli(), nowMilli(), id, tenantID,
		)
	} else {
		err = s.execOne(ctx, "unblock conversation",
			`UPDATE conversations SET bloqueado = 0, motivo_bloqueio = '', data_bloqueio = NULL, updated_at = ?
			WHERE id = ? AND tenant_id = ?`,
			nowMilli(), id, tenantID,
		)
	}
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) MarkUnrouted(ctx context.Context, tenantID, id, reason string) error {
	return s.execOne(ctx, "mark unrouted",
		`UPDATE conversations SET unrouted_reason = ?, updated_at = ? WHERE id = ? AND tenant_id = ?`,
		reason, nowMilli(), id, tenantID,
	)
}

// Messages

const messageColumns = `id, conversation_id, tenant_id, provider_message_id, content, type, sender,
	sender_id, media_url, is_read, timestamp, created_at`

func (s *Store) AppendMessage(ctx context.Context, m *model.Message) (*model.Message, bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = m.CreatedAt
	}

	var (
		out      *model.Message
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := conversationForTenant(ctx, tx, m.TenantID, m.ConversationID); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages(`+messageColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, provider_message_id) DO NOTHING`,
			m.ID, m.ConversationID, m.TenantID, nullString(model.StringPtr(m.ProviderMessageID)),
			m.Content, string(m.Type), string(m.Sender), m.SenderID, m.MediaURL, boolInt(m.Read),
			m.Timestamp.UnixMilli(), m.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert message rows affected: %w", err)
		}
		if affected == 0 {
			out, err = scanMessage(tx.QueryRowContext(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? AND provider_message_id = ?`,
				m.ConversationID, m.ProviderMessageID,
			))
			if err != nil {
				return fmt.Errorf("load duplicate message: %w", err)
			}
			return nil
		}

		unread := "0"
		if m.Sender.Inbound() {
			unread = "unread_count + 1"
		}
		ts := m.Timestamp.UnixMilli()
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET
				unread_count = `+unread+`,
				status = CASE WHEN ? = 1 AND status = 'closed' THEN 'active' ELSE status END,
				last_message_preview = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_preview END,
				last_message_at = CASE WHEN last_message_at IS NULL OR last_message_at <= ? THEN ? ELSE last_message_at END,
				updated_at = ?
			WHERE id = ?`,
			boolInt(m.Sender.Inbound()), ts, model.Preview(m.Content), ts, ts, nowMilli(), m.ConversationID,
		); err != nil {
			return fmt.Errorf("update conversation summary: %w", err)
		}

		stored := *m
		out = &stored
		inserted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, limit int, before time.Time) ([]model.Message, error) {
	if _, err := conversationForTenant(ctx, s.db, tenantID, conversationID); err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ? AND tenant_id = ?`
	args := []any{conversationID, tenantID}
	if !before.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, before.UnixMilli())
	}
	query += ` ORDER BY timestamp DESC, created_at DESC, id DESC LIMIT ?`
	args = append(args, store.Limit(limit, 50, 500))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ResetUnread(ctx context.Context, tenantID, conversationID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ? AND tenant_id = ?`,
			nowMilli(), conversationID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}
		if err := expectOne(res); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND sender = ? AND is_read = 0`,
			conversationID, string(model.SenderCustomer),
		); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		return nil
	})
}

// Agents

const agentColumns = `id, tenant_id, nome, setor, ativo, status, current_workload, max_workload, updated_at`

// SaveAgent writes the agent row as given, workload included.
func (s *Store) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(`+agentColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			nome = excluded.nome,
			setor = excluded.setor,
			ativo = excluded.ativo,
			status = excluded.status,
			current_workload = excluded.current_workload,
			max_workload = excluded.max_workload,
			updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.Name, a.Sector, boolInt(a.Active), string(a.Presence),
		a.CurrentWorkload, a.MaxWorkload, a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID, sector string) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE tenant_id = ? AND (? = '' OR setor = ?)
		ORDER BY id ASC`,
		tenantID, sector, sector,
	)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return out, nil
}

func (s *Store) QueryLeastLoadedAgent(ctx context.Context, tenantID, sector string) (*model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE tenant_id = ? AND (? = '' OR setor = ?)
			AND ativo = 1 AND status = ? AND current_workload < max_workload
		ORDER BY current_workload ASC, id ASC
		LIMIT 1`,
		tenantID, sector, sector, string(model.PresenceOnline),
	))
	if err != nil {
		return nil, fmt.Errorf("query least loaded agent: %w", err)
	}
	return a, nil
}

func (s *Store) AssignAgent(ctx context.Context, tenantID, conversationID, agentID string) (*model.Conversation, bool, error) {
	return s.assign(ctx, tenantID, conversationID, agentID, false)
}

func (s *Store) AssignIfUnassigned(ctx context.Context, tenantID, conversationID, agentID string) (*model.Conversation, bool, error) {
	return s.assign(ctx, tenantID, conversationID, agentID, true)
}

func (s *Store) assign(ctx context.Context, tenantID, conversationID, agentID string, onlyUnassigned bool) (*model.Conversation, bool, error) {
	var (
		out     *model.Conversation
		changed bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := conversationForTenant(ctx, tx, tenantID, conversationID)
		if err != nil {
			return err
		}
		if c.AssignedTo(agentID) || onlyUnassigned && c.Assigned() {
			out = c
			return nil
		}

		now := nowMilli()
		if err := claimAgent(ctx, tx, tenantID, agentID, now); err != nil {
			return err
		}
		if c.Assigned() {
			if err := releaseAgent(ctx, tx, *c.AgentID, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET atendente_id = ?, unrouted_reason = '', updated_at = ? WHERE id = ?`,
			agentID, now, conversationID,
		); err != nil {
			return fmt.Errorf("set assignment: %w", err)
		}

		out, err = conversationForTenant(ctx, tx, tenantID, conversationID)
		changed = true
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func (s *Store) TransferConversation(ctx context.Context, p store.TransferParams) (*model.Conversation, *model.TransferRecord, error) {
	var (
		out    *model.Conversation
		record *model.TransferRecord
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := conversationForTenant(ctx, tx, p.TenantID, p.ConversationID)
		if err != nil {
			return err
		}
		if p.ExpectedSector != "" && p.ExpectedSector != c.Sector {
			return fmt.Errorf("transfer from sector %q, conversation is in %q: %w", p.ExpectedSector, c.Sector, store.ErrConflict)
		}
		toSector := p.ToSector
		if toSector == "" {
			toSector = c.Sector
		}
		agentChanged := !model.SameAgent(c.AgentID, p.ToAgentID)
		if toSector == c.Sector && !agentChanged {
			return fmt.Errorf("transfer changes nothing: %w", store.ErrConflict)
		}

		now := nowMilli()
		if agentChanged {
			if p.ToAgentID != nil {
				if err := claimAgent(ctx, tx, p.TenantID, *p.ToAgentID, now); err != nil {
					return err
				}
			}
			if c.Assigned() {
				if err := releaseAgent(ctx, tx, *c.AgentID, now); err != nil {
					return err
				}
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET setor = ?, atendente_id = ?, unrouted_reason = '', updated_at = ? WHERE id = ?`,
			toSector, nullString(p.ToAgentID), now, p.ConversationID,
		); err != nil {
			return fmt.Errorf("apply transfer: %w", err)
		}

		at := p.At
		if at.IsZero() {
			at = time.UnixMilli(now).UTC()
		}
		record = &model.TransferRecord{
			ID:             p.RecordID,
			TenantID:       p.TenantID,
			ConversationID: p.ConversationID,
			FromSector:     c.Sector,
			ToSector:       toSector,
			FromAgentID:    c.AgentID,
			ToAgentID:      p.ToAgentID,
			Reason:         p.Reason,
			ActorID:        p.ActorID,
			CreatedAt:      at,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transfers(
				id, tenant_id, conversation_id, setor_origem, setor_destino,
				atendente_origem, atendente_destino, motivo, actor_id, created_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.ID, record.TenantID, record.ConversationID, record.FromSector, record.ToSector,
			nullString(record.FromAgentID), nullString(record.ToAgentID), record.Reason, record.ActorID,
			at.UnixMilli(),
		); err != nil {
			return fmt.Errorf("insert transfer record: %w", err)
		}

		out, err = conversationForTenant(ctx, tx, p.TenantID, p.ConversationID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return out, record, nil
}

func (s *Store) ListTransfers(ctx context.Context, tenantID, conversationID string) ([]model.TransferRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, conversation_id, setor_origem, setor_destino,
			atendente_origem, atendente_destino, motivo, actor_id, created_at
		FROM transfers WHERE tenant_id = ? AND conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		tenantID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		var (
			r         model.TransferRecord
			from, to  sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ConversationID, &r.FromSector, &r.ToSector,
			&from, &to, &r.Reason, &r.ActorID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		r.FromAgentID = stringPtr(from)
		r.ToAgentID = stringPtr(to)
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

// claimAgent takes one workload slot. The guard in the WHERE clause is the
// capacity check; a zero row count is then classified.
func claimAgent(ctx context.Context, q querier, tenantID, agentID string, now int64) error {
	res, err := q.ExecContext(ctx,
		`UPDATE agents SET current_workload = current_workload + 1, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND ativo = 1 AND status = ? AND current_workload < max_workload`,
		now, agentID, tenantID, string(model.PresenceOnline),
	)
	if err != nil {
		return fmt.Errorf("claim agent workload: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim agent rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	a, err := scanAgent(q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ? AND tenant_id = ?`, agentID, tenantID,
	))
	if err != nil {
		return fmt.Errorf("claim agent %s: %w", agentID, err)
	}
	if !a.Available() {
		return fmt.Errorf("agent %s unavailable: %w", agentID, store.ErrConflict)
	}
	return fmt.Errorf("agent %s: %w", agentID, store.ErrAtCapacity)
}

func releaseAgent(ctx context.Context, q querier, agentID string, now int64) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE agents SET current_workload = MAX(current_workload - 1, 0), updated_at = ? WHERE id = ?`,
		now, agentID,
	); err != nil {
		return fmt.Errorf("release agent workload: %w", err)
	}
	return nil
}

func conversationForTenant(ctx context.Context, q querier, tenantID, id string) (*model.Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND tenant_id = ?`, id, tenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := expectOne(res); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		c                    model.Conversation
		status, tags, notes  string
		lastAt, blockedAt    sql.NullInt64
		agentID              sql.NullString
		blocked              int
		createdAt, updatedAt int64
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.DisplayName, &c.LastMessagePreview, &lastAt,
		&c.UnreadCount, &status, &blocked, &c.BlockReason, &blockedAt, &c.Sector, &agentID,
		&c.UnroutedReason, &tags, &notes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Status = model.ConversationStatus(status)
	c.Blocked = blocked == 1
	c.LastMessageAt = timePtr(lastAt)
	c.BlockedAt = timePtr(blockedAt)
	c.AgentID = stringPtr(agentID)
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := json.Unmarshal([]byte(tags), &c.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(notes), &c.Notes); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var (
		m                    model.Message
		providerID           sql.NullString
		typ, sender          string
		read                 int
		timestamp, createdAt int64
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.TenantID, &providerID, &m.Content, &typ, &sender,
		&m.SenderID, &m.MediaURL, &read, &timestamp, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	m.ProviderMessageID = providerID.String
	m.Type = model.MessageType(typ)
	m.Sender = model.SenderRole(sender)
	m.Read = read == 1
	m.Timestamp = time.UnixMilli(timestamp).UTC()
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &m, nil
}

func scanAgent(row rowScanner) (*model.Agent, error) {
	var (
		a         model.Agent
		active    int
		presence  string
		updatedAt int64
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Sector, &active, &presence,
		&a.CurrentWorkload, &a.MaxWorkload, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.Active = active == 1
	a.Presence = model.Presence(presence)
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

func encodeCollections(tags []string, notes []model.Note) (string, string, error) {
	if tags == nil {
		tags = []string{}
	}
	if notes == nil {
		notes = []model.Note{}
	}
	rawTags, err := json.Marshal(tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", err)
	}
	rawNotes, err := json.Marshal(notes)
	if err != nil {
		return "", "", fmt.Errorf("encode notes: %w", err)
	}
	return string(rawTags), string(rawNotes), nil
}

func nowMilli() int64 {
	return time.Now().UTC().UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func nullString(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
