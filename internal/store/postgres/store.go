// Package postgres implements store.Store on a pgx connection pool.
//
// Per-conversation serialization uses SELECT ... FOR UPDATE on the
// conversation row; workload changes are guarded UPDATEs on the agent row.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/store"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides access to the routing tables.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return New(pool)
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const conversationColumns = `id, tenant_id, phone_number, display_name, last_message_preview, last_message_at,
	unread_count, status, bloqueado, motivo_bloqueio, data_bloqueio, setor, atendente_id,
	unrouted_reason, tags, notes, created_at, updated_at`

func (s *Store) FindConversation(ctx context.Context, tenantID, phone string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND phone_number = $2`,
		tenantID, phone,
	))
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id,
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
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	notes, err := encodeNotes(c.Notes)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (
			id, tenant_id, phone_number, display_name, status, setor, atendente_id,
			tags, notes, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant_id, phone_number) DO NOTHING`,
		c.ID, c.TenantID, c.Phone, c.DisplayName, string(c.Status), c.Sector, nullable(c.AgentID),
		tags, notes, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert conversation: %w", err)
	}

	stored, err := s.FindConversation(ctx, c.TenantID, c.Phone)
	if err != nil {
		return nil, false, err
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateDisplayName(ctx context.Context, tenantID, id, name string) error {
	return execOne(ctx, s.pool, "update display name",
		`UPDATE conversations SET display_name = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		name, id, tenantID,
	)
}

func (s *Store) SearchConversations(ctx context.Context, f store.ConversationFilter) ([]model.Conversation, int, error) {
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	where := []string{"tenant_id = $1"}

	switch {
	case f.OnlyBlocked:
		where = append(where, "bloqueado")
	case !f.IncludeBlocked:
		where = append(where, "NOT bloqueado")
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		where = append(where, "(display_name ILIKE "+p+" OR phone_number LIKE "+p+" OR last_message_preview ILIKE "+p+")")
	}
	if f.Sector != "" {
		where = append(where, "setor = "+arg(f.Sector))
	}
	if f.AgentID != "" {
		where = append(where, "atendente_id = "+arg(f.AgentID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(string(f.Status)))
	}
	if f.UnreadOnly {
		where = append(where, "unread_count > 0")
	}
	if f.Tag != "" {
		where = append(where, arg(f.Tag)+" = ANY(tags)")
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	limit := store.Limit(f.Limit, 50, 200)
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE ` + clause +
		` ORDER BY COALESCE(last_message_at, created_at) DESC, id ASC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)

	rows, err := s.pool.Query(ctx, query, args...)
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockConversation(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if status == model.StatusClosed && c.Assigned() {
			if err := releaseAgent(ctx, tx, *c.AgentID); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE conversations SET atendente_id = NULL WHERE id = $1`, id); err != nil {
				return fmt.Errorf("clear assignment: %w", err)
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET status = $1, updated_at = now() WHERE id = $2`, string(status), id,
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
	if err := execOne(ctx, s.pool, "set tags",
		`UPDATE conversations SET tags = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		tags, id, tenantID,
	); err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) UpdateNotes(ctx context.Context, tenantID, id string, fn func([]model.Note) ([]model.Note, error)) ([]model.Note, error) {
	var out []model.Note
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockConversation(ctx, tx, tenantID, id)
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
		raw, err := encodeNotes(notes)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET notes = $1, updated_at = now() WHERE id = $2`, raw, id,
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
		err = execOne(ctx, s.pool, "block conversation",
			`UPDATE conversations SET bloqueado = TRUE, motivo_bloqueio = $1, data_bloqueio = $2, updated_at = now()
			WHERE id = $3 AND tenant_id = $4`,
			reason, at.UTC(), id, tenantID,
		)
	} else {
		err = execOne(ctx, s.pool, "unblock conversation",
			`UPDATE conversations SET bloqueado = FALSE, motivo_bloqueio = '', data_bloqueio = NULL, updated_at = now()
			WHERE id = $1 AND tenant_id = $2`,
			id, tenantID,
		)
	}
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, id)
}

func (s *Store) MarkUnrouted(ctx context.Context, tenantID, id, reason string) error {
	return execOne(ctx, s.pool, "mark unrouted",
		`UPDATE conversations SET unrouted_reason = $1, updated_at = now() WHERE id = $2 AND tenant_id = $3`,
		reason, id, tenantID,
	)
}

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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := lockConversation(ctx, tx, m.TenantID, m.ConversationID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (conversation_id, provider_message_id) DO NOTHING`,
			m.ID, m.ConversationID, m.TenantID, nullable(model.StringPtr(m.ProviderMessageID)),
			m.Content, string(m.Type), string(m.Sender), m.SenderID, m.MediaURL, m.Read,
			m.Timestamp.UTC(), m.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if tag.RowsAffected() == 0 {
			out, err = scanMessage(tx.QueryRow(ctx,
				`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 AND provider_message_id = $2`,
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
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET
				unread_count = `+unread+`,
				status = CASE WHEN $1 AND status = 'closed' THEN 'active' ELSE status END,
				last_message_preview = CASE WHEN last_message_at IS NULL OR last_message_at <= $2 THEN $3 ELSE last_message_preview END,
				last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
				updated_at = now()
			WHERE id = $4`,
			m.Sender.Inbound(), m.Timestamp.UTC(), model.Preview(m.Content), m.ConversationID,
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
	if _, err := conversationForTenant(ctx, s.pool, tenantID, conversationID); err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = $1 AND tenant_id = $2`
	args := []any{conversationID, tenantID}
	if !before.IsZero() {
		args = append(args, before.UTC())
		query += fmt.Sprintf(` AND timestamp < $%d`, len(args))
	}
	args = append(args, store.Limit(limit, 50, 500))
	query += fmt.Sprintf(` ORDER BY timestamp DESC, created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) ResetUnread(ctx context.Context, tenantID, conversationID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := execOne(ctx, tx, "reset unread",
			`UPDATE conversations SET unread_count = 0, updated_at = now() WHERE id = $1 AND tenant_id = $2`,
			conversationID, tenantID,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender = $2 AND NOT is_read`,
			conversationID, string(model.SenderCustomer),
		); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}
		return nil
	})
}

const agentColumns = `id, tenant_id, nome, setor, ativo, status, current_workload, max_workload, updated_at`

// SaveAgent writes the agent row as given, workload included.
func (s *Store) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			nome = EXCLUDED.nome,
			setor = EXCLUDED.setor,
			ativo = EXCLUDED.ativo,
			status = EXCLUDED.status,
			current_workload = EXCLUDED.current_workload,
			max_workload = EXCLUDED.max_workload,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.TenantID, a.Name, a.Sector, a.Active, string(a.Presence),
		a.CurrentWorkload, a.MaxWorkload, a.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, tenantID, sector string) ([]model.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		WHERE tenant_id = $1 AND ($2 = '' OR setor = $2)
		ORDER BY id ASC`,
		tenantID, sector,
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
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM crm_least_loaded_agent($1, $2)`, tenantID, sector,
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

// assign runs under the conversation row lock, so the owner check and the
// claim see the same atendente_id.
func (s *Store) assign(ctx context.Context, tenantID, conversationID, agentID string, onlyUnassigned bool) (*model.Conversation, bool, error) {
	var (
		out     *model.Conversation
		changed bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockConversation(ctx, tx, tenantID, conversationID)
		if err != nil {
			return err
		}
		if c.AssignedTo(agentID) || onlyUnassigned && c.Assigned() {
			out = c
			return nil
		}
		if err := claimAgent(ctx, tx, tenantID, agentID); err != nil {
			return err
		}
		if c.Assigned() {
			if err := releaseAgent(ctx, tx, *c.AgentID); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET atendente_id = $1, unrouted_reason = '', updated_at = now() WHERE id = $2`,
			agentID, conversationID,
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
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		c, err := lockConversation(ctx, tx, p.TenantID, p.ConversationID)
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

		if agentChanged {
			if p.ToAgentID != nil {
				if err := claimAgent(ctx, tx, p.TenantID, *p.ToAgentID); err != nil {
					return err
				}
			}
			if c.Assigned() {
				if err := releaseAgent(ctx, tx, *c.AgentID); err != nil {
					return err
				}
			}
		}

		if _, err := tx.Exec(ctx,
			`UPDATE conversations SET setor = $1, atendente_id = $2, unrouted_reason = '', updated_at = now() WHERE id = $3`,
			toSector, nullable(p.ToAgentID), p.ConversationID,
		); err != nil {
			return fmt.Errorf("apply transfer: %w", err)
		}

		at := p.At
		if at.IsZero() {
			at = time.Now()
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
			CreatedAt:      at.UTC(),
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO transfers (
				id, tenant_id, conversation_id, setor_origem, setor_destino,
				atendente_origem, atendente_destino, motivo, actor_id, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			record.ID, record.TenantID, record.ConversationID, record.FromSector, record.ToSector,
			nullable(record.FromAgentID), nullable(record.ToAgentID), record.Reason, record.ActorID,
			record.CreatedAt,
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, conversation_id, setor_origem, setor_destino,
			atendente_origem, atendente_destino, motivo, actor_id, created_at
		FROM transfers WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC, id ASC`,
		tenantID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	var out []model.TransferRecord
	for rows.Next() {
		var r model.TransferRecord
		if err := rows.Scan(&r.ID, &r.TenantID, &r.ConversationID, &r.FromSector, &r.ToSector,
			&r.FromAgentID, &r.ToAgentID, &r.Reason, &r.ActorID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return out, nil
}

func claimAgent(ctx context.Context, q querier, tenantID, agentID string) error {
	tag, err := q.Exec(ctx,
		`UPDATE agents SET current_workload = current_workload + 1, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND ativo AND status = $3 AND current_workload < max_workload`,
		agentID, tenantID, string(model.PresenceOnline),
	)
	if err != nil {
		return fmt.Errorf("claim agent workload: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	a, err := scanAgent(q.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2`, agentID, tenantID,
	))
	if err != nil {
		return fmt.Errorf("claim agent %s: %w", agentID, err)
	}
	if !a.Available() {
		return fmt.Errorf("agent %s unavailable: %w", agentID, store.ErrConflict)
	}
	return fmt.Errorf("agent %s: %w", agentID, store.ErrAtCapacity)
}

func releaseAgent(ctx context.Context, q querier, agentID string) error {
	if _, err := q.Exec(ctx,
		`UPDATE agents SET current_workload = GREATEST(current_workload - 1, 0), updated_at = now() WHERE id = $1`,
		agentID,
	); err != nil {
		return fmt.Errorf("release agent workload: %w", err)
	}
	return nil
}

func lockConversation(ctx context.Context, q querier, tenantID, id string) (*model.Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("lock conversation %s: %w", id, err)
	}
	return c, nil
}

func conversationForTenant(ctx context.Context, q querier, tenantID, id string) (*model.Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("conversation %s: %w", id, err)
	}
	return c, nil
}

func execOne(ctx context.Context, q querier, op, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}

func scanConversation(row pgx.Row) (*model.Conversation, error) {
	var (
		c      model.Conversation
		status string
		notes  []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Phone, &c.DisplayName, &c.LastMessagePreview, &c.LastMessageAt,
		&c.UnreadCount, &status, &c.Blocked, &c.BlockReason, &c.BlockedAt, &c.Sector, &c.AgentID,
		&c.UnroutedReason, &c.Tags, &notes, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	c.Status = model.ConversationStatus(status)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	if c.LastMessageAt != nil {
		t := c.LastMessageAt.UTC()
		c.LastMessageAt = &t
	}
	if c.BlockedAt != nil {
		t := c.BlockedAt.UTC()
		c.BlockedAt = &t
	}
	if err := json.Unmarshal(notes, &c.Notes); err != nil {
		return nil, fmt.Errorf("decode notes: %w", err)
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*model.Message, error) {
	var (
		m           model.Message
		providerID  *string
		typ, sender string
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.TenantID, &providerID, &m.Content, &typ, &sender,
		&m.SenderID, &m.MediaURL, &m.Read, &m.Timestamp, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if providerID != nil {
		m.ProviderMessageID = *providerID
	}
	m.Type = model.MessageType(typ)
	m.Sender = model.SenderRole(sender)
	m.Timestamp = m.Timestamp.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var (
		a        model.Agent
		presence string
	)
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Sector, &a.Active, &presence,
		&a.CurrentWorkload, &a.MaxWorkload, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	a.Presence = model.Presence(presence)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func encodeNotes(notes []model.Note) ([]byte, error) {
	if notes == nil {
		notes = []model.Note{}
	}
	raw, err := json.Marshal(notes)
	if err != nil {
		return nil, fmt.Errorf("encode notes: %w", err)
	}
	return raw, nil
}

func nullable(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
