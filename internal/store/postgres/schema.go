package postgres

// crm_least_loaded_agent is the primary automatic selection query; the
// service falls back to scanning ListAgents when it fails.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	last_message_preview TEXT NOT NULL DEFAULT '',
	last_message_at TIMESTAMPTZ NULL,
	unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
	status TEXT NOT NULL DEFAULT 'active',
	bloqueado BOOLEAN NOT NULL DEFAULT FALSE,
	motivo_bloqueio TEXT NOT NULL DEFAULT '',
	data_bloqueio TIMESTAMPTZ NULL,
	setor TEXT NOT NULL DEFAULT '',
	atendente_id TEXT NULL,
	unrouted_reason TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	notes JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, phone_number)
);
CREATE INDEX IF NOT EXISTS idx_conversations_tenant_recent ON conversations (tenant_id, last_message_at DESC);
CREATE INDEX IF NOT EXISTS idx_conversations_agent ON conversations (tenant_id, atendente_id);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	tenant_id TEXT NOT NULL,
	provider_message_id TEXT NULL,
	content TEXT NOT NULL,
	type TEXT NOT NULL,
	sender TEXT NOT NULL,
	sender_id TEXT NOT NULL DEFAULT '',
	media_url TEXT NOT NULL DEFAULT '',
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	timestamp TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (conversation_id, provider_message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	nome TEXT NOT NULL DEFAULT '',
	setor TEXT NOT NULL DEFAULT '',
	ativo BOOLEAN NOT NULL DEFAULT TRUE,
	status TEXT NOT NULL DEFAULT 'offline',
	current_workload INTEGER NOT NULL DEFAULT 0 CHECK (current_workload >= 0),
	max_workload INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_agents_pick ON agents (tenant_id, setor, current_workload, id);

CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	setor_origem TEXT NOT NULL,
	setor_destino TEXT NOT NULL,
	atendente_origem TEXT NULL,
	atendente_destino TEXT NULL,
	motivo TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transfers_conversation ON transfers (conversation_id, created_at);

CREATE OR REPLACE FUNCTION crm_least_loaded_agent(p_tenant TEXT, p_sector TEXT)
RETURNS SETOF agents
LANGUAGE sql STABLE AS $$
	SELECT * FROM agents
	WHERE tenant_id = p_tenant
		AND (p_sector = '' OR setor = p_sector)
		AND ativo
		AND status = 'online'
		AND current_workload < max_workload
	ORDER BY current_workload ASC, id ASC
	LIMIT 1
$$;
`
