package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/inbox-router/internal/middleware"
	"github.com/capitalize-ai/inbox-router/internal/model"
	"github.com/capitalize-ai/inbox-router/internal/service"
	"github.com/capitalize-ai/inbox-router/internal/store/sqlite"
	"github.com/capitalize-ai/inbox-router/pkg/logger"
)

const (
	tenant = "fac-1"
	secret = "handler-test-secret"
)

type testServer struct {
	db      *sqlite.Store
	handler http.Handler
}

func newTestServer(t *testing.T, failOnStorageError bool) *testServer {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	log := logger.NewNop()
	events := service.NopPublisher{}
	conversations := service.NewConversationService(db, events, "", log)
	ledger := service.NewLedgerService(db, events, log)
	assignment := service.NewAssignmentService(db, events, "", log)
	transfer := service.NewTransferService(db, ledger, assignment, events, log)
	tenants := func(instance string) (string, bool) {
		return map[string]string{"loja-centro": tenant}[instance], instance == "loja-centro"
	}
	ingest := service.NewIngestService(db, conversations, ledger, assignment, nil, tenants, log)

	h := NewRouter(RouterConfig{
		JWTSecret:         secret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		WebhookRateLimit:  1000,
		WebhookRateWindow: time.Minute,
	}, Handlers{
		Health:        NewHealthHandler(db, nil, nil),
		Webhook:       NewWebhookHandler(ingest, "verify-me", failOnStorageError, log),
		Routing:       NewRoutingHandler(assignment, transfer, log),
		Conversations: NewConversationHandler(conversations, ledger, transfer, nil, log),
	}, log)

	return &testServer{db: db, handler: h}
}

func token(t *testing.T, tenantID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		FaculdadeID: tenantID,
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (s *testServer) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) agent(t *testing.T, id, sector string, current, capacity int) {
	t.Helper()
	require.NoError(t, s.db.SaveAgent(context.Background(), &model.Agent{
		ID: id, TenantID: tenant, Name: id, Sector: sector, Active: true,
		Presence: model.PresenceOnline, CurrentWorkload: current, MaxWorkload: capacity,
	}))
}

const evolutionBody = `{
	"key": {"remoteJid": "5511999990000@s.whatsapp.net", "fromMe": false, "id": "3EB0A1"},
	"pushName": "Maria",
	"message": {"conversation": "Oi"}
}`

func TestWebhookStoresAndAssigns(t *testing.T) {
	s := newTestServer(t, false)
	s.agent(t, "ana", "Vendas", 0, 5)

	rec := s.do(t, http.MethodPost, "/webhooks/evolution/"+tenant, "", evolutionBody)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "stored", body["outcome"])
	assert.Equal(t, "ana", body["atendente_id"])
	assert.NotEmpty(t, body["conversation_id"])

	rec = s.do(t, http.MethodPost, "/webhooks/auto/"+tenant, "", evolutionBody)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "duplicate", decode(t, rec)["outcome"])
}

func TestWebhookAcknowledgesUnusablePayloads(t *testing.T) {
	s := newTestServer(t, false)

	tests := []struct {
		name    string
		path    string
		body    string
		outcome string
	}{
		{"invalid json", "/webhooks/auto/" + tenant, `{"key":`, "parse_failed"},
		{"tenant unresolved", "/webhooks/evolution", `{"instance": "outra", "data": {"key": {"remoteJid": "551188@s.whatsapp.net", "id": "z"}, "message": {"conversation": "oi"}}}`, "tenant_unresolved"},
		{"group", "/webhooks/evolution/" + tenant, `{"key": {"remoteJid": "1203@g.us", "id": "g"}, "message": {"conversation": "oi"}}`, "ignored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, "", tt.body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.outcome, decode(t, rec)["outcome"])
		})
	}

	rec := s.do(t, http.MethodPost, "/webhooks/telegram/"+tenant, "", evolutionBody)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookResolvesTenantFromInstance(t *testing.T) {
	s := newTestServer(t, false)
	body := `{"event": "messages.upsert", "instance": "loja-centro", "data": {"key": {"remoteJid": "5511977776666@s.whatsapp.net", "id": "i1"}, "message": {"conversation": "Bom dia"}}}`

	rec := s.do(t, http.MethodPost, "/webhooks/evolution", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stored", decode(t, rec)["outcome"])

	_, err := s.db.FindConversation(context.Background(), tenant, "5511977776666")
	require.NoError(t, err)
}

func TestWebhookVerify(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodGet, "/webhooks/cloud/"+tenant+"?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/webhooks/cloud/"+tenant+"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhookStorageFailure(t *testing.T) {
	for _, strict := range []bool{false, true} {
		s := newTestServer(t, strict)
		require.NoError(t, s.db.Close())

		rec := s.do(t, http.MethodPost, "/webhooks/evolution/"+tenant, "", evolutionBody)
		body := decode(t, rec)
		assert.Equal(t, "storage_error", body["outcome"])
		if strict {
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		} else {
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	}
}

func ingestOne(t *testing.T, s *testServer) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/webhooks/evolution/"+tenant, "", evolutionBody)
	require.Equal(t, http.StatusOK, rec.Code)
	id, _ := decode(t, rec)["conversation_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestRoutingAssign(t *testing.T) {
	s := newTestServer(t, false)
	convID := ingestOne(t, s)
	s.agent(t, "full", "Vendas", 5, 5)
	s.agent(t, "bia", "Vendas", 1, 5)
	auth := token(t, tenant)

	rec := s.do(t, http.MethodPost, "/api/v1/routing/assign", auth, map[string]any{
		"conversation_id": convID, "faculdade_id": tenant, "atendente_id": "full",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "at_capacity", body["error"])

	rec = s.do(t, http.MethodPost, "/api/v1/routing/assign", auth, map[string]any{
		"conversation_id": convID, "faculdade_id": tenant, "setor": "Vendas",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "bia", body["atendente_id"])

	rec = s.do(t, http.MethodPost, "/api/v1/routing/assign", auth, map[string]any{
		"conversation_id": convID, "faculdade_id": "fac-2", "setor": "Vendas",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/routing/assign", "", map[string]any{
		"conversation_id": convID, "faculdade_id": tenant,
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutingCrossTenantConversation(t *testing.T) {
	s := newTestServer(t, false)
	convID := ingestOne(t, s)

	rec := s.do(t, http.MethodPost, "/api/v1/routing/bloquear", token(t, "fac-2"), map[string]any{
		"conversao_id": convID, "faculdade_id": "fac-2", "motivo": "spam",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutingTransferAndBlock(t *testing.T) {
	s := newTestServer(t, false)
	convID := ingestOne(t, s)
	auth := token(t, tenant)

	rec := s.do(t, http.MethodPost, "/api/v1/routing/transferir", auth, map[string]any{
		"conversation_id": convID, "faculdade_id": tenant,
		"setor_origem": "Geral", "setor_destino": "Suporte", "motivo": "dúvida técnica",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["system_message"])

	rec = s.do(t, http.MethodPost, "/api/v1/routing/transferir", auth, map[string]any{
		"conversation_id": convID, "faculdade_id": tenant,
		"setor_origem": "Geral", "setor_destino": "Vendas",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/routing/bloquear", auth, map[string]any{
		"conversao_id": convID, "faculdade_id": tenant, "motivo": "spam",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Total-Count"))

	rec = s.do(t, http.MethodGet, "/api/v1/conversations?bloqueado=true", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Total-Count"))

	rec = s.do(t, http.MethodPost, "/api/v1/routing/desbloquear", auth, map[string]any{
		"conversao_id": convID, "faculdade_id": tenant,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/"+convID+"/transfers", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	transfers, _ := decode(t, rec)["transfers"].([]any)
	assert.Len(t, transfers, 1)
}

func TestConversationEndpoints(t *testing.T) {
	s := newTestServer(t, false)
	convID := ingestOne(t, s)
	auth := token(t, tenant)
	base := "/api/v1/conversations/" + convID

	rec := s.do(t, http.MethodGet, base, auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["unread_count"])

	rec = s.do(t, http.MethodGet, base, token(t, "fac-2"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/conversations/missing", auth, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, base+"/messages", auth, map[string]any{"content": "Olá, Maria!"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "agent", decode(t, rec)["sender"])

	rec = s.do(t, http.MethodGet, base+"/messages", auth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msgs, _ := decode(t, rec)["messages"].([]any)
	assert.Len(t, msgs, 2)

	rec = s.do(t, http.MethodPost, base+"/read", auth, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPut, base+"/tags", auth, map[string]any{"tags": []string{"vip", "vip"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"vip"}, decode(t, rec)["tags"])

	rec = s.do(t, http.MethodPost, base+"/notes", auth, map[string]any{"text": "cliente antigo"})
	require.Equal(t, http.StatusCreated, rec.Code)
	noteID, _ := decode(t, rec)["id"].(string)

	rec = s.do(t, http.MethodPut, base+"/notes/"+noteID, auth, map[string]any{"text": "cliente desde 2019"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cliente desde 2019", decode(t, rec)["text"])

	rec = s.do(t, http.MethodDelete, base+"/notes/"+noteID, auth, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodPut, base+"/status", auth, map[string]any{"status": "closed"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode(t, rec)["status"])

	rec = s.do(t, http.MethodPut, base+"/status", auth, map[string]any{"status": "archived"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, base+"/events", auth, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "disabled", decode(t, rec)["events"])
}
