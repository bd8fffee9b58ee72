package api

// Shared test helpers for the handler tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"attackmatrix/config"
	"attackmatrix/core"
	"attackmatrix/storage"
)

const testPassword = "Passw0rd123"

// testEnv is an API over a migrated SQLite database seeded with a small knowledge base,
// two rules and one user per role
type testEnv struct {
	api    *API
	sqlite *storage.SQLite
	stores Stores

	admin, analyst, viewer                *core.User
	adminToken, analystToken, viewerToken string
}

// testConfig returns a configuration with authentication on and limits out of the way
func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.SessionSecret = "test-secret-key-for-session-tokens-0123456789"
	cfg.Auth.SessionTTL = 24 * time.Hour
	cfg.Auth.RememberTTL = 30 * 24 * time.Hour
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Auth.SessionCacheSize = 128
	cfg.Auth.SessionCacheTTL = time.Minute
	cfg.Auth.PasswordMinLength = 8
	cfg.Auth.AdminUsername = "admin"

	cfg.API.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.API.JSONBodyLimit = 1 << 20
	cfg.API.ImportBodyLimit = 10 << 20
	unlimited := config.RateTier{Limit: 1000000, Window: time.Second, Burst: 1000000}
	cfg.API.RateLimit.Login = unlimited
	cfg.API.RateLimit.API = unlimited
	cfg.API.RateLimit.Global = unlimited
	return cfg
}

// newTestEnv builds a seeded API. mutate may adjust the configuration before the API is created.
func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	sqlite, err := storage.NewSQLite(filepath.Join(t.TempDir(), "api.db"), logger)
	require.NoError(t, err)
	require.NoError(t, sqlite.RunMigrations())
	t.Cleanup(func() { _ = sqlite.Close() })

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	stores := Stores{
		KnowledgeBase: storage.NewSQLiteKnowledgeBase(sqlite, logger),
		Rules:         storage.NewSQLiteRuleStorage(sqlite, logger),
		Comments:      storage.NewSQLiteCommentStorage(sqlite, logger),
		Users:         storage.NewSQLiteUserStorage(sqlite, cfg.Auth.BcryptCost, logger),
		Sessions:      storage.NewSQLiteSessionStorage(sqlite, logger),
		Audit:         storage.NewSQLiteAuditStorage(sqlite, logger),
	}

	a, err := NewAPI(stores, sqlite, nil, cfg, logger)
	require.NoError(t, err)

	env := &testEnv{api: a, sqlite: sqlite, stores: stores}
	env.seedKnowledgeBase(t)
	env.seedRules(t)

	env.admin = env.createUser(t, "admin", core.RoleAdmin)
	env.analyst = env.createUser(t, "analyst", core.RoleAnalyst)
	env.viewer = env.createUser(t, "viewer", core.RoleViewer)
	env.adminToken = env.tokenFor(t, env.admin)
	env.analystToken = env.tokenFor(t, env.analyst)
	env.viewerToken = env.tokenFor(t, env.viewer)
	return env
}

// seedKnowledgeBase loads two tactics and T1059 (+.001), T1078 (+.001, .002),
// T1505 (+.001), a revoked T1000 and a deprecated T1001
func (env *testEnv) seedKnowledgeBase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	kb := env.stores.KnowledgeBase

	tactics := []core.Tactic{
		{ID: "TA0002", Name: "Execution", NameRU: "Выполнение", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", NameRU: "Закрепление", ShortName: "persistence"},
	}
	for i := range tactics {
		require.NoError(t, kb.UpsertTactic(ctx, &tactics[i]))
	}

	techniques := []struct {
		tech    core.Technique
		tactics []string
	}{
		{core.Technique{AttackID: "T1059", Name: "Command and Scripting Interpreter", Description: "Adversaries may abuse command and script interpreters.", Platforms: []string{"Windows", "Linux"}}, []string{"TA0002"}},
		{core.Technique{AttackID: "T1059.001", Name: "PowerShell", Platforms: []string{"Windows"}}, []string{"TA0002"}},
		{core.Technique{AttackID: "T1078", Name: "Valid Accounts", Platforms: []string{"Windows", "Linux", "macOS"}}, []string{"TA0003"}},
		{core.Technique{AttackID: "T1078.001", Name: "Default Accounts", Platforms: []string{"Linux"}}, []string{"TA0003"}},
		{core.Technique{AttackID: "T1078.002", Name: "Domain Accounts", Platforms: []string{"Windows"}}, []string{"TA0003"}},
		{core.Technique{AttackID: "T1505", Name: "Server Software Component", Platforms: []string{"Linux"}}, []string{"TA0003"}},
		{core.Technique{AttackID: "T1505.001", Name: "SQL Stored Procedures", Platforms: []string{"Windows"}}, []string{"TA0003"}},
		{core.Technique{AttackID: "T1000", Name: "Revoked Technique", Revoked: true}, []string{"TA0002"}},
		{core.Technique{AttackID: "T1001", Name: "Deprecated Technique", Deprecated: true}, []string{"TA0002", "TA0003"}},
	}
	for i := range techniques {
		require.NoError(t, kb.UpsertTechnique(ctx, &techniques[i].tech))
		require.NoError(t, kb.ReplaceTechniqueTactics(ctx, techniques[i].tech.AttackID, techniques[i].tactics))
	}
}

// seedRules adds an active high rule on T1059.001 and an inactive medium rule on T1078.
// T1059 is covered through its sub-technique, T1078 is partially covered, T1505 is not covered.
func (env *testEnv) seedRules(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	rules := []*core.CorrelationRule{
		{Name: "Encoded PowerShell command", TechniqueID: "T1059.001", Logic: "selection: CommandLine|contains: '-enc'", Severity: core.SeverityHigh, Active: true, Status: core.RuleStatusActive, Author: "seed"},
		{Name: "Default account logon", TechniqueID: "T1078", Logic: "selection: EventID: 4624", Severity: core.SeverityMedium, Author: "seed"},
	}
	for _, rule := range rules {
		require.NoError(t, env.stores.Rules.CreateRule(ctx, rule))
	}
}

func (env *testEnv) createUser(t *testing.T, username, role string) *core.User {
	t.Helper()
	user := &core.User{Username: username, Role: role, IsActive: true, FullName: username + " user"}
	require.NoError(t, env.stores.Users.CreateUser(context.Background(), user, testPassword))
	return user
}

// tokenFor opens a session for user and signs a token for it
func (env *testEnv) tokenFor(t *testing.T, user *core.User) string {
	t.Helper()
	session := &core.Session{UserID: user.ID, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, env.stores.Sessions.CreateSession(context.Background(), session))
	token, err := env.api.tokens.Sign(session, user.Username)
	require.NoError(t, err)
	return token
}

// do sends a request through the full middleware chain. body is JSON encoded unless
// it is already a []byte.
func (env *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		payload = b
	default:
		var err error
		payload, err = json.Marshal(b)
		require.NoError(t, err)
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.api.Handler().ServeHTTP(rr, req)
	return rr
}

// testResponse is the success envelope with data left raw for the caller to decode
type testResponse struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Meta    json.RawMessage `json:"meta"`
	Error   *struct {
		Message string          `json:"message"`
		Code    int             `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// decodeResponse asserts the status code and decodes the envelope, and data into dst when non-nil
func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder, status int, dst interface{}) testResponse {
	t.Helper()
	require.Equal(t, status, rr.Code, "unexpected status, body: %s", rr.Body.String())

	var resp testResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body: %s", rr.Body.String())
	if dst != nil {
		require.NoError(t, json.Unmarshal(resp.Data, dst))
	}
	return resp
}

// auditEvents returns the event types recorded so far, newest first
func (env *testEnv) auditEvents(t *testing.T) []string {
	t.Helper()
	entries, _, err := env.stores.Audit.ListAuditEntries(context.Background(), storage.AuditFilter{})
	require.NoError(t, err)
	events := make([]string, len(entries))
	for i, e := range entries {
		events[i] = e.EventType
	}
	return events
}
