package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attackmatrix/core"
)

func setupAuditStorage(t *testing.T) *SQLiteAuditStorage {
	return NewSQLiteAuditStorage(setupTestSQLite(t), zaptest.NewLogger(t).Sugar())
}

func TestAuditStorage_CreateAndGet(t *testing.T) {
	as := setupAuditStorage(t)
	ctx := context.Background()
	userID := int64(7)

	entry := &core.AuditEntry{
		EventType:   core.EventRuleUpdated,
		Description: "Rule updated",
		UserID:      &userID,
		Username:    "alice",
		EntityType:  core.EntityRule,
		EntityID:    "rule-1",
		OldValues:   json.RawMessage(`{"severity":"low"}`),
		NewValues:   json.RawMessage(`{"severity":"high"}`),
		RiskScore:   150,
	}
	require.NoError(t, as.CreateAuditEntry(ctx, entry))
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, core.AuditInfo, entry.Level)
	assert.Equal(t, 100, entry.RiskScore)

	got, err := as.GetAuditEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"severity":"high"}`, string(got.NewValues))
	assert.Nil(t, got.Metadata)
	require.NotNil(t, got.UserID)
	assert.Equal(t, userID, *got.UserID)
	assert.Equal(t, "critical", got.RiskLevel())

	_, err = as.GetAuditEntry(ctx, "missing")
	assert.ErrorIs(t, err, ErrAuditEntryNotFound)
}

func TestAuditStorage_CreateValidates(t *testing.T) {
	as := setupAuditStorage(t)
	ctx := context.Background()

	assert.Error(t, as.CreateAuditEntry(ctx, &core.AuditEntry{}))
	assert.Error(t, as.CreateAuditEntry(ctx, &core.AuditEntry{EventType: "x", Level: "LOUD"}))
	assert.Error(t, as.CreateAuditEntry(ctx, &core.AuditEntry{EventType: "x", Metadata: json.RawMessage(`{broken`)}))
}

func TestAuditStorage_ListFilters(t *testing.T) {
	as := setupAuditStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	alice, bob := int64(1), int64(2)

	entries := []core.AuditEntry{
		{EventType: core.EventLoginSuccess, Level: core.AuditInfo, Description: "User logged in", UserID: &alice, Username: "alice", CreatedAt: now.Add(-2 * time.Hour)},
		{EventType: core.EventLoginFailed, Level: core.AuditSecurity, Description: "Bad password", Username: "mallory", RiskScore: 80, CreatedAt: now.Add(-30 * time.Minute)},
		{EventType: core.EventRuleCreated, Level: core.AuditInfo, Description: "Rule created", UserID: &bob, Username: "bob", EntityType: "rule", EntityID: "r1", CreatedAt: now.Add(-10 * time.Minute)},
		{EventType: core.EventRuleDeleted, Level: core.AuditWarn, Description: "Rule deleted", UserID: &bob, Username: "bob", EntityType: "rule", EntityID: "r1", RiskScore: 40, CreatedAt: now},
	}
	for i := range entries {
		require.NoError(t, as.CreateAuditEntry(ctx, &entries[i]))
	}

	hourAgo := now.Add(-time.Hour)
	tests := []struct {
		name   string
		filter AuditFilter
		want   int64
	}{
		{"all", AuditFilter{}, 4},
		{"level", AuditFilter{Level: core.AuditSecurity}, 1},
		{"user", AuditFilter{UserID: &bob}, 2},
		{"entity", AuditFilter{EntityType: "rule", EntityID: "r1"}, 2},
		{"from", AuditFilter{From: &hourAgo}, 3},
		{"to", AuditFilter{To: &hourAgo}, 1},
		{"search description", AuditFilter{Search: "password"}, 1},
		{"search event type", AuditFilter{Search: "rule_"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, total, err := as.ListAuditEntries(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, total)
		})
	}

	list, _, err := as.ListAuditEntries(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, core.EventRuleDeleted, list[0].EventType, "newest first by default")

	list, _, err = as.ListAuditEntries(ctx, AuditFilter{SortBy: "risk_score", SortOrder: "desc", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, core.EventLoginFailed, list[0].EventType)
}

func TestAuditStorage_Statistics(t *testing.T) {
	as := setupAuditStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	bob := int64(2)

	for _, e := range []core.AuditEntry{
		{EventType: core.EventLoginFailed, Level: core.AuditSecurity, RiskScore: 90, CreatedAt: now.Add(-time.Minute)},
		{EventType: core.EventLoginFailed, Level: core.AuditSecurity, RiskScore: 70, CreatedAt: now.Add(-2 * time.Minute)},
		{EventType: core.EventRuleCreated, Level: core.AuditInfo, UserID: &bob, Username: "bob", CreatedAt: now.Add(-3 * time.Minute)},
		{EventType: core.EventRuleCreated, Level: core.AuditInfo, UserID: &bob, Username: "bob", CreatedAt: now.Add(-48 * time.Hour)},
	} {
		e := e
		require.NoError(t, as.CreateAuditEntry(ctx, &e))
	}

	stats, err := as.AuditStatistics(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.HighRisk)
	assert.Equal(t, map[string]int64{"SECURITY": 2, "INFO": 1}, stats.ByLevel)
	assert.Equal(t, map[string]int64{core.EventLoginFailed: 2, core.EventRuleCreated: 1}, stats.ByEventType)
	require.Len(t, stats.TopUsers, 1)
	assert.Equal(t, "bob", stats.TopUsers[0].Username)
	assert.Equal(t, int64(1), stats.TopUsers[0].Count)
}
