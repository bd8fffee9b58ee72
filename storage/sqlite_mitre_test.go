package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attackmatrix/core"
)

// seedKnowledgeBase loads two tactics and a handful of techniques:
// T1059 (+.001), T1078 (+.001, .002), T1505 (+.001), a revoked T1000 and a deprecated T1001
func seedKnowledgeBase(t *testing.T, kb *SQLiteKnowledgeBase) {
	t.Helper()
	ctx := context.Background()

	tactics := []core.Tactic{
		{ID: "TA0002", Name: "Execution", ShortName: "execution"},
		{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
	}
	for i := range tactics {
		require.NoError(t, kb.UpsertTactic(ctx, &tactics[i]))
	}

	techniques := []struct {
		tech    core.Technique
		tactics []string
	}{
		{core.Technique{AttackID: "T1059", Name: "Command and Scripting Interpreter", Platforms: []string{"Windows", "Linux"}}, []string{"TA0002"}},
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

func setupKnowledgeBase(t *testing.T) (*SQLite, *SQLiteKnowledgeBase) {
	sqlite := setupTestSQLite(t)
	kb := NewSQLiteKnowledgeBase(sqlite, zaptest.NewLogger(t).Sugar())
	seedKnowledgeBase(t, kb)
	return sqlite, kb
}

func techniqueIDs(techniques []core.Technique) []string {
	ids := make([]string, len(techniques))
	for i := range techniques {
		ids[i] = techniques[i].AttackID
	}
	return ids
}

func TestKnowledgeBase_ListTechniquesDefaults(t *testing.T) {
	_, kb := setupKnowledgeBase(t)

	techniques, err := kb.ListTechniques(context.Background(), TechniqueFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1059", "T1059.001", "T1078", "T1078.001", "T1078.002", "T1505", "T1505.001"},
		techniqueIDs(techniques))
	assert.Equal(t, []string{"Windows", "Linux"}, techniques[0].Platforms)
}

func TestKnowledgeBase_ListTechniquesFilters(t *testing.T) {
	_, kb := setupKnowledgeBase(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		filter TechniqueFilter
		want   []string
	}{
		{"include revoked and deprecated", TechniqueFilter{IncludeRevoked: true, IncludeDeprecated: true},
			[]string{"T1000", "T1001", "T1059", "T1059.001", "T1078", "T1078.001", "T1078.002", "T1505", "T1505.001"}},
		{"platform is case-insensitive", TechniqueFilter{Platform: "macos"}, []string{"T1078"}},
		{"tactic by slug", TechniqueFilter{Tactic: "execution"}, []string{"T1059", "T1059.001"}},
		{"tactic by code", TechniqueFilter{Tactic: "TA0002"}, []string{"T1059", "T1059.001"}},
		{"search by name", TechniqueFilter{Search: "powershell"}, []string{"T1059.001"}},
		{"search by id", TechniqueFilter{Search: "t1505"}, []string{"T1505", "T1505.001"}},
		{"sub-techniques of parent", TechniqueFilter{ParentID: "T1078"}, []string{"T1078.001", "T1078.002"}},
		{"parents only", TechniqueFilter{ParentsOnly: true}, []string{"T1059", "T1078", "T1505"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			techniques, err := kb.ListTechniques(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, techniqueIDs(techniques))
		})
	}
}

func TestKnowledgeBase_UpsertKeepsIDAndTranslation(t *testing.T) {
	sqlite, kb := setupKnowledgeBase(t)
	ctx := context.Background()

	before, err := kb.GetTechnique(ctx, "T1059")
	require.NoError(t, err)

	_, err = sqlite.WriteDB.Exec(`UPDATE techniques SET name_ru = 'Интерпретатор' WHERE attack_id = 'T1059'`)
	require.NoError(t, err)

	require.NoError(t, kb.UpsertTechnique(ctx, &core.Technique{AttackID: "T1059", Name: "Renamed", Version: "2.4"}))

	after, err := kb.GetTechnique(ctx, "t1059")
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "Renamed", after.Name)
	assert.Equal(t, "Интерпретатор", after.NameRU)
	assert.Equal(t, "2.4", after.Version)
}

func TestKnowledgeBase_UpsertRejectsInvalidID(t *testing.T) {
	sqlite := setupTestSQLite(t)
	kb := NewSQLiteKnowledgeBase(sqlite, zaptest.NewLogger(t).Sugar())

	err := kb.UpsertTechnique(context.Background(), &core.Technique{AttackID: "X1", Name: "bad"})
	assert.Error(t, err)
}

func TestKnowledgeBase_GetTechniqueNotFound(t *testing.T) {
	_, kb := setupKnowledgeBase(t)

	_, err := kb.GetTechnique(context.Background(), "T9999")
	assert.ErrorIs(t, err, ErrTechniqueNotFound)
}

func TestKnowledgeBase_ReplaceTechniqueTactics(t *testing.T) {
	_, kb := setupKnowledgeBase(t)
	ctx := context.Background()

	require.NoError(t, kb.ReplaceTechniqueTactics(ctx, "T1059", []string{"TA0003"}))

	tactics, err := kb.TacticsForTechnique(ctx, "T1059")
	require.NoError(t, err)
	require.Len(t, tactics, 1)
	assert.Equal(t, "persistence", tactics[0].ShortName)

	err = kb.ReplaceTechniqueTactics(ctx, "T1059", []string{"TA9999"})
	assert.Error(t, err, "unknown tactic violates the foreign key")

	tactics, err = kb.TacticsForTechnique(ctx, "T1059")
	require.NoError(t, err)
	assert.Len(t, tactics, 1, "failed replace must roll back")
}

func TestKnowledgeBase_ListTacticsAndLinks(t *testing.T) {
	_, kb := setupKnowledgeBase(t)
	ctx := context.Background()

	tactics, err := kb.ListTactics(ctx)
	require.NoError(t, err)
	require.Len(t, tactics, 2)
	assert.Equal(t, "TA0002", tactics[0].ID)

	links, err := kb.ListTacticLinks(ctx)
	require.NoError(t, err)
	assert.Len(t, links, 10)
	assert.Contains(t, links, core.TacticLink{TechniqueID: "T1001", TacticID: "TA0003"})
}

func TestKnowledgeBase_SearchTechniques(t *testing.T) {
	_, kb := setupKnowledgeBase(t)
	ctx := context.Background()

	results, err := kb.SearchTechniques(ctx, "T1078", 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "T1078", results[0].AttackID, "exact ID match ranks first")
	assert.Len(t, results, 3)

	results, err = kb.SearchTechniques(ctx, "revoked", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = kb.SearchTechniques(ctx, "%", 10)
	require.NoError(t, err)
	assert.Empty(t, results, "wildcards are matched literally")
}
