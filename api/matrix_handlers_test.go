package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attackmatrix/core"
)

type matrixResponse struct {
	Tactics               []tacticSummary              `json:"tactics"`
	Techniques            []matrixTechnique            `json:"techniques"`
	ParentTechniques      []matrixTechnique            `json:"parent_techniques"`
	SubtechniquesByParent map[string][]matrixTechnique `json:"subtechniques_by_parent"`
	Statistics            *struct {
		TotalTechniques    int     `json:"total_techniques"`
		ParentTechniques   int     `json:"parent_techniques"`
		Subtechniques      int     `json:"subtechniques"`
		CoveredTechniques  int     `json:"covered_techniques"`
		CoveragePercentage float64 `json:"coverage_percentage"`
		Tactics            struct {
			Total          int `json:"total"`
			WithTechniques int `json:"with_techniques"`
		} `json:"tactics"`
		FiltersApplied map[string]interface{} `json:"filters_applied"`
	} `json:"statistics"`
	MatrixInfo map[string]interface{} `json:"matrix_info"`
}

func matrixIDs(cells []matrixTechnique) []string {
	ids := make([]string, len(cells))
	for i := range cells {
		ids[i] = cells[i].TechniqueID
	}
	return ids
}

func TestGetMatrix_Default(t *testing.T) {
	env := newTestEnv(t)

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix", env.viewerToken, nil), http.StatusOK, &m)

	require.Len(t, m.Tactics, 2)
	assert.Equal(t, "execution", m.Tactics[0].ShortName, "tactics follow the kill chain")
	assert.Equal(t, 2, m.Tactics[0].TechniquesCount)
	assert.Equal(t, 2, m.Tactics[0].CoveredTechniquesCount)
	assert.Equal(t, 100.0, m.Tactics[0].CoveragePercentage)
	assert.Equal(t, 5, m.Tactics[1].TechniquesCount)
	assert.Equal(t, 0, m.Tactics[1].CoveredTechniquesCount)
	assert.NotEmpty(t, m.Tactics[0].Color)

	assert.Equal(t, []string{"T1059", "T1059.001", "T1078", "T1078.001", "T1078.002", "T1505", "T1505.001"}, matrixIDs(m.Techniques))
	assert.Equal(t, []string{"T1059", "T1078", "T1505"}, matrixIDs(m.ParentTechniques))
	assert.Len(t, m.SubtechniquesByParent["T1078"], 2)

	parent := m.ParentTechniques[0]
	assert.True(t, parent.Coverage.HasCoverage, "parent is covered through its sub-technique")
	assert.Equal(t, 0, parent.Coverage.OwnRules)
	assert.Equal(t, 1, parent.Coverage.SubRules)
	require.NotNil(t, parent.SubtechniquesCount)
	assert.Equal(t, 1, *parent.SubtechniquesCount)
	require.Len(t, parent.Tactics, 1)
	assert.Equal(t, "TA0002", parent.Tactics[0].ID)
	assert.NotNil(t, parent.CreatedAt, "full format carries timestamps")

	require.NotNil(t, m.Statistics)
	assert.Equal(t, 7, m.Statistics.TotalTechniques)
	assert.Equal(t, 3, m.Statistics.ParentTechniques)
	assert.Equal(t, 4, m.Statistics.Subtechniques)
	assert.Equal(t, 2, m.Statistics.CoveredTechniques)
	assert.Equal(t, 28.6, m.Statistics.CoveragePercentage)
	assert.Equal(t, 2, m.Statistics.Tactics.Total)
	assert.Equal(t, 2, m.Statistics.Tactics.WithTechniques)
	assert.Nil(t, m.Statistics.FiltersApplied["platform"])
	assert.Equal(t, "2.0", m.MatrixInfo["version"])
}

func TestGetMatrix_CoverageFilter(t *testing.T) {
	env := newTestEnv(t)

	var covered matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?coverage=covered", env.viewerToken, nil), http.StatusOK, &covered)
	assert.Equal(t, []string{"T1059", "T1059.001"}, matrixIDs(covered.Techniques))
	assert.Equal(t, []string{"T1059"}, matrixIDs(covered.ParentTechniques))

	var uncovered matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?coverage=uncovered", env.viewerToken, nil), http.StatusOK, &uncovered)
	assert.Equal(t, []string{"T1078", "T1078.001", "T1078.002", "T1505", "T1505.001"}, matrixIDs(uncovered.Techniques))
}

func TestGetMatrix_CoverageFilterAppliesToNestedSubtechniques(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.stores.Rules.CreateRule(context.Background(), &core.CorrelationRule{
		Name: "Valid account abuse", TechniqueID: "T1078", Logic: "selection: EventID: 4625",
		Severity: core.SeverityLow, Active: true, Status: core.RuleStatusActive, Author: "seed",
	}))

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?coverage=covered", env.viewerToken, nil), http.StatusOK, &m)
	assert.Equal(t, []string{"T1059", "T1059.001", "T1078"}, matrixIDs(m.Techniques))

	assert.Equal(t, []string{"T1059.001"}, matrixIDs(m.SubtechniquesByParent["T1059"]))
	assert.Empty(t, m.SubtechniquesByParent["T1078"], "uncovered sub-techniques are not nested")

	for _, parent := range m.ParentTechniques {
		require.NotNil(t, parent.SubtechniquesCount)
		assert.Equal(t, len(parent.Subtechniques), *parent.SubtechniquesCount)
		if parent.TechniqueID == "T1078" {
			assert.Zero(t, *parent.SubtechniquesCount)
		}
	}
}

func TestGetMatrix_TacticAndPlatformFilters(t *testing.T) {
	env := newTestEnv(t)

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?tactic=execution&platform=windows", env.viewerToken, nil), http.StatusOK, &m)
	require.Len(t, m.Tactics, 1)
	assert.Equal(t, "TA0002", m.Tactics[0].ID)
	assert.Equal(t, []string{"T1059", "T1059.001"}, matrixIDs(m.Techniques))
	assert.Equal(t, "windows", m.Statistics.FiltersApplied["platform"])
}

func TestGetMatrix_CompactWithoutSubtechniques(t *testing.T) {
	env := newTestEnv(t)

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?format=compact&include_subtechniques=false&include_statistics=false", env.viewerToken, nil), http.StatusOK, &m)
	assert.Equal(t, []string{"T1059", "T1078", "T1505"}, matrixIDs(m.Techniques))
	assert.Nil(t, m.SubtechniquesByParent)
	assert.Nil(t, m.Statistics)
	for _, cell := range m.Techniques {
		assert.Nil(t, cell.CreatedAt)
		assert.Nil(t, cell.SubtechniquesCount)
	}
}

func TestGetMatrix_IncludeDeprecated(t *testing.T) {
	env := newTestEnv(t)

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?include_deprecated=true", env.viewerToken, nil), http.StatusOK, &m)
	assert.Contains(t, matrixIDs(m.Techniques), "T1001")
	assert.NotContains(t, matrixIDs(m.Techniques), "T1000", "revoked techniques never appear")
	assert.Equal(t, 3, m.Tactics[0].TechniquesCount)
}

func TestGetMatrix_CommentCounts(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.stores.Comments.CreateComment(context.Background(), &core.Comment{
		EntityType: core.EntityTechnique, EntityID: "T1505", Text: "needs a web shell rule", CreatedBy: &env.analyst.ID,
	}))

	var m matrixResponse
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix", env.viewerToken, nil), http.StatusOK, &m)
	for _, cell := range m.Techniques {
		if cell.TechniqueID == "T1505" {
			assert.Equal(t, 1, cell.CommentsCount)
		} else {
			assert.Equal(t, 0, cell.CommentsCount)
		}
	}
}

func TestGetMatrix_InvalidParameters(t *testing.T) {
	env := newTestEnv(t)

	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?coverage=some", env.viewerToken, nil), http.StatusBadRequest, nil)
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix?format=xml", env.viewerToken, nil), http.StatusBadRequest, nil)
}

func TestGetMatrix_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	resp := decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix", "", nil), http.StatusUnauthorized, nil)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, http.StatusUnauthorized, resp.Error.Code)
}

func TestGetMatrixTactics(t *testing.T) {
	env := newTestEnv(t)

	var tactics []tacticSummary
	resp := decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix/tactics", env.viewerToken, nil), http.StatusOK, &tactics)
	require.Len(t, tactics, 2)
	assert.Equal(t, "Выполнение", tactics[0].NameRU)
	assert.JSONEq(t, `{"total":2}`, string(resp.Meta))
}

func TestGetMatrixStatistics(t *testing.T) {
	env := newTestEnv(t)

	var stats struct {
		Global struct {
			TotalTechniques   int `json:"total_techniques"`
			CoveredTechniques int `json:"covered_techniques"`
			RulesBySeverity   struct {
				High int `json:"high"`
			} `json:"rules_by_severity"`
		} `json:"global"`
		Tactics    []tacticSummary `json:"tactics"`
		TotalRules int             `json:"total_rules"`
	}
	decodeResponse(t, env.do(t, http.MethodGet, "/api/matrix/statistics", env.viewerToken, nil), http.StatusOK, &stats)
	assert.Equal(t, 7, stats.Global.TotalTechniques)
	assert.Equal(t, 2, stats.Global.CoveredTechniques)
	assert.Equal(t, 2, stats.Global.RulesBySeverity.High, "the sub-technique rule counts for the sub-technique and its parent")
	assert.Equal(t, 2, stats.TotalRules)
	assert.Len(t, stats.Tactics, 2)
}
