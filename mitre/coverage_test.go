package mitre

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attackmatrix/core"
)

func rule(techniqueID string, active bool, severity string) core.CorrelationRule {
	return core.CorrelationRule{TechniqueID: techniqueID, Active: active, Severity: severity, Status: core.RuleStatusActive}
}

func rules(techniqueID string, n int, active bool, severity string) []core.CorrelationRule {
	out := make([]core.CorrelationRule, n)
	for i := range out {
		out[i] = rule(techniqueID, active, severity)
	}
	return out
}

func TestLevelForActiveRules(t *testing.T) {
	tests := []struct {
		active int
		want   CoverageLevel
	}{
		{0, CoverageNone},
		{1, CoverageBasic},
		{2, CoverageBasic},
		{3, CoverageGood},
		{4, CoverageGood},
		{5, CoverageExcellent},
		{42, CoverageExcellent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelForActiveRules(tt.active), "active=%d", tt.active)
	}
}

func TestComputeTechniqueCoverage_SubTechniqueRollUp(t *testing.T) {
	input := append(rules("T1505.001", 2, true, core.SeverityHigh), rule("T1190", true, core.SeverityCritical))

	cov := ComputeTechniqueCoverage("T1505", input)

	assert.Equal(t, 2, cov.TotalRules)
	assert.Equal(t, 2, cov.ActiveRules)
	assert.Equal(t, 0, cov.OwnRules)
	assert.Equal(t, 2, cov.SubRules)
	assert.True(t, cov.HasCoverage)
	assert.Equal(t, CoverageBasic, cov.CoverageLevel)
	assert.Equal(t, SeverityBreakdown{High: 2}, cov.RulesBySeverity)

	sub := ComputeTechniqueCoverage("T1505.002", input)
	assert.Equal(t, 0, sub.TotalRules)
	assert.False(t, sub.HasCoverage)
	assert.Equal(t, CoverageNone, sub.CoverageLevel)
}

func TestComputeTechniqueCoverage_SubTechniqueDoesNotInherit(t *testing.T) {
	input := append(rules("T1059", 3, true, core.SeverityMedium), rule("T1059.001", true, core.SeverityLow))

	cov := ComputeTechniqueCoverage("T1059.001", input)
	assert.Equal(t, 1, cov.TotalRules)
	assert.Equal(t, 1, cov.OwnRules)
	assert.Equal(t, 0, cov.SubRules)

	parent := ComputeTechniqueCoverage("T1059", input)
	assert.Equal(t, 4, parent.TotalRules)
	assert.Equal(t, 3, parent.OwnRules)
	assert.Equal(t, 1, parent.SubRules)
	assert.Equal(t, CoverageGood, parent.CoverageLevel)
}

func TestComputeTechniqueCoverage_PrefixRequiresDot(t *testing.T) {
	// T10590 shares the T1059 prefix but is not a sub-technique
	input := []core.CorrelationRule{rule("T10590", true, core.SeverityHigh), rule("T1059.002", false, core.SeverityHigh)}

	cov := ComputeTechniqueCoverage("T1059", input)
	assert.Equal(t, 1, cov.TotalRules)
	assert.Equal(t, 0, cov.ActiveRules)
	assert.False(t, cov.HasCoverage)
}

func TestComputeTechniqueCoverage_SeverityCountsActiveOnly(t *testing.T) {
	input := []core.CorrelationRule{
		rule("T1078", true, core.SeverityCritical),
		rule("T1078", true, "HIGH"),
		rule("T1078", true, ""),
		rule("T1078", true, "catastrophic"),
		rule("T1078", false, core.SeverityLow),
		rule("T1078.004", true, core.SeverityMedium),
	}

	cov := ComputeTechniqueCoverage("T1078", input)
	assert.Equal(t, 6, cov.TotalRules)
	assert.Equal(t, 5, cov.ActiveRules)
	assert.Equal(t, CoverageExcellent, cov.CoverageLevel)
	assert.Equal(t, SeverityBreakdown{Critical: 1, High: 1, Medium: 1}, cov.RulesBySeverity)
	assert.Equal(t, 3, cov.RulesBySeverity.Total())
}

func TestComputeTechniqueCoverage_EmptyInputs(t *testing.T) {
	assert.Equal(t, CoverageNone, ComputeTechniqueCoverage("T1000", nil).CoverageLevel)

	cov := ComputeTechniqueCoverage("", []core.CorrelationRule{rule("", true, core.SeverityHigh)})
	assert.Equal(t, 0, cov.TotalRules)
	assert.False(t, cov.HasCoverage)
}

func TestComputeTechniqueCoverage_Idempotent(t *testing.T) {
	input := append(rules("T1003", 2, true, core.SeverityHigh), rules("T1003.001", 3, false, core.SeverityLow)...)
	assert.Equal(t, ComputeTechniqueCoverage("T1003", input), ComputeTechniqueCoverage("T1003", input))
}

func TestRuleIndex_MatchesPlainPartition(t *testing.T) {
	input := []core.CorrelationRule{
		rule("T1003", true, core.SeverityHigh),
		rule("T1003.001", true, core.SeverityCritical),
		rule("T1003.002", false, core.SeverityMedium),
		rule("T10030", true, core.SeverityLow),
		rule("T1505.003", true, core.SeverityLow),
		rule("", true, core.SeverityHigh),
	}
	idx := NewRuleIndex(input)
	assert.Equal(t, 5, idx.Len())

	for _, id := range []string{"T1003", "T1003.001", "T1003.002", "T10030", "T1505", "T1505.003", "T9999", ""} {
		assert.Equal(t, ComputeTechniqueCoverage(id, input), idx.Coverage(id), id)
	}
	assert.Len(t, idx.Rules("T1003"), 1)
}

func TestComputeTacticCoverage(t *testing.T) {
	tactic := core.Tactic{ID: "TA0003", Name: "Persistence", ShortName: "persistence"}
	techniques := []core.Technique{
		{AttackID: "T1505"},
		{AttackID: "T1505.001"},
		{AttackID: "T1136"},
		{AttackID: "T1098", Deprecated: true},
		{AttackID: "T1137", Revoked: true},
	}
	links := []core.TacticLink{
		{TechniqueID: "T1505", TacticID: "TA0003"},
		{TechniqueID: "T1505", TacticID: "TA0003"},
		{TechniqueID: "T1505.001", TacticID: "TA0003"},
		{TechniqueID: "T1136", TacticID: "TA0003"},
		{TechniqueID: "T1098", TacticID: "TA0003"},
		{TechniqueID: "T1137", TacticID: "TA0003"},
		{TechniqueID: "T9999", TacticID: "TA0003"},
		{TechniqueID: "T1190", TacticID: "TA0001"},
	}
	idx := NewRuleIndex(append(rules("T1505.001", 2, true, core.SeverityHigh), rule("T1098", true, core.SeverityLow), rule("T1137", true, core.SeverityLow)))

	cov := ComputeTacticCoverage(tactic, techniques, links, idx, CoverageOptions{})
	assert.Equal(t, 3, cov.TotalTechniques)
	assert.Equal(t, 2, cov.CoveredTechniques)
	assert.Equal(t, 66.7, cov.CoveragePercentage)
	assert.ElementsMatch(t, []string{"T1505", "T1505.001"}, cov.CoveredTechniqueIDs)
	assert.Equal(t, []string{"T1136"}, cov.UncoveredTechniqueIDs)

	withDeprecated := ComputeTacticCoverage(tactic, techniques, links, idx, CoverageOptions{IncludeDeprecated: true})
	assert.Equal(t, 4, withDeprecated.TotalTechniques)
	assert.Equal(t, 3, withDeprecated.CoveredTechniques)
	assert.Equal(t, 75.0, withDeprecated.CoveragePercentage)
}

func TestComputeTacticCoverage_NoTechniques(t *testing.T) {
	tactic := core.Tactic{ID: "TA0043", Name: "Reconnaissance", ShortName: "reconnaissance"}
	cov := ComputeTacticCoverage(tactic, nil, nil, NewRuleIndex(nil), CoverageOptions{})
	assert.Equal(t, 0, cov.TotalTechniques)
	assert.Equal(t, 0.0, cov.CoveragePercentage)
	assert.NotNil(t, cov.CoveredTechniqueIDs)
	assert.NotNil(t, cov.UncoveredTechniqueIDs)
}

func TestComputeAllTacticCoverage_KillChainOrder(t *testing.T) {
	tactics := []core.Tactic{
		{ID: "TA0040", ShortName: "impact"},
		{ID: "TA9001", ShortName: "custom-b"},
		{ID: "TA0002", ShortName: "execution"},
		{ID: "TA9000", ShortName: "custom-a"},
		{ID: "TA0001", ShortName: "initial-access"},
	}
	results := ComputeAllTacticCoverage(tactics, nil, nil, NewRuleIndex(nil), CoverageOptions{})
	require.Len(t, results, 5)

	var order []string
	for _, r := range results {
		order = append(order, r.ShortName)
	}
	assert.Equal(t, []string{"initial-access", "execution", "impact", "custom-b", "custom-a"}, order)
	assert.Equal(t, "impact", tactics[0].ShortName, "input must not be reordered")
}

func TestComputeGlobalCoverage(t *testing.T) {
	techniques := []core.Technique{
		{AttackID: "T1505"},
		{AttackID: "T1505.001"},
		{AttackID: "T1505.002"},
		{AttackID: "T1059"},
		{AttackID: "T1059"},
		{AttackID: "T1098", Deprecated: true},
		{AttackID: "T1137", Revoked: true},
		{AttackID: ""},
	}
	input := append(rules("T1505.001", 2, true, core.SeverityHigh), rules("T1059", 5, true, core.SeverityCritical)...)
	input = append(input, rules("T1137", 3, true, core.SeverityLow)...)

	g := ComputeGlobalCoverage(techniques, input, CoverageOptions{})

	assert.Equal(t, 4, g.TotalTechniques)
	assert.Equal(t, 2, g.ParentTechniques)
	assert.Equal(t, 2, g.SubTechniques)
	assert.Equal(t, 3, g.CoveredTechniques)
	assert.Equal(t, 1, g.UncoveredTechniques)
	assert.Equal(t, 75.0, g.CoveragePercentage)
	assert.Equal(t, LevelCounts{Excellent: 1, Basic: 2, None: 1}, g.CoverageLevels)
	assert.Equal(t, g.TotalTechniques, g.CoverageLevels.Total())
	// sub-technique rules count for both the sub-technique and its parent
	assert.Equal(t, SeverityBreakdown{Critical: 5, High: 4}, g.RulesBySeverity)

	withDeprecated := ComputeGlobalCoverage(techniques, input, CoverageOptions{IncludeDeprecated: true})
	assert.Equal(t, 5, withDeprecated.TotalTechniques)
	assert.Equal(t, withDeprecated.TotalTechniques, withDeprecated.CoverageLevels.Total())
}

func TestComputeGlobalCoverage_Empty(t *testing.T) {
	g := ComputeGlobalCoverage(nil, nil, CoverageOptions{})
	assert.Equal(t, GlobalCoverage{}, g)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0.0, Percentage(3, 0, 1))
	assert.Equal(t, 33.3, Percentage(1, 3, 1))
	assert.Equal(t, 66.67, Percentage(2, 3, 2))
	assert.Equal(t, 100.0, Percentage(7, 7, 1))
}
