package mitre

import (
	"math"
	"strings"

	"attackmatrix/core"
)

// CoverageLevel grades a technique by its number of active rules
type CoverageLevel string

const (
	CoverageExcellent CoverageLevel = "excellent"
	CoverageGood      CoverageLevel = "good"
	CoverageBasic     CoverageLevel = "basic"
	CoverageNone      CoverageLevel = "none"
)

// LevelForActiveRules maps an active rule count to a coverage level.
// Boundaries are inclusive: 5+ excellent, 3-4 good, 1-2 basic, 0 none.
func LevelForActiveRules(active int) CoverageLevel {
	switch {
	case active >= 5:
		return CoverageExcellent
	case active >= 3:
		return CoverageGood
	case active >= 1:
		return CoverageBasic
	default:
		return CoverageNone
	}
}

// SeverityBreakdown counts active rules per severity
type SeverityBreakdown struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
}

// add counts one rule of the given severity; unknown or empty severities are ignored
func (s *SeverityBreakdown) add(severity string) {
	switch strings.ToLower(severity) {
	case core.SeverityCritical:
		s.Critical++
	case core.SeverityHigh:
		s.High++
	case core.SeverityMedium:
		s.Medium++
	case core.SeverityLow:
		s.Low++
	}
}

// Merge adds other's counts to s
func (s *SeverityBreakdown) Merge(other SeverityBreakdown) {
	s.Critical += other.Critical
	s.High += other.High
	s.Medium += other.Medium
	s.Low += other.Low
}

// Total returns the number of counted rules
func (s SeverityBreakdown) Total() int {
	return s.Critical + s.High + s.Medium + s.Low
}

// LevelCounts counts techniques per coverage level
type LevelCounts struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Basic     int `json:"basic"`
	None      int `json:"none"`
}

func (l *LevelCounts) add(level CoverageLevel) {
	switch level {
	case CoverageExcellent:
		l.Excellent++
	case CoverageGood:
		l.Good++
	case CoverageBasic:
		l.Basic++
	default:
		l.None++
	}
}

// Total returns the number of counted techniques
func (l LevelCounts) Total() int {
	return l.Excellent + l.Good + l.Basic + l.None
}

// TechniqueCoverage is the rule coverage of one technique, including rules attached
// to its sub-techniques when the technique is a parent
type TechniqueCoverage struct {
	TechniqueID     string            `json:"technique_id"`
	TotalRules      int               `json:"total_rules"`
	ActiveRules     int               `json:"active_rules"`
	OwnRules        int               `json:"own_rules"`
	SubRules        int               `json:"sub_rules"`
	RulesBySeverity SeverityBreakdown `json:"rules_by_severity"`
	HasCoverage     bool              `json:"has_coverage"`
	CoverageLevel   CoverageLevel     `json:"coverage_level"`
}

// ComputeTechniqueCoverage partitions rules into those attached to techniqueID and,
// when techniqueID is a parent, those attached to any of its sub-techniques.
// Rules must already exclude deleted ones. Rules with an empty technique ID never match.
func ComputeTechniqueCoverage(techniqueID string, rules []core.CorrelationRule) TechniqueCoverage {
	var own, sub []*core.CorrelationRule
	if techniqueID == "" {
		return summarize(techniqueID, nil, nil)
	}

	isParent := !core.IsSubTechniqueID(techniqueID)
	prefix := techniqueID + "."
	for i := range rules {
		r := &rules[i]
		switch {
		case r.TechniqueID == techniqueID:
			own = append(own, r)
		case isParent && strings.HasPrefix(r.TechniqueID, prefix):
			sub = append(sub, r)
		}
	}
	return summarize(techniqueID, own, sub)
}

func summarize(techniqueID string, own, sub []*core.CorrelationRule) TechniqueCoverage {
	cov := TechniqueCoverage{
		TechniqueID: techniqueID,
		OwnRules:    len(own),
		SubRules:    len(sub),
		TotalRules:  len(own) + len(sub),
	}

	for _, group := range [][]*core.CorrelationRule{own, sub} {
		for _, r := range group {
			if !r.Active {
				continue
			}
			cov.ActiveRules++
			cov.RulesBySeverity.add(r.Severity)
		}
	}

	cov.HasCoverage = cov.ActiveRules > 0
	cov.CoverageLevel = LevelForActiveRules(cov.ActiveRules)
	return cov
}

// RuleIndex groups rules by technique so coverage for many techniques can be
// computed without rescanning the full rule set. It produces the same results as
// ComputeTechniqueCoverage.
type RuleIndex struct {
	own   map[string][]*core.CorrelationRule
	sub   map[string][]*core.CorrelationRule
	total int
}

// NewRuleIndex builds an index over rules. The slice must not be modified while the index is in use.
func NewRuleIndex(rules []core.CorrelationRule) *RuleIndex {
	idx := &RuleIndex{
		own: make(map[string][]*core.CorrelationRule),
		sub: make(map[string][]*core.CorrelationRule),
	}
	for i := range rules {
		r := &rules[i]
		if r.TechniqueID == "" {
			continue
		}
		idx.total++
		idx.own[r.TechniqueID] = append(idx.own[r.TechniqueID], r)
		if parent := core.ParentTechniqueID(r.TechniqueID); parent != "" {
			idx.sub[parent] = append(idx.sub[parent], r)
		}
	}
	return idx
}

// Coverage returns the coverage of techniqueID
func (idx *RuleIndex) Coverage(techniqueID string) TechniqueCoverage {
	if techniqueID == "" {
		return summarize(techniqueID, nil, nil)
	}
	own := idx.own[techniqueID]
	var sub []*core.CorrelationRule
	if !core.IsSubTechniqueID(techniqueID) {
		sub = idx.sub[techniqueID]
	}
	return summarize(techniqueID, own, sub)
}

// Rules returns the indexed rules attached directly to techniqueID
func (idx *RuleIndex) Rules(techniqueID string) []*core.CorrelationRule {
	return idx.own[techniqueID]
}

// Len returns the number of indexed rules
func (idx *RuleIndex) Len() int {
	return idx.total
}

// CoverageOptions controls which techniques take part in tactic and global coverage
type CoverageOptions struct {
	IncludeDeprecated bool
}

// eligible reports whether a technique takes part in coverage statistics
func (o CoverageOptions) eligible(t *core.Technique) bool {
	if t.AttackID == "" || t.Revoked {
		return false
	}
	return o.IncludeDeprecated || !t.Deprecated
}

// TacticCoverage is the share of a tactic's techniques with at least one active rule
type TacticCoverage struct {
	TacticID              string   `json:"tactic_id"`
	Name                  string   `json:"name"`
	ShortName             string   `json:"shortname"`
	TotalTechniques       int      `json:"techniques_count"`
	CoveredTechniques     int      `json:"covered_techniques_count"`
	CoveragePercentage    float64  `json:"coverage_percentage"`
	CoveredTechniqueIDs   []string `json:"covered_technique_ids"`
	UncoveredTechniqueIDs []string `json:"uncovered_technique_ids"`
}

// ComputeTacticCoverage computes coverage for the techniques linked to tactic.
// Revoked techniques are skipped, deprecated ones unless opts.IncludeDeprecated.
// A technique linked more than once counts once.
func ComputeTacticCoverage(tactic core.Tactic, techniques []core.Technique, links []core.TacticLink, index *RuleIndex, opts CoverageOptions) TacticCoverage {
	byID := indexTechniques(techniques)
	var linked []string
	for _, l := range links {
		if l.TacticID == tactic.ID {
			linked = append(linked, l.TechniqueID)
		}
	}
	return tacticCoverage(tactic, linked, byID, index, opts)
}

// ComputeAllTacticCoverage computes coverage for every tactic and returns the results
// in kill-chain order
func ComputeAllTacticCoverage(tactics []core.Tactic, techniques []core.Technique, links []core.TacticLink, index *RuleIndex, opts CoverageOptions) []TacticCoverage {
	byID := indexTechniques(techniques)
	linked := make(map[string][]string, len(tactics))
	for _, l := range links {
		linked[l.TacticID] = append(linked[l.TacticID], l.TechniqueID)
	}

	results := make([]TacticCoverage, 0, len(tactics))
	for _, tactic := range SortTacticsByKillChain(tactics) {
		results = append(results, tacticCoverage(tactic, linked[tactic.ID], byID, index, opts))
	}
	return results
}

func tacticCoverage(tactic core.Tactic, techniqueIDs []string, byID map[string]*core.Technique, index *RuleIndex, opts CoverageOptions) TacticCoverage {
	result := TacticCoverage{
		TacticID:              tactic.ID,
		Name:                  tactic.Name,
		ShortName:             tactic.ShortName,
		CoveredTechniqueIDs:   []string{},
		UncoveredTechniqueIDs: []string{},
	}

	seen := make(map[string]bool, len(techniqueIDs))
	for _, id := range techniqueIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		tech, ok := byID[id]
		if !ok || !opts.eligible(tech) {
			continue
		}

		result.TotalTechniques++
		if index.Coverage(id).HasCoverage {
			result.CoveredTechniques++
			result.CoveredTechniqueIDs = append(result.CoveredTechniqueIDs, id)
		} else {
			result.UncoveredTechniqueIDs = append(result.UncoveredTechniqueIDs, id)
		}
	}

	result.CoveragePercentage = Percentage(result.CoveredTechniques, result.TotalTechniques, 1)
	return result
}

// GlobalCoverage summarizes coverage across the whole knowledge base
type GlobalCoverage struct {
	TotalTechniques     int               `json:"total_techniques"`
	ParentTechniques    int               `json:"parent_techniques"`
	SubTechniques       int               `json:"subtechniques"`
	CoveredTechniques   int               `json:"covered_techniques"`
	UncoveredTechniques int               `json:"uncovered_techniques"`
	CoveragePercentage  float64           `json:"coverage_percentage"`
	CoverageLevels      LevelCounts       `json:"coverage_levels"`
	RulesBySeverity     SeverityBreakdown `json:"rules_by_severity"`
}

// ComputeGlobalCoverage aggregates coverage over every eligible technique. Techniques
// are deduplicated by ATT&CK ID. Severity totals are the sum of per-technique
// breakdowns, so a sub-technique rule counts for both the sub-technique and its parent.
func ComputeGlobalCoverage(techniques []core.Technique, rules []core.CorrelationRule, opts CoverageOptions) GlobalCoverage {
	return ComputeGlobalCoverageIndexed(techniques, NewRuleIndex(rules), opts)
}

// ComputeGlobalCoverageIndexed is ComputeGlobalCoverage over a prebuilt index
func ComputeGlobalCoverageIndexed(techniques []core.Technique, index *RuleIndex, opts CoverageOptions) GlobalCoverage {
	var g GlobalCoverage
	seen := make(map[string]bool, len(techniques))

	for i := range techniques {
		tech := &techniques[i]
		if !opts.eligible(tech) || seen[tech.AttackID] {
			continue
		}
		seen[tech.AttackID] = true

		g.TotalTechniques++
		if tech.IsSubTechnique() {
			g.SubTechniques++
		} else {
			g.ParentTechniques++
		}

		cov := index.Coverage(tech.AttackID)
		if cov.HasCoverage {
			g.CoveredTechniques++
		}
		g.CoverageLevels.add(cov.CoverageLevel)
		g.RulesBySeverity.Merge(cov.RulesBySeverity)
	}

	g.UncoveredTechniques = g.TotalTechniques - g.CoveredTechniques
	g.CoveragePercentage = Percentage(g.CoveredTechniques, g.TotalTechniques, 1)
	return g
}

// Percentage returns part/total*100 rounded to the given number of decimals, or 0
// when total is 0
func Percentage(part, total, decimals int) float64 {
	if total <= 0 {
		return 0
	}
	scale := math.Pow(10, float64(decimals))
	return math.Round(float64(part)/float64(total)*100*scale) / scale
}

func indexTechniques(techniques []core.Technique) map[string]*core.Technique {
	byID := make(map[string]*core.Technique, len(techniques))
	for i := range techniques {
		if _, exists := byID[techniques[i].AttackID]; !exists {
			byID[techniques[i].AttackID] = &techniques[i]
		}
	}
	return byID
}
