package api

import (
	"context"
	"fmt"
	"time"

	"attackmatrix/core"
	"attackmatrix/metrics"
	"attackmatrix/mitre"
	"attackmatrix/storage"
)

// coverageSnapshot is the data one request computes coverage from. It is loaded fresh
// for every request and never shared.
type coverageSnapshot struct {
	techniques []core.Technique
	tactics    []core.Tactic
	links      []core.TacticLink
	rules      []core.CorrelationRule
	index      *mitre.RuleIndex
}

// loadCoverageSnapshot loads the techniques matching filter plus every tactic, link and
// non-deleted rule
func (a *API) loadCoverageSnapshot(ctx context.Context, filter storage.TechniqueFilter) (*coverageSnapshot, error) {
	techniques, err := a.stores.KnowledgeBase.ListTechniques(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list techniques: %w", err)
	}
	tactics, err := a.stores.KnowledgeBase.ListTactics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tactics: %w", err)
	}
	links, err := a.stores.KnowledgeBase.ListTacticLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tactic links: %w", err)
	}
	rules, _, err := a.stores.Rules.ListRules(ctx, storage.RuleFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	return &coverageSnapshot{
		techniques: techniques,
		tactics:    tactics,
		links:      links,
		rules:      rules,
		index:      mitre.NewRuleIndex(rules),
	}, nil
}

// timeCoverage observes how long a coverage view took to compute
func timeCoverage(view string, start time.Time) {
	metrics.CoverageComputeDuration.WithLabelValues(view).Observe(time.Since(start).Seconds())
}

// tacticsByTechnique maps technique IDs to their tactics, in kill-chain order
func (s *coverageSnapshot) tacticsByTechnique() map[string][]core.Tactic {
	byID := make(map[string]core.Tactic, len(s.tactics))
	for _, t := range s.tactics {
		byID[t.ID] = t
	}

	result := make(map[string][]core.Tactic)
	for _, l := range s.links {
		if tactic, ok := byID[l.TacticID]; ok {
			result[l.TechniqueID] = append(result[l.TechniqueID], tactic)
		}
	}
	for id, tactics := range result {
		result[id] = mitre.SortTacticsByKillChain(tactics)
	}
	return result
}

// findTactic resolves a tactic by slug or TA code
func (s *coverageSnapshot) findTactic(key string) (core.Tactic, bool) {
	for _, t := range s.tactics {
		if t.ShortName == key || t.ID == key {
			return t, true
		}
	}
	return core.Tactic{}, false
}

// coverageStatus classifies a technique for the coverage listing
func coverageStatus(cov mitre.TechniqueCoverage) string {
	switch {
	case cov.ActiveRules > 0:
		return "covered"
	case cov.TotalRules > 0:
		return "partially_covered"
	default:
		return "not_covered"
	}
}
