package api

import (
	"net/http"
	"strings"
	"time"

	"attackmatrix/core"
	"attackmatrix/mitre"
	"attackmatrix/storage"
)

// matrixSchemaVersion is bumped when the matrix response layout changes
const matrixSchemaVersion = "2.0"

// compactDescriptionLength is where compact responses cut descriptions
const compactDescriptionLength = 200

// tacticRef is a tactic as embedded in a technique
type tacticRef struct {
	ID        string `json:"id"`
	ShortName string `json:"shortname"`
	Name      string `json:"name"`
	NameRU    string `json:"name_ru,omitempty"`
}

// tacticSummary is a tactic with its coverage figures
type tacticSummary struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	NameRU                 string   `json:"name_ru,omitempty"`
	ShortName              string   `json:"shortname"`
	Description            string   `json:"description,omitempty"`
	Color                  string   `json:"color"`
	TechniquesCount        int      `json:"techniques_count"`
	CoveredTechniquesCount int      `json:"covered_techniques_count"`
	CoveragePercentage     float64  `json:"coverage_percentage"`
	CoveredTechniqueIDs    []string `json:"covered_technique_ids,omitempty"`
	UncoveredTechniqueIDs  []string `json:"uncovered_technique_ids,omitempty"`
}

// matrixTechnique is a technique cell of the matrix
type matrixTechnique struct {
	ID                  string                  `json:"id"`
	TechniqueID         string                  `json:"technique_id"`
	Name                string                  `json:"name"`
	NameRU              string                  `json:"name_ru,omitempty"`
	Description         string                  `json:"description,omitempty"`
	DescriptionRU       string                  `json:"description_ru,omitempty"`
	Platforms           []string                `json:"platforms"`
	DataSources         []string                `json:"data_sources"`
	PermissionsRequired []string                `json:"permissions_required"`
	Version             string                  `json:"version,omitempty"`
	Deprecated          bool                    `json:"deprecated"`
	Revoked             bool                    `json:"revoked"`
	Tactics             []tacticRef             `json:"tactics"`
	Coverage            mitre.TechniqueCoverage `json:"coverage"`
	CommentsCount       int                     `json:"comments_count"`
	Subtechniques       []*matrixTechnique      `json:"subtechniques,omitempty"`
	SubtechniquesCount  *int                    `json:"subtechniques_count,omitempty"`
	CreatedAt           *time.Time              `json:"created_at,omitempty"`
	UpdatedAt           *time.Time              `json:"updated_at,omitempty"`
}

func newTacticSummary(t core.Tactic, cov mitre.TacticCoverage, withIDs bool) tacticSummary {
	s := tacticSummary{
		ID:                     t.ID,
		Name:                   t.Name,
		NameRU:                 t.NameRU,
		ShortName:              t.ShortName,
		Description:            t.Description,
		Color:                  mitre.TacticColor(t.ShortName),
		TechniquesCount:        cov.TotalTechniques,
		CoveredTechniquesCount: cov.CoveredTechniques,
		CoveragePercentage:     cov.CoveragePercentage,
	}
	if withIDs {
		s.CoveredTechniqueIDs = cov.CoveredTechniqueIDs
		s.UncoveredTechniqueIDs = cov.UncoveredTechniqueIDs
	}
	return s
}

// tacticSummaries computes coverage for every tactic of the snapshot in kill-chain order
func (s *coverageSnapshot) tacticSummaries(opts mitre.CoverageOptions, withIDs bool) []tacticSummary {
	byID := make(map[string]core.Tactic, len(s.tactics))
	for _, t := range s.tactics {
		byID[t.ID] = t
	}

	coverage := mitre.ComputeAllTacticCoverage(s.tactics, s.techniques, s.links, s.index, opts)
	summaries := make([]tacticSummary, 0, len(coverage))
	for _, cov := range coverage {
		summaries = append(summaries, newTacticSummary(byID[cov.TacticID], cov, withIDs))
	}
	return summaries
}

func newMatrixTechnique(t *core.Technique, tactics []core.Tactic, cov mitre.TechniqueCoverage, comments int, compact bool) *matrixTechnique {
	mt := &matrixTechnique{
		ID:                  t.ID,
		TechniqueID:         t.AttackID,
		Name:                t.Name,
		NameRU:              t.DisplayNameRU(),
		Description:         t.Description,
		Platforms:           nonNil(t.Platforms),
		DataSources:         nonNil(t.DataSources),
		PermissionsRequired: nonNil(t.PermissionsRequired),
		Version:             t.Version,
		Deprecated:          t.Deprecated,
		Revoked:             t.Revoked,
		Tactics:             make([]tacticRef, 0, len(tactics)),
		Coverage:            cov,
		CommentsCount:       comments,
	}
	for _, tactic := range tactics {
		mt.Tactics = append(mt.Tactics, tacticRef{ID: tactic.ID, ShortName: tactic.ShortName, Name: tactic.Name, NameRU: tactic.NameRU})
	}

	if compact {
		mt.Description = truncateDescription(t.Description)
		return mt
	}
	mt.DescriptionRU = t.DescriptionRU
	created, updated := t.CreatedAt, t.UpdatedAt
	mt.CreatedAt, mt.UpdatedAt = &created, &updated
	return mt
}

func truncateDescription(s string) string {
	runes := []rune(s)
	if len(runes) <= compactDescriptionLength {
		return s
	}
	return string(runes[:compactDescriptionLength]) + "..."
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// coverageFilterMatches applies the coverage=all|covered|uncovered filter on active rules
func coverageFilterMatches(filter string, cov mitre.TechniqueCoverage) bool {
	switch filter {
	case "covered":
		return cov.ActiveRules > 0
	case "uncovered":
		return cov.ActiveRules == 0
	default:
		return true
	}
}

// getMatrix lists techniques with their coverage, grouped for the matrix view
func (a *API) getMatrix(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	platform := strings.TrimSpace(q.Get("platform"))
	tacticFilter := strings.TrimSpace(q.Get("tactic"))
	coverageFilter := strings.ToLower(q.Get("coverage"))
	if coverageFilter == "" {
		coverageFilter = "all"
	}
	if coverageFilter != "all" && coverageFilter != "covered" && coverageFilter != "uncovered" {
		writeError(w, http.StatusBadRequest, "coverage must be one of: all, covered, uncovered", nil, a.logger)
		return
	}
	format := strings.ToLower(q.Get("format"))
	if format == "" {
		format = "full"
	}
	if format != "full" && format != "compact" {
		writeError(w, http.StatusBadRequest, "format must be one of: full, compact", nil, a.logger)
		return
	}
	includeDeprecated := queryBool(r, "include_deprecated", false)
	includeSubs := queryBool(r, "include_subtechniques", true)
	includeStats := queryBool(r, "include_statistics", true)
	compact := format == "compact"

	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{
		IncludeDeprecated: includeDeprecated,
		Platform:          platform,
		Tactic:            tacticFilter,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load matrix", err, a.logger)
		return
	}
	commentCounts, err := a.stores.Comments.CountByEntity(r.Context(), core.EntityTechnique)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load matrix", err, a.logger)
		return
	}

	start := time.Now()
	opts := mitre.CoverageOptions{IncludeDeprecated: includeDeprecated}
	tacticsOf := snap.tacticsByTechnique()

	tactics := snap.tacticSummaries(opts, false)
	if tacticFilter != "" {
		filtered := make([]tacticSummary, 0, 1)
		for _, t := range tactics {
			if t.ShortName == tacticFilter || t.ID == tacticFilter {
				filtered = append(filtered, t)
			}
		}
		tactics = filtered
	}

	cells := make(map[string]*matrixTechnique, len(snap.techniques))
	subsByParent := make(map[string][]*matrixTechnique)
	for i := range snap.techniques {
		tech := &snap.techniques[i]
		cell := newMatrixTechnique(tech, tacticsOf[tech.AttackID], snap.index.Coverage(tech.AttackID), commentCounts[tech.AttackID], compact)
		cells[tech.AttackID] = cell
		if parent := tech.ParentID(); parent != "" && coverageFilterMatches(coverageFilter, cell.Coverage) {
			subsByParent[parent] = append(subsByParent[parent], cell)
		}
	}

	techniques := make([]*matrixTechnique, 0, len(snap.techniques))
	parents := make([]*matrixTechnique, 0)
	listed := make([]core.Technique, 0, len(snap.techniques))
	for i := range snap.techniques {
		tech := &snap.techniques[i]
		cell := cells[tech.AttackID]
		if tech.IsSubTechnique() && !includeSubs {
			continue
		}
		if !coverageFilterMatches(coverageFilter, cell.Coverage) {
			continue
		}
		if !tech.IsSubTechnique() {
			if includeSubs {
				subs := subsByParent[tech.AttackID]
				if subs == nil {
					subs = []*matrixTechnique{}
				}
				count := len(subs)
				cell.Subtechniques = subs
				cell.SubtechniquesCount = &count
			}
			parents = append(parents, cell)
		}
		techniques = append(techniques, cell)
		listed = append(listed, *tech)
	}

	data := map[string]interface{}{
		"tactics":           tactics,
		"techniques":        techniques,
		"parent_techniques": parents,
		"matrix_info": map[string]interface{}{
			"version":               matrixSchemaVersion,
			"generated_at":          a.now().UTC().Format(time.RFC3339),
			"response_format":       format,
			"include_subtechniques": includeSubs,
			"include_deprecated":    includeDeprecated,
			"include_statistics":    includeStats,
		},
	}
	if includeSubs {
		data["subtechniques_by_parent"] = subsByParent
	}

	if includeStats {
		global := mitre.ComputeGlobalCoverageIndexed(listed, snap.index, opts)
		withTechniques := 0
		for _, t := range tactics {
			if t.TechniquesCount > 0 {
				withTechniques++
			}
		}
		data["statistics"] = map[string]interface{}{
			"total_techniques":     global.TotalTechniques,
			"parent_techniques":    global.ParentTechniques,
			"subtechniques":        global.SubTechniques,
			"covered_techniques":   global.CoveredTechniques,
			"uncovered_techniques": global.UncoveredTechniques,
			"coverage_percentage":  global.CoveragePercentage,
			"coverage_levels":      global.CoverageLevels,
			"rules_by_severity":    global.RulesBySeverity,
			"tactics": map[string]int{
				"total":           len(tactics),
				"with_techniques": withTechniques,
			},
			"filters_applied": map[string]interface{}{
				"platform":           nullIfEmpty(platform),
				"coverage":           coverageFilter,
				"tactic":             nullIfEmpty(tacticFilter),
				"include_deprecated": includeDeprecated,
			},
		}
	}
	timeCoverage("matrix", start)

	a.respondJSON(w, data, http.StatusOK)
}

// getMatrixTactics returns the tactics in kill-chain order with their coverage
func (a *API) getMatrixTactics(w http.ResponseWriter, r *http.Request) {
	includeDeprecated := queryBool(r, "include_deprecated", false)
	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{IncludeDeprecated: includeDeprecated})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load tactics", err, a.logger)
		return
	}

	start := time.Now()
	tactics := snap.tacticSummaries(mitre.CoverageOptions{IncludeDeprecated: includeDeprecated}, false)
	timeCoverage("matrix_tactics", start)

	a.respondJSONWithMeta(w, tactics, map[string]int{"total": len(tactics)}, http.StatusOK)
}

// getMatrixStatistics returns global coverage and per-tactic coverage
func (a *API) getMatrixStatistics(w http.ResponseWriter, r *http.Request) {
	includeDeprecated := queryBool(r, "include_deprecated", false)
	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{IncludeDeprecated: includeDeprecated})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute statistics", err, a.logger)
		return
	}

	start := time.Now()
	opts := mitre.CoverageOptions{IncludeDeprecated: includeDeprecated}
	global := mitre.ComputeGlobalCoverageIndexed(snap.techniques, snap.index, opts)
	tactics := snap.tacticSummaries(opts, false)
	timeCoverage("matrix_statistics", start)

	a.respondJSON(w, map[string]interface{}{
		"global":      global,
		"tactics":     tactics,
		"total_rules": snap.index.Len(),
	}, http.StatusOK)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
