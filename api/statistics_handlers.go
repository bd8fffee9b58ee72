package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"attackmatrix/mitre"
	"attackmatrix/storage"
)

const dashboardListSize = 10

// overviewStatistics is the headline block shared by the overview and the dashboard
type overviewStatistics struct {
	TotalTechniques      int     `json:"total_techniques"`
	ActiveTechniques     int     `json:"active_techniques"`
	TotalTactics         int     `json:"total_tactics"`
	TotalRules           int     `json:"total_rules"`
	ActiveRules          int     `json:"active_rules"`
	TotalComments        int64   `json:"total_comments"`
	CoveredTechniques    int     `json:"covered_techniques"`
	PartiallyCovered     int     `json:"partially_covered_techniques"`
	UncoveredTechniques  int     `json:"uncovered_techniques"`
	CoveragePercentage   float64 `json:"coverage_percentage"`
	CoverageStatus       string  `json:"coverage_status"`
	SubTechniques        int     `json:"subtechniques"`
	TechniquesWithRules  int     `json:"techniques_with_rules"`
	AverageRulesPerCover float64 `json:"average_rules_per_covered_technique"`
}

// coverageRating grades a coverage percentage
func coverageRating(pct float64) string {
	switch {
	case pct >= 80:
		return "excellent"
	case pct >= 50:
		return "good"
	default:
		return "needs_improvement"
	}
}

// computeOverview counts over every technique but computes coverage over the active ones
func (a *API) computeOverview(ctx context.Context, snap *coverageSnapshot) (overviewStatistics, error) {
	start := time.Now()
	defer timeCoverage("overview", start)

	o := overviewStatistics{
		TotalTechniques: len(snap.techniques),
		TotalTactics:    len(snap.tactics),
		TotalRules:      len(snap.rules),
	}
	for _, rule := range snap.rules {
		if rule.Active {
			o.ActiveRules++
		}
	}

	coveredRules := 0
	for i := range snap.techniques {
		tech := &snap.techniques[i]
		if tech.Deprecated || tech.Revoked {
			continue
		}
		o.ActiveTechniques++
		if tech.IsSubTechnique() {
			o.SubTechniques++
		}
		cov := snap.index.Coverage(tech.AttackID)
		if cov.TotalRules > 0 {
			o.TechniquesWithRules++
		}
		switch coverageStatus(cov) {
		case "covered":
			o.CoveredTechniques++
			coveredRules += cov.TotalRules
		case "partially_covered":
			o.PartiallyCovered++
		default:
			o.UncoveredTechniques++
		}
	}
	o.CoveragePercentage = mitre.Percentage(o.CoveredTechniques, o.ActiveTechniques, 1)
	o.CoverageStatus = coverageRating(o.CoveragePercentage)
	if o.CoveredTechniques > 0 {
		o.AverageRulesPerCover = math.Round(float64(coveredRules)/float64(o.CoveredTechniques)*100) / 100
	}

	stats, err := a.stores.Comments.CommentStatistics(ctx)
	if err != nil {
		return o, err
	}
	o.TotalComments = stats.Total
	return o, nil
}

var allTechniques = storage.TechniqueFilter{IncludeDeprecated: true, IncludeRevoked: true}

// getStatisticsOverview returns the knowledge base and coverage overview
func (a *API) getStatisticsOverview(w http.ResponseWriter, r *http.Request) {
	snap, err := a.loadCoverageSnapshot(r.Context(), allTechniques)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute statistics", err, a.logger)
		return
	}
	overview, err := a.computeOverview(r.Context(), snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute statistics", err, a.logger)
		return
	}
	a.respondJSON(w, overview, http.StatusOK)
}

// getStatisticsCoverage returns global coverage and the per-tactic breakdown
func (a *API) getStatisticsCoverage(w http.ResponseWriter, r *http.Request) {
	opts := mitre.CoverageOptions{IncludeDeprecated: queryBool(r, "include_deprecated", false)}
	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{IncludeDeprecated: opts.IncludeDeprecated})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute coverage", err, a.logger)
		return
	}

	start := time.Now()
	global := mitre.ComputeGlobalCoverageIndexed(snap.techniques, snap.index, opts)
	tactics := snap.tacticSummaries(opts, false)
	timeCoverage("statistics", start)

	a.respondJSON(w, map[string]interface{}{
		"global":             global,
		"coverage_status":    coverageRating(global.CoveragePercentage),
		"tactics":            tactics,
		"total_rules":        snap.index.Len(),
		"include_deprecated": opts.IncludeDeprecated,
	}, http.StatusOK)
}

// getStatisticsTactics returns per-tactic coverage with covered and uncovered IDs
func (a *API) getStatisticsTactics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute tactic coverage", err, a.logger)
		return
	}
	start := time.Now()
	tactics := snap.tacticSummaries(mitre.CoverageOptions{}, true)
	timeCoverage("tactics", start)

	a.respondJSONWithMeta(w, tactics, map[string]interface{}{"total": len(tactics)}, http.StatusOK)
}

// uncoveredParent is a dashboard row: an uncovered parent technique ranked by the
// number of sub-techniques it leaves open
type uncoveredParent struct {
	TechniqueID       string `json:"technique_id"`
	Name              string `json:"name"`
	NameRU            string `json:"name_ru,omitempty"`
	SubtechniqueCount int    `json:"subtechniques_count"`
}

// getDashboard combines the overview with the largest gaps and recent activity
func (a *API) getDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap, err := a.loadCoverageSnapshot(ctx, allTechniques)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build dashboard", err, a.logger)
		return
	}
	overview, err := a.computeOverview(ctx, snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build dashboard", err, a.logger)
		return
	}

	recentRules, _, err := a.stores.Rules.ListRules(ctx, storage.RuleFilter{
		SortBy: "created_at", SortOrder: "desc", Limit: dashboardListSize,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build dashboard", err, a.logger)
		return
	}
	recentComments, _, err := a.stores.Comments.ListComments(ctx, storage.CommentFilter{Limit: dashboardListSize})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to build dashboard", err, a.logger)
		return
	}

	a.respondJSON(w, map[string]interface{}{
		"overview":        overview,
		"top_uncovered":   topUncoveredParents(snap, dashboardListSize),
		"tactics":         snap.tacticSummaries(mitre.CoverageOptions{}, false),
		"recent_rules":    recentRules,
		"recent_comments": recentComments,
		"generated_at":    a.now().UTC(),
	}, http.StatusOK)
}

// topUncoveredParents ranks active parent techniques without coverage by their
// sub-technique count, then by ID
func topUncoveredParents(snap *coverageSnapshot, n int) []uncoveredParent {
	subCounts := make(map[string]int)
	for i := range snap.techniques {
		tech := &snap.techniques[i]
		if tech.IsSubTechnique() && !tech.Revoked && !tech.Deprecated {
			subCounts[tech.ParentID()]++
		}
	}

	rows := make([]uncoveredParent, 0)
	for i := range snap.techniques {
		tech := &snap.techniques[i]
		if tech.IsSubTechnique() || tech.Revoked || tech.Deprecated {
			continue
		}
		if snap.index.Coverage(tech.AttackID).HasCoverage {
			continue
		}
		rows = append(rows, uncoveredParent{
			TechniqueID:       tech.AttackID,
			Name:              tech.Name,
			NameRU:            tech.NameRU,
			SubtechniqueCount: subCounts[tech.AttackID],
		})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].SubtechniqueCount != rows[j].SubtechniqueCount {
			return rows[i].SubtechniqueCount > rows[j].SubtechniqueCount
		}
		return rows[i].TechniqueID < rows[j].TechniqueID
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// statisticsExport bundles the overview, global coverage and tactic breakdown
type statisticsExport struct {
	ExportedAt time.Time            `json:"exported_at"`
	Format     string               `json:"format"`
	Overview   overviewStatistics   `json:"overview"`
	Coverage   mitre.GlobalCoverage `json:"coverage"`
	Tactics    []tacticSummary      `json:"tactics"`
}

// exportStatistics returns the statistics bundle as JSON, or as a CSV attachment of
// section,key,value rows
func (a *API) exportStatistics(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be one of: csv, json", nil, a.logger)
		return
	}

	ctx := r.Context()
	snap, err := a.loadCoverageSnapshot(ctx, allTechniques)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export statistics", err, a.logger)
		return
	}
	overview, err := a.computeOverview(ctx, snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export statistics", err, a.logger)
		return
	}
	start := time.Now()
	export := statisticsExport{
		ExportedAt: a.now().UTC(),
		Format:     format,
		Overview:   overview,
		Coverage:   mitre.ComputeGlobalCoverageIndexed(snap.techniques, snap.index, mitre.CoverageOptions{}),
		Tactics:    snap.tacticSummaries(mitre.CoverageOptions{}, false),
	}
	timeCoverage("export", start)

	if format == "json" {
		a.respondJSON(w, export, http.StatusOK)
		return
	}

	filename := fmt.Sprintf("statistics-%s.csv", export.ExportedAt.Format("20060102-150405"))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := writeStatisticsCSV(w, &export); err != nil {
		a.logger.Warnw("Failed to write statistics export", "error", err)
	}
}

func writeStatisticsCSV(w http.ResponseWriter, e *statisticsExport) error {
	itoa := strconv.Itoa
	pct := func(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
	o, g := e.Overview, e.Coverage

	rows := [][]string{
		{"section", "key", "value"},
		{"overview", "total_techniques", itoa(o.TotalTechniques)},
		{"overview", "active_techniques", itoa(o.ActiveTechniques)},
		{"overview", "total_tactics", itoa(o.TotalTactics)},
		{"overview", "total_rules", itoa(o.TotalRules)},
		{"overview", "active_rules", itoa(o.ActiveRules)},
		{"overview", "total_comments", strconv.FormatInt(o.TotalComments, 10)},
		{"overview", "covered_techniques", itoa(o.CoveredTechniques)},
		{"overview", "partially_covered_techniques", itoa(o.PartiallyCovered)},
		{"overview", "uncovered_techniques", itoa(o.UncoveredTechniques)},
		{"overview", "coverage_percentage", pct(o.CoveragePercentage)},
		{"overview", "coverage_status", o.CoverageStatus},
		{"coverage", "total_techniques", itoa(g.TotalTechniques)},
		{"coverage", "parent_techniques", itoa(g.ParentTechniques)},
		{"coverage", "subtechniques", itoa(g.SubTechniques)},
		{"coverage", "covered_techniques", itoa(g.CoveredTechniques)},
		{"coverage", "uncovered_techniques", itoa(g.UncoveredTechniques)},
		{"coverage", "coverage_percentage", pct(g.CoveragePercentage)},
	}
	for _, t := range e.Tactics {
		rows = append(rows,
			[]string{"tactic", t.ID + ".techniques_count", itoa(t.TechniquesCount)},
			[]string{"tactic", t.ID + ".covered_techniques_count", itoa(t.CoveredTechniquesCount)},
			[]string{"tactic", t.ID + ".coverage_percentage", pct(t.CoveragePercentage)},
		)
	}

	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}
