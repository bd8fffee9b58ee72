package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/mitre"
	"attackmatrix/storage"
)

// techniqueListItem is a technique row of the paginated listing
type techniqueListItem struct {
	core.Technique
	IsSubtechnique bool                    `json:"is_subtechnique"`
	ParentID       string                  `json:"parent_technique_id,omitempty"`
	Tactics        []tacticRef             `json:"tactics"`
	Coverage       mitre.TechniqueCoverage `json:"coverage"`
}

func toTacticRefs(tactics []core.Tactic) []tacticRef {
	refs := make([]tacticRef, 0, len(tactics))
	for _, t := range tactics {
		refs = append(refs, tacticRef{ID: t.ID, ShortName: t.ShortName, Name: t.Name, NameRU: t.NameRU})
	}
	return refs
}

// listTechniques lists techniques with coverage
func (a *API) listTechniques(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, 20, 10, 1000)
	q := r.URL.Query()

	coverageFilter := strings.ToLower(q.Get("coverage"))
	if coverageFilter != "" && coverageFilter != "covered" && coverageFilter != "uncovered" {
		writeError(w, http.StatusBadRequest, "coverage must be one of: covered, uncovered", nil, a.logger)
		return
	}

	filter := storage.TechniqueFilter{
		IncludeRevoked:    queryBool(r, "revoked", false),
		IncludeDeprecated: queryBool(r, "deprecated", false),
		Platform:          strings.TrimSpace(q.Get("platform")),
		Tactic:            strings.TrimSpace(q.Get("tactic")),
		Search:            strings.TrimSpace(q.Get("search")),
	}
	snap, err := a.loadCoverageSnapshot(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list techniques", err, a.logger)
		return
	}

	tacticsOf := snap.tacticsByTechnique()
	items := make([]techniqueListItem, 0, len(snap.techniques))
	for _, tech := range snap.techniques {
		cov := snap.index.Coverage(tech.AttackID)
		if coverageFilter != "" && !coverageFilterMatches(coverageFilter, cov) {
			continue
		}
		items = append(items, techniqueListItem{
			Technique:      tech,
			IsSubtechnique: tech.IsSubTechnique(),
			ParentID:       tech.ParentID(),
			Tactics:        toTacticRefs(tacticsOf[tech.AttackID]),
			Coverage:       cov,
		})
	}

	meta := params.Meta(int64(len(items)))
	a.respondJSONWithMeta(w, paginateSlice(items, params), meta, http.StatusOK)
}

// searchTechniques matches ID, name and description
func (a *API) searchTechniques(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter q is required", nil, a.logger)
		return
	}
	if len(query) > 200 {
		writeError(w, http.StatusBadRequest, "Query is too long", nil, a.logger)
		return
	}

	techniques, err := a.stores.KnowledgeBase.SearchTechniques(r.Context(), query, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search techniques", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, techniques, map[string]interface{}{"query": query, "total": len(techniques)}, http.StatusOK)
}

// getTechniquesCoverage classifies every non-revoked technique as covered,
// partially covered or not covered
func (a *API) getTechniquesCoverage(w http.ResponseWriter, r *http.Request) {
	snap, err := a.loadCoverageSnapshot(r.Context(), storage.TechniqueFilter{IncludeDeprecated: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute coverage", err, a.logger)
		return
	}

	start := time.Now()
	type row struct {
		TechniqueID    string `json:"technique_id"`
		Name           string `json:"name"`
		NameRU         string `json:"name_ru,omitempty"`
		TotalRules     int    `json:"total_rules"`
		ActiveRules    int    `json:"active_rules"`
		CoverageStatus string `json:"coverage_status"`
	}

	rows := make([]row, 0, len(snap.techniques))
	counts := map[string]int{}
	for _, tech := range snap.techniques {
		cov := snap.index.Coverage(tech.AttackID)
		status := coverageStatus(cov)
		counts[status]++
		rows = append(rows, row{
			TechniqueID:    tech.AttackID,
			Name:           tech.Name,
			NameRU:         tech.NameRU,
			TotalRules:     cov.TotalRules,
			ActiveRules:    cov.ActiveRules,
			CoverageStatus: status,
		})
	}
	timeCoverage("techniques", start)

	a.respondJSON(w, map[string]interface{}{
		"coverage": rows,
		"summary": map[string]interface{}{
			"total_techniques":             len(rows),
			"covered_techniques":           counts["covered"],
			"partially_covered_techniques": counts["partially_covered"],
			"not_covered_techniques":       counts["not_covered"],
			"coverage_percentage":          mitre.Percentage(counts["covered"], len(rows), 2),
		},
	}, http.StatusOK)
}

// getTechnique returns a technique with its tactics, sub-techniques, rules and coverage
func (a *API) getTechnique(w http.ResponseWriter, r *http.Request) {
	id := core.NormalizeTechniqueID(mux.Vars(r)["id"])
	if !core.ValidTechniqueID(id) {
		writeError(w, http.StatusBadRequest, "Invalid technique ID", nil, a.logger)
		return
	}

	ctx := r.Context()
	tech, err := a.stores.KnowledgeBase.GetTechnique(ctx, id)
	if errors.Is(err, storage.ErrTechniqueNotFound) {
		writeError(w, http.StatusNotFound, "Technique not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
		return
	}

	tactics, err := a.stores.KnowledgeBase.TacticsForTechnique(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
		return
	}

	allRules, _, err := a.stores.Rules.ListRules(ctx, storage.RuleFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
		return
	}
	index := mitre.NewRuleIndex(allRules)

	ownRules := make([]core.CorrelationRule, 0)
	for _, rule := range index.Rules(id) {
		ownRules = append(ownRules, *rule)
	}

	data := map[string]interface{}{
		"technique":       tech,
		"is_subtechnique": tech.IsSubTechnique(),
		"tactics":         toTacticRefs(mitre.SortTacticsByKillChain(tactics)),
		"rules":           ownRules,
		"coverage":        index.Coverage(id),
	}

	if parent := tech.ParentID(); parent != "" {
		data["parent_technique_id"] = parent
	} else {
		subs, err := a.stores.KnowledgeBase.ListTechniques(ctx, storage.TechniqueFilter{ParentID: id, IncludeDeprecated: true})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
			return
		}
		type subItem struct {
			core.Technique
			Coverage mitre.TechniqueCoverage `json:"coverage"`
		}
		items := make([]subItem, 0, len(subs))
		for _, sub := range subs {
			items = append(items, subItem{Technique: sub, Coverage: index.Coverage(sub.AttackID)})
		}
		data["subtechniques"] = items
		data["subtechniques_count"] = len(items)
	}

	comments, err := a.stores.Comments.CountByEntity(ctx, core.EntityTechnique)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
		return
	}
	data["comments_count"] = comments[id]

	a.respondJSON(w, data, http.StatusOK)
}
