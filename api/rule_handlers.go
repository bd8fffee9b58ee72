package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/mitre"
	"attackmatrix/rules"
	"attackmatrix/storage"
)

// CreateRuleRequest is the body of POST /api/rules
type CreateRuleRequest struct {
	Name           string   `json:"name" validate:"required,max=500"`
	NameRU         string   `json:"name_ru" validate:"max=500"`
	Description    string   `json:"description" validate:"max=10000"`
	DescriptionRU  string   `json:"description_ru" validate:"max=10000"`
	TechniqueID    string   `json:"technique_id" validate:"required,technique_id"`
	Logic          string   `json:"logic" validate:"required"`
	LogicType      string   `json:"logic_type" validate:"omitempty,logic_type"`
	Severity       string   `json:"severity" validate:"omitempty,severity"`
	Confidence     string   `json:"confidence" validate:"omitempty,oneof=low medium high"`
	Active         *bool    `json:"active"`
	Status         string   `json:"status" validate:"omitempty,rule_status"`
	Folder         string   `json:"folder" validate:"max=255"`
	Author         string   `json:"author" validate:"max=255"`
	References     []string `json:"references" validate:"omitempty,dive,max=2000"`
	FalsePositives []string `json:"false_positives" validate:"omitempty,dive,max=2000"`
	Tags           []string `json:"tags" validate:"omitempty,dive,max=100"`
}

// UpdateRuleRequest is the body of PUT /api/rules/{id}; absent fields are left unchanged
type UpdateRuleRequest struct {
	Name           *string   `json:"name" validate:"omitempty,min=1,max=500"`
	NameRU         *string   `json:"name_ru" validate:"omitempty,max=500"`
	Description    *string   `json:"description" validate:"omitempty,max=10000"`
	DescriptionRU  *string   `json:"description_ru" validate:"omitempty,max=10000"`
	TechniqueID    *string   `json:"technique_id" validate:"omitempty,technique_id"`
	Logic          *string   `json:"logic" validate:"omitempty,min=1"`
	LogicType      *string   `json:"logic_type" validate:"omitempty,logic_type"`
	Severity       *string   `json:"severity" validate:"omitempty,severity"`
	Confidence     *string   `json:"confidence" validate:"omitempty,oneof=low medium high"`
	Active         *bool     `json:"active"`
	Status         *string   `json:"status" validate:"omitempty,rule_status"`
	Folder         *string   `json:"folder" validate:"omitempty,max=255"`
	Author         *string   `json:"author" validate:"omitempty,max=255"`
	References     *[]string `json:"references"`
	FalsePositives *[]string `json:"false_positives"`
	Tags           *[]string `json:"tags"`
}

// WorkflowStatusRequest is the body of PUT /api/rules/{id}/workflow-status
type WorkflowStatusRequest struct {
	Status          string `json:"status" validate:"required,workflow_status"`
	Comment         string `json:"comment" validate:"max=5000"`
	AssigneeID      *int64 `json:"assignee_id"`
	DeploymentMRURL string `json:"deployment_mr_url" validate:"omitempty,url,max=2000"`
}

// RuleSearchRequest is the body of POST /api/rules/search
type RuleSearchRequest struct {
	Query   string `json:"query" validate:"max=200"`
	Filters struct {
		TechniqueID    string `json:"technique_id"`
		Status         string `json:"status" validate:"omitempty,rule_status"`
		Severity       string `json:"severity" validate:"omitempty,severity"`
		Active         *bool  `json:"active"`
		Folder         string `json:"folder"`
		Author         string `json:"author"`
		WorkflowStatus string `json:"workflow_status" validate:"omitempty,workflow_status"`
	} `json:"filters"`
	Page  int    `json:"page" validate:"min=0"`
	Limit int    `json:"limit" validate:"min=0"`
	Sort  string `json:"sort"`
	Order string `json:"order" validate:"omitempty,oneof=asc desc"`
}

// ruleWithInheritance marks rules attached to a sub-technique in a parent's listing
type ruleWithInheritance struct {
	core.CorrelationRule
	InheritedFrom string `json:"inherited_from,omitempty"`
}

// parseRuleFilter builds a rule filter from query parameters
func parseRuleFilter(r *http.Request) (storage.RuleFilter, error) {
	q := r.URL.Query()
	filter := storage.RuleFilter{
		TechniqueID:    q.Get("technique_id"),
		Status:         core.RuleStatus(q.Get("status")),
		Severity:       strings.ToLower(q.Get("severity")),
		Active:         queryOptionalBool(r, "active"),
		Folder:         q.Get("folder"),
		Author:         q.Get("author"),
		WorkflowStatus: core.WorkflowStatus(q.Get("workflow_status")),
		Search:         strings.TrimSpace(q.Get("search")),
		SortBy:         q.Get("sort"),
		SortOrder:      q.Get("order"),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		return filter, fmt.Errorf("invalid status %q", filter.Status)
	}
	if filter.Severity != "" && !core.IsValidSeverity(filter.Severity) {
		return filter, fmt.Errorf("invalid severity %q", filter.Severity)
	}
	if filter.WorkflowStatus != "" && !filter.WorkflowStatus.IsValid() {
		return filter, fmt.Errorf("invalid workflow_status %q", filter.WorkflowStatus)
	}
	return filter, nil
}

// listRules lists correlation rules
func (a *API) listRules(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, 20, 1, 1000)
	filter, err := parseRuleFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	filter.Limit = params.Limit
	filter.Offset = params.CalculateOffset()

	items, total, err := a.stores.Rules.ListRules(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, items, params.Meta(total), http.StatusOK)
}

// searchRules is listRules driven by a JSON body
func (a *API) searchRules(w http.ResponseWriter, r *http.Request) {
	var req RuleSearchRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	params := PaginationParams{Page: req.Page, Limit: req.Limit}
	if params.Page < 1 {
		params.Page = 1
	}
	if params.Limit < 1 {
		params.Limit = 20
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}

	filter := storage.RuleFilter{
		TechniqueID:    req.Filters.TechniqueID,
		Status:         core.RuleStatus(req.Filters.Status),
		Severity:       req.Filters.Severity,
		Active:         req.Filters.Active,
		Folder:         req.Filters.Folder,
		Author:         req.Filters.Author,
		WorkflowStatus: core.WorkflowStatus(req.Filters.WorkflowStatus),
		Search:         strings.TrimSpace(req.Query),
		SortBy:         req.Sort,
		SortOrder:      req.Order,
		Limit:          params.Limit,
		Offset:         params.CalculateOffset(),
	}
	items, total, err := a.stores.Rules.ListRules(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search rules", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, items, params.Meta(total), http.StatusOK)
}

// requireTechnique writes a 400 and returns false when techniqueID is unknown
func (a *API) requireTechnique(w http.ResponseWriter, r *http.Request, techniqueID string) bool {
	_, err := a.stores.KnowledgeBase.GetTechnique(r.Context(), techniqueID)
	if errors.Is(err, storage.ErrTechniqueNotFound) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Technique %s does not exist", techniqueID), err, a.logger)
		return false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to look up technique", err, a.logger)
		return false
	}
	return true
}

// createRule creates a correlation rule
func (a *API) createRule(w http.ResponseWriter, r *http.Request) {
	var req CreateRuleRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	rule := &core.CorrelationRule{
		Name:           strings.TrimSpace(req.Name),
		NameRU:         req.NameRU,
		Description:    req.Description,
		DescriptionRU:  req.DescriptionRU,
		TechniqueID:    req.TechniqueID,
		Logic:          req.Logic,
		LogicType:      req.LogicType,
		Severity:       req.Severity,
		Confidence:     req.Confidence,
		Status:         core.RuleStatus(req.Status),
		Folder:         req.Folder,
		Author:         req.Author,
		References:     req.References,
		FalsePositives: req.FalsePositives,
		Tags:           req.Tags,
		CreatedBy:      actorID(r.Context()),
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if rule.Author == "" {
		rule.Author = usernameFromContext(r.Context())
	}
	rule.ApplyDefaults()
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	if !a.requireTechnique(w, r, rule.TechniqueID) {
		return
	}

	if err := a.stores.Rules.CreateRule(r.Context(), rule); err != nil {
		if errors.Is(err, storage.ErrDuplicateRule) {
			writeError(w, http.StatusConflict, "A rule with this name already exists", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create rule", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventRuleCreated,
		Description: fmt.Sprintf("Rule %q created for %s", rule.Name, rule.TechniqueID),
		EntityType:  core.EntityRule,
		EntityID:    rule.ID,
		NewValues:   mustJSON(rule),
	})
	a.respondJSON(w, rule, http.StatusCreated)
}

// getRule returns a non-deleted rule
func (a *API) getRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, rule, http.StatusOK)
}

// loadRule fetches the rule named by the {id} path variable, writing 404 when absent
func (a *API) loadRule(w http.ResponseWriter, r *http.Request) (*core.CorrelationRule, bool) {
	rule, err := a.stores.Rules.GetRule(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rule", err, a.logger)
		return nil, false
	}
	return rule, true
}

// updateRule applies a partial update
func (a *API) updateRule(w http.ResponseWriter, r *http.Request) {
	var req UpdateRuleRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	before := *rule

	setString(&rule.Name, req.Name)
	setString(&rule.NameRU, req.NameRU)
	setString(&rule.Description, req.Description)
	setString(&rule.DescriptionRU, req.DescriptionRU)
	setString(&rule.Logic, req.Logic)
	setString(&rule.LogicType, req.LogicType)
	setString(&rule.Severity, req.Severity)
	setString(&rule.Confidence, req.Confidence)
	setString(&rule.Folder, req.Folder)
	setString(&rule.Author, req.Author)
	if req.TechniqueID != nil {
		rule.TechniqueID = core.NormalizeTechniqueID(*req.TechniqueID)
	}
	if req.Status != nil {
		rule.Status = core.RuleStatus(*req.Status)
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.References != nil {
		rule.References = *req.References
	}
	if req.FalsePositives != nil {
		rule.FalsePositives = *req.FalsePositives
	}
	if req.Tags != nil {
		rule.Tags = *req.Tags
	}
	rule.Name = strings.TrimSpace(rule.Name)
	rule.UpdatedBy = actorID(r.Context())

	rule.ApplyDefaults()
	if err := rule.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	if rule.TechniqueID != before.TechniqueID && !a.requireTechnique(w, r, rule.TechniqueID) {
		return
	}

	if err := a.stores.Rules.UpdateRule(r.Context(), rule); err != nil {
		switch {
		case errors.Is(err, storage.ErrDuplicateRule):
			writeError(w, http.StatusConflict, "A rule with this name already exists", err, a.logger)
		case errors.Is(err, storage.ErrRuleNotFound):
			writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to update rule", err, a.logger)
		}
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventRuleUpdated,
		Description: fmt.Sprintf("Rule %q updated", rule.Name),
		EntityType:  core.EntityRule,
		EntityID:    rule.ID,
		OldValues:   mustJSON(before),
		NewValues:   mustJSON(rule),
	})
	a.respondJSON(w, rule, http.StatusOK)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// deleteRule soft-deletes a rule
func (a *API) deleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}

	if err := a.stores.Rules.DeleteRule(r.Context(), rule.ID, actorID(r.Context())); err != nil {
		if errors.Is(err, storage.ErrRuleNotFound) {
			writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete rule", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventRuleDeleted,
		Level:       core.AuditWarn,
		Description: fmt.Sprintf("Rule %q deleted", rule.Name),
		EntityType:  core.EntityRule,
		EntityID:    rule.ID,
		OldValues:   mustJSON(rule),
	})
	a.respondJSON(w, map[string]string{"id": rule.ID, "status": string(core.RuleStatusDeleted)}, http.StatusOK)
}

// getRuleStatistics summarizes the non-deleted rules
func (a *API) getRuleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.stores.Rules.RuleStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute rule statistics", err, a.logger)
		return
	}
	a.respondJSON(w, stats, http.StatusOK)
}

// getRulesByTechnique lists the rules of a technique. A parent also lists the rules of
// its sub-techniques, marked with the sub-technique they come from.
func (a *API) getRulesByTechnique(w http.ResponseWriter, r *http.Request) {
	id := core.NormalizeTechniqueID(mux.Vars(r)["id"])
	if !core.ValidTechniqueID(id) {
		writeError(w, http.StatusBadRequest, "Invalid technique ID", nil, a.logger)
		return
	}
	tech, err := a.stores.KnowledgeBase.GetTechnique(r.Context(), id)
	if errors.Is(err, storage.ErrTechniqueNotFound) {
		writeError(w, http.StatusNotFound, "Technique not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get technique", err, a.logger)
		return
	}

	all, _, err := a.stores.Rules.ListRules(r.Context(), storage.RuleFilter{SortBy: "created_at", SortOrder: "desc"})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list rules", err, a.logger)
		return
	}

	items := make([]ruleWithInheritance, 0)
	prefix := id + "."
	for _, rule := range all {
		switch {
		case rule.TechniqueID == id:
			items = append(items, ruleWithInheritance{CorrelationRule: rule})
		case !tech.IsSubTechnique() && strings.HasPrefix(rule.TechniqueID, prefix):
			items = append(items, ruleWithInheritance{CorrelationRule: rule, InheritedFrom: rule.TechniqueID})
		}
	}

	a.respondJSON(w, map[string]interface{}{
		"technique_id":   tech.AttackID,
		"technique_name": tech.Name,
		"rules":          items,
		"coverage":       mitre.ComputeTechniqueCoverage(id, all),
	}, http.StatusOK)
}

// importRules accepts a YAML or JSON rule pack
func (a *API) importRules(w http.ResponseWriter, r *http.Request) {
	limit := a.config.API.ImportBodyLimit
	if limit <= 0 {
		limit = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesError *http.MaxBytesError
		if errors.As(err, &maxBytesError) {
			writeError(w, http.StatusRequestEntityTooLarge, "Rule pack too large", err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to read rule pack", err, a.logger)
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "Rule pack is empty", nil, a.logger)
		return
	}

	format := rules.DetectFormat(data)
	if raw := r.URL.Query().Get("format"); raw != "" {
		if format, err = rules.ParseFormat(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
			return
		}
	}

	pack, err := rules.Parse(data, format)
	if err != nil {
		var verr *rules.ValidationError
		if errors.As(err, &verr) {
			writeErrorDetails(w, http.StatusBadRequest, "Rule pack failed schema validation", verr.Problems, err, a.logger)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid rule pack: "+err.Error(), err, a.logger)
		return
	}

	result, err := a.ruleImporter.Import(r.Context(), pack, actorID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Rule import interrupted", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventRulesImported,
		Description: fmt.Sprintf("Imported rule pack: %d created, %d skipped, %d errors", result.Created, result.Skipped, result.Failed),
		EntityType:  core.EntityRule,
		Metadata:    mustJSON(result),
	})
	a.respondJSON(w, result, http.StatusOK)
}

// exportRules downloads the non-deleted rules as a pack
func (a *API) exportRules(w http.ResponseWriter, r *http.Request) {
	format := rules.FormatYAML
	if raw := r.URL.Query().Get("format"); raw != "" {
		var err error
		if format, err = rules.ParseFormat(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
			return
		}
	}
	filter, err := parseRuleFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	filter.SortBy, filter.SortOrder = "name", "asc"

	items, _, err := a.stores.Rules.ListRules(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export rules", err, a.logger)
		return
	}
	data, err := rules.Export(items, format, a.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export rules", err, a.logger)
		return
	}

	filename := fmt.Sprintf("rules-%s.%s", a.now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		a.logger.Warnw("Failed to write rule export", "error", err)
	}
}

// updateWorkflowStatus moves a rule through the engineering workflow
func (a *API) updateWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	var req WorkflowStatusRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	ruleID := mux.Vars(r)["id"]
	if req.AssigneeID != nil {
		if _, err := a.stores.Users.GetUserByID(r.Context(), *req.AssigneeID); err != nil {
			if errors.Is(err, storage.ErrUserNotFound) {
				writeError(w, http.StatusBadRequest, "Assignee does not exist", err, a.logger)
				return
			}
			writeError(w, http.StatusInternalServerError, "Failed to look up assignee", err, a.logger)
			return
		}
	}

	transition := core.WorkflowTransition{
		To:              core.WorkflowStatus(req.Status),
		AssigneeID:      req.AssigneeID,
		Comment:         strings.TrimSpace(req.Comment),
		DeploymentMRURL: req.DeploymentMRURL,
	}
	rule, err := a.stores.Rules.TransitionWorkflow(r.Context(), ruleID, transition, actorID(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRuleNotFound):
			writeError(w, http.StatusNotFound, "Rule not found", err, a.logger)
		case errors.Is(err, storage.ErrInvalidTransition):
			writeError(w, http.StatusUnprocessableEntity, err.Error(), err, a.logger)
		default:
			writeError(w, http.StatusInternalServerError, "Failed to update workflow status", err, a.logger)
		}
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventWorkflowChanged,
		Description: fmt.Sprintf("Rule %q moved to %s", rule.Name, rule.WorkflowStatus),
		EntityType:  core.EntityRule,
		EntityID:    rule.ID,
		NewValues:   mustJSON(map[string]interface{}{"workflow_status": rule.WorkflowStatus, "comment": transition.Comment}),
	})
	a.respondJSON(w, rule, http.StatusOK)
}

// getWorkflowInfo returns the rule's workflow state and the statuses it can move to
func (a *API) getWorkflowInfo(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}

	status := rule.WorkflowStatus
	if status == "" {
		status = core.WorkflowNotStarted
	}
	cfg, _ := status.Config()

	next := make([]map[string]interface{}, 0, len(cfg.NextStatuses))
	for _, s := range cfg.NextStatuses {
		nextCfg, _ := s.Config()
		next = append(next, map[string]interface{}{
			"status":            s,
			"label":             nextCfg.Label,
			"icon":              nextCfg.Icon,
			"color":             nextCfg.Color,
			"requires_comment":  nextCfg.RequiresComment,
			"requires_assignee": nextCfg.RequiresAssignee,
		})
	}

	data := map[string]interface{}{
		"rule_id":             rule.ID,
		"current_status":      status,
		"status_config":       cfg,
		"available_statuses":  next,
		"is_final":            status.IsFinal(),
		"stopped_reason":      rule.StoppedReason,
		"deployment_mr_url":   rule.DeploymentMRURL,
		"workflow_updated_at": rule.WorkflowUpdatedAt,
		"assignee":            a.userSummary(r, rule.AssigneeID),
		"tested_by":           a.userSummary(r, rule.TestedByID),
	}
	a.respondJSON(w, data, http.StatusOK)
}

// userSummary resolves an optional user reference to id/username/full name
func (a *API) userSummary(r *http.Request, id *int64) interface{} {
	if id == nil {
		return nil
	}
	user, err := a.stores.Users.GetUserByID(r.Context(), *id)
	if err != nil {
		return map[string]interface{}{"id": *id}
	}
	return map[string]interface{}{"id": user.ID, "username": user.Username, "full_name": user.FullName}
}
