package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/storage"
)

// maxAuditExportRows caps a single export
const maxAuditExportRows = 10000

// auditTimeframes maps the timeframe parameter to a lookback window
var auditTimeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// CreateAuditEntryRequest is the body of POST /api/audit
type CreateAuditEntryRequest struct {
	EventType   string          `json:"event_type" validate:"required,max=100"`
	Level       string          `json:"level" validate:"omitempty,audit_level"`
	Description string          `json:"description" validate:"required,max=2000"`
	EntityType  string          `json:"entity_type" validate:"max=50"`
	EntityID    string          `json:"entity_id" validate:"max=100"`
	OldValues   json.RawMessage `json:"old_values"`
	NewValues   json.RawMessage `json:"new_values"`
	Metadata    json.RawMessage `json:"metadata"`
	RiskScore   *int            `json:"risk_score" validate:"omitempty,min=0,max=100"`
}

// AuditSearchRequest is the body of POST /api/audit/search
type AuditSearchRequest struct {
	Query      string `json:"query" validate:"max=200"`
	Level      string `json:"level" validate:"omitempty,audit_level"`
	EventType  string `json:"event_type" validate:"max=100"`
	UserID     *int64 `json:"user_id"`
	EntityType string `json:"entity_type" validate:"max=50"`
	EntityID   string `json:"entity_id" validate:"max=100"`
	Timeframe  string `json:"timeframe" validate:"omitempty,oneof=1h 24h 7d 30d"`
	Page       int    `json:"page" validate:"min=0"`
	Limit      int    `json:"limit" validate:"min=0,max=1000"`
	Sort       string `json:"sort"`
	Order      string `json:"order" validate:"omitempty,oneof=asc desc"`
}

// parseAuditFilter reads filter query parameters shared by list and export
func (a *API) parseAuditFilter(r *http.Request) (storage.AuditFilter, error) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		Level:      core.AuditLevel(strings.ToUpper(q.Get("level"))),
		EventType:  q.Get("event_type"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		Search:     strings.TrimSpace(q.Get("search")),
		SortBy:     q.Get("sort"),
		SortOrder:  q.Get("order"),
	}
	if filter.Level != "" && !filter.Level.IsValid() {
		return filter, fmt.Errorf("invalid level %q", q.Get("level"))
	}
	if raw := q.Get("user_id"); raw != "" {
		id, err := parseInt64Param(raw)
		if err != nil {
			return filter, err
		}
		filter.UserID = &id
	}

	if raw := q.Get("timeframe"); raw != "" {
		window, ok := auditTimeframes[raw]
		if !ok {
			return filter, fmt.Errorf("timeframe must be one of: 1h, 24h, 7d, 30d")
		}
		from := a.now().Add(-window)
		filter.From = &from
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, fmt.Errorf("%s must be an RFC3339 timestamp", name)
		}
		*dst = &t
	}
	return filter, nil
}

// listAuditEntries lists audit entries
func (a *API) listAuditEntries(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, 50, 1, 1000)
	filter, err := a.parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	filter.Limit = params.Limit
	filter.Offset = params.CalculateOffset()

	entries, total, err := a.stores.Audit.ListAuditEntries(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list audit entries", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, entries, params.Meta(total), http.StatusOK)
}

// searchAuditEntries is listAuditEntries driven by a JSON body
func (a *API) searchAuditEntries(w http.ResponseWriter, r *http.Request) {
	var req AuditSearchRequest
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
		params.Limit = 50
	}

	filter := storage.AuditFilter{
		Level:      core.AuditLevel(strings.ToUpper(req.Level)),
		EventType:  req.EventType,
		UserID:     req.UserID,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Search:     strings.TrimSpace(req.Query),
		SortBy:     req.Sort,
		SortOrder:  req.Order,
		Limit:      params.Limit,
		Offset:     params.CalculateOffset(),
	}
	if window, ok := auditTimeframes[req.Timeframe]; ok {
		from := a.now().Add(-window)
		filter.From = &from
	}

	entries, total, err := a.stores.Audit.ListAuditEntries(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search audit entries", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, entries, params.Meta(total), http.StatusOK)
}

// createAuditEntry records a client-reported event. Caller, address and request ID
// always come from the server side.
func (a *API) createAuditEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateAuditEntryRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	entry := core.AuditEntry{
		EventType:   strings.TrimSpace(req.EventType),
		Level:       core.AuditLevel(strings.ToUpper(req.Level)),
		Description: req.Description,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		OldValues:   validJSONOrNil(req.OldValues),
		NewValues:   validJSONOrNil(req.NewValues),
		Metadata:    validJSONOrNil(req.Metadata),
	}
	if req.RiskScore != nil {
		entry.RiskScore = *req.RiskScore
	}

	a.audit(r, entry)
	a.respondJSON(w, map[string]string{"message": "Audit entry recorded"}, http.StatusCreated)
}

func validJSONOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" || !json.Valid(raw) {
		return nil
	}
	return raw
}

// getAuditStatistics summarizes the entries of a timeframe, 24h by default
func (a *API) getAuditStatistics(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "24h"
	}
	window, ok := auditTimeframes[timeframe]
	if !ok {
		writeError(w, http.StatusBadRequest, "timeframe must be one of: 1h, 24h, 7d, 30d", nil, a.logger)
		return
	}

	stats, err := a.stores.Audit.AuditStatistics(r.Context(), a.now().Add(-window))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute audit statistics", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, stats, map[string]interface{}{"timeframe": timeframe, "high_risk_threshold": core.HighRiskThreshold}, http.StatusOK)
}

func (a *API) getAuditEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := a.stores.Audit.GetAuditEntry(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, storage.ErrAuditEntryNotFound) {
		writeError(w, http.StatusNotFound, "Audit entry not found", err, a.logger)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get audit entry", err, a.logger)
		return
	}
	a.respondJSON(w, entry, http.StatusOK)
}

// exportAuditEntries downloads up to maxAuditExportRows entries as CSV or JSON
func (a *API) exportAuditEntries(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		writeError(w, http.StatusBadRequest, "format must be one of: csv, json", nil, a.logger)
		return
	}
	filter, err := a.parseAuditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
		return
	}
	filter.Limit = maxAuditExportRows

	entries, total, err := a.stores.Audit.ListAuditEntries(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to export audit entries", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventAuditExported,
		Level:       core.AuditWarn,
		Description: fmt.Sprintf("Exported %d audit entries as %s", len(entries), format),
		Metadata:    mustJSON(map[string]interface{}{"format": format, "rows": len(entries), "matching": total}),
	})

	filename := fmt.Sprintf("audit-%s.%s", a.now().UTC().Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))

	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			a.logger.Warnw("Failed to write audit export", "error", err)
		}
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := writeAuditCSV(w, entries); err != nil {
		a.logger.Warnw("Failed to write audit export", "error", err)
	}
}

var auditCSVHeader = []string{
	"id", "created_at", "level", "event_type", "description", "user_id", "username",
	"user_ip", "entity_type", "entity_id", "risk_score", "session_id", "request_id",
}

func writeAuditCSV(w http.ResponseWriter, entries []core.AuditEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(auditCSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		userID := ""
		if e.UserID != nil {
			userID = strconv.FormatInt(*e.UserID, 10)
		}
		record := []string{
			e.ID, e.CreatedAt.UTC().Format(time.RFC3339), string(e.Level), e.EventType,
			csvSafe(e.Description), userID, csvSafe(e.Username), e.UserIP, e.EntityType,
			csvSafe(e.EntityID), strconv.Itoa(e.RiskScore), e.SessionID, e.RequestID,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// csvSafe neutralizes cells a spreadsheet would evaluate as formulas
func csvSafe(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}
