package api

import (
	"math"
	"net/http"
	"strconv"
)

// maxPage caps the page parameter to keep offsets sane
const maxPage = 1000000

// PaginationParams holds pagination query parameters
type PaginationParams struct {
	Page  int `json:"page"`  // 1-based page number
	Limit int `json:"limit"` // Items per page
}

// PaginationMeta is returned in the envelope's meta field for list endpoints
type PaginationMeta struct {
	Page    int   `json:"page"`
	PerPage int   `json:"per_page"`
	Total   int64 `json:"total"`
	Pages   int   `json:"pages"`
	HasPrev bool  `json:"has_prev"`
	HasNext bool  `json:"has_next"`
}

// ParsePaginationParams extracts page and limit. limit is clamped to [minLimit, maxLimit];
// malformed values fall back to the defaults.
func ParsePaginationParams(r *http.Request, defaultLimit, minLimit, maxLimit int) PaginationParams {
	page := 1
	limit := defaultLimit

	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
			if page > maxPage {
				page = maxPage
			}
		}
	}

	raw := r.URL.Query().Get("limit")
	if raw == "" {
		raw = r.URL.Query().Get("per_page")
	}
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	return PaginationParams{Page: page, Limit: limit}
}

// CalculateOffset converts page and limit to a row offset
func (p PaginationParams) CalculateOffset() int {
	pageMinusOne := p.Page - 1
	if pageMinusOne <= 0 {
		return 0
	}
	if p.Limit > 0 && pageMinusOne > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return pageMinusOne * p.Limit
}

// Meta builds the pagination block for total matching rows
func (p PaginationParams) Meta(total int64) PaginationMeta {
	pages := 0
	if p.Limit > 0 {
		pages = int((total + int64(p.Limit) - 1) / int64(p.Limit))
	}
	return PaginationMeta{
		Page:    p.Page,
		PerPage: p.Limit,
		Total:   total,
		Pages:   pages,
		HasPrev: p.Page > 1,
		HasNext: int64(p.Page)*int64(p.Limit) < total,
	}
}

// paginateSlice returns the page of items selected by p
func paginateSlice[T any](items []T, p PaginationParams) []T {
	offset := p.CalculateOffset()
	if offset >= len(items) {
		return []T{}
	}
	end := offset + p.Limit
	if end > len(items) || end < offset {
		end = len(items)
	}
	return items[offset:end]
}
