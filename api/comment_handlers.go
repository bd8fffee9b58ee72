package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"attackmatrix/core"
	"attackmatrix/storage"
)

// CreateCommentRequest is the body of POST /api/comments
type CreateCommentRequest struct {
	EntityType      string `json:"entity_type" validate:"required,oneof=technique rule user system"`
	EntityID        string `json:"entity_id" validate:"required,max=100"`
	ParentCommentID *int64 `json:"parent_comment_id" validate:"omitempty,min=1"`
	Text            string `json:"text" validate:"required,max=10000"`
	CommentType     string `json:"comment_type" validate:"omitempty,oneof=comment note question issue improvement critical"`
	Priority        string `json:"priority" validate:"omitempty,oneof=low normal high critical urgent"`
	Visibility      string `json:"visibility" validate:"omitempty,oneof=public internal private team"`
}

// UpdateCommentRequest is the body of PUT /api/comments/{id}
type UpdateCommentRequest struct {
	Text        *string `json:"text" validate:"omitempty,min=1,max=10000"`
	CommentType *string `json:"comment_type" validate:"omitempty,oneof=comment note question issue improvement critical"`
	Priority    *string `json:"priority" validate:"omitempty,oneof=low normal high critical urgent"`
	Visibility  *string `json:"visibility" validate:"omitempty,oneof=public internal private team"`
	Status      *string `json:"status" validate:"omitempty,oneof=active resolved locked pending"`
}

// parseCommentFilter reads the shared comment listing parameters
func (a *API) parseCommentFilter(w http.ResponseWriter, r *http.Request) (storage.CommentFilter, bool) {
	q := r.URL.Query()
	filter := storage.CommentFilter{
		EntityType:  q.Get("entity_type"),
		EntityID:    q.Get("entity_id"),
		CommentType: q.Get("comment_type"),
		Status:      q.Get("status"),
		Priority:    q.Get("priority"),
	}

	switch {
	case filter.EntityType != "" && !core.IsValidEntityType(filter.EntityType):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid entity_type %q", filter.EntityType), nil, a.logger)
		return filter, false
	case filter.CommentType != "" && !core.Contains(core.CommentTypes, filter.CommentType):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid comment_type %q", filter.CommentType), nil, a.logger)
		return filter, false
	case filter.Status != "" && !core.Contains(core.CommentStatuses, filter.Status):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", filter.Status), nil, a.logger)
		return filter, false
	case filter.Priority != "" && !core.Contains(core.CommentPriorities, filter.Priority):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid priority %q", filter.Priority), nil, a.logger)
		return filter, false
	}

	if raw := q.Get("author_id"); raw != "" {
		id, err := parseInt64Param(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), err, a.logger)
			return filter, false
		}
		filter.AuthorID = &id
	}

	if queryBool(r, "include_deleted", false) {
		if user, ok := GetUser(r.Context()); !ok || !user.IsAdmin() {
			writeError(w, http.StatusForbidden, "Only administrators can list deleted comments", nil, a.logger)
			return filter, false
		}
		filter.IncludeDeleted = true
	}
	return filter, true
}

// listComments lists comments
func (a *API) listComments(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, 20, 1, 100)
	filter, ok := a.parseCommentFilter(w, r)
	if !ok {
		return
	}
	filter.Limit = params.Limit
	filter.Offset = params.CalculateOffset()

	comments, total, err := a.stores.Comments.ListComments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list comments", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, comments, params.Meta(total), http.StatusOK)
}

// searchComments matches comment text
func (a *API) searchComments(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "Query parameter q is required", nil, a.logger)
		return
	}
	if len(query) > 200 {
		writeError(w, http.StatusBadRequest, "Query is too long", nil, a.logger)
		return
	}

	params := ParsePaginationParams(r, 20, 1, 100)
	filter, ok := a.parseCommentFilter(w, r)
	if !ok {
		return
	}
	filter.Search = query
	filter.Limit = params.Limit
	filter.Offset = params.CalculateOffset()

	comments, total, err := a.stores.Comments.ListComments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to search comments", err, a.logger)
		return
	}
	a.respondJSONWithMeta(w, comments, params.Meta(total), http.StatusOK)
}

// getCommentStatistics summarizes the non-deleted comments
func (a *API) getCommentStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.stores.Comments.CommentStatistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to compute comment statistics", err, a.logger)
		return
	}
	a.respondJSON(w, stats, http.StatusOK)
}

// createComment adds a comment or a reply
func (a *API) createComment(w http.ResponseWriter, r *http.Request) {
	var req CreateCommentRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required", nil, a.logger)
		return
	}
	entityID := strings.TrimSpace(req.EntityID)
	if req.EntityType == core.EntityTechnique {
		entityID = core.NormalizeTechniqueID(entityID)
	}

	if req.ParentCommentID != nil {
		parent, err := a.stores.Comments.GetComment(r.Context(), *req.ParentCommentID)
		if errors.Is(err, storage.ErrCommentNotFound) || (err == nil && parent.Status == core.CommentStatusDeleted) {
			writeError(w, http.StatusBadRequest, "Parent comment does not exist", err, a.logger)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to look up parent comment", err, a.logger)
			return
		}
		if parent.EntityType != req.EntityType || parent.EntityID != entityID {
			writeError(w, http.StatusBadRequest, "Parent comment belongs to another entity", nil, a.logger)
			return
		}
	}

	comment := &core.Comment{
		EntityType:      req.EntityType,
		EntityID:        entityID,
		ParentCommentID: req.ParentCommentID,
		Text:            text,
		CommentType:     req.CommentType,
		Priority:        req.Priority,
		Visibility:      req.Visibility,
		CreatedBy:       actorID(r.Context()),
	}
	if err := a.stores.Comments.CreateComment(r.Context(), comment); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create comment", err, a.logger)
		return
	}
	comment.AuthorName = usernameFromContext(r.Context())

	a.audit(r, core.AuditEntry{
		EventType:   core.EventCommentCreated,
		Description: fmt.Sprintf("Comment added to %s %s", comment.EntityType, comment.EntityID),
		EntityType:  "comment",
		EntityID:    fmt.Sprint(comment.ID),
		NewValues:   mustJSON(comment),
	})
	a.respondJSON(w, comment, http.StatusCreated)
}

// loadComment fetches the comment named by {id}. Deleted comments are only visible to admins.
func (a *API) loadComment(w http.ResponseWriter, r *http.Request) (*core.Comment, bool) {
	id, err := parseInt64Param(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid comment ID", err, a.logger)
		return nil, false
	}
	comment, err := a.stores.Comments.GetComment(r.Context(), id)
	if errors.Is(err, storage.ErrCommentNotFound) {
		writeError(w, http.StatusNotFound, "Comment not found", err, a.logger)
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get comment", err, a.logger)
		return nil, false
	}
	if comment.Status == core.CommentStatusDeleted {
		if user, ok := GetUser(r.Context()); !ok || !user.IsAdmin() {
			writeError(w, http.StatusNotFound, "Comment not found", nil, a.logger)
			return nil, false
		}
	}
	return comment, true
}

// canModifyComment allows the author and administrators
func canModifyComment(r *http.Request, comment *core.Comment) bool {
	user, ok := GetUser(r.Context())
	if !ok {
		return false
	}
	if user.IsAdmin() {
		return true
	}
	return comment.CreatedBy != nil && *comment.CreatedBy == user.ID
}

func (a *API) getComment(w http.ResponseWriter, r *http.Request) {
	comment, ok := a.loadComment(w, r)
	if !ok {
		return
	}
	a.respondJSON(w, comment, http.StatusOK)
}

// updateComment edits text and classification; author or admin only
func (a *API) updateComment(w http.ResponseWriter, r *http.Request) {
	var req UpdateCommentRequest
	if err := a.decodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !a.validateRequest(w, &req) {
		return
	}

	comment, ok := a.loadComment(w, r)
	if !ok {
		return
	}
	if comment.Status == core.CommentStatusDeleted {
		writeError(w, http.StatusNotFound, "Comment not found", nil, a.logger)
		return
	}
	if !canModifyComment(r, comment) {
		writeError(w, http.StatusForbidden, "Only the author or an administrator can edit this comment", nil, a.logger)
		return
	}
	before := *comment

	if req.Text != nil {
		text := strings.TrimSpace(*req.Text)
		if text == "" {
			writeError(w, http.StatusBadRequest, "text must not be empty", nil, a.logger)
			return
		}
		comment.Text = text
	}
	setString(&comment.CommentType, req.CommentType)
	setString(&comment.Priority, req.Priority)
	setString(&comment.Visibility, req.Visibility)
	setString(&comment.Status, req.Status)

	if err := a.stores.Comments.UpdateComment(r.Context(), comment); err != nil {
		if errors.Is(err, storage.ErrCommentNotFound) {
			writeError(w, http.StatusNotFound, "Comment not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to update comment", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventCommentUpdated,
		Description: fmt.Sprintf("Comment %d updated", comment.ID),
		EntityType:  "comment",
		EntityID:    fmt.Sprint(comment.ID),
		OldValues:   mustJSON(before),
		NewValues:   mustJSON(comment),
	})
	a.respondJSON(w, comment, http.StatusOK)
}

// deleteComment soft-deletes a comment; author or admin only
func (a *API) deleteComment(w http.ResponseWriter, r *http.Request) {
	comment, ok := a.loadComment(w, r)
	if !ok {
		return
	}
	if !canModifyComment(r, comment) {
		writeError(w, http.StatusForbidden, "Only the author or an administrator can delete this comment", nil, a.logger)
		return
	}

	if err := a.stores.Comments.DeleteComment(r.Context(), comment.ID); err != nil {
		if errors.Is(err, storage.ErrCommentNotFound) {
			writeError(w, http.StatusNotFound, "Comment not found", err, a.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete comment", err, a.logger)
		return
	}

	a.audit(r, core.AuditEntry{
		EventType:   core.EventCommentDeleted,
		Level:       core.AuditWarn,
		Description: fmt.Sprintf("Comment %d on %s %s deleted", comment.ID, comment.EntityType, comment.EntityID),
		EntityType:  "comment",
		EntityID:    fmt.Sprint(comment.ID),
		OldValues:   mustJSON(comment),
	})
	a.respondJSON(w, map[string]interface{}{"id": comment.ID, "status": core.CommentStatusDeleted}, http.StatusOK)
}
