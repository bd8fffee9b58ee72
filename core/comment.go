package core

import "time"

// Comment targets
const (
	EntityTechnique = "technique"
	EntityRule      = "rule"
	EntityUser      = "user"
	EntitySystem    = "system"
)

// Comment classification values
var (
	CommentTypes        = []string{"comment", "note", "question", "issue", "improvement", "critical"}
	CommentPriorities   = []string{"low", "normal", "high", "critical", "urgent"}
	CommentVisibilities = []string{"public", "internal", "private", "team"}
	CommentStatuses     = []string{"active", "resolved", "locked", "deleted", "pending"}
)

// CommentStatusDeleted marks a soft-deleted comment
const CommentStatusDeleted = "deleted"

// Comment is a note attached to a technique, rule, user or the system itself
type Comment struct {
	ID              int64     `json:"id"`
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	ParentCommentID *int64    `json:"parent_comment_id,omitempty"`
	Text            string    `json:"text"`
	CommentType     string    `json:"comment_type"`
	Priority        string    `json:"priority"`
	Visibility      string    `json:"visibility"`
	Status          string    `json:"status"`
	AuthorName      string    `json:"author_name,omitempty"`
	CreatedBy       *int64    `json:"created_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ApplyDefaults fills unset classification fields
func (c *Comment) ApplyDefaults() {
	if c.CommentType == "" {
		c.CommentType = "comment"
	}
	if c.Priority == "" {
		c.Priority = "normal"
	}
	if c.Visibility == "" {
		c.Visibility = "public"
	}
	if c.Status == "" {
		c.Status = "active"
	}
}

// IsValidEntityType checks the comment target type
func IsValidEntityType(t string) bool {
	switch t {
	case EntityTechnique, EntityRule, EntityUser, EntitySystem:
		return true
	default:
		return false
	}
}

// Contains reports whether v is in values
func Contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
