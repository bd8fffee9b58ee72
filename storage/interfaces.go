package storage

import (
	"context"
	"time"

	"attackmatrix/core"
)

// TechniqueFilter narrows ListTechniques. Zero value lists every non-revoked,
// non-deprecated technique.
type TechniqueFilter struct {
	IncludeRevoked    bool
	IncludeDeprecated bool
	Platform          string // case-insensitive platform name
	Tactic            string // tactic slug or TA code
	Search            string // ATT&CK ID or name, case-insensitive
	ParentID          string // only sub-techniques of this parent
	ParentsOnly       bool
}

// KnowledgeBaseStorage stores ATT&CK techniques, tactics and their links
type KnowledgeBaseStorage interface {
	UpsertTactic(ctx context.Context, tactic *core.Tactic) error
	UpsertTechnique(ctx context.Context, technique *core.Technique) error
	ReplaceTechniqueTactics(ctx context.Context, techniqueID string, tacticIDs []string) error
	ListTechniques(ctx context.Context, filter TechniqueFilter) ([]core.Technique, error)
	GetTechnique(ctx context.Context, attackID string) (*core.Technique, error)
	SearchTechniques(ctx context.Context, query string, limit int) ([]core.Technique, error)
	ListTactics(ctx context.Context) ([]core.Tactic, error)
	ListTacticLinks(ctx context.Context) ([]core.TacticLink, error)
	TacticsForTechnique(ctx context.Context, attackID string) ([]core.Tactic, error)
}

// RuleFilter narrows ListRules. Deleted rules are never returned. Limit 0 lists all.
type RuleFilter struct {
	TechniqueID    string
	Status         core.RuleStatus
	Severity       string
	Active         *bool
	Folder         string
	Author         string
	WorkflowStatus core.WorkflowStatus
	Search         string // name, description or technique ID
	SortBy         string // name, created_at, updated_at, severity
	SortOrder      string // asc or desc
	Limit          int
	Offset         int
}

// RuleStatistics summarizes the non-deleted rules
type RuleStatistics struct {
	Total             int64            `json:"total"`
	Active            int64            `json:"active"`
	Inactive          int64            `json:"inactive"`
	ByStatus          map[string]int64 `json:"by_status"`
	BySeverity        map[string]int64 `json:"by_severity"`
	ByLogicType       map[string]int64 `json:"by_logic_type"`
	ByWorkflowStatus  map[string]int64 `json:"by_workflow_status"`
	TechniquesCovered int64            `json:"techniques_covered"`
	ActiveTechniques  int64            `json:"techniques_with_active_rules"`
}

// RuleStorage stores correlation rules and their workflow state
type RuleStorage interface {
	CreateRule(ctx context.Context, rule *core.CorrelationRule) error
	GetRule(ctx context.Context, id string) (*core.CorrelationRule, error)
	UpdateRule(ctx context.Context, rule *core.CorrelationRule) error
	DeleteRule(ctx context.Context, id string, actorID *int64) error
	ListRules(ctx context.Context, filter RuleFilter) ([]core.CorrelationRule, int64, error)
	RuleStatistics(ctx context.Context) (*RuleStatistics, error)
	TransitionWorkflow(ctx context.Context, id string, transition core.WorkflowTransition, actorID *int64) (*core.CorrelationRule, error)
}

// CommentFilter narrows ListComments. Limit 0 lists all.
type CommentFilter struct {
	EntityType     string
	EntityID       string
	CommentType    string
	Status         string
	Priority       string
	AuthorID       *int64
	Search         string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

// CommentStatistics summarizes non-deleted comments
type CommentStatistics struct {
	Total        int64            `json:"total"`
	ByType       map[string]int64 `json:"by_type"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByPriority   map[string]int64 `json:"by_priority"`
	ByEntityType map[string]int64 `json:"by_entity_type"`
	TopAuthors   []AuthorCount    `json:"top_authors"`
}

// AuthorCount is a comment author with their number of comments
type AuthorCount struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Count    int64  `json:"count"`
}

// CommentStorage stores comments
type CommentStorage interface {
	CreateComment(ctx context.Context, comment *core.Comment) error
	GetComment(ctx context.Context, id int64) (*core.Comment, error)
	UpdateComment(ctx context.Context, comment *core.Comment) error
	DeleteComment(ctx context.Context, id int64) error
	ListComments(ctx context.Context, filter CommentFilter) ([]core.Comment, int64, error)
	CountByEntity(ctx context.Context, entityType string) (map[string]int, error)
	CommentStatistics(ctx context.Context) (*CommentStatistics, error)
}

// UserFilter narrows ListUsers. Limit 0 lists all.
type UserFilter struct {
	Role     string
	IsActive *bool
	Search   string
	Limit    int
	Offset   int
}

// UserStatistics summarizes accounts and sessions
type UserStatistics struct {
	Total          int64            `json:"total"`
	Active         int64            `json:"active"`
	Inactive       int64            `json:"inactive"`
	ByRole         map[string]int64 `json:"by_role"`
	ActiveSessions int64            `json:"active_sessions"`
}

// UserStorage stores user accounts
type UserStorage interface {
	CreateUser(ctx context.Context, user *core.User, password string) error
	GetUserByID(ctx context.Context, id int64) (*core.User, error)
	GetUserByUsername(ctx context.Context, username string) (*core.User, error)
	Authenticate(ctx context.Context, username, password string) (*core.User, error)
	CheckPassword(ctx context.Context, id int64, password string) error
	ListUsers(ctx context.Context, filter UserFilter) ([]core.User, int64, error)
	UpdateUser(ctx context.Context, user *core.User) error
	SetPassword(ctx context.Context, id int64, password string) error
	SetActive(ctx context.Context, id int64, active bool) error
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error
	CountUsers(ctx context.Context) (int64, error)
	UserStatistics(ctx context.Context) (*UserStatistics, error)
}

// SessionStorage stores login sessions
type SessionStorage interface {
	CreateSession(ctx context.Context, session *core.Session) error
	GetSession(ctx context.Context, id string) (*core.Session, error)
	ExtendSession(ctx context.Context, id string, expiresAt time.Time) error
	DeactivateSession(ctx context.Context, id string) error
	RevokeUserSessions(ctx context.Context, userID int64, exceptID string) ([]string, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// AuditFilter narrows ListAuditEntries. Limit 0 lists all.
type AuditFilter struct {
	Level      core.AuditLevel
	EventType  string
	UserID     *int64
	EntityType string
	EntityID   string
	From       *time.Time
	To         *time.Time
	Search     string // description or event type
	SortBy     string // created_at, level, event_type, risk_score
	SortOrder  string
	Limit      int
	Offset     int
}

// AuditStatistics summarizes audit entries since a point in time
type AuditStatistics struct {
	Since       time.Time        `json:"since"`
	Total       int64            `json:"total"`
	ByLevel     map[string]int64 `json:"by_level"`
	ByEventType map[string]int64 `json:"by_event_type"`
	TopUsers    []AuthorCount    `json:"top_users"`
	HighRisk    int64            `json:"high_risk"`
}

// AuditStorage stores the audit trail
type AuditStorage interface {
	CreateAuditEntry(ctx context.Context, entry *core.AuditEntry) error
	GetAuditEntry(ctx context.Context, id string) (*core.AuditEntry, error)
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]core.AuditEntry, int64, error)
	AuditStatistics(ctx context.Context, since time.Time) (*AuditStatistics, error)
}
