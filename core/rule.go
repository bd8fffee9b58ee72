package core

import (
	"fmt"
	"strings"
	"time"
)

// Severity levels for correlation rules
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Severities lists the severity buckets from most to least severe
var Severities = []string{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// RuleStatus is the publication status of a correlation rule
type RuleStatus string

const (
	RuleStatusDraft      RuleStatus = "draft"
	RuleStatusTesting    RuleStatus = "testing"
	RuleStatusActive     RuleStatus = "active"
	RuleStatusDeprecated RuleStatus = "deprecated"
	RuleStatusDisabled   RuleStatus = "disabled"
	// RuleStatusDeleted marks a soft-deleted rule. Deleted rules are invisible to
	// every listing and never count toward coverage.
	RuleStatusDeleted RuleStatus = "deleted"
)

// IsValid checks if the status is one a caller may set
func (s RuleStatus) IsValid() bool {
	switch s {
	case RuleStatusDraft, RuleStatusTesting, RuleStatusActive, RuleStatusDeprecated, RuleStatusDisabled:
		return true
	default:
		return false
	}
}

// Logic types understood by the rule editor
const (
	LogicTypeSigma = "sigma"
	LogicTypeKQL   = "kql"
	LogicTypeSPL   = "spl"
	LogicTypeSQL   = "sql"
	LogicTypeOther = "other"
)

// CorrelationRule is a detection rule attached to a single technique ID
type CorrelationRule struct {
	ID                string         `json:"id" yaml:"id,omitempty"`
	Name              string         `json:"name" yaml:"name"`
	NameRU            string         `json:"name_ru,omitempty" yaml:"name_ru,omitempty"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty"`
	DescriptionRU     string         `json:"description_ru,omitempty" yaml:"description_ru,omitempty"`
	TechniqueID       string         `json:"technique_id" yaml:"technique_id"`
	Logic             string         `json:"logic" yaml:"logic"`
	LogicType         string         `json:"logic_type" yaml:"logic_type"`
	Severity          string         `json:"severity" yaml:"severity"`
	Confidence        string         `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Active            bool           `json:"active" yaml:"active"`
	Status            RuleStatus     `json:"status" yaml:"status"`
	Folder            string         `json:"folder,omitempty" yaml:"folder,omitempty"`
	Author            string         `json:"author,omitempty" yaml:"author,omitempty"`
	References        []string       `json:"references" yaml:"references,omitempty"`
	FalsePositives    []string       `json:"false_positives" yaml:"false_positives,omitempty"`
	Tags              []string       `json:"tags" yaml:"tags,omitempty"`
	WorkflowStatus    WorkflowStatus `json:"workflow_status" yaml:"-"`
	AssigneeID        *int64         `json:"assignee_id,omitempty" yaml:"-"`
	TestedByID        *int64         `json:"tested_by_id,omitempty" yaml:"-"`
	StoppedReason     string         `json:"stopped_reason,omitempty" yaml:"-"`
	DeploymentMRURL   string         `json:"deployment_mr_url,omitempty" yaml:"-"`
	CreatedBy         *int64         `json:"created_by,omitempty" yaml:"-"`
	UpdatedBy         *int64         `json:"updated_by,omitempty" yaml:"-"`
	WorkflowUpdatedAt *time.Time     `json:"workflow_updated_at,omitempty" yaml:"-"`
	CreatedAt         time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time      `json:"updated_at" yaml:"-"`
}

// IsDeleted reports whether the rule has been soft-deleted
func (r *CorrelationRule) IsDeleted() bool {
	return r.Status == RuleStatusDeleted
}

// ApplyDefaults fills unset fields with the values a new rule starts with
func (r *CorrelationRule) ApplyDefaults() {
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if r.Status == "" {
		r.Status = RuleStatusDraft
	}
	if r.LogicType == "" {
		r.LogicType = LogicTypeSigma
	}
	if r.WorkflowStatus == "" {
		r.WorkflowStatus = WorkflowNotStarted
	}
	if r.References == nil {
		r.References = []string{}
	}
	if r.FalsePositives == nil {
		r.FalsePositives = []string{}
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	r.TechniqueID = NormalizeTechniqueID(r.TechniqueID)
	r.Severity = strings.ToLower(r.Severity)
}

// Validate checks the fields storage relies on
func (r *CorrelationRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Name) > 500 {
		return fmt.Errorf("rule name exceeds 500 characters")
	}
	if !ValidTechniqueID(r.TechniqueID) {
		return fmt.Errorf("invalid technique_id %q", r.TechniqueID)
	}
	if strings.TrimSpace(r.Logic) == "" {
		return fmt.Errorf("rule logic is required")
	}
	if !IsValidSeverity(r.Severity) {
		return fmt.Errorf("invalid severity %q", r.Severity)
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if !IsValidLogicType(r.LogicType) {
		return fmt.Errorf("invalid logic_type %q", r.LogicType)
	}
	if !r.WorkflowStatus.IsValid() {
		return fmt.Errorf("invalid workflow_status %q", r.WorkflowStatus)
	}
	return nil
}

// IsValidSeverity checks a severity against the known buckets
func IsValidSeverity(s string) bool {
	for _, sev := range Severities {
		if s == sev {
			return true
		}
	}
	return false
}

// IsValidLogicType checks a logic type against the supported query languages
func IsValidLogicType(t string) bool {
	switch t {
	case LogicTypeSigma, LogicTypeKQL, LogicTypeSPL, LogicTypeSQL, LogicTypeOther:
		return true
	default:
		return false
	}
}
