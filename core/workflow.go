package core

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowStatus is the engineering state of a correlation rule
type WorkflowStatus string

const (
	WorkflowNotStarted      WorkflowStatus = "not_started"
	WorkflowInfoRequired    WorkflowStatus = "info_required"
	WorkflowInProgress      WorkflowStatus = "in_progress"
	WorkflowStopped         WorkflowStatus = "stopped"
	WorkflowReturned        WorkflowStatus = "returned"
	WorkflowReadyForTesting WorkflowStatus = "ready_for_testing"
	WorkflowTested          WorkflowStatus = "tested"
	WorkflowDeployed        WorkflowStatus = "deployed"
)

// ErrInvalidTransition is returned when a workflow change is not allowed
var ErrInvalidTransition = errors.New("invalid workflow transition")

// WorkflowStatusConfig describes how a status is displayed and what it requires
type WorkflowStatusConfig struct {
	Label            string           `json:"label"`
	Icon             string           `json:"icon"`
	Color            string           `json:"color"`
	RequiresComment  bool             `json:"requires_comment"`
	RequiresAssignee bool             `json:"requires_assignee"`
	NextStatuses     []WorkflowStatus `json:"next_statuses"`
}

var workflowStatuses = map[WorkflowStatus]WorkflowStatusConfig{
	WorkflowNotStarted: {
		Label: "Not started", Icon: "fa-circle", Color: "#6b7280",
		NextStatuses: []WorkflowStatus{WorkflowInfoRequired, WorkflowInProgress},
	},
	WorkflowInfoRequired: {
		Label: "Information required", Icon: "fa-question-circle", Color: "#f59e0b",
		RequiresComment: true,
		NextStatuses:    []WorkflowStatus{WorkflowInProgress, WorkflowNotStarted},
	},
	WorkflowInProgress: {
		Label: "In progress", Icon: "fa-spinner", Color: "#3b82f6",
		RequiresAssignee: true,
		NextStatuses:     []WorkflowStatus{WorkflowStopped, WorkflowReadyForTesting},
	},
	WorkflowStopped: {
		Label: "Stopped", Icon: "fa-stop-circle", Color: "#ef4444",
		RequiresComment: true,
		NextStatuses:    []WorkflowStatus{WorkflowInProgress, WorkflowNotStarted},
	},
	WorkflowReturned: {
		Label: "Returned", Icon: "fa-undo-alt", Color: "#ec4899",
		RequiresComment: true,
		NextStatuses:    []WorkflowStatus{WorkflowInProgress, WorkflowInfoRequired},
	},
	WorkflowReadyForTesting: {
		Label: "Ready for testing", Icon: "fa-check-circle", Color: "#8b5cf6",
		NextStatuses: []WorkflowStatus{WorkflowTested, WorkflowReturned, WorkflowInProgress},
	},
	WorkflowTested: {
		Label: "Tested", Icon: "fa-vial", Color: "#10b981",
		NextStatuses: []WorkflowStatus{WorkflowDeployed, WorkflowReturned},
	},
	WorkflowDeployed: {
		Label: "Deployed", Icon: "fa-code-branch", Color: "#0f766e",
		RequiresComment: true,
		NextStatuses:    []WorkflowStatus{},
	},
}

// IsValid checks the status against the workflow table
func (s WorkflowStatus) IsValid() bool {
	_, ok := workflowStatuses[s]
	return ok
}

// Config returns the display configuration for the status
func (s WorkflowStatus) Config() (WorkflowStatusConfig, bool) {
	cfg, ok := workflowStatuses[s]
	if !ok {
		return WorkflowStatusConfig{}, false
	}
	cfg.NextStatuses = append([]WorkflowStatus{}, cfg.NextStatuses...)
	return cfg, true
}

// NextStatuses returns the statuses reachable from s
func (s WorkflowStatus) NextStatuses() []WorkflowStatus {
	cfg, ok := s.Config()
	if !ok {
		return []WorkflowStatus{}
	}
	return cfg.NextStatuses
}

// IsFinal reports whether no transition leaves s
func (s WorkflowStatus) IsFinal() bool {
	cfg, ok := workflowStatuses[s]
	return ok && len(cfg.NextStatuses) == 0
}

// WorkflowTransition is a requested workflow change
type WorkflowTransition struct {
	From            WorkflowStatus
	To              WorkflowStatus
	AssigneeID      *int64
	Comment         string
	DeploymentMRURL string
}

// Validate checks the transition against the workflow table and per-status requirements.
// An empty From is treated as a rule that has never entered the workflow.
func (t WorkflowTransition) Validate() error {
	target, ok := workflowStatuses[t.To]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.To)
	}

	if t.From != "" {
		current, ok := workflowStatuses[t.From]
		if !ok {
			return fmt.Errorf("%w: unknown current status %q", ErrInvalidTransition, t.From)
		}
		allowed := false
		for _, next := range current.NextStatuses {
			if next == t.To {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s → %s (allowed: %v)", ErrInvalidTransition, t.From, t.To, current.NextStatuses)
		}
	}

	if target.RequiresAssignee && t.AssigneeID == nil {
		return fmt.Errorf("%w: status %q requires an assignee", ErrInvalidTransition, t.To)
	}
	if target.RequiresComment && t.Comment == "" {
		return fmt.Errorf("%w: status %q requires a comment", ErrInvalidTransition, t.To)
	}
	return nil
}

// Apply validates the transition and updates the rule's workflow fields.
// actorID is recorded as tester when the rule moves to tested.
func (t WorkflowTransition) Apply(rule *CorrelationRule, actorID *int64, now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}

	rule.WorkflowStatus = t.To
	rule.WorkflowUpdatedAt = &now

	switch t.To {
	case WorkflowInProgress:
		rule.AssigneeID = t.AssigneeID
	case WorkflowStopped:
		rule.StoppedReason = t.Comment
	case WorkflowDeployed:
		rule.DeploymentMRURL = t.DeploymentMRURL
	case WorkflowTested:
		rule.TestedByID = actorID
	}
	return nil
}

// WorkflowComment formats the comment posted alongside a workflow change
func (t WorkflowTransition) WorkflowComment() string {
	from := string(t.From)
	if cfg, ok := workflowStatuses[t.From]; ok {
		from = cfg.Label
	}
	to := string(t.To)
	if cfg, ok := workflowStatuses[t.To]; ok {
		to = cfg.Label
	}
	return fmt.Sprintf("**[Workflow]** %s → %s\n\n%s", from, to, t.Comment)
}
