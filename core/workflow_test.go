package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestWorkflowTransition_Validate(t *testing.T) {
	tests := []struct {
		name    string
		tr      WorkflowTransition
		wantErr bool
	}{
		{"start work with assignee", WorkflowTransition{From: WorkflowNotStarted, To: WorkflowInProgress, AssigneeID: int64Ptr(2)}, false},
		{"start work without assignee", WorkflowTransition{From: WorkflowNotStarted, To: WorkflowInProgress}, true},
		{"request info needs comment", WorkflowTransition{From: WorkflowNotStarted, To: WorkflowInfoRequired}, true},
		{"request info with comment", WorkflowTransition{From: WorkflowNotStarted, To: WorkflowInfoRequired, Comment: "need logs"}, false},
		{"skip straight to deployed", WorkflowTransition{From: WorkflowNotStarted, To: WorkflowDeployed, Comment: "x"}, true},
		{"returned back to work", WorkflowTransition{From: WorkflowReturned, To: WorkflowInProgress, AssigneeID: int64Ptr(1)}, false},
		{"tested to deployed", WorkflowTransition{From: WorkflowTested, To: WorkflowDeployed, Comment: "merged"}, false},
		{"deployed is final", WorkflowTransition{From: WorkflowDeployed, To: WorkflowReturned, Comment: "x"}, true},
		{"unknown target", WorkflowTransition{From: WorkflowNotStarted, To: "bogus"}, true},
		{"unknown source", WorkflowTransition{From: "bogus", To: WorkflowNotStarted}, true},
		{"no current status", WorkflowTransition{To: WorkflowReadyForTesting}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tr.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidTransition))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorkflowTransition_Apply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("in_progress sets assignee", func(t *testing.T) {
		rule := &CorrelationRule{WorkflowStatus: WorkflowNotStarted}
		tr := WorkflowTransition{From: rule.WorkflowStatus, To: WorkflowInProgress, AssigneeID: int64Ptr(7)}
		require.NoError(t, tr.Apply(rule, int64Ptr(1), now))
		assert.Equal(t, WorkflowInProgress, rule.WorkflowStatus)
		require.NotNil(t, rule.AssigneeID)
		assert.Equal(t, int64(7), *rule.AssigneeID)
		require.NotNil(t, rule.WorkflowUpdatedAt)
		assert.Equal(t, now, *rule.WorkflowUpdatedAt)
	})

	t.Run("stopped records reason", func(t *testing.T) {
		rule := &CorrelationRule{WorkflowStatus: WorkflowInProgress}
		tr := WorkflowTransition{From: rule.WorkflowStatus, To: WorkflowStopped, Comment: "blocked on data source"}
		require.NoError(t, tr.Apply(rule, nil, now))
		assert.Equal(t, "blocked on data source", rule.StoppedReason)
	})

	t.Run("tested records actor", func(t *testing.T) {
		rule := &CorrelationRule{WorkflowStatus: WorkflowReadyForTesting}
		tr := WorkflowTransition{From: rule.WorkflowStatus, To: WorkflowTested}
		require.NoError(t, tr.Apply(rule, int64Ptr(9), now))
		require.NotNil(t, rule.TestedByID)
		assert.Equal(t, int64(9), *rule.TestedByID)
	})

	t.Run("deployed records merge request", func(t *testing.T) {
		rule := &CorrelationRule{WorkflowStatus: WorkflowTested}
		tr := WorkflowTransition{From: rule.WorkflowStatus, To: WorkflowDeployed, Comment: "ok", DeploymentMRURL: "https://git.example/mr/1"}
		require.NoError(t, tr.Apply(rule, nil, now))
		assert.Equal(t, "https://git.example/mr/1", rule.DeploymentMRURL)
		assert.True(t, rule.WorkflowStatus.IsFinal())
	})

	t.Run("invalid transition leaves rule untouched", func(t *testing.T) {
		rule := &CorrelationRule{WorkflowStatus: WorkflowNotStarted}
		tr := WorkflowTransition{From: rule.WorkflowStatus, To: WorkflowTested}
		require.Error(t, tr.Apply(rule, nil, now))
		assert.Equal(t, WorkflowNotStarted, rule.WorkflowStatus)
		assert.Nil(t, rule.WorkflowUpdatedAt)
	})
}

func TestWorkflowStatus_NextStatusesReturnsCopy(t *testing.T) {
	next := WorkflowReadyForTesting.NextStatuses()
	require.Len(t, next, 3)
	next[0] = WorkflowDeployed

	assert.Equal(t, WorkflowTested, WorkflowReadyForTesting.NextStatuses()[0])
	assert.Empty(t, WorkflowStatus("bogus").NextStatuses())
}

func TestWorkflowComment(t *testing.T) {
	tr := WorkflowTransition{From: WorkflowInProgress, To: WorkflowStopped, Comment: "waiting"}
	assert.Equal(t, "**[Workflow]** In progress → Stopped\n\nwaiting", tr.WorkflowComment())
}
