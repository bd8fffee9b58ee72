package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"attackmatrix/core"
)

func setupCommentStorage(t *testing.T) (*SQLite, *SQLiteCommentStorage) {
	sqlite := setupTestSQLite(t)
	return sqlite, NewSQLiteCommentStorage(sqlite, zaptest.NewLogger(t).Sugar())
}

func TestCommentStorage_CreateAndGet(t *testing.T) {
	sqlite, cs := setupCommentStorage(t)
	ctx := context.Background()
	author := createTestUser(t, sqlite, "alice", core.RoleAnalyst)

	comment := &core.Comment{EntityType: core.EntityTechnique, EntityID: "T1059", Text: "Needs a Linux rule", CreatedBy: &author.ID}
	require.NoError(t, cs.CreateComment(ctx, comment))
	assert.NotZero(t, comment.ID)

	got, err := cs.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, "comment", got.CommentType)
	assert.Equal(t, "normal", got.Priority)
	assert.Equal(t, "public", got.Visibility)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, "alice", got.AuthorName)

	_, err = cs.GetComment(ctx, 9999)
	assert.ErrorIs(t, err, ErrCommentNotFound)
}

func TestCommentStorage_Validation(t *testing.T) {
	_, cs := setupCommentStorage(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		comment core.Comment
	}{
		{"bad entity type", core.Comment{EntityType: "alert", EntityID: "1", Text: "x"}},
		{"missing entity id", core.Comment{EntityType: core.EntityRule, Text: "x"}},
		{"missing text", core.Comment{EntityType: core.EntityRule, EntityID: "1"}},
		{"bad priority", core.Comment{EntityType: core.EntityRule, EntityID: "1", Text: "x", Priority: "meh"}},
		{"bad visibility", core.Comment{EntityType: core.EntityRule, EntityID: "1", Text: "x", Visibility: "world"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.comment
			assert.Error(t, cs.CreateComment(ctx, &c))
		})
	}
}

func TestCommentStorage_Replies(t *testing.T) {
	_, cs := setupCommentStorage(t)
	ctx := context.Background()

	parent := &core.Comment{EntityType: core.EntityRule, EntityID: "rule-1", Text: "question?", CommentType: "question"}
	require.NoError(t, cs.CreateComment(ctx, parent))

	reply := &core.Comment{EntityType: core.EntityRule, EntityID: "rule-1", Text: "answer", ParentCommentID: &parent.ID}
	require.NoError(t, cs.CreateComment(ctx, reply))

	wrongEntity := &core.Comment{EntityType: core.EntityRule, EntityID: "rule-2", Text: "answer", ParentCommentID: &parent.ID}
	assert.Error(t, cs.CreateComment(ctx, wrongEntity))

	missing := int64(424242)
	orphan := &core.Comment{EntityType: core.EntityRule, EntityID: "rule-1", Text: "answer", ParentCommentID: &missing}
	assert.ErrorIs(t, cs.CreateComment(ctx, orphan), ErrCommentNotFound)
}

func TestCommentStorage_SoftDeleteAndList(t *testing.T) {
	_, cs := setupCommentStorage(t)
	ctx := context.Background()

	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, cs.CreateComment(ctx, &core.Comment{EntityType: core.EntityTechnique, EntityID: "T1078", Text: text}))
	}
	require.NoError(t, cs.CreateComment(ctx, &core.Comment{EntityType: core.EntityTechnique, EntityID: "T1059", Text: "other", Priority: "urgent"}))

	comments, total, err := cs.ListComments(ctx, CommentFilter{EntityType: core.EntityTechnique, EntityID: "T1078"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, "third", comments[0].Text, "newest first")

	require.NoError(t, cs.DeleteComment(ctx, comments[0].ID))
	assert.ErrorIs(t, cs.DeleteComment(ctx, comments[0].ID), ErrCommentNotFound)

	_, total, err = cs.ListComments(ctx, CommentFilter{EntityID: "T1078"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	_, total, err = cs.ListComments(ctx, CommentFilter{EntityID: "T1078", IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	_, total, err = cs.ListComments(ctx, CommentFilter{Priority: "urgent"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	page, total, err := cs.ListComments(ctx, CommentFilter{Search: "SEC", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Equal(t, "second", page[0].Text)

	counts, err := cs.CountByEntity(ctx, core.EntityTechnique)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"T1078": 2, "T1059": 1}, counts)
}

func TestCommentStorage_Update(t *testing.T) {
	_, cs := setupCommentStorage(t)
	ctx := context.Background()

	comment := &core.Comment{EntityType: core.EntitySystem, EntityID: "global", Text: "draft"}
	require.NoError(t, cs.CreateComment(ctx, comment))

	comment.Text = "final"
	comment.Status = "resolved"
	require.NoError(t, cs.UpdateComment(ctx, comment))

	got, err := cs.GetComment(ctx, comment.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", got.Text)
	assert.Equal(t, "resolved", got.Status)

	comment.Status = "bogus"
	assert.Error(t, cs.UpdateComment(ctx, comment))
}

func TestCommentStorage_Statistics(t *testing.T) {
	sqlite, cs := setupCommentStorage(t)
	ctx := context.Background()
	alice := createTestUser(t, sqlite, "alice", core.RoleAnalyst)
	bob := createTestUser(t, sqlite, "bob", core.RoleAnalyst)

	require.NoError(t, cs.CreateComment(ctx, &core.Comment{EntityType: core.EntityRule, EntityID: "r1", Text: "a", CreatedBy: &alice.ID}))
	require.NoError(t, cs.CreateComment(ctx, &core.Comment{EntityType: core.EntityRule, EntityID: "r1", Text: "b", CreatedBy: &alice.ID, CommentType: "issue"}))
	require.NoError(t, cs.CreateComment(ctx, &core.Comment{EntityType: core.EntityTechnique, EntityID: "T1059", Text: "c", CreatedBy: &bob.ID}))

	stats, err := cs.CommentStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, map[string]int64{"comment": 2, "issue": 1}, stats.ByType)
	assert.Equal(t, map[string]int64{"rule": 2, "technique": 1}, stats.ByEntityType)
	require.Len(t, stats.TopAuthors, 2)
	assert.Equal(t, "alice", stats.TopAuthors[0].Username)
	assert.Equal(t, int64(2), stats.TopAuthors[0].Count)
}
