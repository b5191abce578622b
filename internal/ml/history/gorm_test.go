package history

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return NewGormStore(db), db
}

func ptr(v float64) *float64 { return &v }

func TestCompletedIssuesFilters(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	projectID := uuid.New()
	otherProject := uuid.New()
	now := time.Now()

	rows := []issueRow{
		{ID: uuid.New(), ProjectID: projectID, Title: "labeled bug", IssueType: "bug",
			ActualHours: ptr(4), IsCompleted: true, IsActive: true, CompletedAt: &now},
		{ID: uuid.New(), ProjectID: projectID, Title: "unlabeled task", IssueType: "task",
			IsCompleted: true, IsActive: true, CompletedAt: &now},
		{ID: uuid.New(), ProjectID: projectID, Title: "open issue", IssueType: "bug",
			ActualHours: ptr(2), IsCompleted: false, IsActive: true},
		{ID: uuid.New(), ProjectID: otherProject, Title: "other project", IssueType: "bug",
			ActualHours: ptr(3), IsCompleted: true, IsActive: true, CompletedAt: &now},
	}
	for i := range rows {
		require.NoError(t, db.Create(&rows[i]).Error)
	}

	all, err := store.CompletedIssues(ctx, IssueFilter{ProjectID: &projectID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	labeled, err := store.CompletedIssues(ctx, IssueFilter{
		ProjectID:    &projectID,
		Label:        LabelActualHours,
		RequireLabel: true,
	})
	require.NoError(t, err)
	require.Len(t, labeled, 1)
	assert.Equal(t, "labeled bug", labeled[0].Title)

	bugs, err := store.CompletedIssues(ctx, IssueFilter{ProjectID: &projectID, IssueType: "task"})
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	assert.Equal(t, "unlabeled task", bugs[0].Title)
}

func TestCompletedIssuesSinceAndLimit(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	projectID := uuid.New()

	for i := 0; i < 5; i++ {
		at := time.Now().AddDate(0, 0, -i*10)
		require.NoError(t, db.Create(&issueRow{
			ID: uuid.New(), ProjectID: projectID, Title: "issue", IssueType: "task",
			ActualHours: ptr(1), IsCompleted: true, IsActive: true, CompletedAt: &at,
		}).Error)
	}

	recent, err := store.CompletedIssues(ctx, IssueFilter{
		ProjectID: &projectID,
		Since:     time.Now().AddDate(0, 0, -25),
	})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	capped, err := store.CompletedIssues(ctx, IssueFilter{ProjectID: &projectID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, capped, 2)
}

func TestSprintByIDMissingIsNil(t *testing.T) {
	store, _ := setupStore(t)
	sprint, err := store.SprintByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, sprint)
}

func TestSprintIssuesActiveOnly(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	sprintID := uuid.New()
	projectID := uuid.New()

	require.NoError(t, db.Create(&issueRow{
		ID: uuid.New(), ProjectID: projectID, SprintID: &sprintID,
		Title: "planned", IssueType: "story", IsActive: true,
	}).Error)
	require.NoError(t, db.Create(&issueRow{
		ID: uuid.New(), ProjectID: projectID, SprintID: &sprintID,
		Title: "archived", IssueType: "story", IsActive: false,
	}).Error)

	issues, err := store.SprintIssues(ctx, sprintID)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, "planned", issues[0].Title)
}

func TestCompletedSprintsOrderAndLimit(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	projectID := uuid.New()

	for i := 0; i < 4; i++ {
		start := time.Now().AddDate(0, 0, -14*(i+1))
		done := start.AddDate(0, 0, 14)
		require.NoError(t, db.Create(&sprintRow{
			ID: uuid.New(), ProjectID: projectID, Name: "sprint", Status: "completed",
			StartDate: &start, CompletedAt: &done, CompletedPoints: float64(10 + i),
		}).Error)
	}
	// Incomplete sprint must be excluded.
	require.NoError(t, db.Create(&sprintRow{
		ID: uuid.New(), ProjectID: projectID, Name: "running", Status: "active",
	}).Error)

	sprints, err := store.CompletedSprints(ctx, projectID, 3)
	require.NoError(t, err)
	require.Len(t, sprints, 3)
	// Newest completion first.
	assert.Equal(t, 10.0, sprints[0].CompletedPoints)
}

func TestStaleIssueCount(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	projectID := uuid.New()

	stale := time.Now().Add(-20 * 24 * time.Hour)
	require.NoError(t, db.Create(&issueRow{
		ID: uuid.New(), ProjectID: projectID, Title: "stale", IssueType: "task",
		IsActive: true, IsCompleted: false,
	}).Error)
	require.NoError(t, db.Model(&issueRow{}).Where("title = ?", "stale").
		UpdateColumn("updated_at", stale).Error)

	require.NoError(t, db.Create(&issueRow{
		ID: uuid.New(), ProjectID: projectID, Title: "fresh", IssueType: "task",
		IsActive: true, IsCompleted: false,
	}).Error)

	count, err := store.StaleIssueCount(ctx, projectID, 14*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIssueCreationCounts(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()
	projectID := uuid.New()

	// Two issues created in the current week, one three weeks back.
	for _, daysAgo := range []int{1, 2, 22} {
		id := uuid.New()
		require.NoError(t, db.Create(&issueRow{
			ID: id, ProjectID: projectID, Title: "issue", IssueType: "task", IsActive: true,
		}).Error)
		require.NoError(t, db.Model(&issueRow{}).Where("id = ?", id).
			UpdateColumn("created_at", time.Now().AddDate(0, 0, -daysAgo)).Error)
	}

	counts, err := store.IssueCreationCounts(ctx, projectID, 4)
	require.NoError(t, err)
	require.Len(t, counts, 4)
	assert.Equal(t, 2, counts[3])
	assert.Equal(t, 1, counts[0])
}
