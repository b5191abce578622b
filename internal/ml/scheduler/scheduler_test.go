package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/prismpm/prism/internal/ml/history"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/registry"
	"github.com/prismpm/prism/internal/ml/storage"
	"github.com/prismpm/prism/internal/ml/training"
)

func setupScheduler(t *testing.T) (*Scheduler, *registry.Registry, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, registry.Migrate(db))
	require.NoError(t, history.Migrate(db))

	reg := registry.New(db, zap.NewNop())
	cfg := training.DefaultConfig()
	cfg.GBRT.NumTrees = 15
	trainer := training.NewTrainer(history.NewGormStore(db), reg, storage.NewMemoryStore(), cfg, zap.NewNop())
	return New(trainer, reg, 365*24*time.Hour, zap.NewNop()), reg, db
}

func seedLabeledIssues(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	projectID := uuid.New()
	completedAt := time.Now().Add(-24 * time.Hour)
	for i := 0; i < n; i++ {
		words := 2 + i%8
		title := "issue"
		for w := 0; w < words; w++ {
			title += fmt.Sprintf(" word%d", w)
		}
		require.NoError(t, db.Table("issues").Create(map[string]interface{}{
			"id":           uuid.New(),
			"project_id":   projectID,
			"title":        title,
			"description":  "a short description",
			"issue_type":   []string{"bug", "task", "story"}[i%3],
			"priority":     "medium",
			"actual_hours": float64(2 + i%8),
			"is_active":    true,
			"is_completed": true,
			"completed_at": completedAt,
			"created_at":   completedAt.Add(-48 * time.Hour),
			"updated_at":   completedAt,
		}).Error)
	}
}

func TestSweepRetrainsStaleModel(t *testing.T) {
	sched, reg, db := setupScheduler(t)
	ctx := context.Background()

	seedLabeledIssues(t, db, 60)

	stale := &models.TrainedModel{
		ID:           uuid.New(),
		ModelType:    models.TypeEffortPrediction,
		Version:      "1.0.0",
		Status:       models.StatusActive,
		IsActive:     true,
		TrainingDate: time.Now().Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, reg.Create(ctx, stale))

	result := sched.Sweep(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Retrained)

	// The stale model was replaced as the active one.
	active, err := reg.ActiveModel(ctx, models.TypeEffortPrediction, nil)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.NotEqual(t, stale.ID, active.ID)

	reloaded, err := reg.ByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsActive)
}

func TestSweepSkipsFreshModel(t *testing.T) {
	sched, reg, db := setupScheduler(t)
	ctx := context.Background()

	seedLabeledIssues(t, db, 60)

	fresh := &models.TrainedModel{
		ID:              uuid.New(),
		ModelType:       models.TypeEffortPrediction,
		Version:         "1.0.0",
		Status:          models.StatusActive,
		IsActive:        true,
		TrainingDate:    time.Now().Add(-time.Hour),
		TrainingSamples: 10000,
	}
	require.NoError(t, reg.Create(ctx, fresh))

	result := sched.Sweep(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 0, result.Retrained)
	assert.Equal(t, 1, result.Skipped)
}

func TestSweepSkipsModelsWithoutPipeline(t *testing.T) {
	sched, reg, _ := setupScheduler(t)
	ctx := context.Background()

	// An old active record of a type with no training pipeline must be
	// skipped cleanly, not pile up errors every sweep.
	old := &models.TrainedModel{
		ID:           uuid.New(),
		ModelType:    models.TypeTaskAssignment,
		Version:      "1.0.0",
		Status:       models.StatusActive,
		IsActive:     true,
		TrainingDate: time.Now().Add(-200 * 24 * time.Hour),
	}
	require.NoError(t, reg.Create(ctx, old))

	result := sched.Sweep(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Retrained)
}

func TestSweepSkipsWhenDataDriesUp(t *testing.T) {
	sched, reg, _ := setupScheduler(t)
	ctx := context.Background()

	// Stale model, but no labeled issues remain to retrain on.
	stale := &models.TrainedModel{
		ID:           uuid.New(),
		ModelType:    models.TypeEffortPrediction,
		Version:      "1.0.0",
		Status:       models.StatusActive,
		IsActive:     true,
		TrainingDate: time.Now().Add(-40 * 24 * time.Hour),
	}
	require.NoError(t, reg.Create(ctx, stale))

	result := sched.Sweep(ctx)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.Skipped)

	// The incumbent stays active.
	active, err := reg.ActiveModel(ctx, models.TypeEffortPrediction, nil)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, stale.ID, active.ID)
}

func TestSweepPrunesOldPredictions(t *testing.T) {
	sched, reg, db := setupScheduler(t)
	ctx := context.Background()

	old := &models.PredictionRecord{ID: uuid.New(), PredictedValue: 4}
	require.NoError(t, reg.SavePrediction(ctx, old))
	require.NoError(t, reg.AttachOutcome(ctx, old.ID, 5))

	// Age the record past the retention window.
	require.NoError(t, db.Model(&models.PredictionRecord{}).Where("id = ?", old.ID).
		UpdateColumn("created_at", time.Now().Add(-400*24*time.Hour)).Error)

	result := sched.Sweep(ctx)
	assert.Empty(t, result.Errors)

	var count int64
	require.NoError(t, db.Model(&models.PredictionRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	sched, _, _ := setupScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx, DefaultSchedule) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	sched, _, _ := setupScheduler(t)
	err := sched.Start(context.Background(), "not a cron spec")
	assert.Error(t, err)
}
