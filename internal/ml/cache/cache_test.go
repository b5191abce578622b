package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/storage"
	"github.com/prismpm/prism/internal/ml/training"
)

type fakeSource struct {
	models      map[string]*models.TrainedModel
	activeCalls int
}

func (f *fakeSource) ActiveModel(ctx context.Context, modelType string, projectID *uuid.UUID) (*models.TrainedModel, error) {
	f.activeCalls++
	return f.models[modelType], nil
}

func (f *fakeSource) ByID(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error) {
	for _, m := range f.models {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, &mlerrors.UnknownModelError{ID: id.String()}
}

func storeBundle(t *testing.T, store *storage.MemoryStore, modelType string) (string, *models.TrainedModel) {
	t.Helper()
	g, err := training.FitGBRT([][]float64{{1}, {2}, {3}, {4}}, []float64{2, 4, 6, 8},
		training.GBRTParams{NumTrees: 10, MaxDepth: 3, LearningRate: 0.3, MinLeaf: 1})
	require.NoError(t, err)
	data, err := training.EncodeBundle(&models.Bundle{
		Estimator:    g,
		FeatureNames: []string{"x"},
		TrainedAt:    time.Now(),
	})
	require.NoError(t, err)
	obj, err := store.Store(context.Background(), data, modelType, "1.0.0", nil)
	require.NoError(t, err)

	record := &models.TrainedModel{
		ID:         uuid.New(),
		ModelType:  modelType,
		Version:    "1.0.0",
		Status:     models.StatusActive,
		IsActive:   true,
		StorageKey: obj.Key,
		Checksum:   obj.Checksum,
	}
	return obj.Key, record
}

func TestKey(t *testing.T) {
	projectID := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	assert.Equal(t, "effort_prediction_global", Key("effort_prediction", nil))
	assert.Equal(t, "effort_prediction_project_11111111-2222-3333-4444-555555555555",
		Key("effort_prediction", &projectID))
}

func TestPutGetAndTTLExpiry(t *testing.T) {
	c := New(&fakeSource{}, storage.NewMemoryStore(), time.Hour, zap.NewNop())
	now := time.Now()
	c.now = func() time.Time { return now }

	payload := &Payload{Model: &models.TrainedModel{ID: uuid.New()}}
	c.Put("effort_prediction_global", payload)

	got := c.Get("effort_prediction", nil)
	require.NotNil(t, got)
	assert.Equal(t, payload.Model.ID, got.Model.ID)

	// Past the TTL the entry is gone, and evicted.
	now = now.Add(2 * time.Hour)
	assert.Nil(t, c.Get("effort_prediction", nil))
	assert.Equal(t, 0, c.Stats().Count)
}

func TestInvalidateByType(t *testing.T) {
	c := New(&fakeSource{}, storage.NewMemoryStore(), time.Hour, zap.NewNop())
	projectID := uuid.New()

	c.Put(Key("effort_prediction", nil), &Payload{})
	c.Put(Key("effort_prediction", &projectID), &Payload{})
	c.Put(Key("story_points", nil), &Payload{})

	c.Invalidate("effort_prediction")
	assert.Nil(t, c.Get("effort_prediction", nil))
	assert.Nil(t, c.Get("effort_prediction", &projectID))
	assert.NotNil(t, c.Get("story_points", nil))

	c.Invalidate("")
	assert.Equal(t, 0, c.Stats().Count)
}

func TestLoadActiveCachesSecondCall(t *testing.T) {
	store := storage.NewMemoryStore()
	_, record := storeBundle(t, store, models.TypeEffortPrediction)
	source := &fakeSource{models: map[string]*models.TrainedModel{models.TypeEffortPrediction: record}}

	c := New(source, store, time.Hour, zap.NewNop())
	ctx := context.Background()

	payload, err := c.LoadActive(ctx, models.TypeEffortPrediction, nil)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, record.ID, payload.Model.ID)
	assert.InDelta(t, 6, payload.Bundle.Estimator.Predict([]float64{3}), 0.8)

	_, err = c.LoadActive(ctx, models.TypeEffortPrediction, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, source.activeCalls)
}

func TestLoadActiveNoModel(t *testing.T) {
	c := New(&fakeSource{}, storage.NewMemoryStore(), time.Hour, zap.NewNop())
	payload, err := c.LoadActive(context.Background(), models.TypeEffortPrediction, nil)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestLoadActiveCorruptArtifact(t *testing.T) {
	store := storage.NewMemoryStore()
	obj, err := store.Store(context.Background(), []byte("junk bytes"), models.TypeEffortPrediction, "1.0.0", nil)
	require.NoError(t, err)

	record := &models.TrainedModel{
		ID:         uuid.New(),
		ModelType:  models.TypeEffortPrediction,
		Status:     models.StatusActive,
		IsActive:   true,
		StorageKey: obj.Key,
	}
	source := &fakeSource{models: map[string]*models.TrainedModel{models.TypeEffortPrediction: record}}
	c := New(source, store, time.Hour, zap.NewNop())

	_, err = c.LoadActive(context.Background(), models.TypeEffortPrediction, nil)
	var deser *mlerrors.DeserializationError
	assert.ErrorAs(t, err, &deser)
}

func TestLoadActiveMissingStorageKey(t *testing.T) {
	record := &models.TrainedModel{ID: uuid.New(), ModelType: models.TypeEffortPrediction, IsActive: true}
	source := &fakeSource{models: map[string]*models.TrainedModel{models.TypeEffortPrediction: record}}
	c := New(source, storage.NewMemoryStore(), time.Hour, zap.NewNop())

	_, err := c.LoadActive(context.Background(), models.TypeEffortPrediction, nil)
	assert.True(t, mlerrors.IsStorageKind(err, mlerrors.StorageNotFound))
}

func TestLoadByID(t *testing.T) {
	store := storage.NewMemoryStore()
	_, record := storeBundle(t, store, models.TypeStoryPoints)
	source := &fakeSource{models: map[string]*models.TrainedModel{models.TypeStoryPoints: record}}
	c := New(source, store, time.Hour, zap.NewNop())

	payload, err := c.LoadByID(context.Background(), record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, payload.Model.ID)

	_, err = c.LoadByID(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestPreloadReportsPerType(t *testing.T) {
	store := storage.NewMemoryStore()
	_, record := storeBundle(t, store, models.TypeEffortPrediction)
	source := &fakeSource{models: map[string]*models.TrainedModel{models.TypeEffortPrediction: record}}
	c := New(source, store, time.Hour, zap.NewNop())

	results := c.Preload(context.Background(), nil)
	assert.Len(t, results, len(models.AllModelTypes))
	assert.True(t, results[models.TypeEffortPrediction])
	assert.False(t, results[models.TypeStoryPoints])
}

func TestDefaultTTLApplied(t *testing.T) {
	c := New(&fakeSource{}, storage.NewMemoryStore(), 0, zap.NewNop())
	assert.Equal(t, DefaultTTL, c.Stats().TTL)
}

var errSourceDown = errors.New("registry unavailable")

type failingSource struct{}

func (failingSource) ActiveModel(ctx context.Context, modelType string, projectID *uuid.UUID) (*models.TrainedModel, error) {
	return nil, errSourceDown
}

func (failingSource) ByID(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error) {
	return nil, errSourceDown
}

func TestPreloadSurvivesFailures(t *testing.T) {
	c := New(failingSource{}, storage.NewMemoryStore(), time.Hour, zap.NewNop())
	results := c.Preload(context.Background(), []string{models.TypeEffortPrediction, models.TypeStoryPoints})
	assert.Equal(t, map[string]bool{
		models.TypeEffortPrediction: false,
		models.TypeStoryPoints:      false,
	}, results)
}
