package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismpm/prism/internal/ml/mlerrors"
)

func TestModelKeyLayout(t *testing.T) {
	at := time.Date(2026, 3, 15, 9, 30, 45, 0, time.UTC)
	key := ModelKey("effort_prediction", "1.0.0", at)
	assert.Equal(t, "ml_models/effort_prediction/1.0.0/20260315_093045/model.blob", key)
}

func TestDatasetKey(t *testing.T) {
	at := time.Date(2026, 3, 15, 9, 30, 45, 0, time.UTC)
	assert.Equal(t, "ml_datasets/proj-1/training_20260315_093045.blob",
		DatasetKey("training", "proj-1", at))
	assert.Equal(t, "ml_datasets/training_20260315_093045.blob",
		DatasetKey("training", "", at))
}

func TestListPrefix(t *testing.T) {
	assert.Equal(t, "ml_models/", ListPrefix("", ""))
	assert.Equal(t, "ml_models/effort_prediction/", ListPrefix("effort_prediction", ""))
	assert.Equal(t, "ml_models/effort_prediction/1.0.0/", ListPrefix("effort_prediction", "1.0.0"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	data := []byte("serialized model payload")

	obj, err := store.Store(ctx, data, "effort_prediction", "1.0.0", map[string]string{"project_id": "p1"})
	require.NoError(t, err)

	sum := md5.Sum(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), obj.Checksum)
	assert.Contains(t, obj.Key, "ml_models/effort_prediction/1.0.0/")

	fetched, err := store.Fetch(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, data, fetched)

	ok, err := store.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := store.Head(ctx, obj.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.Equal(t, obj.Checksum, info.Checksum)
	assert.Equal(t, "p1", info.Metadata["custom_project_id"])
}

func TestMemoryStoreFetchMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Fetch(context.Background(), "ml_models/nope/model.blob")
	require.Error(t, err)
	assert.True(t, mlerrors.IsStorageKind(err, mlerrors.StorageNotFound))
}

func TestMemoryStoreListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})

	_, err := store.Store(ctx, []byte("a"), "effort_prediction", "1.0.0", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, []byte("b"), "effort_prediction", "1.0.0", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, []byte("c"), "story_points", "1.0.0", nil)
	require.NoError(t, err)

	effort, err := store.List(ctx, "effort_prediction", "")
	require.NoError(t, err)
	assert.Len(t, effort, 2)

	all, err := store.List(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	obj, err := store.Store(ctx, []byte("x"), "effort_prediction", "1.0.0", nil)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, obj.Key))

	ok, err := store.Exists(ctx, obj.Key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Len())
}
