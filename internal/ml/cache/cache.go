// Package cache keeps deserialized model bundles in process memory so the
// serving path avoids a Gateway fetch and decode per prediction. Entries
// expire lazily against a TTL; the durable registry remains the source of
// truth for which model is active.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prismpm/prism/internal/ml/metrics"
	"github.com/prismpm/prism/internal/ml/mlerrors"
	"github.com/prismpm/prism/internal/ml/models"
	"github.com/prismpm/prism/internal/ml/storage"
	"github.com/prismpm/prism/internal/ml/training"
)

// DefaultTTL bounds cross-process staleness of the active-model view.
const DefaultTTL = time.Hour

// ModelSource resolves model records; satisfied by registry.Registry.
type ModelSource interface {
	ActiveModel(ctx context.Context, modelType string, projectID *uuid.UUID) (*models.TrainedModel, error)
	ByID(ctx context.Context, id uuid.UUID) (*models.TrainedModel, error)
}

// Payload couples a deserialized bundle with the registry record it came
// from. The record supplies metadata (version, metrics); the bundle is the
// runtime estimator. The two are kept distinct on purpose.
type Payload struct {
	Model  *models.TrainedModel
	Bundle *models.Bundle
}

type entry struct {
	payload  *Payload
	cachedAt time.Time
}

// Stats describes the cache's current contents.
type Stats struct {
	Count int           `json:"count"`
	Keys  []string      `json:"keys"`
	TTL   time.Duration `json:"ttl"`
}

// Cache is a mutex-guarded, TTL-bounded model cache. It is an injected
// dependency owned by the serving process, never package-level state.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry

	ttl    time.Duration
	source ModelSource
	store  storage.ObjectStore
	logger *zap.SugaredLogger
	now    func() time.Time
}

func New(source ModelSource, store storage.ObjectStore, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		source:  source,
		store:   store,
		logger:  logger.Sugar(),
		now:     time.Now,
	}
}

// Key builds the cache key for (type, scope).
func Key(modelType string, projectID *uuid.UUID) string {
	if projectID != nil {
		return modelType + "_project_" + projectID.String()
	}
	return modelType + "_global"
}

// Get returns the cached payload for (type, scope), or nil. Expired
// entries are evicted on access.
func (c *Cache) Get(modelType string, projectID *uuid.UUID) *Payload {
	return c.get(Key(modelType, projectID))
}

func (c *Cache) get(key string) *Payload {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil
	}
	if c.now().Sub(e.cachedAt) > c.ttl {
		delete(c.entries, key)
		metrics.CacheMisses.Inc()
		c.logger.Debugw("cache entry expired", "key", key)
		return nil
	}
	metrics.CacheHits.Inc()
	return e.payload
}

// Put stores a payload under a key with the current timestamp.
func (c *Cache) Put(key string, payload *Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{payload: payload, cachedAt: c.now()}
}

// Invalidate removes entries for one model type, or everything when
// modelType is empty.
func (c *Cache) Invalidate(modelType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if modelType == "" {
		c.entries = make(map[string]entry)
		c.logger.Info("model cache cleared")
		return
	}
	for key := range c.entries {
		if strings.HasPrefix(key, modelType+"_") {
			delete(c.entries, key)
		}
	}
	c.logger.Infow("model cache invalidated", "model_type", modelType)
}

// Stats reports current cache contents.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return Stats{Count: len(c.entries), Keys: keys, TTL: c.ttl}
}

// LoadActive returns the active model payload for (type, scope),
// cache-aside. A project-scoped active model takes precedence; otherwise
// the newest active global model is used. A nil payload with nil error
// means no model is available, which callers treat as "fall through".
func (c *Cache) LoadActive(ctx context.Context, modelType string, projectID *uuid.UUID) (*Payload, error) {
	key := Key(modelType, projectID)
	if p := c.get(key); p != nil {
		return p, nil
	}

	record, err := c.source.ActiveModel(ctx, modelType, projectID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		c.logger.Debugw("no active model", "model_type", modelType)
		return nil, nil
	}

	payload, err := c.fetch(ctx, record)
	if err != nil {
		return nil, err
	}
	c.Put(key, payload)
	c.logger.Infow("model loaded",
		"model_id", record.ID, "model_type", modelType, "version", record.Version)
	return payload, nil
}

// LoadByID bypasses the active lookup; used for evaluation and diagnostics.
func (c *Cache) LoadByID(ctx context.Context, modelID uuid.UUID) (*Payload, error) {
	key := "model_id_" + modelID.String()
	if p := c.get(key); p != nil {
		return p, nil
	}

	record, err := c.source.ByID(ctx, modelID)
	if err != nil {
		return nil, err
	}
	payload, err := c.fetch(ctx, record)
	if err != nil {
		return nil, err
	}
	c.Put(key, payload)
	return payload, nil
}

// Preload warms the cache for a list of model types. Per-type failures are
// reported, never propagated; one broken type must not abort the batch.
func (c *Cache) Preload(ctx context.Context, modelTypes []string) map[string]bool {
	if len(modelTypes) == 0 {
		modelTypes = models.AllModelTypes
	}
	results := make(map[string]bool, len(modelTypes))
	for _, modelType := range modelTypes {
		payload, err := c.LoadActive(ctx, modelType, nil)
		if err != nil {
			c.logger.Warnw("preload failed", "model_type", modelType, "error", err)
			results[modelType] = false
			continue
		}
		results[modelType] = payload != nil
	}
	return results
}

// fetch downloads and deserializes a record's artifact.
func (c *Cache) fetch(ctx context.Context, record *models.TrainedModel) (*Payload, error) {
	if record.StorageKey == "" {
		return nil, mlerrors.NewStorageError(mlerrors.StorageNotFound, "fetch", "",
			&mlerrors.UnknownModelError{ID: record.ID.String()})
	}
	data, err := c.store.Fetch(ctx, record.StorageKey)
	if err != nil {
		return nil, err
	}
	bundle, err := training.DecodeBundle(data)
	if err != nil {
		return nil, &mlerrors.DeserializationError{Key: record.StorageKey, Err: err}
	}
	return &Payload{Model: record, Bundle: bundle}, nil
}
