// Package storage provides durable, checksummed, versioned blob persistence
// for trained-model artifacts and datasets.
package storage

import (
	"context"
	"fmt"
	"time"
)

const (
	// ModelPrefix is the key prefix for model artifacts.
	ModelPrefix = "ml_models/"
	// DatasetPrefix is the key prefix for training datasets.
	DatasetPrefix = "ml_datasets/"

	timestampLayout = "20060102_150405"
)

// Object identifies a stored blob.
type Object struct {
	Bucket   string
	Key      string
	Checksum string
}

// ObjectInfo describes a stored blob without its payload.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Checksum     string
	Metadata     map[string]string
}

// ObjectStore is the gateway to the versioned artifact store. All
// operations are blocking I/O; implementations retry transient failures a
// bounded number of times before surfacing a StorageError.
type ObjectStore interface {
	// Store persists a model artifact under a timestamp-versioned key and
	// returns the key with its integrity checksum.
	Store(ctx context.Context, data []byte, modelType, version string, metadata map[string]string) (Object, error)
	// Fetch returns the artifact bytes for a key.
	Fetch(ctx context.Context, key string) ([]byte, error)
	// Exists reports whether the key resolves to an object.
	Exists(ctx context.Context, key string) (bool, error)
	// Head returns object metadata without downloading the payload.
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	// List enumerates stored model artifacts, optionally narrowed by type
	// and version.
	List(ctx context.Context, modelType, version string) ([]ObjectInfo, error)
	// Delete removes an artifact.
	Delete(ctx context.Context, key string) error

	// StoreDataset persists a serialized training dataset.
	StoreDataset(ctx context.Context, data []byte, name string, projectID string) (string, error)
	// FetchDataset returns a stored dataset.
	FetchDataset(ctx context.Context, key string) ([]byte, error)
}

// ModelKey builds the hierarchical artifact key
// ml_models/<type>/<version>/<YYYYMMDD_HHMMSS>/model.blob.
func ModelKey(modelType, version string, now time.Time) string {
	return fmt.Sprintf("%s%s/%s/%s/model.blob",
		ModelPrefix, modelType, version, now.UTC().Format(timestampLayout))
}

// DatasetKey builds the dataset key, grouped by project when one is given.
func DatasetKey(name, projectID string, now time.Time) string {
	ts := now.UTC().Format(timestampLayout)
	if projectID != "" {
		return fmt.Sprintf("%s%s/%s_%s.blob", DatasetPrefix, projectID, name, ts)
	}
	return fmt.Sprintf("%s%s_%s.blob", DatasetPrefix, name, ts)
}

// ListPrefix narrows a listing to a model type and optionally a version.
func ListPrefix(modelType, version string) string {
	prefix := ModelPrefix
	if modelType != "" {
		prefix += modelType + "/"
		if version != "" {
			prefix += version + "/"
		}
	}
	return prefix
}

// uploadMetadata assembles the companion metadata stored with an artifact.
func uploadMetadata(modelType, version, checksum string, now time.Time, custom map[string]string) map[string]string {
	md := map[string]string{
		"model_type":   modelType,
		"version":      version,
		"uploaded_at":  now.UTC().Format(timestampLayout),
		"md5_checksum": checksum,
	}
	for k, v := range custom {
		md["custom_"+k] = v
	}
	return md
}
