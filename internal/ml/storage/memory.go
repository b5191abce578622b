package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prismpm/prism/internal/ml/mlerrors"
)

// MemoryStore is an in-process ObjectStore for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data     []byte
	metadata map[string]string
	stored   time.Time
}

var _ ObjectStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source used for key generation.
func (m *MemoryStore) SetClock(now func() time.Time) { m.now = now }

// Len reports the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

func (m *MemoryStore) Store(ctx context.Context, data []byte, modelType, version string, metadata map[string]string) (Object, error) {
	now := m.now()
	key := ModelKey(modelType, version, now)
	sum := md5.Sum(data)
	checksum := hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memObject{
		data:     buf,
		metadata: uploadMetadata(modelType, version, checksum, now, metadata),
		stored:   now,
	}
	return Object{Bucket: "local", Key: key, Checksum: checksum}, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, mlerrors.NewStorageError(mlerrors.StorageNotFound, "fetch", key, errors.New("no such key"))
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, mlerrors.NewStorageError(mlerrors.StorageNotFound, "head", key, errors.New("no such key"))
	}
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(obj.data)),
		LastModified: obj.stored,
		Checksum:     obj.metadata["md5_checksum"],
		Metadata:     obj.metadata,
	}, nil
}

func (m *MemoryStore) List(ctx context.Context, modelType, version string) ([]ObjectInfo, error) {
	prefix := ListPrefix(modelType, version)

	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []ObjectInfo
	for key, obj := range m.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entries = append(entries, ObjectInfo{
			Key:          key,
			Size:         int64(len(obj.data)),
			LastModified: obj.stored,
			Checksum:     obj.metadata["md5_checksum"],
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) StoreDataset(ctx context.Context, data []byte, name string, projectID string) (string, error) {
	key := DatasetKey(name, projectID, m.now())
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.objects[key] = memObject{data: buf, metadata: map[string]string{"dataset_name": name}, stored: m.now()}
	return key, nil
}

func (m *MemoryStore) FetchDataset(ctx context.Context, key string) ([]byte, error) {
	return m.Fetch(ctx, key)
}
