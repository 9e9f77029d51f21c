// internal/storage/memory.go
// In-memory implementations of ObjectStore and QueueStore, intended for
// development and testing.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/photonic-rad/photonic-agent/internal/model"
)

// memoryObjects implements ObjectStore using an in-memory map.
type memoryObjects struct {
	mu    sync.RWMutex
	blobs map[string]*model.CachedBlob // Map of study UID to blob
}

// NewMemoryObjects creates a new in-memory object store.
func NewMemoryObjects() ObjectStore {
	return &memoryObjects{
		blobs: make(map[string]*model.CachedBlob),
	}
}

func (m *memoryObjects) Put(ctx context.Context, blob model.CachedBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	blobCopy := blob
	m.blobs[blob.UID] = &blobCopy
	return nil
}

func (m *memoryObjects) Get(ctx context.Context, uid string) (*model.CachedBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, exists := m.blobs[uid]
	if !exists {
		return nil, ErrNotFound
	}
	blobCopy := *blob
	return &blobCopy, nil
}

func (m *memoryObjects) Has(ctx context.Context, uid string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.blobs[uid]
	return exists, nil
}

func (m *memoryObjects) Delete(ctx context.Context, uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, uid)
	return nil
}

func (m *memoryObjects) GetAll(ctx context.Context) ([]model.CachedBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.CachedBlob, 0, len(m.blobs))
	for _, blob := range m.blobs {
		result = append(result, *blob)
	}
	return result, nil
}

func (m *memoryObjects) GetAllByAge(ctx context.Context) ([]model.CachedBlob, error) {
	result, err := m.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	// Ascending by insertion time; ties broken by UID for stable iteration.
	sort.Slice(result, func(i, j int) bool {
		if result[i].InsertedAt.Equal(result[j].InsertedAt) {
			return result[i].UID < result[j].UID
		}
		return result[i].InsertedAt.Before(result[j].InsertedAt)
	})
	return result, nil
}

func (m *memoryObjects) TotalSize(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, blob := range m.blobs {
		total += blob.Size
	}
	return total, nil
}

// memoryQueue implements QueueStore using an in-memory map.
type memoryQueue struct {
	mu       sync.RWMutex
	records  map[string]*model.StudyRecord // Map of study id to record
	settings *model.Settings               // Persisted runtime settings, nil until saved
}

// NewMemoryQueue creates a new in-memory work-queue store.
func NewMemoryQueue() QueueStore {
	return &memoryQueue{
		records: make(map[string]*model.StudyRecord),
	}
}

func (m *memoryQueue) Put(ctx context.Context, record model.StudyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.records[record.StudyID]; exists {
		record.Version = existing.Version + 1
	}
	recordCopy := record
	m.records[record.StudyID] = &recordCopy
	return nil
}

func (m *memoryQueue) Get(ctx context.Context, id string) (*model.StudyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, exists := m.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

func (m *memoryQueue) GetAll(ctx context.Context) ([]model.StudyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.StudyRecord, 0, len(m.records))
	for _, record := range m.records {
		result = append(result, *record)
	}
	// Newest first, matching the worklist presentation order.
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].StudyID < result[j].StudyID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *memoryQueue) GetByStatus(ctx context.Context, status model.Status) ([]model.StudyRecord, error) {
	all, err := m.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]model.StudyRecord, 0)
	for _, record := range all {
		if record.Status == status {
			filtered = append(filtered, record)
		}
	}
	return filtered, nil
}

func (m *memoryQueue) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[id]; !exists {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *memoryQueue) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records = make(map[string]*model.StudyRecord)
	return nil
}

func (m *memoryQueue) UpdateStatus(ctx context.Context, id string, status model.Status, patch *model.RecordPatch) (*model.StudyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, exists := m.records[id]
	if !exists {
		return nil, ErrNotFound
	}

	updated := *record
	applyPatch(&updated, patch)
	updated.Status = status
	updated.UpdatedAt = time.Now().UTC()
	updated.Version = record.Version + 1

	m.records[id] = &updated
	updatedCopy := updated
	return &updatedCopy, nil
}

func (m *memoryQueue) LoadSettings(ctx context.Context) (*model.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.settings == nil {
		return nil, ErrNotFound
	}
	settingsCopy := *m.settings
	return &settingsCopy, nil
}

func (m *memoryQueue) SaveSettings(ctx context.Context, settings model.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	settingsCopy := settings
	m.settings = &settingsCopy
	return nil
}
