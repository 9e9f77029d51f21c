// internal/storage/store.go
// Package storage provides the persistent stores backing the Photonic agent:
// the encrypted object store (cached study blobs) and the work-queue store
// (study lifecycle records plus the runtime settings blob).
// Both in-memory and PostgreSQL implementations are provided.
package storage

import (
	"context"
	"errors"

	"github.com/photonic-rad/photonic-agent/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound    = errors.New("not found")           // Returned when a record or blob is not found
	ErrConflict    = errors.New("conflict")            // Returned on a stale optimistic-concurrency write
	ErrUnavailable = errors.New("storage unavailable") // Returned when the backing store is unreachable
)

// ObjectStore is the persistent key-value store of encrypted study blobs,
// keyed by study instance UID. Presence of an entry is the sole "is cached"
// predicate. All operations are individually atomic; no multi-key
// transactions are required by any caller. When the backing store is
// unreachable every operation fails with ErrUnavailable and callers must
// treat the cache as unusable for that cycle.
type ObjectStore interface {
	// Put upserts a blob, replacing any existing entry for the same UID.
	Put(ctx context.Context, blob model.CachedBlob) error
	// Get returns the blob for uid, or ErrNotFound.
	Get(ctx context.Context, uid string) (*model.CachedBlob, error)
	// Has reports whether a blob exists for uid.
	Has(ctx context.Context, uid string) (bool, error)
	// Delete removes the blob for uid. Deleting a missing blob is not an error.
	Delete(ctx context.Context, uid string) error
	// GetAll returns every blob in unspecified order.
	GetAll(ctx context.Context) ([]model.CachedBlob, error)
	// GetAllByAge returns every blob ascending by insertion time.
	GetAllByAge(ctx context.Context) ([]model.CachedBlob, error)
	// TotalSize returns the sum of plaintext sizes across all blobs.
	TotalSize(ctx context.Context) (int64, error)
}

// QueueStore is the persistent record store of study metadata and lifecycle
// status, keyed by the external study identifier. It also persists the
// runtime Settings blob, which shares the store's lifecycle.
type QueueStore interface {
	// Put upserts a record by StudyID.
	Put(ctx context.Context, record model.StudyRecord) error
	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*model.StudyRecord, error)
	// GetAll returns every record.
	GetAll(ctx context.Context) ([]model.StudyRecord, error)
	// GetByStatus returns the records currently in the given status.
	GetByStatus(ctx context.Context, status model.Status) ([]model.StudyRecord, error)
	// Delete hard-deletes the record for id.
	Delete(ctx context.Context, id string) error
	// Clear hard-deletes every record.
	Clear(ctx context.Context) error
	// UpdateStatus reads the current record, merges patch fields, sets the
	// status and updated_at, and writes back guarded by the record's version.
	// Fails with ErrNotFound if the record is absent and ErrConflict if a
	// concurrent writer advanced the version first.
	UpdateStatus(ctx context.Context, id string, status model.Status, patch *model.RecordPatch) (*model.StudyRecord, error)

	// LoadSettings returns the persisted settings, or ErrNotFound when the
	// agent has never saved any.
	LoadSettings(ctx context.Context) (*model.Settings, error)
	// SaveSettings persists the settings immediately.
	SaveSettings(ctx context.Context, settings model.Settings) error
}

// ArchiveBackend offloads blob ciphertext to external object storage. When
// configured on the PostgreSQL object store, rows carry an object key instead
// of inline ciphertext.
type ArchiveBackend interface {
	// Put stores ciphertext under key, replacing any existing object.
	Put(ctx context.Context, key string, ciphertext []byte) error
	// Fetch returns the ciphertext stored under key.
	Fetch(ctx context.Context, key string) ([]byte, error)
	// Delete removes the object under key. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, key string) error
}

// applyPatch merges the non-nil fields of patch into record. Shared by the
// memory and PostgreSQL UpdateStatus implementations so both merge the same
// way.
func applyPatch(record *model.StudyRecord, patch *model.RecordPatch) {
	if patch == nil {
		return
	}
	if patch.StudyInstanceUUID != nil {
		record.StudyInstanceUUID = *patch.StudyInstanceUUID
	}
	if patch.FilePath != nil {
		record.FilePath = *patch.FilePath
	}
	if patch.FileSize != nil {
		record.FileSize = *patch.FileSize
	}
	if patch.DownloadTime != nil {
		record.DownloadTime = patch.DownloadTime
	}
	if patch.DeleteTime != nil {
		record.DeleteTime = patch.DeleteTime
	}
	if patch.Error != nil {
		record.Error = *patch.Error
	}
	if patch.RetryCount != nil {
		record.RetryCount = *patch.RetryCount
	}
	if patch.LastRetry != nil {
		record.LastRetry = patch.LastRetry
	}
}
