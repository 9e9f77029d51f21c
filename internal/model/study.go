// internal/model/study.go
// Package model defines the data structures used throughout the Photonic agent.
// These structures represent the core domain objects for the work queue,
// the encrypted object store, and the remote worklist.
package model

import (
	"time"
)

// Status is the lifecycle state of a StudyRecord in the work queue.
type Status string

const (
	StatusPending    Status = "PENDING"    // Known from the worklist, not yet downloaded
	StatusDownload   Status = "DOWNLOAD"   // Download in progress
	StatusDownloaded Status = "DOWNLOADED" // Payload encrypted and cached
	StatusError      Status = "ERROR"      // Last download attempt failed
	StatusSkipped    Status = "SKIPPED"    // Excluded by user action
	StatusDeleted    Status = "DELETED"    // Payload removed, record retained for re-download
)

// ValidStatuses lists every status a record may carry, in display order.
var ValidStatuses = []Status{
	StatusPending,
	StatusDownload,
	StatusDownloaded,
	StatusError,
	StatusSkipped,
	StatusDeleted,
}

// Valid reports whether s is a known lifecycle status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownload, StatusDownloaded, StatusError, StatusSkipped, StatusDeleted:
		return true
	}
	return false
}

// StudyRecord is a work-queue entry tracking one study's download lifecycle.
// Identity is StudyID, the stable external study identifier.
// Invariant: FilePath is non-empty iff Status == StatusDownloaded.
// This corresponds to the study_records table in storage.
type StudyRecord struct {
	StudyID          string     `json:"studyId" db:"study_id"`                    // Stable external study identifier
	PatientName      string     `json:"patientName" db:"patient_name"`            // Patient name as reported by the worklist
	PatientID        string     `json:"patientId" db:"patient_id"`                // Patient identifier
	Facility         string     `json:"facility" db:"facility"`                   // Originating facility name
	Status           Status     `json:"status" db:"status"`                       // Lifecycle status
	StudyInstanceUID string     `json:"studyInstanceUid" db:"study_instance_uid"` // External correlation id (DICOM study instance UID)
	StudyInstanceUUID string    `json:"studyInstanceUuid,omitempty" db:"study_instance_uuid"` // Resolved internal id, empty until resolved
	FilePath         string     `json:"filePath,omitempty" db:"file_path"`        // Cache path, set only when DOWNLOADED
	FileSize         int64      `json:"fileSize,omitempty" db:"file_size"`        // Plaintext payload size in bytes
	DownloadTime     *time.Time `json:"downloadTime,omitempty" db:"download_time"` // When the payload was cached
	DeleteTime       *time.Time `json:"deleteTime,omitempty" db:"delete_time"`    // When the payload was deleted
	Error            string     `json:"error,omitempty" db:"error"`               // Last failure message
	RetryCount       int        `json:"retryCount" db:"retry_count"`              // Failed download attempts so far
	LastRetry        *time.Time `json:"lastRetry,omitempty" db:"last_retry"`      // When the last attempt failed
	Priority         int        `json:"priority" db:"priority"`                   // User-assigned ordering hint
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`                // First seen on the worklist
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`                // Last mutation time
	Version          int64      `json:"version" db:"version"`                     // Optimistic-concurrency token
}

// RecordPatch carries the optional fields merged into a StudyRecord by
// QueueStore.UpdateStatus. Nil fields are left untouched.
type RecordPatch struct {
	StudyInstanceUUID *string
	FilePath          *string
	FileSize          *int64
	DownloadTime      *time.Time
	DeleteTime        *time.Time
	Error             *string
	RetryCount        *int
	LastRetry         *time.Time
}

// CachedBlob is an encrypted study payload held by the object store.
// Identity is UID (the study instance UID); presence of an entry is the
// sole "is cached" predicate. Entries are replaced, never mutated.
type CachedBlob struct {
	UID         string    `json:"uid" db:"uid"`                  // Study instance UID
	Ciphertext  []byte    `json:"-" db:"ciphertext"`             // AES-GCM ciphertext (nil when offloaded)
	Key         []byte    `json:"-" db:"enc_key"`                // 256-bit symmetric key
	IV          []byte    `json:"-" db:"iv"`                     // 96-bit nonce
	Size        int64     `json:"size" db:"size"`                // Plaintext size in bytes
	InsertedAt  time.Time `json:"insertedAt" db:"inserted_at"`   // Insertion time, drives LRU and TTL ordering
	PatientName string    `json:"patientName,omitempty" db:"patient_name"` // Display metadata
	StudyDate   string    `json:"studyDate,omitempty" db:"study_date"`     // Display metadata
	ObjectKey   string    `json:"-" db:"object_key"`             // Archive object key when ciphertext is offloaded
}

// StudyDescriptor is one row of the remote worklist.
type StudyDescriptor struct {
	StudyInstanceUID string `json:"study_instance_uid"` // External study identifier
	PatientName      string `json:"patient_name"`       // Patient name
	PatientID        string `json:"patient_id"`         // Patient identifier
	Facility         string `json:"facility,omitempty"` // Originating facility
	StudyDate        string `json:"study_date,omitempty"` // Study date as reported upstream
	Status           string `json:"status,omitempty"`   // Remote-side status tag, used by the status filter
}

// Settings is the runtime-mutable agent configuration. It is loaded at
// startup, mutated through the control API, and persisted immediately on save.
type Settings struct {
	BaseURL          string `json:"baseUrl"`          // PACS endpoint base URL
	MaxCacheBytes    int64  `json:"maxCacheBytes"`    // Quota for the object store
	TTLDays          int    `json:"ttlDays"`          // Max blob age before eviction
	PollIntervalSec  int    `json:"pollIntervalSec"`  // Poll timer period
	AutoPolling      bool   `json:"autoPolling"`      // Whether the poll timer runs
	NotifyOnDownload bool   `json:"notifyOnDownload"` // Emit an event per cached study
	Debug            bool   `json:"debug"`            // Verbose logging
	StatusFilter     string `json:"statusFilter"`     // Remote status a study must carry to be fetched; empty accepts all
	DownloadSubdir   string `json:"downloadSubdir"`   // Destination subfolder for cache paths
	Concurrency      int    `json:"concurrency"`      // Download batch size
}

// Summary is the read-only projection exposed to UI collaborators.
type Summary struct {
	StudyCount     int            `json:"studyCount"`     // Records in the work queue
	CacheBytes     int64          `json:"cacheBytes"`     // Total plaintext bytes cached
	CachedBlobs    int            `json:"cachedBlobs"`    // Entries in the object store
	PerStatus      map[Status]int `json:"perStatus"`      // Record counts by status
	StaleDownloads int            `json:"staleDownloads"` // DOWNLOADED records whose blob was evicted
	LastPollAt     *time.Time     `json:"lastPollAt,omitempty"` // When the last poll cycle finished
}

// BulkResult summarizes a bulk operation. Partial success is the expected
// outcome, not an error state.
type BulkResult struct {
	Total     int `json:"total"`     // Studies attempted
	Succeeded int `json:"succeeded"` // Studies that completed
	Failed    int `json:"failed"`    // Studies that failed
}
