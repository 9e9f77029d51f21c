// internal/storage/postgres.go
// PostgreSQL implementations of ObjectStore and QueueStore, intended for
// production use.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/photonic-rad/photonic-agent/internal/model"
)

// Pool wraps the shared pgx connection pool so both stores can ride one
// set of connections and the caller can close them together.
type Pool struct {
	db *pgxpool.Pool
}

// NewPool establishes a connection pool to the database and initializes the
// schema.
func NewPool(dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Pool{db: pool}, nil
}

// Close closes the database connection pool.
func (p *Pool) Close() {
	p.db.Close()
}

// initSchema creates all required tables and indexes if they don't already
// exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Encrypted study blobs. Presence of a row is the "is cached" predicate.
		CREATE TABLE IF NOT EXISTS cached_blobs (
		    uid          TEXT PRIMARY KEY,            -- Study instance UID
		    ciphertext   BYTEA,                       -- AES-GCM ciphertext, NULL when offloaded
		    enc_key      BYTEA NOT NULL,              -- Per-blob symmetric key
		    iv           BYTEA NOT NULL,              -- Per-blob nonce
		    size         BIGINT NOT NULL,             -- Plaintext size in bytes
		    inserted_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    patient_name TEXT NOT NULL DEFAULT '',
		    study_date   TEXT NOT NULL DEFAULT '',
		    object_key   TEXT NOT NULL DEFAULT ''     -- Archive key when ciphertext is offloaded
		);

		-- Secondary ordering by insertion time (LRU/TTL sweeps) and size index.
		CREATE INDEX IF NOT EXISTS idx_cached_blobs_inserted_at ON cached_blobs(inserted_at ASC);
		CREATE INDEX IF NOT EXISTS idx_cached_blobs_size ON cached_blobs(size);

		-- Work-queue records tracking per-study download lifecycle.
		CREATE TABLE IF NOT EXISTS study_records (
		    study_id            TEXT PRIMARY KEY,     -- External study identifier
		    patient_name        TEXT NOT NULL DEFAULT '',
		    patient_id          TEXT NOT NULL DEFAULT '',
		    facility            TEXT NOT NULL DEFAULT '',
		    status              TEXT NOT NULL,
		    study_instance_uid  TEXT NOT NULL DEFAULT '',
		    study_instance_uuid TEXT NOT NULL DEFAULT '',
		    file_path           TEXT NOT NULL DEFAULT '',
		    file_size           BIGINT NOT NULL DEFAULT 0,
		    download_time       TIMESTAMP WITH TIME ZONE,
		    delete_time         TIMESTAMP WITH TIME ZONE,
		    error               TEXT NOT NULL DEFAULT '',
		    retry_count         INTEGER NOT NULL DEFAULT 0,
		    last_retry          TIMESTAMP WITH TIME ZONE,
		    priority            INTEGER NOT NULL DEFAULT 0,
		    created_at          TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at          TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    version             BIGINT NOT NULL DEFAULT 1  -- Optimistic-concurrency token
		);

		CREATE INDEX IF NOT EXISTS idx_study_records_status ON study_records(status);
		CREATE INDEX IF NOT EXISTS idx_study_records_created_at ON study_records(created_at DESC);

		-- Single-row runtime settings blob.
		CREATE TABLE IF NOT EXISTS agent_settings (
		    id         INTEGER PRIMARY KEY CHECK (id = 1),
		    data       JSONB NOT NULL,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// unavailable wraps a driver error so callers can detect storage outage with
// errors.Is(err, ErrUnavailable) while keeping the cause in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// pgObjects implements ObjectStore on PostgreSQL, optionally offloading
// ciphertext to an ArchiveBackend.
type pgObjects struct {
	db      *pgxpool.Pool
	archive ArchiveBackend // nil keeps ciphertext inline
}

// NewPostgresObjects creates a PostgreSQL object store. When archive is
// non-nil, blob ciphertext is offloaded there and rows carry only the object
// key.
func NewPostgresObjects(pool *Pool, archive ArchiveBackend) ObjectStore {
	return &pgObjects{db: pool.db, archive: archive}
}

// archiveKey is the deterministic object key for a study's ciphertext.
func archiveKey(uid string) string {
	return "studies/" + uid + ".enc"
}

func (p *pgObjects) Put(ctx context.Context, blob model.CachedBlob) error {
	ciphertext := blob.Ciphertext
	objectKey := ""

	if p.archive != nil {
		objectKey = archiveKey(blob.UID)
		if err := p.archive.Put(ctx, objectKey, ciphertext); err != nil {
			return unavailable("offload ciphertext", err)
		}
		ciphertext = nil
	}

	query := `INSERT INTO cached_blobs (uid, ciphertext, enc_key, iv, size, inserted_at, patient_name, study_date, object_key)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (uid) DO UPDATE
	          SET ciphertext = $2, enc_key = $3, iv = $4, size = $5, inserted_at = $6,
	              patient_name = $7, study_date = $8, object_key = $9`

	insertedAt := blob.InsertedAt
	if insertedAt.IsZero() {
		insertedAt = time.Now().UTC()
	}

	_, err := p.db.Exec(ctx, query,
		blob.UID, ciphertext, blob.Key, blob.IV, blob.Size,
		insertedAt, blob.PatientName, blob.StudyDate, objectKey)
	if err != nil {
		return unavailable("put blob", err)
	}
	return nil
}

func (p *pgObjects) Get(ctx context.Context, uid string) (*model.CachedBlob, error) {
	query := `SELECT uid, ciphertext, enc_key, iv, size, inserted_at, patient_name, study_date, object_key
	          FROM cached_blobs WHERE uid = $1`

	blob, err := scanBlob(p.db.QueryRow(ctx, query, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get blob", err)
	}

	if blob.ObjectKey != "" && p.archive != nil {
		ciphertext, err := p.archive.Fetch(ctx, blob.ObjectKey)
		if err != nil {
			return nil, unavailable("fetch offloaded ciphertext", err)
		}
		blob.Ciphertext = ciphertext
	}
	return blob, nil
}

func (p *pgObjects) Has(ctx context.Context, uid string) (bool, error) {
	var exists bool
	err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM cached_blobs WHERE uid = $1)`, uid).Scan(&exists)
	if err != nil {
		return false, unavailable("check blob", err)
	}
	return exists, nil
}

func (p *pgObjects) Delete(ctx context.Context, uid string) error {
	var objectKey string
	err := p.db.QueryRow(ctx, `DELETE FROM cached_blobs WHERE uid = $1 RETURNING object_key`, uid).Scan(&objectKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return unavailable("delete blob", err)
	}

	// Best effort: the row is already gone, a dangling archive object only
	// wastes space.
	if objectKey != "" && p.archive != nil {
		_ = p.archive.Delete(ctx, objectKey)
	}
	return nil
}

func (p *pgObjects) GetAll(ctx context.Context) ([]model.CachedBlob, error) {
	return p.queryBlobs(ctx, `SELECT uid, ciphertext, enc_key, iv, size, inserted_at, patient_name, study_date, object_key
	                          FROM cached_blobs`)
}

func (p *pgObjects) GetAllByAge(ctx context.Context) ([]model.CachedBlob, error) {
	return p.queryBlobs(ctx, `SELECT uid, ciphertext, enc_key, iv, size, inserted_at, patient_name, study_date, object_key
	                          FROM cached_blobs ORDER BY inserted_at ASC, uid ASC`)
}

func (p *pgObjects) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := p.db.QueryRow(ctx, `SELECT COALESCE(SUM(size), 0) FROM cached_blobs`).Scan(&total)
	if err != nil {
		return 0, unavailable("total size", err)
	}
	return total, nil
}

// queryBlobs runs a multi-row blob query. Offloaded ciphertext is not
// fetched here; sweeps and listings only need metadata.
func (p *pgObjects) queryBlobs(ctx context.Context, query string) ([]model.CachedBlob, error) {
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return nil, unavailable("list blobs", err)
	}
	defer rows.Close()

	var blobs []model.CachedBlob
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, unavailable("scan blob", err)
		}
		blobs = append(blobs, *blob)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate blobs", err)
	}
	return blobs, nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlob(row rowScanner) (*model.CachedBlob, error) {
	var blob model.CachedBlob
	err := row.Scan(
		&blob.UID,
		&blob.Ciphertext,
		&blob.Key,
		&blob.IV,
		&blob.Size,
		&blob.InsertedAt,
		&blob.PatientName,
		&blob.StudyDate,
		&blob.ObjectKey,
	)
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// pgQueue implements QueueStore on PostgreSQL.
type pgQueue struct {
	db *pgxpool.Pool
}

// NewPostgresQueue creates a PostgreSQL work-queue store.
func NewPostgresQueue(pool *Pool) QueueStore {
	return &pgQueue{db: pool.db}
}

const recordColumns = `study_id, patient_name, patient_id, facility, status,
	study_instance_uid, study_instance_uuid, file_path, file_size,
	download_time, delete_time, error, retry_count, last_retry,
	priority, created_at, updated_at, version`

func (q *pgQueue) Put(ctx context.Context, record model.StudyRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}

	query := `INSERT INTO study_records (` + recordColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)
	          ON CONFLICT (study_id) DO UPDATE
	          SET patient_name = $2, patient_id = $3, facility = $4, status = $5,
	              study_instance_uid = $6, study_instance_uuid = $7, file_path = $8,
	              file_size = $9, download_time = $10, delete_time = $11, error = $12,
	              retry_count = $13, last_retry = $14, priority = $15,
	              updated_at = $17, version = study_records.version + 1`

	_, err := q.db.Exec(ctx, query,
		record.StudyID, record.PatientName, record.PatientID, record.Facility,
		record.Status, record.StudyInstanceUID, record.StudyInstanceUUID,
		record.FilePath, record.FileSize, record.DownloadTime, record.DeleteTime,
		record.Error, record.RetryCount, record.LastRetry, record.Priority,
		record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return unavailable("put record", err)
	}
	return nil
}

func (q *pgQueue) Get(ctx context.Context, id string) (*model.StudyRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM study_records WHERE study_id = $1`

	record, err := scanRecord(q.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get record", err)
	}
	return record, nil
}

func (q *pgQueue) GetAll(ctx context.Context) ([]model.StudyRecord, error) {
	return q.queryRecords(ctx, `SELECT `+recordColumns+` FROM study_records ORDER BY created_at DESC, study_id ASC`)
}

func (q *pgQueue) GetByStatus(ctx context.Context, status model.Status) ([]model.StudyRecord, error) {
	return q.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM study_records WHERE status = $1 ORDER BY created_at DESC, study_id ASC`,
		status)
}

func (q *pgQueue) Delete(ctx context.Context, id string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM study_records WHERE study_id = $1`, id)
	if err != nil {
		return unavailable("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *pgQueue) Clear(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM study_records`); err != nil {
		return unavailable("clear records", err)
	}
	return nil
}

func (q *pgQueue) UpdateStatus(ctx context.Context, id string, status model.Status, patch *model.RecordPatch) (*model.StudyRecord, error) {
	record, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	applyPatch(record, patch)
	record.Status = status
	record.UpdatedAt = time.Now().UTC()

	query := `UPDATE study_records
	          SET patient_name = $2, patient_id = $3, facility = $4, status = $5,
	              study_instance_uid = $6, study_instance_uuid = $7, file_path = $8,
	              file_size = $9, download_time = $10, delete_time = $11, error = $12,
	              retry_count = $13, last_retry = $14, priority = $15, updated_at = $16,
	              version = version + 1
	          WHERE study_id = $1 AND version = $17`

	tag, err := q.db.Exec(ctx, query,
		record.StudyID, record.PatientName, record.PatientID, record.Facility,
		record.Status, record.StudyInstanceUID, record.StudyInstanceUUID,
		record.FilePath, record.FileSize, record.DownloadTime, record.DeleteTime,
		record.Error, record.RetryCount, record.LastRetry, record.Priority,
		record.UpdatedAt, record.Version)
	if err != nil {
		return nil, unavailable("update record", err)
	}
	if tag.RowsAffected() == 0 {
		// The row either vanished or a concurrent writer advanced the version.
		if _, err := q.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrConflict
	}

	record.Version++
	return record, nil
}

func (q *pgQueue) LoadSettings(ctx context.Context) (*model.Settings, error) {
	var data []byte
	err := q.db.QueryRow(ctx, `SELECT data FROM agent_settings WHERE id = 1`).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable("load settings", err)
	}

	var settings model.Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return &settings, nil
}

func (q *pgQueue) SaveSettings(ctx context.Context, settings model.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `INSERT INTO agent_settings (id, data, updated_at) VALUES (1, $1, $2)
	          ON CONFLICT (id) DO UPDATE SET data = $1, updated_at = $2`
	if _, err := q.db.Exec(ctx, query, data, time.Now().UTC()); err != nil {
		return unavailable("save settings", err)
	}
	return nil
}

func (q *pgQueue) queryRecords(ctx context.Context, query string, args ...any) ([]model.StudyRecord, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	defer rows.Close()

	var records []model.StudyRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return records, nil
}

func scanRecord(row rowScanner) (*model.StudyRecord, error) {
	var record model.StudyRecord
	err := row.Scan(
		&record.StudyID,
		&record.PatientName,
		&record.PatientID,
		&record.Facility,
		&record.Status,
		&record.StudyInstanceUID,
		&record.StudyInstanceUUID,
		&record.FilePath,
		&record.FileSize,
		&record.DownloadTime,
		&record.DeleteTime,
		&record.Error,
		&record.RetryCount,
		&record.LastRetry,
		&record.Priority,
		&record.CreatedAt,
		&record.UpdatedAt,
		&record.Version,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}
