// internal/download/orchestrator.go
// Package download drives a study's path from worklist entry to encrypted
// cache blob: resolve the remote identifier, verify the patient, fetch the
// archive, encrypt, store, and record the outcome on the work queue.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/photonic-rad/photonic-agent/internal/crypto"
	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/pacs"
	"github.com/photonic-rad/photonic-agent/internal/pathconv"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

// maxRetries is the ceiling on per-study retry attempts; RetryFailed skips
// records that have already failed this many times.
const maxRetries = 3

// Provider is the slice of the PACS client the orchestrator needs.
type Provider interface {
	ResolveStudy(ctx context.Context, studyInstanceUID string) (*pacs.Resolution, error)
	FetchArchive(ctx context.Context, internalID string) ([]byte, error)
}

// Orchestrator coordinates study downloads against the queue and object
// stores.
type Orchestrator struct {
	queue    storage.QueueStore
	objects  storage.ObjectStore
	provider Provider
	governor interface{ NotifyInsert() }
	events   event.Publisher
	metrics  *metrics.Metrics
	stop     *KillSwitch
	paths    pathconv.Convention
	logger   *slog.Logger
}

// NewOrchestrator creates a download orchestrator.
func NewOrchestrator(
	queue storage.QueueStore,
	objects storage.ObjectStore,
	provider Provider,
	governor interface{ NotifyInsert() },
	events event.Publisher,
	m *metrics.Metrics,
	stop *KillSwitch,
	paths pathconv.Convention,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		queue:    queue,
		objects:  objects,
		provider: provider,
		governor: governor,
		events:   events,
		metrics:  m,
		stop:     stop,
		paths:    paths,
		logger:   logger.With(slog.String("component", "download_orchestrator")),
	}
}

// updateGuarded applies a status update, absorbing one version conflict by
// retrying against the fresh record. A second conflict is surfaced.
func (o *Orchestrator) updateGuarded(ctx context.Context, id string, status model.Status, patch *model.RecordPatch) (*model.StudyRecord, error) {
	record, err := o.queue.UpdateStatus(ctx, id, status, patch)
	if errors.Is(err, storage.ErrConflict) {
		record, err = o.queue.UpdateStatus(ctx, id, status, patch)
	}
	switch {
	case err == nil:
		return record, nil
	case errors.Is(err, storage.ErrNotFound):
		return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", id)
	case errors.Is(err, storage.ErrConflict):
		return nil, errordefs.Newf(errordefs.PH_CONFLICT, "study %s is being modified concurrently", id)
	case errors.Is(err, storage.ErrUnavailable):
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}
	return nil, err
}

// fail records a download failure on the study and returns the cause. The
// payload fields are cleared so only DOWNLOADED records ever carry a file
// path. The failure itself never masks a bookkeeping error: if the record
// write also fails, that is logged and the original cause still returned.
func (o *Orchestrator) fail(ctx context.Context, record *model.StudyRecord, cause error) error {
	trace.SpanFromContext(ctx).SetStatus(codes.Error, cause.Error())
	msg := cause.Error()
	retries := record.RetryCount + 1
	now := time.Now().UTC()
	empty := ""
	var zero int64
	if _, err := o.updateGuarded(ctx, record.StudyID, model.StatusError, &model.RecordPatch{
		Error:      &msg,
		RetryCount: &retries,
		LastRetry:  &now,
		FilePath:   &empty,
		FileSize:   &zero,
	}); err != nil {
		o.logger.Error("failed to record download error",
			slog.String("study_id", record.StudyID),
			slog.String("error", err.Error()),
		)
	}
	o.metrics.DownloadTotal.WithLabelValues("error").Inc()
	o.logger.Warn("study download failed",
		slog.String("study_id", record.StudyID),
		slog.String("code", string(errordefs.CodeOf(cause))),
		slog.String("error", msg),
	)
	return cause
}

// Download fetches, encrypts and caches one study, then marks it DOWNLOADED.
// Per-study failures are recorded on the record with status ERROR. There is
// no automatic retry; RetryFailed re-queues failed studies explicitly.
func (o *Orchestrator) Download(ctx context.Context, studyID string) (*model.StudyRecord, error) {
	if o.stop.Engaged() {
		return nil, errordefs.New(errordefs.PH_EMERGENCY_STOP, "emergency stop engaged", studyID)
	}

	ctx, span := otel.Tracer("photonic-agent").Start(ctx, "Download")
	defer span.End()
	span.SetAttributes(attribute.String("study_id", studyID))

	record, err := o.queue.Get(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", studyID)
		}
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}

	// A completed study is never downloaded over; callers that want a fresh
	// copy go through Redownload, which resets the record first.
	if record.Status == model.StatusDownloaded {
		return nil, errordefs.Newf(errordefs.PH_CONFLICT, "study %s is already downloaded", studyID)
	}

	// Malformed identifiers must never reach the network layer.
	if record.StudyInstanceUID == "" {
		return nil, o.fail(ctx, record,
			errordefs.New(errordefs.PH_INVALID_STUDY, "record has no study instance UID", studyID))
	}

	settings, err := o.queue.LoadSettings(ctx)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to load settings: %v", err)
	}

	if record, err = o.updateGuarded(ctx, studyID, model.StatusDownload, nil); err != nil {
		return nil, err
	}

	started := time.Now()

	resolution, err := o.provider.ResolveStudy(ctx, record.StudyInstanceUID)
	if err != nil {
		return nil, o.fail(ctx, record, err)
	}

	if !matchNames(record.PatientName, resolution.PatientName) {
		return nil, o.fail(ctx, record, errordefs.Newf(errordefs.PH_PATIENT_MISMATCH,
			"worklist patient %q does not match resolved patient %q",
			record.PatientName, resolution.PatientName))
	}

	payload, err := o.provider.FetchArchive(ctx, resolution.InternalID)
	if err != nil {
		return nil, o.fail(ctx, record, err)
	}

	sealed, err := crypto.Encrypt(payload)
	if err != nil {
		return nil, o.fail(ctx, record, err)
	}

	blob := model.CachedBlob{
		UID:         record.StudyInstanceUID,
		Ciphertext:  sealed.Ciphertext,
		Key:         sealed.Key,
		IV:          sealed.IV,
		Size:        sealed.Size,
		InsertedAt:  time.Now().UTC(),
		PatientName: record.PatientName,
	}
	if err := o.objects.Put(ctx, blob); err != nil {
		return nil, o.fail(ctx, record,
			errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to store payload: %v", err))
	}
	o.governor.NotifyInsert()

	filePath := o.paths.Join(o.paths.HomeDir(), settings.DownloadSubdir,
		displayName(record.PatientID, record.PatientName)+".enc")
	now := time.Now().UTC()
	empty := ""
	record, err = o.updateGuarded(ctx, studyID, model.StatusDownloaded, &model.RecordPatch{
		StudyInstanceUUID: &resolution.InternalID,
		FilePath:          &filePath,
		FileSize:          &sealed.Size,
		DownloadTime:      &now,
		Error:             &empty,
	})
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(started)
	span.SetAttributes(attribute.Int64("file_size", sealed.Size))
	o.metrics.DownloadTotal.WithLabelValues("success").Inc()
	o.metrics.DownloadDuration.WithLabelValues("success").Observe(elapsed.Seconds())
	o.metrics.DownloadBytes.Add(float64(sealed.Size))
	o.logger.Info("study downloaded",
		slog.String("study_id", studyID),
		slog.Int64("bytes", sealed.Size),
		slog.Duration("elapsed", elapsed),
	)

	if settings.NotifyOnDownload {
		if err := o.events.PublishStudyDownloaded(ctx, *record); err != nil {
			o.logger.Warn("failed to publish download event",
				slog.String("study_id", studyID),
				slog.String("error", err.Error()),
			)
		}
	}
	return record, nil
}

// batchFatal reports whether a per-study error must abort the whole batch:
// credential problems and storage outages affect every remaining study.
func batchFatal(err error) bool {
	switch errordefs.CodeOf(err) {
	case errordefs.PH_AUTH, errordefs.PH_AUTH_LOCKED,
		errordefs.PH_STORAGE_UNAVAILABLE, errordefs.PH_EMERGENCY_STOP:
		return true
	}
	return false
}

// DownloadBatch downloads the given studies in fixed-size batches of the
// configured concurrency, each batch awaited in full before the next one
// starts. Per-study failures are recorded and counted; only batch-fatal
// errors stop the remaining work.
func (o *Orchestrator) DownloadBatch(ctx context.Context, studyIDs []string) (model.BulkResult, error) {
	settings, err := o.queue.LoadSettings(ctx)
	if err != nil {
		return model.BulkResult{}, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to load settings: %v", err)
	}
	limit := settings.Concurrency
	if limit <= 0 {
		limit = 1
	}

	var succeeded, failed atomic.Int32
	var batchErr error
	for start := 0; start < len(studyIDs) && batchErr == nil; start += limit {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range studyIDs[start:min(start+limit, len(studyIDs))] {
			g.Go(func() error {
				if _, err := o.Download(gctx, id); err != nil {
					failed.Add(1)
					if batchFatal(err) {
						return err
					}
					return nil
				}
				succeeded.Add(1)
				return nil
			})
		}
		batchErr = g.Wait()
	}

	result := model.BulkResult{
		Total:     len(studyIDs),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	if batchErr != nil {
		return result, fmt.Errorf("batch aborted: %w", batchErr)
	}
	return result, nil
}

// RetryFailed resets ERROR records under the retry ceiling back to PENDING
// and re-downloads them as one batch.
func (o *Orchestrator) RetryFailed(ctx context.Context) (model.BulkResult, error) {
	failed, err := o.queue.GetByStatus(ctx, model.StatusError)
	if err != nil {
		return model.BulkResult{}, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}

	var ids []string
	for _, record := range failed {
		if record.RetryCount >= maxRetries {
			o.logger.Info("study exhausted retries",
				slog.String("study_id", record.StudyID),
				slog.Int("retry_count", record.RetryCount),
			)
			continue
		}
		if _, err := o.updateGuarded(ctx, record.StudyID, model.StatusPending, nil); err != nil {
			o.logger.Warn("failed to re-queue study",
				slog.String("study_id", record.StudyID),
				slog.String("error", err.Error()),
			)
			continue
		}
		ids = append(ids, record.StudyID)
	}

	return o.DownloadBatch(ctx, ids)
}

// Skip excludes a study from downloading. A study that has already been
// downloaded cannot be skipped; delete it instead.
func (o *Orchestrator) Skip(ctx context.Context, studyID string) (*model.StudyRecord, error) {
	record, err := o.queue.Get(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", studyID)
		}
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}
	if record.Status == model.StatusDownloaded {
		return nil, errordefs.Newf(errordefs.PH_CONFLICT, "study %s is already downloaded", studyID)
	}
	return o.updateGuarded(ctx, studyID, model.StatusSkipped, nil)
}

// Delete removes a study's cached payload and clears the payload fields,
// keeping the record so the study can be downloaded again later.
func (o *Orchestrator) Delete(ctx context.Context, studyID string) (*model.StudyRecord, error) {
	record, err := o.queue.Get(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", studyID)
		}
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}

	if record.StudyInstanceUID != "" {
		if err := o.objects.Delete(ctx, record.StudyInstanceUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to remove payload: %v", err)
		}
	}

	now := time.Now().UTC()
	empty := ""
	var zero int64
	return o.updateGuarded(ctx, studyID, model.StatusDeleted, &model.RecordPatch{
		FilePath:   &empty,
		FileSize:   &zero,
		DeleteTime: &now,
	})
}

// Redownload discards any cached payload and downloads the study afresh.
func (o *Orchestrator) Redownload(ctx context.Context, studyID string) (*model.StudyRecord, error) {
	record, err := o.queue.Get(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", studyID)
		}
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}
	if record.StudyInstanceUID != "" {
		if err := o.objects.Delete(ctx, record.StudyInstanceUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to remove payload: %v", err)
		}
	}

	// Reset to PENDING with the payload fields cleared so the record never
	// claims a file it no longer has, then download as usual.
	empty := ""
	var zero int64
	if _, err := o.updateGuarded(ctx, studyID, model.StatusPending, &model.RecordPatch{
		FilePath: &empty,
		FileSize: &zero,
	}); err != nil {
		return nil, err
	}
	return o.Download(ctx, studyID)
}

// SkipBatch skips every study in the id set. Per-study failures are counted,
// not fatal; partial success is the expected outcome.
func (o *Orchestrator) SkipBatch(ctx context.Context, studyIDs []string) model.BulkResult {
	result := model.BulkResult{Total: len(studyIDs)}
	for _, id := range studyIDs {
		if _, err := o.Skip(ctx, id); err != nil {
			result.Failed++
			o.logger.Warn("bulk skip failed",
				slog.String("study_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Succeeded++
	}
	return result
}

// DeleteBatch deletes the cached payload of every study in the id set.
func (o *Orchestrator) DeleteBatch(ctx context.Context, studyIDs []string) model.BulkResult {
	result := model.BulkResult{Total: len(studyIDs)}
	for _, id := range studyIDs {
		if _, err := o.Delete(ctx, id); err != nil {
			result.Failed++
			o.logger.Warn("bulk delete failed",
				slog.String("study_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Succeeded++
	}
	return result
}

// Purge removes a study's cached payload and its queue record entirely,
// unlike Delete, which keeps the record for later re-download.
func (o *Orchestrator) Purge(ctx context.Context, studyID string) error {
	record, err := o.queue.Get(ctx, studyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errordefs.Newf(errordefs.PH_NOT_FOUND, "study %s not found", studyID)
		}
		return errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}
	if record.StudyInstanceUID != "" {
		if err := o.objects.Delete(ctx, record.StudyInstanceUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to remove payload: %v", err)
		}
	}
	if err := o.queue.Delete(ctx, studyID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to remove record: %v", err)
	}
	o.logger.Info("study purged", slog.String("study_id", studyID))
	return nil
}

// Payload returns the decrypted study payload for a cached study.
func (o *Orchestrator) Payload(ctx context.Context, studyUID string) ([]byte, error) {
	blob, err := o.objects.Get(ctx, studyUID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.PH_NOT_FOUND, "no cached payload for %s", studyUID)
		}
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "object store unavailable: %v", err)
	}
	return crypto.Decrypt(blob.Ciphertext, blob.Key, blob.IV)
}

// FlushCache removes every cached payload. Work-queue records are kept; they
// surface as stale until re-downloaded.
func (o *Orchestrator) FlushCache(ctx context.Context) (int, error) {
	blobs, err := o.objects.GetAll(ctx)
	if err != nil {
		return 0, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "object store unavailable: %v", err)
	}
	removed := 0
	for _, blob := range blobs {
		if err := o.objects.Delete(ctx, blob.UID); err != nil {
			return removed, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "failed to remove payload: %v", err)
		}
		removed++
	}
	o.metrics.CacheBytes.Set(0)
	o.metrics.CacheBlobs.Set(0)
	return removed, nil
}

// Summary builds the read-only projection of queue and cache state. Records
// marked DOWNLOADED whose blob has since been evicted are counted as stale.
func (o *Orchestrator) Summary(ctx context.Context) (*model.Summary, error) {
	records, err := o.queue.GetAll(ctx)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "work queue unavailable: %v", err)
	}
	blobs, err := o.objects.GetAll(ctx)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "object store unavailable: %v", err)
	}
	total, err := o.objects.TotalSize(ctx)
	if err != nil {
		return nil, errordefs.Newf(errordefs.PH_STORAGE_UNAVAILABLE, "object store unavailable: %v", err)
	}

	cached := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		cached[blob.UID] = true
	}

	summary := &model.Summary{
		StudyCount:  len(records),
		CacheBytes:  total,
		CachedBlobs: len(blobs),
		PerStatus:   make(map[model.Status]int),
	}
	for _, record := range records {
		summary.PerStatus[record.Status]++
		if record.Status == model.StatusDownloaded && !cached[record.StudyInstanceUID] {
			summary.StaleDownloads++
		}
	}
	return summary, nil
}
