package download

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	errordefs "github.com/photonic-rad/photonic-agent/internal/errors"
	"github.com/photonic-rad/photonic-agent/internal/event"
	"github.com/photonic-rad/photonic-agent/internal/metrics"
	"github.com/photonic-rad/photonic-agent/internal/model"
	"github.com/photonic-rad/photonic-agent/internal/pacs"
	"github.com/photonic-rad/photonic-agent/internal/pathconv"
	"github.com/photonic-rad/photonic-agent/internal/storage"
)

type stubProvider struct {
	resolution *pacs.Resolution
	resolveErr error
	payload    []byte
	fetchErr   error
}

func (s *stubProvider) ResolveStudy(ctx context.Context, uid string) (*pacs.Resolution, error) {
	if s.resolveErr != nil {
		return nil, s.resolveErr
	}
	return s.resolution, nil
}

func (s *stubProvider) FetchArchive(ctx context.Context, internalID string) ([]byte, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.payload, nil
}

type noopGovernor struct{}

func (noopGovernor) NotifyInsert() {}

type fixture struct {
	orch    *Orchestrator
	queue   storage.QueueStore
	objects storage.ObjectStore
	stop    *KillSwitch
}

func newFixture(t *testing.T, provider Provider) *fixture {
	t.Helper()
	queue := storage.NewMemoryQueue()
	objects := storage.NewMemoryObjects()
	stop := NewKillSwitch()

	err := queue.SaveSettings(context.Background(), model.Settings{
		MaxCacheBytes:  10 << 30,
		TTLDays:        7,
		Concurrency:    2,
		DownloadSubdir: "photonic",
	})
	if err != nil {
		t.Fatalf("SaveSettings() = %v", err)
	}

	orch := NewOrchestrator(queue, objects, provider, noopGovernor{},
		event.NewPublisher("", metrics.NewMetrics()), metrics.NewMetrics(), stop,
		pathconv.Posix{Home: "/home/viewer"}, slog.New(slog.DiscardHandler))
	return &fixture{orch: orch, queue: queue, objects: objects, stop: stop}
}

func seedRecord(t *testing.T, queue storage.QueueStore, id, uid, patientName string) {
	t.Helper()
	err := queue.Put(context.Background(), model.StudyRecord{
		StudyID:          id,
		PatientName:      patientName,
		PatientID:        "PID-1",
		Status:           model.StatusPending,
		StudyInstanceUID: uid,
		CreatedAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Put(%s) = %v", id, err)
	}
}

func TestDownloadSuccess(t *testing.T) {
	payload := []byte("fake dicom archive bytes, long enough to be plausible")
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    payload,
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	record, err := f.orch.Download(ctx, "study-1")
	if err != nil {
		t.Fatalf("Download() = %v", err)
	}

	if record.Status != model.StatusDownloaded {
		t.Errorf("status = %s, want DOWNLOADED", record.Status)
	}
	if record.FilePath == "" {
		t.Error("FilePath empty on DOWNLOADED record")
	}
	if !strings.HasPrefix(record.FilePath, "/home/viewer/photonic/") {
		t.Errorf("FilePath = %q, want under /home/viewer/photonic/", record.FilePath)
	}
	if record.FileSize != int64(len(payload)) {
		t.Errorf("FileSize = %d, want %d", record.FileSize, len(payload))
	}
	if record.StudyInstanceUUID != "uuid-1" {
		t.Errorf("StudyInstanceUUID = %q, want uuid-1", record.StudyInstanceUUID)
	}
	if record.DownloadTime == nil {
		t.Error("DownloadTime not set")
	}

	// The cached blob must decrypt back to the original payload.
	got, err := f.orch.Payload(ctx, "1.2.3")
	if err != nil {
		t.Fatalf("Payload() = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("decrypted payload does not match original")
	}
}

func TestDownloadPatientMismatch(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "COMPLETELY^OTHER"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	_, err := f.orch.Download(ctx, "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_PATIENT_MISMATCH {
		t.Fatalf("Download() code = %v, want PH_PATIENT_MISMATCH", errordefs.CodeOf(err))
	}

	record, err := f.queue.Get(ctx, "study-1")
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if record.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", record.Status)
	}
	if record.Error == "" {
		t.Error("error message not recorded")
	}
	if record.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", record.RetryCount)
	}
	if ok, _ := f.objects.Has(ctx, "1.2.3"); ok {
		t.Error("payload cached despite patient mismatch")
	}
}

func TestDownloadMissingUID(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	seedRecord(t, f.queue, "study-1", "", "DOE^JANE")
	ctx := context.Background()

	_, err := f.orch.Download(ctx, "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_INVALID_STUDY {
		t.Fatalf("Download() code = %v, want PH_INVALID_STUDY", errordefs.CodeOf(err))
	}

	record, _ := f.queue.Get(ctx, "study-1")
	if record.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", record.Status)
	}
}

func TestDownloadUnknownStudy(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	_, err := f.orch.Download(context.Background(), "absent")
	if errordefs.CodeOf(err) != errordefs.PH_NOT_FOUND {
		t.Fatalf("Download() code = %v, want PH_NOT_FOUND", errordefs.CodeOf(err))
	}
}

func TestDownloadEmergencyStop(t *testing.T) {
	f := newFixture(t, &stubProvider{})
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	f.stop.Engage()

	_, err := f.orch.Download(context.Background(), "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_EMERGENCY_STOP {
		t.Fatalf("Download() code = %v, want PH_EMERGENCY_STOP", errordefs.CodeOf(err))
	}

	record, _ := f.queue.Get(context.Background(), "study-1")
	if record.Status != model.StatusPending {
		t.Errorf("status = %s, want PENDING (record must be untouched)", record.Status)
	}
}

func TestDownloadBatchPartialFailure(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "good-1", "1.2.3", "DOE^JANE")
	seedRecord(t, f.queue, "good-2", "4.5.6", "DOE^JANE")
	seedRecord(t, f.queue, "bad", "", "DOE^JANE") // no UID, fails validation

	result, err := f.orch.DownloadBatch(context.Background(), []string{"good-1", "good-2", "bad"})
	if err != nil {
		t.Fatalf("DownloadBatch() = %v", err)
	}
	if result.Total != 3 || result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("result = %+v, want {3 2 1}", result)
	}
}

func TestRetryFailedHonorsCeiling(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	ctx := context.Background()

	put := func(id string, retries int) {
		err := f.queue.Put(ctx, model.StudyRecord{
			StudyID:          id,
			PatientName:      "DOE^JANE",
			Status:           model.StatusError,
			StudyInstanceUID: "1.2." + id,
			RetryCount:       retries,
			Error:            "previous failure",
		})
		if err != nil {
			t.Fatalf("Put(%s) = %v", id, err)
		}
	}
	put("retryable", 1)
	put("exhausted", maxRetries)

	result, err := f.orch.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed() = %v", err)
	}
	if result.Total != 1 || result.Succeeded != 1 {
		t.Errorf("result = %+v, want total 1 succeeded 1", result)
	}

	exhausted, _ := f.queue.Get(ctx, "exhausted")
	if exhausted.Status != model.StatusError {
		t.Errorf("exhausted study status = %s, want ERROR (ceiling reached)", exhausted.Status)
	}
	retried, _ := f.queue.Get(ctx, "retryable")
	if retried.Status != model.StatusDownloaded {
		t.Errorf("retryable study status = %s, want DOWNLOADED", retried.Status)
	}
}

func TestDeleteClearsPayloadFields(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	record, err := f.orch.Delete(ctx, "study-1")
	if err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if record.Status != model.StatusDeleted {
		t.Errorf("status = %s, want DELETED", record.Status)
	}
	if record.FilePath != "" || record.FileSize != 0 {
		t.Errorf("payload fields not cleared: path=%q size=%d", record.FilePath, record.FileSize)
	}
	if record.DeleteTime == nil {
		t.Error("DeleteTime not set")
	}
	if ok, _ := f.objects.Has(ctx, "1.2.3"); ok {
		t.Error("blob still cached after Delete")
	}

	// The record survives for a later re-download.
	if _, err := f.queue.Get(ctx, "study-1"); err != nil {
		t.Errorf("record hard-deleted: %v", err)
	}
}

func TestSummaryCountsStaleDownloads(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	seedRecord(t, f.queue, "study-2", "4.5.6", "DOE^JANE")
	ctx := context.Background()

	for _, id := range []string{"study-1", "study-2"} {
		if _, err := f.orch.Download(ctx, id); err != nil {
			t.Fatalf("Download(%s) = %v", id, err)
		}
	}

	// Evicting one blob behind the queue's back makes that record stale.
	if err := f.objects.Delete(ctx, "1.2.3"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}

	summary, err := f.orch.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() = %v", err)
	}
	if summary.StudyCount != 2 {
		t.Errorf("StudyCount = %d, want 2", summary.StudyCount)
	}
	if summary.CachedBlobs != 1 {
		t.Errorf("CachedBlobs = %d, want 1", summary.CachedBlobs)
	}
	if summary.PerStatus[model.StatusDownloaded] != 2 {
		t.Errorf("DOWNLOADED count = %d, want 2", summary.PerStatus[model.StatusDownloaded])
	}
	if summary.StaleDownloads != 1 {
		t.Errorf("StaleDownloads = %d, want 1", summary.StaleDownloads)
	}
}

func TestFlushCache(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("payload"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	removed, err := f.orch.FlushCache(ctx)
	if err != nil {
		t.Fatalf("FlushCache() = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if ok, _ := f.objects.Has(ctx, "1.2.3"); ok {
		t.Error("blob survived flush")
	}
}

func TestDownloadRejectsDownloadedStudy(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("fake dicom archive bytes"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	_, err := f.orch.Download(ctx, "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_CONFLICT {
		t.Fatalf("second Download() code = %v, want PH_CONFLICT", errordefs.CodeOf(err))
	}
	record, _ := f.queue.Get(ctx, "study-1")
	if record.Status != model.StatusDownloaded {
		t.Errorf("status = %s, want DOWNLOADED untouched", record.Status)
	}
}

func TestSkipRejectsDownloadedStudy(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("fake dicom archive bytes"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	_, err := f.orch.Skip(ctx, "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_CONFLICT {
		t.Fatalf("Skip() code = %v, want PH_CONFLICT", errordefs.CodeOf(err))
	}
	record, _ := f.queue.Get(ctx, "study-1")
	if record.Status != model.StatusDownloaded || record.FilePath == "" {
		t.Errorf("record = %+v, want DOWNLOADED with its file path intact", record)
	}
}

func TestFailedRedownloadClearsPayloadFields(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("fake dicom archive bytes"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	provider.fetchErr = errordefs.New(errordefs.PH_FETCH_FAILED, "gateway timeout", "")
	if _, err := f.orch.Redownload(ctx, "study-1"); err == nil {
		t.Fatal("Redownload() succeeded, want fetch failure")
	}

	// A record that failed its re-download must not keep claiming the file
	// it no longer has.
	record, err := f.queue.Get(ctx, "study-1")
	if err != nil {
		t.Fatalf("Get(study-1) = %v", err)
	}
	if record.Status != model.StatusError {
		t.Errorf("status = %s, want ERROR", record.Status)
	}
	if record.FilePath != "" || record.FileSize != 0 {
		t.Errorf("payload fields survived the failure: path=%q size=%d", record.FilePath, record.FileSize)
	}
	cached, _ := f.objects.Has(ctx, "1.2.3")
	if cached {
		t.Error("stale blob survived the failed re-download")
	}
}

func TestSkipBatchCountsPerStudyFailures(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("fake dicom archive bytes"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	seedRecord(t, f.queue, "study-2", "4.5.6", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-2"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	result := f.orch.SkipBatch(ctx, []string{"study-1", "study-2", "absent"})
	if result.Total != 3 || result.Succeeded != 1 || result.Failed != 2 {
		t.Errorf("result = %+v, want total 3 succeeded 1 failed 2", result)
	}
	record, _ := f.queue.Get(ctx, "study-1")
	if record.Status != model.StatusSkipped {
		t.Errorf("study-1 status = %s, want SKIPPED", record.Status)
	}
}

func TestPurgeRemovesRecordAndBlob(t *testing.T) {
	provider := &stubProvider{
		resolution: &pacs.Resolution{InternalID: "uuid-1", PatientName: "DOE^JANE"},
		payload:    []byte("fake dicom archive bytes"),
	}
	f := newFixture(t, provider)
	seedRecord(t, f.queue, "study-1", "1.2.3", "DOE^JANE")
	ctx := context.Background()

	if _, err := f.orch.Download(ctx, "study-1"); err != nil {
		t.Fatalf("Download() = %v", err)
	}

	if err := f.orch.Purge(ctx, "study-1"); err != nil {
		t.Fatalf("Purge() = %v", err)
	}
	if _, err := f.queue.Get(ctx, "study-1"); err == nil {
		t.Error("record survived the purge")
	}
	cached, _ := f.objects.Has(ctx, "1.2.3")
	if cached {
		t.Error("blob survived the purge")
	}

	err := f.orch.Purge(ctx, "study-1")
	if errordefs.CodeOf(err) != errordefs.PH_NOT_FOUND {
		t.Errorf("second Purge() code = %v, want PH_NOT_FOUND", errordefs.CodeOf(err))
	}
}
