// Package storage provides unit tests for the in-memory stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/photonic-rad/photonic-agent/internal/model"
)

// TestObjectStorePutGetDelete tests basic blob lifecycle.
func TestObjectStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjects()

	blob := model.CachedBlob{
		UID:        "1.2.3.4",
		Ciphertext: []byte("ct"),
		Key:        []byte("k"),
		IV:         []byte("iv"),
		Size:       2,
		InsertedAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, blob); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ok, err := store.Has(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Has() error = %v", err)
	}
	if !ok {
		t.Error("Has() = false after Put")
	}

	got, err := store.Get(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Size != 2 {
		t.Errorf("Get() Size = %d, want 2", got.Size)
	}

	if err := store.Delete(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "1.2.3.4"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing blob is not an error.
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

// TestObjectStoreReplaceSemantics tests that Put replaces an existing entry
// rather than duplicating it.
func TestObjectStoreReplaceSemantics(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjects()

	first := model.CachedBlob{UID: "uid-1", Size: 10, InsertedAt: time.Now().UTC()}
	second := model.CachedBlob{UID: "uid-1", Size: 25, InsertedAt: time.Now().UTC()}

	if err := store.Put(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, second); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d blobs, want 1", len(all))
	}
	total, err := store.TotalSize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if total != 25 {
		t.Errorf("TotalSize() = %d, want 25", total)
	}
}

// TestObjectStoreGetAllByAge tests ascending insertion-time ordering.
func TestObjectStoreGetAllByAge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryObjects()
	base := time.Now().UTC()

	// Insert out of order on purpose.
	for _, offset := range []int{2, 0, 1} {
		blob := model.CachedBlob{
			UID:        fmt.Sprintf("uid-%d", offset),
			Size:       1,
			InsertedAt: base.Add(time.Duration(offset) * time.Minute),
		}
		if err := store.Put(ctx, blob); err != nil {
			t.Fatal(err)
		}
	}

	byAge, err := store.GetAllByAge(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []string{"uid-0", "uid-1", "uid-2"} {
		if byAge[i].UID != want {
			t.Errorf("GetAllByAge()[%d] = %s, want %s", i, byAge[i].UID, want)
		}
	}
}

// TestQueueStoreUpsert tests that Put upserts by study id.
func TestQueueStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	record := model.StudyRecord{
		StudyID:     "study-1",
		PatientName: "SMITH, JOHN",
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.Put(ctx, record); err != nil {
		t.Fatal(err)
	}

	record.PatientName = "SMITH, JOHN A"
	if err := store.Put(ctx, record); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("GetAll() returned %d records, want 1", len(all))
	}
	if all[0].PatientName != "SMITH, JOHN A" {
		t.Errorf("PatientName = %q, want %q", all[0].PatientName, "SMITH, JOHN A")
	}
}

// TestQueueStoreGetByStatus tests status filtering.
func TestQueueStoreGetByStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	statuses := []model.Status{model.StatusPending, model.StatusError, model.StatusPending}
	for i, s := range statuses {
		record := model.StudyRecord{
			StudyID:   fmt.Sprintf("study-%d", i),
			Status:    s,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.Put(ctx, record); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := store.GetByStatus(ctx, model.StatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("GetByStatus(PENDING) returned %d records, want 2", len(pending))
	}
}

// TestQueueStoreUpdateStatus tests the read-modify-write mutation path.
func TestQueueStoreUpdateStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	record := model.StudyRecord{
		StudyID:   "study-1",
		Status:    model.StatusDownload,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Put(ctx, record); err != nil {
		t.Fatal(err)
	}

	path := "photonic/SMITH_JOHN.zip.enc"
	size := int64(1024)
	now := time.Now().UTC()
	updated, err := store.UpdateStatus(ctx, "study-1", model.StatusDownloaded, &model.RecordPatch{
		FilePath:     &path,
		FileSize:     &size,
		DownloadTime: &now,
	})
	if err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if updated.Status != model.StatusDownloaded {
		t.Errorf("Status = %v, want DOWNLOADED", updated.Status)
	}
	if updated.FilePath != path {
		t.Errorf("FilePath = %q, want %q", updated.FilePath, path)
	}
	if updated.Version <= record.Version {
		t.Errorf("Version = %d, want advanced past %d", updated.Version, record.Version)
	}
	if updated.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero after UpdateStatus")
	}
}

// TestQueueStoreUpdateStatusNotFound tests that updating a missing id fails
// with ErrNotFound and creates nothing.
func TestQueueStoreUpdateStatusNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	_, err := store.UpdateStatus(ctx, "missing", model.StatusError, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus(missing) error = %v, want ErrNotFound", err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("UpdateStatus(missing) created %d records, want 0", len(all))
	}
}

// TestQueueStoreClear tests bulk clear.
func TestQueueStoreClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	for i := 0; i < 3; i++ {
		record := model.StudyRecord{StudyID: fmt.Sprintf("study-%d", i), Status: model.StatusPending}
		if err := store.Put(ctx, record); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Clear(ctx); err != nil {
		t.Fatal(err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Errorf("GetAll() after Clear returned %d records, want 0", len(all))
	}
}

// TestSettingsRoundTrip tests settings persistence.
func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryQueue()

	if _, err := store.LoadSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadSettings() before save error = %v, want ErrNotFound", err)
	}

	settings := model.Settings{
		BaseURL:       "https://pacs.example.org",
		MaxCacheBytes: 100 << 20,
		TTLDays:       7,
	}
	if err := store.SaveSettings(ctx, settings); err != nil {
		t.Fatal(err)
	}

	got, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings() error = %v", err)
	}
	if got.MaxCacheBytes != settings.MaxCacheBytes {
		t.Errorf("MaxCacheBytes = %d, want %d", got.MaxCacheBytes, settings.MaxCacheBytes)
	}
}
