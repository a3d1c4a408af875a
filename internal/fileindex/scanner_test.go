package fileindex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func TestScan_DiscoversSupportedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("jpeg-1"))
	writeFile(t, dir, "sub/b.png", []byte("png-1"))
	writeFile(t, dir, "notes.txt", []byte("not a photo"))
	writeFile(t, dir, "c.HEIC", []byte("heic-1"))

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)

	stats, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if stats.Discovered != 3 {
		t.Errorf("expected 3 discovered, got %d", stats.Discovered)
	}
	if stats.Added != 3 {
		t.Errorf("expected 3 added, got %d", stats.Added)
	}

	counts, err := db.FileIndex.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts["pending"] != 3 {
		t.Errorf("expected 3 pending entries, got %v", counts)
	}
}

func TestScan_RescanIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("jpeg-1"))

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)

	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}
	stats, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if stats.Added != 0 || stats.Unchanged != 1 {
		t.Errorf("expected unchanged rescan, got %+v", stats)
	}
}

func TestScan_ChangedFileReturnsToPending(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.jpg", []byte("jpeg-1"))

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)

	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("first scan failed: %v", err)
	}

	// Grow the file and backdate nothing; size change alone must re-queue.
	if err := os.WriteFile(path, []byte("jpeg-1-modified"), 0o644); err != nil {
		t.Fatalf("rewrite file: %v", err)
	}

	stats, err := scanner.Scan(context.Background())
	if err != nil {
		t.Fatalf("second scan failed: %v", err)
	}
	if stats.Added != 1 {
		t.Errorf("expected changed file to count as added, got %+v", stats)
	}
}

func TestScan_SingleFlight(t *testing.T) {
	dir := t.TempDir()
	for i := range 200 {
		writeFile(t, dir, filepath.Join("d", "f"+string(rune('a'+i%26))+time.Now().Format("150405.000")+string(rune('0'+i%10))+".jpg"), []byte{byte(i)})
	}

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = scanner.Scan(context.Background())
		}()
	}
	wg.Wait()

	inFlight := 0
	for _, err := range errs {
		if err == ErrScanInFlight {
			inFlight++
		} else if err != nil {
			t.Errorf("unexpected scan error: %v", err)
		}
	}
	// Either both finished sequentially fast enough, or one was refused;
	// never both refused.
	if inFlight == 2 {
		t.Error("both scans refused; at least one must run")
	}
}

func TestSupportedExtension(t *testing.T) {
	for path, want := range map[string]bool{
		"photo.jpg":  true,
		"photo.JPEG": true,
		"photo.heic": true,
		"photo.webp": true,
		"doc.pdf":    false,
		"noext":      false,
	} {
		if got := SupportedExtension(path); got != want {
			t.Errorf("SupportedExtension(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestLifecycle_ClaimCompleteFail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("one"))
	writeFile(t, dir, "b.jpg", []byte("two"))

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)
	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	lifecycle := NewLifecycle(db.FileIndex)
	batch, err := lifecycle.ClaimBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 claimed entries, got %d", len(batch))
	}

	if err := lifecycle.Complete(context.Background(), batch[0].ID, 42); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if err := lifecycle.Fail(context.Background(), batch[1].ID, "decode error"); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	counts, err := lifecycle.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts["completed"] != 1 || counts["failed"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	// Failed entries with retries left return to pending.
	requeued, err := lifecycle.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if requeued != 1 {
		t.Errorf("expected 1 requeued entry, got %d", requeued)
	}
}

func TestLifecycle_StalledResetKeysOnClaimTime(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.jpg", []byte("one"))

	db := mock.NewStores()
	scanner := NewScanner(db.FileIndex, dir)
	if _, err := scanner.Scan(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	lifecycle := NewLifecycle(db.FileIndex)
	batch, err := lifecycle.ClaimBatch(context.Background(), 1)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 claimed entry, got %d", len(batch))
	}
	if batch[0].ClaimedAt == nil {
		t.Fatal("claimed entry carries no claim time")
	}

	// A just-claimed entry sits inside the stall window and must be left
	// alone, no matter how long ago it was discovered.
	reset, err := db.FileIndex.ResetStalled(context.Background(), time.Now().Add(-StalledCutoff))
	if err != nil {
		t.Fatalf("ResetStalled failed: %v", err)
	}
	if reset != 0 {
		t.Errorf("fresh claim was reset: %d entries", reset)
	}

	// Once the claim ages past the cutoff the entry returns to pending.
	reset, err = db.FileIndex.ResetStalled(context.Background(), time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("ResetStalled failed: %v", err)
	}
	if reset != 1 {
		t.Errorf("stale claim not reset: %d entries", reset)
	}
	counts, err := lifecycle.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts["pending"] != 1 {
		t.Errorf("expected entry back in pending, got %v", counts)
	}
}
