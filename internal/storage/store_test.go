package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

func TestGenerate_Layout(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "IMG_2042.JPG", "not really a jpeg")

	store := NewStore(filepath.Join(dir, "processed"), "YYYY/MM", nil)
	taken := time.Date(2023, time.July, 14, 12, 0, 0, 0, time.UTC)

	info, err := store.Generate(src, taken)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(info.Hash) != 64 {
		t.Errorf("expected 64-char sha256 hex, got %d chars", len(info.Hash))
	}
	if info.ShortHash != info.Hash[:8] {
		t.Errorf("short hash %q does not prefix full hash", info.ShortHash)
	}
	if !strings.HasPrefix(info.RelativePath, "2023/07/") {
		t.Errorf("expected relative path under 2023/07, got %q", info.RelativePath)
	}
	wantName := "IMG_2042_" + info.ShortHash + ".jpg"
	if info.HashedFilename != wantName {
		t.Errorf("expected filename %q, got %q", wantName, info.HashedFilename)
	}
	if info.Size != int64(len("not really a jpeg")) {
		t.Errorf("unexpected size %d", info.Size)
	}
}

func TestGenerate_ZeroTimeFallsBackToMtime(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "photo.png", "data")
	mtime := time.Date(2019, time.December, 31, 23, 0, 0, 0, time.UTC)
	if err := os.Chtimes(src, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store := NewStore(filepath.Join(dir, "processed"), "YYYY/MM", nil)
	info, err := store.Generate(src, time.Time{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(info.RelativePath, "2019/12/") {
		t.Errorf("expected mtime-based path 2019/12, got %q", info.RelativePath)
	}
}

func TestGenerate_SameContentSameName(t *testing.T) {
	dir := t.TempDir()
	a := writeTestFile(t, dir, "holiday.jpg", "identical bytes")
	b := writeTestFile(t, dir, "holiday.jpg", "identical bytes")

	store := NewStore(filepath.Join(dir, "processed"), "YYYY/MM", nil)
	taken := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	infoA, err := store.Generate(a, taken)
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	infoB, err := store.Generate(b, taken)
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if infoA.RelativePath != infoB.RelativePath {
		t.Errorf("same content should map to same path: %q vs %q", infoA.RelativePath, infoB.RelativePath)
	}
}

func TestCopyToOrganized_HashSurvivesCopy(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "trip.jpg", "some image payload")

	store := NewStore(filepath.Join(dir, "processed"), "YYYY/MM", nil)
	info, err := store.Generate(src, time.Date(2022, time.May, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := store.CopyToOrganized(src, info); err != nil {
		t.Fatalf("copy: %v", err)
	}

	if err := store.VerifyIntegrity(info); err != nil {
		t.Errorf("destination hash should match recorded hash: %v", err)
	}

	// The copy is idempotent.
	if err := store.CopyToOrganized(src, info); err != nil {
		t.Fatalf("second copy: %v", err)
	}
	if err := store.VerifyIntegrity(info); err != nil {
		t.Errorf("destination hash changed after recopy: %v", err)
	}
}

func TestVerifyIntegrity_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "trip.jpg", "original content")

	store := NewStore(filepath.Join(dir, "processed"), "YYYY/MM", nil)
	info, err := store.Generate(src, time.Date(2022, time.May, 5, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := store.CopyToOrganized(src, info); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if err := os.WriteFile(info.FullPath, []byte("tampered"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if err := store.VerifyIntegrity(info); err == nil {
		t.Error("expected integrity failure on tampered destination")
	}
}

type fakeFinder struct {
	hash string
	id   int64
}

func (f *fakeFinder) FindImageIDByHash(_ context.Context, hash string) (int64, bool, error) {
	if hash == f.hash {
		return f.id, true, nil
	}
	return 0, false, nil
}

func TestFindDuplicateByHash(t *testing.T) {
	store := NewStore(t.TempDir(), "YYYY/MM", &fakeFinder{hash: "abc", id: 42})

	id, found, err := store.FindDuplicateByHash(context.Background(), "abc")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !found || id != 42 {
		t.Errorf("expected hit id=42, got found=%v id=%d", found, id)
	}

	_, found, err = store.FindDuplicateByHash(context.Background(), "other")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found {
		t.Error("expected miss for unknown hash")
	}
}

func TestDatePathFormats(t *testing.T) {
	ts := time.Date(2021, time.February, 3, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		format string
		want   string
	}{
		{"YYYY", "2021"},
		{"YYYY/MM", "2021/02"},
		{"YYYY/MM/DD", "2021/02/03"},
		{"", "2021/02"},
	}
	for _, tc := range cases {
		store := NewStore("/tmp/p", tc.format, nil)
		if got := store.datePath(ts); got != tc.want {
			t.Errorf("format %q: expected %q, got %q", tc.format, tc.want, got)
		}
	}
}

func TestSanitizeStem(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"IMG_1234", "IMG_1234"},
		{"Jiří's photo!", "Jiri_s_photo"},
		{"hello   world", "hello_world"},
		{"___", "file"},
		{"", "file"},
		{"über-café", "uber-cafe"},
		{strings.Repeat("a", 80), strings.Repeat("a", 50)},
	}
	for _, tc := range cases {
		if got := SanitizeStem(tc.in); got != tc.want {
			t.Errorf("SanitizeStem(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestFaceFilenameRoundTrip(t *testing.T) {
	face := FaceFilename("sunset_ab12cd34.jpg", 2)
	if face != "sunset_ab12cd34__face_2.jpg" {
		t.Errorf("unexpected face filename %q", face)
	}

	stem, ok := ImageStemFromFaceFilename(face)
	if !ok {
		t.Fatal("expected face filename to parse")
	}
	if stem != "sunset_ab12cd34" {
		t.Errorf("expected stem sunset_ab12cd34, got %q", stem)
	}

	if _, ok := ImageStemFromFaceFilename("not_a_face.jpg"); ok {
		t.Error("expected non-face filename to be rejected")
	}
}

func TestThumbnailRelPath(t *testing.T) {
	got := ThumbnailRelPath("2023/07/sunset_ab12cd34.jpg")
	if got != "2023/07/sunset_ab12cd34_thumb.jpg" {
		t.Errorf("unexpected thumbnail path %q", got)
	}
}
