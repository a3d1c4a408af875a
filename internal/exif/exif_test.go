package exif

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExtract_NoExifFallsBackToMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.jpg")
	if err := os.WriteFile(path, []byte("no exif here"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mtime := time.Date(2020, time.June, 15, 10, 30, 0, 0, time.Local)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	meta, err := Extract(path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.DateSource != SourceFileModifyDate {
		t.Errorf("expected fallback source %q, got %q", SourceFileModifyDate, meta.DateSource)
	}
	if !meta.DateTaken.Equal(mtime) {
		t.Errorf("expected mtime %v, got %v", mtime, meta.DateTaken)
	}
	if meta.Orientation != 1 {
		t.Errorf("expected default orientation 1, got %d", meta.Orientation)
	}
	if meta.HasGPS() {
		t.Error("expected no GPS data")
	}
}

func TestExtract_MissingFile(t *testing.T) {
	if _, err := Extract(filepath.Join(t.TempDir(), "missing.jpg")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestParseExifTime(t *testing.T) {
	got, err := ParseExifTime("2023:07:14 12:30:45")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2023, time.July, 14, 12, 30, 45, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseExifTime_Invalid(t *testing.T) {
	cases := []string{
		"",
		"2023-07-14 12:30:45",
		"not a date",
		"0000:00:00 00:00:00",
	}
	for _, raw := range cases {
		if _, err := ParseExifTime(raw); err == nil {
			t.Errorf("expected parse error for %q", raw)
		}
	}
}
