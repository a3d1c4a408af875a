// Package storage implements the content-addressed media store. Files are
// named by a sanitized stem plus the first eight hex characters of their
// SHA-256 content hash and organized into a date-based directory tree.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Subdirectories under the processed root.
const (
	MediaDir     = "media"
	ThumbnailDir = "thumbnails"
	FaceDir      = "faces"
)

const (
	shortHashLen = 8
	maxStemLen   = 50
)

// FileInfo describes a file's place in the content-addressed layout.
type FileInfo struct {
	Hash           string // full SHA-256 hex digest
	ShortHash      string // first 8 hex chars
	HashedFilename string // {stem}_{short8}{ext}
	RelativePath   string // {datePath}/{hashedFilename}
	FullPath       string // absolute destination under media/
	Size           int64
}

// DuplicateFinder resolves a content hash to an already-stored image id.
// Implemented by the image repository.
type DuplicateFinder interface {
	FindImageIDByHash(ctx context.Context, hash string) (int64, bool, error)
}

// Store generates content-addressed paths and copies files into place.
type Store struct {
	processedDir string
	dateFormat   string
	finder       DuplicateFinder
}

// NewStore creates a store rooted at processedDir. dateFormat is one of
// "YYYY", "YYYY/MM" or "YYYY/MM/DD". finder may be nil when duplicate
// lookups are not needed.
func NewStore(processedDir, dateFormat string, finder DuplicateFinder) *Store {
	if dateFormat == "" {
		dateFormat = "YYYY/MM"
	}
	return &Store{processedDir: processedDir, dateFormat: dateFormat, finder: finder}
}

// ProcessedDir returns the processed media root.
func (s *Store) ProcessedDir() string {
	return s.processedDir
}

// Generate hashes the source file and derives its organized location.
// takenAt picks the date directory; the zero value falls back to the
// file's modification time.
func (s *Store) Generate(sourcePath string, takenAt time.Time) (*FileInfo, error) {
	hash, size, err := HashFile(sourcePath)
	if err != nil {
		return nil, err
	}

	if takenAt.IsZero() {
		info, err := os.Stat(sourcePath)
		if err != nil {
			return nil, fmt.Errorf("stat source file: %w", err)
		}
		takenAt = info.ModTime()
	}

	short := hash[:shortHashLen]
	ext := strings.ToLower(filepath.Ext(sourcePath))
	stem := SanitizeStem(strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath)))
	hashedFilename := fmt.Sprintf("%s_%s%s", stem, short, ext)
	relativePath := filepath.ToSlash(filepath.Join(s.datePath(takenAt), hashedFilename))

	return &FileInfo{
		Hash:           hash,
		ShortHash:      short,
		HashedFilename: hashedFilename,
		RelativePath:   relativePath,
		FullPath:       filepath.Join(s.processedDir, MediaDir, filepath.FromSlash(relativePath)),
		Size:           size,
	}, nil
}

// FindDuplicateByHash returns the id of an image already stored with the
// given content hash, if any.
func (s *Store) FindDuplicateByHash(ctx context.Context, hash string) (int64, bool, error) {
	if s.finder == nil {
		return 0, false, nil
	}
	return s.finder.FindImageIDByHash(ctx, hash)
}

// EnsureDirs creates the media, thumbnail and face directories.
func (s *Store) EnsureDirs() error {
	for _, sub := range []string{MediaDir, ThumbnailDir, FaceDir} {
		if err := os.MkdirAll(filepath.Join(s.processedDir, sub), 0o750); err != nil {
			return fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	return nil
}

// CopyToOrganized copies the source file to its organized destination.
// The copy is atomic with respect to the destination: data is written to a
// temporary file in the target directory and renamed into place. Retrying
// is safe because the destination name is derived from the content hash.
func (s *Store) CopyToOrganized(sourcePath string, info *FileInfo) error {
	destDir := filepath.Dir(info.FullPath)
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(destDir, "."+info.HashedFilename+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("copy file data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, info.FullPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// VerifyIntegrity rehashes the organized destination and compares it to the
// recorded content hash.
func (s *Store) VerifyIntegrity(info *FileInfo) error {
	hash, _, err := HashFile(info.FullPath)
	if err != nil {
		return err
	}
	if hash != info.Hash {
		return fmt.Errorf("integrity check failed for %s: stored hash %s, recomputed %s",
			info.RelativePath, info.Hash, hash)
	}
	return nil
}

// MediaPath returns the absolute path for an organized media file.
func (s *Store) MediaPath(relativePath string) string {
	return filepath.Join(s.processedDir, MediaDir, filepath.FromSlash(relativePath))
}

// FacePath returns the absolute path for a face crop file.
func (s *Store) FacePath(faceFilename string) string {
	return filepath.Join(s.processedDir, FaceDir, faceFilename)
}

// ThumbnailPath returns the absolute path for a thumbnail derived from info.
func (s *Store) ThumbnailPath(info *FileInfo) string {
	return s.ThumbnailAbsPath(info.RelativePath)
}

// ThumbnailAbsPath returns the absolute thumbnail path for an organized
// media relative path.
func (s *Store) ThumbnailAbsPath(relativePath string) string {
	return filepath.Join(s.processedDir, ThumbnailDir, filepath.FromSlash(ThumbnailRelPath(relativePath)))
}

// datePath renders the configured date directory layout.
func (s *Store) datePath(t time.Time) string {
	switch s.dateFormat {
	case "YYYY":
		return t.Format("2006")
	case "YYYY/MM/DD":
		return t.Format("2006/01/02")
	default:
		return t.Format("2006/01")
	}
}

// FaceFilename derives the face crop filename for a given face index:
// {stem}__face_{index}{ext}.
func FaceFilename(hashedFilename string, index int) string {
	ext := filepath.Ext(hashedFilename)
	stem := strings.TrimSuffix(hashedFilename, ext)
	return fmt.Sprintf("%s__face_%d%s", stem, index, ext)
}

// ImageStemFromFaceFilename recovers the hashed image filename stem from a
// face crop filename. Returns false if the name does not follow the face
// naming convention.
func ImageStemFromFaceFilename(faceFilename string) (string, bool) {
	ext := filepath.Ext(faceFilename)
	name := strings.TrimSuffix(faceFilename, ext)
	idx := strings.LastIndex(name, "__face_")
	if idx < 0 {
		return "", false
	}
	return name[:idx], true
}

// ThumbnailRelPath derives the thumbnail path from a media relative path:
// YYYY/MM/{stem}_thumb{ext}.
func ThumbnailRelPath(relativePath string) string {
	ext := filepath.Ext(relativePath)
	return strings.TrimSuffix(relativePath, ext) + "_thumb" + ext
}

// HashFile computes the SHA-256 digest of a file's bytes.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// SanitizeStem reduces a filename stem to at most 50 characters from
// [A-Za-z0-9_-]. Diacritics are folded, other characters become
// underscores, and runs of underscores collapse.
func SanitizeStem(stem string) string {
	stem = removeDiacritics(stem)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "file"
	}
	if len(out) > maxStemLen {
		out = out[:maxStemLen]
	}
	return out
}

// removeDiacritics strips combining marks (e.g. "Jiří" -> "Jiri").
func removeDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}
