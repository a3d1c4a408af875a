// Package mock provides in-memory implementations of the repository
// interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// NewStores wires a complete in-memory store bundle with the cross-store
// links (faces to persons and clusters, images to geolocation) in place.
func NewStores() *database.Stores {
	images := NewImageStore()
	faces := NewFaceStore()
	persons := NewPersonStore()
	persons.Faces = faces
	clusters := NewClusterStore()
	clusters.Faces = faces
	geo := NewGeoStore()
	geo.Images = images
	return &database.Stores{
		Images:      images,
		Objects:     NewObjectStore(),
		Faces:       faces,
		Persons:     persons,
		FileIndex:   NewFileIndexStore(),
		Clusters:    clusters,
		Suggestions: NewSuggestionStore(),
		Albums:      NewAlbumStore(),
		Training:    NewTrainingStore(),
		Geo:         geo,
	}
}

// ImageStore is an in-memory implementation of database.ImageStore.
type ImageStore struct {
	mu       sync.RWMutex
	images   map[int64]*database.Image
	metadata map[int64]*database.ImageMetadata
	geoLinks map[int64]bool // image ids with a geolocation link, see GeoStore
	nextID   int64

	// Error injection
	CreateError error
	UpdateError error
	GetError    error
}

var _ database.ImageStore = (*ImageStore)(nil)

// NewImageStore creates a new in-memory image store.
func NewImageStore() *ImageStore {
	return &ImageStore{
		images:   make(map[int64]*database.Image),
		metadata: make(map[int64]*database.ImageMetadata),
		geoLinks: make(map[int64]bool),
	}
}

// CreateImage inserts a new image and returns its id.
func (m *ImageStore) CreateImage(ctx context.Context, img *database.Image) (int64, error) {
	if m.CreateError != nil {
		return 0, m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	clone := *img
	clone.ID = m.nextID
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	m.images[clone.ID] = &clone
	img.ID = clone.ID
	return clone.ID, nil
}

// GetImage retrieves an image by id.
func (m *ImageStore) GetImage(ctx context.Context, id int64) (*database.Image, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", id, apperr.ErrNotFound)
	}
	clone := *img
	return &clone, nil
}

// UpdateImage persists the mutable fields of an image.
func (m *ImageStore) UpdateImage(ctx context.Context, img *database.Image) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.images[img.ID]
	if !ok {
		return fmt.Errorf("image %d: %w", img.ID, apperr.ErrNotFound)
	}
	clone := *img
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.images[img.ID] = &clone
	return nil
}

// FindImageIDByHash resolves a content hash to an existing image id.
func (m *ImageStore) FindImageIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, img := range m.images {
		if img.FileHash == hash && img.DeletedAt == nil {
			return img.ID, true, nil
		}
	}
	return 0, false, nil
}

// ListImages returns non-deleted images, newest first.
func (m *ImageStore) ListImages(ctx context.Context, limit, offset int) ([]database.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var images []database.Image
	for _, img := range m.images {
		if img.DeletedAt == nil {
			images = append(images, *img)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID > images[j].ID })
	if offset >= len(images) {
		return nil, nil
	}
	images = images[offset:]
	if limit < len(images) {
		images = images[:limit]
	}
	return images, nil
}

// ListImagesWithGPS returns images with GPS but no geolocation link.
func (m *ImageStore) ListImagesWithGPS(ctx context.Context, limit int) ([]database.Image, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var images []database.Image
	for _, img := range m.images {
		if img.DeletedAt == nil && img.Latitude != nil && img.Longitude != nil && !m.geoLinks[img.ID] {
			images = append(images, *img)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].ID < images[j].ID })
	if limit < len(images) {
		images = images[:limit]
	}
	return images, nil
}

// MarkGeoLinked records that an image has a geolocation link. Tests wire
// this to the GeoStore mock.
func (m *ImageStore) MarkGeoLinked(imageID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.geoLinks[imageID] = true
}

// CountImages returns the number of non-deleted images.
func (m *ImageStore) CountImages(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, img := range m.images {
		if img.DeletedAt == nil {
			count++
		}
	}
	return count, nil
}

// SoftDeleteImage marks an image deleted.
func (m *ImageStore) SoftDeleteImage(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[id]
	if !ok || img.DeletedAt != nil {
		return fmt.Errorf("image %d: %w", id, apperr.ErrNotFound)
	}
	now := time.Now()
	img.DeletedAt = &now
	return nil
}

// DeleteImagePermanently removes the image and its metadata.
func (m *ImageStore) DeleteImagePermanently(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return fmt.Errorf("image %d: %w", id, apperr.ErrNotFound)
	}
	delete(m.images, id)
	delete(m.metadata, id)
	return nil
}

// SaveMetadata stores the archived EXIF projection for an image.
func (m *ImageStore) SaveMetadata(ctx context.Context, meta *database.ImageMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *meta
	clone.CreatedAt = time.Now()
	m.metadata[meta.ImageID] = &clone
	return nil
}

// GetMetadata retrieves archived metadata for an image.
func (m *ImageStore) GetMetadata(ctx context.Context, imageID int64) (*database.ImageMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[imageID]
	if !ok {
		return nil, fmt.Errorf("metadata for image %d: %w", imageID, apperr.ErrNotFound)
	}
	clone := *meta
	return &clone, nil
}

// GetProcessingStats aggregates counters over the in-memory state.
func (m *ImageStore) GetProcessingStats(ctx context.Context) (*database.ProcessingStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &database.ProcessingStats{}
	for _, img := range m.images {
		if img.DeletedAt == nil {
			stats.TotalImages++
		}
	}
	return stats, nil
}

// ObjectStore is an in-memory implementation of database.ObjectStore.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[int64][]database.DetectedObject // keyed by image id
	nextID  int64

	ReplaceError error
}

var _ database.ObjectStore = (*ObjectStore)(nil)

// NewObjectStore creates a new in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[int64][]database.DetectedObject)}
}

// ReplaceObjects replaces all detections for an image.
func (m *ObjectStore) ReplaceObjects(ctx context.Context, imageID int64, objects []database.DetectedObject) error {
	if m.ReplaceError != nil {
		return m.ReplaceError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]database.DetectedObject, len(objects))
	for i, obj := range objects {
		m.nextID++
		obj.ID = m.nextID
		obj.ImageID = imageID
		obj.CreatedAt = time.Now()
		stored[i] = obj
	}
	m.objects[imageID] = stored
	return nil
}

// GetObjects returns detections for an image ordered by confidence.
func (m *ObjectStore) GetObjects(ctx context.Context, imageID int64) ([]database.DetectedObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objects := append([]database.DetectedObject(nil), m.objects[imageID]...)
	sort.Slice(objects, func(i, j int) bool { return objects[i].Confidence > objects[j].Confidence })
	return objects, nil
}

// FindImageIDsByClasses returns ids of images containing any of the given
// classes at or above minConfidence.
func (m *ObjectStore) FindImageIDsByClasses(ctx context.Context, classes []string, minConfidence float64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wanted := make(map[string]bool, len(classes))
	for _, c := range classes {
		wanted[c] = true
	}
	seen := make(map[int64]bool)
	var ids []int64
	for imageID, objects := range m.objects {
		for _, obj := range objects {
			if wanted[obj.Class] && obj.Confidence >= minConfidence && !seen[imageID] {
				seen[imageID] = true
				ids = append(ids, imageID)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// FileIndexStore is an in-memory implementation of database.FileIndexStore.
type FileIndexStore struct {
	mu      sync.Mutex
	entries map[string]*database.FileIndexEntry // keyed by file path
	nextID  int64

	UpsertError error
	ClaimError  error
}

var _ database.FileIndexStore = (*FileIndexStore)(nil)

// NewFileIndexStore creates a new in-memory file index store.
func NewFileIndexStore() *FileIndexStore {
	return &FileIndexStore{entries: make(map[string]*database.FileIndexEntry)}
}

// Upsert records a discovered file.
func (m *FileIndexStore) Upsert(ctx context.Context, entry *database.FileIndexEntry) (bool, error) {
	if m.UpsertError != nil {
		return false, m.UpsertError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.entries[entry.FilePath]
	if ok {
		if existing.FileSize == entry.FileSize && existing.FileMtime.Equal(entry.FileMtime) {
			return false, nil
		}
		existing.FileHash = entry.FileHash
		existing.FileSize = entry.FileSize
		existing.FileMtime = entry.FileMtime
		existing.Status = database.FileStatusPending
		existing.ErrorMessage = ""
		existing.RetryCount = 0
		existing.ClaimedAt = nil
		existing.ProcessedAt = nil
		entry.ID = existing.ID
		return true, nil
	}

	m.nextID++
	clone := *entry
	clone.ID = m.nextID
	clone.Status = database.FileStatusPending
	clone.DiscoveredAt = time.Now()
	m.entries[entry.FilePath] = &clone
	entry.ID = clone.ID
	return true, nil
}

// GetByPath retrieves an entry by absolute source path.
func (m *FileIndexStore) GetByPath(ctx context.Context, path string) (*database.FileIndexEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[path]
	if !ok {
		return nil, fmt.Errorf("file index entry %q: %w", path, apperr.ErrNotFound)
	}
	clone := *entry
	return &clone, nil
}

// ClaimPending moves up to limit pending entries to processing.
func (m *FileIndexStore) ClaimPending(ctx context.Context, limit int) ([]database.FileIndexEntry, error) {
	if m.ClaimError != nil {
		return nil, m.ClaimError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*database.FileIndexEntry
	for _, entry := range m.entries {
		if entry.Status == database.FileStatusPending {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	if limit < len(pending) {
		pending = pending[:limit]
	}

	claimed := make([]database.FileIndexEntry, 0, len(pending))
	now := time.Now()
	for _, entry := range pending {
		entry.Status = database.FileStatusProcessing
		entry.ClaimedAt = &now
		claimed = append(claimed, *entry)
	}
	return claimed, nil
}

// MarkCompleted finishes an entry and links its image.
func (m *FileIndexStore) MarkCompleted(ctx context.Context, id, imageID int64) error {
	return m.update(id, func(entry *database.FileIndexEntry) {
		now := time.Now()
		entry.Status = database.FileStatusCompleted
		entry.ImageID = &imageID
		entry.ErrorMessage = ""
		entry.ProcessedAt = &now
	})
}

// MarkFailed records a failure and bumps the retry counter.
func (m *FileIndexStore) MarkFailed(ctx context.Context, id int64, message string) error {
	return m.update(id, func(entry *database.FileIndexEntry) {
		now := time.Now()
		entry.Status = database.FileStatusFailed
		entry.ErrorMessage = message
		entry.RetryCount++
		entry.ProcessedAt = &now
	})
}

// ResetStalled returns processing entries claimed before the cutoff to
// pending.
func (m *FileIndexStore) ResetStalled(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if entry.Status == database.FileStatusProcessing &&
			entry.ClaimedAt != nil && entry.ClaimedAt.Before(olderThan) {
			entry.Status = database.FileStatusPending
			entry.ClaimedAt = nil
			count++
		}
	}
	return count, nil
}

// RetryFailed returns failed entries with retries left to pending.
func (m *FileIndexStore) RetryFailed(ctx context.Context, maxRetries int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, entry := range m.entries {
		if entry.Status == database.FileStatusFailed && entry.RetryCount < maxRetries {
			entry.Status = database.FileStatusPending
			entry.ErrorMessage = ""
			count++
		}
	}
	return count, nil
}

// CountByStatus returns entry counts keyed by status.
func (m *FileIndexStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, entry := range m.entries {
		counts[entry.Status]++
	}
	return counts, nil
}

func (m *FileIndexStore) update(id int64, fn func(*database.FileIndexEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.ID == id {
			fn(entry)
			return nil
		}
	}
	return fmt.Errorf("file index entry %d: %w", id, apperr.ErrNotFound)
}
