package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// AlbumStore is an in-memory implementation of database.AlbumStore.
type AlbumStore struct {
	mu      sync.Mutex
	albums  map[int64]*database.SmartAlbum
	members map[int64]map[int64]database.SmartAlbumMember // album id -> image id -> member
	nextID  int64
}

var _ database.AlbumStore = (*AlbumStore)(nil)

// NewAlbumStore creates a new in-memory album store.
func NewAlbumStore() *AlbumStore {
	return &AlbumStore{
		albums:  make(map[int64]*database.SmartAlbum),
		members: make(map[int64]map[int64]database.SmartAlbumMember),
	}
}

// UpsertAlbum inserts or updates an album by slug and returns its id.
func (m *AlbumStore) UpsertAlbum(ctx context.Context, album *database.SmartAlbum) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.albums {
		if existing.Slug == album.Slug {
			existing.Name = album.Name
			existing.Description = album.Description
			existing.Type = album.Type
			existing.Rules = album.Rules
			existing.Priority = album.Priority
			existing.IsActive = album.IsActive
			existing.UpdatedAt = time.Now()
			album.ID = existing.ID
			return existing.ID, nil
		}
	}
	m.nextID++
	clone := *album
	clone.ID = m.nextID
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	m.albums[clone.ID] = &clone
	m.members[clone.ID] = make(map[int64]database.SmartAlbumMember)
	album.ID = clone.ID
	return clone.ID, nil
}

// GetAlbumBySlug retrieves an album by slug.
func (m *AlbumStore) GetAlbumBySlug(ctx context.Context, slug string) (*database.SmartAlbum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, album := range m.albums {
		if album.Slug == slug {
			clone := *album
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("album %q: %w", slug, apperr.ErrNotFound)
}

// ListAlbums returns albums ordered by priority.
func (m *AlbumStore) ListAlbums(ctx context.Context, activeOnly bool) ([]database.SmartAlbum, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var albums []database.SmartAlbum
	for _, album := range m.albums {
		if !activeOnly || album.IsActive {
			albums = append(albums, *album)
		}
	}
	sort.Slice(albums, func(i, j int) bool {
		if albums[i].Priority != albums[j].Priority {
			return albums[i].Priority > albums[j].Priority
		}
		return albums[i].Name < albums[j].Name
	})
	return albums, nil
}

// SetMembership upserts an image's membership in an album.
func (m *AlbumStore) SetMembership(ctx context.Context, albumID, imageID int64, confidence float64, reasons []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[albumID]
	if !ok {
		return fmt.Errorf("album %d: %w", albumID, apperr.ErrNotFound)
	}
	members[imageID] = database.SmartAlbumMember{
		AlbumID:    albumID,
		ImageID:    imageID,
		Confidence: confidence,
		Reasons:    append([]string(nil), reasons...),
		AddedAt:    time.Now(),
	}
	return nil
}

// GetMembership returns an image's membership in an album, false when the
// image is not a member.
func (m *AlbumStore) GetMembership(albumID, imageID int64) (database.SmartAlbumMember, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[albumID][imageID]
	return member, ok
}

// RemoveMembership removes an image from an album.
func (m *AlbumStore) RemoveMembership(ctx context.Context, albumID, imageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if members, ok := m.members[albumID]; ok {
		delete(members, imageID)
	}
	return nil
}

// RemoveImageMemberships removes an image from every album.
func (m *AlbumStore) RemoveImageMemberships(ctx context.Context, imageID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, members := range m.members {
		delete(members, imageID)
	}
	return nil
}

// ListMemberImageIDs returns member image ids, newest membership first.
func (m *AlbumStore) ListMemberImageIDs(ctx context.Context, albumID int64, limit, offset int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var members []database.SmartAlbumMember
	for _, member := range m.members[albumID] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].AddedAt.After(members[j].AddedAt) })

	var ids []int64
	for _, member := range members {
		ids = append(ids, member.ImageID)
	}
	if offset >= len(ids) {
		return nil, nil
	}
	ids = ids[offset:]
	if limit < len(ids) {
		ids = ids[:limit]
	}
	return ids, nil
}

// RefreshAlbumStats recounts members and picks the highest-confidence
// member as cover.
func (m *AlbumStore) RefreshAlbumStats(ctx context.Context, albumID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	album, ok := m.albums[albumID]
	if !ok {
		return fmt.Errorf("album %d: %w", albumID, apperr.ErrNotFound)
	}
	members := m.members[albumID]
	album.ImageCount = len(members)
	album.CoverImageID = nil
	best := -1.0
	for imageID, member := range members {
		if member.Confidence > best {
			best = member.Confidence
			id := imageID
			album.CoverImageID = &id
		}
	}
	album.UpdatedAt = time.Now()
	return nil
}

// TrainingStore is an in-memory implementation of database.TrainingStore.
type TrainingStore struct {
	mu      sync.Mutex
	runs    map[int64]*database.TrainingRun
	entries map[int64]*database.TrainingLogEntry
	nextID  int64
}

var _ database.TrainingStore = (*TrainingStore)(nil)

// NewTrainingStore creates a new in-memory training store.
func NewTrainingStore() *TrainingStore {
	return &TrainingStore{
		runs:    make(map[int64]*database.TrainingRun),
		entries: make(map[int64]*database.TrainingLogEntry),
	}
}

// CreateRun opens a training run for a person and returns its id.
func (m *TrainingStore) CreateRun(ctx context.Context, run *database.TrainingRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	clone := *run
	clone.ID = m.nextID
	clone.Status = "running"
	clone.StartedAt = time.Now()
	m.runs[clone.ID] = &clone
	run.ID = clone.ID
	return clone.ID, nil
}

// CompleteRun closes a run with final counters and status.
func (m *TrainingStore) CompleteRun(ctx context.Context, run *database.TrainingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("training run %d: %w", run.ID, apperr.ErrNotFound)
	}
	now := time.Now()
	existing.FacesAttempted = run.FacesAttempted
	existing.FacesSucceeded = run.FacesSucceeded
	existing.FacesFailed = run.FacesFailed
	existing.Status = run.Status
	existing.ErrorMessage = run.ErrorMessage
	existing.CompletedAt = &now
	return nil
}

// AppendLog adds a per-face log entry and returns its id.
func (m *TrainingStore) AppendLog(ctx context.Context, entry *database.TrainingLogEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	clone := *entry
	clone.ID = m.nextID
	clone.CreatedAt = time.Now()
	m.entries[clone.ID] = &clone
	entry.ID = clone.ID
	return clone.ID, nil
}

// UpdateLogStatus updates the outcome of a log entry.
func (m *TrainingStore) UpdateLogStatus(ctx context.Context, id int64, status, errorMessage string, uploadedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("training log entry %d: %w", id, apperr.ErrNotFound)
	}
	entry.Status = status
	entry.ErrorMessage = errorMessage
	entry.UploadedAt = uploadedAt
	return nil
}

// ListRuns returns recent runs for a person, newest first.
func (m *TrainingStore) ListRuns(ctx context.Context, personID int64, limit int) ([]database.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []database.TrainingRun
	for _, run := range m.runs {
		if run.PersonID == personID {
			runs = append(runs, *run)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })
	if limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// ListLog returns the per-face entries of a run.
func (m *TrainingStore) ListLog(ctx context.Context, runID int64) ([]database.TrainingLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []database.TrainingLogEntry
	for _, entry := range m.entries {
		if entry.RunID == runID {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// GeoStore is an in-memory implementation of database.GeoStore.
type GeoStore struct {
	mu     sync.Mutex
	cities map[int64]*database.GeoCity
	links  map[int64]*database.ImageGeolocation
	nextID int64

	// Images gets its geolocation marker updated on SaveImageGeolocation
	// when set.
	Images *ImageStore
}

var _ database.GeoStore = (*GeoStore)(nil)

// NewGeoStore creates a new in-memory geo store.
func NewGeoStore() *GeoStore {
	return &GeoStore{
		cities: make(map[int64]*database.GeoCity),
		links:  make(map[int64]*database.ImageGeolocation),
	}
}

// ImportCities bulk-loads gazetteer cities.
func (m *GeoStore) ImportCities(ctx context.Context, cities []database.GeoCity) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, city := range cities {
		m.nextID++
		city.ID = m.nextID
		clone := city
		m.cities[city.ID] = &clone
	}
	return len(cities), nil
}

// CountCities returns the gazetteer size.
func (m *GeoStore) CountCities(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cities), nil
}

// NearestCity finds the closest city within radiusMiles of the point.
func (m *GeoStore) NearestCity(ctx context.Context, lat, lon, radiusMiles float64) (*database.GeoCity, float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *database.GeoCity
	bestDistance := radiusMiles
	for _, city := range m.cities {
		d := haversineMiles(lat, lon, city.Latitude, city.Longitude)
		if d <= bestDistance {
			bestDistance = d
			best = city
		}
	}
	if best == nil {
		return nil, 0, false, nil
	}
	clone := *best
	return &clone, bestDistance, true, nil
}

// SaveImageGeolocation upserts an image's geolocation link.
func (m *GeoStore) SaveImageGeolocation(ctx context.Context, link *database.ImageGeolocation) error {
	m.mu.Lock()
	clone := *link
	clone.CreatedAt = time.Now()
	m.links[link.ImageID] = &clone
	m.mu.Unlock()

	if m.Images != nil {
		m.Images.MarkGeoLinked(link.ImageID)
	}
	return nil
}

// GetImageGeolocation retrieves a link, false when absent.
func (m *GeoStore) GetImageGeolocation(ctx context.Context, imageID int64) (*database.ImageGeolocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[imageID]
	if !ok {
		return nil, false, nil
	}
	clone := *link
	return &clone, true, nil
}

// haversineMiles computes the great-circle distance between two points.
func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusMiles = 3958.8
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusMiles * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
