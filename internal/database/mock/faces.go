package mock

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// FaceStore is an in-memory implementation of database.FaceStore.
type FaceStore struct {
	mu           sync.RWMutex
	faces        map[int64]*database.DetectedFace
	similarities map[[2]int64]float64
	nextID       int64

	// Error injection
	SaveError   error
	AssignError error
}

var _ database.FaceStore = (*FaceStore)(nil)

// NewFaceStore creates a new in-memory face store.
func NewFaceStore() *FaceStore {
	return &FaceStore{
		faces:        make(map[int64]*database.DetectedFace),
		similarities: make(map[[2]int64]float64),
	}
}

// SaveFaces stores detections for an image and returns their ids.
func (m *FaceStore) SaveFaces(ctx context.Context, imageID int64, faces []database.DetectedFace) ([]int64, error) {
	if m.SaveError != nil {
		return nil, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(faces))
	for _, face := range faces {
		m.nextID++
		face.ID = m.nextID
		face.ImageID = imageID
		face.CreatedAt = time.Now()
		clone := face
		m.faces[face.ID] = &clone
		ids = append(ids, face.ID)
	}
	return ids, nil
}

// GetFace retrieves a face by id.
func (m *FaceStore) GetFace(ctx context.Context, id int64) (*database.DetectedFace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	face, ok := m.faces[id]
	if !ok {
		return nil, fmt.Errorf("face %d: %w", id, apperr.ErrNotFound)
	}
	clone := *face
	return &clone, nil
}

// GetFacesByImage returns all faces of an image.
func (m *FaceStore) GetFacesByImage(ctx context.Context, imageID int64) ([]database.DetectedFace, error) {
	return m.filter(func(f *database.DetectedFace) bool { return f.ImageID == imageID }), nil
}

// ListUnassignedFaces returns faces without a person, newest first.
func (m *FaceStore) ListUnassignedFaces(ctx context.Context, limit int) ([]database.DetectedFace, error) {
	faces := m.filter(func(f *database.DetectedFace) bool { return f.PersonID == nil })
	sort.Slice(faces, func(i, j int) bool { return faces[i].ID > faces[j].ID })
	if limit > 0 && limit < len(faces) {
		faces = faces[:limit]
	}
	return faces, nil
}

// ListFacesByPerson returns all faces assigned to a person.
func (m *FaceStore) ListFacesByPerson(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return m.filter(func(f *database.DetectedFace) bool {
		return f.PersonID != nil && *f.PersonID == personID
	}), nil
}

// ListUnsyncedManualFaces returns human-assigned faces of a person not yet
// uploaded to the face service.
func (m *FaceStore) ListUnsyncedManualFaces(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return m.filter(func(f *database.DetectedFace) bool {
		return f.PersonID != nil && *f.PersonID == personID &&
			f.ManuallyAssigned() && f.SyncedAt == nil
	}), nil
}

// ListAutoFacesBelow returns auto-assigned faces of a person below the
// given detection confidence.
func (m *FaceStore) ListAutoFacesBelow(ctx context.Context, personID int64, confidence float64) ([]database.DetectedFace, error) {
	return m.filter(func(f *database.DetectedFace) bool {
		return f.PersonID != nil && *f.PersonID == personID &&
			strings.HasPrefix(f.AssignedBy, database.AutoAssignedPrefix) &&
			f.DetectionConfidence < confidence
	}), nil
}

// CountManualFaces counts human-assigned faces of a person.
func (m *FaceStore) CountManualFaces(ctx context.Context, personID int64) (int, error) {
	return len(m.filter(func(f *database.DetectedFace) bool {
		return f.PersonID != nil && *f.PersonID == personID && f.ManuallyAssigned()
	})), nil
}

// AssignFace links a face to a person, recording how the link was made.
func (m *FaceStore) AssignFace(ctx context.Context, faceID, personID int64, confidence float64, assignedBy, method string) error {
	if m.AssignError != nil {
		return m.AssignError
	}
	return m.update(faceID, func(f *database.DetectedFace) {
		f.PersonID = &personID
		f.PersonConfidence = confidence
		f.AssignedBy = assignedBy
		f.RecognitionMethod = method
	})
}

// UnassignFace clears the person link and sync state of a face.
func (m *FaceStore) UnassignFace(ctx context.Context, faceID int64) error {
	return m.update(faceID, func(f *database.DetectedFace) {
		f.PersonID = nil
		f.PersonConfidence = 0
		f.AssignedBy = ""
		f.RecognitionMethod = ""
		f.SyncedAt = nil
	})
}

// MarkFaceSynced records a successful upload to the face service.
func (m *FaceStore) MarkFaceSynced(ctx context.Context, faceID int64, at time.Time) error {
	return m.update(faceID, func(f *database.DetectedFace) {
		f.SyncedAt = &at
	})
}

// ClearFaceSync resets the sync state of a single face.
func (m *FaceStore) ClearFaceSync(ctx context.Context, faceID int64) error {
	return m.update(faceID, func(f *database.DetectedFace) {
		f.SyncedAt = nil
	})
}

// ClearSyncForPerson resets sync state for all faces of a person.
func (m *FaceStore) ClearSyncForPerson(ctx context.Context, personID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.faces {
		if f.PersonID != nil && *f.PersonID == personID {
			f.SyncedAt = nil
		}
	}
	return nil
}

// SetFaceCluster assigns or clears a face's cluster.
func (m *FaceStore) SetFaceCluster(ctx context.Context, faceID int64, clusterID *int64) error {
	return m.update(faceID, func(f *database.DetectedFace) {
		f.ClusterID = clusterID
	})
}

// DeleteFace removes a single face.
func (m *FaceStore) DeleteFace(ctx context.Context, faceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.faces[faceID]; !ok {
		return fmt.Errorf("face %d: %w", faceID, apperr.ErrNotFound)
	}
	delete(m.faces, faceID)
	return nil
}

// DeleteFacesByImage removes all faces of an image and returns their ids.
func (m *FaceStore) DeleteFacesByImage(ctx context.Context, imageID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, f := range m.faces {
		if f.ImageID == imageID {
			ids = append(ids, id)
			delete(m.faces, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// SaveSimilarity caches a pairwise verification score.
func (m *FaceStore) SaveSimilarity(ctx context.Context, sim *database.FaceSimilarity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.similarities[simKey(sim.FaceAID, sim.FaceBID)] = sim.Similarity
	return nil
}

// GetSimilarity returns a cached score, false when the pair is unseen.
func (m *FaceStore) GetSimilarity(ctx context.Context, faceAID, faceBID int64) (float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	similarity, ok := m.similarities[simKey(faceAID, faceBID)]
	return similarity, ok, nil
}

// PruneSimilarities deletes cached scores whose faces no longer exist.
func (m *FaceStore) PruneSimilarities(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.similarities {
		if _, okA := m.faces[key[0]]; okA {
			if _, okB := m.faces[key[1]]; okB {
				continue
			}
		}
		delete(m.similarities, key)
		removed++
	}
	return removed, nil
}

func simKey(a, b int64) [2]int64 {
	if a > b {
		a, b = b, a
	}
	return [2]int64{a, b}
}

func (m *FaceStore) filter(keep func(*database.DetectedFace) bool) []database.DetectedFace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var faces []database.DetectedFace
	for _, f := range m.faces {
		if keep(f) {
			faces = append(faces, *f)
		}
	}
	sort.Slice(faces, func(i, j int) bool { return faces[i].ID < faces[j].ID })
	return faces
}

func (m *FaceStore) update(id int64, fn func(*database.DetectedFace)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[id]
	if !ok {
		return fmt.Errorf("face %d: %w", id, apperr.ErrNotFound)
	}
	fn(f)
	return nil
}

// PersonStore is an in-memory implementation of database.PersonStore.
type PersonStore struct {
	mu      sync.RWMutex
	persons map[int64]*database.Person
	nextID  int64

	// Faces is consulted by RefreshCounts and
	// ListPersonsWithUnsyncedFaces when set.
	Faces *FaceStore

	CreateError error
	UpdateError error
}

var _ database.PersonStore = (*PersonStore)(nil)

// NewPersonStore creates a new in-memory person store.
func NewPersonStore() *PersonStore {
	return &PersonStore{persons: make(map[int64]*database.Person)}
}

// CreatePerson inserts a person and returns its id.
func (m *PersonStore) CreatePerson(ctx context.Context, p *database.Person) (int64, error) {
	if m.CreateError != nil {
		return 0, m.CreateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	clone := *p
	clone.ID = m.nextID
	if clone.RecognitionStatus == "" {
		clone.RecognitionStatus = database.RecognitionUntrained
	}
	clone.CreatedAt = time.Now()
	clone.UpdatedAt = clone.CreatedAt
	m.persons[clone.ID] = &clone
	p.ID = clone.ID
	return clone.ID, nil
}

// GetPerson retrieves a person by id.
func (m *PersonStore) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.persons[id]
	if !ok {
		return nil, fmt.Errorf("person %d: %w", id, apperr.ErrNotFound)
	}
	clone := *p
	return &clone, nil
}

// GetPersonBySubjectID resolves a face-service subject to a person.
func (m *PersonStore) GetPersonBySubjectID(ctx context.Context, subjectID string) (*database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.persons {
		if p.SubjectID == subjectID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("subject %q: %w", subjectID, apperr.ErrNotFound)
}

// ListPersons returns all persons ordered by name.
func (m *PersonStore) ListPersons(ctx context.Context) ([]database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var persons []database.Person
	for _, p := range m.persons {
		persons = append(persons, *p)
	}
	sort.Slice(persons, func(i, j int) bool { return persons[i].Name < persons[j].Name })
	return persons, nil
}

// UpdatePerson persists the mutable fields of a person.
func (m *PersonStore) UpdatePerson(ctx context.Context, p *database.Person) error {
	if m.UpdateError != nil {
		return m.UpdateError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.persons[p.ID]
	if !ok {
		return fmt.Errorf("person %d: %w", p.ID, apperr.ErrNotFound)
	}
	clone := *p
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now()
	m.persons[p.ID] = &clone
	return nil
}

// DeletePerson removes a person; linked faces are unassigned.
func (m *PersonStore) DeletePerson(ctx context.Context, id int64) error {
	m.mu.Lock()
	if _, ok := m.persons[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("person %d: %w", id, apperr.ErrNotFound)
	}
	delete(m.persons, id)
	m.mu.Unlock()

	if m.Faces != nil {
		faces, _ := m.Faces.ListFacesByPerson(ctx, id)
		for _, f := range faces {
			m.Faces.UnassignFace(ctx, f.ID)
		}
	}
	return nil
}

// RefreshCounts recomputes the cached face counters of a person.
func (m *PersonStore) RefreshCounts(ctx context.Context, personID int64) error {
	if m.Faces == nil {
		return nil
	}
	faces, err := m.Faces.ListFacesByPerson(ctx, personID)
	if err != nil {
		return err
	}
	synced := 0
	for _, f := range faces {
		if f.SyncedAt != nil {
			synced++
		}
	}
	return m.updatePerson(personID, func(p *database.Person) {
		p.FaceCount = len(faces)
		p.TrainedFaceCount = synced
	})
}

// ListPersonsWithUnsyncedFaces returns persons having user-assigned faces
// not yet uploaded to the face service.
func (m *PersonStore) ListPersonsWithUnsyncedFaces(ctx context.Context) ([]database.Person, error) {
	if m.Faces == nil {
		return nil, nil
	}
	persons, err := m.ListPersons(ctx)
	if err != nil {
		return nil, err
	}
	var out []database.Person
	for _, p := range persons {
		unsynced, err := m.Faces.ListUnsyncedManualFaces(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if len(unsynced) > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

// SetRecognitionStatus moves a person through the training lifecycle.
func (m *PersonStore) SetRecognitionStatus(ctx context.Context, personID int64, status string) error {
	return m.updatePerson(personID, func(p *database.Person) {
		p.RecognitionStatus = status
		if status == database.RecognitionTrained {
			now := time.Now()
			p.LastTrainedAt = &now
		}
	})
}

func (m *PersonStore) updatePerson(id int64, fn func(*database.Person)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.persons[id]
	if !ok {
		return fmt.Errorf("person %d: %w", id, apperr.ErrNotFound)
	}
	fn(p)
	p.UpdatedAt = time.Now()
	return nil
}

// ClusterStore is an in-memory implementation of database.ClusterStore.
type ClusterStore struct {
	mu       sync.Mutex
	clusters map[int64]*database.FaceCluster
	members  map[int64][]database.FaceClusterMember
	nextID   int64

	// Faces keeps cluster links in sync when set.
	Faces *FaceStore
}

var _ database.ClusterStore = (*ClusterStore)(nil)

// NewClusterStore creates a new in-memory cluster store.
func NewClusterStore() *ClusterStore {
	return &ClusterStore{
		clusters: make(map[int64]*database.FaceCluster),
		members:  make(map[int64][]database.FaceClusterMember),
	}
}

// CreateCluster inserts a cluster with its members and returns its id.
func (m *ClusterStore) CreateCluster(ctx context.Context, cluster *database.FaceCluster, members []database.FaceClusterMember) (int64, error) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	clone := *cluster
	clone.ID = id
	clone.FaceCount = len(members)
	clone.CreatedAt = time.Now()
	m.clusters[id] = &clone
	stored := make([]database.FaceClusterMember, len(members))
	for i, member := range members {
		member.ClusterID = id
		stored[i] = member
	}
	m.members[id] = stored
	m.mu.Unlock()

	if m.Faces != nil {
		for _, member := range stored {
			m.Faces.SetFaceCluster(ctx, member.FaceID, &id)
		}
	}
	cluster.ID = id
	cluster.FaceCount = len(members)
	return id, nil
}

// ListClusters returns clusters, largest first.
func (m *ClusterStore) ListClusters(ctx context.Context, includeReviewed bool) ([]database.FaceCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var clusters []database.FaceCluster
	for _, c := range m.clusters {
		if includeReviewed || !c.Reviewed {
			clusters = append(clusters, *c)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].FaceCount != clusters[j].FaceCount {
			return clusters[i].FaceCount > clusters[j].FaceCount
		}
		return clusters[i].ID < clusters[j].ID
	})
	return clusters, nil
}

// GetClusterMembers returns the members of a cluster.
func (m *ClusterStore) GetClusterMembers(ctx context.Context, clusterID int64) ([]database.FaceClusterMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := append([]database.FaceClusterMember(nil), m.members[clusterID]...)
	sort.Slice(members, func(i, j int) bool { return members[i].Similarity > members[j].Similarity })
	return members, nil
}

// MarkReviewed flags a cluster as human-reviewed.
func (m *ClusterStore) MarkReviewed(ctx context.Context, clusterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[clusterID]
	if !ok {
		return fmt.Errorf("cluster %d: %w", clusterID, apperr.ErrNotFound)
	}
	c.Reviewed = true
	return nil
}

// DeleteCluster removes a cluster and clears member links.
func (m *ClusterStore) DeleteCluster(ctx context.Context, clusterID int64) error {
	m.mu.Lock()
	if _, ok := m.clusters[clusterID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("cluster %d: %w", clusterID, apperr.ErrNotFound)
	}
	members := m.members[clusterID]
	delete(m.clusters, clusterID)
	delete(m.members, clusterID)
	m.mu.Unlock()

	if m.Faces != nil {
		for _, member := range members {
			m.Faces.SetFaceCluster(ctx, member.FaceID, nil)
		}
	}
	return nil
}

// DeleteEmptyClusters removes clusters whose member faces were all assigned
// or deleted.
func (m *ClusterStore) DeleteEmptyClusters(ctx context.Context) (int, error) {
	if m.Faces == nil {
		return 0, nil
	}
	clusters, err := m.ListClusters(ctx, true)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, c := range clusters {
		members, _ := m.GetClusterMembers(ctx, c.ID)
		empty := true
		for _, member := range members {
			face, err := m.Faces.GetFace(ctx, member.FaceID)
			if err == nil && face.PersonID == nil {
				empty = false
				break
			}
		}
		if empty {
			if err := m.DeleteCluster(ctx, c.ID); err != nil {
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

// SuggestionStore is an in-memory implementation of database.SuggestionStore.
type SuggestionStore struct {
	mu          sync.Mutex
	suggestions map[int64]*database.PersonSuggestion
	nextID      int64
}

var _ database.SuggestionStore = (*SuggestionStore)(nil)

// NewSuggestionStore creates a new in-memory suggestion store.
func NewSuggestionStore() *SuggestionStore {
	return &SuggestionStore{suggestions: make(map[int64]*database.PersonSuggestion)}
}

// SaveSuggestion upserts a pending suggestion for a face/person pair.
func (m *SuggestionStore) SaveSuggestion(ctx context.Context, s *database.PersonSuggestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.suggestions {
		if existing.FaceID == s.FaceID && existing.PersonID == s.PersonID {
			if existing.Status == database.SuggestionPending {
				existing.Confidence = s.Confidence
				existing.Source = s.Source
			}
			return nil
		}
	}
	m.nextID++
	clone := *s
	clone.ID = m.nextID
	clone.Status = database.SuggestionPending
	clone.CreatedAt = time.Now()
	m.suggestions[clone.ID] = &clone
	return nil
}

// ListPending returns pending suggestions for a person, highest confidence
// first.
func (m *SuggestionStore) ListPending(ctx context.Context, personID int64, limit int) ([]database.PersonSuggestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.PersonSuggestion
	for _, s := range m.suggestions {
		if s.PersonID == personID && s.Status == database.SuggestionPending {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// CountPending counts pending suggestions for a person.
func (m *SuggestionStore) CountPending(ctx context.Context, personID int64) (int, error) {
	suggestions, err := m.ListPending(ctx, personID, int(^uint(0)>>1))
	if err != nil {
		return 0, err
	}
	return len(suggestions), nil
}

// SetStatus accepts or rejects a suggestion.
func (m *SuggestionStore) SetStatus(ctx context.Context, id int64, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.suggestions[id]
	if !ok {
		return fmt.Errorf("suggestion %d: %w", id, apperr.ErrNotFound)
	}
	s.Status = status
	return nil
}

// DeleteForFace removes all suggestions of a face.
func (m *SuggestionStore) DeleteForFace(ctx context.Context, faceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.suggestions {
		if s.FaceID == faceID {
			delete(m.suggestions, id)
		}
	}
	return nil
}
