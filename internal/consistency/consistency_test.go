package consistency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// fakeService is an in-memory stand-in for the face service.
type fakeService struct {
	subjects map[string][]compreface.FaceListItem
	uploads  int
}

func newFakeService() *fakeService {
	return &fakeService{subjects: make(map[string][]compreface.FaceListItem)}
}

func (f *fakeService) ListSubjects(ctx context.Context) ([]string, error) {
	var names []string
	for name := range f.subjects {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeService) AddSubject(ctx context.Context, subject string) error {
	if _, ok := f.subjects[subject]; !ok {
		f.subjects[subject] = nil
	}
	return nil
}

func (f *fakeService) AddFace(ctx context.Context, subject string, imageBytes []byte, filename string) (*compreface.AddFaceResponse, error) {
	f.uploads++
	f.subjects[subject] = append(f.subjects[subject], compreface.FaceListItem{ImageID: filename, Subject: subject})
	return &compreface.AddFaceResponse{ImageID: filename, Subject: subject}, nil
}

func (f *fakeService) ListFaces(ctx context.Context, subject string) ([]compreface.FaceListItem, error) {
	return f.subjects[subject], nil
}

type fixture struct {
	db      *database.Stores
	store   *storage.Store
	service *fakeService
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := mock.NewStores()
	store := storage.NewStore(t.TempDir(), "YYYY/MM", nil)
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	service := newFakeService()
	return &fixture{db: db, store: store, service: service, manager: New(db, service, store)}
}

func (f *fixture) addPerson(t *testing.T, name, subjectID string) int64 {
	t.Helper()
	id, err := f.db.Persons.CreatePerson(context.Background(), &database.Person{
		Name:      name,
		SubjectID: subjectID,
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	return id
}

// addFace stores an assigned face; synced controls the sync flag, onDisk
// whether a crop file exists.
func (f *fixture) addFace(t *testing.T, personID int64, name string, synced, onDisk bool) int64 {
	t.Helper()
	ctx := context.Background()
	imageID, err := f.db.Images.CreateImage(ctx, &database.Image{Filename: name, FileHash: name})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	ids, err := f.db.Faces.SaveFaces(ctx, imageID, []database.DetectedFace{{FaceImagePath: name}})
	if err != nil {
		t.Fatalf("save face: %v", err)
	}
	if err := f.db.Faces.AssignFace(ctx, ids[0], personID, 1.0, database.AssignedByUser, ""); err != nil {
		t.Fatalf("assign face: %v", err)
	}
	if synced {
		if err := f.db.Faces.MarkFaceSynced(ctx, ids[0], time.Now()); err != nil {
			t.Fatalf("mark synced: %v", err)
		}
	}
	if onDisk {
		if err := os.WriteFile(f.store.FacePath(name), []byte("jpeg-bytes"), 0o644); err != nil {
			t.Fatalf("write crop: %v", err)
		}
	}
	return ids[0]
}

func TestSyncPersons_CreatesMissingSubjects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Healthy person: subject exists on the service.
	f.addPerson(t, "Alice", "Alice")
	f.service.subjects["Alice"] = nil
	// Subject id recorded but unknown to the service.
	staleID := f.addPerson(t, "Bob", "old-bob")
	// Never provisioned.
	freshID := f.addPerson(t, "Carol", "")

	result, err := f.manager.SyncPersons(ctx)
	if err != nil {
		t.Fatalf("SyncPersons failed: %v", err)
	}
	if result.Created != 2 || result.Updated != 2 {
		t.Errorf("expected 2 created/updated, got %+v", result)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	for _, id := range []int64{staleID, freshID} {
		person, err := f.db.Persons.GetPerson(ctx, id)
		if err != nil {
			t.Fatalf("get person: %v", err)
		}
		if person.SubjectID != person.Name {
			t.Errorf("person %d: subject id not written back, got %q", id, person.SubjectID)
		}
		if _, ok := f.service.subjects[person.SubjectID]; !ok {
			t.Errorf("person %d: subject missing on the service", id)
		}
	}
}

func TestSyncFaces_UploadsUnsyncedAndSkipsMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	personID := f.addPerson(t, "Alice", "Alice")
	f.service.subjects["Alice"] = nil
	f.addFace(t, personID, "a__face_0.jpg", false, true)
	f.addFace(t, personID, "b__face_0.jpg", false, false) // crop missing
	f.addFace(t, personID, "c__face_0.jpg", true, true)   // already synced

	result, err := f.manager.SyncFaces(ctx)
	if err != nil {
		t.Fatalf("SyncFaces failed: %v", err)
	}
	if result.Uploaded != 1 || result.Skipped != 1 {
		t.Errorf("expected 1 uploaded 1 skipped, got %+v", result)
	}
	if f.service.uploads != 1 {
		t.Errorf("expected 1 service upload, got %d", f.service.uploads)
	}

	unsynced, err := f.db.Persons.ListPersonsWithUnsyncedFaces(ctx)
	if err != nil {
		t.Fatalf("list unsynced: %v", err)
	}
	// Only the face with the missing crop remains unsynced.
	if len(unsynced) != 1 {
		t.Errorf("expected the skipped face to stay unsynced, got %d persons", len(unsynced))
	}
}

func TestEnsureConsistency_FlagsMissingSubject(t *testing.T) {
	f := newFixture(t)
	f.addPerson(t, "Alice", "ghost")

	report, err := f.manager.EnsureConsistency(context.Background(), Options{CheckPersons: true})
	if err != nil {
		t.Fatalf("EnsureConsistency failed: %v", err)
	}
	if len(report.Issues) != 1 || report.Issues[0].Kind != IssueMissingSubject {
		t.Fatalf("expected one missing-subject issue, got %+v", report.Issues)
	}
	if report.Issues[0].Repaired || report.Repaired != 0 {
		t.Error("issue must not be repaired without autoRepair")
	}
}

func TestEnsureConsistency_AutoRepairCreatesSubject(t *testing.T) {
	f := newFixture(t)
	personID := f.addPerson(t, "Alice", "")

	report, err := f.manager.EnsureConsistency(context.Background(), Options{CheckPersons: true, AutoRepair: true})
	if err != nil {
		t.Fatalf("EnsureConsistency failed: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("expected 1 repair, got %d", report.Repaired)
	}
	person, _ := f.db.Persons.GetPerson(context.Background(), personID)
	if person.SubjectID != "Alice" {
		t.Errorf("subject not provisioned, got %q", person.SubjectID)
	}
}

func TestEnsureConsistency_FlagsAndRepairsOrphanedFaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	personID := f.addPerson(t, "Alice", "Alice")
	f.service.subjects["Alice"] = nil
	// Database believes 4 faces are synced; the service holds one. One face
	// of four is below half, so the person is orphaned.
	for _, name := range []string{"a__face_0.jpg", "b__face_0.jpg", "c__face_0.jpg", "d__face_0.jpg"} {
		f.addFace(t, personID, name, true, true)
	}
	f.service.subjects["Alice"] = []compreface.FaceListItem{{ImageID: "a__face_0.jpg", Subject: "Alice"}}

	report, err := f.manager.EnsureConsistency(ctx, Options{CheckFaces: true})
	if err != nil {
		t.Fatalf("EnsureConsistency failed: %v", err)
	}
	if len(report.Issues) != 1 || report.Issues[0].Kind != IssueOrphanedFaces {
		t.Fatalf("expected one orphaned-faces issue, got %+v", report.Issues)
	}

	// With repair: sync flags cleared, every face re-uploaded.
	report, err = f.manager.EnsureConsistency(ctx, Options{CheckFaces: true, AutoRepair: true})
	if err != nil {
		t.Fatalf("repair pass failed: %v", err)
	}
	if report.Repaired != 1 {
		t.Errorf("expected 1 repair, got %+v", report)
	}
	if f.service.uploads != 4 {
		t.Errorf("expected 4 re-uploads, got %d", f.service.uploads)
	}
}

func TestEnsureConsistency_HealthyPersonClean(t *testing.T) {
	f := newFixture(t)
	personID := f.addPerson(t, "Alice", "Alice")
	f.service.subjects["Alice"] = nil
	f.addFace(t, personID, "a__face_0.jpg", true, true)
	f.service.subjects["Alice"] = []compreface.FaceListItem{{ImageID: "a__face_0.jpg", Subject: "Alice"}}

	report, err := f.manager.EnsureConsistency(context.Background(), Options{CheckPersons: true, CheckFaces: true})
	if err != nil {
		t.Fatalf("EnsureConsistency failed: %v", err)
	}
	if len(report.Issues) != 0 {
		t.Errorf("expected no issues, got %+v", report.Issues)
	}
}

func TestQuickConsistencyCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	personID := f.addPerson(t, "Alice", "Alice")
	f.service.subjects["Alice"] = nil
	for _, name := range []string{"a__face_0.jpg", "b__face_0.jpg", "c__face_0.jpg", "d__face_0.jpg"} {
		f.addFace(t, personID, name, true, true)
	}

	// Service has one face, database four: gap 3 warns.
	f.service.subjects["Alice"] = []compreface.FaceListItem{{ImageID: "a__face_0.jpg", Subject: "Alice"}}
	gap, warn, err := f.manager.QuickConsistencyCheck(ctx, personID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if gap != 3 || !warn {
		t.Errorf("expected gap 3 with warning, got gap %d warn %v", gap, warn)
	}

	// Gap of 2 is tolerated.
	f.service.subjects["Alice"] = []compreface.FaceListItem{
		{ImageID: "a__face_0.jpg", Subject: "Alice"},
		{ImageID: "b__face_0.jpg", Subject: "Alice"},
	}
	gap, warn, err = f.manager.QuickConsistencyCheck(ctx, personID)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if gap != 2 || warn {
		t.Errorf("expected tolerated gap 2, got gap %d warn %v", gap, warn)
	}
}
