package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

type fakeService struct {
	subjects map[string][]compreface.FaceListItem
	deleted  []string // deleted face image ids
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

func (f *fakeService) DeleteSubject(ctx context.Context, subject string) error {
	delete(f.subjects, subject)
	return nil
}

func (f *fakeService) ListFaces(ctx context.Context, subject string) ([]compreface.FaceListItem, error) {
	return f.subjects[subject], nil
}

func (f *fakeService) DeleteFace(ctx context.Context, imageID string) error {
	f.deleted = append(f.deleted, imageID)
	for subject, items := range f.subjects {
		kept := items[:0]
		for _, item := range items {
			if item.ImageID != imageID {
				kept = append(kept, item)
			}
		}
		f.subjects[subject] = kept
	}
	return nil
}

type fixture struct {
	db      *database.Stores
	service *fakeService
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := mock.NewStores()
	store := storage.NewStore(t.TempDir(), "YYYY/MM", nil)
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	service := newFakeService()
	return &fixture{db: db, service: service, svc: New(db, service, store)}
}

func (f *fixture) addPerson(t *testing.T, name, subjectID string) int64 {
	t.Helper()
	trained := time.Now().Add(-time.Hour)
	id, err := f.db.Persons.CreatePerson(context.Background(), &database.Person{
		Name:              name,
		SubjectID:         subjectID,
		RecognitionStatus: database.RecognitionTrained,
		LastTrainedAt:     &trained,
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}
	if subjectID != "" {
		f.service.subjects[subjectID] = nil
	}
	return id
}

func (f *fixture) addFace(t *testing.T, personID int64, name, assignedBy string, detectionConfidence float64, synced bool) int64 {
	t.Helper()
	ctx := context.Background()
	imageID, err := f.db.Images.CreateImage(ctx, &database.Image{Filename: name, FileHash: name})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	ids, err := f.db.Faces.SaveFaces(ctx, imageID, []database.DetectedFace{{
		FaceImagePath:       name,
		DetectionConfidence: detectionConfidence,
	}})
	if err != nil {
		t.Fatalf("save face: %v", err)
	}
	if err := f.db.Faces.AssignFace(ctx, ids[0], personID, 0.9, assignedBy, ""); err != nil {
		t.Fatalf("assign face: %v", err)
	}
	if synced {
		if err := f.db.Faces.MarkFaceSynced(ctx, ids[0], time.Now()); err != nil {
			t.Fatalf("mark synced: %v", err)
		}
		person, err := f.db.Persons.GetPerson(ctx, personID)
		if err != nil {
			t.Fatalf("get person: %v", err)
		}
		f.service.subjects[person.SubjectID] = append(f.service.subjects[person.SubjectID],
			compreface.FaceListItem{ImageID: name, Subject: person.SubjectID})
	}
	return ids[0]
}

func TestComprehensive_DeletesSubjectsAndResetsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	bobID := f.addPerson(t, "Bob", "Bob")
	f.addFace(t, aliceID, "a__face_0.jpg", database.AssignedByUser, 0.95, true)
	f.addFace(t, bobID, "b__face_0.jpg", database.AssignedByUser, 0.95, true)

	report, err := f.svc.Comprehensive(ctx, Options{ResetSyncFlags: true, ResetPersonRefs: true})
	if err != nil {
		t.Fatalf("Comprehensive failed: %v", err)
	}
	if report.SubjectsDeleted != 2 || report.FacesReset != 2 || report.PersonsReset != 2 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(f.service.subjects) != 0 {
		t.Errorf("subjects left on the service: %v", f.service.subjects)
	}
	for _, id := range []int64{aliceID, bobID} {
		person, _ := f.db.Persons.GetPerson(ctx, id)
		if person.SubjectID != "" || person.LastTrainedAt != nil {
			t.Errorf("person %d references not reset: %+v", id, person)
		}
	}
	unsynced, _ := f.db.Persons.ListPersonsWithUnsyncedFaces(ctx)
	if len(unsynced) != 2 {
		t.Errorf("expected both persons to have unsynced faces again, got %d", len(unsynced))
	}
}

func TestComprehensive_DryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	f.addFace(t, aliceID, "a__face_0.jpg", database.AssignedByUser, 0.95, true)

	report, err := f.svc.Comprehensive(ctx, Options{ResetSyncFlags: true, ResetPersonRefs: true, DryRun: true})
	if err != nil {
		t.Fatalf("Comprehensive failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report must carry the dry-run flag")
	}
	if report.SubjectsDeleted != 1 || report.FacesReset != 1 || report.PersonsReset != 1 {
		t.Errorf("dry run must still count, got %+v", report)
	}

	if len(f.service.subjects) != 1 {
		t.Error("dry run deleted a subject")
	}
	person, _ := f.db.Persons.GetPerson(ctx, aliceID)
	if person.SubjectID != "Alice" || person.LastTrainedAt == nil {
		t.Errorf("dry run mutated the person: %+v", person)
	}
}

func TestPerson_ResetsOnePerson(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	bobID := f.addPerson(t, "Bob", "Bob")
	f.addFace(t, aliceID, "a__face_0.jpg", database.AssignedByUser, 0.95, true)
	f.addFace(t, bobID, "b__face_0.jpg", database.AssignedByUser, 0.95, true)

	report, err := f.svc.Person(ctx, aliceID)
	if err != nil {
		t.Fatalf("Person cleanup failed: %v", err)
	}
	if report.SubjectsDeleted != 1 || report.FacesReset != 1 || report.PersonsReset != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if _, ok := f.service.subjects["Alice"]; ok {
		t.Error("Alice subject still on the service")
	}
	if _, ok := f.service.subjects["Bob"]; !ok {
		t.Error("Bob subject must be untouched")
	}
	bob, _ := f.db.Persons.GetPerson(ctx, bobID)
	if bob.SubjectID != "Bob" {
		t.Errorf("Bob references mutated: %+v", bob)
	}
}

func TestAutoFaces_SmallPersonLosesAllAutoFaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	f.addFace(t, aliceID, "m__face_0.jpg", database.AssignedByUser, 0.95, true)
	autoID := f.addFace(t, aliceID, "auto__face_0.jpg", database.AssignedByAutoRecognition, 0.99, true)
	// Every auto assignment source shares the prefix and is swept alike.
	serviceID := f.addFace(t, aliceID, "svc__face_0.jpg", database.AssignedByAutoCompreface, 0.99, true)

	report, err := f.svc.AutoFaces(ctx, false)
	if err != nil {
		t.Fatalf("AutoFaces failed: %v", err)
	}
	if report.Removed != 2 || len(report.Removals) != 2 {
		t.Fatalf("expected 2 removals, got %+v", report)
	}
	removed := map[int64]bool{}
	for _, r := range report.Removals {
		removed[r.FaceID] = true
	}
	if !removed[autoID] || !removed[serviceID] {
		t.Errorf("wrong faces removed: %+v", report.Removals)
	}
	if len(f.service.deleted) != 2 {
		t.Errorf("service deletion mismatch: %v", f.service.deleted)
	}
	for _, id := range []int64{autoID, serviceID} {
		face, _ := f.db.Faces.GetFace(ctx, id)
		if face.SyncedAt != nil {
			t.Errorf("face %d: local sync flag not cleared", id)
		}
	}
	// The manual face stays.
	if _, ok := f.service.subjects["Alice"]; !ok {
		t.Error("subject must survive auto-face cleanup")
	}
}

func TestAutoFaces_LargePersonKeepsConfidentFaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	for i := range 50 {
		f.addFace(t, aliceID, storage.FaceFilename("manual", i), database.AssignedByUser, 0.95, false)
	}
	keepID := f.addFace(t, aliceID, "keep__face_0.jpg", database.AssignedByAutoRecognition, 0.95, true)
	f.addFace(t, aliceID, "drop__face_0.jpg", database.AssignedByAutoRecognition, 0.85, true)

	report, err := f.svc.AutoFaces(ctx, false)
	if err != nil {
		t.Fatalf("AutoFaces failed: %v", err)
	}
	if report.Removed != 1 || report.Kept != 1 {
		t.Errorf("expected 1 removed 1 kept, got %+v", report)
	}
	if len(f.service.deleted) != 1 || f.service.deleted[0] != "drop__face_0.jpg" {
		t.Errorf("service deletion mismatch: %v", f.service.deleted)
	}
	kept, _ := f.db.Faces.GetFace(ctx, keepID)
	if kept.SyncedAt == nil {
		t.Error("confident auto face must keep its sync flag")
	}
}

func TestAutoFaces_DryRunPreviewsWithReasons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	aliceID := f.addPerson(t, "Alice", "Alice")
	f.addFace(t, aliceID, "auto__face_0.jpg", database.AssignedByAutoRecognition, 0.99, true)

	report, err := f.svc.AutoFaces(ctx, true)
	if err != nil {
		t.Fatalf("AutoFaces failed: %v", err)
	}
	if !report.DryRun || report.Removed != 0 {
		t.Errorf("dry run must not remove, got %+v", report)
	}
	if len(report.Removals) != 1 || report.Removals[0].Reason == "" {
		t.Fatalf("expected a preview with a reason, got %+v", report.Removals)
	}
	if len(f.service.deleted) != 0 {
		t.Error("dry run deleted a service face")
	}
}
