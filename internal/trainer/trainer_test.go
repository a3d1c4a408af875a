package trainer

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

type fakeUploader struct {
	subjects   map[string]bool
	uploads    map[string]int
	addFaceErr error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{subjects: make(map[string]bool), uploads: make(map[string]int)}
}

func (f *fakeUploader) AddSubject(ctx context.Context, subject string) error {
	f.subjects[subject] = true
	return nil
}

func (f *fakeUploader) AddFace(ctx context.Context, subject string, imageBytes []byte, filename string) (*compreface.AddFaceResponse, error) {
	if f.addFaceErr != nil {
		return nil, f.addFaceErr
	}
	f.uploads[subject]++
	return &compreface.AddFaceResponse{ImageID: filename, Subject: subject}, nil
}

type fixture struct {
	db       *database.Stores
	store    *storage.Store
	uploader *fakeUploader
	trainer  *Trainer
	personID int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := mock.NewStores()
	processedDir := t.TempDir()
	store := storage.NewStore(processedDir, "YYYY/MM", nil)
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	uploader := newFakeUploader()
	cfg := &config.FaceRecognitionConfig{MinFacesThreshold: 3, TrainingIntervalHours: 24}
	tr := New(db, uploader, store, cfg)
	tr.uploadDelay = 0

	personID, err := db.Persons.CreatePerson(context.Background(), &database.Person{
		Name:              "Alice",
		RecognitionStatus: database.RecognitionUntrained,
	})
	if err != nil {
		t.Fatalf("create person: %v", err)
	}

	return &fixture{db: db, store: store, uploader: uploader, trainer: tr, personID: personID}
}

// addManualFace persists a user-assigned face with a crop file on disk.
func (f *fixture) addManualFace(t *testing.T, name string) int64 {
	t.Helper()
	ctx := context.Background()

	imageID, err := f.db.Images.CreateImage(ctx, &database.Image{Filename: name, FileHash: name})
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	ids, err := f.db.Faces.SaveFaces(ctx, imageID, []database.DetectedFace{{
		FaceImagePath:       name,
		DetectionConfidence: 0.95,
	}})
	if err != nil {
		t.Fatalf("save face: %v", err)
	}
	if err := f.db.Faces.AssignFace(ctx, ids[0], f.personID, 1.0, database.AssignedByUser, ""); err != nil {
		t.Fatalf("assign face: %v", err)
	}
	if err := os.WriteFile(f.store.FacePath(name), []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write crop: %v", err)
	}
	return ids[0]
}

func TestTrainPerson_UploadsEligibleFaces(t *testing.T) {
	f := newFixture(t)
	faceA := f.addManualFace(t, "a__face_0.jpg")
	f.addManualFace(t, "b__face_0.jpg")

	result, err := f.trainer.TrainPerson(context.Background(), f.personID)
	if err != nil {
		t.Fatalf("TrainPerson failed: %v", err)
	}

	if result.Uploaded != 2 || result.Skipped != 0 {
		t.Errorf("expected 2 uploads, got %+v", result)
	}
	if result.SubjectID != "Alice" {
		t.Errorf("expected subject Alice, got %q", result.SubjectID)
	}
	if !f.uploader.subjects["Alice"] {
		t.Error("subject was not created on the service")
	}
	if f.uploader.uploads["Alice"] != 2 {
		t.Errorf("expected 2 service uploads, got %d", f.uploader.uploads["Alice"])
	}

	person, err := f.db.Persons.GetPerson(context.Background(), f.personID)
	if err != nil {
		t.Fatalf("get person: %v", err)
	}
	if person.RecognitionStatus != database.RecognitionTrained {
		t.Errorf("expected trained, got %s", person.RecognitionStatus)
	}
	if person.SubjectID != "Alice" {
		t.Errorf("subject id not written back: %q", person.SubjectID)
	}

	face, err := f.db.Faces.GetFace(context.Background(), faceA)
	if err != nil {
		t.Fatalf("get face: %v", err)
	}
	if face.SyncedAt == nil {
		t.Error("uploaded face not marked synced")
	}

	runs, err := f.db.Training.ListRuns(context.Background(), f.personID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].FacesSucceeded != 2 {
		t.Errorf("unexpected training runs: %+v", runs)
	}
	entries, err := f.db.Training.ListLog(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("list log: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Status != database.TrainingLogSuccess {
			t.Errorf("expected success log entry, got %+v", entry)
		}
	}
}

func TestTrainPerson_SecondRunUploadsNothing(t *testing.T) {
	f := newFixture(t)
	f.addManualFace(t, "a__face_0.jpg")

	if _, err := f.trainer.TrainPerson(context.Background(), f.personID); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	result, err := f.trainer.TrainPerson(context.Background(), f.personID)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.Uploaded != 0 {
		t.Errorf("synced faces must not re-upload, got %d", result.Uploaded)
	}
}

func TestTrainPerson_MissingCropIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.addManualFace(t, "a__face_0.jpg")
	// Second face has a recorded path but no file on disk.
	ctx := context.Background()
	imageID, _ := f.db.Images.CreateImage(ctx, &database.Image{Filename: "gone", FileHash: "gone"})
	ids, _ := f.db.Faces.SaveFaces(ctx, imageID, []database.DetectedFace{{FaceImagePath: "gone__face_0.jpg"}})
	if err := f.db.Faces.AssignFace(ctx, ids[0], f.personID, 1.0, database.AssignedByUser, ""); err != nil {
		t.Fatalf("assign face: %v", err)
	}

	result, err := f.trainer.TrainPerson(ctx, f.personID)
	if err != nil {
		t.Fatalf("TrainPerson failed: %v", err)
	}
	if result.Uploaded != 1 || result.Skipped != 1 {
		t.Errorf("expected 1 uploaded 1 skipped, got %+v", result)
	}
}

func TestTrainPerson_UploadErrorsEndFailed(t *testing.T) {
	f := newFixture(t)
	f.addManualFace(t, "a__face_0.jpg")
	f.uploader.addFaceErr = errors.New("service unavailable")

	result, err := f.trainer.TrainPerson(context.Background(), f.personID)
	if err != nil {
		t.Fatalf("TrainPerson failed: %v", err)
	}
	if result.Uploaded != 0 || len(result.Errors) == 0 {
		t.Errorf("expected upload errors, got %+v", result)
	}

	person, _ := f.db.Persons.GetPerson(context.Background(), f.personID)
	if person.RecognitionStatus != database.RecognitionFailed {
		t.Errorf("expected failed, got %s", person.RecognitionStatus)
	}
}

func TestTrainPerson_MaxFacesCap(t *testing.T) {
	f := newFixture(t)
	f.trainer.cfg.MaxFacesPerPerson = 2
	for _, name := range []string{"a__face_0.jpg", "b__face_0.jpg", "c__face_0.jpg"} {
		f.addManualFace(t, name)
	}

	result, err := f.trainer.TrainPerson(context.Background(), f.personID)
	if err != nil {
		t.Fatalf("TrainPerson failed: %v", err)
	}
	if result.Uploaded != 2 {
		t.Errorf("expected cap of 2 uploads, got %d", result.Uploaded)
	}
}

func TestQueue_RefusesDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"a__face_0.jpg", "b__face_0.jpg", "c__face_0.jpg"} {
		f.addManualFace(t, name)
	}
	if err := f.db.Persons.RefreshCounts(ctx, f.personID); err != nil {
		t.Fatalf("refresh counts: %v", err)
	}
	queue := NewQueue(f.trainer)

	if err := queue.Enqueue(ctx, f.personID, TrainManual); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := queue.Enqueue(ctx, f.personID, TrainManual); err == nil {
		t.Error("expected duplicate enqueue to be refused")
	}
}

func TestQueue_RefusesBelowFaceThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Two faces against a threshold of three.
	f.addManualFace(t, "a__face_0.jpg")
	f.addManualFace(t, "b__face_0.jpg")
	if err := f.db.Persons.RefreshCounts(ctx, f.personID); err != nil {
		t.Fatalf("refresh counts: %v", err)
	}
	queue := NewQueue(f.trainer)

	err := queue.Enqueue(ctx, f.personID, TrainManual)
	if !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid-input refusal, got %v", err)
	}

	f.trainer.cfg.MinFacesThreshold = 2
	if err := queue.Enqueue(ctx, f.personID, TrainManual); err != nil {
		t.Errorf("enqueue at the threshold failed: %v", err)
	}
	if queue.Pending() != 1 {
		t.Errorf("expected 1 pending job, got %d", queue.Pending())
	}
}

func TestQueue_ProcessRunsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addManualFace(t, "a__face_0.jpg")
	if err := f.db.Persons.RefreshCounts(ctx, f.personID); err != nil {
		t.Fatalf("refresh counts: %v", err)
	}
	f.trainer.cfg.MinFacesThreshold = 1
	queue := NewQueue(f.trainer)

	if err := queue.Enqueue(ctx, f.personID, TrainManual); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ran, err := queue.Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if ran != 1 {
		t.Errorf("expected 1 job run, got %d", ran)
	}
	if queue.Pending() != 0 {
		t.Errorf("expected empty queue, got %d pending", queue.Pending())
	}

	// After completion the person may be queued again.
	if err := queue.Enqueue(ctx, f.personID, TrainRetrain); err != nil {
		t.Errorf("re-enqueue after completion failed: %v", err)
	}
}

func TestAutoEnqueue_Policy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Eligible: enough faces, untrained.
	for _, name := range []string{"a__face_0.jpg", "b__face_0.jpg", "c__face_0.jpg"} {
		f.addManualFace(t, name)
	}
	if err := f.db.Persons.RefreshCounts(ctx, f.personID); err != nil {
		t.Fatalf("refresh counts: %v", err)
	}

	// Ineligible: too few faces.
	sparseID, _ := f.db.Persons.CreatePerson(ctx, &database.Person{
		Name:              "Bob",
		RecognitionStatus: database.RecognitionUntrained,
	})

	// Ineligible: trained recently.
	recent := time.Now().Add(-time.Hour)
	freshID, _ := f.db.Persons.CreatePerson(ctx, &database.Person{
		Name:              "Carol",
		FaceCount:         10,
		RecognitionStatus: database.RecognitionTrained,
		LastTrainedAt:     &recent,
	})

	// Eligible: trained long ago.
	stale := time.Now().Add(-48 * time.Hour)
	staleID, _ := f.db.Persons.CreatePerson(ctx, &database.Person{
		Name:              "Dave",
		FaceCount:         10,
		RecognitionStatus: database.RecognitionTrained,
		LastTrainedAt:     &stale,
	})

	queue := NewQueue(f.trainer)
	queued, err := queue.AutoEnqueue(ctx)
	if err != nil {
		t.Fatalf("AutoEnqueue failed: %v", err)
	}
	if queued != 2 {
		t.Errorf("expected 2 queued persons, got %d", queued)
	}
	if queue.hasActive(sparseID) || queue.hasActive(freshID) {
		t.Error("ineligible person was queued")
	}
	if !queue.hasActive(f.personID) || !queue.hasActive(staleID) {
		t.Error("eligible person was not queued")
	}
}
