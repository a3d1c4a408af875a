// Package trainer uploads user-verified faces to the face service so a
// person becomes recognizable. Only manually assigned, not-yet-synced faces
// are eligible; every upload attempt is recorded in the training log.
package trainer

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// FaceUploader is the slice of the face service client the trainer needs.
type FaceUploader interface {
	AddSubject(ctx context.Context, subject string) error
	AddFace(ctx context.Context, subject string, imageBytes []byte, filename string) (*compreface.AddFaceResponse, error)
}

// Result summarizes one training run.
type Result struct {
	PersonID  int64
	SubjectID string
	Uploaded  int
	Skipped   int
	Errors    []string
}

// Trainer runs selective training for single persons.
type Trainer struct {
	db      *database.Stores
	service FaceUploader
	store   *storage.Store
	cfg     *config.FaceRecognitionConfig

	// uploadDelay paces uploads so the face service is not flooded.
	uploadDelay time.Duration
}

// New creates a trainer.
func New(db *database.Stores, service FaceUploader, store *storage.Store, cfg *config.FaceRecognitionConfig) *Trainer {
	return &Trainer{
		db:          db,
		service:     service,
		store:       store,
		cfg:         cfg,
		uploadDelay: constants.TrainingUploadDelayMs * time.Millisecond,
	}
}

// TrainPerson uploads the person's eligible faces: manually assigned and
// not yet synced, optionally capped by maxFacesPerPerson. The person ends
// trained when at least one face uploaded, failed otherwise.
func (t *Trainer) TrainPerson(ctx context.Context, personID int64) (*Result, error) {
	person, err := t.db.Persons.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("load person %d: %w", personID, err)
	}

	faces, err := t.db.Faces.ListUnsyncedManualFaces(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("list eligible faces: %w", err)
	}
	if max := t.cfg.MaxFacesPerPerson; max > 0 && len(faces) > max {
		faces = faces[:max]
	}

	subject, err := t.ensureSubject(ctx, person)
	if err != nil {
		return nil, err
	}

	result := &Result{PersonID: personID, SubjectID: subject}

	runID, err := t.db.Training.CreateRun(ctx, &database.TrainingRun{
		PersonID:       personID,
		FacesAttempted: len(faces),
	})
	if err != nil {
		return nil, fmt.Errorf("open training run: %w", err)
	}

	for i, face := range faces {
		if i > 0 && t.uploadDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(t.uploadDelay):
			}
		}
		t.uploadFace(ctx, runID, person, subject, &face, result)
	}

	status := database.RecognitionTrained
	if result.Uploaded == 0 {
		status = database.RecognitionFailed
	}
	if err := t.db.Persons.SetRecognitionStatus(ctx, personID, status); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("set recognition status: %v", err))
	}
	if result.Uploaded > 0 {
		person.TrainedFaceCount += result.Uploaded
		person.RecognitionStatus = status
		person.SubjectID = subject
		if err := t.db.Persons.UpdatePerson(ctx, person); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("update trained face count: %v", err))
		}
	}

	run := &database.TrainingRun{
		ID:             runID,
		PersonID:       personID,
		FacesAttempted: len(faces),
		FacesSucceeded: result.Uploaded,
		FacesFailed:    len(faces) - result.Uploaded - result.Skipped,
		Status:         status,
	}
	if len(result.Errors) > 0 {
		run.ErrorMessage = result.Errors[0]
	}
	if err := t.db.Training.CompleteRun(ctx, run); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("close training run: %v", err))
	}

	return result, nil
}

// ensureSubject guarantees the person has a subject on the face service,
// creating one named after the person and writing the id back.
func (t *Trainer) ensureSubject(ctx context.Context, person *database.Person) (string, error) {
	if person.SubjectID != "" {
		return person.SubjectID, nil
	}

	subject := person.Name
	if err := t.service.AddSubject(ctx, subject); err != nil {
		return "", fmt.Errorf("create subject %q: %w", subject, err)
	}

	person.SubjectID = subject
	person.RecognitionStatus = database.RecognitionTraining
	if err := t.db.Persons.UpdatePerson(ctx, person); err != nil {
		return "", fmt.Errorf("write back subject id: %w", err)
	}
	if err := t.db.Persons.SetRecognitionStatus(ctx, person.ID, database.RecognitionTraining); err != nil {
		return "", fmt.Errorf("mark person training: %w", err)
	}
	return subject, nil
}

// uploadFace uploads one face crop, logging the attempt either way. Faces
// whose crop file is missing are skipped, not failed.
func (t *Trainer) uploadFace(ctx context.Context, runID int64, person *database.Person, subject string, face *database.DetectedFace, result *Result) {
	logID, err := t.db.Training.AppendLog(ctx, &database.TrainingLogEntry{
		RunID:    runID,
		PersonID: person.ID,
		FaceID:   face.ID,
		Status:   database.TrainingLogUploading,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("face %d: log attempt: %v", face.ID, err))
		return
	}

	if face.FaceImagePath == "" {
		result.Skipped++
		t.logOutcome(ctx, logID, database.TrainingLogFailed, "no face crop recorded", nil)
		return
	}

	path := t.store.FacePath(face.FaceImagePath)
	imageBytes, err := os.ReadFile(path)
	if err != nil {
		result.Skipped++
		t.logOutcome(ctx, logID, database.TrainingLogFailed, fmt.Sprintf("crop file missing: %v", err), nil)
		return
	}

	if _, err := t.service.AddFace(ctx, subject, imageBytes, face.FaceImagePath); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("face %d: upload: %v", face.ID, err))
		t.logOutcome(ctx, logID, database.TrainingLogFailed, err.Error(), nil)
		return
	}

	now := time.Now()
	if err := t.db.Faces.MarkFaceSynced(ctx, face.ID, now); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("face %d: mark synced: %v", face.ID, err))
		return
	}
	result.Uploaded++
	t.logOutcome(ctx, logID, database.TrainingLogSuccess, "", &now)
}

func (t *Trainer) logOutcome(ctx context.Context, logID int64, status, message string, uploadedAt *time.Time) {
	// Log bookkeeping failures never abort training.
	_ = t.db.Training.UpdateLogStatus(ctx, logID, status, message, uploadedAt)
}
