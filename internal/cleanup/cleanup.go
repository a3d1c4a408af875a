// Package cleanup removes face-service state and resets local sync
// bookkeeping. All operations aggregate per-item failures instead of
// aborting, and support a dry run that mutates nothing.
package cleanup

import (
	"context"
	"fmt"
	"strings"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// FaceService is the slice of the face service client cleanup needs.
type FaceService interface {
	ListSubjects(ctx context.Context) ([]string, error)
	DeleteSubject(ctx context.Context, subject string) error
	ListFaces(ctx context.Context, subject string) ([]compreface.FaceListItem, error)
	DeleteFace(ctx context.Context, imageID string) error
}

// Options controls what a comprehensive cleanup touches.
type Options struct {
	// ResetSyncFlags clears compreface_synced and uploaded_at on every
	// face currently flagged.
	ResetSyncFlags bool
	// ResetPersonRefs nulls subject_id and last_trained_at on every person.
	ResetPersonRefs bool
	// DryRun reports counts without mutating anything.
	DryRun bool
}

// Report is the outcome of a cleanup pass.
type Report struct {
	SubjectsDeleted int      `json:"subjects_deleted"`
	FacesReset      int      `json:"faces_reset"`
	PersonsReset    int      `json:"persons_reset"`
	DryRun          bool     `json:"dry_run"`
	Errors          []string `json:"errors,omitempty"`
}

// FaceRemoval is one auto-assigned face scheduled for service removal.
type FaceRemoval struct {
	FaceID     int64   `json:"face_id"`
	PersonID   int64   `json:"person_id"`
	PersonName string  `json:"person_name"`
	Filename   string  `json:"filename"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// AutoFaceReport is the outcome of an auto-face cleanup pass.
type AutoFaceReport struct {
	Removals []FaceRemoval `json:"removals"`
	Removed  int           `json:"removed"`
	Kept     int           `json:"kept"`
	DryRun   bool          `json:"dry_run"`
	Errors   []string      `json:"errors,omitempty"`
}

// Service performs face-service cleanup.
type Service struct {
	db      *database.Stores
	service FaceService
	store   *storage.Store
}

// New creates a cleanup service.
func New(db *database.Stores, service FaceService, store *storage.Store) *Service {
	return &Service{db: db, service: service, store: store}
}

// Comprehensive deletes every subject from the face service and optionally
// resets local sync flags and person references.
func (s *Service) Comprehensive(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	subjects, err := s.service.ListSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	for _, subject := range subjects {
		if opts.DryRun {
			report.SubjectsDeleted++
			continue
		}
		if err := s.service.DeleteSubject(ctx, subject); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete subject %q: %v", subject, err))
			continue
		}
		report.SubjectsDeleted++
	}

	persons, err := s.db.Persons.ListPersons(ctx)
	if err != nil {
		return report, fmt.Errorf("list persons: %w", err)
	}
	for i := range persons {
		person := &persons[i]

		if opts.ResetSyncFlags {
			synced, err := s.countSyncedFaces(ctx, person.ID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("person %d: count faces: %v", person.ID, err))
			} else if synced > 0 {
				if !opts.DryRun {
					if err := s.db.Faces.ClearSyncForPerson(ctx, person.ID); err != nil {
						report.Errors = append(report.Errors, fmt.Sprintf("person %d: clear sync: %v", person.ID, err))
						continue
					}
				}
				report.FacesReset += synced
			}
		}

		if opts.ResetPersonRefs && (person.SubjectID != "" || person.LastTrainedAt != nil) {
			if !opts.DryRun {
				person.SubjectID = ""
				person.LastTrainedAt = nil
				person.RecognitionStatus = database.RecognitionUntrained
				if err := s.db.Persons.UpdatePerson(ctx, person); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("person %d: reset refs: %v", person.ID, err))
					continue
				}
			}
			report.PersonsReset++
		}
	}
	return report, nil
}

// Person deletes one person's subject and resets its references and face
// sync flags.
func (s *Service) Person(ctx context.Context, personID int64) (*Report, error) {
	person, err := s.db.Persons.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("load person %d: %w", personID, err)
	}

	report := &Report{}
	if person.SubjectID != "" {
		if err := s.service.DeleteSubject(ctx, person.SubjectID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete subject %q: %v", person.SubjectID, err))
		} else {
			report.SubjectsDeleted++
		}
	}

	synced, err := s.countSyncedFaces(ctx, personID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("count faces: %v", err))
	} else if synced > 0 {
		if err := s.db.Faces.ClearSyncForPerson(ctx, personID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("clear sync: %v", err))
		} else {
			report.FacesReset = synced
		}
	}

	person.SubjectID = ""
	person.LastTrainedAt = nil
	person.RecognitionStatus = database.RecognitionUntrained
	if err := s.db.Persons.UpdatePerson(ctx, person); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("reset person refs: %v", err))
	} else {
		report.PersonsReset = 1
	}
	return report, nil
}

// AutoFaces removes auto-assigned synced faces from the face service.
// Persons with a large manually-verified base keep their high-confidence
// auto faces; everyone else loses all auto-assigned uploads. The report
// always carries the per-face reasons, dry run or not.
func (s *Service) AutoFaces(ctx context.Context, dryRun bool) (*AutoFaceReport, error) {
	persons, err := s.db.Persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}

	report := &AutoFaceReport{DryRun: dryRun}
	for i := range persons {
		person := &persons[i]
		if person.SubjectID == "" {
			continue
		}
		if err := s.cleanPersonAutoFaces(ctx, person, dryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("person %d: %v", person.ID, err))
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}
	return report, nil
}

// cleanPersonAutoFaces applies the retention policy to one person.
func (s *Service) cleanPersonAutoFaces(ctx context.Context, person *database.Person, dryRun bool, report *AutoFaceReport) error {
	manual, err := s.db.Faces.CountManualFaces(ctx, person.ID)
	if err != nil {
		return fmt.Errorf("count manual faces: %w", err)
	}

	// With a large verified base, keep confident auto faces; otherwise
	// every auto-assigned upload goes.
	keepConfident := manual >= constants.ManualFaceRetentionThreshold
	reason := fmt.Sprintf("person has only %d manually verified faces", manual)
	if keepConfident {
		reason = fmt.Sprintf("detection confidence below %.2f", constants.AutoFaceKeepConfidence)
	}

	faces, err := s.db.Faces.ListAutoFacesBelow(ctx, person.ID, 1.01)
	if err != nil {
		return fmt.Errorf("list auto faces: %w", err)
	}

	var remove []database.DetectedFace
	for _, face := range faces {
		if face.SyncedAt == nil {
			continue
		}
		if keepConfident && face.DetectionConfidence >= constants.AutoFaceKeepConfidence {
			report.Kept++
			continue
		}
		remove = append(remove, face)
	}

	var serviceFaces []compreface.FaceListItem
	if !dryRun && len(remove) > 0 {
		serviceFaces, err = s.service.ListFaces(ctx, person.SubjectID)
		if err != nil {
			return fmt.Errorf("list service faces: %w", err)
		}
	}

	for j := range remove {
		face := &remove[j]
		removal := FaceRemoval{
			FaceID:     face.ID,
			PersonID:   person.ID,
			PersonName: person.Name,
			Filename:   face.FaceImagePath,
			Confidence: face.DetectionConfidence,
			Reason:     reason,
		}
		report.Removals = append(report.Removals, removal)
		if dryRun {
			continue
		}
		if err := s.removeServiceFace(ctx, face, serviceFaces); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("face %d: %v", face.ID, err))
			continue
		}
		if err := s.db.Faces.ClearFaceSync(ctx, face.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("face %d: clear sync: %v", face.ID, err))
			continue
		}
		report.Removed++
	}
	return nil
}

// removeServiceFace deletes the service-side copy of a face, matched by the
// image stem encoded in the crop filename.
func (s *Service) removeServiceFace(ctx context.Context, face *database.DetectedFace, serviceFaces []compreface.FaceListItem) error {
	stem, ok := storage.ImageStemFromFaceFilename(face.FaceImagePath)
	if !ok {
		return fmt.Errorf("filename %q does not encode an image stem", face.FaceImagePath)
	}
	for _, item := range serviceFaces {
		if strings.Contains(item.ImageID, stem) {
			return s.service.DeleteFace(ctx, item.ImageID)
		}
	}
	// Already gone on the service side; only the local flag is stale.
	return nil
}

func (s *Service) countSyncedFaces(ctx context.Context, personID int64) (int, error) {
	faces, err := s.db.Faces.ListFacesByPerson(ctx, personID)
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, f := range faces {
		if f.SyncedAt != nil {
			synced++
		}
	}
	return synced, nil
}
