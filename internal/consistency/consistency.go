// Package consistency reconciles the local database with the face service.
// The service can lose state independently (container rebuilds, manual
// deletes), so persons and synced faces are periodically compared and
// repaired.
package consistency

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// FaceService is the slice of the face service client the manager needs.
type FaceService interface {
	ListSubjects(ctx context.Context) ([]string, error)
	AddSubject(ctx context.Context, subject string) error
	AddFace(ctx context.Context, subject string, imageBytes []byte, filename string) (*compreface.AddFaceResponse, error)
	ListFaces(ctx context.Context, subject string) ([]compreface.FaceListItem, error)
}

// Issue kinds reported by EnsureConsistency.
const (
	IssueMissingSubject = "missing_compreface_subject"
	IssueOrphanedFaces  = "orphaned_faces"
)

// Issue is one detected divergence between the database and the service.
type Issue struct {
	PersonID   int64  `json:"person_id"`
	PersonName string `json:"person_name"`
	Kind       string `json:"kind"`
	Detail     string `json:"detail"`
	Repaired   bool   `json:"repaired"`
}

// PersonSyncResult counts the outcome of a person sync pass.
type PersonSyncResult struct {
	Created int
	Updated int
	Errors  []string
}

// FaceSyncResult counts the outcome of a face sync pass.
type FaceSyncResult struct {
	Uploaded int
	Skipped  int
	Errors   []string
}

// Options selects which checks EnsureConsistency runs.
type Options struct {
	CheckPersons bool
	CheckFaces   bool
	AutoRepair   bool
}

// Report is the outcome of one EnsureConsistency pass.
type Report struct {
	Issues   []Issue
	Repaired int
	Errors   []string
}

// Manager reconciles persons and faces with the face service.
type Manager struct {
	db      *database.Stores
	service FaceService
	store   *storage.Store
}

// New creates a consistency manager.
func New(db *database.Stores, service FaceService, store *storage.Store) *Manager {
	return &Manager{db: db, service: service, store: store}
}

// SyncPersons makes sure every person has a live subject on the service.
// A person whose subject id is empty or unknown to the service gets a fresh
// subject created and written back.
func (m *Manager) SyncPersons(ctx context.Context) (*PersonSyncResult, error) {
	persons, err := m.db.Persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	known, err := m.knownSubjects(ctx)
	if err != nil {
		return nil, err
	}

	result := &PersonSyncResult{}
	for i := range persons {
		person := &persons[i]
		if person.SubjectID != "" && known[person.SubjectID] {
			continue
		}
		if err := m.createSubject(ctx, person); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("person %d: %v", person.ID, err))
			continue
		}
		known[person.SubjectID] = true
		result.Created++
		result.Updated++
	}
	return result, nil
}

// SyncFaces uploads every assigned face that is not yet synced, across all
// persons. Missing crop files are skipped, not failed.
func (m *Manager) SyncFaces(ctx context.Context) (*FaceSyncResult, error) {
	persons, err := m.db.Persons.ListPersonsWithUnsyncedFaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons with unsynced faces: %w", err)
	}

	result := &FaceSyncResult{}
	for i := range persons {
		person := &persons[i]
		if person.SubjectID == "" {
			if err := m.createSubject(ctx, person); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("person %d: %v", person.ID, err))
				continue
			}
		}
		m.syncPersonFaces(ctx, person, result)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}
	return result, nil
}

// syncPersonFaces uploads the unsynced assigned faces of one person.
func (m *Manager) syncPersonFaces(ctx context.Context, person *database.Person, result *FaceSyncResult) {
	faces, err := m.db.Faces.ListFacesByPerson(ctx, person.ID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("person %d: list faces: %v", person.ID, err))
		return
	}
	for i := range faces {
		face := &faces[i]
		if face.SyncedAt != nil {
			continue
		}
		m.uploadFace(ctx, person.SubjectID, face, result)
	}
	if err := m.db.Persons.RefreshCounts(ctx, person.ID); err != nil {
		log.Printf("consistency: refresh counts for person %d: %v", person.ID, err)
	}
}

// uploadFace pushes one face crop to the service and flags it synced.
func (m *Manager) uploadFace(ctx context.Context, subject string, face *database.DetectedFace, result *FaceSyncResult) {
	if face.FaceImagePath == "" {
		result.Skipped++
		return
	}
	imageBytes, err := os.ReadFile(m.store.FacePath(face.FaceImagePath))
	if err != nil {
		result.Skipped++
		return
	}
	if _, err := m.service.AddFace(ctx, subject, imageBytes, face.FaceImagePath); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("face %d: upload: %v", face.ID, err))
		return
	}
	if err := m.db.Faces.MarkFaceSynced(ctx, face.ID, time.Now()); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("face %d: mark synced: %v", face.ID, err))
		return
	}
	result.Uploaded++
}

// EnsureConsistency compares the database against the service and reports
// divergences. With AutoRepair set, orphaned faces are re-uploaded.
func (m *Manager) EnsureConsistency(ctx context.Context, opts Options) (*Report, error) {
	persons, err := m.db.Persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	known, err := m.knownSubjects(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	for i := range persons {
		person := &persons[i]

		if opts.CheckPersons && (person.SubjectID == "" || !known[person.SubjectID]) {
			issue := Issue{
				PersonID:   person.ID,
				PersonName: person.Name,
				Kind:       IssueMissingSubject,
				Detail:     fmt.Sprintf("subject %q is unknown to the face service", person.SubjectID),
			}
			if opts.AutoRepair {
				if err := m.createSubject(ctx, person); err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("person %d: %v", person.ID, err))
				} else {
					known[person.SubjectID] = true
					issue.Repaired = true
					report.Repaired++
				}
			}
			report.Issues = append(report.Issues, issue)
		}

		if opts.CheckFaces && person.SubjectID != "" && known[person.SubjectID] {
			m.checkPersonFaces(ctx, person, opts.AutoRepair, report)
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
	}
	return report, nil
}

// checkPersonFaces flags a person whose service-side face count dropped
// below half of the synced faces the database believes it uploaded.
func (m *Manager) checkPersonFaces(ctx context.Context, person *database.Person, repair bool, report *Report) {
	dbSynced, err := m.countSyncedFaces(ctx, person.ID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("person %d: count faces: %v", person.ID, err))
		return
	}
	if dbSynced == 0 {
		return
	}
	serviceFaces, err := m.service.ListFaces(ctx, person.SubjectID)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("person %d: list service faces: %v", person.ID, err))
		return
	}
	if len(serviceFaces)*2 >= dbSynced {
		return
	}

	issue := Issue{
		PersonID:   person.ID,
		PersonName: person.Name,
		Kind:       IssueOrphanedFaces,
		Detail:     fmt.Sprintf("service holds %d faces, database has %d synced", len(serviceFaces), dbSynced),
	}
	if repair {
		if err := m.db.Faces.ClearSyncForPerson(ctx, person.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("person %d: clear sync flags: %v", person.ID, err))
		} else {
			sync := &FaceSyncResult{}
			m.syncPersonFaces(ctx, person, sync)
			report.Errors = append(report.Errors, sync.Errors...)
			if sync.Uploaded > 0 {
				issue.Repaired = true
				report.Repaired++
			}
		}
	}
	report.Issues = append(report.Issues, issue)
}

// QuickConsistencyCheck compares one person's synced-face count against the
// service and warns when the gap exceeds 2 in either direction.
func (m *Manager) QuickConsistencyCheck(ctx context.Context, personID int64) (gap int, warn bool, err error) {
	person, err := m.db.Persons.GetPerson(ctx, personID)
	if err != nil {
		return 0, false, fmt.Errorf("load person %d: %w", personID, err)
	}
	if person.SubjectID == "" {
		return 0, false, nil
	}
	dbSynced, err := m.countSyncedFaces(ctx, personID)
	if err != nil {
		return 0, false, err
	}
	serviceFaces, err := m.service.ListFaces(ctx, person.SubjectID)
	if err != nil {
		return 0, false, fmt.Errorf("list service faces: %w", err)
	}

	gap = dbSynced - len(serviceFaces)
	if gap < 0 {
		gap = -gap
	}
	if gap > 2 {
		log.Printf("consistency: person %d (%s): synced-face gap of %d (db %d, service %d)",
			person.ID, person.Name, gap, dbSynced, len(serviceFaces))
		return gap, true, nil
	}
	return gap, false, nil
}

// createSubject provisions a subject named after the person and writes the
// id back.
func (m *Manager) createSubject(ctx context.Context, person *database.Person) error {
	subject := person.Name
	if err := m.service.AddSubject(ctx, subject); err != nil {
		return fmt.Errorf("create subject %q: %w", subject, err)
	}
	person.SubjectID = subject
	if err := m.db.Persons.UpdatePerson(ctx, person); err != nil {
		return fmt.Errorf("write back subject id: %w", err)
	}
	return nil
}

func (m *Manager) knownSubjects(ctx context.Context) (map[string]bool, error) {
	subjects, err := m.service.ListSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	known := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		known[s] = true
	}
	return known, nil
}

func (m *Manager) countSyncedFaces(ctx context.Context, personID int64) (int, error) {
	faces, err := m.db.Faces.ListFacesByPerson(ctx, personID)
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
