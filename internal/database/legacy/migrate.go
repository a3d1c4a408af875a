package legacy

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// migrateBatchSize is the legacy image page size.
const migrateBatchSize = 200

// Report summarizes one migration run.
type Report struct {
	PersonsCreated   int      `json:"persons_created"`
	PersonsMatched   int      `json:"persons_matched"`
	ImagesImported   int      `json:"images_imported"`
	DuplicatesLinked int      `json:"duplicates_linked"`
	ImagesSkipped    int      `json:"images_skipped"`
	FacesImported    int      `json:"faces_imported"`
	FacesAssigned    int      `json:"faces_assigned"`
	Errors           []string `json:"errors,omitempty"`
}

// Migrator copies the legacy database into the current schema. Files are
// re-hashed into the content-addressed layout; legacy ids are kept on the
// imported rows so a migration can be resumed without duplicating work.
type Migrator struct {
	src   Reader
	db    *database.Stores
	store *storage.Store
}

// NewMigrator wires a migrator over a legacy reader and the target stores.
func NewMigrator(src Reader, db *database.Stores, store *storage.Store) *Migrator {
	return &Migrator{src: src, db: db, store: store}
}

// Run migrates persons, then images with their face assignments. progress
// is called per imported image and may be nil.
func (m *Migrator) Run(ctx context.Context, progress func(imported int)) (*Report, error) {
	report := &Report{}

	personMap, err := m.migratePersons(ctx, report)
	if err != nil {
		return report, err
	}

	offset := 0
	for {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		images, err := m.src.Images(ctx, migrateBatchSize, offset)
		if err != nil {
			return report, fmt.Errorf("read legacy images: %w", err)
		}
		if len(images) == 0 {
			break
		}
		offset += len(images)

		for _, legacyImg := range images {
			if err := m.migrateImage(ctx, &legacyImg, personMap, report); err != nil {
				report.ImagesSkipped++
				report.Errors = append(report.Errors,
					fmt.Sprintf("legacy image %d (%s): %v", legacyImg.ID, legacyImg.Path, err))
				continue
			}
			if progress != nil {
				progress(report.ImagesImported + report.DuplicatesLinked)
			}
		}
	}

	for _, personID := range personMap {
		if err := m.db.Persons.RefreshCounts(ctx, personID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("refresh person %d: %v", personID, err))
		}
	}
	return report, nil
}

// migratePersons imports legacy persons, matching existing persons by name,
// and returns the legacy id to current id mapping.
func (m *Migrator) migratePersons(ctx context.Context, report *Report) (map[int64]int64, error) {
	existing, err := m.db.Persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	byName := make(map[string]int64, len(existing))
	for _, p := range existing {
		byName[p.Name] = p.ID
	}

	legacyPersons, err := m.src.Persons(ctx)
	if err != nil {
		return nil, fmt.Errorf("read legacy persons: %w", err)
	}

	personMap := make(map[int64]int64, len(legacyPersons))
	for _, lp := range legacyPersons {
		if id, ok := byName[lp.Name]; ok {
			personMap[lp.ID] = id
			report.PersonsMatched++
			continue
		}
		person := &database.Person{
			Name:              lp.Name,
			RecognitionStatus: database.RecognitionUntrained,
			AutoRecognize:     true,
		}
		id, err := m.db.Persons.CreatePerson(ctx, person)
		if err != nil {
			return nil, fmt.Errorf("create person %q: %w", lp.Name, err)
		}
		byName[lp.Name] = id
		personMap[lp.ID] = id
		report.PersonsCreated++
	}
	return personMap, nil
}

// migrateImage re-hashes one legacy file into the content store and imports
// its face assignments. Files already imported (by hash or legacy id) are
// only linked, never copied twice.
func (m *Migrator) migrateImage(ctx context.Context, legacyImg *Image, personMap map[int64]int64, report *Report) error {
	stat, err := os.Stat(legacyImg.Path)
	if err != nil {
		return fmt.Errorf("source file missing: %w", err)
	}

	takenAt := stat.ModTime()
	source := "FileModTime"
	if legacyImg.DateTaken != nil {
		takenAt = *legacyImg.DateTaken
		source = "LegacyDateTaken"
	}

	info, err := m.store.Generate(legacyImg.Path, takenAt)
	if err != nil {
		return fmt.Errorf("hash source file: %w", err)
	}

	if existingID, found, err := m.db.Images.FindImageIDByHash(ctx, info.Hash); err != nil {
		return fmt.Errorf("duplicate lookup: %w", err)
	} else if found {
		return m.linkDuplicate(ctx, existingID, legacyImg, personMap, report)
	}

	if err := m.store.CopyToOrganized(legacyImg.Path, info); err != nil {
		return fmt.Errorf("copy into media store: %w", err)
	}

	legacyID := legacyImg.ID
	img := &database.Image{
		Filename:          info.HashedFilename,
		OriginalPath:      legacyImg.Path,
		RelativeMediaPath: info.RelativePath,
		FileHash:          info.Hash,
		FileSize:          info.Size,
		MimeType:          mimeTypeFor(legacyImg.Path),
		DateTaken:         &takenAt,
		DateTakenSource:   source,
		LegacyID:          &legacyID,
	}
	imageID, err := m.db.Images.CreateImage(ctx, img)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	report.ImagesImported++

	return m.migrateFaces(ctx, imageID, legacyImg.ID, personMap, report)
}

// linkDuplicate stamps the legacy id on an image that already exists and
// still imports any face assignments the current side is missing.
func (m *Migrator) linkDuplicate(ctx context.Context, imageID int64, legacyImg *Image, personMap map[int64]int64, report *Report) error {
	img, err := m.db.Images.GetImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load duplicate image: %w", err)
	}
	if img.LegacyID == nil {
		legacyID := legacyImg.ID
		img.LegacyID = &legacyID
		if err := m.db.Images.UpdateImage(ctx, img); err != nil {
			return fmt.Errorf("link legacy id: %w", err)
		}
	}
	report.DuplicatesLinked++

	faces, err := m.db.Faces.GetFacesByImage(ctx, imageID)
	if err != nil {
		return fmt.Errorf("load faces: %w", err)
	}
	if len(faces) > 0 {
		// The current side already detected faces here; keep its data.
		return nil
	}
	return m.migrateFaces(ctx, imageID, legacyImg.ID, personMap, report)
}

// migrateFaces imports legacy face boxes as detected faces and replays
// person assignments as user assignments.
func (m *Migrator) migrateFaces(ctx context.Context, imageID, legacyImageID int64, personMap map[int64]int64, report *Report) error {
	legacyFaces, err := m.src.Faces(ctx, legacyImageID)
	if err != nil {
		return fmt.Errorf("read legacy faces: %w", err)
	}
	if len(legacyFaces) == 0 {
		return nil
	}

	faces := make([]database.DetectedFace, len(legacyFaces))
	for i, lf := range legacyFaces {
		faces[i] = database.DetectedFace{
			ImageID:             imageID,
			XMin:                lf.XMin,
			YMin:                lf.YMin,
			XMax:                lf.XMax,
			YMax:                lf.YMax,
			DetectionConfidence: lf.Confidence,
		}
	}
	faceIDs, err := m.db.Faces.SaveFaces(ctx, imageID, faces)
	if err != nil {
		return fmt.Errorf("save faces: %w", err)
	}
	report.FacesImported += len(faceIDs)

	for i, lf := range legacyFaces {
		if lf.PersonID == nil {
			continue
		}
		personID, ok := personMap[*lf.PersonID]
		if !ok {
			report.Errors = append(report.Errors,
				fmt.Sprintf("legacy face %d references unknown person %d", lf.ID, *lf.PersonID))
			continue
		}
		if err := m.db.Faces.AssignFace(ctx, faceIDs[i], personID, 1.0, database.AssignedByUser, ""); err != nil {
			return fmt.Errorf("assign face: %w", err)
		}
		report.FacesAssigned++
	}
	return nil
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
