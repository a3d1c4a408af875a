package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

type fakeReader struct {
	persons []Person
	images  []Image
	faces   map[int64][]Face
}

func (f *fakeReader) Persons(ctx context.Context) ([]Person, error) { return f.persons, nil }

func (f *fakeReader) Images(ctx context.Context, limit, offset int) ([]Image, error) {
	if offset >= len(f.images) {
		return nil, nil
	}
	page := f.images[offset:]
	if limit < len(page) {
		page = page[:limit]
	}
	return page, nil
}

func (f *fakeReader) Faces(ctx context.Context, imageID int64) ([]Face, error) {
	return f.faces[imageID], nil
}

func (f *fakeReader) Close() error { return nil }

func writeSourceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newFixture(t *testing.T, src Reader) (*Migrator, *database.Stores, *storage.Store) {
	t.Helper()
	db := mock.NewStores()
	store := storage.NewStore(t.TempDir(), "YYYY/MM", nil)
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return NewMigrator(src, db, store), db, store
}

func TestRun_ImportsPersonsImagesAndFaces(t *testing.T) {
	srcDir := t.TempDir()
	taken := time.Date(2019, 7, 14, 12, 0, 0, 0, time.UTC)
	pathA := writeSourceFile(t, srcDir, "beach.jpg", "jpeg-bytes-a")
	pathB := writeSourceFile(t, srcDir, "party.jpg", "jpeg-bytes-b")

	alicePtr := int64(1)
	src := &fakeReader{
		persons: []Person{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}},
		images: []Image{
			{ID: 11, Filename: "beach.jpg", Path: pathA, DateTaken: &taken},
			{ID: 12, Filename: "party.jpg", Path: pathB},
			{ID: 13, Filename: "gone.jpg", Path: filepath.Join(srcDir, "gone.jpg")},
		},
		faces: map[int64][]Face{
			11: {
				{ID: 101, ImageID: 11, PersonID: &alicePtr, XMin: 10, YMin: 10, XMax: 90, YMax: 110, Confidence: 0.97},
				{ID: 102, ImageID: 11, XMin: 200, YMin: 40, XMax: 260, YMax: 120, Confidence: 0.88},
			},
		},
	}

	migrator, db, store := newFixture(t, src)
	ctx := context.Background()

	var progressed int
	report, err := migrator.Run(ctx, func(int) { progressed++ })
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if report.PersonsCreated != 2 || report.PersonsMatched != 0 {
		t.Errorf("persons created=%d matched=%d, want 2/0", report.PersonsCreated, report.PersonsMatched)
	}
	if report.ImagesImported != 2 {
		t.Errorf("images imported = %d, want 2", report.ImagesImported)
	}
	if report.ImagesSkipped != 1 || len(report.Errors) != 1 {
		t.Errorf("skipped=%d errors=%v, want 1 skip for the missing file", report.ImagesSkipped, report.Errors)
	}
	if report.FacesImported != 2 || report.FacesAssigned != 1 {
		t.Errorf("faces imported=%d assigned=%d, want 2/1", report.FacesImported, report.FacesAssigned)
	}
	if progressed != 2 {
		t.Errorf("progress calls = %d, want 2", progressed)
	}

	// The beach photo landed in the content-addressed tree with its legacy
	// id and date preserved.
	images, err := db.Images.ListImages(ctx, 10, 0)
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	var beach *database.Image
	for i := range images {
		if images[i].OriginalPath == pathA {
			beach = &images[i]
		}
	}
	if beach == nil {
		t.Fatal("beach photo not imported")
	}
	if beach.LegacyID == nil || *beach.LegacyID != 11 {
		t.Errorf("legacy id = %v, want 11", beach.LegacyID)
	}
	if beach.DateTaken == nil || !beach.DateTaken.Equal(taken) {
		t.Errorf("date taken = %v, want %v", beach.DateTaken, taken)
	}
	if beach.DateTakenSource != "LegacyDateTaken" {
		t.Errorf("date source = %q", beach.DateTakenSource)
	}
	if _, err := os.Stat(store.MediaPath(beach.RelativeMediaPath)); err != nil {
		t.Errorf("copied file missing: %v", err)
	}

	faces, err := db.Faces.GetFacesByImage(ctx, beach.ID)
	if err != nil {
		t.Fatalf("faces: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("face count = %d, want 2", len(faces))
	}
	assigned := 0
	for _, f := range faces {
		if f.PersonID != nil {
			assigned++
			if f.AssignedBy != database.AssignedByUser {
				t.Errorf("assigned_by = %q, want user", f.AssignedBy)
			}
		}
	}
	if assigned != 1 {
		t.Errorf("assigned faces = %d, want 1", assigned)
	}

	// Alice's cached counters reflect the replayed assignment.
	persons, _ := db.Persons.ListPersons(ctx)
	for _, p := range persons {
		if p.Name == "Alice" && p.FaceCount != 1 {
			t.Errorf("alice face count = %d, want 1", p.FaceCount)
		}
	}
}

func TestRun_SecondRunLinksDuplicates(t *testing.T) {
	srcDir := t.TempDir()
	path := writeSourceFile(t, srcDir, "beach.jpg", "jpeg-bytes")

	src := &fakeReader{
		persons: []Person{{ID: 1, Name: "Alice"}},
		images:  []Image{{ID: 11, Filename: "beach.jpg", Path: path}},
	}

	migrator, db, _ := newFixture(t, src)
	ctx := context.Background()

	if _, err := migrator.Run(ctx, nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	report, err := migrator.Run(ctx, nil)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if report.PersonsCreated != 0 || report.PersonsMatched != 1 {
		t.Errorf("persons created=%d matched=%d, want 0/1", report.PersonsCreated, report.PersonsMatched)
	}
	if report.ImagesImported != 0 || report.DuplicatesLinked != 1 {
		t.Errorf("imported=%d duplicates=%d, want 0/1", report.ImagesImported, report.DuplicatesLinked)
	}

	count, _ := db.Images.CountImages(ctx)
	if count != 1 {
		t.Errorf("image count = %d, want 1", count)
	}
}

func TestRun_MatchesExistingPersonsByName(t *testing.T) {
	srcDir := t.TempDir()
	path := writeSourceFile(t, srcDir, "a.jpg", "bytes")

	src := &fakeReader{
		persons: []Person{{ID: 1, Name: "Alice"}, {ID: 2, Name: "Bob"}},
		images:  []Image{{ID: 11, Filename: "a.jpg", Path: path}},
	}

	migrator, db, _ := newFixture(t, src)
	ctx := context.Background()
	if _, err := db.Persons.CreatePerson(ctx, &database.Person{Name: "Alice"}); err != nil {
		t.Fatalf("seed person: %v", err)
	}

	report, err := migrator.Run(ctx, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.PersonsMatched != 1 || report.PersonsCreated != 1 {
		t.Errorf("matched=%d created=%d, want 1/1", report.PersonsMatched, report.PersonsCreated)
	}

	persons, _ := db.Persons.ListPersons(ctx)
	if len(persons) != 2 {
		t.Errorf("person count = %d, want 2", len(persons))
	}
}
