//go:build integration

package postgres

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	portNum, _ := strconv.Atoi(port.Port())

	cfg := &config.DatabaseConfig{
		Host:         host,
		Port:         portNum,
		User:         "test",
		Password:     "test",
		Name:         "testdb",
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func insertTestImage(t *testing.T, repo *ImageRepository, hash string) int64 {
	t.Helper()
	taken := time.Date(2023, time.July, 14, 12, 0, 0, 0, time.UTC)
	id, err := repo.CreateImage(context.Background(), &database.Image{
		Filename:          "IMG_" + hash[:6] + ".jpg",
		OriginalPath:      "/source/IMG_" + hash[:6] + ".jpg",
		RelativeMediaPath: "2023/07/IMG_" + hash[:6] + ".jpg",
		FileHash:          hash,
		FileSize:          1024,
		MimeType:          "image/jpeg",
		Width:             4000,
		Height:            3000,
		DateTaken:         &taken,
		DateTakenSource:   "DateTimeOriginal",
	})
	if err != nil {
		t.Fatalf("Failed to insert test image: %v", err)
	}
	return id
}

func TestImageRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewImageRepository(pool)

	t.Run("CreateAndGet", func(t *testing.T) {
		id := insertTestImage(t, repo, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
		img, err := repo.GetImage(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get image: %v", err)
		}
		if img.Width != 4000 || img.Height != 3000 {
			t.Errorf("Unexpected dimensions %dx%d", img.Width, img.Height)
		}
		if img.DateTakenSource != "DateTimeOriginal" {
			t.Errorf("Unexpected date source %q", img.DateTakenSource)
		}
	})

	t.Run("FindByHash", func(t *testing.T) {
		hash := "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
		id := insertTestImage(t, repo, hash)

		got, found, err := repo.FindImageIDByHash(ctx, hash)
		if err != nil {
			t.Fatalf("Failed to find by hash: %v", err)
		}
		if !found || got != id {
			t.Errorf("Expected id %d, got found=%v id=%d", id, found, got)
		}

		_, found, err = repo.FindImageIDByHash(ctx, "0000000000000000000000000000000000000000000000000000000000000000")
		if err != nil {
			t.Fatalf("Failed to query unknown hash: %v", err)
		}
		if found {
			t.Error("Expected miss for unknown hash")
		}
	})

	t.Run("SoftDeleteHidesFromHashLookup", func(t *testing.T) {
		hash := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
		id := insertTestImage(t, repo, hash)
		if err := repo.SoftDeleteImage(ctx, id); err != nil {
			t.Fatalf("Failed to soft delete: %v", err)
		}
		_, found, err := repo.FindImageIDByHash(ctx, hash)
		if err != nil {
			t.Fatalf("Failed to query hash: %v", err)
		}
		if found {
			t.Error("Soft-deleted image should not match hash lookup")
		}
	})

	t.Run("Metadata", func(t *testing.T) {
		id := insertTestImage(t, repo, "dddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddddd")
		err := repo.SaveMetadata(ctx, &database.ImageMetadata{
			ImageID:     id,
			CameraMake:  "Canon",
			CameraModel: "EOS R5",
			Orientation: 6,
			ISO:         400,
			RawExif:     []byte(`{"Make":"Canon"}`),
		})
		if err != nil {
			t.Fatalf("Failed to save metadata: %v", err)
		}
		meta, err := repo.GetMetadata(ctx, id)
		if err != nil {
			t.Fatalf("Failed to get metadata: %v", err)
		}
		if meta.CameraModel != "EOS R5" || meta.Orientation != 6 {
			t.Errorf("Unexpected metadata %+v", meta)
		}
	})
}

func TestFaceRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	images := NewImageRepository(pool)
	faces := NewFaceRepository(pool)
	persons := NewPersonRepository(pool)

	imageID := insertTestImage(t, images, "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")

	embedding := make([]float32, 512)
	for i := range embedding {
		embedding[i] = float32(i) / 512.0
	}

	faceIDs, err := faces.SaveFaces(ctx, imageID, []database.DetectedFace{
		{FaceImagePath: "f0.jpg", XMin: 10, YMin: 10, XMax: 100, YMax: 100, DetectionConfidence: 0.97, Embedding: embedding},
		{FaceImagePath: "f1.jpg", XMin: 200, YMin: 50, XMax: 290, YMax: 140, DetectionConfidence: 0.88},
	})
	if err != nil {
		t.Fatalf("Failed to save faces: %v", err)
	}
	if len(faceIDs) != 2 {
		t.Fatalf("Expected 2 face ids, got %d", len(faceIDs))
	}

	t.Run("EmbeddingRoundTrip", func(t *testing.T) {
		face, err := faces.GetFace(ctx, faceIDs[0])
		if err != nil {
			t.Fatalf("Failed to get face: %v", err)
		}
		if len(face.Embedding) != 512 {
			t.Errorf("Expected 512-dim embedding, got %d", len(face.Embedding))
		}
		noEmb, err := faces.GetFace(ctx, faceIDs[1])
		if err != nil {
			t.Fatalf("Failed to get face without embedding: %v", err)
		}
		if len(noEmb.Embedding) != 0 {
			t.Errorf("Expected no embedding, got %d dims", len(noEmb.Embedding))
		}
	})

	t.Run("AssignAndSync", func(t *testing.T) {
		personID, err := persons.CreatePerson(ctx, &database.Person{Name: "Alice", SubjectID: "alice"})
		if err != nil {
			t.Fatalf("Failed to create person: %v", err)
		}
		if err := faces.AssignFace(ctx, faceIDs[0], personID, 1.0, database.AssignedByUser, ""); err != nil {
			t.Fatalf("Failed to assign face: %v", err)
		}

		unsynced, err := faces.ListUnsyncedManualFaces(ctx, personID)
		if err != nil {
			t.Fatalf("Failed to list unsynced faces: %v", err)
		}
		if len(unsynced) != 1 {
			t.Fatalf("Expected 1 unsynced face, got %d", len(unsynced))
		}

		if err := faces.MarkFaceSynced(ctx, faceIDs[0], time.Now()); err != nil {
			t.Fatalf("Failed to mark synced: %v", err)
		}
		unsynced, err = faces.ListUnsyncedManualFaces(ctx, personID)
		if err != nil {
			t.Fatalf("Failed to list unsynced faces: %v", err)
		}
		if len(unsynced) != 0 {
			t.Errorf("Expected 0 unsynced faces after sync, got %d", len(unsynced))
		}

		withUnsynced, err := persons.ListPersonsWithUnsyncedFaces(ctx)
		if err != nil {
			t.Fatalf("Failed to list persons with unsynced faces: %v", err)
		}
		if len(withUnsynced) != 0 {
			t.Errorf("Expected no persons with unsynced faces, got %d", len(withUnsynced))
		}
	})

	t.Run("SimilarityCache", func(t *testing.T) {
		// Stored with the larger id first on purpose, lookup must still hit.
		err := faces.SaveSimilarity(ctx, &database.FaceSimilarity{
			FaceAID: faceIDs[1], FaceBID: faceIDs[0], Similarity: 0.81,
		})
		if err != nil {
			t.Fatalf("Failed to save similarity: %v", err)
		}
		got, found, err := faces.GetSimilarity(ctx, faceIDs[0], faceIDs[1])
		if err != nil {
			t.Fatalf("Failed to get similarity: %v", err)
		}
		if !found || got != 0.81 {
			t.Errorf("Expected cached 0.81, got found=%v value=%v", found, got)
		}
	})
}

func TestFileIndexRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewFileIndexRepository(pool)

	mtime := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	entry := &database.FileIndexEntry{
		FilePath:  "/source/a.jpg",
		FileHash:  "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		FileSize:  100,
		FileMtime: mtime,
	}

	t.Run("UpsertIdempotent", func(t *testing.T) {
		created, err := repo.Upsert(ctx, entry)
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if !created {
			t.Error("Expected first upsert to create")
		}

		created, err = repo.Upsert(ctx, entry)
		if err != nil {
			t.Fatalf("Failed to re-upsert: %v", err)
		}
		if created {
			t.Error("Unchanged file must not be reset")
		}

		changed := *entry
		changed.FileSize = 200
		changed.FileMtime = mtime.Add(time.Hour)
		created, err = repo.Upsert(ctx, &changed)
		if err != nil {
			t.Fatalf("Failed to upsert changed file: %v", err)
		}
		if !created {
			t.Error("Changed file must be reset to pending")
		}
	})

	t.Run("ClaimAndComplete", func(t *testing.T) {
		claimed, err := repo.ClaimPending(ctx, 10)
		if err != nil {
			t.Fatalf("Failed to claim: %v", err)
		}
		if len(claimed) != 1 {
			t.Fatalf("Expected 1 claimed entry, got %d", len(claimed))
		}
		if claimed[0].Status != database.FileStatusProcessing {
			t.Errorf("Expected processing status, got %q", claimed[0].Status)
		}

		// Second claim returns nothing.
		again, err := repo.ClaimPending(ctx, 10)
		if err != nil {
			t.Fatalf("Failed to re-claim: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("Expected no entries on second claim, got %d", len(again))
		}

		images := NewImageRepository(pool)
		imageID := insertTestImage(t, images, "1111111111111111111111111111111111111111111111111111111111111111")
		if err := repo.MarkCompleted(ctx, claimed[0].ID, imageID); err != nil {
			t.Fatalf("Failed to mark completed: %v", err)
		}

		counts, err := repo.CountByStatus(ctx)
		if err != nil {
			t.Fatalf("Failed to count by status: %v", err)
		}
		if counts[database.FileStatusCompleted] != 1 {
			t.Errorf("Expected 1 completed entry, got %v", counts)
		}
	})
}

func TestGeoRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewGeoRepository(pool)

	_, err := repo.ImportCities(ctx, []database.GeoCity{
		{Name: "Portland", StateCode: "OR", CountryISO: "US", Latitude: 45.5152, Longitude: -122.6784, Population: 650000},
		{Name: "Salem", StateCode: "OR", CountryISO: "US", Latitude: 44.9429, Longitude: -123.0351, Population: 175000},
		{Name: "Seattle", StateCode: "WA", CountryISO: "US", Latitude: 47.6062, Longitude: -122.3321, Population: 750000},
	})
	if err != nil {
		t.Fatalf("Failed to import cities: %v", err)
	}

	t.Run("NearestWithinRadius", func(t *testing.T) {
		// A point a few miles from downtown Portland.
		city, distance, found, err := repo.NearestCity(ctx, 45.52, -122.60, 25)
		if err != nil {
			t.Fatalf("Failed to find nearest city: %v", err)
		}
		if !found {
			t.Fatal("Expected a city within 25 miles")
		}
		if city.Name != "Portland" {
			t.Errorf("Expected Portland, got %q", city.Name)
		}
		if distance <= 0 || distance > 25 {
			t.Errorf("Unexpected distance %v", distance)
		}
	})

	t.Run("NothingInRadius", func(t *testing.T) {
		// Middle of the Pacific.
		_, _, found, err := repo.NearestCity(ctx, 30.0, -150.0, 25)
		if err != nil {
			t.Fatalf("Failed to query empty area: %v", err)
		}
		if found {
			t.Error("Expected no city in the middle of the ocean")
		}
	})
}
