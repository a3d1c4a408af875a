package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/mock"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/objects"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

type fakeDetector struct {
	response *compreface.DetectionResponse
	err      error
	calls    int
}

func (d *fakeDetector) DetectFaces(ctx context.Context, imageBytes []byte, filename string) (*compreface.DetectionResponse, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.response, nil
}

type fakeProvider struct {
	detections []objects.Detection
	err        error
	calls      int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) DetectObjects(ctx context.Context, imageData []byte) ([]objects.Detection, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.detections, nil
}

type recordingAlbums struct {
	imageIDs []int64
}

func (a *recordingAlbums) ProcessImage(ctx context.Context, img *database.Image, objs []database.DetectedObject) error {
	a.imageIDs = append(a.imageIDs, img.ID)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Processing: config.ProcessingConfig{
			ObjectDetection: config.ObjectDetectionConfig{
				Enabled:    true,
				Confidence: config.ObjectConfidenceConfig{Detection: 0.5},
			},
			FaceDetection: config.FaceDetectionConfig{
				Enabled:    true,
				Confidence: config.FaceConfidenceConfig{Detection: 0.8},
			},
		},
		Image: config.ImageConfig{ThumbnailSize: 64, JpegQuality: 85},
	}
}

func writeTestJPEG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, color.NRGBA{R: 200, G: 150, B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}

func newTestPipeline(t *testing.T, db *database.Stores, detector FaceDetector, albums AlbumProcessor) (*Pipeline, string) {
	t.Helper()
	processedDir := t.TempDir()
	store := storage.NewStore(processedDir, "YYYY/MM", db.Images.(*mock.ImageStore))
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return New(testConfig(), store, db, detector, nil, nil, albums), processedDir
}

func TestProcessImage_FullChain(t *testing.T) {
	db := mock.NewStores()
	detector := &fakeDetector{
		response: &compreface.DetectionResponse{
			Result: []compreface.FaceDetection{
				{
					Box:       compreface.BoundingBox{XMin: 10, YMin: 10, XMax: 60, YMax: 70, Probability: 0.96},
					Gender:    compreface.Gender{Value: "male", Probability: 0.9},
					Age:       compreface.AgeRange{Low: 30, High: 40, Probability: 0.7},
					Embedding: []float64{0.1, 0.2},
				},
				// Below the detection threshold, must be dropped.
				{Box: compreface.BoundingBox{XMin: 0, YMin: 0, XMax: 5, YMax: 5, Probability: 0.3}},
			},
		},
	}
	albums := &recordingAlbums{}
	pipe, processedDir := newTestPipeline(t, db, detector, albums)

	sourceDir := t.TempDir()
	sourcePath := writeTestJPEG(t, sourceDir, "IMG_0001.jpg", 200, 160)

	result, err := pipe.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}

	if result.ImageID == 0 {
		t.Error("expected a persisted image id")
	}
	if result.FaceCount != 1 {
		t.Errorf("expected 1 face after threshold filtering, got %d", result.FaceCount)
	}
	if detector.calls != 1 {
		t.Errorf("expected 1 detector call, got %d", detector.calls)
	}

	img, err := db.Images.GetImage(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if img.FileHash == "" || len(img.FileHash) != 64 {
		t.Errorf("expected a sha256 hash, got %q", img.FileHash)
	}
	if img.Width != 200 || img.Height != 160 {
		t.Errorf("expected 200x160, got %dx%d", img.Width, img.Height)
	}
	if img.DominantColor == "" {
		t.Error("expected a dominant color")
	}
	if img.IsScreenshot {
		t.Error("plain photo misclassified as screenshot")
	}

	// Organized copy and thumbnail must exist on disk.
	organized := filepath.Join(processedDir, storage.MediaDir, filepath.FromSlash(img.RelativeMediaPath))
	if _, err := os.Stat(organized); err != nil {
		t.Errorf("organized file missing: %v", err)
	}
	thumb := filepath.Join(processedDir, storage.ThumbnailDir, filepath.FromSlash(img.ThumbnailPath))
	if _, err := os.Stat(thumb); err != nil {
		t.Errorf("thumbnail missing: %v", err)
	}

	faces, err := db.Faces.GetFacesByImage(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetFacesByImage failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("expected 1 stored face, got %d", len(faces))
	}
	if faces[0].FaceImagePath == "" {
		t.Error("expected a face crop path")
	}
	if _, err := os.Stat(filepath.Join(processedDir, storage.FaceDir, faces[0].FaceImagePath)); err != nil {
		t.Errorf("face crop missing: %v", err)
	}
	if faces[0].Gender != "male" || faces[0].AgeMin != 30 {
		t.Errorf("face attributes not persisted: %+v", faces[0])
	}

	if len(albums.imageIDs) != 1 || albums.imageIDs[0] != result.ImageID {
		t.Errorf("expected album processing for image %d, got %v", result.ImageID, albums.imageIDs)
	}

	meta, err := db.Images.GetMetadata(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if meta.ImageID != result.ImageID {
		t.Errorf("metadata not linked to image: %+v", meta)
	}
}

func TestProcessImage_Duplicate(t *testing.T) {
	db := mock.NewStores()
	pipe, _ := newTestPipeline(t, db, nil, nil)

	sourceDir := t.TempDir()
	sourcePath := writeTestJPEG(t, sourceDir, "IMG_0002.jpg", 100, 100)

	first, err := pipe.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("first ProcessImage failed: %v", err)
	}

	_, err = pipe.ProcessImage(context.Background(), sourcePath)
	if !apperr.IsDuplicateFile(err) {
		t.Fatalf("expected DuplicateFileError, got %v", err)
	}
	var dup *apperr.DuplicateFileError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateFileError, got %T", err)
	}
	if dup.ExistingID != first.ImageID {
		t.Errorf("expected existing id %d, got %d", first.ImageID, dup.ExistingID)
	}
}

func TestProcessImage_DetectorFailureDegrades(t *testing.T) {
	db := mock.NewStores()
	detector := &fakeDetector{err: &apperr.ServiceError{Class: apperr.ServiceErrorTransient, Message: "down"}}
	pipe, _ := newTestPipeline(t, db, detector, nil)

	sourceDir := t.TempDir()
	sourcePath := writeTestJPEG(t, sourceDir, "IMG_0003.jpg", 100, 100)

	result, err := pipe.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("detector failure must not fail the image: %v", err)
	}
	if result.FaceCount != 0 {
		t.Errorf("expected no faces, got %d", result.FaceCount)
	}
}

func TestProcessImage_ScreenshotReasonsPersisted(t *testing.T) {
	db := mock.NewStores()
	pipe, _ := newTestPipeline(t, db, nil, nil)

	sourceDir := t.TempDir()
	sourcePath := writeTestJPEG(t, sourceDir, "Screenshot_2024-06-01.png", 100, 100)

	result, err := pipe.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	if !result.IsScreenshot {
		t.Fatal("expected a screenshot classification")
	}

	img, err := db.Images.GetImage(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if !img.IsScreenshot || len(img.ScreenshotReasons) == 0 {
		t.Fatalf("classification not persisted: screenshot=%v reasons=%v", img.IsScreenshot, img.ScreenshotReasons)
	}
	found := false
	for _, reason := range img.ScreenshotReasons {
		if reason == "Filename matches screenshot pattern" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the filename reason, got %v", img.ScreenshotReasons)
	}
}

func TestBackfillFaces(t *testing.T) {
	db := mock.NewStores()
	processedDir := t.TempDir()
	store := storage.NewStore(processedDir, "YYYY/MM", db.Images.(*mock.ImageStore))
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	// Ingest without a detector: the image lands with no faces.
	ingest := New(testConfig(), store, db, nil, nil, nil, nil)
	sourcePath := writeTestJPEG(t, t.TempDir(), "IMG_0004.jpg", 200, 160)
	result, err := ingest.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	img, err := db.Images.GetImage(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if img.FacesExtracted {
		t.Fatal("ingest without a detector must leave faces unextracted")
	}

	detector := &fakeDetector{
		response: &compreface.DetectionResponse{
			Result: []compreface.FaceDetection{
				{Box: compreface.BoundingBox{XMin: 10, YMin: 10, XMax: 60, YMax: 70, Probability: 0.95}},
				// Below the detection threshold, must be dropped.
				{Box: compreface.BoundingBox{XMin: 0, YMin: 0, XMax: 5, YMax: 5, Probability: 0.3}},
			},
		},
	}
	pipe := New(testConfig(), store, db, detector, nil, nil, nil)

	n, err := pipe.BackfillFaces(context.Background(), img)
	if err != nil {
		t.Fatalf("BackfillFaces failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 face after threshold filtering, got %d", n)
	}
	faces, err := db.Faces.GetFacesByImage(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("GetFacesByImage failed: %v", err)
	}
	if len(faces) != 1 || faces[0].FaceImagePath == "" {
		t.Errorf("unexpected stored faces: %+v", faces)
	}
	updated, err := db.Images.GetImage(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if !updated.FacesExtracted {
		t.Error("faces_extracted flag not set after backfill")
	}
}

func TestBackfillObjects(t *testing.T) {
	db := mock.NewStores()
	processedDir := t.TempDir()
	store := storage.NewStore(processedDir, "YYYY/MM", db.Images.(*mock.ImageStore))
	if err := store.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	ingest := New(testConfig(), store, db, nil, nil, nil, nil)
	sourcePath := writeTestJPEG(t, t.TempDir(), "IMG_0005.jpg", 200, 160)
	result, err := ingest.ProcessImage(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("ProcessImage failed: %v", err)
	}
	img, err := db.Images.GetImage(context.Background(), result.ImageID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}

	provider := &fakeProvider{detections: []objects.Detection{
		{Class: "dog", Confidence: 0.9, XMax: 50, YMax: 50},
		{Class: "cat", Confidence: 0.2},
	}}
	pipe := New(testConfig(), store, db, nil, provider, nil, nil)

	n, err := pipe.BackfillObjects(context.Background(), img)
	if err != nil {
		t.Fatalf("BackfillObjects failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 object after threshold filtering, got %d", n)
	}
	objs, err := db.Objects.GetObjects(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("GetObjects failed: %v", err)
	}
	if len(objs) != 1 || objs[0].Class != "dog" {
		t.Errorf("unexpected stored objects: %+v", objs)
	}
	updated, err := db.Images.GetImage(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("GetImage failed: %v", err)
	}
	if !updated.ObjectsDetected {
		t.Error("objects_detected flag not set after backfill")
	}
}

func TestProcessImage_MissingSource(t *testing.T) {
	db := mock.NewStores()
	pipe, _ := newTestPipeline(t, db, nil, nil)

	if _, err := pipe.ProcessImage(context.Background(), "/nonexistent/photo.jpg"); err == nil {
		t.Error("expected an error for a missing source file")
	}
}
