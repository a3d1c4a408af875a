// Package pipeline runs the per-image enrichment chain: hashing and
// organized placement, EXIF extraction, dominant color, face and object
// detection, astrophotography and screenshot classification, persistence,
// then geolocation and smart-album linkage.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/exif"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/objects"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// FaceDetector detects faces in raw image bytes. Implemented by the
// compreface client.
type FaceDetector interface {
	DetectFaces(ctx context.Context, imageBytes []byte, filename string) (*compreface.DetectionResponse, error)
}

// GeoLinker links a persisted image to the nearest known city.
type GeoLinker interface {
	LinkImage(ctx context.Context, img *database.Image) error
}

// AlbumProcessor evaluates smart album membership for a persisted image.
type AlbumProcessor interface {
	ProcessImage(ctx context.Context, img *database.Image, objs []database.DetectedObject) error
}

// Pipeline orchestrates enrichment for a single source file. Detector,
// objects provider, geo linker and album processor are optional; a nil
// collaborator disables that stage.
type Pipeline struct {
	cfg      *config.Config
	store    *storage.Store
	db       *database.Stores
	detector FaceDetector
	objects  objects.Provider
	geo      GeoLinker
	albums   AlbumProcessor
}

// New wires a pipeline from its collaborators.
func New(cfg *config.Config, store *storage.Store, db *database.Stores, detector FaceDetector, provider objects.Provider, geo GeoLinker, albums AlbumProcessor) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		db:       db,
		detector: detector,
		objects:  provider,
		geo:      geo,
		albums:   albums,
	}
}

// Result summarizes one processed image.
type Result struct {
	ImageID      int64
	FileInfo     *storage.FileInfo
	FaceCount    int
	ObjectCount  int
	IsScreenshot bool
	IsAstro      bool
	Timings      map[string]time.Duration
}

// stageOutput collects the parallel extraction results. Failed stages keep
// their zero values; the pipeline degrades instead of failing the image.
type stageOutput struct {
	color      string
	detections []compreface.FaceDetection
	objects    []objects.Detection
	astro      AstroResult
}

// ProcessImage runs the full enrichment chain for sourcePath. A file whose
// content hash is already stored fails with DuplicateFileError.
func (p *Pipeline) ProcessImage(ctx context.Context, sourcePath string) (*Result, error) {
	timings := make(map[string]time.Duration)

	// EXIF first: the capture date decides the organized path.
	start := time.Now()
	meta, err := exif.Extract(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("extract metadata: %w", err)
	}
	timings["exif"] = time.Since(start)

	info, err := p.store.Generate(sourcePath, meta.DateTaken)
	if err != nil {
		return nil, fmt.Errorf("generate file info: %w", err)
	}

	if existingID, found, err := p.store.FindDuplicateByHash(ctx, info.Hash); err != nil {
		return nil, fmt.Errorf("duplicate lookup: %w", err)
	} else if found {
		return nil, &apperr.DuplicateFileError{Hash: info.Hash, ExistingID: existingID}
	}

	if err := p.store.CopyToOrganized(sourcePath, info); err != nil {
		return nil, fmt.Errorf("copy to organized storage: %w", err)
	}
	if err := p.store.VerifyIntegrity(info); err != nil {
		return nil, err
	}

	imageBytes, err := os.ReadFile(info.FullPath)
	if err != nil {
		return nil, fmt.Errorf("read organized file: %w", err)
	}

	raster, _, rasterErr := image.Decode(bytes.NewReader(imageBytes))
	if rasterErr != nil {
		log.Printf("pipeline: %s: raster decode failed, visual stages skipped: %v", info.RelativePath, rasterErr)
	}

	out := p.runExtractors(ctx, raster, imageBytes, info, meta, timings)

	detectionThreshold := p.cfg.Processing.ObjectDetection.Confidence.Detection
	kept := objects.FilterByConfidence(out.objects, detectionThreshold)

	width, height := meta.Width, meta.Height
	if raster != nil {
		// Raster dimensions win over EXIF claims.
		width, height = displayDimensions(raster, meta.Orientation)
	}

	objRows := objectRows(kept)

	screenshot := DetectScreenshot(filepath.Base(sourcePath), mimeForPath(sourcePath), width, height, meta, objRows)

	img := &database.Image{
		Filename:          info.HashedFilename,
		OriginalPath:      sourcePath,
		RelativeMediaPath: info.RelativePath,
		ThumbnailPath:     storage.ThumbnailRelPath(info.RelativePath),
		FileHash:          info.Hash,
		FileSize:          info.Size,
		MimeType:          mimeForPath(sourcePath),
		Width:             width,
		Height:            height,
		DominantColor:     out.color,
		DateTakenSource:   meta.DateSource,
		IsScreenshot:      screenshot.IsScreenshot,
		ScreenshotScore:   screenshot.Score,
		ScreenshotReasons: screenshot.Reasons,
		IsAstro:           out.astro.IsAstro,
		FacesExtracted:    p.detector != nil,
		ObjectsDetected:   p.objects != nil,
		Latitude:          meta.Latitude,
		Longitude:         meta.Longitude,
	}
	if !meta.DateTaken.IsZero() {
		taken := meta.DateTaken
		img.DateTaken = &taken
	}
	if out.astro.IsAstro {
		if details, err := json.Marshal(out.astro); err == nil {
			img.AstroDetails = details
		}
	}

	imageID, err := p.db.Images.CreateImage(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("persist image: %w", err)
	}
	img.ID = imageID

	if err := p.db.Images.SaveMetadata(ctx, &database.ImageMetadata{
		ImageID:     imageID,
		CameraMake:  meta.CameraMake,
		CameraModel: meta.CameraModel,
		LensModel:   meta.LensModel,
		Orientation: meta.Orientation,
		ISO:         meta.ISO,
		FNumber:     meta.FNumber,
		Exposure:    meta.Exposure,
		FocalLength: meta.FocalLength,
		Altitude:    meta.Altitude,
		RawExif:     meta.Raw,
	}); err != nil {
		return nil, fmt.Errorf("persist metadata: %w", err)
	}

	if len(objRows) > 0 {
		if err := p.db.Objects.ReplaceObjects(ctx, imageID, objRows); err != nil {
			return nil, fmt.Errorf("persist objects: %w", err)
		}
	}

	faceRows := p.extractAndSaveFaceCrops(raster, out.detections, info, meta.Orientation)
	if len(faceRows) > 0 {
		if _, err := p.db.Faces.SaveFaces(ctx, imageID, faceRows); err != nil {
			return nil, fmt.Errorf("persist faces: %w", err)
		}
	}

	if raster != nil {
		start = time.Now()
		thumbPath := p.store.ThumbnailPath(info)
		if err := WriteThumbnail(raster, meta.Orientation, p.cfg.Image.ThumbnailSize, p.cfg.Image.JpegQuality, thumbPath); err != nil {
			log.Printf("pipeline: %s: thumbnail failed: %v", info.RelativePath, err)
		}
		timings["thumbnail"] = time.Since(start)
	}

	// Downstream linkage is best-effort.
	if p.geo != nil && meta.HasGPS() {
		if err := p.geo.LinkImage(ctx, img); err != nil {
			log.Printf("pipeline: %s: geolocation link failed: %v", info.RelativePath, err)
		}
	}
	if p.albums != nil {
		if err := p.albums.ProcessImage(ctx, img, objRows); err != nil {
			log.Printf("pipeline: %s: smart album processing failed: %v", info.RelativePath, err)
		}
	}

	return &Result{
		ImageID:      imageID,
		FileInfo:     info,
		FaceCount:    len(faceRows),
		ObjectCount:  len(objRows),
		IsScreenshot: screenshot.IsScreenshot,
		IsAstro:      out.astro.IsAstro,
		Timings:      timings,
	}, nil
}

// BackfillFaces runs face detection for an already-organized image that was
// processed without it, replacing any stored detections. Returns the number
// of faces saved.
func (p *Pipeline) BackfillFaces(ctx context.Context, img *database.Image) (int, error) {
	if p.detector == nil {
		return 0, fmt.Errorf("no face detector configured")
	}
	imageBytes, raster, orientation, err := p.loadOrganized(ctx, img)
	if err != nil {
		return 0, err
	}

	resp, err := p.detector.DetectFaces(ctx, imageBytes, img.Filename)
	if err != nil {
		return 0, fmt.Errorf("detect faces: %w", err)
	}
	minConfidence := p.cfg.Processing.FaceDetection.Confidence.Detection
	detections := make([]compreface.FaceDetection, 0, len(resp.Result))
	for _, d := range resp.Result {
		if d.Box.Probability >= minConfidence {
			detections = append(detections, d)
		}
	}

	info := &storage.FileInfo{HashedFilename: img.Filename, RelativePath: img.RelativeMediaPath}
	rows := p.extractAndSaveFaceCrops(raster, detections, info, orientation)

	if _, err := p.db.Faces.DeleteFacesByImage(ctx, img.ID); err != nil {
		return 0, fmt.Errorf("clear stored faces: %w", err)
	}
	if len(rows) > 0 {
		if _, err := p.db.Faces.SaveFaces(ctx, img.ID, rows); err != nil {
			return 0, fmt.Errorf("persist faces: %w", err)
		}
	}
	img.FacesExtracted = true
	if err := p.db.Images.UpdateImage(ctx, img); err != nil {
		return 0, fmt.Errorf("mark faces extracted: %w", err)
	}
	return len(rows), nil
}

// BackfillObjects runs object detection for an already-organized image that
// was processed without it, replacing any stored detections. Returns the
// number of objects saved.
func (p *Pipeline) BackfillObjects(ctx context.Context, img *database.Image) (int, error) {
	if p.objects == nil {
		return 0, fmt.Errorf("no object provider configured")
	}
	imageBytes, err := os.ReadFile(p.store.MediaPath(img.RelativeMediaPath))
	if err != nil {
		return 0, fmt.Errorf("read organized file: %w", err)
	}

	detections, err := p.objects.DetectObjects(ctx, imageBytes)
	if err != nil {
		return 0, fmt.Errorf("detect objects: %w", err)
	}
	kept := objects.FilterByConfidence(detections, p.cfg.Processing.ObjectDetection.Confidence.Detection)
	rows := objectRows(kept)

	if err := p.db.Objects.ReplaceObjects(ctx, img.ID, rows); err != nil {
		return 0, fmt.Errorf("persist objects: %w", err)
	}
	img.ObjectsDetected = true
	if err := p.db.Images.UpdateImage(ctx, img); err != nil {
		return 0, fmt.Errorf("mark objects detected: %w", err)
	}
	return len(rows), nil
}

// loadOrganized reads an image's organized media file and decodes it. A
// decode failure degrades to a nil raster, same as initial processing.
func (p *Pipeline) loadOrganized(ctx context.Context, img *database.Image) ([]byte, image.Image, int, error) {
	imageBytes, err := os.ReadFile(p.store.MediaPath(img.RelativeMediaPath))
	if err != nil {
		return nil, nil, 0, fmt.Errorf("read organized file: %w", err)
	}
	raster, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		log.Printf("pipeline: %s: raster decode failed, face crops skipped: %v", img.RelativeMediaPath, err)
		raster = nil
	}
	orientation := 1
	if meta, err := p.db.Images.GetMetadata(ctx, img.ID); err == nil {
		orientation = meta.Orientation
	}
	return imageBytes, raster, orientation, nil
}

// runExtractors runs the independent visual stages in parallel. Each stage
// records its own timing and degrades to a default on failure.
func (p *Pipeline) runExtractors(ctx context.Context, raster image.Image, imageBytes []byte, info *storage.FileInfo, meta *exif.Metadata, timings map[string]time.Duration) stageOutput {
	out := stageOutput{color: DefaultDominantColor}

	var mu sync.Mutex
	var wg sync.WaitGroup

	stage := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			fn()
			mu.Lock()
			timings[name] = time.Since(start)
			mu.Unlock()
		}()
	}

	if raster != nil {
		stage("dominant_color", func() {
			color := DominantColor(raster)
			mu.Lock()
			out.color = color
			mu.Unlock()
		})
		stage("astro", func() {
			astro := DetectAstro(raster, meta.Exposure, meta.ISO)
			mu.Lock()
			out.astro = astro
			mu.Unlock()
		})
	}

	if p.detector != nil && p.cfg.Processing.FaceDetection.Enabled {
		stage("face_detection", func() {
			resp, err := p.detector.DetectFaces(ctx, imageBytes, info.HashedFilename)
			if err != nil {
				log.Printf("pipeline: %s: face detection failed: %v", info.RelativePath, err)
				return
			}
			minConfidence := p.cfg.Processing.FaceDetection.Confidence.Detection
			detections := make([]compreface.FaceDetection, 0, len(resp.Result))
			for _, d := range resp.Result {
				if d.Box.Probability >= minConfidence {
					detections = append(detections, d)
				}
			}
			mu.Lock()
			out.detections = detections
			mu.Unlock()
		})
	}

	if p.objects != nil && p.cfg.Processing.ObjectDetection.Enabled {
		stage("object_detection", func() {
			detections, err := p.objects.DetectObjects(ctx, imageBytes)
			if err != nil {
				log.Printf("pipeline: %s: object detection failed: %v", info.RelativePath, err)
				return
			}
			mu.Lock()
			out.objects = detections
			mu.Unlock()
		})
	}

	wg.Wait()
	return out
}

// extractAndSaveFaceCrops writes a crop file per detection and builds the
// face rows. A crop failure drops the crop path but keeps the detection.
func (p *Pipeline) extractAndSaveFaceCrops(raster image.Image, detections []compreface.FaceDetection, info *storage.FileInfo, orientation int) []database.DetectedFace {
	rows := make([]database.DetectedFace, 0, len(detections))
	for i, det := range detections {
		row := database.DetectedFace{
			XMin:                det.Box.XMin,
			YMin:                det.Box.YMin,
			XMax:                det.Box.XMax,
			YMax:                det.Box.YMax,
			DetectionConfidence: det.Box.Probability,
			Gender:              det.Gender.Value,
			GenderConfidence:    det.Gender.Probability,
			AgeMin:              det.Age.Low,
			AgeMax:              det.Age.High,
			AgeConfidence:       det.Age.Probability,
		}
		if len(det.Landmarks) > 0 {
			if landmarks, err := json.Marshal(det.Landmarks); err == nil {
				row.Landmarks = landmarks
			}
		}
		if len(det.Embedding) > 0 {
			row.Embedding = make([]float32, len(det.Embedding))
			for j, v := range det.Embedding {
				row.Embedding[j] = float32(v)
			}
		}

		if raster != nil {
			faceFilename := storage.FaceFilename(info.HashedFilename, i)
			crop, err := ExtractFaceCrop(raster, det.Box, orientation)
			if err != nil {
				log.Printf("pipeline: %s: face crop %d failed: %v", info.RelativePath, i, err)
			} else {
				destPath := p.store.FacePath(faceFilename)
				if err := imaging.Save(crop, destPath, imaging.JPEGQuality(p.cfg.Image.JpegQuality)); err != nil {
					log.Printf("pipeline: %s: save face crop %d failed: %v", info.RelativePath, i, err)
				} else {
					row.FaceImagePath = faceFilename
				}
			}
		}

		rows = append(rows, row)
	}
	return rows
}

// objectRows maps provider detections to database rows.
func objectRows(detections []objects.Detection) []database.DetectedObject {
	rows := make([]database.DetectedObject, 0, len(detections))
	for _, d := range detections {
		rows = append(rows, database.DetectedObject{
			Class:      d.Class,
			Confidence: d.Confidence,
			XMin:       d.XMin,
			YMin:       d.YMin,
			XMax:       d.XMax,
			YMax:       d.YMax,
		})
	}
	return rows
}

// displayDimensions returns raster dimensions in display orientation.
func displayDimensions(raster image.Image, orientation int) (int, int) {
	w, h := raster.Bounds().Dx(), raster.Bounds().Dy()
	switch orientation {
	case 5, 6, 7, 8:
		return h, w
	default:
		return w, h
	}
}

// mimeForPath maps a file extension to a MIME type.
func mimeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".bmp":
		return "image/bmp"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "application/octet-stream"
	}
}
