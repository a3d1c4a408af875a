package albums

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

//go:embed default_albums.yaml
var defaultAlbumsYAML []byte

// refreshBatchSize is the page size for full-library refreshes.
const refreshBatchSize = 200

// Engine evaluates smart album rules against processed images and keeps
// membership rows in sync.
type Engine struct {
	db     *database.Stores
	colors *colorTable

	batchSleep time.Duration
}

// New creates an album engine over the given stores.
func New(db *database.Stores) *Engine {
	return &Engine{
		db:         db,
		colors:     defaultColors,
		batchSleep: constants.AlbumBatchSleepMs * time.Millisecond,
	}
}

type defaultAlbumDoc struct {
	Albums []struct {
		Slug        string         `yaml:"slug"`
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Type        string         `yaml:"type"`
		Priority    int            `yaml:"priority"`
		Rules       map[string]any `yaml:"rules"`
	} `yaml:"albums"`
}

// SeedDefaults creates the built-in system albums that do not exist yet and
// returns how many were created. Albums already present are never touched.
func (e *Engine) SeedDefaults(ctx context.Context) (int, error) {
	var doc defaultAlbumDoc
	if err := yaml.Unmarshal(defaultAlbumsYAML, &doc); err != nil {
		return 0, fmt.Errorf("parse default albums: %w", err)
	}

	created := 0
	for _, def := range doc.Albums {
		_, err := e.db.Albums.GetAlbumBySlug(ctx, def.Slug)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return created, fmt.Errorf("look up album %q: %w", def.Slug, err)
		}

		rules, err := json.Marshal(def.Rules)
		if err != nil {
			return created, fmt.Errorf("encode rules for %q: %w", def.Slug, err)
		}
		album := &database.SmartAlbum{
			Slug:        def.Slug,
			Name:        def.Name,
			Description: def.Description,
			Type:        def.Type,
			Rules:       rules,
			Priority:    def.Priority,
			IsActive:    true,
			IsSystem:    true,
		}
		if _, err := e.db.Albums.UpsertAlbum(ctx, album); err != nil {
			return created, fmt.Errorf("create album %q: %w", def.Slug, err)
		}
		created++
	}
	return created, nil
}

// ProcessImage evaluates every active album against one image and adds or
// removes its membership accordingly. Albums with broken rules are logged
// and skipped so one bad rule document cannot stall the pipeline.
func (e *Engine) ProcessImage(ctx context.Context, img *database.Image, objs []database.DetectedObject) error {
	albums, err := e.db.Albums.ListAlbums(ctx, true)
	if err != nil {
		return fmt.Errorf("list albums: %w", err)
	}
	if len(albums) == 0 {
		return nil
	}

	facts, err := e.gatherFacts(ctx, img, objs)
	if err != nil {
		return err
	}

	for i := range albums {
		album := &albums[i]
		matched, confidence, reasons, err := e.evaluate(album, facts)
		if err != nil {
			log.Printf("albums: %s: %v", album.Slug, err)
			continue
		}
		if matched {
			err = e.db.Albums.SetMembership(ctx, album.ID, img.ID, confidence, reasons)
		} else {
			err = e.db.Albums.RemoveMembership(ctx, album.ID, img.ID)
		}
		if err != nil {
			return fmt.Errorf("album %s membership for image %d: %w", album.Slug, img.ID, err)
		}
		if err := e.db.Albums.RefreshAlbumStats(ctx, album.ID); err != nil {
			return fmt.Errorf("refresh album %s: %w", album.Slug, err)
		}
	}
	return nil
}

// gatherFacts loads the faces and EXIF projection rule evaluation needs.
// Missing metadata is normal for stripped files and evaluates as absent.
func (e *Engine) gatherFacts(ctx context.Context, img *database.Image, objs []database.DetectedObject) (*ImageFacts, error) {
	faces, err := e.db.Faces.GetFacesByImage(ctx, img.ID)
	if err != nil {
		return nil, fmt.Errorf("faces for image %d: %w", img.ID, err)
	}
	meta, err := e.db.Images.GetMetadata(ctx, img.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("metadata for image %d: %w", img.ID, err)
	}
	return &ImageFacts{Image: img, Objects: objs, Faces: faces, Metadata: meta}, nil
}

// RefreshReport summarizes a full-library membership refresh.
type RefreshReport struct {
	ImagesProcessed int      `json:"images_processed"`
	Errors          []string `json:"errors,omitempty"`
}

// ProcessAll re-evaluates album membership for the whole library in pages,
// pausing briefly between pages. progress may be nil.
func (e *Engine) ProcessAll(ctx context.Context, progress func(done int)) (*RefreshReport, error) {
	report := &RefreshReport{}
	offset := 0
	for {
		images, err := e.db.Images.ListImages(ctx, refreshBatchSize, offset)
		if err != nil {
			return report, fmt.Errorf("list images: %w", err)
		}
		if len(images) == 0 {
			return report, nil
		}

		for i := range images {
			img := &images[i]
			objs, err := e.db.Objects.GetObjects(ctx, img.ID)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("image %d: %v", img.ID, err))
				continue
			}
			if err := e.ProcessImage(ctx, img, objs); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("image %d: %v", img.ID, err))
				continue
			}
			report.ImagesProcessed++
			if progress != nil {
				progress(report.ImagesProcessed)
			}
		}

		offset += len(images)
		if e.batchSleep > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(e.batchSleep):
			}
		}
	}
}

// RemoveImage drops an image from every album, for deletions.
func (e *Engine) RemoveImage(ctx context.Context, imageID int64) error {
	if err := e.db.Albums.RemoveImageMemberships(ctx, imageID); err != nil {
		return fmt.Errorf("remove image %d memberships: %w", imageID, err)
	}
	return nil
}
