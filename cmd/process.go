package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/albums"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/fileindex"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/geo"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process pending files from the index",
	Long: `Process claims pending files from the index and runs the enrichment
pipeline on each: content-addressed storage, EXIF extraction, thumbnails,
face and object detection, screenshot and astrophotography classification,
smart albums and geolocation.`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.Flags().Int("limit", 0, "Maximum number of files to process (0 = all pending)")
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	limit := mustGetInt(cmd, "limit")

	p, err := buildPipeline(ctx, app)
	if err != nil {
		return err
	}

	lifecycle := fileindex.NewLifecycle(app.db.FileIndex)
	if recovered, err := lifecycle.Recover(ctx); err != nil {
		return fmt.Errorf("recover stale entries: %w", err)
	} else if recovered > 0 {
		fmt.Printf("Recovered %d stale processing entries\n", recovered)
	}

	counts, err := lifecycle.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count index entries: %w", err)
	}
	pending := counts["pending"]
	if pending == 0 {
		fmt.Println("Nothing to process")
		return nil
	}
	if limit > 0 && limit < pending {
		pending = limit
	}

	bar := newProgressBar(pending, "Processing photos", "photos")
	processed, failed := 0, 0

	batchSize := app.cfg.Server.ScanBatchSize
	if batchSize < 1 {
		batchSize = 10
	}

	for processed+failed < pending && ctx.Err() == nil {
		claim := batchSize
		if remaining := pending - processed - failed; remaining < claim {
			claim = remaining
		}
		entries, err := lifecycle.ClaimBatch(ctx, claim)
		if err != nil {
			return fmt.Errorf("claim batch: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			if ctx.Err() != nil {
				break
			}
			result, err := p.ProcessImage(ctx, entry.FilePath)
			switch {
			case err == nil:
				if err := lifecycle.Complete(ctx, entry.ID, result.ImageID); err != nil {
					return fmt.Errorf("complete entry %d: %w", entry.ID, err)
				}
				processed++
			default:
				var dup *apperr.DuplicateFileError
				if errors.As(err, &dup) {
					// The content already exists; link the entry to it.
					if err := lifecycle.Complete(ctx, entry.ID, dup.ExistingID); err != nil {
						return fmt.Errorf("complete duplicate entry %d: %w", entry.ID, err)
					}
					processed++
				} else {
					if err := lifecycle.Fail(ctx, entry.ID, err.Error()); err != nil {
						return fmt.Errorf("fail entry %d: %w", entry.ID, err)
					}
					failed++
				}
			}
			_ = bar.Add(1)
		}

		select {
		case <-ctx.Done():
		case <-time.After(constants.ImageBatchSleepMs * time.Millisecond):
		}
	}

	fmt.Printf("\nProcessed: %d, failed: %d\n", processed, failed)
	return nil
}

// buildPipeline wires the enrichment pipeline with the collaborators the
// feature toggles allow.
func buildPipeline(ctx context.Context, app *app) (*pipeline.Pipeline, error) {
	var detector pipeline.FaceDetector
	if app.cfg.Processing.FaceDetection.Enabled {
		detector = app.faceClient()
	}

	provider, err := app.objectProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("create object provider: %w", err)
	}

	var geoLinker pipeline.GeoLinker
	if app.cfg.Features.Geolocation {
		geoLinker = geo.New(app.db)
	}

	var albumProcessor pipeline.AlbumProcessor
	if app.cfg.Features.SmartAlbums {
		engine := albums.New(app.db)
		if _, err := engine.SeedDefaults(ctx); err != nil {
			return nil, fmt.Errorf("seed default albums: %w", err)
		}
		albumProcessor = engine
	}

	return pipeline.New(app.cfg, app.store, app.db, detector, provider, geoLinker, albumProcessor), nil
}
