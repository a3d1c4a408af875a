package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/albums"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/clustering"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/fileindex"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/jobs"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/pipeline"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/trainer"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the processing server",
	Long: `Serve starts the job worker pool and the status HTTP API. Jobs are
submitted and polled over HTTP; scan, processing, detection backfill,
smart album, thumbnail and recognition work runs on the pool. With
auto-training enabled, persons due for retraining are queued periodically.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	p, err := buildPipeline(ctx, app)
	if err != nil {
		return err
	}

	queue := jobs.NewQueue()
	events := jobs.NewEventBroadcaster()
	pool := jobs.NewPool(queue, events, app.cfg.Server.ScanBatchSize)
	registerHandlers(app, p, pool)

	queue.StartSweeper(ctx)
	pool.Start(ctx)

	if app.cfg.Features.AutoTraining {
		go autoTrainLoop(ctx, app)
	}

	server := web.NewServer(app.cfg, queue, pool, events, app.db)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case err := <-serverErr:
		queue.Close()
		pool.Wait()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("serve: %v", err)
	}
	queue.Close()
	pool.Wait()
	return nil
}

// registerHandlers installs the job kinds the pool can run.
func registerHandlers(app *app, p *pipeline.Pipeline, pool *jobs.Pool) {
	scanner := fileindex.NewScanner(app.db.FileIndex, app.cfg.Storage.SourceDir)
	lifecycle := fileindex.NewLifecycle(app.db.FileIndex)
	albumEngine := albums.New(app.db)
	clusterEngine := clustering.New(app.db, app.faceClient(), app.store, &app.cfg.Processing.FaceRecognition)

	pool.Register(jobs.KindScan, func(ctx context.Context, job *jobs.Job) (any, error) {
		return scanner.Scan(ctx)
	})

	pool.Register(jobs.KindImageProcessing, func(ctx context.Context, job *jobs.Job) (any, error) {
		return processIndexedFiles(ctx, app, p, lifecycle, pool, job)
	})

	pool.Register(jobs.KindSmartAlbums, func(ctx context.Context, job *jobs.Job) (any, error) {
		total, err := app.db.Images.CountImages(ctx)
		if err != nil {
			return nil, err
		}
		return albumEngine.ProcessAll(ctx, func(done int) {
			pool.ReportProgress(job, done, total)
		})
	})

	pool.Register(jobs.KindThumbnail, func(ctx context.Context, job *jobs.Job) (any, error) {
		return regenerateThumbnails(ctx, app, pool, job)
	})

	pool.Register(jobs.KindFaceDetection, func(ctx context.Context, job *jobs.Job) (any, error) {
		return backfillImages(ctx, app, pool, job,
			func(img *database.Image) bool { return img.FacesExtracted },
			p.BackfillFaces)
	})

	pool.Register(jobs.KindObjectDetection, func(ctx context.Context, job *jobs.Job) (any, error) {
		return backfillImages(ctx, app, pool, job,
			func(img *database.Image) bool { return img.ObjectsDetected },
			p.BackfillObjects)
	})

	pool.Register(jobs.KindFaceRecognition, func(ctx context.Context, job *jobs.Job) (any, error) {
		suggestions, clusters, err := clusterEngine.GenerateAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"suggestions": suggestions, "clusters": clusters}, nil
	})
}

// processIndexedFiles drains pending file index entries through the
// pipeline, reporting progress at batch boundaries.
func processIndexedFiles(ctx context.Context, app *app, p *pipeline.Pipeline, lifecycle *fileindex.Lifecycle, pool *jobs.Pool, job *jobs.Job) (any, error) {
	if _, err := lifecycle.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover stale entries: %w", err)
	}
	counts, err := lifecycle.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count index entries: %w", err)
	}
	total := counts["pending"]

	batchSize := app.cfg.Server.ScanBatchSize
	if batchSize < 1 {
		batchSize = 10
	}

	processed, failed := 0, 0
	for job.Active() && ctx.Err() == nil {
		entries, err := lifecycle.ClaimBatch(ctx, batchSize)
		if err != nil {
			return nil, fmt.Errorf("claim batch: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			if !job.Active() || ctx.Err() != nil {
				break
			}
			result, err := p.ProcessImage(ctx, entry.FilePath)
			switch {
			case err == nil:
				if err := lifecycle.Complete(ctx, entry.ID, result.ImageID); err != nil {
					return nil, err
				}
				processed++
			default:
				var dup *apperr.DuplicateFileError
				if errors.As(err, &dup) {
					if err := lifecycle.Complete(ctx, entry.ID, dup.ExistingID); err != nil {
						return nil, err
					}
					processed++
				} else {
					if err := lifecycle.Fail(ctx, entry.ID, err.Error()); err != nil {
						return nil, err
					}
					job.AddError(fmt.Sprintf("%s: %v", entry.FilePath, err))
					failed++
				}
			}
		}
		pool.ReportProgress(job, processed+failed, total)

		select {
		case <-ctx.Done():
		case <-time.After(constants.ImageBatchSleepMs * time.Millisecond):
		}
	}

	return map[string]int{"processed": processed, "failed": failed}, nil
}

// regenerateThumbnails renders a thumbnail for every image missing its
// thumbnail file.
func regenerateThumbnails(ctx context.Context, app *app, pool *jobs.Pool, job *jobs.Job) (any, error) {
	total, err := app.db.Images.CountImages(ctx)
	if err != nil {
		return nil, err
	}

	written, skipped := 0, 0
	offset := 0
	for job.Active() && ctx.Err() == nil {
		images, err := app.db.Images.ListImages(ctx, app.cfg.Server.ScanBatchSize, offset)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			break
		}
		offset += len(images)

		for i := range images {
			img := &images[i]
			thumbPath := app.store.ThumbnailAbsPath(img.RelativeMediaPath)
			if _, err := os.Stat(thumbPath); err == nil {
				skipped++
				continue
			}

			raster, err := imaging.Open(app.store.MediaPath(img.RelativeMediaPath))
			if err != nil {
				job.AddError(fmt.Sprintf("image %d: %v", img.ID, err))
				continue
			}
			orientation := 1
			if meta, err := app.db.Images.GetMetadata(ctx, img.ID); err == nil {
				orientation = meta.Orientation
			}
			if err := pipeline.WriteThumbnail(raster, orientation,
				app.cfg.Image.ThumbnailSize, app.cfg.Image.JpegQuality, thumbPath); err != nil {
				job.AddError(fmt.Sprintf("image %d: %v", img.ID, err))
				continue
			}
			written++
		}
		pool.ReportProgress(job, written+skipped, total)
	}

	return map[string]int{"written": written, "skipped": skipped}, nil
}

// backfillImages pages the library and runs one detection stage over every
// image the stage has not covered yet. done reports whether an image already
// carries the stage's results; run performs the stage and returns how many
// detections it saved.
func backfillImages(ctx context.Context, app *app, pool *jobs.Pool, job *jobs.Job, done func(*database.Image) bool, run func(context.Context, *database.Image) (int, error)) (any, error) {
	total, err := app.db.Images.CountImages(ctx)
	if err != nil {
		return nil, err
	}

	processed, skipped, detections := 0, 0, 0
	offset := 0
	for job.Active() && ctx.Err() == nil {
		images, err := app.db.Images.ListImages(ctx, app.cfg.Server.ScanBatchSize, offset)
		if err != nil {
			return nil, err
		}
		if len(images) == 0 {
			break
		}
		offset += len(images)

		for i := range images {
			img := &images[i]
			if !job.Active() || ctx.Err() != nil {
				break
			}
			if done(img) {
				skipped++
				continue
			}
			n, err := run(ctx, img)
			if err != nil {
				job.AddError(fmt.Sprintf("image %d: %v", img.ID, err))
				continue
			}
			processed++
			detections += n
		}
		pool.ReportProgress(job, processed+skipped, total)
	}

	return map[string]int{"processed": processed, "skipped": skipped, "detections": detections}, nil
}

// autoTrainLoop periodically queues persons due for training.
func autoTrainLoop(ctx context.Context, app *app) {
	tr := trainer.New(app.db, app.faceClient(), app.store, &app.cfg.Processing.FaceRecognition)
	queue := trainer.NewQueue(tr)

	interval := app.cfg.Processing.FaceRecognition.TrainingInterval()
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, err := queue.AutoEnqueue(ctx)
			if err != nil {
				log.Printf("auto-train: %v", err)
				continue
			}
			if queued == 0 {
				continue
			}
			log.Printf("auto-train: queued %d persons", queued)
			for queue.Pending() > 0 && ctx.Err() == nil {
				if _, err := queue.Process(ctx); err != nil {
					log.Printf("auto-train: %v", err)
					break
				}
			}
		}
	}
}
