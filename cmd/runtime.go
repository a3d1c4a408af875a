package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/schollz/progressbar/v3"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/postgres"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/objects"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// app bundles the long-lived collaborators every command needs: resolved
// configuration, database stores and the content-addressed media store.
type app struct {
	cfg   *config.Config
	pool  *postgres.Pool
	db    *database.Stores
	store *storage.Store
}

// newApp resolves configuration and connects the database.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.NewResolver(settingsPath).Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	pool, err := postgres.NewPool(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db, err := postgres.NewStores(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare database: %w", err)
	}

	store := storage.NewStore(cfg.Storage.ProcessedDir, cfg.Storage.DateFormat, db.Images)
	if err := store.EnsureDirs(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare media store: %w", err)
	}

	return &app{cfg: cfg, pool: pool, db: db, store: store}, nil
}

// Close releases the database pool.
func (a *app) Close() {
	if err := a.pool.Close(); err != nil {
		log.Printf("close database: %v", err)
	}
}

// faceClient builds the external face service client.
func (a *app) faceClient() *compreface.Client {
	return compreface.NewClient(&a.cfg.FaceService)
}

// objectProvider picks the configured object detection provider, or nil
// when object detection is disabled or no credentials are present.
func (a *app) objectProvider(ctx context.Context) (objects.Provider, error) {
	if !a.cfg.Features.ObjectDetection || !a.cfg.Processing.ObjectDetection.Enabled {
		return nil, nil
	}
	maxSize := a.cfg.Processing.ObjectDetection.ImageResize.Width
	switch {
	case a.cfg.Providers.GeminiAPIKey != "":
		return objects.NewGeminiProvider(ctx, a.cfg.Providers.GeminiAPIKey, maxSize)
	case a.cfg.Providers.OpenAIToken != "":
		return objects.NewOpenAIProvider(a.cfg.Providers.OpenAIToken, maxSize), nil
	default:
		log.Println("object detection enabled but no provider credentials found, skipping")
		return nil, nil
	}
}

// newProgressBar builds the standard CLI progress bar.
func newProgressBar(count int, description, unit string) *progressbar.ProgressBar {
	return progressbar.NewOptions(count,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString(unit),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
}
