package config

import (
	"fmt"
	"os"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
)

// Validate checks every constraint and reports all violations at once.
func Validate(cfg *Config) error {
	var violations []string

	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if cfg.Database.Host == "" {
		add("database.host must not be empty")
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		add("database.port must be in 1..65535, got %d", cfg.Database.Port)
	}
	if cfg.Database.Name == "" {
		add("database.name must not be empty")
	}

	if cfg.Storage.SourceDir == "" {
		add("storage.sourceDir must be set")
	} else if info, err := os.Stat(cfg.Storage.SourceDir); err != nil || !info.IsDir() {
		add("storage.sourceDir %q must be an existing directory", cfg.Storage.SourceDir)
	}
	if cfg.Storage.ProcessedDir == "" {
		add("storage.processedDir must be set")
	}
	switch cfg.Storage.DateFormat {
	case "YYYY", "YYYY/MM", "YYYY/MM/DD":
	default:
		add("storage.dateFormat must be YYYY, YYYY/MM or YYYY/MM/DD, got %q", cfg.Storage.DateFormat)
	}

	validateConfidence(&violations, "processing.objectDetection.confidence.detection", cfg.Processing.ObjectDetection.Confidence.Detection)
	validateConfidence(&violations, "processing.objectDetection.confidence.search", cfg.Processing.ObjectDetection.Confidence.Search)
	validateConfidence(&violations, "processing.objectDetection.confidence.highQuality", cfg.Processing.ObjectDetection.Confidence.HighQuality)
	validateConfidence(&violations, "processing.faceDetection.confidence.detection", cfg.Processing.FaceDetection.Confidence.Detection)
	validateConfidence(&violations, "processing.faceDetection.confidence.review", cfg.Processing.FaceDetection.Confidence.Review)
	validateConfidence(&violations, "processing.faceDetection.confidence.autoAssign", cfg.Processing.FaceDetection.Confidence.AutoAssign)
	validateConfidence(&violations, "processing.faceRecognition.confidence.review", cfg.Processing.FaceRecognition.Confidence.Review)
	validateConfidence(&violations, "processing.faceRecognition.confidence.autoAssign", cfg.Processing.FaceRecognition.Confidence.AutoAssign)
	validateConfidence(&violations, "processing.faceRecognition.confidence.similarity", cfg.Processing.FaceRecognition.Confidence.Similarity)

	if cfg.Processing.ObjectDetection.BatchSize < 1 {
		add("processing.objectDetection.batchSize must be positive, got %d", cfg.Processing.ObjectDetection.BatchSize)
	}

	if cfg.FaceService.BaseURL == "" {
		add("faceService.baseUrl must not be empty")
	}
	if cfg.FaceService.TimeoutSeconds < 1 {
		add("faceService.timeout must be positive, got %d", cfg.FaceService.TimeoutSeconds)
	}
	if cfg.FaceService.MaxConcurrency < 1 {
		add("faceService.maxConcurrency must be positive, got %d", cfg.FaceService.MaxConcurrency)
	}
	if cfg.FaceService.DetectionLimit < 0 {
		add("faceService.detectionLimit must not be negative, got %d", cfg.FaceService.DetectionLimit)
	}
	validateConfidence(&violations, "faceService.detProbThreshold", cfg.FaceService.DetProbThreshold)

	if cfg.Image.ThumbnailSize < 32 || cfg.Image.ThumbnailSize > 2048 {
		add("image.thumbnailSize must be in 32..2048, got %d", cfg.Image.ThumbnailSize)
	}
	if cfg.Image.JpegQuality < 1 || cfg.Image.JpegQuality > 100 {
		add("image.jpegQuality must be in 1..100, got %d", cfg.Image.JpegQuality)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port must be in 1..65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.ScanBatchSize < 1 {
		add("server.scanBatchSize must be positive, got %d", cfg.Server.ScanBatchSize)
	}

	if len(violations) > 0 {
		return &apperr.ConfigError{Violations: violations}
	}
	return nil
}

func validateConfidence(violations *[]string, path string, value float64) {
	if value < 0 || value > 1 {
		*violations = append(*violations, fmt.Sprintf("%s must be in 0..1, got %g", path, value))
	}
}
