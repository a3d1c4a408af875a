// Package config resolves layered configuration for the processing engine.
// Four sources are merged with increasing precedence: embedded defaults,
// process environment, the optional user settings file, and runtime
// overrides. Merging is deep per nested group; arrays replace.
package config

import (
	"fmt"
	"time"
)

// Config is the fully resolved, typed configuration tree.
type Config struct {
	Database    DatabaseConfig    `json:"database"`
	Storage     StorageConfig     `json:"storage"`
	Processing  ProcessingConfig  `json:"processing"`
	FaceService FaceServiceConfig `json:"faceService"`
	Image       ImageConfig       `json:"image"`
	Server      ServerConfig      `json:"server"`
	Features    FeaturesConfig    `json:"features"`
	Providers   ProvidersConfig   `json:"providers"`
	Legacy      LegacyConfig      `json:"legacy"`
}

// DatabaseConfig is the relational store connection target.
type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	MaxOpenConns int    `json:"maxOpenConns"`
	MaxIdleConns int    `json:"maxIdleConns"`
}

// URL builds a PostgreSQL connection URL from the parts.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// StorageConfig locates the source and processed media trees.
type StorageConfig struct {
	SourceDir    string `json:"sourceDir"`
	ProcessedDir string `json:"processedDir"`
	LogsDir      string `json:"logsDir"`
	// DateFormat controls the organized layout depth: "YYYY", "YYYY/MM"
	// or "YYYY/MM/DD".
	DateFormat string `json:"dateFormat"`
}

// ProcessingConfig groups per-extractor settings.
type ProcessingConfig struct {
	ObjectDetection ObjectDetectionConfig `json:"objectDetection"`
	FaceDetection   FaceDetectionConfig   `json:"faceDetection"`
	FaceRecognition FaceRecognitionConfig `json:"faceRecognition"`
}

// ObjectDetectionConfig controls the object detection extractor.
type ObjectDetectionConfig struct {
	Enabled     bool                   `json:"enabled"`
	Confidence  ObjectConfidenceConfig `json:"confidence"`
	BatchSize   int                    `json:"batchSize"`
	ImageResize ImageResizeConfig      `json:"imageResize"`
}

// ObjectConfidenceConfig holds the object detection thresholds.
type ObjectConfidenceConfig struct {
	Detection   float64 `json:"detection"`
	Search      float64 `json:"search"`
	HighQuality float64 `json:"highQuality"`
}

// ImageResizeConfig is the working raster size for detection.
type ImageResizeConfig struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// FaceDetectionConfig controls the face detection extractor.
type FaceDetectionConfig struct {
	Enabled    bool                 `json:"enabled"`
	Confidence FaceConfidenceConfig `json:"confidence"`
}

// FaceConfidenceConfig holds face detection thresholds.
type FaceConfidenceConfig struct {
	Detection  float64 `json:"detection"`
	Review     float64 `json:"review"`
	AutoAssign float64 `json:"autoAssign"`
	Gender     float64 `json:"gender"`
	Age        float64 `json:"age"`
}

// FaceRecognitionConfig controls the recognition workflow.
type FaceRecognitionConfig struct {
	Confidence RecognitionConfidenceConfig `json:"confidence"`
	// AutoAssignEnabled allows high-confidence recognition results to be
	// attributed without review.
	AutoAssignEnabled bool `json:"autoAssignEnabled"`
	// MinFacesThreshold is the minimum user-assigned faces before a person
	// may be queued for training.
	MinFacesThreshold int `json:"minFacesThreshold"`
	// MaxFacesPerPerson caps faces uploaded per training run (0 = unlimited).
	MaxFacesPerPerson int `json:"maxFacesPerPerson"`
	// TrainingIntervalHours is the re-training cadence for trained persons.
	TrainingIntervalHours int `json:"trainingIntervalHours"`
}

// TrainingInterval returns the re-training cadence as a duration.
func (c *FaceRecognitionConfig) TrainingInterval() time.Duration {
	return time.Duration(c.TrainingIntervalHours) * time.Hour
}

// RecognitionConfidenceConfig holds recognition thresholds.
type RecognitionConfidenceConfig struct {
	Review     float64 `json:"review"`
	AutoAssign float64 `json:"autoAssign"`
	Similarity float64 `json:"similarity"`
}

// FaceServiceConfig is the external face service target.
type FaceServiceConfig struct {
	BaseURL         string `json:"baseUrl"`
	DetectAPIKey    string `json:"detectApiKey"`
	RecognizeAPIKey string `json:"recognizeApiKey"`
	TimeoutSeconds  int    `json:"timeout"`
	MaxConcurrency  int    `json:"maxConcurrency"`
	// DetectionLimit caps faces returned per call (0 = service default).
	DetectionLimit int `json:"detectionLimit"`
	// DetProbThreshold is the minimum detection probability the service
	// applies before returning a face.
	DetProbThreshold float64 `json:"detProbThreshold"`
}

// Timeout returns the per-request timeout as a duration.
func (c *FaceServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ImageConfig holds derived-image settings.
type ImageConfig struct {
	ThumbnailSize int `json:"thumbnailSize"`
	JpegQuality   int `json:"jpegQuality"`
}

// ServerConfig holds the status server and batch tuning knobs.
type ServerConfig struct {
	Port            int `json:"port"`
	GalleryPageSize int `json:"galleryPageSize"`
	SearchLimit     int `json:"searchLimit"`
	ScanBatchSize   int `json:"scanBatchSize"`
}

// FeaturesConfig toggles whole subsystems.
type FeaturesConfig struct {
	FaceRecognition bool `json:"faceRecognition"`
	ObjectDetection bool `json:"objectDetection"`
	SmartAlbums     bool `json:"smartAlbums"`
	Geolocation     bool `json:"geolocation"`
	AutoTraining    bool `json:"autoTraining"`
}

// ProvidersConfig holds external AI provider credentials for object
// detection. Env-only, never written to settings files.
type ProvidersConfig struct {
	GeminiAPIKey string `json:"geminiApiKey"`
	OpenAIToken  string `json:"openAiToken"`
}

// LegacyConfig points at the read-only legacy MySQL database used as
// migration input.
type LegacyConfig struct {
	DatabaseURL string `json:"databaseUrl"`
}
