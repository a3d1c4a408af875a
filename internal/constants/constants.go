// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// File index constants
const (
	// ScanYieldInterval is the number of files scanned before yielding to other work
	ScanYieldInterval = 50
)

// Job queue constants
const (
	// DefaultJobTimeoutMinutes is the maximum runtime for a single job
	DefaultJobTimeoutMinutes = 5

	// JobCleanupAgeHours is how long terminal jobs are kept before the sweep removes them
	JobCleanupAgeHours = 24

	// WorkerRestartDelayMs debounces worker replacement after a fatal error
	WorkerRestartDelayMs = 1000

	// ImageBatchSleepMs is the inter-batch sleep for image_processing jobs
	ImageBatchSleepMs = 100

	// AlbumBatchSleepMs is the inter-batch sleep for smart_albums jobs
	AlbumBatchSleepMs = 50

	// EventChannelBuffer is the buffer size for job event listener channels
	EventChannelBuffer = 100
)

// Face service constants
const (
	// RecognizeBatchDelayMs is the pause between recognition batches
	RecognizeBatchDelayMs = 500

	// TrainingUploadDelayMs is the pause between training upload batches
	TrainingUploadDelayMs = 1500
)

// Clustering constants
const (
	// MinSuggestionConfidence is the minimum detection confidence for a face
	// to enter the suggestion pipeline
	MinSuggestionConfidence = 0.8

	// ClusterSimilarityThreshold groups faces whose pairwise verification
	// similarity is at least this value
	ClusterSimilarityThreshold = 0.75

	// MinClusterSize is the smallest cluster worth emitting
	MinClusterSize = 3

	// MaxClusterCandidates bounds Verify comparisons per seed face
	MaxClusterCandidates = 20

	// MaxClusterSize is the largest cluster worth emitting; bigger groups
	// are almost always verification noise
	MaxClusterSize = 20

	// MaxSuggestionsPerPerson caps recognition suggestions per person
	MaxSuggestionsPerPerson = 50

	// QuickSampleThreshold switches large datasets to sampled analysis
	QuickSampleThreshold = 1000

	// QuickSampleSize is the size of the high-quality sample
	QuickSampleSize = 200

	// QuickSampleMinConfidence filters the sample to high-quality detections
	QuickSampleMinConfidence = 0.9

	// CompareDelayMs rate-limits individual Verify comparisons
	CompareDelayMs = 100

	// BBoxMatchTolerancePx is the per-edge pixel tolerance when matching a
	// recognition result back to a stored face bounding box
	BBoxMatchTolerancePx = 20
)

// Training constants
const (
	// TrainingQueueBatchSize is how many pending jobs one queue pass runs
	TrainingQueueBatchSize = 5

	// AutoTrainMaxPerPass bounds persons queued by one auto-training pass
	AutoTrainMaxPerPass = 10
)

// Cleanup constants
const (
	// ManualFaceRetentionThreshold is the manual-face count above which
	// high-confidence auto-assigned faces are kept during auto cleanup
	ManualFaceRetentionThreshold = 50

	// AutoFaceKeepConfidence is the detection confidence at or above which
	// auto-assigned faces survive cleanup for well-trained persons
	AutoFaceKeepConfidence = 0.9
)

// Geolocation constants
const (
	// DefaultGeoRadiusMiles is the default search radius for city matching
	DefaultGeoRadiusMiles = 25.0
)

// Screenshot heuristic constants
const (
	// ScreenshotScoreThreshold is the score at or above which an image is
	// classified as a screenshot
	ScreenshotScoreThreshold = 60
)
