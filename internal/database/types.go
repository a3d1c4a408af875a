package database

import (
	"encoding/json"
	"strings"
	"time"
)

// Processing status of an indexed file.
const (
	FileStatusPending    = "pending"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusFailed     = "failed"
)

// Face assignment provenance. Automatic sources share the "auto_" prefix
// so cleanup can target them as a group.
const (
	AssignedByUser            = "user"
	AssignedByManual          = "manual"
	AssignedByAutoRecognition = "auto_recognition"
	AssignedByAutoCompreface  = "auto_compreface"
	AssignedBySystem          = "system"
)

// AutoAssignedPrefix matches every automatic assignment source.
const AutoAssignedPrefix = "auto_"

// Person recognition lifecycle.
const (
	RecognitionUntrained = "untrained"
	RecognitionTraining  = "training"
	RecognitionTrained   = "trained"
	RecognitionFailed    = "failed"
)

// Smart album rule types.
const (
	AlbumTypeObject         = "object_based"
	AlbumTypeTime           = "time_based"
	AlbumTypeCharacteristic = "characteristic"
	AlbumTypePerson         = "person_based"
	AlbumTypeTechnical      = "technical_based"
	AlbumTypeCustom         = "custom_rule"
)

// Suggestion review states.
const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionRejected = "rejected"
)

// Suggestion provenance.
const (
	SuggestionSourceRecognition = "recognition"
	SuggestionSourceCluster     = "cluster"
)

// Training log entry states.
const (
	TrainingLogPending   = "pending"
	TrainingLogUploading = "uploading"
	TrainingLogSuccess   = "success"
	TrainingLogFailed    = "failed"
)

// Image is the central record for a processed photo. RelativeMediaPath is
// the content-addressed location under the processed media root.
type Image struct {
	ID                int64
	Filename          string
	OriginalPath      string
	RelativeMediaPath string
	ThumbnailPath     string
	FileHash          string
	FileSize          int64
	MimeType          string
	Width             int
	Height            int
	DominantColor     string
	DateTaken         *time.Time
	DateTakenSource   string
	IsScreenshot      bool
	ScreenshotScore   int
	ScreenshotReasons []string
	IsAstro           bool
	AstroDetails      json.RawMessage
	FacesExtracted    bool
	ObjectsDetected   bool
	Latitude          *float64
	Longitude         *float64
	LegacyID          *int64
	DeletedAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ImageMetadata archives the full EXIF projection for an image.
type ImageMetadata struct {
	ImageID     int64
	CameraMake  string
	CameraModel string
	LensModel   string
	Orientation int
	ISO         int
	FNumber     float64
	Exposure    string
	FocalLength float64
	Altitude    *float64
	RawExif     json.RawMessage
	CreatedAt   time.Time
}

// DetectedObject is a single object detection result for an image.
type DetectedObject struct {
	ID         int64
	ImageID    int64
	Class      string
	Confidence float64
	XMin       int
	YMin       int
	XMax       int
	YMax       int
	CreatedAt  time.Time
}

// DetectedFace is a face found in an image, with optional person assignment
// and recognition-service sync state.
type DetectedFace struct {
	ID                  int64
	ImageID             int64
	FaceImagePath       string
	XMin                int
	YMin                int
	XMax                int
	YMax                int
	DetectionConfidence float64
	Gender              string
	GenderConfidence    float64
	AgeMin              int
	AgeMax              int
	AgeConfidence       float64
	Landmarks           json.RawMessage
	Embedding           []float32
	PersonID            *int64
	PersonConfidence    float64
	AssignedBy          string
	RecognitionMethod   string
	SyncedAt            *time.Time
	ClusterID           *int64
	CreatedAt           time.Time
}

// Assigned reports whether the face is linked to a person.
func (f *DetectedFace) Assigned() bool {
	return f.PersonID != nil
}

// ManuallyAssigned reports whether a human made the assignment.
func (f *DetectedFace) ManuallyAssigned() bool {
	return f.PersonID != nil &&
		(f.AssignedBy == AssignedByUser || f.AssignedBy == AssignedByManual)
}

// AutoAssigned reports whether an automatic source made the assignment.
func (f *DetectedFace) AutoAssigned() bool {
	return f.PersonID != nil && strings.HasPrefix(f.AssignedBy, AutoAssignedPrefix)
}

// Person is a named identity that faces are assigned to. SubjectID is the
// identifier used by the external face service.
type Person struct {
	ID                int64
	Name              string
	SubjectID         string
	FaceCount         int
	RecognitionStatus string
	TrainedFaceCount  int
	LastTrainedAt     *time.Time
	AutoRecognize     bool
	AvatarFaceID      *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FileIndexEntry tracks a discovered source file through processing.
type FileIndexEntry struct {
	ID           int64
	FilePath     string
	FileHash     string
	FileSize     int64
	FileMtime    time.Time
	Status       string
	ImageID      *int64
	ErrorMessage string
	RetryCount   int
	DiscoveredAt time.Time
	ClaimedAt    *time.Time
	ProcessedAt  *time.Time
}

// FaceSimilarity caches a pairwise verification score between two faces.
// FaceAID is always the smaller id.
type FaceSimilarity struct {
	FaceAID    int64
	FaceBID    int64
	Similarity float64
	ComparedAt time.Time
}

// FaceCluster groups unassigned faces believed to be the same person.
// RepresentativeFaceID is the seed the cluster grew from.
type FaceCluster struct {
	ID                   int64
	Name                 string
	FaceCount            int
	AvgSimilarity        float64
	RepresentativeFaceID *int64
	Reviewed             bool
	CreatedAt            time.Time
}

// FaceClusterMember links a face to its cluster.
type FaceClusterMember struct {
	ClusterID        int64
	FaceID           int64
	Similarity       float64
	IsRepresentative bool
}

// PersonSuggestion proposes a person assignment for an unassigned face.
type PersonSuggestion struct {
	ID         int64
	FaceID     int64
	PersonID   int64
	Confidence float64
	Source     string // "recognition" or "cluster"
	Status     string
	CreatedAt  time.Time
}

// SmartAlbum is a rule-driven collection of images.
type SmartAlbum struct {
	ID           int64
	Slug         string
	Name         string
	Description  string
	Type         string
	Rules        json.RawMessage
	Priority     int
	IsActive     bool
	IsSystem     bool
	CoverImageID *int64
	ImageCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SmartAlbumMember links an image to an album with the rule confidence
// that admitted it and the rule facts that matched.
type SmartAlbumMember struct {
	AlbumID    int64
	ImageID    int64
	Confidence float64
	Reasons    []string
	AddedAt    time.Time
}

// TrainingRun summarizes one training pass for a person.
type TrainingRun struct {
	ID             int64
	PersonID       int64
	FacesAttempted int
	FacesSucceeded int
	FacesFailed    int
	Status         string
	ErrorMessage   string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// TrainingLogEntry records the upload outcome of a single face.
type TrainingLogEntry struct {
	ID           int64
	RunID        int64
	PersonID     int64
	FaceID       int64
	Status       string
	ErrorMessage string
	UploadedAt   *time.Time
	CreatedAt    time.Time
}

// GeoCity is a gazetteer city used for reverse geolocation linking.
type GeoCity struct {
	ID         int64
	Name       string
	StateCode  string
	StateName  string
	CountryISO string
	Latitude   float64
	Longitude  float64
	Population int64
}

// ImageGeolocation links an image to its nearest gazetteer city.
type ImageGeolocation struct {
	ImageID       int64
	CityID        int64
	Confidence    float64
	DistanceMiles float64
	Method        string // "exif_gps" or "retroactive"
	CreatedAt     time.Time
}

// ProcessingStats aggregates pipeline progress for the status surface.
type ProcessingStats struct {
	TotalIndexed   int
	Pending        int
	Processing     int
	Completed      int
	Failed         int
	TotalImages    int
	TotalFaces     int
	AssignedFaces  int
	TotalPersons   int
	TrainedPersons int
}
