package database

import (
	"context"
	"time"
)

// ImageStore provides access to image records and their archived metadata.
type ImageStore interface {
	// CreateImage inserts a new image and returns its id.
	CreateImage(ctx context.Context, img *Image) (int64, error)
	// GetImage retrieves an image by id, apperr.ErrNotFound if missing.
	GetImage(ctx context.Context, id int64) (*Image, error)
	// UpdateImage persists the mutable fields of an image.
	UpdateImage(ctx context.Context, img *Image) error
	// FindImageIDByHash resolves a content hash to an existing image id.
	FindImageIDByHash(ctx context.Context, hash string) (int64, bool, error)
	// ListImages returns non-deleted images, newest first.
	ListImages(ctx context.Context, limit, offset int) ([]Image, error)
	// ListImagesWithGPS returns images carrying GPS coordinates but no
	// geolocation link yet.
	ListImagesWithGPS(ctx context.Context, limit int) ([]Image, error)
	// CountImages returns the number of non-deleted images.
	CountImages(ctx context.Context) (int, error)
	// SoftDeleteImage marks an image deleted without removing rows.
	SoftDeleteImage(ctx context.Context, id int64) error
	// DeleteImagePermanently removes the image and all dependent rows.
	DeleteImagePermanently(ctx context.Context, id int64) error
	// SaveMetadata stores the archived EXIF projection for an image.
	SaveMetadata(ctx context.Context, meta *ImageMetadata) error
	// GetMetadata retrieves archived metadata, apperr.ErrNotFound if missing.
	GetMetadata(ctx context.Context, imageID int64) (*ImageMetadata, error)
	// GetProcessingStats aggregates counters for the status surface.
	GetProcessingStats(ctx context.Context) (*ProcessingStats, error)
}

// ObjectStore provides access to object detection results.
type ObjectStore interface {
	// ReplaceObjects replaces all detections for an image.
	ReplaceObjects(ctx context.Context, imageID int64, objects []DetectedObject) error
	// GetObjects returns detections for an image ordered by confidence.
	GetObjects(ctx context.Context, imageID int64) ([]DetectedObject, error)
	// FindImageIDsByClasses returns ids of images containing any of the
	// given classes at or above minConfidence.
	FindImageIDsByClasses(ctx context.Context, classes []string, minConfidence float64) ([]int64, error)
}

// FaceStore provides access to detected faces, assignments and cached
// pairwise similarities.
type FaceStore interface {
	// SaveFaces stores detections for an image and returns their ids.
	SaveFaces(ctx context.Context, imageID int64, faces []DetectedFace) ([]int64, error)
	// GetFace retrieves a face by id, apperr.ErrNotFound if missing.
	GetFace(ctx context.Context, id int64) (*DetectedFace, error)
	// GetFacesByImage returns all faces of an image.
	GetFacesByImage(ctx context.Context, imageID int64) ([]DetectedFace, error)
	// ListUnassignedFaces returns faces without a person, newest first.
	// limit <= 0 means no limit.
	ListUnassignedFaces(ctx context.Context, limit int) ([]DetectedFace, error)
	// ListFacesByPerson returns all faces assigned to a person.
	ListFacesByPerson(ctx context.Context, personID int64) ([]DetectedFace, error)
	// ListUnsyncedManualFaces returns user-assigned faces of a person that
	// have not been uploaded to the face service.
	ListUnsyncedManualFaces(ctx context.Context, personID int64) ([]DetectedFace, error)
	// ListAutoFacesBelow returns auto-assigned faces of a person whose
	// detection confidence is below the threshold.
	ListAutoFacesBelow(ctx context.Context, personID int64, confidence float64) ([]DetectedFace, error)
	// CountManualFaces counts user-assigned faces of a person.
	CountManualFaces(ctx context.Context, personID int64) (int, error)
	// AssignFace links a face to a person, recording the assignment source
	// and the recognition method that produced it ("" for human edits).
	AssignFace(ctx context.Context, faceID, personID int64, confidence float64, assignedBy, method string) error
	// UnassignFace clears the person link and sync state of a face.
	UnassignFace(ctx context.Context, faceID int64) error
	// MarkFaceSynced records a successful upload to the face service.
	MarkFaceSynced(ctx context.Context, faceID int64, at time.Time) error
	// ClearFaceSync resets the sync state of a single face.
	ClearFaceSync(ctx context.Context, faceID int64) error
	// ClearSyncForPerson resets sync state for all faces of a person.
	ClearSyncForPerson(ctx context.Context, personID int64) error
	// SetFaceCluster assigns or clears (nil) a face's cluster.
	SetFaceCluster(ctx context.Context, faceID int64, clusterID *int64) error
	// DeleteFace removes a single face.
	DeleteFace(ctx context.Context, faceID int64) error
	// DeleteFacesByImage removes all faces of an image and returns their ids.
	DeleteFacesByImage(ctx context.Context, imageID int64) ([]int64, error)
	// SaveSimilarity caches a pairwise verification score.
	SaveSimilarity(ctx context.Context, sim *FaceSimilarity) error
	// GetSimilarity returns a cached score, false when the pair is unseen.
	GetSimilarity(ctx context.Context, faceAID, faceBID int64) (float64, bool, error)
	// PruneSimilarities deletes cached scores whose faces no longer exist
	// and returns how many rows were removed.
	PruneSimilarities(ctx context.Context) (int, error)
}

// PersonStore provides access to person identities.
type PersonStore interface {
	// CreatePerson inserts a person and returns its id.
	CreatePerson(ctx context.Context, p *Person) (int64, error)
	// GetPerson retrieves a person by id, apperr.ErrNotFound if missing.
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// GetPersonBySubjectID resolves a face-service subject to a person.
	GetPersonBySubjectID(ctx context.Context, subjectID string) (*Person, error)
	// ListPersons returns all persons ordered by name.
	ListPersons(ctx context.Context) ([]Person, error)
	// UpdatePerson persists the mutable fields of a person.
	UpdatePerson(ctx context.Context, p *Person) error
	// DeletePerson removes a person; faces are unassigned, not deleted.
	DeletePerson(ctx context.Context, id int64) error
	// RefreshCounts recomputes the cached face counters of a person.
	RefreshCounts(ctx context.Context, personID int64) error
	// ListPersonsWithUnsyncedFaces returns persons having user-assigned
	// faces not yet uploaded to the face service.
	ListPersonsWithUnsyncedFaces(ctx context.Context) ([]Person, error)
	// SetRecognitionStatus moves a person through the training lifecycle.
	SetRecognitionStatus(ctx context.Context, personID int64, status string) error
}

// FileIndexStore tracks discovered source files through processing.
type FileIndexStore interface {
	// Upsert records a discovered file. It returns true when the path was
	// new or its content changed, resetting the entry to pending.
	Upsert(ctx context.Context, entry *FileIndexEntry) (bool, error)
	// GetByPath retrieves an entry by absolute source path.
	GetByPath(ctx context.Context, path string) (*FileIndexEntry, error)
	// ClaimPending atomically moves up to limit pending entries to
	// processing, stamping their claim time, and returns them.
	ClaimPending(ctx context.Context, limit int) ([]FileIndexEntry, error)
	// MarkCompleted finishes an entry and links its image.
	MarkCompleted(ctx context.Context, id, imageID int64) error
	// MarkFailed records a failure and bumps the retry counter.
	MarkFailed(ctx context.Context, id int64, message string) error
	// ResetStalled returns processing entries claimed before the cutoff to
	// pending and reports how many were reset.
	ResetStalled(ctx context.Context, olderThan time.Time) (int, error)
	// RetryFailed returns failed entries with retries left to pending.
	RetryFailed(ctx context.Context, maxRetries int) (int, error)
	// CountByStatus returns entry counts keyed by status.
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// ClusterStore provides access to face clusters.
type ClusterStore interface {
	// CreateCluster inserts a cluster with its members and returns its id.
	CreateCluster(ctx context.Context, cluster *FaceCluster, members []FaceClusterMember) (int64, error)
	// ListClusters returns clusters, largest first.
	ListClusters(ctx context.Context, includeReviewed bool) ([]FaceCluster, error)
	// GetClusterMembers returns the members of a cluster.
	GetClusterMembers(ctx context.Context, clusterID int64) ([]FaceClusterMember, error)
	// MarkReviewed flags a cluster as human-reviewed.
	MarkReviewed(ctx context.Context, clusterID int64) error
	// DeleteCluster removes a cluster and clears member links.
	DeleteCluster(ctx context.Context, clusterID int64) error
	// DeleteEmptyClusters removes clusters whose members were all assigned
	// or deleted, returning how many were removed.
	DeleteEmptyClusters(ctx context.Context) (int, error)
}

// SuggestionStore provides access to person assignment suggestions.
type SuggestionStore interface {
	// SaveSuggestion upserts a pending suggestion for a face/person pair.
	SaveSuggestion(ctx context.Context, s *PersonSuggestion) error
	// ListPending returns pending suggestions for a person, highest
	// confidence first.
	ListPending(ctx context.Context, personID int64, limit int) ([]PersonSuggestion, error)
	// CountPending counts pending suggestions for a person.
	CountPending(ctx context.Context, personID int64) (int, error)
	// SetStatus accepts or rejects a suggestion.
	SetStatus(ctx context.Context, id int64, status string) error
	// DeleteForFace removes all suggestions of a face.
	DeleteForFace(ctx context.Context, faceID int64) error
}

// AlbumStore provides access to smart albums and their memberships.
type AlbumStore interface {
	// UpsertAlbum inserts or updates an album by slug and returns its id.
	UpsertAlbum(ctx context.Context, album *SmartAlbum) (int64, error)
	// GetAlbumBySlug retrieves an album, apperr.ErrNotFound if missing.
	GetAlbumBySlug(ctx context.Context, slug string) (*SmartAlbum, error)
	// ListAlbums returns albums ordered by priority.
	ListAlbums(ctx context.Context, activeOnly bool) ([]SmartAlbum, error)
	// SetMembership upserts an image's membership in an album with the
	// rule facts that admitted it.
	SetMembership(ctx context.Context, albumID, imageID int64, confidence float64, reasons []string) error
	// RemoveMembership removes an image from an album.
	RemoveMembership(ctx context.Context, albumID, imageID int64) error
	// RemoveImageMemberships removes an image from every album.
	RemoveImageMemberships(ctx context.Context, imageID int64) error
	// ListMemberImageIDs returns member image ids, newest membership first.
	ListMemberImageIDs(ctx context.Context, albumID int64, limit, offset int) ([]int64, error)
	// RefreshAlbumStats recounts members and picks a cover image.
	RefreshAlbumStats(ctx context.Context, albumID int64) error
}

// TrainingStore records training runs and their per-face log.
type TrainingStore interface {
	// CreateRun opens a training run for a person and returns its id.
	CreateRun(ctx context.Context, run *TrainingRun) (int64, error)
	// CompleteRun closes a run with final counters and status.
	CompleteRun(ctx context.Context, run *TrainingRun) error
	// AppendLog adds a per-face log entry and returns its id.
	AppendLog(ctx context.Context, entry *TrainingLogEntry) (int64, error)
	// UpdateLogStatus updates the outcome of a log entry.
	UpdateLogStatus(ctx context.Context, id int64, status, errorMessage string, uploadedAt *time.Time) error
	// ListRuns returns recent runs for a person, newest first.
	ListRuns(ctx context.Context, personID int64, limit int) ([]TrainingRun, error)
	// ListLog returns the per-face entries of a run.
	ListLog(ctx context.Context, runID int64) ([]TrainingLogEntry, error)
}

// GeoStore provides gazetteer lookups and image geolocation links.
type GeoStore interface {
	// ImportCities bulk-loads gazetteer cities, returning how many rows
	// were written.
	ImportCities(ctx context.Context, cities []GeoCity) (int, error)
	// CountCities returns the gazetteer size.
	CountCities(ctx context.Context) (int, error)
	// NearestCity finds the closest city within radiusMiles of the point.
	// Returns false when nothing lies inside the radius.
	NearestCity(ctx context.Context, lat, lon, radiusMiles float64) (*GeoCity, float64, bool, error)
	// SaveImageGeolocation upserts an image's geolocation link.
	SaveImageGeolocation(ctx context.Context, link *ImageGeolocation) error
	// GetImageGeolocation retrieves a link, false when absent.
	GetImageGeolocation(ctx context.Context, imageID int64) (*ImageGeolocation, bool, error)
}

// Stores bundles every repository for wiring through the application.
type Stores struct {
	Images      ImageStore
	Objects     ObjectStore
	Faces       FaceStore
	Persons     PersonStore
	FileIndex   FileIndexStore
	Clusters    ClusterStore
	Suggestions SuggestionStore
	Albums      AlbumStore
	Training    TrainingStore
	Geo         GeoStore
}
