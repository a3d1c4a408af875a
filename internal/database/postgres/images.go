package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// ImageRepository provides PostgreSQL-backed image storage.
type ImageRepository struct {
	pool *Pool
}

var _ database.ImageStore = (*ImageRepository)(nil)

// NewImageRepository creates a new PostgreSQL image repository.
func NewImageRepository(pool *Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

const imageColumns = `
	id, filename, original_path, relative_media_path, thumbnail_path,
	file_hash, file_size, mime_type, width, height, dominant_color,
	date_taken, date_taken_source, is_screenshot, screenshot_score, screenshot_reasons,
	is_astro, astro_details, faces_extracted, objects_detected,
	latitude, longitude, legacy_id, deleted_at, created_at, updated_at`

// CreateImage inserts a new image and returns its id.
func (r *ImageRepository) CreateImage(ctx context.Context, img *database.Image) (int64, error) {
	query := `
		INSERT INTO images (
			filename, original_path, relative_media_path, thumbnail_path,
			file_hash, file_size, mime_type, width, height, dominant_color,
			date_taken, date_taken_source, is_screenshot, screenshot_score, screenshot_reasons,
			is_astro, astro_details, faces_extracted, objects_detected,
			latitude, longitude, legacy_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query,
		img.Filename, img.OriginalPath, img.RelativeMediaPath, img.ThumbnailPath,
		img.FileHash, img.FileSize, img.MimeType, img.Width, img.Height, img.DominantColor,
		img.DateTaken, img.DateTakenSource, img.IsScreenshot, img.ScreenshotScore, stringsJSON(img.ScreenshotReasons),
		img.IsAstro, nullJSON(img.AstroDetails), img.FacesExtracted, img.ObjectsDetected,
		img.Latitude, img.Longitude, img.LegacyID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert image: %w", err)
	}
	return id, nil
}

// GetImage retrieves an image by id.
func (r *ImageRepository) GetImage(ctx context.Context, id int64) (*database.Image, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+imageColumns+" FROM images WHERE id = $1", id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("image %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// UpdateImage persists the mutable fields of an image.
func (r *ImageRepository) UpdateImage(ctx context.Context, img *database.Image) error {
	query := `
		UPDATE images SET
			thumbnail_path = $2, width = $3, height = $4, dominant_color = $5,
			date_taken = $6, date_taken_source = $7,
			is_screenshot = $8, screenshot_score = $9, screenshot_reasons = $10,
			is_astro = $11, astro_details = $12,
			faces_extracted = $13, objects_detected = $14,
			latitude = $15, longitude = $16,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		img.ID, img.ThumbnailPath, img.Width, img.Height, img.DominantColor,
		img.DateTaken, img.DateTakenSource,
		img.IsScreenshot, img.ScreenshotScore, stringsJSON(img.ScreenshotReasons),
		img.IsAstro, nullJSON(img.AstroDetails),
		img.FacesExtracted, img.ObjectsDetected,
		img.Latitude, img.Longitude,
	)
	if err != nil {
		return fmt.Errorf("update image: %w", err)
	}
	return requireRow(result, img.ID)
}

// FindImageIDByHash resolves a content hash to an existing image id.
func (r *ImageRepository) FindImageIDByHash(ctx context.Context, hash string) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(
		ctx, "SELECT id FROM images WHERE file_hash = $1 AND deleted_at IS NULL", hash,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find image by hash: %w", err)
	}
	return id, true, nil
}

// ListImages returns non-deleted images, newest first.
func (r *ImageRepository) ListImages(ctx context.Context, limit, offset int) ([]database.Image, error) {
	query := "SELECT" + imageColumns + `
		FROM images
		WHERE deleted_at IS NULL
		ORDER BY date_taken DESC NULLS LAST, id DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// ListImagesWithGPS returns images carrying GPS coordinates but no
// geolocation link yet.
func (r *ImageRepository) ListImagesWithGPS(ctx context.Context, limit int) ([]database.Image, error) {
	query := "SELECT" + imageColumns + `
		FROM images i
		WHERE i.deleted_at IS NULL
		  AND i.latitude IS NOT NULL
		  AND i.longitude IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM image_geolocations g WHERE g.image_id = i.id)
		ORDER BY i.id
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list images with gps: %w", err)
	}
	defer rows.Close()
	return scanImages(rows)
}

// CountImages returns the number of non-deleted images.
func (r *ImageRepository) CountImages(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM images WHERE deleted_at IS NULL").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	return count, nil
}

// SoftDeleteImage marks an image deleted without removing rows.
func (r *ImageRepository) SoftDeleteImage(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(
		ctx, "UPDATE images SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL", id,
	)
	if err != nil {
		return fmt.Errorf("soft delete image: %w", err)
	}
	return requireRow(result, id)
}

// DeleteImagePermanently removes the image row. Dependent rows (metadata,
// detections, memberships, geolocation) cascade at the schema level.
func (r *ImageRepository) DeleteImagePermanently(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM images WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	return requireRow(result, id)
}

// SaveMetadata stores the archived EXIF projection for an image.
func (r *ImageRepository) SaveMetadata(ctx context.Context, meta *database.ImageMetadata) error {
	query := `
		INSERT INTO image_metadata (
			image_id, camera_make, camera_model, lens_model, orientation,
			iso, f_number, exposure, focal_length, altitude, raw_exif
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (image_id) DO UPDATE SET
			camera_make = EXCLUDED.camera_make,
			camera_model = EXCLUDED.camera_model,
			lens_model = EXCLUDED.lens_model,
			orientation = EXCLUDED.orientation,
			iso = EXCLUDED.iso,
			f_number = EXCLUDED.f_number,
			exposure = EXCLUDED.exposure,
			focal_length = EXCLUDED.focal_length,
			altitude = EXCLUDED.altitude,
			raw_exif = EXCLUDED.raw_exif
	`
	_, err := r.pool.Exec(ctx, query,
		meta.ImageID, meta.CameraMake, meta.CameraModel, meta.LensModel, meta.Orientation,
		meta.ISO, meta.FNumber, meta.Exposure, meta.FocalLength, meta.Altitude,
		nullJSON(meta.RawExif),
	)
	if err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// GetMetadata retrieves archived metadata for an image.
func (r *ImageRepository) GetMetadata(ctx context.Context, imageID int64) (*database.ImageMetadata, error) {
	query := `
		SELECT image_id, camera_make, camera_model, lens_model, orientation,
		       iso, f_number, exposure, focal_length, altitude, raw_exif, created_at
		FROM image_metadata
		WHERE image_id = $1
	`
	var meta database.ImageMetadata
	var raw []byte
	err := r.pool.QueryRow(ctx, query, imageID).Scan(
		&meta.ImageID, &meta.CameraMake, &meta.CameraModel, &meta.LensModel, &meta.Orientation,
		&meta.ISO, &meta.FNumber, &meta.Exposure, &meta.FocalLength, &meta.Altitude,
		&raw, &meta.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metadata for image %d: %w", imageID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metadata: %w", err)
	}
	meta.RawExif = raw
	return &meta, nil
}

// GetProcessingStats aggregates counters for the status surface.
func (r *ImageRepository) GetProcessingStats(ctx context.Context) (*database.ProcessingStats, error) {
	var stats database.ProcessingStats

	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM file_index
	`
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.TotalIndexed, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("file index stats: %w", err)
	}

	err = r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM images WHERE deleted_at IS NULL").Scan(&stats.TotalImages)
	if err != nil {
		return nil, fmt.Errorf("image stats: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE person_id IS NOT NULL)
		FROM detected_faces
	`).Scan(&stats.TotalFaces, &stats.AssignedFaces)
	if err != nil {
		return nil, fmt.Errorf("face stats: %w", err)
	}

	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE recognition_status = 'trained')
		FROM persons
	`).Scan(&stats.TotalPersons, &stats.TrainedPersons)
	if err != nil {
		return nil, fmt.Errorf("person stats: %w", err)
	}

	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*database.Image, error) {
	var img database.Image
	var astro, screenshotReasons []byte
	err := row.Scan(
		&img.ID, &img.Filename, &img.OriginalPath, &img.RelativeMediaPath, &img.ThumbnailPath,
		&img.FileHash, &img.FileSize, &img.MimeType, &img.Width, &img.Height, &img.DominantColor,
		&img.DateTaken, &img.DateTakenSource, &img.IsScreenshot, &img.ScreenshotScore, &screenshotReasons,
		&img.IsAstro, &astro, &img.FacesExtracted, &img.ObjectsDetected,
		&img.Latitude, &img.Longitude, &img.LegacyID, &img.DeletedAt, &img.CreatedAt, &img.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	img.AstroDetails = astro
	if len(screenshotReasons) > 0 {
		if err := json.Unmarshal(screenshotReasons, &img.ScreenshotReasons); err != nil {
			return nil, fmt.Errorf("decode screenshot reasons: %w", err)
		}
	}
	return &img, nil
}

func scanImages(rows *sql.Rows) ([]database.Image, error) {
	var images []database.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return images, nil
}

// nullJSON maps empty raw JSON to SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// stringsJSON maps a string list to a JSONB value, NULL when empty.
func stringsJSON(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, _ := json.Marshal(values)
	return data
}

// requireRow converts a zero-row update into a not-found error.
func requireRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("id %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}
