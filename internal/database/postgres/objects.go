package postgres

import (
	"context"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/lib/pq"
)

// ObjectRepository provides PostgreSQL-backed object detection storage.
type ObjectRepository struct {
	pool *Pool
}

var _ database.ObjectStore = (*ObjectRepository)(nil)

// NewObjectRepository creates a new PostgreSQL object repository.
func NewObjectRepository(pool *Pool) *ObjectRepository {
	return &ObjectRepository{pool: pool}
}

// ReplaceObjects replaces all detections for an image.
func (r *ObjectRepository) ReplaceObjects(ctx context.Context, imageID int64, objects []database.DetectedObject) error {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM detected_objects WHERE image_id = $1", imageID); err != nil {
		return fmt.Errorf("clear objects: %w", err)
	}

	for _, obj := range objects {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO detected_objects (image_id, class, confidence, x_min, y_min, x_max, y_max)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, imageID, obj.Class, obj.Confidence, obj.XMin, obj.YMin, obj.XMax, obj.YMax)
		if err != nil {
			return fmt.Errorf("insert object: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit objects: %w", err)
	}
	return nil
}

// GetObjects returns detections for an image ordered by confidence.
func (r *ObjectRepository) GetObjects(ctx context.Context, imageID int64) ([]database.DetectedObject, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, image_id, class, confidence, x_min, y_min, x_max, y_max, created_at
		FROM detected_objects
		WHERE image_id = $1
		ORDER BY confidence DESC
	`, imageID)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer rows.Close()

	var objects []database.DetectedObject
	for rows.Next() {
		var obj database.DetectedObject
		if err := rows.Scan(
			&obj.ID, &obj.ImageID, &obj.Class, &obj.Confidence,
			&obj.XMin, &obj.YMin, &obj.XMax, &obj.YMax, &obj.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan object: %w", err)
		}
		objects = append(objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate objects: %w", err)
	}
	return objects, nil
}

// FindImageIDsByClasses returns ids of images containing any of the given
// classes at or above minConfidence.
func (r *ObjectRepository) FindImageIDsByClasses(ctx context.Context, classes []string, minConfidence float64) ([]int64, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT o.image_id
		FROM detected_objects o
		JOIN images i ON i.id = o.image_id AND i.deleted_at IS NULL
		WHERE o.class = ANY($1) AND o.confidence >= $2
	`, pq.Array(classes), minConfidence)
	if err != nil {
		return nil, fmt.Errorf("query images by class: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan image id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image ids: %w", err)
	}
	return ids, nil
}
