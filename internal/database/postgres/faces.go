package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/pgvector/pgvector-go"
)

// FaceRepository provides PostgreSQL-backed face storage.
type FaceRepository struct {
	pool *Pool
}

var _ database.FaceStore = (*FaceRepository)(nil)

// NewFaceRepository creates a new PostgreSQL face repository.
func NewFaceRepository(pool *Pool) *FaceRepository {
	return &FaceRepository{pool: pool}
}

const faceColumns = `
	id, image_id, face_image_path, x_min, y_min, x_max, y_max,
	detection_confidence, gender, gender_confidence, age_min, age_max, age_confidence,
	landmarks, embedding, person_id, person_confidence, assigned_by,
	recognition_method, synced_at, cluster_id, created_at`

// nullVector scans a nullable pgvector column.
type nullVector struct {
	vec   pgvector.Vector
	valid bool
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		n.valid = false
		return nil
	}
	n.valid = true
	return n.vec.Scan(src)
}

// embeddingValue maps an empty embedding to SQL NULL.
func embeddingValue(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	return pgvector.NewVector(embedding)
}

// SaveFaces stores detections for an image and returns their ids.
func (r *FaceRepository) SaveFaces(ctx context.Context, imageID int64, faces []database.DetectedFace) ([]int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(faces))
	for _, face := range faces {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO detected_faces (
				image_id, face_image_path, x_min, y_min, x_max, y_max,
				detection_confidence, gender, gender_confidence,
				age_min, age_max, age_confidence, landmarks, embedding
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			RETURNING id
		`,
			imageID, face.FaceImagePath, face.XMin, face.YMin, face.XMax, face.YMax,
			face.DetectionConfidence, face.Gender, face.GenderConfidence,
			face.AgeMin, face.AgeMax, face.AgeConfidence,
			nullJSON(face.Landmarks), embeddingValue(face.Embedding),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert face: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit faces: %w", err)
	}
	return ids, nil
}

// GetFace retrieves a face by id.
func (r *FaceRepository) GetFace(ctx context.Context, id int64) (*database.DetectedFace, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+faceColumns+" FROM detected_faces WHERE id = $1", id)
	face, err := scanFace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("face %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	return face, nil
}

// GetFacesByImage returns all faces of an image.
func (r *FaceRepository) GetFacesByImage(ctx context.Context, imageID int64) ([]database.DetectedFace, error) {
	return r.queryFaces(ctx,
		"SELECT"+faceColumns+" FROM detected_faces WHERE image_id = $1 ORDER BY id", imageID)
}

// ListUnassignedFaces returns faces without a person, newest first.
// limit <= 0 means no limit.
func (r *FaceRepository) ListUnassignedFaces(ctx context.Context, limit int) ([]database.DetectedFace, error) {
	if limit <= 0 {
		return r.queryFaces(ctx,
			"SELECT"+faceColumns+" FROM detected_faces WHERE person_id IS NULL ORDER BY created_at DESC")
	}
	return r.queryFaces(ctx,
		"SELECT"+faceColumns+" FROM detected_faces WHERE person_id IS NULL ORDER BY created_at DESC LIMIT $1", limit)
}

// ListFacesByPerson returns all faces assigned to a person.
func (r *FaceRepository) ListFacesByPerson(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return r.queryFaces(ctx,
		"SELECT"+faceColumns+" FROM detected_faces WHERE person_id = $1 ORDER BY id", personID)
}

// ListUnsyncedManualFaces returns human-assigned faces of a person not yet
// uploaded to the face service.
func (r *FaceRepository) ListUnsyncedManualFaces(ctx context.Context, personID int64) ([]database.DetectedFace, error) {
	return r.queryFaces(ctx, "SELECT"+faceColumns+`
		FROM detected_faces
		WHERE person_id = $1 AND assigned_by IN ('user', 'manual') AND synced_at IS NULL
		ORDER BY id`, personID)
}

// ListAutoFacesBelow returns auto-assigned faces of a person below the
// given detection confidence.
func (r *FaceRepository) ListAutoFacesBelow(ctx context.Context, personID int64, confidence float64) ([]database.DetectedFace, error) {
	return r.queryFaces(ctx, "SELECT"+faceColumns+`
		FROM detected_faces
		WHERE person_id = $1 AND assigned_by LIKE 'auto\_%' AND detection_confidence < $2
		ORDER BY detection_confidence`, personID, confidence)
}

// CountManualFaces counts human-assigned faces of a person.
func (r *FaceRepository) CountManualFaces(ctx context.Context, personID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM detected_faces WHERE person_id = $1 AND assigned_by IN ('user', 'manual')", personID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count manual faces: %w", err)
	}
	return count, nil
}

// AssignFace links a face to a person, recording how the link was made.
func (r *FaceRepository) AssignFace(ctx context.Context, faceID, personID int64, confidence float64, assignedBy, method string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE detected_faces
		SET person_id = $2, person_confidence = $3, assigned_by = $4, recognition_method = $5
		WHERE id = $1
	`, faceID, personID, confidence, assignedBy, method)
	if err != nil {
		return fmt.Errorf("assign face: %w", err)
	}
	return requireRow(result, faceID)
}

// UnassignFace clears the person link and sync state of a face.
func (r *FaceRepository) UnassignFace(ctx context.Context, faceID int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE detected_faces
		SET person_id = NULL, person_confidence = 0, assigned_by = '',
			recognition_method = '', synced_at = NULL
		WHERE id = $1
	`, faceID)
	if err != nil {
		return fmt.Errorf("unassign face: %w", err)
	}
	return requireRow(result, faceID)
}

// MarkFaceSynced records a successful upload to the face service.
func (r *FaceRepository) MarkFaceSynced(ctx context.Context, faceID int64, at time.Time) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE detected_faces SET synced_at = $2 WHERE id = $1", faceID, at)
	if err != nil {
		return fmt.Errorf("mark face synced: %w", err)
	}
	return requireRow(result, faceID)
}

// ClearFaceSync resets the sync state of a single face.
func (r *FaceRepository) ClearFaceSync(ctx context.Context, faceID int64) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE detected_faces SET synced_at = NULL WHERE id = $1", faceID)
	if err != nil {
		return fmt.Errorf("clear face sync: %w", err)
	}
	return requireRow(result, faceID)
}

// ClearSyncForPerson resets sync state for all faces of a person.
func (r *FaceRepository) ClearSyncForPerson(ctx context.Context, personID int64) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE detected_faces SET synced_at = NULL WHERE person_id = $1", personID)
	if err != nil {
		return fmt.Errorf("clear sync for person: %w", err)
	}
	return nil
}

// SetFaceCluster assigns or clears a face's cluster.
func (r *FaceRepository) SetFaceCluster(ctx context.Context, faceID int64, clusterID *int64) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE detected_faces SET cluster_id = $2 WHERE id = $1", faceID, clusterID)
	if err != nil {
		return fmt.Errorf("set face cluster: %w", err)
	}
	return requireRow(result, faceID)
}

// DeleteFace removes a single face.
func (r *FaceRepository) DeleteFace(ctx context.Context, faceID int64) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM detected_faces WHERE id = $1", faceID)
	if err != nil {
		return fmt.Errorf("delete face: %w", err)
	}
	return requireRow(result, faceID)
}

// DeleteFacesByImage removes all faces of an image and returns their ids.
func (r *FaceRepository) DeleteFacesByImage(ctx context.Context, imageID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		"DELETE FROM detected_faces WHERE image_id = $1 RETURNING id", imageID)
	if err != nil {
		return nil, fmt.Errorf("delete faces by image: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted face id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted faces: %w", err)
	}
	return ids, nil
}

// SaveSimilarity caches a pairwise verification score. The pair is stored
// with the smaller id first.
func (r *FaceRepository) SaveSimilarity(ctx context.Context, sim *database.FaceSimilarity) error {
	a, b := sim.FaceAID, sim.FaceBID
	if a > b {
		a, b = b, a
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO face_similarities (face_a_id, face_b_id, similarity)
		VALUES ($1, $2, $3)
		ON CONFLICT (face_a_id, face_b_id) DO UPDATE SET
			similarity = EXCLUDED.similarity,
			compared_at = NOW()
	`, a, b, sim.Similarity)
	if err != nil {
		return fmt.Errorf("save similarity: %w", err)
	}
	return nil
}

// GetSimilarity returns a cached score, false when the pair is unseen.
func (r *FaceRepository) GetSimilarity(ctx context.Context, faceAID, faceBID int64) (float64, bool, error) {
	a, b := faceAID, faceBID
	if a > b {
		a, b = b, a
	}
	var similarity float64
	err := r.pool.QueryRow(ctx,
		"SELECT similarity FROM face_similarities WHERE face_a_id = $1 AND face_b_id = $2", a, b,
	).Scan(&similarity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get similarity: %w", err)
	}
	return similarity, true, nil
}

// PruneSimilarities deletes cached scores whose faces no longer exist.
func (r *FaceRepository) PruneSimilarities(ctx context.Context) (int, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM face_similarities s
		WHERE NOT EXISTS (SELECT 1 FROM detected_faces WHERE id = s.face_a_id)
		   OR NOT EXISTS (SELECT 1 FROM detected_faces WHERE id = s.face_b_id)
	`)
	if err != nil {
		return 0, fmt.Errorf("prune similarities: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune similarities: %w", err)
	}
	return int(removed), nil
}

func (r *FaceRepository) queryFaces(ctx context.Context, query string, args ...any) ([]database.DetectedFace, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query faces: %w", err)
	}
	defer rows.Close()
	return scanFaces(rows)
}

func scanFace(row rowScanner) (*database.DetectedFace, error) {
	var face database.DetectedFace
	var landmarks []byte
	var embedding nullVector
	err := row.Scan(
		&face.ID, &face.ImageID, &face.FaceImagePath,
		&face.XMin, &face.YMin, &face.XMax, &face.YMax,
		&face.DetectionConfidence, &face.Gender, &face.GenderConfidence,
		&face.AgeMin, &face.AgeMax, &face.AgeConfidence,
		&landmarks, &embedding, &face.PersonID, &face.PersonConfidence, &face.AssignedBy,
		&face.RecognitionMethod, &face.SyncedAt, &face.ClusterID, &face.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	face.Landmarks = landmarks
	if embedding.valid {
		face.Embedding = embedding.vec.Slice()
	}
	return &face, nil
}

func scanFaces(rows *sql.Rows) ([]database.DetectedFace, error) {
	var faces []database.DetectedFace
	for rows.Next() {
		face, err := scanFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, *face)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faces: %w", err)
	}
	return faces, nil
}
