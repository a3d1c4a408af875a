package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// PersonRepository provides PostgreSQL-backed person storage.
type PersonRepository struct {
	pool *Pool
}

var _ database.PersonStore = (*PersonRepository)(nil)

// NewPersonRepository creates a new PostgreSQL person repository.
func NewPersonRepository(pool *Pool) *PersonRepository {
	return &PersonRepository{pool: pool}
}

const personColumns = `
	id, name, subject_id, face_count, recognition_status, trained_face_count,
	last_trained_at, auto_recognize, avatar_face_id, created_at, updated_at`

// CreatePerson inserts a person and returns its id.
func (r *PersonRepository) CreatePerson(ctx context.Context, p *database.Person) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO persons (name, subject_id, recognition_status, auto_recognize)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, p.Name, p.SubjectID, orDefault(p.RecognitionStatus, database.RecognitionUntrained), p.AutoRecognize).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert person: %w", err)
	}
	return id, nil
}

// GetPerson retrieves a person by id.
func (r *PersonRepository) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+personColumns+" FROM persons WHERE id = $1", id)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("person %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// GetPersonBySubjectID resolves a face-service subject to a person.
func (r *PersonRepository) GetPersonBySubjectID(ctx context.Context, subjectID string) (*database.Person, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+personColumns+" FROM persons WHERE subject_id = $1", subjectID)
	p, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %q: %w", subjectID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get person by subject: %w", err)
	}
	return p, nil
}

// ListPersons returns all persons ordered by name.
func (r *PersonRepository) ListPersons(ctx context.Context) ([]database.Person, error) {
	rows, err := r.pool.Query(ctx, "SELECT"+personColumns+" FROM persons ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()
	return scanPersons(rows)
}

// UpdatePerson persists the mutable fields of a person.
func (r *PersonRepository) UpdatePerson(ctx context.Context, p *database.Person) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE persons SET
			name = $2, subject_id = $3, recognition_status = $4,
			trained_face_count = $5, last_trained_at = $6,
			auto_recognize = $7, avatar_face_id = $8,
			updated_at = NOW()
		WHERE id = $1
	`, p.ID, p.Name, p.SubjectID, p.RecognitionStatus,
		p.TrainedFaceCount, p.LastTrainedAt, p.AutoRecognize, p.AvatarFaceID)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return requireRow(result, p.ID)
}

// DeletePerson removes a person. The schema unassigns faces via ON DELETE
// SET NULL rather than deleting them.
func (r *PersonRepository) DeletePerson(ctx context.Context, id int64) error {
	result, err := r.pool.Exec(ctx, "DELETE FROM persons WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete person: %w", err)
	}
	return requireRow(result, id)
}

// RefreshCounts recomputes the cached face counters of a person.
func (r *PersonRepository) RefreshCounts(ctx context.Context, personID int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE persons SET
			face_count = (SELECT COUNT(*) FROM detected_faces WHERE person_id = $1),
			trained_face_count = (SELECT COUNT(*) FROM detected_faces WHERE person_id = $1 AND synced_at IS NOT NULL),
			updated_at = NOW()
		WHERE id = $1
	`, personID)
	if err != nil {
		return fmt.Errorf("refresh person counts: %w", err)
	}
	return requireRow(result, personID)
}

// ListPersonsWithUnsyncedFaces returns persons having human-assigned faces
// not yet uploaded to the face service.
func (r *PersonRepository) ListPersonsWithUnsyncedFaces(ctx context.Context) ([]database.Person, error) {
	rows, err := r.pool.Query(ctx, "SELECT"+personColumns+`
		FROM persons p
		WHERE EXISTS (
			SELECT 1 FROM detected_faces f
			WHERE f.person_id = p.id AND f.assigned_by IN ('user', 'manual') AND f.synced_at IS NULL
		)
		ORDER BY p.name
	`)
	if err != nil {
		return nil, fmt.Errorf("list persons with unsynced faces: %w", err)
	}
	defer rows.Close()
	return scanPersons(rows)
}

// SetRecognitionStatus moves a person through the training lifecycle.
func (r *PersonRepository) SetRecognitionStatus(ctx context.Context, personID int64, status string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE persons SET
			recognition_status = $2,
			last_trained_at = CASE WHEN $2 = 'trained' THEN NOW() ELSE last_trained_at END,
			updated_at = NOW()
		WHERE id = $1
	`, personID, status)
	if err != nil {
		return fmt.Errorf("set recognition status: %w", err)
	}
	return requireRow(result, personID)
}

func scanPerson(row rowScanner) (*database.Person, error) {
	var p database.Person
	err := row.Scan(
		&p.ID, &p.Name, &p.SubjectID, &p.FaceCount, &p.RecognitionStatus, &p.TrainedFaceCount,
		&p.LastTrainedAt, &p.AutoRecognize, &p.AvatarFaceID, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPersons(rows *sql.Rows) ([]database.Person, error) {
	var persons []database.Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		persons = append(persons, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return persons, nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
