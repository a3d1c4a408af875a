package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// TrainingRepository provides PostgreSQL-backed training log storage.
type TrainingRepository struct {
	pool *Pool
}

var _ database.TrainingStore = (*TrainingRepository)(nil)

// NewTrainingRepository creates a new PostgreSQL training repository.
func NewTrainingRepository(pool *Pool) *TrainingRepository {
	return &TrainingRepository{pool: pool}
}

// CreateRun opens a training run for a person and returns its id.
func (r *TrainingRepository) CreateRun(ctx context.Context, run *database.TrainingRun) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO training_runs (person_id, faces_attempted, status)
		VALUES ($1, $2, 'running')
		RETURNING id
	`, run.PersonID, run.FacesAttempted).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert training run: %w", err)
	}
	run.ID = id
	return id, nil
}

// CompleteRun closes a run with final counters and status.
func (r *TrainingRepository) CompleteRun(ctx context.Context, run *database.TrainingRun) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE training_runs SET
			faces_attempted = $2, faces_succeeded = $3, faces_failed = $4,
			status = $5, error_message = $6, completed_at = NOW()
		WHERE id = $1
	`, run.ID, run.FacesAttempted, run.FacesSucceeded, run.FacesFailed,
		run.Status, run.ErrorMessage)
	if err != nil {
		return fmt.Errorf("complete training run: %w", err)
	}
	return requireRow(result, run.ID)
}

// AppendLog adds a per-face log entry and returns its id.
func (r *TrainingRepository) AppendLog(ctx context.Context, entry *database.TrainingLogEntry) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO training_log (run_id, person_id, face_id, status, error_message, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, entry.RunID, entry.PersonID, entry.FaceID,
		entry.Status, entry.ErrorMessage, entry.UploadedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert training log entry: %w", err)
	}
	entry.ID = id
	return id, nil
}

// UpdateLogStatus updates the outcome of a log entry.
func (r *TrainingRepository) UpdateLogStatus(ctx context.Context, id int64, status, errorMessage string, uploadedAt *time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE training_log SET status = $2, error_message = $3, uploaded_at = $4
		WHERE id = $1
	`, id, status, errorMessage, uploadedAt)
	if err != nil {
		return fmt.Errorf("update training log entry: %w", err)
	}
	return requireRow(result, id)
}

// ListRuns returns recent runs for a person, newest first.
func (r *TrainingRepository) ListRuns(ctx context.Context, personID int64, limit int) ([]database.TrainingRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, person_id, faces_attempted, faces_succeeded, faces_failed,
		       status, error_message, started_at, completed_at
		FROM training_runs
		WHERE person_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list training runs: %w", err)
	}
	defer rows.Close()

	var runs []database.TrainingRun
	for rows.Next() {
		var run database.TrainingRun
		if err := rows.Scan(
			&run.ID, &run.PersonID, &run.FacesAttempted, &run.FacesSucceeded, &run.FacesFailed,
			&run.Status, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan training run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training runs: %w", err)
	}
	return runs, nil
}

// ListLog returns the per-face entries of a run.
func (r *TrainingRepository) ListLog(ctx context.Context, runID int64) ([]database.TrainingLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, person_id, face_id, status, error_message, uploaded_at, created_at
		FROM training_log
		WHERE run_id = $1
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list training log: %w", err)
	}
	defer rows.Close()

	var entries []database.TrainingLogEntry
	for rows.Next() {
		var entry database.TrainingLogEntry
		if err := rows.Scan(
			&entry.ID, &entry.RunID, &entry.PersonID, &entry.FaceID,
			&entry.Status, &entry.ErrorMessage, &entry.UploadedAt, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan training log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training log: %w", err)
	}
	return entries, nil
}
