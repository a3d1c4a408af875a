package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// FileIndexRepository provides PostgreSQL-backed file index storage.
type FileIndexRepository struct {
	pool *Pool
}

var _ database.FileIndexStore = (*FileIndexRepository)(nil)

// NewFileIndexRepository creates a new PostgreSQL file index repository.
func NewFileIndexRepository(pool *Pool) *FileIndexRepository {
	return &FileIndexRepository{pool: pool}
}

const fileIndexColumns = `
	id, file_path, file_hash, file_size, file_mtime, status, image_id,
	error_message, retry_count, discovered_at, claimed_at, processed_at`

// Upsert records a discovered file. A path whose size or mtime changed is
// reset to pending for reprocessing. Returns true when the entry is new or
// was reset.
func (r *FileIndexRepository) Upsert(ctx context.Context, entry *database.FileIndexEntry) (bool, error) {
	// ON CONFLICT keeps completed entries untouched unless the file changed.
	query := `
		INSERT INTO file_index (file_path, file_hash, file_size, file_mtime, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (file_path) DO UPDATE SET
			file_hash = EXCLUDED.file_hash,
			file_size = EXCLUDED.file_size,
			file_mtime = EXCLUDED.file_mtime,
			status = 'pending',
			error_message = '',
			retry_count = 0,
			claimed_at = NULL,
			processed_at = NULL
		WHERE file_index.file_size <> EXCLUDED.file_size
		   OR file_index.file_mtime <> EXCLUDED.file_mtime
		RETURNING id
	`
	var id int64
	err := r.pool.QueryRow(ctx, query, entry.FilePath, entry.FileHash, entry.FileSize, entry.FileMtime).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Conflict with an unchanged file: nothing written.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("upsert file index entry: %w", err)
	}
	entry.ID = id
	return true, nil
}

// GetByPath retrieves an entry by absolute source path.
func (r *FileIndexRepository) GetByPath(ctx context.Context, path string) (*database.FileIndexEntry, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+fileIndexColumns+" FROM file_index WHERE file_path = $1", path)
	entry, err := scanFileIndexEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file index entry %q: %w", path, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get file index entry: %w", err)
	}
	return entry, nil
}

// ClaimPending atomically moves up to limit pending entries to processing
// and returns them. FOR UPDATE SKIP LOCKED keeps concurrent claimers from
// taking the same rows.
func (r *FileIndexRepository) ClaimPending(ctx context.Context, limit int) ([]database.FileIndexEntry, error) {
	query := `
		UPDATE file_index SET status = 'processing', claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM file_index
			WHERE status = 'pending'
			ORDER BY discovered_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + fileIndexColumns
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending entries: %w", err)
	}
	defer rows.Close()

	var entries []database.FileIndexEntry
	for rows.Next() {
		entry, err := scanFileIndexEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed entries: %w", err)
	}
	return entries, nil
}

// MarkCompleted finishes an entry and links its image.
func (r *FileIndexRepository) MarkCompleted(ctx context.Context, id, imageID int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE file_index SET
			status = 'completed', image_id = $2, error_message = '', processed_at = NOW()
		WHERE id = $1
	`, id, imageID)
	if err != nil {
		return fmt.Errorf("mark entry completed: %w", err)
	}
	return requireRow(result, id)
}

// MarkFailed records a failure and bumps the retry counter.
func (r *FileIndexRepository) MarkFailed(ctx context.Context, id int64, message string) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE file_index SET
			status = 'failed', error_message = $2, retry_count = retry_count + 1, processed_at = NOW()
		WHERE id = $1
	`, id, message)
	if err != nil {
		return fmt.Errorf("mark entry failed: %w", err)
	}
	return requireRow(result, id)
}

// ResetStalled returns processing entries claimed before the cutoff to
// pending. Keying on the claim time keeps a freshly claimed backlog entry
// from being re-claimed while it is still being processed.
func (r *FileIndexRepository) ResetStalled(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE file_index SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reset stalled entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// RetryFailed returns failed entries with retries left to pending.
func (r *FileIndexRepository) RetryFailed(ctx context.Context, maxRetries int) (int, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE file_index SET status = 'pending', error_message = ''
		WHERE status = 'failed' AND retry_count < $1
	`, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("retry failed entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// CountByStatus returns entry counts keyed by status.
func (r *FileIndexRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT status, COUNT(*) FROM file_index GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

func scanFileIndexEntry(row rowScanner) (*database.FileIndexEntry, error) {
	var entry database.FileIndexEntry
	err := row.Scan(
		&entry.ID, &entry.FilePath, &entry.FileHash, &entry.FileSize, &entry.FileMtime,
		&entry.Status, &entry.ImageID, &entry.ErrorMessage, &entry.RetryCount,
		&entry.DiscoveredAt, &entry.ClaimedAt, &entry.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
