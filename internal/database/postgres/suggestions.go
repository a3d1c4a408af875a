package postgres

import (
	"context"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// SuggestionRepository provides PostgreSQL-backed suggestion storage.
type SuggestionRepository struct {
	pool *Pool
}

var _ database.SuggestionStore = (*SuggestionRepository)(nil)

// NewSuggestionRepository creates a new PostgreSQL suggestion repository.
func NewSuggestionRepository(pool *Pool) *SuggestionRepository {
	return &SuggestionRepository{pool: pool}
}

// SaveSuggestion upserts a pending suggestion for a face/person pair.
// Accepted and rejected suggestions are never downgraded back to pending.
func (r *SuggestionRepository) SaveSuggestion(ctx context.Context, s *database.PersonSuggestion) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO person_suggestions (face_id, person_id, confidence, source, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (face_id, person_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			source = EXCLUDED.source
		WHERE person_suggestions.status = 'pending'
	`, s.FaceID, s.PersonID, s.Confidence, s.Source)
	if err != nil {
		return fmt.Errorf("save suggestion: %w", err)
	}
	return nil
}

// ListPending returns pending suggestions for a person, highest confidence
// first.
func (r *SuggestionRepository) ListPending(ctx context.Context, personID int64, limit int) ([]database.PersonSuggestion, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, face_id, person_id, confidence, source, status, created_at
		FROM person_suggestions
		WHERE person_id = $1 AND status = 'pending'
		ORDER BY confidence DESC
		LIMIT $2
	`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending suggestions: %w", err)
	}
	defer rows.Close()

	var suggestions []database.PersonSuggestion
	for rows.Next() {
		var s database.PersonSuggestion
		if err := rows.Scan(&s.ID, &s.FaceID, &s.PersonID, &s.Confidence, &s.Source, &s.Status, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestions: %w", err)
	}
	return suggestions, nil
}

// CountPending counts pending suggestions for a person.
func (r *SuggestionRepository) CountPending(ctx context.Context, personID int64) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM person_suggestions WHERE person_id = $1 AND status = 'pending'", personID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending suggestions: %w", err)
	}
	return count, nil
}

// SetStatus accepts or rejects a suggestion.
func (r *SuggestionRepository) SetStatus(ctx context.Context, id int64, status string) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE person_suggestions SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("set suggestion status: %w", err)
	}
	return requireRow(result, id)
}

// DeleteForFace removes all suggestions of a face.
func (r *SuggestionRepository) DeleteForFace(ctx context.Context, faceID int64) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM person_suggestions WHERE face_id = $1", faceID)
	if err != nil {
		return fmt.Errorf("delete suggestions for face: %w", err)
	}
	return nil
}
