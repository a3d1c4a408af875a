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

// AlbumRepository provides PostgreSQL-backed smart album storage.
type AlbumRepository struct {
	pool *Pool
}

var _ database.AlbumStore = (*AlbumRepository)(nil)

// NewAlbumRepository creates a new PostgreSQL album repository.
func NewAlbumRepository(pool *Pool) *AlbumRepository {
	return &AlbumRepository{pool: pool}
}

const albumColumns = `
	id, slug, name, description, album_type, rules, priority,
	is_active, is_system, cover_image_id, image_count, created_at, updated_at`

// UpsertAlbum inserts or updates an album by slug and returns its id.
func (r *AlbumRepository) UpsertAlbum(ctx context.Context, album *database.SmartAlbum) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO smart_albums (slug, name, description, album_type, rules, priority, is_active, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (slug) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			album_type = EXCLUDED.album_type,
			rules = EXCLUDED.rules,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active,
			updated_at = NOW()
		RETURNING id
	`, album.Slug, album.Name, album.Description, album.Type,
		string(album.Rules), album.Priority, album.IsActive, album.IsSystem).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert album: %w", err)
	}
	album.ID = id
	return id, nil
}

// GetAlbumBySlug retrieves an album by slug.
func (r *AlbumRepository) GetAlbumBySlug(ctx context.Context, slug string) (*database.SmartAlbum, error) {
	row := r.pool.QueryRow(ctx, "SELECT"+albumColumns+" FROM smart_albums WHERE slug = $1", slug)
	album, err := scanAlbum(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("album %q: %w", slug, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get album: %w", err)
	}
	return album, nil
}

// ListAlbums returns albums ordered by priority.
func (r *AlbumRepository) ListAlbums(ctx context.Context, activeOnly bool) ([]database.SmartAlbum, error) {
	query := "SELECT" + albumColumns + " FROM smart_albums"
	if activeOnly {
		query += " WHERE is_active"
	}
	query += " ORDER BY priority DESC, name"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list albums: %w", err)
	}
	defer rows.Close()

	var albums []database.SmartAlbum
	for rows.Next() {
		album, err := scanAlbum(rows)
		if err != nil {
			return nil, fmt.Errorf("scan album: %w", err)
		}
		albums = append(albums, *album)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate albums: %w", err)
	}
	return albums, nil
}

// SetMembership upserts an image's membership in an album with the rule
// facts that admitted it.
func (r *AlbumRepository) SetMembership(ctx context.Context, albumID, imageID int64, confidence float64, reasons []string) error {
	var reasonsJSON any
	if len(reasons) > 0 {
		data, err := json.Marshal(reasons)
		if err != nil {
			return fmt.Errorf("marshal membership reasons: %w", err)
		}
		reasonsJSON = data
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO smart_album_members (album_id, image_id, confidence, reasons)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (album_id, image_id) DO UPDATE SET
			confidence = EXCLUDED.confidence,
			reasons = EXCLUDED.reasons
	`, albumID, imageID, confidence, reasonsJSON)
	if err != nil {
		return fmt.Errorf("set membership: %w", err)
	}
	return nil
}

// RemoveMembership removes an image from an album.
func (r *AlbumRepository) RemoveMembership(ctx context.Context, albumID, imageID int64) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM smart_album_members WHERE album_id = $1 AND image_id = $2", albumID, imageID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// RemoveImageMemberships removes an image from every album.
func (r *AlbumRepository) RemoveImageMemberships(ctx context.Context, imageID int64) error {
	_, err := r.pool.Exec(ctx, "DELETE FROM smart_album_members WHERE image_id = $1", imageID)
	if err != nil {
		return fmt.Errorf("remove image memberships: %w", err)
	}
	return nil
}

// ListMemberImageIDs returns member image ids, newest membership first.
func (r *AlbumRepository) ListMemberImageIDs(ctx context.Context, albumID int64, limit, offset int) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT image_id
		FROM smart_album_members
		WHERE album_id = $1
		ORDER BY added_at DESC
		LIMIT $2 OFFSET $3
	`, albumID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list album members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member ids: %w", err)
	}
	return ids, nil
}

// RefreshAlbumStats recounts members and picks the highest-confidence
// member as cover.
func (r *AlbumRepository) RefreshAlbumStats(ctx context.Context, albumID int64) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE smart_albums SET
			image_count = (SELECT COUNT(*) FROM smart_album_members WHERE album_id = $1),
			cover_image_id = (
				SELECT image_id FROM smart_album_members
				WHERE album_id = $1
				ORDER BY confidence DESC, added_at DESC
				LIMIT 1
			),
			updated_at = NOW()
		WHERE id = $1
	`, albumID)
	if err != nil {
		return fmt.Errorf("refresh album stats: %w", err)
	}
	return requireRow(result, albumID)
}

func scanAlbum(row rowScanner) (*database.SmartAlbum, error) {
	var album database.SmartAlbum
	var rules []byte
	err := row.Scan(
		&album.ID, &album.Slug, &album.Name, &album.Description, &album.Type,
		&rules, &album.Priority, &album.IsActive, &album.IsSystem,
		&album.CoverImageID, &album.ImageCount, &album.CreatedAt, &album.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	album.Rules = rules
	return &album, nil
}
