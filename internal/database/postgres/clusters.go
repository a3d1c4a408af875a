package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// ClusterRepository provides PostgreSQL-backed face cluster storage.
type ClusterRepository struct {
	pool *Pool
}

var _ database.ClusterStore = (*ClusterRepository)(nil)

// NewClusterRepository creates a new PostgreSQL cluster repository.
func NewClusterRepository(pool *Pool) *ClusterRepository {
	return &ClusterRepository{pool: pool}
}

// CreateCluster inserts a cluster with its members and returns its id.
// Member faces get their cluster_id set in the same transaction.
func (r *ClusterRepository) CreateCluster(ctx context.Context, cluster *database.FaceCluster, members []database.FaceClusterMember) (int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO face_clusters (name, face_count, avg_similarity, representative_face_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, cluster.Name, len(members), cluster.AvgSimilarity, cluster.RepresentativeFaceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cluster: %w", err)
	}

	for _, m := range members {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO face_cluster_members (cluster_id, face_id, similarity, is_representative)
			VALUES ($1, $2, $3, $4)
		`, id, m.FaceID, m.Similarity, m.IsRepresentative)
		if err != nil {
			return 0, fmt.Errorf("insert cluster member: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE detected_faces SET cluster_id = $1 WHERE id = $2", id, m.FaceID)
		if err != nil {
			return 0, fmt.Errorf("link face to cluster: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cluster: %w", err)
	}
	cluster.ID = id
	cluster.FaceCount = len(members)
	return id, nil
}

// ListClusters returns clusters, largest first.
func (r *ClusterRepository) ListClusters(ctx context.Context, includeReviewed bool) ([]database.FaceCluster, error) {
	query := `
		SELECT id, name, face_count, avg_similarity, representative_face_id, reviewed, created_at
		FROM face_clusters
	`
	if !includeReviewed {
		query += " WHERE NOT reviewed"
	}
	query += " ORDER BY face_count DESC, id"

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []database.FaceCluster
	for rows.Next() {
		var c database.FaceCluster
		if err := rows.Scan(&c.ID, &c.Name, &c.FaceCount, &c.AvgSimilarity, &c.RepresentativeFaceID, &c.Reviewed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clusters: %w", err)
	}
	return clusters, nil
}

// GetClusterMembers returns the members of a cluster.
func (r *ClusterRepository) GetClusterMembers(ctx context.Context, clusterID int64) ([]database.FaceClusterMember, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT cluster_id, face_id, similarity, is_representative
		FROM face_cluster_members
		WHERE cluster_id = $1
		ORDER BY similarity DESC
	`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("get cluster members: %w", err)
	}
	defer rows.Close()

	var members []database.FaceClusterMember
	for rows.Next() {
		var m database.FaceClusterMember
		if err := rows.Scan(&m.ClusterID, &m.FaceID, &m.Similarity, &m.IsRepresentative); err != nil {
			return nil, fmt.Errorf("scan cluster member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster members: %w", err)
	}
	return members, nil
}

// MarkReviewed flags a cluster as human-reviewed.
func (r *ClusterRepository) MarkReviewed(ctx context.Context, clusterID int64) error {
	result, err := r.pool.Exec(ctx,
		"UPDATE face_clusters SET reviewed = TRUE WHERE id = $1", clusterID)
	if err != nil {
		return fmt.Errorf("mark cluster reviewed: %w", err)
	}
	return requireRow(result, clusterID)
}

// DeleteCluster removes a cluster and clears member links.
func (r *ClusterRepository) DeleteCluster(ctx context.Context, clusterID int64) error {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE detected_faces SET cluster_id = NULL WHERE cluster_id = $1", clusterID); err != nil {
		return fmt.Errorf("unlink cluster faces: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM face_clusters WHERE id = $1", clusterID)
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	if err := requireRow(result, clusterID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cluster delete: %w", err)
	}
	return nil
}

// DeleteEmptyClusters removes clusters whose member faces were all assigned
// to persons or deleted.
func (r *ClusterRepository) DeleteEmptyClusters(ctx context.Context) (int, error) {
	result, err := r.pool.Exec(ctx, `
		DELETE FROM face_clusters c
		WHERE NOT EXISTS (
			SELECT 1
			FROM face_cluster_members m
			JOIN detected_faces f ON f.id = m.face_id
			WHERE m.cluster_id = c.id AND f.person_id IS NULL
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("delete empty clusters: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}
