package clustering

import (
	"github.com/coder/hnsw"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

const indexMaxNeighbors = 16

// embeddingIndex is an approximate-nearest-neighbor index over face
// embeddings, used to preselect Verify candidates for a seed face.
type embeddingIndex struct {
	graph *hnsw.Graph[int64]
}

// newEmbeddingIndex builds an index from the faces that carry embeddings.
// Returns nil when too few faces have one to be useful.
func newEmbeddingIndex(faces []database.DetectedFace) *embeddingIndex {
	g := hnsw.NewGraph[int64]()
	g.M = indexMaxNeighbors
	g.Ml = 1.0 / float64(indexMaxNeighbors)
	g.Distance = hnsw.CosineDistance

	indexed := 0
	for i := range faces {
		if len(faces[i].Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(faces[i].ID, faces[i].Embedding))
		indexed++
	}
	if indexed < 2 {
		return nil
	}
	return &embeddingIndex{graph: g}
}

// Neighbors returns up to k face ids closest to the given face, excluding
// the face itself. Returns nil when the face has no embedding.
func (ix *embeddingIndex) Neighbors(face *database.DetectedFace, k int) []int64 {
	if ix == nil || len(face.Embedding) == 0 {
		return nil
	}
	nodes := ix.graph.Search(face.Embedding, k+1)
	ids := make([]int64, 0, len(nodes))
	for _, n := range nodes {
		if n.Key == face.ID {
			continue
		}
		ids = append(ids, n.Key)
		if len(ids) == k {
			break
		}
	}
	return ids
}
