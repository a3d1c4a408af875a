// Package clustering generates person suggestions for unassigned faces.
// Phase 1 asks the face service to recognize faces of trained persons;
// phase 2 groups the residual unknown faces into clusters using pairwise
// verification, so a user can name a whole group at once.
package clustering

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/compreface"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/config"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/storage"
)

// FaceService is the slice of the face service client the engine needs.
type FaceService interface {
	RecognizeFaces(ctx context.Context, imageBytes []byte, filename string) (*compreface.RecognitionResponse, error)
	VerifyFaces(ctx context.Context, sourceBytes, targetBytes []byte) (float64, error)
}

// SuggestionReport summarizes a phase-1 pass.
type SuggestionReport struct {
	FacesConsidered int
	ImagesScanned   int
	Suggested       int
	Residual        []database.DetectedFace
	Errors          []string
}

// ClusterReport summarizes a phase-2 pass.
type ClusterReport struct {
	ClustersCreated int
	FacesClustered  int
	Comparisons     int
	CacheHits       int
	Errors          []string
}

// SampleEstimate extrapolates suggestion yield from a high-quality sample.
type SampleEstimate struct {
	TotalUnassigned      int
	Sampled              bool
	SampleSize           int
	SampleSuggested      int
	EstimatedSuggestible int
}

// Engine runs the two-phase suggestion generator.
type Engine struct {
	db      *database.Stores
	service FaceService
	store   *storage.Store
	cfg     *config.FaceRecognitionConfig

	// Pacing between service calls, overridable in tests.
	recognizeDelay time.Duration
	compareDelay   time.Duration
}

// New creates a clustering engine.
func New(db *database.Stores, service FaceService, store *storage.Store, cfg *config.FaceRecognitionConfig) *Engine {
	return &Engine{
		db:             db,
		service:        service,
		store:          store,
		cfg:            cfg,
		recognizeDelay: constants.RecognizeBatchDelayMs * time.Millisecond,
		compareDelay:   constants.CompareDelayMs * time.Millisecond,
	}
}

// candidateFaces returns the unassigned faces eligible for suggestion work:
// confident detections with a stored crop.
func (e *Engine) candidateFaces(ctx context.Context, limit int) ([]database.DetectedFace, error) {
	faces, err := e.db.Faces.ListUnassignedFaces(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list unassigned faces: %w", err)
	}
	eligible := faces[:0]
	for _, f := range faces {
		if f.DetectionConfidence >= constants.MinSuggestionConfidence && f.FaceImagePath != "" {
			eligible = append(eligible, f)
		}
	}
	return eligible, nil
}

// GenerateSuggestions runs phase 1: recognition against trained subjects.
// Faces that match a known person become pending suggestions; the rest are
// returned as the residual for phase 2.
func (e *Engine) GenerateSuggestions(ctx context.Context) (*SuggestionReport, error) {
	faces, err := e.candidateFaces(ctx, 0)
	if err != nil {
		return nil, err
	}
	return e.suggestFromRecognition(ctx, faces, true)
}

// suggestFromRecognition recognizes the candidate faces image by image and
// matches results back to faces by bounding-box proximity. With persist
// false, nothing is written (used by the quick-sample estimate).
func (e *Engine) suggestFromRecognition(ctx context.Context, faces []database.DetectedFace, persist bool) (*SuggestionReport, error) {
	report := &SuggestionReport{FacesConsidered: len(faces)}

	byImage := make(map[int64][]database.DetectedFace)
	for _, f := range faces {
		byImage[f.ImageID] = append(byImage[f.ImageID], f)
	}
	imageIDs := make([]int64, 0, len(byImage))
	for id := range byImage {
		imageIDs = append(imageIDs, id)
	}
	sort.Slice(imageIDs, func(i, j int) bool { return imageIDs[i] > imageIDs[j] })

	// Suggestions accumulate per person so they can be capped and ranked
	// before persisting.
	type match struct {
		face       database.DetectedFace
		confidence float64
	}
	perPerson := make(map[int64][]match)
	suggestedFace := make(map[int64]bool)

	for i, imageID := range imageIDs {
		if i > 0 && e.recognizeDelay > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(e.recognizeDelay):
			}
		}
		report.ImagesScanned++

		results, err := e.recognizeImage(ctx, imageID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("image %d: %v", imageID, err))
			continue
		}
		for _, result := range results {
			face, ok := matchFaceByBox(byImage[imageID], result.Box)
			if !ok || len(result.Subjects) == 0 {
				continue
			}
			top := result.Subjects[0]
			if top.Similarity < e.cfg.Confidence.AutoAssign {
				continue
			}
			person, err := e.db.Persons.GetPersonBySubjectID(ctx, top.Subject)
			if err != nil {
				log.Printf("clustering: subject %q has no person: %v", top.Subject, err)
				continue
			}
			perPerson[person.ID] = append(perPerson[person.ID], match{face: *face, confidence: top.Similarity})
			suggestedFace[face.ID] = true
		}
	}

	for personID, matches := range perPerson {
		sort.Slice(matches, func(i, j int) bool { return matches[i].confidence > matches[j].confidence })
		if len(matches) > constants.MaxSuggestionsPerPerson {
			matches = matches[:constants.MaxSuggestionsPerPerson]
		}
		for _, m := range matches {
			report.Suggested++
			if !persist {
				continue
			}
			err := e.db.Suggestions.SaveSuggestion(ctx, &database.PersonSuggestion{
				FaceID:     m.face.ID,
				PersonID:   personID,
				Confidence: m.confidence,
				Source:     database.SuggestionSourceRecognition,
				Status:     database.SuggestionPending,
			})
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("face %d: save suggestion: %v", m.face.ID, err))
			}
		}
	}

	for _, f := range faces {
		if !suggestedFace[f.ID] {
			report.Residual = append(report.Residual, f)
		}
	}
	return report, nil
}

// recognizeImage loads the organized media file and runs recognition.
func (e *Engine) recognizeImage(ctx context.Context, imageID int64) ([]compreface.RecognitionResult, error) {
	img, err := e.db.Images.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	imageBytes, err := os.ReadFile(e.store.MediaPath(img.RelativeMediaPath))
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	resp, err := e.service.RecognizeFaces(ctx, imageBytes, img.Filename)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// matchFaceByBox finds the stored face whose bounding box lies within the
// per-edge tolerance of a recognition result.
func matchFaceByBox(faces []database.DetectedFace, box compreface.BoundingBox) (*database.DetectedFace, bool) {
	for i := range faces {
		f := &faces[i]
		if absInt(f.XMin-box.XMin) <= constants.BBoxMatchTolerancePx &&
			absInt(f.YMin-box.YMin) <= constants.BBoxMatchTolerancePx &&
			absInt(f.XMax-box.XMax) <= constants.BBoxMatchTolerancePx &&
			absInt(f.YMax-box.YMax) <= constants.BBoxMatchTolerancePx {
			return f, true
		}
	}
	return nil, false
}

// ClusterResidual runs phase 2 over faces no known person claimed. Seeds
// are taken in decreasing detection confidence; each seed is verified
// against a bounded candidate set and groups at the similarity threshold.
func (e *Engine) ClusterResidual(ctx context.Context, residual []database.DetectedFace) (*ClusterReport, error) {
	report := &ClusterReport{}

	faces := make([]database.DetectedFace, len(residual))
	copy(faces, residual)
	sort.Slice(faces, func(i, j int) bool {
		return faces[i].DetectionConfidence > faces[j].DetectionConfidence
	})

	index := newEmbeddingIndex(faces)
	claimed := make(map[int64]bool)

	for i := range faces {
		seed := &faces[i]
		if claimed[seed.ID] {
			continue
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		candidates := e.selectCandidates(seed, faces, index, claimed)
		if len(candidates) == 0 {
			continue
		}

		seedBytes, err := os.ReadFile(e.store.FacePath(seed.FaceImagePath))
		if err != nil {
			continue
		}

		type member struct {
			face       *database.DetectedFace
			similarity float64
		}
		group := []member{{face: seed, similarity: 1.0}}

		for _, candidate := range candidates {
			similarity, cached, err := e.compareFaces(ctx, seed, candidate, seedBytes)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("faces %d/%d: %v", seed.ID, candidate.ID, err))
				continue
			}
			report.Comparisons++
			if cached {
				report.CacheHits++
			}
			if similarity >= constants.ClusterSimilarityThreshold {
				group = append(group, member{face: candidate, similarity: similarity})
			}
		}

		if len(group) < constants.MinClusterSize || len(group) > constants.MaxClusterSize {
			continue
		}

		total := 0.0
		members := make([]database.FaceClusterMember, len(group))
		for j, m := range group {
			total += m.similarity
			members[j] = database.FaceClusterMember{
				FaceID:           m.face.ID,
				Similarity:       m.similarity,
				IsRepresentative: m.face.ID == seed.ID,
			}
		}
		seedID := seed.ID
		cluster := &database.FaceCluster{
			Name:                 uuid.NewString(),
			FaceCount:            len(group),
			AvgSimilarity:        total / float64(len(group)),
			RepresentativeFaceID: &seedID,
		}
		clusterID, err := e.db.Clusters.CreateCluster(ctx, cluster, members)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("seed %d: create cluster: %v", seed.ID, err))
			continue
		}
		for _, m := range group {
			if err := e.db.Faces.SetFaceCluster(ctx, m.face.ID, &clusterID); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("face %d: set cluster: %v", m.face.ID, err))
			}
			claimed[m.face.ID] = true
		}
		report.ClustersCreated++
		report.FacesClustered += len(group)
	}
	return report, nil
}

// selectCandidates picks up to MaxClusterCandidates unclaimed faces for a
// seed: nearest neighbors when embeddings are indexed, most recent faces
// otherwise.
func (e *Engine) selectCandidates(seed *database.DetectedFace, faces []database.DetectedFace, index *embeddingIndex, claimed map[int64]bool) []*database.DetectedFace {
	var out []*database.DetectedFace

	if ids := index.Neighbors(seed, constants.MaxClusterCandidates); len(ids) > 0 {
		byID := make(map[int64]*database.DetectedFace, len(faces))
		for i := range faces {
			byID[faces[i].ID] = &faces[i]
		}
		for _, id := range ids {
			if f, ok := byID[id]; ok && !claimed[id] {
				out = append(out, f)
			}
		}
		return out
	}

	recent := make([]*database.DetectedFace, 0, len(faces))
	for i := range faces {
		f := &faces[i]
		if f.ID != seed.ID && !claimed[f.ID] {
			recent = append(recent, f)
		}
	}
	sort.Slice(recent, func(i, j int) bool { return recent[i].ID > recent[j].ID })
	if len(recent) > constants.MaxClusterCandidates {
		recent = recent[:constants.MaxClusterCandidates]
	}
	return recent
}

// compareFaces returns the pairwise similarity, serving from the cache when
// the pair was verified before.
func (e *Engine) compareFaces(ctx context.Context, seed, candidate *database.DetectedFace, seedBytes []byte) (float64, bool, error) {
	if similarity, ok, err := e.db.Faces.GetSimilarity(ctx, seed.ID, candidate.ID); err == nil && ok {
		return similarity, true, nil
	}

	candidateBytes, err := os.ReadFile(e.store.FacePath(candidate.FaceImagePath))
	if err != nil {
		return 0, false, fmt.Errorf("read face crop: %w", err)
	}
	if e.compareDelay > 0 {
		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(e.compareDelay):
		}
	}
	similarity, err := e.service.VerifyFaces(ctx, seedBytes, candidateBytes)
	if err != nil {
		return 0, false, err
	}
	if err := e.db.Faces.SaveSimilarity(ctx, &database.FaceSimilarity{
		FaceAID:    seed.ID,
		FaceBID:    candidate.ID,
		Similarity: similarity,
	}); err != nil {
		log.Printf("clustering: cache similarity %d/%d: %v", seed.ID, candidate.ID, err)
	}
	return similarity, false, nil
}

// GenerateAll runs both phases back to back.
func (e *Engine) GenerateAll(ctx context.Context) (*SuggestionReport, *ClusterReport, error) {
	suggestions, err := e.GenerateSuggestions(ctx)
	if err != nil {
		return nil, nil, err
	}
	clusters, err := e.ClusterResidual(ctx, suggestions.Residual)
	if err != nil {
		return suggestions, nil, err
	}
	return suggestions, clusters, nil
}

// Estimate reports expected suggestion yield. Small datasets are analyzed
// in full; large ones through a recent high-quality sample whose hit rate
// is extrapolated.
func (e *Engine) Estimate(ctx context.Context) (*SampleEstimate, error) {
	all, err := e.db.Faces.ListUnassignedFaces(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("list unassigned faces: %w", err)
	}
	estimate := &SampleEstimate{TotalUnassigned: len(all)}

	if len(all) <= constants.QuickSampleThreshold {
		report, err := e.suggestFromRecognition(ctx, eligibleOf(all, constants.MinSuggestionConfidence), false)
		if err != nil {
			return nil, err
		}
		estimate.SampleSize = report.FacesConsidered
		estimate.SampleSuggested = report.Suggested
		estimate.EstimatedSuggestible = report.Suggested
		return estimate, nil
	}

	sample := eligibleOf(all, constants.QuickSampleMinConfidence)
	if len(sample) > constants.QuickSampleSize {
		sample = sample[:constants.QuickSampleSize]
	}
	report, err := e.suggestFromRecognition(ctx, sample, false)
	if err != nil {
		return nil, err
	}
	estimate.Sampled = true
	estimate.SampleSize = len(sample)
	estimate.SampleSuggested = report.Suggested
	if len(sample) > 0 {
		ratio := float64(report.Suggested) / float64(len(sample))
		estimate.EstimatedSuggestible = int(ratio * float64(len(all)))
	}
	return estimate, nil
}

// BatchAssignCandidates returns up to limit recent unassigned faces whose
// recognition best-match is the given person, for one-click confirmation
// after a manual assignment.
func (e *Engine) BatchAssignCandidates(ctx context.Context, personID int64, limit int) ([]database.DetectedFace, error) {
	person, err := e.db.Persons.GetPerson(ctx, personID)
	if err != nil {
		return nil, fmt.Errorf("load person %d: %w", personID, err)
	}
	if person.SubjectID == "" {
		return nil, nil
	}

	faces, err := e.candidateFaces(ctx, 0)
	if err != nil {
		return nil, err
	}

	var out []database.DetectedFace
	for i := range faces {
		if len(out) >= limit {
			break
		}
		face := &faces[i]
		cropBytes, err := os.ReadFile(e.store.FacePath(face.FaceImagePath))
		if err != nil {
			continue
		}
		resp, err := e.service.RecognizeFaces(ctx, cropBytes, face.FaceImagePath)
		if err != nil {
			log.Printf("clustering: recognize face %d: %v", face.ID, err)
			continue
		}
		if best, ok := bestSubject(resp); ok &&
			best.Subject == person.SubjectID &&
			best.Similarity >= e.cfg.Confidence.Review {
			out = append(out, *face)
		}
		if e.compareDelay > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(e.compareDelay):
			}
		}
	}
	return out, nil
}

// SweepOrphans removes empty clusters and similarity rows whose faces are
// gone.
func (e *Engine) SweepOrphans(ctx context.Context) (clustersRemoved, similaritiesRemoved int, err error) {
	clustersRemoved, err = e.db.Clusters.DeleteEmptyClusters(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("delete empty clusters: %w", err)
	}
	similaritiesRemoved, err = e.db.Faces.PruneSimilarities(ctx)
	if err != nil {
		return clustersRemoved, 0, fmt.Errorf("prune similarities: %w", err)
	}
	return clustersRemoved, similaritiesRemoved, nil
}

func bestSubject(resp *compreface.RecognitionResponse) (compreface.SubjectMatch, bool) {
	best := compreface.SubjectMatch{}
	found := false
	for _, result := range resp.Result {
		for _, subject := range result.Subjects {
			if !found || subject.Similarity > best.Similarity {
				best = subject
				found = true
			}
		}
	}
	return best, found
}

func eligibleOf(faces []database.DetectedFace, minConfidence float64) []database.DetectedFace {
	var out []database.DetectedFace
	for _, f := range faces {
		if f.DetectionConfidence >= minConfidence && f.FaceImagePath != "" {
			out = append(out, f)
		}
	}
	return out
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
