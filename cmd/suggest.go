package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/clustering"
)

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Generate person suggestions and face clusters",
	Long: `Suggest runs recognition over unassigned faces to propose person
assignments, then groups the remainder into similarity clusters for
review.

  suggest                 full run: suggestions plus clusters
  suggest --estimate      sample-based estimate, nothing persisted
  suggest --person <id>   recognition-backed candidates for one person`,
	RunE: runSuggest,
}

func init() {
	rootCmd.AddCommand(suggestCmd)
	suggestCmd.Flags().Bool("estimate", false, "Estimate suggestible faces without persisting")
	suggestCmd.Flags().String("person", "", "Find batch-assign candidates for one person")
	suggestCmd.Flags().Int("limit", 20, "Candidate cap for --person")
	suggestCmd.Flags().Bool("sweep", false, "Remove empty clusters and stale similarity rows first")
}

func runSuggest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	engine := clustering.New(app.db, app.faceClient(), app.store, &app.cfg.Processing.FaceRecognition)

	if mustGetBool(cmd, "sweep") {
		clusters, similarities, err := engine.SweepOrphans(ctx)
		if err != nil {
			return fmt.Errorf("sweep orphans: %w", err)
		}
		fmt.Printf("Swept %d empty clusters, %d stale similarities\n", clusters, similarities)
	}

	switch {
	case mustGetBool(cmd, "estimate"):
		estimate, err := engine.Estimate(ctx)
		if err != nil {
			return fmt.Errorf("estimate: %w", err)
		}
		fmt.Printf("Unassigned faces: %d\n", estimate.TotalUnassigned)
		if estimate.Sampled {
			fmt.Printf("Sampled %d, %d suggestible\n", estimate.SampleSize, estimate.SampleSuggested)
		}
		fmt.Printf("Estimated suggestible: %d\n", estimate.EstimatedSuggestible)
		return nil

	case mustGetString(cmd, "person") != "":
		personID, err := strconv.ParseInt(mustGetString(cmd, "person"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid person id %q", mustGetString(cmd, "person"))
		}
		candidates, err := engine.BatchAssignCandidates(ctx, personID, mustGetInt(cmd, "limit"))
		if err != nil {
			return fmt.Errorf("find candidates: %w", err)
		}
		fmt.Printf("Found %d candidate faces\n", len(candidates))
		for _, face := range candidates {
			fmt.Printf("  face %d (image %d, detection %.2f)\n", face.ID, face.ImageID, face.DetectionConfidence)
		}
		return nil

	default:
		suggestions, clusters, err := engine.GenerateAll(ctx)
		if err != nil {
			return fmt.Errorf("generate suggestions: %w", err)
		}
		fmt.Printf("Faces considered: %d across %d images\n",
			suggestions.FacesConsidered, suggestions.ImagesScanned)
		fmt.Printf("Suggestions created: %d\n", suggestions.Suggested)
		fmt.Printf("Clusters created: %d covering %d faces (%d comparisons, %d cached)\n",
			clusters.ClustersCreated, clusters.FacesClustered, clusters.Comparisons, clusters.CacheHits)
		for _, msg := range suggestions.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
		for _, msg := range clusters.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
		return nil
	}
}
