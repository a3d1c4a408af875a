package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/albums"
)

var albumsCmd = &cobra.Command{
	Use:   "albums",
	Short: "Seed system albums and refresh smart album membership",
	Long: `Albums seeds the built-in system albums and re-evaluates every active
album rule against the whole library. Run it after changing album rules
so existing photos gain or lose membership.`,
	RunE: runAlbums,
}

func init() {
	rootCmd.AddCommand(albumsCmd)
	albumsCmd.Flags().Bool("seed-only", false, "Only create missing system albums")
}

func runAlbums(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	engine := albums.New(app.db)

	created, err := engine.SeedDefaults(ctx)
	if err != nil {
		return fmt.Errorf("seed default albums: %w", err)
	}
	fmt.Printf("System albums created: %d\n", created)
	if mustGetBool(cmd, "seed-only") {
		return nil
	}

	total, err := app.db.Images.CountImages(ctx)
	if err != nil {
		return fmt.Errorf("count images: %w", err)
	}
	if total == 0 {
		fmt.Println("No images to evaluate")
		return nil
	}

	bar := newProgressBar(total, "Refreshing albums", "photos")
	report, err := engine.ProcessAll(ctx, func(done int) { _ = bar.Set(done) })
	if err != nil {
		return fmt.Errorf("refresh albums: %w", err)
	}

	fmt.Printf("\nImages evaluated: %d\n", report.ImagesProcessed)
	for _, msg := range report.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
