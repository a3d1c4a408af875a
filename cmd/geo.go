package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/geo"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Link GPS-tagged photos to the nearest city",
	Long: `Geo links every GPS-tagged photo without a geolocation to the nearest
gazetteer city inside the search radius. Use --import to load a city
gazetteer CSV first.`,
	RunE: runGeo,
}

func init() {
	rootCmd.AddCommand(geoCmd)
	geoCmd.Flags().String("import", "", "Import a gazetteer CSV before linking")
	geoCmd.Flags().Bool("import-only", false, "Only import, skip the linking pass")
}

func runGeo(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	linker := geo.New(app.db)

	if path := mustGetString(cmd, "import"); path != "" {
		imported, err := linker.ImportCitiesCSV(ctx, path)
		if err != nil {
			return fmt.Errorf("import gazetteer: %w", err)
		}
		fmt.Printf("Imported %d cities\n", imported)
	}
	if mustGetBool(cmd, "import-only") {
		return nil
	}

	bar := newProgressBar(-1, "Linking photos", "photos")
	report, err := linker.LinkAll(ctx, func(scanned int) { _ = bar.Set(scanned) })
	if err != nil {
		return fmt.Errorf("link photos: %w", err)
	}

	fmt.Printf("\nScanned: %d, linked: %d, no city in range: %d\n",
		report.ImagesScanned, report.Linked, report.NoCity)
	for _, msg := range report.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
