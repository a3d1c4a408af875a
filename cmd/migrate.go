package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database/legacy"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Import the legacy MySQL photo database",
	Long: `Migrate reads the legacy database (configured via legacy.databaseUrl)
and imports persons, photos and face assignments. Photo files are
re-hashed into the content-addressed media store; photos already present
are linked by content hash instead of copied again. The legacy side is
never written.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	dsn := app.cfg.Legacy.DatabaseURL
	if dsn == "" {
		return fmt.Errorf("legacy.databaseUrl is not configured")
	}

	src, err := legacy.Open(dsn)
	if err != nil {
		return err
	}
	defer src.Close()

	bar := newProgressBar(-1, "Migrating photos", "photos")
	migrator := legacy.NewMigrator(src, app.db, app.store)
	report, err := migrator.Run(ctx, func(imported int) { _ = bar.Set(imported) })
	if err != nil {
		return fmt.Errorf("migration: %w", err)
	}

	fmt.Printf("\nPersons created: %d, matched: %d\n", report.PersonsCreated, report.PersonsMatched)
	fmt.Printf("Images imported: %d, duplicates linked: %d, skipped: %d\n",
		report.ImagesImported, report.DuplicatesLinked, report.ImagesSkipped)
	fmt.Printf("Faces imported: %d, assignments replayed: %d\n",
		report.FacesImported, report.FacesAssigned)
	for _, msg := range report.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
