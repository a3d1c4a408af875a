package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/cleanup"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up face service state and stale auto-assigned faces",
	Long: `Cleanup removes face service subjects and resets local sync state.
By default it previews; pass --apply to execute.

  cleanup --all          delete every subject and reset all sync state
  cleanup --person <id>  reset a single person
  cleanup --auto-faces   drop low-confidence auto-assigned faces`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().Bool("all", false, "Comprehensive cleanup of all subjects")
	cleanupCmd.Flags().String("person", "", "Clean up a single person by id")
	cleanupCmd.Flags().Bool("auto-faces", false, "Remove stale auto-assigned faces")
	cleanupCmd.Flags().Bool("apply", false, "Execute instead of previewing")
	cleanupCmd.Flags().Bool("json", false, "Print the report as JSON")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	service := cleanup.New(app.db, app.faceClient(), app.store)
	dryRun := !mustGetBool(cmd, "apply")
	jsonOut := mustGetBool(cmd, "json")

	switch {
	case mustGetBool(cmd, "auto-faces"):
		report, err := service.AutoFaces(ctx, dryRun)
		if err != nil {
			return fmt.Errorf("auto-face cleanup: %w", err)
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		verb := "Removed"
		if report.DryRun {
			verb = "Would remove"
		}
		fmt.Printf("%s %d auto-assigned faces, kept %d\n", verb, len(report.Removals), report.Kept)
		for _, removal := range report.Removals {
			fmt.Printf("  face %d (%s, %.2f): %s\n",
				removal.FaceID, removal.PersonName, removal.Confidence, removal.Reason)
		}
		return nil

	case mustGetString(cmd, "person") != "":
		personID, err := strconv.ParseInt(mustGetString(cmd, "person"), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid person id %q", mustGetString(cmd, "person"))
		}
		if dryRun {
			return fmt.Errorf("per-person cleanup has no preview, pass --apply")
		}
		report, err := service.Person(ctx, personID)
		if err != nil {
			return fmt.Errorf("person cleanup: %w", err)
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		fmt.Printf("Subjects deleted: %d, faces reset: %d\n", report.SubjectsDeleted, report.FacesReset)
		return nil

	case mustGetBool(cmd, "all"):
		report, err := service.Comprehensive(ctx, cleanup.Options{
			ResetSyncFlags:  true,
			ResetPersonRefs: true,
			DryRun:          dryRun,
		})
		if err != nil {
			return fmt.Errorf("comprehensive cleanup: %w", err)
		}
		if jsonOut {
			return json.NewEncoder(os.Stdout).Encode(report)
		}
		verb := "Deleted"
		if report.DryRun {
			verb = "Would delete"
		}
		fmt.Printf("%s %d subjects, reset %d faces and %d persons\n",
			verb, report.SubjectsDeleted, report.FacesReset, report.PersonsReset)
		for _, msg := range report.Errors {
			fmt.Printf("  error: %s\n", msg)
		}
		return nil

	default:
		return fmt.Errorf("pass one of --all, --person or --auto-faces")
	}
}
