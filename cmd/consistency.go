package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/consistency"
)

var consistencyCmd = &cobra.Command{
	Use:   "consistency",
	Short: "Check and repair database / face service consistency",
	Long: `Consistency compares persons and synced faces in the database against
the face service. --sync pushes missing subjects and unsynced faces;
--repair re-creates missing subjects and re-uploads orphaned faces found
by the check.`,
	RunE: runConsistency,
}

func init() {
	rootCmd.AddCommand(consistencyCmd)
	consistencyCmd.Flags().Bool("sync", false, "Sync persons and faces to the face service first")
	consistencyCmd.Flags().Bool("repair", false, "Repair issues found by the check")
	consistencyCmd.Flags().Bool("json", false, "Print the report as JSON")
}

func runConsistency(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	manager := consistency.New(app.db, app.faceClient(), app.store)
	jsonOut := mustGetBool(cmd, "json")

	if mustGetBool(cmd, "sync") {
		persons, err := manager.SyncPersons(ctx)
		if err != nil {
			return fmt.Errorf("sync persons: %w", err)
		}
		faces, err := manager.SyncFaces(ctx)
		if err != nil {
			return fmt.Errorf("sync faces: %w", err)
		}
		if !jsonOut {
			fmt.Printf("Subjects created: %d, updated: %d\n", persons.Created, persons.Updated)
			fmt.Printf("Faces uploaded: %d, skipped: %d\n", faces.Uploaded, faces.Skipped)
		}
	}

	report, err := manager.EnsureConsistency(ctx, consistency.Options{
		CheckPersons: true,
		CheckFaces:   true,
		AutoRepair:   mustGetBool(cmd, "repair"),
	})
	if err != nil {
		return fmt.Errorf("consistency check: %w", err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	fmt.Printf("Issues found: %d, repaired: %d\n", len(report.Issues), report.Repaired)
	for _, issue := range report.Issues {
		status := ""
		if issue.Repaired {
			status = " (repaired)"
		}
		fmt.Printf("  %s #%d: %s%s\n", issue.PersonName, issue.PersonID, issue.Detail, status)
	}
	for _, msg := range report.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	return nil
}
