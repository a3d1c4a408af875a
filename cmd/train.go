package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/trainer"
)

var trainCmd = &cobra.Command{
	Use:   "train [person-id]",
	Short: "Train face recognition for persons",
	Long: `Train uploads a person's user-assigned face crops to the face service.
With a person id the person is queued explicitly; with --auto every person
due for training (enough faces, never trained or training interval
elapsed) is queued.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
	trainCmd.Flags().Bool("auto", false, "Queue every person due for training")
}

func runTrain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	auto := mustGetBool(cmd, "auto")
	if !auto && len(args) == 0 {
		return fmt.Errorf("pass a person id or --auto")
	}

	tr := trainer.New(app.db, app.faceClient(), app.store, &app.cfg.Processing.FaceRecognition)
	queue := trainer.NewQueue(tr)

	if auto {
		queued, err := queue.AutoEnqueue(ctx)
		if err != nil {
			return fmt.Errorf("auto-enqueue: %w", err)
		}
		fmt.Printf("Queued %d persons for training\n", queued)
	} else {
		personID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid person id %q", args[0])
		}
		if err := queue.Enqueue(ctx, personID, trainer.TrainManual); err != nil {
			return err
		}
		fmt.Printf("Queued person %d for training\n", personID)
	}

	total := 0
	for queue.Pending() > 0 && ctx.Err() == nil {
		ran, err := queue.Process(ctx)
		total += ran
		if err != nil {
			return fmt.Errorf("run training queue: %w", err)
		}
	}
	fmt.Printf("Training finished, %d runs\n", total)
	return nil
}
