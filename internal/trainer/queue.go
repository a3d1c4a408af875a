package trainer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/apperr"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// Training job types.
const (
	TrainManual  = "manual"
	TrainAuto    = "auto"
	TrainRetrain = "retrain"
)

// Queue job states.
const (
	QueuePending   = "pending"
	QueueRunning   = "running"
	QueueCompleted = "completed"
	QueueFailed    = "failed"
)

// QueuedTraining is one person waiting for a training pass.
type QueuedTraining struct {
	PersonID int64
	Type     string
	Status   string
	QueuedAt time.Time
	Error    string
}

// Queue serializes training so the face service only sees a bounded number
// of uploads at a time. One non-terminal entry per person.
type Queue struct {
	trainer *Trainer

	mu   sync.Mutex
	jobs []*QueuedTraining
}

// NewQueue creates an empty training queue.
func NewQueue(trainer *Trainer) *Queue {
	return &Queue{trainer: trainer}
}

// Enqueue adds a person to the queue. A person below the face threshold or
// with a pending or running entry is refused.
func (q *Queue) Enqueue(ctx context.Context, personID int64, trainType string) error {
	person, err := q.trainer.db.Persons.GetPerson(ctx, personID)
	if err != nil {
		return fmt.Errorf("load person %d: %w", personID, err)
	}
	if person.FaceCount < q.trainer.cfg.MinFacesThreshold {
		return fmt.Errorf("person %d has %d faces, need %d: %w",
			personID, person.FaceCount, q.trainer.cfg.MinFacesThreshold, apperr.ErrInvalidInput)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, job := range q.jobs {
		if job.PersonID == personID && (job.Status == QueuePending || job.Status == QueueRunning) {
			return fmt.Errorf("person %d already queued for training", personID)
		}
	}
	q.jobs = append(q.jobs, &QueuedTraining{
		PersonID: personID,
		Type:     trainType,
		Status:   QueuePending,
		QueuedAt: time.Now(),
	})
	return nil
}

// Pending returns the number of jobs waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, job := range q.jobs {
		if job.Status == QueuePending {
			count++
		}
	}
	return count
}

// Process runs up to one batch of pending jobs in FIFO order and returns
// how many were run.
func (q *Queue) Process(ctx context.Context) (int, error) {
	batch := q.claimBatch(constants.TrainingQueueBatchSize)
	for _, job := range batch {
		result, err := q.trainer.TrainPerson(ctx, job.PersonID)
		q.mu.Lock()
		if err != nil {
			job.Status = QueueFailed
			job.Error = err.Error()
		} else {
			job.Status = QueueCompleted
			if len(result.Errors) > 0 {
				job.Error = result.Errors[0]
			}
		}
		q.mu.Unlock()
		if ctx.Err() != nil {
			return len(batch), ctx.Err()
		}
	}
	return len(batch), nil
}

// claimBatch moves up to limit pending jobs to running, FIFO.
func (q *Queue) claimBatch(limit int) []*QueuedTraining {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*QueuedTraining
	for _, job := range q.jobs {
		if len(batch) >= limit {
			break
		}
		if job.Status == QueuePending {
			job.Status = QueueRunning
			batch = append(batch, job)
		}
	}
	return batch
}

// hasActive reports whether a person has a non-terminal queue entry.
func (q *Queue) hasActive(personID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		if job.PersonID == personID && (job.Status == QueuePending || job.Status == QueueRunning) {
			return true
		}
	}
	return false
}

// AutoEnqueue selects persons due for training and queues them: enough
// user-assigned faces, and either never successfully trained or last
// trained longer ago than the configured interval. At most a handful per
// pass so one sweep cannot monopolize the service.
func (q *Queue) AutoEnqueue(ctx context.Context) (int, error) {
	persons, err := q.trainer.db.Persons.ListPersons(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persons: %w", err)
	}

	interval := q.trainer.cfg.TrainingInterval()
	queued := 0
	for _, person := range persons {
		if queued >= constants.AutoTrainMaxPerPass {
			break
		}
		if person.FaceCount < q.trainer.cfg.MinFacesThreshold {
			continue
		}
		if !autoTrainDue(&person, interval) {
			continue
		}
		if q.hasActive(person.ID) {
			continue
		}
		if err := q.Enqueue(ctx, person.ID, TrainAuto); err != nil {
			log.Printf("trainer: auto-enqueue person %d: %v", person.ID, err)
			continue
		}
		queued++
	}
	return queued, nil
}

// autoTrainDue applies the retraining policy for one person.
func autoTrainDue(person *database.Person, interval time.Duration) bool {
	switch person.RecognitionStatus {
	case database.RecognitionUntrained, database.RecognitionFailed:
		return true
	case database.RecognitionTrained:
		if interval <= 0 || person.LastTrainedAt == nil {
			return false
		}
		return time.Since(*person.LastTrainedAt) > interval
	default:
		return false
	}
}
