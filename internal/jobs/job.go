// Package jobs implements the process-wide priority job queue, its worker
// pool and the per-job event stream.
package jobs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the queue. Higher values run first; within a
// priority, jobs run in submission order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// Job kinds the pool knows how to run.
const (
	KindImageProcessing = "image_processing"
	KindFaceDetection   = "face_detection"
	KindObjectDetection = "object_detection"
	KindSmartAlbums     = "smart_albums"
	KindScan            = "scan"
	KindThumbnail       = "thumbnail"
	KindFaceRecognition = "face_recognition"
)

// Job lifecycle states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is a unit of queued work. Mutable fields are guarded by mu; the
// active flag is the cooperative cancellation signal checked by handlers at
// batch boundaries.
type Job struct {
	ID       string
	Kind     string
	Priority Priority
	Data     map[string]any

	mu             sync.Mutex
	status         string
	progress       int
	totalItems     int
	processedItems int
	errors         []string
	result         any
	createdAt      time.Time
	startedAt      *time.Time
	completedAt    *time.Time

	active atomic.Bool
}

// NewJob creates a pending job.
func NewJob(kind string, priority Priority, data map[string]any) *Job {
	j := &Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  priority,
		Data:      data,
		status:    StatusPending,
		createdAt: time.Now(),
	}
	j.active.Store(true)
	return j
}

// Active reports whether the job should keep running. Handlers check this
// before starting each batch.
func (j *Job) Active() bool {
	return j.active.Load()
}

// deactivate clears the cooperative-run flag.
func (j *Job) deactivate() {
	j.active.Store(false)
}

// Status returns the current lifecycle state.
func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	switch j.Status() {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SetProgress updates the counters. Progress never moves backwards.
func (j *Job) SetProgress(processed, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if processed < j.processedItems {
		return
	}
	j.processedItems = processed
	j.totalItems = total
	if total > 0 {
		j.progress = processed * 100 / total
		if j.progress > 100 {
			j.progress = 100
		}
	}
}

// AddError appends a non-fatal error message.
func (j *Job) AddError(message string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors = append(j.errors, message)
}

// Snapshot is a read-only copy of a job's state for reporting.
type Snapshot struct {
	ID                 string         `json:"id"`
	Kind               string         `json:"kind"`
	Priority           string         `json:"priority"`
	Status             string         `json:"status"`
	Progress           int            `json:"progress"`
	TotalItems         int            `json:"totalItems"`
	ProcessedItems     int            `json:"processedItems"`
	Errors             []string       `json:"errors,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	EstimatedRemaining time.Duration  `json:"estimatedRemaining,omitempty"`
}

// Snapshot captures the job state, including an estimated time remaining
// derived from throughput so far.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := Snapshot{
		ID:             j.ID,
		Kind:           j.Kind,
		Priority:       j.Priority.String(),
		Status:         j.status,
		Progress:       j.progress,
		TotalItems:     j.totalItems,
		ProcessedItems: j.processedItems,
		Errors:         append([]string(nil), j.errors...),
		Data:           j.Data,
		CreatedAt:      j.createdAt,
		StartedAt:      j.startedAt,
		CompletedAt:    j.completedAt,
	}

	if j.status == StatusRunning && j.startedAt != nil && j.processedItems > 0 && j.totalItems > j.processedItems {
		elapsed := time.Since(*j.startedAt)
		perItem := elapsed / time.Duration(j.processedItems)
		snap.EstimatedRemaining = perItem * time.Duration(j.totalItems-j.processedItems)
	}
	return snap
}

// markRunning transitions pending -> running.
func (j *Job) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := time.Now()
	j.status = StatusRunning
	j.startedAt = &now
}

// finish records a terminal state. A job already cancelled keeps its
// cancelled state: late completions are discarded.
func (j *Job) finish(status string, result any, errMessage string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusCancelled || j.status == StatusCompleted || j.status == StatusFailed {
		return false
	}
	now := time.Now()
	j.status = status
	j.completedAt = &now
	j.result = result
	if errMessage != "" {
		j.errors = append(j.errors, errMessage)
	}
	if status == StatusCompleted {
		j.progress = 100
	}
	return true
}

// markCancelled transitions to cancelled and clears the active flag.
func (j *Job) markCancelled() bool {
	j.deactivate()
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusCompleted || j.status == StatusFailed || j.status == StatusCancelled {
		return false
	}
	now := time.Now()
	j.status = StatusCancelled
	j.completedAt = &now
	return true
}
