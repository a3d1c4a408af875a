package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
)

// Queue is the process-wide job queue: strict priority ordering, FIFO
// within a priority. Terminal jobs are retained for inspection until the
// cleanup sweep removes them.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Job
	jobs    map[string]*Job
	closed  bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{jobs: make(map[string]*Job)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue inserts a job by priority. Insertion scans from the back so jobs
// of equal priority keep submission order.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.pending)
	for pos > 0 && q.pending[pos-1].Priority < job.Priority {
		pos--
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[pos+1:], q.pending[pos:])
	q.pending[pos] = job
	q.jobs[job.ID] = job

	q.cond.Signal()
}

// Next blocks until a job is available or the context ends. Cancelled jobs
// still in the pending list are skipped.
func (q *Queue) Next(ctx context.Context) (*Job, bool) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.pending) > 0 {
			job := q.pending[0]
			q.pending = q.pending[1:]
			if job.Status() != StatusPending {
				continue
			}
			job.markRunning()
			return job, true
		}
		if q.closed || ctx.Err() != nil {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Get looks a job up by id.
func (q *Queue) Get(jobID string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	return job, ok
}

// List returns snapshots of all known jobs, newest first.
func (q *Queue) List() []Snapshot {
	q.mu.Lock()
	jobs := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		jobs = append(jobs, job)
	}
	q.mu.Unlock()

	snaps := make([]Snapshot, len(jobs))
	for i, job := range jobs {
		snaps[i] = job.Snapshot()
	}
	for i := 0; i < len(snaps); i++ {
		for j := i + 1; j < len(snaps); j++ {
			if snaps[j].CreatedAt.After(snaps[i].CreatedAt) {
				snaps[i], snaps[j] = snaps[j], snaps[i]
			}
		}
	}
	return snaps
}

// Cancel marks a job cancelled. Pending jobs never start; running jobs stop
// at their next batch boundary.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return job.markCancelled()
}

// Close wakes all waiters; Next returns false once the queue drains.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Sweep removes terminal jobs older than maxAge and reports how many were
// removed.
func (q *Queue) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for id, job := range q.jobs {
		snap := job.Snapshot()
		if snap.CompletedAt != nil && snap.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs the cleanup sweep periodically until the context ends.
func (q *Queue) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Sweep(constants.JobCleanupAgeHours * time.Hour)
			}
		}
	}()
}
