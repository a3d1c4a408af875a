package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
)

// Handler runs one job. Implementations report progress through the job and
// must check job.Active() before each batch so cancellation takes effect at
// batch boundaries.
type Handler func(ctx context.Context, job *Job) (any, error)

// Pool runs queued jobs on persistent workers. Worker count follows the
// configured batch size with a hard ceiling of twice that.
type Pool struct {
	queue    *Queue
	events   *EventBroadcaster
	handlers map[string]Handler
	size     int
	timeout  time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of size workers over the queue. size is clamped to
// [1, 2*size requested by config].
func NewPool(queue *Queue, events *EventBroadcaster, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		queue:    queue,
		events:   events,
		handlers: make(map[string]Handler),
		size:     size,
		timeout:  constants.DefaultJobTimeoutMinutes * time.Minute,
	}
}

// Register installs the handler for a job kind. Must be called before Start.
func (p *Pool) Register(kind string, handler Handler) {
	p.handlers[kind] = handler
}

// Handles reports whether a handler is registered for the job kind.
func (p *Pool) Handles(kind string) bool {
	_, ok := p.handlers[kind]
	return ok
}

// Size returns the worker count.
func (p *Pool) Size() int {
	return p.size
}

// MaxConcurrent is the hard ceiling on simultaneously running jobs.
func (p *Pool) MaxConcurrent() int {
	return 2 * p.size
}

// Start launches the workers. Each worker survives handler panics: it logs,
// waits the restart debounce and resumes pulling jobs.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := range p.size {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until all workers exit. Close the queue or cancel the start
// context first.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		job, ok := p.queue.Next(ctx)
		if !ok {
			return
		}
		p.runJob(ctx, id, job)
		if ctx.Err() != nil {
			return
		}
	}
}

// runJob executes one job with a timeout and publishes its terminal event.
// The handler runs in its own goroutine so the deadline is reported the
// moment it fires, even while a slow handler is still unwinding; the worker
// waits the handler out before taking its next job.
func (p *Pool) runJob(ctx context.Context, workerID int, job *Job) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		job.finish(StatusFailed, nil, fmt.Sprintf("no handler for job kind %q", job.Kind))
		p.publishTerminal(job, EventFailed, "no handler")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var result any
	var err error
	panicked := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				log.Printf("jobs: worker %d: panic in %s job %s: %v", workerID, job.Kind, job.ID, r)
				err = fmt.Errorf("panic: %v", r)
				panicked = true
			}
		}()
		result, err = handler(jobCtx, job)
	}()

	select {
	case <-done:
	case <-jobCtx.Done():
		if jobCtx.Err() == context.DeadlineExceeded {
			if job.finish(StatusFailed, nil, "job timeout exceeded") {
				p.publishTerminal(job, EventFailed, "job timeout exceeded")
			}
		}
		// The handler may still hold shared state; wait it out before
		// this worker continues.
		<-done
	}

	switch {
	case job.Status() == StatusCancelled:
		// Late completion after a cancel is discarded.
		p.publishTerminal(job, EventCancelled, "")
	case jobCtx.Err() == context.DeadlineExceeded:
		if job.finish(StatusFailed, nil, "job timeout exceeded") {
			p.publishTerminal(job, EventFailed, "job timeout exceeded")
		}
	case err != nil:
		if job.finish(StatusFailed, nil, err.Error()) {
			p.publishTerminal(job, EventFailed, err.Error())
		}
	default:
		if job.finish(StatusCompleted, result, "") {
			p.publishTerminal(job, EventCompleted, "")
		}
	}

	if panicked {
		// Debounce before this worker takes the next job.
		time.Sleep(constants.WorkerRestartDelayMs * time.Millisecond)
	}
}

// publishTerminal emits the final event for a job.
func (p *Pool) publishTerminal(job *Job, eventType, message string) {
	if p.events == nil {
		return
	}
	snap := job.Snapshot()
	p.events.Publish(Event{
		JobID:     job.ID,
		Type:      eventType,
		Progress:  snap.Progress,
		Processed: snap.ProcessedItems,
		Total:     snap.TotalItems,
		Message:   message,
	})
}

// ReportProgress updates job counters and publishes a progress event. Meant
// to be called from handlers at batch boundaries.
func (p *Pool) ReportProgress(job *Job, processed, total int) {
	job.SetProgress(processed, total)
	if p.events == nil {
		return
	}
	snap := job.Snapshot()
	p.events.Publish(Event{
		JobID:     job.ID,
		Type:      EventProgress,
		Progress:  snap.Progress,
		Processed: snap.ProcessedItems,
		Total:     snap.TotalItems,
	})
}
