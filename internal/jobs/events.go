package jobs

import (
	"sync"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/constants"
)

// Event types published per job.
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Event is a single job state change.
type Event struct {
	JobID     string    `json:"jobId"`
	Type      string    `json:"type"`
	Progress  int       `json:"progress"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventBroadcaster fans events out to per-job subscribers over bounded
// channels. A slow subscriber loses events rather than blocking the worker.
type EventBroadcaster struct {
	mu        sync.Mutex
	listeners map[string][]chan Event
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{listeners: make(map[string][]chan Event)}
}

// Subscribe registers for events of one job. The returned cancel function
// removes the subscription and closes the channel.
func (b *EventBroadcaster) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, constants.EventChannelBuffer)

	b.mu.Lock()
	b.listeners[jobID] = append(b.listeners[jobID], ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.listeners[jobID]
			for i, sub := range subs {
				if sub == ch {
					b.listeners[jobID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(b.listeners[jobID]) == 0 {
				delete(b.listeners, jobID)
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the job. Full channels
// are skipped.
func (b *EventBroadcaster) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners[event.JobID] {
		select {
		case ch <- event:
		default:
		}
	}
}
