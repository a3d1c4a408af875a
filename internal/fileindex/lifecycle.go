package fileindex

import (
	"context"
	"time"

	"github.com/OpenPhotoAlbum/photo-process-sub000/internal/database"
)

// StalledCutoff is how long an entry may sit in processing before a reset
// pass considers its worker dead.
const StalledCutoff = 30 * time.Minute

// DefaultMaxRetries bounds automatic retry of failed entries.
const DefaultMaxRetries = 3

// Lifecycle drives entries through pending -> processing -> terminal states.
type Lifecycle struct {
	index database.FileIndexStore
}

// NewLifecycle wraps the file index store.
func NewLifecycle(index database.FileIndexStore) *Lifecycle {
	return &Lifecycle{index: index}
}

// ClaimBatch atomically claims up to limit pending entries for processing.
// Concurrent claimers never receive the same entry.
func (l *Lifecycle) ClaimBatch(ctx context.Context, limit int) ([]database.FileIndexEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	return l.index.ClaimPending(ctx, limit)
}

// Complete marks an entry done and links the resulting image.
func (l *Lifecycle) Complete(ctx context.Context, entryID, imageID int64) error {
	return l.index.MarkCompleted(ctx, entryID, imageID)
}

// Fail records a processing failure.
func (l *Lifecycle) Fail(ctx context.Context, entryID int64, message string) error {
	return l.index.MarkFailed(ctx, entryID, message)
}

// Recover returns stalled processing entries and retryable failures to
// pending. It reports how many entries were requeued.
func (l *Lifecycle) Recover(ctx context.Context) (int, error) {
	stalled, err := l.index.ResetStalled(ctx, time.Now().Add(-StalledCutoff))
	if err != nil {
		return 0, err
	}
	retried, err := l.index.RetryFailed(ctx, DefaultMaxRetries)
	if err != nil {
		return stalled, err
	}
	return stalled + retried, nil
}

// Counts returns entry counts keyed by status.
func (l *Lifecycle) Counts(ctx context.Context) (map[string]int, error) {
	return l.index.CountByStatus(ctx)
}
