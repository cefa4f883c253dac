// Package syncstatus decides whether a model's local copy is considered up
// to date with the remote.
package syncstatus

import (
	"context"
	"time"

	"github.com/starford/drift/internal/models"
)

// DefaultStaleness is the interval after which the last completed sync no
// longer counts as current.
const DefaultStaleness = 24 * time.Hour

// LastSyncReader reads persisted sync times.
type LastSyncReader interface {
	LastSync(ctx context.Context, model string) (models.LastSync, bool, error)
}

// Tracker compares the age of a model's last completed sync against a
// staleness interval.
type Tracker struct {
	src       LastSyncReader
	staleness time.Duration
	now       func() time.Time
}

// NewTracker returns a tracker. A non-positive staleness uses
// DefaultStaleness.
func NewTracker(src LastSyncReader, staleness time.Duration) *Tracker {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Tracker{src: src, staleness: staleness, now: time.Now}
}

// IsSynced reports whether model completed a base or delta sync within the
// staleness interval.
func (t *Tracker) IsSynced(ctx context.Context, model string) (bool, error) {
	ls, ok, err := t.src.LastSync(ctx, model)
	if err != nil || !ok {
		return false, err
	}
	return t.now().Sub(ls.SyncedAt) < t.staleness, nil
}

// Staleness returns the configured interval.
func (t *Tracker) Staleness() time.Duration { return t.staleness }
