package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/drift/internal/adapter"
	"github.com/starford/drift/internal/metrics"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/remote"
	"github.com/starford/drift/internal/store"
)

// Merger applies remote records to local storage.
type Merger struct {
	adapter *adapter.Adapter
	db      *store.DB
	outbox  *outbox.Outbox
	logger  *slog.Logger

	mu sync.Mutex
}

// NewMerger returns a merger writing through a.
func NewMerger(a *adapter.Adapter, o *outbox.Outbox, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{adapter: a, db: a.DB(), outbox: o, logger: logger}
}

// Merge applies in when it is newer than the local copy. It returns one of
// the metrics.Merge* outcomes.
//
// When a local mutation of the record is still pending, only the version
// metadata is stored so the local edit survives until it is published. A
// record whose parent is not stored yet is skipped.
func (m *Merger) Merge(ctx context.Context, in remote.ModelWithMetadata) (string, error) {
	return m.merge(ctx, in, false)
}

// mergeResolved is Merge for a conflict resolved in favor of the remote: an
// incoming version equal to the local one still overwrites the record.
func (m *Merger) mergeResolved(ctx context.Context, in remote.ModelWithMetadata) (string, error) {
	return m.merge(ctx, in, true)
}

func (m *Merger) merge(ctx context.Context, in remote.ModelWithMetadata, allowEqual bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	md := in.Metadata
	outcome, err := m.apply(ctx, in, allowEqual)
	if err != nil {
		return "", fmt.Errorf("merge %s %s v%d: %w", md.Model, md.ID, md.Version, err)
	}
	metrics.ObserveMerge(md.Model, outcome)
	return outcome, nil
}

func (m *Merger) apply(ctx context.Context, in remote.ModelWithMetadata, allowEqual bool) (string, error) {
	md := in.Metadata
	local, ok, err := m.db.Metadata(ctx, md.Model, md.ID)
	if err != nil {
		return "", err
	}
	if ok && (md.Version < local.Version || md.Version == local.Version && !allowEqual) {
		return metrics.MergeStale, nil
	}

	pending, err := m.outbox.HasPending(ctx, md.Model, md.ID)
	if err != nil {
		return "", err
	}
	if pending {
		return metrics.MergeMetadataOnly, m.db.SaveMetadata(ctx, md)
	}

	if md.Deleted {
		_, err = m.adapter.Delete(ctx, models.Reference(md.Model, md.ID), models.InitiatorSyncEngine, predicate.All())
	} else {
		_, err = m.adapter.Save(ctx, in.Record, models.InitiatorSyncEngine, predicate.All())
	}
	if err != nil {
		if store.IsForeignKeyViolation(err) {
			m.logger.Warn("skipping remote record whose parent is not stored",
				slog.String("model", md.Model), slog.String("id", md.ID), slog.Any("error", err))
			return metrics.MergeSkipped, nil
		}
		return "", err
	}
	return metrics.MergeApplied, m.db.SaveMetadata(ctx, md)
}
