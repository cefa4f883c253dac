// Package remote defines the version-stamped dataset the sync engine
// reconciles against, and an in-memory implementation of it.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/starford/drift/internal/apperr"
	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/predicate"
	"github.com/starford/drift/internal/schema"
)

// ErrRejected marks a write the remote refused for a reason that retrying
// will not fix.
var ErrRejected = errors.New("remote: rejected")

// ModelWithMetadata is a remote record and its version stamp. Record is a
// reference stub when Metadata.Deleted is set.
type ModelWithMetadata struct {
	Record   *models.Record  `json:"record"`
	Metadata models.Metadata `json:"metadata"`
}

// Page is one page of a sync query. An empty NextToken ends the sync.
type Page struct {
	Items     []ModelWithMetadata
	NextToken string
}

// ConflictError reports a write whose expected version did not match the
// remote's, or whose condition did not hold. Server is the remote's current
// state.
type ConflictError struct {
	Server ModelWithMetadata
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: conflict on %s %s at version %d: %s",
		e.Server.Metadata.Model, e.Server.Metadata.ID, e.Server.Metadata.Version, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == apperr.ErrConflict }

// Remote is the collaborator holding the authoritative dataset. Every
// accepted write increments the record's version by exactly one.
type Remote interface {
	Create(ctx context.Context, s *schema.ModelSchema, r *models.Record) (ModelWithMetadata, error)
	Update(ctx context.Context, s *schema.ModelSchema, r *models.Record, expectedVersion int, p predicate.Predicate) (ModelWithMetadata, error)
	Delete(ctx context.Context, s *schema.ModelSchema, id string, expectedVersion int, p predicate.Predicate) (ModelWithMetadata, error)
	// Sync returns records changed at or after since; a zero since returns
	// everything, tombstones included.
	Sync(ctx context.Context, s *schema.ModelSchema, since time.Time, pageSize int, p predicate.Predicate, nextToken string) (Page, error)
	// Subscribe delivers every accepted write to model until cancel is
	// called.
	Subscribe(model string, fn func(ModelWithMetadata)) (cancel func())
}
