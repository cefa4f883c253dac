package reconcile

import (
	"context"

	"github.com/starford/drift/internal/models"
	"github.com/starford/drift/internal/outbox"
	"github.com/starford/drift/internal/remote"
)

// ResolutionKind selects how a version conflict is settled.
type ResolutionKind int

const (
	// ResolveApplyRemote drops the local mutation and takes the remote
	// record.
	ResolveApplyRemote ResolutionKind = iota
	// ResolveRetryLocal publishes the local mutation again against the
	// remote's version.
	ResolveRetryLocal
	// ResolveRetry publishes Resolution.Record against the remote's version.
	ResolveRetry
)

func (k ResolutionKind) String() string {
	switch k {
	case ResolveRetryLocal:
		return "retry_local"
	case ResolveRetry:
		return "retry"
	default:
		return "apply_remote"
	}
}

// Resolution is a ConflictHandler's answer.
type Resolution struct {
	Kind   ResolutionKind
	Record *models.Record
}

func ApplyRemote() Resolution { return Resolution{Kind: ResolveApplyRemote} }

func RetryLocal() Resolution { return Resolution{Kind: ResolveRetryLocal} }

// Retry publishes r in place of the local mutation.
func Retry(r *models.Record) Resolution { return Resolution{Kind: ResolveRetry, Record: r} }

// Conflict describes a mutation the remote refused. Local is nil when the
// record is no longer stored.
type Conflict struct {
	Entry  *outbox.Entry
	Local  *models.Record
	Remote remote.ModelWithMetadata
}

// ConflictHandler decides a Conflict. It is not consulted when the remote
// record is a tombstone: deletions always win.
type ConflictHandler func(ctx context.Context, c Conflict) Resolution

// AlwaysApplyRemote is the default handler.
func AlwaysApplyRemote(context.Context, Conflict) Resolution { return ApplyRemote() }
