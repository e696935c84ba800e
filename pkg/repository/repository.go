package repository

import (
	"context"

	"github.com/m-mizutani/tsumugi/pkg/model"
)

// ContentStore defines the interface for versioned content persistence.
// Version numbers of one content entry start at 1 and are gapless;
// committed versions are immutable.
type ContentStore interface {
	// Create stores a new content head at version 1 together with its
	// first version entry
	Create(ctx context.Context, content *model.Content, reason string) error

	// Read retrieves the current head of a content entry
	Read(ctx context.Context, id model.ContentID) (*model.Content, error)

	// History retrieves the full version chain, ascending from 1
	History(ctx context.Context, id model.ContentID) ([]*model.Version, error)

	// CompareAndSwap atomically advances the head from the expected
	// version to a new one and appends the version entry. On a version
	// mismatch nothing is committed; the current head is returned with
	// an error wrapping model.ErrVersionConflict.
	CompareAndSwap(ctx context.Context, id model.ContentID, expected int, payload, reason, author string) (*model.Content, error)

	// PutConflict saves a conflict record, replacing any record with
	// the same ID
	PutConflict(ctx context.Context, conflict *model.Conflict) error

	// GetConflict retrieves a conflict record by ID
	GetConflict(ctx context.Context, id model.ConflictID) (*model.Conflict, error)

	// ListConflicts retrieves conflict records for a content entry
	ListConflicts(ctx context.Context, contentID model.ContentID) ([]*model.Conflict, error)

	// AppendAudit appends an audit entry
	AppendAudit(ctx context.Context, entry *model.AuditEntry) error

	// AuditFor retrieves audit entries for a content entry in
	// chronological order
	AuditFor(ctx context.Context, contentID model.ContentID) ([]*model.AuditEntry, error)

	// Close releases underlying resources
	Close() error
}
