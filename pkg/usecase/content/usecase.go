package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/adapter"
	"github.com/m-mizutani/tsumugi/pkg/cache"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/policy"
	"github.com/m-mizutani/tsumugi/pkg/repository"
	"github.com/m-mizutani/tsumugi/pkg/utils/logging"
)

const (
	initialChangeReason = "Initial creation"
	defaultUpdateReason = "Information updated"
	mergeSeparator      = "\n---\n"

	casRetryLimit = 3
)

// UseCase manages versioned content with optimistic concurrency,
// conflict records, and an immutable audit trail
type UseCase struct {
	store   repository.ContentStore
	cache   cache.Provider    // optional
	archive adapter.Storage   // optional, best-effort
	policy  *policy.Validator // optional
}

// NewInput bundles content usecase dependencies
type NewInput struct {
	Store   repository.ContentStore
	Cache   cache.Provider
	Archive adapter.Storage
	Policy  *policy.Validator
}

// New creates a content usecase
func New(input NewInput) (*UseCase, error) {
	if input.Store == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "content store is required")
	}
	return &UseCase{
		store:   input.Store,
		cache:   input.Cache,
		archive: input.Archive,
		policy:  input.Policy,
	}, nil
}

// Store saves new content as version 1 in a single commit
func (u *UseCase) Store(ctx context.Context, payload string, contentType model.ContentType, metadata model.Metadata) (*model.Content, error) {
	if strings.TrimSpace(payload) == "" {
		return nil, goerr.Wrap(model.ErrInformationManagement, "payload is empty")
	}
	if err := contentType.Validate(); err != nil {
		return nil, goerr.Wrap(model.ErrInformationManagement, "invalid content type", goerr.V("type", contentType))
	}
	if err := u.policy.Validate(ctx, contentType, payload, metadata); err != nil {
		return nil, goerr.Wrap(model.ErrInformationManagement, "content rejected", goerr.V("reason", err.Error()))
	}

	now := time.Now()
	content := &model.Content{
		ID:        model.NewContentID(),
		Type:      contentType,
		Payload:   payload,
		Metadata:  metadata,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := u.store.Create(ctx, content, initialChangeReason); err != nil {
		return nil, goerr.Wrap(model.ErrInformationManagement, "failed to store content", goerr.V("content_id", content.ID))
	}

	u.audit(ctx, &model.AuditEntry{
		ID:        uuid.New().String(),
		ContentID: content.ID,
		Action:    model.AuditActionCreate,
		Version:   1,
		Actor:     metadata.Author,
		CreatedAt: now,
	})
	u.archiveVersion(ctx, content.ID, 1, payload)

	return content, nil
}

// Update advances the content head with compare-and-swap. A version
// mismatch persists a conflict record and returns *ConflictError; the
// stored head is never silently overwritten. Returns the committed
// version number.
func (u *UseCase) Update(ctx context.Context, id model.ContentID, payload string, expectedVersion int, reason, author string) (int, error) {
	if strings.TrimSpace(payload) == "" {
		return 0, goerr.Wrap(model.ErrInformationManagement, "payload is empty", goerr.V("content_id", id))
	}
	if expectedVersion < 1 {
		return 0, goerr.Wrap(model.ErrInformationManagement, "expected version must be positive",
			goerr.V("content_id", id), goerr.V("expected", expectedVersion))
	}
	if reason == "" {
		reason = defaultUpdateReason
	}

	head, err := u.store.Read(ctx, id)
	if err != nil {
		return 0, err
	}
	if err := u.policy.Validate(ctx, head.Type, payload, head.Metadata); err != nil {
		return 0, goerr.Wrap(model.ErrInformationManagement, "content rejected", goerr.V("reason", err.Error()))
	}

	committed, err := u.store.CompareAndSwap(ctx, id, expectedVersion, payload, reason, author)
	if err != nil {
		if errors.Is(err, model.ErrVersionConflict) {
			return 0, u.recordConflict(ctx, committed, id, expectedVersion, payload, author)
		}
		return 0, goerr.Wrap(model.ErrInformationManagement, "failed to update content", goerr.V("content_id", id))
	}

	now := time.Now()
	u.audit(ctx, &model.AuditEntry{
		ID:        uuid.New().String(),
		ContentID: id,
		Action:    model.AuditActionUpdate,
		Version:   committed.Version,
		Actor:     author,
		CreatedAt: now,
	})
	u.archiveVersion(ctx, id, committed.Version, payload)
	u.invalidate(id)

	return committed.Version, nil
}

func (u *UseCase) recordConflict(ctx context.Context, head *model.Content, id model.ContentID, expected int, proposed, author string) error {
	conflict := &model.Conflict{
		ID:              model.NewConflictID(),
		ContentID:       id,
		ExpectedVersion: expected,
		ProposedPayload: proposed,
		Author:          author,
		CreatedAt:       time.Now(),
	}
	if head != nil {
		conflict.ActualVersion = head.Version
		conflict.CurrentPayload = head.Payload
	}

	if err := u.store.PutConflict(ctx, conflict); err != nil {
		return goerr.Wrap(model.ErrInformationManagement, "failed to record conflict", goerr.V("content_id", id))
	}

	logging.From(ctx).Warn("update rejected by version conflict",
		"content_id", id, "conflict_id", conflict.ID,
		"expected", conflict.ExpectedVersion, "actual", conflict.ActualVersion)

	return &ConflictError{Conflict: conflict}
}

// Get returns the current head, through the cache when available
func (u *UseCase) Get(ctx context.Context, id model.ContentID) (*model.Content, error) {
	key := contentCacheKey(id)
	if u.cache != nil {
		if cached, ok := u.cache.Get(key); ok {
			var content model.Content
			if err := json.Unmarshal([]byte(cached), &content); err == nil {
				return &content, nil
			}
		}
	}

	content, err := u.store.Read(ctx, id)
	if err != nil {
		return nil, err
	}

	if u.cache != nil {
		if encoded, err := json.Marshal(content); err == nil {
			u.cache.Set(key, string(encoded))
		}
	}
	return content, nil
}

// GetHistory returns the immutable version chain, ascending and gapless
// from 1
func (u *UseCase) GetHistory(ctx context.Context, id model.ContentID) ([]*model.Version, error) {
	return u.store.History(ctx, id)
}

// VersionPayload returns the payload of one committed version,
// preferring the archive and falling back to the version chain
func (u *UseCase) VersionPayload(ctx context.Context, id model.ContentID, version int) (string, error) {
	if u.archive != nil {
		if payload, err := u.readArchivedVersion(ctx, id, version); err == nil {
			return payload, nil
		}
	}

	history, err := u.store.History(ctx, id)
	if err != nil {
		return "", err
	}
	for _, v := range history {
		if v.Number == version {
			return v.Payload, nil
		}
	}
	return "", goerr.Wrap(model.ErrContentNotFound, "version not found",
		goerr.V("content_id", id), goerr.V("version", version))
}

func (u *UseCase) readArchivedVersion(ctx context.Context, id model.ContentID, version int) (string, error) {
	r, err := u.archive.Get(ctx, archiveKey(id, version))
	if err != nil {
		return "", goerr.Wrap(err, "failed to read archived version",
			goerr.V("content_id", id), goerr.V("version", version))
	}
	defer r.Close()

	var record archiveRecord
	if err := json.NewDecoder(r).Decode(&record); err != nil {
		return "", goerr.Wrap(err, "failed to decode archived version",
			goerr.V("content_id", id), goerr.V("version", version))
	}
	return record.Payload, nil
}

// Conflicts returns the conflict records of a content entry
func (u *UseCase) Conflicts(ctx context.Context, id model.ContentID) ([]*model.Conflict, error) {
	return u.store.ListConflicts(ctx, id)
}

// AuditTrail returns the audit entries of a content entry
func (u *UseCase) AuditTrail(ctx context.Context, id model.ContentID) ([]*model.AuditEntry, error) {
	return u.store.AuditFor(ctx, id)
}

// ResolveConflict applies a resolution strategy to a recorded conflict,
// appending exactly one version and one audit entry. Re-applying the
// identical (conflict, strategy, payload) request returns the already
// committed version without another audit entry; a different request on
// a resolved conflict is rejected.
func (u *UseCase) ResolveConflict(ctx context.Context, conflictID model.ConflictID, strategy model.ResolutionStrategy, payload, resolvedBy string) (int, error) {
	if err := strategy.Validate(); err != nil {
		return 0, goerr.Wrap(model.ErrInformationManagement, "invalid resolution strategy", goerr.V("strategy", strategy))
	}
	if strategy == model.StrategyManual && strings.TrimSpace(payload) == "" {
		return 0, goerr.Wrap(model.ErrInformationManagement, "manual resolution requires a payload", goerr.V("conflict_id", conflictID))
	}

	conflict, err := u.store.GetConflict(ctx, conflictID)
	if err != nil {
		return 0, err
	}

	hash := model.ResolutionHash(strategy, payload)
	if conflict.Resolved {
		if conflict.Strategy == strategy && conflict.ResolutionHash == hash {
			return conflict.ResolvedVersion, nil
		}
		return 0, goerr.Wrap(model.ErrInformationManagement, "conflict already resolved with a different request",
			goerr.V("conflict_id", conflictID), goerr.V("applied_strategy", conflict.Strategy))
	}

	version, err := u.applyResolution(ctx, conflict, strategy, payload, resolvedBy)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	conflict.Resolved = true
	conflict.Strategy = strategy
	conflict.ResolutionHash = hash
	conflict.ResolvedVersion = version
	conflict.ResolvedBy = resolvedBy
	conflict.ResolvedAt = &now
	if err := u.store.PutConflict(ctx, conflict); err != nil {
		return 0, goerr.Wrap(model.ErrInformationManagement, "failed to mark conflict resolved", goerr.V("conflict_id", conflictID))
	}

	u.audit(ctx, &model.AuditEntry{
		ID:         uuid.New().String(),
		ContentID:  conflict.ContentID,
		ConflictID: conflict.ID,
		Action:     model.AuditActionResolve,
		Strategy:   strategy,
		Version:    version,
		Actor:      resolvedBy,
		CreatedAt:  now,
	})
	u.invalidate(conflict.ContentID)

	return version, nil
}

// applyResolution computes the winning payload and commits it as one
// new version. Concurrent head movement is retried with a fresh read.
func (u *UseCase) applyResolution(ctx context.Context, conflict *model.Conflict, strategy model.ResolutionStrategy, payload, resolvedBy string) (int, error) {
	reason := fmt.Sprintf("Conflict resolved (%s)", strategy)

	for attempt := 0; attempt < casRetryLimit; attempt++ {
		head, err := u.store.Read(ctx, conflict.ContentID)
		if err != nil {
			return 0, err
		}

		var resolved string
		switch strategy {
		case model.StrategyKeepMine:
			resolved = conflict.ProposedPayload
		case model.StrategyKeepTheirs:
			resolved = head.Payload
		case model.StrategyMerge:
			resolved = head.Payload + mergeSeparator + conflict.ProposedPayload
		case model.StrategyManual:
			resolved = payload
		}

		committed, err := u.store.CompareAndSwap(ctx, conflict.ContentID, head.Version, resolved, reason, resolvedBy)
		if err != nil {
			if errors.Is(err, model.ErrVersionConflict) {
				continue // the head moved; recompute against the new head
			}
			return 0, goerr.Wrap(model.ErrInformationManagement, "failed to commit resolution",
				goerr.V("conflict_id", conflict.ID))
		}

		u.archiveVersion(ctx, conflict.ContentID, committed.Version, resolved)
		return committed.Version, nil
	}

	return 0, goerr.Wrap(model.ErrInformationManagement, "resolution lost the head race repeatedly",
		goerr.V("conflict_id", conflict.ID), goerr.V("attempts", casRetryLimit))
}

func (u *UseCase) audit(ctx context.Context, entry *model.AuditEntry) {
	if err := u.store.AppendAudit(ctx, entry); err != nil {
		logging.From(ctx).Error("failed to append audit entry", "error", err, "content_id", entry.ContentID)
	}
}

// archiveRecord is the JSON document stored per committed version
type archiveRecord struct {
	ContentID model.ContentID `json:"content_id"`
	Version   int             `json:"version"`
	Payload   string          `json:"payload"`
}

func archiveKey(id model.ContentID, version int) string {
	return fmt.Sprintf("contents/%s/v%d.json", id, version)
}

// archiveVersion writes the committed payload to the archive.
// Best-effort: failures are logged, never propagated.
func (u *UseCase) archiveVersion(ctx context.Context, id model.ContentID, version int, payload string) {
	if u.archive == nil {
		return
	}

	key := archiveKey(id, version)
	record := archiveRecord{
		ContentID: id,
		Version:   version,
		Payload:   payload,
	}

	w, err := u.archive.Put(ctx, key)
	if err != nil {
		logging.From(ctx).Warn("failed to open archive writer", "error", err, "key", key)
		return
	}
	if err := json.NewEncoder(w).Encode(record); err != nil {
		logging.From(ctx).Warn("failed to write archive record", "error", err, "key", key)
	}
	if err := w.Close(); err != nil {
		logging.From(ctx).Warn("failed to close archive writer", "error", err, "key", key)
	}
}

func (u *UseCase) invalidate(id model.ContentID) {
	if u.cache != nil {
		u.cache.Invalidate(contentCacheKey(id))
	}
}

func contentCacheKey(id model.ContentID) string {
	return "content/" + string(id)
}
