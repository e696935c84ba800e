package repository_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/repository"
)

func newSQLiteStore(t *testing.T) *repository.SQLite {
	t.Helper()
	store, err := repository.NewSQLite(filepath.Join(t.TempDir(), "tsumugi.db"))
	gt.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_CreateReadHistory(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	c := newContent("hello sqlite")
	gt.NoError(t, store.Create(ctx, c, "Initial creation"))

	got, err := store.Read(ctx, c.ID)
	gt.NoError(t, err)
	gt.V(t, got.Payload).Equal("hello sqlite")
	gt.V(t, got.Version).Equal(1)
	gt.V(t, got.Metadata.Author).Equal("alice")

	history, err := store.History(ctx, c.ID)
	gt.NoError(t, err)
	gt.A(t, history).Length(1)
	gt.V(t, history[0].Reason).Equal("Initial creation")

	_, err = store.Read(ctx, model.NewContentID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrContentNotFound))
}

func TestSQLite_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	c := newContent("v1")
	gt.NoError(t, store.Create(ctx, c, "Initial creation"))

	head, err := store.CompareAndSwap(ctx, c.ID, 1, "v2", "update", "bob")
	gt.NoError(t, err)
	gt.V(t, head.Version).Equal(2)

	head, err = store.CompareAndSwap(ctx, c.ID, 1, "stale", "update", "carol")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrVersionConflict))
	gt.V(t, head.Version).Equal(2)
	gt.V(t, head.Payload).Equal("v2")

	history, err := store.History(ctx, c.ID)
	gt.NoError(t, err)
	gt.A(t, history).Length(2)
	gt.V(t, history[1].Number).Equal(2)
	gt.V(t, history[1].Payload).Equal("v2")
}

func TestSQLite_ConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	conflict := &model.Conflict{
		ID:              model.NewConflictID(),
		ContentID:       model.NewContentID(),
		ExpectedVersion: 1,
		ActualVersion:   2,
		ProposedPayload: "late write",
		CurrentPayload:  "head payload",
		Author:          "bob",
		CreatedAt:       time.Now(),
	}
	gt.NoError(t, store.PutConflict(ctx, conflict))

	got, err := store.GetConflict(ctx, conflict.ID)
	gt.NoError(t, err)
	gt.V(t, got.ProposedPayload).Equal("late write")
	gt.False(t, got.Resolved)
	gt.Nil(t, got.ResolvedAt)

	now := time.Now()
	conflict.Resolved = true
	conflict.Strategy = model.StrategyMerge
	conflict.ResolutionHash = model.ResolutionHash(model.StrategyMerge, "")
	conflict.ResolvedVersion = 3
	conflict.ResolvedBy = "carol"
	conflict.ResolvedAt = &now
	gt.NoError(t, store.PutConflict(ctx, conflict))

	got, err = store.GetConflict(ctx, conflict.ID)
	gt.NoError(t, err)
	gt.True(t, got.Resolved)
	gt.V(t, got.Strategy).Equal(model.StrategyMerge)
	gt.V(t, got.ResolvedVersion).Equal(3)
	gt.NotNil(t, got.ResolvedAt)

	list, err := store.ListConflicts(ctx, conflict.ContentID)
	gt.NoError(t, err)
	gt.A(t, list).Length(1)
}

func TestSQLite_Audit(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)

	contentID := model.NewContentID()
	base := time.Now()
	for i := 1; i <= 2; i++ {
		gt.NoError(t, store.AppendAudit(ctx, &model.AuditEntry{
			ID:        fmt.Sprintf("audit-%d", i),
			ContentID: contentID,
			Action:    model.AuditActionUpdate,
			Version:   i,
			Actor:     "alice",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	entries, err := store.AuditFor(ctx, contentID)
	gt.NoError(t, err)
	gt.A(t, entries).Length(2)
	gt.V(t, entries[0].Version).Equal(1)
}
