package repository_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/repository"
)

func newContent(payload string) *model.Content {
	now := time.Now()
	return &model.Content{
		ID:        model.NewContentID(),
		Type:      model.ContentTypeText,
		Payload:   payload,
		Metadata:  model.Metadata{Author: "alice"},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemory_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()

	c := newContent("hello")
	gt.NoError(t, store.Create(ctx, c, "Initial creation"))

	got, err := store.Read(ctx, c.ID)
	gt.NoError(t, err)
	gt.V(t, got.Payload).Equal("hello")
	gt.V(t, got.Version).Equal(1)

	gt.Error(t, store.Create(ctx, c, "again"))
}

func TestMemory_ReadMissing(t *testing.T) {
	store := repository.NewMemory()

	_, err := store.Read(context.Background(), model.NewContentID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrContentNotFound))
}

func TestMemory_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()

	c := newContent("v1")
	gt.NoError(t, store.Create(ctx, c, "Initial creation"))

	head, err := store.CompareAndSwap(ctx, c.ID, 1, "v2", "update", "bob")
	gt.NoError(t, err)
	gt.V(t, head.Version).Equal(2)
	gt.V(t, head.Payload).Equal("v2")

	// Stale expected version: current head comes back with the error
	head, err = store.CompareAndSwap(ctx, c.ID, 1, "v2 again", "update", "carol")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrVersionConflict))
	gt.V(t, head.Version).Equal(2)
	gt.V(t, head.Payload).Equal("v2")

	history, err := store.History(ctx, c.ID)
	gt.NoError(t, err)
	gt.A(t, history).Length(2)
	for i, v := range history {
		gt.V(t, v.Number).Equal(i + 1)
	}
}

func TestMemory_ConcurrentCASSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()

	c := newContent("base")
	gt.NoError(t, store.Create(ctx, c, "Initial creation"))

	const writers = 8
	var wg sync.WaitGroup
	wins := make(chan int, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := store.CompareAndSwap(ctx, c.ID, 1, fmt.Sprintf("writer %d", n), "race", "w"); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	gt.V(t, winners).Equal(1)

	head, err := store.Read(ctx, c.ID)
	gt.NoError(t, err)
	gt.V(t, head.Version).Equal(2)

	history, err := store.History(ctx, c.ID)
	gt.NoError(t, err)
	gt.A(t, history).Length(2)
}

func TestMemory_Conflicts(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()

	contentID := model.NewContentID()
	first := &model.Conflict{
		ID:              model.NewConflictID(),
		ContentID:       contentID,
		ExpectedVersion: 1,
		ActualVersion:   2,
		ProposedPayload: "late write",
		CreatedAt:       time.Now().Add(-time.Minute),
	}
	second := &model.Conflict{
		ID:              model.NewConflictID(),
		ContentID:       contentID,
		ExpectedVersion: 2,
		ActualVersion:   3,
		ProposedPayload: "later write",
		CreatedAt:       time.Now(),
	}
	gt.NoError(t, store.PutConflict(ctx, second))
	gt.NoError(t, store.PutConflict(ctx, first))

	got, err := store.GetConflict(ctx, first.ID)
	gt.NoError(t, err)
	gt.V(t, got.ProposedPayload).Equal("late write")

	_, err = store.GetConflict(ctx, model.NewConflictID())
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrConflictNotFound))

	list, err := store.ListConflicts(ctx, contentID)
	gt.NoError(t, err)
	gt.A(t, list).Length(2)
	// Ordered by creation time
	gt.V(t, list[0].ID).Equal(first.ID)

	// Upsert marks resolution in place
	now := time.Now()
	first.Resolved = true
	first.Strategy = model.StrategyKeepTheirs
	first.ResolvedAt = &now
	gt.NoError(t, store.PutConflict(ctx, first))

	got, err = store.GetConflict(ctx, first.ID)
	gt.NoError(t, err)
	gt.True(t, got.Resolved)
}

func TestMemory_Audit(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemory()

	contentID := model.NewContentID()
	for i := 1; i <= 3; i++ {
		gt.NoError(t, store.AppendAudit(ctx, &model.AuditEntry{
			ID:        fmt.Sprintf("audit-%d", i),
			ContentID: contentID,
			Action:    model.AuditActionUpdate,
			Version:   i,
			CreatedAt: time.Now(),
		}))
	}

	entries, err := store.AuditFor(ctx, contentID)
	gt.NoError(t, err)
	gt.A(t, entries).Length(3)
	gt.V(t, entries[0].Version).Equal(1)
	gt.V(t, entries[2].Version).Equal(3)
}
