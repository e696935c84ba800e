package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
)

// Memory implements ContentStore in process memory. It is the
// reference implementation and the default store for tests and the
// CLI without a backing database.
type Memory struct {
	mu        sync.Mutex
	contents  map[model.ContentID]*model.Content
	versions  map[model.ContentID][]*model.Version
	conflicts map[model.ConflictID]*model.Conflict
	audits    map[model.ContentID][]*model.AuditEntry
}

// NewMemory creates an empty in-memory content store
func NewMemory() *Memory {
	return &Memory{
		contents:  make(map[model.ContentID]*model.Content),
		versions:  make(map[model.ContentID][]*model.Version),
		conflicts: make(map[model.ConflictID]*model.Conflict),
		audits:    make(map[model.ContentID][]*model.AuditEntry),
	}
}

func (m *Memory) Create(ctx context.Context, content *model.Content, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contents[content.ID]; ok {
		return goerr.New("content already exists", goerr.V("content_id", content.ID))
	}

	c := *content
	c.Version = 1
	m.contents[c.ID] = &c
	m.versions[c.ID] = []*model.Version{{
		ContentID: c.ID,
		Number:    1,
		Payload:   c.Payload,
		Reason:    reason,
		Author:    c.Metadata.Author,
		CreatedAt: c.CreatedAt,
	}}

	return nil
}

func (m *Memory) Read(ctx context.Context, id model.ContentID) (*model.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, ok := m.contents[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrContentNotFound, "content not found", goerr.V("content_id", id))
	}

	c := *content
	return &c, nil
}

func (m *Memory) History(ctx context.Context, id model.ContentID) ([]*model.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.versions[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrContentNotFound, "content not found", goerr.V("content_id", id))
	}

	out := make([]*model.Version, len(versions))
	for i, v := range versions {
		c := *v
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, id model.ContentID, expected int, payload, reason, author string) (*model.Content, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	content, ok := m.contents[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrContentNotFound, "content not found", goerr.V("content_id", id))
	}

	if content.Version != expected {
		head := *content
		return &head, goerr.Wrap(model.ErrVersionConflict, "version mismatch",
			goerr.V("content_id", id),
			goerr.V("expected", expected),
			goerr.V("actual", content.Version),
		)
	}

	now := time.Now()
	content.Version++
	content.Payload = payload
	content.UpdatedAt = now
	m.versions[id] = append(m.versions[id], &model.Version{
		ContentID: id,
		Number:    content.Version,
		Payload:   payload,
		Reason:    reason,
		Author:    author,
		CreatedAt: now,
	})

	head := *content
	return &head, nil
}

func (m *Memory) PutConflict(ctx context.Context, conflict *model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conflict
	m.conflicts[c.ID] = &c
	return nil
}

func (m *Memory) GetConflict(ctx context.Context, id model.ConflictID) (*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict, ok := m.conflicts[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrConflictNotFound, "conflict not found", goerr.V("conflict_id", id))
	}

	c := *conflict
	return &c, nil
}

func (m *Memory) ListConflicts(ctx context.Context, contentID model.ContentID) ([]*model.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*model.Conflict
	for _, conflict := range m.conflicts {
		if conflict.ContentID == contentID {
			c := *conflict
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *entry
	m.audits[e.ContentID] = append(m.audits[e.ContentID], &e)
	return nil
}

func (m *Memory) AuditFor(ctx context.Context, contentID model.ContentID) ([]*model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.audits[contentID]
	out := make([]*model.AuditEntry, len(entries))
	for i, e := range entries {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
