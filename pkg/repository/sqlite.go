package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS contents (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	metadata   TEXT NOT NULL,
	version    INTEGER NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS versions (
	content_id TEXT NOT NULL REFERENCES contents(id),
	number     INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	reason     TEXT NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (content_id, number)
);

CREATE TABLE IF NOT EXISTS conflicts (
	id               TEXT PRIMARY KEY,
	content_id       TEXT NOT NULL,
	expected_version INTEGER NOT NULL,
	actual_version   INTEGER NOT NULL,
	proposed_payload TEXT NOT NULL,
	current_payload  TEXT NOT NULL,
	author           TEXT NOT NULL DEFAULT '',
	resolved         INTEGER NOT NULL DEFAULT 0,
	strategy         TEXT NOT NULL DEFAULT '',
	resolution_hash  TEXT NOT NULL DEFAULT '',
	resolved_version INTEGER NOT NULL DEFAULT 0,
	resolved_by      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	resolved_at      TEXT
);
CREATE INDEX IF NOT EXISTS idx_conflicts_content ON conflicts(content_id, created_at);

CREATE TABLE IF NOT EXISTS audits (
	id          TEXT PRIMARY KEY,
	content_id  TEXT NOT NULL,
	conflict_id TEXT NOT NULL DEFAULT '',
	action      TEXT NOT NULL,
	strategy    TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	actor       TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_content ON audits(content_id, created_at);
`

// SQLite implements ContentStore on a local SQLite database file
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file and runs migrations
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open sqlite database", goerr.V("path", path))
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to migrate sqlite database", goerr.V("path", path))
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLite) Create(ctx context.Context, content *model.Content, reason string) error {
	metadata, err := json.Marshal(content.Metadata)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal metadata")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contents (id, type, payload, metadata, version, created_at, updated_at) VALUES (?, ?, ?, ?, 1, ?, ?)`,
		string(content.ID), string(content.Type), content.Payload, string(metadata), fmtTime(content.CreatedAt), fmtTime(content.UpdatedAt),
	); err != nil {
		return goerr.Wrap(err, "failed to insert content", goerr.V("content_id", content.ID))
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (content_id, number, payload, reason, author, created_at) VALUES (?, 1, ?, ?, ?, ?)`,
		string(content.ID), content.Payload, reason, content.Metadata.Author, fmtTime(content.CreatedAt),
	); err != nil {
		return goerr.Wrap(err, "failed to insert version", goerr.V("content_id", content.ID))
	}

	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit create", goerr.V("content_id", content.ID))
	}
	return nil
}

func (s *SQLite) scanContent(row *sql.Row) (*model.Content, error) {
	var content model.Content
	var id, ctype, metadata, createdAt, updatedAt string
	if err := row.Scan(&id, &ctype, &content.Payload, &metadata, &content.Version, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrContentNotFound, "content not found")
		}
		return nil, goerr.Wrap(err, "failed to scan content")
	}

	content.ID = model.ContentID(id)
	content.Type = model.ContentType(ctype)
	content.CreatedAt = parseTime(createdAt)
	content.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(metadata), &content.Metadata); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal metadata", goerr.V("content_id", id))
	}
	return &content, nil
}

func (s *SQLite) Read(ctx context.Context, id model.ContentID) (*model.Content, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, payload, metadata, version, created_at, updated_at FROM contents WHERE id = ?`,
		string(id),
	)
	content, err := s.scanContent(row)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read content", goerr.V("content_id", id))
	}
	return content, nil
}

func (s *SQLite) History(ctx context.Context, id model.ContentID) ([]*model.Version, error) {
	if _, err := s.Read(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT content_id, number, payload, reason, author, created_at FROM versions WHERE content_id = ? ORDER BY number ASC`,
		string(id),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query versions", goerr.V("content_id", id))
	}
	defer rows.Close()

	var versions []*model.Version
	for rows.Next() {
		var v model.Version
		var contentID, createdAt string
		if err := rows.Scan(&contentID, &v.Number, &v.Payload, &v.Reason, &v.Author, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan version", goerr.V("content_id", id))
		}
		v.ContentID = model.ContentID(contentID)
		v.CreatedAt = parseTime(createdAt)
		versions = append(versions, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate versions", goerr.V("content_id", id))
	}
	return versions, nil
}

func (s *SQLite) CompareAndSwap(ctx context.Context, id model.ContentID, expected int, payload, reason, author string) (*model.Content, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, type, payload, metadata, version, created_at, updated_at FROM contents WHERE id = ?`,
		string(id),
	)
	head, err := s.scanContent(row)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read content", goerr.V("content_id", id))
	}

	if head.Version != expected {
		return head, goerr.Wrap(model.ErrVersionConflict, "version mismatch",
			goerr.V("content_id", id),
			goerr.V("expected", expected),
			goerr.V("actual", head.Version),
		)
	}

	now := time.Now()
	next := head.Version + 1

	res, err := tx.ExecContext(ctx,
		`UPDATE contents SET payload = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		payload, next, fmtTime(now), string(id), expected,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to update content", goerr.V("content_id", id))
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return head, goerr.Wrap(model.ErrVersionConflict, "version mismatch",
			goerr.V("content_id", id),
			goerr.V("expected", expected),
		)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO versions (content_id, number, payload, reason, author, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(id), next, payload, reason, author, fmtTime(now),
	); err != nil {
		return nil, goerr.Wrap(err, "failed to insert version", goerr.V("content_id", id))
	}

	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "failed to commit update", goerr.V("content_id", id))
	}

	head.Payload = payload
	head.Version = next
	head.UpdatedAt = now
	return head, nil
}

func (s *SQLite) PutConflict(ctx context.Context, conflict *model.Conflict) error {
	var resolvedAt any
	if conflict.ResolvedAt != nil {
		resolvedAt = fmtTime(*conflict.ResolvedAt)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, content_id, expected_version, actual_version, proposed_payload, current_payload, author, resolved, strategy, resolution_hash, resolved_version, resolved_by, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			resolved = excluded.resolved,
			strategy = excluded.strategy,
			resolution_hash = excluded.resolution_hash,
			resolved_version = excluded.resolved_version,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at`,
		string(conflict.ID), string(conflict.ContentID), conflict.ExpectedVersion, conflict.ActualVersion,
		conflict.ProposedPayload, conflict.CurrentPayload, conflict.Author,
		boolToInt(conflict.Resolved), string(conflict.Strategy), conflict.ResolutionHash,
		conflict.ResolvedVersion, conflict.ResolvedBy, fmtTime(conflict.CreatedAt), resolvedAt,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to put conflict", goerr.V("conflict_id", conflict.ID))
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) scanConflict(scan func(dest ...any) error) (*model.Conflict, error) {
	var c model.Conflict
	var id, contentID, strategy, createdAt string
	var resolved int
	var resolvedAt sql.NullString
	if err := scan(&id, &contentID, &c.ExpectedVersion, &c.ActualVersion, &c.ProposedPayload, &c.CurrentPayload,
		&c.Author, &resolved, &strategy, &c.ResolutionHash, &c.ResolvedVersion, &c.ResolvedBy, &createdAt, &resolvedAt); err != nil {
		return nil, err
	}

	c.ID = model.ConflictID(id)
	c.ContentID = model.ContentID(contentID)
	c.Resolved = resolved != 0
	c.Strategy = model.ResolutionStrategy(strategy)
	c.CreatedAt = parseTime(createdAt)
	if resolvedAt.Valid {
		t := parseTime(resolvedAt.String)
		c.ResolvedAt = &t
	}
	return &c, nil
}

const conflictColumns = `id, content_id, expected_version, actual_version, proposed_payload, current_payload, author, resolved, strategy, resolution_hash, resolved_version, resolved_by, created_at, resolved_at`

func (s *SQLite) GetConflict(ctx context.Context, id model.ConflictID) (*model.Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, string(id),
	)
	conflict, err := s.scanConflict(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, goerr.Wrap(model.ErrConflictNotFound, "conflict not found", goerr.V("conflict_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get conflict", goerr.V("conflict_id", id))
	}
	return conflict, nil
}

func (s *SQLite) ListConflicts(ctx context.Context, contentID model.ContentID) ([]*model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflicts WHERE content_id = ? ORDER BY created_at ASC`, string(contentID),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query conflicts", goerr.V("content_id", contentID))
	}
	defer rows.Close()

	var conflicts []*model.Conflict
	for rows.Next() {
		conflict, err := s.scanConflict(rows.Scan)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan conflict", goerr.V("content_id", contentID))
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate conflicts", goerr.V("content_id", contentID))
	}
	return conflicts, nil
}

func (s *SQLite) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audits (id, content_id, conflict_id, action, strategy, version, actor, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.ContentID), string(entry.ConflictID), string(entry.Action), string(entry.Strategy),
		entry.Version, entry.Actor, fmtTime(entry.CreatedAt),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to append audit entry", goerr.V("content_id", entry.ContentID))
	}
	return nil
}

func (s *SQLite) AuditFor(ctx context.Context, contentID model.ContentID) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content_id, conflict_id, action, strategy, version, actor, created_at FROM audits WHERE content_id = ? ORDER BY created_at ASC`,
		string(contentID),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query audit entries", goerr.V("content_id", contentID))
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var contentID, conflictID, action, strategy, createdAt string
		if err := rows.Scan(&e.ID, &contentID, &conflictID, &action, &strategy, &e.Version, &e.Actor, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan audit entry")
		}
		e.ContentID = model.ContentID(contentID)
		e.ConflictID = model.ConflictID(conflictID)
		e.Action = model.AuditAction(action)
		e.Strategy = model.ResolutionStrategy(strategy)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to iterate audit entries", goerr.V("content_id", contentID))
	}
	return entries, nil
}
