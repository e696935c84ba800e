package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionContents  = "contents"
	collectionVersions  = "versions"
	collectionConflicts = "conflicts"
	collectionAudits    = "audits"
)

// Firestore implements ContentStore using Cloud Firestore.
// Compare-and-swap runs inside a Firestore transaction.
type Firestore struct {
	client *firestore.Client
}

// NewFirestore creates a new Firestore content store
func NewFirestore(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

func (f *Firestore) Close() error {
	return f.client.Close()
}

func (f *Firestore) contentRef(id model.ContentID) *firestore.DocumentRef {
	return f.client.Collection(collectionContents).Doc(string(id))
}

func versionDocID(number int) string {
	return fmt.Sprintf("%08d", number)
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func (f *Firestore) Create(ctx context.Context, content *model.Content, reason string) error {
	ref := f.contentRef(content.ID)

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err == nil {
			return goerr.New("content already exists", goerr.V("content_id", content.ID))
		} else if !notFound(err) {
			return goerr.Wrap(err, "failed to check content", goerr.V("content_id", content.ID))
		}

		c := *content
		c.Version = 1
		if err := tx.Set(ref, &c); err != nil {
			return goerr.Wrap(err, "failed to set content")
		}

		version := &model.Version{
			ContentID: c.ID,
			Number:    1,
			Payload:   c.Payload,
			Reason:    reason,
			Author:    c.Metadata.Author,
			CreatedAt: c.CreatedAt,
		}
		return tx.Set(ref.Collection(collectionVersions).Doc(versionDocID(1)), version)
	})
	if err != nil {
		return goerr.Wrap(err, "failed to create content", goerr.V("content_id", content.ID))
	}
	return nil
}

func (f *Firestore) Read(ctx context.Context, id model.ContentID) (*model.Content, error) {
	doc, err := f.contentRef(id).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, goerr.Wrap(model.ErrContentNotFound, "content not found", goerr.V("content_id", id))
		}
		return nil, goerr.Wrap(err, "failed to read content", goerr.V("content_id", id))
	}

	var content model.Content
	if err := doc.DataTo(&content); err != nil {
		return nil, goerr.Wrap(err, "failed to decode content", goerr.V("content_id", id))
	}
	return &content, nil
}

func (f *Firestore) History(ctx context.Context, id model.ContentID) ([]*model.Version, error) {
	if _, err := f.Read(ctx, id); err != nil {
		return nil, err
	}

	iter := f.contentRef(id).Collection(collectionVersions).OrderBy("Number", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var versions []*model.Version
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate versions", goerr.V("content_id", id))
		}

		var v model.Version
		if err := doc.DataTo(&v); err != nil {
			return nil, goerr.Wrap(err, "failed to decode version", goerr.V("content_id", id))
		}
		versions = append(versions, &v)
	}
	return versions, nil
}

func (f *Firestore) CompareAndSwap(ctx context.Context, id model.ContentID, expected int, payload, reason, author string) (*model.Content, error) {
	ref := f.contentRef(id)
	var head model.Content

	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if notFound(err) {
				return goerr.Wrap(model.ErrContentNotFound, "content not found", goerr.V("content_id", id))
			}
			return goerr.Wrap(err, "failed to read content", goerr.V("content_id", id))
		}
		if err := doc.DataTo(&head); err != nil {
			return goerr.Wrap(err, "failed to decode content", goerr.V("content_id", id))
		}

		if head.Version != expected {
			return goerr.Wrap(model.ErrVersionConflict, "version mismatch",
				goerr.V("content_id", id),
				goerr.V("expected", expected),
				goerr.V("actual", head.Version),
			)
		}

		now := time.Now()
		head.Version++
		head.Payload = payload
		head.UpdatedAt = now

		if err := tx.Set(ref, &head); err != nil {
			return goerr.Wrap(err, "failed to set content")
		}

		version := &model.Version{
			ContentID: id,
			Number:    head.Version,
			Payload:   payload,
			Reason:    reason,
			Author:    author,
			CreatedAt: now,
		}
		return tx.Set(ref.Collection(collectionVersions).Doc(versionDocID(head.Version)), version)
	})
	if err != nil {
		// head carries the current version for conflict reporting
		return &head, err
	}

	return &head, nil
}

func (f *Firestore) PutConflict(ctx context.Context, conflict *model.Conflict) error {
	ref := f.client.Collection(collectionConflicts).Doc(string(conflict.ID))
	if _, err := ref.Set(ctx, conflict); err != nil {
		return goerr.Wrap(err, "failed to put conflict", goerr.V("conflict_id", conflict.ID))
	}
	return nil
}

func (f *Firestore) GetConflict(ctx context.Context, id model.ConflictID) (*model.Conflict, error) {
	doc, err := f.client.Collection(collectionConflicts).Doc(string(id)).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, goerr.Wrap(model.ErrConflictNotFound, "conflict not found", goerr.V("conflict_id", id))
		}
		return nil, goerr.Wrap(err, "failed to get conflict", goerr.V("conflict_id", id))
	}

	var conflict model.Conflict
	if err := doc.DataTo(&conflict); err != nil {
		return nil, goerr.Wrap(err, "failed to decode conflict", goerr.V("conflict_id", id))
	}
	return &conflict, nil
}

func (f *Firestore) ListConflicts(ctx context.Context, contentID model.ContentID) ([]*model.Conflict, error) {
	iter := f.client.Collection(collectionConflicts).
		Where("ContentID", "==", string(contentID)).
		OrderBy("CreatedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var conflicts []*model.Conflict
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate conflicts", goerr.V("content_id", contentID))
		}

		var conflict model.Conflict
		if err := doc.DataTo(&conflict); err != nil {
			return nil, goerr.Wrap(err, "failed to decode conflict", goerr.V("content_id", contentID))
		}
		conflicts = append(conflicts, &conflict)
	}
	return conflicts, nil
}

func (f *Firestore) AppendAudit(ctx context.Context, entry *model.AuditEntry) error {
	ref := f.contentRef(entry.ContentID).Collection(collectionAudits).Doc(entry.ID)
	if _, err := ref.Set(ctx, entry); err != nil {
		return goerr.Wrap(err, "failed to append audit entry", goerr.V("content_id", entry.ContentID))
	}
	return nil
}

func (f *Firestore) AuditFor(ctx context.Context, contentID model.ContentID) ([]*model.AuditEntry, error) {
	iter := f.contentRef(contentID).Collection(collectionAudits).OrderBy("CreatedAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var entries []*model.AuditEntry
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate audit entries", goerr.V("content_id", contentID))
		}

		var entry model.AuditEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, goerr.Wrap(err, "failed to decode audit entry", goerr.V("content_id", contentID))
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
