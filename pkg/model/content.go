package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type ContentID string

// NewContentID generates a new unique ContentID
func NewContentID() ContentID {
	return ContentID(uuid.New().String())
}

type ConflictID string

// NewConflictID generates a new unique ConflictID
func NewConflictID() ConflictID {
	return ConflictID(uuid.New().String())
}

type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeJSON     ContentType = "json"
)

// Validate checks if the content type is valid
func (t ContentType) Validate() error {
	switch t {
	case ContentTypeText, ContentTypeMarkdown, ContentTypeJSON:
		return nil
	default:
		return goerr.New("invalid content type", goerr.V("type", t))
	}
}

// Metadata carries descriptive attributes of a content entry
type Metadata struct {
	Title  string            `json:"title,omitempty"`
	Tags   []string          `json:"tags,omitempty"`
	Author string            `json:"author,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// Content is the current head of a versioned content entry.
// Version numbers start at 1 and are gapless.
type Content struct {
	ID        ContentID   `json:"id"`
	Type      ContentType `json:"type"`
	Payload   string      `json:"payload"`
	Metadata  Metadata    `json:"metadata"`
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Version is one immutable entry in a content's version chain
type Version struct {
	ContentID ContentID `json:"content_id"`
	Number    int       `json:"number"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ResolutionStrategy selects how a version conflict is resolved
type ResolutionStrategy string

const (
	StrategyKeepMine   ResolutionStrategy = "keep_mine"
	StrategyKeepTheirs ResolutionStrategy = "keep_theirs"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

// Validate checks if the resolution strategy is valid
func (s ResolutionStrategy) Validate() error {
	switch s {
	case StrategyKeepMine, StrategyKeepTheirs, StrategyMerge, StrategyManual:
		return nil
	default:
		return goerr.New("invalid resolution strategy", goerr.V("strategy", s))
	}
}

// Conflict records a rejected compare-and-swap update
type Conflict struct {
	ID              ConflictID         `json:"id"`
	ContentID       ContentID          `json:"content_id"`
	ExpectedVersion int                `json:"expected_version"`
	ActualVersion   int                `json:"actual_version"`
	ProposedPayload string             `json:"proposed_payload"`
	CurrentPayload  string             `json:"current_payload"`
	Author          string             `json:"author,omitempty"`
	Resolved        bool               `json:"resolved"`
	Strategy        ResolutionStrategy `json:"strategy,omitempty"`
	ResolutionHash  string             `json:"resolution_hash,omitempty"`
	ResolvedVersion int                `json:"resolved_version,omitempty"`
	ResolvedBy      string             `json:"resolved_by,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	ResolvedAt      *time.Time         `json:"resolved_at,omitempty"`
}

// AuditEntry is one immutable record of a state-changing operation
type AuditEntry struct {
	ID         string             `json:"id"`
	ContentID  ContentID          `json:"content_id"`
	ConflictID ConflictID         `json:"conflict_id,omitempty"`
	Action     AuditAction        `json:"action"`
	Strategy   ResolutionStrategy `json:"strategy,omitempty"`
	Version    int                `json:"version"`
	Actor      string             `json:"actor,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

type AuditAction string

const (
	AuditActionCreate  AuditAction = "create"
	AuditActionUpdate  AuditAction = "update"
	AuditActionResolve AuditAction = "resolve"
)

// ResolutionHash fingerprints a (strategy, payload) pair for
// idempotent conflict resolution
func ResolutionHash(strategy ResolutionStrategy, payload string) string {
	sum := sha256.Sum256([]byte(string(strategy) + "\x00" + payload))
	return hex.EncodeToString(sum[:])
}
