package entity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the type of a synchronized Planfix record.
type Kind string

const (
	KindTask    Kind = "task"
	KindProject Kind = "project"
	KindUser    Kind = "user"
	KindComment Kind = "comment"
)

// Kinds lists every synchronized kind in sync order.
var Kinds = []Kind{KindTask, KindProject, KindUser, KindComment}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindProject, KindUser, KindComment:
		return true
	}
	return false
}

// Field is one (name, value) pair of an entity's textual content.
// Field order is significant: the content hash and the canonical text
// are both computed over the ordered sequence.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Entity is a synchronized copy of one external record.
type Entity struct {
	ExternalID  string    `json:"external_id"`
	Kind        Kind      `json:"kind"`
	Fields      []Field   `json:"fields"`
	ContentHash string    `json:"content_hash"`
	SyncSeq     int64     `json:"sync_seq"`
	UpdatedAt   time.Time `json:"updated_at"`
	SyncedAt    time.Time `json:"synced_at"`
	Deleted     bool      `json:"deleted"`
}

// Ref identifies an entity without carrying its content.
type Ref struct {
	Kind       Kind   `json:"kind"`
	ExternalID string `json:"external_id"`
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ExternalID
}

// Ref returns the entity's identity.
func (e *Entity) Ref() Ref {
	return Ref{Kind: e.Kind, ExternalID: e.ExternalID}
}

// HashFields computes the content hash of an ordered field sequence.
// Name/value pairs are length-prefixed before hashing so that shifting
// a boundary between adjacent fields cannot produce a collision.
func HashFields(fields []Field) string {
	h := sha256.New()
	for _, f := range fields {
		fmt.Fprintf(h, "%d:%s=%d:%s;", len(f.Name), f.Name, len(f.Value), f.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalText renders the entity for embedding: a kind label followed
// by one "name: value" line per field, in field order. Two entities with
// equal fields always produce byte-identical text.
func (e *Entity) CanonicalText() string {
	var b strings.Builder
	b.WriteString(kindLabel(e.Kind))
	for _, f := range e.Fields {
		if f.Value == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

func kindLabel(k Kind) string {
	switch k {
	case KindTask:
		return "Task"
	case KindProject:
		return "Project"
	case KindUser:
		return "User"
	case KindComment:
		return "Comment"
	}
	return string(k)
}

// UpsertResult describes what Upsert did with an incoming record.
type UpsertResult int

const (
	// Inserted: the entity did not exist before.
	Inserted UpsertResult = iota
	// Updated: content changed and the row was rewritten.
	Updated
	// Unchanged: identical content hash; only synced_at was refreshed.
	Unchanged
	// Stale: the write carried a lower sync sequence than the stored
	// row and was rejected.
	Stale
)

func (r UpsertResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Stale:
		return "stale"
	}
	return "unknown"
}
