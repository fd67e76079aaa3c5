package events

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Focus is a short-lived, best-effort hint naming the entity an interactive
// caller is looking at and the entities related to it.
type Focus struct {
	EntityID  string    `json:"entity_id"`
	Related   []string  `json:"related"`
	SetAt     time.Time `json:"set_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (f *Focus) keySet() map[string]struct{} {
	keys := make(map[string]struct{}, len(f.Related)+1)
	if f.EntityID != "" {
		keys[f.EntityID] = struct{}{}
	}
	for _, k := range f.Related {
		if k != "" {
			keys[k] = struct{}{}
		}
	}
	return keys
}

// WriteOperation is the kind of mutation recorded in the audit log.
type WriteOperation string

const (
	OpInsert WriteOperation = "INSERT"
	OpUpdate WriteOperation = "UPDATE"
	OpDelete WriteOperation = "DELETE"
)

// Valid reports whether op is a known operation.
func (op WriteOperation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// WriteEvent is one raw mutation appended by the write path.
type WriteEvent struct {
	ID        string         `json:"id"`
	SubjectID string         `json:"subject_id"`
	Predicate string         `json:"predicate"`
	OldValue  *string        `json:"old_value"`
	NewValue  *string        `json:"new_value"`
	Operation WriteOperation `json:"operation"`
	Timestamp time.Time      `json:"timestamp"`
	BatchID   string         `json:"batch_id"`
}

// PropagationOperation is what a sync worker did to a document.
type PropagationOperation string

const (
	PropagationUpsert PropagationOperation = "UPSERT"
	PropagationDelete PropagationOperation = "DELETE"
)

// FieldChange is a before/after pair for one document field.
type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// PropagationEvent records one document applied to the search index.
type PropagationEvent struct {
	ID         string                 `json:"id"`
	MzTS       uint64                 `json:"mz_ts"`
	Index      string                 `json:"index_name"`
	DocID      string                 `json:"doc_id"`
	SubjectID  string                 `json:"subject_id"`
	RelatedIDs []string               `json:"related_ids,omitempty"`
	Operation  PropagationOperation   `json:"operation"`
	Changes    map[string]FieldChange `json:"field_changes,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// NewID returns a sortable unique event id.
func NewID() string {
	return ulid.Make().String()
}
