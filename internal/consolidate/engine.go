// Package consolidate turns the signed, unordered-within-timestamp row events
// of a change feed into one finalized operation per key per timestamp.
//
// The upstream source represents an in-place update as a delete of the old
// row plus an insert of the new row at the same timestamp, in either order.
// The Engine buffers the single open timestamp and only emits once a later
// timestamp or a progress marker closes it, so the index never sees the
// transient "deleted" state of an updated row.
package consolidate

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/viewsync/internal/changefeed"
)

var (
	// ErrMalformedEvent is matched by every *MalformedEventError.
	ErrMalformedEvent = errors.New("malformed change event")

	// ErrStaleEvent is returned for a row event whose timestamp belongs to
	// a batch that has already been flushed.
	ErrStaleEvent = errors.New("stale change event")
)

// MalformedEventError describes why an event was rejected.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed change event: %s", e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// Kind is the consolidated operation type.
type Kind string

const (
	Upsert Kind = "upsert"
	Delete Kind = "delete"
)

// Operation is the single consolidated outcome for one key at one timestamp.
type Operation struct {
	Kind      Kind
	Key       string
	Timestamp changefeed.Timestamp
	// Row is the inserted state for Upsert, the removed state for Delete.
	Row map[string]any
	// Previous is the removed state when an Upsert replaced an existing row.
	Previous map[string]any
}

type keyState struct {
	inserted map[string]any
	deleted  map[string]any
	sawIns   bool
	sawDel   bool
}

// Engine is not safe for concurrent use; each SyncWorker owns one.
type Engine struct {
	keyColumn string

	open    bool
	openTS  changefeed.Timestamp
	order   []string
	states  map[string]*keyState
	flushed bool
	lastTS  changefeed.Timestamp
}

// NewEngine creates an engine that identifies rows by keyColumn.
func NewEngine(keyColumn string) *Engine {
	return &Engine{keyColumn: keyColumn}
}

// Ingest feeds one event. It returns the operations of the batch that the
// event closed, if any, in first-touch key order.
func (e *Engine) Ingest(ev changefeed.Event) ([]Operation, error) {
	if ev.Progress {
		return e.Flush(), nil
	}

	if ev.Diff < changefeed.DiffDelete || ev.Diff > changefeed.DiffInsert {
		return nil, &MalformedEventError{Reason: fmt.Sprintf("unexpected diff %d", ev.Diff)}
	}
	key, err := e.keyOf(ev.Row)
	if err != nil {
		return nil, err
	}

	if e.flushed && ev.Timestamp <= e.lastTS {
		return nil, fmt.Errorf("%w: timestamp %s already flushed", ErrStaleEvent, ev.Timestamp)
	}
	if e.open && ev.Timestamp < e.openTS {
		return nil, fmt.Errorf("%w: timestamp %s precedes open batch %s", ErrStaleEvent, ev.Timestamp, e.openTS)
	}

	var closed []Operation
	if !e.open || ev.Timestamp > e.openTS {
		closed = e.Flush()
		e.begin(ev.Timestamp)
	}

	if ev.Diff == changefeed.DiffNoop {
		return closed, nil
	}

	st, ok := e.states[key]
	if !ok {
		st = &keyState{}
		e.states[key] = st
		e.order = append(e.order, key)
	}
	switch ev.Diff {
	case changefeed.DiffInsert:
		st.sawIns = true
		st.inserted = ev.Row
	case changefeed.DiffDelete:
		st.sawDel = true
		st.deleted = ev.Row
	}
	return closed, nil
}

// Flush closes the open batch and returns its operations. It is safe to call
// with no open batch.
func (e *Engine) Flush() []Operation {
	if !e.open {
		return nil
	}

	ops := make([]Operation, 0, len(e.order))
	for _, key := range e.order {
		st := e.states[key]
		switch {
		case st.sawIns:
			op := Operation{Kind: Upsert, Key: key, Timestamp: e.openTS, Row: st.inserted}
			if st.sawDel {
				op.Previous = st.deleted
			}
			ops = append(ops, op)
		case st.sawDel:
			ops = append(ops, Operation{Kind: Delete, Key: key, Timestamp: e.openTS, Row: st.deleted})
		}
	}

	e.flushed = true
	e.lastTS = e.openTS
	e.clear()
	return ops
}

// Reset discards the open batch without emitting it. Used when the feed was
// interrupted mid-timestamp and will replay from a fresh snapshot.
func (e *Engine) Reset() {
	e.clear()
	e.flushed = false
	e.lastTS = 0
}

// Pending reports the number of keys buffered in the open batch.
func (e *Engine) Pending() int {
	return len(e.order)
}

// OpenTimestamp returns the open batch timestamp, if any.
func (e *Engine) OpenTimestamp() (changefeed.Timestamp, bool) {
	return e.openTS, e.open
}

func (e *Engine) begin(ts changefeed.Timestamp) {
	e.open = true
	e.openTS = ts
	e.states = make(map[string]*keyState)
	e.order = nil
}

func (e *Engine) clear() {
	e.open = false
	e.openTS = 0
	e.states = nil
	e.order = nil
}

func (e *Engine) keyOf(row map[string]any) (string, error) {
	if row == nil {
		return "", &MalformedEventError{Reason: "row event without row"}
	}
	v, ok := row[e.keyColumn]
	if !ok || v == nil {
		return "", &MalformedEventError{Reason: fmt.Sprintf("missing key column %q", e.keyColumn)}
	}
	var key string
	switch k := v.(type) {
	case string:
		key = k
	case []byte:
		key = string(k)
	default:
		key = fmt.Sprint(k)
	}
	if key == "" {
		return "", &MalformedEventError{Reason: fmt.Sprintf("empty key column %q", e.keyColumn)}
	}
	return key, nil
}
