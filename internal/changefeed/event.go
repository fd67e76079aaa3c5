// Package changefeed produces signed row events and progress markers from a
// streaming SQL source, either through a live SUBSCRIBE cursor or by polling
// a cursor-filtered view.
package changefeed

import (
	"context"
	"errors"
	"strconv"
)

// ErrTransient marks feed failures that are worth retrying on a later cycle
// (connection refused, dropped session, fetch timeout).
var ErrTransient = errors.New("change feed unavailable")

// Timestamp is an opaque, totally ordered token identifying a consistent
// point in the feed.
type Timestamp uint64

// String renders the token in its decimal wire form.
func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// ParseTimestamp parses the decimal wire form of a token.
func ParseTimestamp(s string) (Timestamp, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Timestamp(v), nil
}

// Diff values carried by row events.
const (
	DiffDelete = -1
	DiffNoop   = 0
	DiffInsert = 1
)

// Event is one message from the feed. Row events carry a signed diff and the
// row state; progress events carry no row and assert that no later event
// will bear a timestamp at or below the token.
type Event struct {
	Timestamp Timestamp
	Diff      int
	Row       map[string]any
	Progress  bool
}

// Insert builds a +1 row event.
func Insert(ts Timestamp, row map[string]any) Event {
	return Event{Timestamp: ts, Diff: DiffInsert, Row: row}
}

// Delete builds a -1 row event.
func Delete(ts Timestamp, row map[string]any) Event {
	return Event{Timestamp: ts, Diff: DiffDelete, Row: row}
}

// ProgressAt builds a progress marker.
func ProgressAt(ts Timestamp) Event {
	return Event{Timestamp: ts, Progress: true}
}

// Source yields feed events one at a time.
type Source interface {
	// Next blocks until an event is available, ctx is cancelled, or the
	// feed fails. Errors wrapping ErrTransient mean the stream was
	// interrupted and the next call starts over from a fresh connection.
	Next(ctx context.Context) (Event, error)
	Close() error
}
