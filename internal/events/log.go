// Package events holds the bounded, TTL-evicting, concurrency-safe logs of
// write (audit) and propagation events, plus the ephemeral focus hint used
// to surface related events first.
package events

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Query selects events from a Log.
type Query struct {
	// Since, when set, keeps only events whose position is strictly greater.
	Since *int64
	// Subjects, when non-empty, keeps only events touching one of the ids.
	Subjects []string
	// Limit caps the result; zero or negative means no cap.
	Limit int
}

// Options configure a Log.
type Options struct {
	TTL       time.Duration
	MaxEvents int
	Clock     clock.Clock
}

// accessors bind a Log to its element type.
type accessors[E any] struct {
	recordedAt func(E) time.Time
	position   func(E) int64
	subjects   func(E) []string
}

// Log is an append-only, bounded event log. All mutation and every read is
// serialized behind one mutex; reads return copies.
type Log[E any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	max     int
	entries []E
	focus   *Focus
	acc     accessors[E]
}

func newLog[E any](opts Options, acc accessors[E]) *Log[E] {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Log[E]{
		clock: clk,
		ttl:   opts.TTL,
		max:   opts.MaxEvents,
		acc:   acc,
	}
}

// Add appends one event.
func (l *Log[E]) Add(e E) {
	l.AddAll([]E{e})
}

// AddAll appends events in order.
func (l *Log[E]) AddAll(es []E) {
	if len(es) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, es...)
	l.evictLocked()
}

// Events returns matching events newest-first, truncated to q.Limit. When a
// focus hint is live, events touching a focused id sort ahead of the rest.
func (l *Log[E]) Events(q Query) []E {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked()

	var subjects map[string]struct{}
	if len(q.Subjects) > 0 {
		subjects = make(map[string]struct{}, len(q.Subjects))
		for _, s := range q.Subjects {
			subjects[s] = struct{}{}
		}
	}

	out := make([]E, 0, len(l.entries))
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if q.Since != nil && l.acc.position(e) <= *q.Since {
			continue
		}
		if subjects != nil && !touches(l.acc.subjects(e), subjects) {
			continue
		}
		out = append(out, e)
	}

	// Entries are kept in arrival order; re-sort by event time so that late
	// arrivals with older timestamps land in place.
	sort.SliceStable(out, func(i, j int) bool {
		return l.acc.recordedAt(out[i]).After(l.acc.recordedAt(out[j]))
	})

	if f := l.liveFocusLocked(); f != nil {
		keys := f.keySet()
		sort.SliceStable(out, func(i, j int) bool {
			return touches(l.acc.subjects(out[i]), keys) && !touches(l.acc.subjects(out[j]), keys)
		})
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// Len returns the number of retained events after eviction.
func (l *Log[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictLocked()
	return len(l.entries)
}

// Clear drops all events and any focus hint.
func (l *Log[E]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.focus = nil
}

// SetFocus records a prioritization hint for ttl. Recording never fails; a
// non-positive ttl clears the hint.
func (l *Log[E]) SetFocus(entityID string, related []string, ttl time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ttl <= 0 {
		l.focus = nil
		return
	}
	now := l.clock.Now()
	l.focus = &Focus{
		EntityID:  entityID,
		Related:   append([]string(nil), related...),
		SetAt:     now,
		ExpiresAt: now.Add(ttl),
	}
}

// Focus returns a copy of the live focus hint, if any.
func (l *Log[E]) Focus() (Focus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f := l.liveFocusLocked()
	if f == nil {
		return Focus{}, false
	}
	cp := *f
	cp.Related = append([]string(nil), f.Related...)
	return cp, true
}

func (l *Log[E]) liveFocusLocked() *Focus {
	if l.focus == nil {
		return nil
	}
	if !l.clock.Now().Before(l.focus.ExpiresAt) {
		l.focus = nil
		return nil
	}
	return l.focus
}

func (l *Log[E]) evictLocked() {
	if l.ttl > 0 {
		cutoff := l.clock.Now().Add(-l.ttl)
		kept := l.entries[:0]
		for _, e := range l.entries {
			if l.acc.recordedAt(e).Before(cutoff) {
				continue
			}
			kept = append(kept, e)
		}
		clear(l.entries[len(kept):])
		l.entries = kept
	}
	if l.max > 0 && len(l.entries) > l.max {
		drop := len(l.entries) - l.max
		clear(l.entries[:drop])
		l.entries = append([]E(nil), l.entries[drop:]...)
	}
}

func touches(ids []string, set map[string]struct{}) bool {
	for _, id := range ids {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
