package events

import "time"

// WriteEventStore is the short-lived audit trail of raw mutations.
type WriteEventStore struct {
	*Log[WriteEvent]
}

// NewWriteEventStore creates an audit store. Positions are event times in
// unix nanoseconds, so Query.Since filters by timestamp.
func NewWriteEventStore(opts Options) *WriteEventStore {
	return &WriteEventStore{Log: newLog(opts, accessors[WriteEvent]{
		recordedAt: func(e WriteEvent) time.Time { return e.Timestamp },
		position:   func(e WriteEvent) int64 { return e.Timestamp.UnixNano() },
		subjects:   func(e WriteEvent) []string { return []string{e.SubjectID} },
	})}
}

// Append stamps missing ids and timestamps, then adds the events as one
// batch sharing a batch id when none is set.
func (s *WriteEventStore) Append(es ...WriteEvent) []WriteEvent {
	if len(es) == 0 {
		return nil
	}
	batchID := NewID()
	now := s.clock.Now().UTC()
	stamped := make([]WriteEvent, len(es))
	for i, e := range es {
		if e.ID == "" {
			e.ID = NewID()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.BatchID == "" {
			e.BatchID = batchID
		}
		stamped[i] = e
	}
	s.AddAll(stamped)
	return stamped
}

// PropagationEventStore records what the sync workers applied to the index.
type PropagationEventStore struct {
	*Log[PropagationEvent]
}

// NewPropagationEventStore creates a propagation store. Positions are feed
// timestamp tokens, so Query.Since filters by mz_ts.
func NewPropagationEventStore(opts Options) *PropagationEventStore {
	return &PropagationEventStore{Log: newLog(opts, accessors[PropagationEvent]{
		recordedAt: func(e PropagationEvent) time.Time { return e.Timestamp },
		position:   func(e PropagationEvent) int64 { return int64(e.MzTS) },
		subjects: func(e PropagationEvent) []string {
			ids := make([]string, 0, len(e.RelatedIDs)+2)
			ids = append(ids, e.SubjectID, e.DocID)
			return append(ids, e.RelatedIDs...)
		},
	})}
}

// Now exposes the store clock so producers stamp events consistently with
// eviction.
func (s *PropagationEventStore) Now() time.Time {
	return s.clock.Now().UTC()
}
