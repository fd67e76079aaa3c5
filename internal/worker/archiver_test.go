package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/hyperengineering/viewsync/internal/archive"
	"github.com/hyperengineering/viewsync/internal/events"
)

// mockUploader records uploaded segments.
type mockUploader struct {
	mu       sync.Mutex
	segments [][]byte
	err      error
}

func (m *mockUploader) Upload(ctx context.Context, at time.Time, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.segments = append(m.segments, append([]byte(nil), body...))
	return "audit/segment.jsonl", nil
}

func (m *mockUploader) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.segments)
}

func decodeSegment(t *testing.T, body []byte) []events.WriteEvent {
	t.Helper()
	var out []events.WriteEvent
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var ev events.WriteEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("decode segment line: %v", err)
		}
		out = append(out, ev)
	}
	return out
}

func TestAuditArchiver_ArchivesOnlyNewEventsOldestFirst(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := events.NewWriteEventStore(events.Options{TTL: time.Hour, MaxEvents: 100, Clock: clk})
	up := &mockUploader{}
	a := NewAuditArchiver(store, up, time.Minute, clk)

	store.Append(events.WriteEvent{SubjectID: "order:1", Operation: events.OpInsert})
	clk.Advance(time.Second)
	store.Append(events.WriteEvent{SubjectID: "order:2", Operation: events.OpInsert})

	if err := a.ArchiveOnce(context.Background()); err != nil {
		t.Fatalf("ArchiveOnce() error = %v", err)
	}
	got := decodeSegment(t, up.segments[0])
	if len(got) != 2 || got[0].SubjectID != "order:1" || got[1].SubjectID != "order:2" {
		t.Fatalf("segment = %+v, want order:1 then order:2", got)
	}

	if err := a.ArchiveOnce(context.Background()); err != nil {
		t.Fatalf("ArchiveOnce() error = %v", err)
	}
	if up.count() != 1 {
		t.Errorf("uploads = %d, want 1 when nothing new", up.count())
	}

	clk.Advance(time.Second)
	store.Append(events.WriteEvent{SubjectID: "order:3", Operation: events.OpUpdate})
	if err := a.ArchiveOnce(context.Background()); err != nil {
		t.Fatalf("ArchiveOnce() error = %v", err)
	}
	got = decodeSegment(t, up.segments[1])
	if len(got) != 1 || got[0].SubjectID != "order:3" {
		t.Errorf("second segment = %+v, want only order:3", got)
	}
}

func TestAuditArchiver_FailedUploadIsRetriedNextCycle(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	store := events.NewWriteEventStore(events.Options{TTL: time.Hour, Clock: clk})
	up := &mockUploader{err: errors.New("network timeout")}
	a := NewAuditArchiver(store, up, time.Minute, clk)
	store.Append(events.WriteEvent{SubjectID: "order:1", Operation: events.OpInsert})

	if err := a.ArchiveOnce(context.Background()); err == nil {
		t.Fatal("ArchiveOnce() expected error")
	}
	up.mu.Lock()
	up.err = nil
	up.mu.Unlock()
	if err := a.ArchiveOnce(context.Background()); err != nil {
		t.Fatalf("ArchiveOnce() error = %v", err)
	}
	if got := decodeSegment(t, up.segments[0]); len(got) != 1 {
		t.Errorf("retried segment = %+v", got)
	}
}

func TestAuditArchiver_RunStopsWhenNotConfigured(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	store := events.NewWriteEventStore(events.Options{TTL: time.Hour, Clock: clk})
	store.Append(events.WriteEvent{SubjectID: "order:1", Operation: events.OpInsert})
	a := NewAuditArchiver(store, archive.NoopUploader{}, time.Minute, clk)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()
	if err := clk.WaitAdvance(time.Minute, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return without archive storage")
	}
}

func TestAuditArchiver_RunUploadsOnIntervalAndOnShutdown(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	store := events.NewWriteEventStore(events.Options{TTL: time.Hour, Clock: clk})
	up := &mockUploader{}
	a := NewAuditArchiver(store, up, time.Minute, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	store.Append(events.WriteEvent{SubjectID: "order:1", Operation: events.OpInsert})
	if err := clk.WaitAdvance(time.Minute, time.Second, 1); err != nil {
		t.Fatalf("WaitAdvance() error = %v", err)
	}
	waitFor(t, "interval upload", func() bool { return up.count() == 1 })

	store.Append(events.WriteEvent{SubjectID: "order:2", Operation: events.OpInsert})
	cancel()
	<-done
	if up.count() != 2 {
		t.Errorf("uploads = %d, want 2 (final segment on shutdown)", up.count())
	}
}

// blockingUploader holds every upload until its context ends.
type blockingUploader struct {
	mu  sync.Mutex
	err error
}

func (b *blockingUploader) Upload(ctx context.Context, at time.Time, body []byte) (string, error) {
	<-ctx.Done()
	b.mu.Lock()
	b.err = ctx.Err()
	b.mu.Unlock()
	return "", ctx.Err()
}

func TestAuditArchiver_ShutdownUploadIsBounded(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	store := events.NewWriteEventStore(events.Options{TTL: time.Hour, Clock: clk})
	store.Append(events.WriteEvent{SubjectID: "order:1", Operation: events.OpInsert})
	up := &blockingUploader{}
	a := NewAuditArchiver(store, up, time.Minute, clk)
	a.FinalTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() blocked on the shutdown upload")
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if !errors.Is(up.err, context.DeadlineExceeded) {
		t.Errorf("upload ended with %v, want deadline exceeded", up.err)
	}
}
