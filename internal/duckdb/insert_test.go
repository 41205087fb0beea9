package duckdb

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/journal"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

func TestInsertBuffer_AddAndStop(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)

	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 10; i++ {
		buf.Add(detection(i, model.DefectScratches, base.Add(time.Duration(i)*time.Second)))
	}

	// Stop flushes everything still pending.
	buf.Stop()

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 10 {
		t.Errorf("after Stop, Count = %d, want 10", count)
	}
}

func TestInsertBuffer_BatchThreshold(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 50, FlushInterval: time.Hour})

	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 120; i++ {
		buf.Add(detection(i, model.DefectRusting, base.Add(time.Duration(i)*time.Second)))
	}
	buf.Stop()

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 120 {
		t.Errorf("Count = %d, want 120", count)
	}
}

func TestInsertBuffer_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 7})

	const goroutines, perGoroutine = 8, 25
	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				id := int64(g*perGoroutine + i + 1)
				buf.Add(detection(id, model.DefectFracture, base.Add(time.Duration(id)*time.Second)))
			}
		}(g)
	}
	wg.Wait()
	buf.Stop()

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != goroutines*perGoroutine {
		t.Errorf("Count = %d, want %d", count, goroutines*perGoroutine)
	}
}

func TestInsertBuffer_StopIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	buf := NewInsertBuffer(store)
	buf.Add(detection(1, model.DefectScratches, time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)))

	buf.Stop()
	buf.Stop()

	if count, _ := store.Count(); count != 1 {
		t.Errorf("after double Stop, Count = %d, want 1", count)
	}
}

func TestDedupeByID(t *testing.T) {
	at := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	in := []model.DetectionRecord{
		detection(1, model.DefectScratches, at),
		detection(2, model.DefectScratches, at),
		detection(1, model.DefectRusting, at),
	}
	out := dedupeByID(in)
	if len(out) != 2 || out[0].ID != 1 || out[0].DefectType != model.DefectRusting || out[1].ID != 2 {
		t.Fatalf("dedupeByID = %+v", out)
	}
}

func TestInsertBuffer_JournalCommitsAfterFlush(t *testing.T) {
	store := newTestStore(t)
	j, err := journal.Open(filepath.Join(t.TempDir(), "record.journal"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	buf := NewInsertBuffer(store, InsertBufferConfig{BatchSize: 2, FlushInterval: time.Hour, Journal: j})
	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		buf.Add(detection(i, model.DefectScratches, base.Add(time.Duration(i)*time.Second)))
	}
	buf.Stop()

	if got := j.Committed(); got != 5 {
		t.Fatalf("Committed = %d, want 5", got)
	}
	var pending int
	if err := j.Replay(func(uint64, model.DetectionRecord) error { pending++; return nil }); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if pending != 0 {
		t.Fatalf("uncommitted entries = %d, want 0", pending)
	}
}

func TestReplayJournal_RestoresUncommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.journal")
	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 3; i++ {
		if _, err := j.Append(detection(i, model.DefectRusting, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	store := newTestStore(t)
	n, err := ReplayJournal(j, store, 1)
	if err != nil {
		t.Fatalf("ReplayJournal: %v", err)
	}
	if n != 2 {
		t.Fatalf("replayed = %d, want 2", n)
	}
	if count, _ := store.Count(); count != 2 {
		t.Fatalf("Count = %d, want 2", count)
	}
	if got := j.Committed(); got != 3 {
		t.Fatalf("Committed = %d, want 3", got)
	}
	_ = j.Close()
}
