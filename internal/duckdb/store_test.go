package duckdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

var kst = time.FixedZone("KST", 9*60*60)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore(\"\") failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func detection(id int64, dt model.DefectType, at time.Time) model.DetectionRecord {
	return model.DetectionRecord{
		ID:          id,
		DefectType:  dt,
		Code:        string(dt),
		IsDefective: true,
		DetectedAt:  at,
		Confidence:  0.8,
		ImageURL:    "https://cdn.example/img.jpg",
		ScannerID:   "SC-01",
	}
}

func insertTestRecords(t *testing.T, store *Store, records ...model.DetectionRecord) {
	t.Helper()
	if err := store.InsertRecords(records); err != nil {
		t.Fatalf("InsertRecords: %v", err)
	}
}

func TestInsertRecords_RoundTripKeepsWallClock(t *testing.T) {
	store := newTestStore(t)

	at := time.Date(2024, 10, 4, 23, 30, 5, 0, kst)
	insertTestRecords(t, store, detection(1, model.DefectScratches, at))

	got, ok, err := store.Get(1)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.DetectionDate() != "2024-10-04" || got.DetectionTime() != "23:30:05" {
		t.Fatalf("wall clock = %s %s, want 2024-10-04 23:30:05", got.DetectionDate(), got.DetectionTime())
	}
	if !got.DetectedAt.Equal(at) {
		t.Fatalf("instant = %v, want %v", got.DetectedAt, at)
	}
	if got.DefectType != model.DefectScratches || got.ScannerID != "SC-01" || got.Confidence != 0.8 {
		t.Fatalf("unexpected record %+v", got)
	}

	if _, ok, err := store.Get(404); err != nil || ok {
		t.Fatalf("Get(404): ok=%v err=%v", ok, err)
	}
}

func TestInsertRecords_UpsertByID(t *testing.T) {
	store := newTestStore(t)
	at := time.Date(2024, 10, 4, 9, 0, 0, 0, time.UTC)

	insertTestRecords(t, store, detection(1, model.DefectScratches, at))
	replaced := detection(1, model.DefectRusting, at)
	insertTestRecords(t, store, replaced, detection(2, model.DefectFracture, at), replaced)

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Fatalf("Count = %d, want 2", count)
	}
	got, _, err := store.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DefectType != model.DefectRusting {
		t.Fatalf("DefectType = %s, want rusting", got.DefectType)
	}
}

func TestRecordsOnAndUpTo(t *testing.T) {
	store := newTestStore(t)

	insertTestRecords(t, store,
		detection(1, model.DefectScratches, time.Date(2024, 10, 3, 23, 59, 59, 0, kst)),
		detection(2, model.DefectRusting, time.Date(2024, 10, 4, 0, 0, 0, 0, kst)),
		detection(3, model.DefectFracture, time.Date(2024, 10, 4, 12, 0, 0, 0, kst)),
		detection(4, model.DefectDeformation, time.Date(2024, 10, 5, 0, 0, 1, 0, kst)),
	)

	day := time.Date(2024, 10, 4, 15, 0, 0, 0, kst)
	on, err := store.RecordsOn(day)
	if err != nil {
		t.Fatalf("RecordsOn: %v", err)
	}
	if len(on) != 2 || on[0].ID != 3 || on[1].ID != 2 {
		t.Fatalf("RecordsOn ids = %v, want [3 2]", ids(on))
	}

	upTo, err := store.RecordsUpTo(day, 0)
	if err != nil {
		t.Fatalf("RecordsUpTo: %v", err)
	}
	if len(upTo) != 3 {
		t.Fatalf("RecordsUpTo ids = %v, want 3 records", ids(upTo))
	}

	limited, err := store.RecordsUpTo(day, 1)
	if err != nil {
		t.Fatalf("RecordsUpTo(limit): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != 3 {
		t.Fatalf("RecordsUpTo(limit) ids = %v, want [3]", ids(limited))
	}
}

func TestLatestAndOldest(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		insertTestRecords(t, store, detection(i, model.DefectScratches, base.Add(time.Duration(i)*time.Minute)))
	}

	latest, err := store.Latest(2)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got := ids(latest); len(got) != 2 || got[0] != 5 || got[1] != 4 {
		t.Fatalf("Latest ids = %v, want [5 4]", got)
	}

	oldest, err := store.Oldest(0)
	if err != nil {
		t.Fatalf("Oldest: %v", err)
	}
	if got := ids(oldest); len(got) != 5 || got[0] != 1 || got[4] != 5 {
		t.Fatalf("Oldest ids = %v, want [1..5]", got)
	}
}

func TestDeleteBefore(t *testing.T) {
	store := newTestStore(t)
	insertTestRecords(t, store,
		detection(1, model.DefectScratches, time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)),
		detection(2, model.DefectScratches, time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC)),
	)

	n, err := store.DeleteBefore(time.Date(2024, 9, 15, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d rows, want 1", n)
	}
	count, _ := store.Count()
	if count != 1 {
		t.Fatalf("Count = %d, want 1", count)
	}
}

func TestSnapshotTo(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "archive.duckdb"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()
	insertTestRecords(t, store, detection(1, model.DefectScratches, time.Date(2024, 10, 4, 8, 0, 0, 0, time.UTC)))

	dst := filepath.Join(dir, "snapshots", "copy.duckdb")
	if err := store.SnapshotTo(dst); err != nil {
		t.Fatalf("SnapshotTo: %v", err)
	}

	copied, err := NewStore(dst)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer copied.Close()
	if n, err := copied.Count(); err != nil || n != 1 {
		t.Fatalf("snapshot Count = %d err=%v, want 1", n, err)
	}

	if err := newTestStore(t).SnapshotTo(dst); err != ErrInMemoryStore {
		t.Fatalf("in-memory SnapshotTo err = %v, want ErrInMemoryStore", err)
	}
}

func ids(records []model.DetectionRecord) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}
