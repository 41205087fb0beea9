package duckdb

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/journal"
	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	// DefaultFlushQueueSize is the number of batches queued for the flush worker.
	DefaultFlushQueueSize = 16

	defaultBatchSize     = 200
	defaultFlushInterval = time.Second
)

// RecordWriter persists a batch of records.
type RecordWriter interface {
	InsertRecords(records []model.DetectionRecord) error
}

// InsertBufferConfig tunes an InsertBuffer.
type InsertBufferConfig struct {
	BatchSize      int
	FlushInterval  time.Duration
	FlushQueueSize int
	// Journal, when set, receives every record before it is buffered and
	// is committed after each successful flush.
	Journal *journal.Journal
}

type batch struct {
	records []model.DetectionRecord
	maxSeq  uint64
}

// InsertBuffer batches records and writes them from a background worker so
// Add never waits on DuckDB.
type InsertBuffer struct {
	writer        RecordWriter
	journal       *journal.Journal
	mu            sync.Mutex
	pending       []model.DetectionRecord
	pendingSeq    uint64
	flushChan     chan batch
	maxBatch      int
	flushInterval time.Duration
	done          chan struct{}
	wg            sync.WaitGroup
	tickWg        sync.WaitGroup
	stopOnce      sync.Once

	backpressureCount atomic.Int64
	lastBPLog         atomic.Int64
}

// NewInsertBuffer starts a buffer writing to writer.
func NewInsertBuffer(writer RecordWriter, conf ...InsertBufferConfig) *InsertBuffer {
	batchSize := defaultBatchSize
	flushInterval := defaultFlushInterval
	queueSize := DefaultFlushQueueSize
	var j *journal.Journal
	if len(conf) > 0 {
		j = conf[0].Journal
		if conf[0].BatchSize > 0 {
			batchSize = conf[0].BatchSize
		}
		if conf[0].FlushInterval > 0 {
			flushInterval = conf[0].FlushInterval
		}
		if conf[0].FlushQueueSize > 0 {
			queueSize = conf[0].FlushQueueSize
		}
	}

	b := &InsertBuffer{
		writer:        writer,
		journal:       j,
		pending:       make([]model.DetectionRecord, 0, batchSize),
		flushChan:     make(chan batch, queueSize),
		maxBatch:      batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}

	b.wg.Add(1)
	go b.flushWorker()

	b.wg.Add(1)
	b.tickWg.Add(1)
	go b.tickLoop()

	return b
}

func (b *InsertBuffer) tickLoop() {
	defer b.wg.Done()
	defer b.tickWg.Done()
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drainPending()
		case <-b.done:
			b.drainPending()
			return
		}
	}
}

// logBackpressure logs at most once every 10 seconds.
func (b *InsertBuffer) logBackpressure() {
	count := b.backpressureCount.Add(1)
	now := time.Now().Unix()
	last := b.lastBPLog.Load()
	if now-last >= 10 && b.lastBPLog.CompareAndSwap(last, now) {
		log.Printf("duckdb: backpressure, %d inline flushes so far", count)
	}
}

// takeLocked hands out the pending records. b.mu must be held.
func (b *InsertBuffer) takeLocked() batch {
	out := batch{records: b.pending, maxSeq: b.pendingSeq}
	b.pending = make([]model.DetectionRecord, 0, b.maxBatch)
	b.pendingSeq = 0
	return out
}

func (b *InsertBuffer) drainPending() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	next := b.takeLocked()
	b.mu.Unlock()

	b.enqueue(next)
}

func (b *InsertBuffer) enqueue(next batch) {
	select {
	case b.flushChan <- next:
	default:
		b.logBackpressure()
		b.flush(next)
	}
}

func (b *InsertBuffer) flushWorker() {
	defer b.wg.Done()
	for next := range b.flushChan {
		b.flush(next)
	}
}

func (b *InsertBuffer) flush(next batch) {
	if err := b.writer.InsertRecords(next.records); err != nil {
		log.Printf("duckdb: flush %d records: %v", len(next.records), err)
		return
	}
	if b.journal != nil && next.maxSeq > 0 {
		if err := b.journal.Commit(next.maxSeq); err != nil {
			log.Printf("duckdb: journal commit %d: %v", next.maxSeq, err)
		}
	}
}

// Add queues one record. With a journal the record is durable before Add
// returns.
func (b *InsertBuffer) Add(rec model.DetectionRecord) {
	b.mu.Lock()
	// appended under b.mu so sequence order matches batch order
	var seq uint64
	if b.journal != nil {
		var err error
		if seq, err = b.journal.Append(rec); err != nil {
			log.Printf("duckdb: journal append id=%d: %v", rec.ID, err)
		}
	}
	b.pending = append(b.pending, rec)
	if seq > b.pendingSeq {
		b.pendingSeq = seq
	}
	var full *batch
	if len(b.pending) >= b.maxBatch {
		next := b.takeLocked()
		full = &next
	}
	b.mu.Unlock()

	if full != nil {
		b.enqueue(*full)
	}
}

// Stop flushes everything queued and waits for the writes to finish.
func (b *InsertBuffer) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		// the final drain must land before flushChan closes
		b.tickWg.Wait()
		close(b.flushChan)
		b.wg.Wait()
	})
}

// ReplayJournal writes the journal's uncommitted records to writer in
// batches and commits each batch. It returns the number of records replayed.
func ReplayJournal(j *journal.Journal, writer RecordWriter, batchSize int) (int, error) {
	if j == nil {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	pending := make([]model.DetectionRecord, 0, batchSize)
	var maxSeq uint64
	replayed := 0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := writer.InsertRecords(pending); err != nil {
			return err
		}
		if err := j.Commit(maxSeq); err != nil {
			return err
		}
		replayed += len(pending)
		pending = make([]model.DetectionRecord, 0, batchSize)
		return nil
	}

	err := j.Replay(func(seq uint64, rec model.DetectionRecord) error {
		pending = append(pending, rec)
		if seq > maxSeq {
			maxSeq = seq
		}
		if len(pending) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return replayed, err
	}
	if err := flush(); err != nil {
		return replayed, err
	}
	if replayed > 0 {
		log.Printf("duckdb: replayed %d uncommitted journal records", replayed)
	}
	return replayed, nil
}

// InsertRecords upserts records by ID in one transaction. When the batch
// fails it is retried record by record and the failures are dropped.
func (s *Store) InsertRecords(records []model.DetectionRecord) error {
	if len(records) == 0 {
		return nil
	}
	records = dedupeByID(records)

	ctx, cancel := s.queryCtx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.insertTx(ctx, records); err == nil {
		metrics.ArchiveInserts.Add(float64(len(records)))
		return nil
	}

	var failed int
	for _, r := range records {
		if err := s.insertTx(ctx, []model.DetectionRecord{r}); err != nil {
			failed++
			log.Printf("duckdb: dropping record id=%d: %v", r.ID, err)
		}
	}
	metrics.ArchiveInserts.Add(float64(len(records) - failed))
	if failed > 0 {
		log.Printf("duckdb: batch partially failed, %d/%d records dropped", failed, len(records))
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, records []model.DetectionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO detections
		(id, defect_type, code, is_defective, detected_at, utc_offset, confidence, image_url, scanner_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		_, offset := r.DetectedAt.Zone()
		if _, err := stmt.ExecContext(ctx,
			r.ID, string(r.DefectType), r.Code, r.IsDefective,
			r.DetectedAt.UTC(), offset, r.Confidence, r.ImageURL, r.ScannerID,
		); err != nil {
			return fmt.Errorf("insert id=%d: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// dedupeByID keeps the last copy of each ID, preserving first-seen order.
func dedupeByID(records []model.DetectionRecord) []model.DetectionRecord {
	idx := make(map[int64]int, len(records))
	out := make([]model.DetectionRecord, 0, len(records))
	for _, r := range records {
		if i, ok := idx[r.ID]; ok {
			out[i] = r
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}
