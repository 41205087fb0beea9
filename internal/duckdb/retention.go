package duckdb

import (
	"log"
	"sync"
	"time"
)

// RetentionConfig configures the retention cleaner.
type RetentionConfig struct {
	RetentionDays int
	Interval      time.Duration
}

// RetentionCleaner deletes archived detections older than the retention
// window, once at start and then every Interval (default one hour).
type RetentionCleaner struct {
	store         *Store
	retentionDays int
	interval      time.Duration
	now           func() time.Time
	done          chan struct{}
	wg            sync.WaitGroup
	stopOnce      sync.Once
}

// NewRetentionCleaner starts a cleaner. It returns nil when RetentionDays is 0.
func NewRetentionCleaner(store *Store, conf RetentionConfig) *RetentionCleaner {
	if conf.RetentionDays <= 0 {
		return nil
	}
	interval := conf.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	rc := &RetentionCleaner{
		store:         store,
		retentionDays: conf.RetentionDays,
		interval:      interval,
		now:           time.Now,
		done:          make(chan struct{}),
	}

	// catch up after downtime
	rc.cleanup()

	rc.wg.Add(1)
	go rc.tickLoop()
	return rc
}

func (rc *RetentionCleaner) tickLoop() {
	defer rc.wg.Done()
	ticker := time.NewTicker(rc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rc.cleanup()
		case <-rc.done:
			return
		}
	}
}

func (rc *RetentionCleaner) cleanup() {
	cutoff := rc.now().AddDate(0, 0, -rc.retentionDays)
	n, err := rc.store.DeleteBefore(cutoff)
	if err != nil {
		log.Printf("duckdb: retention cleanup: %v", err)
		return
	}
	if n > 0 {
		log.Printf("duckdb: retention removed %d detections older than %d days", n, rc.retentionDays)
	}
}

// Stop ends the cleaner and waits for it.
func (rc *RetentionCleaner) Stop() {
	rc.stopOnce.Do(func() {
		close(rc.done)
		rc.wg.Wait()
	})
}
