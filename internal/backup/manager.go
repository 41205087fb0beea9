// Package backup takes periodic local snapshots of the detection archive
// while the record command runs.
package backup

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24

	filePrefix = "sfdwatch-"
	fileSuffix = ".duckdb"
)

// Manager snapshots the archive on a timer and prunes old copies.
type Manager struct {
	store Snapshotter
	cfg   Config
	now   func() time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates cfg, takes a startup snapshot and starts the loop.
// It returns nil when snapshots are disabled.
func NewManager(store Snapshotter, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("backup: nil snapshotter")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory archive)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: snapshot-dir is required when snapshots are enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create snapshot-dir: %w", err)
	}

	m := &Manager{store: store, cfg: cfg, now: time.Now, done: make(chan struct{})}
	if _, err := m.RunOnce(); err != nil {
		log.Printf("backup: startup snapshot failed: %v", err)
	}

	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(); err != nil {
				log.Printf("backup: periodic snapshot failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce writes one snapshot, prunes old ones and returns the new path.
func (m *Manager) RunOnce() (string, error) {
	name := filePrefix + m.now().UTC().Format("20060102-150405.000") + fileSuffix
	path := filepath.Join(m.cfg.LocalDir, name)

	if err := m.store.SnapshotTo(path); err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}
	log.Printf("backup: wrote %s", path)

	if err := prune(m.cfg.LocalDir, m.cfg.KeepLast); err != nil {
		return path, fmt.Errorf("prune: %w", err)
	}
	return path, nil
}

// Stop ends the loop. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func prune(dir string, keepLast int) error {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return err
	}
	if len(matches) <= keepLast {
		return nil
	}

	// names embed a UTC timestamp, so lexical order is chronological
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	for _, old := range matches[keepLast:] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
