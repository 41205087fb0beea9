package duckdb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrInMemoryStore is returned when snapshotting an in-memory archive.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

// DBPath returns the archive path, empty for in-memory stores.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo checkpoints the archive and copies the database file to
// dstPath. The copy runs outside the store lock.
func (s *Store) SnapshotTo(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("duckdb: snapshot dir: %w", err)
	}

	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return ErrInMemoryStore
	}
	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("duckdb: checkpoint: %w", err)
	}
	s.mu.Unlock()

	if err := copyFile(dbPath, dstPath); err != nil {
		return fmt.Errorf("duckdb: copy snapshot: %w", err)
	}
	return nil
}

// copyFile copies srcPath next to dstPath and renames it into place, so a
// reader never sees a partial snapshot.
func copyFile(srcPath, dstPath string) (err error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".partial"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = dst.Close()
			_ = os.Remove(tmp)
		}
	}()

	n, err := io.Copy(dst, src)
	if err != nil {
		return err
	}
	if info, serr := src.Stat(); serr == nil && info.Size() != n {
		return fmt.Errorf("short copy: %d of %d bytes", n, info.Size())
	}
	if err = dst.Sync(); err != nil {
		return err
	}
	if err = dst.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dstPath)
}
