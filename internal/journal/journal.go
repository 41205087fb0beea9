// Package journal is a write-ahead log for recorded detections. Records are
// appended before they enter the insert buffer and committed once DuckDB
// has them, so a crash between the two loses nothing.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	fileMode = 0644
	dirMode  = 0755
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("journal: closed")

type entry struct {
	Seq    uint64                `json:"seq"`
	Record model.DetectionRecord `json:"record"`
}

// Journal is one JSON entry per line plus a sidecar file holding the
// highest committed sequence number.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

// Open creates or opens the journal at path. Committed entries are
// compacted away and a torn trailing line is discarded.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}
	maxSeq, err := compact(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    max(maxSeq, committed) + 1,
		committed:  committed,
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Append writes and fsyncs one record, returning its sequence number.
func (j *Journal) Append(rec model.DetectionRecord) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, ErrClosed
	}

	seq := j.nextSeq
	line, err := json.Marshal(entry{Seq: seq, Record: rec})
	if err != nil {
		return 0, fmt.Errorf("journal: marshal entry: %w", err)
	}
	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync entry: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// Commit marks every entry up to seq as stored. Lower values are ignored.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted entry in sequence order.
func (j *Journal) Replay(fn func(seq uint64, rec model.DetectionRecord) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path, committed := j.path, j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return scan(f, func(_ []byte, e entry) error {
		if e.Seq <= committed {
			return nil
		}
		return fn(e.Seq, e.Record)
	})
}

// Close closes the journal file. Later Appends fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// scan calls fn for every complete, well-formed line of r. It stops
// quietly at a torn or malformed line so replay stays deterministic.
func scan(r io.Reader, fn func(line []byte, e entry) error) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("journal: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		var e entry
		if json.Unmarshal(line, &e) != nil {
			return nil
		}
		if ferr := fn(line, e); ferr != nil {
			return ferr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the commit file atomically.
func writeCommitted(path string, seq uint64) error {
	return replaceFile(path, func(f *os.File) error {
		_, err := f.WriteString(strconv.FormatUint(seq, 10) + "\n")
		return err
	})
}

// compact rewrites the journal without committed entries and returns the
// highest sequence number it saw.
func compact(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, fileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open for compact: %w", err)
	}
	defer src.Close()

	var maxSeq uint64
	err = replaceFile(path, func(dst *os.File) error {
		return scan(src, func(line []byte, e entry) error {
			maxSeq = max(maxSeq, e.Seq)
			if e.Seq <= committed {
				return nil
			}
			_, werr := dst.Write(line)
			return werr
		})
	})
	if err != nil {
		return 0, fmt.Errorf("journal: compact: %w", err)
	}
	return maxSeq, nil
}

// replaceFile writes path through a synced temp file and a rename.
func replaceFile(path string, write func(f *os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return fmt.Errorf("journal: create %s: %w", filepath.Base(tmp), err)
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: sync %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}
