package backup

import "time"

// Config controls periodic archive snapshots.
type Config struct {
	Enabled  bool
	Interval time.Duration
	LocalDir string
	KeepLast int
}

// Snapshotter is the archive contract used by Manager.
type Snapshotter interface {
	DBPath() string
	SnapshotTo(dstPath string) error
}
