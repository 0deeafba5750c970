// Package pebblestore wraps a Pebble database with a durability policy and
// small helpers shared by the queue and the spool store.
package pebblestore

import (
	"context"
	"errors"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for committed writes.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed batch. The
	// queue and spool store default to this: released queue items must
	// never outlive their persisted results.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within the
	// configured window (group commit).
	FsyncModeInterval
	// FsyncModeNever leaves syncing to Pebble's own policies.
	FsyncModeNever
)

// Options configures the wrapper.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// Metrics observes commit latencies and sizes. Optional.
	Metrics CommitObserver
}

// CommitObserver is a minimal hook surface for storage observations.
type CommitObserver interface {
	ObserveCommit(elapsed time.Duration, bytes int)
}

type noopObserver struct{}

func (noopObserver) ObserveCommit(time.Duration, int) {}

// DB wraps a Pebble database instance with the fsync policy applied to all
// commits.
type DB struct {
	inner     *pebble.DB
	writeSync bool
	metrics   CommitObserver
}

// Open creates or opens a Pebble database with the provided options.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := &pebble.Options{}
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
	case FsyncModeInterval:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, err
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopObserver{}
	}
	return &DB{
		inner:     inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
	}, nil
}

// Close closes the database.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits the batch with the configured fsync policy.
func (db *DB) CommitBatch(_ context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	start := time.Now()
	size := b.Len()
	defer func() { db.metrics.ObserveCommit(time.Since(start), size) }()

	syncMode := pebble.NoSync
	if db.writeSync {
		syncMode = pebble.Sync
	}
	return b.Commit(syncMode)
}

// Set writes a single key respecting the fsync policy.
func (db *DB) Set(key, value []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Set(key, value, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Delete removes a single key respecting the fsync policy.
func (db *DB) Delete(key []byte) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	return db.CommitBatch(context.Background(), b)
}

// Get copies the value for the given key. Returns pebble.ErrNotFound when
// absent.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// NewIter creates a raw Pebble iterator with the provided options.
func (db *DB) NewIter(opts *pebble.IterOptions) (*pebble.Iterator, error) {
	return db.inner.NewIter(opts)
}

// IsNotFound reports whether err is the not-found sentinel.
func IsNotFound(err error) bool { return errors.Is(err, pebble.ErrNotFound) }
