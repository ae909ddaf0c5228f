package duraflow

import (
	"time"

	"github.com/duraflow/duraflow/blobstore"
	"github.com/duraflow/duraflow/bufpool"
	"github.com/duraflow/duraflow/cache"
	"github.com/duraflow/duraflow/journal"
)

type options struct {
	capacity              int
	policy                cache.EvictionPolicy[string]
	putsPerCheckpoint     int
	removesPerCheckpoint  int
	minCheckpointInterval time.Duration
	snapshotCompression   journal.Compression
	pool                  *bufpool.Pool
	archive               blobstore.Store
	logger                *Logger
}

// Option configures Open.
type Option func(*options)

// WithCapacity bounds the cache. Defaults to 10000 records.
func WithCapacity(capacity int) Option {
	return func(o *options) { o.capacity = capacity }
}

// WithEvictionPolicy selects the eviction strategy. Defaults to FIFO.
func WithEvictionPolicy(policy cache.EvictionPolicy[string]) Option {
	return func(o *options) { o.policy = policy }
}

// WithCheckpointThresholds sets how many put-class and remove-class
// mutations may accumulate before an automatic checkpoint. A value <= 0
// disables the respective trigger.
func WithCheckpointThresholds(puts, removes int) Option {
	return func(o *options) {
		o.putsPerCheckpoint = puts
		o.removesPerCheckpoint = removes
	}
}

// WithMinCheckpointInterval caps automatic checkpoint frequency. A
// value <= 0 removes the cap.
func WithMinCheckpointInterval(d time.Duration) Option {
	return func(o *options) { o.minCheckpointInterval = d }
}

// WithSnapshotCompression selects the checkpoint snapshot compression.
// Defaults to zstd.
func WithSnapshotCompression(c journal.Compression) Option {
	return func(o *options) { o.snapshotCompression = c }
}

// WithBufferPool shares a scratch-buffer pool across journals to bound
// total scratch memory.
func WithBufferPool(p *bufpool.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithArchive uploads every completed checkpoint snapshot to the given
// blob store.
func WithArchive(store blobstore.Store) Option {
	return func(o *options) { o.archive = store }
}

// WithLogger sets the logger. Defaults to discarding output.
func WithLogger(l *Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open creates a persistent cache journaled at path and restores its
// prior contents.
func Open(path string, opts ...Option) (*cache.Persistent, error) {
	o := options{
		capacity:              cache.DefaultPersistentOptions.Capacity,
		putsPerCheckpoint:     cache.DefaultPersistentOptions.PutsPerCheckpoint,
		removesPerCheckpoint:  cache.DefaultPersistentOptions.RemovesPerCheckpoint,
		minCheckpointInterval: cache.DefaultPersistentOptions.MinCheckpointInterval,
		snapshotCompression:   journal.CompressionZstd,
		logger:                NoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	j, err := journal.New(path, cache.EntrySerDe{}, func(jo *journal.Options) {
		jo.Pool = o.pool
		jo.Logger = o.logger.Logger
		jo.SnapshotCompression = o.snapshotCompression
	})
	if err != nil {
		return nil, err
	}

	c, err := cache.NewPersistent(j, func(po *cache.PersistentOptions) {
		po.Capacity = o.capacity
		po.Policy = o.policy
		po.PutsPerCheckpoint = o.putsPerCheckpoint
		po.RemovesPerCheckpoint = o.removesPerCheckpoint
		po.MinCheckpointInterval = o.minCheckpointInterval
		po.Archive = o.archive
		po.Logger = o.logger.Logger
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}

	if _, err := c.Restore(); err != nil {
		_ = j.Close()
		return nil, err
	}
	return c, nil
}
