package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/duraflow/duraflow/blobstore"
	"github.com/duraflow/duraflow/journal"
	"github.com/duraflow/duraflow/serde"
)

var errNotRestored = errors.New("cache has not been restored")

// PersistentOptions configure a Persistent cache.
type PersistentOptions struct {
	// Capacity bounds the wrapped cache.
	Capacity int

	// Policy selects the eviction strategy; nil means FIFO.
	Policy EvictionPolicy[string]

	// PutsPerCheckpoint and RemovesPerCheckpoint bound journal growth:
	// after that many successful mutations of the respective class an
	// asynchronous checkpoint is triggered. Deletes checkpoint sooner
	// since every delete grows the journal relative to live state.
	// <= 0 disables the respective trigger.
	PutsPerCheckpoint    int
	RemovesPerCheckpoint int

	// MinCheckpointInterval caps checkpoint frequency under bursty
	// mutation load.
	MinCheckpointInterval time.Duration

	// Archive, if set, receives a copy of every completed checkpoint
	// snapshot. Journal correctness never depends on it.
	Archive blobstore.Store

	// Logger receives restore and checkpoint events. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// DefaultPersistentOptions are the options used when no overrides are
// given.
var DefaultPersistentOptions = PersistentOptions{
	Capacity:              10_000,
	PutsPerCheckpoint:     100,
	RemovesPerCheckpoint:  25,
	MinCheckpointInterval: 10 * time.Second,
}

// Persistent wraps a Bounded cache with a journal: every successful
// mutation becomes one journal transaction, with an eviction's DELETE
// appended to the same transaction as its insert's CREATE so the pair
// stays atomic.
type Persistent struct {
	mu    sync.Mutex
	cache *Bounded[string, []byte]
	j     *journal.Journal[Entry]

	puts, removes        int
	putsPerCheckpoint    int
	removesPerCheckpoint int
	limiter              *rate.Limiter

	archive blobstore.Store
	logger  *slog.Logger

	checkpointing atomic.Bool
	wg            sync.WaitGroup

	restored bool
}

// NewPersistent creates a persistent cache over j. Restore must be
// called before the first mutation.
func NewPersistent(j *journal.Journal[Entry], optFns ...func(o *PersistentOptions)) (*Persistent, error) {
	opts := DefaultPersistentOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	wrapped, err := NewBounded[string, []byte](opts.Capacity, opts.Policy)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.MinCheckpointInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.MinCheckpointInterval), 1)
	}

	return &Persistent{
		cache:                wrapped,
		j:                    j,
		putsPerCheckpoint:    opts.PutsPerCheckpoint,
		removesPerCheckpoint: opts.RemovesPerCheckpoint,
		limiter:              limiter,
		archive:              opts.Archive,
		logger:               logger,
	}, nil
}

// Restore replays the journal into a freshly constructed wrapped cache.
// Only CREATE records are reapplied, via PutIfAbsent; a key deleted in
// the journal simply never reappears in the recovered record map.
func (p *Persistent) Restore() (journal.Recovery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.restored {
		return journal.Recovery{}, fmt.Errorf("cache already restored")
	}

	records := make(map[string]Entry)
	rec, err := p.j.RecoverRecords(records, nil)
	if err != nil {
		return journal.Recovery{}, err
	}
	if err := p.j.WriteHeader(); err != nil {
		return journal.Recovery{}, err
	}

	for _, entry := range records {
		if entry.Type != serde.Create {
			continue
		}
		p.cache.PutIfAbsent(string(entry.Key), entry.Value)
	}

	p.restored = true
	p.logger.Info("cache restored", "records", p.cache.Len(),
		"maxTransactionId", rec.MaxTransactionID, "truncatedTail", rec.EOFException)
	return rec, nil
}

// Put upserts and journals the new value. An eviction caused by the
// insert is journaled in the same transaction.
func (p *Persistent) Put(key string, value []byte) (PutResult[string, []byte], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		return PutResult[string, []byte]{}, errNotRestored
	}

	res := p.cache.Put(key, value)
	if err := p.journalMutationLocked(res, key, value); err != nil {
		return res, err
	}
	return res, nil
}

// PutIfAbsent inserts and journals only when the key is absent.
func (p *Persistent) PutIfAbsent(key string, value []byte) (PutResult[string, []byte], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		return PutResult[string, []byte]{}, errNotRestored
	}

	res := p.cache.PutIfAbsent(key, value)
	if err := p.journalMutationLocked(res, key, value); err != nil {
		return res, err
	}
	return res, nil
}

// Replace performs the wrapped cache's revision CAS and journals the new
// value when it succeeds. Conflicts come back as Successful=false, never
// as errors.
func (p *Persistent) Replace(candidate Record[string, []byte]) (PutResult[string, []byte], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		return PutResult[string, []byte]{}, errNotRestored
	}

	res := p.cache.Replace(candidate)
	if err := p.journalMutationLocked(res, candidate.Key, candidate.Value); err != nil {
		return res, err
	}
	return res, nil
}

// Remove deletes the key and journals the deletion.
func (p *Persistent) Remove(key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.restored {
		return nil, false, errNotRestored
	}

	value, ok := p.cache.Remove(key)
	if !ok {
		return nil, false, nil
	}

	entry := Entry{Type: serde.Delete, Key: []byte(key)}
	if err := p.j.Update([]Entry{entry}, nil, true); err != nil {
		return value, true, err
	}

	p.removes++
	p.maybeCheckpointLocked()
	return value, true, nil
}

// Fetch returns the stored record for key.
func (p *Persistent) Fetch(key string) (Record[string, []byte], bool) { return p.cache.Fetch(key) }

// Get returns the stored value for key.
func (p *Persistent) Get(key string) ([]byte, bool) { return p.cache.Get(key) }

// SubMap returns the values for the given keys. Absent keys are omitted.
func (p *Persistent) SubMap(keys []string) map[string][]byte { return p.cache.SubMap(keys) }

// ContainsKey reports whether key is present.
func (p *Persistent) ContainsKey(key string) bool { return p.cache.ContainsKey(key) }

// Keys returns all present keys in no particular order.
func (p *Persistent) Keys() []string { return p.cache.Keys() }

// Len returns the number of cached records.
func (p *Persistent) Len() int { return p.cache.Len() }

// Checkpoint synchronously compacts the journal against the live cache
// contents and archives the resulting snapshot if an archive store is
// configured.
func (p *Persistent) Checkpoint() error {
	p.mu.Lock()
	err := p.checkpointLocked()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.archiveSnapshot()
	return nil
}

// Close waits for in-flight checkpoints and closes the journal.
func (p *Persistent) Close() error {
	p.wg.Wait()
	return p.j.Close()
}

// journalMutationLocked turns a successful mutation into one journal
// transaction. Caller must hold p.mu.
func (p *Persistent) journalMutationLocked(res PutResult[string, []byte], key string, value []byte) error {
	if !res.Successful {
		return nil
	}

	entries := []Entry{{Type: serde.Create, Key: []byte(key), Value: value}}
	if res.Evicted != nil {
		entries = append(entries, Entry{Type: serde.Delete, Key: []byte(res.Evicted.Key)})
	}
	if err := p.j.Update(entries, nil, true); err != nil {
		return err
	}

	p.puts++
	p.maybeCheckpointLocked()
	return nil
}

// maybeCheckpointLocked triggers an asynchronous checkpoint when a
// mutation-count threshold is exceeded, rate-limited so bursts cannot
// stack compactions. Caller must hold p.mu.
func (p *Persistent) maybeCheckpointLocked() {
	due := (p.putsPerCheckpoint > 0 && p.puts >= p.putsPerCheckpoint) ||
		(p.removesPerCheckpoint > 0 && p.removes >= p.removesPerCheckpoint)
	if !due || !p.limiter.Allow() {
		return
	}
	if !p.checkpointing.CompareAndSwap(false, true) {
		return
	}

	p.puts, p.removes = 0, 0
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.checkpointing.Store(false)

		p.mu.Lock()
		err := p.checkpointLocked()
		p.mu.Unlock()
		if err != nil {
			p.logger.Warn("automatic checkpoint failed", "error", err)
			return
		}
		p.archiveSnapshot()
	}()
}

// checkpointLocked compacts the journal against the live cache contents.
// Caller must hold p.mu.
func (p *Persistent) checkpointLocked() error {
	records := p.cache.Records()
	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, Entry{Type: serde.Create, Key: []byte(rec.Key), Value: rec.Value})
	}
	return p.j.Checkpoint(entries, nil)
}

// archiveSnapshot uploads the current snapshot file and prunes archives
// it supersedes.
func (p *Persistent) archiveSnapshot() {
	if p.archive == nil {
		return
	}

	data, err := os.ReadFile(p.j.SnapshotPath())
	if err != nil {
		p.logger.Warn("snapshot archive skipped", "error", err)
		return
	}
	name := fmt.Sprintf("snapshot-%020d", time.Now().UnixNano())

	ctx := context.Background()
	if err := p.archive.Put(ctx, name, data); err != nil {
		p.logger.Warn("snapshot archive upload failed", "name", name, "error", err)
		return
	}

	stale, err := p.archive.List(ctx, "snapshot-")
	if err != nil {
		p.logger.Warn("snapshot archive prune failed", "error", err)
		return
	}
	sort.Strings(stale)

	g, ctx := errgroup.WithContext(ctx)
	for _, old := range stale {
		if old >= name {
			continue
		}
		old := old
		g.Go(func() error { return p.archive.Delete(ctx, old) })
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("snapshot archive prune failed", "error", err)
	}
	p.logger.Debug("snapshot archived", "name", name, "bytes", len(data))
}
