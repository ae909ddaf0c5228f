// Package repository provides a write-ahead repository on top of a
// journal: identifier-keyed mutations become journal transactions and
// are replayed into an in-memory map on recovery.
package repository

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/duraflow/duraflow/journal"
	"github.com/duraflow/duraflow/serde"
)

// Options configure a Repository.
type Options struct {
	// CheckpointEvery triggers a journal checkpoint after that many
	// successful update batches. <= 0 disables automatic checkpoints.
	CheckpointEvery int

	// Logger receives repository events. If nil, logging is discarded.
	Logger *slog.Logger
}

// DefaultOptions are the options used when no overrides are given.
var DefaultOptions = Options{
	CheckpointEvery: 1000,
}

// Repository wraps a Journal with an in-memory view of the records it
// has journaled. All methods are safe for concurrent use.
type Repository[T any] struct {
	mu sync.Mutex

	j  *journal.Journal[T]
	sd serde.SerDe[T]

	records       map[string]T
	swapLocations map[string]struct{}
	recovered     bool

	modCount        int
	checkpointEvery int
	logger          *slog.Logger
}

// New creates a repository over j. Recover must be called before the
// first Update.
func New[T any](j *journal.Journal[T], sd serde.SerDe[T], optFns ...func(o *Options)) *Repository[T] {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Repository[T]{
		j:               j,
		sd:              sd,
		records:         make(map[string]T),
		swapLocations:   make(map[string]struct{}),
		checkpointEvery: opts.CheckpointEvery,
		logger:          logger,
	}
}

// Recover writes or validates the journal header and replays the journal
// into the repository's in-memory map.
func (r *Repository[T]) Recover() (journal.Recovery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recovered {
		return journal.Recovery{}, fmt.Errorf("repository already recovered")
	}

	rec, err := r.j.RecoverRecords(r.records, r.swapLocations)
	if err != nil {
		return journal.Recovery{}, err
	}
	if err := r.j.WriteHeader(); err != nil {
		return journal.Recovery{}, err
	}

	r.recovered = true
	return rec, nil
}

// Update journals all records as one atomic transaction, then applies
// them to the in-memory view according to each record's update type.
// The record's previous state, resolved from the in-memory view, is
// handed to the codec so diff-style codecs can encode against it.
func (r *Repository[T]) Update(records []T, forceSync bool) error {
	return r.UpdateWithLookup(records, nil, forceSync)
}

// UpdateWithLookup is Update with an explicit previous-state lookup,
// for callers that resolve prior state somewhere other than the
// repository's own view (e.g. a swap manager). A nil lookup falls back
// to the in-memory map.
func (r *Repository[T]) UpdateWithLookup(records []T, lookup journal.RecordLookup[T], forceSync bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recovered {
		return fmt.Errorf("repository has not been recovered")
	}

	if lookup == nil {
		lookup = func(id string) (T, bool) {
			rec, ok := r.records[id]
			return rec, ok
		}
	}
	if err := r.j.Update(records, lookup, forceSync); err != nil {
		return err
	}

	for _, rec := range records {
		id := r.sd.RecordIdentifier(rec)
		switch r.sd.GetUpdateType(rec) {
		case serde.Create, serde.Update:
			r.records[id] = rec
		case serde.Delete:
			delete(r.records, id)
		case serde.SwapOut:
			if loc := r.sd.Location(rec); loc != "" {
				r.swapLocations[loc] = struct{}{}
			}
		case serde.SwapIn:
			if loc := r.sd.Location(rec); loc != "" {
				delete(r.swapLocations, loc)
			}
		}
	}

	r.modCount++
	if r.checkpointEvery > 0 && r.modCount >= r.checkpointEvery {
		r.modCount = 0
		if err := r.checkpointLocked(); err != nil {
			// The journal stays authoritative; a failed compaction only
			// delays truncation.
			r.logger.Warn("automatic checkpoint failed", "error", err)
		}
	}
	return nil
}

// Fetch returns the current state of a record by identifier.
func (r *Repository[T]) Fetch(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Len returns the number of live records.
func (r *Repository[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// SwapLocations returns a copy of the tracked swap locations.
func (r *Repository[T]) SwapLocations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	locs := make([]string, 0, len(r.swapLocations))
	for loc := range r.swapLocations {
		locs = append(locs, loc)
	}
	return locs
}

// Checkpoint compacts the journal against the current in-memory view.
func (r *Repository[T]) Checkpoint() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recovered {
		return fmt.Errorf("repository has not been recovered")
	}
	return r.checkpointLocked()
}

func (r *Repository[T]) checkpointLocked() error {
	records := make([]T, 0, len(r.records))
	for _, rec := range r.records {
		records = append(records, rec)
	}
	locs := make([]string, 0, len(r.swapLocations))
	for loc := range r.swapLocations {
		locs = append(locs, loc)
	}
	return r.j.Checkpoint(records, locs)
}

// Close closes the underlying journal.
func (r *Repository[T]) Close() error {
	return r.j.Close()
}
