// Package cache provides a capacity-bounded key/value store with
// per-key optimistic concurrency and pluggable eviction, plus a
// decorator that makes it durable through a write-ahead journal.
package cache

import (
	"fmt"
	"sync"
)

// Bounded is a fixed-capacity map with per-key revisions.
//
// A single coarse lock serializes every structural operation; each cache
// instance corresponds to one logical service, so contention stays
// local. Optimistic conflicts are reported as unsuccessful results, not
// errors, so callers can retry with fresh state.
type Bounded[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	records  map[K]*Record[K, V]
	policy   EvictionPolicy[K]
}

// NewBounded creates a cache holding at most capacity records. policy
// may be nil, in which case FIFO is used.
func NewBounded[K comparable, V any](capacity int, policy EvictionPolicy[K]) (*Bounded[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if policy == nil {
		policy = NewFIFO[K]()
	}
	return &Bounded[K, V]{
		capacity: capacity,
		records:  make(map[K]*Record[K, V], capacity),
		policy:   policy,
	}, nil
}

// Put upserts unconditionally. The stored revision becomes 0 for a new
// key or the prior revision plus one; inserting a new key at capacity
// evicts exactly one victim chosen by the eviction policy.
func (c *Bounded[K, V]) Put(key K, value V) PutResult[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := PutResult[K, V]{Successful: true}

	if existing, ok := c.records[key]; ok {
		res.Existing = existing
		stored := &Record[K, V]{Key: key, Value: value, Revision: existing.Revision + 1}
		c.records[key] = stored
		c.policy.Accessed(key)
		res.Record = stored
		return res
	}

	res.Evicted = c.evictIfFullLocked()
	stored := &Record[K, V]{Key: key, Value: value, Revision: 0}
	c.records[key] = stored
	c.policy.Inserted(key)
	res.Record = stored
	return res
}

// PutIfAbsent inserts only when the key is not present. On an existing
// key it returns Successful=false with Existing populated and mutates
// nothing.
func (c *Bounded[K, V]) PutIfAbsent(key K, value V) PutResult[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.records[key]; ok {
		return PutResult[K, V]{Successful: false, Existing: existing}
	}

	res := PutResult[K, V]{Successful: true}
	res.Evicted = c.evictIfFullLocked()
	stored := &Record[K, V]{Key: key, Value: value, Revision: 0}
	c.records[key] = stored
	c.policy.Inserted(key)
	res.Record = stored
	return res
}

// Replace performs an optimistic compare-and-swap. It succeeds when no
// record exists and the candidate carries no prior-revision expectation
// (Revision -1, see NewCandidate), or when the stored revision equals
// the candidate's. On success the stored record gets the next revision.
func (c *Bounded[K, V]) Replace(candidate Record[K, V]) PutResult[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.records[candidate.Key]
	if !ok {
		if candidate.Revision >= 0 {
			// Caller expected a record that no longer exists.
			return PutResult[K, V]{Successful: false}
		}
		res := PutResult[K, V]{Successful: true}
		res.Evicted = c.evictIfFullLocked()
		stored := &Record[K, V]{Key: candidate.Key, Value: candidate.Value, Revision: 0}
		c.records[candidate.Key] = stored
		c.policy.Inserted(candidate.Key)
		res.Record = stored
		return res
	}

	if existing.Revision != candidate.Revision {
		return PutResult[K, V]{Successful: false, Existing: existing}
	}

	stored := &Record[K, V]{Key: candidate.Key, Value: candidate.Value, Revision: existing.Revision + 1}
	c.records[candidate.Key] = stored
	c.policy.Accessed(candidate.Key)
	return PutResult[K, V]{Successful: true, Existing: existing, Record: stored}
}

// Fetch returns the stored record for key.
func (c *Bounded[K, V]) Fetch(key K) (Record[K, V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		var zero Record[K, V]
		return zero, false
	}
	c.policy.Accessed(key)
	return *rec, true
}

// Get returns the stored value for key.
func (c *Bounded[K, V]) Get(key K) (V, bool) {
	rec, ok := c.Fetch(key)
	return rec.Value, ok
}

// Remove deletes key and returns the prior value.
func (c *Bounded[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(c.records, key)
	c.policy.Removed(key)
	return rec.Value, true
}

// SubMap returns the values for the given keys. Absent keys are omitted.
func (c *Bounded[K, V]) SubMap(keys []K) map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[K]V, len(keys))
	for _, key := range keys {
		if rec, ok := c.records[key]; ok {
			out[key] = rec.Value
			c.policy.Accessed(key)
		}
	}
	return out
}

// ContainsKey reports whether key is present.
func (c *Bounded[K, V]) ContainsKey(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[key]
	return ok
}

// Keys returns all present keys in no particular order.
func (c *Bounded[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.records))
	for key := range c.records {
		keys = append(keys, key)
	}
	return keys
}

// Records returns a copy of every stored record. Unlike Fetch it does
// not count as an access, so bulk readers such as checkpoints leave the
// eviction order untouched.
func (c *Bounded[K, V]) Records() []Record[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]Record[K, V], 0, len(c.records))
	for _, rec := range c.records {
		records = append(records, *rec)
	}
	return records
}

// Len returns the number of cached records.
func (c *Bounded[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// evictIfFullLocked makes room for one brand-new key, returning the
// evicted record if the cache was at capacity. Caller must hold c.mu.
func (c *Bounded[K, V]) evictIfFullLocked() *Record[K, V] {
	if len(c.records) < c.capacity {
		return nil
	}
	victim, ok := c.policy.Victim()
	if !ok {
		return nil
	}
	evicted := c.records[victim]
	delete(c.records, victim)
	c.policy.Removed(victim)
	return evicted
}
