package cache

// Record is a cached key/value pair with its optimistic-concurrency
// revision. Revisions start at 0 on a key's first successful write and
// increment by 1 on every subsequent one; a key that is fully deleted
// and re-inserted restarts at 0.
type Record[K comparable, V any] struct {
	Key   K
	Value V

	// Revision is -1 on a candidate that carries no prior-revision
	// expectation (see NewCandidate); stored records always carry >= 0.
	Revision int64
}

// NewCandidate builds a record for Replace by a caller that never
// observed a stored record for the key.
func NewCandidate[K comparable, V any](key K, value V) Record[K, V] {
	return Record[K, V]{Key: key, Value: value, Revision: -1}
}

// PutResult reports the outcome of a cache mutation.
type PutResult[K comparable, V any] struct {
	// Successful is false when the mutation was rejected (key already
	// present for PutIfAbsent, revision conflict for Replace); the cache
	// is unchanged in that case.
	Successful bool

	// Existing is the record previously stored under the key, if any.
	Existing *Record[K, V]

	// Evicted is the record removed to make room, set only when a
	// brand-new key was inserted while the cache was at capacity.
	Evicted *Record[K, V]

	// Record is the stored record after a successful mutation.
	Record *Record[K, V]
}
