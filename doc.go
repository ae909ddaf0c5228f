// Package duraflow provides the durable state layer of a dataflow
// engine: a transactional write-ahead journal, a write-ahead repository
// for identifier-keyed records, and a bounded optimistic cache that can
// be made persistent by journaling its mutations.
//
// The journal guarantees that concurrent writers never corrupt durable
// state: one exclusive lock covers the whole encode-and-append sequence
// of a transaction, and any failure inside it permanently poisons the
// instance. Crash recovery replays complete transactions in order and
// discards at most the incomplete trailing one.
//
// Quick start:
//
//	c, err := duraflow.Open(filepath.Join(dir, "cache.journal"),
//		duraflow.WithCapacity(10_000),
//		duraflow.WithEvictionPolicy(cache.NewLRU[string]()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer c.Close()
//
//	res, err := c.Put("flowfile-1", payload)
package duraflow
