// Package journal implements a durable, append-only transactional log.
//
// Transactions are length-delimited frames appended under an exclusive
// lock, so bytes of distinct transactions are never interleaved. Any
// encoding or I/O failure permanently poisons the journal: the instance
// rejects all further writes and must be recreated. Crash recovery
// replays complete transactions in order and discards at most the
// incomplete trailing one.
package journal

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/duraflow/duraflow/bufpool"
	"github.com/duraflow/duraflow/serde"
)

// RecordLookup resolves a record's previous state by identifier.
// ok is false when the record has no prior state.
type RecordLookup[T any] func(id string) (rec T, ok bool)

// Journal is a write-ahead log for records of type T.
//
// All methods are safe for concurrent use. The entire
// check-state → encode → append sequence of a transaction runs under one
// mutex, and the poison transition happens under that same mutex, so a
// writer that observed a healthy journal can never complete an append
// after another writer's failure has been recorded.
type Journal[T any] struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	sd     serde.SerDe[T]
	pool   *bufpool.Pool
	logger *slog.Logger

	compression Compression

	poison        error
	closed        bool
	headerWritten bool

	// nextTxnID is the id the next transaction will carry. Ids start at 1
	// and stay monotonic across checkpoints.
	nextTxnID uint64
}

// New creates a journal bound to path. The file is created if absent and
// locked exclusively; a second instance on the same path fails with a
// *LockError.
func New[T any](path string, sd serde.SerDe[T], optFns ...func(o *Options)) (*Journal[T], error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	if err := lockFile(file); err != nil {
		_ = file.Close()
		return nil, &LockError{Path: path, cause: err}
	}

	pool := opts.Pool
	if pool == nil {
		pool = bufpool.New(0, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Journal[T]{
		path:        path,
		file:        file,
		sd:          sd,
		pool:        pool,
		logger:      logger,
		compression: opts.SnapshotCompression,
		nextTxnID:   1,
	}, nil
}

// Path returns the journal file path.
func (j *Journal[T]) Path() string { return j.path }

// WriteHeader writes the format header to a fresh journal file, or
// validates the header of an existing one. It must be called once before
// the first Update.
func (j *Journal[T]) WriteHeader() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.poison != nil {
		return &PoisonedError{cause: j.poison}
	}
	if j.headerWritten {
		return nil
	}

	st, err := j.file.Stat()
	if err != nil {
		return fmt.Errorf("stat journal file: %w", err)
	}

	if st.Size() == 0 {
		if err := writeHeader(j.file, headerInfo{SerDeVersion: j.sd.Version()}); err != nil {
			return err
		}
		if err := j.file.Sync(); err != nil {
			return fmt.Errorf("sync journal header: %w", err)
		}
	} else {
		if _, err := j.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("seek journal: %w", err)
		}
		if _, err := readHeader(j.file); err != nil {
			return err
		}
		if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek journal end: %w", err)
		}
	}

	j.headerWritten = true
	return nil
}

// Update appends all records as one atomic transaction. lookup resolves
// each record's previous state for diff-style codecs; it may be nil.
// forceSync additionally flushes the appended bytes to stable storage.
//
// Any encoding or I/O failure poisons the journal and is returned.
func (j *Journal[T]) Update(records []T, lookup RecordLookup[T], forceSync bool) error {
	// Acquire the scratch buffer outside the lock: an exhausted pool
	// blocks, and holding the write lock while blocked would stall
	// readers of journal state as well.
	buf := j.pool.Get()
	defer j.pool.Put(buf)

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.poison != nil {
		return &PoisonedError{cause: j.poison}
	}
	if !j.headerWritten {
		return ErrHeaderNotWritten
	}

	txnID := j.nextTxnID

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], txnID)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(records))) //nolint:gosec
	buf.Write(hdr[:])

	for _, rec := range records {
		var prev *T
		if lookup != nil {
			if p, ok := lookup(j.sd.RecordIdentifier(rec)); ok {
				prev = &p
			}
		}
		if err := j.sd.SerializeEdit(prev, rec, buf); err != nil {
			return j.poisonLocked(fmt.Errorf("serialize transaction %d: %w", txnID, err))
		}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(buf.Len())) //nolint:gosec
	if _, err := j.file.Write(lenBuf[:]); err != nil {
		return j.poisonLocked(fmt.Errorf("append transaction %d: %w", txnID, err))
	}
	if _, err := buf.WriteTo(j.file); err != nil {
		return j.poisonLocked(fmt.Errorf("append transaction %d: %w", txnID, err))
	}

	if forceSync {
		if err := j.file.Sync(); err != nil {
			return j.poisonLocked(fmt.Errorf("sync transaction %d: %w", txnID, err))
		}
	}

	j.nextTxnID = txnID + 1
	return nil
}

// Sync flushes previously appended bytes to stable storage. On a
// poisoned journal it returns the stored cause without touching the
// file.
func (j *Journal[T]) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.poison != nil {
		return &PoisonedError{cause: j.poison}
	}
	if err := j.file.Sync(); err != nil {
		return j.poisonLocked(fmt.Errorf("sync journal: %w", err))
	}
	return nil
}

// Poisoned returns the stored poison cause, or nil while the journal is
// healthy.
func (j *Journal[T]) Poisoned() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.poison
}

// Close releases the file handle and the exclusive lock. Calling Close
// more than once is a no-op.
func (j *Journal[T]) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	err := j.file.Close()
	if err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}

// poisonLocked records the first failure cause and logs the transition.
// Caller must hold j.mu. The passed error is returned for convenience.
func (j *Journal[T]) poisonLocked(err error) error {
	if j.poison == nil {
		j.poison = err
		j.logger.Error("journal poisoned", "path", j.path, "error", err)
	}
	return err
}
