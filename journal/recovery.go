package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duraflow/duraflow/serde"
)

// Recovery summarizes one recovery pass.
type Recovery struct {
	// MaxTransactionID is the highest transaction id that was fully
	// applied, including transactions compacted into a snapshot.
	MaxTransactionID uint64

	// UpdateCount is the number of record updates applied from the
	// journal (snapshot records are not counted).
	UpdateCount int

	// EOFException reports that recovery stopped at a truncated or
	// malformed trailing transaction, which was discarded. Trailing NUL
	// padding does not set it.
	EOFException bool
}

// RecoverRecords scans the snapshot (if any) and the journal from the
// start, applying complete transactions in order. CREATE and UPDATE
// records are upserted into records, DELETE records are removed, and
// SWAP_OUT/SWAP_IN maintain swapLocations without touching the record
// map. Recovery stops at the first malformed or truncated transaction,
// discards it, and truncates the file back to the last complete frame so
// later appends start from a clean tail.
//
// Call once at startup, before the first Update.
func (j *Journal[T]) RecoverRecords(records map[string]T, swapLocations map[string]struct{}) (Recovery, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Recovery{}, ErrClosed
	}
	if records == nil {
		records = make(map[string]T)
	}
	if swapLocations == nil {
		swapLocations = make(map[string]struct{})
	}

	var rec Recovery

	snapMaxTxn, err := j.loadSnapshotLocked(records, swapLocations)
	if err != nil {
		return Recovery{}, err
	}
	rec.MaxTransactionID = snapMaxTxn

	st, err := j.file.Stat()
	if err != nil {
		return Recovery{}, fmt.Errorf("stat journal file: %w", err)
	}

	if st.Size() > 0 {
		if err := j.replayLocked(st.Size(), records, swapLocations, &rec); err != nil {
			return Recovery{}, err
		}
	}

	if rec.MaxTransactionID >= j.nextTxnID {
		j.nextTxnID = rec.MaxTransactionID + 1
	}

	j.logger.Info("journal recovered",
		"path", j.path,
		"records", len(records),
		"swapLocations", len(swapLocations),
		"maxTransactionId", rec.MaxTransactionID,
		"updates", rec.UpdateCount,
		"truncatedTail", rec.EOFException)

	return rec, nil
}

// replayLocked scans journal frames and applies complete transactions.
// Caller must hold j.mu; the file is left positioned for appending.
func (j *Journal[T]) replayLocked(size int64, records map[string]T, swapLocations map[string]struct{}, rec *Recovery) error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}

	reader := bufio.NewReader(j.file)
	hdr, err := readHeader(reader)
	if err != nil {
		return err
	}
	j.headerWritten = true

	snapMaxTxn := rec.MaxTransactionID

	// goodOffset tracks the end of the last fully-applied frame so a bad
	// tail can be cut off before appending resumes.
	goodOffset := int64(journalHeaderLen)
	consumed := goodOffset

scan:
	for {
		var lenBuf [4]byte
		n, err := io.ReadFull(reader, lenBuf[:])
		switch {
		case err == io.EOF:
			break scan
		case err == io.ErrUnexpectedEOF:
			// A partial length prefix of zero bytes is the NUL padding
			// some filesystems leave behind after power loss.
			if !allZero(lenBuf[:n]) {
				rec.EOFException = true
			}
			break scan
		case err != nil:
			return fmt.Errorf("read transaction length: %w", err)
		}
		consumed += 4

		frameLen := int64(binary.BigEndian.Uint32(lenBuf[:]))
		if frameLen == 0 {
			// Frames are never empty; a zero length means we ran into
			// padding. Anything non-zero after it is a corrupt tail.
			rest, err := io.ReadAll(reader)
			if err != nil || !allZero(rest) {
				rec.EOFException = true
			}
			break scan
		}
		if frameLen < 12 || frameLen > size-consumed {
			rec.EOFException = true
			break scan
		}

		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(reader, payload); err != nil {
			rec.EOFException = true
			break scan
		}
		consumed += frameLen

		txnID, updates, err := j.decodeTransaction(payload, records, hdr.SerDeVersion)
		if err != nil {
			j.logger.Warn("discarding malformed trailing transaction", "path", j.path, "error", err)
			rec.EOFException = true
			break scan
		}

		// Transactions already folded into the snapshot may linger if a
		// crash interrupted the post-checkpoint truncation.
		if txnID > snapMaxTxn {
			for _, u := range updates {
				j.applyUpdate(u, records, swapLocations)
			}
			rec.UpdateCount += len(updates)
			if txnID > rec.MaxTransactionID {
				rec.MaxTransactionID = txnID
			}
		}
		goodOffset = consumed
	}

	if goodOffset < size {
		if err := j.file.Truncate(goodOffset); err != nil {
			return fmt.Errorf("truncate journal tail: %w", err)
		}
	}
	if _, err := j.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek journal end: %w", err)
	}
	return nil
}

// decodeTransaction decodes one frame payload. The record map is passed
// through to the codec for diff resolution but is not mutated: updates
// are staged and applied only if the whole transaction decodes.
func (j *Journal[T]) decodeTransaction(payload []byte, current map[string]T, version int) (uint64, []T, error) {
	r := bytes.NewReader(payload)

	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("read transaction header: %w", err)
	}
	txnID := binary.BigEndian.Uint64(hdr[0:8])
	count := binary.BigEndian.Uint32(hdr[8:12])
	if int64(count) > int64(len(payload)) {
		return 0, nil, fmt.Errorf("implausible record count %d in transaction %d", count, txnID)
	}

	updates := make([]T, 0, count)
	for i := uint32(0); i < count; i++ {
		rec, err := j.sd.DeserializeEdit(r, current, version)
		if err != nil {
			return 0, nil, fmt.Errorf("deserialize edit %d of transaction %d: %w", i, txnID, err)
		}
		updates = append(updates, rec)
	}
	if r.Len() != 0 {
		return 0, nil, fmt.Errorf("transaction %d carries %d undecoded trailing bytes", txnID, r.Len())
	}
	return txnID, updates, nil
}

func (j *Journal[T]) applyUpdate(rec T, records map[string]T, swapLocations map[string]struct{}) {
	switch j.sd.GetUpdateType(rec) {
	case serde.Create, serde.Update:
		records[j.sd.RecordIdentifier(rec)] = rec
	case serde.Delete:
		delete(records, j.sd.RecordIdentifier(rec))
	case serde.SwapOut:
		if loc := j.sd.Location(rec); loc != "" {
			swapLocations[loc] = struct{}{}
		}
	case serde.SwapIn:
		if loc := j.sd.Location(rec); loc != "" {
			delete(swapLocations, loc)
		}
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
