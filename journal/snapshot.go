package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the algorithm for checkpoint snapshot payloads.
type Compression uint8

const (
	// CompressionNone stores snapshot payloads uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 favors speed.
	CompressionLZ4 Compression = 1
	// CompressionZstd favors ratio.
	CompressionZstd Compression = 2
)

var snapshotMagic = [4]byte{'D', 'F', 'S', '1'}

// SnapshotPath returns the path of the checkpoint snapshot file.
func (j *Journal[T]) SnapshotPath() string {
	return j.path + ".snapshot"
}

// Checkpoint compacts the journal. The caller provides the full live
// record set and swap locations; they are written to a snapshot file via
// SerializeRecord (atomic tmp+rename), after which the journal file is
// truncated back to a bare header. Transaction ids are not reset.
//
// Checkpoint must not run concurrently with an in-flight Update; both
// hold the same exclusive lock.
func (j *Journal[T]) Checkpoint(records []T, swapLocations []string) error {
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

	// A failure while writing the snapshot leaves the journal file
	// untouched and healthy; only the truncation phase can poison.
	if err := j.writeSnapshotLocked(records, swapLocations); err != nil {
		return err
	}

	if err := j.file.Truncate(0); err != nil {
		return j.poisonLocked(fmt.Errorf("truncate journal at checkpoint: %w", err))
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return j.poisonLocked(fmt.Errorf("seek journal at checkpoint: %w", err))
	}
	if err := writeHeader(j.file, headerInfo{SerDeVersion: j.sd.Version()}); err != nil {
		return j.poisonLocked(err)
	}
	if err := j.file.Sync(); err != nil {
		return j.poisonLocked(fmt.Errorf("sync journal at checkpoint: %w", err))
	}

	j.logger.Debug("journal checkpoint complete",
		"path", j.path, "records", len(records), "maxTransactionId", j.nextTxnID-1)
	return nil
}

func (j *Journal[T]) writeSnapshotLocked(records []T, swapLocations []string) error {
	tmpPath := j.SnapshotPath() + ".partial"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600) //nolint:gosec // G304: path is configurable
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	// Uncompressed 16-byte header mirroring the journal header, plus the
	// compression tag: magic[4] layout[2] serdeVersion[4] compression[1]
	// reserved[5].
	hdr := make([]byte, 0, 16)
	hdr = append(hdr, snapshotMagic[:]...)
	var fixed [12]byte
	binary.BigEndian.PutUint16(fixed[0:2], layoutVersion)
	binary.BigEndian.PutUint32(fixed[2:6], uint32(j.sd.Version())) //nolint:gosec
	fixed[6] = byte(j.compression)
	hdr = append(hdr, fixed[:]...)
	if _, err := f.Write(hdr); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}

	w, closeCompressor, err := compressWriter(f, j.compression)
	if err != nil {
		return err
	}

	var body [12]byte
	binary.BigEndian.PutUint64(body[0:8], j.nextTxnID-1)
	binary.BigEndian.PutUint32(body[8:12], uint32(len(records))) //nolint:gosec
	if _, err := w.Write(body[:]); err != nil {
		return fmt.Errorf("write snapshot body: %w", err)
	}
	for _, rec := range records {
		if err := j.sd.SerializeRecord(rec, w); err != nil {
			return fmt.Errorf("serialize snapshot record: %w", err)
		}
	}

	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(swapLocations))) //nolint:gosec
	if _, err := w.Write(cnt[:]); err != nil {
		return fmt.Errorf("write snapshot swap locations: %w", err)
	}
	for _, loc := range swapLocations {
		b := []byte(loc)
		binary.BigEndian.PutUint32(cnt[:], uint32(len(b))) //nolint:gosec
		if _, err := w.Write(cnt[:]); err != nil {
			return fmt.Errorf("write snapshot swap location: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("write snapshot swap location: %w", err)
		}
	}

	if err := closeCompressor(); err != nil {
		return fmt.Errorf("flush snapshot compressor: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync snapshot file: %w", err)
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close snapshot file: %w", err)
	}
	f = nil

	if err := os.Rename(tmpPath, j.SnapshotPath()); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("publish snapshot file: %w", err)
	}
	return nil
}

// loadSnapshotLocked applies the snapshot, if one exists, and returns its
// transaction high-water mark. Caller must hold j.mu.
func (j *Journal[T]) loadSnapshotLocked(records map[string]T, swapLocations map[string]struct{}) (uint64, error) {
	f, err := os.Open(j.SnapshotPath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, 16)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0, fmt.Errorf("read snapshot header: %w", err)
	}
	if [4]byte(hdr[0:4]) != snapshotMagic {
		return 0, fmt.Errorf("unsupported snapshot format: invalid header magic %q", hdr[0:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != layoutVersion {
		return 0, fmt.Errorf("unsupported snapshot layout version: %d", v)
	}
	version := int(binary.BigEndian.Uint32(hdr[6:10]))
	compression := Compression(hdr[10])

	r, closeReader, err := compressReader(bufio.NewReader(f), compression)
	if err != nil {
		return 0, err
	}
	defer closeReader()

	var body [12]byte
	if _, err := io.ReadFull(r, body[:]); err != nil {
		return 0, fmt.Errorf("read snapshot body: %w", err)
	}
	maxTxnID := binary.BigEndian.Uint64(body[0:8])
	count := binary.BigEndian.Uint32(body[8:12])

	for i := uint32(0); i < count; i++ {
		rec, err := j.sd.DeserializeRecord(r, version)
		if err != nil {
			return 0, fmt.Errorf("deserialize snapshot record %d: %w", i, err)
		}
		records[j.sd.RecordIdentifier(rec)] = rec
	}

	var cnt [4]byte
	if _, err := io.ReadFull(r, cnt[:]); err != nil {
		return 0, fmt.Errorf("read snapshot swap locations: %w", err)
	}
	swapCount := binary.BigEndian.Uint32(cnt[:])
	for i := uint32(0); i < swapCount; i++ {
		if _, err := io.ReadFull(r, cnt[:]); err != nil {
			return 0, fmt.Errorf("read snapshot swap location %d: %w", i, err)
		}
		loc := make([]byte, binary.BigEndian.Uint32(cnt[:]))
		if _, err := io.ReadFull(r, loc); err != nil {
			return 0, fmt.Errorf("read snapshot swap location %d: %w", i, err)
		}
		swapLocations[string(loc)] = struct{}{}
	}

	return maxTxnID, nil
}

// compressWriter wraps w per the configured algorithm. The returned
// close function flushes and closes only the compression layer.
func compressWriter(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionNone:
		return w, func() error { return nil }, nil
	case CompressionLZ4:
		lw := lz4.NewWriter(w)
		return lw, lw.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd writer: %w", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot compression: %d", c)
	}
}

func compressReader(r io.Reader, c Compression) (io.Reader, func(), error) {
	switch c {
	case CompressionNone:
		return r, func() {}, nil
	case CompressionLZ4:
		return lz4.NewReader(r), func() {}, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), zr.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported snapshot compression: %d", c)
	}
}
