package cache

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/duraflow/duraflow/serde"
)

// Entry is the journaled form of one cache mutation.
type Entry struct {
	Type  serde.UpdateType // Create or Delete
	Key   []byte
	Value []byte
}

// Wire tags. The layout is fixed for compatibility: one tag byte,
// 4-byte big-endian key length + key, 4-byte big-endian value length +
// value.
const (
	tagDelete byte = 0
	tagCreate byte = 1
)

// EntrySerDe is the serde.SerDe implementation for cache entries. Edits
// and full records share the same encoding: every entry is
// self-contained, so diffs buy nothing.
type EntrySerDe struct{}

var _ serde.SerDe[Entry] = EntrySerDe{}

func (EntrySerDe) SerializeEdit(_ *Entry, entry Entry, out io.Writer) error {
	return EntrySerDe{}.SerializeRecord(entry, out)
}

func (EntrySerDe) SerializeRecord(entry Entry, out io.Writer) error {
	var tag byte
	switch entry.Type {
	case serde.Create:
		tag = tagCreate
	case serde.Delete:
		tag = tagDelete
	default:
		return fmt.Errorf("cache entries cannot carry update type %s", entry.Type)
	}

	if _, err := out.Write([]byte{tag}); err != nil {
		return err
	}
	if err := writeChunk(out, entry.Key); err != nil {
		return err
	}
	return writeChunk(out, entry.Value)
}

func (EntrySerDe) DeserializeEdit(in io.Reader, _ map[string]Entry, version int) (Entry, error) {
	return EntrySerDe{}.DeserializeRecord(in, version)
}

func (EntrySerDe) DeserializeRecord(in io.Reader, _ int) (Entry, error) {
	var tag [1]byte
	if _, err := io.ReadFull(in, tag[:]); err != nil {
		return Entry{}, err
	}

	var entry Entry
	switch tag[0] {
	case tagCreate:
		entry.Type = serde.Create
	case tagDelete:
		entry.Type = serde.Delete
	default:
		return Entry{}, fmt.Errorf("unknown cache entry tag %d", tag[0])
	}

	var err error
	if entry.Key, err = readChunk(in); err != nil {
		return Entry{}, err
	}
	if entry.Value, err = readChunk(in); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (EntrySerDe) RecordIdentifier(entry Entry) string { return string(entry.Key) }

func (EntrySerDe) GetUpdateType(entry Entry) serde.UpdateType { return entry.Type }

func (EntrySerDe) Location(Entry) string { return "" }

func (EntrySerDe) Version() int { return 1 }

func writeChunk(out io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b))) //nolint:gosec
	if _, err := out.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := out.Write(b)
	return err
}

func readChunk(in io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(in, b); err != nil {
		return nil, err
	}
	return b, nil
}
