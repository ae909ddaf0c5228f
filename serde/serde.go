// Package serde defines the record codec contract used by the journal.
//
// A SerDe implementation is bound to one concrete record type at compile
// time. The journal never inspects records itself; everything it needs to
// know about a record (its identifier, its update type, an optional swap
// location) it asks the SerDe.
package serde

import "io"

// UpdateType describes what a journaled record does to durable state.
type UpdateType uint8

const (
	// Create introduces a record that did not previously exist.
	Create UpdateType = iota
	// Update replaces the state of an existing record.
	Update
	// Delete removes a record.
	Delete
	// SwapOut marks a record's content as moved to secondary storage at
	// the record's swap location.
	SwapOut
	// SwapIn marks previously swapped-out content as restored from the
	// record's swap location.
	SwapIn
)

// String returns a human-readable name for logging.
func (t UpdateType) String() string {
	switch t {
	case Create:
		return "CREATE"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	case SwapOut:
		return "SWAP_OUT"
	case SwapIn:
		return "SWAP_IN"
	default:
		return "UNKNOWN"
	}
}

// SerDe serializes and deserializes records of type T.
//
// Implementations must be safe for use by a single journal at a time; the
// journal serializes all calls under its write lock.
type SerDe[T any] interface {
	// SerializeEdit writes an incremental edit for a record. previous is
	// nil when the record has no prior state.
	SerializeEdit(previous *T, record T, out io.Writer) error

	// SerializeRecord writes a full record. Used for checkpoint snapshots.
	SerializeRecord(record T, out io.Writer) error

	// DeserializeEdit reads one edit written by SerializeEdit. current
	// holds the records recovered so far, keyed by identifier, so that
	// diff-style codecs can resolve against prior state. version is the
	// format version the stream was written with.
	DeserializeEdit(in io.Reader, current map[string]T, version int) (T, error)

	// DeserializeRecord reads one full record written by SerializeRecord.
	DeserializeRecord(in io.Reader, version int) (T, error)

	// RecordIdentifier returns the identifier the record is keyed by.
	RecordIdentifier(record T) string

	// GetUpdateType returns the update type carried by the record.
	GetUpdateType(record T) UpdateType

	// Location returns the swap location for SwapOut/SwapIn records, or
	// "" when the record has none.
	Location(record T) string

	// Version is the format version tag embedded in headers and
	// snapshots so older streams remain decodable.
	Version() int
}
