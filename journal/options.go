package journal

import (
	"log/slog"

	"github.com/duraflow/duraflow/bufpool"
)

// Options configure a Journal.
type Options struct {
	// Pool supplies scratch buffers for transaction encoding. If nil the
	// journal constructs its own pool with bufpool defaults. Pass a
	// shared pool to bound total scratch memory across journals.
	Pool *bufpool.Pool

	// Logger receives recovery, checkpoint and poison events. If nil,
	// logging is discarded.
	Logger *slog.Logger

	// SnapshotCompression selects how checkpoint snapshot payloads are
	// compressed.
	SnapshotCompression Compression
}

// DefaultOptions are the options used when no overrides are given.
var DefaultOptions = Options{
	SnapshotCompression: CompressionZstd,
}
