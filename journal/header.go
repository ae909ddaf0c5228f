package journal

import (
	"encoding/binary"
	"fmt"
	"io"
)

var (
	journalMagic     = [4]byte{'D', 'F', 'J', '1'}
	journalHeaderLen = 16
	layoutVersion    = uint16(1)
)

type headerInfo struct {
	SerDeVersion int
}

// writeHeader writes the fixed 16-byte journal header:
// magic[4] layoutVersion[2] serdeVersion[4] reserved[6].
func writeHeader(w io.Writer, info headerInfo) error {
	buf := make([]byte, 0, journalHeaderLen)
	buf = append(buf, journalMagic[:]...)

	var fixed [12]byte
	binary.BigEndian.PutUint16(fixed[0:2], layoutVersion)
	binary.BigEndian.PutUint32(fixed[2:6], uint32(info.SerDeVersion)) //nolint:gosec
	// fixed[6:12] reserved
	buf = append(buf, fixed[:]...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write journal header: %w", err)
	}
	return nil
}

// readHeader reads and validates the journal header.
func readHeader(r io.Reader) (headerInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return headerInfo{}, fmt.Errorf("read journal header magic: %w", err)
	}
	if magic != journalMagic {
		return headerInfo{}, fmt.Errorf("unsupported journal format: invalid header magic %q", magic)
	}

	fixed := make([]byte, journalHeaderLen-4)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return headerInfo{}, fmt.Errorf("read journal header: %w", err)
	}

	if v := binary.BigEndian.Uint16(fixed[0:2]); v != layoutVersion {
		return headerInfo{}, fmt.Errorf("unsupported journal layout version: %d", v)
	}

	return headerInfo{
		SerDeVersion: int(binary.BigEndian.Uint32(fixed[2:6])),
	}, nil
}
