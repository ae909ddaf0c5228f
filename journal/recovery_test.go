package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/duraflow/duraflow/serde"
)

// writeJournal writes the given transactions and closes the journal.
func writeJournal(t *testing.T, path string, txns ...[]kvRecord) {
	t.Helper()
	j := newTestJournal(t, path)
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	for _, txn := range txns {
		if err := j.Update(txn, nil, true); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func recoverJournal(t *testing.T, path string) (map[string]kvRecord, Recovery) {
	t.Helper()
	j := newTestJournal(t, path)
	defer j.Close()

	records := make(map[string]kvRecord)
	rec, err := j.RecoverRecords(records, nil)
	if err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}
	return records, rec
}

func truncateBy(t *testing.T, path string, n int64) {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if err := os.Truncate(path, st.Size()-n); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
}

func appendBytes(t *testing.T, path string, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

// Three transactions, the file cut 8 bytes into the last one. Recovery
// must behave as if the last transaction had never been written.
func TestRecoveryTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path,
		[]kvRecord{create("1", "first")},
		[]kvRecord{create("2", "second")},
		[]kvRecord{{Type: serde.Update, ID: "1", Value: "updated"}},
	)
	truncateBy(t, path, 8)

	records, rec := recoverJournal(t, path)

	if !rec.EOFException {
		t.Error("expected EOFException")
	}
	if rec.MaxTransactionID != 2 {
		t.Errorf("expected maxTransactionId 2, got %d", rec.MaxTransactionID)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records["1"].Value != "first" {
		t.Errorf("expected key 1 to hold the first CREATE value, got %q", records["1"].Value)
	}
	if records["2"].Value != "second" {
		t.Errorf("expected key 2 to hold %q, got %q", "second", records["2"].Value)
	}
}

func TestRecoveryTruncationInsideLengthPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path,
		[]kvRecord{create("1", "one")},
		[]kvRecord{create("2", "two")},
	)
	// Leave 2 bytes of the second frame's length prefix.
	frameStart := prevFrameStart(t, path)
	if err := os.Truncate(path, frameStart+2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	records, rec := recoverJournal(t, path)

	if !rec.EOFException {
		t.Error("expected EOFException")
	}
	if len(records) != 1 || records["1"].Value != "one" {
		t.Errorf("expected only key 1 recovered, got %v", records)
	}
}

// prevFrameStart returns the byte offset where the last frame begins,
// assuming all frames carry identical record shapes.
func prevFrameStart(t *testing.T, path string) int64 {
	t.Helper()
	st, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	frameSize := (st.Size() - int64(journalHeaderLen)) / 2
	return st.Size() - frameSize
}

func TestRecoveryNULPaddingTolerated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path,
		[]kvRecord{create("1", "one")},
		[]kvRecord{create("2", "two")},
	)

	for _, padding := range []int{1, 3, 4, 17, 4096} {
		appendBytes(t, path, make([]byte, padding))

		records, rec := recoverJournal(t, path)

		if rec.EOFException {
			t.Errorf("padding %d: expected clean recovery", padding)
		}
		if rec.MaxTransactionID != 2 {
			t.Errorf("padding %d: expected maxTransactionId 2, got %d", padding, rec.MaxTransactionID)
		}
		if len(records) != 2 {
			t.Errorf("padding %d: expected 2 records, got %d", padding, len(records))
		}
	}
}

func TestRecoveryGarbageTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path, []kvRecord{create("1", "one")})
	appendBytes(t, path, []byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad})

	records, rec := recoverJournal(t, path)

	if !rec.EOFException {
		t.Error("expected EOFException for non-NUL garbage")
	}
	if len(records) != 1 || records["1"].Value != "one" {
		t.Errorf("expected key 1 to survive, got %v", records)
	}
}

func TestRecoveryZeroLengthThenGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path, []kvRecord{create("1", "one")})
	appendBytes(t, path, []byte{0, 0, 0, 0, 0xff})

	_, rec := recoverJournal(t, path)

	if !rec.EOFException {
		t.Error("expected EOFException for garbage after padding")
	}
}

// TestRecoveryTruncatesBadTail verifies the file is physically cut back
// to the last complete frame so subsequent appends recover cleanly.
func TestRecoveryTruncatesBadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	writeJournal(t, path,
		[]kvRecord{create("1", "one")},
		[]kvRecord{create("2", "two")},
	)
	truncateBy(t, path, 3)

	j := newTestJournal(t, path)
	if _, err := j.RecoverRecords(nil, nil); err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}
	if err := j.Update([]kvRecord{create("3", "three")}, nil, true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	j.Close()

	records, rec := recoverJournal(t, path)

	if rec.EOFException {
		t.Error("expected clean recovery after tail truncation")
	}
	if len(records) != 2 {
		t.Fatalf("expected keys 1 and 3, got %v", records)
	}
	if records["1"].Value != "one" || records["3"].Value != "three" {
		t.Errorf("unexpected recovered state: %v", records)
	}
}

func TestRecoveryEmptyJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	defer j.Close()

	records := make(map[string]kvRecord)
	rec, err := j.RecoverRecords(records, nil)
	if err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}
	if rec.EOFException || rec.MaxTransactionID != 0 || len(records) != 0 {
		t.Errorf("expected empty recovery, got %+v with %d records", rec, len(records))
	}
}
