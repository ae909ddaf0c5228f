package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/duraflow/duraflow/serde"
)

// kvRecord is the record type used by journal tests.
type kvRecord struct {
	Type  serde.UpdateType
	ID    string
	Value string
	Loc   string
}

// kvSerDe encodes kvRecords as: type[1] idLen[4] id valueLen[4] value
// locLen[4] loc. It can be primed to fail on records with a magic value.
type kvSerDe struct {
	failOnValue string
}

func (s kvSerDe) SerializeEdit(_ *kvRecord, rec kvRecord, out io.Writer) error {
	return s.SerializeRecord(rec, out)
}

func (s kvSerDe) SerializeRecord(rec kvRecord, out io.Writer) error {
	if s.failOnValue != "" && rec.Value == s.failOnValue {
		return fmt.Errorf("refusing to encode %q", rec.Value)
	}
	if _, err := out.Write([]byte{byte(rec.Type)}); err != nil {
		return err
	}
	for _, field := range []string{rec.ID, rec.Value, rec.Loc} {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
		if _, err := out.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := out.Write([]byte(field)); err != nil {
			return err
		}
	}
	return nil
}

func (s kvSerDe) DeserializeEdit(in io.Reader, _ map[string]kvRecord, version int) (kvRecord, error) {
	return s.DeserializeRecord(in, version)
}

func (s kvSerDe) DeserializeRecord(in io.Reader, _ int) (kvRecord, error) {
	var tag [1]byte
	if _, err := io.ReadFull(in, tag[:]); err != nil {
		return kvRecord{}, err
	}
	rec := kvRecord{Type: serde.UpdateType(tag[0])}
	for _, field := range []*string{&rec.ID, &rec.Value, &rec.Loc} {
		var lenBuf [4]byte
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			return kvRecord{}, err
		}
		b := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(in, b); err != nil {
			return kvRecord{}, err
		}
		*field = string(b)
	}
	return rec, nil
}

func (kvSerDe) RecordIdentifier(rec kvRecord) string        { return rec.ID }
func (kvSerDe) GetUpdateType(rec kvRecord) serde.UpdateType { return rec.Type }
func (kvSerDe) Location(rec kvRecord) string                { return rec.Loc }
func (kvSerDe) Version() int                                { return 1 }

func newTestJournal(t *testing.T, path string) *Journal[kvRecord] {
	t.Helper()
	j, err := New(path, kvSerDe{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return j
}

func create(id, value string) kvRecord {
	return kvRecord{Type: serde.Create, ID: id, Value: value}
}

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	txns := [][]kvRecord{
		{create("1", "one")},
		{create("2", "two"), create("3", "three")},
		{{Type: serde.Update, ID: "1", Value: "one-b"}},
		{{Type: serde.Delete, ID: "3"}},
	}
	for _, txn := range txns {
		if err := j.Update(txn, nil, true); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	j = newTestJournal(t, path)
	defer j.Close()

	records := make(map[string]kvRecord)
	swaps := make(map[string]struct{})
	rec, err := j.RecoverRecords(records, swaps)
	if err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}

	if rec.EOFException {
		t.Error("expected clean recovery")
	}
	if rec.MaxTransactionID != 4 {
		t.Errorf("expected maxTransactionId 4, got %d", rec.MaxTransactionID)
	}
	if rec.UpdateCount != 5 {
		t.Errorf("expected 5 updates, got %d", rec.UpdateCount)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records["1"].Value != "one-b" {
		t.Errorf("expected key 1 to hold updated value, got %q", records["1"].Value)
	}
	if records["2"].Value != "two" {
		t.Errorf("expected key 2 to hold %q, got %q", "two", records["2"].Value)
	}
}

func TestJournalSwapLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	out1 := kvRecord{Type: serde.SwapOut, ID: "1", Loc: "swap/part-1"}
	out2 := kvRecord{Type: serde.SwapOut, ID: "2", Loc: "swap/part-2"}
	in1 := kvRecord{Type: serde.SwapIn, ID: "1", Loc: "swap/part-1"}
	for _, txn := range [][]kvRecord{{out1}, {out2}, {in1}} {
		if err := j.Update(txn, nil, false); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	j.Close()

	j = newTestJournal(t, path)
	defer j.Close()

	records := make(map[string]kvRecord)
	swaps := make(map[string]struct{})
	if _, err := j.RecoverRecords(records, swaps); err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}

	// Swap records never touch the record map.
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
	if _, ok := swaps["swap/part-2"]; !ok || len(swaps) != 1 {
		t.Errorf("expected only swap/part-2 to remain, got %v", swaps)
	}
}

func TestJournalPoisonPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j, err := New(path, kvSerDe{failOnValue: "boom"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer j.Close()
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	if err := j.Update([]kvRecord{create("1", "one")}, nil, false); err != nil {
		t.Fatalf("healthy Update failed: %v", err)
	}

	// Second record of the transaction fails to encode.
	err = j.Update([]kvRecord{create("2", "two"), create("3", "boom")}, nil, false)
	if err == nil {
		t.Fatal("expected encoding failure")
	}

	// Fully valid input is rejected for the rest of the instance's life.
	err = j.Update([]kvRecord{create("4", "four")}, nil, false)
	var poisoned *PoisonedError
	if !errors.As(err, &poisoned) {
		t.Fatalf("expected PoisonedError from Update, got %v", err)
	}
	if !errors.As(j.Sync(), &poisoned) {
		t.Fatalf("expected PoisonedError from Sync, got %v", j.Sync())
	}
	if j.Poisoned() == nil {
		t.Error("expected stored poison cause")
	}
}

func TestJournalDuplicateOpenFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	defer j.Close()

	_, err := New(path, kvSerDe{})
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("expected LockError, got %v", err)
	}
	if lockErr.Path != path {
		t.Errorf("expected conflicting path %q in error, got %q", path, lockErr.Path)
	}
}

func TestJournalReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	if err := j.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Idempotent.
	if err := j.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	j2 := newTestJournal(t, path)
	defer j2.Close()
}

func TestJournalUpdateBeforeHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	defer j.Close()

	err := j.Update([]kvRecord{create("1", "one")}, nil, false)
	if !errors.Is(err, ErrHeaderNotWritten) {
		t.Fatalf("expected ErrHeaderNotWritten, got %v", err)
	}
}

func TestJournalTransactionIDsContiguous(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Update([]kvRecord{create(fmt.Sprint(i), "v")}, nil, false); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}
	j.Close()

	// Reopen, recover, append more; ids must continue from the recovered
	// high-water mark.
	j = newTestJournal(t, path)
	if _, err := j.RecoverRecords(nil, nil); err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}
	if err := j.Update([]kvRecord{create("x", "v")}, nil, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	j.Close()

	j = newTestJournal(t, path)
	defer j.Close()
	rec, err := j.RecoverRecords(nil, nil)
	if err != nil {
		t.Fatalf("RecoverRecords failed: %v", err)
	}
	if rec.MaxTransactionID != 4 {
		t.Errorf("expected maxTransactionId 4, got %d", rec.MaxTransactionID)
	}
}

func TestJournalLookupPassedToCodec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	defer j.Close()
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}

	var sawPrev bool
	lookup := func(id string) (kvRecord, bool) {
		if id == "1" {
			sawPrev = true
			return create("1", "old"), true
		}
		return kvRecord{}, false
	}
	if err := j.Update([]kvRecord{{Type: serde.Update, ID: "1", Value: "new"}}, lookup, false); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !sawPrev {
		t.Error("expected previous state to be resolved through lookup")
	}
}

func TestJournalFileStartsWithMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	j := newTestJournal(t, path)
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if len(data) != journalHeaderLen {
		t.Fatalf("expected bare %d-byte header, got %d bytes", journalHeaderLen, len(data))
	}
	if string(data[:4]) != "DFJ1" {
		t.Errorf("expected magic DFJ1, got %q", data[:4])
	}
}

// gateSerDe blocks inside the encode of a marked record until released,
// so tests can hold the journal's write lock at the exact point where a
// failure is about to poison it.
type gateSerDe struct {
	kvSerDe
	entered chan struct{}
	release chan struct{}
}

func (s gateSerDe) SerializeEdit(prev *kvRecord, rec kvRecord, out io.Writer) error {
	if rec.Value == "poison" {
		close(s.entered)
		<-s.release
		return fmt.Errorf("refusing to encode %q", rec.Value)
	}
	return s.kvSerDe.SerializeEdit(prev, rec, out)
}

// A writer that observed a healthy journal must never complete an
// append after another writer's failure has been recorded: the healthy
// writers here arrive while the failing encode holds the write lock, so
// they must all surface the poison, and the file must hold no frame
// past the last pre-race transaction.
func TestJournalPoisonExcludesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.journal")

	sd := gateSerDe{entered: make(chan struct{}), release: make(chan struct{})}
	j, err := New(path, sd)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer j.Close()
	if err := j.WriteHeader(); err != nil {
		t.Fatalf("WriteHeader failed: %v", err)
	}
	if err := j.Update([]kvRecord{create("1", "one")}, nil, true); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	failed := make(chan error, 1)
	go func() {
		failed <- j.Update([]kvRecord{create("2", "poison")}, nil, true)
	}()
	<-sd.entered

	// The failing writer is now parked inside the critical section, so
	// every writer started from here on is ordered behind the poison
	// transition.
	const writers = 4
	healthy := make(chan error, writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			healthy <- j.Update([]kvRecord{create(fmt.Sprintf("h%d", i), "v")}, nil, true)
		}(i)
	}
	close(sd.release)

	if err := <-failed; err == nil {
		t.Fatal("expected encoding failure")
	}
	for i := 0; i < writers; i++ {
		err := <-healthy
		var poisoned *PoisonedError
		if !errors.As(err, &poisoned) {
			t.Fatalf("healthy writer completed after poisoning: %v", err)
		}
	}
	j.Close()

	records, rec := recoverJournal(t, path)
	if rec.EOFException {
		t.Error("expected no partial frame after the poisoned write")
	}
	if rec.MaxTransactionID != 1 {
		t.Errorf("expected maxTransactionId 1, got %d", rec.MaxTransactionID)
	}
	if len(records) != 1 || records["1"].Value != "one" {
		t.Errorf("expected only the pre-race transaction, got %v", records)
	}
}
