package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

// memSink is an in-memory Sink for tests, with optional write-failure
// injection and direct access for corrupting stored entries.
type memSink struct {
	entries map[int64][]byte
	lastSeq int64
	failing bool
}

func newMemSink() *memSink {
	return &memSink{entries: map[int64][]byte{}}
}

func (s *memSink) Append(_ context.Context, seq int64, data []byte) error {
	if s.failing {
		return errors.New("sink down")
	}
	if _, exists := s.entries[seq]; exists {
		return fmt.Errorf("sequence %d already exists", seq)
	}
	s.entries[seq] = data
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
	return nil
}

func (s *memSink) Scan(_ context.Context, fn func(seq int64, data []byte) error) error {
	for seq := int64(1); seq <= s.lastSeq; seq++ {
		data, ok := s.entries[seq]
		if !ok {
			continue
		}
		if err := fn(seq, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *memSink) Last(_ context.Context) (int64, []byte, bool, error) {
	if s.lastSeq == 0 {
		return 0, nil, false, nil
	}
	return s.lastSeq, s.entries[s.lastSeq], true, nil
}

// corrupt replaces the stored hash of entry seq.
func (s *memSink) corrupt(t *testing.T, seq int64) {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(s.entries[seq], &entry); err != nil {
		t.Fatalf("failed to decode entry %d: %v", seq, err)
	}
	entry.Hash = "deadbeef"
	data, err := json.Marshal(&entry)
	if err != nil {
		t.Fatalf("failed to encode entry %d: %v", seq, err)
	}
	s.entries[seq] = data
}

func newTestRecorder(t *testing.T) (*Recorder, *memSink) {
	t.Helper()
	sink := newMemSink()
	r := NewRecorder(sink)
	if err := r.SetHMACKey(context.Background(), []byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("SetHMACKey() error = %v", err)
	}
	return r, sink
}

// TestAppend tests basic appends and sequence assignment
func TestAppend(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	entry, err := r.Append(ctx, "clinician-1", ActionSave, "rec-1", Success())
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry.Sequence != 1 {
		t.Errorf("Sequence = %d, want 1", entry.Sequence)
	}
	if entry.PrevHash != "genesis" {
		t.Errorf("PrevHash = %q, want genesis", entry.PrevHash)
	}
	if entry.Hash == "" {
		t.Error("Hash should not be empty")
	}

	entry2, err := r.Append(ctx, "clinician-1", ActionRead, "rec-1", Failure("checksum mismatch"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if entry2.Sequence != 2 {
		t.Errorf("Sequence = %d, want 2", entry2.Sequence)
	}
	if entry2.PrevHash != entry.Hash {
		t.Error("second entry should chain from the first entry's hash")
	}
	if r.LastSequence() != 2 {
		t.Errorf("LastSequence() = %d, want 2", r.LastSequence())
	}
}

// TestAppendWithoutKey verifies appends require the HMAC key
func TestAppendWithoutKey(t *testing.T) {
	r := NewRecorder(newMemSink())
	if _, err := r.Append(context.Background(), "a", ActionSave, "rec", Success()); !errors.Is(err, ErrKeyNotSet) {
		t.Errorf("Append() error = %v, want ErrKeyNotSet", err)
	}
}

// TestAppendSinkFailure verifies a sink failure surfaces as
// ErrSinkUnavailable and does not advance the chain state
func TestAppendSinkFailure(t *testing.T) {
	r, sink := newTestRecorder(t)
	ctx := context.Background()

	if _, err := r.Append(ctx, "a", ActionSave, "rec-1", Success()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	sink.failing = true
	if _, err := r.Append(ctx, "a", ActionSave, "rec-2", Success()); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("Append() error = %v, want ErrSinkUnavailable", err)
	}
	if r.LastSequence() != 1 {
		t.Errorf("LastSequence() after failed append = %d, want 1", r.LastSequence())
	}

	// A retry after the sink recovers continues the chain without a gap
	sink.failing = false
	entry, err := r.Append(ctx, "a", ActionSave, "rec-2", Success())
	if err != nil {
		t.Fatalf("Append() after recovery error = %v", err)
	}
	if entry.Sequence != 2 {
		t.Errorf("Sequence after retry = %d, want 2", entry.Sequence)
	}

	result, err := r.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("VerifyChain() after retry reports broken chain: %+v", result)
	}
}

// TestList tests per-record filtering in ascending order
func TestList(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Append(ctx, "a", ActionSave, "rec-1", Success()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if _, err := r.Append(ctx, "a", ActionSave, "rec-2", Success()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	entries, err := r.List(ctx, "rec-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List(rec-1) returned %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Sequence <= entries[i-1].Sequence {
			t.Error("List() entries not in ascending sequence order")
		}
		if entries[i].TargetRecordID != "rec-1" {
			t.Errorf("List(rec-1) returned entry for %q", entries[i].TargetRecordID)
		}
	}

	all, err := r.List(ctx, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 6 {
		t.Errorf("List(\"\") returned %d entries, want 6", len(all))
	}
}

// TestVerifyChain verifies a clean chain of N entries
func TestVerifyChain(t *testing.T) {
	r, _ := newTestRecorder(t)
	ctx := context.Background()

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := r.Append(ctx, "a", ActionSave, fmt.Sprintf("rec-%d", i), Success()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	result, err := r.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("VerifyChain() = %+v, want valid", result)
	}
	if result.Entries != n {
		t.Errorf("Entries = %d, want %d", result.Entries, n)
	}
}

// TestVerifyChainCorruption verifies divergence is reported at the corrupted
// entry, not before
func TestVerifyChainCorruption(t *testing.T) {
	r, sink := newTestRecorder(t)
	ctx := context.Background()

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := r.Append(ctx, "a", ActionSave, "rec", Success()); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	const k = 7
	sink.corrupt(t, k)

	result, err := r.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if result.Valid {
		t.Fatal("VerifyChain() reports valid for corrupted chain")
	}
	if result.BrokenAt != k {
		t.Errorf("BrokenAt = %d, want %d", result.BrokenAt, k)
	}
}

// TestVerifyChainResumeAfterReopen verifies the chain resumes from the sink
// state after recreating the recorder, as happens across process restarts
func TestVerifyChainResumeAfterReopen(t *testing.T) {
	r, sink := newTestRecorder(t)
	ctx := context.Background()

	if _, err := r.Append(ctx, "a", ActionSave, "rec-1", Success()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	// New recorder over the same sink, same master key
	r2 := NewRecorder(sink)
	if err := r2.SetHMACKey(ctx, []byte("0123456789abcdef0123456789abcdef")); err != nil {
		t.Fatalf("SetHMACKey() error = %v", err)
	}
	if r2.LastSequence() != 1 {
		t.Errorf("LastSequence() after reopen = %d, want 1", r2.LastSequence())
	}

	if _, err := r2.Append(ctx, "a", ActionRead, "rec-1", Success()); err != nil {
		t.Fatalf("Append() after reopen error = %v", err)
	}

	result, err := r2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if !result.Valid {
		t.Errorf("VerifyChain() after reopen = %+v, want valid", result)
	}
}

// TestVerifyChainWrongKey verifies the chain fails verification under a
// different master key
func TestVerifyChainWrongKey(t *testing.T) {
	r, sink := newTestRecorder(t)
	ctx := context.Background()

	if _, err := r.Append(ctx, "a", ActionSave, "rec-1", Success()); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	r2 := NewRecorder(sink)
	if err := r2.SetHMACKey(ctx, []byte("another-master-key-another-maste")); err != nil {
		t.Fatalf("SetHMACKey() error = %v", err)
	}
	result, err := r2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if result.Valid {
		t.Error("VerifyChain() under wrong key should report invalid")
	}
}
