// Package audit provides an append-only, hash-chained record of every
// storage operation and its outcome.
//
// Each entry's hash is an HMAC-SHA256 over the entry's fields including the
// previous entry's hash, so any retroactive edit or deletion of a past entry
// is detectable by recomputing the chain from the first entry. The HMAC key
// is derived from the master key via HKDF, so chain verification also
// requires an unlocked store.
//
// The recorder persists entries through a Sink it treats as an opaque,
// untrusted byte store; tamper evidence comes from the chain, never from the
// sink's own guarantees. Appends are globally serialized because the chain
// has one linear sequence. Callers must do all expensive work (encryption,
// validation) before calling Append; the append lock only assigns the
// sequence, computes the HMAC, and writes.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Actions recorded in the trail.
const (
	ActionSave               = "save"
	ActionRead               = "read"
	ActionUpdate             = "update"
	ActionDelete             = "delete"
	ActionValidateCompliance = "validate_compliance"
)

// Outcome results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// genesisHash is the chain value before the first entry.
const genesisHash = "genesis"

// Sentinel errors returned by the recorder.
var (
	// ErrKeyNotSet indicates the HMAC key has not been derived yet.
	ErrKeyNotSet = errors.New("audit: HMAC key not set")

	// ErrSinkUnavailable indicates the underlying sink rejected a write.
	// The triggering storage operation must treat this as fatal; a storage
	// mutation without a corresponding audit entry is not permitted to stand.
	ErrSinkUnavailable = errors.New("audit: sink unavailable")
)

// Outcome is the recorded result of an operation.
type Outcome struct {
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Success returns a success outcome.
func Success() Outcome {
	return Outcome{Result: ResultSuccess}
}

// Failure returns a failure outcome with the given reason.
func Failure(reason string) Outcome {
	return Outcome{Result: ResultFailure, Reason: reason}
}

// Entry is a single audit record. Entries are append-only: no entry is ever
// mutated or removed.
type Entry struct {
	Sequence       int64   `json:"seq"`
	Timestamp      string  `json:"ts"` // RFC 3339 nanosecond precision, UTC
	ActorID        string  `json:"actor"`
	Action         string  `json:"action"`
	TargetRecordID string  `json:"target,omitempty"`
	Outcome        Outcome `json:"outcome"`
	PrevHash       string  `json:"prev"`
	Hash           string  `json:"hash"`
}

// Sink persists entries keyed by sequence number. Implementations must store
// each entry exactly once and return them to Scan in ascending sequence
// order. The recorder never updates or deletes an appended entry.
type Sink interface {
	// Append persists data under seq. It must fail if seq already exists.
	Append(ctx context.Context, seq int64, data []byte) error

	// Scan calls fn for every entry in ascending sequence order. A non-nil
	// error from fn stops the scan and is returned.
	Scan(ctx context.Context, fn func(seq int64, data []byte) error) error

	// Last returns the highest stored sequence and its data.
	// ok is false when the sink is empty.
	Last(ctx context.Context) (seq int64, data []byte, ok bool, err error)
}

// Recorder writes and verifies the hash chain.
type Recorder struct {
	sink     Sink
	mu       sync.Mutex // Globally serializes appends; the chain is one sequence
	hmacKey  []byte
	keySet   bool
	sequence int64
	prevHash string
}

// NewRecorder creates a recorder over the given sink. SetHMACKey must be
// called before any append or verification.
func NewRecorder(sink Sink) *Recorder {
	return &Recorder{
		sink:     sink,
		prevHash: genesisHash,
	}
}

// SetHMACKey derives the chain HMAC key from the master key using
// HKDF-SHA256 and resumes the chain from the last entry in the sink.
func (r *Recorder) SetHMACKey(ctx context.Context, masterKey []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	hkdfReader := hkdf.New(sha256.New, masterKey, nil, []byte("audit-chain-v1"))
	r.hmacKey = make([]byte, 32)
	if _, err := hkdfReader.Read(r.hmacKey); err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}
	r.keySet = true

	seq, data, ok, err := r.sink.Last(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	if !ok {
		r.sequence = 0
		r.prevHash = genesisHash
		return nil
	}

	var last Entry
	if err := json.Unmarshal(data, &last); err != nil {
		return fmt.Errorf("audit: failed to decode last entry %d: %w", seq, err)
	}
	r.sequence = last.Sequence
	r.prevHash = last.Hash
	return nil
}

// LastSequence returns the sequence of the most recent entry, 0 if none.
func (r *Recorder) LastSequence() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sequence
}

// Append writes a new entry to the chain. The chain state only advances
// after the sink accepts the write, so a failed append can be retried
// without creating a sequence gap. Append never fails silently: a sink
// failure surfaces as ErrSinkUnavailable.
func (r *Recorder) Append(ctx context.Context, actorID, action, targetRecordID string, outcome Outcome) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.keySet {
		return nil, ErrKeyNotSet
	}

	entry := Entry{
		Sequence:       r.sequence + 1,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		ActorID:        actorID,
		Action:         action,
		TargetRecordID: targetRecordID,
		Outcome:        outcome,
		PrevHash:       r.prevHash,
	}
	entry.Hash = r.computeHash(&entry)

	data, err := json.Marshal(&entry)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to marshal entry: %w", err)
	}

	if err := r.sink.Append(ctx, entry.Sequence, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	r.sequence = entry.Sequence
	r.prevHash = entry.Hash
	return &entry, nil
}

// computeHash calculates the HMAC-SHA256 for an entry over all significant
// fields, chained through PrevHash.
func (r *Recorder) computeHash(e *Entry) string {
	data := fmt.Sprintf("%d|%s|%s|%s|%s|%s|%s|%s",
		e.Sequence,
		e.Timestamp,
		e.ActorID,
		e.Action,
		e.TargetRecordID,
		e.Outcome.Result,
		e.Outcome.Reason,
		e.PrevHash,
	)
	mac := hmac.New(sha256.New, r.hmacKey)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// List returns the entries for a record in ascending sequence order.
// An empty targetRecordID returns the full trail.
func (r *Recorder) List(ctx context.Context, targetRecordID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []Entry
	err := r.sink.Scan(ctx, func(seq int64, data []byte) error {
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("audit: failed to decode entry %d: %w", seq, err)
		}
		if targetRecordID == "" || entry.TargetRecordID == targetRecordID {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// VerifyResult describes the outcome of a chain verification walk.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int64  `json:"entries"`
	BrokenAt int64  `json:"broken_at,omitempty"` // First diverging sequence, 0 when valid
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain walks the full chain from the first entry and reports the
// first point of divergence: a sequence gap, a prev-hash mismatch, or an
// entry whose recomputed HMAC does not match its stored hash. A broken
// chain is always reported, never silently accepted.
func (r *Recorder) VerifyChain(ctx context.Context) (*VerifyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.keySet {
		return nil, ErrKeyNotSet
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesisHash
	var expectedSeq int64 = 1

	err := r.sink.Scan(ctx, func(seq int64, data []byte) error {
		if !result.Valid {
			return nil // First divergence already found; skip the rest
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			result.Valid = false
			result.BrokenAt = seq
			result.Reason = fmt.Sprintf("entry %d is not decodable", seq)
			return nil
		}

		switch {
		case entry.Sequence != expectedSeq:
			result.Valid = false
			result.BrokenAt = expectedSeq
			result.Reason = fmt.Sprintf("sequence gap: expected %d, got %d", expectedSeq, entry.Sequence)
		case entry.PrevHash != expectedPrev:
			result.Valid = false
			result.BrokenAt = entry.Sequence
			result.Reason = fmt.Sprintf("prev hash mismatch at sequence %d", entry.Sequence)
		case entry.Hash != r.computeHash(&entry):
			result.Valid = false
			result.BrokenAt = entry.Sequence
			result.Reason = fmt.Sprintf("hash mismatch at sequence %d: possible tampering", entry.Sequence)
		default:
			expectedPrev = entry.Hash
			expectedSeq++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}

	result.Entries = expectedSeq - 1
	return result, nil
}
