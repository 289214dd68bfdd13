// Package storage orchestrates the encrypted note store: it validates
// compliance metadata, encrypts note content, persists encrypted records,
// enforces retention, and records every operation to the audit trail.
//
// Nothing partially encrypted or partially validated is ever persisted, and
// a persisted mutation without a corresponding audit entry is not permitted
// to stand: the save path rolls the mutation back if the audit append fails,
// and an unreconcilable divergence halts further writes to that record.
package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/caredesk/notevault/pkg/audit"
	"github.com/caredesk/notevault/pkg/compliance"
	"github.com/caredesk/notevault/pkg/crypto"
)

// Constants
const (
	SaltLength   = 16 // 128-bit salt
	SaltFileName = "storage.salt"
	MetaFileName = "storage.meta"
	DBFileName   = "records.db"
	FileMode     = 0600 // Owner read/write only
	DirMode      = 0700 // Owner read/write/execute only

	// ActorRetention is the actor id recorded by the retention sweep.
	ActorRetention = "system-retention"

	// auditRetryAttempts bounds retries of an obligatory audit append
	// before escalating to ErrStorageInconsistent.
	auditRetryAttempts = 3

	// ioRetryAttempts bounds retries of transient sink I/O.
	ioRetryAttempts = 3

	// minFreeBytes is the least free disk space required at initialization.
	minFreeBytes = 10 * 1024 * 1024
)

// keyVerifierPlaintext is encrypted under the master key at initialization.
// Unlock decrypts it to detect a wrong passphrase before any record access.
const keyVerifierPlaintext = "notevault-key-verifier-v1"

// Meta holds storage metadata persisted at initialization. The KDF
// parameters are recorded so a future re-encryption migration can detect
// them; the salt itself lives in its own file and is never rotated without
// such a migration.
type Meta struct {
	Version      string    `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	KDF          string    `json:"kdf"`
	Argon2Memory uint32    `json:"argon2_memory"`
	Argon2Time   uint32    `json:"argon2_time"`
}

// Record is a decrypted note returned by Get.
type Record struct {
	ID        string
	SubjectID string
	Content   []byte
	Metadata  *compliance.Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordSummary identifies a record without touching its content.
type RecordSummary struct {
	ID        string
	SubjectID string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DiskSpaceInfo reports disk usage for the storage directory's filesystem.
type DiskSpaceInfo struct {
	Total     uint64
	Free      uint64
	Available uint64
	UsedPct   int
}

// Status reports the state of the store.
type Status struct {
	Initialized       bool
	RecordCount       int64
	LastAuditSequence int64
	ChainVerified     bool
}

// Store manages the encrypted record storage. It is the explicit handle
// returned from initialization; every operation goes through it, there is
// no process-wide singleton.
type Store struct {
	path    string
	actorID string
	policy  *compliance.Policy

	key   []byte  // Master key, held in memory only while unlocked
	db    *sql.DB // SQLite connection
	audit *audit.Recorder

	mu    sync.RWMutex // Guards key/db lifecycle against operations
	locks *keyedMutex  // Per-record mutation serialization

	haltedMu sync.Mutex
	halted   map[string]bool // Record ids with a diverged audit trail

	log *logrus.Entry
}

// New creates a Store handle for the given directory. actorID identifies
// the caller in audit entries; authenticating the caller is external to
// this subsystem.
func New(path, actorID string) *Store {
	return &Store{
		path:    path,
		actorID: actorID,
		policy:  compliance.DefaultPolicy(),
		locks:   newKeyedMutex(),
		halted:  make(map[string]bool),
		log:     logrus.WithField("component", "storage"),
	}
}

// SetPolicy replaces the default compliance policy profile. Must be called
// before operations begin.
func (s *Store) SetPolicy(p *compliance.Policy) {
	s.policy = p
}

// Init initializes new storage:
// 1. Generate salt and save to storage.salt
// 2. Derive the master key from the passphrase and salt
// 3. Create records.db and define tables
// 4. Save an encrypted key verifier so Unlock can detect a wrong passphrase
// 5. Create the storage.meta file
//
// Init leaves the store locked; call Unlock to begin operating.
func (s *Store) Init(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists() {
		return ErrStorageExists
	}

	if disk, err := s.CheckDiskSpace(); err == nil && disk.Available < minFreeBytes {
		return fmt.Errorf("storage: insufficient disk space: %d bytes available", disk.Available)
	}

	if err := os.MkdirAll(s.path, DirMode); err != nil {
		return fmt.Errorf("storage: failed to create storage directory: %w", err)
	}

	// 1. Generate and save salt (16 bytes)
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("storage: failed to generate salt: %w", err)
	}

	// 2. Derive the master key
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	saltPath := filepath.Join(s.path, SaltFileName)
	if err := os.WriteFile(saltPath, salt, FileMode); err != nil {
		return fmt.Errorf("storage: failed to write salt file: %w", err)
	}

	// 3. Initialize the SQLite database
	dbPath := filepath.Join(s.path, DBFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("storage: failed to open database: %w", err)
	}
	defer db.Close()

	if err := createTables(db); err != nil {
		return fmt.Errorf("storage: failed to create tables: %w", err)
	}

	// 4. Save the encrypted key verifier
	verifier, nonce, checksum, err := crypto.Encrypt(key, []byte(keyVerifierPlaintext))
	if err != nil {
		return fmt.Errorf("storage: failed to encrypt key verifier: %w", err)
	}
	if _, err := db.Exec(
		"INSERT INTO storage_keys (id, verifier, verifier_nonce, verifier_checksum) VALUES (1, ?, ?, ?)",
		verifier, nonce, checksum,
	); err != nil {
		return fmt.Errorf("storage: failed to save key verifier: %w", err)
	}

	// 5. Create the metadata file
	meta := Meta{
		Version:      "1.0.0",
		CreatedAt:    time.Now().UTC(),
		KDF:          "argon2id",
		Argon2Memory: crypto.Argon2Memory,
		Argon2Time:   crypto.Argon2Time,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: failed to marshal metadata: %w", err)
	}
	metaPath := filepath.Join(s.path, MetaFileName)
	if err := os.WriteFile(metaPath, metaJSON, FileMode); err != nil {
		return fmt.Errorf("storage: failed to write metadata file: %w", err)
	}

	if err := os.Chmod(dbPath, FileMode); err != nil {
		return fmt.Errorf("storage: failed to set database permissions: %w", err)
	}

	return nil
}

// Unlock derives the master key from the passphrase and verifies it against
// the stored key verifier. Key derivation is deliberately slow and runs
// before the store lock is taken so concurrent reads on an already-unlocked
// store are not blocked behind it.
func (s *Store) Unlock(ctx context.Context, passphrase string) error {
	if !s.exists() {
		return ErrStorageNotFound
	}

	// 1. Read salt and validate length
	saltPath := filepath.Join(s.path, SaltFileName)
	salt, err := os.ReadFile(saltPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSaltNotFound
		}
		return fmt.Errorf("storage: failed to read salt file: %w", err)
	}
	if len(salt) != SaltLength {
		return ErrStorageCorrupted
	}

	// 2. Derive the master key (CPU-bound, off the critical path)
	key, err := crypto.DeriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		crypto.SecureWipe(key)
		return ErrAlreadyUnlocked
	}

	// 3. Open the database
	dbPath := filepath.Join(s.path, DBFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		crypto.SecureWipe(key)
		return fmt.Errorf("storage: failed to open database: %w", err)
	}
	// Single connection avoids SQLITE_BUSY between the record and audit writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// 4. Verify the passphrase against the key verifier
	var verifier, nonce []byte
	var checksum string
	err = db.QueryRowContext(ctx,
		"SELECT verifier, verifier_nonce, verifier_checksum FROM storage_keys WHERE id = 1").
		Scan(&verifier, &nonce, &checksum)
	if err != nil {
		db.Close()
		crypto.SecureWipe(key)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStorageCorrupted
		}
		return fmt.Errorf("storage: failed to read key verifier: %w", err)
	}

	plaintext, err := crypto.Decrypt(key, verifier, nonce, checksum)
	if err != nil {
		db.Close()
		crypto.SecureWipe(key)
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return ErrInvalidPassphrase
		}
		if errors.Is(err, crypto.ErrChecksumMismatch) {
			return ErrStorageCorrupted
		}
		return fmt.Errorf("storage: failed to verify key: %w", err)
	}
	if string(plaintext) != keyVerifierPlaintext {
		db.Close()
		crypto.SecureWipe(key)
		return ErrStorageCorrupted
	}

	// 5. Resume the audit chain under the derived key
	recorder := audit.NewRecorder(&auditSink{db: db})
	if err := recorder.SetHMACKey(ctx, key); err != nil {
		db.Close()
		crypto.SecureWipe(key)
		return fmt.Errorf("storage: failed to initialize audit recorder: %w", err)
	}

	s.key = key
	s.db = db
	s.audit = recorder

	return nil
}

// Lock locks the store, securely destroying the master key in memory.
// The master key is read-only shared state while unlocked; Lock is the only
// teardown path.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		crypto.SecureWipe(s.key)
		s.key = nil
	}

	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
	s.audit = nil
}

// IsLocked returns whether the store is locked.
func (s *Store) IsLocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.key == nil
}

// Path returns the storage directory path.
func (s *Store) Path() string {
	return s.path
}

// Status reports whether storage is initialized, how many records it holds,
// the last audit sequence, and whether the audit chain verifies.
func (s *Store) Status(ctx context.Context) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{Initialized: s.exists()}
	if s.key == nil {
		return status, nil
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&status.RecordCount); err != nil {
		return nil, fmt.Errorf("storage: failed to count records: %w", err)
	}

	result, err := s.audit.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to verify audit chain: %w", err)
	}
	status.ChainVerified = result.Valid
	status.LastAuditSequence = s.audit.LastSequence()

	return status, nil
}

// AuditTrail returns the audit entries for a record in ascending sequence
// order. An empty record id returns the full trail.
func (s *Store) AuditTrail(ctx context.Context, recordID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return nil, ErrStorageLocked
	}
	return s.audit.List(ctx, recordID)
}

// VerifyAuditChain walks the full audit chain and reports the first point
// of divergence, if any.
func (s *Store) VerifyAuditChain(ctx context.Context) (*audit.VerifyResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return nil, ErrStorageLocked
	}
	return s.audit.VerifyChain(ctx)
}

// ValidateCompliance evaluates metadata against the active policy without
// touching any record. The check itself is recorded in the audit trail.
func (s *Store) ValidateCompliance(ctx context.Context, meta *compliance.Metadata) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return ErrStorageLocked
	}

	violations := s.policy.Validate(meta)
	outcome := audit.Success()
	if violations != nil {
		outcome = audit.Failure((&ComplianceError{Violations: violations}).Error())
	}
	if _, err := s.audit.Append(ctx, s.actorID, audit.ActionValidateCompliance, "", outcome); err != nil {
		s.log.WithError(err).Warn("failed to audit compliance validation")
	}

	if violations != nil {
		return &ComplianceError{Violations: violations}
	}
	return nil
}

// exists checks if the storage has been initialized.
func (s *Store) exists() bool {
	saltPath := filepath.Join(s.path, SaltFileName)
	_, err := os.Stat(saltPath)
	return err == nil
}

// haltRecord marks a record id as inconsistent; further writes to it are
// refused until operator remediation.
func (s *Store) haltRecord(id string) {
	s.haltedMu.Lock()
	defer s.haltedMu.Unlock()
	s.halted[id] = true
}

func (s *Store) isHalted(id string) bool {
	s.haltedMu.Lock()
	defer s.haltedMu.Unlock()
	return s.halted[id]
}

// createTables creates the required SQLite tables. Timestamps are stored as
// RFC 3339 text. The records table holds the encrypted payload plus the
// structural compliance columns the retention sweep queries; note content
// only ever exists in the ciphertext column.
func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS storage_keys (
			id INTEGER PRIMARY KEY,
			verifier BLOB NOT NULL,
			verifier_nonce BLOB NOT NULL,
			verifier_checksum TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			nonce BLOB NOT NULL,
			ciphertext BLOB NOT NULL,
			checksum TEXT NOT NULL,
			consent_obtained INTEGER NOT NULL,
			consent_timestamp TEXT,
			data_minimization INTEGER NOT NULL,
			retention_days INTEGER NOT NULL,
			professional_order_id TEXT NOT NULL DEFAULT '',
			deidentified INTEGER NOT NULL,
			legal_hold INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_records_subject ON records(subject_id)`)
	if err != nil {
		return err
	}

	// Append-only audit sequence; rows are inserted, never updated or deleted.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY,
			entry BLOB NOT NULL
		)
	`)
	return err
}

// retryIO runs op up to ioRetryAttempts times, backing off between attempts.
// Only transient sink failures are worth retrying; sql.ErrNoRows and context
// cancellation stop immediately.
func retryIO(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < ioRetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if errors.Is(err, sql.ErrNoRows) || ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}
