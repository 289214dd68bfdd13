package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caredesk/notevault/pkg/audit"
	"github.com/caredesk/notevault/pkg/compliance"
	"github.com/caredesk/notevault/pkg/crypto"
)

// timeLayout is the persisted timestamp format.
const timeLayout = time.RFC3339Nano

// Save validates, encrypts, and persists a new note, then records the save
// in the audit trail. The record reaches readers only once its audit entry
// exists; if the audit append ultimately fails, the persisted row is rolled
// back so the mutation does not stand without its entry.
func (s *Store) Save(ctx context.Context, subjectID string, content []byte, meta *compliance.Metadata) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return "", ErrStorageLocked
	}
	if subjectID == "" {
		return "", ErrEmptySubjectID
	}

	id := uuid.NewString()

	// Validating
	if violations := s.policy.Validate(meta); violations != nil {
		cerr := &ComplianceError{Violations: violations}
		s.auditFailure(ctx, s.actorID, audit.ActionSave, id, cerr.Error())
		return "", cerr
	}

	// Encrypting. All cryptographic work happens before the audit-append
	// lock is ever taken.
	ciphertext, nonce, checksum, err := crypto.Encrypt(s.key, content)
	if err != nil {
		s.auditFailure(ctx, s.actorID, audit.ActionSave, id, "encryption failed")
		return "", fmt.Errorf("storage: failed to encrypt record: %w", err)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if s.isHalted(id) {
		return "", ErrStorageInconsistent
	}

	// Persisting
	now := time.Now().UTC()
	err = retryIO(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			INSERT INTO records (
				id, subject_id, nonce, ciphertext, checksum,
				consent_obtained, consent_timestamp, data_minimization,
				retention_days, professional_order_id, deidentified, legal_hold,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, subjectID, nonce, ciphertext, checksum,
			boolInt(meta.ConsentObtained), nullableTime(meta.ConsentTimestamp),
			boolInt(meta.DataMinimizationApplied), meta.RetentionPeriodDays,
			meta.ProfessionalOrderID, boolInt(meta.Deidentified), boolInt(meta.LegalHold),
			now.Format(timeLayout), now.Format(timeLayout),
		)
		return execErr
	})
	if err != nil {
		s.auditFailure(ctx, s.actorID, audit.ActionSave, id, "persist failed: "+err.Error())
		return "", fmt.Errorf("storage: failed to persist record: %w", err)
	}

	// AuditRecorded
	if err := s.auditObligation(ctx, s.actorID, audit.ActionSave, id, audit.Success()); err != nil {
		rbCtx := context.WithoutCancel(ctx)
		if _, rbErr := s.db.ExecContext(rbCtx, "DELETE FROM records WHERE id = ?", id); rbErr != nil {
			s.haltRecord(id)
			s.log.WithError(rbErr).WithField("record", id).Error("rollback after failed audit append also failed")
			return "", fmt.Errorf("%w: record %s", ErrStorageInconsistent, id)
		}
		return "", fmt.Errorf("storage: save aborted, audit append failed: %w", err)
	}

	return id, nil
}

// Get fetches and decrypts a record. Access attempts, successful or not,
// are always audited: a failed decryption produces a failure entry before
// the error is surfaced, and a success entry exists before any plaintext is
// returned to the caller.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return nil, ErrStorageLocked
	}

	// Fetching
	row, err := s.fetchRecord(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.auditFailure(ctx, s.actorID, audit.ActionRead, id, "record not found")
			return nil, ErrRecordNotFound
		}
		s.auditFailure(ctx, s.actorID, audit.ActionRead, id, "fetch failed: "+err.Error())
		return nil, fmt.Errorf("storage: failed to fetch record: %w", err)
	}

	// Decrypting. Auth and checksum failures are deterministic; they are
	// never retried with the same input.
	plaintext, err := crypto.Decrypt(s.key, row.ciphertext, row.nonce, row.checksum)
	if err != nil {
		reason := "authentication failure"
		if errors.Is(err, crypto.ErrChecksumMismatch) {
			reason = "checksum mismatch"
		}
		s.auditFailure(ctx, s.actorID, audit.ActionRead, id, "decryption failed: "+reason)
		return nil, fmt.Errorf("storage: failed to decrypt record %s: %w", id, err)
	}

	// AuditRecorded: once the data reaches the caller, its entry must exist.
	if err := s.auditObligation(ctx, s.actorID, audit.ActionRead, id, audit.Success()); err != nil {
		crypto.SecureWipe(plaintext)
		return nil, fmt.Errorf("storage: read aborted, audit append failed: %w", err)
	}

	meta := row.meta
	return &Record{
		ID:        row.id,
		SubjectID: row.subjectID,
		Content:   plaintext,
		Metadata:  &meta,
		CreatedAt: row.createdAt,
		UpdatedAt: row.updatedAt,
	}, nil
}

// Update replaces a record's content and metadata wholesale after
// re-validation. There is no in-place field mutation: retention policy
// changes only happen through this re-validated replace. CreatedAt is
// preserved; the retention clock does not restart.
func (s *Store) Update(ctx context.Context, id string, content []byte, meta *compliance.Metadata) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return ErrStorageLocked
	}

	// Validating
	if violations := s.policy.Validate(meta); violations != nil {
		cerr := &ComplianceError{Violations: violations}
		s.auditFailure(ctx, s.actorID, audit.ActionUpdate, id, cerr.Error())
		return cerr
	}

	// Encrypting
	ciphertext, nonce, checksum, err := crypto.Encrypt(s.key, content)
	if err != nil {
		s.auditFailure(ctx, s.actorID, audit.ActionUpdate, id, "encryption failed")
		return fmt.Errorf("storage: failed to encrypt record: %w", err)
	}

	unlock := s.locks.lock(id)
	defer unlock()

	if s.isHalted(id) {
		return ErrStorageInconsistent
	}

	// The previous row is kept for the compensating rollback.
	prev, err := s.fetchRecord(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.auditFailure(ctx, s.actorID, audit.ActionUpdate, id, "record not found")
			return ErrRecordNotFound
		}
		return fmt.Errorf("storage: failed to fetch record: %w", err)
	}

	// Persisting (full replace)
	now := time.Now().UTC()
	err = retryIO(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE records SET
				nonce = ?, ciphertext = ?, checksum = ?,
				consent_obtained = ?, consent_timestamp = ?, data_minimization = ?,
				retention_days = ?, professional_order_id = ?, deidentified = ?, legal_hold = ?,
				updated_at = ?
			WHERE id = ?`,
			nonce, ciphertext, checksum,
			boolInt(meta.ConsentObtained), nullableTime(meta.ConsentTimestamp),
			boolInt(meta.DataMinimizationApplied), meta.RetentionPeriodDays,
			meta.ProfessionalOrderID, boolInt(meta.Deidentified), boolInt(meta.LegalHold),
			now.Format(timeLayout), id,
		)
		return execErr
	})
	if err != nil {
		s.auditFailure(ctx, s.actorID, audit.ActionUpdate, id, "persist failed: "+err.Error())
		return fmt.Errorf("storage: failed to persist record: %w", err)
	}

	// AuditRecorded
	if err := s.auditObligation(ctx, s.actorID, audit.ActionUpdate, id, audit.Success()); err != nil {
		if rbErr := s.restoreRecord(context.WithoutCancel(ctx), prev); rbErr != nil {
			s.haltRecord(id)
			s.log.WithError(rbErr).WithField("record", id).Error("rollback after failed audit append also failed")
			return fmt.Errorf("%w: record %s", ErrStorageInconsistent, id)
		}
		return fmt.Errorf("storage: update aborted, audit append failed: %w", err)
	}

	return nil
}

// Delete removes a record and audits the removal. Deleting a nonexistent
// record is a NotFound failure, itself audited.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return ErrStorageLocked
	}
	return s.deleteLocked(ctx, id, s.actorID)
}

// deleteLocked runs the delete state machine. The caller must hold s.mu
// read-locked with the store unlocked.
func (s *Store) deleteLocked(ctx context.Context, id, actorID string) error {
	unlock := s.locks.lock(id)
	defer unlock()

	if s.isHalted(id) {
		return ErrStorageInconsistent
	}

	// Locating. The full row is fetched so a failed audit append can
	// reinstate it.
	row, err := s.fetchRecord(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.auditFailure(ctx, actorID, audit.ActionDelete, id, "record not found")
			return ErrRecordNotFound
		}
		return fmt.Errorf("storage: failed to fetch record: %w", err)
	}

	// Removing
	err = retryIO(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, "DELETE FROM records WHERE id = ?", id)
		return execErr
	})
	if err != nil {
		s.auditFailure(ctx, actorID, audit.ActionDelete, id, "remove failed: "+err.Error())
		return fmt.Errorf("storage: failed to remove record: %w", err)
	}

	// AuditRecorded
	if err := s.auditObligation(ctx, actorID, audit.ActionDelete, id, audit.Success()); err != nil {
		if rbErr := s.restoreRecord(context.WithoutCancel(ctx), row); rbErr != nil {
			s.haltRecord(id)
			s.log.WithError(rbErr).WithField("record", id).Error("reinstate after failed audit append also failed")
			return fmt.Errorf("%w: record %s", ErrStorageInconsistent, id)
		}
		return fmt.Errorf("storage: delete aborted, audit append failed: %w", err)
	}

	return nil
}

// ListSubject returns summaries of all records for a subject in creation
// order, without decrypting any content.
func (s *Store) ListSubject(ctx context.Context, subjectID string) ([]RecordSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return nil, ErrStorageLocked
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, created_at, updated_at
		FROM records WHERE subject_id = ? ORDER BY created_at ASC`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list records: %w", err)
	}
	defer rows.Close()

	var summaries []RecordSummary
	for rows.Next() {
		var summary RecordSummary
		var createdAt, updatedAt string
		if err := rows.Scan(&summary.ID, &summary.SubjectID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: failed to read record summary: %w", err)
		}
		if summary.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("%w: bad created_at on %s", ErrStorageCorrupted, summary.ID)
		}
		if summary.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("%w: bad updated_at on %s", ErrStorageCorrupted, summary.ID)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Subjects returns the distinct subject ids that currently have records,
// sorted ascending.
func (s *Store) Subjects(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return nil, ErrStorageLocked
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT subject_id FROM records ORDER BY subject_id ASC")
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("storage: failed to read subject id: %w", err)
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

// recordRow is the raw persisted form of a record.
type recordRow struct {
	id         string
	subjectID  string
	nonce      []byte
	ciphertext []byte
	checksum   string
	meta       compliance.Metadata
	createdAt  time.Time
	updatedAt  time.Time
}

// fetchRecord reads a full record row, retrying transient I/O.
// Returns sql.ErrNoRows (wrapped) when the id does not exist.
func (s *Store) fetchRecord(ctx context.Context, id string) (*recordRow, error) {
	var row recordRow
	var consentObtained, dataMinimization, deidentified, legalHold int
	var consentTS sql.NullString
	var createdAt, updatedAt string

	err := retryIO(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, subject_id, nonce, ciphertext, checksum,
				consent_obtained, consent_timestamp, data_minimization,
				retention_days, professional_order_id, deidentified, legal_hold,
				created_at, updated_at
			FROM records WHERE id = ?`, id,
		).Scan(
			&row.id, &row.subjectID, &row.nonce, &row.ciphertext, &row.checksum,
			&consentObtained, &consentTS, &dataMinimization,
			&row.meta.RetentionPeriodDays, &row.meta.ProfessionalOrderID, &deidentified, &legalHold,
			&createdAt, &updatedAt,
		)
	})
	if err != nil {
		return nil, err
	}

	row.meta.ConsentObtained = consentObtained != 0
	row.meta.DataMinimizationApplied = dataMinimization != 0
	row.meta.Deidentified = deidentified != 0
	row.meta.LegalHold = legalHold != 0

	if consentTS.Valid && consentTS.String != "" {
		ts, err := time.Parse(timeLayout, consentTS.String)
		if err != nil {
			return nil, fmt.Errorf("%w: bad consent_timestamp on %s", ErrStorageCorrupted, id)
		}
		row.meta.ConsentTimestamp = &ts
	}
	if row.createdAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("%w: bad created_at on %s", ErrStorageCorrupted, id)
	}
	if row.updatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("%w: bad updated_at on %s", ErrStorageCorrupted, id)
	}

	return &row, nil
}

// restoreRecord reinstates a previously fetched row, used as the
// compensating rollback when an audit append fails after a mutation.
func (s *Store) restoreRecord(ctx context.Context, row *recordRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (
			id, subject_id, nonce, ciphertext, checksum,
			consent_obtained, consent_timestamp, data_minimization,
			retention_days, professional_order_id, deidentified, legal_hold,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			checksum = excluded.checksum,
			consent_obtained = excluded.consent_obtained,
			consent_timestamp = excluded.consent_timestamp,
			data_minimization = excluded.data_minimization,
			retention_days = excluded.retention_days,
			professional_order_id = excluded.professional_order_id,
			deidentified = excluded.deidentified,
			legal_hold = excluded.legal_hold,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		row.id, row.subjectID, row.nonce, row.ciphertext, row.checksum,
		boolInt(row.meta.ConsentObtained), nullableTime(row.meta.ConsentTimestamp),
		boolInt(row.meta.DataMinimizationApplied), row.meta.RetentionPeriodDays,
		row.meta.ProfessionalOrderID, boolInt(row.meta.Deidentified), boolInt(row.meta.LegalHold),
		row.createdAt.Format(timeLayout), row.updatedAt.Format(timeLayout),
	)
	return err
}

// auditObligation appends an entry that must exist for the operation to
// stand. It runs under a non-cancellable context and retries a bounded
// number of times: the audit obligation takes precedence over caller
// cancellation, per the append-before-surface discipline.
func (s *Store) auditObligation(ctx context.Context, actorID, action, target string, outcome audit.Outcome) error {
	obCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= auditRetryAttempts; attempt++ {
		if _, err = s.audit.Append(obCtx, actorID, action, target, outcome); err == nil {
			return nil
		}
		s.log.WithError(err).WithFields(map[string]interface{}{
			"action":  action,
			"record":  target,
			"attempt": attempt,
		}).Warn("audit append failed")
		if attempt < auditRetryAttempts {
			time.Sleep(time.Duration(attempt) * 50 * time.Millisecond)
		}
	}
	return err
}

// auditFailure records a failure entry for an operation that is about to
// surface its own error. The entry is appended with the same bounded-retry
// obligation; if the sink stays unreachable the original error still
// surfaces, and the append failure is logged.
func (s *Store) auditFailure(ctx context.Context, actorID, action, target, reason string) {
	if err := s.auditObligation(ctx, actorID, action, target, audit.Failure(reason)); err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{
			"action": action,
			"record": target,
		}).Error("failed to record failure audit entry")
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
