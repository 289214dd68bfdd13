package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caredesk/notevault/pkg/compliance"
)

// Sentinel errors returned by storage operations.
var (
	ErrStorageExists     = errors.New("storage: storage already initialized at this path")
	ErrStorageNotFound   = errors.New("storage: storage not found at this path")
	ErrStorageLocked     = errors.New("storage: storage is locked")
	ErrAlreadyUnlocked   = errors.New("storage: storage is already unlocked")
	ErrInvalidPassphrase = errors.New("storage: invalid passphrase")
	ErrSaltNotFound      = errors.New("storage: salt file not found")
	ErrStorageCorrupted  = errors.New("storage: storage is corrupted")
	ErrRecordNotFound    = errors.New("storage: record not found")
	ErrEmptySubjectID    = errors.New("storage: subject id must not be empty")

	// ErrStorageInconsistent indicates a persisted mutation and its audit
	// trail diverged and could not be reconciled. Writes to the affected
	// record are halted until operator remediation.
	ErrStorageInconsistent = errors.New("storage: record and audit trail diverged, writes halted pending operator remediation")
)

// ComplianceError carries every failed rule so the caller can correct the
// metadata and resubmit. It is the "fix your input" class of failure, as
// opposed to integrity failures (auth/checksum) and transient I/O.
type ComplianceError struct {
	Violations []compliance.Violation
}

func (e *ComplianceError) Error() string {
	codes := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		codes[i] = v.Code
	}
	return fmt.Sprintf("storage: compliance validation failed: %s", strings.Join(codes, ", "))
}
