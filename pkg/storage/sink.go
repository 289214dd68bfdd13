package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// auditSink persists audit entries in the audit_entries table, one row per
// sequence number. Rows are only ever inserted; the primary key constraint
// rejects a duplicate sequence, so a concurrent writer can never silently
// overwrite an entry.
type auditSink struct {
	db *sql.DB
}

func (s *auditSink) Append(ctx context.Context, seq int64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO audit_entries (seq, entry) VALUES (?, ?)", seq, data)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry %d: %w", seq, err)
	}
	return nil
}

func (s *auditSink) Scan(ctx context.Context, fn func(seq int64, data []byte) error) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, entry FROM audit_entries ORDER BY seq ASC")
	if err != nil {
		return fmt.Errorf("failed to scan audit entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return fmt.Errorf("failed to read audit entry: %w", err)
		}
		if err := fn(seq, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *auditSink) Last(ctx context.Context) (int64, []byte, bool, error) {
	var seq int64
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT seq, entry FROM audit_entries ORDER BY seq DESC LIMIT 1").Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("failed to read last audit entry: %w", err)
	}
	return seq, data, true, nil
}
