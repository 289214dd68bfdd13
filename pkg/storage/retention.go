package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// SweepExpired deletes every record whose retention period has elapsed and
// that carries no legal hold. Each expired record goes through the normal
// delete state machine with actor "system-retention", so every purge is
// audited like any other delete. Returns the number of records purged.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key == nil {
		return 0, ErrStorageLocked
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, retention_days, created_at FROM records WHERE legal_hold = 0")
	if err != nil {
		return 0, fmt.Errorf("storage: failed to scan for expired records: %w", err)
	}

	now := time.Now().UTC()
	var expired []string
	for rows.Next() {
		var id, createdAt string
		var retentionDays int
		if err := rows.Scan(&id, &retentionDays, &createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: failed to read retention row: %w", err)
		}
		created, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("%w: bad created_at on %s", ErrStorageCorrupted, id)
		}
		if now.Sub(created) > time.Duration(retentionDays)*24*time.Hour {
			expired = append(expired, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("storage: failed to scan for expired records: %w", err)
	}
	rows.Close()

	purged := 0
	for _, id := range expired {
		if err := s.deleteLocked(ctx, id, ActorRetention); err != nil {
			s.log.WithError(err).WithField("record", id).Error("retention purge failed")
			continue
		}
		purged++
	}

	if purged > 0 {
		s.log.WithFields(logrus.Fields{"purged": purged, "candidates": len(expired)}).
			Info("retention sweep completed")
	}
	return purged, nil
}

// StartRetentionSweep runs SweepExpired on the given interval until ctx is
// cancelled. The sweep is background work; failures are logged, never
// surfaced to a caller.
func (s *Store) StartRetentionSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.log.WithError(err).Error("retention sweep failed")
				}
			}
		}
	}()
}
