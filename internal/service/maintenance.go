package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jask/jasksync/internal/database"
)

// MaintenanceService houses destructive/ops actions on the sync store.
type MaintenanceService struct {
	DB *sql.DB
}

// Reset wipes all synced data. It keeps the schema intact so the engine can
// continue running and repopulate from the aggregator.
func (s *MaintenanceService) Reset(ctx context.Context) error {
	if s.DB == nil {
		return fmt.Errorf("maintenance: db not configured")
	}
	if err := database.WithTx(s.DB, func(tx *sql.Tx) error {
		tables := []string{
			"manual_reviews",
			"transactions",
			"accounts",
		}
		for _, t := range tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("reset table %s: %w", t, err)
			}
		}
		return nil
	}); err != nil {
		return err
	}
	_, _ = s.DB.ExecContext(ctx, "VACUUM")
	return nil
}

// PurgeResolvedReviews deletes non-pending manual reviews older than the
// retention period. Pending reviews are never purged.
func (s *MaintenanceService) PurgeResolvedReviews(ctx context.Context, retention time.Duration) (int64, error) {
	if s.DB == nil {
		return 0, fmt.Errorf("maintenance: db not configured")
	}
	// created_at is written by CURRENT_TIMESTAMP, so compare in its format
	cutoff := time.Now().UTC().Add(-retention).Format(time.DateTime)
	res, err := s.DB.ExecContext(ctx, `
	DELETE FROM manual_reviews
	WHERE status != 'pending' AND created_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge resolved reviews: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
