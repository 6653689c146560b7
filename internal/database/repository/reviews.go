package repository

import (
	"context"
	"database/sql"
)

// ReviewRepo handles the manual-review queue for conflicts the engine could
// not resolve automatically.
type ReviewRepo struct{ db *sql.DB }

func NewReviewRepo(db *sql.DB) *ReviewRepo { return &ReviewRepo{db: db} }

func (r *ReviewRepo) Add(ctx context.Context, m ManualReview) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO manual_reviews(
	 id, account_id, conflict_type, local_json, remote_json, status, created_at)
	VALUES(?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, m.ID, m.AccountID, m.ConflictType, m.LocalJSON, m.RemoteJSON, m.Status)
	return err
}

func (r *ReviewRepo) ListPending(ctx context.Context) ([]ManualReview, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, account_id, conflict_type, local_json, remote_json, status, created_at FROM manual_reviews WHERE status='pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ManualReview
	for rows.Next() {
		var m ManualReview
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ConflictType, &m.LocalJSON, &m.RemoteJSON, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *ReviewRepo) UpdateStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE manual_reviews SET status = ? WHERE id = ?`, status, id)
	return err
}

func (r *ReviewRepo) Get(ctx context.Context, id string) (*ManualReview, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, account_id, conflict_type, local_json, remote_json, status, created_at FROM manual_reviews WHERE id = ?`, id)
	var m ManualReview
	if err := row.Scan(&m.ID, &m.AccountID, &m.ConflictType, &m.LocalJSON, &m.RemoteJSON, &m.Status, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}
