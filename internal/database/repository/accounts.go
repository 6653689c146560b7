package repository

import (
	"context"
	"database/sql"
	"time"
)

// AccountRepo handles accounts.
type AccountRepo struct {
	db *sql.DB
}

func NewAccountRepo(db *sql.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

const accountColumns = `id, user_id, institution_id, institution_name, account_type,
 balance_cents, currency, available_cents, access_token, is_active,
 last_updated, deactivated_at, created_at, updated_at`

func (r *AccountRepo) Upsert(ctx context.Context, a Account) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(id, user_id, institution_id, institution_name, account_type,
	 balance_cents, currency, available_cents, access_token, is_active,
	 last_updated, deactivated_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	ON CONFLICT(id) DO UPDATE SET
	 user_id=excluded.user_id,
	 institution_id=excluded.institution_id,
	 institution_name=excluded.institution_name,
	 account_type=excluded.account_type,
	 access_token=excluded.access_token,
	 updated_at=CURRENT_TIMESTAMP;
	`, a.ID, a.UserID, a.InstitutionID, a.InstitutionName, a.AccountType,
		a.BalanceCents, a.Currency, a.AvailableCents, a.AccessToken, a.IsActive,
		a.LastUpdated, a.DeactivatedAt)
	return err
}

func (r *AccountRepo) Get(ctx context.Context, id string) (*Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepo) ListByUser(ctx context.Context, userID string) ([]Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = ? ORDER BY institution_name, id`, userID)
}

func (r *AccountRepo) ListActiveByUser(ctx context.Context, userID string) ([]Account, error) {
	return r.list(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = ? AND is_active = 1 ORDER BY institution_name, id`, userID)
}

// UpdateBalance writes a confirmed remote balance and advances last_updated.
// It is the only writer of last_updated, so the timestamp moves forward only
// when a balance write actually commits.
func (r *AccountRepo) UpdateBalance(ctx context.Context, id string, balanceCents int64, availableCents *int64, asOf time.Time) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE accounts SET balance_cents = ?, available_cents = ?, last_updated = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, balanceCents, availableCents, asOf, id)
	return err
}

// SetActive flips the active flag. Deactivation records when it happened so
// the reconciler can honor a recent explicit user action over remote state.
func (r *AccountRepo) SetActive(ctx context.Context, id string, active bool, at time.Time) error {
	if active {
		_, err := r.db.ExecContext(ctx, `UPDATE accounts SET is_active = 1, deactivated_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE accounts SET is_active = 0, deactivated_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, at, id)
	return err
}

func (r *AccountRepo) list(ctx context.Context, query string, args ...interface{}) ([]Account, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var available sql.NullInt64
	var token sql.NullString
	var active int
	var lastUpdated, deactivated sql.NullTime
	if err := row.Scan(&a.ID, &a.UserID, &a.InstitutionID, &a.InstitutionName, &a.AccountType,
		&a.BalanceCents, &a.Currency, &available, &token, &active,
		&lastUpdated, &deactivated, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return Account{}, err
	}
	a.IsActive = active == 1
	if available.Valid {
		a.AvailableCents = &available.Int64
	}
	if token.Valid {
		a.AccessToken = &token.String
	}
	if lastUpdated.Valid {
		a.LastUpdated = &lastUpdated.Time
	}
	if deactivated.Valid {
		a.DeactivatedAt = &deactivated.Time
	}
	return a, nil
}
