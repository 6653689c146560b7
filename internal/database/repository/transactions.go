package repository

import (
	"context"
	"database/sql"
	"time"
)

// TransactionRepo handles transactions.
type TransactionRepo struct {
	db *sql.DB
}

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

const transactionColumns = `id, account_id, amount_cents, currency, description, category,
 date, merchant_name, is_recurring, created_at, updated_at`

func (r *TransactionRepo) Insert(ctx context.Context, t Transaction) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO transactions(
	 id, account_id, amount_cents, currency, description, category,
	 date, merchant_name, is_recurring, created_at, updated_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`,
		t.ID, t.AccountID, t.AmountCents, t.Currency, t.Description, t.Category,
		t.Date, t.MerchantName, t.IsRecurring)
	return err
}

func (r *TransactionRepo) Get(ctx context.Context, id string) (*Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// FindByAccountAndDateRange returns the account's transactions with
// start <= date < end, the window the syncer diffs against.
func (r *TransactionRepo) FindByAccountAndDateRange(ctx context.Context, accountID string, start, end time.Time) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+transactionColumns+` FROM transactions
	WHERE account_id = ? AND date >= ? AND date < ?
	ORDER BY date DESC, created_at DESC`, accountID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// FindDuplicates returns transactions on the same account with the same
// amount dated within the given calendar day, used to catch the aggregator
// re-issuing a transaction under a new id.
func (r *TransactionRepo) FindDuplicates(ctx context.Context, accountID string, amountCents int64, day time.Time) ([]Transaction, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	rows, err := r.db.QueryContext(ctx, `
	SELECT `+transactionColumns+` FROM transactions
	WHERE account_id = ? AND amount_cents = ? AND date >= ? AND date < ?`, accountID, amountCents, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ApplyRemote overwrites the mutable remote-owned fields of a stored
// transaction. It is the only money-field mutator and is reached solely
// through a USE_REMOTE conflict resolution.
func (r *TransactionRepo) ApplyRemote(ctx context.Context, id string, amountCents int64, description string, merchantName *string) error {
	_, err := r.db.ExecContext(ctx, `
	UPDATE transactions SET amount_cents = ?, description = ?, merchant_name = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?`, amountCents, description, merchantName, id)
	return err
}

func (r *TransactionRepo) UpdateCategory(ctx context.Context, id string, category *string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET category = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, category, id)
	return err
}

func (r *TransactionRepo) SetRecurring(ctx context.Context, id string, recurring bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE transactions SET is_recurring = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, recurring, id)
	return err
}

// scanTransaction handles nullable fields for both Row and Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (Transaction, error) {
	var t Transaction
	var category, merchant sql.NullString
	var recurring int
	if err := row.Scan(&t.ID, &t.AccountID, &t.AmountCents, &t.Currency, &t.Description, &category,
		&t.Date, &merchant, &recurring, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Transaction{}, err
	}
	if category.Valid {
		t.Category = &category.String
	}
	if merchant.Valid {
		t.MerchantName = &merchant.String
	}
	t.IsRecurring = recurring == 1
	return t, nil
}
