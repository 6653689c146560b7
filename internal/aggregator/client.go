package aggregator

import (
	"context"
	"time"
)

// Client defines the narrow surface of the bank-data aggregator consumed by
// the sync engine. All calls are remote and fallible; callers wrap them in
// a retry policy.
type Client interface {
	GetBalances(ctx context.Context, credential string) ([]Balance, error)
	GetTransactions(ctx context.Context, credential string, start, end time.Time, accountIDs []string) ([]Transaction, error)
	GetItem(ctx context.Context, credential string) (ItemStatus, error)
}

// Balance is the aggregator's view of one account's balance.
type Balance struct {
	AccountID      string    `json:"account_id"`
	CurrentCents   int64     `json:"current"`
	AvailableCents *int64    `json:"available"`
	Currency       string    `json:"currency"`
	Active         bool      `json:"active"`
	AsOf           time.Time `json:"as_of"`
}

// Transaction is the aggregator's view of one transaction.
type Transaction struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	AmountCents  int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Description  string    `json:"description"`
	Category     *string   `json:"category"`
	Date         time.Time `json:"date"`
	MerchantName *string   `json:"merchant_name"`
}

// ItemStatus reports the health of one linked institution connection.
type ItemStatus struct {
	ItemID       string  `json:"item_id"`
	Status       string  `json:"status"` // "ok", "login_required", "error"
	ErrorCode    *string `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

// StatusLoginRequired is the item status signalling the user must
// reauthorize the connection.
const StatusLoginRequired = "login_required"
