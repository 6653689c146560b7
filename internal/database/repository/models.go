package repository

import "time"

// Account represents an account row. Balance and LastUpdated are mutated
// only by the sync engine; IsActive flips only on user action or a resolved
// status-change conflict.
type Account struct {
	ID              string
	UserID          string
	InstitutionID   string
	InstitutionName string
	AccountType     string
	BalanceCents    int64
	Currency        string
	AvailableCents  *int64
	AccessToken     *string
	IsActive        bool
	LastUpdated     *time.Time
	DeactivatedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Transaction represents a transaction row. The id and money fields are
// immutable after insert except through conflict resolution; only category
// and the recurring flag are user-mutable.
type Transaction struct {
	ID           string
	AccountID    string
	AmountCents  int64
	Currency     string
	Description  string
	Category     *string
	Date         time.Time
	MerchantName *string
	IsRecurring  bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ManualReview represents a conflict that could not be auto-resolved and
// awaits human adjudication.
type ManualReview struct {
	ID           string
	AccountID    string
	ConflictType string
	LocalJSON    string
	RemoteJSON   string
	Status       string
	CreatedAt    time.Time
}
