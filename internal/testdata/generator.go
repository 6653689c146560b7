package testdata

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/jask/jasksync/internal/database/repository"
)

// Repos bundles the repositories used by Seed.
type Repos struct {
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
}

// Seed creates linked sample accounts and a month of transactions for the
// user, so the engine can be exercised without a live aggregator.
func Seed(ctx context.Context, repos Repos, userID string) error {
	accounts := []repository.Account{
		{
			ID:              uuid.NewString(),
			UserID:          userID,
			InstitutionID:   "ins_sample",
			InstitutionName: "Sample Bank",
			AccountType:     "checking",
			BalanceCents:    245_000,
			Currency:        "USD",
			AccessToken:     strptr("access-sample-" + uuid.NewString()),
			IsActive:        true,
		},
		{
			ID:              uuid.NewString(),
			UserID:          userID,
			InstitutionID:   "ins_sample",
			InstitutionName: "Sample Bank",
			AccountType:     "savings",
			BalanceCents:    1_200_000,
			Currency:        "USD",
			AccessToken:     strptr("access-sample-" + uuid.NewString()),
			IsActive:        true,
		},
	}
	for _, a := range accounts {
		if err := repos.Accounts.Upsert(ctx, a); err != nil {
			return fmt.Errorf("seed account: %w", err)
		}
	}

	merchants := []struct {
		desc     string
		merchant string
		category string
	}{
		{"UBER EATS* SUSHI", "Uber Eats", "Food"},
		{"AMAZON.COM*XYZ", "Amazon", "Shopping"},
		{"WHOLEFDS MKT 10293", "Whole Foods", "Groceries"},
		{"SPOTIFY P1X2Y3", "Spotify", "Subscriptions"},
		{"SHELL OIL 5749", "Shell", "Transport"},
	}

	now := time.Now().UTC()
	for i := 0; i < 24; i++ {
		m := merchants[rand.IntN(len(merchants))]
		amount := -int64(rand.IntN(20000) + 500)
		tx := repository.Transaction{
			ID:           uuid.NewString(),
			AccountID:    accounts[0].ID,
			AmountCents:  amount,
			Currency:     "USD",
			Description:  m.desc,
			Category:     strptr(m.category),
			Date:         now.AddDate(0, 0, -rand.IntN(28)),
			MerchantName: strptr(m.merchant),
		}
		if err := repos.Transactions.Insert(ctx, tx); err != nil {
			return fmt.Errorf("seed transaction: %w", err)
		}
	}

	// a monthly salary deposit so balances look plausible
	salary := repository.Transaction{
		ID:          uuid.NewString(),
		AccountID:   accounts[0].ID,
		AmountCents: 420_000,
		Currency:    "USD",
		Description: "SALARY ACME CORP",
		Category:    strptr("Income"),
		Date:        now.AddDate(0, 0, -14),
	}
	if err := repos.Transactions.Insert(ctx, salary); err != nil {
		return fmt.Errorf("seed salary: %w", err)
	}
	return nil
}

func strptr(s string) *string { return &s }
