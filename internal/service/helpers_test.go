package service

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jask/jasksync/internal/aggregator"
	"github.com/jask/jasksync/internal/database"
	"github.com/jask/jasksync/internal/database/repository"
)

// testStore bundles a migrated sqlite database and its repositories.
type testStore struct {
	db           *sql.DB
	accounts     *repository.AccountRepo
	transactions *repository.TransactionRepo
	reviews      *repository.ReviewRepo
}

func newTestStore(t *testing.T) *testStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	migrations, err := filepath.Abs("../database/migrations")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(dbPath, migrations))

	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &testStore{
		db:           db,
		accounts:     repository.NewAccountRepo(db),
		transactions: repository.NewTransactionRepo(db),
		reviews:      repository.NewReviewRepo(db),
	}
}

func strptr(s string) *string { return &s }

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func seedAccount(t *testing.T, store *testStore, id, userID string, balanceCents int64, lastUpdated *time.Time) repository.Account {
	t.Helper()
	a := repository.Account{
		ID:              id,
		UserID:          userID,
		InstitutionID:   "inst-1",
		InstitutionName: "Test Bank",
		AccountType:     "checking",
		BalanceCents:    balanceCents,
		Currency:        "USD",
		AccessToken:     strptr("tok-" + id),
		IsActive:        true,
		LastUpdated:     lastUpdated,
	}
	require.NoError(t, store.accounts.Upsert(context.Background(), a))
	return a
}

// fakeAggregator is a scriptable aggregator.Client.
type fakeAggregator struct {
	mu sync.Mutex

	balances     []aggregator.Balance
	transactions []aggregator.Transaction
	item         aggregator.ItemStatus

	balanceErr error
	txErr      error
	itemErr    error

	balanceCalls int
	txCalls      int
	itemCalls    int

	// onTransactions runs at the start of every GetTransactions call, before
	// any error or data is returned. Used to trigger cancellation mid-sync.
	onTransactions func()
	// blockTransactions makes GetTransactions wait for ctx cancellation.
	blockTransactions bool
}

func (f *fakeAggregator) GetBalances(ctx context.Context, credential string) ([]aggregator.Balance, error) {
	f.mu.Lock()
	f.balanceCalls++
	err := f.balanceErr
	out := append([]aggregator.Balance(nil), f.balances...)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAggregator) GetTransactions(ctx context.Context, credential string, start, end time.Time, accountIDs []string) ([]aggregator.Transaction, error) {
	f.mu.Lock()
	f.txCalls++
	err := f.txErr
	hook := f.onTransactions
	block := f.blockTransactions
	out := append([]aggregator.Transaction(nil), f.transactions...)
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (f *fakeAggregator) GetItem(ctx context.Context, credential string) (aggregator.ItemStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.itemCalls++
	if f.itemErr != nil {
		return aggregator.ItemStatus{}, f.itemErr
	}
	if f.item.Status == "" {
		return aggregator.ItemStatus{ItemID: "item-1", Status: "ok"}, nil
	}
	return f.item, nil
}

func (f *fakeAggregator) calls() (balances, txs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceCalls, f.txCalls
}

func testReconciler(store *testStore) *Reconciler {
	return &Reconciler{
		Reviews:           store.reviews,
		DeactivationGrace: time.Hour,
		SimilarityFloor:   0.4,
	}
}

func testSyncer(store *testStore, agg aggregator.Client, status *StatusTracker) *AccountSyncer {
	return &AccountSyncer{
		Accounts:     store.accounts,
		Transactions: store.transactions,
		Reconciler:   testReconciler(store),
		Aggregator:   agg,
		Retry:        RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		Status:       status,
		Window:       30 * 24 * time.Hour,
		Log:          zerolog.Nop(),
	}
}
