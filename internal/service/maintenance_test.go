package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jask/jasksync/internal/database/repository"
)

func seedReview(t *testing.T, store *testStore, status string) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, store.reviews.Add(context.Background(), repository.ManualReview{
		ID:           id,
		AccountID:    "a1",
		ConflictType: string(ConflictDuplicateTransaction),
		LocalJSON:    "{}",
		RemoteJSON:   "{}",
		Status:       status,
	}))
	return id
}

func TestResetWipesSyncedData(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)
	txDate := time.Now().UTC().AddDate(0, 0, -1)
	require.NoError(t, store.transactions.Insert(ctx, localTx("t1", "a1", -500, "COFFEE", txDate.Format(time.DateOnly))))
	seedReview(t, store, "pending")

	m := &MaintenanceService{DB: store.db}
	require.NoError(t, m.Reset(ctx))

	acct, err := store.accounts.Get(ctx, "a1")
	require.NoError(t, err)
	require.Nil(t, acct)

	tx, err := store.transactions.Get(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, tx)

	pending, err := store.reviews.ListPending(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPurgeResolvedReviewsKeepsPending(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)
	pendingID := seedReview(t, store, "pending")
	resolvedID := seedReview(t, store, "resolved")

	m := &MaintenanceService{DB: store.db}

	// negative retention puts the cutoff in the future, expiring everything resolved
	purged, err := m.PurgeResolvedReviews(ctx, -time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), purged)

	gone, err := store.reviews.Get(ctx, resolvedID)
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := store.reviews.Get(ctx, pendingID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}

func TestPurgeResolvedReviewsHonorsRetention(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)
	resolvedID := seedReview(t, store, "resolved")

	m := &MaintenanceService{DB: store.db}
	purged, err := m.PurgeResolvedReviews(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, purged)

	kept, err := store.reviews.Get(ctx, resolvedID)
	require.NoError(t, err)
	require.NotNil(t, kept)
}
