package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jask/jasksync/internal/aggregator"
	"github.com/jask/jasksync/internal/notify"
)

// captureDeliverer records every delivered event for assertions.
type captureDeliverer struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureDeliverer) Deliver(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureDeliverer) byType(t notify.EventType) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *captureDeliverer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func testOrchestrator(store *testStore, agg aggregator.Client, deliverer notify.Deliverer) *Orchestrator {
	status := NewStatusTracker()
	dispatcher := &notify.Dispatcher{Deliverer: deliverer, Log: zerolog.Nop()}
	return NewOrchestrator(store.accounts, testSyncer(store, agg, status), status, dispatcher, zerolog.Nop())
}

func TestSyncAllAccountsAggregatesResults(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)
	seedAccount(t, store, "a2", "u1", 50000, nil)
	seedAccount(t, store, "a3", "u1", 20000, nil)

	fake := &fakeAggregator{balances: []aggregator.Balance{
		activeBalance("a1", 110000),
		activeBalance("a2", 51000),
		activeBalance("a3", 19000),
	}}
	deliverer := &captureDeliverer{}
	o := testOrchestrator(store, fake, deliverer)

	res, err := o.SyncAllAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 3, res.Counters.AccountsUpdated)

	require.Len(t, deliverer.byType(notify.EventSyncCompleted), 1)
}

func TestIncrementalSyncSkipsFreshAccounts(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	fresh := time.Now().UTC().Add(-time.Minute)
	seedAccount(t, store, "a-fresh", "u1", 100000, &fresh)
	seedAccount(t, store, "a-stale", "u1", 50000, nil)

	fake := &fakeAggregator{balances: []aggregator.Balance{
		activeBalance("a-fresh", 999999),
		activeBalance("a-stale", 51000),
	}}
	deliverer := &captureDeliverer{}
	o := testOrchestrator(store, fake, deliverer)

	res, err := o.IncrementalSync(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 1, res.Counters.AccountsUpdated)

	acct, err := store.accounts.Get(ctx, "a-fresh")
	require.NoError(t, err)
	require.Equal(t, int64(100000), acct.BalanceCents, "fresh account is not touched")

	balanceCalls, _ := fake.calls()
	require.Equal(t, 1, balanceCalls)
}

func TestSyncAllAccountsRejectsConcurrentForegroundSync(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)

	inFlight := make(chan struct{})
	var once sync.Once
	fake := &fakeAggregator{
		balances:          []aggregator.Balance{activeBalance("a1", 100000)},
		blockTransactions: true,
		onTransactions:    func() { once.Do(func() { close(inFlight) }) },
	}
	o := testOrchestrator(store, fake, &captureDeliverer{})

	done := make(chan *SyncResult, 1)
	go func() {
		res, _ := o.SyncAllAccounts(context.Background(), "u1")
		done <- res
	}()

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached the aggregator")
	}

	_, err := o.SyncAllAccounts(context.Background(), "u1")
	require.Error(t, err)

	o.CancelSync("u1")
	select {
	case res := <-done:
		require.True(t, res.Cancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled sync never returned")
	}
}

func TestCancelSyncStopsInFlightWorkAndKeepsCommittedWrites(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)

	inFlight := make(chan struct{})
	var once sync.Once
	fake := &fakeAggregator{
		balances:          []aggregator.Balance{activeBalance("a1", 125000)},
		blockTransactions: true,
		onTransactions:    func() { once.Do(func() { close(inFlight) }) },
	}
	deliverer := &captureDeliverer{}
	o := testOrchestrator(store, fake, deliverer)

	done := make(chan *SyncResult, 1)
	go func() {
		res, _ := o.SyncAllAccounts(context.Background(), "u1")
		done <- res
	}()

	select {
	case <-inFlight:
	case <-time.After(5 * time.Second):
		t.Fatal("sync never reached the aggregator")
	}
	o.CancelSync("u1")

	var res *SyncResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled sync never returned")
	}

	require.True(t, res.Cancelled)
	require.Equal(t, 1, res.Counters.AccountsUpdated, "balance write committed before cancellation")

	st, ok := o.Status.Get("a1")
	require.True(t, ok)
	require.Equal(t, StateCancelled, st.State)

	acct, err := store.accounts.Get(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, int64(125000), acct.BalanceCents)

	require.Zero(t, deliverer.count(), "cancelled syncs notify nothing")
}

func TestRateLimitCooldownPostponesNextSync(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)

	fake := &fakeAggregator{
		balanceErr: &aggregator.APIError{StatusCode: 429, Message: "slow down"},
		txErr:      &aggregator.APIError{StatusCode: 429, Message: "slow down"},
	}
	deliverer := &captureDeliverer{}
	o := testOrchestrator(store, fake, deliverer)
	o.RateLimitCooldown = time.Hour

	first, err := o.SyncAllAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, ResultFailure, first.Kind)

	balancesBefore, txsBefore := fake.calls()

	second, err := o.SyncAllAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, second.Kind)
	require.Equal(t, Counters{}, second.Counters)

	balancesAfter, txsAfter := fake.calls()
	require.Equal(t, balancesBefore, balancesAfter, "postponed sync must not call the aggregator")
	require.Equal(t, txsBefore, txsAfter)

	require.NotEmpty(t, deliverer.byType(notify.EventSyncDelayed))
}

func TestSyncTransactionsTargetedResync(t *testing.T) {
	t.Parallel()
	ctx, cancel := testContext(t)
	defer cancel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)

	txDate := time.Now().UTC().AddDate(0, 0, -40).Truncate(24 * time.Hour)
	fake := &fakeAggregator{transactions: []aggregator.Transaction{{
		ID:          "t-backfill",
		AccountID:   "a1",
		AmountCents: -3000,
		Currency:    "USD",
		Description: "OLD PURCHASE",
		Date:        txDate,
	}}}
	o := testOrchestrator(store, fake, &captureDeliverer{})

	res, err := o.SyncTransactions(ctx, "a1", txDate.AddDate(0, 0, -1), txDate.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Equal(t, ResultSuccess, res.Kind)
	require.Equal(t, 1, res.Counters.TransactionsAdded)

	got, err := store.transactions.Get(ctx, "t-backfill")
	require.NoError(t, err)
	require.NotNil(t, got)

	balanceCalls, _ := fake.calls()
	require.Zero(t, balanceCalls, "targeted resync does not touch balances")
}

func TestScheduleBackgroundSyncRunsAndStops(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	seedAccount(t, store, "a1", "u1", 100000, nil)

	fake := &fakeAggregator{balances: []aggregator.Balance{activeBalance("a1", 105000)}}
	o := testOrchestrator(store, fake, &captureDeliverer{})

	o.ScheduleBackgroundSync("u1", 20*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if calls, _ := fake.calls(); calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background sync never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	o.StopBackgroundSync("u1")
	o.StopBackgroundSync("u1") // idempotent

	callsAtStop, _ := fake.calls()
	time.Sleep(100 * time.Millisecond)
	callsAfter, _ := fake.calls()
	require.LessOrEqual(t, callsAfter, callsAtStop+1, "no new cycles after stop")
}
