package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jask/jasksync/internal/database/repository"
	"github.com/jask/jasksync/internal/notify"
)

// Orchestrator coordinates account syncers across all of a user's accounts:
// bounded fan-out, per-account mutual exclusion, background scheduling and
// cancellation.
type Orchestrator struct {
	Accounts   *repository.AccountRepo
	Syncer     *AccountSyncer
	Status     *StatusTracker
	Dispatcher *notify.Dispatcher
	Log        zerolog.Logger

	Concurrency        int
	Staleness          time.Duration
	BackgroundInterval time.Duration
	RateLimitCooldown  time.Duration

	mu            sync.Mutex
	accountLocks  map[string]*sync.Mutex
	foreground    map[string]context.CancelFunc
	background    map[string]context.CancelFunc
	cooldownUntil map[string]time.Time
}

func NewOrchestrator(accounts *repository.AccountRepo, syncer *AccountSyncer, status *StatusTracker, dispatcher *notify.Dispatcher, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Accounts:           accounts,
		Syncer:             syncer,
		Status:             status,
		Dispatcher:         dispatcher,
		Log:                log.With().Str("component", "orchestrator").Logger(),
		Concurrency:        4,
		Staleness:          15 * time.Minute,
		BackgroundInterval: time.Hour,
		RateLimitCooldown:  30 * time.Minute,
		accountLocks:       make(map[string]*sync.Mutex),
		foreground:         make(map[string]context.CancelFunc),
		background:         make(map[string]context.CancelFunc),
		cooldownUntil:      make(map[string]time.Time),
	}
}

// SyncAllAccounts synchronizes every active account of the user and
// aggregates the per-account results into one combined result. Per-account
// completion order is unspecified; only the aggregate counters are
// authoritative.
func (o *Orchestrator) SyncAllAccounts(ctx context.Context, userID string) (*SyncResult, error) {
	return o.syncUser(ctx, userID, false)
}

// IncrementalSync is SyncAllAccounts restricted to accounts whose
// last_updated is older than the staleness threshold, bounding redundant
// aggregator calls.
func (o *Orchestrator) IncrementalSync(ctx context.Context, userID string) (*SyncResult, error) {
	return o.syncUser(ctx, userID, true)
}

// SyncTransactions is the explicit targeted-resync entry point for one
// account and date range.
func (o *Orchestrator) SyncTransactions(ctx context.Context, accountID string, start, end time.Time) (*SyncResult, error) {
	lock := o.lockFor(accountID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("account %s: sync already in progress", accountID)
	}
	defer lock.Unlock()
	return o.Syncer.SyncTransactions(ctx, accountID, start, end), nil
}

func (o *Orchestrator) syncUser(ctx context.Context, userID string, incremental bool) (*SyncResult, error) {
	started := time.Now()

	if until, ok := o.cooldown(userID); ok {
		o.Log.Info().Str("user", userID).Time("until", until).Msg("sync postponed by rate-limit cool-down")
		o.Dispatcher.SyncPostponed(ctx, userID, until)
		return &SyncResult{Kind: ResultSuccess, Duration: time.Since(started)}, nil
	}

	ctx, cancel, err := o.registerForeground(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer o.releaseForeground(userID, cancel)

	accounts, err := o.Accounts.ListActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list accounts for %s: %w", userID, err)
	}

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	o.Status.Register(userID, ids...)

	if incremental {
		accounts = o.staleOnly(accounts)
	}

	var (
		resMu   sync.Mutex
		results []*SyncResult
	)
	g := &errgroup.Group{}
	g.SetLimit(o.limit())
	for _, a := range accounts {
		accountID := a.ID
		g.Go(func() error {
			if ctx.Err() != nil {
				// cancelled before this task started; spawn nothing further
				return nil
			}
			lock := o.lockFor(accountID)
			if !lock.TryLock() {
				o.Log.Debug().Str("account", accountID).Msg("skipping account already being synced")
				return nil
			}
			defer lock.Unlock()

			res := o.Syncer.SyncAccount(ctx, accountID)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	combined := o.combine(results, ctx.Err() != nil, started)
	o.applyRateLimitCooldown(ctx, userID, combined)
	o.dispatch(ctx, userID, combined)
	return combined, nil
}

// ScheduleBackgroundSync starts a periodic incremental sync for the user.
// Starting a new schedule implicitly cancels the previous one.
func (o *Orchestrator) ScheduleBackgroundSync(userID string, interval time.Duration) {
	if interval <= 0 {
		interval = o.BackgroundInterval
	}

	o.mu.Lock()
	if cancel, ok := o.background[userID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.background[userID] = cancel
	o.mu.Unlock()

	o.Log.Info().Str("user", userID).Dur("interval", interval).Msg("background sync scheduled")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := o.IncrementalSync(ctx, userID); err != nil {
					o.Log.Warn().Err(err).Str("user", userID).Msg("background sync cycle failed")
				}
			}
		}
	}()
}

// StopBackgroundSync cancels the user's background schedule. Idempotent.
func (o *Orchestrator) StopBackgroundSync(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.background[userID]; ok {
		cancel()
		delete(o.background, userID)
		o.Log.Info().Str("user", userID).Msg("background sync stopped")
	}
}

// CancelSync cancels any foreground sync currently in flight for the user.
// In-flight account tasks observe the cancellation and report CANCELLED
// without discarding writes that already committed.
func (o *Orchestrator) CancelSync(userID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, ok := o.foreground[userID]; ok {
		cancel()
		delete(o.foreground, userID)
		o.Log.Info().Str("user", userID).Msg("sync cancelled")
	}
}

func (o *Orchestrator) registerForeground(ctx context.Context, userID string) (context.Context, context.CancelFunc, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.foreground[userID]; ok {
		return nil, nil, fmt.Errorf("user %s: sync already in progress", userID)
	}
	ctx, cancel := context.WithCancel(ctx)
	o.foreground[userID] = cancel
	return ctx, cancel, nil
}

func (o *Orchestrator) releaseForeground(userID string, cancel context.CancelFunc) {
	cancel()
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.foreground, userID)
}

func (o *Orchestrator) lockFor(accountID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.accountLocks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		o.accountLocks[accountID] = lock
	}
	return lock
}

func (o *Orchestrator) cooldown(userID string) (time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.cooldownUntil[userID]
	if !ok || time.Now().After(until) {
		delete(o.cooldownUntil, userID)
		return time.Time{}, false
	}
	return until, true
}

func (o *Orchestrator) applyRateLimitCooldown(ctx context.Context, userID string, res *SyncResult) {
	for _, se := range res.Errors {
		if se.Kind == ErrRateLimit {
			until := time.Now().Add(o.RateLimitCooldown)
			o.mu.Lock()
			o.cooldownUntil[userID] = until
			o.mu.Unlock()
			o.Log.Warn().Str("user", userID).Time("until", until).Msg("aggregator rate limit hit, backing off user")
			return
		}
	}
}

func (o *Orchestrator) staleOnly(accounts []repository.Account) []repository.Account {
	cutoff := time.Now().UTC().Add(-o.Staleness)
	out := accounts[:0]
	for _, a := range accounts {
		if a.LastUpdated == nil || a.LastUpdated.Before(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

func (o *Orchestrator) limit() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 1
}

// combine folds the per-account results into one user-level result.
func (o *Orchestrator) combine(results []*SyncResult, cancelled bool, started time.Time) *SyncResult {
	var counters Counters
	var errs []*SyncError
	failures := 0
	for _, r := range results {
		counters.add(r.Counters)
		errs = append(errs, r.Errors...)
		if r.Kind == ResultFailure {
			failures++
		}
		if r.Cancelled {
			cancelled = true
		}
	}
	return finalize(counters, errs, failures, len(results), cancelled, started)
}

func (o *Orchestrator) dispatch(ctx context.Context, userID string, res *SyncResult) {
	problems := make([]notify.Problem, 0, len(res.Errors))
	for _, se := range res.Errors {
		problems = append(problems, notify.Problem{
			Kind:      string(se.Kind),
			AccountID: se.AccountID,
			Message:   se.Message,
		})
	}
	o.Dispatcher.DispatchSync(ctx, userID, notify.Summary{
		Kind:                string(res.Kind),
		AccountsUpdated:     res.Counters.AccountsUpdated,
		TransactionsAdded:   res.Counters.TransactionsAdded,
		TransactionsUpdated: res.Counters.TransactionsUpdated,
		ConflictsResolved:   res.Counters.ConflictsResolved,
		Cancelled:           res.Cancelled,
		Duration:            res.Duration,
	}, problems)
}
