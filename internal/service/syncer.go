package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jask/jasksync/internal/aggregator"
	"github.com/jask/jasksync/internal/database"
	"github.com/jask/jasksync/internal/database/repository"
)

// AccountSyncer reconciles one account against the aggregator: balance
// refresh first, then a trailing transaction window. The two phases fail
// independently; one failing phase degrades the result to partial success.
type AccountSyncer struct {
	Accounts     *repository.AccountRepo
	Transactions *repository.TransactionRepo
	Reconciler   *Reconciler
	Aggregator   aggregator.Client
	Retry        RetryPolicy
	Status       *StatusTracker
	Window       time.Duration
	Log          zerolog.Logger
}

// collector accumulates committed counters and classified errors across the
// phases of one sync pass.
type collector struct {
	counters Counters
	errs     []*SyncError
}

func (c *collector) fail(err *SyncError) {
	c.errs = append(c.errs, err)
}

// SyncAccount synchronizes a single account. Statuses flow
// SYNCING -> progress -> terminal; stores receive writes only for confirmed
// deltas, and counters reflect only committed writes even when cancelled
// mid-pass.
func (s *AccountSyncer) SyncAccount(ctx context.Context, accountID string) *SyncResult {
	started := time.Now()

	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return s.abort(accountID, newSyncError(ErrUnknown, accountID, "load account", err), started)
	}
	if acct == nil {
		return s.abort(accountID, newSyncError(ErrValidation, accountID, "account not found", nil), started)
	}
	token, authErr := s.credential(ctx, acct)
	if authErr != nil {
		return s.abort(accountID, authErr, started)
	}

	s.Status.UpdateAccountSyncStatus(accountID, StateSyncing, nil)
	col := &collector{}
	failedPhases := 0

	s.Status.UpdateAccountProgress(accountID, "refreshing balance", 1, 2)
	if err := s.syncBalance(ctx, acct, token, col); err != nil {
		if ctx.Err() != nil {
			return s.cancelled(accountID, col, started)
		}
		failedPhases++
		col.fail(Classify(err, accountID))
	}

	if ctx.Err() != nil {
		return s.cancelled(accountID, col, started)
	}

	s.Status.UpdateAccountProgress(accountID, "syncing transactions", 2, 2)
	end := database.Now()
	start := end.Add(-s.Window)
	if err := s.syncTransactionWindow(ctx, acct, token, start, end, col); err != nil {
		if ctx.Err() != nil {
			return s.cancelled(accountID, col, started)
		}
		failedPhases++
		col.fail(Classify(err, accountID))
	}

	if ctx.Err() != nil {
		return s.cancelled(accountID, col, started)
	}

	res := finalize(col.counters, col.errs, failedPhases, 2, false, started)
	s.recordTerminal(accountID, res)
	return res
}

// SyncTransactions is the narrowly-scoped entry point for a targeted
// resync of one account over an explicit date range.
func (s *AccountSyncer) SyncTransactions(ctx context.Context, accountID string, start, end time.Time) *SyncResult {
	started := time.Now()

	acct, err := s.Accounts.Get(ctx, accountID)
	if err != nil {
		return s.abort(accountID, newSyncError(ErrUnknown, accountID, "load account", err), started)
	}
	if acct == nil {
		return s.abort(accountID, newSyncError(ErrValidation, accountID, "account not found", nil), started)
	}
	token, authErr := s.credential(ctx, acct)
	if authErr != nil {
		return s.abort(accountID, authErr, started)
	}

	s.Status.UpdateAccountSyncStatus(accountID, StateSyncing, nil)
	s.Status.UpdateAccountProgress(accountID, "syncing transactions", 1, 1)

	col := &collector{}
	failedPhases := 0
	if err := s.syncTransactionWindow(ctx, acct, token, start, end, col); err != nil {
		if ctx.Err() != nil {
			return s.cancelled(accountID, col, started)
		}
		failedPhases++
		col.fail(Classify(err, accountID))
	}
	if ctx.Err() != nil {
		return s.cancelled(accountID, col, started)
	}

	res := finalize(col.counters, col.errs, failedPhases, 1, false, started)
	s.recordTerminal(accountID, res)
	return res
}

// credential resolves a usable aggregator credential for the account and
// confirms the institution connection does not demand reauthorization.
func (s *AccountSyncer) credential(ctx context.Context, acct *repository.Account) (string, *SyncError) {
	if acct.AccessToken == nil || *acct.AccessToken == "" {
		return "", newSyncError(ErrAuthentication, acct.ID, "no access credential", nil)
	}
	token := *acct.AccessToken

	var item aggregator.ItemStatus
	err := s.Retry.Do(ctx, acct.ID, func(ctx context.Context) error {
		var err error
		item, err = s.Aggregator.GetItem(ctx, token)
		return err
	})
	if err != nil {
		se := Classify(err, acct.ID)
		if se.Kind == ErrAuthentication {
			return "", se
		}
		// connection check is advisory; the phases will classify their own
		// failures
		s.Log.Debug().Err(err).Str("account", acct.ID).Msg("item status check failed")
		return token, nil
	}
	if item.Status == aggregator.StatusLoginRequired {
		return "", newSyncError(ErrAuthentication, acct.ID, "institution connection requires reauthorization", nil)
	}
	return token, nil
}

// syncBalance fetches the remote balance and reconciles drift. The local
// last_updated timestamp advances only when the balance write commits.
func (s *AccountSyncer) syncBalance(ctx context.Context, acct *repository.Account, token string, col *collector) error {
	var balances []aggregator.Balance
	err := s.Retry.Do(ctx, acct.ID, func(ctx context.Context) error {
		var err error
		balances, err = s.Aggregator.GetBalances(ctx, token)
		return err
	})
	if err != nil {
		return err
	}

	var remote *aggregator.Balance
	for i := range balances {
		if balances[i].AccountID == acct.ID {
			remote = &balances[i]
			break
		}
	}
	if remote == nil {
		return newSyncError(ErrValidation, acct.ID, "aggregator returned no balance for account", nil)
	}

	for _, c := range s.Reconciler.DetectAccountConflicts(*acct, *remote) {
		switch s.Reconciler.ResolveAccountConflict(c) {
		case UseRemote:
			if c.Type == ConflictBalanceMismatch {
				if err := s.Accounts.UpdateBalance(ctx, acct.ID, remote.CurrentCents, remote.AvailableCents, database.Now()); err != nil {
					return newSyncError(ErrValidation, acct.ID, "balance write rejected", err)
				}
				acct.BalanceCents = remote.CurrentCents
				acct.AvailableCents = remote.AvailableCents
				col.counters.AccountsUpdated++
			} else {
				if err := s.Accounts.SetActive(ctx, acct.ID, remote.Active, database.Now()); err != nil {
					return newSyncError(ErrValidation, acct.ID, "status write rejected", err)
				}
				acct.IsActive = remote.Active
				col.counters.AccountsUpdated++
			}
			col.counters.ConflictsResolved++
		case UseLocal:
			col.counters.ConflictsResolved++
		default:
			col.fail(&SyncError{Kind: ErrDataConflict, AccountID: acct.ID, Message: fmt.Sprintf("unresolved %s", c.Type)})
		}
	}
	return nil
}

// syncTransactionWindow fetches the remote transactions in [start, end) and
// diffs them against local storage by id: unmatched remote ids insert,
// matched ids run the reconciler, near-misses go through duplicate
// detection before any insert.
func (s *AccountSyncer) syncTransactionWindow(ctx context.Context, acct *repository.Account, token string, start, end time.Time, col *collector) error {
	var remote []aggregator.Transaction
	err := s.Retry.Do(ctx, acct.ID, func(ctx context.Context) error {
		var err error
		remote, err = s.Aggregator.GetTransactions(ctx, token, start, end, []string{acct.ID})
		return err
	})
	if err != nil {
		return err
	}

	locals, err := s.Transactions.FindByAccountAndDateRange(ctx, acct.ID, start, end)
	if err != nil {
		return newSyncError(ErrUnknown, acct.ID, "load local transactions", err)
	}
	byID := make(map[string]repository.Transaction, len(locals))
	for _, t := range locals {
		byID[t.ID] = t
	}

	for _, rt := range remote {
		if rt.AccountID != acct.ID {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if local, ok := byID[rt.ID]; ok {
			s.reconcileExisting(ctx, local, rt, col)
			continue
		}
		s.insertOrDeduplicate(ctx, acct.ID, rt, col)
	}
	return nil
}

func (s *AccountSyncer) reconcileExisting(ctx context.Context, local repository.Transaction, rt aggregator.Transaction, col *collector) {
	c := s.Reconciler.DetectTransactionConflict(local, rt)
	if c == nil {
		return
	}
	switch s.Reconciler.ResolveTransactionConflict(c) {
	case UseRemote:
		if err := s.Transactions.ApplyRemote(ctx, local.ID, rt.AmountCents, rt.Description, rt.MerchantName); err != nil {
			col.fail(newSyncError(ErrValidation, local.AccountID, "transaction write rejected", err))
			return
		}
		col.counters.TransactionsUpdated++
		col.counters.ConflictsResolved++
	case UseLocal:
		col.counters.ConflictsResolved++
	case ManualReview:
		s.queueReview(ctx, c, col)
	default:
		col.fail(&SyncError{Kind: ErrUnknown, AccountID: local.AccountID, Message: fmt.Sprintf("unhandled resolution for %s", c.Type)})
	}
}

func (s *AccountSyncer) insertOrDeduplicate(ctx context.Context, accountID string, rt aggregator.Transaction, col *collector) {
	dups, err := s.Transactions.FindDuplicates(ctx, accountID, rt.AmountCents, rt.Date)
	if err != nil {
		col.fail(newSyncError(ErrUnknown, accountID, "duplicate lookup", err))
		return
	}
	for _, dup := range dups {
		c := s.Reconciler.DetectTransactionConflict(dup, rt)
		if c == nil || c.Type != ConflictDuplicateTransaction {
			continue
		}
		switch s.Reconciler.ResolveTransactionConflict(c) {
		case UseRemote:
			// same economic event re-issued under a new id: adopt the remote
			// content onto the row we already hold
			if err := s.Transactions.ApplyRemote(ctx, dup.ID, rt.AmountCents, rt.Description, rt.MerchantName); err != nil {
				col.fail(newSyncError(ErrValidation, accountID, "transaction write rejected", err))
				return
			}
			col.counters.TransactionsUpdated++
			col.counters.ConflictsResolved++
		case UseLocal:
			col.counters.ConflictsResolved++
		default:
			s.queueReview(ctx, c, col)
		}
		return
	}

	if err := s.Transactions.Insert(ctx, repository.Transaction{
		ID:           rt.ID,
		AccountID:    accountID,
		AmountCents:  rt.AmountCents,
		Currency:     rt.Currency,
		Description:  rt.Description,
		Category:     rt.Category,
		Date:         rt.Date,
		MerchantName: rt.MerchantName,
	}); err != nil {
		col.fail(newSyncError(ErrValidation, accountID, "transaction insert rejected", err))
		return
	}
	col.counters.TransactionsAdded++
}

func (s *AccountSyncer) queueReview(ctx context.Context, c *TransactionConflict, col *collector) {
	if err := s.Reconciler.QueueManualReview(ctx, c); err != nil {
		s.Log.Error().Err(err).Str("account", c.Remote.AccountID).Msg("failed to queue manual review")
	}
	col.fail(&SyncError{
		Kind:      ErrDataConflict,
		AccountID: c.Remote.AccountID,
		Message:   fmt.Sprintf("%s requires manual review", c.Type),
		Conflict:  c,
	})
}

func (s *AccountSyncer) abort(accountID string, err *SyncError, started time.Time) *SyncResult {
	s.Log.Warn().Err(err).Str("account", accountID).Msg("sync aborted")
	s.Status.RecordSyncCompletion(accountID, StateError, time.Time{}, err)
	return failure(err, started)
}

func (s *AccountSyncer) cancelled(accountID string, col *collector, started time.Time) *SyncResult {
	s.Status.RecordSyncCompletion(accountID, StateCancelled, time.Time{}, nil)
	return finalize(col.counters, col.errs, 0, 0, true, started)
}

func (s *AccountSyncer) recordTerminal(accountID string, res *SyncResult) {
	state := StateSuccess
	var lastErr error
	if len(res.Errors) > 0 {
		lastErr = res.Errors[0]
	}
	if res.Kind == ResultFailure {
		state = StateError
	}
	s.Status.RecordSyncCompletion(accountID, state, time.Time{}, lastErr)
}
