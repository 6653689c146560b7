package service

import "time"

// ResultKind discriminates a SyncResult.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultPartial ResultKind = "partial_success"
	ResultFailure ResultKind = "failure"
)

// Counters accumulate the confirmed effects of one sync pass. A counter is
// bumped only after the corresponding store write commits.
type Counters struct {
	AccountsUpdated     int
	TransactionsAdded   int
	TransactionsUpdated int
	ConflictsResolved   int
}

func (c *Counters) add(other Counters) {
	c.AccountsUpdated += other.AccountsUpdated
	c.TransactionsAdded += other.TransactionsAdded
	c.TransactionsUpdated += other.TransactionsUpdated
	c.ConflictsResolved += other.ConflictsResolved
}

// SyncResult is the immutable outcome of one sync invocation.
type SyncResult struct {
	Kind      ResultKind
	Counters  Counters
	Errors    []*SyncError
	Cancelled bool
	Duration  time.Duration
}

// finalize derives the result kind from the collected errors. failedPhases
// counts phases that produced no committed work at all; totalPhases is the
// number of phases attempted.
func finalize(counters Counters, errs []*SyncError, failedPhases, totalPhases int, cancelled bool, started time.Time) *SyncResult {
	kind := ResultSuccess
	switch {
	case totalPhases > 0 && failedPhases == totalPhases:
		kind = ResultFailure
	case len(errs) > 0:
		kind = ResultPartial
	}
	return &SyncResult{
		Kind:      kind,
		Counters:  counters,
		Errors:    errs,
		Cancelled: cancelled,
		Duration:  time.Since(started),
	}
}

func failure(err *SyncError, started time.Time) *SyncResult {
	return &SyncResult{
		Kind:     ResultFailure,
		Errors:   []*SyncError{err},
		Duration: time.Since(started),
	}
}
