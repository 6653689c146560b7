package service

import (
	"sync"
	"time"
)

// SyncState is the observable lifecycle state of an account sync.
type SyncState string

const (
	StateIdle      SyncState = "IDLE"
	StateSyncing   SyncState = "SYNCING"
	StateSuccess   SyncState = "SUCCESS"
	StateError     SyncState = "ERROR"
	StateCancelled SyncState = "CANCELLED"
)

// SyncProgress is a human-readable stage label plus a step index, populated
// only while the state is SYNCING.
type SyncProgress struct {
	Stage string
	Step  int
	Total int
}

// AccountSyncStatus is the current status of one account. One live
// instance per account; replaced wholesale on every transition, never
// historized.
type AccountSyncStatus struct {
	AccountID    string
	State        SyncState
	LastSyncTime *time.Time
	NextSyncTime *time.Time
	LastError    string
	Progress     *SyncProgress
}

// StatusTracker holds the current sync status per account and a derived
// per-user view. Each account's record has a single writer (the owning sync
// task); the tracker only guards the map itself.
type StatusTracker struct {
	mu       sync.Mutex
	statuses map[string]AccountSyncStatus
	users    map[string][]string
	watchers map[string][]chan AccountSyncStatus
}

func NewStatusTracker() *StatusTracker {
	return &StatusTracker{
		statuses: make(map[string]AccountSyncStatus),
		users:    make(map[string][]string),
		watchers: make(map[string][]chan AccountSyncStatus),
	}
}

// Register associates accounts with a user so Snapshot can derive the
// per-user list. Unknown accounts start IDLE.
func (t *StatusTracker) Register(userID string, accountIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	known := make(map[string]bool, len(t.users[userID]))
	for _, id := range t.users[userID] {
		known[id] = true
	}
	for _, id := range accountIDs {
		if !known[id] {
			t.users[userID] = append(t.users[userID], id)
			known[id] = true
		}
		if _, ok := t.statuses[id]; !ok {
			t.statuses[id] = AccountSyncStatus{AccountID: id, State: StateIdle}
		}
	}
}

// UpdateAccountSyncStatus transitions an account to a new state, clearing
// any stale progress.
func (t *StatusTracker) UpdateAccountSyncStatus(accountID string, state SyncState, lastErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.statuses[accountID]
	st.AccountID = accountID
	st.State = state
	st.Progress = nil
	st.LastError = ""
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	t.replaceLocked(st)
}

// UpdateAccountProgress updates the SYNCING progress indicator.
func (t *StatusTracker) UpdateAccountProgress(accountID, stage string, step, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.statuses[accountID]
	st.AccountID = accountID
	st.State = StateSyncing
	st.Progress = &SyncProgress{Stage: stage, Step: step, Total: total}
	t.replaceLocked(st)
}

// RecordSyncCompletion moves an account to a terminal state and stamps the
// last/next sync times.
func (t *StatusTracker) RecordSyncCompletion(accountID string, state SyncState, next time.Time, lastErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now().UTC()
	st := t.statuses[accountID]
	st.AccountID = accountID
	st.State = state
	st.Progress = nil
	st.LastSyncTime = &now
	st.LastError = ""
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	if !next.IsZero() {
		st.NextSyncTime = &next
	}
	t.replaceLocked(st)
}

// Get returns the current status for one account.
func (t *StatusTracker) Get(accountID string) (AccountSyncStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.statuses[accountID]
	return st, ok
}

// Snapshot returns the current statuses of all accounts registered to a
// user, in registration order.
func (t *StatusTracker) Snapshot(userID string) []AccountSyncStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.users[userID]
	out := make([]AccountSyncStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.statuses[id])
	}
	return out
}

// Watch subscribes to an account's status. The channel replays the latest
// value immediately and then receives every subsequent change, keeping only
// the most recent value when the consumer lags. The returned cancel
// function unsubscribes.
func (t *StatusTracker) Watch(accountID string) (<-chan AccountSyncStatus, func()) {
	ch := make(chan AccountSyncStatus, 1)
	t.mu.Lock()
	if st, ok := t.statuses[accountID]; ok {
		ch <- st
	} else {
		ch <- AccountSyncStatus{AccountID: accountID, State: StateIdle}
	}
	t.watchers[accountID] = append(t.watchers[accountID], ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		ws := t.watchers[accountID]
		for i, w := range ws {
			if w == ch {
				t.watchers[accountID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// replaceLocked stores the record wholesale and fans it out to watchers,
// dropping the stale value for any watcher that has not drained yet.
func (t *StatusTracker) replaceLocked(st AccountSyncStatus) {
	t.statuses[st.AccountID] = st
	for _, ch := range t.watchers[st.AccountID] {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
