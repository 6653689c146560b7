package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a one-shot user-facing notification.
type EventType string

const (
	EventSyncCompleted     EventType = "sync_completed"
	EventSyncPartial       EventType = "sync_partial"
	EventSyncFailed        EventType = "sync_failed"
	EventReauthRequired    EventType = "reauth_required"
	EventNewTransactions   EventType = "new_transactions"
	EventConflictsResolved EventType = "conflicts_resolved"
	EventSyncDelayed       EventType = "sync_delayed"
)

// Event is a discrete notification addressed to a user.
type Event struct {
	Type      EventType
	UserID    string
	AccountID string
	Message   string
	Data      map[string]string
}

// Deliverer sends events to the user. The delivery mechanism (push, in-app)
// is a collaborator; the dispatcher performs no retries and keeps no state.
type Deliverer interface {
	Deliver(ctx context.Context, e Event) error
}

// Summary is the dispatcher's view of a finished sync.
type Summary struct {
	Kind                string
	AccountsUpdated     int
	TransactionsAdded   int
	TransactionsUpdated int
	ConflictsResolved   int
	Cancelled           bool
	Duration            time.Duration
}

// Problem is one classified failure inside a sync.
type Problem struct {
	Kind      string
	AccountID string
	Message   string
}

// Dispatcher turns sync outcomes and milestone conditions into events.
// Delivery failures are logged, never escalated into the sync result.
type Dispatcher struct {
	Deliverer Deliverer
	Log       zerolog.Logger

	// LongSyncThreshold flags abnormally long-running syncs.
	LongSyncThreshold time.Duration
}

// DispatchSync emits the terminal event for a finished sync plus any
// milestone events it implies (reauth prompts, new-transaction counts,
// resolved conflicts, slow syncs). Cancelled syncs notify nothing.
func (d *Dispatcher) DispatchSync(ctx context.Context, userID string, s Summary, problems []Problem) {
	if s.Cancelled {
		return
	}

	switch s.Kind {
	case "success":
		d.send(ctx, Event{
			Type:    EventSyncCompleted,
			UserID:  userID,
			Message: fmt.Sprintf("Accounts up to date: %d new transactions", s.TransactionsAdded),
		})
	case "partial_success":
		d.send(ctx, Event{
			Type:    EventSyncPartial,
			UserID:  userID,
			Message: fmt.Sprintf("Some accounts could not be refreshed (%d issues)", len(problems)),
		})
	case "failure":
		d.send(ctx, Event{
			Type:    EventSyncFailed,
			UserID:  userID,
			Message: firstProblemMessage(problems, "Account sync failed"),
		})
	default:
		d.Log.Error().Str("kind", s.Kind).Msg("unrecognized sync result kind")
		return
	}

	for _, p := range problems {
		if p.Kind == "authentication" {
			d.send(ctx, Event{
				Type:      EventReauthRequired,
				UserID:    userID,
				AccountID: p.AccountID,
				Message:   "Reconnect your bank to keep this account in sync",
				Data:      map[string]string{"account_id": p.AccountID},
			})
		}
	}

	if s.TransactionsAdded > 0 && s.Kind != "success" {
		d.send(ctx, Event{
			Type:    EventNewTransactions,
			UserID:  userID,
			Message: fmt.Sprintf("%d new transactions imported", s.TransactionsAdded),
			Data:    map[string]string{"count": fmt.Sprint(s.TransactionsAdded)},
		})
	}

	if s.ConflictsResolved > 0 {
		d.send(ctx, Event{
			Type:    EventConflictsResolved,
			UserID:  userID,
			Message: fmt.Sprintf("%d data conflicts resolved automatically", s.ConflictsResolved),
			Data:    map[string]string{"count": fmt.Sprint(s.ConflictsResolved)},
		})
	}

	if d.LongSyncThreshold > 0 && s.Duration > d.LongSyncThreshold {
		d.send(ctx, Event{
			Type:    EventSyncDelayed,
			UserID:  userID,
			Message: "Syncing is taking longer than usual",
		})
	}
}

// SyncPostponed notifies that the user's sync window was pushed out, e.g.
// after the aggregator rate-limited us.
func (d *Dispatcher) SyncPostponed(ctx context.Context, userID string, until time.Time) {
	d.send(ctx, Event{
		Type:    EventSyncDelayed,
		UserID:  userID,
		Message: fmt.Sprintf("Account sync postponed until %s", until.Format(time.Kitchen)),
	})
}

func (d *Dispatcher) send(ctx context.Context, e Event) {
	if d.Deliverer == nil {
		return
	}
	if err := d.Deliverer.Deliver(ctx, e); err != nil {
		d.Log.Warn().Err(err).Str("type", string(e.Type)).Str("user", e.UserID).Msg("notification delivery failed")
	}
}

func firstProblemMessage(problems []Problem, fallback string) string {
	for _, p := range problems {
		if p.Message != "" {
			return p.Message
		}
	}
	return fallback
}
