package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/google/uuid"

	"github.com/jask/jasksync/internal/aggregator"
	"github.com/jask/jasksync/internal/database/repository"
)

// ConflictType classifies a local/remote disagreement.
type ConflictType string

const (
	ConflictModifiedTransaction  ConflictType = "MODIFIED_TRANSACTION"
	ConflictDuplicateTransaction ConflictType = "DUPLICATE_TRANSACTION"
	ConflictBalanceMismatch      ConflictType = "BALANCE_MISMATCH"
	ConflictAccountStatusChange  ConflictType = "ACCOUNT_STATUS_CHANGE"
)

// Resolution is the reconciler's verdict on a conflict.
type Resolution string

const (
	UseRemote    Resolution = "USE_REMOTE"
	UseLocal     Resolution = "USE_LOCAL"
	Merge        Resolution = "MERGE"
	ManualReview Resolution = "MANUAL_REVIEW_REQUIRED"
)

// TransactionConflict pairs a local and a remote transaction record. Lives
// only within a single sync pass; only its effect (a store write or a
// queued review item) survives.
type TransactionConflict struct {
	Type       ConflictType
	Local      repository.Transaction
	Remote     aggregator.Transaction
	Resolution Resolution
}

// AccountConflict pairs a local account with the aggregator's balance view.
type AccountConflict struct {
	Type       ConflictType
	Local      repository.Account
	Remote     aggregator.Balance
	Resolution Resolution
}

// Reconciler compares local and remote records of the same kind and decides
// which wins.
type Reconciler struct {
	Reviews *repository.ReviewRepo

	// DeactivationGrace is how long a local deactivation is treated as an
	// authoritative user action over the aggregator's active flag.
	DeactivationGrace time.Duration
	// SimilarityFloor is the minimum description similarity for a
	// same-amount same-day pair to auto-resolve as a duplicate.
	SimilarityFloor float64
}

// DetectTransactionConflict returns nil when local and remote represent the
// same economic event. Matching ids with drifted content yield
// MODIFIED_TRANSACTION; differing ids with equal account, amount and
// calendar day yield DUPLICATE_TRANSACTION (the aggregator re-issuing a
// transaction under a new identifier).
func (r *Reconciler) DetectTransactionConflict(local repository.Transaction, remote aggregator.Transaction) *TransactionConflict {
	if local.ID == remote.ID {
		if local.AmountCents == remote.AmountCents &&
			local.Description == remote.Description &&
			sameDay(local.Date, remote.Date) {
			return nil
		}
		return &TransactionConflict{Type: ConflictModifiedTransaction, Local: local, Remote: remote}
	}
	if local.AccountID == remote.AccountID &&
		local.AmountCents == remote.AmountCents &&
		sameDay(local.Date, remote.Date) {
		return &TransactionConflict{Type: ConflictDuplicateTransaction, Local: local, Remote: remote}
	}
	return nil
}

// DetectAccountConflicts compares the local account against the remote
// balance snapshot. Balance drift and active-flag flips can coexist, so
// both are reported.
func (r *Reconciler) DetectAccountConflicts(local repository.Account, remote aggregator.Balance) []*AccountConflict {
	var out []*AccountConflict
	if local.BalanceCents != remote.CurrentCents || !equalAvailable(local.AvailableCents, remote.AvailableCents) {
		out = append(out, &AccountConflict{Type: ConflictBalanceMismatch, Local: local, Remote: remote})
	}
	if local.IsActive != remote.Active {
		out = append(out, &AccountConflict{Type: ConflictAccountStatusChange, Local: local, Remote: remote})
	}
	return out
}

// ResolveTransactionConflict applies policy and stamps the verdict on the
// conflict. The aggregator is the source of truth for transaction content,
// so modifications resolve remote. Duplicates prefer the candidate with
// strictly more populated optional fields; ties go remote. A duplicate pair
// whose descriptions are too dissimilar does not fit the rule and is sent
// to manual review rather than silently merged.
func (r *Reconciler) ResolveTransactionConflict(c *TransactionConflict) Resolution {
	switch c.Type {
	case ConflictModifiedTransaction:
		c.Resolution = UseRemote
	case ConflictDuplicateTransaction:
		if descriptionSimilarity(c.Local.Description, c.Remote.Description) < r.SimilarityFloor {
			c.Resolution = ManualReview
			break
		}
		if richness(c.Local) > remoteRichness(c.Remote) {
			c.Resolution = UseLocal
		} else {
			c.Resolution = UseRemote
		}
	default:
		c.Resolution = ManualReview
	}
	return c.Resolution
}

// ResolveAccountConflict applies policy for account-level conflicts. The
// remote balance always wins. A status flip honors a local deactivation
// younger than the grace window as an explicit user action; otherwise the
// remote flag wins.
func (r *Reconciler) ResolveAccountConflict(c *AccountConflict) Resolution {
	switch c.Type {
	case ConflictBalanceMismatch:
		c.Resolution = UseRemote
	case ConflictAccountStatusChange:
		if !c.Local.IsActive && c.Local.DeactivatedAt != nil &&
			time.Since(*c.Local.DeactivatedAt) < r.DeactivationGrace {
			c.Resolution = UseLocal
		} else {
			c.Resolution = UseRemote
		}
	default:
		c.Resolution = ManualReview
	}
	return c.Resolution
}

// QueueManualReview persists an unresolvable conflict so a review queue can
// surface it. The conflict itself is never dropped silently.
func (r *Reconciler) QueueManualReview(ctx context.Context, c *TransactionConflict) error {
	localJSON, err := json.Marshal(newReviewTransaction(c.Local))
	if err != nil {
		return err
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return err
	}
	return r.Reviews.Add(ctx, repository.ManualReview{
		ID:           uuid.NewString(),
		AccountID:    c.Remote.AccountID,
		ConflictType: string(c.Type),
		LocalJSON:    string(localJSON),
		RemoteJSON:   string(remoteJSON),
		Status:       "pending",
	})
}

// reviewTransaction is the serialized shape of the local side of a queued
// conflict.
type reviewTransaction struct {
	ID           string  `json:"id"`
	AccountID    string  `json:"account_id"`
	AmountCents  int64   `json:"amount"`
	Description  string  `json:"description"`
	Date         string  `json:"date"`
	MerchantName *string `json:"merchant_name,omitempty"`
}

func newReviewTransaction(t repository.Transaction) reviewTransaction {
	return reviewTransaction{
		ID:           t.ID,
		AccountID:    t.AccountID,
		AmountCents:  t.AmountCents,
		Description:  t.Description,
		Date:         t.Date.Format(time.DateOnly),
		MerchantName: t.MerchantName,
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func equalAvailable(a, b *int64) bool {
	if a == nil || b == nil {
		return (a == nil) == (b == nil)
	}
	return *a == *b
}

func descriptionSimilarity(a, b string) float64 {
	a, b = strings.ToUpper(a), strings.ToUpper(b)
	if a == b {
		return 1
	}
	maxlen := len(a)
	if len(b) > maxlen {
		maxlen = len(b)
	}
	if maxlen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxlen)
}

// richness counts populated optional fields, the tie-breaker between
// duplicate candidates.
func richness(t repository.Transaction) int {
	n := 0
	if t.MerchantName != nil && *t.MerchantName != "" {
		n++
	}
	if t.Category != nil && *t.Category != "" {
		n++
	}
	return n
}

func remoteRichness(t aggregator.Transaction) int {
	n := 0
	if t.MerchantName != nil && *t.MerchantName != "" {
		n++
	}
	if t.Category != nil && *t.Category != "" {
		n++
	}
	return n
}
