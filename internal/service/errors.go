package service

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jask/jasksync/internal/aggregator"
)

// ErrorKind tags a SyncError for retryability and user messaging.
type ErrorKind string

const (
	ErrNetwork        ErrorKind = "network"
	ErrAuthentication ErrorKind = "authentication"
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrValidation     ErrorKind = "validation"
	ErrDataConflict   ErrorKind = "data_conflict"
	ErrUnknown        ErrorKind = "unknown"
)

// SyncError is a classified failure from one sync phase. It carries enough
// context to decide retryability and to address user messaging.
type SyncError struct {
	Kind      ErrorKind
	AccountID string
	Message   string
	Conflict  *TransactionConflict // set when Kind is ErrDataConflict
	Err       error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.AccountID != "" {
		return fmt.Sprintf("sync %s: %s: %s", e.AccountID, e.Kind, msg)
	}
	return fmt.Sprintf("sync: %s: %s", e.Kind, msg)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy may re-attempt the operation.
// Only transient network failures qualify; rate limiting is handled by the
// orchestrator's cool-down instead.
func (e *SyncError) Retryable() bool { return e.Kind == ErrNetwork }

func newSyncError(kind ErrorKind, accountID, message string, cause error) *SyncError {
	return &SyncError{Kind: kind, AccountID: accountID, Message: message, Err: cause}
}

// Classify maps an arbitrary collaborator failure onto the engine taxonomy.
// Already-classified errors pass through unchanged.
func Classify(err error, accountID string) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}

	var apiErr *aggregator.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return newSyncError(ErrAuthentication, accountID, apiErr.Message, err)
		case apiErr.StatusCode == 429:
			return newSyncError(ErrRateLimit, accountID, apiErr.Message, err)
		case apiErr.StatusCode == 400 || apiErr.StatusCode == 422:
			return newSyncError(ErrValidation, accountID, apiErr.Message, err)
		case apiErr.StatusCode >= 500:
			return newSyncError(ErrNetwork, accountID, apiErr.Message, err)
		default:
			return newSyncError(ErrUnknown, accountID, apiErr.Message, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return newSyncError(ErrNetwork, accountID, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newSyncError(ErrNetwork, accountID, "network failure", err)
	}

	return newSyncError(ErrUnknown, accountID, "", err)
}
