package models

import (
	"errors"
	"fmt"
	"time"
)

// Application-wide standard errors
var (
	// Common Resource/DB Errors
	ErrNotFound        = errors.New("resource not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrPromptNotFound  = errors.New("prompt not found")

	// Validation
	ErrInvalidInput  = errors.New("invalid input data")
	ErrInvalidLetter = errors.New("letter must be one of A, B, C")
	ErrParentNotFound = errors.New("parent slot does not exist")
	ErrParentNotCompleted = errors.New("parent slot is not completed")

	// Authorization
	ErrUnauthorized  = errors.New("unauthorized")
	ErrNotAuthorized = errors.New("caller does not hold the referenced lock or attempt")
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token has expired")

	// Conflict / contention
	ErrSlotUnavailable      = errors.New("slot is unavailable")
	ErrSlotCompleted        = errors.New("slot is permanently completed")
	ErrActiveSessionExists  = errors.New("requester already has an active session")
	ErrGenerationInProgress = errors.New("a generation job is already in progress for this slot")

	// Payment / ledger
	ErrVerificationFailed = errors.New("ledger verification failed")
	ErrLedgerUnavailable  = errors.New("ledger rpc unavailable")
	ErrDuplicateTxRef     = errors.New("transaction reference already funds an attempt")

	// Retry budget
	ErrWindowExpired      = errors.New("retry window has expired")
	ErrRetryLimitExceeded = errors.New("prompt retry limit exceeded")
	ErrAttemptFinished    = errors.New("attempt already reached a terminal outcome")

	// Generation service
	ErrModerationRejected   = errors.New("prompt rejected by moderation")
	ErrRateLimited          = errors.New("generation service rate limited the request")
	ErrGenerationUpstream   = errors.New("generation service error")
	ErrGenerationTimeout    = errors.New("generation job timed out")
	ErrArtifactNotAvailable = errors.New("video artifact is not available")

	// General Request/Server Errors
	ErrInternalServer = errors.New("internal server error")
)

// SlotConflictError carries actionable contention detail alongside the
// ErrSlotUnavailable sentinel: who holds the pair (if anyone) and how long
// until the lock can be retaken.
type SlotConflictError struct {
	HeldByOther bool
	ExpiresIn   time.Duration
	Status      SlotStatus
}

func (e *SlotConflictError) Error() string {
	if e.HeldByOther && e.ExpiresIn > 0 {
		return fmt.Sprintf("slot is unavailable: held by another requester for %s", e.ExpiresIn.Round(time.Second))
	}
	return fmt.Sprintf("slot is unavailable: status %s", e.Status)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotUnavailable }

// GenerationRejectedError wraps a prompt-level rejection with the recorded
// outcome so callers can show the remaining budget.
type GenerationRejectedError struct {
	Outcome PromptOutcome
	Reason  string
}

func (e *GenerationRejectedError) Error() string {
	return fmt.Sprintf("generation rejected (%s): %s", e.Outcome, e.Reason)
}

func (e *GenerationRejectedError) Unwrap() error {
	switch e.Outcome {
	case PromptModerationRejected:
		return ErrModerationRejected
	case PromptRateLimited:
		return ErrRateLimited
	case PromptTimeout:
		return ErrGenerationTimeout
	default:
		return ErrGenerationUpstream
	}
}
