package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrDuplicate         = errors.New("duplicate record")
	ErrVersionConflict   = errors.New("version conflict")
	ErrCooldownActive    = errors.New("cooldown active")
	ErrActiveExitExists  = errors.New("trade already has active exit")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvariant         = errors.New("ledger invariant violated")
	ErrInvalidInput      = errors.New("invalid input")
)

// ErrorCode is the outcome class stored on the record itself.
type ErrorCode string

const (
	CodeNone                   ErrorCode = ""
	CodeValidationFailure      ErrorCode = "VALIDATION_FAILURE"
	CodeBrokerRejection        ErrorCode = "BROKER_REJECTION"
	CodeTimeout                ErrorCode = "TIMEOUT"
	CodeConcurrentModification ErrorCode = "CONCURRENT_MODIFICATION"
	CodeCooldownActive         ErrorCode = "COOLDOWN_ACTIVE"
	CodeAlreadyActiveExit      ErrorCode = "ALREADY_ACTIVE_EXIT"
	CodeNotOpen                ErrorCode = "NOT_OPEN"
	CodeDirectionMismatch      ErrorCode = "DIRECTION_MISMATCH"
	CodeTransient              ErrorCode = "TRANSIENT"
	CodeSuperseded             ErrorCode = "SUPERSEDED"
)

// ConcurrentModificationError is returned after a CAS retry also lost.
type ConcurrentModificationError struct {
	Entity  string
	ID      string
	Version int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of %s %s at version %d", e.Entity, e.ID, e.Version)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrVersionConflict }

// CooldownError carries how long the caller should wait before re-arming.
type CooldownError struct {
	Key       EpisodeKey
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooldown active for %s/%s, retry in %s", e.Key.Scope, e.Key.Reason, e.Remaining.Round(time.Millisecond))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }
