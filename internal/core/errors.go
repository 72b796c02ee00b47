package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransactionAborted marks store-level failures (deadlock victim,
	// timeout, lost connection). The whole operation is safe to retry.
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrCallbackFailed marks a failed sequence callback. No number is consumed.
	ErrCallbackFailed = errors.New("sequence callback failed")
	// ErrNoSlotAvailable means the eligible slot set was empty.
	ErrNoSlotAvailable = errors.New("no slot available")
	// ErrSlotAlreadyClaimed means slots exist for the pair but every one has
	// an owner. It matches ErrNoSlotAvailable under errors.Is.
	ErrSlotAlreadyClaimed = fmt.Errorf("%w: already provided", ErrNoSlotAvailable)
	ErrRecordNotFound     = errors.New("record not found")
	ErrMalformedResponse  = errors.New("malformed response")
	ErrInvalidInput       = errors.New("invalid input")
)

// MalformedResponse returns an ErrMalformedResponse carrying the reason.
func MalformedResponse(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, reason)
}

// CallbackError wraps an error returned by a sequence callback. The original
// error stays reachable through errors.Is and errors.As.
type CallbackError struct {
	Name      string
	Candidate int64
	Err       error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("sequence %q candidate %d: %v", e.Name, e.Candidate, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

func (e *CallbackError) Is(target error) bool { return target == ErrCallbackFailed }

// Retryable reports whether err is safe to retry from scratch.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransactionAborted)
}

// IsBusiness reports whether err is a legitimate business outcome or an
// input defect rather than a store failure.
func IsBusiness(err error) bool {
	for _, target := range []error{ErrCallbackFailed, ErrNoSlotAvailable, ErrRecordNotFound, ErrMalformedResponse, ErrInvalidInput} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
