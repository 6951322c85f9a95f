package bridge

import (
	"context"
	"errors"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/agreement"
)

// Errors surfaced by the orchestrator. The chain and oracle errors are
// re-exported so callers only need this package.
var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrStopped          = errors.New("orchestrator stopped")
	ErrStore            = errors.New("failed to persist operation")

	ErrSubmission            = agreement.ErrSubmission
	ErrTxReverted            = agreement.ErrTxReverted
	ErrTxTimeout             = agreement.ErrTxTimeout
	ErrCheckpointTimeout     = agreement.ErrCheckpointTimeout
	ErrInsufficientAllowance = agreement.ErrInsufficientAllowance
	ErrNotCheckpointed       = agreement.ErrNotCheckpointed
	ErrAlreadyExited         = agreement.ErrAlreadyExited
	ErrProofMismatch         = agreement.ErrProofMismatch
	ErrInvalidAmount         = agreement.ErrInvalidAmount
	ErrNoSigner              = agreement.ErrNoSigner
)

type Class int

const (
	// node unavailable, retried with backoff
	Transient Class = iota
	// the outcome is unknown, the operation stays where it is
	Ambiguous
	// deterministic contract or protocol answer
	Business
	// the operation cannot go on
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Ambiguous:
		return "ambiguous"
	case Business:
		return "business"
	default:
		return "fatal"
	}
}

// Classify maps an error returned by the token proxies, the oracle or the
// store onto the way the orchestrator reacts to it.
func Classify(err error) Class {
	switch {
	case agreement.IsTransient(err):
		return Transient
	case errors.Is(err, ErrTxTimeout),
		errors.Is(err, ErrCheckpointTimeout),
		errors.Is(err, ErrStore),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return Ambiguous
	case errors.Is(err, ErrInsufficientAllowance),
		errors.Is(err, ErrNotCheckpointed),
		errors.Is(err, ErrAlreadyExited),
		errors.Is(err, ErrProofMismatch):
		return Business
	}
	return Fatal
}

// keepsState tells whether the operation should stay in its current state,
// to be resumed later, rather than fail.
func keepsState(err error) bool {
	switch Classify(err) {
	case Transient, Ambiguous:
		return true
	case Business:
		// more waiting is all a missing checkpoint needs
		return errors.Is(err, ErrNotCheckpointed)
	}
	return false
}
