package contracts

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for propagation policy and guardrail
// accounting. Configuration and logic errors are fatal to the affected call;
// transient errors are retried locally; the serve path never surfaces them
// to the caller; it degrades to control instead.
type ErrorKind string

const (
	ErrorKindConfiguration     ErrorKind = "configuration"
	ErrorKindTransient         ErrorKind = "transient"
	ErrorKindLogic             ErrorKind = "logic"
	ErrorKindAttributionClosed ErrorKind = "attribution_closed"
	ErrorKindStateConflict     ErrorKind = "state_conflict"
)

// Sentinel errors for the policy engine and serve path.
var (
	ErrNoEligibleArm       = errors.New("no eligible arm in candidate set")
	ErrInvalidState        = errors.New("invalid policy state")
	ErrUnknownPolicy       = errors.New("unknown policy kind")
	ErrNoActiveExperiment  = errors.New("no active experiment for surface")
	ErrUnavailableCatalog  = errors.New("arm catalog unavailable")
	ErrPolicyTimeout       = errors.New("policy selection deadline exceeded")
	ErrAttributionClosed   = errors.New("attribution window closed")
	ErrStateConflict       = errors.New("optimistic concurrency conflict on state row")
	ErrExperimentNotFound  = errors.New("experiment not found")
	ErrEventNotFound       = errors.New("serve event not found")
	ErrDuplicateAssignment = errors.New("assignment already exists")
)

// Error wraps an underlying error with its kind so callers can route on
// classification without inspecting messages.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the classification of err, defaulting to transient for
// unwrapped errors since those are overwhelmingly I/O.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrNoEligibleArm), errors.Is(err, ErrInvalidState), errors.Is(err, ErrUnknownPolicy):
		return ErrorKindLogic
	case errors.Is(err, ErrAttributionClosed):
		return ErrorKindAttributionClosed
	case errors.Is(err, ErrStateConflict):
		return ErrorKindStateConflict
	default:
		return ErrorKindTransient
	}
}
