package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a transition is attempted from a
	// state that does not permit it. The entity is left unchanged.
	ErrInvalidState = errors.New("invalid state for this operation")

	// ErrSelfJoin is returned when a player tries to join their own match.
	ErrSelfJoin = errors.New("cannot join own match")

	// ErrAlreadyExists is returned on unique-key conflicts (join codes,
	// write-once event rows).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotReady is returned when settlement is requested for a match
	// that has not finished.
	ErrNotReady = errors.New("match not ready for settlement")

	// ErrAlreadySettled is the idempotent short-circuit for settlement,
	// not a true failure: the original result accompanies it.
	ErrAlreadySettled = errors.New("match already settled")
)

// ValidationError reports bad caller input. Never retried automatically.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigError reports an unsupported network or mode. Fatal at the
// boundary: the caller must not fall through to a default strategy.
type ConfigError struct {
	Key   string
	Value string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("unsupported %s: %q", e.Key, e.Value)
}

// ExternalError wraps a failed chain/payout call. Retryable errors are
// eligible for an explicit retry through the same idempotent path.
type ExternalError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalError) Error() string {
	return fmt.Sprintf("external call %s failed: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err carries a retryable external failure.
func IsRetryable(err error) bool {
	var ee *ExternalError
	return errors.As(err, &ee) && ee.Retryable
}
