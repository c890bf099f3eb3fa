// Package shared defines the error taxonomy used across the scheduler.
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors, one per Kind. Adapters mark third-party failures with
// MarkKind so callers can match them with errors.Is without importing the
// adapter's dependencies.
var (
	// ErrNotFound: the job id is not registered.
	ErrNotFound = errors.New("not found")

	// ErrConfiguration: a job definition or trigger spec is invalid.
	ErrConfiguration = errors.New("configuration error")

	// ErrConflict: the operation contradicts current state, for example
	// registering a duplicate job id without replace.
	ErrConflict = errors.New("conflict")

	// ErrLockUnavailable: the lock store could not be reached while
	// acquiring or releasing a job lock.
	ErrLockUnavailable = errors.New("lock store unavailable")

	// ErrLockNotOwned: a lock release carried a token that no longer
	// owns the lock.
	ErrLockNotOwned = errors.New("lock not owned")

	// ErrTimeout: the operation ran out of time.
	ErrTimeout = errors.New("operation timed out")

	// ErrInternal: a failure with no better classification, including
	// recovered panics from job handlers.
	ErrInternal = errors.New("internal error")

	// ErrInvariantViolated: a lifecycle or scheduling rule was broken.
	ErrInvariantViolated = errors.New("invariant violated")
)

// Kind is a coarse error category. It drives log levels, HTTP status
// mapping and run outcome classification without string matching.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConfiguration
	KindConflict
	KindLockUnavailable
	KindLockNotOwned
	KindTimeout
	KindInternal
	KindInvariantViolated
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConfiguration:
		return "Configuration"
	case KindConflict:
		return "Conflict"
	case KindLockUnavailable:
		return "LockUnavailable"
	case KindLockNotOwned:
		return "LockNotOwned"
	case KindTimeout:
		return "Timeout"
	case KindInternal:
		return "Internal"
	case KindInvariantViolated:
		return "InvariantViolated"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// sentinel returns the error that marks this kind in a wrap chain.
// KindUnknown and KindCanceled have none: cancellation is recognized by
// context.Canceled itself.
func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindConfiguration:
		return ErrConfiguration
	case KindConflict:
		return ErrConflict
	case KindLockUnavailable:
		return ErrLockUnavailable
	case KindLockNotOwned:
		return ErrLockNotOwned
	case KindTimeout:
		return ErrTimeout
	case KindInternal:
		return ErrInternal
	case KindInvariantViolated:
		return ErrInvariantViolated
	default:
		return nil
	}
}

// KindOf classifies err by walking its whole wrap chain, including chains
// built with errors.Join. Cancellation and timeouts win over marked kinds,
// so a canceled lock acquisition reports as canceled rather than as a lock
// failure. The remaining kinds are checked in a fixed order, which keeps
// classification of joined errors deterministic.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if IsCanceled(err) {
		return KindCanceled
	}
	if IsTimeout(err) {
		return KindTimeout
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrLockNotOwned):
		return KindLockNotOwned
	case errors.Is(err, ErrLockUnavailable):
		return KindLockUnavailable
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrInvariantViolated):
		return KindInvariantViolated
	}
	return KindUnknown
}

// MarkKind attaches kind to err so that KindOf and the Is helpers recognize
// it. The original error stays reachable through the chain:
//
//	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
//	if err != nil {
//	    return shared.MarkKind(err, shared.KindLockUnavailable)
//	}
//
// Marking is idempotent. A nil err yields the bare sentinel; KindUnknown and
// KindCanceled leave err unchanged.
func MarkKind(err error, kind Kind) error {
	sentinel := kind.sentinel()
	if err == nil {
		return sentinel
	}
	if sentinel == nil || KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Wrap prefixes err with msg, keeping the chain intact for errors.Is.
// A nil err stays nil, so call sites can wrap unconditionally.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if msg == "" {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// IsCanceled reports whether err stems from a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err is a timeout: context.DeadlineExceeded,
// ErrTimeout, or a net.Error that timed out.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsNotFound reports whether err means the job id is not registered.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration reports whether err means an invalid job definition or
// trigger spec.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsConflict reports whether err means the operation contradicts current
// state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsLockUnavailable reports whether err means the lock store was
// unreachable.
func IsLockUnavailable(err error) bool {
	return errors.Is(err, ErrLockUnavailable)
}

// IsLockNotOwned reports whether err means a release with a stale token.
func IsLockNotOwned(err error) bool {
	return errors.Is(err, ErrLockNotOwned)
}

// IsInternal reports whether err is an unclassified internal failure.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

// IsInvariantViolated reports whether err means a broken lifecycle or
// scheduling rule.
func IsInvariantViolated(err error) bool {
	return errors.Is(err, ErrInvariantViolated)
}
