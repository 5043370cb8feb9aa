package connmgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

var (
	// ErrNoServiceConnection is returned when every route is cooling down.
	ErrNoServiceConnection = errors.New("no service connection available")

	// ErrTimeout is returned when a connection attempt exceeds its deadline.
	ErrTimeout = errors.New("connection attempt timed out")
)

// StateKind enumerates the outcomes of one logical connection attempt.
type StateKind int

const (
	// StateActive means a usable connection was established.
	StateActive StateKind = iota
	// StateCooldown means the route was not attempted because a previous
	// failure is still cooling down.
	StateCooldown
	// StateError means the attempt failed, or a cached hard error was reported.
	StateError
	// StateTimedOut means the attempt exceeded the configured deadline.
	StateTimedOut
)

func (k StateKind) String() string {
	switch k {
	case StateActive:
		return "active"
	case StateCooldown:
		return "cooldown"
	case StateError:
		return "error"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ServiceState is the outcome of Connect. It is consumed immediately by the
// caller and never stored.
type ServiceState[T any] struct {
	Kind StateKind
	// Value is set for StateActive.
	Value T
	// Remaining is the cooldown left for StateCooldown.
	Remaining time.Duration
	// Cause is set for StateError.
	Cause error
	// Route is the last route considered.
	Route interfaces.ConnectionParams
}

// Err converts a non-active state into an error. Active states return nil.
func (s ServiceState[T]) Err() error {
	switch s.Kind {
	case StateActive:
		return nil
	case StateCooldown:
		return fmt.Errorf("%w: retry in %s", ErrNoServiceConnection, s.Remaining.Round(time.Millisecond))
	case StateTimedOut:
		return ErrTimeout
	default:
		if s.Cause == nil {
			return errors.New("connection failed")
		}
		return s.Cause
	}
}

// Fatal is implemented by errors that must not be retried on the same route,
// such as attestation failures.
type Fatal interface {
	Fatal() bool
}

// IsFatal reports whether any error in err's chain is marked fatal.
func IsFatal(err error) bool {
	var f Fatal
	return errors.As(err, &f) && f.Fatal()
}
