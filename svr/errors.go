package svr

import (
	"errors"
	"fmt"

	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclave"
)

var (
	// ErrNet covers connection establishment and transport failures,
	// including cooldowns and timeouts.
	ErrNet = errors.New("network error")

	// ErrProtocol is returned for malformed or unexpected replica messages.
	ErrProtocol = errors.New("protocol error after establishing a connection")

	// ErrAttestation is returned when a replica's evidence is rejected.
	ErrAttestation = errors.New("enclave attestation failed")

	// ErrDataMissing is returned when a replica has no record matching the
	// share set, including records deleted after their last attempt.
	ErrDataMissing = errors.New("data missing")

	// ErrRestoreFailed is returned when the password is wrong and attempts
	// remain, or the reconstructed secret does not match its commitment.
	ErrRestoreFailed = errors.New("restore failed")

	// ErrInvalidArgument is returned for caller mistakes detected before any
	// replica is contacted.
	ErrInvalidArgument = errors.New("invalid argument")
)

func netError(err error) error {
	if errors.Is(err, enclave.ErrProtocol) {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return fmt.Errorf("%w: %w", ErrNet, err)
}

func protocolError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

// connectError maps a non-active connection state onto the error kinds.
func connectError[T any](state connmgr.ServiceState[T]) error {
	if state.Kind == connmgr.StateError {
		var attErr *cryptoutils.AttestationError
		if errors.As(state.Cause, &attErr) {
			return fmt.Errorf("%w: %w", ErrAttestation, state.Cause)
		}
	}
	return fmt.Errorf("%w: %w", ErrNet, state.Err())
}

// severity orders errors for fan-in: the lowest value wins.
func severity(err error) int {
	switch {
	case errors.Is(err, ErrNet), errors.Is(err, ErrAttestation):
		return 0
	case errors.Is(err, ErrProtocol):
		return 1
	case errors.Is(err, ErrDataMissing):
		return 2
	case errors.Is(err, ErrRestoreFailed):
		return 3
	default:
		return 4
	}
}

func mostSevere(errs []error) error {
	var worst error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if worst == nil || severity(err) < severity(worst) {
			worst = err
		}
	}
	return worst
}
