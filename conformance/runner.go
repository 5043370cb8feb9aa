package conformance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/oracle"
	"github.com/ruteri/tee-secret-recovery/svr"
)

// ErrMismatch is returned when the live outcome differs from the oracle.
var ErrMismatch = errors.New("outcome does not match the oracle")

var (
	goodPassword = []byte("password")
	badPassword  = []byte("bad password")
)

// SystemUnderTest is a replica group seen through the client operations.
type SystemUnderTest interface {
	Backup(ctx context.Context, uid interfaces.UserID, password []byte, secret interfaces.Secret, maxTries uint32) (*svr.ShareSet, error)
	Restore(ctx context.Context, uid interfaces.UserID, password []byte, shareSet *svr.ShareSet) (interfaces.Secret, error)
}

type svrSUT struct {
	client *svr.Client
}

// NewSvrSUT adapts a protocol client.
func NewSvrSUT(client *svr.Client) SystemUnderTest {
	return &svrSUT{client: client}
}

func (s *svrSUT) Backup(ctx context.Context, uid interfaces.UserID, password []byte, secret interfaces.Secret, maxTries uint32) (*svr.ShareSet, error) {
	return s.client.Backup(ctx, uid, password, secret.Bytes(), maxTries)
}

func (s *svrSUT) Restore(ctx context.Context, uid interfaces.UserID, password []byte, shareSet *svr.ShareSet) (interfaces.Secret, error) {
	var secret interfaces.Secret
	restored, err := s.client.Restore(ctx, uid, password, shareSet)
	if err != nil {
		return secret, err
	}
	if len(restored) != len(secret) {
		return secret, fmt.Errorf("restored %d bytes, expected %d", len(restored), len(secret))
	}
	copy(secret[:], restored)
	return secret, nil
}

type Config struct {
	// Sleep is waited before every live operation to stay under server
	// rate limits.
	Sleep time.Duration
	// ForgetShareSet drops a share set once a restore reports it gone, as a
	// well-behaved client would.
	ForgetShareSet bool
	Log            *slog.Logger
}

// Runner applies transitions to the oracle and the system under test in
// lockstep.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	sut       SystemUnderTest
	oracle    *oracle.Storage
	uid       interfaces.UserID
	shareSets map[interfaces.UserID]*svr.ShareSet
}

func NewRunner(sut SystemUnderTest, cfg Config) *Runner {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:       cfg,
		log:       log,
		sut:       sut,
		oracle:    oracle.NewStorage(),
		shareSets: make(map[interfaces.UserID]*svr.ShareSet),
	}
}

// Oracle exposes the reference state.
func (r *Runner) Oracle() *oracle.Storage {
	return r.oracle
}

// Run applies seq in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, seq []oracle.Transition) error {
	for i, t := range seq {
		if err := r.Step(ctx, t); err != nil {
			return fmt.Errorf("step %d %s: %w", i, t, err)
		}
	}
	return nil
}

// Step applies one transition.
func (r *Runner) Step(ctx context.Context, t oracle.Transition) error {
	expected, err := r.oracle.Apply(t)
	if err != nil {
		return err
	}

	switch t.Kind {
	case oracle.SetUID:
		r.uid = t.UID
		r.log.Info("Selecting user", slog.String("uid", t.UID.Short()))
		return nil
	case oracle.Backup:
		if err := r.sleep(ctx); err != nil {
			return err
		}
		shareSet, err := r.sut.Backup(ctx, r.uid, goodPassword, t.Secret, t.MaxTries)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		r.shareSets[r.uid] = shareSet
		r.log.Info("Backup stored", slog.String("uid", r.uid.Short()), slog.Uint64("max_tries", uint64(t.MaxTries)))
		return nil
	case oracle.Restore, oracle.RestoreWithBadPassword:
		return r.restore(ctx, t.Kind == oracle.Restore, expected)
	default:
		return fmt.Errorf("unknown transition %s", t.Kind)
	}
}

func (r *Runner) restore(ctx context.Context, correct bool, expected oracle.Result) error {
	shareSet, ok := r.shareSets[r.uid]
	if !ok {
		// Nothing to restore with; only valid if the oracle has no record.
		if expected.Outcome != oracle.OutcomeNotFound {
			return fmt.Errorf("%w: no share set held, oracle says %s", ErrMismatch, expected)
		}
		return nil
	}

	password := goodPassword
	if !correct {
		password = badPassword
	}
	if err := r.sleep(ctx); err != nil {
		return err
	}
	secret, err := r.sut.Restore(ctx, r.uid, password, shareSet)

	log := r.log.With(slog.String("uid", r.uid.Short()), slog.String("expected", expected.String()))
	switch {
	case err == nil:
		if expected.Outcome != oracle.OutcomeRestored {
			return fmt.Errorf("%w: restored, oracle says %s", ErrMismatch, expected)
		}
		if !secret.Equal(expected.Secret) {
			return fmt.Errorf("%w: restored a different secret", ErrMismatch)
		}
		log.Info("Restored")
	case errors.Is(err, svr.ErrDataMissing):
		if r.cfg.ForgetShareSet {
			delete(r.shareSets, r.uid)
		}
		if expected.Outcome != oracle.OutcomeNotFound && expected.Outcome != oracle.OutcomeMaxTriesReached {
			return fmt.Errorf("%w: data missing, oracle says %s", ErrMismatch, expected)
		}
		log.Info("Data missing")
	case errors.Is(err, svr.ErrRestoreFailed):
		if correct || expected.Outcome != oracle.OutcomeBadCommitment {
			return fmt.Errorf("%w: restore failed, oracle says %s", ErrMismatch, expected)
		}
		log.Info("Bad commitment")
	default:
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

func (r *Runner) sleep(ctx context.Context) error {
	if r.cfg.Sleep <= 0 {
		return nil
	}
	t := time.NewTimer(r.cfg.Sleep)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
