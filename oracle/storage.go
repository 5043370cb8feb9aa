package oracle

import (
	"errors"
	"fmt"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// ErrNoUID is returned when a backup or restore is applied before SetUID.
var ErrNoUID = errors.New("no user id selected")

// Outcome is the observable result of one transition.
type Outcome int

const (
	OutcomeNothing Outcome = iota
	OutcomeNotFound
	OutcomeRestored
	OutcomeMaxTriesReached
	OutcomeBadCommitment
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNothing:
		return "nothing"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeRestored:
		return "restored"
	case OutcomeMaxTriesReached:
		return "max_tries_reached"
	case OutcomeBadCommitment:
		return "bad_commitment"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ConsumeAttempt spends one restore attempt against a record with tries
// attempts left. correct reports whether the attempt used the right password.
//
//   - tries == 0: MaxTriesReached.
//   - correct: Restored with tries-1 left.
//   - wrong and no tries left afterwards: MaxTriesReached.
//   - wrong otherwise: BadCommitment with tries-1 left.
//
// Records with zero remaining tries must be deleted by the caller.
func ConsumeAttempt(tries uint32, correct bool) (uint32, Outcome) {
	if tries == 0 {
		return 0, OutcomeMaxTriesReached
	}
	remaining := tries - 1
	switch {
	case correct:
		return remaining, OutcomeRestored
	case remaining == 0:
		return 0, OutcomeMaxTriesReached
	default:
		return remaining, OutcomeBadCommitment
	}
}

// Result is an outcome plus the secret for OutcomeRestored.
type Result struct {
	Outcome Outcome
	Secret  interfaces.Secret
}

func (r Result) String() string {
	if r.Outcome == OutcomeRestored {
		return fmt.Sprintf("restored(%x...)", r.Secret[:4])
	}
	return r.Outcome.String()
}

// Cell is one user's record.
type Cell struct {
	Secret    interfaces.Secret
	TriesLeft uint32
}

// Storage is the in-memory reference state. It is not safe for concurrent
// use.
type Storage struct {
	uid    interfaces.UserID
	hasUID bool
	data   map[interfaces.UserID]Cell
	last   Result
}

// NewStorage returns empty storage with no user selected.
func NewStorage() *Storage {
	return &Storage{data: make(map[interfaces.UserID]Cell)}
}

// Clone returns an independent copy.
func (s *Storage) Clone() *Storage {
	c := &Storage{
		uid:    s.uid,
		hasUID: s.hasUID,
		data:   make(map[interfaces.UserID]Cell, len(s.data)),
		last:   s.last,
	}
	for k, v := range s.data {
		c.data[k] = v
	}
	return c
}

// CurrentUID returns the selected user id.
func (s *Storage) CurrentUID() (interfaces.UserID, bool) {
	return s.uid, s.hasUID
}

// TriesLeft returns the remaining attempts for uid.
func (s *Storage) TriesLeft(uid interfaces.UserID) (uint32, bool) {
	cell, ok := s.data[uid]
	return cell.TriesLeft, ok
}

// LastResult is the result of the most recent transition.
func (s *Storage) LastResult() Result {
	return s.last
}

// Apply performs t and returns its result.
func (s *Storage) Apply(t Transition) (Result, error) {
	if t.Kind == SetUID {
		s.uid = t.UID
		s.hasUID = true
		s.last = Result{Outcome: OutcomeNothing}
		return s.last, nil
	}
	if !s.hasUID {
		return Result{}, ErrNoUID
	}

	switch t.Kind {
	case Backup:
		s.data[s.uid] = Cell{Secret: t.Secret, TriesLeft: t.MaxTries}
		s.last = Result{Outcome: OutcomeNothing}
	case Restore, RestoreWithBadPassword:
		s.last = s.restore(t.Kind == Restore)
	default:
		return Result{}, fmt.Errorf("unknown transition %v", t.Kind)
	}
	return s.last, nil
}

func (s *Storage) restore(correct bool) Result {
	cell, ok := s.data[s.uid]
	if !ok {
		return Result{Outcome: OutcomeNotFound}
	}

	remaining, outcome := ConsumeAttempt(cell.TriesLeft, correct)
	if remaining == 0 {
		delete(s.data, s.uid)
	} else {
		cell.TriesLeft = remaining
		s.data[s.uid] = cell
	}

	if outcome == OutcomeRestored {
		return Result{Outcome: outcome, Secret: cell.Secret}
	}
	return Result{Outcome: outcome}
}
