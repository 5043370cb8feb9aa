package oracle

import (
	"math/rand"
	"testing"

	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeAttempt(t *testing.T) {
	tests := []struct {
		tries     uint32
		correct   bool
		remaining uint32
		outcome   Outcome
	}{
		{0, true, 0, OutcomeMaxTriesReached},
		{0, false, 0, OutcomeMaxTriesReached},
		{1, true, 0, OutcomeRestored},
		{1, false, 0, OutcomeMaxTriesReached},
		{2, true, 1, OutcomeRestored},
		{2, false, 1, OutcomeBadCommitment},
		{9, false, 8, OutcomeBadCommitment},
	}

	for _, tt := range tests {
		remaining, outcome := ConsumeAttempt(tt.tries, tt.correct)
		assert.Equal(t, tt.remaining, remaining, "tries=%d correct=%v", tt.tries, tt.correct)
		assert.Equal(t, tt.outcome, outcome, "tries=%d correct=%v", tt.tries, tt.correct)
	}
}

func apply(t *testing.T, s *Storage, tr Transition) Result {
	t.Helper()
	res, err := s.Apply(tr)
	require.NoError(t, err)
	return res
}

func TestStorage_Scenarios(t *testing.T) {
	uid := UIDPool[1]
	secret := interfaces.Secret{0x42}

	t.Run("restore exhausts tries", func(t *testing.T) {
		s := NewStorage()
		apply(t, s, Transition{Kind: SetUID, UID: uid})
		assert.Equal(t, OutcomeNothing, apply(t, s, Transition{Kind: Backup, Secret: secret, MaxTries: 3}).Outcome)

		for expected := uint32(2); expected > 0; expected-- {
			res := apply(t, s, Transition{Kind: Restore})
			assert.Equal(t, OutcomeRestored, res.Outcome)
			assert.Equal(t, secret, res.Secret)
			tries, ok := s.TriesLeft(uid)
			require.True(t, ok)
			assert.Equal(t, expected, tries)
		}

		res := apply(t, s, Transition{Kind: Restore})
		assert.Equal(t, OutcomeRestored, res.Outcome)
		_, ok := s.TriesLeft(uid)
		assert.False(t, ok, "record is deleted once no tries remain")

		assert.Equal(t, OutcomeNotFound, apply(t, s, Transition{Kind: Restore}).Outcome)
	})

	t.Run("backup overwrites and resets tries", func(t *testing.T) {
		s := NewStorage()
		apply(t, s, Transition{Kind: SetUID, UID: uid})
		apply(t, s, Transition{Kind: Backup, Secret: secret, MaxTries: 2})
		apply(t, s, Transition{Kind: RestoreWithBadPassword})

		other := interfaces.Secret{0x43}
		apply(t, s, Transition{Kind: Backup, Secret: other, MaxTries: 5})
		tries, _ := s.TriesLeft(uid)
		assert.Equal(t, uint32(5), tries)

		res := apply(t, s, Transition{Kind: Restore})
		assert.Equal(t, other, res.Secret)
	})

	t.Run("single try wrong password", func(t *testing.T) {
		s := NewStorage()
		apply(t, s, Transition{Kind: SetUID, UID: uid})
		apply(t, s, Transition{Kind: Backup, Secret: secret, MaxTries: 1})
		assert.Equal(t, OutcomeMaxTriesReached, apply(t, s, Transition{Kind: RestoreWithBadPassword}).Outcome)
		assert.Equal(t, OutcomeNotFound, apply(t, s, Transition{Kind: Restore}).Outcome)
	})

	t.Run("bad commitment then restore", func(t *testing.T) {
		s := NewStorage()
		apply(t, s, Transition{Kind: SetUID, UID: uid})
		apply(t, s, Transition{Kind: Backup, Secret: secret, MaxTries: 2})
		assert.Equal(t, OutcomeBadCommitment, apply(t, s, Transition{Kind: RestoreWithBadPassword}).Outcome)

		res := apply(t, s, Transition{Kind: Restore})
		assert.Equal(t, OutcomeRestored, res.Outcome)
		assert.Equal(t, secret, res.Secret)
		_, ok := s.TriesLeft(uid)
		assert.False(t, ok)
	})

	t.Run("users are isolated", func(t *testing.T) {
		s := NewStorage()
		apply(t, s, Transition{Kind: SetUID, UID: UIDPool[0]})
		apply(t, s, Transition{Kind: Backup, Secret: secret, MaxTries: 1})
		apply(t, s, Transition{Kind: SetUID, UID: UIDPool[2]})
		assert.Equal(t, OutcomeNotFound, apply(t, s, Transition{Kind: Restore}).Outcome)
		apply(t, s, Transition{Kind: SetUID, UID: UIDPool[0]})
		assert.Equal(t, OutcomeRestored, apply(t, s, Transition{Kind: Restore}).Outcome)
	})
}

func TestStorage_RequiresUID(t *testing.T) {
	s := NewStorage()
	_, err := s.Apply(Transition{Kind: Restore})
	assert.ErrorIs(t, err, ErrNoUID)
}

func TestStorage_Clone(t *testing.T) {
	s := NewStorage()
	apply(t, s, Transition{Kind: SetUID, UID: UIDPool[0]})
	apply(t, s, Transition{Kind: Backup, Secret: interfaces.Secret{1}, MaxTries: 3})

	c := s.Clone()
	apply(t, c, Transition{Kind: Restore})

	tries, _ := s.TriesLeft(UIDPool[0])
	assert.Equal(t, uint32(3), tries)
	tries, _ = c.TriesLeft(UIDPool[0])
	assert.Equal(t, uint32(2), tries)
}

func TestGenerateSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	seq := GenerateSequence(rng, 500)
	require.Len(t, seq, 500)
	assert.Equal(t, SetUID, seq[0].Kind)

	counts := map[TransitionKind]int{}
	for _, tr := range seq {
		counts[tr.Kind]++
		switch tr.Kind {
		case Backup:
			assert.GreaterOrEqual(t, tr.MaxTries, uint32(1))
			assert.Less(t, tr.MaxTries, uint32(MaxTriesLimit))
		case SetUID:
			assert.Contains(t, UIDPool[:], tr.UID)
		}
	}
	for _, kind := range []TransitionKind{SetUID, Backup, Restore, RestoreWithBadPassword} {
		assert.Positive(t, counts[kind], "kind %s never generated", kind)
	}
	assert.Greater(t, counts[Restore], counts[RestoreWithBadPassword])

	// Same seed, same sequence
	assert.Equal(t, seq, GenerateSequence(rand.New(rand.NewSource(1)), 500))
}
