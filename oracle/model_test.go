package oracle

import (
	"testing"

	porc "github.com/anishathalye/porcupine"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/stretchr/testify/assert"
)

func op(client int, call, ret int64, in ModelInput, out Result) porc.Operation {
	return porc.Operation{ClientId: client, Input: in, Call: call, Output: out, Return: ret}
}

func TestModel_ConcurrentRestores(t *testing.T) {
	uid := UIDPool[3]
	secret := interfaces.Secret{0x99}

	backup := ModelInput{UID: uid, Kind: Backup, Secret: secret, MaxTries: 2}
	restore := ModelInput{UID: uid, Kind: Restore}
	bad := ModelInput{UID: uid, Kind: RestoreWithBadPassword}

	t.Run("overlapping restores both succeed", func(t *testing.T) {
		history := []porc.Operation{
			op(0, 0, 10, backup, Result{Outcome: OutcomeNothing}),
			op(1, 20, 40, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
			op(2, 25, 35, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
			op(1, 50, 60, restore, Result{Outcome: OutcomeNotFound}),
		}
		assert.True(t, CheckHistory(history))
	})

	t.Run("bad guess ordered before good restore", func(t *testing.T) {
		history := []porc.Operation{
			op(0, 0, 10, backup, Result{Outcome: OutcomeNothing}),
			op(1, 20, 40, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
			op(2, 15, 45, bad, Result{Outcome: OutcomeBadCommitment}),
		}
		assert.True(t, CheckHistory(history))
	})

	t.Run("third restore cannot succeed", func(t *testing.T) {
		history := []porc.Operation{
			op(0, 0, 10, backup, Result{Outcome: OutcomeNothing}),
			op(1, 20, 30, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
			op(1, 40, 50, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
			op(1, 60, 70, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
		}
		assert.False(t, CheckHistory(history))
	})

	t.Run("wrong secret", func(t *testing.T) {
		history := []porc.Operation{
			op(0, 0, 10, backup, Result{Outcome: OutcomeNothing}),
			op(1, 20, 30, restore, Result{Outcome: OutcomeRestored, Secret: interfaces.Secret{0x01}}),
		}
		assert.False(t, CheckHistory(history))
	})

	t.Run("partitions are independent", func(t *testing.T) {
		other := UIDPool[0]
		history := []porc.Operation{
			op(0, 0, 10, backup, Result{Outcome: OutcomeNothing}),
			op(1, 5, 15, ModelInput{UID: other, Kind: Restore}, Result{Outcome: OutcomeNotFound}),
			op(1, 20, 30, restore, Result{Outcome: OutcomeRestored, Secret: secret}),
		}
		assert.True(t, CheckHistory(history))
	})
}
