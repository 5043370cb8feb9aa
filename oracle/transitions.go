package oracle

import (
	"fmt"
	"math/rand"

	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// MaxTriesLimit bounds generated backups: maxTries is drawn from [1, MaxTriesLimit).
const MaxTriesLimit = 10

// TransitionKind enumerates the operations a conformance run performs.
type TransitionKind int

const (
	SetUID TransitionKind = iota
	Backup
	Restore
	RestoreWithBadPassword
)

func (k TransitionKind) String() string {
	switch k {
	case SetUID:
		return "set_uid"
	case Backup:
		return "backup"
	case Restore:
		return "restore"
	case RestoreWithBadPassword:
		return "restore_bad_password"
	default:
		return fmt.Sprintf("transition(%d)", int(k))
	}
}

// Transition is one step of a conformance sequence.
type Transition struct {
	Kind     TransitionKind
	UID      interfaces.UserID // SetUID
	Secret   interfaces.Secret // Backup
	MaxTries uint32            // Backup
}

func (t Transition) String() string {
	switch t.Kind {
	case SetUID:
		return fmt.Sprintf("set_uid(%s)", t.UID.Short())
	case Backup:
		return fmt.Sprintf("backup(%x..., tries=%d)", t.Secret[:4], t.MaxTries)
	default:
		return t.Kind.String()
	}
}

// UIDPool is the small fixed set of user ids generated sequences draw from,
// so that sequences revisit the same records.
var UIDPool = func() [4]interfaces.UserID {
	var pool [4]interfaces.UserID
	for i := range pool {
		for j := range pool[i] {
			pool[i][j] = byte(i)
		}
	}
	return pool
}()

// Weights of SetUID, Backup, Restore and RestoreWithBadPassword.
var transitionWeights = [...]int{1, 2, 3, 1}

// GenerateTransition draws the next transition for state. The first
// transition of a sequence is always SetUID.
func GenerateTransition(rng *rand.Rand, state *Storage) Transition {
	if _, ok := state.CurrentUID(); !ok {
		return Transition{Kind: SetUID, UID: UIDPool[rng.Intn(len(UIDPool))]}
	}

	total := 0
	for _, w := range transitionWeights {
		total += w
	}
	pick := rng.Intn(total)
	kind := SetUID
	for k, w := range transitionWeights {
		if pick < w {
			kind = TransitionKind(k)
			break
		}
		pick -= w
	}

	switch kind {
	case SetUID:
		return Transition{Kind: SetUID, UID: UIDPool[rng.Intn(len(UIDPool))]}
	case Backup:
		var secret interfaces.Secret
		rng.Read(secret[:])
		return Transition{Kind: Backup, Secret: secret, MaxTries: uint32(1 + rng.Intn(MaxTriesLimit-1))}
	default:
		return Transition{Kind: kind}
	}
}

// GenerateSequence draws n transitions starting from empty storage.
func GenerateSequence(rng *rand.Rand, n int) []Transition {
	scratch := NewStorage()
	seq := make([]Transition, 0, n)
	for i := 0; i < n; i++ {
		t := GenerateTransition(rng, scratch)
		if _, err := scratch.Apply(t); err != nil {
			// GenerateTransition always selects a user first.
			panic(err)
		}
		seq = append(seq, t)
	}
	return seq
}
