package oracle

import (
	"bytes"
	"fmt"
	"sort"

	porc "github.com/anishathalye/porcupine"
	"github.com/ruteri/tee-secret-recovery/interfaces"
)

// ModelInput is one operation of a recorded history. SetUID is not an
// operation: every input names its user.
type ModelInput struct {
	UID      interfaces.UserID
	Kind     TransitionKind
	Secret   interfaces.Secret
	MaxTries uint32
}

// ModelOutput is the observed result of an operation.
type ModelOutput = Result

// modelState is one user's record as seen by the porcupine model.
type modelState struct {
	present bool
	cell    Cell
}

// Model returns a porcupine model of the replica group, partitioned by user
// id. Operations on different users never interact.
func Model() porc.Model {
	return porc.Model{
		Partition: func(history []porc.Operation) [][]porc.Operation {
			m := make(map[interfaces.UserID][]porc.Operation)
			for _, op := range history {
				uid := op.Input.(ModelInput).UID
				m[uid] = append(m[uid], op)
			}
			keys := make([]interfaces.UserID, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool {
				return bytes.Compare(keys[i][:], keys[j][:]) < 0
			})
			ret := make([][]porc.Operation, 0, len(keys))
			for _, k := range keys {
				ret = append(ret, m[k])
			}
			return ret
		},
		Init: func() interface{} {
			return modelState{}
		},
		Step: func(state, input, output interface{}) (bool, interface{}) {
			st := state.(modelState)
			in := input.(ModelInput)
			out := output.(ModelOutput)

			switch in.Kind {
			case Backup:
				next := modelState{present: true, cell: Cell{Secret: in.Secret, TriesLeft: in.MaxTries}}
				return out.Outcome == OutcomeNothing, next
			case Restore, RestoreWithBadPassword:
				if !st.present {
					return out.Outcome == OutcomeNotFound, st
				}
				remaining, outcome := ConsumeAttempt(st.cell.TriesLeft, in.Kind == Restore)
				next := modelState{present: remaining > 0, cell: Cell{Secret: st.cell.Secret, TriesLeft: remaining}}
				if !next.present {
					next = modelState{}
				}
				if out.Outcome != outcome {
					return false, st
				}
				if outcome == OutcomeRestored && out.Secret != st.cell.Secret {
					return false, st
				}
				return true, next
			default:
				return false, st
			}
		},
		Equal: func(a, b interface{}) bool {
			return a.(modelState) == b.(modelState)
		},
		DescribeOperation: func(input, output interface{}) string {
			in := input.(ModelInput)
			out := output.(ModelOutput)
			switch in.Kind {
			case Backup:
				return fmt.Sprintf("backup(%s, tries=%d) -> %s", in.UID.Short(), in.MaxTries, out)
			default:
				return fmt.Sprintf("%s(%s) -> %s", in.Kind, in.UID.Short(), out)
			}
		},
	}
}

// CheckHistory reports whether history is linearizable under Model.
func CheckHistory(history []porc.Operation) bool {
	return porc.CheckOperations(Model(), history)
}
