// Package dispatch implements the driver dispatch loop: it iterates
// firmware-volume files of driver type, evaluates each file's dependency
// expression against the protocol database, and loads and starts every file
// whose dependencies are satisfied, repeating until a full pass makes no
// further progress (spec.md section 4.6). Grounded on dxe_core/src/fv.rs,
// where the dispatch loop lives alongside FV file enumeration.
package dispatch

import (
	"dxecore/core"
	"dxecore/core/protocol"

	"github.com/google/uuid"
)

// Depex opcodes, a small postfix-bytecode evaluator shaped closely enough
// after the real UEFI dependency-expression opcode stream to exercise the
// same evaluation logic without importing its full opcode set.
const (
	OpBefore uint8 = iota // unused by evaluation; reserved for schedule ordering
	OpAfter
	OpPush // followed by 16 raw GUID bytes
	OpAnd
	OpOr
	OpNot
	OpTrue
	OpFalse
	OpEnd
)

// EvalDepex evaluates a postfix dependency-expression byte stream against
// the protocols currently installed in the registry (a GUID is "true" if at
// least one handle has it installed). An empty expression is unconditionally
// satisfied: a driver with no DXE_DEPEX section has no dependencies.
func EvalDepex(expr []byte, protocols *protocol.Registry) (bool, error) {
	if len(expr) == 0 {
		return true, nil
	}

	var stack []bool
	pop := func() (bool, error) {
		if len(stack) == 0 {
			return false, core.NewError("dispatch", core.StatusInvalidParameter, "depex stack underflow")
		}
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v, nil
	}

	i := 0
	for i < len(expr) {
		op := expr[i]
		i++
		switch op {
		case OpPush:
			if i+16 > len(expr) {
				return false, core.NewError("dispatch", core.StatusInvalidParameter, "truncated PUSH operand")
			}
			id, err := uuid.FromBytes(expr[i : i+16])
			if err != nil {
				return false, core.Wrap("dispatch", core.StatusInvalidParameter, err, "malformed depex GUID")
			}
			i += 16
			stack = append(stack, len(protocols.LocateByProtocol(id)) > 0)
		case OpAnd:
			b, err := pop()
			if err != nil {
				return false, err
			}
			a, err := pop()
			if err != nil {
				return false, err
			}
			stack = append(stack, a && b)
		case OpOr:
			b, err := pop()
			if err != nil {
				return false, err
			}
			a, err := pop()
			if err != nil {
				return false, err
			}
			stack = append(stack, a || b)
		case OpNot:
			a, err := pop()
			if err != nil {
				return false, err
			}
			stack = append(stack, !a)
		case OpTrue:
			stack = append(stack, true)
		case OpFalse:
			stack = append(stack, false)
		case OpEnd:
			return pop()
		default:
			return false, core.NewError("dispatch", core.StatusInvalidParameter, "unknown depex opcode")
		}
	}
	return pop()
}
