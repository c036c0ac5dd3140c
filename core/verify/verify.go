// Package verify runs platform hand-off consistency checks over a decoded
// descriptor list before the core trusts it (spec.md section 4.9). Grounded
// on kernel/kernel.go's sequential subsystem-init checklist, reshaped into
// the capability-set convention of a slice of named checks instead of a
// fixed call sequence, since these checks are data validations rather than
// subsystem bring-up steps.
package verify

import "dxecore/core/hob"

// Requirement validates one property of a decoded hand-off descriptor list,
// returning a descriptive error on violation. Modeled as a function value
// rather than an interface (spec.md section 9, "capability set, no
// inheritance hierarchies").
type Requirement func(entries []hob.Entry) error

// Runner executes a fixed, registration-ordered list of Requirements.
type Runner struct {
	requirements []named
}

type named struct {
	name string
	fn   Requirement
}

// New returns a Runner with no requirements registered.
func New() *Runner {
	return &Runner{}
}

// Register appends a Requirement, under name, to the end of the run order.
func (r *Runner) Register(name string, fn Requirement) {
	r.requirements = append(r.requirements, named{name: name, fn: fn})
}

// Run executes every registered Requirement in registration order, stopping
// and returning the first failure (spec.md section 4.9: "short-circuit on
// first failure").
func (r *Runner) Run(entries []hob.Entry) error {
	for _, n := range r.requirements {
		if err := n.fn(entries); err != nil {
			return &Violation{Requirement: n.name, Cause: err}
		}
	}
	return nil
}

// Violation wraps a Requirement's failure with the name it was registered
// under, so a caller can report which check failed without the Requirement
// itself needing to embed its own name.
type Violation struct {
	Requirement string
	Cause       error
}

func (v *Violation) Error() string {
	return "verify: requirement " + v.Requirement + " failed: " + v.Cause.Error()
}

func (v *Violation) Unwrap() error { return v.Cause }

// Standard registers the four hand-off consistency checks spec.md section
// 4.9 names, in the order given there.
func Standard(r *Runner) {
	r.Register("no-overlapping-memory-resources", NoOverlappingMemoryResources)
	r.Register("consistent-overlap-attributes", ConsistentOverlapAttributes)
	r.Register("v1-v2-coverage-equal", V1V2CoverageEqual)
	r.Register("memory-protection-settings-present", MemoryProtectionSettingsPresent)
}
