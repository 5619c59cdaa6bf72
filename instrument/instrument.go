// Package instrument implements the second translation stage: given a
// patched basic block, it runs the ordered set of instrumentation rules
// over each patch, letting each rule inject additional host instructions.
package instrument

import "github.com/lookbusy1344/dbi-engine/patch"

// Range is a guest address range an instrumentation rule affects. A zero
// Range (Start == End == 0) means "applies everywhere".
type Range struct {
	Start, End uint64
}

// Contains reports whether addr falls in the range (or the range is the
// "everywhere" sentinel).
func (r Range) Contains(addr uint64) bool {
	if r.Start == 0 && r.End == 0 {
		return true
	}
	return addr >= r.Start && addr < r.End
}

// Rule is a user-supplied or built-in instrumentation rule. The engine
// owns each registered Rule exclusively; Clone returns an independent copy
// so a rule instance need not be shared between two engines. Engine in
// this module has no copy operation and does not call Clone.
type Rule interface {
	// Priority orders rules for both registration (stable ascending-
	// priority insertion) and instrumentation (emission order).
	Priority() int

	// AffectedRange reports which guest addresses this rule instruments;
	// used both to scope TryInstrument and to compute the cache
	// invalidation range when the rule is added or removed.
	AffectedRange() Range

	// TryInstrument may append host instructions to p and/or register
	// callbacks; applied is true if it did anything to this patch.
	TryInstrument(p *patch.Patch) (applied bool, err error)

	// Clone returns an independent copy of this rule for engine copy
	// construction.
	Clone() Rule

	// ChangeVMInstanceRef propagates a new weak handle to the owning VM
	// instance, for rules that hold a back-reference to it.
	ChangeVMInstanceRef(ref any)
}

// Instrumenter runs an ordered rule set over a patched basic block.
type Instrumenter struct {
	Rules []Rule // must already be sorted ascending by Priority
}

// NewInstrumenter returns an Instrumenter over rules, which must already be
// in priority order (the engine's rule registry maintains this).
func NewInstrumenter(rules []Rule) *Instrumenter {
	return &Instrumenter{Rules: rules}
}

// InstrumentBasicBlock applies every rule, in priority order, to each of
// the first patchEnd patches. Multiple rules may instrument the same
// patch; the order host instructions land in is determined by rule
// priority, matching the order TryInstrument is called in.
func (ins *Instrumenter) InstrumentBasicBlock(patches []*patch.Patch, patchEnd int) error {
	for i := 0; i < patchEnd; i++ {
		addr := patches[i].Metadata.GuestAddress
		for _, r := range ins.Rules {
			if !r.AffectedRange().Contains(addr) {
				continue
			}
			if _, err := r.TryInstrument(patches[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
