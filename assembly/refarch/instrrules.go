package refarch

import (
	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/instrument"
	"github.com/lookbusy1344/dbi-engine/patch"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// CounterRule is a built-in instrumentation rule: it injects one
// OpCounterBump host instruction after every patch in its affected range,
// incrementing a Context scratch slot once per executed guest instruction
// (or fused group of instructions, for merged patches). It demonstrates
// the general "inject extra host instructions" contract of instrument.Rule
// without needing to re-enter Go for every executed guest instruction.
type CounterRule struct {
	rng      instrument.Range
	priority int
	slot     int
	vmRef    any
}

// NewCounterRule returns a CounterRule counting executed patches within rng
// (a zero Range counts the whole instrumented program) into the given
// Context scratch slot.
func NewCounterRule(rng instrument.Range, priority, slot int) *CounterRule {
	return &CounterRule{rng: rng, priority: priority, slot: slot}
}

// Priority implements instrument.Rule.
func (c *CounterRule) Priority() int { return c.priority }

// AffectedRange implements instrument.Rule.
func (c *CounterRule) AffectedRange() instrument.Range { return c.rng }

// TryInstrument implements instrument.Rule.
func (c *CounterRule) TryInstrument(p *patch.Patch) (bool, error) {
	p.AppendInst(assembly.HostInst{
		Kind:  assembly.RelocPlain,
		Bytes: Encode(OpCounterBump, c.slot, 1),
	})
	return true, nil
}

// Clone implements instrument.Rule.
func (c *CounterRule) Clone() instrument.Rule {
	clone := *c
	return &clone
}

// ChangeVMInstanceRef implements instrument.Rule.
func (c *CounterRule) ChangeVMInstanceRef(ref any) { c.vmRef = ref }

// Count reads the current counter value out of ctx's scratch area.
// Engine's public state accessors (GetGPRState/GetFPRState) return GPR and
// FPR state only, not the scratch area.
func (c *CounterRule) Count(ctx *regstate.Context) uint64 {
	if c.slot < 0 || c.slot >= regstate.NumScratch {
		return 0
	}
	return ctx.Scratch[c.slot]
}
