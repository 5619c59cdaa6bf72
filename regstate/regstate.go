// Package regstate defines the guest register state shared by the
// translator, the code cache, and the engine's run loop.
package regstate

// NumGPR is the number of general-purpose guest registers modeled by this
// engine, including the stack pointer and link/return-address register but
// excluding the program counter, which is tracked separately.
const NumGPR = 16

// SPIndex and LRIndex name the GPR slots the engine treats specially. A real
// architecture backend may alias them to whatever register numbering its
// own ABI uses; the engine only relies on GetSP/SetSP and GetLR/SetLR.
const (
	SPIndex = 14
	LRIndex = 15
)

// GPR holds the general-purpose register file plus the program counter.
// Each Engine holds one authoritative copy of this struct, inside its
// shadow Context; ExecBlock.Run executes against that Context by
// reference, so no separate live copy exists.
type GPR struct {
	Regs [NumGPR]uint64
	PC   uint64
}

// GetSP returns the stack pointer.
func (g *GPR) GetSP() uint64 { return g.Regs[SPIndex] }

// SetSP sets the stack pointer.
func (g *GPR) SetSP(v uint64) { g.Regs[SPIndex] = v }

// GetLR returns the link/return-address register.
func (g *GPR) GetLR() uint64 { return g.Regs[LRIndex] }

// SetLR sets the link/return-address register.
func (g *GPR) SetLR(v uint64) { g.Regs[LRIndex] = v }

// Clone returns a value copy, used when the embedder asks for a snapshot it
// may hold onto past the next run() call.
func (g *GPR) Clone() *GPR {
	c := *g
	return &c
}

// NumFPR is the number of floating-point guest registers modeled.
const NumFPR = 8

// FPR holds the floating-point/vector register file. Each register is
// stored as raw bits; interpretation (single vs double, scalar vs vector)
// is left to instrumentation rules and the architecture backend.
type FPR struct {
	Regs [NumFPR][2]uint64 // 128-bit lanes, enough for SSE/NEON-class state
}

// Clone returns a value copy.
func (f *FPR) Clone() *FPR {
	c := *f
	return &c
}

// NumScratch is the number of host-side scratch slots embedded in a
// Context, used by instrumentation rules that inject inline accounting
// (e.g. a basic-block instruction counter) without needing to call back
// into Go per guest instruction.
const NumScratch = 8

// Context is the pair of register files the engine threads through either
// native execution (via the broker) or cached execution (via an ExecBlock),
// plus a small host scratch area. Exactly one Context is authoritative at
// any time; see Engine's shadow field in package engine.
type Context struct {
	GPR     GPR
	FPR     FPR
	Scratch [NumScratch]uint64
}
