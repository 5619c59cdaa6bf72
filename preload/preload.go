// Package preload models the external bootstrap layer described in the
// engine's design notes: the component that traps the target's entry
// point, captures CPU state before the guest ever executes a real
// instruction, and hands that state to a freshly constructed engine.
//
// A real preload is platform glue (shared-library injection, a
// first-chance signal handler, a trap opcode patched over the entry
// byte) that has no portable Go expression and is explicitly out of this
// engine's scope. What's modeled here is its contract: capture once,
// allocate an execution context separate from the guest's own stack, and
// call run(entryPC, returnAddr) from there. The "shadow stack" becomes a
// goroutine — the one place in ordinary Go code where a new, genuinely
// separate stack is free for the asking.
package preload

import (
	"github.com/lookbusy1344/dbi-engine/engine"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// DefaultShadowStackBytes is a nominal size recorded on EntryTrap for
// introspection; Go's runtime grows goroutine stacks on demand, so it is
// not used to size an allocation directly.
const DefaultShadowStackBytes = 64 * 1024

// EntryTrap is the captured state at the moment a trap instruction fired
// at the target's entry point, before any guest instruction has run.
type EntryTrap struct {
	EntryPC    uint64
	ReturnAddr uint64
	GPR        regstate.GPR
	FPR        regstate.FPR

	ShadowStackBytes int
}

// CaptureEntry builds an EntryTrap from state a real preload would have
// read off the trapped thread's register file and the guest stack's
// return-address slot.
func CaptureEntry(entryPC, returnAddr uint64, gpr regstate.GPR, fpr regstate.FPR) *EntryTrap {
	return &EntryTrap{
		EntryPC:          entryPC,
		ReturnAddr:       returnAddr,
		GPR:              gpr,
		FPR:              fpr,
		ShadowStackBytes: DefaultShadowStackBytes,
	}
}

// bootstrapResult carries a bootstrap goroutine's outcome back to its caller.
type bootstrapResult struct {
	ran bool
	err error
}

// Bootstrap loads the captured state into eng's shadow registers and
// invokes run(entryPC, returnAddr) on a dedicated goroutine, the
// stand-in for switching onto a private shadow stack before the engine
// ever touches the guest's own stack. It blocks until that run returns.
func (t *EntryTrap) Bootstrap(eng *engine.Engine) (bool, error) {
	gpr := t.GPR
	fpr := t.FPR
	eng.SetGPRState(&gpr)
	eng.SetFPRState(&fpr)

	result := make(chan bootstrapResult, 1)
	go func() {
		ran, err := eng.Run(t.EntryPC, t.ReturnAddr)
		result <- bootstrapResult{ran: ran, err: err}
	}()

	r := <-result
	return r.ran, r.err
}
