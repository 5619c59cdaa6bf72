package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/broker"
	"github.com/lookbusy1344/dbi-engine/engine"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/instrument"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

const retTarget = 0xDEAD

func movRetImage(imm uint32) []byte {
	var buf []byte
	buf = append(buf, refarch.Encode(refarch.OpMovImm, 0, imm)...)
	buf = append(buf, refarch.Encode(refarch.OpRet, 0, 0)...)
	return buf
}

func newTestEngine(image []byte, base uint64) *engine.Engine {
	mem := assembly.NewFlatMemory(base, image)
	cpu := refarch.New()
	return engine.New(cpu, mem)
}

type eventRecorder struct {
	counts map[event.VMEvent]int
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{counts: make(map[event.VMEvent]int)}
}

var allBits = []event.VMEvent{
	event.SequenceEntry, event.SequenceExit,
	event.BasicBlockEntry, event.BasicBlockExit, event.BasicBlockNew,
	event.ExecTransferCall, event.ExecTransferReturn,
}

func (r *eventRecorder) callback() event.Callback {
	return func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, userData any) event.Action {
		for _, bit := range allBits {
			if state.Event&bit != 0 {
				r.counts[bit]++
			}
		}
		return event.Continue
	}
}

// S1 — single block run.
func TestRunSingleBlock(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	var gpr regstate.GPR
	gpr.SetLR(retTarget)
	eng.SetGPRState(&gpr)

	rec := newEventRecorder()
	mask := event.SequenceEntry | event.SequenceExit | event.BasicBlockEntry | event.BasicBlockExit | event.BasicBlockNew
	_, err := eng.AddVMEventCB(mask, rec.callback(), nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, uint64(0x2a), eng.GetGPRState().Regs[0])

	assert.Equal(t, 1, rec.counts[event.SequenceEntry])
	assert.Equal(t, 1, rec.counts[event.BasicBlockEntry])
	assert.Equal(t, 1, rec.counts[event.BasicBlockNew])
	assert.Equal(t, 1, rec.counts[event.SequenceExit])
	assert.Equal(t, 1, rec.counts[event.BasicBlockExit])
}

// S2 — cache hit: precache is idempotent, and a precached run fires no
// BASIC_BLOCK_NEW.
func TestRunWithPrecache(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	first, err := eng.PrecacheBasicBlock(base)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := eng.PrecacheBasicBlock(base)
	require.NoError(t, err)
	assert.False(t, second)

	var gpr regstate.GPR
	gpr.SetLR(retTarget)
	eng.SetGPRState(&gpr)

	rec := newEventRecorder()
	_, err = eng.AddVMEventCB(event.BasicBlockNew, rec.callback(), nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, rec.counts[event.BasicBlockNew])
}

// fakeNativeRunner simulates a call to uninstrumented code that runs and
// returns, for S3 and invariant 7.
type fakeNativeRunner struct{}

func (fakeNativeRunner) CanTransfer(pc uint64, gpr *regstate.GPR) bool { return true }

func (fakeNativeRunner) Run(pc uint64, gpr *regstate.GPR, fpr *regstate.FPR) error {
	// Simulate native code that clobbers r1 and returns to the caller's LR.
	gpr.Regs[1] = 0x77
	gpr.PC = gpr.GetLR()
	return nil
}

// S3 — transfer out: a call into uninstrumented code that returns raises
// exactly one EXEC_TRANSFER_CALL/EXEC_TRANSFER_RETURN pair, and (invariant
// 7) the shadow state reflects the native call's effect afterward. The
// instrumented block is a single "call" instruction so its return address
// is unambiguous: refarch only tracks GPR.PC at explicit control-flow
// points, so the call's return address is only well defined when it is the
// first instruction the engine enters with GPR.PC preset to its address.
func TestRunTransfersToNativeAndBack(t *testing.T) {
	const base = 0x1000
	const transferTarget = 0x5000
	const returnAddr = base + assembly.InstSize

	image := refarch.Encode(refarch.OpCall, 0, transferTarget)
	eng := newTestEngine(image, base)
	eng.AddInstrumentedRange(base, base+0x10) // transferTarget is outside this range
	eng.SetNativeRunner(fakeNativeRunner{})

	var gpr regstate.GPR
	gpr.PC = base
	eng.SetGPRState(&gpr)

	rec := newEventRecorder()
	fullMask := event.SequenceEntry | event.SequenceExit | event.BasicBlockEntry | event.BasicBlockExit |
		event.BasicBlockNew | event.ExecTransferCall | event.ExecTransferReturn
	_, err := eng.AddVMEventCB(fullMask, rec.callback(), nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, returnAddr)
	require.NoError(t, err)
	assert.True(t, ran)

	assert.Equal(t, 1, rec.counts[event.ExecTransferCall])
	assert.Equal(t, 1, rec.counts[event.ExecTransferReturn])

	// Invariant 7: shadow state reflects the native call's effect.
	assert.Equal(t, uint64(0x77), eng.GetGPRState().Regs[1])
}

// S4 — STOP wins: of two callbacks on the same event, one returning
// CONTINUE and one STOP, the run stops immediately and hasRan is false.
func TestRunStopWinsOverContinue(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	continueCB := func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, ud any) event.Action {
		return event.Continue
	}
	stopCB := func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, ud any) event.Action {
		return event.Stop
	}
	_, err := eng.AddVMEventCB(event.SequenceEntry, continueCB, nil)
	require.NoError(t, err)
	_, err = eng.AddVMEventCB(event.SequenceEntry, stopCB, nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.False(t, ran)
}

// S5 — mid-run rule addition: adding a rule covering the currently
// executing block during a callback defers invalidation until the block is
// no longer current; the next run against that pc retranslates with the
// new rule active, producing BASIC_BLOCK_NEW.
func TestRunMidRuleAdditionDefersInvalidation(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	_, err := eng.PrecacheBasicBlock(base)
	require.NoError(t, err)

	var gpr regstate.GPR
	gpr.SetLR(retTarget)
	eng.SetGPRState(&gpr)

	addedRule := false
	rec := newEventRecorder()
	mixedCB := func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, ud any) event.Action {
		for _, bit := range allBits {
			if state.Event&bit != 0 {
				rec.counts[bit]++
			}
		}
		if !addedRule {
			addedRule = true
			_, rerr := eng.AddInstrRule(refarch.NewCounterRule(instrument.Range{Start: base, End: base + 0x10}, 0, 0))
			require.NoError(t, rerr)
		}
		return event.Continue
	}
	_, err = eng.AddVMEventCB(event.SequenceEntry|event.BasicBlockNew, mixedCB, nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	require.True(t, ran)
	assert.Equal(t, 0, rec.counts[event.BasicBlockNew], "the currently-executing block must not be evicted mid-run")

	// Second run against the same pc: the pending flush commits at the top
	// of this run (curBlockIdx is -1 again), evicting the old translation.
	gpr2 := regstate.GPR{}
	gpr2.SetLR(retTarget)
	eng.SetGPRState(&gpr2)

	ran2, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.True(t, ran2)
	assert.Equal(t, 1, rec.counts[event.BasicBlockNew], "next lookup must retranslate with the new rule active")
}

// TestRunClearCacheMidRunDoesNotPanicOnNextBlock reproduces a two-block run
// where a SEQUENCE_ENTRY callback on the first block calls ClearCache
// against that same block's range, then execution falls through into a
// second block within the SAME Run call. The pending flush must not be
// checked against a stale curBlockIdx still naming the block that just
// finished running, or FlushCommit panics on a spec-sanctioned operation.
func TestRunClearCacheMidRunDoesNotPanicOnNextBlock(t *testing.T) {
	const base = 0x1000
	const second = 0x1008

	var image []byte
	image = append(image, refarch.Encode(refarch.OpJmp, 0, second)...)
	image = append(image, refarch.Encode(refarch.OpRet, 0, 0)...)

	eng := newTestEngine(image, base)
	eng.AddInstrumentedRange(base, base+0x10)

	var gpr regstate.GPR
	gpr.SetLR(retTarget)
	eng.SetGPRState(&gpr)

	cleared := false
	cb := func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, ud any) event.Action {
		if state.CurrentPC == base && !cleared {
			cleared = true
			eng.ClearCache(base, second)
		}
		return event.Continue
	}
	_, err := eng.AddVMEventCB(event.SequenceEntry, cb, nil)
	require.NoError(t, err)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.True(t, ran)
}

// Invariant 6 for rules registered at mixed priorities: every rule id stays
// out of the VM-callback id space. The registry's priority ordering itself
// (invariant 4) needs the unexported instrRules field and is checked in
// engine_internal_test.go.
func TestAddInstrRuleMixedPrioritiesStayInRuleIDSpace(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	lowID, err := eng.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 10, 0))
	require.NoError(t, err)
	highID, err := eng.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 20, 1))
	require.NoError(t, err)
	midID, err := eng.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 15, 2))
	require.NoError(t, err)

	// None of the three ids collides with the VM-callback id space.
	for _, id := range []uint32{lowID, highID, midID} {
		assert.Zero(t, id&engine.EventIDVMMask)
	}
}

// Invariant 6: event-space partition holds for both registries.
func TestEventIDSpacePartition(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)

	ruleID, err := eng.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 0, 0))
	require.NoError(t, err)
	assert.Zero(t, ruleID&engine.EventIDVMMask)

	cbID, err := eng.AddVMEventCB(event.SequenceEntry, func(*event.VMState, *regstate.GPR, *regstate.FPR, any) event.Action {
		return event.Continue
	}, nil)
	require.NoError(t, err)
	assert.NotZero(t, cbID&engine.EventIDVMMask)
}

// S6 needs direct access to the unexported id counter and lives in
// engine_internal_test.go (package engine).

func TestRunReturnsFalseWhenStartNotInstrumented(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	// No AddInstrumentedRange call.
	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestClearCacheThenRunRetranslates(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)
	eng.AddInstrumentedRange(base, base+0x10)

	_, err := eng.PrecacheBasicBlock(base)
	require.NoError(t, err)

	eng.ClearCache(base, base+0x10)
	blocks, _ := eng.BlockCacheStats()
	assert.Equal(t, 0, blocks)

	second, err := eng.PrecacheBasicBlock(base)
	require.NoError(t, err)
	assert.True(t, second, "a cleared pc must precache as new again")
}

func TestModuleMapInstrumentation(t *testing.T) {
	const base = 0x1000
	eng := newTestEngine(movRetImage(0x2a), base)

	eng.ModuleMap().Add(broker.Module{Name: "main", Start: base, End: base + 0x10})
	require.NoError(t, eng.AddInstrumentedModule("main"))

	var gpr regstate.GPR
	gpr.SetLR(retTarget)
	eng.SetGPRState(&gpr)

	ran, err := eng.Run(base, retTarget)
	require.NoError(t, err)
	assert.True(t, ran)
}
