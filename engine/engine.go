// Package engine implements the orchestrator: the run loop, rule
// registries, GPR/FPR shadow state, and cache-clearing policy that ties
// together patch, instrument, execblock, and broker.
package engine

import (
	"fmt"
	"sort"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/broker"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/execblock"
	"github.com/lookbusy1344/dbi-engine/instrument"
	"github.com/lookbusy1344/dbi-engine/patch"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// EventIDVMMask distinguishes VM-callback ids from instrumentation-rule
// ids: a set bit means "this id refers to a VM callback".
const EventIDVMMask uint32 = 1 << 30

// InvalidEventID is returned by AddInstrRule/AddVMEventCB when the
// relevant id counter would collide with EventIDVMMask.
const InvalidEventID uint32 = ^uint32(0)

type registeredRule struct {
	id   uint32
	rule instrument.Rule
}

type registeredCB struct {
	id  uint32
	reg event.Registration
}

// InstAnalysis is the result of GetInstAnalysis: a decoded instruction
// found in a cached block. Only the fields requested by the analysisType
// bitmask passed to GetInstAnalysis are populated.
type InstAnalysis struct {
	Address  uint64
	Size     int
	Mnemonic string
}

// InstAnalysisType selects which of InstAnalysis's fields GetInstAnalysis
// populates, so a caller that only wants the address/size of a cached
// instruction isn't forced to pay for disassembly.
type InstAnalysisType uint32

const (
	// AnalysisInstruction populates Address and Size.
	AnalysisInstruction InstAnalysisType = 1 << iota
	// AnalysisDisassembly populates Mnemonic.
	AnalysisDisassembly

	// AnalysisFull requests every field.
	AnalysisFull = AnalysisInstruction | AnalysisDisassembly
)

// Engine is strictly single-threaded per instance: one goroutine owns an
// Engine and calls Run/PrecacheBasicBlock/the configuration methods.
// Concurrent calls from other goroutines are undefined; the engine itself
// does not lock (its execblock.Manager and broker.Broker do, but that
// guards their own bookkeeping, not cross-engine-method atomicity).
type Engine struct {
	cpu     assembly.CPU
	decoder assembly.Decoder
	mem     assembly.GuestMemory

	patcher *patch.Patcher

	execMgr    *execblock.Manager
	execBroker *broker.Broker
	moduleMap  *broker.ModuleMap

	instrRules []registeredRule
	nextRuleID uint32

	vmCallbacks []registeredCB
	nextCBID    uint32
	eventMask   event.VMEvent

	// shadow is the single authoritative register context. The data model
	// describes a shadow/live split with pointer retargeting into an
	// ExecBlock's own embedded context; this implementation's ExecBlock.Run
	// takes the context by reference instead of owning a private copy, so
	// shadow and live collapse into one slot with no copy-in/copy-out step
	// — see DESIGN.md for why that's a faithful simplification rather than
	// a missing feature.
	shadow regstate.Context

	running     bool
	hasRan      bool
	inBB        bool
	curBlockIdx int
}

// New returns an Engine over the given CPU backend and guest memory, with
// patchRules consulted in order ahead of the built-in passthrough default.
func New(cpu assembly.CPU, mem assembly.GuestMemory, patchRules ...patch.Rule) *Engine {
	rules := append(append([]patch.Rule{}, patchRules...), patch.PassthroughRule{})
	return &Engine{
		cpu:         cpu,
		decoder:     cpu,
		mem:         mem,
		patcher:     patch.NewPatcher(cpu, rules...),
		execMgr:     execblock.NewManager(cpu, execblock.DefaultBlockCapacity),
		execBroker:  broker.New(),
		moduleMap:   broker.NewModuleMap(),
		curBlockIdx: -1,
	}
}

// Configure validates the requested CPU name against the configured
// backend. Reconfiguration fails loudly if the engine is running.
func (e *Engine) Configure(cpuName string) error {
	if e.running {
		panic("engine: configure called while running")
	}
	if cpuName != "" && cpuName != e.cpu.Name() {
		return fmt.Errorf("engine: unsupported cpu %q (backend is %q)", cpuName, e.cpu.Name())
	}
	return nil
}

// ModuleMap exposes the module table backing AddInstrumentedModule and
// friends, for callers to populate from platform-specific mapping info.
func (e *Engine) ModuleMap() *broker.ModuleMap { return e.moduleMap }

// SetNativeRunner installs the architecture-specific native-execution
// backend used by EXEC_TRANSFER_CALL/EXEC_TRANSFER_RETURN.
func (e *Engine) SetNativeRunner(r broker.NativeRunner) { e.execBroker.SetNativeRunner(r) }

// AddInstrumentedRange adds [start, end) to the broker's instrumented set.
func (e *Engine) AddInstrumentedRange(start, end uint64) { e.execBroker.AddRange(start, end) }

// RemoveInstrumentedRange removes [start, end) from the instrumented set.
func (e *Engine) RemoveInstrumentedRange(start, end uint64) { e.execBroker.RemoveRange(start, end) }

// AddInstrumentedModule instruments the named module's whole mapping.
func (e *Engine) AddInstrumentedModule(name string) error {
	return e.execBroker.AddModule(e.moduleMap, name)
}

// AddInstrumentedModuleFromAddr instruments the mapping containing addr.
func (e *Engine) AddInstrumentedModuleFromAddr(addr uint64) error {
	return e.execBroker.AddModuleFromAddr(e.moduleMap, addr)
}

// RemoveInstrumentedModule un-instruments the named module's mapping.
func (e *Engine) RemoveInstrumentedModule(name string) error {
	return e.execBroker.RemoveModule(e.moduleMap, name)
}

// InstrumentAllExecutableMaps instruments every known executable mapping.
func (e *Engine) InstrumentAllExecutableMaps() { e.execBroker.InstrumentAll(e.moduleMap) }

// RemoveAllInstrumentedRanges clears the instrumented set entirely.
func (e *Engine) RemoveAllInstrumentedRanges() { e.execBroker.RemoveAll() }

func toExecRange(r instrument.Range) execblock.Range {
	if r.Start == 0 && r.End == 0 {
		return execblock.Range{Start: 0, End: ^uint64(0)}
	}
	return execblock.Range{Start: r.Start, End: r.End}
}

// AddInstrRule registers rule at the first position whose priority is
// strictly greater than its own (stable ascending-priority insertion),
// and invalidates the cache over the rule's affected range.
func (e *Engine) AddInstrRule(rule instrument.Rule) (uint32, error) {
	if e.nextRuleID >= EventIDVMMask {
		return InvalidEventID, fmt.Errorf("engine: instrumentation rule id space exhausted")
	}
	id := e.nextRuleID
	e.nextRuleID++

	idx := sort.Search(len(e.instrRules), func(i int) bool {
		return e.instrRules[i].rule.Priority() > rule.Priority()
	})
	e.instrRules = append(e.instrRules, registeredRule{})
	copy(e.instrRules[idx+1:], e.instrRules[idx:])
	e.instrRules[idx] = registeredRule{id: id, rule: rule}

	e.execMgr.ClearCache(toExecRange(rule.AffectedRange()))
	return id, nil
}

// AddVMEventCB registers cb for the events in mask, returning an id with
// EventIDVMMask set.
func (e *Engine) AddVMEventCB(mask event.VMEvent, cb event.Callback, userData any) (uint32, error) {
	if e.nextCBID >= EventIDVMMask {
		return InvalidEventID, fmt.Errorf("engine: VM callback id space exhausted")
	}
	id := e.nextCBID | EventIDVMMask
	e.nextCBID++
	e.vmCallbacks = append(e.vmCallbacks, registeredCB{
		id:  id,
		reg: event.Registration{ID: id, EventMask: mask, Function: cb, UserData: userData},
	})
	e.recomputeEventMask()
	return id, nil
}

// DeleteInstrumentation removes the instrumentation rule or VM callback
// with the given id, detecting which registry it belongs to from
// EventIDVMMask, and reports whether anything was removed.
func (e *Engine) DeleteInstrumentation(id uint32) bool {
	if id&EventIDVMMask != 0 {
		for i, c := range e.vmCallbacks {
			if c.id == id {
				e.vmCallbacks = append(e.vmCallbacks[:i], e.vmCallbacks[i+1:]...)
				e.recomputeEventMask()
				return true
			}
		}
		return false
	}
	for i, r := range e.instrRules {
		if r.id == id {
			rng := r.rule.AffectedRange()
			e.instrRules = append(e.instrRules[:i], e.instrRules[i+1:]...)
			e.execMgr.ClearCache(toExecRange(rng))
			return true
		}
	}
	return false
}

// DeleteAllInstrumentations clears both registries, invalidates the whole
// cache, and resets the id counters and event mask.
func (e *Engine) DeleteAllInstrumentations() {
	e.instrRules = nil
	e.vmCallbacks = nil
	e.nextRuleID = 0
	e.nextCBID = 0
	e.eventMask = 0
	e.execMgr.ClearAll()
}

func (e *Engine) recomputeEventMask() {
	var m event.VMEvent
	for _, c := range e.vmCallbacks {
		m |= c.reg.EventMask
	}
	e.eventMask = m
}

func (e *Engine) instrRuleSlice() []instrument.Rule {
	out := make([]instrument.Rule, len(e.instrRules))
	for i, r := range e.instrRules {
		out[i] = r.rule
	}
	return out
}

// ChangeVMInstanceRef propagates a new weak handle to the code cache and
// every registered instrumentation rule. Fails loudly if running.
func (e *Engine) ChangeVMInstanceRef(ref any) {
	if e.running {
		panic("engine: changeVMInstanceRef called while running")
	}
	e.execMgr.ChangeVMInstanceRef(ref)
	for _, r := range e.instrRules {
		r.rule.ChangeVMInstanceRef(ref)
	}
}

// PrecacheBasicBlock translates and caches the basic block at pc if it
// isn't already cached. Returns true the first time for a given pc, false
// on every subsequent call until an invalidating ClearCache intervenes.
// Fails loudly if called while running.
func (e *Engine) PrecacheBasicBlock(pc uint64) (bool, error) {
	if e.running {
		panic("engine: precacheBasicBlock called while running")
	}
	if e.execMgr.IsFlushPending() {
		e.execMgr.FlushCommit(-1)
	}
	if blk, _ := e.execMgr.GetExecBlock(pc); blk != nil {
		return false, nil
	}
	if err := e.handleNewBasicBlock(pc); err != nil {
		return false, err
	}
	return true, nil
}

// handleNewBasicBlock patches, instruments, and writes the basic block
// starting at pc, splitting across ExecBlocks if it doesn't fit in one.
func (e *Engine) handleNewBasicBlock(pc uint64) error {
	patches, err := e.patcher.PatchBasicBlock(e.mem, pc)
	if err != nil {
		return err
	}

	bbStart := patches[0].Metadata.GuestAddress
	last := patches[len(patches)-1]
	bbEnd := last.Metadata.GuestAddress + uint64(last.Metadata.GuestInstSize)

	remaining := patches
	for len(remaining) > 0 {
		patchEnd := e.execMgr.PreWriteBasicBlock(remaining)
		if patchEnd == 0 {
			// A single patch too large even for a fresh block: a
			// programming bug in a patch/instrumentation rule, not a
			// runtime condition.
			panic(fmt.Sprintf("engine: patch at 0x%x cannot fit in a fresh block", remaining[0].Metadata.GuestAddress))
		}

		ins := instrument.NewInstrumenter(e.instrRuleSlice())
		if err := ins.InstrumentBasicBlock(remaining, patchEnd); err != nil {
			return err
		}
		if _, _, err := e.execMgr.WriteBasicBlock(remaining, patchEnd, bbStart, bbEnd); err != nil {
			return err
		}
		remaining = remaining[patchEnd:]
	}
	return nil
}

// signalEvent is the cheap-gated event dispatcher: it returns CONTINUE
// without constructing a VMState if ev doesn't intersect the cached
// eventMask, otherwise it calls every callback whose mask intersects ev,
// in registration order, and reduces their results to the maximum action.
func (e *Engine) signalEvent(ev event.VMEvent, pc uint64, loc *event.SeqLoc) event.Action {
	if ev&e.eventMask == 0 {
		return event.Continue
	}
	state := event.FromSeqLoc(loc)
	state.Event = ev
	state.CurrentPC = pc

	action := event.Continue
	for _, c := range e.vmCallbacks {
		if c.reg.EventMask&ev == 0 {
			continue
		}
		action = event.Max(action, c.reg.Function(&state, &e.shadow.GPR, &e.shadow.FPR, c.reg.UserData))
	}
	return action
}

// Run executes guest code from start until the PC equals stop, delivering
// events and invoking either broker-mediated native execution or cached
// instrumented execution per PC, as described in the run loop design.
// Returns false immediately, with no events raised, if start is not in
// the instrumented set.
func (e *Engine) Run(start, stop uint64) (bool, error) {
	if e.running {
		panic("engine: run called while already running")
	}
	if !e.execBroker.IsInstrumented(start) {
		return false, nil
	}

	e.running = true
	e.hasRan = false
	e.inBB = false
	e.curBlockIdx = -1
	curPC := start

	defer func() {
		e.running = false
		e.curBlockIdx = -1
	}()

runLoop:
	for curPC != stop {
		var action event.Action

		if !e.execBroker.IsInstrumented(curPC) && e.execBroker.CanTransferExecution(curPC, &e.shadow.GPR) {
			e.inBB = false
			e.curBlockIdx = -1

			action = e.signalEvent(event.ExecTransferCall, curPC, nil)
			if action == event.Continue {
				if err := e.execBroker.TransferExecution(curPC, &e.shadow.GPR, &e.shadow.FPR); err != nil {
					return e.hasRan, err
				}
			}
			// Dispatched unconditionally, even when EXEC_TRANSFER_CALL
			// returned something other than CONTINUE and the native
			// transfer was skipped — see DESIGN.md for the related
			// decision about whether this event should ever be skippable.
			//
			// Both transfer events carry the transfer target (curPC),
			// not the address execution resumes at after the native
			// call returns, matching the reference engine's own
			// CurrentPC convention for exec-transfer events.
			retAction := e.signalEvent(event.ExecTransferReturn, curPC, nil)
			action = event.Max(action, retAction)
		} else {
			if e.execMgr.IsFlushPending() {
				e.execMgr.FlushCommit(e.curBlockIdx)
			}

			blk, loc := e.execMgr.GetProgrammedExecBlock(curPC)
			isNew := false
			if blk == nil {
				if err := e.handleNewBasicBlock(curPC); err != nil {
					return e.hasRan, err
				}
				blk, loc = e.execMgr.GetProgrammedExecBlock(curPC)
				if blk == nil {
					panic(fmt.Sprintf("engine: lookup of just-written block at 0x%x failed", curPC))
				}
				isNew = true
			}
			e.curBlockIdx = blk.ID

			ev := event.SequenceEntry
			if !e.inBB {
				ev |= event.BasicBlockEntry
				e.inBB = true
			}
			if isNew {
				ev |= event.BasicBlockNew
			}

			action = e.signalEvent(ev, curPC, loc)
			if action == event.Continue {
				bbEnded, err := blk.Run(&e.shadow)
				if err != nil {
					return e.hasRan, err
				}
				e.hasRan = true

				// blk.Run always leaves this block, whether by a guest
				// ModifyPC instruction or by running off into
				// SeqInfo.ContinuesAt; curBlockIdx must not keep naming it
				// into the next iteration, or a flush pending against this
				// block id would wrongly look "currently executing" and
				// FlushCommit would panic.
				e.curBlockIdx = -1

				exitEv := event.SequenceExit
				if bbEnded {
					exitEv |= event.BasicBlockExit
					e.inBB = false
				}
				action = event.Max(action, e.signalEvent(exitEv, e.shadow.GPR.PC, loc))
			}
		}

		switch action {
		case event.Stop:
			break runLoop
		case event.BreakToVM:
			e.inBB = false
			e.curBlockIdx = -1
		}
		curPC = e.shadow.GPR.PC
	}

	return e.hasRan, nil
}

// GetInstAnalysis looks up a cached instruction by guest address and
// returns the fields analysisType selects. Returns false if not cached.
func (e *Engine) GetInstAnalysis(addr uint64, analysisType InstAnalysisType) (*InstAnalysis, bool) {
	blk, _ := e.execMgr.GetExecBlock(addr)
	if blk == nil {
		return nil, false
	}
	for _, inst := range blk.InstRegistry() {
		if inst.GuestAddress != addr {
			continue
		}
		decoded, err := e.decoder.Decode(e.mem, addr)
		if err != nil {
			return nil, false
		}
		result := &InstAnalysis{}
		if analysisType&AnalysisInstruction != 0 {
			result.Address = addr
			result.Size = decoded.Size
		}
		if analysisType&AnalysisDisassembly != 0 {
			result.Mnemonic = e.decoder.Disassemble(decoded)
		}
		return result, true
	}
	return nil, false
}

// ClearCache invalidates cached translations over [start, end), committing
// immediately if the engine is not running.
func (e *Engine) ClearCache(start, end uint64) {
	e.execMgr.ClearCache(execblock.Range{Start: start, End: end})
	if !e.running && e.execMgr.IsFlushPending() {
		e.execMgr.FlushCommit(-1)
	}
}

// ClearAllCache invalidates every cached translation, committing
// immediately if the engine is not running.
func (e *Engine) ClearAllCache() {
	e.execMgr.ClearAll()
	if !e.running && e.execMgr.IsFlushPending() {
		e.execMgr.FlushCommit(-1)
	}
}

// GetGPRState returns a copy of the shadow GPR state.
func (e *Engine) GetGPRState() regstate.GPR { return e.shadow.GPR }

// SetGPRState overwrites the shadow GPR state. A nil s is ignored.
func (e *Engine) SetGPRState(s *regstate.GPR) {
	if s == nil {
		return
	}
	e.shadow.GPR = *s
}

// GetFPRState returns a copy of the shadow FPR state.
func (e *Engine) GetFPRState() regstate.FPR { return e.shadow.FPR }

// SetFPRState overwrites the shadow FPR state. A nil s is ignored.
func (e *Engine) SetFPRState(s *regstate.FPR) {
	if s == nil {
		return
	}
	e.shadow.FPR = *s
}

// IsPreInst reports whether the engine is currently outside any cached
// block (no basic block entered since the last exit, STOP, or transfer),
// i.e. positioned exactly at a block/sequence boundary.
func (e *Engine) IsPreInst() bool { return e.curBlockIdx == -1 }

// BlockCacheStats exposes code-cache occupancy for the observability
// surface (api, inspector).
func (e *Engine) BlockCacheStats() (blocks, bytesUsed int) {
	return e.execMgr.BlockCount(), e.execMgr.BytesUsed()
}

// InstrumentedRanges exposes the broker's instrumented set for the
// observability surface.
func (e *Engine) InstrumentedRanges() []broker.Range { return e.execBroker.Ranges() }
