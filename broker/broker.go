// Package broker implements the ExecBroker: the decision of whether a
// guest program counter is "instrumented" at all, and the native-execution
// escape hatch for the ranges the embedder has not opted into.
package broker

import (
	"sort"
	"sync"

	"github.com/lookbusy1344/dbi-engine/regstate"
)

// Range is a half-open guest address range, [Start, End).
type Range struct {
	Start, End uint64
}

func (r Range) contains(addr uint64) bool { return addr >= r.Start && addr < r.End }

func (r Range) overlaps(o Range) bool { return r.Start < o.End && o.Start < r.End }

// NativeRunner executes guest code natively (outside the code cache) and
// reports the register state once control returns to the engine-owned
// return trampoline. Real deployments implement this with a genuine
// architecture-specific trampoline and stack-unwind predicate; this
// package ships no backend of its own (the engine's tests use a fake
// NativeRunner defined in engine/engine_test.go).
type NativeRunner interface {
	// CanTransfer is the architecture-specific predicate over call-stack
	// shape deciding whether it is safe to let native code run from pc
	// without the engine losing track of control flow.
	CanTransfer(pc uint64, gpr *regstate.GPR) bool

	// Run restores gpr/fpr, jumps to pc, and blocks until control returns
	// through the engine's return trampoline, writing the resulting state
	// back into gpr/fpr in place.
	Run(pc uint64, gpr *regstate.GPR, fpr *regstate.FPR) error
}

// Broker owns the instrumented-range set and the native-execution escape
// hatch.
type Broker struct {
	mu     sync.RWMutex
	ranges []Range
	native NativeRunner
}

// New returns a Broker with no instrumented ranges and no native runner
// (CanTransferExecution always reports false until one is set).
func New() *Broker {
	return &Broker{}
}

// SetNativeRunner installs the native-execution backend. A nil backend
// (the default) means transfers are never permitted, matching "engine
// instruments everything or runs nothing natively" deployments.
func (b *Broker) SetNativeRunner(r NativeRunner) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.native = r
}

// AddRange registers [start, end) as instrumented.
func (b *Broker) AddRange(start, end uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges = append(b.ranges, Range{Start: start, End: end})
	b.normalizeLocked()
}

// RemoveRange un-registers the portion of the instrumented set overlapping
// [start, end), splitting or shrinking ranges as needed.
func (b *Broker) RemoveRange(start, end uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cut := Range{Start: start, End: end}
	var kept []Range
	for _, r := range b.ranges {
		if !r.overlaps(cut) {
			kept = append(kept, r)
			continue
		}
		if r.Start < cut.Start {
			kept = append(kept, Range{Start: r.Start, End: cut.Start})
		}
		if r.End > cut.End {
			kept = append(kept, Range{Start: cut.End, End: r.End})
		}
	}
	b.ranges = kept
	b.normalizeLocked()
}

// RemoveAll clears the instrumented set entirely.
func (b *Broker) RemoveAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ranges = nil
}

// normalizeLocked sorts and merges adjacent/overlapping ranges, keeping
// IsInstrumented a cheap binary search rather than a linear scan.
func (b *Broker) normalizeLocked() {
	if len(b.ranges) < 2 {
		return
	}
	sort.Slice(b.ranges, func(i, j int) bool { return b.ranges[i].Start < b.ranges[j].Start })
	merged := b.ranges[:1]
	for _, r := range b.ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start <= last.End {
			if r.End > last.End {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	b.ranges = merged
}

// IsInstrumented reports whether pc falls in the instrumented set.
func (b *Broker) IsInstrumented(pc uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	// b.ranges is sorted and non-overlapping after normalizeLocked; binary
	// search for the last range starting at or before pc.
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].Start > pc })
	if i == 0 {
		return false
	}
	return b.ranges[i-1].contains(pc)
}

// CanTransferExecution reports whether control may safely leave the
// engine's cache and run natively from pc. It is only ever consulted for
// a pc that IsInstrumented already reported false for.
func (b *Broker) CanTransferExecution(pc uint64, gpr *regstate.GPR) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.native == nil {
		return false
	}
	return b.native.CanTransfer(pc, gpr)
}

// TransferExecution hands control to the native runner and blocks until it
// returns, writing fresh register state back into gpr/fpr.
func (b *Broker) TransferExecution(pc uint64, gpr *regstate.GPR, fpr *regstate.FPR) error {
	b.mu.RLock()
	runner := b.native
	b.mu.RUnlock()
	if runner == nil {
		return nil
	}
	return runner.Run(pc, gpr, fpr)
}

// Ranges returns a snapshot of the instrumented set, for the observability
// surface (api, inspector).
func (b *Broker) Ranges() []Range {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Range, len(b.ranges))
	copy(out, b.ranges)
	return out
}
