// Package builtin provides ready-made VM event callbacks for common
// instrumentation needs that operate purely at event boundaries (no
// per-instruction code injection), so they're implemented as
// event.Callback closures rather than instrument.Rule implementations —
// contrast refarch.CounterRule, which needs to inject host bytes and so
// lives next to the architecture backend instead.
package builtin

import (
	"fmt"
	"io"

	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// Tracer accumulates a record of every basic-block entry seen while
// installed, for later inspection or export.
type Tracer struct {
	out     io.Writer
	entries []TraceEntry
}

// TraceEntry is one recorded basic-block entry.
type TraceEntry struct {
	PC      uint64
	BBStart uint64
	BBEnd   uint64
}

// NewTracer returns a Tracer. If out is non-nil, every entry is also
// written to it as it's recorded (e.g. for piping to a log file).
func NewTracer(out io.Writer) *Tracer {
	return &Tracer{out: out}
}

// Entries returns every basic-block entry recorded so far.
func (t *Tracer) Entries() []TraceEntry {
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Callback is the event.Callback to register for event.BasicBlockEntry.
func (t *Tracer) Callback() event.Callback {
	return func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, userData any) event.Action {
		e := TraceEntry{PC: state.CurrentPC, BBStart: state.BasicBlockStart, BBEnd: state.BasicBlockEnd}
		t.entries = append(t.entries, e)
		if t.out != nil {
			fmt.Fprintf(t.out, "bb 0x%x [0x%x,0x%x)\n", e.PC, e.BBStart, e.BBEnd)
		}
		return event.Continue
	}
}

// RangeLimiter returns BREAK_TO_VM for every dispatched event whose PC
// lies outside [Start, End), useful for bounding exploratory runs of code whose
// total extent isn't known ahead of time without unwinding the run loop
// entirely — the caller decides from there whether to stop or redirect.
type RangeLimiter struct {
	Start, End uint64
}

// NewRangeLimiter returns a RangeLimiter over [start, end).
func NewRangeLimiter(start, end uint64) *RangeLimiter {
	return &RangeLimiter{Start: start, End: end}
}

// Callback is the event.Callback to register for
// event.SequenceEntry|event.BasicBlockEntry.
func (r *RangeLimiter) Callback() event.Callback {
	return func(state *event.VMState, gpr *regstate.GPR, fpr *regstate.FPR, userData any) event.Action {
		if state.CurrentPC < r.Start || state.CurrentPC >= r.End {
			return event.BreakToVM
		}
		return event.Continue
	}
}
