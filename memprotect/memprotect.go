// Package memprotect abstracts the platform memory-protection primitives
// an ExecBlock needs once it stops being written and starts being
// executed: making a code region executable, and invalidating any
// instruction cache that might still hold stale bytes for it.
//
// This reference engine interprets its code buffers rather than jumping
// to them (see the assembly package doc comment), so nothing here is on
// the hot path of the engine's own tests; it exists so a real backend
// swapping refarch's interpreter for genuine machine code has a home for
// the platform calls QBDI-style engines require, grounded on the same
// golang.org/x/sys/unix primitives the rest of the pack uses for raw
// syscalls.
package memprotect

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a page-aligned span of process memory.
type Region struct {
	Addr uintptr
	Len  int
}

// MakeRX marks r read+execute (and not write), the state an ExecBlock's
// code buffer must be in before the host trampoline is allowed to jump
// into it.
func MakeRX(r Region) error {
	if err := unix.Mprotect(bytesAt(r), unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("memprotect: mprotect RX %#x/%d: %w", r.Addr, r.Len, err)
	}
	return nil
}

// MakeRW marks r read+write (and not execute), the state it must be in
// before WritePatch appends more host instructions.
func MakeRW(r Region) error {
	if err := unix.Mprotect(bytesAt(r), unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("memprotect: mprotect RW %#x/%d: %w", r.Addr, r.Len, err)
	}
	return nil
}

// InvalidateICache flushes any per-core instruction cache that might still
// hold stale bytes for r. On amd64 the instruction cache is coherent with
// the data cache after a normal store, so this is a no-op there; other
// architectures (notably arm64) require an explicit flush, which is out of
// reach of the Go standard library and would need a short assembly stub
// per platform — left as a documented gap since this engine never
// actually executes emitted bytes on real hardware.
func InvalidateICache(r Region) error {
	return nil
}

func bytesAt(r Region) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Addr)), r.Len)
}
