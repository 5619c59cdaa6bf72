// Package assembly is the engine's boundary to the machine-code
// decoder/encoder. Per the engine's design, decoding one guest instruction
// and encoding a relocatable host instruction form are treated as an
// external collaborator's concern: the engine only depends on the Decoder
// and Encoder interfaces below, never on a specific instruction set.
//
// This package also ships one reference implementation, refarch, a small
// fixed-width instruction set used by the engine's own tests and the demo
// CLI. It is deliberately not a real architecture: emitting genuine
// host machine code and jumping to it from Go is unsafe and unportable,
// and the real rewrite rules for any specific instruction set are out of
// scope (see spec §1, "Non-goals"). refarch's host instruction stream is
// executed by its own interpreter rather than by the CPU directly; this
// keeps ExecBlock's contract (own a code buffer, run it via a trampoline)
// testable without cgo or per-platform assembly.
package assembly

import (
	"fmt"

	"github.com/lookbusy1344/dbi-engine/regstate"
)

// InstSize is the fixed width, in bytes, of every refarch instruction.
// Real backends are free to use variable-width encodings; the engine never
// assumes a fixed size itself (DecodedInst.Size is authoritative).
const InstSize = 8

// Opcode is an architecture-defined instruction tag. The engine never
// switches on its value itself; only Decoder/Interpreter implementations
// and PatchRule predicates inspect it.
type Opcode byte

// DecodedInst describes one decoded guest instruction.
type DecodedInst struct {
	Address    uint64
	Size       int
	Opcode     Opcode
	Reg        int
	Imm        uint32
	ModifiesPC bool
	IsCall     bool
	Target     uint64 // statically known branch/call target, 0 if none
	Raw        []byte
}

// GuestMemory abstracts the guest address space the patcher decodes from.
type GuestMemory interface {
	ReadBytes(addr uint64, n int) ([]byte, error)
}

// FlatMemory is a single contiguous guest image, the simplest GuestMemory
// implementation, good enough for tests and the demo CLI.
type FlatMemory struct {
	Base uint64
	Data []byte
}

// NewFlatMemory returns a FlatMemory covering [base, base+len(data)).
func NewFlatMemory(base uint64, data []byte) *FlatMemory {
	return &FlatMemory{Base: base, Data: data}
}

// ReadBytes implements GuestMemory.
func (m *FlatMemory) ReadBytes(addr uint64, n int) ([]byte, error) {
	if addr < m.Base || addr+uint64(n) > m.Base+uint64(len(m.Data)) {
		return nil, fmt.Errorf("assembly: read [0x%x,0x%x) out of guest image bounds", addr, addr+uint64(n))
	}
	off := addr - m.Base
	return m.Data[off : off+uint64(n)], nil
}

// Decoder decodes one guest instruction at an address.
type Decoder interface {
	Decode(mem GuestMemory, addr uint64) (*DecodedInst, error)
	Disassemble(inst *DecodedInst) string
}

// RelocKind tags a HostInst. Per the data model, only RelocPlain entries
// emit bytes into the code stream; all other kinds emit nothing but
// register a (tag, codeOffset) pair in the ExecBlock's tag registry, which
// is how guest<->host address mapping is reconstructed later.
type RelocKind int

const (
	// RelocPlain emits Bytes verbatim.
	RelocPlain RelocKind = iota
	// RelocInstBoundary marks "a guest instruction starts here"; no bytes,
	// only a tag registry entry used to reconstruct guest<->host mapping.
	RelocInstBoundary
)

// HostInst is one relocatable host instruction produced by a PatchRule (or
// appended by an InstrRule) and consumed by ExecBlock.WritePatch.
type HostInst struct {
	Kind  RelocKind
	Bytes []byte // used when Kind == RelocPlain
	Tag   string // used for RelocInstBoundary entries
}

// Encoder emits one HostInst into a growing code stream. codeOffset is the
// offset this instruction will land at once committed; reference encoders
// that never need to resolve displacements can ignore it.
type Encoder interface {
	Emit(stream []byte, inst HostInst, codeOffset int) ([]byte, int, error)
}

// Interpreter executes previously-emitted host bytes against a register
// context. It stands in for the real "jump to host code" trampoline
// (spec §4.6, §4.7): instead of the host CPU fetching real machine code,
// refarch fetches its own encoding from the ExecBlock's code buffer and
// applies it directly. ExecuteOne returns how many bytes it consumed so
// the caller can advance its cursor, and whether this instruction ends a
// sequence's run (a ModifiesPC instruction).
type Interpreter interface {
	ExecuteOne(code []byte, offset int, ctx *regstate.Context) (consumed int, haltsSequence bool, err error)
}

// CPU bundles everything a code-cache backend needs from the architecture
// package: decode, encode, and execute. refarch.New returns one.
type CPU interface {
	Decoder
	Encoder
	Interpreter
	Name() string
}
