// Package refarch is the reference architecture backend used by the
// engine's own tests and the demo CLI. It is a small fixed-width
// instruction set, not a real target; see the assembly package doc comment
// for why a real backend is out of scope here.
package refarch

import (
	"encoding/binary"
	"fmt"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// Opcode values. Every instruction is 8 bytes: [opcode][reg][pad16][imm32].
const (
	OpNop assembly.Opcode = iota
	OpMovImm
	OpAddImm
	OpRet
	OpCall
	OpJmp
	OpHalt
	// OpCounterBump is host-only: it never appears in decoded guest code,
	// only in patches injected by instrumentation rules (see
	// refarch.CounterRule). reg selects a Context.Scratch slot, imm is the
	// amount added to it.
	OpCounterBump
)

// HaltPC is the sentinel program counter HALT branches to (RET branches to
// the link register instead); callers of Run can pass it as the stop
// address for guest code that ends in HALT.
const HaltPC = 0xFFFFFFFFFFFFFFFF

// CPU is the refarch reference implementation of assembly.CPU.
type CPU struct{}

// New returns a refarch CPU backend.
func New() *CPU { return &CPU{} }

// Name implements assembly.CPU.
func (c *CPU) Name() string { return "refarch" }

func decodeWord(b []byte) (op assembly.Opcode, reg int, imm uint32) {
	op = assembly.Opcode(b[0])
	reg = int(b[1])
	imm = binary.LittleEndian.Uint32(b[4:8])
	return
}

// Decode implements assembly.Decoder.
func (c *CPU) Decode(mem assembly.GuestMemory, addr uint64) (*assembly.DecodedInst, error) {
	raw, err := mem.ReadBytes(addr, assembly.InstSize)
	if err != nil {
		return nil, fmt.Errorf("refarch: decode at 0x%x: %w", addr, err)
	}
	op, reg, imm := decodeWord(raw)

	inst := &assembly.DecodedInst{
		Address: addr,
		Size:    assembly.InstSize,
		Opcode:  op,
		Reg:     reg,
		Imm:     imm,
		Raw:     append([]byte(nil), raw...),
	}

	switch op {
	case OpNop, OpMovImm, OpAddImm:
		// straight-line, does not modify PC
	case OpRet, OpHalt:
		inst.ModifiesPC = true
	case OpCall:
		inst.ModifiesPC = true
		inst.IsCall = true
		inst.Target = uint64(imm)
	case OpJmp:
		inst.ModifiesPC = true
		inst.Target = uint64(imm)
	default:
		return nil, fmt.Errorf("refarch: unknown opcode 0x%x at 0x%x", op, addr)
	}
	return inst, nil
}

// Disassemble implements assembly.Decoder.
func (c *CPU) Disassemble(inst *assembly.DecodedInst) string {
	switch inst.Opcode {
	case OpNop:
		return "nop"
	case OpMovImm:
		return fmt.Sprintf("mov r%d, 0x%x", inst.Reg, inst.Imm)
	case OpAddImm:
		return fmt.Sprintf("add r%d, 0x%x", inst.Reg, inst.Imm)
	case OpRet:
		return "ret"
	case OpCall:
		return fmt.Sprintf("call 0x%x", inst.Imm)
	case OpJmp:
		return fmt.Sprintf("jmp 0x%x", inst.Imm)
	case OpHalt:
		return "halt"
	case OpCounterBump:
		return fmt.Sprintf("__bump scratch%d, 0x%x", inst.Reg, inst.Imm)
	default:
		return fmt.Sprintf("db 0x%x", inst.Opcode)
	}
}

// Emit implements assembly.Encoder. refarch's host encoding is identical to
// its guest encoding for RelocPlain instructions (this backend interprets
// its own code cache rather than retargeting to a different host ISA); the
// RelocInstBoundary marker kind emits nothing.
func (c *CPU) Emit(stream []byte, inst assembly.HostInst, codeOffset int) ([]byte, int, error) {
	switch inst.Kind {
	case assembly.RelocPlain:
		if len(inst.Bytes) != assembly.InstSize {
			return stream, 0, fmt.Errorf("refarch: plain host inst must be %d bytes, got %d", assembly.InstSize, len(inst.Bytes))
		}
		return append(stream, inst.Bytes...), len(inst.Bytes), nil
	case assembly.RelocInstBoundary:
		return stream, 0, nil
	default:
		return stream, 0, fmt.Errorf("refarch: unknown reloc kind %d", inst.Kind)
	}
}

// ExecuteOne implements assembly.Interpreter.
func (c *CPU) ExecuteOne(code []byte, offset int, ctx *regstate.Context) (int, bool, error) {
	if offset+assembly.InstSize > len(code) {
		return 0, false, fmt.Errorf("refarch: execute past end of code block at offset %d", offset)
	}
	op, reg, imm := decodeWord(code[offset : offset+assembly.InstSize])

	switch op {
	case OpNop:
		return assembly.InstSize, false, nil
	case OpMovImm:
		setReg(ctx, reg, uint64(imm))
		return assembly.InstSize, false, nil
	case OpAddImm:
		setReg(ctx, reg, getReg(ctx, reg)+uint64(imm))
		return assembly.InstSize, false, nil
	case OpRet:
		ctx.GPR.PC = ctx.GPR.GetLR()
		return assembly.InstSize, true, nil
	case OpCall:
		ctx.GPR.SetLR(ctx.GPR.PC + assembly.InstSize)
		ctx.GPR.PC = uint64(imm)
		return assembly.InstSize, true, nil
	case OpJmp:
		ctx.GPR.PC = uint64(imm)
		return assembly.InstSize, true, nil
	case OpHalt:
		ctx.GPR.PC = HaltPC
		return assembly.InstSize, true, nil
	case OpCounterBump:
		if reg >= 0 && reg < regstate.NumScratch {
			ctx.Scratch[reg] += uint64(imm)
		}
		return assembly.InstSize, false, nil
	default:
		return 0, false, fmt.Errorf("refarch: unknown opcode 0x%x at code offset %d", op, offset)
	}
}

func setReg(ctx *regstate.Context, reg int, v uint64) {
	if reg >= 0 && reg < regstate.NumGPR {
		ctx.GPR.Regs[reg] = v
	}
}

func getReg(ctx *regstate.Context, reg int) uint64 {
	if reg >= 0 && reg < regstate.NumGPR {
		return ctx.GPR.Regs[reg]
	}
	return 0
}

// Encode assembles a single instruction word, for tests and the demo CLI
// that build guest images by hand instead of via a real assembler.
func Encode(op assembly.Opcode, reg int, imm uint32) []byte {
	b := make([]byte, assembly.InstSize)
	b[0] = byte(op)
	b[1] = byte(reg)
	binary.LittleEndian.PutUint32(b[4:8], imm)
	return b
}
