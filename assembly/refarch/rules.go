package refarch

import (
	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/patch"
)

// FusionRule fuses a "mov reg, imm" with the single guest instruction that
// immediately follows it into one Patch spanning two guest instructions.
// It exists to exercise the Patcher's merge protocol (patch.Metadata.Merge)
// with a real rule rather than only a synthetic test double; it has no
// effect on emitted bytes or guest semantics, only on how the Patcher
// groups them. The Patcher always routes the continuation instruction back
// to the same Rule instance that opened the merge (see patch.Patcher), so
// Generate never needs to re-match the second instruction's opcode.
type FusionRule struct{}

// CanBeApplied matches only the opening instruction of a fusion; the
// continuation call arrives with prev already non-nil and is accepted
// unconditionally by Generate.
func (FusionRule) CanBeApplied(inst *assembly.DecodedInst) bool {
	return inst.Opcode == OpMovImm
}

// Generate implements patch.Rule. A MOVI with prev == nil opens a pending
// fusion (Merge = true); it is invariably completed by folding the very
// next guest instruction's bytes into the same Patch, whatever that
// instruction is, because a basic block can never end on a MOVI (MOVI
// never sets ModifyPC), so there is always a next instruction to fold in.
func (FusionRule) Generate(inst *assembly.DecodedInst, prev *patch.Patch) (*patch.Patch, error) {
	if prev != nil {
		prev.Metadata.GuestInstSize += inst.Size
		prev.Metadata.DecodedInst = inst
		prev.Metadata.ModifyPC = inst.ModifiesPC
		prev.Metadata.Merge = false
		prev.AppendInst(assembly.HostInst{Kind: assembly.RelocInstBoundary, Tag: "inst-start"})
		prev.AppendInst(assembly.HostInst{Kind: assembly.RelocPlain, Bytes: inst.Raw})
		return prev, nil
	}

	p := &patch.Patch{
		Metadata: patch.Metadata{
			GuestAddress:  inst.Address,
			GuestInstSize: inst.Size,
			DecodedInst:   inst,
			Merge:         true,
		},
	}
	p.AppendInst(assembly.HostInst{Kind: assembly.RelocInstBoundary, Tag: "inst-start"})
	p.AppendInst(assembly.HostInst{Kind: assembly.RelocPlain, Bytes: inst.Raw})
	return p, nil
}
