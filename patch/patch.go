// Package patch implements the translator's intermediate representation: a
// Patch is the host-code replacement for one (or, with Rule-driven
// merging, more than one) guest instruction, plus the metadata the rest of
// the engine needs to treat patches as basic-block building blocks.
package patch

import "github.com/lookbusy1344/dbi-engine/assembly"

// Metadata describes one Patch. Exactly one Patch per guest instruction
// survives after merging; a basic block ends at the first Patch whose
// ModifyPC is true (see Patcher).
type Metadata struct {
	GuestAddress  uint64
	GuestInstSize int
	DecodedInst   *assembly.DecodedInst
	PatchSize     int
	ModifyPC      bool
	Merge         bool
}

// Patch is the ordered sequence of host instructions that replaces one
// guest instruction (or a merged run of them), plus its Metadata. Produced
// by the Patcher, consumed by the Instrumenter, then by
// ExecBlock.WritePatch, then discarded.
type Patch struct {
	Metadata Metadata
	Insts    []assembly.HostInst
}

// AppendInst appends a host instruction and keeps PatchSize in sync for
// RelocPlain entries (marker kinds contribute no bytes).
func (p *Patch) AppendInst(inst assembly.HostInst) {
	p.Insts = append(p.Insts, inst)
	if inst.Kind == assembly.RelocPlain {
		p.Metadata.PatchSize += len(inst.Bytes)
	}
}
