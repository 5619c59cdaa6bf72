package patch

import "github.com/lookbusy1344/dbi-engine/assembly"

// Rule is a predicate->generator pair. The Patcher scans its ordered rule
// set for a decoded guest instruction; the first rule whose CanBeApplied
// returns true produces the patch for that instruction. Rule ordering is
// semantically significant: it is the mechanism by which special cases
// override a catch-all default rule.
type Rule interface {
	// CanBeApplied reports whether this rule handles inst.
	CanBeApplied(inst *assembly.DecodedInst) bool

	// Generate produces the Patch for inst. prev is the previous patch if
	// it had Metadata.Merge set (the rule must fuse inst into it), or nil
	// for a fresh patch.
	Generate(inst *assembly.DecodedInst, prev *Patch) (*Patch, error)
}

// PassthroughRule is the default, catch-all rule: it copies the guest
// instruction's bytes verbatim into a single-instruction host patch. Real
// deployments register more specific rules ahead of this one (e.g. to
// relocate PC-relative operands); PassthroughRule should always be last.
type PassthroughRule struct{}

// CanBeApplied always returns true; register this rule last.
func (PassthroughRule) CanBeApplied(*assembly.DecodedInst) bool { return true }

// Generate implements Rule.
func (PassthroughRule) Generate(inst *assembly.DecodedInst, prev *Patch) (*Patch, error) {
	p := &Patch{
		Metadata: Metadata{
			GuestAddress:  inst.Address,
			GuestInstSize: inst.Size,
			DecodedInst:   inst,
			ModifyPC:      inst.ModifiesPC,
		},
	}
	p.AppendInst(assembly.HostInst{Kind: assembly.RelocInstBoundary, Tag: "inst-start"})
	p.AppendInst(assembly.HostInst{Kind: assembly.RelocPlain, Bytes: inst.Raw})
	return p, nil
}
