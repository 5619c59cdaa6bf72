package patch

import (
	"fmt"

	"github.com/lookbusy1344/dbi-engine/assembly"
)

// Patcher decodes and patches one basic block at a time. Decode failures
// are treated as a contract violation (a programming bug, not a runtime
// condition an embedder can recover from): a fatal panic, not an error
// return, per the engine's error-handling design.
type Patcher struct {
	Decoder assembly.Decoder
	Rules   []Rule
}

// NewPatcher constructs a Patcher over the given decoder and ordered rule
// set. Rule order is significant: the first matching rule wins.
func NewPatcher(decoder assembly.Decoder, rules ...Rule) *Patcher {
	return &Patcher{Decoder: decoder, Rules: rules}
}

// PatchBasicBlock decodes and patches guest instructions starting at start
// until a patch with Metadata.ModifyPC is produced, returning the ordered
// Patch vector for the whole basic block.
func (p *Patcher) PatchBasicBlock(mem assembly.GuestMemory, start uint64) ([]*Patch, error) {
	var patches []*Patch
	var pending *Patch
	var pendingRule Rule

	addr := start
	for {
		decoded, err := p.Decoder.Decode(mem, addr)
		if err != nil {
			// Decode failure inside a block we are actively translating is
			// a contract violation: the instrumented range promised
			// decodable code. See spec §7.
			panic(fmt.Sprintf("patch: fatal decode failure at 0x%x: %v", addr, err))
		}

		var cur *Patch
		if pending != nil {
			cur, err = pendingRule.Generate(decoded, pending)
		} else {
			var matched Rule
			for _, r := range p.Rules {
				if r.CanBeApplied(decoded) {
					matched = r
					break
				}
			}
			if matched == nil {
				return nil, fmt.Errorf("patch: no rule matched instruction at 0x%x", addr)
			}
			cur, err = matched.Generate(decoded, nil)
			pendingRule = matched
		}
		if err != nil {
			return nil, fmt.Errorf("patch: rule generate failed at 0x%x: %w", addr, err)
		}

		addr += uint64(decoded.Size)

		if cur.Metadata.Merge {
			pending = cur
			continue
		}

		patches = append(patches, cur)
		pending = nil
		pendingRule = nil

		if cur.Metadata.ModifyPC {
			break
		}
	}
	return patches, nil
}
