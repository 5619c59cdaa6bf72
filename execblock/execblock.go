// Package execblock implements the code cache: ExecBlock, the executable
// memory region holding translated sequences, and Manager, which maps
// guest program counters to cached translations.
package execblock

import (
	"fmt"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/patch"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

// MinimalBlockSize is the number of trailing bytes every block reserves so
// the epilogue/trampoline bookkeeping always fits, per the ExecBlock
// invariant in the data model.
const MinimalBlockSize = 64

// DefaultBlockCapacity is the default size of a freshly allocated block's
// code buffer.
const DefaultBlockCapacity = 4096

// TagInfo is one entry of a block's tag registry: a marker RelocatableInstruction
// that emitted no bytes, recorded at the offset it would have landed at.
type TagInfo struct {
	Tag    string
	Offset int
}

// InstInfo is one entry of a block's instruction registry: the starting
// code offset of one committed Patch and the guest address it translates.
// Offsets are strictly increasing.
type InstInfo struct {
	Offset       int
	GuestAddress uint64
}

// SeqInfo is one entry of a block's sequence registry.
type SeqInfo struct {
	StartInstID  int
	EndInstID    int // exclusive; len(instRegistry) if the sequence runs to the end of currently-written code
	ExecuteFlags uint32
	// ContinuesAt is the guest address execution should resume at when this
	// sequence ends without any guest instruction modifying PC (i.e. the
	// basic block did not fit in one block and was split). Zero means the
	// sequence ended naturally via a guest ModifyPC instruction.
	ContinuesAt uint64
}

// Block is a fixed-capacity executable memory region holding one or more
// translated sequences.
type Block struct {
	ID       int
	cpu      assembly.CPU
	code     []byte
	capacity int

	seqRegistry  []SeqInfo
	instRegistry []InstInfo
	tagRegistry  []TagInfo

	isFull  bool
	curSeq  int
	vmRef   any
}

// NewBlock allocates a block with the given capacity. Real deployments
// back code with RWX-mapped memory (see package memprotect); this
// reference engine executes the buffer through an interpreter (see
// assembly.Interpreter) instead of jumping to it, so a plain []byte
// suffices — see the assembly package doc comment for why.
func NewBlock(id int, capacity int, cpu assembly.CPU) *Block {
	if capacity <= MinimalBlockSize {
		capacity = DefaultBlockCapacity
	}
	return &Block{
		ID:       id,
		cpu:      cpu,
		code:     make([]byte, 0, capacity),
		capacity: capacity,
	}
}

// IsFull reports whether the block has been closed for lack of space:
// either it rejected a patch, or Manager.PreWriteBasicBlock found no room
// in it for the next one.
func (b *Block) IsFull() bool { return b.isFull }

// BytesUsed reports how many code bytes are committed, for the
// observability surface (api, inspector).
func (b *Block) BytesUsed() int { return len(b.code) }

// Capacity reports the block's total byte budget, including the reserved
// epilogue area.
func (b *Block) Capacity() int { return b.capacity }

// WritePatch writes one patch's host instructions into the code stream.
// Patches are atomic: either all of a patch's bytes land, or (if space
// would run into the reserved trailing area) none do, the stream is rolled
// back to its pre-patch position, and the block is marked full.
func (b *Block) WritePatch(p *patch.Patch) (bool, error) {
	if b.isFull {
		return false, nil
	}

	startOffset := len(b.code)
	startTagLen := len(b.tagRegistry)
	rollback := func() {
		b.code = b.code[:startOffset]
		b.tagRegistry = b.tagRegistry[:startTagLen]
	}

	for _, inst := range p.Insts {
		if inst.Kind != assembly.RelocPlain {
			b.tagRegistry = append(b.tagRegistry, TagInfo{Tag: inst.Tag, Offset: len(b.code)})
			continue
		}
		if len(b.code)+len(inst.Bytes) > b.capacity-MinimalBlockSize {
			rollback()
			b.isFull = true
			return false, nil
		}
		newCode, _, err := b.cpu.Emit(b.code, inst, len(b.code))
		if err != nil {
			rollback()
			return false, fmt.Errorf("execblock: emit failed: %w", err)
		}
		b.code = newCode
	}

	b.instRegistry = append(b.instRegistry, InstInfo{Offset: startOffset, GuestAddress: p.Metadata.GuestAddress})
	return true, nil
}

// RegisterSequence appends a sequence spanning instruction ids
// [startInstID, endInstID) and returns its sequence id.
func (b *Block) RegisterSequence(startInstID, endInstID int, flags uint32, continuesAt uint64) int {
	b.seqRegistry = append(b.seqRegistry, SeqInfo{
		StartInstID:  startInstID,
		EndInstID:    endInstID,
		ExecuteFlags: flags,
		ContinuesAt:  continuesAt,
	})
	return len(b.seqRegistry) - 1
}

// SelectSeq sets the block's current sequence. The next Run call takes
// its entry offset from that sequence's starting instruction and executes
// from there.
func (b *Block) SelectSeq(seqID int) error {
	if seqID < 0 || seqID >= len(b.seqRegistry) {
		return fmt.Errorf("execblock: invalid sequence id %d", seqID)
	}
	b.curSeq = seqID
	return nil
}

// SeqLocFor returns the SeqLoc of the currently selected sequence within
// its containing basic block. bbStart/bbEnd are provided by the caller
// (Manager), which knows the basic block's guest boundaries across blocks.
func (b *Block) SeqLocFor(bbStart, bbEnd uint64) event.SeqLoc {
	seq := b.seqRegistry[b.curSeq]
	loc := event.SeqLoc{BBStart: bbStart, BBEnd: bbEnd}
	loc.SeqStart = b.instRegistry[seq.StartInstID].GuestAddress
	if seq.EndInstID < len(b.instRegistry) {
		loc.SeqEnd = b.instRegistry[seq.EndInstID].GuestAddress
	} else {
		loc.SeqEnd = bbEnd
	}
	return loc
}

// Run ensures the code is runnable and executes the currently selected
// sequence against ctx until either a guest instruction modifies PC (the
// basic block has genuinely ended) or the sequence's instruction range is
// exhausted because the block was too small to hold the whole basic block
// (in which case ctx.GPR.PC is set to SeqInfo.ContinuesAt so the engine's
// run loop re-enters translation/cache-lookup at the right address).
// bbEnded reports which of the two happened.
func (b *Block) Run(ctx *regstate.Context) (bbEnded bool, err error) {
	seq := b.seqRegistry[b.curSeq]
	offset := b.instRegistry[seq.StartInstID].Offset

	var boundary int
	if seq.EndInstID < len(b.instRegistry) {
		boundary = b.instRegistry[seq.EndInstID].Offset
	} else {
		boundary = len(b.code)
	}

	for offset < boundary {
		consumed, halts, execErr := b.cpu.ExecuteOne(b.code, offset, ctx)
		if execErr != nil {
			return false, fmt.Errorf("execblock: execution fault: %w", execErr)
		}
		offset += consumed
		if halts {
			return true, nil
		}
	}

	// Ran off the end of this sequence without a guest ModifyPC: the basic
	// block continues in another block.
	ctx.GPR.PC = seq.ContinuesAt
	return false, nil
}

// ChangeVMInstanceRef propagates a new weak handle to the owning VM
// instance.
func (b *Block) ChangeVMInstanceRef(ref any) { b.vmRef = ref }

// InstRegistry exposes the instruction registry for lookup and analysis.
func (b *Block) InstRegistry() []InstInfo { return b.instRegistry }

// TagRegistry exposes the tag registry for guest<->host mapping tools.
func (b *Block) TagRegistry() []TagInfo { return b.tagRegistry }
