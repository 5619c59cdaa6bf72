package execblock

import (
	"fmt"
	"sync"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/event"
	"github.com/lookbusy1344/dbi-engine/patch"
)

// cacheEntry is one guestPC -> (block, sequence, instruction) mapping.
type cacheEntry struct {
	blockIdx int
	seqID    int
	instID   int
	bbStart  uint64
	bbEnd    uint64
}

// Range is a half-open guest address range, [Start, End).
type Range struct {
	Start, End uint64
}

func (r Range) intersects(addr uint64) bool { return addr >= r.Start && addr < r.End }

// Manager is the code cache: ExecBlockManager from the data model. It maps
// guest program counters to cached translations and implements the
// deferred-flush invalidation protocol.
type Manager struct {
	mu sync.RWMutex

	cpu           assembly.CPU
	blockCapacity int

	blocks  []*Block
	tomb    map[int]bool // blockIdx -> true once committed-dropped
	index   map[uint64]cacheEntry

	pendingFlushBlocks map[int]bool
	curBlockIdx        int // -1 when nothing is executing
}

// NewManager constructs an empty code cache. blockCapacity is the size new
// blocks are allocated with.
func NewManager(cpu assembly.CPU, blockCapacity int) *Manager {
	return &Manager{
		cpu:                cpu,
		blockCapacity:      blockCapacity,
		tomb:               make(map[int]bool),
		index:              make(map[uint64]cacheEntry),
		pendingFlushBlocks: make(map[int]bool),
		curBlockIdx:        -1,
	}
}

// ChangeVMInstanceRef propagates a new weak handle to every live block.
func (m *Manager) ChangeVMInstanceRef(ref any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, b := range m.blocks {
		if m.tomb[idx] {
			continue
		}
		b.ChangeVMInstanceRef(ref)
	}
}

func (m *Manager) openBlock() *Block {
	// Reuse the last block if it is not full; otherwise allocate a new one.
	if n := len(m.blocks); n > 0 {
		last := m.blocks[n-1]
		if !m.tomb[n-1] && !last.IsFull() {
			return last
		}
	}
	idx := len(m.blocks)
	b := NewBlock(idx, m.blockCapacity, m.cpu)
	m.blocks = append(m.blocks, b)
	return b
}

// PreWriteBasicBlock reports how many leading patches of patches can fit in
// the currently open block without a mid-write rollback. If the open block
// already holds code and has no room for even the first patch, it is closed
// and the count is taken against a fresh block instead; 0 therefore means
// the first patch does not fit even in a fresh block. The instrumenter
// must only process that prefix; WriteBasicBlock is then guaranteed (save
// for instrumentation growing a patch unexpectedly) to commit it without
// spilling into a second block.
func (m *Manager) PreWriteBasicBlock(patches []*patch.Patch) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.openBlock()
	for {
		remaining := b.capacity - b.BytesUsed() - MinimalBlockSize
		if remaining < 0 {
			remaining = 0
		}

		count := 0
		for _, p := range patches {
			if p.Metadata.PatchSize > remaining {
				break
			}
			remaining -= p.Metadata.PatchSize
			count++
		}
		if count > 0 || b.BytesUsed() == 0 {
			return count
		}
		// No room left in a partly used block: close it so openBlock
		// (here and in WriteBasicBlock) hands out a fresh one.
		b.isFull = true
		b = m.openBlock()
	}
}

// WriteBasicBlock commits patches[0:patchEnd] into a block (the currently
// open one, or a fresh one), registers the resulting sequence, and updates
// the PC index. bbStart/bbEnd describe the guest address range of the
// whole basic block (which may span more than one WriteBasicBlock call if
// it didn't fit in a single block).
func (m *Manager) WriteBasicBlock(patches []*patch.Patch, patchEnd int, bbStart, bbEnd uint64) (blockIdx, seqID int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.openBlock()
	blockIdx = b.ID
	startInstID := len(b.instRegistry)

	var continuesAt uint64
	modifiedPC := false
	for i := 0; i < patchEnd; i++ {
		ok, werr := b.WritePatch(patches[i])
		if werr != nil {
			return 0, 0, fmt.Errorf("execblock: write basic block: %w", werr)
		}
		if !ok {
			// preWriteBasicBlock promised this patch would fit; a rule
			// grew it past that estimate. Contract violation.
			panic(fmt.Sprintf("execblock: patch at 0x%x did not fit after preWriteBasicBlock approved it", patches[i].Metadata.GuestAddress))
		}
		if patches[i].Metadata.ModifyPC {
			modifiedPC = true
		}
	}
	endInstID := len(b.instRegistry)

	if !modifiedPC && patchEnd < len(patches) {
		continuesAt = patches[patchEnd].Metadata.GuestAddress
	}

	seqID = b.RegisterSequence(startInstID, endInstID, 0, continuesAt)

	for i := startInstID; i < endInstID; i++ {
		entry := b.instRegistry[i]
		m.index[entry.GuestAddress] = cacheEntry{
			blockIdx: blockIdx,
			seqID:    seqID,
			instID:   i,
			bbStart:  bbStart,
			bbEnd:    bbEnd,
		}
	}
	return blockIdx, seqID, nil
}

// GetExecBlock is a pure lookup: it returns the block and SeqLoc for pc, or
// nil if not cached, without changing the block's current sequence.
func (m *Manager) GetExecBlock(pc uint64) (*Block, *event.SeqLoc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(pc)
}

// GetProgrammedExecBlock looks up pc and, on a hit, selects the block's
// sequence so the next Run starts there.
func (m *Manager) GetProgrammedExecBlock(pc uint64) (*Block, *event.SeqLoc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, loc := m.lookupLocked(pc)
	if b == nil {
		return nil, nil
	}
	entry := m.index[pc]
	if err := b.SelectSeq(entry.seqID); err != nil {
		return nil, nil
	}
	return b, loc
}

func (m *Manager) lookupLocked(pc uint64) (*Block, *event.SeqLoc) {
	entry, ok := m.index[pc]
	if !ok || m.tomb[entry.blockIdx] {
		return nil, nil
	}
	b := m.blocks[entry.blockIdx]
	loc := event.SeqLoc{BBStart: entry.bbStart, BBEnd: entry.bbEnd}
	// SeqStart/SeqEnd are recomputed from the block's registry rather than
	// cached, since SelectSeq may not have been called for this lookup.
	seq := b.seqRegistry[entry.seqID]
	loc.SeqStart = b.instRegistry[seq.StartInstID].GuestAddress
	if seq.EndInstID < len(b.instRegistry) {
		loc.SeqEnd = b.instRegistry[seq.EndInstID].GuestAddress
	} else {
		loc.SeqEnd = entry.bbEnd
	}
	return b, &loc
}

// ClearCache invalidates every cached entry whose guest address falls in
// r. Invalidated entries stop being reachable via lookup immediately;
// their backing block memory is only released once FlushCommit runs.
func (m *Manager) ClearCache(r Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, entry := range m.index {
		if r.intersects(addr) {
			delete(m.index, addr)
			m.pendingFlushBlocks[entry.blockIdx] = true
		}
	}
}

// ClearAll invalidates every cached entry.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, entry := range m.index {
		delete(m.index, addr)
		m.pendingFlushBlocks[entry.blockIdx] = true
	}
}

// IsFlushPending reports whether a clear is awaiting commit.
func (m *Manager) IsFlushPending() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pendingFlushBlocks) > 0
}

// FlushCommit drops the blocks queued by ClearCache/ClearAll. curBlockIdx
// is the block the engine is (or was, immediately prior to this call)
// executing inside of, or -1 if none; FlushCommit panics if asked to free
// that block, since freeing a block the engine might still be inside of
// would corrupt live execution (see spec §9 open question (b)).
func (m *Manager) FlushCommit(curBlockIdx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx := range m.pendingFlushBlocks {
		if idx == curBlockIdx {
			panic("execblock: flushCommit asked to free the currently executing block")
		}
	}
	// Scrub any remaining index entries pointing at a to-be-dropped block
	// (conservative: an invalidation range may have only covered part of a
	// block's guest ranges, but the whole block is dropped together).
	for addr, entry := range m.index {
		if m.pendingFlushBlocks[entry.blockIdx] {
			delete(m.index, addr)
		}
	}
	for idx := range m.pendingFlushBlocks {
		m.tomb[idx] = true
		m.blocks[idx] = nil
	}
	m.pendingFlushBlocks = make(map[int]bool)
}

// BlockCount reports how many live (non-tombstoned) blocks the cache holds,
// for the observability surface.
func (m *Manager) BlockCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for idx := range m.blocks {
		if !m.tomb[idx] {
			n++
		}
	}
	return n
}

// BytesUsed sums BytesUsed across live blocks, for the observability
// surface.
func (m *Manager) BytesUsed() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for idx, b := range m.blocks {
		if m.tomb[idx] || b == nil {
			continue
		}
		total += b.BytesUsed()
	}
	return total
}
