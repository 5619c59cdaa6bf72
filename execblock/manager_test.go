package execblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/execblock"
	"github.com/lookbusy1344/dbi-engine/patch"
)

func writeOneInstBlock(t *testing.T, mgr *execblock.Manager, patches []*patch.Patch, bbStart, bbEnd uint64) {
	t.Helper()
	patchEnd := mgr.PreWriteBasicBlock(patches)
	require.Equal(t, len(patches), patchEnd)
	_, _, err := mgr.WriteBasicBlock(patches, patchEnd, bbStart, bbEnd)
	require.NoError(t, err)
}

func movRetPatches(addr uint64) []*patch.Patch {
	decoded1 := &assembly.DecodedInst{Address: addr, Size: assembly.InstSize, Opcode: refarch.OpMovImm, Raw: refarch.Encode(refarch.OpMovImm, 0, 0x2a)}
	decoded2 := &assembly.DecodedInst{Address: addr + assembly.InstSize, Size: assembly.InstSize, Opcode: refarch.OpRet, ModifiesPC: true, Raw: refarch.Encode(refarch.OpRet, 0, 0)}

	p1, _ := patch.PassthroughRule{}.Generate(decoded1, nil)
	p2, _ := patch.PassthroughRule{}.Generate(decoded2, nil)
	return []*patch.Patch{p1, p2}
}

// Invariant 10: PrecacheBasicBlock-equivalent lookup is idempotent: the
// first cache write makes the pc reachable, and it stays that way until
// invalidated.
func TestGetExecBlockIdempotentUntilInvalidated(t *testing.T) {
	cpu := refarch.New()
	mgr := execblock.NewManager(cpu, execblock.DefaultBlockCapacity)

	patches := movRetPatches(0x1000)
	writeOneInstBlock(t, mgr, patches, 0x1000, 0x1010)

	blk, loc := mgr.GetExecBlock(0x1000)
	require.NotNil(t, blk)
	require.NotNil(t, loc)

	// Still cached on a second lookup.
	blk2, _ := mgr.GetExecBlock(0x1000)
	assert.NotNil(t, blk2)

	mgr.ClearCache(execblock.Range{Start: 0x1000, End: 0x1010})
	blk3, _ := mgr.GetExecBlock(0x1000)
	assert.Nil(t, blk3, "a cleared range must stop resolving immediately, before flushCommit runs")
}

// Invariant 8: after ClearCache over a range, lookups in that range return
// nil both before and after FlushCommit runs.
func TestClearCacheThenFlushCommit(t *testing.T) {
	cpu := refarch.New()
	mgr := execblock.NewManager(cpu, execblock.DefaultBlockCapacity)

	patches := movRetPatches(0x1000)
	writeOneInstBlock(t, mgr, patches, 0x1000, 0x1010)

	mgr.ClearCache(execblock.Range{Start: 0x1000, End: 0x1010})
	assert.True(t, mgr.IsFlushPending())

	blk, _ := mgr.GetExecBlock(0x1000)
	assert.Nil(t, blk, "lookup must miss before flushCommit")

	mgr.FlushCommit(-1)
	assert.False(t, mgr.IsFlushPending())

	blk2, _ := mgr.GetExecBlock(0x1000)
	assert.Nil(t, blk2, "lookup must still miss after flushCommit")
	assert.Equal(t, 0, mgr.BlockCount())
}

// FlushCommit must refuse to free a block the engine is (or was just)
// executing inside of.
func TestFlushCommitRefusesCurrentBlock(t *testing.T) {
	cpu := refarch.New()
	mgr := execblock.NewManager(cpu, execblock.DefaultBlockCapacity)

	patches := movRetPatches(0x1000)
	writeOneInstBlock(t, mgr, patches, 0x1000, 0x1010)

	mgr.ClearCache(execblock.Range{Start: 0x1000, End: 0x1010})
	assert.Panics(t, func() {
		mgr.FlushCommit(0)
	})
}

func TestBlockCountAndBytesUsed(t *testing.T) {
	cpu := refarch.New()
	mgr := execblock.NewManager(cpu, execblock.DefaultBlockCapacity)

	assert.Equal(t, 0, mgr.BlockCount())
	assert.Equal(t, 0, mgr.BytesUsed())

	writeOneInstBlock(t, mgr, movRetPatches(0x1000), 0x1000, 0x1010)
	assert.Equal(t, 1, mgr.BlockCount())
	assert.Equal(t, assembly.InstSize*2, mgr.BytesUsed())
}
