package broker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/broker"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

func TestIsInstrumentedRanges(t *testing.T) {
	b := broker.New()
	assert.False(t, b.IsInstrumented(0x1000))

	b.AddRange(0x1000, 0x2000)
	assert.True(t, b.IsInstrumented(0x1000))
	assert.True(t, b.IsInstrumented(0x1fff))
	assert.False(t, b.IsInstrumented(0x2000))
	assert.False(t, b.IsInstrumented(0xfff))
}

func TestAddRangeMergesAdjacentAndOverlapping(t *testing.T) {
	b := broker.New()
	b.AddRange(0x2000, 0x3000)
	b.AddRange(0x1000, 0x2000)
	b.AddRange(0x2500, 0x2800) // fully inside already-merged range

	ranges := b.Ranges()
	require.Len(t, ranges, 1)
	assert.Equal(t, broker.Range{Start: 0x1000, End: 0x3000}, ranges[0])
}

func TestRemoveRangeSplitsExistingRange(t *testing.T) {
	b := broker.New()
	b.AddRange(0x1000, 0x3000)
	b.RemoveRange(0x1800, 0x2000)

	assert.True(t, b.IsInstrumented(0x1000))
	assert.True(t, b.IsInstrumented(0x17ff))
	assert.False(t, b.IsInstrumented(0x1800))
	assert.False(t, b.IsInstrumented(0x1fff))
	assert.True(t, b.IsInstrumented(0x2000))
	assert.True(t, b.IsInstrumented(0x2fff))
}

func TestRemoveAllClearsInstrumentedSet(t *testing.T) {
	b := broker.New()
	b.AddRange(0x1000, 0x2000)
	b.RemoveAll()
	assert.False(t, b.IsInstrumented(0x1500))
	assert.Empty(t, b.Ranges())
}

type fakeNativeRunner struct {
	canTransfer bool
	ranPC       uint64
}

func (f *fakeNativeRunner) CanTransfer(pc uint64, gpr *regstate.GPR) bool { return f.canTransfer }

func (f *fakeNativeRunner) Run(pc uint64, gpr *regstate.GPR, fpr *regstate.FPR) error {
	f.ranPC = pc
	gpr.Regs[0] = 0x99
	return nil
}

func TestCanTransferExecutionWithoutNativeRunner(t *testing.T) {
	b := broker.New()
	var gpr regstate.GPR
	assert.False(t, b.CanTransferExecution(0x5000, &gpr))
}

func TestTransferExecutionInvokesNativeRunner(t *testing.T) {
	b := broker.New()
	runner := &fakeNativeRunner{canTransfer: true}
	b.SetNativeRunner(runner)

	var gpr regstate.GPR
	var fpr regstate.FPR
	assert.True(t, b.CanTransferExecution(0x5000, &gpr))

	require.NoError(t, b.TransferExecution(0x5000, &gpr, &fpr))
	assert.Equal(t, uint64(0x5000), runner.ranPC)
	assert.Equal(t, uint64(0x99), gpr.Regs[0])
}
