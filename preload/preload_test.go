package preload_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/engine"
	"github.com/lookbusy1344/dbi-engine/preload"
	"github.com/lookbusy1344/dbi-engine/regstate"
)

func movRet(imm uint32) []byte {
	var buf []byte
	buf = append(buf, refarch.Encode(refarch.OpMovImm, 0, imm)...)
	buf = append(buf, refarch.Encode(refarch.OpRet, 0, 0)...)
	return buf
}

func TestEntryTrapBootstrapRunsFromEntryToReturn(t *testing.T) {
	const base = 0x1000
	image := movRet(0x2a)
	mem := assembly.NewFlatMemory(base, image)
	cpu := refarch.New()
	eng := engine.New(cpu, mem)
	eng.AddInstrumentedRange(base, base+uint64(len(image)))

	var gpr regstate.GPR
	gpr.SetSP(0x7ffe0000)
	gpr.SetLR(0xDEAD)
	var fpr regstate.FPR

	trap := preload.CaptureEntry(base, 0xDEAD, gpr, fpr)
	require.Equal(t, preload.DefaultShadowStackBytes, trap.ShadowStackBytes)

	ran, err := trap.Bootstrap(eng)
	require.NoError(t, err)
	assert.True(t, ran)

	out := eng.GetGPRState()
	assert.Equal(t, uint64(0xDEAD), out.PC)
	assert.Equal(t, uint64(0x2a), out.Regs[0])
}
