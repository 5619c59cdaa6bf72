package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/assembly"
	"github.com/lookbusy1344/dbi-engine/assembly/refarch"
	"github.com/lookbusy1344/dbi-engine/instrument"
)

// S6 — id collision detection: once the rule id counter reaches
// EventIDVMMask, AddInstrRule must refuse rather than hand out an id that
// collides with the VM-callback space.
func TestAddInstrRuleRefusesOnIDSpaceExhaustion(t *testing.T) {
	mem := assembly.NewFlatMemory(0x1000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	e := New(refarch.New(), mem)
	e.nextRuleID = EventIDVMMask - 1

	id, err := e.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, EventIDVMMask-1, id)

	id2, err := e.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 0, 1))
	assert.Error(t, err)
	assert.Equal(t, InvalidEventID, id2)
}

// Same exhaustion path for VM callbacks.
func TestAddVMEventCBRefusesOnIDSpaceExhaustion(t *testing.T) {
	mem := assembly.NewFlatMemory(0x1000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	e := New(refarch.New(), mem)
	e.nextCBID = EventIDVMMask - 1

	id, err := e.AddVMEventCB(0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, EventIDVMMask|(EventIDVMMask-1), id)

	id2, err := e.AddVMEventCB(0, nil, nil)
	assert.Error(t, err)
	assert.Equal(t, InvalidEventID, id2)
}

// Invariant 5: eventMask always equals the bitwise OR of registered
// callback masks.
func TestRecomputeEventMaskTracksRegistrations(t *testing.T) {
	mem := assembly.NewFlatMemory(0x1000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	e := New(refarch.New(), mem)

	id1, err := e.AddVMEventCB(1<<0, nil, nil)
	require.NoError(t, err)
	_, err = e.AddVMEventCB(1<<1, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(e.eventMask), uint32(1<<0|1<<1))

	e.DeleteInstrumentation(id1)
	assert.Equal(t, uint32(e.eventMask), uint32(1<<1))
}

// Invariant 4 (internal view): rules are stored in ascending-priority
// order regardless of insertion order.
func TestInstrRulesStoredInPriorityOrder(t *testing.T) {
	mem := assembly.NewFlatMemory(0x1000, []byte{0, 0, 0, 0, 0, 0, 0, 0})
	e := New(refarch.New(), mem)

	_, err := e.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 20, 0))
	require.NoError(t, err)
	_, err = e.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 5, 1))
	require.NoError(t, err)
	_, err = e.AddInstrRule(refarch.NewCounterRule(instrument.Range{}, 15, 2))
	require.NoError(t, err)

	require.Len(t, e.instrRules, 3)
	assert.Equal(t, 5, e.instrRules[0].rule.Priority())
	assert.Equal(t, 15, e.instrRules[1].rule.Priority())
	assert.Equal(t, 20, e.instrRules[2].rule.Priority())
}
