package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lookbusy1344/dbi-engine/api"
	"github.com/lookbusy1344/dbi-engine/event"
)

func TestBroadcastVMEventDeliversStructuredFields(t *testing.T) {
	b := api.NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe("sess-1", []api.EventType{api.EventTypeTrace})
	defer b.Unsubscribe(sub)

	state := &event.VMState{Event: event.BasicBlockEntry, CurrentPC: 0x1000, BasicBlockStart: 0x1000, BasicBlockEnd: 0x1010}
	b.BroadcastVMEvent("sess-1", state)

	select {
	case got := <-sub.Channel:
		assert.Equal(t, api.EventTypeTrace, got.Type)
		assert.Equal(t, event.BasicBlockEntry, got.VMEvent)
		assert.Equal(t, uint64(0x1000), got.PC)
		assert.Equal(t, uint64(0x1010), got.BBEnd)
	case <-time.After(time.Second):
		t.Fatal("expected a broadcast event")
	}
}

func TestBroadcastFiltersBySessionAndEventType(t *testing.T) {
	b := api.NewBroadcaster()
	defer b.Close()

	sub := b.Subscribe("sess-1", []api.EventType{api.EventTypeSession})
	defer b.Unsubscribe(sub)

	b.BroadcastVMEvent("sess-1", &event.VMState{Event: event.BasicBlockEntry})
	b.BroadcastSessionEvent("sess-2", "session_created", nil)
	b.BroadcastSessionEvent("sess-1", "session_created", map[string]interface{}{"imageBase": uint64(0x1000)})

	select {
	case got := <-sub.Channel:
		assert.Equal(t, api.EventTypeSession, got.Type)
		assert.Equal(t, "sess-1", got.SessionID)
		assert.Equal(t, "session_created", got.Data["event"])
	case <-time.After(time.Second):
		t.Fatal("expected the session-typed, sess-1 scoped event only")
	}

	select {
	case <-sub.Channel:
		t.Fatal("unexpected second event delivered to a filtered subscription")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionCountTracksRegisterAndUnregister(t *testing.T) {
	b := api.NewBroadcaster()
	defer b.Close()

	require.Equal(t, 0, b.SubscriptionCount())
	sub := b.Subscribe("", nil)
	assert.Eventually(t, func() bool { return b.SubscriptionCount() == 1 }, time.Second, time.Millisecond)

	b.Unsubscribe(sub)
	assert.Eventually(t, func() bool { return b.SubscriptionCount() == 0 }, time.Second, time.Millisecond)
}
