package pubsub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SubscribeAllSessionsReceivesEverySessionsEvents(t *testing.T) {
	h := New(logger.Default())
	sub := h.Subscribe("")

	h.PublishEvent(events.NewComplete("c1", "s1", "end_turn"))
	h.PublishEvent(events.NewComplete("c1", "s2", "end_turn"))

	first := <-sub.Events
	second := <-sub.Events
	assert.Equal(t, "s1", first.Event.SessionID)
	assert.Equal(t, "s2", second.Event.SessionID)
}

func TestHub_SessionFilteredSubscriberOnlySeesItsSession(t *testing.T) {
	h := New(logger.Default())
	sub := h.Subscribe("s1")

	h.PublishEvent(events.NewComplete("c1", "s2", "end_turn"))
	h.PublishEvent(events.NewComplete("c1", "s1", "end_turn"))

	select {
	case env := <-sub.Events:
		assert.Equal(t, "s1", env.Event.SessionID)
	case <-time.After(time.Second):
		t.Fatal("expected the s1 event to be delivered")
	}

	select {
	case env := <-sub.Events:
		t.Fatalf("unexpected second delivery: %+v", env)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_EveryDeliveredEventMatchesSubscriberSession(t *testing.T) {
	h := New(logger.Default())
	sub := h.Subscribe("s1")

	for i := 0; i < 5; i++ {
		h.PublishEvent(events.NewComplete("c1", "s1", "end_turn"))
		h.PublishEvent(events.NewComplete("c1", "s2", "end_turn"))
	}

	for i := 0; i < 5; i++ {
		env := <-sub.Events
		require.NotNil(t, env.Event)
		assert.Equal(t, "s1", env.Event.SessionID)
	}
}

func TestHub_Unsubscribe_StopsFurtherDelivery(t *testing.T) {
	h := New(logger.Default())
	sub := h.Subscribe("s1")
	sub.Unsubscribe()

	h.PublishEvent(events.NewComplete("c1", "s1", "end_turn"))

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestHub_DropsOldestAndSurfacesLaggedOnFullBuffer(t *testing.T) {
	h := New(logger.Default())
	h.bufferSize = 2
	sub := h.Subscribe("s1")

	h.PublishEvent(events.NewComplete("c1", "s1", "turn-1"))
	h.PublishEvent(events.NewComplete("c1", "s1", "turn-2"))
	h.PublishEvent(events.NewComplete("c1", "s1", "turn-3")) // buffer full, evicts turn-1

	first := <-sub.Events
	second := <-sub.Events

	var p1, p2 events.CompletePayload
	require.NoError(t, json.Unmarshal(first.Event.Payload, &p1))
	require.NoError(t, json.Unmarshal(second.Event.Payload, &p2))

	assert.Equal(t, "turn-2", p1.StopReason)
	assert.Equal(t, "turn-3", p2.StopReason)
	assert.True(t, second.Lagged, "the delivery after an eviction must be marked lagged")
}
