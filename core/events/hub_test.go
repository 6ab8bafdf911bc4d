package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"dealescrow/core/types"
)

type testEvent struct{ evt *types.Event }

func (e testEvent) EventType() string   { return e.evt.Type }
func (e testEvent) Event() *types.Event { return e.evt }

func newTestEvent(kind, id string) Event {
	return testEvent{evt: &types.Event{Type: kind, Attributes: map[string]string{"id": id}}}
}

func TestHubFansOutToSinksAndSubscribers(t *testing.T) {
	hub := NewHub(0)
	var sunk []string
	hub.AddSink(EmitterFunc(func(evt Event) { sunk = append(sunk, evt.EventType()) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, unsubscribe, backlog := hub.Subscribe(ctx, "")
	defer unsubscribe()
	require.Empty(t, backlog)

	hub.Emit(newTestEvent("escrow.funded", "a"))
	require.Equal(t, []string{"escrow.funded"}, sunk)

	record := <-updates
	require.Equal(t, uint64(1), record.Sequence)
	require.Equal(t, "1", record.Cursor)
	require.Equal(t, "a", record.Attributes["id"])
}

func TestHubBacklogFromCursor(t *testing.T) {
	hub := NewHub(2)
	for _, id := range []string{"a", "b", "c"} {
		hub.Emit(newTestEvent("escrow.initiated", id))
	}
	_, cancel, backlog := hub.Subscribe(context.Background(), "")
	defer cancel()
	require.Len(t, backlog, 2)
	require.Equal(t, "b", backlog[0].Attributes["id"])

	_, cancel2, backlog := hub.Subscribe(context.Background(), "2")
	defer cancel2()
	require.Len(t, backlog, 1)
	require.Equal(t, uint64(3), backlog[0].Sequence)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(0)
	_, cancel, _ := hub.Subscribe(context.Background(), "")
	defer cancel()
	for i := 0; i < 100; i++ {
		hub.Emit(newTestEvent("escrow.funded", "x"))
	}
	require.Equal(t, 1, hub.Subscribers())
	cancel()
	cancel()
	require.Zero(t, hub.Subscribers())
}

func TestHubRecordsAreIsolated(t *testing.T) {
	hub := NewHub(0)
	evt := &types.Event{Type: "escrow.funded", Attributes: map[string]string{"id": "a"}}
	hub.Emit(testEvent{evt: evt})
	evt.Attributes["id"] = "mutated"
	_, cancel, backlog := hub.Subscribe(context.Background(), "")
	defer cancel()
	require.Equal(t, "a", backlog[0].Attributes["id"])
}
