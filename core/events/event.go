package events

import "dealescrow/core/types"

// Event represents a structured state change emitted by the escrow engine.
type Event interface {
	EventType() string
}

// Payload is implemented by events that carry a typed attribute payload.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, audit log).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(evt Event) { f(evt) }

// PayloadOf extracts the typed payload of an event, if any.
func PayloadOf(evt Event) (*types.Event, bool) {
	p, ok := evt.(Payload)
	if !ok || p.Event() == nil {
		return nil, false
	}
	return p.Event(), true
}
