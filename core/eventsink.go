package core

import "pkt.systems/clawdeck/schema"

// EventSink receives one event per committed store mutation.
type EventSink interface {
	OnStateChange(event schema.StateEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event schema.StateEvent)

// OnStateChange calls f.
func (f EventSinkFunc) OnStateChange(event schema.StateEvent) {
	f(event)
}
