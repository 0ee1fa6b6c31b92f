package eventbus

import (
	"context"
	"sync"

	"pkt.systems/clawdeck/core"
	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

// EventType identifies the event payload.
type EventType string

const (
	// EventState carries a committed store state.
	EventState EventType = "state"
)

// Event represents a UI-facing event emitted by the store.
type Event struct {
	Type  EventType
	State schema.StateEvent
}

// Bus fans store events out to subscribers. A subscriber that falls behind
// loses its oldest queued events, never the newest one.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan Event]struct{}
	log   pslog.Logger
	depth int
}

var _ core.EventSink = (*Bus)(nil)

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan Event]struct{}),
		log:   logger,
		depth: 64,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
// Cancel is safe to call more than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
			if b.log != nil {
				b.log.Debug("eventbus unsubscribe")
			}
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// OnStateChange publishes a state event.
func (b *Bus) OnStateChange(event schema.StateEvent) {
	b.publish(Event{Type: EventState, State: event})
}

func (b *Bus) publish(event Event) {
	if b == nil {
		return
	}
	// Sends never block, so holding the lock keeps cancel from closing a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
			continue
		default:
		}
		select {
		case <-sub:
			dropped++
		default:
		}
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.Trace("eventbus dropped", "count", dropped, "revision", event.State.State.Revision)
	}
}
