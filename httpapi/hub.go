package httpapi

import (
	"context"
	"sync"
	"time"

	"pkt.systems/clawdeck/schema"
	"pkt.systems/pslog"
)

const (
	streamTypeState = "state"
	reasonSnapshot  = "snapshot"
)

// StreamEvent is sent to SSE clients. Seq is the state revision it carries.
type StreamEvent struct {
	Seq       uint64              `json:"seq"`
	Type      string              `json:"type"`
	Reason    string              `json:"reason"`
	State     schema.GatewayState `json:"state"`
	Timestamp time.Time           `json:"timestamp"`
}

// Hub broadcasts store state events to stream subscribers and keeps a short
// history for Last-Event-ID replay.
type Hub struct {
	mu          sync.Mutex
	log         pslog.Logger
	subs        map[chan StreamEvent]struct{}
	history     []StreamEvent
	historySize int
}

// NewHub constructs a hub with the given history size.
func NewHub(historySize int, logger pslog.Logger) *Hub {
	if historySize <= 0 {
		historySize = 64
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Hub{
		log:         logger,
		subs:        make(map[chan StreamEvent]struct{}),
		historySize: historySize,
	}
}

// OnStateChange implements core.EventSink.
func (h *Hub) OnStateChange(event schema.StateEvent) {
	h.log.Trace("hub state event", "reason", event.Reason, "revision", event.State.Revision)
	h.publish(StreamEvent{
		Seq:       event.State.Revision,
		Type:      streamTypeState,
		Reason:    string(event.Reason),
		State:     event.State,
		Timestamp: event.At,
	})
}

// Subscribe registers a subscriber and returns the history retained so far.
func (h *Hub) Subscribe() (<-chan StreamEvent, func(), []StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan StreamEvent, 256)
	h.subs[ch] = struct{}{}
	history := append([]StreamEvent(nil), h.history...)
	h.log.Info("hub subscribe", "subs", len(h.subs), "history", len(history))
	var once sync.Once
	unsub := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			remaining := len(h.subs)
			h.mu.Unlock()
			h.log.Info("hub unsubscribe", "subs", remaining)
		})
	}
	return ch, unsub, history
}

// Replay returns retained events after the provided seq.
func (h *Hub) Replay(after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return replayAfter(h.history, after)
}

func replayAfter(history []StreamEvent, after uint64) []StreamEvent {
	events := make([]StreamEvent, 0, len(history))
	for _, event := range history {
		if event.Seq > after {
			events = append(events, event)
		}
	}
	return events
}

// canReplay reports whether history still covers every event after seq.
func canReplay(history []StreamEvent, after uint64) bool {
	if after == 0 || len(history) == 0 {
		return false
	}
	return history[0].Seq <= after+1 && history[len(history)-1].Seq >= after
}

// Subscribers returns the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) publish(event StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, event)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	dropped := 0
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.log.Warn("hub event dropped", "reason", event.Reason, "revision", event.Seq, "dropped", dropped)
	}
}
