package schema

import "time"

// StateEventReason names the store action that produced a state change.
type StateEventReason string

const (
	ReasonConfig      StateEventReason = "config"
	ReasonClear       StateEventReason = "clear"
	ReasonProbe       StateEventReason = "probe"
	ReasonRefresh     StateEventReason = "refresh"
	ReasonLoading     StateEventReason = "loading"
	ReasonRestart     StateEventReason = "restart"
	ReasonAutoRefresh StateEventReason = "autorefresh"
	ReasonError       StateEventReason = "error"
)

// StateEvent is emitted once per committed store mutation.
type StateEvent struct {
	Reason StateEventReason `json:"reason"`
	At     time.Time        `json:"at"`
	State  GatewayState     `json:"state"`
}
