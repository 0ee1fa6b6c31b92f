package core

import "pkt.systems/pslog"

// StoreDeps captures the collaborators of the connection-state store.
// Transport is required; the rest fall back to process defaults.
type StoreDeps struct {
	Transport   Transport
	Credentials CredentialStore
	Clock       Clock
	Scheduler   Scheduler
	EventSink   EventSink
	Logger      pslog.Logger
}

// CredentialStore persists the connection pair between runs.
type CredentialStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Fixed credential store keys.
const (
	CredentialKeyEndpoint = "gateway-url"
	CredentialKeyToken    = "gateway-token"
)
