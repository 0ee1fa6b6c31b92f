package httpapi

// Config defines HTTP API settings.
type Config struct {
	Addr     string
	BasePath string
	// HubHistory is how many state events are kept for Last-Event-ID replay.
	HubHistory int
}
