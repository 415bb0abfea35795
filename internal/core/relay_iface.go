package core

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []ConnID
}

// RelayInfo is a read-only view of the relay for APIs.
type RelayInfo struct {
	Connections int `json:"connections"`
}
