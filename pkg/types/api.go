package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: instance not found
	Error string `json:"error" example:"instance not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
}

// InstanceCounters are the audio-path fault counters of one bridged instance.
type InstanceCounters struct {
	Blocks       uint64 `json:"blocks"`
	Busy         uint64 `json:"busy"`
	Timeouts     uint64 `json:"timeouts"`
	Silenced     uint64 `json:"silenced"`
	StaleResults uint64 `json:"stale_results"`
	// QueueOverflows counts events dropped from full façade queues.
	QueueOverflows uint64 `json:"queue_overflows"`
}

// InstanceStatus summarizes a bridged instance for /status.
type InstanceStatus struct {
	// Bridge-assigned instance identifier.
	ID string `json:"id"`
	// Plugin path the instance was loaded from.
	Path string `json:"path"`
	// Current load stage (idle, spawning, connecting, loading, ready, failed, crashed).
	// example: ready
	Stage string `json:"stage" example:"ready"`
	// Failure reason when Stage is failed.
	Reason string `json:"reason,omitempty"`
	// Set once shutdown has begun; the stage is left as it was.
	Closed bool   `json:"closed,omitempty"`
	PID    int    `json:"pid,omitempty"`
	// Plugin metadata, present once the handshake completed.
	Plugin   *PluginMetadata  `json:"plugin,omitempty"`
	Latency  uint32           `json:"latency_samples"`
	Counters InstanceCounters `json:"counters"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Instances []InstanceStatus `json:"instances"`
}
