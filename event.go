package xinbox

import (
	"time"
)

// EventType enumerates internal lifecycle events for Observer pattern.
type EventType string

const (
	ClientRegistered   EventType = "client_registered"
	ClientUnregistered EventType = "client_unregistered"
	MessageSent        EventType = "message_sent"
	MessageDelivered   EventType = "message_delivered"
	MessageRetracted   EventType = "message_retracted"
	HandlerFailed      EventType = "handler_failed"
	PollFailed         EventType = "poll_failed"
	Error              EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type       EventType
	BusID      string
	ClientID   string
	MessageID  MessageID
	Priority   Priority
	Recipients int
	Duration   time.Duration
	Err        error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	Panics       uint64 // Observer panics recovered by the pool
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Sent             uint64 // messages accepted by Send
	Enqueued         uint64 // inbox copies written
	Delivered        uint64 // handler invocations that returned nil
	HandlerErrors    uint64
	PollErrors       uint64
	Retracted        uint64
	Errors           uint64
	ActiveClients    int
	EventsDropped    uint64
	AvgHandlerTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
