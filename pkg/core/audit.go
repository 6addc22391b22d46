package core

import (
	"sync"

	"github.com/rs/zerolog"
)

// AuditRecorder receives audit events from the client.
//
// Record must not block: the client calls it inline on every operation.
type AuditRecorder interface {
	Record(event AuditEvent)
}

// LogRecorder writes audit events to a structured logger.
type LogRecorder struct {
	logger zerolog.Logger
}

// NewLogRecorder creates a recorder that logs every event at info level.
func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record logs the event.
func (r *LogRecorder) Record(event AuditEvent) {
	r.logger.Info().
		Str("action", string(event.Action)).
		Str("org_id", event.Caller.OrgID).
		Str("agent_id", event.Caller.AgentID).
		Int64("memory_id", event.MemoryID).
		Str("detail", event.Detail).
		Msg("audit")
}

// RingRecorder keeps the most recent events in memory, for tests and
// for surfacing recent activity without an external sink.
type RingRecorder struct {
	mu     sync.Mutex
	events []AuditEvent
	max    int
}

// NewRingRecorder creates a recorder holding up to max events.
func NewRingRecorder(max int) *RingRecorder {
	if max <= 0 {
		max = 1024
	}
	return &RingRecorder{max: max}
}

// Record appends the event, evicting the oldest beyond capacity.
func (r *RingRecorder) Record(event AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	if len(r.events) > r.max {
		r.events = r.events[len(r.events)-r.max:]
	}
}

// Events returns a copy of the retained events, oldest first.
func (r *RingRecorder) Events() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}
