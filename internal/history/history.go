package history

import (
	"context"
	"time"
)

// EventType defines the kind of pipeline lifecycle event.
type EventType string

const (
	EventPickedUp       EventType = "event_picked_up"
	EventSessionStarted EventType = "session_started"
	EventExecution      EventType = "execution"
	EventReportSent     EventType = "report_sent"
	EventConnState      EventType = "connection_transition"
)

// Event represents a pipeline lifecycle event exported to external
// analytics systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	SessionID  string    `json:"session_id"`
	Kind       string    `json:"kind"`
	Success    bool      `json:"success"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Excluded   int       `json:"excluded"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// NopSink discards all events. Used when history export is disabled.
type NopSink struct{}

func (NopSink) Send(context.Context, Event) error { return nil }
func (NopSink) Close() error                      { return nil }
