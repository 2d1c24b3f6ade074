// Package events defines the control plane event model, the in-process bus,
// and the unified publisher that is the sole ingress for event publication.
package events

import (
	"strings"
	"time"
)

// Severity orders events for backpressure and delivery policy.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a string to a Severity, defaulting to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return SeverityDebug
	case "warn", "warning":
		return SeverityWarn
	case "error":
		return SeverityError
	case "critical":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Event is the immutable record flowing through the bus. Once published an
// event is never mutated; consumers dedupe on ID.
type Event struct {
	ID            string         `json:"id"` // ULID
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Severity      string         `json:"severity"`
	Timestamp     time.Time      `json:"timestamp"`
	Mono          uint64         `json:"mono"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// SeverityLevel parses the event's severity field.
func (e Event) SeverityLevel() Severity {
	return ParseSeverity(e.Severity)
}

// Trigger specializes Event with an intent to change state.
type Trigger struct {
	Event
	Actor    string `json:"actor"`
	Resource string `json:"resource"`
	Action   string `json:"action"`
}

// Handler consumes events delivered by the bus. Handlers must be idempotent
// on event ID: at-least-once delivery may replay.
type Handler func(Event)

// Publisher abstracts event publication for components that only emit.
// The bus never depends on this interface; it breaks the cycle the other way.
type Publisher interface {
	Publish(eventType string, payload map[string]any, opts ...PublishOption)
}
