package events

import (
	"crypto/rand"
	"io"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
)

// Appender receives every published event for the immutable record. The
// audit log implements this; the publisher only sees the narrow seam.
type Appender interface {
	Append(ev Event) error
}

// UnifiedPublisher is the single facade for publishing events, triggers, and
// audit entries. It stamps ids, timestamps, and source attribution, and
// validates types and payload schemas on ingress.
type UnifiedPublisher struct {
	bus      *Bus
	appender Appender
	clk      clock.Clock
	source   string
	logger   zerolog.Logger
	ids      *idSource
}

// idSource serializes reads of the entropy stream. Named clones alias the
// same source so concurrent publishers draw from one id sequence.
type idSource struct {
	mu sync.Mutex
	r  io.Reader
}

// PublishOption customizes a single publication.
type PublishOption func(*publishParams)

type publishParams struct {
	source        string
	correlationID string
	severity      Severity
	severitySet   bool
}

// WithSource overrides the publisher's default source attribution.
func WithSource(source string) PublishOption {
	return func(p *publishParams) { p.source = source }
}

// WithCorrelation ties the event to an existing correlation id.
func WithCorrelation(id string) PublishOption {
	return func(p *publishParams) { p.correlationID = id }
}

// WithSeverity sets the event severity (default info).
func WithSeverity(severity Severity) PublishOption {
	return func(p *publishParams) {
		p.severity = severity
		p.severitySet = true
	}
}

// NewPublisher builds the unified publisher. A nil entropy reader selects
// crypto/rand; CI_MODE passes a seeded reader for reproducible ULIDs.
func NewPublisher(bus *Bus, appender Appender, clk clock.Clock, source string, logger zerolog.Logger, entropy io.Reader) *UnifiedPublisher {
	if entropy == nil {
		entropy = rand.Reader
	}
	return &UnifiedPublisher{
		bus:      bus,
		appender: appender,
		clk:      clk,
		source:   source,
		logger:   logger,
		ids:      &idSource{r: entropy},
	}
}

// DeterministicEntropy returns a seeded entropy source for reproducible ids.
func DeterministicEntropy(seed int64) io.Reader {
	return mathrand.New(mathrand.NewSource(seed))
}

// Named returns a publisher that stamps a different source but shares the
// bus, appender, and id sequence.
func (p *UnifiedPublisher) Named(source string) *UnifiedPublisher {
	return &UnifiedPublisher{
		bus:      p.bus,
		appender: p.appender,
		clk:      p.clk,
		source:   source,
		logger:   p.logger,
		ids:      p.ids,
	}
}

// Publish validates, stamps, audits, and enqueues the event. Invalid events
// never reach the bus: they become dead-letter audit entries.
func (p *UnifiedPublisher) Publish(eventType string, payload map[string]any, opts ...PublishOption) {
	params := publishParams{source: p.source, severity: SeverityInfo}
	for _, opt := range opts {
		opt(&params)
	}

	ev := Event{
		ID:            p.nextID(),
		Type:          eventType,
		Source:        params.source,
		CorrelationID: params.correlationID,
		Severity:      params.severity.String(),
		Timestamp:     p.clk.Now().UTC(),
		Mono:          p.clk.Mono(),
		Payload:       payload,
	}

	if err := ValidateType(eventType); err != nil {
		p.deadLetter(ev, err.Error())
		return
	}
	if err := ValidateSchema(eventType, payload); err != nil {
		p.deadLetter(ev, err.Error())
		return
	}

	if p.appender != nil {
		if err := p.appender.Append(ev); err != nil {
			p.logger.Error().Err(err).Str("event_type", eventType).Msg("Audit append failed")
		}
	}
	p.bus.Publish(ev)
}

// PublishTrigger publishes an intent to change state.
func (p *UnifiedPublisher) PublishTrigger(trigger Trigger, opts ...PublishOption) {
	payload := trigger.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payload["actor"] = trigger.Actor
	payload["resource"] = trigger.Resource
	payload["action"] = trigger.Action
	p.Publish(trigger.Type, payload, opts...)
}

func (p *UnifiedPublisher) nextID() string {
	p.ids.mu.Lock()
	defer p.ids.mu.Unlock()
	ms := ulid.Timestamp(p.clk.Now())
	id, err := ulid.New(ms, p.ids.r)
	if err != nil {
		// Entropy exhaustion is not recoverable mid-flight; fall back to the
		// library's own source.
		return ulid.Make().String()
	}
	return id.String()
}

func (p *UnifiedPublisher) deadLetter(ev Event, reason string) {
	p.logger.Warn().
		Str("event_type", ev.Type).
		Str("reason", reason).
		Msg("Event rejected on ingress, dead-lettering")

	if p.appender == nil {
		return
	}
	dead := Event{
		ID:        ev.ID,
		Type:      TypeAuditDeadLetter,
		Source:    ev.Source,
		Severity:  SeverityWarn.String(),
		Timestamp: ev.Timestamp,
		Mono:      ev.Mono,
		Payload: map[string]any{
			"rejected_type": ev.Type,
			"reason":        reason,
		},
	}
	if err := p.appender.Append(dead); err != nil {
		p.logger.Error().Err(err).Msg("Dead-letter audit append failed")
	}
}

// now is exposed for tests that need the publisher's notion of time.
func (p *UnifiedPublisher) now() time.Time { return p.clk.Now() }
