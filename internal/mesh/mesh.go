// Package mesh routes trigger events to playbooks. Rules match on an
// event-type prefix plus simple payload predicates; each match is
// proposed to the healing pipeline as a governed playbook suggestion.
package mesh

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/playbooks"
)

// Op is a predicate comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNe  Op = "ne"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

// Predicate is one payload condition. Range operators compare numerically
// and fail the match for non-numeric payload values.
type Predicate struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Rule binds matching events to a playbook.
type Rule struct {
	Name        string      `json:"name"`
	EventPrefix string      `json:"event_prefix"`
	Predicates  []Predicate `json:"predicates,omitempty"`
	PlaybookID  string      `json:"playbook_id"`
}

// Mesh subscribes to the bus and turns matched events into
// healing.playbook.proposed events carrying the required governance tier.
type Mesh struct {
	mu        sync.RWMutex
	rules     []Rule
	playbooks *playbooks.Registry
	pub       events.Publisher
	dedup     *events.Deduper
	logger    zerolog.Logger
}

// New builds a mesh over the playbook registry.
func New(registry *playbooks.Registry, pub events.Publisher, logger zerolog.Logger) *Mesh {
	return &Mesh{
		playbooks: registry,
		pub:       pub,
		dedup:     events.NewDeduper(4096),
		logger:    logger,
	}
}

// AddRule registers a routing rule. The referenced playbook must exist.
func (m *Mesh) AddRule(rule Rule) error {
	if rule.Name == "" || rule.EventPrefix == "" || rule.PlaybookID == "" {
		return cperrors.Fatal("add_rule", "mesh", fmt.Errorf("rule needs name, event_prefix and playbook_id"))
	}
	if _, ok := m.playbooks.Get(rule.PlaybookID); !ok {
		return cperrors.Fatal("add_rule", "mesh",
			fmt.Errorf("%w: playbook %s", cperrors.ErrNotFound, rule.PlaybookID))
	}
	for _, p := range rule.Predicates {
		switch p.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		default:
			return cperrors.Fatal("add_rule", "mesh", fmt.Errorf("rule %s: unknown operator %q", rule.Name, p.Op))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
	m.logger.Info().Str("rule", rule.Name).Str("prefix", rule.EventPrefix).Str("playbook", rule.PlaybookID).Msg("Registered mesh rule")
	return nil
}

// Rules returns a copy of the rule table.
func (m *Mesh) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Attach subscribes the mesh to the bus. Guardian detections additionally
// route by failure mode even without an explicit rule.
func (m *Mesh) Attach(bus *events.Bus) {
	bus.Subscribe("trigger-mesh", []string{"guardian.", "healing.", "ext.", "task."}, m.dedup.Wrap(m.Handle))
}

// Handle evaluates one event against the rule table.
func (m *Mesh) Handle(ev events.Event) {
	matched := map[string]bool{}
	for _, rule := range m.Rules() {
		if !strings.HasPrefix(ev.Type, rule.EventPrefix) {
			continue
		}
		if !m.evaluate(rule.Predicates, ev.Payload) {
			continue
		}
		if pb, ok := m.playbooks.Get(rule.PlaybookID); ok && !matched[pb.ID] {
			matched[pb.ID] = true
			m.propose(ev, pb, rule.Name)
		}
	}

	// default guardian binding: best playbook for the detected failure mode
	if ev.Type == events.TypeGuardianIssue && len(matched) == 0 {
		mode, _ := ev.Payload["failure_mode"].(string)
		if mode == "" {
			mode, _ = ev.Payload["category"].(string)
		}
		for _, pb := range m.playbooks.ForMode(incidents.FailureMode(mode)) {
			m.propose(ev, pb, "guardian-default")
			break
		}
	}
}

func (m *Mesh) propose(ev events.Event, pb *playbooks.Playbook, ruleName string) {
	tier := RequiredTier(pb)
	payload := map[string]any{
		"playbook_id":   pb.ID,
		"required_tier": tier.String(),
		"rule":          ruleName,
		"trigger_type":  ev.Type,
		"trigger_id":    ev.ID,
		"failure_mode":  string(pb.FailureMode),
	}
	if incidentID, ok := ev.Payload["incident_id"].(string); ok {
		payload["incident_id"] = incidentID
	}
	m.pub.Publish(events.TypeHealingProposed, payload,
		events.WithCorrelation(correlationFor(ev)),
		events.WithSeverity(events.SeverityInfo))
	m.logger.Debug().
		Str("playbook", pb.ID).
		Str("tier", tier.String()).
		Str("trigger", ev.Type).
		Msg("Proposed playbook")
}

func correlationFor(ev events.Event) string {
	if ev.CorrelationID != "" {
		return ev.CorrelationID
	}
	return ev.ID
}

// RequiredTier derives the governance tier for a playbook proposal: the
// playbook's declared tier, escalated to at least its risk level.
func RequiredTier(pb *playbooks.Playbook) governance.Tier {
	tier := pb.RequiredTier
	if risk := governance.Tier(pb.RiskLevel); risk > tier && risk <= governance.TierT3 {
		tier = risk
	}
	return tier
}

func (m *Mesh) evaluate(predicates []Predicate, payload map[string]any) bool {
	for _, p := range predicates {
		value, present := payload[p.Field]
		if !present {
			return false
		}
		switch p.Op {
		case OpEq:
			if !looseEqual(value, p.Value) {
				return false
			}
		case OpNe:
			if looseEqual(value, p.Value) {
				return false
			}
		default:
			have, ok1 := asFloat(value)
			want, ok2 := asFloat(p.Value)
			if !ok1 || !ok2 {
				return false
			}
			switch p.Op {
			case OpGt:
				if !(have > want) {
					return false
				}
			case OpGte:
				if !(have >= want) {
					return false
				}
			case OpLt:
				if !(have < want) {
					return false
				}
			case OpLte:
				if !(have <= want) {
					return false
				}
			}
		}
	}
	return true
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if fa, ok1 := asFloat(a); ok1 {
		if fb, ok2 := asFloat(b); ok2 {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
