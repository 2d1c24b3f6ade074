// Package playbooks stores executable healing plans with safe execution
// and rollback. Every action carries a verification; plans without one
// are rejected at registration.
package playbooks

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
)

// Step is one action in a playbook. Action and Verify are kernel intents
// resolved through the kernel registry at execution time. Compensate, when
// set, undoes the action during rollback.
type Step struct {
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	ActionType string         `json:"action_type"` // governance action classification
	Params     map[string]any `json:"params,omitempty"`
	Verify     string         `json:"verify"`
	Compensate string         `json:"compensate,omitempty"`
}

// Playbook is a registered healing plan for one failure mode.
type Playbook struct {
	ID            string                `json:"id"`
	Description   string                `json:"description"`
	FailureMode   incidents.FailureMode `json:"failure_mode"`
	Steps         []Step                `json:"steps"`
	RiskLevel     int                   `json:"risk_level"`
	RequiredTier  governance.Tier       `json:"required_tier"`
	Preconditions []string              `json:"preconditions,omitempty"`
}

type stats struct {
	attempts  int
	successes int
}

// Registry holds playbooks and their historical outcomes.
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	outcomes  map[string]*stats
	weights   map[string]float64
	logger    zerolog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		playbooks: make(map[string]*Playbook),
		outcomes:  make(map[string]*stats),
		logger:    logger,
	}
}

// Register validates and stores a playbook. Duplicate IDs are rejected,
// as is any step lacking a verification intent.
func (r *Registry) Register(pb *Playbook) error {
	if pb == nil || pb.ID == "" {
		return cperrors.Fatal("register_playbook", "playbooks", fmt.Errorf("playbook id is required"))
	}
	if pb.FailureMode == "" {
		return cperrors.Fatal("register_playbook", "playbooks", fmt.Errorf("playbook %s has no failure mode", pb.ID))
	}
	if len(pb.Steps) == 0 {
		return cperrors.Fatal("register_playbook", "playbooks", fmt.Errorf("playbook %s has no steps", pb.ID))
	}
	for i, step := range pb.Steps {
		if step.Action == "" {
			return cperrors.Fatal("register_playbook", "playbooks",
				fmt.Errorf("playbook %s step %d has no action", pb.ID, i))
		}
		if step.Verify == "" {
			return cperrors.Fatal("register_playbook", "playbooks",
				fmt.Errorf("playbook %s step %d (%s) has no verification", pb.ID, i, step.Action))
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.playbooks[pb.ID]; exists {
		return cperrors.Fatal("register_playbook", "playbooks", fmt.Errorf("playbook %s already registered", pb.ID))
	}
	r.playbooks[pb.ID] = pb
	r.outcomes[pb.ID] = &stats{}
	r.logger.Info().
		Str("playbook", pb.ID).
		Str("failure_mode", string(pb.FailureMode)).
		Int("steps", len(pb.Steps)).
		Msg("Registered playbook")
	return nil
}

// Get returns a playbook by id.
func (r *Registry) Get(id string) (*Playbook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[id]
	return pb, ok
}

// ForMode returns playbooks matching a failure mode, best success rate
// first. Untried playbooks rank above ones that have failed.
func (r *Registry) ForMode(mode incidents.FailureMode) []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Playbook
	for _, pb := range r.playbooks {
		if pb.FailureMode == mode {
			matched = append(matched, pb)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		ri := r.rate(matched[i].ID) * r.weight(matched[i].ID)
		rj := r.rate(matched[j].ID) * r.weight(matched[j].ID)
		if ri != rj {
			return ri > rj
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

// SetWeight scales a playbook's selection score. The meta-loop lowers a
// weight to push a consistently failing playbook behind its alternatives.
func (r *Registry) SetWeight(id string, weight float64) {
	if weight <= 0 {
		weight = 1.0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.weights == nil {
		r.weights = make(map[string]float64)
	}
	r.weights[id] = weight
}

func (r *Registry) weight(id string) float64 {
	if w, ok := r.weights[id]; ok {
		return w
	}
	return 1.0
}

// RecordOutcome feeds an execution result back into selection ordering.
func (r *Registry) RecordOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.outcomes[id]
	if !ok {
		return
	}
	s.attempts++
	if success {
		s.successes++
	}
}

// SuccessRate returns the historical success rate for a playbook.
// Untried playbooks report 1.0 so they get a first chance.
func (r *Registry) SuccessRate(id string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate(id)
}

// Outcomes returns the raw attempt and success counters for a playbook.
func (r *Registry) Outcomes(id string) (attempts, successes int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.outcomes[id]
	if !ok {
		return 0, 0
	}
	return s.attempts, s.successes
}

// List returns all playbooks sorted by id.
func (r *Registry) List() []*Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Playbook, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) rate(id string) float64 {
	s, ok := r.outcomes[id]
	if !ok || s.attempts == 0 {
		return 1.0
	}
	return float64(s.successes) / float64(s.attempts)
}

// HighestActionType returns the most privileged governance action type
// across a playbook's steps, used when the plan is proposed for approval.
func HighestActionType(pb *Playbook) string {
	rank := map[string]int{
		"read":                   0,
		"search":                 0,
		"inspect":                0,
		"stats":                  0,
		"file_write":             2,
		"file_delete":            2,
		"code_execution":         2,
		"network_egress":         2,
		"system_command":         3,
		"database_schema_change": 3,
		"secret_access":          3,
	}
	score := func(at string) int {
		if r, ok := rank[at]; ok {
			return r
		}
		if strings.HasPrefix(at, "toggle_") {
			return 1
		}
		return 3 // unknown actions treated as privileged
	}

	best := "read"
	for _, step := range pb.Steps {
		at := step.ActionType
		if at == "" {
			at = "system_command"
		}
		if score(at) > score(best) {
			best = at
		}
	}
	return best
}
