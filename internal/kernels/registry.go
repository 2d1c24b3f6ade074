// Package kernels maintains the typed registry of domain kernels and routes
// intents to the most specific healthy handler.
package kernels

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
)

// Health states for a registered kernel.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Domains the control plane registers at boot.
var Domains = []string{
	"memory", "core", "code", "governance", "verification", "intelligence",
	"infrastructure", "federation", "ml", "self-healing", "librarian",
	"coding-agent",
}

// Descriptor describes a kernel to the registry.
type Descriptor struct {
	Name           string   `json:"name"`
	Domain         string   `json:"domain"`
	Capabilities   []string `json:"capabilities"`
	Health         Health   `json:"health"`
	IntentPatterns []string `json:"intent_patterns"`
	Version        string   `json:"version"`
}

// Handler executes an intent routed to a kernel.
type Handler func(ctx context.Context, intent string, payload map[string]any) (map[string]any, error)

// RouteOption adjusts a single routing decision.
type RouteOption func(*routeParams)

type routeParams struct {
	force bool
}

// WithForce routes to unhealthy kernels as well.
func WithForce() RouteOption {
	return func(p *routeParams) { p.force = true }
}

type entry struct {
	desc    Descriptor
	handler Handler
	breaker *gobreaker.CircuitBreaker
}

// Registry holds kernels registered at boot and deregistered only at
// shutdown. Health may change at runtime through probes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	pub     events.Publisher
	logger  zerolog.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(pub events.Publisher, logger zerolog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		pub:     pub,
		logger:  logger,
	}
}

// Register adds a kernel. The handler is wrapped in a circuit breaker; an
// open breaker degrades the kernel until probes close it again.
func (r *Registry) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return cperrors.Fatal("register_kernel", "kernels", fmt.Errorf("kernel name is required"))
	}
	if handler == nil {
		return cperrors.Fatal("register_kernel", "kernels", fmt.Errorf("kernel %s has no handler", desc.Name))
	}
	if desc.Health == "" {
		desc.Health = HealthHealthy
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[desc.Name]; exists {
		return cperrors.Fatal("register_kernel", "kernels", fmt.Errorf("kernel %s already registered", desc.Name))
	}

	e := &entry{desc: desc, handler: handler}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: desc.Name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.onBreakerChange(name, to)
		},
	})
	r.entries[desc.Name] = e

	if r.pub != nil {
		r.pub.Publish("kernel.registered", map[string]any{
			"name":    desc.Name,
			"domain":  desc.Domain,
			"version": desc.Version,
		})
	}
	return nil
}

// Deregister removes a kernel; only the shutdown path calls this.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// SetHealth updates a kernel's health, publishing the transition.
func (r *Registry) SetHealth(name string, health Health) {
	r.mu.Lock()
	e, ok := r.entries[name]
	var previous Health
	if ok {
		previous = e.desc.Health
		e.desc.Health = health
	}
	r.mu.Unlock()

	if ok && previous != health && r.pub != nil {
		r.pub.Publish("kernel.health.changed", map[string]any{
			"name": name,
			"from": string(previous),
			"to":   string(health),
		})
	}
}

// Health snapshots descriptor state for every kernel.
func (r *Registry) Health() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Route picks the kernel whose intent patterns yield the longest specific
// match. Ties break on health, then version, then name. Unhealthy kernels
// are skipped unless forced.
func (r *Registry) Route(intent string, opts ...RouteOption) (Descriptor, Handler, error) {
	params := routeParams{}
	for _, opt := range opts {
		opt(&params)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	bestScore := -1
	for _, e := range r.entries {
		if e.desc.Health == HealthDown && !params.force {
			continue
		}
		score := matchScore(intent, e.desc.IntentPatterns)
		if score < 0 {
			continue
		}
		if score > bestScore || (score == bestScore && preferred(e, best)) {
			best = e
			bestScore = score
		}
	}

	if best == nil {
		return Descriptor{}, nil, cperrors.Fatal("route_intent", "kernels",
			fmt.Errorf("no kernel matches intent %q: %w", intent, cperrors.ErrNotFound))
	}

	desc := best.desc
	handler := r.breakerWrapped(best)
	return desc, handler, nil
}

// Invoke routes and executes in one call.
func (r *Registry) Invoke(ctx context.Context, intent string, payload map[string]any, opts ...RouteOption) (map[string]any, error) {
	_, handler, err := r.Route(intent, opts...)
	if err != nil {
		return nil, err
	}
	return handler(ctx, intent, payload)
}

func (r *Registry) breakerWrapped(e *entry) Handler {
	return func(ctx context.Context, intent string, payload map[string]any) (map[string]any, error) {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.handler(ctx, intent, payload)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, cperrors.Transient("invoke_kernel", e.desc.Name, err)
			}
			return nil, err
		}
		out, _ := result.(map[string]any)
		return out, nil
	}
}

func (r *Registry) onBreakerChange(name string, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		r.logger.Warn().Str("kernel", name).Msg("Kernel circuit opened, degrading")
		r.SetHealth(name, HealthDegraded)
	case gobreaker.StateClosed:
		r.SetHealth(name, HealthHealthy)
	}
}

// matchScore returns the specificity of the best matching pattern, counting
// only literal characters, or -1 when nothing matches.
func matchScore(intent string, patterns []string) int {
	best := -1
	for _, pattern := range patterns {
		p := strings.TrimSpace(pattern)
		if p == "" {
			continue
		}
		matched := wildcard.Match(p, intent)
		if !matched && !strings.ContainsAny(p, "*?") {
			// Dotted prefixes double as patterns.
			matched = strings.HasPrefix(intent, p)
		}
		if !matched {
			continue
		}
		score := len(strings.Map(func(r rune) rune {
			if r == '*' || r == '?' {
				return -1
			}
			return r
		}, p))
		if score > best {
			best = score
		}
	}
	return best
}

// preferred reports whether candidate wins the tie against current best.
func preferred(candidate, current *entry) bool {
	if current == nil {
		return true
	}
	healthRank := func(h Health) int {
		switch h {
		case HealthHealthy:
			return 2
		case HealthDegraded:
			return 1
		default:
			return 0
		}
	}
	if healthRank(candidate.desc.Health) != healthRank(current.desc.Health) {
		return healthRank(candidate.desc.Health) > healthRank(current.desc.Health)
	}
	if cmp := compareVersions(candidate.desc.Version, current.desc.Version); cmp != 0 {
		return cmp > 0
	}
	return candidate.desc.Name < current.desc.Name
}

// compareVersions compares dotted numeric versions; non-numeric segments
// fall back to string comparison.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
			continue
		}
		if av != bv {
			return strings.Compare(av, bv)
		}
	}
	return 0
}
