// Package boot drives staged startup. Phases are data, not control flow:
// each declares a start function, an optional health predicate, and a
// timeout. A failing phase halts everything after it and reports which
// phases were skipped.
package boot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/events"
)

// Exit codes the process reports for specific startup failures.
const (
	ExitConfig        = 2
	ExitBootGate      = 3
	ExitAuditChain    = 4
	ExitInconsistency = 5
)

// ExitError carries the process exit code for a fatal startup failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit %d: %v", e.Code, e.Err)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps an error with its exit code.
func Exit(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// Phase is one startup stage.
type Phase struct {
	Name    string
	Start   func(ctx context.Context) error
	Health  func(ctx context.Context) error
	Timeout time.Duration
}

const defaultPhaseTimeout = 30 * time.Second

// Orchestrator runs phases in order and reports progress as boot events.
type Orchestrator struct {
	pub    events.Publisher
	logger zerolog.Logger

	mu     sync.Mutex
	phases []Phase
	ready  bool
}

// NewOrchestrator returns an empty orchestrator. The publisher may be nil
// until the bus phase installs one via SetPublisher.
func NewOrchestrator(pub events.Publisher, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{pub: pub, logger: logger}
}

// SetPublisher installs the publisher once the bus phase has built it, so
// phases after it report through the real pipeline.
func (o *Orchestrator) SetPublisher(pub events.Publisher) {
	o.mu.Lock()
	o.pub = pub
	o.mu.Unlock()
}

// AddPhase appends a phase in startup order.
func (o *Orchestrator) AddPhase(p Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, p)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(eventType string, payload map[string]any, opts ...events.PublishOption) {
	o.mu.Lock()
	pub := o.pub
	o.mu.Unlock()
	if pub != nil {
		pub.Publish(eventType, payload, opts...)
	}
}

// Run executes the phases. On failure it reports the failing phase and the
// names of every phase that did not get to run, then returns the error.
// A complete run publishes system.ready exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	phases := make([]Phase, len(o.phases))
	copy(phases, o.phases)
	alreadyReady := o.ready
	o.mu.Unlock()
	if alreadyReady {
		return fmt.Errorf("boot already completed")
	}

	for i, phase := range phases {
		start := time.Now()
		if err := o.runPhase(ctx, phase); err != nil {
			skipped := make([]string, 0, len(phases)-i-1)
			for _, rest := range phases[i+1:] {
				skipped = append(skipped, rest.Name)
			}
			o.logger.Error().Err(err).Str("phase", phase.Name).Msg("Boot phase failed")
			o.publish(events.TypeBootPhaseFailed, map[string]any{
				"phase": phase.Name,
				"error": err.Error(),
			}, events.WithSeverity(events.SeverityError))
			o.publish(events.TypeBootDegraded, map[string]any{
				"phase":   phase.Name,
				"skipped": skipped,
			}, events.WithSeverity(events.SeverityCritical))
			return err
		}
		o.logger.Info().Str("phase", phase.Name).Dur("took", time.Since(start)).Msg("Boot phase ok")
		o.publish(events.TypeBootPhaseOK, map[string]any{"phase": phase.Name})
	}

	o.mu.Lock()
	o.ready = true
	o.mu.Unlock()
	o.publish(events.TypeSystemReady, map[string]any{"phases": len(phases)})
	o.logger.Info().Int("phases", len(phases)).Msg("System ready")
	return nil
}

func (o *Orchestrator) runPhase(ctx context.Context, phase Phase) error {
	timeout := phase.Timeout
	if timeout <= 0 {
		timeout = defaultPhaseTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if phase.Start != nil {
		if err := phase.Start(pctx); err != nil {
			return err
		}
	}
	if phase.Health != nil {
		if err := phase.Health(pctx); err != nil {
			return fmt.Errorf("health check: %w", err)
		}
	}
	return nil
}
