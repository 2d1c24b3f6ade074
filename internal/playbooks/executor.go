package playbooks

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/kernels"
)

// StepResult records one step's outcome.
type StepResult struct {
	Step         int            `json:"step"`
	Name         string         `json:"name"`
	Success      bool           `json:"success"`
	Verified     bool           `json:"verified"`
	Output       map[string]any `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration"`
	Compensated  bool           `json:"compensated,omitempty"`
	CompensateOK bool           `json:"compensate_ok,omitempty"`
}

// ExecutionResult is the full outcome of running a playbook.
type ExecutionResult struct {
	PlaybookID string       `json:"playbook_id"`
	Success    bool         `json:"success"`
	Steps      []StepResult `json:"steps"`
	RolledBack bool         `json:"rolled_back,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Executor runs playbook steps through the kernel registry. Steps execute
// in order; a failed action or verification triggers compensation of the
// completed steps in reverse order.
type Executor struct {
	registry    *Registry
	kernels     *kernels.Registry
	clk         clock.Clock
	logger      zerolog.Logger
	stepTimeout time.Duration
}

// NewExecutor wires an executor over the playbook and kernel registries.
func NewExecutor(registry *Registry, kr *kernels.Registry, clk clock.Clock, logger zerolog.Logger) *Executor {
	return &Executor{
		registry:    registry,
		kernels:     kr,
		clk:         clk,
		logger:      logger,
		stepTimeout: 30 * time.Second,
	}
}

// SetStepTimeout overrides the per-step deadline.
func (e *Executor) SetStepTimeout(d time.Duration) {
	if d > 0 {
		e.stepTimeout = d
	}
}

// Execute runs a playbook by id. Params merge over each step's own params.
// The outcome is recorded in the playbook registry either way.
func (e *Executor) Execute(ctx context.Context, playbookID string, params map[string]any) (*ExecutionResult, error) {
	pb, ok := e.registry.Get(playbookID)
	if !ok {
		return nil, cperrors.Fatal("execute_playbook", "playbooks",
			fmt.Errorf("%w: playbook %s", cperrors.ErrNotFound, playbookID))
	}

	result := &ExecutionResult{PlaybookID: pb.ID}
	defer func() { e.registry.RecordOutcome(pb.ID, result.Success) }()

	var completed []int
	for i, step := range pb.Steps {
		if err := ctx.Err(); err != nil {
			result.Error = "cancelled"
			e.compensate(ctx, pb, completed, result)
			return result, cperrors.Transient("execute_playbook", "playbooks", cperrors.ErrCancelled)
		}

		sr := e.runStep(ctx, pb, i, step, params)
		result.Steps = append(result.Steps, sr)
		if !sr.Success || !sr.Verified {
			result.Error = sr.Error
			e.compensate(ctx, pb, completed, result)
			e.logger.Warn().
				Str("playbook", pb.ID).
				Str("step", step.Name).
				Str("error", sr.Error).
				Bool("rolled_back", result.RolledBack).
				Msg("Playbook step failed")
			return result, cperrors.Transient("execute_playbook", "playbooks",
				fmt.Errorf("step %s failed: %s", step.Name, sr.Error))
		}
		completed = append(completed, i)
	}

	result.Success = true
	e.logger.Info().Str("playbook", pb.ID).Int("steps", len(pb.Steps)).Msg("Playbook completed")
	return result, nil
}

func (e *Executor) runStep(ctx context.Context, pb *Playbook, index int, step Step, params map[string]any) StepResult {
	start := e.clk.Now()
	sr := StepResult{Step: index, Name: step.Name}

	payload := make(map[string]any, len(step.Params)+len(params))
	for k, v := range step.Params {
		payload[k] = v
	}
	for k, v := range params {
		payload[k] = v
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	output, err := e.kernels.Invoke(stepCtx, step.Action, payload)
	sr.Duration = e.clk.Now().Sub(start)
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	sr.Success = true
	sr.Output = output

	verdict, err := e.kernels.Invoke(stepCtx, step.Verify, payload)
	if err != nil {
		sr.Error = fmt.Sprintf("verification failed: %v", err)
		return sr
	}
	if ok, _ := verdict["ok"].(bool); !ok {
		sr.Error = "verification reported failure"
		return sr
	}
	sr.Verified = true
	return sr
}

// compensate undoes completed steps in reverse order. Compensation runs
// on a fresh timeout so a cancelled execution still rolls back.
func (e *Executor) compensate(ctx context.Context, pb *Playbook, completed []int, result *ExecutionResult) {
	for i := len(completed) - 1; i >= 0; i-- {
		idx := completed[i]
		step := pb.Steps[idx]
		if step.Compensate == "" {
			continue
		}
		result.RolledBack = true

		compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.stepTimeout)
		_, err := e.kernels.Invoke(compCtx, step.Compensate, step.Params)
		cancel()

		for j := range result.Steps {
			if result.Steps[j].Step == idx {
				result.Steps[j].Compensated = true
				result.Steps[j].CompensateOK = err == nil
			}
		}
		if err != nil {
			e.logger.Error().
				Str("playbook", pb.ID).
				Str("step", step.Name).
				Err(err).
				Msg("Compensation failed")
		}
	}
}
