// Package healing binds the pipeline together: playbook proposals are
// governed, executed as scheduled tasks, verified, and folded back into
// the incident log with their MTTR.
package healing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/htm"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/playbooks"
)

// Orchestrator drives incidents through governance, task execution and
// resolution. It owns incident state transitions exclusively.
type Orchestrator struct {
	mu sync.Mutex

	log       *incidents.Log
	gate      *governance.Gate
	registry  *playbooks.Registry
	executor  *playbooks.Executor
	scheduler *htm.Scheduler
	pub       events.Publisher
	clk       clock.Clock
	logger    zerolog.Logger

	dedup *events.Deduper
	// incident_id -> playbook driving it, for outcome accounting
	inflight map[string]string

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires the orchestrator over its collaborators.
func New(log *incidents.Log, gate *governance.Gate, registry *playbooks.Registry,
	executor *playbooks.Executor, scheduler *htm.Scheduler,
	pub events.Publisher, clk clock.Clock, logger zerolog.Logger) *Orchestrator {

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:       log,
		gate:      gate,
		registry:  registry,
		executor:  executor,
		scheduler: scheduler,
		pub:       pub,
		clk:       clk,
		logger:    logger,
		dedup:     events.NewDeduper(4096),
		inflight:  make(map[string]string),
		rootCtx:   ctx,
		cancel:    cancel,
	}
}

// Attach subscribes the orchestrator to the bus.
func (o *Orchestrator) Attach(bus *events.Bus) {
	bus.Subscribe("healing-orchestrator",
		[]string{events.TypeHealingProposed, events.TypeTaskUpdate},
		o.dedup.Wrap(o.handle),
		events.WithCritical())
}

// Stop cancels pending governance waits and drains in-flight pipelines.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) handle(ev events.Event) {
	switch ev.Type {
	case events.TypeHealingProposed:
		// governance may block on approval; never stall the bus queue
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runProposal(ev)
		}()
	case events.TypeTaskUpdate:
		o.handleTaskUpdate(ev)
	}
}

// runProposal executes steps 1-4 of the pipeline: incident, governance,
// task submission. Resolution happens in handleTaskUpdate.
func (o *Orchestrator) runProposal(ev events.Event) {
	playbookID, _ := ev.Payload["playbook_id"].(string)
	pb, ok := o.registry.Get(playbookID)
	if !ok {
		o.logger.Warn().Str("playbook", playbookID).Msg("Proposal for unknown playbook")
		return
	}

	incidentID, _ := ev.Payload["incident_id"].(string)
	if incidentID == "" {
		incidentID = uuid.NewString()
	}
	severity, _ := ev.Payload["severity"].(string)
	if severity == "" {
		severity = ev.Severity
	}
	if severity == "" {
		severity = events.SeverityWarn.String()
	}

	detected := o.clk.Now()
	if err := o.log.Append(incidents.Record{
		IncidentID:  incidentID,
		Status:      incidents.StatusDetected,
		FailureMode: pb.FailureMode,
		Severity:    severity,
		DetectedAt:  detected,
		PlaybookID:  pb.ID,
	}); err != nil {
		o.logger.Error().Err(err).Str("incident", incidentID).Msg("Failed to open incident")
		return
	}

	requiredTier, _ := ev.Payload["required_tier"].(string)
	if requiredTier == "" {
		requiredTier = pb.RequiredTier.String()
	}

	decision, err := o.gate.Request(o.rootCtx, governance.ProposedAction{
		ActionType: "playbook_execution",
		Actor:      "healing-orchestrator",
		Resource:   pb.ID,
		Context: map[string]any{
			"required_tier": requiredTier,
			"incident_id":   incidentID,
			"trigger_id":    ev.ID,
		},
	})
	if err != nil || decision.Decision == governance.DecisionDeny {
		reason := "governance_denied"
		if err != nil && cperrors.Is(err, cperrors.ErrExpired) {
			reason = "approval_expired"
		}
		o.escalate(incidentID, detected, pb, reason)
		return
	}

	if err := o.log.Append(incidents.Record{
		IncidentID:  incidentID,
		Status:      incidents.StatusInProgress,
		FailureMode: pb.FailureMode,
		Severity:    severity,
		DetectedAt:  detected,
		PlaybookID:  pb.ID,
	}); err != nil {
		o.logger.Error().Err(err).Str("incident", incidentID).Msg("Failed to advance incident")
		return
	}

	params := map[string]any{}
	for k, v := range ev.Payload {
		params[k] = v
	}

	o.mu.Lock()
	o.inflight[incidentID] = pb.ID
	o.mu.Unlock()

	_, err = o.scheduler.Submit(htm.Spec{
		Kind:           "healing.playbook",
		Payload:        map[string]any{"playbook_id": pb.ID, "incident_id": incidentID},
		OwnerKernel:    "self-healing",
		Priority:       priorityFor(severity),
		ParentIncident: incidentID,
		Run: func(ctx context.Context, task *htm.Task) error {
			result, err := o.executor.Execute(ctx, pb.ID, params)
			if err != nil {
				return err
			}
			if !result.Success {
				return cperrors.Transient("run_playbook", "healing", fmt.Errorf("playbook %s did not verify", pb.ID))
			}
			return nil
		},
	})
	if err != nil {
		o.mu.Lock()
		delete(o.inflight, incidentID)
		o.mu.Unlock()
		o.failIncident(incidentID, detected, pb, "task_submission_failed")
	}
}

// handleTaskUpdate closes the loop on terminal task states.
func (o *Orchestrator) handleTaskUpdate(ev events.Event) {
	incidentID, _ := ev.Payload["parent_incident"].(string)
	state, _ := ev.Payload["state"].(string)
	if incidentID == "" || !htm.State(state).Terminal() {
		return
	}

	o.mu.Lock()
	playbookID, tracked := o.inflight[incidentID]
	if tracked {
		delete(o.inflight, incidentID)
	}
	o.mu.Unlock()
	if !tracked {
		return
	}

	current, ok := o.log.Current(incidentID)
	if !ok || current.Status.Terminal() {
		return
	}
	pb, _ := o.registry.Get(playbookID)

	switch htm.State(state) {
	case htm.StateSucceeded:
		resolved := o.clk.Now()
		record := incidents.Record{
			IncidentID:   incidentID,
			Status:       incidents.StatusResolved,
			FailureMode:  current.FailureMode,
			Severity:     current.Severity,
			DetectedAt:   current.DetectedAt,
			ResolvedAt:   &resolved,
			PlaybookID:   playbookID,
			ActionsTaken: append(current.ActionsTaken, playbookID),
		}
		if err := o.log.Append(record); err != nil {
			o.logger.Error().Err(err).Str("incident", incidentID).Msg("Failed to resolve incident")
			return
		}
		folded, _ := o.log.Current(incidentID)
		mttr := 0.0
		if folded.MTTRSeconds != nil {
			mttr = *folded.MTTRSeconds
		}
		o.pub.Publish(events.TypeHealingResolved, map[string]any{
			"incident_id":  incidentID,
			"mttr_seconds": mttr,
			"playbook_id":  playbookID,
		})
		o.logger.Info().Str("incident", incidentID).Float64("mttr_seconds", mttr).Msg("Incident resolved")

	case htm.StateCancelled:
		o.failIncident(incidentID, current.DetectedAt, pb, "cancelled")
	case htm.StateTimedOut:
		o.failIncident(incidentID, current.DetectedAt, pb, "sla_exceeded")
	default:
		reason, _ := ev.Payload["error"].(string)
		if reason == "" {
			reason = "playbook_failed"
		}
		o.failIncident(incidentID, current.DetectedAt, pb, reason)
	}
}

// escalate marks an incident the control plane may not act on itself.
func (o *Orchestrator) escalate(incidentID string, detected time.Time, pb *playbooks.Playbook, reason string) {
	record := incidents.Record{
		IncidentID: incidentID,
		Status:     incidents.StatusEscalated,
		DetectedAt: detected,
		Reason:     reason,
	}
	if pb != nil {
		record.FailureMode = pb.FailureMode
		record.PlaybookID = pb.ID
	}
	if err := o.log.Append(record); err != nil {
		o.logger.Error().Err(err).Str("incident", incidentID).Msg("Failed to escalate incident")
		return
	}
	o.pub.Publish(events.TypeHealingFailed, map[string]any{
		"incident_id": incidentID,
		"reason":      reason,
		"escalated":   true,
	}, events.WithSeverity(events.SeverityWarn))
	o.logger.Warn().Str("incident", incidentID).Str("reason", reason).Msg("Incident escalated")
}

func (o *Orchestrator) failIncident(incidentID string, detected time.Time, pb *playbooks.Playbook, reason string) {
	record := incidents.Record{
		IncidentID: incidentID,
		Status:     incidents.StatusFailed,
		DetectedAt: detected,
		Reason:     reason,
	}
	if pb != nil {
		record.FailureMode = pb.FailureMode
		record.PlaybookID = pb.ID
	}
	if err := o.log.Append(record); err != nil {
		o.logger.Error().Err(err).Str("incident", incidentID).Msg("Failed to fail incident")
		return
	}
	o.pub.Publish(events.TypeHealingFailed, map[string]any{
		"incident_id": incidentID,
		"reason":      reason,
	}, events.WithSeverity(events.SeverityError))
	o.logger.Warn().Str("incident", incidentID).Str("reason", reason).Msg("Incident failed")
}

func priorityFor(severity string) int {
	switch severity {
	case "critical":
		return 10
	case "error":
		return 5
	case "warn":
		return 2
	}
	return 0
}
