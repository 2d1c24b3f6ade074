package metaloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/metrics"
	"github.com/aaron031291/grace/internal/playbooks"
)

// Applier installs an approved revision into the running component. The boot
// orchestrator registers one per component the loop may tune.
type Applier func(rev ConfigRevision) error

// Config tunes the loop.
type Config struct {
	Interval     time.Duration // tick cadence, default 5 minutes
	DBPath       string        // stats database
	RevisionsDir string        // applied revision files

	Window          time.Duration // incident window folded per run, default 1h
	HistoryRuns     int           // runs compared for trend detection
	DegradeFactor   float64       // MTTR growth factor that triggers a proposal
	MinResolved     int           // resolutions required before trusting a trend
	WeakAttempts    int           // attempts before a playbook can be reweighted
	WeakSuccessRate float64       // success rate at or below which to reweight

	GuardianScanInterval time.Duration // current guardian cadence, the revision baseline
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		Window:          time.Hour,
		HistoryRuns:     12,
		DegradeFactor:   3.0,
		MinResolved:     10,
		WeakAttempts:    4,
		WeakSuccessRate: 0.25,
	}
}

// Loop aggregates outcomes and proposes configuration revisions.
type Loop struct {
	cfg       Config
	incidents *incidents.Log
	registry  *playbooks.Registry
	gate      *governance.Gate
	pub       events.Publisher
	clk       clock.Clock
	logger    zerolog.Logger

	store     *StatsStore
	revisions *RevisionStore

	mu       sync.Mutex
	appliers map[string]Applier
	scanMS   int64 // live guardian cadence in ms, updated as revisions apply

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the loop's stores and returns a stopped loop.
func New(cfg Config, log *incidents.Log, registry *playbooks.Registry,
	gate *governance.Gate, pub events.Publisher, clk clock.Clock, logger zerolog.Logger) (*Loop, error) {

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.HistoryRuns <= 0 {
		cfg.HistoryRuns = def.HistoryRuns
	}
	if cfg.DegradeFactor <= 1 {
		cfg.DegradeFactor = def.DegradeFactor
	}
	if cfg.MinResolved <= 0 {
		cfg.MinResolved = def.MinResolved
	}
	if cfg.WeakAttempts <= 0 {
		cfg.WeakAttempts = def.WeakAttempts
	}
	if cfg.WeakSuccessRate <= 0 {
		cfg.WeakSuccessRate = def.WeakSuccessRate
	}

	store, err := OpenStore(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}
	revisions, err := NewRevisionStore(cfg.RevisionsDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Loop{
		cfg:       cfg,
		incidents: log,
		registry:  registry,
		gate:      gate,
		pub:       pub,
		clk:       clk,
		logger:    logger,
		store:     store,
		revisions: revisions,
		appliers:  make(map[string]Applier),
		scanMS:    cfg.GuardianScanInterval.Milliseconds(),
		stopCh:    make(chan struct{}),
	}, nil
}

// RegisterApplier wires the live target for one component's revisions.
func (l *Loop) RegisterApplier(component string, fn Applier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appliers[component] = fn
}

// Revisions exposes the revision store for inspection and reverts.
func (l *Loop) Revisions() *RevisionStore { return l.revisions }

// Start begins the periodic loop.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := l.clk.NewTicker(l.cfg.Interval)
		defer ticker.Stop()
		l.logger.Info().Dur("interval", l.cfg.Interval).Msg("Meta-loop started")
		for {
			select {
			case <-l.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C():
				l.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and closes the stats store.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
	l.store.Close()
}

// RunOnce performs one aggregation pass and evaluates proposal rules.
func (l *Loop) RunOnce(ctx context.Context) {
	now := l.clk.Now()
	cutoff := now.Add(-l.cfg.Window)

	var stats []PlaybookStat
	for _, pb := range l.registry.List() {
		attempts, successes := l.registry.Outcomes(pb.ID)
		mttr, resolved := l.incidents.MTTRWindow(cutoff, pb.FailureMode)
		stats = append(stats, PlaybookStat{
			PlaybookID:  pb.ID,
			FailureMode: string(pb.FailureMode),
			Attempts:    attempts,
			Successes:   successes,
			SuccessRate: l.registry.SuccessRate(pb.ID),
			Resolved:    resolved,
			MTTRSeconds: mttr,
		})
	}

	runID, err := l.store.RecordRun(now, stats)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to record meta-loop run")
		return
	}

	l.pub.Publish(events.TypeMetaStats, map[string]any{
		"run_id":         runID,
		"playbooks":      len(stats),
		"window_seconds": l.cfg.Window.Seconds(),
	})

	l.evaluateMTTRTrends(ctx, stats)
	l.evaluateWeakPlaybooks(ctx, stats)
}

// evaluateMTTRTrends proposes a slower guardian cadence for failure modes
// whose mean time to repair grew past the degrade factor: when repairs are
// dragging, rescanning the same broken state faster only piles on incidents.
func (l *Loop) evaluateMTTRTrends(ctx context.Context, stats []PlaybookStat) {
	seen := make(map[string]bool)
	for _, st := range stats {
		if seen[st.FailureMode] || st.Resolved < l.cfg.MinResolved {
			continue
		}
		seen[st.FailureMode] = true

		history, err := l.store.MTTRHistory(st.FailureMode, l.cfg.HistoryRuns)
		if err != nil {
			l.logger.Error().Err(err).Str("failure_mode", st.FailureMode).Msg("Failed to read MTTR history")
			continue
		}
		if len(history) < 2 {
			continue
		}
		baseline := history[0]
		latest := history[len(history)-1]
		if baseline <= 0 || latest < baseline*l.cfg.DegradeFactor {
			continue
		}

		l.mu.Lock()
		from := l.scanMS
		l.mu.Unlock()
		if from <= 0 {
			continue
		}
		key := "GUARDIAN_SCAN_INTERVAL_MS"
		if active, err := l.revisions.ActiveFor("guardian", key); err != nil || active {
			continue
		}

		reason := fmt.Sprintf("mttr for %s grew %.1fx (%.1fs -> %.1fs) over %d resolutions",
			st.FailureMode, latest/baseline, baseline, latest, st.Resolved)
		l.propose(ctx, "adjust_scan_interval", "guardian", key,
			from, from*2, reason)
	}
}

// evaluateWeakPlaybooks down-weights playbooks that keep failing so mesh
// selection prefers alternatives for the same failure mode.
func (l *Loop) evaluateWeakPlaybooks(ctx context.Context, stats []PlaybookStat) {
	for _, st := range stats {
		if st.Attempts < l.cfg.WeakAttempts || st.SuccessRate > l.cfg.WeakSuccessRate {
			continue
		}
		key := st.PlaybookID + ".selection_weight"
		if active, err := l.revisions.ActiveFor("playbooks", key); err != nil || active {
			continue
		}
		reason := fmt.Sprintf("playbook %s succeeded %d of %d attempts",
			st.PlaybookID, st.Successes, st.Attempts)
		l.propose(ctx, "reweight_playbook", "playbooks", key, 1.0, 0.5, reason)
	}
}

// propose routes one revision through governance and applies it on approval.
func (l *Loop) propose(ctx context.Context, actionType, component, key string, from, to any, reason string) {
	metrics.ConfigRevisionsTotal.WithLabelValues("proposed").Inc()
	l.pub.Publish(events.TypeConfigProposed, map[string]any{
		"component": component,
		"key":       key,
		"reason":    reason,
	})

	decision, err := l.gate.Request(ctx, governance.ProposedAction{
		ActionType: actionType,
		Actor:      "meta-loop",
		Resource:   component + "." + key,
		Context: map[string]any{
			"reason": reason,
			"from":   from,
			"to":     to,
		},
	})
	if err != nil || decision.Decision == governance.DecisionDeny {
		metrics.ConfigRevisionsTotal.WithLabelValues("denied").Inc()
		l.logger.Warn().Err(err).
			Str("component", component).
			Str("key", key).
			Msg("Config revision denied")
		return
	}

	now := l.clk.Now()
	rev := ConfigRevision{
		Component:          component,
		Version:            revisionVersion(now),
		Diff:               map[string]Change{key: {From: from, To: to}},
		Reason:             reason,
		ActionType:         actionType,
		ApprovedByDecision: decision.ID,
		AppliedAt:          now,
	}
	if err := l.apply(rev, false); err != nil {
		metrics.ConfigRevisionsTotal.WithLabelValues("failed").Inc()
		l.logger.Error().Err(err).Str("version", rev.Version).Msg("Failed to apply config revision")
		return
	}

	metrics.ConfigRevisionsTotal.WithLabelValues("applied").Inc()
	l.pub.Publish(events.TypeConfigApplied, map[string]any{
		"component": component,
		"version":   rev.Version,
		"key":       key,
		"reason":    reason,
	})
	l.logger.Info().
		Str("component", component).
		Str("version", rev.Version).
		Str("key", key).
		Msg("Config revision applied")
}

// Revert rolls back an applied revision. Reverts are governed like the
// original change.
func (l *Loop) Revert(ctx context.Context, version, reason string) error {
	rev, err := l.revisions.Get(version)
	if err != nil {
		return cperrors.Fatal("revert_revision", "metaloop", fmt.Errorf("revision %s: %w", version, err))
	}
	if rev.RevertedAt != nil {
		return cperrors.Fatal("revert_revision", "metaloop", fmt.Errorf("revision %s already reverted", version))
	}

	decision, err := l.gate.Request(ctx, governance.ProposedAction{
		ActionType: rev.ActionType,
		Actor:      "meta-loop",
		Resource:   rev.Component + ".revert." + version,
		Context:    map[string]any{"reason": reason},
	})
	if err != nil {
		return err
	}
	if decision.Decision == governance.DecisionDeny {
		return cperrors.Governance("revert_revision", "metaloop", cperrors.ErrDenied)
	}

	now := l.clk.Now()
	reverted, err := l.revisions.MarkReverted(version, now)
	if err != nil {
		return err
	}

	// apply the inverse diff to the live component
	inverse := ConfigRevision{
		Component: reverted.Component,
		Version:   reverted.Version,
		Diff:      make(map[string]Change, len(reverted.Diff)),
	}
	for key, change := range reverted.Diff {
		inverse.Diff[key] = Change{From: change.To, To: change.From}
	}
	if err := l.apply(inverse, true); err != nil {
		return err
	}

	metrics.ConfigRevisionsTotal.WithLabelValues("reverted").Inc()
	l.pub.Publish(events.TypeConfigReverted, map[string]any{
		"component": reverted.Component,
		"version":   version,
		"reason":    reason,
	})
	l.logger.Info().Str("version", version).Str("reason", reason).Msg("Config revision reverted")
	return nil
}

// apply persists (unless reverting) and installs a revision.
func (l *Loop) apply(rev ConfigRevision, reverting bool) error {
	if !reverting {
		if err := l.revisions.Save(rev); err != nil {
			return err
		}
	}

	l.mu.Lock()
	fn := l.appliers[rev.Component]
	if rev.Component == "guardian" {
		if change, ok := rev.Diff["GUARDIAN_SCAN_INTERVAL_MS"]; ok {
			if ms, ok := asInt64(change.To); ok {
				l.scanMS = ms
			}
		}
	}
	l.mu.Unlock()

	if fn != nil {
		return fn(rev)
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
