// Package guardian gates boot on a working network posture and then
// watches for infrastructure failures, either healing low-risk issues
// directly or handing them to the healing pipeline.
package guardian

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/metrics"
	"github.com/aaron031291/grace/internal/playbooks"
)

// Config tunes the guardian.
type Config struct {
	Port         int  // preferred port; 0 means scan
	PortPinned   bool // fail boot rather than scan when the port is taken
	ScanStart    int  // port scan range when not pinned
	ScanEnd      int
	ScanInterval time.Duration
	Offline      bool
	Thresholds   Thresholds
}

// Guardian runs the synchronous boot gate and the periodic watchdog.
type Guardian struct {
	mu sync.Mutex

	port         int
	originalPort int
	pinned       bool
	scanStart    int
	scanEnd      int
	offline      bool
	interval     time.Duration
	thresholds   Thresholds
	savedSysctls map[string]string

	pub      events.Publisher
	clk      clock.Clock
	logger   zerolog.Logger
	resolver *dnscache.Resolver

	gate     *governance.Gate
	registry *playbooks.Registry
	executor *playbooks.Executor

	ifaceStates map[string]bool
	ifaceFlaps  map[string]int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a guardian. The governance gate and playbook executor are
// optional; without them the guardian only reports issues.
func New(cfg Config, pub events.Publisher, clk clock.Clock, logger zerolog.Logger) *Guardian {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 30 * time.Second
	}
	if cfg.ScanStart <= 0 {
		cfg.ScanStart = 8000
	}
	if cfg.ScanEnd <= cfg.ScanStart {
		cfg.ScanEnd = cfg.ScanStart + 999
	}
	if cfg.Thresholds.TimeWaitMax == 0 {
		cfg.Thresholds = DefaultThresholds()
	}

	return &Guardian{
		port:       cfg.Port,
		pinned:     cfg.PortPinned,
		scanStart:  cfg.ScanStart,
		scanEnd:    cfg.ScanEnd,
		offline:    cfg.Offline,
		interval:   cfg.ScanInterval,
		thresholds: cfg.Thresholds,
		pub:        pub,
		clk:        clk,
		logger:     logger,
		resolver:   &dnscache.Resolver{},
		stopCh:     make(chan struct{}),
	}
}

// SetHealing wires the direct-execution path for low-risk playbooks.
func (g *Guardian) SetHealing(gate *governance.Gate, registry *playbooks.Registry, executor *playbooks.Executor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = gate
	g.registry = registry
	g.executor = executor
}

// BootGate produces the port allocation every later phase depends on.
// A pinned port that cannot bind fails the gate; otherwise the range is
// scanned for the first free port.
func (g *Guardian) BootGate(ctx context.Context) (int, error) {
	if g.pinned {
		listener, err := listenProbe(g.port)
		if err != nil {
			return 0, cperrors.Fatal("boot_gate", "guardian",
				fmt.Errorf("pinned port %d unavailable: %w", g.port, err))
		}
		listener.Close()
		g.publishAllocation(g.port, true)
		return g.port, nil
	}

	start := g.scanStart
	if g.port > 0 {
		start = g.port
	}
	for port := start; port <= g.scanEnd; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		listener, err := listenProbe(port)
		if err != nil {
			continue
		}
		listener.Close()
		g.mu.Lock()
		g.port = port
		g.mu.Unlock()
		g.publishAllocation(port, false)
		return port, nil
	}
	return 0, cperrors.Fatal("boot_gate", "guardian",
		fmt.Errorf("no free port in %d..%d", start, g.scanEnd))
}

func (g *Guardian) publishAllocation(port int, pinned bool) {
	g.logger.Info().Int("port", port).Bool("pinned", pinned).Msg("Guardian allocated port")
	if g.pub != nil {
		g.pub.Publish("guardian.port.allocated", map[string]any{
			"port":   port,
			"pinned": pinned,
		})
	}
}

// Port returns the allocated port.
func (g *Guardian) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.port
}

// SetScanInterval adjusts the watchdog cadence; the next cycle picks it up.
func (g *Guardian) SetScanInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	g.interval = d
	g.mu.Unlock()
	g.logger.Info().Dur("interval", d).Msg("Guardian scan interval adjusted")
}

func (g *Guardian) scanInterval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Start launches the watchdog loop.
func (g *Guardian) Start(ctx context.Context) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			case <-g.clk.After(g.scanInterval()):
				g.Scan(ctx)
			}
		}
	}()
	g.logger.Info().Dur("interval", g.scanInterval()).Bool("offline", g.offline).Msg("Guardian watchdog started")
}

// Stop halts the watchdog.
func (g *Guardian) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// Scan runs all eight watchdog categories once and reports what it found.
func (g *Guardian) Scan(ctx context.Context) []Issue {
	start := time.Now()
	var issues []Issue
	issues = append(issues, g.probePortConflict(ctx)...)
	issues = append(issues, g.probeConnectionStates(ctx)...)
	issues = append(issues, g.probeZombies(ctx)...)
	issues = append(issues, g.probeFDPressure(ctx)...)
	issues = append(issues, g.probeInterfaceFlaps(ctx)...)
	issues = append(issues, g.probeDNS(ctx)...)
	metrics.GuardianScanDuration.Observe(time.Since(start).Seconds())

	for _, issue := range issues {
		metrics.GuardianIssuesTotal.WithLabelValues(issue.Category).Inc()
		if g.healDirectly(ctx, issue) {
			continue
		}
		g.publishIssue(issue)
	}

	if g.pub != nil {
		g.pub.Publish(events.TypeGuardianScan, map[string]any{
			"issues":   len(issues),
			"duration": time.Since(start).Milliseconds(),
		})
	}
	return issues
}

func (g *Guardian) publishIssue(issue Issue) {
	if g.pub == nil {
		return
	}
	payload := map[string]any{
		"category":     issue.Category,
		"failure_mode": string(issue.FailureMode),
		"severity":     issue.Severity.String(),
	}
	for k, v := range issue.Detail {
		payload[k] = v
	}
	g.pub.Publish(events.TypeGuardianIssue, payload, events.WithSeverity(issue.Severity))
	g.logger.Warn().Str("category", issue.Category).Msg("Guardian detected issue")
}

// healDirectly executes the best matching playbook when it is low risk
// and tier 1. Everything else goes through the healing orchestrator.
func (g *Guardian) healDirectly(ctx context.Context, issue Issue) bool {
	g.mu.Lock()
	gate, registry, executor := g.gate, g.registry, g.executor
	g.mu.Unlock()
	if gate == nil || registry == nil || executor == nil {
		return false
	}

	candidates := registry.ForMode(issue.FailureMode)
	if len(candidates) == 0 {
		return false
	}
	pb := candidates[0]
	if pb.RiskLevel > 1 || pb.RequiredTier > governance.TierT1 {
		return false
	}

	decision := gate.Evaluate(governance.ProposedAction{
		ActionType: "playbook_execution",
		Actor:      "guardian",
		Resource:   pb.ID,
		Context: map[string]any{
			"required_tier": pb.RequiredTier.String(),
			"category":      issue.Category,
			"direct":        true,
		},
	})
	if !decision.Approved() {
		return false
	}

	result, err := executor.Execute(ctx, pb.ID, issue.Detail)
	if err != nil || !result.Success {
		g.logger.Warn().Str("playbook", pb.ID).Err(err).Msg("Direct heal failed, escalating")
		return false
	}

	if g.pub != nil {
		g.pub.Publish("guardian.issue.healed", map[string]any{
			"category":    issue.Category,
			"playbook_id": pb.ID,
		})
	}
	g.logger.Info().Str("category", issue.Category).Str("playbook", pb.ID).Msg("Guardian healed issue directly")
	return true
}
