package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aaron031291/grace/internal/audit"
	"github.com/aaron031291/grace/internal/clock"
	"github.com/aaron031291/grace/internal/config"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/guardian"
	"github.com/aaron031291/grace/internal/healing"
	"github.com/aaron031291/grace/internal/htm"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/kernels"
	"github.com/aaron031291/grace/internal/logging"
	"github.com/aaron031291/grace/internal/mesh"
	"github.com/aaron031291/grace/internal/metaloop"
	"github.com/aaron031291/grace/internal/playbooks"
)

// Runtime holds every started component. The boot orchestrator is the only
// place components are constructed; everything receives its collaborators
// explicitly.
type Runtime struct {
	Cfg   *config.Config
	Clock clock.Clock

	Audit     *audit.Log
	Bus       *events.Bus
	Publisher *events.UnifiedPublisher
	Gate      *governance.Gate
	Kernels   *kernels.Registry
	Playbooks *playbooks.Registry
	Executor  *playbooks.Executor
	Mesh      *mesh.Mesh
	Guardian  *guardian.Guardian
	Incidents *incidents.Log
	Scheduler *htm.Scheduler
	Healing   *healing.Orchestrator
	Meta      *metaloop.Loop
	Watcher   *config.Watcher

	Port   int
	logger zerolog.Logger
	cancel context.CancelFunc
}

// Run builds and starts the whole control plane in spec phase order. The
// returned error is an *ExitError when the failure maps to a process exit
// code.
func Run(parent context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{Cfg: cfg, logger: logger, cancel: cancel}

	if cfg.CIMode {
		rt.Clock = clock.NewDeterministic(time.Unix(0, 0).UTC(), time.Millisecond)
	} else {
		rt.Clock = clock.NewReal()
	}

	orch := NewOrchestrator(nil, logger.With().Str("component", "boot").Logger())
	rt.addPhases(ctx, orch)

	if err := orch.Run(ctx); err != nil {
		rt.Stop(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) addPhases(ctx context.Context, orch *Orchestrator) {
	cfg := rt.Cfg

	orch.AddPhase(Phase{
		Name: "config",
		Start: func(context.Context) error {
			return cfg.Validate()
		},
	})

	orch.AddPhase(Phase{
		Name: "audit",
		Start: func(context.Context) error {
			log, err := audit.Open(cfg.AuditPath(), logging.Component("audit"))
			if err != nil {
				return Exit(ExitAuditChain, err)
			}
			rt.Audit = log
			if err := log.Verify(); err != nil {
				if !cfg.AllowDegradedStart {
					return Exit(ExitAuditChain, cperrors.Integrity("verify_chain", "audit", cperrors.ErrChainBroken))
				}
				rt.logger.Warn().Err(err).Msg("Audit chain broken, continuing degraded")
			}
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "bus",
		Start: func(context.Context) error {
			rt.Bus = events.NewBus(events.BusConfig{Logger: logging.Component("bus")})
			if err := rt.Bus.Start(ctx); err != nil {
				return err
			}
			var entropy = events.DeterministicEntropy(1)
			if !cfg.CIMode {
				entropy = nil
			}
			rt.Publisher = events.NewPublisher(rt.Bus, rt.Audit, rt.Clock, "grace", logging.Component("publisher"), entropy)
			orch.SetPublisher(rt.Publisher)
			// chain tampering observed at runtime is announced on the bus
			rt.Audit.SetBrokenCallback(func() {
				rt.Publisher.Publish(events.TypeAuditChainBroken, map[string]any{},
					events.WithSeverity(events.SeverityCritical))
			})
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "guardian",
		Start: func(pctx context.Context) error {
			scanStart, scanEnd := cfg.PortScanRange()
			rt.Guardian = guardian.New(guardian.Config{
				Port:         cfg.Port,
				PortPinned:   cfg.PortPinned,
				ScanStart:    scanStart,
				ScanEnd:      scanEnd,
				ScanInterval: cfg.GuardianScanInterval,
				Offline:      cfg.OfflineMode,
			}, rt.Publisher.Named("guardian"), rt.Clock, logging.Component("guardian"))

			port, err := rt.Guardian.BootGate(pctx)
			if err != nil {
				return Exit(ExitBootGate, err)
			}
			rt.Port = port
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "kernels",
		Start: func(context.Context) error {
			rt.Kernels = kernels.NewRegistry(rt.Publisher.Named("kernels"), logging.Component("kernels"))
			return rt.Guardian.RegisterKernel(rt.Kernels)
		},
	})

	orch.AddPhase(Phase{
		Name: "governance",
		Start: func(context.Context) error {
			gateCfg := governance.DefaultConfig()
			gateCfg.DefaultTier = governance.ParseTier(cfg.GovernanceDefaultTier)
			gateCfg.ApprovalExpiry = cfg.GovernanceApprovalExpiry
			rt.Gate = governance.NewGate(gateCfg, rt.Publisher.Named("governance"), rt.Clock, logging.Component("governance"))
			return rt.registerControlKernels()
		},
	})

	orch.AddPhase(Phase{
		Name: "mesh",
		Start: func(context.Context) error {
			rt.Playbooks = playbooks.NewRegistry(logging.Component("playbooks"))
			if err := playbooks.RegisterBuiltins(rt.Playbooks); err != nil {
				return err
			}
			rt.Executor = playbooks.NewExecutor(rt.Playbooks, rt.Kernels, rt.Clock, logging.Component("executor"))
			rt.Guardian.SetHealing(rt.Gate, rt.Playbooks, rt.Executor)

			rt.Mesh = mesh.New(rt.Playbooks, rt.Publisher.Named("trigger-mesh"), logging.Component("mesh"))
			rt.Mesh.Attach(rt.Bus)
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "incidents",
		Start: func(context.Context) error {
			log, err := incidents.Open(cfg.IncidentPath(), logging.Component("incidents"))
			if err != nil {
				return err
			}
			rt.Incidents = log
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "htm",
		Start: func(context.Context) error {
			scheduler, err := htm.NewScheduler(htm.Config{
				MaxWorkers:  cfg.HTMMaxWorkers,
				DefaultSLA:  cfg.HTMDefaultSLA,
				MaxAttempts: cfg.HTMMaxAttempts,
				JournalPath: cfg.TaskJournalPath(),
			}, rt.Publisher.Named("htm"), rt.Clock, logging.Component("htm"))
			if err != nil {
				if cperrors.Is(err, cperrors.ErrInconsistency) {
					return Exit(ExitInconsistency, err)
				}
				return err
			}
			rt.Scheduler = scheduler
			rt.Scheduler.Start()
			rt.Bus.Subscribe("htm-scheduler", []string{events.TypeTaskCancel}, rt.Scheduler.HandleCancelEvent)
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "healing",
		Start: func(context.Context) error {
			rt.Healing = healing.New(rt.Incidents, rt.Gate, rt.Playbooks, rt.Executor,
				rt.Scheduler, rt.Publisher.Named("healing"), rt.Clock, logging.Component("healing"))
			rt.Healing.Attach(rt.Bus)
			rt.Guardian.Start(ctx)
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "metaloop",
		Start: func(context.Context) error {
			loop, err := metaloop.New(metaloop.Config{
				Interval:             cfg.MetaLoopInterval,
				DBPath:               cfg.MetaStatsPath(),
				RevisionsDir:         cfg.RevisionsDir(),
				GuardianScanInterval: cfg.GuardianScanInterval,
			}, rt.Incidents, rt.Playbooks, rt.Gate, rt.Publisher.Named("metaloop"), rt.Clock, logging.Component("metaloop"))
			if err != nil {
				return err
			}
			rt.Meta = loop
			loop.RegisterApplier("guardian", rt.applyGuardianRevision)
			loop.RegisterApplier("playbooks", rt.applyPlaybookRevision)
			loop.Start(ctx)
			return nil
		},
	})

	orch.AddPhase(Phase{
		Name: "config-watch",
		Start: func(context.Context) error {
			watcher, err := config.NewWatcher(cfg)
			if err != nil {
				return err
			}
			rt.Watcher = watcher
			watcher.SetEnvReloadCallback(func() {
				rt.Publisher.Publish(events.TypeConfigReloaded, map[string]any{"source": "env"})
			})
			return watcher.Start()
		},
	})

	orch.AddPhase(Phase{
		Name:    "ready",
		Health:  rt.readyCheck,
		Timeout: 10 * time.Second,
	})
}

// registerControlKernels installs the in-process kernels serving control
// plane intents. Domain kernels beyond these are external collaborators
// that register over the bus at their own pace.
func (rt *Runtime) registerControlKernels() error {
	if err := rt.Kernels.Register(kernels.Descriptor{
		Name:           "governance",
		Domain:         "governance",
		Capabilities:   []string{"classify", "evaluate"},
		IntentPatterns: []string{"governance.*"},
		Version:        "1.0.0",
	}, func(_ context.Context, intent string, payload map[string]any) (map[string]any, error) {
		actionType, _ := payload["action_type"].(string)
		actor, _ := payload["actor"].(string)
		resource, _ := payload["resource"].(string)
		decision := rt.Gate.Evaluate(governance.ProposedAction{
			ActionType: actionType,
			Actor:      actor,
			Resource:   resource,
			Context:    payload,
		})
		return map[string]any{
			"ok":       decision.Approved(),
			"decision": string(decision.Decision),
			"tier":     decision.Tier.String(),
			"reason":   decision.Reason,
		}, nil
	}); err != nil {
		return err
	}

	return rt.Kernels.Register(kernels.Descriptor{
		Name:           "self-healing",
		Domain:         "self-healing",
		Capabilities:   []string{"propose"},
		IntentPatterns: []string{"healing.*"},
		Version:        "1.0.0",
	}, func(_ context.Context, intent string, payload map[string]any) (map[string]any, error) {
		playbookID, _ := payload["playbook_id"].(string)
		pb, ok := rt.Playbooks.Get(playbookID)
		if !ok {
			return map[string]any{"ok": false, "error": "unknown playbook"}, nil
		}
		proposal := map[string]any{
			"playbook_id":   pb.ID,
			"required_tier": mesh.RequiredTier(pb).String(),
			"failure_mode":  string(pb.FailureMode),
		}
		for k, v := range payload {
			if _, taken := proposal[k]; !taken {
				proposal[k] = v
			}
		}
		rt.Publisher.Publish(events.TypeHealingProposed, proposal)
		return map[string]any{"ok": true, "playbook_id": pb.ID}, nil
	})
}

func (rt *Runtime) applyGuardianRevision(rev metaloop.ConfigRevision) error {
	change, ok := rev.Diff["GUARDIAN_SCAN_INTERVAL_MS"]
	if !ok {
		return fmt.Errorf("revision %s carries no guardian key", rev.Version)
	}
	ms, ok := asMillis(change.To)
	if !ok || ms <= 0 {
		return fmt.Errorf("revision %s has invalid interval %v", rev.Version, change.To)
	}
	rt.Guardian.SetScanInterval(time.Duration(ms) * time.Millisecond)
	return nil
}

func (rt *Runtime) applyPlaybookRevision(rev metaloop.ConfigRevision) error {
	for key, change := range rev.Diff {
		const suffix = ".selection_weight"
		if len(key) <= len(suffix) || key[len(key)-len(suffix):] != suffix {
			continue
		}
		weight, ok := change.To.(float64)
		if !ok {
			return fmt.Errorf("revision %s has invalid weight %v", rev.Version, change.To)
		}
		rt.Playbooks.SetWeight(key[:len(key)-len(suffix)], weight)
	}
	return nil
}

func asMillis(v any) (int64, bool) {
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

// readyCheck runs the component health predicates in parallel.
func (rt *Runtime) readyCheck(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if rt.Audit.Degraded() && !rt.Cfg.AllowDegradedStart {
			return fmt.Errorf("audit log degraded")
		}
		return nil
	})
	g.Go(func() error {
		if rt.Bus.Degraded() {
			return fmt.Errorf("event bus degraded")
		}
		return nil
	})
	g.Go(func() error {
		for _, desc := range rt.Kernels.Health() {
			if desc.Health == kernels.HealthDown {
				return fmt.Errorf("kernel %s down", desc.Name)
			}
		}
		return nil
	})
	return g.Wait()
}

// Stop shuts components down in reverse phase order.
func (rt *Runtime) Stop(ctx context.Context) {
	rt.cancel()
	if rt.Watcher != nil {
		rt.Watcher.Stop()
	}
	if rt.Meta != nil {
		rt.Meta.Stop()
	}
	if rt.Guardian != nil {
		rt.Guardian.Stop()
	}
	if rt.Healing != nil {
		rt.Healing.Stop()
	}
	if rt.Scheduler != nil {
		rt.Scheduler.Stop(ctx)
	}
	if rt.Incidents != nil {
		rt.Incidents.Close()
	}
	if rt.Bus != nil {
		rt.Bus.Stop(ctx)
	}
	if rt.Audit != nil {
		rt.Audit.Close(ctx)
	}
	rt.logger.Info().Msg("Control plane stopped")
}
