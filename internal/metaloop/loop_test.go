package metaloop

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/internal/clock"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/playbooks"
)

type capturedEvent struct {
	Type    string
	Payload map[string]any
}

type capturingPublisher struct {
	mu        sync.Mutex
	published []capturedEvent
}

func (c *capturingPublisher) Publish(eventType string, payload map[string]any, opts ...events.PublishOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, capturedEvent{Type: eventType, Payload: payload})
}

func (c *capturingPublisher) byType(eventType string) []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []capturedEvent
	for _, ev := range c.published {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	loop     *Loop
	log      *incidents.Log
	registry *playbooks.Registry
	pub      *capturingPublisher

	mu      sync.Mutex
	applied []ConfigRevision
}

func (f *fixture) appliedRevs() []ConfigRevision {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ConfigRevision, len(f.applied))
	copy(out, f.applied)
	return out
}

func newFixture(t *testing.T, gateCfg governance.Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewDeterministic(testEpoch, time.Second)
	pub := &capturingPublisher{}

	log, err := incidents.Open(filepath.Join(dir, "incidents.jsonl"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	registry := playbooks.NewRegistry(zerolog.Nop())
	require.NoError(t, playbooks.RegisterBuiltins(registry))

	gate := governance.NewGate(gateCfg, pub, clk, zerolog.Nop())

	loop, err := New(Config{
		DBPath:               filepath.Join(dir, "meta", "stats.db"),
		RevisionsDir:         filepath.Join(dir, "config", "revisions"),
		GuardianScanInterval: 30 * time.Second,
	}, log, registry, gate, pub, clk, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(loop.Stop)

	f := &fixture{loop: loop, log: log, registry: registry, pub: pub}
	loop.RegisterApplier("guardian", func(rev ConfigRevision) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.applied = append(f.applied, rev)
		return nil
	})
	loop.RegisterApplier("playbooks", func(rev ConfigRevision) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.applied = append(f.applied, rev)
		return nil
	})
	return f
}

func resolveIncident(t *testing.T, log *incidents.Log, id string, mode incidents.FailureMode, detected time.Time, mttr time.Duration) {
	t.Helper()
	require.NoError(t, log.Append(incidents.Record{
		IncidentID: id, Status: incidents.StatusDetected,
		FailureMode: mode, Severity: "warn", DetectedAt: detected,
	}))
	resolved := detected.Add(mttr)
	require.NoError(t, log.Append(incidents.Record{
		IncidentID: id, Status: incidents.StatusResolved,
		FailureMode: mode, Severity: "warn",
		DetectedAt: detected, ResolvedAt: &resolved,
	}))
}

func TestRunOnceRecordsStatsAndPublishes(t *testing.T) {
	f := newFixture(t, governance.DefaultConfig())
	resolveIncident(t, f.log, "inc-1", incidents.ModeDNSFailure, testEpoch, 5*time.Second)

	f.loop.RunOnce(context.Background())

	count, err := f.loop.store.RunCount()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	history, err := f.loop.store.MTTRHistory(string(incidents.ModeDNSFailure), 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.InDelta(t, 5.0, history[0], 0.001)

	statsEvents := f.pub.byType(events.TypeMetaStats)
	require.Len(t, statsEvents, 1)
	assert.Equal(t, 8, statsEvents[0].Payload["playbooks"])
}

func TestMTTRDegradationProposesScanIntervalRevision(t *testing.T) {
	f := newFixture(t, governance.DefaultConfig())

	// first run: ten quick repairs establish the baseline
	for i := 0; i < 10; i++ {
		resolveIncident(t, f.log, "base-"+string(rune('a'+i)),
			incidents.ModeTimeWaitBuildup, testEpoch, 10*time.Second)
	}
	f.loop.RunOnce(context.Background())
	assert.Empty(t, f.pub.byType(events.TypeConfigProposed))

	// second run: repairs now take long enough to drag the mean past 3x
	for i := 0; i < 10; i++ {
		resolveIncident(t, f.log, "slow-"+string(rune('a'+i)),
			incidents.ModeTimeWaitBuildup, testEpoch, 100*time.Second)
	}
	f.loop.RunOnce(context.Background())

	require.Len(t, f.pub.byType(events.TypeConfigProposed), 1)
	appliedEvents := f.pub.byType(events.TypeConfigApplied)
	require.Len(t, appliedEvents, 1)
	assert.Equal(t, "guardian", appliedEvents[0].Payload["component"])

	revs, err := f.loop.Revisions().List()
	require.NoError(t, err)
	require.Len(t, revs, 1)
	rev := revs[0]
	assert.Equal(t, "guardian", rev.Component)
	assert.NotEmpty(t, rev.ApprovedByDecision)
	change, ok := rev.Diff["GUARDIAN_SCAN_INTERVAL_MS"]
	require.True(t, ok)
	assert.EqualValues(t, 30000, change.From)
	assert.EqualValues(t, 60000, change.To)

	applied := f.appliedRevs()
	require.Len(t, applied, 1)
	assert.Equal(t, rev.Version, applied[0].Version)

	// a third run must not re-propose while the revision is active
	f.loop.RunOnce(context.Background())
	assert.Len(t, f.pub.byType(events.TypeConfigProposed), 1)
}

func TestWeakPlaybookGetsReweighted(t *testing.T) {
	f := newFixture(t, governance.DefaultConfig())

	f.registry.RecordOutcome("dns_failure.flush_cache", true)
	for i := 0; i < 4; i++ {
		f.registry.RecordOutcome("dns_failure.flush_cache", false)
	}

	f.loop.RunOnce(context.Background())

	revs, err := f.loop.Revisions().List()
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, "playbooks", revs[0].Component)
	change, ok := revs[0].Diff["dns_failure.flush_cache.selection_weight"]
	require.True(t, ok)
	assert.EqualValues(t, 1.0, change.From)
	assert.EqualValues(t, 0.5, change.To)

	// no duplicate while active
	f.loop.RunOnce(context.Background())
	revs, err = f.loop.Revisions().List()
	require.NoError(t, err)
	assert.Len(t, revs, 1)
}

func TestRevertIsGovernedAndInvertsDiff(t *testing.T) {
	f := newFixture(t, governance.DefaultConfig())

	f.registry.RecordOutcome("dns_failure.flush_cache", false)
	for i := 0; i < 4; i++ {
		f.registry.RecordOutcome("dns_failure.flush_cache", false)
	}
	f.loop.RunOnce(context.Background())

	revs, err := f.loop.Revisions().List()
	require.NoError(t, err)
	require.Len(t, revs, 1)
	version := revs[0].Version

	require.NoError(t, f.loop.Revert(context.Background(), version, "operator rollback"))

	reverted, err := f.loop.Revisions().Get(version)
	require.NoError(t, err)
	require.NotNil(t, reverted.RevertedAt)

	applied := f.appliedRevs()
	require.Len(t, applied, 2)
	inverse := applied[1].Diff["dns_failure.flush_cache.selection_weight"]
	assert.EqualValues(t, 0.5, inverse.From)
	assert.EqualValues(t, 1.0, inverse.To)

	require.Len(t, f.pub.byType(events.TypeConfigReverted), 1)

	// a second revert of the same version is an error
	assert.Error(t, f.loop.Revert(context.Background(), version, "again"))
}

func TestDeniedProposalLeavesNoRevision(t *testing.T) {
	cfg := governance.DefaultConfig()
	cfg.DenyPatterns = append(cfg.DenyPatterns, "*selection_weight*")
	f := newFixture(t, cfg)

	for i := 0; i < 5; i++ {
		f.registry.RecordOutcome("dns_failure.flush_cache", false)
	}
	f.loop.RunOnce(context.Background())

	require.Len(t, f.pub.byType(events.TypeConfigProposed), 1)
	assert.Empty(t, f.pub.byType(events.TypeConfigApplied))
	revs, err := f.loop.Revisions().List()
	require.NoError(t, err)
	assert.Empty(t, revs)
	assert.Empty(t, f.appliedRevs())
}
