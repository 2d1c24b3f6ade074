package playbooks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
	"github.com/aaron031291/grace/internal/kernels"
)

func TestRegisterRejectsStepWithoutVerification(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	err := r.Register(&Playbook{
		ID:          "bad.no_verify",
		FailureMode: incidents.ModeDNSFailure,
		Steps:       []Step{{Name: "flush", Action: "infrastructure.dns.flush_cache"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no verification")
}

func TestRegisterRejectsDuplicatesAndEmptyPlans(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	pb := &Playbook{
		ID:          "dup.plan",
		FailureMode: incidents.ModeFDPressure,
		Steps:       []Step{{Name: "trim", Action: "a", Verify: "v"}},
	}
	require.NoError(t, r.Register(pb))
	assert.Error(t, r.Register(pb))

	assert.Error(t, r.Register(&Playbook{ID: "empty.plan", FailureMode: incidents.ModeFDPressure}))
	assert.Error(t, r.Register(&Playbook{ID: "no.mode", Steps: []Step{{Action: "a", Verify: "v"}}}))
}

func TestBuiltinsCoverEveryFailureMode(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	require.NoError(t, RegisterBuiltins(r))

	modes := []incidents.FailureMode{
		incidents.ModePortConflict,
		incidents.ModeZombieProcess,
		incidents.ModeDNSFailure,
		incidents.ModeTimeWaitBuildup,
		incidents.ModeCloseWaitLeak,
		incidents.ModeFDPressure,
		incidents.ModeInterfaceFlap,
		incidents.ModeEphemeralExhaustion,
	}
	for _, mode := range modes {
		assert.NotEmpty(t, r.ForMode(mode), "no playbook for %s", mode)
	}
	assert.Len(t, r.List(), 8)
}

func TestForModeOrdersBySuccessRate(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	for _, id := range []string{"dns.a", "dns.b"} {
		require.NoError(t, r.Register(&Playbook{
			ID:          id,
			FailureMode: incidents.ModeDNSFailure,
			Steps:       []Step{{Name: "s", Action: "a", Verify: "v"}},
		}))
	}

	// dns.a fails twice, dns.b succeeds twice
	r.RecordOutcome("dns.a", false)
	r.RecordOutcome("dns.a", false)
	r.RecordOutcome("dns.b", true)
	r.RecordOutcome("dns.b", true)

	ordered := r.ForMode(incidents.ModeDNSFailure)
	require.Len(t, ordered, 2)
	assert.Equal(t, "dns.b", ordered[0].ID)
	assert.InDelta(t, 0.0, r.SuccessRate("dns.a"), 0.001)
	assert.InDelta(t, 1.0, r.SuccessRate("untried"), 0.001)
}

func TestHighestActionType(t *testing.T) {
	pb := &Playbook{Steps: []Step{
		{ActionType: "read"},
		{ActionType: "file_write"},
		{ActionType: "system_command"},
	}}
	assert.Equal(t, "system_command", HighestActionType(pb))

	pb = &Playbook{Steps: []Step{{ActionType: "toggle_dns_cache"}}}
	assert.Equal(t, "toggle_dns_cache", HighestActionType(pb))
}

func testClock() clock.Clock {
	return clock.NewDeterministic(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
}

type fakeKernel struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
	deny  map[string]bool // verification intents returning ok=false
}

func (f *fakeKernel) handle(_ context.Context, intent string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, intent)
	if err, ok := f.fail[intent]; ok {
		return nil, err
	}
	if f.deny[intent] {
		return map[string]any{"ok": false}, nil
	}
	return map[string]any{"ok": true}, nil
}

func testExecutor(t *testing.T, fk *fakeKernel) (*Registry, *Executor) {
	t.Helper()
	kr := kernels.NewRegistry(nil, zerolog.Nop())
	require.NoError(t, kr.Register(kernels.Descriptor{
		Name:           "infrastructure",
		Domain:         "infrastructure",
		IntentPatterns: []string{"infrastructure.*"},
		Version:        "1.0.0",
	}, fk.handle))

	r := NewRegistry(zerolog.Nop())
	return r, NewExecutor(r, kr, testClock(), zerolog.Nop())
}

func TestExecuteRunsStepsAndVerifications(t *testing.T) {
	fk := &fakeKernel{}
	r, ex := testExecutor(t, fk)
	require.NoError(t, r.Register(&Playbook{
		ID:           "dns_failure.flush_cache",
		FailureMode:  incidents.ModeDNSFailure,
		RequiredTier: governance.TierT1,
		Steps: []Step{{
			Name:   "flush",
			Action: "infrastructure.dns.flush_cache",
			Verify: "infrastructure.dns.verify_resolution",
		}},
	}))

	result, err := ex.Execute(context.Background(), "dns_failure.flush_cache", nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{
		"infrastructure.dns.flush_cache",
		"infrastructure.dns.verify_resolution",
	}, fk.calls)
	assert.InDelta(t, 1.0, r.SuccessRate("dns_failure.flush_cache"), 0.001)
}

func TestExecuteCompensatesInReverseOrder(t *testing.T) {
	fk := &fakeKernel{fail: map[string]error{"act.three": fmt.Errorf("boom")}}
	r, ex := testExecutor(t, fk)
	require.NoError(t, r.Register(&Playbook{
		ID:          "multi.step",
		FailureMode: incidents.ModePortConflict,
		Steps: []Step{
			{Name: "one", Action: "infrastructure.a", Verify: "infrastructure.va", Compensate: "infrastructure.ca"},
			{Name: "two", Action: "infrastructure.b", Verify: "infrastructure.vb", Compensate: "infrastructure.cb"},
			{Name: "three", Action: "act.three", Verify: "infrastructure.vc"},
		},
	}))
	// act.three routes to the same kernel via a wider pattern
	kr := kernels.NewRegistry(nil, zerolog.Nop())
	require.NoError(t, kr.Register(kernels.Descriptor{
		Name:           "infrastructure",
		Domain:         "infrastructure",
		IntentPatterns: []string{"*"},
		Version:        "1.0.0",
	}, fk.handle))
	ex = NewExecutor(r, kr, testClock(), zerolog.Nop())

	result, err := ex.Execute(context.Background(), "multi.step", nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.RolledBack)

	// compensation order: cb before ca
	last2 := fk.calls[len(fk.calls)-2:]
	assert.Equal(t, []string{"infrastructure.cb", "infrastructure.ca"}, last2)
	assert.InDelta(t, 0.0, r.SuccessRate("multi.step"), 0.001)
}

func TestExecuteFailsWhenVerificationReportsFailure(t *testing.T) {
	fk := &fakeKernel{deny: map[string]bool{"infrastructure.dns.verify_resolution": true}}
	r, ex := testExecutor(t, fk)
	require.NoError(t, r.Register(&Playbook{
		ID:          "dns.flaky",
		FailureMode: incidents.ModeDNSFailure,
		Steps: []Step{{
			Name:   "flush",
			Action: "infrastructure.dns.flush_cache",
			Verify: "infrastructure.dns.verify_resolution",
		}},
	}))

	result, err := ex.Execute(context.Background(), "dns.flaky", nil)
	require.Error(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.Steps, 1)
	assert.True(t, result.Steps[0].Success)
	assert.False(t, result.Steps[0].Verified)
}

func TestExecuteUnknownPlaybook(t *testing.T) {
	fk := &fakeKernel{}
	_, ex := testExecutor(t, fk)
	_, err := ex.Execute(context.Background(), "missing.plan", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cperrors.ErrNotFound)
}

func TestExecuteCancelledContext(t *testing.T) {
	fk := &fakeKernel{}
	r, ex := testExecutor(t, fk)
	require.NoError(t, r.Register(&Playbook{
		ID:          "dns.cancel",
		FailureMode: incidents.ModeDNSFailure,
		Steps: []Step{{
			Name:   "flush",
			Action: "infrastructure.dns.flush_cache",
			Verify: "infrastructure.dns.verify_resolution",
		}},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := ex.Execute(ctx, "dns.cancel", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cperrors.ErrCancelled)
	assert.Equal(t, "cancelled", result.Error)
}
