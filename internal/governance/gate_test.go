package governance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload map[string]any
}

func (r *recordingPublisher) Publish(eventType string, payload map[string]any, opts ...events.PublishOption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: eventType, Payload: payload})
}

func (r *recordingPublisher) decisions() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func newTestGate(cfg Config) (*Gate, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewGate(cfg, pub, clock.NewReal(), zerolog.Nop()), pub
}

func TestClassificationTable(t *testing.T) {
	gate, _ := newTestGate(DefaultConfig())

	tests := []struct {
		actionType string
		decision   DecisionKind
		tier       Tier
	}{
		{"read", DecisionAutoApprove, TierT0},
		{"search", DecisionAutoApprove, TierT0},
		{"inspect", DecisionAutoApprove, TierT0},
		{"stats", DecisionAutoApprove, TierT0},
		{"toggle_debug_logging", DecisionAutoApprove, TierT1},
		{"adjust_retry_cap", DecisionAutoApprove, TierT1},
		{"file_write", DecisionUserApproval, TierT2},
		{"file_delete", DecisionUserApproval, TierT2},
		{"code_execution", DecisionUserApproval, TierT2},
		{"network_egress", DecisionUserApproval, TierT2},
		{"system_command", DecisionUserApproval, TierT3}, // no admin configured
		{"secret_access", DecisionUserApproval, TierT3},
	}

	for _, tt := range tests {
		t.Run(tt.actionType, func(t *testing.T) {
			decision := gate.Evaluate(ProposedAction{ActionType: tt.actionType, Actor: "tester"})
			assert.Equal(t, tt.decision, decision.Decision)
			assert.Equal(t, tt.tier, decision.Tier)
		})
	}
}

func TestAdminTierWithApproverConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminApprovers = []string{"root-operator"}
	gate, _ := newTestGate(cfg)

	decision := gate.Evaluate(ProposedAction{ActionType: "database_schema_change"})
	assert.Equal(t, DecisionAdminApproval, decision.Decision)
	assert.Equal(t, TierT3, decision.Tier)
}

func TestDenyList(t *testing.T) {
	gate, pub := newTestGate(DefaultConfig())

	decision := gate.Evaluate(ProposedAction{ActionType: "rm -rf /", Actor: "rogue"})
	assert.Equal(t, DecisionDeny, decision.Decision)
	assert.Equal(t, "deny_list", decision.Reason)

	audited := pub.decisions()
	require.NotEmpty(t, audited)
	assert.Equal(t, events.TypeGovernanceDecided, audited[0].Type)
	assert.Equal(t, "deny", audited[0].Payload["decision"])
}

func TestRiskEscalation(t *testing.T) {
	gate, _ := newTestGate(DefaultConfig())

	decision := gate.Evaluate(ProposedAction{
		ActionType: "file_write",
		Context:    map[string]any{"risk_level": "high"},
	})
	assert.Equal(t, TierT3, decision.Tier)
}

func TestTrustRelaxation(t *testing.T) {
	gate, _ := newTestGate(DefaultConfig())

	// Whitelisted action type with high trust relaxes T2 to T1.
	decision := gate.Evaluate(ProposedAction{
		ActionType: "file_write",
		Context:    map[string]any{"trust_score": 0.95},
	})
	assert.Equal(t, TierT1, decision.Tier)
	assert.Equal(t, DecisionAutoApprove, decision.Decision)

	// Non-whitelisted action type never relaxes.
	decision = gate.Evaluate(ProposedAction{
		ActionType: "code_execution",
		Context:    map[string]any{"trust_score": 0.99},
	})
	assert.Equal(t, TierT2, decision.Tier)
}

func TestApprovalExpiresToDeny(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalExpiry = 150 * time.Millisecond
	gate, pub := newTestGate(cfg)

	start := time.Now()
	decision, err := gate.Request(context.Background(), ProposedAction{ActionType: "database_schema_change"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, cperrors.Is(err, cperrors.ErrExpired))
	assert.Equal(t, DecisionDeny, decision.Decision)
	assert.Equal(t, "approval_expired", decision.Reason)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)

	audited := pub.decisions()
	var sawUserApproval, sawExpiredDeny bool
	for _, ev := range audited {
		if ev.Payload["decision"] == "user_approval" {
			sawUserApproval = true
		}
		if ev.Payload["decision"] == "deny" && ev.Payload["reason"] == "approval_expired" {
			sawExpiredDeny = true
		}
	}
	assert.True(t, sawUserApproval, "expected the initial user_approval decision to be audited")
	assert.True(t, sawExpiredDeny, "expected the expiry deny to be audited")
}

func TestApproveResolvesPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalExpiry = 5 * time.Second
	gate, _ := newTestGate(cfg)

	type result struct {
		decision Decision
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		d, err := gate.Request(context.Background(), ProposedAction{ActionType: "file_delete", Actor: "healer"})
		resultCh <- result{d, err}
	}()

	// Wait for the pending entry to appear, then approve it.
	var decisionID string
	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		for id := range gate.pending {
			decisionID = id
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, gate.Approve(decisionID, "operator"))

	res := <-resultCh
	require.NoError(t, res.err)
	assert.True(t, res.decision.Approved())
	assert.Equal(t, "approved_by_operator", res.decision.Reason)
}

func TestDenyResolvesPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalExpiry = 5 * time.Second
	gate, _ := newTestGate(cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := gate.Request(context.Background(), ProposedAction{ActionType: "file_delete"})
		errCh <- err
	}()

	var decisionID string
	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		for id := range gate.pending {
			decisionID = id
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, gate.Deny(decisionID, "operator", "too risky"))
	err := <-errCh
	assert.True(t, cperrors.Is(err, cperrors.ErrDenied))
}

func TestAdminApprovalRequiresAdmin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminApprovers = []string{"root-operator"}
	cfg.ApprovalExpiry = 5 * time.Second
	gate, _ := newTestGate(cfg)

	done := make(chan struct{})
	go func() {
		_, _ = gate.Request(context.Background(), ProposedAction{ActionType: "secret_access"})
		close(done)
	}()

	var decisionID string
	require.Eventually(t, func() bool {
		gate.mu.Lock()
		defer gate.mu.Unlock()
		for id := range gate.pending {
			decisionID = id
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, gate.Approve(decisionID, "random-user"))
	assert.True(t, gate.Approve(decisionID, "root-operator"))
	<-done
}

func TestPlaybookExecutionUsesRequiredTier(t *testing.T) {
	gate, _ := newTestGate(DefaultConfig())

	decision := gate.Evaluate(ProposedAction{
		ActionType: "playbook_execution",
		Actor:      "guardian",
		Resource:   "zombie_process.kill_and_release",
		Context:    map[string]any{"required_tier": "T1"},
	})
	assert.Equal(t, DecisionAutoApprove, decision.Decision)
	assert.Equal(t, TierT1, decision.Tier)
	assert.Equal(t, "playbook_tier", decision.Reason)

	decision = gate.Evaluate(ProposedAction{
		ActionType: "playbook_execution",
		Actor:      "healing",
		Resource:   "interface_flap.reprobe",
		Context:    map[string]any{"required_tier": "T2"},
	})
	assert.Equal(t, DecisionUserApproval, decision.Decision)
	assert.Equal(t, TierT2, decision.Tier)
}
