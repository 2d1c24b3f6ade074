// Package governance classifies proposed actions into approval tiers and
// produces the decision every state-changing action must carry.
package governance

import (
	"context"
	"strings"
	"sync"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aaron031291/grace/internal/clock"
	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/metrics"
)

// Tier is the coarse risk class determining who may approve.
type Tier int

const (
	TierT0 Tier = iota
	TierT1
	TierT2
	TierT3
)

func (t Tier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	default:
		return "T3"
	}
}

// ParseTier maps "T0".."T3" to a Tier, defaulting to T2.
func ParseTier(s string) Tier {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T0":
		return TierT0
	case "T1":
		return TierT1
	case "T3":
		return TierT3
	default:
		return TierT2
	}
}

// DecisionKind enumerates the four possible outcomes.
type DecisionKind string

const (
	DecisionAutoApprove   DecisionKind = "auto_approve"
	DecisionUserApproval  DecisionKind = "user_approval"
	DecisionAdminApproval DecisionKind = "admin_approval"
	DecisionDeny          DecisionKind = "deny"
)

// Decision is the gate's verdict for a proposed action.
type Decision struct {
	ID                string       `json:"id"`
	Decision          DecisionKind `json:"decision"`
	Tier              Tier         `json:"tier"`
	Reason            string       `json:"reason"`
	ExpiresAt         time.Time    `json:"expires_at"`
	ApproversRequired int          `json:"approvers_required"`
}

// Approved reports whether the action may proceed without further waiting.
func (d Decision) Approved() bool { return d.Decision == DecisionAutoApprove }

// ProposedAction is the gate's input.
type ProposedAction struct {
	ActionType string
	Actor      string
	Resource   string
	Context    map[string]any
}

// Config tunes the gate.
type Config struct {
	DefaultTier     Tier
	ApprovalExpiry  time.Duration
	AdminApprovers  []string // empty means admin approval is unavailable
	TrustThreshold  float64  // trust_score at or above relaxes T2 to T1
	ToggleWhitelist []string // idempotent config toggles eligible for T1 auto
	RelaxWhitelist  []string // action types eligible for trust relaxation
	DenyPatterns    []string // wildcard patterns over "action resource"
}

// DefaultConfig mirrors the shipped policy.
func DefaultConfig() Config {
	return Config{
		DefaultTier:    TierT2,
		ApprovalExpiry: 5 * time.Minute,
		TrustThreshold: 0.9,
		ToggleWhitelist: []string{
			"toggle_offline_mode",
			"toggle_debug_logging",
			"adjust_scan_interval",
			"adjust_retry_cap",
			"adjust_sla",
			"reweight_playbook",
		},
		RelaxWhitelist: []string{"file_write", "network_egress"},
		DenyPatterns: []string{
			"rm -rf /*",
			"rm -rf /",
			"*rm -rf --no-preserve-root*",
			"eval*untrusted*",
			"*mkfs*",
			"*dd if=*of=/dev/*",
		},
	}
}

type pendingApproval struct {
	id        string
	action    ProposedAction
	tier      Tier
	expiresAt time.Time
	resultCh  chan resolution
	once      sync.Once
}

type resolution struct {
	approved bool
	reason   string
	decider  string
}

func (p *pendingApproval) resolve(r resolution) {
	p.once.Do(func() { p.resultCh <- r })
}

// Gate evaluates proposed actions. Every decision is published as a
// governance.decision event.
type Gate struct {
	cfg    Config
	pub    events.Publisher
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewGate builds a gate.
func NewGate(cfg Config, pub events.Publisher, clk clock.Clock, logger zerolog.Logger) *Gate {
	if cfg.ApprovalExpiry <= 0 {
		cfg.ApprovalExpiry = 5 * time.Minute
	}
	return &Gate{
		cfg:     cfg,
		pub:     pub,
		clk:     clk,
		logger:  logger,
		pending: make(map[string]*pendingApproval),
	}
}

// Evaluate classifies the action without waiting for human approval. The
// returned decision is already audited.
func (g *Gate) Evaluate(action ProposedAction) Decision {
	decision := g.classify(action)
	g.publishDecision(action, decision)
	return decision
}

// Request classifies the action and, when human approval is required, blocks
// until an approver responds or the decision expires. Expiry resolves to
// deny with reason "approval_expired".
func (g *Gate) Request(ctx context.Context, action ProposedAction) (Decision, error) {
	decision := g.classify(action)
	g.publishDecision(action, decision)

	switch decision.Decision {
	case DecisionAutoApprove:
		return decision, nil
	case DecisionDeny:
		return decision, cperrors.Governance("request_approval", "governance", cperrors.ErrDenied)
	}

	pending := &pendingApproval{
		id:        decision.ID,
		action:    action,
		tier:      decision.Tier,
		expiresAt: decision.ExpiresAt,
		resultCh:  make(chan resolution, 1),
	}
	g.mu.Lock()
	g.pending[pending.id] = pending
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, pending.id)
		g.mu.Unlock()
	}()

	wait := decision.ExpiresAt.Sub(g.clk.Now())
	if wait < 0 {
		wait = 0
	}

	select {
	case res := <-pending.resultCh:
		if res.approved {
			approved := decision
			approved.Decision = DecisionAutoApprove
			approved.Reason = "approved_by_" + res.decider
			g.publishDecision(action, approved)
			return approved, nil
		}
		denied := decision
		denied.Decision = DecisionDeny
		denied.Reason = res.reason
		g.publishDecision(action, denied)
		return denied, cperrors.Governance("request_approval", "governance", cperrors.ErrDenied)

	case <-g.clk.After(wait):
		expired := decision
		expired.Decision = DecisionDeny
		expired.Reason = "approval_expired"
		g.publishDecision(action, expired)
		return expired, cperrors.Governance("request_approval", "governance", cperrors.ErrExpired)

	case <-ctx.Done():
		cancelled := decision
		cancelled.Decision = DecisionDeny
		cancelled.Reason = "cancelled"
		g.publishDecision(action, cancelled)
		return cancelled, cperrors.Governance("request_approval", "governance", cperrors.ErrCancelled)
	}
}

// Approve resolves a pending approval.
func (g *Gate) Approve(decisionID, approver string) bool {
	g.mu.Lock()
	pending, ok := g.pending[decisionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	if pending.tier >= TierT3 && !g.isAdmin(approver) {
		g.logger.Warn().Str("approver", approver).Str("decision_id", decisionID).
			Msg("Non-admin attempted to approve an admin-tier action")
		return false
	}
	pending.resolve(resolution{approved: true, decider: approver})
	return true
}

// Deny resolves a pending approval negatively.
func (g *Gate) Deny(decisionID, approver, reason string) bool {
	g.mu.Lock()
	pending, ok := g.pending[decisionID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "denied_by_" + approver
	}
	pending.resolve(resolution{approved: false, reason: reason, decider: approver})
	return true
}

// classify applies the tier table; first match wins, deny list first.
func (g *Gate) classify(action ProposedAction) Decision {
	actionType := strings.ToLower(strings.TrimSpace(action.ActionType))
	subject := actionType + " " + strings.ToLower(action.Resource)

	decision := Decision{
		ID:        uuid.NewString(),
		ExpiresAt: g.clk.Now().Add(g.cfg.ApprovalExpiry),
	}

	for _, pattern := range g.cfg.DenyPatterns {
		if wildcard.Match(pattern, subject) || wildcard.Match(pattern, actionType) {
			decision.Decision = DecisionDeny
			decision.Tier = TierT3
			decision.Reason = "deny_list"
			return decision
		}
	}

	tier, reason := g.baseTier(actionType)

	// Playbook executions carry the tier derived from the playbook's
	// risk level and autonomy tier rather than their raw step types.
	if actionType == "playbook_execution" {
		if required, ok := action.Context["required_tier"].(string); ok {
			tier = ParseTier(required)
			reason = "playbook_tier"
		}
	}

	// Context modifiers.
	if risk, ok := action.Context["risk_level"].(string); ok {
		switch strings.ToLower(risk) {
		case "high", "critical":
			if tier < TierT3 {
				tier++
				reason = reason + "+risk_escalation"
			}
		}
	}
	if tier == TierT2 && g.inList(g.cfg.RelaxWhitelist, actionType) {
		if trust, ok := trustScore(action.Context); ok && trust >= g.cfg.TrustThreshold {
			tier = TierT1
			reason = reason + "+trust_relaxation"
		}
	}

	decision.Tier = tier
	decision.Reason = reason

	switch tier {
	case TierT0:
		decision.Decision = DecisionAutoApprove
	case TierT1:
		decision.Decision = DecisionAutoApprove
		decision.ApproversRequired = 0
	case TierT2:
		decision.Decision = DecisionUserApproval
		decision.ApproversRequired = 1
	case TierT3:
		if len(g.cfg.AdminApprovers) == 0 {
			// No admin configured: fall back to user approval, which will
			// expire to deny if nobody responds.
			decision.Decision = DecisionUserApproval
			decision.ApproversRequired = 1
			decision.Reason = reason + "+no_admin_configured"
		} else {
			decision.Decision = DecisionAdminApproval
			decision.ApproversRequired = 1
		}
	}
	return decision
}

func (g *Gate) baseTier(actionType string) (Tier, string) {
	switch actionType {
	case "read", "search", "inspect", "stats":
		return TierT0, "read_only"
	}
	if g.inList(g.cfg.ToggleWhitelist, actionType) {
		return TierT1, "whitelisted_toggle"
	}
	switch actionType {
	case "file_write", "file_delete", "code_execution", "network_egress":
		return TierT2, "state_change"
	case "system_command", "database_schema_change", "secret_access", "cross_tenant":
		return TierT3, "privileged"
	}
	return g.cfg.DefaultTier, "default_tier"
}

func (g *Gate) inList(list []string, actionType string) bool {
	for _, entry := range list {
		if wildcard.Match(entry, actionType) {
			return true
		}
	}
	return false
}

func (g *Gate) isAdmin(approver string) bool {
	for _, admin := range g.cfg.AdminApprovers {
		if admin == approver {
			return true
		}
	}
	return false
}

func (g *Gate) publishDecision(action ProposedAction, decision Decision) {
	metrics.GovernanceDecisionsTotal.WithLabelValues(decision.Tier.String(), string(decision.Decision)).Inc()
	if g.pub == nil {
		return
	}
	g.pub.Publish(events.TypeGovernanceDecided, map[string]any{
		"decision_id": decision.ID,
		"decision":    string(decision.Decision),
		"tier":        decision.Tier.String(),
		"reason":      decision.Reason,
		"action_type": action.ActionType,
		"actor":       action.Actor,
		"resource":    action.Resource,
		"expires_at":  decision.ExpiresAt.UTC().Format(time.RFC3339),
	}, events.WithSeverity(events.SeverityInfo))
}

func trustScore(ctx map[string]any) (float64, bool) {
	if ctx == nil {
		return 0, false
	}
	switch v := ctx["trust_score"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	}
	return 0, false
}
