package events

import (
	"fmt"
	"strings"
)

// Taxonomy prefixes recognized on ingress. The bus itself carries strings;
// the publisher validates against this closed set, with ext. reserved for
// experimental events.
var taxonomyPrefixes = []string{
	"boot.",
	"guardian.",
	"healing.",
	"governance.",
	"htm.task.",
	"audit.",
	"config.",
	"kernel.",
	"bus.",
	"meta.",
	"system.",
	"task.",
	"ext.",
}

// Well-known event types emitted by the control plane.
const (
	TypeSystemReady       = "system.ready"
	TypeBootPhaseOK       = "boot.phase.ok"
	TypeBootPhaseFailed   = "boot.phase.failed"
	TypeBootDegraded      = "boot.degraded"
	TypeGuardianIssue     = "guardian.issue.detected"
	TypeGuardianScan      = "guardian.scan"
	TypeHealingProposed   = "healing.playbook.proposed"
	TypeHealingResolved   = "healing.incident.resolved"
	TypeHealingFailed     = "healing.failed"
	TypeGovernanceDecided = "governance.decision"
	TypeTaskUpdate        = "htm.task.update"
	TypeTaskCancel        = "task.cancel"
	TypeAuditChainBroken  = "audit.chain.broken"
	TypeAuditDeadLetter   = "audit.dead_letter"
	TypeIncidentSchema    = "audit.incident.schema.broken"
	TypeConfigProposed    = "config.revision.proposed"
	TypeConfigApplied     = "config.revision.applied"
	TypeConfigReverted    = "config.revision.reverted"
	TypeConfigReloaded    = "config.reloaded"
	TypeBusSaturation     = "bus.saturation"
	TypeMetaStats         = "meta.loop.stats"
)

// ValidateType checks an event type against the closed taxonomy. Dotted
// types under a known prefix pass; everything else is rejected.
func ValidateType(eventType string) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("event type is empty")
	}
	for _, prefix := range taxonomyPrefixes {
		if strings.HasPrefix(eventType, prefix) || eventType == strings.TrimSuffix(prefix, ".") {
			return nil
		}
	}
	return fmt.Errorf("event type %q outside taxonomy", eventType)
}

// requiredPayloadFields maps event types to payload fields the schema
// requires. Unknown fields are always ignored; missing required fields send
// the event to the dead-letter audit entry instead of the bus.
var requiredPayloadFields = map[string][]string{
	TypeGuardianIssue:     {"category"},
	TypeHealingProposed:   {"playbook_id", "required_tier"},
	TypeHealingResolved:   {"incident_id", "mttr_seconds"},
	TypeHealingFailed:     {"incident_id"},
	TypeGovernanceDecided: {"decision", "tier"},
	TypeTaskUpdate:        {"task_id", "state"},
	TypeTaskCancel:        {"task_id"},
	TypeBootPhaseFailed:   {"phase"},
	TypeBootDegraded:      {"phase", "skipped"},
}

// ValidateSchema checks that the payload carries the fields the event type's
// schema requires.
func ValidateSchema(eventType string, payload map[string]any) error {
	required, ok := requiredPayloadFields[eventType]
	if !ok {
		return nil
	}
	for _, field := range required {
		if _, present := payload[field]; !present {
			return fmt.Errorf("event %s missing required payload field %q", eventType, field)
		}
	}
	return nil
}
