package playbooks

import (
	"github.com/aaron031291/grace/internal/governance"
	"github.com/aaron031291/grace/internal/incidents"
)

// Builtins returns the stock catalogue covering every guardian failure
// mode. Step actions are kernel intents served by the infrastructure
// kernel.
func Builtins() []*Playbook {
	return []*Playbook{
		{
			ID:           "zombie_process.kill_and_release",
			Description:  "Reap a defunct process and release any sockets it held",
			FailureMode:  incidents.ModeZombieProcess,
			RiskLevel:    1,
			RequiredTier: governance.TierT1,
			Steps: []Step{
				{
					Name:       "reap",
					Action:     "infrastructure.process.reap",
					ActionType: "system_command",
					Verify:     "infrastructure.process.verify_gone",
				},
				{
					Name:       "release",
					Action:     "infrastructure.socket.release",
					ActionType: "system_command",
					Verify:     "infrastructure.socket.verify_released",
				},
			},
		},
		{
			ID:            "port_conflict.reassign",
			Description:   "Move the listener off a contested port to a free one",
			FailureMode:   incidents.ModePortConflict,
			RiskLevel:     1,
			RequiredTier:  governance.TierT1,
			Preconditions: []string{"free_port_available"},
			Steps: []Step{
				{
					Name:       "scan",
					Action:     "infrastructure.port.scan_free",
					ActionType: "read",
					Verify:     "infrastructure.port.verify_free",
				},
				{
					Name:       "rebind",
					Action:     "infrastructure.port.rebind",
					ActionType: "system_command",
					Verify:     "infrastructure.port.verify_listening",
					Compensate: "infrastructure.port.restore_original",
				},
			},
		},
		{
			ID:           "time_wait.tune_backlog",
			Description:  "Tighten TIME_WAIT reuse and widen the accept backlog",
			FailureMode:  incidents.ModeTimeWaitBuildup,
			RiskLevel:    2,
			RequiredTier: governance.TierT2,
			Steps: []Step{
				{
					Name:       "tune",
					Action:     "infrastructure.net.tune_time_wait",
					ActionType: "system_command",
					Verify:     "infrastructure.net.verify_time_wait",
					Compensate: "infrastructure.net.restore_time_wait",
				},
			},
		},
		{
			ID:           "close_wait.recycle",
			Description:  "Recycle connections stuck in CLOSE_WAIT",
			FailureMode:  incidents.ModeCloseWaitLeak,
			RiskLevel:    1,
			RequiredTier: governance.TierT1,
			Steps: []Step{
				{
					Name:       "recycle",
					Action:     "infrastructure.net.recycle_close_wait",
					ActionType: "system_command",
					Verify:     "infrastructure.net.verify_close_wait",
				},
			},
		},
		{
			ID:           "fd_pressure.trim_handles",
			Description:  "Close idle descriptors when usage nears the limit",
			FailureMode:  incidents.ModeFDPressure,
			RiskLevel:    1,
			RequiredTier: governance.TierT1,
			Steps: []Step{
				{
					Name:       "trim",
					Action:     "infrastructure.fd.trim_idle",
					ActionType: "system_command",
					Verify:     "infrastructure.fd.verify_headroom",
				},
			},
		},
		{
			ID:           "dns_failure.flush_cache",
			Description:  "Flush the resolver cache and re-resolve canaries",
			FailureMode:  incidents.ModeDNSFailure,
			RiskLevel:    0,
			RequiredTier: governance.TierT1,
			Steps: []Step{
				{
					Name:       "flush",
					Action:     "infrastructure.dns.flush_cache",
					ActionType: "toggle_dns_cache",
					Verify:     "infrastructure.dns.verify_resolution",
				},
			},
		},
		{
			ID:           "interface_flap.reprobe",
			Description:  "Reprobe a flapping interface and settle its state",
			FailureMode:  incidents.ModeInterfaceFlap,
			RiskLevel:    2,
			RequiredTier: governance.TierT2,
			Steps: []Step{
				{
					Name:       "reprobe",
					Action:     "infrastructure.iface.reprobe",
					ActionType: "system_command",
					Verify:     "infrastructure.iface.verify_stable",
				},
			},
		},
		{
			ID:           "ephemeral_exhaustion.widen_range",
			Description:  "Widen the ephemeral port range when allocations fail",
			FailureMode:  incidents.ModeEphemeralExhaustion,
			RiskLevel:    2,
			RequiredTier: governance.TierT2,
			Steps: []Step{
				{
					Name:       "widen",
					Action:     "infrastructure.net.widen_ephemeral_range",
					ActionType: "system_command",
					Verify:     "infrastructure.net.verify_ephemeral_range",
					Compensate: "infrastructure.net.restore_ephemeral_range",
				},
			},
		},
	}
}

// RegisterBuiltins loads the stock catalogue into a registry.
func RegisterBuiltins(r *Registry) error {
	for _, pb := range Builtins() {
		if err := r.Register(pb); err != nil {
			return err
		}
	}
	return nil
}
