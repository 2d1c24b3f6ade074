package guardian

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/dnscache"
	gonet "github.com/shirou/gopsutil/v4/net"
	goprocess "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/aaron031291/grace/internal/events"
	"github.com/aaron031291/grace/internal/incidents"
)

// System call wrappers for testing
var (
	tcpConnections = gonet.ConnectionsWithContext
	listProcesses  = goprocess.ProcessesWithContext
	netInterfaces  = gonet.InterfacesWithContext

	listenProbe = func(port int) (interface{ Close() error }, error) {
		return net.Listen("tcp", fmt.Sprintf(":%d", port))
	}

	fdUsage = func(ctx context.Context) (used int32, limit uint64, err error) {
		proc, err := goprocess.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return 0, 0, err
		}
		used, err = proc.NumFDsWithContext(ctx)
		if err != nil {
			return 0, 0, err
		}
		var rl unix.Rlimit
		if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
			return 0, 0, err
		}
		return used, rl.Cur, nil
	}

	lookupHost = func(ctx context.Context, resolver *dnscache.Resolver, host string) ([]string, error) {
		return resolver.LookupHost(ctx, host)
	}

	listZombiePIDs = func(ctx context.Context) ([]int32, error) {
		procs, err := listProcesses(ctx)
		if err != nil {
			return nil, err
		}
		var zombies []int32
		for _, proc := range procs {
			statuses, err := proc.StatusWithContext(ctx)
			if err != nil {
				continue
			}
			for _, st := range statuses {
				if st == goprocess.Zombie {
					zombies = append(zombies, proc.Pid)
					break
				}
			}
		}
		return zombies, nil
	}

	findPortHolder = func(ctx context.Context, port int) *portHolder {
		conns, err := tcpConnections(ctx, "tcp")
		if err != nil {
			return nil
		}
		for _, conn := range conns {
			if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port || conn.Pid == 0 {
				continue
			}
			holder := &portHolder{pid: conn.Pid}
			if proc, err := goprocess.NewProcessWithContext(ctx, conn.Pid); err == nil {
				if name, err := proc.NameWithContext(ctx); err == nil {
					holder.name = name
				}
				if statuses, err := proc.StatusWithContext(ctx); err == nil {
					for _, st := range statuses {
						if st == goprocess.Zombie {
							holder.zombie = true
						}
					}
				}
			}
			return holder
		}
		return nil
	}
)

// Issue is one watchdog detection.
type Issue struct {
	Category    string
	FailureMode incidents.FailureMode
	Severity    events.Severity
	Detail      map[string]any
}

// Thresholds tune the eight watchdog categories.
type Thresholds struct {
	TimeWaitMax       int     // TIME_WAIT connections before buildup is flagged
	CloseWaitMax      int     // CLOSE_WAIT connections before a leak is flagged
	EphemeralUsageMax float64 // fraction of the ephemeral range in use
	FDUsageMax        float64 // fraction of the NOFILE limit in use
	FlapWindow        int     // state changes per interface across scans before flagged
	DNSTimeout        time.Duration
	DNSCanaries       []string
}

// DefaultThresholds returns production values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TimeWaitMax:       1000,
		CloseWaitMax:      100,
		EphemeralUsageMax: 0.9,
		FDUsageMax:        0.85,
		FlapWindow:        3,
		DNSTimeout:        3 * time.Second,
		DNSCanaries:       []string{"one.one.one.one", "dns.google"},
	}
}

// ephemeral range Linux uses by default
const (
	ephemeralLow  = 32768
	ephemeralHigh = 60999
)

func (g *Guardian) probePortConflict(ctx context.Context) []Issue {
	port := g.Port()
	if port == 0 {
		return nil
	}
	listener, err := listenProbe(port)
	if err == nil {
		listener.Close()
		return nil
	}
	holder := findPortHolder(ctx, port)
	detail := map[string]any{"port": port, "error": err.Error()}
	severity := events.SeverityWarn
	mode := incidents.ModePortConflict
	if holder != nil {
		detail["pid"] = holder.pid
		detail["process"] = holder.name
		if holder.zombie {
			mode = incidents.ModeZombieProcess
			severity = events.SeverityError
		}
	}
	return []Issue{{
		Category:    "port_conflict",
		FailureMode: mode,
		Severity:    severity,
		Detail:      detail,
	}}
}

type portHolder struct {
	pid    int32
	name   string
	zombie bool
}

func (g *Guardian) probeConnectionStates(ctx context.Context) []Issue {
	conns, err := tcpConnections(ctx, "tcp")
	if err != nil {
		g.logger.Debug().Err(err).Msg("Connection probe failed")
		return nil
	}

	var timeWait, closeWait, ephemeral int
	for _, conn := range conns {
		switch conn.Status {
		case "TIME_WAIT":
			timeWait++
		case "CLOSE_WAIT":
			closeWait++
		}
		if conn.Laddr.Port >= ephemeralLow && conn.Laddr.Port <= ephemeralHigh {
			ephemeral++
		}
	}

	var issues []Issue
	if timeWait > g.thresholds.TimeWaitMax {
		issues = append(issues, Issue{
			Category:    "time_wait_buildup",
			FailureMode: incidents.ModeTimeWaitBuildup,
			Severity:    events.SeverityWarn,
			Detail:      map[string]any{"time_wait": timeWait, "threshold": g.thresholds.TimeWaitMax},
		})
	}
	if closeWait > g.thresholds.CloseWaitMax {
		issues = append(issues, Issue{
			Category:    "close_wait_leak",
			FailureMode: incidents.ModeCloseWaitLeak,
			Severity:    events.SeverityWarn,
			Detail:      map[string]any{"close_wait": closeWait, "threshold": g.thresholds.CloseWaitMax},
		})
	}
	rangeSize := ephemeralHigh - ephemeralLow + 1
	if usage := float64(ephemeral) / float64(rangeSize); usage > g.thresholds.EphemeralUsageMax {
		issues = append(issues, Issue{
			Category:    "ephemeral_exhaustion",
			FailureMode: incidents.ModeEphemeralExhaustion,
			Severity:    events.SeverityError,
			Detail:      map[string]any{"in_use": ephemeral, "range": rangeSize, "usage": usage},
		})
	}
	return issues
}

func (g *Guardian) probeZombies(ctx context.Context) []Issue {
	zombies, err := listZombiePIDs(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Process probe failed")
		return nil
	}
	if len(zombies) == 0 {
		return nil
	}
	return []Issue{{
		Category:    "zombie_process",
		FailureMode: incidents.ModeZombieProcess,
		Severity:    events.SeverityError,
		Detail:      map[string]any{"count": len(zombies), "pids": zombies},
	}}
}

func (g *Guardian) probeFDPressure(ctx context.Context) []Issue {
	used, limit, err := fdUsage(ctx)
	if err != nil || limit == 0 {
		return nil
	}
	usage := float64(used) / float64(limit)
	if usage <= g.thresholds.FDUsageMax {
		return nil
	}
	return []Issue{{
		Category:    "fd_pressure",
		FailureMode: incidents.ModeFDPressure,
		Severity:    events.SeverityError,
		Detail:      map[string]any{"used": used, "limit": limit, "usage": usage},
	}}
}

func (g *Guardian) probeInterfaceFlaps(ctx context.Context) []Issue {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Interface probe failed")
		return nil
	}

	current := make(map[string]bool, len(ifaces))
	for _, iface := range ifaces {
		up := false
		for _, flag := range iface.Flags {
			if flag == "up" {
				up = true
				break
			}
		}
		current[iface.Name] = up
	}

	g.mu.Lock()
	var flapped []string
	if g.ifaceStates != nil {
		for name, up := range current {
			if prev, seen := g.ifaceStates[name]; seen && prev != up {
				g.ifaceFlaps[name]++
				if g.ifaceFlaps[name] >= g.thresholds.FlapWindow {
					flapped = append(flapped, name)
					g.ifaceFlaps[name] = 0
				}
			}
		}
	} else {
		g.ifaceFlaps = make(map[string]int)
	}
	g.ifaceStates = current
	g.mu.Unlock()

	if len(flapped) == 0 {
		return nil
	}
	return []Issue{{
		Category:    "interface_flap",
		FailureMode: incidents.ModeInterfaceFlap,
		Severity:    events.SeverityError,
		Detail:      map[string]any{"interfaces": flapped},
	}}
}

// probeDNS resolves canary names through the caching resolver. Offline
// mode reduces the probe to the local resolver path only.
func (g *Guardian) probeDNS(ctx context.Context) []Issue {
	canaries := g.thresholds.DNSCanaries
	if g.offline {
		canaries = []string{"localhost"}
	}

	var failed []string
	for _, host := range canaries {
		probeCtx, cancel := context.WithTimeout(ctx, g.thresholds.DNSTimeout)
		_, err := lookupHost(probeCtx, g.resolver, host)
		cancel()
		if err != nil {
			failed = append(failed, host)
		}
	}
	if len(failed) == 0 || len(failed) < len(canaries) {
		// a single canary failing is not a resolver failure
		return nil
	}
	return []Issue{{
		Category:    "dns_failure",
		FailureMode: incidents.ModeDNSFailure,
		Severity:    events.SeverityError,
		Detail:      map[string]any{"failed": failed, "offline": g.offline},
	}}
}
