package guardian

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	cperrors "github.com/aaron031291/grace/internal/errors"
	"github.com/aaron031291/grace/internal/kernels"
)

// Remediation seams, swapped in tests like the probe seams above.
var (
	reapProcess = func(pid int32) error {
		// children of this process can be waited on directly; anything
		// else gets a best-effort SIGKILL
		var status unix.WaitStatus
		if _, err := unix.Wait4(int(pid), &status, unix.WNOHANG, nil); err == nil {
			return nil
		}
		return unix.Kill(int(pid), unix.SIGKILL)
	}

	readSysctl = func(key string) (string, error) {
		path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}

	writeSysctl = func(key, value string) error {
		path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
		return os.WriteFile(path, []byte(value), 0o644)
	}

	// dropping references and forcing a GC cycle runs finalizers on
	// leaked files and sockets, which closes their descriptors
	releaseIdleHandles = func() {
		runtime.GC()
	}
)

const (
	sysctlTimeWaitReuse  = "net.ipv4.tcp_tw_reuse"
	sysctlEphemeralRange = "net.ipv4.ip_local_port_range"
	widenedEphemeral     = "15000\t64999"
)

// RegisterKernel installs the guardian as the infrastructure kernel. Its
// intents are the actions, verifications, and compensations the builtin
// playbook catalogue is written against.
func (g *Guardian) RegisterKernel(kr *kernels.Registry) error {
	return kr.Register(kernels.Descriptor{
		Name:   "infrastructure",
		Domain: "infrastructure",
		Capabilities: []string{
			"process.reap", "socket.release", "port.rebind",
			"net.sysctl", "fd.trim", "dns.flush", "iface.reprobe",
		},
		IntentPatterns: []string{"infrastructure.*"},
		Version:        "1.0.0",
	}, g.handleIntent)
}

func (g *Guardian) handleIntent(ctx context.Context, intent string, payload map[string]any) (map[string]any, error) {
	switch intent {
	case "infrastructure.process.reap":
		return g.intentProcessReap(ctx, payload)
	case "infrastructure.process.verify_gone":
		return g.intentProcessVerifyGone(ctx, payload)
	case "infrastructure.socket.release":
		return g.intentSocketRelease(ctx)
	case "infrastructure.socket.verify_released", "infrastructure.port.verify_free":
		return g.intentPortFree(ctx)
	case "infrastructure.port.scan_free":
		return g.intentPortScanFree()
	case "infrastructure.port.rebind":
		return g.intentPortRebind(payload)
	case "infrastructure.port.verify_listening":
		return g.intentPortVerifyListening()
	case "infrastructure.port.restore_original":
		return g.intentPortRestore()
	case "infrastructure.net.tune_time_wait":
		return g.intentTuneTimeWait()
	case "infrastructure.net.verify_time_wait":
		return g.intentVerifyTimeWait(ctx)
	case "infrastructure.net.restore_time_wait":
		return g.intentRestoreSysctl(sysctlTimeWaitReuse)
	case "infrastructure.net.recycle_close_wait":
		return g.intentRecycleCloseWait()
	case "infrastructure.net.verify_close_wait":
		return g.intentVerifyCloseWait(ctx)
	case "infrastructure.net.widen_ephemeral_range":
		return g.intentWidenEphemeral()
	case "infrastructure.net.verify_ephemeral_range":
		return g.intentVerifyEphemeral()
	case "infrastructure.net.restore_ephemeral_range":
		return g.intentRestoreSysctl(sysctlEphemeralRange)
	case "infrastructure.fd.trim_idle":
		return g.intentTrimFDs()
	case "infrastructure.fd.verify_headroom":
		return g.intentVerifyFDHeadroom(ctx)
	case "infrastructure.dns.flush_cache":
		return g.intentFlushDNS()
	case "infrastructure.dns.verify_resolution":
		return g.intentVerifyDNS(ctx)
	case "infrastructure.iface.reprobe":
		return g.intentReprobeInterfaces(ctx)
	case "infrastructure.iface.verify_stable":
		return g.intentVerifyInterfaces(ctx)
	}
	return nil, cperrors.Fatal("route_intent", "guardian", fmt.Errorf("unsupported intent %s", intent))
}

func payloadPIDs(payload map[string]any) []int32 {
	var out []int32
	switch v := payload["pids"].(type) {
	case []int32:
		return v
	case []any:
		for _, raw := range v {
			if f, ok := raw.(float64); ok {
				out = append(out, int32(f))
			} else if i, ok := raw.(int32); ok {
				out = append(out, i)
			}
		}
	}
	if f, ok := payload["pid"].(float64); ok {
		out = append(out, int32(f))
	} else if i, ok := payload["pid"].(int32); ok {
		out = append(out, i)
	}
	return out
}

func (g *Guardian) intentProcessReap(ctx context.Context, payload map[string]any) (map[string]any, error) {
	pids := payloadPIDs(payload)
	if len(pids) == 0 {
		zombies, err := listZombiePIDs(ctx)
		if err != nil {
			return nil, cperrors.Transient("reap_process", "guardian", err)
		}
		pids = zombies
	}
	var reaped []int32
	for _, pid := range pids {
		if err := reapProcess(pid); err != nil {
			g.logger.Warn().Int32("pid", pid).Err(err).Msg("Failed to reap process")
			continue
		}
		reaped = append(reaped, pid)
	}
	return map[string]any{"ok": true, "reaped": reaped}, nil
}

func (g *Guardian) intentProcessVerifyGone(ctx context.Context, payload map[string]any) (map[string]any, error) {
	zombies, err := listZombiePIDs(ctx)
	if err != nil {
		return nil, cperrors.Transient("verify_reap", "guardian", err)
	}
	wanted := payloadPIDs(payload)
	if len(wanted) == 0 {
		return map[string]any{"ok": len(zombies) == 0, "remaining": len(zombies)}, nil
	}
	alive := map[int32]bool{}
	for _, pid := range zombies {
		alive[pid] = true
	}
	for _, pid := range wanted {
		if alive[pid] {
			return map[string]any{"ok": false, "pid": pid}, nil
		}
	}
	return map[string]any{"ok": true}, nil
}

// intentSocketRelease gives the kernel a beat to tear down sockets the
// reaped process held; actual release happens on reap.
func (g *Guardian) intentSocketRelease(ctx context.Context) (map[string]any, error) {
	releaseIdleHandles()
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentPortFree(ctx context.Context) (map[string]any, error) {
	port := g.Port()
	if port == 0 {
		return map[string]any{"ok": true}, nil
	}
	listener, err := listenProbe(port)
	if err != nil {
		if holder := findPortHolder(ctx, port); holder != nil {
			return map[string]any{"ok": false, "port": port, "pid": holder.pid}, nil
		}
		return map[string]any{"ok": false, "port": port}, nil
	}
	listener.Close()
	return map[string]any{"ok": true, "port": port}, nil
}

func (g *Guardian) intentPortScanFree() (map[string]any, error) {
	g.mu.Lock()
	start, end := g.scanStart, g.scanEnd
	g.mu.Unlock()
	for port := start; port <= end; port++ {
		listener, err := listenProbe(port)
		if err != nil {
			continue
		}
		listener.Close()
		return map[string]any{"ok": true, "port": port}, nil
	}
	return map[string]any{"ok": false, "scanned": end - start + 1}, nil
}

func (g *Guardian) intentPortRebind(payload map[string]any) (map[string]any, error) {
	target := 0
	switch v := payload["port"].(type) {
	case float64:
		target = int(v)
	case int:
		target = v
	}
	if target == 0 {
		res, err := g.intentPortScanFree()
		if err != nil || res["ok"] != true {
			return map[string]any{"ok": false}, err
		}
		target = res["port"].(int)
	}

	g.mu.Lock()
	if g.originalPort == 0 {
		g.originalPort = g.port
	}
	g.port = target
	g.mu.Unlock()

	g.publishAllocation(target, false)
	return map[string]any{"ok": true, "port": target}, nil
}

func (g *Guardian) intentPortVerifyListening() (map[string]any, error) {
	port := g.Port()
	listener, err := listenProbe(port)
	if err != nil {
		// something already bound it, which is what rebinding wants
		return map[string]any{"ok": true, "port": port, "bound": true}, nil
	}
	listener.Close()
	return map[string]any{"ok": true, "port": port, "bound": false}, nil
}

func (g *Guardian) intentPortRestore() (map[string]any, error) {
	g.mu.Lock()
	original := g.originalPort
	if original != 0 {
		g.port = original
		g.originalPort = 0
	}
	g.mu.Unlock()
	return map[string]any{"ok": true, "port": original}, nil
}

func (g *Guardian) saveSysctl(key string) {
	if current, err := readSysctl(key); err == nil {
		g.mu.Lock()
		if g.savedSysctls == nil {
			g.savedSysctls = make(map[string]string)
		}
		if _, saved := g.savedSysctls[key]; !saved {
			g.savedSysctls[key] = current
		}
		g.mu.Unlock()
	}
}

func (g *Guardian) intentTuneTimeWait() (map[string]any, error) {
	g.saveSysctl(sysctlTimeWaitReuse)
	if err := writeSysctl(sysctlTimeWaitReuse, "1"); err != nil {
		return nil, cperrors.Transient("tune_time_wait", "guardian", err)
	}
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentVerifyTimeWait(ctx context.Context) (map[string]any, error) {
	conns, err := tcpConnections(ctx, "tcp")
	if err != nil {
		return nil, cperrors.Transient("verify_time_wait", "guardian", err)
	}
	count := 0
	for _, conn := range conns {
		if conn.Status == "TIME_WAIT" {
			count++
		}
	}
	return map[string]any{"ok": count <= g.thresholds.TimeWaitMax, "time_wait": count}, nil
}

func (g *Guardian) intentRestoreSysctl(key string) (map[string]any, error) {
	g.mu.Lock()
	saved, ok := g.savedSysctls[key]
	if ok {
		delete(g.savedSysctls, key)
	}
	g.mu.Unlock()
	if !ok {
		return map[string]any{"ok": true, "restored": false}, nil
	}
	if err := writeSysctl(key, saved); err != nil {
		return nil, cperrors.Transient("restore_sysctl", "guardian", err)
	}
	return map[string]any{"ok": true, "restored": true}, nil
}

func (g *Guardian) intentRecycleCloseWait() (map[string]any, error) {
	releaseIdleHandles()
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentVerifyCloseWait(ctx context.Context) (map[string]any, error) {
	conns, err := tcpConnections(ctx, "tcp")
	if err != nil {
		return nil, cperrors.Transient("verify_close_wait", "guardian", err)
	}
	count := 0
	for _, conn := range conns {
		if conn.Status == "CLOSE_WAIT" {
			count++
		}
	}
	return map[string]any{"ok": count <= g.thresholds.CloseWaitMax, "close_wait": count}, nil
}

func (g *Guardian) intentWidenEphemeral() (map[string]any, error) {
	g.saveSysctl(sysctlEphemeralRange)
	if err := writeSysctl(sysctlEphemeralRange, widenedEphemeral); err != nil {
		return nil, cperrors.Transient("widen_ephemeral", "guardian", err)
	}
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentVerifyEphemeral() (map[string]any, error) {
	current, err := readSysctl(sysctlEphemeralRange)
	if err != nil {
		return nil, cperrors.Transient("verify_ephemeral", "guardian", err)
	}
	fields := strings.Fields(current)
	if len(fields) != 2 {
		return map[string]any{"ok": false, "range": current}, nil
	}
	var low, high int
	fmt.Sscanf(fields[0], "%d", &low)
	fmt.Sscanf(fields[1], "%d", &high)
	width := high - low + 1
	return map[string]any{
		"ok":    width > ephemeralHigh-ephemeralLow+1,
		"range": current,
		"width": width,
	}, nil
}

func (g *Guardian) intentTrimFDs() (map[string]any, error) {
	g.resolver.Refresh(true)
	releaseIdleHandles()
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentVerifyFDHeadroom(ctx context.Context) (map[string]any, error) {
	used, limit, err := fdUsage(ctx)
	if err != nil || limit == 0 {
		return nil, cperrors.Transient("verify_fd", "guardian", err)
	}
	usage := float64(used) / float64(limit)
	return map[string]any{"ok": usage <= g.thresholds.FDUsageMax, "usage": usage}, nil
}

func (g *Guardian) intentFlushDNS() (map[string]any, error) {
	g.resolver.Refresh(true)
	return map[string]any{"ok": true}, nil
}

func (g *Guardian) intentVerifyDNS(ctx context.Context) (map[string]any, error) {
	issues := g.probeDNS(ctx)
	return map[string]any{"ok": len(issues) == 0}, nil
}

// intentReprobeInterfaces resets flap accounting and re-reads link state so
// a transient flap storm does not keep the category hot.
func (g *Guardian) intentReprobeInterfaces(ctx context.Context) (map[string]any, error) {
	ifaces, err := netInterfaces(ctx)
	if err != nil {
		return nil, cperrors.Transient("reprobe_interfaces", "guardian", err)
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
	g.ifaceStates = current
	g.ifaceFlaps = make(map[string]int)
	g.mu.Unlock()
	return map[string]any{"ok": true, "interfaces": len(current)}, nil
}

func (g *Guardian) intentVerifyInterfaces(ctx context.Context) (map[string]any, error) {
	issues := g.probeInterfaceFlaps(ctx)
	return map[string]any{"ok": len(issues) == 0}, nil
}
