package main

import (
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const (
	staticGuestCIDR  = "10.0.2.15/24"
	staticGatewayIP  = "10.0.2.2"
	staticDNS        = "nameserver 10.0.2.3\n"
	dhcpDNSFallback  = "nameserver 8.8.8.8\n"
	eth0SysClassPath = "/sys/class/net/eth0"
)

// setupNetwork brings up lo and eth0, preferring DHCP (matches the VZ/NAT
// backend this port doesn't otherwise support, but the reference tries it
// unconditionally) and falling back to the fixed SLIRP addressing KVM's NAT
// stack expects. Grounded on
// original_source/guest-agent/src/main.rs: setup_network.
func setupNetwork(logger *log.Logger) {
	logger.Info("setting up network")

	found := false
	for i := 0; i < 300; i++ {
		if _, err := os.Stat(eth0SysClassPath); err == nil {
			logger.Debug("eth0 detected", "attempt", i+1)
			found = true
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !found {
		logger.Warn("eth0 not found, networking may not be available")
		return
	}

	runCmd(logger, "ip", "link", "set", "lo", "up")
	runCmd(logger, "ip", "link", "set", "eth0", "up")

	if dhcpResult := exec.Command("udhcpc", "-i", "eth0", "-n", "-q", "-t", "3", "-T", "2").Run(); dhcpResult == nil {
		logger.Info("network configured via DHCP")
		ensureResolvConf(logger, dhcpDNSFallback)
		return
	}

	logger.Info("DHCP failed, falling back to static SLIRP addressing")
	routed := false
	for i := 0; i < 20; i++ {
		runCmd(logger, "ip", "link", "set", "eth0", "up")
		runCmd(logger, "ip", "addr", "replace", staticGuestCIDR, "dev", "eth0")
		runCmd(logger, "ip", "route", "replace", "default", "via", staticGatewayIP)
		if hasDefaultRoute() {
			routed = true
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	ensureResolvConf(logger, staticDNS)
	if !routed {
		logger.Warn("default route not visible after static network setup")
	}
	logger.Info("network configured", "addr", staticGuestCIDR, "gateway", staticGatewayIP)
}

// networkEnabledFromCmdline mirrors network_enabled_from_cmdline: the host
// only announces the net virtio-mmio device when Config.Network is set, so
// its presence on the cmdline is the guest's signal to bring networking up
// at all.
func networkEnabledFromCmdline(cmdline string) bool {
	for _, tok := range strings.Fields(cmdline) {
		if tok == "virtio_mmio.device=512@0xd0000000:10" {
			return true
		}
	}
	return false
}

func ensureResolvConf(logger *log.Logger, contents string) {
	_ = os.MkdirAll("/etc", 0o755)
	if info, err := os.Lstat("/etc/resolv.conf"); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove("/etc/resolv.conf"); err != nil {
			logger.Warn("failed to remove symlink /etc/resolv.conf", "err", err)
		}
	}
	if err := os.WriteFile("/etc/resolv.conf", []byte(contents), 0o644); err != nil {
		logger.Warn("failed to write /etc/resolv.conf", "err", err)
	}
}

func runCmd(logger *log.Logger, program string, args ...string) bool {
	out, err := exec.Command(program, args...).CombinedOutput()
	if err != nil {
		logger.Warn("command failed", "cmd", program, "args", args, "err", err, "output", string(out))
		return false
	}
	return true
}

// hasDefaultRoute reports whether eth0 carries a default route, matching
// has_default_route's /proc/net/route scan (destination column all zero).
func hasDefaultRoute() bool {
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return false
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines[1:] {
		cols := strings.Fields(line)
		if len(cols) > 1 && cols[0] == "eth0" && cols[1] == "00000000" {
			return true
		}
	}
	return false
}
