//go:build linux

// Command voidbox-guest-agent runs as PID 1 inside the micro-VM. It brings
// up the minimal filesystem/module/network state the VMM's kernel cmdline
// describes, switches into the OCI-derived root, then serves exec/file
// requests over an authenticated vsock connection from the host.
//
// Grounded on original_source/guest-agent/src/main.rs for the overall
// startup sequence, restructured around
// buildkite-cleanroom/cmd/cleanroom-guest-agent/main.go's vsock.Listen +
// accept-loop idiom and github.com/charmbracelet/log for logging in place
// of the original's kmsg()-only approach.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mdlayher/vsock"
	"github.com/the-void-ia/void-box/internal/ociroot"
	"golang.org/x/sys/unix"
)

const listenPort = 1234

func main() {
	// The self-reexec helper path never reaches PID-1 startup: it is a
	// plain child process exec_helper launched, always with a real parent
	// pid != 1.
	if isExecHelper() {
		if err := runExecHelper(); err != nil {
			fmt.Fprintf(os.Stderr, "exec helper failed: %v\n", err)
			os.Exit(126)
		}
		return // unreachable on success: runExecHelper replaces the process
	}

	logger := newAgentLogger()
	kmsg(logger, "void-box guest agent starting...")

	isPID1 := os.Getpid() == 1
	if isPID1 {
		initSystem(logger)
		syncClockFromCmdline(logger)
	}

	cmdline := readCmdline()
	bootCfg := parseBootConfig(cmdline)

	loadKernelModules(logger, cmdline)

	if errs := ociroot.MountSharedDirs(bootCfg.Mounts); len(errs) > 0 {
		for _, err := range errs {
			logger.Warn("failed to mount shared directory", "err", err)
		}
	}

	if isPID1 {
		if bootCfg.NetworkEnabled {
			setupNetwork(logger)
		} else {
			kmsg(logger, "network disabled by host config; skipping setupNetwork")
		}
	}

	var secret [32]byte
	haveSecret := false
	if validated, ok := parseSessionSecret(bootCfg.Secret); ok {
		decoded, err := decodeHexSecret(validated)
		if err != nil {
			kmsg(logger, fmt.Sprintf("WARNING: voidbox.secret failed hex decode: %v", err))
		} else {
			secret = decoded
			haveSecret = true
			kmsg(logger, "session secret loaded from kernel cmdline")
		}
	} else {
		kmsg(logger, "WARNING: no session secret found in kernel cmdline -- all connections will be rejected")
	}

	limits := resourceLimitsFromBootConfig(logger, bootCfg)
	commandAllowlist = bootCfg.CommandAllowlist
	if len(commandAllowlist) > 0 {
		kmsg(logger, fmt.Sprintf("loaded command allowlist: %d commands", len(commandAllowlist)))
	} else {
		kmsg(logger, "no command allowlist found on kernel cmdline; allowing all commands")
	}

	// The OCI root switch runs before the vsock listener starts: unlike
	// the reference, which defers it until the first authenticated Ping to
	// avoid a startup race between the pivot and the handshake, this port
	// follows the documented boot-protocol ordering and accepts the
	// resulting startup latency instead.
	if isPID1 {
		status, err := ociroot.SetupRootfs(ociroot.Config{
			Source:     ociroot.Source{BlockDevPath: bootCfg.OCIRootfsDev},
			ResolvConf: resolvConfForNetwork(bootCfg),
		})
		if err != nil {
			kmsg(logger, fmt.Sprintf("OCI rootfs setup ended in status %q: %v", status, err))
		} else {
			kmsg(logger, fmt.Sprintf("OCI rootfs setup completed: %s", status))
		}
	}

	ln, err := listenVsockWithRetry(logger, listenPort)
	if err != nil {
		kmsg(logger, fmt.Sprintf("failed to create vsock listener after retries: %v", err))
		if isPID1 {
			kmsg(logger, "entering idle loop: PID 1 must not exit")
			for {
				time.Sleep(time.Hour)
			}
		}
		os.Exit(1)
	}
	defer ln.Close()

	kmsg(logger, fmt.Sprintf("listening on vsock port %d", listenPort))

	if !haveSecret {
		// Keep serving: an operator may be debugging without a secret
		// configured, but every connection will fail the Ping handshake.
		secret = [32]byte{}
	}

	state := sessionState{secret: secret, limits: limits, logger: logger}
	acceptLoop(logger, ln, state)
}

func acceptLoop(logger *log.Logger, ln net.Listener, state sessionState) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		go handleConnection(conn, state)
	}
}

// listenVsockWithRetry retries vsock.Listen for roughly the time module
// loading and virtio-vsock device probing take to settle, matching
// original_source/guest-agent/src/main.rs's 30-attempt/200ms retry loop.
func listenVsockWithRetry(logger *log.Logger, port uint32) (net.Listener, error) {
	var lastErr error
	for attempt := 1; attempt <= 30; attempt++ {
		ln, err := vsock.Listen(port, nil)
		if err == nil {
			logger.Debug("vsock listener created", "attempt", attempt)
			return ln, nil
		}
		lastErr = err
		logger.Debug("vsock listener attempt failed, retrying", "attempt", attempt, "err", err)
		time.Sleep(200 * time.Millisecond)
	}
	return nil, lastErr
}

// initSystem performs the PID-1-only filesystem and environment setup the
// kernel leaves undone: no init process ran before this one. Matches
// original_source/guest-agent/src/main.rs: init_system.
func initSystem(logger *log.Logger) {
	os.Setenv("PATH", "/usr/local/bin:/usr/bin:/bin:/sbin:/usr/sbin")
	os.Setenv("HOME", "/root")
	os.Setenv("TERM", "linux")

	kmsg(logger, "running as init, setting up system...")

	mustMount(logger, "proc", "/proc", "proc", "")
	mustMount(logger, "sysfs", "/sys", "sysfs", "")
	mustMount(logger, "devtmpfs", "/dev", "devtmpfs", "")
	mustMount(logger, "tmpfs", "/tmp", "tmpfs", "mode=1777")

	_ = os.MkdirAll("/workspace", 0o755)
	_ = os.MkdirAll("/home/sandbox", 0o755)
	_ = os.Chown("/workspace", sandboxUID, sandboxGID)
	_ = os.Chown("/home/sandbox", sandboxUID, sandboxGID)

	_ = os.MkdirAll("/etc", 0o755)
	_ = os.MkdirAll("/etc/voidbox", 0o755)

	if err := os.WriteFile("/proc/sys/kernel/yama/ptrace_scope", []byte("0\n"), 0o644); err != nil {
		kmsg(logger, fmt.Sprintf("note: could not configure YAMA ptrace_scope: %v", err))
	} else {
		kmsg(logger, "configured YAMA ptrace_scope=0")
	}
}

func mustMount(logger *log.Logger, fstype, target, fsname, data string) {
	_ = os.MkdirAll(target, 0o755)
	if err := unix.Mount(fsname, target, fstype, 0, data); err != nil {
		kmsg(logger, fmt.Sprintf("WARNING: mount %s on %s failed: %v", fstype, target, err))
	}
}

// syncClockFromCmdline sets the guest's wall clock from voidbox.clock=
// before anything that needs accurate time (TLS validation, log
// timestamps) runs. Without this the guest boots at the Unix epoch.
func syncClockFromCmdline(logger *log.Logger) {
	cfg := parseBootConfig(readCmdline())
	if !cfg.HasClockEpoch {
		return
	}
	ts := unix.Timespec{Sec: cfg.ClockEpoch, Nsec: 0}
	if err := unix.ClockSettime(unix.CLOCK_REALTIME, &ts); err != nil {
		kmsg(logger, fmt.Sprintf("WARNING: clock_settime failed: %v", err))
		return
	}
	kmsg(logger, fmt.Sprintf("system clock set to epoch %d", cfg.ClockEpoch))
}

func decodeHexSecret(hexStr string) ([32]byte, error) {
	var out [32]byte
	for i := 0; i < 32; i++ {
		b, err := hexByte(hexStr[i*2 : i*2+2])
		if err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

func hexByte(pair string) (byte, error) {
	var v byte
	for _, r := range pair {
		v <<= 4
		switch {
		case r >= '0' && r <= '9':
			v |= byte(r - '0')
		case r >= 'a' && r <= 'f':
			v |= byte(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v |= byte(r-'A') + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q", r)
		}
	}
	return v, nil
}

// resourceLimitsFromBootConfig returns the limits the host passed on the
// kernel cmdline, or fixed defaults when voidbox.resource_limits= was
// absent or malformed.
func resourceLimitsFromBootConfig(logger *log.Logger, cfg bootConfig) ociroot.ResourceLimits {
	if !cfg.HasResourceLimits {
		kmsg(logger, "using default resource limits (no voidbox.resource_limits= on cmdline)")
		return ociroot.ResourceLimits{MaxOpenFiles: 1024, MaxProcesses: 512, MaxFileSize: 100 * 1024 * 1024}
	}
	kmsg(logger, fmt.Sprintf("loaded resource limits: NOFILE=%d NPROC=%d FSIZE=%dMB",
		cfg.ResourceLimits.MaxOpenFiles, cfg.ResourceLimits.MaxProcesses, cfg.ResourceLimits.MaxFileSize/(1024*1024)))
	return cfg.ResourceLimits
}

func resolvConfForNetwork(cfg bootConfig) string {
	if !cfg.NetworkEnabled {
		return ""
	}
	return staticDNS
}

// initiateShutdown is invoked after a Shutdown message's ack has been sent.
// PID 1 exiting would panic the kernel, so this calls reboot(2) directly
// rather than returning and letting main fall off the end.
func initiateShutdown(logger *log.Logger) {
	time.Sleep(100 * time.Millisecond) // best-effort drain of the ack write
	kmsg(logger, "shutting down guest")
	if os.Getpid() == 1 {
		_ = unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
	}
	os.Exit(0)
}

// newAgentLogger matches buildkite-cleanroom/internal/cli/cli.go: newLogger,
// minus the --log-level flag this binary has no CLI surface to expose; PID
// 1 always logs at info level to stderr plus /dev/kmsg.
func newAgentLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     log.InfoLevel,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", "guest-agent")
}

// kmsg logs through the normal structured logger and mirrors the line to
// /dev/kmsg, matching original_source/guest-agent/src/main.rs: kmsg. Early
// boot has no reliable stderr console, so the kernel ring buffer is the only
// place these lines are guaranteed to be visible.
func kmsg(logger *log.Logger, msg string) {
	logger.Info(msg)
	f, err := os.OpenFile("/dev/kmsg", os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString("guest-agent: " + strings.TrimSpace(msg) + "\n")
}
