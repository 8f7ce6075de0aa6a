package main

import (
	"encoding/base64"
	"os"
	"strconv"
	"strings"

	"github.com/the-void-ia/void-box/internal/ociroot"
)

const cmdlinePath = "/proc/cmdline"

// bootConfig is everything parseCmdline extracts from /proc/cmdline. Named
// fields mirror original_source/guest-agent/src/main.rs's several OnceLock
// statics (SESSION_SECRET, RESOURCE_LIMITS, COMMAND_ALLOWLIST) collapsed
// into one struct since this port has no PID-1-wide global state.
// ResourceLimits and CommandAllowlist are carried as cmdline tokens rather
// than provisioned files: both must be available before the vsock listener
// starts, and the sole 9p mount slot is already claimed by Mounts[0].
type bootConfig struct {
	Secret            string
	ClockEpoch        int64
	HasClockEpoch     bool
	NetworkEnabled    bool
	OCIRootfsDev      string
	Mounts            []ociroot.SharedMount
	ResourceLimits    ociroot.ResourceLimits
	HasResourceLimits bool
	CommandAllowlist  []string
}

// readCmdline reads /proc/cmdline, tolerating the read failing (the initial
// boot-critical steps already ran by the time this matters, so a read
// failure here degrades to "no secret, no network, no mounts" rather than
// crashing PID 1).
func readCmdline() string {
	data, err := os.ReadFile(cmdlinePath)
	if err != nil {
		return ""
	}
	return string(data)
}

func parseBootConfig(cmdline string) bootConfig {
	var cfg bootConfig
	cfg.NetworkEnabled = networkEnabledFromCmdline(cmdline)
	for _, tok := range strings.Fields(cmdline) {
		switch {
		case strings.HasPrefix(tok, "voidbox.secret="):
			cfg.Secret = strings.TrimPrefix(tok, "voidbox.secret=")
		case strings.HasPrefix(tok, "voidbox.clock="):
			secs, err := strconv.ParseInt(strings.TrimPrefix(tok, "voidbox.clock="), 10, 64)
			if err == nil {
				cfg.ClockEpoch = secs
				cfg.HasClockEpoch = true
			}
		case strings.HasPrefix(tok, "voidbox.oci_rootfs_dev="):
			cfg.OCIRootfsDev = strings.TrimPrefix(tok, "voidbox.oci_rootfs_dev=")
		case strings.HasPrefix(tok, "voidbox.mount") && strings.Contains(tok, "="):
			if m, ok := parseMountToken(tok); ok {
				cfg.Mounts = append(cfg.Mounts, m)
			}
		case strings.HasPrefix(tok, "voidbox.resource_limits="):
			if limits, ok := parseResourceLimitsToken(strings.TrimPrefix(tok, "voidbox.resource_limits=")); ok {
				cfg.ResourceLimits = limits
				cfg.HasResourceLimits = true
			}
		case strings.HasPrefix(tok, "voidbox.allowed_commands="):
			cfg.CommandAllowlist = parseAllowedCommandsToken(strings.TrimPrefix(tok, "voidbox.allowed_commands="))
		}
	}
	return cfg
}

// parseResourceLimitsToken parses a voidbox.resource_limits=<open>:<procs>:<size>
// token, matching the field order vmm.Config.KernelCmdline emits.
func parseResourceLimitsToken(value string) (ociroot.ResourceLimits, bool) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return ociroot.ResourceLimits{}, false
	}
	openFiles, err1 := strconv.ParseUint(parts[0], 10, 64)
	procs, err2 := strconv.ParseUint(parts[1], 10, 64)
	fileSize, err3 := strconv.ParseUint(parts[2], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ociroot.ResourceLimits{}, false
	}
	return ociroot.ResourceLimits{MaxOpenFiles: openFiles, MaxProcesses: procs, MaxFileSize: fileSize}, true
}

// parseAllowedCommandsToken decodes the base64 newline-joined command list
// vmm.Config.KernelCmdline emits for CommandAllowlist. A malformed token
// degrades to "allow all", same as an absent one.
func parseAllowedCommandsToken(encoded string) []string {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(decoded) == 0 {
		return nil
	}
	return strings.Split(string(decoded), "\n")
}

// parseMountToken parses one voidbox.mount<N>=<tag>:<guest_path>:<ro|rw>
// token, matching original_source/guest-agent/src/main.rs: mount_shared_dirs.
func parseMountToken(tok string) (ociroot.SharedMount, bool) {
	eq := strings.IndexByte(tok, '=')
	if eq < 0 {
		return ociroot.SharedMount{}, false
	}
	value := tok[eq+1:]
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 {
		return ociroot.SharedMount{}, false
	}
	readOnly := true
	if len(parts) == 3 {
		readOnly = parts[2] != "rw"
	}
	return ociroot.SharedMount{Tag: parts[0], GuestPath: parts[1], ReadOnly: readOnly}, true
}

// parseSessionSecret validates the cmdline secret is well-formed 64-char hex
// (32 bytes), returning ok=false otherwise -- matching
// parse_session_secret's strict length/hex check.
func parseSessionSecret(raw string) (secret string, ok bool) {
	if len(raw) != 64 {
		return "", false
	}
	for _, r := range raw {
		if !isHexDigit(r) {
			return "", false
		}
	}
	return raw, true
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
