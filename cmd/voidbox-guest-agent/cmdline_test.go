//go:build linux

package main

import (
	"reflect"
	"testing"

	"github.com/the-void-ia/void-box/internal/ociroot"
)

func TestParseBootConfigSecretAndClock(t *testing.T) {
	cfg := parseBootConfig("console=ttyS0 voidbox.secret=" + strHex64() + " voidbox.clock=1700000000")
	if cfg.Secret != strHex64() {
		t.Fatalf("secret = %q", cfg.Secret)
	}
	if !cfg.HasClockEpoch || cfg.ClockEpoch != 1700000000 {
		t.Fatalf("clock = %d, has=%v", cfg.ClockEpoch, cfg.HasClockEpoch)
	}
}

func TestParseBootConfigNetworkToken(t *testing.T) {
	cfg := parseBootConfig("console=ttyS0 virtio_mmio.device=512@0xd0000000:10 ipv6.disable=1")
	if !cfg.NetworkEnabled {
		t.Fatalf("expected NetworkEnabled")
	}
}

func TestParseBootConfigMounts(t *testing.T) {
	cfg := parseBootConfig("voidbox.mount0=workspace:/workspace:rw voidbox.mount1=ro-data:/mnt/data:ro")
	want := []ociroot.SharedMount{
		{Tag: "workspace", GuestPath: "/workspace", ReadOnly: false},
		{Tag: "ro-data", GuestPath: "/mnt/data", ReadOnly: true},
	}
	if !reflect.DeepEqual(cfg.Mounts, want) {
		t.Fatalf("mounts = %+v, want %+v", cfg.Mounts, want)
	}
}

func TestParseBootConfigResourceLimits(t *testing.T) {
	cfg := parseBootConfig("voidbox.resource_limits=2048:256:52428800")
	if !cfg.HasResourceLimits {
		t.Fatalf("expected HasResourceLimits")
	}
	want := ociroot.ResourceLimits{MaxOpenFiles: 2048, MaxProcesses: 256, MaxFileSize: 52428800}
	if cfg.ResourceLimits != want {
		t.Fatalf("limits = %+v, want %+v", cfg.ResourceLimits, want)
	}
}

func TestParseBootConfigResourceLimitsMalformedIsIgnored(t *testing.T) {
	cfg := parseBootConfig("voidbox.resource_limits=not-a-number:1:2")
	if cfg.HasResourceLimits {
		t.Fatalf("expected HasResourceLimits to stay false on malformed token")
	}
}

func TestParseBootConfigAllowedCommands(t *testing.T) {
	// base64 of "node\nnpm\nyarn"
	cfg := parseBootConfig("voidbox.allowed_commands=bm9kZQpucG0KeWFybg==")
	want := []string{"node", "npm", "yarn"}
	if !reflect.DeepEqual(cfg.CommandAllowlist, want) {
		t.Fatalf("allowlist = %v, want %v", cfg.CommandAllowlist, want)
	}
}

func TestParseBootConfigAllowedCommandsAbsentMeansAllowAll(t *testing.T) {
	cfg := parseBootConfig("console=ttyS0")
	if cfg.CommandAllowlist != nil {
		t.Fatalf("expected nil allowlist, got %v", cfg.CommandAllowlist)
	}
}

func TestParseSessionSecretRejectsWrongLength(t *testing.T) {
	if _, ok := parseSessionSecret("abc"); ok {
		t.Fatalf("expected short secret to be rejected")
	}
}

func TestParseSessionSecretRejectsNonHex(t *testing.T) {
	bad := strHex64()[:63] + "z"
	if _, ok := parseSessionSecret(bad); ok {
		t.Fatalf("expected non-hex secret to be rejected")
	}
}

func TestParseSessionSecretAcceptsValidHex(t *testing.T) {
	secret, ok := parseSessionSecret(strHex64())
	if !ok || secret != strHex64() {
		t.Fatalf("expected valid hex secret to be accepted, got %q ok=%v", secret, ok)
	}
}

func strHex64() string {
	return "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
}
