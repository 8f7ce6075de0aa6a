package vmm

import (
	"strings"
	"testing"
)

func TestValidateRejectsOutOfRangeMemory(t *testing.T) {
	cfg := Config{MemoryMB: 8, VCPUs: 1, KernelPath: "/boot/vmlinux"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for memory_mb below minimum")
	}
}

func TestValidateRejectsMissingKernel(t *testing.T) {
	cfg := Config{MemoryMB: 256, VCPUs: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing kernel path")
	}
}

func TestValidateRejectsLowCID(t *testing.T) {
	cfg := Config{MemoryMB: 256, VCPUs: 1, KernelPath: "/boot/vmlinux", EnableVsock: true, CID: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for cid below 3")
	}
}

func TestValidateAcceptsReasonableConfig(t *testing.T) {
	cfg := Config{MemoryMB: 512, VCPUs: 2, KernelPath: "/boot/vmlinux", EnableVsock: true, CID: 3}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewSessionSecretIsHexAndStable(t *testing.T) {
	secret, err := NewSessionSecret()
	if err != nil {
		t.Fatalf("NewSessionSecret: %v", err)
	}
	if len(secret) != 64 {
		t.Fatalf("secret length = %d, want 64", len(secret))
	}
	for _, c := range secret {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("secret contains non-hex rune %q", c)
		}
	}
}

func TestKernelCmdlineOmitsDeviceTokensWhenDisabled(t *testing.T) {
	cfg := Config{SessionSecret: "deadbeef"}
	line := cfg.KernelCmdline(0)

	if strings.Contains(line, "virtio_mmio.device") {
		t.Fatalf("cmdline unexpectedly advertises a virtio-mmio device: %q", line)
	}
	if !strings.Contains(line, "nomodules") {
		t.Fatalf("cmdline missing nomodules when vsock disabled: %q", line)
	}
	if !strings.Contains(line, "voidbox.secret=deadbeef") {
		t.Fatalf("cmdline missing session secret: %q", line)
	}
}

func TestKernelCmdlineAddsDeviceTokensWhenEnabled(t *testing.T) {
	cfg := Config{
		Network:          true,
		EnableVsock:       true,
		OCIRootfsDevPath:  "/var/lib/voidbox/rootfs.img",
		Mounts:            []Mount{{Tag: "workspace", HostPath: "/tmp/ws", GuestPath: "/workspace/shared"}},
		SessionSecret:     "deadbeef",
	}
	line := cfg.KernelCmdline(1700000000)

	for _, want := range []string{
		"virtio_mmio.device=512@0xd0000000:10",
		"virtio_mmio.device=512@0xd0800000:11",
		"virtio_mmio.device=512@0xd1000000:12",
		"virtio_mmio.device=512@0xd1800000:13",
		"voidbox.oci_rootfs_dev=/dev/vda",
		"voidbox.mount0=workspace:/workspace/shared:rw",
		"root=/dev/vda",
		"voidbox.clock=1700000000",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("cmdline missing %q: %q", want, line)
		}
	}
	if strings.Contains(line, "nomodules") {
		t.Fatalf("cmdline should not disable modules when vsock is enabled: %q", line)
	}
}

func TestKernelCmdlineOmitsRootTokensWithoutBlockDevice(t *testing.T) {
	cfg := Config{SessionSecret: "deadbeef"}
	line := cfg.KernelCmdline(0)
	if strings.Contains(line, "root=/dev/vda") {
		t.Fatalf("cmdline should not set root= without an OCI rootfs device: %q", line)
	}
}

func TestKernelCmdlineEncodesResourceLimits(t *testing.T) {
	cfg := Config{
		SessionSecret:  "deadbeef",
		ResourceLimits: ResourceLimits{MaxOpenFiles: 2048, MaxProcesses: 256, MaxFileSize: 52428800},
	}
	line := cfg.KernelCmdline(0)
	if !strings.Contains(line, "voidbox.resource_limits=2048:256:52428800") {
		t.Fatalf("cmdline missing resource_limits token: %q", line)
	}
}

func TestKernelCmdlineEncodesAllowlistAsBase64(t *testing.T) {
	cfg := Config{SessionSecret: "deadbeef", CommandAllowlist: []string{"node", "npm"}}
	line := cfg.KernelCmdline(0)
	if !strings.Contains(line, "voidbox.allowed_commands=bm9kZQpucG0=") {
		t.Fatalf("cmdline missing allowed_commands token: %q", line)
	}
}

func TestKernelCmdlineOmitsAllowlistTokenWhenEmpty(t *testing.T) {
	cfg := Config{SessionSecret: "deadbeef"}
	line := cfg.KernelCmdline(0)
	if strings.Contains(line, "voidbox.allowed_commands=") {
		t.Fatalf("cmdline should omit allowed_commands token when allowlist is empty: %q", line)
	}
}
