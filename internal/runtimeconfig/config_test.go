package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesVMSection(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	configPath := filepath.Join(tmp, "voidbox", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}

	content := `vm:
  kernel_image: /tmp/kernel
  rootfs: /tmp/rootfs.ext4
  vcpus: 4
  memory_mib: 1024
  guest_cid: 3
  guest_port: 5000
  launch_seconds: 30
services:
  docker:
    startup_timeout_seconds: 25
    storage_driver: vfs
    iptables: false
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if path != configPath {
		t.Fatalf("unexpected path: got %q want %q", path, configPath)
	}
	if got, want := cfg.VM.KernelImage, "/tmp/kernel"; got != want {
		t.Fatalf("unexpected kernel image: got %q want %q", got, want)
	}
	if got, want := cfg.VM.VCPUs, int64(4); got != want {
		t.Fatalf("unexpected vcpus: got %d want %d", got, want)
	}
	if got, want := cfg.VM.MemoryMiB, int64(1024); got != want {
		t.Fatalf("unexpected memory_mib: got %d want %d", got, want)
	}
	if got, want := cfg.Services.Docker.StartupTimeoutSeconds, int64(25); got != want {
		t.Fatalf("unexpected docker startup timeout: got %d want %d", got, want)
	}
}

func TestLoadMissingFileReturnsZeroConfig(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if path == "" {
		t.Fatal("expected a non-empty path even when the file is missing")
	}
	if cfg != (Config{}) {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestDefaultProducesUsableVMShape(t *testing.T) {
	cfg := Default()
	if cfg.VM.VCPUs <= 0 {
		t.Fatal("expected a positive default vcpu count")
	}
	if cfg.VM.MemoryMiB <= 0 {
		t.Fatal("expected a positive default memory size")
	}
	if cfg.VM.GuestPort == 0 {
		t.Fatal("expected a nonzero default guest port")
	}
}
