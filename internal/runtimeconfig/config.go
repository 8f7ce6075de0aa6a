// Package runtimeconfig loads the user-level defaults for a voidbox VM:
// vCPU/memory shape, boot kernel, rootfs disk, and guest-port wiring. It is
// read once per `voidbox` invocation and merged with command-line flags.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of ~/.config/voidbox/config.yaml.
type Config struct {
	VM       VMConfig       `yaml:"vm"`
	Services ServicesConfig `yaml:"services"`
}

// VMConfig holds the defaults used to construct a micro-VM when a command
// does not override them explicitly.
type VMConfig struct {
	KernelImage   string `yaml:"kernel_image"`
	RootFS        string `yaml:"rootfs"`
	VCPUs         int64  `yaml:"vcpus"`
	MemoryMiB     int64  `yaml:"memory_mib"`
	GuestCID      uint32 `yaml:"guest_cid"`
	GuestPort     uint32 `yaml:"guest_port"`
	LaunchSeconds int64  `yaml:"launch_seconds"` // VM boot/guest-agent readiness timeout
}

// ServicesConfig holds defaults for optional guest-side services.
type ServicesConfig struct {
	Docker DockerServiceConfig `yaml:"docker"`
}

// DockerServiceConfig configures the optional in-guest Docker daemon used by
// workloads that need nested containers.
type DockerServiceConfig struct {
	StartupTimeoutSeconds int64  `yaml:"startup_timeout_seconds"`
	StorageDriver         string `yaml:"storage_driver"`
	IPTables              bool   `yaml:"iptables"`
}

// Path returns the on-disk location of the user config file, honoring
// XDG_CONFIG_HOME and falling back to ~/.config.
func Path() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "voidbox", "config.yaml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "voidbox", "config.yaml"), nil
}

// Load reads and parses the config file at Path, returning a zero Config
// (not an error) if the file does not exist yet.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, path, nil
		}
		return Config{}, path, fmt.Errorf("read %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, path, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, path, nil
}

// Default returns the baked-in defaults written by `voidbox config init`.
func Default() Config {
	return Config{
		VM: VMConfig{
			VCPUs:         2,
			MemoryMiB:     512,
			GuestCID:      3,
			GuestPort:     5000,
			LaunchSeconds: 20,
		},
		Services: ServicesConfig{
			Docker: DockerServiceConfig{
				StartupTimeoutSeconds: 20,
				StorageDriver:         "vfs",
				IPTables:              false,
			},
		},
	}
}
