package client

import (
	"time"

	"github.com/the-void-ia/void-box/internal/runtimeconfig"
	"github.com/the-void-ia/void-box/internal/vmm"
)

// Config is the fully-resolved, per-Sandbox configuration produced by
// applying a Create call's Options over runtimeconfig's host-level
// defaults. It holds concrete values rather than exposing vmm.Config
// directly, mirroring how original_source/src/vmm/config.rs's
// VoidBoxConfig sits behind its own builder; the functional-options style
// below is the Go translation of that builder, the way
// buildkite-cleanroom/client/client.go's Option configures New.
type Config struct {
	MemoryMB uint64
	VCPUs    uint32

	KernelPath    string
	InitramfsPath string

	// OCIRootfsDevPath, when set directly, points at an already-materialized
	// ext4 image. ImageRef is the higher-level alternative: Create resolves
	// it through internal/imagemgr and fills this in.
	OCIRootfsDevPath string
	ImageRef         string

	Network bool
	CID     uint32

	Mounts []vmm.Mount

	ExtraCmdline string

	Security SecurityConfig

	// LaunchTimeout bounds the whole boot-and-handshake sequence, matching
	// runtimeconfig's launch_seconds.
	LaunchTimeout time.Duration
}

// Option configures a Sandbox at Create time.
type Option func(*Config)

func WithMemoryMB(mb uint64) Option        { return func(c *Config) { c.MemoryMB = mb } }
func WithVCPUs(n uint32) Option            { return func(c *Config) { c.VCPUs = n } }
func WithKernel(path string) Option        { return func(c *Config) { c.KernelPath = path } }
func WithInitramfs(path string) Option     { return func(c *Config) { c.InitramfsPath = path } }
func WithNetwork(enabled bool) Option      { return func(c *Config) { c.Network = enabled } }
func WithCID(cid uint32) Option            { return func(c *Config) { c.CID = cid } }
func WithExtraCmdline(s string) Option     { return func(c *Config) { c.ExtraCmdline = s } }
func WithSecurity(sec SecurityConfig) Option {
	return func(c *Config) { c.Security = sec }
}
func WithLaunchTimeout(d time.Duration) Option {
	return func(c *Config) { c.LaunchTimeout = d }
}

// WithOCIRootfsDev points the sandbox directly at an already-materialized
// ext4 rootfs image, bypassing internal/imagemgr. Most callers want
// WithImageRef instead.
func WithOCIRootfsDev(path string) Option {
	return func(c *Config) { c.OCIRootfsDevPath = path }
}

// WithImageRef selects the OCI image (by digest reference) Create resolves
// via internal/imagemgr before booting.
func WithImageRef(ref string) Option {
	return func(c *Config) { c.ImageRef = ref }
}

// WithMount attaches one host directory to the guest over virtio-9p.
func WithMount(tag, hostPath, guestPath string, readOnly bool) Option {
	return func(c *Config) {
		c.Mounts = append(c.Mounts, vmm.Mount{
			Tag:       tag,
			HostPath:  hostPath,
			GuestPath: guestPath,
			ReadOnly:  readOnly,
		})
	}
}

// defaultConfig seeds a Config from runtimeconfig's on-disk defaults before
// Options are applied.
func defaultConfig() Config {
	rc := runtimeconfig.Default()
	return Config{
		MemoryMB:      uint64(rc.VM.MemoryMiB),
		VCPUs:         uint32(rc.VM.VCPUs),
		KernelPath:    rc.VM.KernelImage,
		CID:           rc.VM.GuestCID,
		Network:       false,
		Security:      DefaultSecurityConfig(),
		LaunchTimeout: time.Duration(rc.VM.LaunchSeconds) * time.Second,
	}
}

func (c Config) toVMMConfig() vmm.Config {
	return vmm.Config{
		MemoryMB:                 c.MemoryMB,
		VCPUs:                    c.VCPUs,
		KernelPath:               c.KernelPath,
		InitramfsPath:            c.InitramfsPath,
		OCIRootfsDevPath:         c.OCIRootfsDevPath,
		Network:                  c.Network,
		EnableVsock:              true,
		CID:                      c.CID,
		EnableSeccomp:            c.Security.EnableSeccomp,
		Mounts:                   c.Mounts,
		CommandAllowlist:         c.Security.CommandAllowlist,
		NetworkDenyCIDRs:         c.Security.NetworkDenyCIDRs,
		ResourceLimits:           c.Security.ResourceLimits,
		MaxConcurrentConnections: c.Security.MaxConcurrentConnections,
		MaxConnectionsPerSecond:  c.Security.MaxNewConnectionsPerSecond,
		ExtraCmdline:             c.ExtraCmdline,
		SessionSecret:            c.Security.SessionSecret,
	}
}
