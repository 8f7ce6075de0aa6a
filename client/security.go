package client

import "github.com/the-void-ia/void-box/internal/vmm"

// SecurityConfig groups every security-relevant knob into one object
// instead of flattening them into loose Sandbox options: the session
// secret, guest command allowlist, guest resource limits, network deny
// list, and whether the VMM thread installs its seccomp-bpf filter.
// Grounded on original_source/src/vmm/config.rs, whose own security fields
// are collected the same way rather than scattered across VoidBoxConfig;
// none of them have a "just turn it off" default without a concrete need,
// a posture this type preserves by only ever being constructed through
// DefaultSecurityConfig plus explicit field overrides.
type SecurityConfig struct {
	// SessionSecret authenticates the Ping handshake and every ExecRequest.
	// Left empty, Create generates a random 32-byte secret.
	SessionSecret string

	// CommandAllowlist restricts the program basenames the guest agent will
	// exec. A nil/empty list means "allow all" -- a sandbox that wants to be
	// locked down sets this explicitly rather than relying on a default.
	CommandAllowlist []string

	ResourceLimits vmm.ResourceLimits

	// NetworkDenyCIDRs are refused as destinations regardless of any allow
	// rule a policy configures. DefaultSecurityConfig sets it to
	// 169.254.0.0/16 (the cloud metadata range); the list is passed to the
	// VMM as is, so a caller that replaces it also replaces that entry.
	NetworkDenyCIDRs []string

	// MaxConcurrentConnections caps the NAT stack's open TCP flow table.
	// Zero falls back to vmm.DefaultMaxConcurrentConnections.
	MaxConcurrentConnections int

	// MaxNewConnectionsPerSecond rate-limits guest-initiated TCP SYNs.
	// Zero falls back to vmm.DefaultMaxConnectionsPerSecond.
	MaxNewConnectionsPerSecond int

	EnableSeccomp bool
}

// DefaultSecurityConfig returns the baseline every Sandbox gets unless a
// caller overrides fields explicitly: no command restriction, the guest
// agent's default rlimits, the link-local metadata range denied, and the
// VMM seccomp filter installed.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ResourceLimits:             vmm.DefaultResourceLimits(),
		NetworkDenyCIDRs:           []string{"169.254.0.0/16"},
		MaxConcurrentConnections:   vmm.DefaultMaxConcurrentConnections,
		MaxNewConnectionsPerSecond: vmm.DefaultMaxConnectionsPerSecond,
		EnableSeccomp:              true,
	}
}
