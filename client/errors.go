package client

import (
	"fmt"

	"github.com/the-void-ia/void-box/internal/ociroot"
)

// ConfigError reports an invalid Sandbox configuration: a missing kernel
// image, a nonexistent mount source, or conflicting options. The sandbox
// never boots when this is returned.
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("voidbox: invalid config: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("voidbox: invalid config: %s", e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// BootError reports a failure constructing or starting the VM itself: KVM
// unavailable, guest memory allocation failed, or the kernel/initramfs could
// not be loaded.
type BootError struct {
	Stage string
	Err   error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("voidbox: boot failed at %s: %v", e.Stage, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// HandshakeError reports that the vsock connect-retry budget, or the
// per-attempt Ping/Pong window, was exhausted before a session was
// established.
type HandshakeError struct {
	Attempts int
	Err      error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("voidbox: handshake failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// ProtocolError reports a framing violation on an established connection: an
// oversize length, an unknown message type, or a malformed payload. The
// connection is always closed when this is returned.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("voidbox: protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// GuestRejected reports that the guest agent refused a request: the session
// secret did not match, or the requested program is not in the command
// allowlist.
type GuestRejected struct {
	Reason string
}

func (e *GuestRejected) Error() string {
	return fmt.Sprintf("voidbox: guest rejected request: %s", e.Reason)
}

// GuestExec reports that the guest agent could not spawn the requested
// child process, or that applying rlimits/dropping privileges failed before
// exec.
type GuestExec struct {
	Err error
}

func (e *GuestExec) Error() string {
	return fmt.Sprintf("voidbox: guest could not execute command: %v", e.Err)
}

func (e *GuestExec) Unwrap() error { return e.Err }

// Timeout reports that an exec ran out of time: either the host-side
// deadline expired before ExecResponse arrived, or the guest's watchdog
// killed the command. Stdout/Stderr carry whatever output was captured
// before the deadline fired.
type Timeout struct {
	TimeoutMs uint64
	Stdout    []byte
	Stderr    []byte
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("voidbox: exec timed out after %dms", e.TimeoutMs)
}

// OciRootfsError reports that the guest's OCI root switch failed at one of
// the numbered stages in pivot.go; Status names exactly which stage.
type OciRootfsError struct {
	Status ociroot.Status
	Err    error
}

func (e *OciRootfsError) Error() string {
	return fmt.Sprintf("voidbox: OCI rootfs setup failed at stage %q: %v", e.Status, e.Err)
}

func (e *OciRootfsError) Unwrap() error { return e.Err }
