// Package vsockconn is the thin host-side half of the AF_VSOCK transport
// between the VMM and a guest's vsock listener: dialing the guest's CID over
// the kernel's vhost-vsock backend. The guest side (cmd/voidbox-guest-agent)
// never imports this package — it calls vsock.Listen directly, since it has
// no host to dial back to, only a port to accept on.
package vsockconn

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mdlayher/vsock"
)

// GuestPort is the fixed port the guest agent listens on, matching
// original_source/guest-agent/src/main.rs: LISTEN_PORT.
const GuestPort = 1234

// Dial connects to a guest's vsock listener at cid:GuestPort, retrying with
// bounded backoff until ctx is done: the guest agent's listener may not be
// bound yet in the first tens of milliseconds after the vCPU starts
// executing, matching client's handshake retry loop (see SPEC_FULL.md §4.2).
func Dial(ctx context.Context, cid uint32) (net.Conn, error) {
	backoff := 20 * time.Millisecond
	const maxBackoff = 500 * time.Millisecond

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("vsockconn: dial cid %d: %w (last error: %v)", cid, ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("vsockconn: dial cid %d: %w", cid, ctx.Err())
		default:
		}

		conn, err := vsock.Dial(cid, GuestPort, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("vsockconn: dial cid %d: %w (last error: %v)", cid, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
