package client

import (
	"errors"
	"strings"
	"testing"

	"github.com/the-void-ia/void-box/internal/ociroot"
)

func TestErrorMessagesIncludeContext(t *testing.T) {
	wrapped := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want []string
	}{
		{"ConfigError", &ConfigError{Reason: "missing kernel", Err: wrapped}, []string{"invalid config", "missing kernel", "boom"}},
		{"BootError", &BootError{Stage: "vmm.Boot", Err: wrapped}, []string{"boot failed", "vmm.Boot", "boom"}},
		{"HandshakeError", &HandshakeError{Attempts: 3, Err: wrapped}, []string{"handshake failed", "3 attempt", "boom"}},
		{"ProtocolError", &ProtocolError{Err: wrapped}, []string{"protocol error", "boom"}},
		{"GuestRejected", &GuestRejected{Reason: "bad secret"}, []string{"guest rejected", "bad secret"}},
		{"GuestExec", &GuestExec{Err: wrapped}, []string{"could not execute", "boom"}},
		{"Timeout", &Timeout{TimeoutMs: 5000}, []string{"timed out", "5000ms"}},
		{"OciRootfsError", &OciRootfsError{Status: ociroot.Status("pivot_failed"), Err: wrapped}, []string{"OCI rootfs setup failed", "pivot_failed", "boom"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg := tc.err.Error()
			for _, want := range tc.want {
				if !strings.Contains(msg, want) {
					t.Errorf("%s.Error() = %q, missing %q", tc.name, msg, want)
				}
			}
		})
	}
}

func TestErrorsUnwrap(t *testing.T) {
	wrapped := errors.New("boom")

	tests := []struct {
		name string
		err  error
	}{
		{"ConfigError", &ConfigError{Err: wrapped}},
		{"BootError", &BootError{Err: wrapped}},
		{"HandshakeError", &HandshakeError{Err: wrapped}},
		{"ProtocolError", &ProtocolError{Err: wrapped}},
		{"GuestExec", &GuestExec{Err: wrapped}},
		{"OciRootfsError", &OciRootfsError{Err: wrapped}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, wrapped) {
				t.Errorf("errors.Is(%s, wrapped) = false, want true", tc.name)
			}
		})
	}
}
