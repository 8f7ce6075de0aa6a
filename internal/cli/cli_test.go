package cli

import (
	"errors"
	"fmt"
	"testing"
)

func TestExitCodeErrorReturnsItsCode(t *testing.T) {
	err := exitCodeError{code: 17}
	if err.ExitCode() != 17 {
		t.Fatalf("ExitCode() = %d, want 17", err.ExitCode())
	}
	if err.Error() == "" {
		t.Fatalf("expected non-empty error message")
	}
}

func TestExitCodeUnwrapsWrappedExitCodeError(t *testing.T) {
	wrapped := fmt.Errorf("exec failed: %w", exitCodeError{code: 3})
	if got := ExitCode(wrapped); got != 3 {
		t.Fatalf("ExitCode(wrapped) = %d, want 3", got)
	}
}

func TestExitCodeDefaultsToOneForPlainErrors(t *testing.T) {
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode(plain error) = %d, want 1", got)
	}
}

func TestResolveCWDWithoutChdir(t *testing.T) {
	got, err := resolveCWD("/repo", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/repo" {
		t.Fatalf("resolveCWD = %q, want /repo", got)
	}
}

func TestResolveCWDWithRelativeChdir(t *testing.T) {
	got, err := resolveCWD("/repo", "sub/dir")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/repo/sub/dir" {
		t.Fatalf("resolveCWD = %q, want /repo/sub/dir", got)
	}
}

func TestResolveCWDWithAbsoluteChdirIgnoresBase(t *testing.T) {
	got, err := resolveCWD("/repo", "/elsewhere")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/elsewhere" {
		t.Fatalf("resolveCWD = %q, want /elsewhere", got)
	}
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := newLogger("not-a-level", "test"); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestNewLoggerDefaultsToInfo(t *testing.T) {
	logger, err := newLogger("", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestCheckKVMAccessReportsMissingDevice(t *testing.T) {
	checks := checkKVMAccess()
	if len(checks) != 1 || checks[0].Name != "dev_kvm" {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if checks[0].Status != "pass" && checks[0].Status != "fail" {
		t.Fatalf("unexpected status: %q", checks[0].Status)
	}
}

func TestCheckVsockAccessWarnsRatherThanFails(t *testing.T) {
	checks := checkVsockAccess()
	if len(checks) != 1 || checks[0].Name != "vhost_vsock" {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if checks[0].Status == "fail" {
		t.Fatalf("vhost_vsock absence should warn, not fail: %+v", checks[0])
	}
}

func TestCheckMkfsExt4ReturnsSingleCheck(t *testing.T) {
	check := checkMkfsExt4()
	if check.Name != "mkfs_ext4" {
		t.Fatalf("unexpected check name: %q", check.Name)
	}
	if check.Status != "pass" && check.Status != "warn" {
		t.Fatalf("unexpected status: %q", check.Status)
	}
}
