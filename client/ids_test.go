package client

import (
	"errors"
	"strings"
	"testing"
)

func TestNewSandboxIDUsesPrefix(t *testing.T) {
	restore := stubGenerateTypeID(func(prefix string) (string, error) {
		return prefix + "_stubbed", nil
	})
	defer restore()

	id := newSandboxID()
	if id != "vbx_stubbed" {
		t.Fatalf("newSandboxID() = %q, want vbx_stubbed", id)
	}
}

func TestNewExecutionIDUsesPrefix(t *testing.T) {
	restore := stubGenerateTypeID(func(prefix string) (string, error) {
		return prefix + "_stubbed", nil
	})
	defer restore()

	id := newExecutionID()
	if id != "exec_stubbed" {
		t.Fatalf("newExecutionID() = %q, want exec_stubbed", id)
	}
}

func TestNewIDFallsBackWhenGeneratorFails(t *testing.T) {
	restore := stubGenerateTypeID(func(prefix string) (string, error) {
		return "", errors.New("generator unavailable")
	})
	defer restore()

	id := newID("vbx")
	if !strings.HasPrefix(id, "vbx-") {
		t.Fatalf("newID fallback = %q, want vbx-<unix-nano> prefix", id)
	}
}

func stubGenerateTypeID(f func(string) (string, error)) func() {
	original := generateTypeID
	generateTypeID = f
	return func() { generateTypeID = original }
}
