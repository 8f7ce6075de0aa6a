package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/the-void-ia/void-box/internal/ociroot"
	"golang.org/x/sys/unix"
)

// execHelperEnv gates the self-reexec path: execute_command launches
// os.Executable() again with this env var set rather than forking a plain
// child, since Go's os/exec has no equivalent of a pre_exec callback for
// running arbitrary code between fork and execve. Grounded on
// p-arndt-sandkasten/internal/runtime/linux/nsinit.go's own
// IsNsinit/EnvNsinit/EnvConfig self-reexec idiom (env-var gate + JSON config
// in a second env var), narrowed here to rlimits + privilege drop instead of
// sandkasten's namespace setup.
const (
	execHelperEnv       = "VOIDBOX_EXEC_HELPER"
	execHelperConfigEnv = "VOIDBOX_EXEC_HELPER_CONFIG"
)

// execHelperConfig is everything the reexeced helper process needs to set
// up before replacing itself with the real target via execve. Mirrors the
// body of original_source/guest-agent/src/main.rs's pre_exec closure.
type execHelperConfig struct {
	Program        string               `json:"program"`
	Args           []string             `json:"args"`
	Env            []string             `json:"env"`
	WorkingDir     string               `json:"working_dir"`
	ResourceLimits ociroot.ResourceLimits `json:"resource_limits"`
}

func isExecHelper() bool {
	return os.Getenv(execHelperEnv) == "1"
}

// runExecHelper applies rlimits, creates a new process group, drops to the
// sandbox uid/gid, chdirs, and execve's the target in place. It only
// returns on a setup error (the caller, main(), exits the process
// immediately either way -- a successful run never returns).
func runExecHelper() error {
	raw := os.Getenv(execHelperConfigEnv)
	var cfg execHelperConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return fmt.Errorf("exec helper: parse config: %w", err)
	}

	if err := cfg.ResourceLimits.Apply(); err != nil {
		// Non-fatal: a workload that cannot get its rlimits applied should
		// still run, bounded by the VM's own memory/CPU limits.
		fmt.Fprintf(os.Stderr, "exec helper: apply resource limits: %v\n", err)
	}

	if err := unix.Setpgid(0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "exec helper: setpgid: %v\n", err)
	}

	if err := unix.Setgid(sandboxGID); err != nil {
		return fmt.Errorf("exec helper: setgid: %w", err)
	}
	if err := unix.Setuid(sandboxUID); err != nil {
		return fmt.Errorf("exec helper: setuid: %w", err)
	}

	if cfg.WorkingDir != "" {
		if err := unix.Chdir(cfg.WorkingDir); err != nil {
			return fmt.Errorf("exec helper: chdir %s: %w", cfg.WorkingDir, err)
		}
	}

	// Replace the environment wholesale so exec.LookPath resolves the
	// program's PATH the same way the target process will see it.
	os.Clearenv()
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			_ = os.Setenv(k, v)
		}
	}

	resolved, err := exec.LookPath(cfg.Program)
	if err != nil {
		return fmt.Errorf("exec helper: resolve %s: %w", cfg.Program, err)
	}

	argv := append([]string{cfg.Program}, cfg.Args...)
	if err := syscall.Exec(resolved, argv, cfg.Env); err != nil {
		return fmt.Errorf("exec helper: execve %s: %w", resolved, err)
	}
	return nil // unreachable: Exec only returns on error
}
