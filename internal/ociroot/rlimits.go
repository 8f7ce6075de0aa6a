package ociroot

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ResourceLimits mirrors vmm.ResourceLimits on the guest side: the three
// rlimits the agent actually applies to every spawned command.
// RLIMIT_AS is deliberately not represented — see Apply's doc comment.
type ResourceLimits struct {
	MaxOpenFiles uint64
	MaxProcesses uint64
	MaxFileSize  uint64
}

// Apply sets each configured rlimit on the calling process (the guest
// agent applies these to itself just before exec, so the child inherits
// them). Adapted from Zqzqsb-Sandbox/pkg/rlimit/rlimit.go's
// PrepareRLimit/getRlimit pattern, narrowed to the three resources
// original_source/guest-agent/src/main.rs's ResourceLimits::apply sets.
//
// RLIMIT_AS is intentionally never set here: the reference tried it and
// reverted, because JS-engine workloads (the primary guest payload) reserve
// large virtual address ranges for their heap and JIT code cache that they
// never fully commit, and a tight RLIMIT_AS kills them on startup before
// they allocate anything real.
func (r ResourceLimits) Apply() error {
	limits := []struct {
		name string
		res  int
		cur  uint64
	}{
		{"NOFILE", unix.RLIMIT_NOFILE, r.MaxOpenFiles},
		{"NPROC", unix.RLIMIT_NPROC, r.MaxProcesses},
		{"FSIZE", unix.RLIMIT_FSIZE, r.MaxFileSize},
	}
	for _, l := range limits {
		if l.cur == 0 {
			continue
		}
		rlim := unix.Rlimit{Cur: l.cur, Max: l.cur}
		if err := unix.Setrlimit(l.res, &rlim); err != nil {
			return fmt.Errorf("ociroot: setrlimit %s: %w", l.name, err)
		}
	}
	return nil
}
