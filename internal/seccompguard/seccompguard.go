// Package seccompguard installs a seccomp-bpf filter on the calling thread
// that restricts it to the syscalls the VMM event loop actually needs:
// KVM ioctls, vsock/network sockets, epoll, and guest-memory mmap. Anything
// else kills the thread, not the process, so a compromised or buggy VMM
// thread cannot be used as a springboard into the host while an unrelated
// thread (the CLI, another VM's event loop) keeps running.
package seccompguard

import (
	"fmt"

	seccompbpf "github.com/elastic/go-seccomp-bpf"
)

// syscalls is the VMM event-loop allowlist: KVM_RUN and friends (ioctl,
// mmap/mprotect/munmap for guest memory, read/write/close), vsock and
// network sockets (socket/connect/bind/listen/accept/sendto/recvfrom),
// epoll-based multiplexing, and the handful of libc/runtime syscalls Go's
// own scheduler and signal handling need (futex, clone, rt_sigaction,
// sched_yield). Matches original_source/src/vmm/mod.rs's
// install_seccomp_filter allowed_syscalls list.
var syscalls = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64", "lseek", "close",
	"ioctl", "fcntl", "prctl", "seccomp",
	"epoll_wait", "epoll_ctl", "epoll_create1", "poll", "ppoll", "eventfd2",
	"socket", "connect", "bind", "listen", "accept", "recvfrom", "sendto",
	"setsockopt", "getsockopt",
	"mmap", "munmap", "mprotect", "madvise", "brk", "mremap",
	"clone", "clone3", "set_robust_list", "rseq", "sched_yield", "sched_getaffinity",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack", "tgkill",
	"futex", "clock_gettime", "nanosleep", "getrandom",
	"openat", "newfstatat", "fstat",
	"getpid", "gettid", "exit_group",
}

// Install applies the allowlist filter to the calling OS thread via
// SECCOMP_SET_MODE_FILTER, with SECCOMP_RET_KILL_THREAD as the default
// action for any syscall not on the list. Callers must invoke this from
// inside a goroutine pinned to its OS thread (runtime.LockOSThread) after
// all setup syscalls the event loop will not repeat have already run —
// installing the filter one syscall too early turns a legitimate call into
// a SIGSYS-equivalent thread kill.
func Install() error {
	if err := seccompbpf.LoadFilter(buildFilter()); err != nil {
		return fmt.Errorf("seccompguard: install filter: %w", err)
	}
	return nil
}

func buildFilter() seccompbpf.Filter {
	return seccompbpf.Filter{
		NoNewPrivs: true,
		Policy: seccompbpf.Policy{
			DefaultAction: seccompbpf.ActionKillThread,
			Syscalls: []seccompbpf.SyscallGroup{
				{
					Action: seccompbpf.ActionAllow,
					Names:  syscalls,
				},
			},
		},
	}
}
