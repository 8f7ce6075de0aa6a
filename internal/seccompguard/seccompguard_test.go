package seccompguard

import "testing"

func TestSyscallAllowlistHasNoDuplicates(t *testing.T) {
	seen := make(map[string]bool, len(syscalls))
	for _, name := range syscalls {
		if seen[name] {
			t.Fatalf("syscall %q listed twice", name)
		}
		seen[name] = true
	}
}

func TestSyscallAllowlistCoversKVMRunPath(t *testing.T) {
	for _, want := range []string{"ioctl", "mmap", "munmap", "mprotect", "read", "write"} {
		found := false
		for _, name := range syscalls {
			if name == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("allowlist missing %q, required for the KVM_RUN dispatch loop", want)
		}
	}
}

func TestFilterPolicyAssembles(t *testing.T) {
	f := buildFilter()
	if _, err := f.Policy.Assemble(); err != nil {
		t.Fatalf("Policy.Assemble: %v", err)
	}
}
