package ociroot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestMountStringFormats(t *testing.T) {
	cases := []struct {
		m    Mount
		want string
	}{
		{Mount{Source: "/a", Target: "/b", Flags: unix.MS_BIND | unix.MS_RDONLY}, "bind[/a:/b:ro]"},
		{Mount{Source: "/a", Target: "/b", Flags: unix.MS_BIND}, "bind[/a:/b:rw]"},
		{Mount{Source: "tmpfs", Target: "/tmp", FsType: "tmpfs"}, "tmpfs[/tmp]"},
	}
	for _, c := range cases {
		if got := c.m.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestMountIsBindMountAndIsReadOnly(t *testing.T) {
	bindRO := Mount{Flags: unix.MS_BIND | unix.MS_RDONLY}
	if !bindRO.IsBindMount() || !bindRO.IsReadOnly() {
		t.Fatalf("expected bind+readonly mount to report both true")
	}
	tmpfs := Mount{FsType: "tmpfs"}
	if tmpfs.IsBindMount() || tmpfs.IsReadOnly() {
		t.Fatalf("tmpfs mount should not report bind or readonly")
	}
}

func TestBuilderAccumulatesMountsInOrder(t *testing.T) {
	b := NewBuilder().
		WithBind("/usr", "/mnt/newroot/usr", true).
		WithTmpfs("/mnt/newroot/tmp", "mode=1777").
		WithOverlay("/lower", "/upper", "/work", "/mnt/newroot")

	if len(b.Mounts) != 3 {
		t.Fatalf("len(Mounts) = %d, want 3", len(b.Mounts))
	}
	if b.Mounts[0].Target != "/mnt/newroot/usr" || !b.Mounts[0].IsReadOnly() {
		t.Errorf("bind mount not recorded correctly: %+v", b.Mounts[0])
	}
	if b.Mounts[2].FsType != "overlay" || b.Mounts[2].Data == "" {
		t.Errorf("overlay mount missing options: %+v", b.Mounts[2])
	}
}

func TestResolveLowerdirMissingDir(t *testing.T) {
	_, status, err := resolveLowerdir(Source{DirPath: "/nonexistent/oci/root"})
	if err == nil {
		t.Fatalf("expected error for missing directory")
	}
	if status != StatusRootfsPathMissing {
		t.Fatalf("status = %q, want %q", status, StatusRootfsPathMissing)
	}
}

func TestResolveLowerdirEmptyDir(t *testing.T) {
	dir := t.TempDir()
	_, status, err := resolveLowerdir(Source{DirPath: dir})
	if err == nil {
		t.Fatalf("expected error for empty directory")
	}
	if status != StatusRootfsPathEmpty {
		t.Fatalf("status = %q, want %q", status, StatusRootfsPathEmpty)
	}
}

func TestResolveLowerdirValidDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "etc"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	lowerdir, _, err := resolveLowerdir(Source{DirPath: dir})
	if err != nil {
		t.Fatalf("resolveLowerdir: %v", err)
	}
	if lowerdir != dir {
		t.Fatalf("lowerdir = %q, want %q", lowerdir, dir)
	}
}

func TestResolveLowerdirNoSourceConfigured(t *testing.T) {
	_, status, err := resolveLowerdir(Source{})
	if err == nil {
		t.Fatalf("expected error when neither BlockDevPath nor DirPath is set")
	}
	if status != StatusNoOCIRootfs {
		t.Fatalf("status = %q, want %q", status, StatusNoOCIRootfs)
	}
}

func TestWaitForPathReturnsImmediatelyWhenPresent(t *testing.T) {
	dir := t.TempDir()
	start := time.Now()
	if !waitForPath(dir, time.Second) {
		t.Fatalf("expected waitForPath to find an existing path")
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("waitForPath took too long for an already-present path")
	}
}

func TestWaitForPathTimesOut(t *testing.T) {
	if waitForPath("/nonexistent/device/node", 150*time.Millisecond) {
		t.Fatalf("expected waitForPath to time out for a path that never appears")
	}
}

func TestStageBinariesCopiesAndSymlinks(t *testing.T) {
	hostDir := t.TempDir()
	root := t.TempDir()

	hostBin := filepath.Join(hostDir, "busybox")
	if err := os.WriteFile(hostBin, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	stageBinaries(root, []StagedBinary{{
		HostPath:  hostBin,
		GuestPath: "bin/busybox",
		Aliases:   []string{"bin/sh", "bin/ls"},
	}})

	dst := filepath.Join(root, "bin", "busybox")
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("staged binary missing: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("staged binary mode = %v, want 0755", info.Mode().Perm())
	}

	for _, alias := range []string{"bin/sh", "bin/ls"} {
		link := filepath.Join(root, alias)
		target, err := os.Readlink(link)
		if err != nil {
			t.Fatalf("alias %s not a symlink: %v", alias, err)
		}
		if target != "busybox" {
			t.Errorf("alias %s -> %q, want %q", alias, target, "busybox")
		}
	}
}

func TestStageBinariesSkipsMissingHostPath(t *testing.T) {
	root := t.TempDir()
	stageBinaries(root, []StagedBinary{{HostPath: "/nonexistent", GuestPath: "bin/foo"}})
	if _, err := os.Stat(filepath.Join(root, "bin", "foo")); err == nil {
		t.Fatalf("expected no file to be staged when the host source is missing")
	}
}

func TestResourceLimitsApplySkipsZeroFields(t *testing.T) {
	var before unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_FSIZE, &before); err != nil {
		t.Skipf("getrlimit unsupported in this environment: %v", err)
	}

	r := ResourceLimits{} // every field zero
	if err := r.Apply(); err != nil {
		t.Fatalf("Apply with all-zero limits should be a no-op: %v", err)
	}

	var after unix.Rlimit
	_ = unix.Getrlimit(unix.RLIMIT_FSIZE, &after)
	if after.Cur != before.Cur || after.Max != before.Max {
		t.Fatalf("RLIMIT_FSIZE changed despite MaxFileSize being zero")
	}
}
