package ociroot

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Status records how far SetupRootfs got, for the guest agent's own
// diagnostics surface and for tests. Names match
// original_source/guest-agent/src/main.rs's OCI_SETUP_STATUS string states
// one-for-one so a log line referencing e.g. "overlay-mount-failed" means
// the same thing it always has.
type Status string

const (
	StatusStarting               Status = "starting"
	StatusCmdlineReadFailed       Status = "cmdline-read-failed"
	StatusNoOCIRootfs             Status = "no-oci-rootfs"
	StatusBlockMountFailed        Status = "block-mount-failed"
	StatusRootfsPathMissing       Status = "rootfs-path-missing"
	StatusRootfsPathEmpty         Status = "rootfs-path-empty"
	StatusMkdirFailed             Status = "mkdir-failed"
	StatusOverlayTmpfsMountFailed Status = "overlay-tmpfs-mount-failed"
	StatusOverlayDirCreateFailed  Status = "overlay-dir-create-failed"
	StatusOverlayMountFailed      Status = "overlay-mount-failed"
	StatusPivotRootEBUSY          Status = "pivot-root-ebusy"
	StatusPivotRootEPERM          Status = "pivot-root-eperm"
	StatusPivotRootENOENT         Status = "pivot-root-enoent"
	StatusPivotRootFailed         Status = "pivot-root-failed"
	StatusSwitchRootMoveFailed    Status = "switch-root-move-failed"
	StatusSwitchRootChrootFailed  Status = "switch-root-chroot-failed"
	StatusOKSwitchRoot            Status = "ok-switch-root"
	StatusOK                      Status = "ok"
)

const (
	newroot     = "/mnt/newroot"
	overlayBase = "/mnt/overlay-tmp"
	overlayOld  = "/mnt/oldroot"
)

// Source describes where the OCI base image's read-only layer comes from:
// either a raw ext4 block device (virtio-blk) or an already-mounted
// directory (virtiofs/9p, staged in by the caller before SetupRootfs runs).
type Source struct {
	BlockDevPath string
	DirPath      string
}

// Config bundles the pieces SetupRootfs needs beyond the image source:
// binaries to stage into the new root so control-plane commands keep
// working even against a minimal OCI image, and the DNS contents to
// recreate once the old root's resolv.conf becomes unreachable.
type Config struct {
	Source Source

	// StageBinaries maps a host-visible source path (usually under the
	// initramfs) to its destination path relative to the new root, applied
	// if the source exists and the destination doesn't already. Mirrors
	// stage_bootstrap_tools_into_newroot / stage_claude_into_newroot.
	StageBinaries []StagedBinary

	ResolvConf string
}

// StagedBinary is one executable copied from the initramfs into the OCI
// overlay root, plus the symlink aliases pointing at it.
type StagedBinary struct {
	HostPath  string
	GuestPath string
	Aliases   []string
}

// blockDevWaitTimeout bounds how long SetupRootfs waits for the virtio-blk
// device node to appear before giving up, matching the reference's 40
// retries at 100ms (4s total).
const blockDevWaitTimeout = 4 * time.Second

// SetupRootfs builds an overlay root (OCI image read-only lowerdir + tmpfs
// upperdir) and pivots the guest into it, falling back to move+chroot when
// pivot_root returns EINVAL (the initramfs rootfs cannot itself be
// pivoted). It returns the terminal Status even on failure so the caller
// can log and continue running out of the initramfs rather than panicking:
// a broken OCI setup should degrade, not crash the agent.
func SetupRootfs(cfg Config) (Status, error) {
	lowerdir, status, err := resolveLowerdir(cfg.Source)
	if err != nil {
		return status, err
	}

	if status, err := stageOverlay(lowerdir, cfg.StageBinaries); err != nil {
		return status, err
	}

	status, err = pivotInto(newroot)
	if err != nil {
		return status, err
	}

	finishNewRoot(cfg.ResolvConf)
	return status, nil
}

func resolveLowerdir(src Source) (string, Status, error) {
	if src.BlockDevPath != "" {
		lowerdir, err := mountBlockLowerdir(src.BlockDevPath, func() bool {
			return waitForPath(src.BlockDevPath, blockDevWaitTimeout)
		})
		if err != nil {
			return "", StatusBlockMountFailed, err
		}
		return lowerdir, StatusStarting, nil
	}
	if src.DirPath == "" {
		return "", StatusNoOCIRootfs, fmt.Errorf("ociroot: no OCI rootfs source configured")
	}
	info, err := os.Stat(src.DirPath)
	if err != nil || !info.IsDir() {
		return "", StatusRootfsPathMissing, fmt.Errorf("ociroot: OCI rootfs %s not found", src.DirPath)
	}
	entries, err := os.ReadDir(src.DirPath)
	if err != nil || len(entries) == 0 {
		return "", StatusRootfsPathEmpty, fmt.Errorf("ociroot: OCI rootfs %s is empty", src.DirPath)
	}
	return src.DirPath, StatusStarting, nil
}

func waitForPath(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// stageOverlay mounts the tmpfs that will hold the overlay's upper/work
// directories, mounts the overlay itself at newroot, creates the mount
// points the kernel and agent expect to already exist post-pivot, and
// copies in any staged binaries.
func stageOverlay(lowerdir string, binaries []StagedBinary) (Status, error) {
	for _, dir := range []string{newroot, overlayBase} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return StatusMkdirFailed, fmt.Errorf("ociroot: mkdir %s: %w", dir, err)
		}
	}

	tmpfs := Mount{Source: "tmpfs", Target: overlayBase, FsType: "tmpfs"}
	if err := tmpfs.Apply(); err != nil {
		return StatusOverlayTmpfsMountFailed, err
	}

	upper := filepath.Join(overlayBase, "upper")
	work := filepath.Join(overlayBase, "work")
	for _, dir := range []string{upper, work} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return StatusOverlayDirCreateFailed, fmt.Errorf("ociroot: mkdir %s: %w", dir, err)
		}
	}

	overlay := Mount{Source: "overlay", Target: newroot, FsType: "overlay",
		Data: fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upper, work)}
	if err := overlay.Apply(); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: overlay mount failed (kernel may lack CONFIG_OVERLAY_FS): %w", err)
	}

	if err := ensureDirs(newroot, []string{
		"proc", "sys", "dev", "tmp", "workspace", "home/sandbox",
		"etc/voidbox", "usr/local/bin", "lib/modules", "mnt/oldroot",
	}); err != nil {
		return StatusMkdirFailed, err
	}

	stageBinaries(newroot, binaries)

	for _, mountPoint := range []string{"/proc", "/sys", "/dev"} {
		m := Mount{Source: mountPoint, Target: filepath.Join(newroot, mountPoint), Flags: unix.MS_MOVE}
		_ = m.Apply() // best-effort: a failed move here still leaves the pivot usable for exec-only workloads
	}

	return StatusStarting, nil
}

// stageBinaries copies each configured binary into the new root if it
// isn't already present and recreates its alias symlinks, matching
// stage_bootstrap_tools_into_newroot / stage_claude_into_newroot.
func stageBinaries(root string, binaries []StagedBinary) {
	for _, b := range binaries {
		if _, err := os.Stat(b.HostPath); err != nil {
			continue
		}
		dst := filepath.Join(root, b.GuestPath)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			continue
		}
		if err := copyFile(b.HostPath, dst, 0o755); err != nil {
			continue
		}
		for _, alias := range b.Aliases {
			link := filepath.Join(root, alias)
			_ = os.Remove(link)
			_ = os.Symlink(filepath.Base(b.GuestPath), link)
		}
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// pivotInto switches the mount namespace's root to dir, trying pivot_root
// first and falling back to MS_MOVE("/")+chroot when pivot_root reports
// EINVAL — the case where the current root is itself an initramfs that
// cannot be pivoted away from. Matches
// original_source/guest-agent/src/main.rs: setup_oci_rootfs's pivot/
// switch-root branch.
func pivotInto(dir string) (Status, error) {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return StatusPivotRootFailed, fmt.Errorf("ociroot: make root mount private: %w", err)
	}

	if err := unix.Chdir(dir); err != nil {
		return StatusPivotRootFailed, fmt.Errorf("ociroot: chdir %s: %w", dir, err)
	}

	if err := unix.PivotRoot(".", "mnt/oldroot"); err != nil {
		if err == unix.EINVAL {
			return switchRootFallback()
		}
		status := StatusPivotRootFailed
		switch err {
		case unix.EBUSY:
			status = StatusPivotRootEBUSY
		case unix.EPERM:
			status = StatusPivotRootEPERM
		case unix.ENOENT:
			status = StatusPivotRootENOENT
		}
		return status, fmt.Errorf("ociroot: pivot_root: %w", err)
	}

	_ = unix.Chdir("/")
	_ = unix.Unmount(overlayOld, unix.MNT_DETACH)
	_ = os.RemoveAll(overlayOld)
	return StatusOK, nil
}

func switchRootFallback() (Status, error) {
	if err := unix.Mount(".", "/", "", unix.MS_MOVE, ""); err != nil {
		return StatusSwitchRootMoveFailed, fmt.Errorf("ociroot: switch-root move: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return StatusSwitchRootChrootFailed, fmt.Errorf("ociroot: switch-root chroot: %w", err)
	}
	_ = unix.Chdir("/")
	return StatusOKSwitchRoot, nil
}

// finishNewRoot applies the post-pivot steps common to both the pivot_root
// and switch-root paths: a fresh tmpfs on /tmp, DNS recreated (the old
// root's own resolv.conf is no longer reachable), and ownership of the
// sandbox user's writable directories.
func finishNewRoot(resolvConf string) {
	tmp := Mount{Source: "tmpfs", Target: "/tmp", FsType: "tmpfs", Data: "mode=1777"}
	_ = tmp.Apply()

	_ = os.MkdirAll("/workspace", 0o755)
	_ = os.MkdirAll("/home/sandbox", 0o755)
	_ = os.MkdirAll("/etc/voidbox", 0o755)

	if resolvConf != "" {
		// Remove first: a base image layer may have left a dangling
		// symlink, and writing through it would silently fail.
		_ = os.Remove("/etc/resolv.conf")
		_ = os.WriteFile("/etc/resolv.conf", []byte(resolvConf), 0o644)
	}

	const sandboxUID, sandboxGID = 1000, 1000
	_ = os.Chown("/workspace", sandboxUID, sandboxGID)
	_ = os.Chown("/home/sandbox", sandboxUID, sandboxGID)
}
