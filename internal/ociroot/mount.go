// Package ociroot builds the guest's writable root filesystem out of a
// read-only OCI base image plus a tmpfs overlay, and switches into it via
// pivot_root (falling back to a switch-root sequence when the initial root
// cannot itself be pivoted). It also applies the per-exec resource limits
// the guest agent enforces on every spawned command.
package ociroot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mount describes one mount(2) call, mirroring the teacher's mount.Mount
// shape (source/target/fstype/data/flags) but trimmed to what this package
// actually issues: binds, tmpfs, the overlay mount itself, and MS_MOVE.
type Mount struct {
	Source string
	Target string
	FsType string
	Data   string
	Flags  uintptr
}

// IsBindMount reports whether this mount carries MS_BIND.
func (m Mount) IsBindMount() bool {
	return m.Flags&unix.MS_BIND == unix.MS_BIND
}

// IsReadOnly reports whether this mount carries MS_RDONLY.
func (m Mount) IsReadOnly() bool {
	return m.Flags&unix.MS_RDONLY == unix.MS_RDONLY
}

// Apply issues the mount(2) call, creating Target first if it doesn't
// exist. A read-only bind mount requires a second MS_REMOUNT pass: the
// kernel ignores MS_RDONLY on the initial MS_BIND call.
func (m Mount) Apply() error {
	if err := os.MkdirAll(m.Target, 0o755); err != nil {
		return fmt.Errorf("ociroot: mkdir %s: %w", m.Target, err)
	}
	if err := unix.Mount(m.Source, m.Target, m.FsType, m.Flags, m.Data); err != nil {
		return fmt.Errorf("ociroot: mount %s -> %s: %w", m.Source, m.Target, err)
	}
	const bindRO = unix.MS_BIND | unix.MS_RDONLY
	if m.Flags&bindRO == bindRO {
		if err := unix.Mount("", m.Target, m.FsType, m.Flags|unix.MS_REMOUNT, m.Data); err != nil {
			return fmt.Errorf("ociroot: remount %s read-only: %w", m.Target, err)
		}
	}
	return nil
}

func (m Mount) String() string {
	switch {
	case m.IsBindMount():
		mode := "rw"
		if m.IsReadOnly() {
			mode = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, mode)
	case m.FsType == "tmpfs":
		return fmt.Sprintf("tmpfs[%s]", m.Target)
	case m.FsType == "overlay":
		return fmt.Sprintf("overlay[%s,%s]", m.Target, m.Data)
	default:
		return fmt.Sprintf("mount[%s,%s:%s:%x]", m.FsType, m.Source, m.Target, m.Flags)
	}
}

// Builder accumulates Mounts and applies them in order, stopping at the
// first failure. Chain methods mirror the teacher's WithBind/WithTmpfs
// naming.
type Builder struct {
	Mounts []Mount
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithBind(source, target string, readOnly bool) *Builder {
	flags := uintptr(unix.MS_BIND | unix.MS_REC)
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	b.Mounts = append(b.Mounts, Mount{Source: source, Target: target, Flags: flags})
	return b
}

func (b *Builder) WithTmpfs(target, data string) *Builder {
	b.Mounts = append(b.Mounts, Mount{Source: "tmpfs", Target: target, FsType: "tmpfs", Data: data})
	return b
}

func (b *Builder) WithOverlay(lowerdir, upperdir, workdir, target string) *Builder {
	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerdir, upperdir, workdir)
	b.Mounts = append(b.Mounts, Mount{Source: "overlay", Target: target, FsType: "overlay", Data: data})
	return b
}

func (b *Builder) WithMove(source, target string) *Builder {
	b.Mounts = append(b.Mounts, Mount{Source: source, Target: target, Flags: unix.MS_MOVE})
	return b
}

// Apply runs every accumulated mount in order.
func (b *Builder) Apply() error {
	for _, m := range b.Mounts {
		if err := m.Apply(); err != nil {
			return err
		}
	}
	return nil
}

// mountBlockLowerdir mounts an ext4 block device read-only as the OCI
// image's overlay lowerdir, retrying while the virtio-blk device node is
// still being probed by the kernel. Matches
// original_source/guest-agent/src/main.rs: mount_oci_block_lowerdir.
func mountBlockLowerdir(dev string, waitFor func() bool) (string, error) {
	if !waitFor() {
		return "", fmt.Errorf("ociroot: device not found: %s", dev)
	}

	const lowerdir = "/mnt/oci-lower"
	m := Mount{Source: dev, Target: lowerdir, FsType: "ext4", Flags: unix.MS_RDONLY}
	if err := m.Apply(); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(lowerdir)
	if err != nil || len(entries) == 0 {
		return "", fmt.Errorf("ociroot: mounted OCI block rootfs is empty")
	}
	return lowerdir, nil
}

// mountSharedDirs mounts each virtio-9p-backed host directory at its guest
// path, matching original_source/guest-agent/src/main.rs: mount_shared_dirs.
// Only the 9p transport is attempted: this port never runs on the VZ/
// virtiofs backend the reference also supports.
func mountSharedDirs(mounts []SharedMount) []error {
	var errs []error
	for _, sm := range mounts {
		if err := os.MkdirAll(sm.GuestPath, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("ociroot: mkdir shared mount %s: %w", sm.GuestPath, err))
			continue
		}
		var flags uintptr
		data := "trans=virtio,version=9p2000.L"
		if sm.ReadOnly {
			flags |= unix.MS_RDONLY
			data += ",ro"
		}
		m := Mount{Source: sm.Tag, Target: sm.GuestPath, FsType: "9p", Flags: flags, Data: data}
		if err := m.Apply(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// SharedMount is one virtio-9p host-directory mount the guest agent parses
// off voidbox.mount<i>= cmdline tokens.
type SharedMount struct {
	Tag       string
	GuestPath string
	ReadOnly  bool
}

// MountSharedDirs is the exported entry point cmd/voidbox-guest-agent calls
// after parsing mount descriptors off the cmdline.
func MountSharedDirs(mounts []SharedMount) []error {
	return mountSharedDirs(mounts)
}

func ensureDirs(base string, dirs []string) error {
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(base, d), 0o755); err != nil {
			return fmt.Errorf("ociroot: mkdir %s: %w", filepath.Join(base, d), err)
		}
	}
	return nil
}
