package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/the-void-ia/void-box/internal/wireproto"
)

func isOwnedByRoot(info os.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	return ok && st.Uid == 0
}

// sandboxUID/sandboxGID is the fixed non-root identity every exec'd command
// and every host-provisioned file ends up owned by, matching
// original_source/guest-agent/src/main.rs's hard-coded uid=1000/gid=1000.
const (
	sandboxUID = 1000
	sandboxGID = 1000
)

// allowedWriteRoots bounds WriteFile/MkdirP to the same three guest paths
// the reference hard-codes: anywhere else is a provisioning bug or a
// malicious host, and the guest agent should refuse either way rather than
// writing root-owned content outside the sandboxed directories.
var allowedWriteRoots = []string{"/workspace", "/home", "/etc/voidbox"}

func isAllowedGuestPath(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	normalized := filepath.Clean(path)
	for _, root := range allowedWriteRoots {
		if normalized == root || strings.HasPrefix(normalized, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func isAllowedRoot(path string) bool {
	for _, root := range allowedWriteRoots {
		if path == root {
			return true
		}
	}
	return false
}

// handleWriteFile writes request.Content to request.Path, runs as root
// (this is host-initiated provisioning, not a sandboxed command), then
// chowns the result to the sandbox uid/gid so the unprivileged child
// processes exec spawns later can read it.
func handleWriteFile(req wireproto.WriteFileRequest) wireproto.WriteFileResponse {
	if !isAllowedGuestPath(req.Path) {
		return wireproto.WriteFileResponse{Success: false, Error: wireproto.StringPtr(
			fmt.Sprintf("refusing write outside allowed roots %v: %s", allowedWriteRoots, req.Path))}
	}

	if req.CreateParents {
		parent := filepath.Dir(req.Path)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return wireproto.WriteFileResponse{Success: false, Error: wireproto.StringPtr(
				fmt.Sprintf("create parent dirs %s: %v", parent, err))}
		}
		chownRecursive(parent)
	}

	if err := os.WriteFile(req.Path, req.Content, 0o644); err != nil {
		return wireproto.WriteFileResponse{Success: false, Error: wireproto.StringPtr(
			fmt.Sprintf("write %s: %v", req.Path, err))}
	}
	_ = os.Chown(req.Path, sandboxUID, sandboxGID)
	_ = os.Chmod(req.Path, 0o644)
	return wireproto.WriteFileResponse{Success: true}
}

func handleMkdirP(req wireproto.MkdirPRequest) wireproto.MkdirPResponse {
	if !isAllowedGuestPath(req.Path) {
		return wireproto.MkdirPResponse{Success: false, Error: wireproto.StringPtr(
			fmt.Sprintf("refusing mkdir outside allowed roots %v: %s", allowedWriteRoots, req.Path))}
	}
	if err := os.MkdirAll(req.Path, 0o755); err != nil {
		return wireproto.MkdirPResponse{Success: false, Error: wireproto.StringPtr(
			fmt.Sprintf("create directory %s: %v", req.Path, err))}
	}
	chownRecursive(req.Path)
	return wireproto.MkdirPResponse{Success: true}
}

// chownRecursive walks path and its parents, chowning any root-owned
// directory to the sandbox uid/gid, and stops once it reaches an allowed
// root or leaves the allowed tree entirely. Matches chown_recursive.
func chownRecursive(path string) {
	if !isAllowedGuestPath(path) {
		return
	}
	current := path
	for {
		if !isAllowedGuestPath(current) {
			return
		}
		chownDirIfRootOwned(current)
		if isAllowedRoot(current) {
			return
		}
		parent := filepath.Dir(current)
		if parent == current {
			return
		}
		current = parent
	}
}

func chownDirIfRootOwned(path string) {
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if !isOwnedByRoot(info) {
		return
	}
	_ = os.Chown(path, sandboxUID, sandboxGID)
	_ = os.Chmod(path, 0o755)
}
