package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// moduleSpec is one entry in the fixed, dependency-ordered module list
// load_kernel_modules walks. Params is passed to finit_module(2) verbatim;
// Required only affects whether a load failure is logged as a warning
// (true) or an informational "optional module not loaded" line (false).
type moduleSpec struct {
	Name     string
	Params   string
	Required bool
}

const modulesDir = "/lib/modules"

// moduleLoadOrder matches original_source/guest-agent/src/main.rs:
// load_kernel_modules's module list and ordering exactly: virtio core before
// virtio_mmio (which needs its device= params), vsock transports before
// network/9p/overlay (whose absence is tolerated on backends that lack
// those drivers, e.g. no 9p support outside KVM+9p).
func moduleLoadOrder(virtioMMIOParams string) []moduleSpec {
	return []moduleSpec{
		{"virtio.ko", "", false},
		{"virtio_ring.ko", "", false},
		{"virtio_mmio.ko", virtioMMIOParams, true},
		{"vsock.ko", "", true},
		{"vmw_vsock_virtio_transport_common.ko", "", true},
		{"vmw_vsock_virtio_transport.ko", "", true},
		{"failover.ko", "", false},
		{"net_failover.ko", "", false},
		{"virtio_net.ko", "", false},
		{"9pnet.ko", "", false},
		{"netfs.ko", "", false},
		{"9p.ko", "", false},
		{"9pnet_virtio.ko", "", false},
		{"overlay.ko", "", false},
	}
}

// virtioMMIOParamsFromCmdline rebuilds the virtio_mmio.device= device= list
// finit_module needs, since the kernel cmdline's own tokens are not
// automatically forwarded to a module loaded after boot. Falls back to the
// fixed net/vsock/blk bases and IRQs internal/vmm.KernelCmdline uses for
// those devices when no tokens are present on the cmdline (e.g. unit test
// harness); KernelCmdline itself emits each token only for an enabled device.
func virtioMMIOParamsFromCmdline(cmdline string) string {
	var params []string
	for _, tok := range strings.Fields(cmdline) {
		if dev, ok := strings.CutPrefix(tok, "virtio_mmio.device="); ok {
			params = append(params, "device="+dev)
		}
	}
	if len(params) == 0 {
		return "device=512@0xd0000000:10 device=512@0xd0800000:11 device=512@0xd1000000:12"
	}
	return strings.Join(params, " ")
}

func loadKernelModules(logger *log.Logger, cmdline string) {
	params := virtioMMIOParamsFromCmdline(cmdline)
	for _, spec := range moduleLoadOrder(params) {
		path := filepath.Join(modulesDir, spec.Name)
		if err := loadModuleFile(path, spec.Params); err != nil {
			if spec.Required {
				logger.Warn("failed to load required module", "module", spec.Name, "err", err)
			} else {
				logger.Debug("optional module not loaded", "module", spec.Name, "err", err)
			}
			continue
		}
		logger.Debug("loaded module", "module", spec.Name, "params", spec.Params)
	}
}

// loadModuleFile loads one module via finit_module(2). It reports success
// when the .ko is missing but the module is already built into the running
// kernel (visible under /sys/module/<name>), matching load_module_file's
// built-in-module tolerance for kernels that compile virtio in rather than
// as loadable modules.
func loadModuleFile(path, params string) error {
	if _, err := os.Stat(path); err != nil {
		name := strings.TrimSuffix(filepath.Base(path), ".ko")
		sysName := strings.ReplaceAll(name, "-", "_")
		if _, err := os.Stat(filepath.Join("/sys/module", sysName)); err == nil {
			return nil
		}
		return fmt.Errorf("module file not found: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if err := unix.FinitModule(int(f.Fd()), params, 0); err != nil {
		if err == unix.EEXIST {
			return nil
		}
		return fmt.Errorf("finit_module: %w", err)
	}
	return nil
}
