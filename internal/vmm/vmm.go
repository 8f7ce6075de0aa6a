package vmm

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/the-void-ia/void-box/internal/kvmapi"
	"github.com/the-void-ia/void-box/internal/seccompguard"
	"github.com/the-void-ia/void-box/internal/virtio/blk"
	"github.com/the-void-ia/void-box/internal/virtio/mmio"
	virtionet "github.com/the-void-ia/void-box/internal/virtio/net"
	"github.com/the-void-ia/void-box/internal/virtio/ninep"
	"github.com/the-void-ia/void-box/internal/virtio/vsock"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
	"github.com/the-void-ia/void-box/internal/vmm/vsockconn"
	"golang.org/x/sys/unix"
)

// netPollInterval is how often the net device's SLIRP stack is pumped for
// outbound (host->guest) traffic outside of a TX kick, matching
// original_source/src/vmm/mod.rs's fixed-period network poll thread.
const netPollInterval = 5 * time.Millisecond

// VM is one running micro-VM: its KVM resources, guest memory, attached
// virtio devices, and vCPU goroutines. Construct with Boot; tear down with
// Stop, which must always succeed after its grace period per spec.md §9.
type VM struct {
	cfg Config

	sys *kvmapi.System
	kvm *kvmapi.VM
	mem *guestmem.Memory

	vcpus  []*kvmapi.VCPU
	serial *serialPort
	banks  []mmioBank

	netDev   *virtionet.Device
	vsockDev *vsock.Device
	blkDev   *blk.Device
	ninepDev *ninep.Device
	irqWatch *vsock.IRQWatcher

	stop     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Boot validates cfg, constructs guest memory and every configured virtio
// device, loads the kernel, and starts the vCPU(s) and background device
// pumps. It returns once the vCPUs are running; it does not wait for the
// guest's vsock listener to come up — callers dial with Dial, which retries.
func Boot(cfg Config) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.SessionSecret == "" {
		secret, err := NewSessionSecret()
		if err != nil {
			return nil, err
		}
		cfg.SessionSecret = secret
	}
	if cfg.ResourceLimits == (ResourceLimits{}) {
		cfg.ResourceLimits = DefaultResourceLimits()
	}
	if cfg.MaxConcurrentConnections <= 0 {
		cfg.MaxConcurrentConnections = DefaultMaxConcurrentConnections
	}
	if cfg.MaxConnectionsPerSecond <= 0 {
		cfg.MaxConnectionsPerSecond = DefaultMaxConnectionsPerSecond
	}

	sys, err := kvmapi.OpenSystem()
	if err != nil {
		return nil, err
	}
	kvmVM, err := sys.CreateVM()
	if err != nil {
		sys.Close()
		return nil, err
	}

	vm := &VM{cfg: cfg, sys: sys, kvm: kvmVM, stop: make(chan struct{})}
	if err := vm.setupMemory(); err != nil {
		vm.teardownPartial()
		return nil, err
	}
	if err := vm.setupPlatform(); err != nil {
		vm.teardownPartial()
		return nil, err
	}
	if err := vm.setupDevices(); err != nil {
		vm.teardownPartial()
		return nil, err
	}

	loaded, err := LoadKernel(vm.mem, cfg.KernelPath, cfg.InitramfsPath, cfg.KernelCmdline(nowUnix()))
	if err != nil {
		vm.teardownPartial()
		return nil, fmt.Errorf("vmm: load kernel: %w", err)
	}

	if err := vm.setupVCPUs(loaded.EntryPoint); err != nil {
		vm.teardownPartial()
		return nil, err
	}

	vm.startBackgroundPumps()
	return vm, nil
}

// nowUnix is the one place this package reads the wall clock, isolated so
// it reads obviously as "the current time" rather than scattered
// time.Now() calls across boot.
func nowUnix() int64 {
	return time.Now().Unix()
}

func (vm *VM) setupMemory() error {
	size := int(vm.cfg.MemoryMB) << 20
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("vmm: allocate guest memory: %w", err)
	}
	vm.mem = guestmem.New(buf)

	userspaceAddr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	if err := vm.kvm.SetUserMemoryRegion(0, 0, RAMStart, uint64(size), userspaceAddr); err != nil {
		return fmt.Errorf("vmm: KVM_SET_USER_MEMORY_REGION: %w", err)
	}
	return nil
}

// setupPlatform installs the in-kernel interrupt controller and PIT, and
// the x86-specific TSS/identity-map scratch addresses KVM's in-kernel
// emulation needs even though this module never enters real mode.
func (vm *VM) setupPlatform() error {
	if err := vm.kvm.CreateIRQChip(); err != nil {
		return fmt.Errorf("vmm: KVM_CREATE_IRQCHIP: %w", err)
	}
	if err := vm.kvm.CreatePIT2(); err != nil {
		return fmt.Errorf("vmm: KVM_CREATE_PIT2: %w", err)
	}
	if err := vm.kvm.SetTSSAddr(earlyIdentityMapLimit - 3*0x1000); err != nil {
		return fmt.Errorf("vmm: KVM_SET_TSS_ADDR: %w", err)
	}
	if err := vm.kvm.SetIdentityMapAddr(earlyIdentityMapLimit - 0x1000); err != nil {
		return fmt.Errorf("vmm: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// setupDevices builds and attaches every virtio device the config calls
// for, at their fixed MMIO addresses and legacy IRQ lines (see config.go).
func (vm *VM) setupDevices() error {
	if vm.cfg.Network {
		vm.netDev = virtionet.NewDevice(virtionet.StackSecurity{
			DenyCIDRs:          vm.cfg.NetworkDenyCIDRs,
			MaxConcurrentConns: vm.cfg.MaxConcurrentConnections,
			MaxConnsPerSecond:  vm.cfg.MaxConnectionsPerSecond,
		})
		vm.attachBank(vm.netDev, NetMMIOBase, NetIRQ)
	}
	if vm.cfg.EnableVsock {
		dev, err := vsock.NewDevice(vm.cfg.CID, true)
		if err != nil {
			return fmt.Errorf("vmm: vsock device: %w", err)
		}
		dev.SetMemory(vm.mem)
		vm.vsockDev = dev
		bank := vm.attachBank(dev, VsockMMIOBase, VsockIRQ)
		vm.irqWatch = vsock.NewIRQWatcher(dev, bank)
	}
	if vm.cfg.OCIRootfsDevPath != "" {
		dev, err := blk.NewDevice(vm.cfg.OCIRootfsDevPath)
		if err != nil {
			return fmt.Errorf("vmm: blk device: %w", err)
		}
		vm.blkDev = dev
		vm.attachBank(dev, BlkMMIOBase, BlkIRQ)
	}
	if len(vm.cfg.Mounts) > 0 {
		// A single 9p device presents only the first configured mount's
		// tag; spec.md §4.4 requires at most one 9p transport per boot.
		// KernelCmdline still emits a voidbox.mount<i>= token for every
		// mount, and the guest agent mounts each one by its own tag, so a
		// mount beyond the first names a tag no device presents and its
		// guest-side mount fails (logged as a warning by the agent).
		m := vm.cfg.Mounts[0]
		dev, err := ninep.NewDevice(m.Tag, m.HostPath, m.ReadOnly)
		if err != nil {
			return fmt.Errorf("vmm: 9p device: %w", err)
		}
		vm.ninepDev = dev
		vm.attachBank(dev, NinepMMIOBase, NinepIRQ)
	}
	return nil
}

// bankAttacher is satisfied by every device that needs its register bank
// handed back after construction (all virtio devices here: net, vsock,
// blk, 9p all follow this two-step pattern).
type bankAttacher interface {
	AttachBank(*mmio.Bank)
}

func (vm *VM) attachBank(dev mmio.Device, base uint64, irq uint32) *mmio.Bank {
	irqNo := irq
	bank := mmio.NewBank(dev, vm.mem, func() {
		_ = vm.kvm.SetIRQLine(irqNo, true)
		_ = vm.kvm.SetIRQLine(irqNo, false)
	})
	if attacher, ok := dev.(bankAttacher); ok {
		attacher.AttachBank(bank)
	}
	vm.banks = append(vm.banks, mmioBank{base: base, size: mmioSpan, bank: bank, irq: irq})
	return bank
}

func (vm *VM) setupVCPUs(entryPoint uint64) error {
	vm.serial = &serialPort{}
	for i := uint32(0); i < vm.cfg.VCPUs; i++ {
		vcpu, err := vm.kvm.CreateVCPU(i)
		if err != nil {
			return fmt.Errorf("vmm: create vcpu %d: %w", i, err)
		}
		if err := configureLongMode(vcpu); err != nil {
			return fmt.Errorf("vmm: configure vcpu %d sregs: %w", i, err)
		}
		if err := configureRegs(vcpu, entryPoint); err != nil {
			return fmt.Errorf("vmm: configure vcpu %d regs: %w", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}
	return nil
}

// startBackgroundPumps starts one goroutine per vCPU running the KVM_RUN
// loop, plus the vsock IRQWatcher and a periodic net-device pump, matching
// the reference's thread topology (one vcpu thread + a net poll thread +
// an epoll-driven vhost completion thread).
func (vm *VM) startBackgroundPumps() {
	for _, vcpu := range vm.vcpus {
		vcpu := vcpu
		vm.wg.Add(1)
		go func() {
			defer vm.wg.Done()
			runtime.LockOSThread()
			if vm.cfg.EnableSeccomp {
				if err := seccompguard.Install(); err != nil {
					log.Error("failed to install seccomp filter, continuing without seccomp", "err", err)
				}
			}
			_ = runVCPU(vcpu, vm.mem, vm.banks, vm.serial, vm.stop, vm.beforeRun)
		}()
	}

	if vm.vsockDev != nil && vm.irqWatch != nil {
		vm.wg.Add(1)
		go func() {
			defer vm.wg.Done()
			_ = vm.irqWatch.Run()
		}()
	}

	if vm.netDev != nil {
		vm.wg.Add(1)
		go func() {
			defer vm.wg.Done()
			ticker := time.NewTicker(netPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-vm.stop:
					return
				case <-ticker.C:
					vm.netDev.Pump(vm.mem)
				}
			}
		}()
	}
}

// beforeRun pumps the net device's outbound queue just before every
// KVM_RUN, so a guest-initiated TX is answered without waiting for the
// next poll tick.
func (vm *VM) beforeRun() {
	if vm.netDev != nil {
		vm.netDev.Pump(vm.mem)
	}
}

// Dial opens a vsock connection to the guest agent's listener, retrying
// with bounded backoff until ctx is done.
func (vm *VM) Dial(ctx context.Context) (net.Conn, error) {
	if !vm.cfg.EnableVsock {
		return nil, fmt.Errorf("vmm: vsock is not enabled for this VM")
	}
	return vsockconn.Dial(ctx, vm.cfg.CID)
}

// SerialOutput returns everything the guest kernel has written to its
// console so far, for diagnosing a boot failure.
func (vm *VM) SerialOutput() []byte {
	return vm.serial.Output()
}

// SessionSecret returns the secret generated (or supplied) for this VM's
// Ping handshake.
func (vm *VM) SessionSecret() string {
	return vm.cfg.SessionSecret
}

// Stop tears the VM down: signals every vCPU goroutine to exit, stops the
// vsock IRQ watcher, closes every device and KVM handle, and unmaps guest
// memory. It is safe to call more than once and always completes, which is
// the forceful-teardown invariant spec.md §9 requires of a sandbox that
// must never wedge a caller waiting on a hung or malicious guest.
func (vm *VM) Stop() {
	vm.stopOnce.Do(func() {
		close(vm.stop)
		if vm.irqWatch != nil {
			vm.irqWatch.Stop()
		}
		vm.wg.Wait()

		for _, vcpu := range vm.vcpus {
			_ = vcpu.Close()
		}
		if vm.vsockDev != nil {
			_ = vm.vsockDev.Close()
		}
		if vm.blkDev != nil {
			_ = vm.blkDev.Close()
		}
		if vm.ninepDev != nil {
			_ = vm.ninepDev.Close()
		}
		if vm.kvm != nil {
			_ = vm.kvm.Close()
		}
		if vm.sys != nil {
			_ = vm.sys.Close()
		}
		if vm.mem != nil {
			_ = unix.Munmap(vm.mem.Bytes())
		}
	})
}

// teardownPartial is used when Boot fails partway through; it best-effort
// releases whatever was already constructed.
func (vm *VM) teardownPartial() {
	if vm.kvm != nil {
		_ = vm.kvm.Close()
	}
	if vm.sys != nil {
		_ = vm.sys.Close()
	}
	if vm.mem != nil {
		_ = unix.Munmap(vm.mem.Bytes())
	}
}
