// Package kvmapi is a minimal, cgo-free binding to the Linux /dev/kvm ioctl
// interface. It wraps just enough of KVM_CREATE_VM / KVM_CREATE_VCPU / the
// KVM_RUN exit loop to boot a single flat-memory guest; anything the guest
// needs beyond that (interrupt controller emulation, cpuid tuning) is out of
// scope for a micro-VM execution core and is left to the kernel's defaults.
package kvmapi

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl request codes, computed the same way linux/kvm.h's _IO/_IOW/_IOR
// macros do. KVM's ioctl "type" byte is always 0xAE ("KVMIO").
const kvmioType = 0xAE

const (
	iocNone      = 0
	iocWrite     = 1
	iocRead      = 2
	iocDirShift  = 30
	iocSizeShift = 16
	iocSizeMask  = 0x1fff
)

func ioc(dir uint32, nr uint32, size uintptr) uint32 {
	return dir<<iocDirShift | (uint32(size)&iocSizeMask)<<iocSizeShift | kvmioType<<8 | nr
}

var (
	reqGetAPIVersion  = ioc(iocNone, 0x00, 0)
	reqCreateVM       = ioc(iocNone, 0x01, 0)
	reqGetVCPUMmapSz  = ioc(iocNone, 0x04, 0)
	reqCreateVCPU     = ioc(iocNone, 0x41, 0)
	reqRun            = ioc(iocNone, 0x80, 0)
	reqGetRegs        = ioc(iocRead, 0x81, unsafe.Sizeof(Regs{}))
	reqSetRegs        = ioc(iocWrite, 0x82, unsafe.Sizeof(Regs{}))
	reqGetSregs       = ioc(iocRead, 0x83, unsafe.Sizeof(Sregs{}))
	reqSetSregs       = ioc(iocWrite, 0x84, unsafe.Sizeof(Sregs{}))
	reqSetUserMemReg  = ioc(iocWrite, 0x46, unsafe.Sizeof(UserspaceMemoryRegion{}))
	reqSetTSSAddr     = ioc(iocNone, 0x47, 0)
	reqCreateIRQChip  = ioc(iocNone, 0x60, 0)
	reqIRQLine        = ioc(iocWrite, 0x61, unsafe.Sizeof(IRQLevel{}))
	reqCreatePIT2     = ioc(iocWrite, 0x77, unsafe.Sizeof(PitConfig{}))
	reqSetIdentityMap = ioc(iocWrite, 0x48, 8)
)

// supportedAPIVersion is the only KVM_GET_API_VERSION value the kernel has
// ever returned; a mismatch means we're talking to something that isn't KVM.
const supportedAPIVersion = 12

func ioctl(fd int, req uint32, arg uintptr) (uintptr, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// System is a handle on /dev/kvm, used to create VM instances.
type System struct {
	fd int
}

// OpenSystem opens /dev/kvm and validates the reported API version.
func OpenSystem() (*System, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: open /dev/kvm: %w", err)
	}

	version, err := ioctl(fd, reqGetAPIVersion, 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvmapi: KVM_GET_API_VERSION: %w", err)
	}
	if version != supportedAPIVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvmapi: unsupported KVM API version %d (want %d)", version, supportedAPIVersion)
	}

	return &System{fd: fd}, nil
}

// CreateVM creates a new VM instance backed by this /dev/kvm handle.
func (s *System) CreateVM() (*VM, error) {
	fd, err := ioctl(s.fd, reqCreateVM, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VM: %w", err)
	}
	return &VM{fd: int(fd), sys: s}, nil
}

// VCPUMmapSize returns the size in bytes of the shared kvm_run structure
// that must be mmap'd on every vCPU fd.
func (s *System) VCPUMmapSize() (int, error) {
	sz, err := ioctl(s.fd, reqGetVCPUMmapSz, 0)
	if err != nil {
		return 0, fmt.Errorf("kvmapi: KVM_GET_VCPU_MMAP_SIZE: %w", err)
	}
	return int(sz), nil
}

// Close releases the /dev/kvm handle.
func (s *System) Close() error {
	return unix.Close(s.fd)
}

// VM is a single KVM virtual machine instance.
type VM struct {
	fd  int
	sys *System
}

// SetUserMemoryRegion installs or updates a guest-physical memory slot
// backed by host memory at userspaceAddr (typically the base of an
// anonymous mmap owned by the caller).
func (vm *VM) SetUserMemoryRegion(slot, flags uint32, guestPhysAddr, memorySize, userspaceAddr uint64) error {
	region := UserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestPhysAddr,
		MemorySize:    memorySize,
		UserspaceAddr: userspaceAddr,
	}
	_, err := ioctl(vm.fd, reqSetUserMemReg, uintptr(unsafe.Pointer(&region)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_USER_MEMORY_REGION slot %d: %w", slot, err)
	}
	return nil
}

// SetTSSAddr reserves a 3-page region above guest RAM for the VMX task
// state segment. Required on Intel hosts before the first VCPU is run.
func (vm *VM) SetTSSAddr(addr uint64) error {
	_, err := ioctl(vm.fd, reqSetTSSAddr, uintptr(addr))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_TSS_ADDR: %w", err)
	}
	return nil
}

// SetIdentityMapAddr reserves a single page above guest RAM for the VMX
// EPT identity-mapped page table page.
func (vm *VM) SetIdentityMapAddr(addr uint64) error {
	_, err := ioctl(vm.fd, reqSetIdentityMap, uintptr(unsafe.Pointer(&addr)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_IDENTITY_MAP_ADDR: %w", err)
	}
	return nil
}

// CreateIRQChip installs an in-kernel PIC/IOAPIC so the guest can use a
// standard 8259/IOAPIC programming model instead of userspace interrupt
// emulation.
func (vm *VM) CreateIRQChip() error {
	_, err := ioctl(vm.fd, reqCreateIRQChip, 0)
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_IRQCHIP: %w", err)
	}
	return nil
}

// CreatePIT2 installs an in-kernel i8254 PIT, matching the timer hardware a
// minimal guest kernel expects to find.
func (vm *VM) CreatePIT2() error {
	var cfg PitConfig
	_, err := ioctl(vm.fd, reqCreatePIT2, uintptr(unsafe.Pointer(&cfg)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_CREATE_PIT2: %w", err)
	}
	return nil
}

// SetIRQLine raises or lowers a legacy IRQ line on the in-kernel irqchip.
func (vm *VM) SetIRQLine(irq uint32, active bool) error {
	level := IRQLevel{IRQ: irq}
	if active {
		level.Level = 1
	}
	_, err := ioctl(vm.fd, reqIRQLine, uintptr(unsafe.Pointer(&level)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_IRQ_LINE %d: %w", irq, err)
	}
	return nil
}

// CreateVCPU creates vCPU id on this VM.
func (vm *VM) CreateVCPU(id uint32) (*VCPU, error) {
	fd, err := ioctl(vm.fd, reqCreateVCPU, uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_CREATE_VCPU %d: %w", id, err)
	}

	mmapSize, err := vm.sys.VCPUMmapSize()
	if err != nil {
		unix.Close(int(fd))
		return nil, err
	}

	region, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kvmapi: mmap kvm_run for vcpu %d: %w", id, err)
	}

	return &VCPU{fd: int(fd), id: id, run: Run(region)}, nil
}

// Close releases the VM handle. vCPUs created from it must be closed first.
func (vm *VM) Close() error {
	return unix.Close(vm.fd)
}

// VCPU is a single virtual CPU within a VM, with its shared kvm_run page
// mapped in.
type VCPU struct {
	fd  int
	id  uint32
	run KVMRun
}

// ID returns the vCPU's index within its VM.
func (c *VCPU) ID() uint32 { return c.id }

// SetRegs writes the vCPU's general-purpose register file.
func (c *VCPU) SetRegs(r Regs) error {
	_, err := ioctl(c.fd, reqSetRegs, uintptr(unsafe.Pointer(&r)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_REGS vcpu %d: %w", c.id, err)
	}
	return nil
}

// Regs reads the vCPU's general-purpose register file.
func (c *VCPU) Regs() (Regs, error) {
	var r Regs
	_, err := ioctl(c.fd, reqGetRegs, uintptr(unsafe.Pointer(&r)))
	if err != nil {
		return Regs{}, fmt.Errorf("kvmapi: KVM_GET_REGS vcpu %d: %w", c.id, err)
	}
	return r, nil
}

// SetSregs writes the vCPU's special/segment register file.
func (c *VCPU) SetSregs(s Sregs) error {
	_, err := ioctl(c.fd, reqSetSregs, uintptr(unsafe.Pointer(&s)))
	if err != nil {
		return fmt.Errorf("kvmapi: KVM_SET_SREGS vcpu %d: %w", c.id, err)
	}
	return nil
}

// Sregs reads the vCPU's special/segment register file.
func (c *VCPU) Sregs() (Sregs, error) {
	var s Sregs
	_, err := ioctl(c.fd, reqGetSregs, uintptr(unsafe.Pointer(&s)))
	if err != nil {
		return Sregs{}, fmt.Errorf("kvmapi: KVM_GET_SREGS vcpu %d: %w", c.id, err)
	}
	return s, nil
}

// Run resumes guest execution until the next exit and returns the shared
// kvm_run view describing why control returned to userspace.
func (c *VCPU) Run() (KVMRun, error) {
	_, err := ioctl(c.fd, reqRun, 0)
	if err != nil {
		return nil, fmt.Errorf("kvmapi: KVM_RUN vcpu %d: %w", c.id, err)
	}
	return c.run, nil
}

// Close unmaps the kvm_run page and releases the vCPU fd.
func (c *VCPU) Close() error {
	if err := unix.Munmap(c.run.raw()); err != nil {
		return err
	}
	return unix.Close(c.fd)
}
