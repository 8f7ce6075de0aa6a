package kvmapi

// UserspaceMemoryRegion mirrors struct kvm_userspace_memory_region from
// linux/kvm.h. Passed to KVM_SET_USER_MEMORY_REGION to install a slot of
// guest-physical memory backed by host memory at UserspaceAddr.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemRegionLogDirty and MemRegionReadonly are the only flag bits
// KVM_SET_USER_MEMORY_REGION currently defines.
const (
	MemRegionLogDirty uint32 = 1 << 0
	MemRegionReadonly uint32 = 1 << 1
)

// Regs mirrors struct kvm_regs: the general-purpose register file read and
// written by KVM_GET_REGS / KVM_SET_REGS.
type Regs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// Segment mirrors struct kvm_segment, one entry of a descriptor table
// (code/data/stack/task segment or LDT) as seen by KVM_GET_SREGS /
// KVM_SET_SREGS.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

// Dtable mirrors struct kvm_dtable, used for the GDT and IDT pseudo
// descriptors in Sregs.
type Dtable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// kvmNRInterrupts is KVM_NR_INTERRUPTS from linux/kvm.h; it sizes the
// legacy interrupt_bitmap field in Sregs, unused once an in-kernel irqchip
// is installed but still present in the wire struct.
const kvmNRInterrupts = 256

// Sregs mirrors struct kvm_sregs: segment registers, control registers and
// the legacy interrupt bitmap, read and written by KVM_GET_SREGS /
// KVM_SET_SREGS.
type Sregs struct {
	CS, DS, ES, FS, GS, SS Segment
	TR, LDT                Segment
	GDT, IDT               Dtable
	CR0, CR2, CR3, CR4     uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNRInterrupts + 63) / 64]uint64
}

// IRQLevel mirrors struct kvm_irq_level, the argument to KVM_IRQ_LINE.
type IRQLevel struct {
	IRQ   uint32
	Level int32
}

// PitConfig mirrors struct kvm_pit_config, the argument to
// KVM_CREATE_PIT2.
type PitConfig struct {
	Flags uint32
	_     [15]uint32
}

// Control register bits the VMM needs when building the guest's initial
// protected/long-mode state.
const (
	CR0PE = 1 << 0 // protected mode enable
	CR0PG = 1 << 31

	CR4PAE = 1 << 5

	EFERLME = 1 << 8 // long mode enable
	EFERLMA = 1 << 10
)

// Segment.Type values for a flat 64-bit code/data model.
const (
	SegmentTypeCode = 0xb // execute/read, accessed
	SegmentTypeData = 0x3 // read/write, accessed
)
