package kvmapi

import "encoding/binary"

// ExitReason enumerates the KVM_EXIT_* values reported in kvm_run.exit_reason.
// Only the ones the VMM actually dispatches on are named; anything else
// surfaces as a raw integer so the caller can log it without a binding gap.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
)

// IODirection is kvm_run.io.direction: which way the port I/O exit is
// moving data relative to the guest.
type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

// Layout offsets into the shared kvm_run page, matching struct kvm_run from
// linux/kvm.h for the x86_64 ABI. The union member selected by ExitReason
// always starts at unionOffset.
const (
	offRequestInterruptWindow = 0
	offExitReason             = 8
	offReadyForInterrupt      = 12
	offIFFlag                 = 13
	offCR8                    = 16
	offApicBase               = 24
	unionOffset               = 32

	// kvm_run.io, relative to unionOffset.
	ioOffDirection  = 0
	ioOffSize       = 1
	ioOffPort       = 2
	ioOffCount      = 4
	ioOffDataOffset = 8

	// kvm_run.mmio, relative to unionOffset.
	mmioOffPhysAddr = 0
	mmioOffData     = 8
	mmioOffLen      = 16
	mmioOffIsWrite  = 20
	mmioDataCap     = 8
)

// KVMRun is a view over the page KVM shares with userspace per vCPU,
// describing why the most recent KVM_RUN call returned. It is only valid to
// read between successive KVM_RUN calls on the vCPU that owns it.
type KVMRun []byte

// Run wraps an mmap'd kvm_run region. Exported so tests can construct a
// KVMRun over a plain byte slice without a real vCPU fd.
func Run(region []byte) KVMRun {
	return KVMRun(region)
}

func (r KVMRun) raw() []byte { return []byte(r) }

// ExitReason reports why the vCPU returned control to userspace.
func (r KVMRun) ExitReason() ExitReason {
	return ExitReason(binary.LittleEndian.Uint32(r[offExitReason:]))
}

// ReadyForInterruptInjection reports whether the guest's interrupt flag is
// set and no other condition blocks interrupt delivery right now.
func (r KVMRun) ReadyForInterruptInjection() bool {
	return r[offReadyForInterrupt] != 0
}

// IOExit describes an ExitIO event: a port I/O instruction the in-kernel
// emulator could not handle itself.
type IOExit struct {
	Direction IODirection
	Size      uint8
	Port      uint16
	Count     uint32
	// Data is the buffer the guest is writing from (IODirectionOut) or
	// expects filled in (IODirectionIn), sized Size*Count bytes, living
	// inside the kvm_run page itself at DataOffset.
	Data []byte
}

// IO decodes the io union member. Valid only when ExitReason() == ExitIO.
func (r KVMRun) IO() IOExit {
	base := r[unionOffset:]
	direction := IODirection(base[ioOffDirection])
	size := base[ioOffSize]
	port := binary.LittleEndian.Uint16(base[ioOffPort:])
	count := binary.LittleEndian.Uint32(base[ioOffCount:])
	dataOffset := binary.LittleEndian.Uint64(base[ioOffDataOffset:])

	n := int(size) * int(count)
	data := r[dataOffset : dataOffset+uint64(n)]

	return IOExit{
		Direction: direction,
		Size:      size,
		Port:      port,
		Count:     count,
		Data:      data,
	}
}

// MMIOExit describes an ExitMMIO event: an access to an address KVM knows
// is not backed by guest RAM, routed to userspace for device emulation.
type MMIOExit struct {
	PhysAddr uint64
	Len      uint32
	IsWrite  bool
	// Data holds the value being written (IsWrite) or must be filled in
	// with the value to return to the guest (!IsWrite), Len bytes long.
	Data []byte
}

// MMIO decodes the mmio union member and returns a live view into the
// kvm_run page; writing into the returned Data is how a read exit answers
// the guest. Valid only when ExitReason() == ExitMMIO.
func (r KVMRun) MMIO() MMIOExit {
	base := r[unionOffset:]
	physAddr := binary.LittleEndian.Uint64(base[mmioOffPhysAddr:])
	length := binary.LittleEndian.Uint32(base[mmioOffLen:])
	isWrite := base[mmioOffIsWrite] != 0

	data := base[mmioOffData : mmioOffData+mmioDataCap]
	if int(length) < mmioDataCap {
		data = data[:length]
	}

	return MMIOExit{
		PhysAddr: physAddr,
		Len:      length,
		IsWrite:  isWrite,
		Data:     data,
	}
}
