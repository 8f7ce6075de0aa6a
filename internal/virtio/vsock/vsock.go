// Package vsock implements the virtio-vsock MMIO front-end, backed by the
// kernel's /dev/vhost-vsock offload rather than a userspace virtqueue
// implementation: once a queue's vring is programmed into the kernel, guest
// traffic for that queue is processed entirely by vhost, and this package's
// job is limited to device identity, feature/config exposure, and relaying
// kicks and completions across the guest/kernel boundary.
package vsock

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/virtqueue"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

// DeviceType is the virtio device type ID for vsock (Linux VIRTIO_ID_VSOCK).
const DeviceType = 19

// featVersion1 is VIRTIO_F_VERSION_1, required for virtio-mmio v2 devices.
const featVersion1 = 1 << 32

// Queue indices, fixed by the virtio-vsock spec.
const (
	QueueRX    = 0
	QueueTX    = 1
	QueueEvent = 2
	numQueues  = 3
)

// vhost ioctl request codes (Linux include/uapi/linux/vhost.h), computed
// the same way the kernel's _IO/_IOW macros are: direction(2) | size(14) |
// type(8) | nr(8), with vhost's magic type byte 0xAF.
const (
	vhostSetOwner          = 0x0000_AF01
	vhostSetMemTable        = 0x4008_AF03
	vhostSetVringNum        = 0x4008_AF10
	vhostSetVringAddr       = 0x4028_AF11
	vhostSetVringBase       = 0x4008_AF12
	vhostSetVringKick       = 0x4008_AF20
	vhostSetVringCall       = 0x4008_AF21
	vhostVsockSetGuestCID   = 0x4008_AF60
	vhostVsockSetRunning    = 0x4004_AF61
)

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

type vhostVringFile struct {
	Index uint32
	FD    int32
}

func ioctl(fd int, req uint32, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Device is a virtio-vsock device presenting CID cid to the guest. Guest
// traffic is handed off to the kernel's vhost-vsock backend; the device
// itself only negotiates features and config space, and tells vhost when a
// queue's vring is ready and when the guest has kicked it.
type Device struct {
	cid uint32

	mu         sync.Mutex
	vhostFD    int // -1 if /dev/vhost-vsock is unavailable
	kickFDs    [numQueues]int
	callFDs    [numQueues]int
	mem        *guestmem.Memory
	attached   bool
	programmed [numQueues]bool
}

// NewDevice opens /dev/vhost-vsock and assigns the guest CID cid (must be
// >= 3; CIDs 0-2 are reserved). If the vhost backend is unavailable and
// requireVhost is false, the device still constructs successfully but
// every queue kick is a no-op — useful for running the rest of the VMM
// without vsock wired up. If requireVhost is true, unavailability is an
// error.
func NewDevice(cid uint32, requireVhost bool) (*Device, error) {
	if cid < 3 {
		return nil, fmt.Errorf("vsock: invalid guest CID %d: must be >= 3", cid)
	}

	d := &Device{cid: cid, vhostFD: -1}
	for i := range d.kickFDs {
		d.kickFDs[i] = -1
		d.callFDs[i] = -1
	}

	fd, err := unix.Open("/dev/vhost-vsock", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if requireVhost {
			return nil, fmt.Errorf("vsock: /dev/vhost-vsock unavailable: %w", err)
		}
		return d, nil
	}

	cidVal := uint64(cid)
	if err := ioctl(fd, vhostVsockSetGuestCID, uintptr(unsafe.Pointer(&cidVal))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: VHOST_VSOCK_SET_GUEST_CID: %w", err)
	}

	for i := range d.kickFDs {
		kfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			d.closeFDs()
			unix.Close(fd)
			return nil, fmt.Errorf("vsock: eventfd: %w", err)
		}
		d.kickFDs[i] = kfd

		cfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			d.closeFDs()
			unix.Close(fd)
			return nil, fmt.Errorf("vsock: eventfd: %w", err)
		}
		d.callFDs[i] = cfd
	}

	d.vhostFD = fd
	return d, nil
}

func (d *Device) closeFDs() {
	for i := range d.kickFDs {
		if d.kickFDs[i] >= 0 {
			unix.Close(d.kickFDs[i])
			d.kickFDs[i] = -1
		}
		if d.callFDs[i] >= 0 {
			unix.Close(d.callFDs[i])
			d.callFDs[i] = -1
		}
	}
}

// CallFDs returns the call eventfds vhost signals when it has completed
// guest-bound work on a queue; index 0=rx, 1=tx, 2=event. An IRQWatcher
// polls these to know when to raise the device's interrupt.
func (d *Device) CallFDs() [numQueues]int {
	return d.callFDs
}

// SetMemory records the guest memory region vhost should map, used the
// first time a queue is programmed.
func (d *Device) SetMemory(mem *guestmem.Memory) {
	d.mu.Lock()
	d.mem = mem
	d.mu.Unlock()
}

func (d *Device) DeviceID() uint32     { return DeviceType }
func (d *Device) Features() uint64     { return featVersion1 }
func (d *Device) QueueSizes() []uint16 { return []uint16{256, 256, 256} }

func (d *Device) ConfigRead(offset uint64, data []byte) {
	var buf [8]byte
	cid := uint64(d.cid)
	buf[0], buf[1], buf[2], buf[3] = byte(cid), byte(cid>>8), byte(cid>>16), byte(cid>>24)
	n := copy(data, buf[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vhostFD >= 0 {
		running := int32(0)
		_ = ioctl(d.vhostFD, vhostVsockSetRunning, uintptr(unsafe.Pointer(&running)))
	}
	d.attached = false
	d.programmed = [numQueues]bool{}
}

// Notify is called when the guest writes a queue index to QUEUE_NOTIFY,
// after DriverOK. It lazily programs the queue's vring into vhost on first
// use, then signals vhost's kick eventfd for the queue; all further
// processing of that queue's traffic happens in the kernel.
func (d *Device) Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue) {
	if idx < 0 || idx >= numQueues {
		return
	}
	d.mu.Lock()
	if !d.programmed[idx] && q != nil && q.Ready() {
		if err := d.programQueueLocked(mem, uint32(idx), q); err == nil {
			d.programmed[idx] = true
			if idx == QueueRX || idx == QueueTX {
				running := int32(1)
				_ = ioctl(d.vhostFD, vhostVsockSetRunning, uintptr(unsafe.Pointer(&running)))
			}
		}
	}
	kickFD := d.kickFDs[idx]
	d.mu.Unlock()

	if kickFD >= 0 {
		val := uint64(1)
		_, _, _ = unix.Syscall(unix.SYS_WRITE, uintptr(kickFD), uintptr(unsafe.Pointer(&val)), 8)
	}
}

// programQueueLocked attaches vhost to guest memory (once) and programs
// vring num/addr/base/kick/call for queue idx. Caller must hold d.mu.
func (d *Device) programQueueLocked(mem *guestmem.Memory, idx uint32, q *virtqueue.Queue) error {
	if d.vhostFD < 0 {
		return fmt.Errorf("vsock: vhost backend unavailable")
	}
	if mem == nil {
		mem = d.mem
	}
	if mem == nil {
		return fmt.Errorf("vsock: no guest memory attached")
	}

	if !d.attached {
		if err := d.attachVhostLocked(mem); err != nil {
			return err
		}
	}

	descHost, err := hostAddr(mem, q.DescTableAddr)
	if err != nil {
		return err
	}
	availHost, err := hostAddr(mem, q.AvailAddr)
	if err != nil {
		return err
	}
	usedHost, err := hostAddr(mem, q.UsedAddr)
	if err != nil {
		return err
	}

	numState := vhostVringState{Index: idx, Num: uint32(q.Size)}
	if err := ioctl(d.vhostFD, vhostSetVringNum, uintptr(unsafe.Pointer(&numState))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_VRING_NUM: %w", err)
	}

	addr := vhostVringAddr{
		Index:         idx,
		DescUserAddr:  descHost,
		UsedUserAddr:  usedHost,
		AvailUserAddr: availHost,
	}
	if err := ioctl(d.vhostFD, vhostSetVringAddr, uintptr(unsafe.Pointer(&addr))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_VRING_ADDR: %w", err)
	}

	baseState := vhostVringState{Index: idx, Num: 0}
	if err := ioctl(d.vhostFD, vhostSetVringBase, uintptr(unsafe.Pointer(&baseState))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_VRING_BASE: %w", err)
	}

	kickFile := vhostVringFile{Index: idx, FD: int32(d.kickFDs[idx])}
	if err := ioctl(d.vhostFD, vhostSetVringKick, uintptr(unsafe.Pointer(&kickFile))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_VRING_KICK: %w", err)
	}

	callFile := vhostVringFile{Index: idx, FD: int32(d.callFDs[idx])}
	if err := ioctl(d.vhostFD, vhostSetVringCall, uintptr(unsafe.Pointer(&callFile))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_VRING_CALL: %w", err)
	}
	return nil
}

func (d *Device) attachVhostLocked(mem *guestmem.Memory) error {
	if err := ioctl(d.vhostFD, vhostSetOwner, 0); err != nil {
		if err != unix.EBUSY {
			return fmt.Errorf("vsock: VHOST_SET_OWNER: %w", err)
		}
	}

	buf := make([]byte, 8+24)
	buf[0] = 1 // nregions = 1
	region := vhostMemoryRegion{
		GuestPhysAddr: 0,
		MemorySize:    mem.Len(),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem.Bytes()[0]))),
	}
	*(*vhostMemoryRegion)(unsafe.Pointer(&buf[8])) = region

	if err := ioctl(d.vhostFD, vhostSetMemTable, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("vsock: VHOST_SET_MEM_TABLE: %w", err)
	}
	d.attached = true
	return nil
}

// hostAddr translates a guest-physical address into the host virtual
// address vhost needs, relying on guestmem.Memory's single flat mapping
// starting at guest-physical 0.
func hostAddr(mem *guestmem.Memory, guestAddr uint64) (uint64, error) {
	b, err := mem.Slice(guestAddr, 1)
	if err != nil {
		return 0, err
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

// Close releases the vhost fd and every eventfd this device owns.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vhostFD >= 0 {
		unix.Close(d.vhostFD)
		d.vhostFD = -1
	}
	d.closeFDs()
	return nil
}
