// Package mmio implements the virtio-mmio transport: the register bank and
// device-status state machine shared by every virtio device attached to the
// guest's memory-mapped I/O bus. A concrete device (net, vsock, blk, 9p)
// supplies its identity, feature bits and config space; this package owns
// feature negotiation, queue setup and the status byte, and dispatches
// QUEUE_NOTIFY into the device once both sides have negotiated.
package mmio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// Register offsets, relative to a device's MMIO base. Matches the
// virtio-mmio version 2 layout.
const (
	RegMagicValue        = 0x000
	RegVersion           = 0x004
	RegDeviceID          = 0x008
	RegVendorID          = 0x00c
	RegDeviceFeatures    = 0x010
	RegDeviceFeaturesSel = 0x014
	RegDriverFeatures    = 0x020
	RegDriverFeaturesSel = 0x024
	RegQueueSel          = 0x030
	RegQueueNumMax       = 0x034
	RegQueueNum          = 0x038
	RegQueueReady        = 0x044
	RegQueueNotify       = 0x050
	RegInterruptStatus   = 0x060
	RegInterruptAck      = 0x064
	RegStatus            = 0x070
	RegQueueDescLow      = 0x080
	RegQueueDescHigh     = 0x084
	RegQueueDriverLow    = 0x090
	RegQueueDriverHigh   = 0x094
	RegQueueDeviceLow    = 0x0a0
	RegQueueDeviceHigh   = 0x0a4
	RegConfigGeneration  = 0x0fc
	RegConfig            = 0x100

	magicValue  = 0x74726976 // ASCII "virt", little-endian
	mmioVersion = 2
)

// Device status bits, written by the driver to RegStatus as it works
// through the virtio device initialization sequence.
const (
	StatusAcknowledge     = 1 << 0
	StatusDriver          = 1 << 1
	StatusDriverOK        = 1 << 2
	StatusFeaturesOK      = 1 << 3
	StatusDeviceNeedsReset = 1 << 6
	StatusFailed          = 1 << 7
)

// Interrupt status bits reported at RegInterruptStatus and cleared by a
// write to RegInterruptAck.
const (
	InterruptVring       = 1 << 0
	InterruptConfigChange = 1 << 1
)

// Device is implemented by a concrete virtio device (net, vsock, blk, 9p)
// and plugged into a Bank, which handles everything transport-generic.
type Device interface {
	// DeviceID is the virtio device type ID (1=net, 2=blk, 9=9p, 19=vsock;
	// see the per-device package for the registered value).
	DeviceID() uint32
	// Features are the feature bits this device offers; the driver
	// negotiates a subset via RegDriverFeatures.
	Features() uint64
	// QueueSizes lists the maximum size of each virtqueue the device
	// exposes, in queue-index order.
	QueueSizes() []uint16
	// ConfigRead fills data (1, 2 or 4 bytes) from the device-specific
	// config space starting at offset (relative to RegConfig).
	ConfigRead(offset uint64, data []byte)
	// Notify is called when the driver writes queue index idx to
	// RegQueueNotify, after DriverOK has been set. q is the queue's
	// current descriptor-table/avail/used layout; mem is the guest
	// memory the queue's addresses are relative to.
	Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue)
	// Reset returns the device to its pre-negotiation state. Called
	// when the driver writes 0 to RegStatus.
	Reset()
}

// Bank is the transport-generic virtio-mmio register file for one device.
// It owns feature negotiation, per-queue address/ready registers and the
// status byte, and forwards notifications into the attached Device.
type Bank struct {
	dev      Device
	mem      *guestmem.Memory
	raiseIRQ func()

	mu sync.Mutex

	deviceFeaturesSel uint32
	driverFeatures    uint64
	driverFeaturesSel uint32
	queueSel          uint32
	status            uint32
	interruptStatus   uint32
	configGen         uint32

	queues []virtqueue.Queue
}

// NewBank builds a register bank for dev backed by guest memory mem.
// raiseIRQ is called whenever a queue or config-change interrupt becomes
// pending; it is expected to assert the guest's legacy IRQ line for this
// device (see internal/vmm).
func NewBank(dev Device, mem *guestmem.Memory, raiseIRQ func()) *Bank {
	sizes := dev.QueueSizes()
	queues := make([]virtqueue.Queue, len(sizes))
	for i, sz := range sizes {
		queues[i] = virtqueue.Queue{Size: sz}
	}
	return &Bank{
		dev:      dev,
		mem:      mem,
		raiseIRQ: raiseIRQ,
		queues:   queues,
	}
}

// currentQueue returns the queue selected by the last write to
// RegQueueSel, or nil if queueSel is out of range.
func (b *Bank) currentQueue() *virtqueue.Queue {
	if int(b.queueSel) >= len(b.queues) {
		return nil
	}
	return &b.queues[b.queueSel]
}

// Read services an MMIO read at offset (relative to the device's base),
// writing up to len(data) (1, 2 or 4) bytes little-endian into data.
func (b *Bank) Read(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var value uint32
	switch {
	case offset == RegMagicValue:
		value = magicValue
	case offset == RegVersion:
		value = mmioVersion
	case offset == RegDeviceID:
		value = b.dev.DeviceID()
	case offset == RegVendorID:
		value = 0x554d4551 // "QEMU", the same placeholder vendor ID
	case offset == RegDeviceFeatures:
		features := b.dev.Features()
		if b.deviceFeaturesSel == 0 {
			value = uint32(features)
		} else {
			value = uint32(features >> 32)
		}
	case offset == RegQueueNumMax:
		if q := b.currentQueue(); q != nil {
			value = uint32(q.Size)
		}
	case offset == RegQueueReady:
		if q := b.currentQueue(); q != nil && q.Ready() {
			value = 1
		}
	case offset == RegInterruptStatus:
		value = b.interruptStatus
	case offset == RegStatus:
		value = b.status
	case offset == RegConfigGeneration:
		value = b.configGen
	case offset >= RegConfig:
		b.dev.ConfigRead(offset-RegConfig, data)
		return
	default:
		value = 0
	}

	putLE(data, value)
}

// Write services an MMIO write at offset with the raw little-endian bytes
// the guest wrote (1, 2 or 4 of them).
func (b *Bank) Write(offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	value := getLE(data)

	b.mu.Lock()
	switch offset {
	case RegDeviceFeaturesSel:
		b.deviceFeaturesSel = value
	case RegDriverFeaturesSel:
		b.driverFeaturesSel = value
	case RegDriverFeatures:
		if b.driverFeaturesSel == 0 {
			b.driverFeatures = (b.driverFeatures &^ 0xffffffff) | uint64(value)
		} else {
			b.driverFeatures = (b.driverFeatures & 0xffffffff) | uint64(value)<<32
		}
	case RegQueueSel:
		b.queueSel = value
	case RegQueueNum:
		if q := b.currentQueue(); q != nil {
			q.Size = uint16(value)
		}
	case RegQueueReady:
		if q := b.currentQueue(); q != nil {
			q.SetReady(value != 0)
		}
	case RegQueueDescLow:
		if q := b.currentQueue(); q != nil {
			setAddrLow(&q.DescTableAddr, value)
		}
	case RegQueueDescHigh:
		if q := b.currentQueue(); q != nil {
			setAddrHigh(&q.DescTableAddr, value)
		}
	case RegQueueDriverLow:
		if q := b.currentQueue(); q != nil {
			setAddrLow(&q.AvailAddr, value)
		}
	case RegQueueDriverHigh:
		if q := b.currentQueue(); q != nil {
			setAddrHigh(&q.AvailAddr, value)
		}
	case RegQueueDeviceLow:
		if q := b.currentQueue(); q != nil {
			setAddrLow(&q.UsedAddr, value)
		}
	case RegQueueDeviceHigh:
		if q := b.currentQueue(); q != nil {
			setAddrHigh(&q.UsedAddr, value)
		}
	case RegInterruptAck:
		b.interruptStatus &^= value
	case RegStatus:
		b.status = value
		if value == 0 {
			b.resetLocked()
		}
	case RegQueueNotify:
		idx := int(value)
		if idx < 0 || idx >= len(b.queues) {
			b.mu.Unlock()
			return
		}
		driverOK := b.status&StatusDriverOK != 0
		q := &b.queues[idx]
		mem := b.mem
		b.mu.Unlock()
		if driverOK {
			b.dev.Notify(mem, idx, q)
		}
		return
	}
	b.mu.Unlock()
}

// setAddrLow and setAddrHigh assemble a 64-bit queue address from two
// 32-bit MMIO writes; callers must hold b.mu and have already checked addr
// is backed by an in-range queue.
func setAddrLow(addr *uint64, value uint32) {
	*addr = (*addr &^ 0xffffffff) | uint64(value)
}

func setAddrHigh(addr *uint64, value uint32) {
	*addr = (*addr & 0xffffffff) | uint64(value)<<32
}

func (b *Bank) resetLocked() {
	for i := range b.queues {
		b.queues[i] = virtqueue.Queue{Size: b.dev.QueueSizes()[i]}
	}
	b.driverFeatures = 0
	b.deviceFeaturesSel = 0
	b.driverFeaturesSel = 0
	b.queueSel = 0
	b.interruptStatus = 0
	b.dev.Reset()
}

// RaiseQueueInterrupt marks a vring interrupt pending and asserts the
// device's IRQ line. Call after pushing entries onto a queue's used ring.
func (b *Bank) RaiseQueueInterrupt() {
	b.mu.Lock()
	b.interruptStatus |= InterruptVring
	b.mu.Unlock()
	if b.raiseIRQ != nil {
		b.raiseIRQ()
	}
}

// RaiseConfigInterrupt marks a config-space-changed interrupt pending and
// bumps the config generation counter the driver uses to detect the
// change.
func (b *Bank) RaiseConfigInterrupt() {
	b.mu.Lock()
	b.interruptStatus |= InterruptConfigChange
	b.configGen++
	b.mu.Unlock()
	if b.raiseIRQ != nil {
		b.raiseIRQ()
	}
}

// Queue returns a snapshot of queue idx's current layout, for device code
// that needs it outside of a Notify callback (e.g. to check readiness).
func (b *Bank) Queue(idx int) (virtqueue.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx < 0 || idx >= len(b.queues) {
		return virtqueue.Queue{}, fmt.Errorf("mmio: queue index %d out of range (have %d)", idx, len(b.queues))
	}
	return b.queues[idx], nil
}

// PushUsed records that a chain popped from queue idx has been processed,
// then raises a vring interrupt for the guest to collect it.
func (b *Bank) PushUsed(idx int, chain []virtqueue.Descriptor, writtenLen uint32) error {
	b.mu.Lock()
	if idx < 0 || idx >= len(b.queues) {
		b.mu.Unlock()
		return fmt.Errorf("mmio: queue index %d out of range (have %d)", idx, len(b.queues))
	}
	q := &b.queues[idx]
	mem := b.mem
	b.mu.Unlock()

	if err := q.PushUsed(mem, chain, writtenLen); err != nil {
		return err
	}
	b.RaiseQueueInterrupt()
	return nil
}

func putLE(data []byte, value uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	default:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], value)
		copy(data, buf[:])
	}
}

func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		var buf [4]byte
		copy(buf[:], data)
		return binary.LittleEndian.Uint32(buf[:])
	}
}
