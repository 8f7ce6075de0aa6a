package net

import (
	"sync"

	"github.com/the-void-ia/void-box/internal/virtio/mmio"
	"github.com/the-void-ia/void-box/internal/virtqueue"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

// DeviceType is the virtio device type ID for network devices.
const DeviceType = 1

// Feature bits this device advertises.
const (
	featMAC    = 1 << 5
	featStatus = 1 << 16
	// featVersion1 is VIRTIO_F_VERSION_1; virtio-mmio v2 drivers reject any
	// device that doesn't advertise it.
	featVersion1 = 1 << 32
)

const (
	queueRX = 0
	queueTX = 1

	// netHeaderSize is the virtio-net header length once VIRTIO_F_VERSION_1
	// is negotiated (no GSO or checksum offload in use): flags, gso_type,
	// hdr_len, gso_size, csum_start, csum_offset, num_buffers.
	netHeaderSize = 12
)

// Device is a virtio-net device presenting eth0 to the guest, backed by an
// in-process SLIRP-style NAT stack instead of a host TAP interface.
type Device struct {
	mac   [6]byte
	stack *Stack
	sec   StackSecurity

	mu   sync.Mutex
	bank *mmio.Bank
}

// NewDevice builds a virtio-net device using GuestMAC and a fresh Stack
// admission-controlled by sec.
func NewDevice(sec StackSecurity) *Device {
	return &Device{mac: GuestMAC, stack: NewStack(sec), sec: sec}
}

// AttachBank completes construction: the register bank needs a live Device
// to be built, and the device needs the bank to push used descriptors and
// raise interrupts, so wiring happens in two steps from internal/vmm once
// both exist.
func (d *Device) AttachBank(bank *mmio.Bank) {
	d.mu.Lock()
	d.bank = bank
	d.mu.Unlock()
}

func (d *Device) DeviceID() uint32     { return DeviceType }
func (d *Device) Features() uint64     { return featMAC | featStatus | featVersion1 }
func (d *Device) QueueSizes() []uint16 { return []uint16{256, 256} }

func (d *Device) ConfigRead(offset uint64, data []byte) {
	switch {
	case offset < 6:
		n := copy(data, d.mac[offset:])
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
	case offset == 6:
		if len(data) > 0 {
			data[0] = 1 // link up
			for i := 1; i < len(data); i++ {
				data[i] = 0
			}
		}
	default:
		for i := range data {
			data[i] = 0
		}
	}
}

func (d *Device) Reset() {
	d.stack = NewStack(d.sec)
}

// Notify handles a virtqueue kick: TX drains guest-transmitted frames into
// the NAT stack, RX re-checks for queued inbound frames now that the driver
// has (re)published buffers.
func (d *Device) Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue) {
	switch idx {
	case queueTX:
		d.drainTX(mem, q)
	case queueRX:
		d.Pump(mem)
	}
}

func (d *Device) drainTX(mem *guestmem.Memory, q *virtqueue.Queue) {
	for {
		chain, ok, err := q.PopChain(mem)
		if err != nil || !ok {
			return
		}

		readable := readableLen(chain)
		if readable > netHeaderSize {
			frame := make([]byte, readable-netHeaderSize)
			if _, err := virtqueue.Read(mem, chain, netHeaderSize, frame); err == nil {
				d.stack.ProcessGuestFrame(frame)
			}
		}
		d.pushUsed(queueTX, chain, 0)
	}
}

// readableLen sums the length of the device-readable (driver-supplied)
// descriptors in chain; the TX ring carries request buffers the driver
// fills and the device only reads.
func readableLen(chain []virtqueue.Descriptor) int {
	total := 0
	for _, desc := range chain {
		if !desc.Write {
			total += int(desc.Len)
		}
	}
	return total
}

func (d *Device) pushUsed(idx int, chain []virtqueue.Descriptor, writtenLen uint32) {
	d.mu.Lock()
	bank := d.bank
	d.mu.Unlock()
	if bank == nil {
		return
	}
	_ = bank.PushUsed(idx, chain, writtenLen)
}

// Pump delivers any frames the NAT stack has queued for the guest into RX
// buffers the driver has published. It is called both from a
// QUEUE_NOTIFY(RX) kick and periodically by the VMM's poll loop, since DNS
// and TCP relay traffic arrives asynchronously from a host goroutine and
// needs somewhere to land even without a fresh RX kick.
func (d *Device) Pump(mem *guestmem.Memory) {
	d.mu.Lock()
	bank := d.bank
	d.mu.Unlock()
	if bank == nil {
		return
	}

	for _, frame := range d.stack.Poll() {
		q, err := bank.Queue(queueRX)
		if err != nil || !q.Ready() {
			return
		}
		chain, ok, err := q.PopChain(mem)
		if err != nil || !ok {
			return
		}

		buf := make([]byte, netHeaderSize+len(frame))
		copy(buf[netHeaderSize:], frame)
		n, _ := virtqueue.Write(mem, chain, buf)
		d.pushUsed(queueRX, chain, uint32(n))
	}
}
