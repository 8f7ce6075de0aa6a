package mmio

import (
	"encoding/binary"
	"testing"

	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
	"github.com/the-void-ia/void-box/internal/virtqueue"
)

type fakeDevice struct {
	id         uint32
	features   uint64
	queueSizes []uint16
	config     []byte

	notified []int
	reset    int
}

func (d *fakeDevice) DeviceID() uint32      { return d.id }
func (d *fakeDevice) Features() uint64      { return d.features }
func (d *fakeDevice) QueueSizes() []uint16  { return d.queueSizes }
func (d *fakeDevice) Reset()                { d.reset++ }

func (d *fakeDevice) ConfigRead(offset uint64, data []byte) {
	n := copy(data, d.config[offset:])
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}

func (d *fakeDevice) Notify(mem *guestmem.Memory, idx int, q *virtqueue.Queue) {
	d.notified = append(d.notified, idx)
}

func readReg32(b *Bank, offset uint64) uint32 {
	var buf [4]byte
	b.Read(offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func writeReg32(b *Bank, offset uint64, value uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	b.Write(offset, buf[:])
}

func TestMagicVersionDeviceID(t *testing.T) {
	dev := &fakeDevice{id: 1, queueSizes: []uint16{256, 256}}
	b := NewBank(dev, nil, nil)

	if got := readReg32(b, RegMagicValue); got != magicValue {
		t.Fatalf("magic = %#x, want %#x", got, magicValue)
	}
	if got := readReg32(b, RegVersion); got != mmioVersion {
		t.Fatalf("version = %d, want %d", got, mmioVersion)
	}
	if got := readReg32(b, RegDeviceID); got != 1 {
		t.Fatalf("device id = %d, want 1", got)
	}
}

func TestFeatureNegotiationSelectsHighAndLowWord(t *testing.T) {
	dev := &fakeDevice{features: 0x1_0000_0002, queueSizes: []uint16{256}}
	b := NewBank(dev, nil, nil)

	writeReg32(b, RegDeviceFeaturesSel, 0)
	if got := readReg32(b, RegDeviceFeatures); got != 2 {
		t.Fatalf("low word = %#x, want 2", got)
	}
	writeReg32(b, RegDeviceFeaturesSel, 1)
	if got := readReg32(b, RegDeviceFeatures); got != 1 {
		t.Fatalf("high word = %#x, want 1", got)
	}
}

func TestQueueAddressAssemblyAndReady(t *testing.T) {
	dev := &fakeDevice{queueSizes: []uint16{256, 256}}
	b := NewBank(dev, nil, nil)

	writeReg32(b, RegQueueSel, 1)
	writeReg32(b, RegQueueDescLow, 0x1000)
	writeReg32(b, RegQueueDescHigh, 0x1)
	writeReg32(b, RegQueueDriverLow, 0x2000)
	writeReg32(b, RegQueueDriverHigh, 0x0)
	writeReg32(b, RegQueueDeviceLow, 0x3000)
	writeReg32(b, RegQueueDeviceHigh, 0x0)
	writeReg32(b, RegQueueReady, 1)

	q, err := b.Queue(1)
	if err != nil {
		t.Fatalf("Queue(1): %v", err)
	}
	if q.DescTableAddr != 0x1_0000_1000 {
		t.Fatalf("DescTableAddr = %#x, want %#x", q.DescTableAddr, uint64(0x1_0000_1000))
	}
	if q.AvailAddr != 0x2000 || q.UsedAddr != 0x3000 {
		t.Fatalf("ring addrs = %#x/%#x, want 0x2000/0x3000", q.AvailAddr, q.UsedAddr)
	}
	if !q.Ready() {
		t.Fatal("queue not Ready() after QUEUE_READY=1 and all addresses set")
	}

	if got := readReg32(b, RegQueueReady); got != 1 {
		t.Fatalf("RegQueueReady read back = %d, want 1", got)
	}
}

func TestNotifyOnlyFiresAfterDriverOK(t *testing.T) {
	dev := &fakeDevice{queueSizes: []uint16{256}}
	b := NewBank(dev, nil, nil)

	writeReg32(b, RegQueueNotify, 0)
	if len(dev.notified) != 0 {
		t.Fatal("Notify fired before DriverOK was set")
	}

	writeReg32(b, RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
	writeReg32(b, RegQueueNotify, 0)
	if len(dev.notified) != 1 || dev.notified[0] != 0 {
		t.Fatalf("notified = %v, want [0]", dev.notified)
	}
}

func TestStatusZeroResetsDevice(t *testing.T) {
	dev := &fakeDevice{queueSizes: []uint16{256}}
	b := NewBank(dev, nil, nil)

	writeReg32(b, RegQueueSel, 0)
	writeReg32(b, RegQueueReady, 1)
	writeReg32(b, RegStatus, StatusAcknowledge)
	writeReg32(b, RegStatus, 0)

	if dev.reset != 1 {
		t.Fatalf("Reset called %d times, want 1", dev.reset)
	}
	q, err := b.Queue(0)
	if err != nil {
		t.Fatalf("Queue(0): %v", err)
	}
	if q.Ready() {
		t.Fatal("queue still Ready() after STATUS=0 reset")
	}
}

func TestInterruptAckClearsOnlyAckedBits(t *testing.T) {
	irqs := 0
	dev := &fakeDevice{queueSizes: []uint16{256}}
	b := NewBank(dev, nil, func() { irqs++ })

	b.RaiseQueueInterrupt()
	b.RaiseConfigInterrupt()
	if got := readReg32(b, RegInterruptStatus); got != InterruptVring|InterruptConfigChange {
		t.Fatalf("interrupt status = %#x, want %#x", got, InterruptVring|InterruptConfigChange)
	}
	if irqs != 2 {
		t.Fatalf("raiseIRQ called %d times, want 2", irqs)
	}

	writeReg32(b, RegInterruptAck, InterruptVring)
	if got := readReg32(b, RegInterruptStatus); got != InterruptConfigChange {
		t.Fatalf("interrupt status after ack = %#x, want %#x", got, InterruptConfigChange)
	}
}

func TestConfigReadDelegatesToDevice(t *testing.T) {
	dev := &fakeDevice{queueSizes: []uint16{256}, config: []byte{0xde, 0xad, 0xbe, 0xef}}
	b := NewBank(dev, nil, nil)

	var buf [4]byte
	b.Read(RegConfig, buf[:])
	if buf != [4]byte{0xde, 0xad, 0xbe, 0xef} {
		t.Fatalf("config read = %v, want deadbeef", buf)
	}
}
