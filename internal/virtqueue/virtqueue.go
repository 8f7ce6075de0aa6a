// Package virtqueue implements the split-virtqueue descriptor walking and
// available/used ring maintenance shared by every virtio-mmio device in this
// module (net, vsock, blk, 9p). See spec.md §4.4 "Virtqueue engine" and §9
// "Ring index wrapping".
package virtqueue

import (
	"fmt"

	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

// Descriptor flags (virtio spec, split virtqueue descriptor table).
const (
	descFlagNext     = 1 << 0 // buffer continues via Next
	descFlagWrite    = 1 << 1 // device writes (vs. reads) this buffer
	descFlagIndirect = 1 << 2
)

const descriptorSize = 16 // addr(8) + len(4) + flags(2) + next(2)
const availRingHeaderSize = 4 // flags(2) + idx(2)
const usedRingHeaderSize = 4  // flags(2) + idx(2)
const usedElemSize = 8        // id(4) + len(4)

// Queue is one split virtqueue: a descriptor table plus an available ring
// (driver->device) and a used ring (device->driver), all located in guest
// memory at addresses the driver writes during virtio-mmio queue setup.
//
// Size must be a power of two (typically 256, per spec.md). The 16-bit
// avail/used index counters wrap at 65536, not at Size; every ring *offset*
// computed from them must be taken modulo Size. Getting this wrong is a
// latent bug that only manifests after the index first wraps — see spec.md
// §9 "Ring index wrapping".
type Queue struct {
	Size uint16

	DescTableAddr uint64
	AvailAddr     uint64
	UsedAddr      uint64

	// lastAvailIdx is the host's shadow of how far it has consumed the
	// available ring; it tracks the raw (non-wrapped-to-Size) 16-bit
	// counter and is compared against the live guest avail.idx field.
	lastAvailIdx uint16
	usedIdx      uint16

	// ready mirrors the driver's last write to the virtio-mmio
	// QUEUE_READY register; the queue must not be processed until it is
	// set, even if the ring addresses happen to be populated already.
	ready bool
}

// Descriptor is one link of a descriptor chain, already translated to the
// guest-physical address, length, and flags the driver published.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Write bool // true if this buffer is device-writable
	index uint16
}

// Ready reports whether the driver has both configured all three ring
// addresses and written 1 to QUEUE_READY, i.e. whether the queue may be
// processed.
func (q *Queue) Ready() bool {
	return q.ready && q.Size > 0 && q.DescTableAddr != 0 && q.AvailAddr != 0 && q.UsedAddr != 0
}

// SetReady records the driver's last write to the virtio-mmio QUEUE_READY
// register.
func (q *Queue) SetReady(ready bool) {
	q.ready = ready
}

func (q *Queue) descAddr(index uint16) uint64 {
	return q.DescTableAddr + uint64(index%q.Size)*descriptorSize
}

// availIdx reads the live driver-owned avail.idx field from guest memory.
func (q *Queue) availIdx(mem *guestmem.Memory) (uint16, error) {
	return mem.ReadUint16(q.AvailAddr + 2)
}

// availRingEntry reads the descriptor-table head index published at avail
// ring position pos (already taken modulo Size by the caller).
func (q *Queue) availRingEntry(mem *guestmem.Memory, pos uint16) (uint16, error) {
	addr := q.AvailAddr + availRingHeaderSize + uint64(pos%q.Size)*2
	return mem.ReadUint16(addr)
}

// Pending reports how many available descriptor chains the device has not
// yet consumed.
func (q *Queue) Pending(mem *guestmem.Memory) (uint16, error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return 0, err
	}
	return idx - q.lastAvailIdx, nil
}

// PopChain consumes the next available descriptor chain, if any, returning
// its constituent descriptors in order. It returns ok=false if the driver
// has not published any new chain since the last call.
func (q *Queue) PopChain(mem *guestmem.Memory) (chain []Descriptor, ok bool, err error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return nil, false, err
	}
	if idx == q.lastAvailIdx {
		return nil, false, nil
	}

	headIndex, err := q.availRingEntry(mem, q.lastAvailIdx)
	if err != nil {
		return nil, false, err
	}
	q.lastAvailIdx++

	chain, err = q.walkChain(mem, headIndex)
	if err != nil {
		return nil, false, err
	}
	return chain, true, nil
}

func (q *Queue) walkChain(mem *guestmem.Memory, head uint16) ([]Descriptor, error) {
	const maxChainLen = 1 << 16 // defend against a guest publishing a cyclic chain
	out := make([]Descriptor, 0, 4)

	index := head
	for i := 0; ; i++ {
		if i >= maxChainLen {
			return nil, fmt.Errorf("virtqueue: descriptor chain starting at %d exceeds %d links", head, maxChainLen)
		}
		base := q.descAddr(index)
		addr, err := mem.ReadUint64(base)
		if err != nil {
			return nil, err
		}
		length, err := mem.ReadUint32(base + 8)
		if err != nil {
			return nil, err
		}
		flags, err := mem.ReadUint16(base + 12)
		if err != nil {
			return nil, err
		}
		next, err := mem.ReadUint16(base + 14)
		if err != nil {
			return nil, err
		}

		out = append(out, Descriptor{
			Addr:  addr,
			Len:   length,
			Write: flags&descFlagWrite != 0,
			index: index,
		})

		if flags&descFlagNext == 0 {
			break
		}
		index = next
	}
	return out, nil
}

// PushUsed publishes a processed chain on the used ring: head is the
// descriptor-table index the chain started at (as returned in the popped
// Descriptor.index, implicitly the first element of the chain returned by
// PopChain), and writtenLen is the number of bytes the device wrote into
// device-writable buffers of the chain.
func (q *Queue) PushUsed(mem *guestmem.Memory, chain []Descriptor, writtenLen uint32) error {
	if len(chain) == 0 {
		return fmt.Errorf("virtqueue: PushUsed called with empty chain")
	}
	head := chain[0].index

	slot := q.usedIdx % q.Size
	entryAddr := q.UsedAddr + usedRingHeaderSize + uint64(slot)*usedElemSize
	if err := mem.WriteUint32(entryAddr, uint32(head)); err != nil {
		return err
	}
	if err := mem.WriteUint32(entryAddr+4, writtenLen); err != nil {
		return err
	}

	q.usedIdx++
	return mem.WriteUint16(q.UsedAddr+2, q.usedIdx)
}

// Read copies up to len(dst) bytes starting at descriptor chain offset
// `skip` from the device-readable portion of chain into dst, returning the
// number of bytes copied. Used by devices to pull request headers/bodies
// out of a chain without caring which individual descriptor they fall in.
func Read(mem *guestmem.Memory, chain []Descriptor, skip int, dst []byte) (int, error) {
	copied := 0
	for _, d := range chain {
		if d.Write {
			continue
		}
		if skip >= int(d.Len) {
			skip -= int(d.Len)
			continue
		}
		b, err := mem.Slice(d.Addr+uint64(skip), uint64(d.Len)-uint64(skip))
		if err != nil {
			return copied, err
		}
		skip = 0
		n := copy(dst[copied:], b)
		copied += n
		if copied == len(dst) {
			return copied, nil
		}
	}
	return copied, nil
}

// Write copies src into the device-writable descriptors of chain, in order,
// returning the number of bytes written.
func Write(mem *guestmem.Memory, chain []Descriptor, src []byte) (int, error) {
	written := 0
	for _, d := range chain {
		if !d.Write || written == len(src) {
			continue
		}
		n := len(src) - written
		if n > int(d.Len) {
			n = int(d.Len)
		}
		if err := mem.Write(d.Addr, src[written:written+n]); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// WritableLen sums the length of the device-writable descriptors in chain.
func WritableLen(chain []Descriptor) uint32 {
	var total uint32
	for _, d := range chain {
		if d.Write {
			total += d.Len
		}
	}
	return total
}
