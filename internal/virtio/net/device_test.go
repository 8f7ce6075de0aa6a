package net

import (
	"testing"

	"github.com/the-void-ia/void-box/internal/virtio/mmio"
	"github.com/the-void-ia/void-box/internal/virtqueue"
	"github.com/the-void-ia/void-box/internal/vmm/guestmem"
)

func TestConfigReadExposesMACAndLinkStatus(t *testing.T) {
	d := NewDevice(StackSecurity{})

	var mac [6]byte
	d.ConfigRead(0, mac[:])
	if mac != GuestMAC {
		t.Fatalf("config MAC = %v, want %v", mac, GuestMAC)
	}

	var status [1]byte
	d.ConfigRead(6, status[:])
	if status[0] != 1 {
		t.Fatalf("link status = %d, want 1 (up)", status[0])
	}
}

func TestFeaturesAdvertiseMACAndStatus(t *testing.T) {
	d := NewDevice(StackSecurity{})
	f := d.Features()
	if f&featMAC == 0 || f&featStatus == 0 {
		t.Fatalf("features = %#x, want MAC|STATUS bits set", f)
	}
	if f&featVersion1 == 0 {
		t.Fatalf("features = %#x, want VIRTIO_F_VERSION_1 set", f)
	}
}

func TestResetRebuildsStack(t *testing.T) {
	d := NewDevice(StackSecurity{})
	old := d.stack
	d.Reset()
	if d.stack == old {
		t.Fatal("Reset did not replace the NAT stack")
	}
}

func TestTXDrainWithoutBankDoesNotPanic(t *testing.T) {
	d := NewDevice(StackSecurity{})
	mem := guestmem.New(make([]byte, 1<<20))
	q := &virtqueue.Queue{Size: 4}
	// No bank attached and no descriptors published: drainTX should just
	// see PopChain return ok=false and return immediately.
	d.drainTX(mem, q)
}

func TestPumpWithoutBankIsNoop(t *testing.T) {
	d := NewDevice(StackSecurity{})
	mem := guestmem.New(make([]byte, 1<<20))
	d.Pump(mem) // must not panic even though no bank is attached
}

func TestAttachBankStoresReference(t *testing.T) {
	d := NewDevice(StackSecurity{})
	b := mmio.NewBank(d, nil, nil)
	d.AttachBank(b)
	d.mu.Lock()
	got := d.bank
	d.mu.Unlock()
	if got != b {
		t.Fatal("AttachBank did not store the bank")
	}
}
