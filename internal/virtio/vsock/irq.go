package vsock

import (
	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/virtio/mmio"
)

// IRQWatcher epolls a vsock device's vhost call eventfds and raises the
// device's virtio-mmio interrupt whenever the kernel signals completed
// guest-bound work, mirroring the host-side half of vhost offload that
// would otherwise need a kernel irqfd wired directly into the irqchip.
type IRQWatcher struct {
	callFDs [numQueues]int
	bank    *mmio.Bank

	epfd int
	stop chan struct{}
	done chan struct{}
}

// NewIRQWatcher builds a watcher for dev's call eventfds that raises
// interrupts on bank.
func NewIRQWatcher(dev *Device, bank *mmio.Bank) *IRQWatcher {
	return &IRQWatcher{
		callFDs: dev.CallFDs(),
		bank:    bank,
		epfd:    -1,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks, polling the call eventfds until Stop is called. Intended to
// be launched in its own goroutine by internal/vmm alongside the vCPU run
// loop.
func (w *IRQWatcher) Run() error {
	defer close(w.done)

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	w.epfd = epfd
	defer unix.Close(epfd)

	registered := 0
	for i, fd := range w.callFDs {
		if fd < 0 {
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(i)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return err
		}
		registered++
	}
	if registered == 0 {
		return nil
	}

	events := make([]unix.EpollEvent, 4)
	for {
		select {
		case <-w.stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(epfd, events, 200)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			idx := int(events[i].Fd)
			if idx < 0 || idx >= numQueues {
				continue
			}
			var buf [8]byte
			_, _ = unix.Read(w.callFDs[idx], buf[:])
			if w.bank != nil {
				w.bank.RaiseQueueInterrupt()
			}
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (w *IRQWatcher) Stop() {
	close(w.stop)
	<-w.done
}
