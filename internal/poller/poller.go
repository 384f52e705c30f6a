//go:build linux

// Package poller is a level-triggered epoll wait with an eventfd wakeup. The
// caller states its full interest set on every Wait; the poller applies the
// difference to the kernel.
package poller

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is what the caller wants to hear about one descriptor.
type Interest struct {
	FD    int
	Read  bool
	Write bool
}

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// Events is the result of one Wait.
type Events struct {
	ready map[int]uint32
	woken bool
}

// Readable reports whether fd can be read without blocking, or has hung up.
func (e Events) Readable(fd int) bool {
	return e.ready[fd]&(readEvents|errEvents) != 0
}

// Writable reports whether fd can be written without blocking, or has failed.
func (e Events) Writable(fd int) bool {
	return e.ready[fd]&(writeEvents|errEvents) != 0
}

// Woken reports whether Wake interrupted the wait.
func (e Events) Woken() bool {
	return e.woken
}

// Len returns the number of ready descriptors, excluding the wakeup.
func (e Events) Len() int {
	return len(e.ready)
}

// Poller owns one epoll instance.
type Poller struct {
	epfd       int
	wakefd     int
	registered map[int]uint32
	buf        []unix.EpollEvent
}

// New creates a poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create epoll: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("failed to register eventfd: %w", err)
	}
	return &Poller{
		epfd:       epfd,
		wakefd:     wakefd,
		registered: make(map[int]uint32),
		buf:        make([]unix.EpollEvent, 64),
	}, nil
}

// Wait applies interest and blocks until something is ready, Wake is called
// or timeout passes. A negative timeout waits forever. An interrupted wait
// returns empty events.
func (p *Poller) Wait(interest []Interest, timeout time.Duration) (Events, error) {
	if err := p.sync(interest); err != nil {
		return Events{}, err
	}

	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	if need := len(p.registered) + 1; need > len(p.buf) {
		p.buf = make([]unix.EpollEvent, need)
	}

	n, err := unix.EpollWait(p.epfd, p.buf, msec)
	if errors.Is(err, unix.EINTR) {
		return Events{}, nil
	}
	if err != nil {
		return Events{}, fmt.Errorf("epoll wait failed: %w", err)
	}

	ev := Events{ready: make(map[int]uint32, n)}
	for _, e := range p.buf[:n] {
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			ev.woken = true
			continue
		}
		ev.ready[fd] = e.Events
	}
	return ev, nil
}

func (p *Poller) sync(interest []Interest) error {
	want := make(map[int]uint32, len(interest))
	for _, in := range interest {
		var flags uint32
		if in.Read {
			flags |= readEvents
		}
		if in.Write {
			flags |= writeEvents
		}
		if flags != 0 && in.FD >= 0 {
			want[in.FD] |= flags
		}
	}

	for fd := range p.registered {
		if _, ok := want[fd]; !ok {
			// The descriptor may already be closed; either way it is gone.
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			delete(p.registered, fd)
		}
	}

	for fd, flags := range want {
		old, ok := p.registered[fd]
		if ok && old == flags {
			continue
		}
		ev := unix.EpollEvent{Events: flags, Fd: int32(fd)}
		op := unix.EPOLL_CTL_ADD
		if ok {
			op = unix.EPOLL_CTL_MOD
		}
		err := unix.EpollCtl(p.epfd, op, fd, &ev)
		// A reused descriptor number may have silently left the set.
		if op == unix.EPOLL_CTL_MOD && errors.Is(err, unix.ENOENT) {
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		}
		if op == unix.EPOLL_CTL_ADD && errors.Is(err, unix.EEXIST) {
			err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		}
		if err != nil {
			delete(p.registered, fd)
			return fmt.Errorf("failed to watch fd %d: %w", fd, err)
		}
		p.registered[fd] = flags
	}
	return nil
}

// Forget drops fd from the kernel set before the caller closes it.
func (p *Poller) Forget(fd int) {
	if _, ok := p.registered[fd]; ok {
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(p.registered, fd)
	}
}

// Wake interrupts a Wait in progress, or makes the next one return at once.
// It is safe to call from any goroutine.
func (p *Poller) Wake() error {
	var one = [8]byte{1}
	_, err := unix.Write(p.wakefd, one[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and eventfd.
func (p *Poller) Close() error {
	err1 := unix.Close(p.epfd)
	err2 := unix.Close(p.wakefd)
	return errors.Join(err1, err2)
}
