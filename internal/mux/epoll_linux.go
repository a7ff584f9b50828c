//go:build linux

package mux

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vantage-io/socks5d/internal/logging"
)

// Selector is a process-wide epoll instance sized for a bounded range of
// file descriptors. Scheduling is single-threaded cooperative: Select
// dispatches ready handlers inline on the calling goroutine and returns
// once it has drained the events reported by one epoll_wait call.
type Selector struct {
	epfd   int
	regs   []*Registration // indexed by fd; nil entries are free slots
	events []unix.EpollEvent
	log    *logging.Logger
}

// New creates a selector sized for hint descriptors. hint bounds the range
// of file descriptor numbers the selector will accept; Register fails with
// ErrFDOutOfRange beyond it.
func New(hint int) (*Selector, error) {
	if hint <= 0 {
		hint = 4096
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("mux: epoll_create1: %w", err)
	}
	return &Selector{
		epfd:   epfd,
		regs:   make([]*Registration, hint),
		events: make([]unix.EpollEvent, 256),
		log:    logging.Default().With("component", "mux"),
	}, nil
}

func toEpollEvents(mask Mask) uint32 {
	var ev uint32
	if mask&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register adds fd to the selector with the given handler, interest mask,
// and user data. Fails with ErrAlreadyRegistered if fd is already present
// and ErrFDOutOfRange if fd falls outside the selector's configured bounds.
func (s *Selector) Register(fd int, h Handler, mask Mask, userData any) (*Registration, error) {
	if fd < 0 || fd >= len(s.regs) {
		return nil, ErrFDOutOfRange
	}
	if s.regs[fd] != nil {
		return nil, ErrAlreadyRegistered
	}

	reg := &Registration{FD: fd, Handler: h, UserData: userData, sel: s, mask: mask}

	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("mux: epoll_ctl add fd=%d: %w", fd, err)
	}
	s.regs[fd] = reg
	return reg, nil
}

// Unregister removes fd's registration. If the handler has a Close
// callback it is invoked exactly once. Unregistering an fd with no current
// registration is a no-op, matching the idempotent-close contract the
// proxy core relies on during teardown races between two fds sharing one
// Connection.
func (s *Selector) Unregister(fd int) error {
	if fd < 0 || fd >= len(s.regs) {
		return ErrFDOutOfRange
	}
	reg := s.regs[fd]
	if reg == nil {
		return nil
	}
	s.regs[fd] = nil
	// EPOLL_CTL_DEL can fail harmlessly if the fd was already closed by the
	// caller before unregistering; that's not actionable here.
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	if reg.Handler.OnClose != nil && !reg.closed {
		reg.closed = true
		reg.Handler.OnClose(reg)
	}
	return nil
}

// SetInterest idempotently updates fd's interest mask.
func (s *Selector) SetInterest(fd int, mask Mask) error {
	if fd < 0 || fd >= len(s.regs) {
		return ErrFDOutOfRange
	}
	reg := s.regs[fd]
	if reg == nil {
		return ErrNotRegistered
	}
	if reg.mask == mask {
		return nil
	}
	ev := unix.EpollEvent{Events: toEpollEvents(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("mux: epoll_ctl mod fd=%d: %w", fd, err)
	}
	reg.mask = mask
	return nil
}

// Select waits until at least one descriptor is ready, or the wait is
// interrupted by a signal, and dispatches each ready descriptor's handler
// at most once. A ready fd whose registration disappeared between the
// epoll_wait call and dispatch (raced by a concurrent Unregister within the
// same handler batch) is silently skipped. timeoutMs follows epoll_wait
// semantics: -1 blocks indefinitely, 0 polls without blocking.
func (s *Selector) Select(timeoutMs int) error {
	n, err := unix.EpollWait(s.epfd, s.events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("mux: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := s.events[i]
		fd := int(ev.Fd)
		if fd < 0 || fd >= len(s.regs) {
			continue
		}
		reg := s.regs[fd]
		if reg == nil {
			continue
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// Surface hangup/error as both read- and write-readiness so the
			// handler's own recv/send probes discover and classify it; the
			// multiplexer itself never inspects socket state.
			if reg.Handler.OnRead != nil {
				reg.Handler.OnRead(reg)
			}
			if s.regs[fd] == reg && reg.Handler.OnWrite != nil {
				reg.Handler.OnWrite(reg)
			}
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 && reg.Handler.OnRead != nil {
			reg.Handler.OnRead(reg)
		}
		// The handler invoked above may have unregistered fd (e.g. a
		// zero-byte read that tore the connection down); re-check before
		// firing the write side.
		if s.regs[fd] == reg && ev.Events&unix.EPOLLOUT != 0 && reg.Handler.OnWrite != nil {
			reg.Handler.OnWrite(reg)
		}
	}
	return nil
}

// Close tears down the selector, invoking each remaining registration's
// Close callback exactly once.
func (s *Selector) Close() error {
	for fd, reg := range s.regs {
		if reg == nil {
			continue
		}
		s.regs[fd] = nil
		if reg.Handler.OnClose != nil && !reg.closed {
			reg.closed = true
			reg.Handler.OnClose(reg)
		}
	}
	return unix.Close(s.epfd)
}
