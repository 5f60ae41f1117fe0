//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux epoll(7)-based poller with an eventfd(2) wake-up channel.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// linuxPoller is a level-triggered epoll instance.
type linuxPoller struct {
	epfd    int
	wakefd  int
	lifeMu  sync.RWMutex // fences Wake against Close
	pending atomic.Bool // a wake-up is queued and not yet drained
	closed  atomic.Bool
	raw     []unix.EpollEvent
}

// NewPoller constructs a new epoll-backed Poller sized for maxEvents events
// per Wait.
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &linuxPoller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
	}
	ev := tokenEvent(unix.EPOLLIN, WakeToken)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return p, nil
}

// tokenEvent packs the 64-bit token into the epoll user data union.
func tokenEvent(events uint32, token uint64) unix.EpollEvent {
	return unix.EpollEvent{
		Events: events,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}
}

func eventToken(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// Add registers fd for EPOLLIN and EPOLLRDHUP.
func (p *linuxPoller) Add(fd int, token uint64) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if token == WakeToken {
		return ErrReservedID
	}
	ev := tokenEvent(unix.EPOLLIN|unix.EPOLLRDHUP, token)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Remove deletes fd from the interest list.
func (p *linuxPoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks in epoll_wait and translates ready descriptors into events.
func (p *linuxPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	max := len(events)
	if max > len(p.raw) {
		max = len(p.raw)
	}
	if max == 0 {
		return 0, nil
	}
	n, err := unix.EpollWait(p.epfd, p.raw[:max], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, normal
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		raw := &p.raw[i]
		token := eventToken(raw)
		if token == WakeToken {
			p.drainWake()
			continue
		}
		events[out] = Event{
			Token:  token,
			Hangup: raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			Error:  raw.Events&unix.EPOLLERR != 0,
		}
		out++
	}
	return out, nil
}

// Wake bumps the eventfd counter. Repeated calls before the next Wait
// collapse into one write.
func (p *linuxPoller) Wake() error {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.pending.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakefd, buf[:]); err != nil && err != unix.EAGAIN {
		p.pending.Store(false)
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *linuxPoller) drainWake() {
	p.pending.Store(false)
	var buf [8]byte
	_, _ = unix.Read(p.wakefd, buf[:])
}

// Close releases the epoll instance and the eventfd.
func (p *linuxPoller) Close() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	werr := unix.Close(p.wakefd)
	if err := unix.Close(p.epfd); err != nil {
		return fmt.Errorf("epoll close: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("eventfd close: %w", werr)
	}
	return nil
}
