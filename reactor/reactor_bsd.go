//go:build darwin || freebsd || netbsd || openbsd || dragonfly
// +build darwin freebsd netbsd openbsd dragonfly

// File: reactor/reactor_bsd.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// kqueue(2)-based poller with a self-pipe wake-up channel.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

type bsdPoller struct {
	kq      int
	wakeR   int
	wakeW   int
	lifeMu  sync.RWMutex // fences Wake against Close
	pending atomic.Bool
	closed  atomic.Bool
	tokens  map[int]uint64 // fd -> token, owner goroutine only
	raw     []unix.Kevent_t
}

// NewPoller constructs a new kqueue-backed Poller sized for maxEvents events
// per Wait.
func NewPoller(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 128
	}
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			unix.Close(kq)
			return nil, fmt.Errorf("pipe nonblock: %w", err)
		}
	}
	p := &bsdPoller{
		kq:     kq,
		wakeR:  fds[0],
		wakeW:  fds[1],
		tokens: make(map[int]uint64),
		raw:    make([]unix.Kevent_t, maxEvents),
	}
	if err := p.ctl(p.wakeR, unix.EV_ADD); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *bsdPoller) ctl(fd int, flags int) error {
	var ch [1]unix.Kevent_t
	unix.SetKevent(&ch[0], fd, unix.EVFILT_READ, flags)
	if _, err := unix.Kevent(p.kq, ch[:], nil, nil); err != nil {
		return fmt.Errorf("kevent: %w", err)
	}
	return nil
}

func (p *bsdPoller) Add(fd int, token uint64) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if token == WakeToken {
		return ErrReservedID
	}
	if err := p.ctl(fd, unix.EV_ADD); err != nil {
		return err
	}
	p.tokens[fd] = token
	return nil
}

func (p *bsdPoller) Remove(fd int) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	delete(p.tokens, fd)
	return p.ctl(fd, unix.EV_DELETE)
}

func (p *bsdPoller) Wait(events []Event, timeout time.Duration) (int, error) {
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
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, p.raw[:max], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent wait: %w", err)
	}
	out := 0
	for i := 0; i < n; i++ {
		raw := &p.raw[i]
		fd := int(raw.Ident)
		if fd == p.wakeR {
			p.drainWake()
			continue
		}
		token, ok := p.tokens[fd]
		if !ok {
			continue // removed between registration and delivery
		}
		events[out] = Event{
			Token:  token,
			Hangup: raw.Flags&unix.EV_EOF != 0,
			Error:  raw.Flags&unix.EV_ERROR != 0,
		}
		out++
	}
	return out, nil
}

func (p *bsdPoller) Wake() error {
	p.lifeMu.RLock()
	defer p.lifeMu.RUnlock()
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if !p.pending.CompareAndSwap(false, true) {
		return nil
	}
	if _, err := unix.Write(p.wakeW, []byte{1}); err != nil && err != unix.EAGAIN {
		p.pending.Store(false)
		return fmt.Errorf("wake pipe write: %w", err)
	}
	return nil
}

func (p *bsdPoller) drainWake() {
	p.pending.Store(false)
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (p *bsdPoller) Close() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.closed.Swap(true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	if err := unix.Close(p.kq); err != nil {
		return fmt.Errorf("kqueue close: %w", err)
	}
	return nil
}
