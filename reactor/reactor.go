// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness multiplexer interface.

package reactor

import (
	"errors"
	"time"
)

// WakeToken is reserved for the internal wake-up descriptor and never
// returned from Wait.
const WakeToken = ^uint64(0)

var (
	ErrPollerClosed = errors.New("reactor: poller closed")
	ErrUnsupported  = errors.New("reactor: this platform is not supported")
	ErrReservedID   = errors.New("reactor: token is reserved")
)

// Poller multiplexes read-readiness over many descriptors.
//
// A Poller is owned by one goroutine: Add, Remove, Wait and Close must only be
// called from it. Wake is the single exception and may be called from any
// goroutine, at any time, including before the first Wait.
type Poller interface {
	// Add registers fd for read-readiness (level-triggered). token is
	// reported back in Event.Token.
	Add(fd int, token uint64) error

	// Remove deregisters fd. Closing fd deregisters it implicitly.
	Remove(fd int) error

	// Wait blocks until at least one descriptor is ready, Wake is called, or
	// timeout elapses (timeout < 0 blocks indefinitely). It fills events and
	// returns how many were written; a wake-up alone returns 0.
	Wait(events []Event, timeout time.Duration) (int, error)

	// Wake interrupts a blocked (or the next) Wait.
	Wake() error

	// Close releases the multiplexer and its wake-up descriptor.
	Close() error
}

// Event describes one ready descriptor.
type Event struct {
	Token  uint64 // value passed to Add
	Hangup bool   // peer closed or shut down its side
	Error  bool   // error condition pending on the socket
}

// timeoutMillis converts a Wait timeout to the millisecond form epoll uses,
// rounding sub-millisecond positive values up so they never spin.
func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	return ms
}
