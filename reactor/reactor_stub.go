//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd,!dragonfly

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for unsupported platforms.

package reactor

// NewPoller returns ErrUnsupported on platforms without epoll or kqueue.
func NewPoller(maxEvents int) (Poller, error) {
	return nil, ErrUnsupported
}
