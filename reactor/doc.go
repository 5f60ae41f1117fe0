// File: reactor/doc.go
// Package reactor
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O readiness multiplexer used by the acceptor and by every reader:
// epoll on Linux and kqueue on BSD/Darwin, each paired with a wake-up
// descriptor so another goroutine can interrupt a blocked Wait.
package reactor
