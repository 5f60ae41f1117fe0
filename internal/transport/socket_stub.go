// internal/transport/socket_stub.go
//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly
// +build !linux,!darwin,!freebsd,!netbsd,!openbsd,!dragonfly

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"errors"
	"net"
	"time"
)

// ErrUnsupported is returned by every helper on platforms without the
// required socket primitives.
var ErrUnsupported = errors.New("transport: this platform is not supported")

func Listen(host string, port, backlog int) (int, *net.TCPAddr, error) {
	return -1, nil, ErrUnsupported
}

func Accept(lfd int) (int, *net.TCPAddr, error) { return -1, nil, ErrUnsupported }

func Configure(fd int) error { return ErrUnsupported }

func Read(fd int, p []byte) (int, error) { return 0, ErrUnsupported }

func Write(fd int, p []byte) (int, error) { return 0, ErrUnsupported }

func WaitWritable(fd int, timeout time.Duration) (bool, error) { return false, ErrUnsupported }

func Shutdown(fd int) error { return ErrUnsupported }

func Close(fd int) error { return ErrUnsupported }

func IsWouldBlock(err error) bool { return false }

func IsAcceptRetryable(err error) bool { return false }

func IsResourceExhausted(err error) bool { return false }
