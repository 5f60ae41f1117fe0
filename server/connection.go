// File: server/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection wraps one accepted, non-blocking TCP socket. Reads and framing
// belong to the owning reader; any goroutine may write a frame or close it.

package server

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/valyala/bytebufferpool"
)

// writeSlice bounds each writability wait so a close is noticed promptly.
const writeSlice = 50 * time.Millisecond

// Connection is a client session. It implements api.ConnInfo.
type Connection struct {
	id     uint64
	fd     int
	remote string
	owner  *Reader

	decoder     *protocol.Decoder // owner goroutine only
	state       atomic.Int32      // mirror of decoder state for other goroutines
	lastContact atomic.Int64      // unix nanos, written by owner

	fdMu    sync.RWMutex // read-held around syscalls, write-held to release fd
	writeMu sync.Mutex   // serialises whole frames
	closed  atomic.Bool
}

var _ api.ConnInfo = (*Connection)(nil)

func newConnection(id uint64, fd int, remote *net.TCPAddr, owner *Reader, maxFrame int) *Connection {
	c := &Connection{
		id:      id,
		fd:      fd,
		remote:  formatAddr(remote),
		owner:   owner,
		decoder: protocol.NewDecoder(maxFrame),
	}
	c.state.Store(int32(api.StateAwaitingLength))
	c.lastContact.Store(time.Now().UnixNano())
	return c
}

func formatAddr(addr *net.TCPAddr) string {
	if addr == nil || addr.IP == nil {
		return api.UnknownAddress
	}
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
}

// ID returns the server-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// RemoteAddr returns the peer as "addr:port", or "*Unknown*".
func (c *Connection) RemoteAddr() string { return c.remote }

func (c *Connection) String() string { return c.remote }

// State reports the framing state, or StateClosed once closed.
func (c *Connection) State() api.ConnState {
	if c.closed.Load() {
		return api.StateClosed
	}
	return api.ConnState(c.state.Load())
}

// LastContact returns when the owning reader last saw activity.
func (c *Connection) LastContact() time.Time {
	return time.Unix(0, c.lastContact.Load())
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) touch(now time.Time) {
	c.lastContact.Store(now.UnixNano())
}

// feed pushes freshly read bytes through the decoder.
func (c *Connection) feed(p []byte, emit func([]byte) error) error {
	err := c.decoder.Feed(p, emit)
	c.state.Store(int32(c.decoder.State()))
	return err
}

// read performs one non-blocking read.
func (c *Connection) read(p []byte) (int, error) {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()
	if c.closed.Load() {
		return 0, api.ErrConnClosed
	}
	return transport.Read(c.fd, p)
}

// WriteFrame writes payload as one length-prefixed frame. Concurrent callers
// never interleave. timeout bounds the whole frame; 0 means no bound.
func (c *Connection) WriteFrame(payload []byte, timeout time.Duration) error {
	buf, err := protocol.EncodeFrame(payload)
	if err != nil {
		return err
	}
	defer bytebufferpool.Put(buf)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	out := buf.B
	for len(out) > 0 {
		n, err := c.writeOnce(out)
		out = out[n:]
		if err == nil {
			continue
		}
		if !transport.IsWouldBlock(err) {
			if c.closed.Load() {
				return api.ErrConnClosed
			}
			return fmt.Errorf("write %s: %w", c.remote, err)
		}
		if err := c.awaitWritable(deadline); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) writeOnce(p []byte) (int, error) {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()
	if c.closed.Load() {
		return 0, api.ErrConnClosed
	}
	return transport.Write(c.fd, p)
}

func (c *Connection) awaitWritable(deadline time.Time) error {
	for {
		slice := writeSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return fmt.Errorf("write %s: %w", c.remote, api.ErrWriteTimeout)
			}
			if left < slice {
				slice = left
			}
		}
		ok, err := c.pollWritable(slice)
		if err != nil {
			if c.closed.Load() {
				return api.ErrConnClosed
			}
			return fmt.Errorf("write %s: %w", c.remote, err)
		}
		if ok {
			return nil
		}
	}
}

func (c *Connection) pollWritable(d time.Duration) (bool, error) {
	c.fdMu.RLock()
	defer c.fdMu.RUnlock()
	if c.closed.Load() {
		return false, api.ErrConnClosed
	}
	return transport.WaitWritable(c.fd, d)
}

// Close shuts the socket down and releases it. It is idempotent and safe
// from any goroutine; the owning reader is notified so it drops the
// connection from its table.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	// fails blocked peers of fdMu fast; errors are irrelevant here
	_ = transport.Shutdown(c.fd)

	c.fdMu.Lock()
	err := transport.Close(c.fd)
	c.fdMu.Unlock()

	c.state.Store(int32(api.StateClosed))
	if c.owner != nil {
		c.owner.connClosed(c)
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", c.remote, err)
	}
	return nil
}
