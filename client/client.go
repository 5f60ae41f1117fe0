// File: client/client.go
// Package client provides a blocking client for the length-prefixed framing
// the server speaks.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The client implements:
// - Dial with bounded retries and jittered backoff
// - Send/Receive of single frames, safe for one sender and one receiver
// - Call, a serialized request/response round trip honouring ctx deadlines
// - Idempotent Close

package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/momentics/hioload-ipc/protocol"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("client: connection closed")

// Config holds client parameters.
type Config struct {
	Addr         string        // server host:port
	DialTimeout  time.Duration // per attempt
	DialAttempts int           // total attempts, at least 1
	ReadTimeout  time.Duration // per Receive, 0 = none
	WriteTimeout time.Duration // per Send, 0 = none
	MaxFrameSize int           // largest accepted response payload
}

// DefaultConfig returns sensible defaults for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		DialAttempts: 5,
		MaxFrameSize: protocol.DefaultMaxFrameSize,
	}
}

// Conn is one client connection.
type Conn struct {
	cfg    Config
	conn   net.Conn
	br     *bufio.Reader
	wmu    sync.Mutex
	rmu    sync.Mutex
	callMu sync.Mutex
	closed atomic.Bool
}

// Dial connects to cfg.Addr, retrying refused or timed-out attempts with
// backoff until ctx is done or attempts run out.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 1
	}
	b := &backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    20 * time.Millisecond,
		Max:    time.Second,
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}

	var lastErr error
	for i := 0; i < cfg.DialAttempts; i++ {
		nc, err := d.DialContext(ctx, "tcp", cfg.Addr)
		if err == nil {
			return newConn(cfg, nc), nil
		}
		lastErr = err
		if i == cfg.DialAttempts-1 {
			break
		}
		t := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dial %s: %w", cfg.Addr, ctx.Err())
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", cfg.Addr, cfg.DialAttempts, lastErr)
}

func newConn(cfg Config, nc net.Conn) *Conn {
	return &Conn{cfg: cfg, conn: nc, br: bufio.NewReader(nc)}
}

// Send writes payload as one frame.
func (c *Conn) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return c.wrap("send", err)
	}
	return nil
}

// Receive reads the next response frame.
func (c *Conn) Receive() ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.cfg.ReadTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
			return nil, err
		}
	}
	p, err := protocol.ReadFrame(c.br, c.cfg.MaxFrameSize)
	if err != nil {
		return nil, c.wrap("receive", err)
	}
	return p, nil
}

// Call sends payload and waits for the next frame. Concurrent Calls are
// serialized, so each caller gets the response to its own request.
func (c *Conn) Call(ctx context.Context, payload []byte) ([]byte, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(dl); err != nil {
			return nil, c.wrap("call", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		// unblocks the pending read or write
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := c.Send(payload); err != nil {
		return nil, ctxErr(ctx, err)
	}
	resp, err := c.Receive()
	if err != nil {
		return nil, ctxErr(ctx, err)
	}
	return resp, nil
}

func ctxErr(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if dl, ok := ctx.Deadline(); ok && cerr == nil && !time.Now().Before(dl) {
		// the socket deadline can fire before the context timer
		cerr = context.DeadlineExceeded
	}
	if cerr != nil {
		return fmt.Errorf("%w: %v", cerr, err)
	}
	return err
}

func (c *Conn) wrap(op string, err error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return fmt.Errorf("%s %s: %w", op, c.cfg.Addr, err)
}

// LocalAddr returns the client side of the connection.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close closes the connection. It is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
