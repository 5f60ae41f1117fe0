// File: server/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reader owns a set of connections and a private poller. It is the only
// goroutine that reads from or decodes its connections.

package server

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-ipc/affinity"
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/protocol"
	"github.com/momentics/hioload-ipc/reactor"
)

const readerMaxEvents = 128

// Reader multiplexes read-readiness over the connections assigned to it.
type Reader struct {
	index int
	srv   *Server
	log   *logiface.Logger[logiface.Event]

	poller  reactor.Poller
	pending *concurrency.BoundedQueue[*Connection]

	closedMu sync.Mutex
	closed   []*Connection // closed by other goroutines, not yet dropped

	conns  map[uint64]*Connection // reader goroutine only
	active atomic.Int64

	stopping atomic.Bool
	buf      []byte
	events   []reactor.Event
}

func newReader(srv *Server, index int) (*Reader, error) {
	p, err := reactor.NewPoller(readerMaxEvents)
	if err != nil {
		return nil, fmt.Errorf("reader %d poller: %w", index, err)
	}
	return &Reader{
		index:   index,
		srv:     srv,
		poller:  p,
		pending: concurrency.NewBoundedQueue[*Connection](srv.cfg.PendingConnQueueSize),
		conns:   make(map[uint64]*Connection),
		buf:     make([]byte, srv.cfg.ReadBufferSize),
		events:  make([]reactor.Event, readerMaxEvents),
	}, nil
}

// Name is the reader's log component name.
func (r *Reader) Name() string {
	return fmt.Sprintf("Reader #%d for port %d", r.index+1, r.srv.port())
}

// Assign hands a freshly accepted connection to this reader. It blocks while
// the hand-off queue is full and wakes the reader afterwards.
func (r *Reader) Assign(c *Connection) error {
	if err := r.pending.Put(c); err != nil {
		return err
	}
	r.wake()
	return nil
}

// Active returns the number of connections currently owned.
func (r *Reader) Active() int { return int(r.active.Load()) }

func (r *Reader) wake() {
	if err := r.poller.Wake(); err != nil && !errors.Is(err, reactor.ErrPollerClosed) {
		r.log.Warning().Err(err).Log("poller wake failed")
	}
}

// connClosed is called by Connection.Close from any goroutine.
func (r *Reader) connClosed(c *Connection) {
	r.srv.metrics.ConnClosed()
	r.closedMu.Lock()
	r.closed = append(r.closed, c)
	r.closedMu.Unlock()
	r.wake()
}

func (r *Reader) stop() {
	r.pending.Close()
	r.stopping.Store(true)
	r.wake()
}

func (r *Reader) run() {
	defer r.poller.Close()
	r.pin()
	r.log.Info().Log("reader started")

	var lastSweep time.Time
	idle := r.srv.cfg.IdleTimeout
	timeout := time.Duration(-1)
	if idle > 0 {
		timeout = r.srv.cfg.SweepInterval
		lastSweep = time.Now()
	}

	for {
		if r.stopping.Load() {
			r.closeAll()
			r.log.Info().Log("reader stopped")
			return
		}
		r.registerPending()
		r.dropClosed()

		n, err := r.poller.Wait(r.events, timeout)
		if err != nil {
			r.log.Err().Err(err).Log("poller wait failed")
			time.Sleep(10 * time.Millisecond)
			continue
		}
		for i := 0; i < n; i++ {
			if c, ok := r.conns[r.events[i].Token]; ok {
				r.serve(c)
			}
		}

		if idle > 0 {
			if now := time.Now(); now.Sub(lastSweep) >= r.srv.cfg.SweepInterval {
				r.sweep(now, idle)
				lastSweep = now
			}
		}
	}
}

// pin binds the reader's thread to its configured CPU. The thread stays
// locked, so the runtime discards it when the reader exits.
func (r *Reader) pin() {
	cpus := r.srv.cfg.ReaderCPUs
	if len(cpus) == 0 {
		return
	}
	runtime.LockOSThread()
	cpu := cpus[r.index%len(cpus)]
	if err := affinity.SetAffinity(cpu); err != nil {
		r.log.Warning().Err(err).Int("cpu", cpu).Log("cpu pinning failed")
		return
	}
	r.log.Info().Int("cpu", cpu).Log("reader pinned")
}

func (r *Reader) registerPending() {
	for {
		c, ok := r.pending.TryTake()
		if !ok {
			return
		}
		r.register(c)
	}
}

func (r *Reader) register(c *Connection) {
	if c.IsClosed() {
		return
	}
	if err := r.poller.Add(c.fd, c.id); err != nil {
		r.log.Err().Err(err).Str("conn", c.String()).Log("register connection failed")
		c.Close()
		return
	}
	r.conns[c.id] = c
	r.active.Add(1)
	r.log.Debug().Uint64("conn_id", c.id).Str("conn", c.String()).Log("connection registered")
}

func (r *Reader) dropClosed() {
	r.closedMu.Lock()
	list := r.closed
	r.closed = nil
	r.closedMu.Unlock()
	for _, c := range list {
		r.forget(c)
	}
}

// forget removes c from the table; the kernel already dropped the fd from
// the poller when it was closed.
func (r *Reader) forget(c *Connection) {
	if _, ok := r.conns[c.id]; !ok {
		return
	}
	delete(r.conns, c.id)
	r.active.Add(-1)
	c.decoder.Close()
}

// serve handles one readiness event: one read, then decode.
func (r *Reader) serve(c *Connection) {
	c.touch(time.Now())
	n, err := c.read(r.buf)
	if n > 0 {
		if ferr := c.feed(r.buf[:n], func(p []byte) error { return r.dispatch(c, p) }); ferr != nil {
			r.fail(c, ferr)
			return
		}
	}
	switch {
	case err == nil && n == 0:
		r.close(c, "peer closed", io.EOF)
		return
	case err != nil && !transport.IsWouldBlock(err):
		r.close(c, "read failed", err)
		return
	}
	c.touch(time.Now())
}

// dispatch turns a completed frame into a call. Put blocks under
// backpressure.
func (r *Reader) dispatch(c *Connection, payload []byte) error {
	call := &Call{
		ID:         r.srv.nextCallID.Add(1),
		Conn:       c,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	if err := r.srv.calls.Put(call); err != nil {
		return fmt.Errorf("enqueue %s: %w", call, err)
	}
	r.srv.metrics.CallQueued(r.srv.calls.Len())
	return nil
}

func (r *Reader) fail(c *Connection, err error) {
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		r.srv.metrics.FrameRejected()
		r.log.Warning().Err(err).Str("conn", c.String()).Log("frame rejected")
		r.close(c, "protocol error", err)
		return
	}
	r.close(c, "dispatch failed", err)
}

func (r *Reader) close(c *Connection, reason string, err error) {
	r.forget(c)
	if c.IsClosed() {
		return
	}
	b := r.log.Debug().
		Uint64("conn_id", c.id).
		Str("conn", c.String()).
		Str("reason", reason)
	if err != nil {
		b = b.Err(err)
	}
	b.Log("closing connection")
	if cerr := c.Close(); cerr != nil {
		r.log.Debug().Err(cerr).Str("conn", c.String()).Log("close failed")
	}
}

func (r *Reader) sweep(now time.Time, idle time.Duration) {
	for _, c := range r.conns {
		if since := now.Sub(c.LastContact()); since > idle {
			r.srv.metrics.ConnEvicted()
			r.log.Info().
				Uint64("conn_id", c.id).
				Str("conn", c.String()).
				Dur("idle", since).
				Log("evicting idle connection")
			r.close(c, "idle", nil)
		}
	}
}

func (r *Reader) closeAll() {
	// sockets handed off but never registered
	for {
		c, ok := r.pending.TryTake()
		if !ok {
			break
		}
		c.Close()
	}
	for _, c := range r.conns {
		r.close(c, "shutdown", api.ErrServerClosed)
	}
	r.dropClosed()
}
