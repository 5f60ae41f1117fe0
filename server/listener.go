// File: server/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener is the acceptor: it owns the listening socket and its own poller,
// accepts until the backlog is empty, and hands every socket to a reader.

package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/jpillora/backoff"
	"github.com/momentics/hioload-ipc/internal/concurrency"
	"github.com/momentics/hioload-ipc/internal/transport"
	"github.com/momentics/hioload-ipc/reactor"
)

const listenToken = 0

// Listener accepts connections and distributes them round-robin.
type Listener struct {
	srv  *Server
	log  *logiface.Logger[logiface.Event]
	fd   int
	addr *net.TCPAddr

	poller  reactor.Poller
	limiter *catrate.Limiter
	backoff *backoff.Backoff
	next    int // rotation index, acceptor goroutine only

	stopping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	release  sync.Once
}

func newListener(srv *Server) (*Listener, error) {
	cfg := &srv.cfg
	fd, addr, err := transport.Listen(cfg.Host, cfg.Port, cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Address(), err)
	}
	p, err := reactor.NewPoller(8)
	if err != nil {
		transport.Close(fd)
		return nil, fmt.Errorf("acceptor poller: %w", err)
	}
	if err := p.Add(fd, listenToken); err != nil {
		p.Close()
		transport.Close(fd)
		return nil, fmt.Errorf("acceptor register: %w", err)
	}
	l := &Listener{
		srv:    srv,
		fd:     fd,
		addr:   addr,
		poller: p,
		backoff: &backoff.Backoff{
			Min:    5 * time.Millisecond,
			Max:    time.Second,
			Factor: 2,
			Jitter: true,
		},
		stopCh: make(chan struct{}),
	}
	if len(cfg.AcceptRates) > 0 {
		l.limiter = catrate.NewLimiter(cfg.AcceptRates)
	}
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.TCPAddr { return l.addr }

// Name is the acceptor's log component name.
func (l *Listener) Name() string {
	return fmt.Sprintf("XsearchServer Listen On %d", l.addr.Port)
}

func (l *Listener) stop() {
	l.stopOnce.Do(func() {
		l.stopping.Store(true)
		close(l.stopCh)
		_ = l.poller.Wake()
	})
}

// close releases the listening socket and the poller.
func (l *Listener) close() {
	l.release.Do(func() {
		if err := transport.Close(l.fd); err != nil {
			l.log.Warning().Err(err).Log("closing listening socket")
		}
		l.poller.Close()
	})
}

func (l *Listener) run() {
	defer l.close()
	l.log.Info().Str("addr", l.addr.String()).Log("acceptor started")
	defer l.log.Info().Log("acceptor stopped")

	events := make([]reactor.Event, 8)
	for !l.stopping.Load() {
		n, err := l.poller.Wait(events, -1)
		if err != nil {
			l.log.Err().Err(err).Log("poller wait failed")
			l.pause(l.backoff.Duration())
			continue
		}
		if n > 0 {
			l.acceptReady()
		}
	}
}

// acceptReady drains the backlog.
func (l *Listener) acceptReady() {
	for !l.stopping.Load() {
		fd, addr, err := transport.Accept(l.fd)
		if err != nil {
			switch {
			case transport.IsWouldBlock(err):
				l.backoff.Reset()
			case transport.IsAcceptRetryable(err):
				continue
			case transport.IsResourceExhausted(err):
				d := l.backoff.Duration()
				l.log.Err().Err(err).Dur("retry_in", d).Log("accept failed, out of resources")
				l.pause(d)
			default:
				d := l.backoff.Duration()
				l.log.Err().Err(err).Dur("retry_in", d).Log("accept failed")
				l.pause(d)
			}
			return
		}
		l.handoff(fd, addr)
	}
}

func (l *Listener) handoff(fd int, addr *net.TCPAddr) {
	if l.limiter != nil && addr != nil {
		if next, ok := l.limiter.Allow(addr.IP.String()); !ok {
			transport.Close(fd)
			l.srv.metrics.ConnRejected()
			l.log.Debug().
				Str("remote", addr.String()).
				Time("retry_after", next).
				Log("connection rejected by rate limit")
			return
		}
	}
	if err := transport.Configure(fd); err != nil {
		l.log.Warning().Err(err).Log("socket options")
	}

	readers := l.srv.readers
	r := readers[l.next]
	l.next = (l.next + 1) % len(readers)

	c := newConnection(l.srv.nextConnID.Add(1), fd, addr, r, l.srv.cfg.MaxFrameSize)
	l.srv.metrics.ConnAccepted()
	l.log.Debug().
		Uint64("conn_id", c.ID()).
		Str("conn", c.String()).
		Int("reader", r.index+1).
		Log("connection accepted")
	if err := r.Assign(c); err != nil {
		c.Close()
		if !errors.Is(err, concurrency.ErrQueueClosed) {
			l.log.Err().Err(err).Log("hand-off failed")
		}
	}
}

// pause sleeps for d unless the acceptor is stopped first.
func (l *Listener) pause(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.stopCh:
	}
}
