// File: server/server.go
// Package server implements the reactor-style framed request server: one
// acceptor, N readers with private pollers, a bounded call queue and M
// handlers.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/control"
	"github.com/momentics/hioload-ipc/internal/concurrency"
)

// Server wires the acceptor, readers, call queue and handlers together.
type Server struct {
	cfg       Config
	processor api.Processor
	log       *logiface.Logger[logiface.Event]
	logSet    bool
	metrics   api.Metrics
	probes    *control.DebugProbes

	acceptor *Listener
	readers  []*Reader
	handlers []*Handler
	calls    *concurrency.BoundedQueue[*Call]

	nextConnID atomic.Uint64
	nextCallID atomic.Uint64

	ctx    context.Context // handed to Processor.Process
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	stopping bool
	done     chan struct{} // closed once teardown completes

	acceptWG  sync.WaitGroup
	readerWG  sync.WaitGroup
	handlerWG sync.WaitGroup
}

// New validates cfg, binds the listening socket and creates every poller.
// Nothing runs until Start.
func New(cfg *Config, processor api.Processor, opts ...ServerOption) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if processor == nil {
		return nil, &api.ConfigError{Field: "processor", Reason: "must not be nil"}
	}
	s := &Server{
		cfg:       cfg.clone(),
		processor: processor,
		metrics:   api.NopMetrics{},
		probes:    control.NewDebugProbes(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, err
	}
	if !s.logSet {
		s.log = NewLogger(nil, logiface.LevelInformational)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.calls = concurrency.NewBoundedQueue[*Call](s.cfg.CallQueueSize)

	acceptor, err := newListener(s)
	if err != nil {
		s.cancel()
		return nil, err
	}
	s.acceptor = acceptor
	acceptor.log = componentLogger(s.log, acceptor.Name())

	for i := 0; i < s.cfg.Readers; i++ {
		r, err := newReader(s, i)
		if err != nil {
			for _, prev := range s.readers {
				prev.poller.Close()
			}
			acceptor.close()
			s.cancel()
			return nil, err
		}
		r.log = componentLogger(s.log, r.Name())
		s.readers = append(s.readers, r)
	}
	for i := 0; i < s.cfg.Handlers; i++ {
		h := newHandler(s, i)
		h.log = componentLogger(s.log, h.Name())
		s.handlers = append(s.handlers, h)
	}
	s.registerProbes()
	return s, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() *net.TCPAddr { return s.acceptor.Addr() }

func (s *Server) port() int { return s.acceptor.Addr().Port }

// Config returns a copy of the effective configuration.
func (s *Server) Config() Config { return s.cfg.clone() }

// Start launches every goroutine and returns immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopping:
		return api.ErrServerClosed
	case s.started:
		return api.ErrAlreadyStarted
	}
	s.started = true

	for _, h := range s.handlers {
		s.handlerWG.Add(1)
		go func(h *Handler) {
			defer s.handlerWG.Done()
			h.run(s.ctx)
		}(h)
	}
	for _, r := range s.readers {
		s.readerWG.Add(1)
		go func(r *Reader) {
			defer s.readerWG.Done()
			r.run()
		}(r)
	}
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		s.acceptor.run()
	}()

	s.log.Info().
		Str("addr", s.Addr().String()).
		Int("readers", len(s.readers)).
		Int("handlers", len(s.handlers)).
		Int("call_queue", s.calls.Cap()).
		Log("server started")
	return nil
}

// Shutdown stops accepting, closes every connection, lets the handlers
// finish queued calls and joins all goroutines. If ctx ends first the
// processor context is cancelled and ctx.Err() is returned; teardown keeps
// going in the background. Shutdown is idempotent.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		go s.teardown(s.started)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// Done is closed once Shutdown has fully completed.
func (s *Server) Done() <-chan struct{} { return s.done }

func (s *Server) teardown(started bool) {
	defer close(s.done)
	defer s.cancel()

	if !started {
		s.acceptor.close()
		for _, r := range s.readers {
			r.poller.Close()
		}
		s.calls.Close()
		return
	}

	s.acceptor.stop()
	s.acceptWG.Wait()

	for _, r := range s.readers {
		r.stop()
	}
	s.readerWG.Wait()

	s.calls.Close()
	s.handlerWG.Wait()

	s.log.Info().Log("server stopped")
}

// Run starts the server and blocks until ctx is done, then shuts down
// within Config.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Metrics returns the installed metrics sink.
func (s *Server) Metrics() api.Metrics { return s.metrics }

// DumpState evaluates the debug probes.
func (s *Server) DumpState() map[string]any {
	return s.probes.DumpState()
}

// RegisterProbe adds an application-defined debug probe.
func (s *Server) RegisterProbe(name string, fn func() any) {
	s.probes.RegisterProbe(name, fn)
}

func (s *Server) registerProbes() {
	s.probes.RegisterProbe("addr", func() any { return s.Addr().String() })
	s.probes.RegisterProbe("call_queue_depth", func() any { return s.calls.Len() })
	s.probes.RegisterProbe("call_queue_capacity", func() any { return s.calls.Cap() })
	s.probes.RegisterProbe("reader_connections", func() any {
		out := make([]int, len(s.readers))
		for i, r := range s.readers {
			out[i] = r.Active()
		}
		return out
	})
	s.probes.RegisterProbe("handlers", func() any { return len(s.handlers) })
	if snap, ok := s.metrics.(interface{ GetSnapshot() map[string]any }); ok {
		s.probes.RegisterProbe("metrics", func() any { return snap.GetSnapshot() })
	}
}
