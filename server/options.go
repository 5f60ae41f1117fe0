// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-ipc/api"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithLogger replaces the default stderr JSON logger. A nil logger disables
// logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) ServerOption {
	return func(s *Server) {
		s.log = logger
		s.logSet = true
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m api.Metrics) ServerOption {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithReaders overrides the number of reader goroutines.
func WithReaders(n int) ServerOption {
	return func(s *Server) {
		s.cfg.Readers = n
	}
}

// WithHandlers overrides the number of handler goroutines.
func WithHandlers(n int) ServerOption {
	return func(s *Server) {
		s.cfg.Handlers = n
	}
}

// WithCallQueueSize overrides the call queue capacity.
func WithCallQueueSize(n int) ServerOption {
	return func(s *Server) {
		s.cfg.CallQueueSize = n
	}
}

// WithIdleTimeout enables eviction of connections idle for longer than d.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.cfg.IdleTimeout = d
	}
}

// WithErrorEncoder sets the function producing error responses.
func WithErrorEncoder(fn func(err error) []byte) ServerOption {
	return func(s *Server) {
		s.cfg.ErrorEncoder = fn
	}
}
