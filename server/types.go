// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/momentics/hioload-ipc/api"
	"github.com/momentics/hioload-ipc/protocol"
)

// Config holds all server-side configuration parameters.
type Config struct {
	Host    string // bind host, e.g. "localhost" or "0.0.0.0"
	Port    int    // bind port, 0 picks a free one
	Backlog int    // listen(2) backlog

	Readers  int // reader goroutines, each with its own poller
	Handlers int // handler goroutines consuming the call queue

	CallQueueSize        int // capacity of the shared call queue
	PendingConnQueueSize int // per-reader capacity of the accepted-socket hand-off

	ReadBufferSize int // max bytes taken by one read per readiness event
	MaxFrameSize   int // largest accepted payload length

	WriteTimeout    time.Duration // bound on a single response write, 0 = unbounded
	IdleTimeout     time.Duration // evict connections silent for longer, 0 = disabled
	SweepInterval   time.Duration // how often readers look for idle connections
	ShutdownTimeout time.Duration // graceful shutdown bound used by Run

	// ReaderCPUs, if set, pins reader i's OS thread to
	// ReaderCPUs[i%len(ReaderCPUs)].
	ReaderCPUs []int

	// AcceptRates limits accepted connections per remote IP, as
	// window -> max count. Nil disables admission control.
	AcceptRates map[time.Duration]int

	// ErrorEncoder, if set, turns a processing error into a response
	// payload. When nil, a failed call closes its connection.
	ErrorEncoder func(err error) []byte
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:                 "localhost",
		Port:                 0,
		Backlog:              128,
		Readers:              1,
		Handlers:             2,
		CallQueueSize:        10,
		PendingConnQueueSize: 100,
		ReadBufferSize:       64 * 1024,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		WriteTimeout:         5 * time.Second,
		IdleTimeout:          0,
		SweepInterval:        time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Validate reports the first invalid field as an *api.ConfigError.
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return &api.ConfigError{Field: "Port", Reason: "must be within [0, 65535]"}
	case c.Backlog <= 0:
		return &api.ConfigError{Field: "Backlog", Reason: "must be positive"}
	case c.Readers <= 0:
		return &api.ConfigError{Field: "Readers", Reason: "must be positive"}
	case c.Handlers <= 0:
		return &api.ConfigError{Field: "Handlers", Reason: "must be positive"}
	case c.CallQueueSize <= 0:
		return &api.ConfigError{Field: "CallQueueSize", Reason: "must be positive"}
	case c.PendingConnQueueSize <= 0:
		return &api.ConfigError{Field: "PendingConnQueueSize", Reason: "must be positive"}
	case c.ReadBufferSize <= 0:
		return &api.ConfigError{Field: "ReadBufferSize", Reason: "must be positive"}
	case c.MaxFrameSize <= 0:
		return &api.ConfigError{Field: "MaxFrameSize", Reason: "must be positive"}
	case c.WriteTimeout < 0:
		return &api.ConfigError{Field: "WriteTimeout", Reason: "must not be negative"}
	case c.IdleTimeout < 0:
		return &api.ConfigError{Field: "IdleTimeout", Reason: "must not be negative"}
	case c.IdleTimeout > 0 && c.SweepInterval <= 0:
		return &api.ConfigError{Field: "SweepInterval", Reason: "must be positive when IdleTimeout is set"}
	}
	for _, cpu := range c.ReaderCPUs {
		if cpu < 0 {
			return &api.ConfigError{Field: "ReaderCPUs", Reason: "cpu ids must not be negative"}
		}
	}
	return validateRates(c.AcceptRates)
}

// validateRates rejects rate sets the limiter would refuse: longer windows
// must allow more events at a strictly lower rate.
func validateRates(rates map[time.Duration]int) error {
	windows := make([]time.Duration, 0, len(rates))
	for window, limit := range rates {
		if window <= 0 || limit <= 0 {
			return &api.ConfigError{Field: "AcceptRates", Reason: "windows and limits must be positive"}
		}
		windows = append(windows, window)
	}
	slices.Sort(windows)
	for i := 1; i < len(windows); i++ {
		prev, cur := windows[i-1], windows[i]
		if rates[cur] <= rates[prev] ||
			float64(rates[cur])/float64(cur) >= float64(rates[prev])/float64(prev) {
			return &api.ConfigError{Field: "AcceptRates", Reason: fmt.Sprintf("window %s does not widen %s", cur, prev)}
		}
	}
	return nil
}

// Address returns the configured bind address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) clone() Config {
	out := *c
	out.ReaderCPUs = append([]int(nil), c.ReaderCPUs...)
	if c.AcceptRates != nil {
		out.AcceptRates = make(map[time.Duration]int, len(c.AcceptRates))
		for k, v := range c.AcceptRates {
			out.AcceptRates[k] = v
		}
	}
	return out
}
