// File: api/metrics.go
// Package api defines the observability contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "time"

// Metrics receives runtime counters from the acceptor, readers and handlers.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// ConnAccepted is called once per socket handed to a reader.
	ConnAccepted()
	// ConnRejected is called when admission control refuses a socket.
	ConnRejected()
	// ConnClosed is called once per connection, whatever closed it.
	ConnClosed()
	// ConnEvicted is called when a reader closes an idle connection.
	ConnEvicted()
	// FrameRejected is called on a framing violation.
	FrameRejected()
	// CallQueued reports the call queue depth right after an enqueue.
	CallQueued(depth int)
	// CallDone reports the processing latency and outcome of one call.
	CallDone(latency time.Duration, err error)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ConnAccepted()                 {}
func (NopMetrics) ConnRejected()                 {}
func (NopMetrics) ConnClosed()                   {}
func (NopMetrics) ConnEvicted()                  {}
func (NopMetrics) FrameRejected()                {}
func (NopMetrics) CallQueued(int)                {}
func (NopMetrics) CallDone(time.Duration, error) {}

var _ Metrics = NopMetrics{}
