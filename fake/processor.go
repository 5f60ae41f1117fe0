// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package fake provides test doubles for the server contracts.
package fake

import (
	"context"
	"sync"

	"github.com/momentics/hioload-ipc/api"
)

// Request is one recorded Process invocation.
type Request struct {
	Payload []byte
	ConnID  uint64
	Remote  string
}

// Processor records every request and answers through Reply, echoing the
// payload when Reply is nil.
type Processor struct {
	Reply func(ctx context.Context, payload []byte, conn api.ConnInfo) ([]byte, error)

	mu       sync.Mutex
	requests []Request
	notify   chan struct{}
}

var _ api.Processor = (*Processor)(nil)

// NewProcessor returns an echoing recorder.
func NewProcessor() *Processor {
	return &Processor{notify: make(chan struct{}, 1)}
}

// Process implements api.Processor.
func (p *Processor) Process(ctx context.Context, payload []byte, conn api.ConnInfo) ([]byte, error) {
	p.mu.Lock()
	p.requests = append(p.requests, Request{
		Payload: payload,
		ConnID:  conn.ID(),
		Remote:  conn.RemoteAddr(),
	})
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
	if p.Reply != nil {
		return p.Reply(ctx, payload, conn)
	}
	return payload, nil
}

// Requests returns a copy of everything recorded so far.
func (p *Processor) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Count returns the number of recorded requests.
func (p *Processor) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Payloads returns the recorded payloads as strings, in arrival order.
func (p *Processor) Payloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.requests))
	for i, r := range p.requests {
		out[i] = string(r.Payload)
	}
	return out
}

// Notified is signalled (coalesced) after each recorded request.
func (p *Processor) Notified() <-chan struct{} { return p.notify }
