// File: api/processor.go
// Package api defines the request-processing contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// ConnInfo identifies the connection a request arrived on.
type ConnInfo interface {
	// ID returns the server-unique connection identifier.
	ID() uint64
	// RemoteAddr returns the peer as "host:port".
	RemoteAddr() string
}

// Processor executes one request payload and returns the response payload.
//
// A nil response with a nil error means nothing is written back. Process is
// called concurrently from every handler goroutine. payload is freshly
// allocated per frame and may be retained.
type Processor interface {
	Process(ctx context.Context, payload []byte, conn ConnInfo) ([]byte, error)
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(ctx context.Context, payload []byte, conn ConnInfo) ([]byte, error)

// Process calls f(ctx, payload, conn).
func (f ProcessorFunc) Process(ctx context.Context, payload []byte, conn ConnInfo) ([]byte, error) {
	return f(ctx, payload, conn)
}
