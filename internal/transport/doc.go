// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw non-blocking TCP socket primitives for the server: listening socket
// setup, accept, per-connection options, read/write on descriptors, and
// bounded waits for writability. Descriptors are plain ints so they can be
// registered directly with the reactor pollers.

package transport
