// File: server/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewLogger builds a JSON-lines logger writing to w (stderr when nil) at the
// given level.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// componentLogger returns a child logger tagged with the goroutine's name.
func componentLogger(parent *logiface.Logger[logiface.Event], name string) *logiface.Logger[logiface.Event] {
	return parent.Clone().Str("component", name).Logger()
}
