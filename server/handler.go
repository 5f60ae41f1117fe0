// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handler consumes calls from the shared queue, runs the processor and
// writes the response frame back. It never touches framing state.

package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/momentics/hioload-ipc/api"
)

// Handler is one worker of the handler pool.
type Handler struct {
	index int
	srv   *Server
	log   *logiface.Logger[logiface.Event]
}

func newHandler(srv *Server, index int) *Handler {
	return &Handler{index: index, srv: srv}
}

// Name is the handler's log component name.
func (h *Handler) Name() string {
	return fmt.Sprintf("Handler #%d", h.index+1)
}

func (h *Handler) run(ctx context.Context) {
	h.log.Info().Log("handler started")
	for {
		call, err := h.srv.calls.Take()
		if err != nil {
			h.log.Info().Log("handler stopped")
			return
		}
		h.handle(ctx, call)
	}
}

func (h *Handler) handle(ctx context.Context, call *Call) {
	resp, err := h.process(ctx, call)
	h.srv.metrics.CallDone(time.Since(call.ReceivedAt), err)

	if err != nil {
		h.log.Warning().
			Err(err).
			Str("call", call.String()).
			Log("processing failed")
		enc := h.srv.cfg.ErrorEncoder
		if enc == nil {
			call.Conn.Close()
			return
		}
		resp = enc(err)
	}
	if resp == nil {
		return
	}

	werr := call.Conn.WriteFrame(resp, h.srv.cfg.WriteTimeout)
	switch {
	case werr == nil:
	case errors.Is(werr, api.ErrConnClosed):
		h.log.Debug().Str("call", call.String()).Log("response dropped, connection closed")
	default:
		h.log.Warning().Err(werr).Str("call", call.String()).Log("response write failed")
		// a partial frame leaves the stream unusable
		call.Conn.Close()
	}
}

// process runs the processor, converting a panic into an error.
func (h *Handler) process(ctx context.Context, call *Call) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, &api.PanicError{Value: r}
		}
	}()
	return h.srv.processor.Process(ctx, call.Payload, call.Conn)
}
