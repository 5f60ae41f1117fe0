// File: protocol/frame_codec.go
// Package protocol implements the incremental length-prefixed frame decoder.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Decoder accepts arbitrary byte chunks, so a frame may arrive split across
// many reads, and many frames may arrive in one read.

package protocol

import (
	"encoding/binary"

	"github.com/momentics/hioload-ipc/api"
)

// Decoder holds per-connection framing state. It is not safe for concurrent
// use; each connection is fed by exactly one reader goroutine.
type Decoder struct {
	maxSize int
	state   api.ConnState
	hdr     [HeaderSize]byte
	hdrN    int
	body    []byte
	bodyN   int
}

// NewDecoder creates a decoder awaiting a length prefix. maxSize <= 0
// selects DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize, state: api.StateAwaitingLength}
}

// State reports the current framing state.
func (d *Decoder) State() api.ConnState { return d.state }

// Buffered reports how many bytes of the current, incomplete frame are held.
func (d *Decoder) Buffered() int {
	switch d.state {
	case api.StateAwaitingLength:
		return d.hdrN
	case api.StateAwaitingBody:
		return HeaderSize + d.bodyN
	}
	return 0
}

// Feed consumes p completely, invoking emit once per completed frame in
// arrival order. emit owns the payload slice. Feed stops at the first error
// from emit or from an oversized length prefix; the decoder is then closed.
func (d *Decoder) Feed(p []byte, emit func(payload []byte) error) error {
	for len(p) > 0 {
		switch d.state {
		case api.StateAwaitingLength:
			n := copy(d.hdr[d.hdrN:], p)
			d.hdrN += n
			p = p[n:]
			if d.hdrN < HeaderSize {
				return nil
			}
			length := binary.BigEndian.Uint32(d.hdr[:])
			d.hdrN = 0
			if uint64(length) > uint64(d.maxSize) {
				d.state = api.StateClosed
				return &FrameSizeError{Length: length, Max: d.maxSize}
			}
			d.body = make([]byte, length)
			d.bodyN = 0
			d.state = api.StateAwaitingBody
			if length == 0 {
				if err := d.complete(emit); err != nil {
					return err
				}
			}

		case api.StateAwaitingBody:
			n := copy(d.body[d.bodyN:], p)
			d.bodyN += n
			p = p[n:]
			if d.bodyN == len(d.body) {
				if err := d.complete(emit); err != nil {
					return err
				}
			}

		default:
			return api.ErrConnClosed
		}
	}
	return nil
}

func (d *Decoder) complete(emit func([]byte) error) error {
	d.state = api.StateFrameComplete
	payload := d.body
	d.body, d.bodyN = nil, 0
	if err := emit(payload); err != nil {
		d.state = api.StateClosed
		return err
	}
	d.state = api.StateAwaitingLength
	return nil
}

// Close discards any partial frame. Further Feed calls fail.
func (d *Decoder) Close() {
	d.state = api.StateClosed
	d.hdrN = 0
	d.body, d.bodyN = nil, 0
}
