// File: protocol/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame encoding and blocking stream helpers.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/valyala/bytebufferpool"
)

// HeaderSize is the length of the frame prefix in bytes.
const HeaderSize = 4

// DefaultMaxFrameSize bounds a single payload unless configured otherwise.
const DefaultMaxFrameSize = 16 << 20 // 16 MiB

var (
	// ErrFrameTooLarge is returned when a declared payload length exceeds
	// the configured limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrPayloadTooLarge is returned when a payload cannot be expressed in
	// the 32-bit length prefix.
	ErrPayloadTooLarge = errors.New("protocol: payload exceeds 32-bit length")
)

// FrameSizeError carries the offending declared length.
type FrameSizeError struct {
	Length uint32
	Max    int
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("protocol: frame length %d exceeds maximum %d", e.Length, e.Max)
}

func (e *FrameSizeError) Unwrap() error { return ErrFrameTooLarge }

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return dst, ErrPayloadTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// EncodeFrame returns a pooled buffer holding the framed payload. The caller
// must release it with bytebufferpool.Put once written.
func EncodeFrame(payload []byte) (*bytebufferpool.ByteBuffer, error) {
	buf := bytebufferpool.Get()
	b, err := AppendFrame(buf.B[:0], payload)
	if err != nil {
		bytebufferpool.Put(buf)
		return nil, err
	}
	buf.B = b
	return buf, nil
}

// WriteFrame writes one frame to w in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	defer bytebufferpool.Put(buf)
	_, err = w.Write(buf.B)
	return err
}

// ReadFrame reads one frame from r. maxSize <= 0 selects DefaultMaxFrameSize.
// A clean EOF before any header byte is returned as io.EOF; a truncated frame
// as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if uint64(length) > uint64(maxSize) {
		return nil, &FrameSizeError{Length: length, Max: maxSize}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}
