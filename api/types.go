// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared API-level type declarations and constants.

package api

// ConnState enumerates the lifecycle of a server connection.
//
//	AwaitingLength -> AwaitingBody -> FrameComplete -> AwaitingLength
//	any state -> Closed
type ConnState int32

const (
	StateAwaitingLength ConnState = iota
	StateAwaitingBody
	StateFrameComplete
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateAwaitingLength:
		return "awaiting-length"
	case StateAwaitingBody:
		return "awaiting-body"
	case StateFrameComplete:
		return "frame-complete"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UnknownAddress is reported when the peer address cannot be resolved.
const UnknownAddress = "*Unknown*"
