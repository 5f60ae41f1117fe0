// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Length-prefixed framing used on every connection: a 4-byte unsigned
// big-endian length followed by exactly that many payload bytes. Requests
// and responses share the format, and frames may be pipelined back to back.
//
// Decoder is the incremental, push-style parser the readers feed with
// whatever a single read returned; ReadFrame and WriteFrame are the blocking
// stream forms used by clients.
package protocol
