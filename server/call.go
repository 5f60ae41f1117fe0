// File: server/call.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-ipc/api"
)

// Call is one decoded request frame waiting for, or being served by, a
// handler.
type Call struct {
	ID         uint64      // assigned in frame completion order
	RetryCount int         // reserved; the core never changes it
	Conn       *Connection // where the response goes
	Payload    []byte
	ReceivedAt time.Time
}

func (c *Call) String() string {
	conn := api.UnknownAddress
	if c.Conn != nil {
		conn = c.Conn.String()
	}
	return fmt.Sprintf("Call [id=%d, retryCount=%d, connection=%s]", c.ID, c.RetryCount, conn)
}
