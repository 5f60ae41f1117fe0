// File: internal/concurrency/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

import "errors"

// ErrQueueClosed is returned by Put after Close, and by Take once a closed
// queue has been drained.
var ErrQueueClosed = errors.New("concurrency: queue closed")
