// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Blocking, bounded FIFO used for the hand-off of accepted sockets to readers
// and of decoded calls to handlers. Producers block while the queue is full,
// consumers block while it is empty, and Close releases both sides.
package concurrency
