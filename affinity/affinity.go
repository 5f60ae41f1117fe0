// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.

package affinity

import "errors"

// ErrUnsupported is returned where thread affinity cannot be set.
var ErrUnsupported = errors.New("affinity: not supported on this platform")

// SetAffinity pins the current OS thread to a logical CPU. The caller must
// hold the thread with runtime.LockOSThread for the pin to mean anything.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return errors.New("affinity: negative cpu id")
	}
	return setAffinityPlatform(cpuID)
}

// Current returns the CPUs the current thread may run on.
func Current() ([]int, error) {
	return currentPlatform()
}
