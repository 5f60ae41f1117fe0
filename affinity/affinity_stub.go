//go:build !linux
// +build !linux

// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for unsupported platforms.

package affinity

func setAffinityPlatform(cpuID int) error { return ErrUnsupported }

func currentPlatform() ([]int, error) { return nil, ErrUnsupported }
