// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared by the server, client and protocol layers.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrConnClosed     = errors.New("connection is closed")
	ErrServerClosed   = errors.New("server is closed")
	ErrAlreadyStarted = errors.New("server already started")
	ErrWriteTimeout   = errors.New("write timeout")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrProcessorPanic = errors.New("processor panicked")
)

// ConfigError reports which configuration field failed validation.
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// PanicError carries a value recovered from a Processor.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panicked: %v", e.Value)
}

// Unwrap lets errors.Is match ErrProcessorPanic.
func (e *PanicError) Unwrap() error {
	return ErrProcessorPanic
}
