// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrMissingLogger is returned when logger is not provided
	ErrMissingLogger = errors.New("logger is required")

	// ErrManagerNotStarted is returned when trying to shutdown a manager that hasn't started
	ErrManagerNotStarted = errors.New("manager not started")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("manager already started")

	// ErrUnknownNativePlugin is returned for native plugin names without a factory.
	ErrUnknownNativePlugin = errors.New("unknown native plugin")

	// ErrAlreadyRunning is returned when the pid file names a live process.
	ErrAlreadyRunning = errors.New("another netplumbd is running")
)
