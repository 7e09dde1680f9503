// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package router

import "errors"

var (
	ErrInvalidAddress = errors.New("router: address cannot be registered")
	ErrDuplicatePeer  = errors.New("router: peer already registered")
	ErrNilAdapter     = errors.New("router: nil adapter")
	ErrStopped        = errors.New("router: stopped")
)
