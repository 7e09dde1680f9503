// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command netplumbctl talks to a running netplumbd over its client socket.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultDialer).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
