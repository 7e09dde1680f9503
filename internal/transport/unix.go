// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

const runDirPerms = 0o750

// ListenUnix binds a unix stream socket at path, replacing a stale socket
// file and creating the parent directory when needed.
func ListenUnix(path string, perm os.FileMode) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(path), err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if perm != 0 {
		if err := os.Chmod(path, perm); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("chmod socket %s: %w", path, err)
		}
	}
	return listener, nil
}

// DialUnix connects to the unix socket at path.
func DialUnix(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial unix %s: %w", path, err)
	}
	return conn, nil
}
