//go:build !windows

package pipeendpoint

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// SocketDir is where Unix-domain endpoint sockets are created when name is
// not already an absolute path.
const SocketDir = "/var/run/proctail"

// Listen creates a Unix domain socket endpoint named name (or, if name is
// already an absolute path, at that exact path). Any stale socket file left
// over from a previous run is removed first. The socket's permission bits
// are narrowed to 0660 (owner + group read/write) after creation, which is
// the closest POSIX approximation of "owner plus authenticated local users,
// administrators full control": group membership stands in for the
// "authenticated local users" principal, and the file owner (expected to be
// root or the service account) stands in for "administrators."
func Listen(name string) (Endpoint, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(SocketDir, name+".sock")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("pipeendpoint: create socket directory: %w", err)
	}

	// Remove a stale socket from an unclean shutdown; bind fails with
	// "address already in use" otherwise.
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("pipeendpoint: remove stale socket %s: %w", path, err)
		}
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("pipeendpoint: listen on %s: %w", path, err)
	}

	if err := os.Chmod(path, 0660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("pipeendpoint: chmod %s: %w", path, err)
	}

	return &unixEndpoint{Listener: listener, path: path}, nil
}

// unixEndpoint removes its socket file on Close, matching the behavior
// expected of a service-managed endpoint (no stale file left for the next
// start to trip over before Listen's own cleanup runs).
type unixEndpoint struct {
	net.Listener
	path string
}

func (e *unixEndpoint) Close() error {
	err := e.Listener.Close()
	os.Remove(e.path)
	return err
}
