//go:build windows

package pipeendpoint

import (
	"fmt"

	"github.com/Microsoft/go-winio"
)

// namedPipeSDDL grants full control to Administrators and SYSTEM and
// read/write to Authenticated Users, with no access for anyone else — the
// Windows-native expression of an "owner plus authenticated local users,
// administrators full control; no remote access" endpoint ACL.
const namedPipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;AU)"

// Listen creates a named pipe endpoint at \\.\pipe\<name> with the ACL
// described by namedPipeSDDL.
func Listen(name string) (Endpoint, error) {
	path := `\\.\pipe\` + name
	listener, err := winio.ListenPipe(path, &winio.PipeConfig{
		SecurityDescriptor: namedPipeSDDL,
		MessageMode:        false,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeendpoint: listen on %s: %w", path, err)
	}
	return listener, nil
}
