// Package pipeendpoint implements a local bidirectional byte-stream
// listener with an ACL admitting the endpoint owner plus authenticated
// local users (administrators granted full control), and no remote access.
//
// On POSIX, the endpoint is a Unix domain socket with its filesystem
// permission bits narrowed after creation (owner and group only — "local
// users" is approximated by group membership since POSIX sockets have no
// richer ACL primitive). On Windows, the endpoint is a named pipe created
// via github.com/Microsoft/go-winio with an explicit security descriptor
// expressing the same ACL.
package pipeendpoint

import "net"

// DefaultName is the default endpoint name, matching the pipe_name
// configuration default.
const DefaultName = "ProcTailIPC"

// Endpoint wraps a net.Listener with the ACL already applied, so that
// internal/ipc.Server can Accept on it without any endpoint-specific
// knowledge.
type Endpoint interface {
	net.Listener
}
