// Package traceprovider implements the trace-provider collaborator (spec
// §6): a component that attaches to the host's kernel event-tracing
// facility and delivers raw file-I/O and process-lifecycle notifications to
// a registered callback.
//
// The Linux reference adapter (linux.go) is grounded on two
// teacher mechanisms: watcher.InotifyWatcher for file-system notifications,
// and watcher.ProcessWatcher's NETLINK_CONNECTOR reader for process exec/exit
// notifications — both adapted to emit model.RawEvent instead of
// watcher.AlertEvent, and extended to also report PROC_EVENT_EXIT (the
// teacher only watched PROC_EVENT_EXEC).
package traceprovider

import (
	"context"
	"time"

	"github.com/proctail/agent/internal/model"
)

// Handler receives one raw event at a time. It must return promptly — the
// provider's callback path must never block on downstream processing.
type Handler func(model.RawEvent)

// Config declares which providers and event names the trace session should
// report, mirroring the enabled_providers/enabled_event_names configuration
// options. An adapter is free to ignore event names it does not know how to
// produce.
type Config struct {
	EnabledProviders  []string
	EnabledEventNames []string
}

// Provider is the interface the orchestrator depends on. Implementations
// must tolerate Stop followed by Start (restart without data corruption).
type Provider interface {
	Start(ctx context.Context, handler Handler) error
	Stop()
	IsActive() bool
}

// FileIOProvider and ProcessProvider are the canonical provider-name tokens
// used by the classification rule in internal/processor. The Linux adapter
// reports events under these names even though they were coined for the
// Windows ETW namespace — callers should treat them as an equivalent
// namespace token rather than a Windows-specific one.
const (
	FileIOProvider  = "Microsoft-Windows-Kernel-FileIO"
	ProcessProvider = "Microsoft-Windows-Kernel-Process"
)

// Event name tokens emitted by the Linux adapter.
const (
	EventFileCreate  = "FileIO/Create"
	EventFileWrite   = "FileIO/Write"
	EventFileDelete  = "FileIO/Delete"
	EventFileClose   = "FileIO/Close"
	EventProcessExec = "Process/Start"
	EventProcessExit = "Process/End"
)

func timestamp() time.Time { return time.Now().UTC() }
