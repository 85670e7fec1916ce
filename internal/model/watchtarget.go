package model

import "time"

// WatchTarget is a single PID registered under a tag.
type WatchTarget struct {
	ProcessID      int
	Tag            string
	RegisteredAt   time.Time
	IsChild        bool
	ParentProcessID int // meaningful only when IsChild is true
}

// TargetInfo enriches a WatchTarget with a best-effort process name and
// executable path, as returned by the watch-target manager's
// ListTargetInfos and the IPC GetWatchTargets response.
type TargetInfo struct {
	ProcessID      int
	ProcessName    string
	ExecutablePath string
	StartTime      time.Time
	TagName        string
}

// TerminatedPlaceholder is substituted for process name/executable path
// lookups that fail because the process has already exited.
const TerminatedPlaceholder = "[Terminated]"
