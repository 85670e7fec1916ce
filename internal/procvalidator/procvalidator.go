// Package procvalidator implements the process-validator collaborator:
// best-effort existence, name, and executable-path lookups for a PID, used
// by the watch-target manager to enrich snapshots and by the processor's
// exclude_process_names filter.
//
// Grounded on the host-introspection style of gopsutil-based examples: a
// thin wrapper over github.com/shirou/gopsutil/v3 that translates "process
// not found" into placeholder values rather than propagating an error to
// callers who only want a best-effort answer.
package procvalidator

import (
	"github.com/proctail/agent/internal/model"
	"github.com/shirou/gopsutil/v3/process"
)

// Validator answers best-effort questions about live OS processes.
type Validator struct{}

// New creates a Validator. It holds no state; gopsutil queries the OS
// directly on every call.
func New() *Validator {
	return &Validator{}
}

// Exists reports whether pid currently identifies a running process.
func (v *Validator) Exists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// NameOf returns the process's executable name (e.g. "myapp.exe"), or
// model.TerminatedPlaceholder if the process cannot be found or its name
// cannot be read.
func (v *Validator) NameOf(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return model.TerminatedPlaceholder
	}
	name, err := p.Name()
	if err != nil || name == "" {
		return model.TerminatedPlaceholder
	}
	return name
}

// ExecutablePathOf returns the process's executable path, or
// model.TerminatedPlaceholder if it cannot be found or read.
func (v *Validator) ExecutablePathOf(pid int) string {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return model.TerminatedPlaceholder
	}
	exe, err := p.Exe()
	if err != nil || exe == "" {
		return model.TerminatedPlaceholder
	}
	return exe
}

// Lookup resolves pid to a name/executable-path pair, for adapting into a
// watchtarget.InfoLookup. ok is false only when the process cannot be found
// at all; name and executablePath are set to model.TerminatedPlaceholder in
// that case so a caller that ignores ok still gets a sensible display value.
func (v *Validator) Lookup(pid int) (name, executablePath string, ok bool) {
	if !v.Exists(pid) {
		return model.TerminatedPlaceholder, model.TerminatedPlaceholder, false
	}
	return v.NameOf(pid), v.ExecutablePathOf(pid), true
}
