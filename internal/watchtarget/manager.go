// Package watchtarget implements the concurrent PID→tag / tag→PID-set
// manager: a process is watched under at most one tag at a time, children
// of a watched PID auto-enroll under their parent's tag at the moment they
// are observed starting, and every mutation is linearizable.
//
// Grounded on the mutex-guarded rule bookkeeping pattern found in
// watcher.ProcessWatcher/FileWatcher, generalized from "match a configured
// rule" to "look up a watched PID's tag."
package watchtarget

import (
	"strings"
	"sync"
	"time"

	"github.com/proctail/agent/internal/model"
)

// Manager tracks the set of watched PIDs and their tags. The zero value is
// not ready to use; construct one with New.
type Manager struct {
	mu    sync.RWMutex
	byPID map[int]*model.WatchTarget
	byTag map[string]map[int]struct{}
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		byPID: make(map[int]*model.WatchTarget),
		byTag: make(map[string]map[int]struct{}),
	}
}

// Add registers pid under tag. It returns false without mutating state when
// pid <= 0, tag is empty/whitespace-only, or pid is already watched.
func (m *Manager) Add(pid int, tag string) bool {
	if pid <= 0 || !validTag(tag) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPID[pid]; exists {
		return false
	}

	m.insertLocked(&model.WatchTarget{
		ProcessID:    pid,
		Tag:          tag,
		RegisteredAt: time.Now().UTC(),
		IsChild:      false,
	})
	return true
}

// AddChild enrolls childPID under parentPID's tag if parentPID is currently
// watched. It is a no-op (returns false) when the parent is not watched or
// childPID is already watched (idempotent).
func (m *Manager) AddChild(childPID, parentPID int) bool {
	if childPID <= 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byPID[childPID]; exists {
		return false
	}

	parent, ok := m.byPID[parentPID]
	if !ok {
		return false
	}

	m.insertLocked(&model.WatchTarget{
		ProcessID:       childPID,
		Tag:             parent.Tag,
		RegisteredAt:    time.Now().UTC(),
		IsChild:         true,
		ParentProcessID: parentPID,
	})
	return true
}

// insertLocked adds target to both maps. Caller must hold m.mu for writing.
func (m *Manager) insertLocked(target *model.WatchTarget) {
	m.byPID[target.ProcessID] = target
	set, ok := m.byTag[target.Tag]
	if !ok {
		set = make(map[int]struct{})
		m.byTag[target.Tag] = set
	}
	set[target.ProcessID] = struct{}{}
}

// IsWatched reports whether pid currently has a registered tag.
func (m *Manager) IsWatched(pid int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPID[pid]
	return ok
}

// IsExplicit reports whether pid is watched as a directly registered target
// (added via Add) rather than an auto-enrolled descendant (added via
// AddChild). Used by the file-filter override: only explicit targets bypass
// exclude-pattern matching.
func (m *Manager) IsExplicit(pid int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byPID[pid]
	return ok && !t.IsChild
}

// TagOf returns the tag currently registered for pid, and whether one
// exists.
func (m *Manager) TagOf(pid int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byPID[pid]
	if !ok {
		return "", false
	}
	return t.Tag, true
}

// RemoveByPID removes a single PID regardless of its tag. It returns whether
// a target was actually removed.
func (m *Manager) RemoveByPID(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeByPIDLocked(pid)
}

func (m *Manager) removeByPIDLocked(pid int) bool {
	target, ok := m.byPID[pid]
	if !ok {
		return false
	}
	delete(m.byPID, pid)
	if set, ok := m.byTag[target.Tag]; ok {
		delete(set, pid)
		if len(set) == 0 {
			delete(m.byTag, target.Tag)
		}
	}
	return true
}

// RemoveByTag removes every target registered under tag and returns the
// number removed. Removing a non-existent tag returns 0.
func (m *Manager) RemoveByTag(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.byTag[tag]
	if !ok {
		return 0
	}
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	for _, pid := range pids {
		delete(m.byPID, pid)
	}
	delete(m.byTag, tag)
	return len(pids)
}

// ListTargets returns an independent snapshot copy of all currently
// registered watch targets.
func (m *Manager) ListTargets() []model.WatchTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.WatchTarget, 0, len(m.byPID))
	for _, t := range m.byPID {
		out = append(out, *t)
	}
	return out
}

// ActiveCount returns the number of currently watched PIDs.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPID)
}

// ProcessInfo is the subset of process-validator data needed to enrich a
// WatchTarget into a TargetInfo (see ListTargetInfos).
type ProcessInfo struct {
	Name           string
	ExecutablePath string
}

// InfoLookup resolves process metadata for a PID; a failed lookup (process
// already exited) should return ok=false.
type InfoLookup func(pid int) (ProcessInfo, bool)

// ListTargetInfos returns a snapshot of all targets enriched with a
// best-effort process name/executable path via lookup. A failed lookup
// yields model.TerminatedPlaceholder rather than propagating an error.
func (m *Manager) ListTargetInfos(lookup InfoLookup) []model.TargetInfo {
	targets := m.ListTargets()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		info := model.TargetInfo{
			ProcessID:      t.ProcessID,
			ProcessName:    model.TerminatedPlaceholder,
			ExecutablePath: model.TerminatedPlaceholder,
			StartTime:      t.RegisteredAt,
			TagName:        t.Tag,
		}
		if lookup != nil {
			if pi, ok := lookup(t.ProcessID); ok {
				info.ProcessName = pi.Name
				info.ExecutablePath = pi.ExecutablePath
			}
		}
		out = append(out, info)
	}
	return out
}

func validTag(tag string) bool {
	return strings.TrimSpace(tag) != ""
}
