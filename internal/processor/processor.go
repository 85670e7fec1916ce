// Package processor classifies and filters raw trace-provider events into
// the typed event union, and drives watch-target enrollment/eviction as a
// side effect of process lifecycle events.
//
// Grounded on the rule-matching shape of watcher.FileWatcher (a filter
// policy evaluated against each observed change before an event is
// surfaced), generalized from "does this path match a configured rule" to
// "does this raw event pass the classification and filter policy."
package processor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/proctail/agent/internal/model"
)

const (
	fileIOProvider  = "Microsoft-Windows-Kernel-FileIO"
	processProvider = "Microsoft-Windows-Kernel-Process"
)

// WatchTargets is the subset of the watch-target manager the processor
// depends on: membership/tag lookups and the two lifecycle side effects.
type WatchTargets interface {
	IsWatched(pid int) bool
	IsExplicit(pid int) bool
	TagOf(pid int) (string, bool)
	AddChild(childPID, parentPID int) bool
	RemoveByPID(pid int) bool
}

// ProcessNamer resolves a PID to its process name, for the
// exclude_process_names filter. A failed lookup returns ok=false and the
// event is not rejected on that basis alone.
type ProcessNamer func(pid int) (name string, ok bool)

// FilterPolicy holds the configuration-derived filter options evaluated by
// ShouldProcess's file-filter policy.
type FilterPolicy struct {
	ExcludeSystemProcesses bool
	MinProcessID           int
	ExcludedProcessNames   []string
	IncludeFileExtensions  []string
	ExcludeFilePatterns    []string
}

// Config holds the full set of options the processor needs beyond the
// watch-target manager: provider/event allow-lists and the filter policy.
type Config struct {
	EnabledProviders  []string
	EnabledEventNames []string
	Filter            FilterPolicy
}

// Reason identifies why Process declined to produce a typed event.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNilInput         Reason = "null_input"
	ReasonFiltered         Reason = "filtered"
	ReasonUnwatched        Reason = "unwatched"
	ReasonTagLookupMiss    Reason = "tag_lookup_miss"
	ReasonConversionFailed Reason = "conversion_failed"
)

// Result is the outcome of Process.
type Result struct {
	Event  model.TypedEvent
	OK     bool
	Reason Reason
	Err    error
}

// Processor converts raw events into typed events, applying the allow-list
// and filter policy, and drives enrollment/eviction on the watch-target
// manager as a side effect of process lifecycle events.
type Processor struct {
	cfg     Config
	targets WatchTargets
	namer   ProcessNamer
}

// New creates a Processor. namer may be nil, in which case the
// exclude_process_names check is skipped (no names are ever excluded).
func New(cfg Config, targets WatchTargets, namer ProcessNamer) *Processor {
	return &Processor{cfg: cfg, targets: targets, namer: namer}
}

// ShouldProcess reports whether raw passes the provider/event allow-lists,
// the watched-PID check, and the file-filter policy. It performs no
// side effects.
func (p *Processor) ShouldProcess(raw *model.RawEvent) bool {
	if raw == nil {
		return false
	}
	if !contains(p.cfg.EnabledProviders, raw.ProviderName) {
		return false
	}
	if !contains(p.cfg.EnabledEventNames, raw.EventName) {
		return false
	}
	if !p.targets.IsWatched(raw.ProcessID) {
		return false
	}
	return p.passesFileFilter(raw)
}

// passesFileFilter evaluates the file-filter policy. ShouldProcess has
// already established that raw.ProcessID is watched (in some form) before
// calling this. Only exclude_file_patterns carries a watched-PID override:
// an explicitly registered target (added via AddWatchTarget, not
// auto-enrolled as a descendant) bypasses the exclude-pattern check, so a
// path under e.g. \Temp\ is still admitted when its owning PID was
// explicitly requested. The system-process threshold, excluded-process-name,
// and include-extension checks have no such exception and apply uniformly.
func (p *Processor) passesFileFilter(raw *model.RawEvent) bool {
	f := p.cfg.Filter

	if f.ExcludeSystemProcesses && raw.ProcessID < f.MinProcessID {
		return false
	}

	if p.namer != nil && len(f.ExcludedProcessNames) > 0 {
		if name, ok := p.namer(raw.ProcessID); ok && containsFold(f.ExcludedProcessNames, name) {
			return false
		}
	}

	if raw.ProviderName != fileIOProvider {
		return true // extension/pattern checks only apply to file events
	}

	path := resolveFilePath(raw)

	if len(f.IncludeFileExtensions) > 0 && !hasAnySuffix(path, f.IncludeFileExtensions) {
		return false
	}

	explicit := p.targets.IsExplicit(raw.ProcessID)
	if matchesAnyGlob(f.ExcludeFilePatterns, path) && !explicit {
		return false
	}

	return true
}

// Process classifies raw, converts it to a typed event, and applies its
// watch-target side effects. Side effects (enroll child / evict on end) are
// applied before the typed event is returned.
func (p *Processor) Process(raw *model.RawEvent) Result {
	if raw == nil {
		return Result{Reason: ReasonNilInput}
	}
	if !p.ShouldProcess(raw) {
		return Result{Reason: ReasonFiltered}
	}

	tag, ok := p.targets.TagOf(raw.ProcessID)
	if !ok {
		return Result{Reason: ReasonTagLookupMiss}
	}

	header := model.TypedEvent{
		Timestamp:         raw.Timestamp,
		Tag:               tag,
		ProcessID:         raw.ProcessID,
		ThreadID:          raw.ThreadID,
		ProviderName:      raw.ProviderName,
		EventName:         raw.EventName,
		ActivityID:        raw.ActivityID,
		RelatedActivityID: raw.RelatedActivityID,
		Payload:           raw.Payload,
	}

	switch raw.ProviderName {
	case fileIOProvider:
		return p.classifyFile(raw, header)
	case processProvider:
		return p.classifyProcess(raw, header)
	default:
		header.Kind = model.KindGeneric
		return Result{Event: header, OK: true}
	}
}

func (p *Processor) classifyFile(raw *model.RawEvent, header model.TypedEvent) Result {
	header.Kind = model.KindFile

	path, ok := raw.Payload.StringField("FileName")
	if !ok {
		path, ok = raw.Payload.StringField("FilePath")
	}
	if !ok {
		if isCloseEvent(raw.EventName) {
			path = fmt.Sprintf("<%s:PID%d>", raw.EventName, raw.ProcessID)
		} else {
			return Result{Reason: ReasonConversionFailed,
				Err: fmt.Errorf("processor: file event %q missing FileName/FilePath payload", raw.EventName)}
		}
	}
	header.FilePath = path
	return Result{Event: header, OK: true}
}

func (p *Processor) classifyProcess(raw *model.RawEvent, header model.TypedEvent) Result {
	name := raw.EventName

	switch {
	case strings.Contains(name, "Start"):
		header.Kind = model.KindProcessStart

		childPID, ok := raw.Payload.IntField("ProcessId")
		if !ok {
			return Result{Reason: ReasonConversionFailed,
				Err: fmt.Errorf("processor: process-start event missing ProcessId payload")}
		}
		childName, ok := raw.Payload.StringField("ProcessName")
		if !ok {
			return Result{Reason: ReasonConversionFailed,
				Err: fmt.Errorf("processor: process-start event missing ProcessName payload")}
		}

		header.ChildProcessID = int(childPID)
		header.ChildProcessName = childName

		p.targets.AddChild(int(childPID), raw.ProcessID)

		return Result{Event: header, OK: true}

	case strings.Contains(name, "End"), strings.Contains(name, "Stop"):
		header.Kind = model.KindProcessEnd

		exitCode, ok := raw.Payload.IntField("ExitCode")
		if !ok {
			exitCode, ok = raw.Payload.IntField("ExitStatus")
		}
		if !ok {
			exitCode = 0
		}
		header.ExitCode = int(exitCode)

		p.targets.RemoveByPID(raw.ProcessID)

		return Result{Event: header, OK: true}

	default:
		header.Kind = model.KindGeneric
		return Result{Event: header, OK: true}
	}
}

func isCloseEvent(eventName string) bool {
	return strings.Contains(eventName, "Close")
}

// resolveFilePath extracts a best-effort path for filter evaluation without
// failing the event (conversion failures are handled separately in
// classifyFile); an event lacking a resolvable path is treated as an empty
// string, which matches no extension and no exclude pattern.
func resolveFilePath(raw *model.RawEvent) string {
	if path, ok := raw.Payload.StringField("FileName"); ok {
		return path
	}
	if path, ok := raw.Payload.StringField("FilePath"); ok {
		return path
	}
	return ""
}

func contains(list []string, want string) bool {
	if len(list) == 0 {
		return false
	}
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(strings.ToLower(s), strings.ToLower(suf)) {
			return true
		}
	}
	return false
}

func matchesAnyGlob(patterns []string, path string) bool {
	normalized := strings.ReplaceAll(path, `\`, `/`)
	for _, pattern := range patterns {
		p := strings.ReplaceAll(pattern, `\`, `/`)
		if ok, _ := filepath.Match(p, normalized); ok {
			return true
		}
		// Also try matching against the base name, since many exclude
		// patterns are written as "*.tmp" rather than a full path glob.
		if ok, _ := filepath.Match(p, filepath.Base(normalized)); ok {
			return true
		}
	}
	return false
}
