// Package service contains the ProcTail orchestrator. It wires the trace
// provider, the watch-target manager, the event store, the processor, and
// the IPC dispatcher into a single supervised lifecycle, the way
// agent.Agent wires together watchers, the alert queue, and the transport
// client.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/proctail/agent/internal/audit"
	"github.com/proctail/agent/internal/config"
	"github.com/proctail/agent/internal/ipc"
	"github.com/proctail/agent/internal/model"
	"github.com/proctail/agent/internal/pipeendpoint"
	"github.com/proctail/agent/internal/processor"
	"github.com/proctail/agent/internal/procvalidator"
	"github.com/proctail/agent/internal/store"
	"github.com/proctail/agent/internal/traceprovider"
	"github.com/proctail/agent/internal/watchtarget"
)

// ProcessValidator is the subset of procvalidator.Validator the service
// depends on, so tests can supply a fake.
type ProcessValidator interface {
	Exists(pid int) bool
	Lookup(pid int) (name, executablePath string, ok bool)
}

// Service is the central orchestrator of the ProcTail agent. It implements
// ipc.Core, so the dispatcher can be handed the Service directly.
type Service struct {
	cfg        *config.Config
	logger     *slog.Logger
	provider   traceprovider.Provider
	targets    *watchtarget.Manager
	events     *store.Store
	proc       *processor.Processor
	validator  ProcessValidator
	dispatcher *ipc.Server
	endpoint   pipeendpoint.Endpoint
	audit      *audit.Logger

	startTime time.Time
	cancel    context.CancelFunc

	mu            sync.RWMutex
	running       bool
	shutdownOnce  sync.Once
	shutdownCh    chan struct{}
	shutdownForce bool
	wg            sync.WaitGroup
}

// New builds a Service from its configuration around the given trace
// provider, wiring the gopsutil-backed process validator, a fresh
// watch-target manager and event store, and a processor configured from the
// same options. Callers needing a fake validator for tests should use
// NewWithDependencies.
func New(cfg *config.Config, logger *slog.Logger, provider traceprovider.Provider) *Service {
	return NewWithDependencies(cfg, logger, provider, procvalidator.New())
}

// NewWithDependencies builds a Service from explicit collaborators,
// primarily for tests that substitute a fake trace provider or process
// validator.
func NewWithDependencies(cfg *config.Config, logger *slog.Logger, provider traceprovider.Provider, validator ProcessValidator) *Service {
	targets := watchtarget.New()
	events := store.New(cfg.MaxEventsPerTag)

	proc := processor.New(processor.Config{
		EnabledProviders:  cfg.EnabledProviders,
		EnabledEventNames: cfg.EnabledEventNames,
		Filter: processor.FilterPolicy{
			ExcludeSystemProcesses: cfg.ExcludeSystemProcesses,
			MinProcessID:           cfg.MinProcessID,
			ExcludedProcessNames:   cfg.ExcludedProcessNames,
			IncludeFileExtensions:  cfg.IncludeFileExtensions,
			ExcludeFilePatterns:    cfg.ExcludeFilePatterns,
		},
	}, targets, func(pid int) (string, bool) {
		name, _, ok := validator.Lookup(pid)
		return name, ok
	})

	return &Service{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		targets:    targets,
		events:     events,
		proc:       proc,
		validator:  validator,
		shutdownCh: make(chan struct{}),
	}
}

// Done returns a channel that is closed when an IPC client issues a
// Shutdown command. main's run loop selects on this alongside OS signals so
// either source can trigger the same graceful Stop.
func (s *Service) Done() <-chan struct{} {
	return s.shutdownCh
}

// ShutdownWasForced reports whether the most recent Shutdown request (if
// any) asked for a forced shutdown. main only logs it; Stop behaves the
// same either way.
func (s *Service) ShutdownWasForced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdownForce
}

// Start opens the audit log (when configured), then brings up the trace
// provider, the pipe endpoint, and the IPC dispatcher, in that order, and
// returns the first error any of these steps reports.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("service: already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.AuditLogPath != "" {
		logger, err := audit.Open(s.cfg.AuditLogPath)
		if err != nil {
			cancel()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("service: audit log failed to open: %w", err)
		}
		s.audit = logger
	}

	s.logger.Info("starting proctail agent",
		slog.String("pipe_name", s.cfg.PipeName),
		slog.Int("max_events_per_tag", s.cfg.MaxEventsPerTag),
		slog.Any("enabled_providers", s.cfg.EnabledProviders),
	)

	if err := s.provider.Start(ctx, s.handleRawEvent); err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("service: trace provider failed to start: %w", err)
	}

	endpoint, err := pipeendpoint.Listen(s.cfg.PipeName)
	if err != nil {
		s.provider.Stop()
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("service: pipe endpoint failed to listen: %w", err)
	}
	s.endpoint = endpoint

	s.dispatcher = ipc.New(ipc.Config{
		MaxConcurrentConnections: s.cfg.MaxConcurrentConnections,
		ResponseTimeout:          time.Duration(s.cfg.ResponseTimeoutSeconds) * time.Second,
		ConnectionIdleTimeout:    time.Duration(s.cfg.ConnectionTimeoutSeconds) * time.Second,
	}, s, s.logger)

	if err := s.dispatcher.Start(ctx, endpoint); err != nil {
		s.provider.Stop()
		endpoint.Close()
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("service: ipc dispatcher failed to start: %w", err)
	}

	s.logger.Info("proctail agent started")
	return nil
}

// Stop signals the trace provider and dispatcher to shut down and waits for
// internal goroutines to exit. Safe to call multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	s.provider.Stop()
	if s.endpoint != nil {
		s.endpoint.Close()
	}

	s.wg.Wait()

	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.logger.Warn("error closing audit log", slog.Any("error", err))
		}
	}

	s.logger.Info("proctail agent stopped")
}

// auditAppend records ev as the next audit chain entry, tolerating a nil
// logger (audit_log_path unset, or not yet started) as a no-op — control
// operations must still succeed even when auditing is unavailable.
func (s *Service) auditAppend(ev audit.ControlEvent) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.AppendControlEvent(ev); err != nil {
		s.logger.Warn("failed to append audit entry", slog.Any("error", err))
	}
}

// handleRawEvent is the trace-provider callback. It runs the processor's
// classification/filter pipeline and, on success, appends the resulting
// typed event to storage under its watch target's tag. It must return
// promptly, so all work here is either O(1) map/slice operations or the
// processor's best-effort process-name lookup, which (when
// excluded_process_names is set) queries the OS through the validator on
// each call.
func (s *Service) handleRawEvent(raw model.RawEvent) {
	raw.EnsureActivityID()
	if !s.proc.ShouldProcess(&raw) {
		return
	}
	result := s.proc.Process(&raw)
	if !result.OK {
		if result.Err != nil {
			s.logger.Debug("dropping raw event", slog.String("reason", string(result.Reason)), slog.Any("error", result.Err))
		}
		return
	}
	s.events.Append(result.Event.Tag, result.Event)
}

// AddWatchTarget implements ipc.Core.
func (s *Service) AddWatchTarget(pid int, tag string) (bool, ipc.ErrorCode, error) {
	if !s.validator.Exists(pid) {
		return false, ipc.ErrProcessNotFound, fmt.Errorf("process %d does not exist", pid)
	}
	added := s.targets.Add(pid, tag)
	s.auditAppend(audit.ControlEvent{Operation: audit.OpAddWatchTarget, ProcessID: pid, Tag: tag, Added: added})
	return added, "", nil
}

// RemoveWatchTarget implements ipc.Core.
func (s *Service) RemoveWatchTarget(tag string) int {
	removed := s.targets.RemoveByTag(tag)
	s.auditAppend(audit.ControlEvent{Operation: audit.OpRemoveWatchTarget, Tag: tag, RemovedCount: removed})
	return removed
}

// GetWatchTargets implements ipc.Core.
func (s *Service) GetWatchTargets() []ipc.WatchTargetInfo {
	infos := s.targets.ListTargetInfos(func(pid int) (watchtarget.ProcessInfo, bool) {
		name, exe, ok := s.validator.Lookup(pid)
		return watchtarget.ProcessInfo{Name: name, ExecutablePath: exe}, ok
	})
	out := make([]ipc.WatchTargetInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, ipc.WatchTargetInfo{
			ProcessID:      info.ProcessID,
			ProcessName:    info.ProcessName,
			ExecutablePath: info.ExecutablePath,
			StartTime:      info.StartTime.UTC().Format(time.RFC3339Nano),
			TagName:        info.TagName,
		})
	}
	return out
}

// GetRecordedEvents implements ipc.Core.
func (s *Service) GetRecordedEvents(tag string, maxCount int) ([]model.TypedEvent, ipc.ErrorCode, error) {
	if s.events.Count(tag) == 0 && !s.tagEverRegistered(tag) {
		return nil, ipc.ErrTagNotFound, fmt.Errorf("tag %q not found", tag)
	}
	return s.events.GetLatest(tag, maxCount), "", nil
}

// tagEverRegistered reports whether tag currently labels a watch target or
// has a store buffer (created by its first stored event and kept by Clear),
// used to distinguish "tag exists but has no events yet" from "tag was never
// registered" for GetRecordedEvents' TAG_NOT_FOUND response. A tag whose
// targets were all removed before any event was stored counts as never
// registered.
func (s *Service) tagEverRegistered(tag string) bool {
	for _, known := range s.events.ListTags() {
		if known == tag {
			return true
		}
	}
	for _, t := range s.targets.ListTargets() {
		if t.Tag == tag {
			return true
		}
	}
	return false
}

// ClearEvents implements ipc.Core.
func (s *Service) ClearEvents(tag string) {
	cleared := s.events.Clear(tag)
	s.auditAppend(audit.ControlEvent{Operation: audit.OpClearEvents, Tag: tag, Cleared: cleared})
}

// healthyStatus and unhealthyStatus are the literal health tokens returned
// in StatusFields.Status.
const (
	healthyStatus   = "Healthy"
	unhealthyStatus = "Unhealthy"
)

// GetStatus implements ipc.Core.
func (s *Service) GetStatus() ipc.StatusFields {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	stats := s.events.Statistics()
	isMonitoring := running && s.provider.IsActive()
	dispatcherRunning := s.dispatcher != nil && s.dispatcher.State() == ipc.StateRunning
	storageOperational := s.events != nil

	status := unhealthyStatus
	if isMonitoring && dispatcherRunning && storageOperational {
		status = healthyStatus
	}

	s.logger.Debug("status snapshot",
		slog.String("status", status),
		slog.Int64("total_events", stats.TotalEvents),
		slog.String("estimated_size", humanize.Bytes(uint64(stats.EstimatedBytes))),
	)

	return ipc.StatusFields{
		IsRunning:              running,
		IsMonitoring:           isMonitoring,
		IsPipeServerRunning:    dispatcherRunning,
		ActiveWatchTargets:     s.targets.ActiveCount(),
		TotalTags:              stats.TotalTags,
		TotalEvents:            stats.TotalEvents,
		EstimatedMemoryUsageMB: float64(stats.EstimatedBytes) / (1024 * 1024),
		Status:                 status,
	}
}

// RequestShutdown implements ipc.Core. It records whether the shutdown was
// forced and closes Done exactly once; main's run loop is responsible for
// calling Stop in response.
func (s *Service) RequestShutdown(force bool) {
	s.mu.Lock()
	s.shutdownForce = force
	s.mu.Unlock()
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutdown requested via ipc", slog.Bool("force", force))
		s.auditAppend(audit.ControlEvent{Operation: audit.OpShutdown, Force: force})
		close(s.shutdownCh)
	})
}
