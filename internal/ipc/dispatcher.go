// Package ipc implements the length-framed request/response dispatcher that
// exposes the core's watch-target, storage, and lifecycle operations over a
// local bidirectional stream (§4.4).
//
// Grounded on the reconnect/accept-loop shape of transport.GRPCTransport —
// an exponential-backoff loop around a blocking connection primitive,
// logging and retrying transient failures — inverted here from an outbound
// dial loop into an inbound accept loop, and on its mutex-guarded
// connection-state bookkeeping.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/proctail/agent/internal/model"
)

// State is one of the dispatcher's lifecycle states (§4.4 "State machine").
type State string

const (
	StateStopped  State = "Stopped"
	StateStarting State = "Starting"
	StateRunning  State = "Running"
	StateStopping State = "Stopping"
	StateError    State = "Error"
)

// StatusChanged is invoked on every state transition with the previous and
// current state.
type StatusChanged func(previous, current State)

// Core is the subset of orchestrator-level operations the dispatcher needs
// to serve requests. The orchestrator supplies a concrete implementation
// wiring the watch-target manager, storage, and processor together.
type Core interface {
	AddWatchTarget(pid int, tag string) (added bool, code ErrorCode, err error)
	RemoveWatchTarget(tag string) (removedCount int)
	GetWatchTargets() []WatchTargetInfo
	GetRecordedEvents(tag string, maxCount int) (events []model.TypedEvent, code ErrorCode, err error)
	ClearEvents(tag string)
	GetStatus() StatusFields
	RequestShutdown(force bool)
}

// Config controls dispatcher resource limits and timeouts (§6 configuration
// options max_concurrent_connections, response_timeout_seconds,
// connection_timeout_seconds).
type Config struct {
	MaxConcurrentConnections int
	ResponseTimeout          time.Duration
	ConnectionIdleTimeout    time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentConnections <= 0 {
		c.MaxConcurrentConnections = 10
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.ConnectionIdleTimeout <= 0 {
		c.ConnectionIdleTimeout = 30 * time.Second
	}
}

// Server is the IPC request dispatcher. It accepts connections from a
// net.Listener (typically a Unix domain socket or Windows named pipe
// supplied by the pipeendpoint package), reads one length-framed request per
// connection, dispatches it to a Core method, and writes one framed
// response.
type Server struct {
	cfg    Config
	core   Core
	logger *slog.Logger

	mu        sync.RWMutex
	state     State
	observers []StatusChanged

	sem *semaphore.Weighted

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server in StateStopped. Call Start with a listener to begin
// accepting connections.
func New(cfg Config, core Core, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:    cfg,
		core:   core,
		logger: logger,
		state:  StateStopped,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentConnections)),
	}
}

// OnStatusChanged registers an observer invoked on every state transition.
func (s *Server) OnStatusChanged(fn StatusChanged) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the dispatcher's current lifecycle state.
func (s *Server) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	observers := append([]StatusChanged(nil), s.observers...)
	s.mu.Unlock()

	if prev == next {
		return
	}
	for _, fn := range observers {
		fn(prev, next)
	}
}

// Start transitions Stopped→Starting→Running and begins accepting
// connections from listener in a background goroutine. Start returns once
// the transition to Running has been recorded; Accept errors after that
// point are handled internally (logged, retried with backoff, or — if
// unrecoverable — transition to StateError).
func (s *Server) Start(ctx context.Context, listener net.Listener) error {
	if s.State() != StateStopped {
		return fmt.Errorf("ipc: Start called from state %s, want %s", s.State(), StateStopped)
	}
	s.setState(StateStarting)

	acceptCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.setState(StateRunning)

	s.wg.Add(1)
	go s.acceptLoop(acceptCtx, listener)

	return nil
}

// Stop transitions Running→Stopping→Stopped, cancels the accept loop (which
// closes the listener), and waits for in-flight connection handlers to
// finish. The wait has no bound of its own: each handler is limited only by
// its connection's read and write deadlines.
func (s *Server) Stop() {
	if s.State() == StateStopped {
		return
	}
	s.setState(StateStopping)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.setState(StateStopped)
}

// acceptLoop accepts connections until ctx is cancelled. Transient Accept
// errors are retried with exponential backoff (mirroring the reconnect
// discipline used for the outbound transport); a listener closed by context
// cancellation ends the loop cleanly, while a listener closed for any other
// reason moves the dispatcher to StateError.
func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	defer listener.Close()

	// Accept does not observe ctx; closing the listener is what unblocks it.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				s.logger.Error("ipc: listener closed unexpectedly", slog.Any("error", err))
				s.setState(StateError)
				return
			}
			s.logger.Warn("ipc: accept error", slog.Any("error", err))

			wait := b.NextBackOff()
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		if !s.sem.TryAcquire(1) {
			s.logger.Warn("ipc: max concurrent connections reached, rejecting connection")
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection services exactly one request/response exchange, then
// closes the connection (§4.4: "one request → one response per
// connection"). It enforces the configured idle timeout on the read.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.cfg.ConnectionIdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectionIdleTimeout))
	}

	raw, err := readFrame(conn)
	if err != nil {
		s.logger.Debug("ipc: read request frame failed", slog.Any("error", err))
		return
	}

	req, err := decodeRequest(raw)
	if err != nil {
		s.writeResponse(conn, fail(ErrInvalidRequest, "malformed request: %v", err))
		return
	}
	if req.RequestType == "" {
		s.writeResponse(conn, fail(ErrInvalidRequest, "missing RequestType"))
		return
	}

	if s.cfg.ResponseTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ResponseTimeout))
	}

	resp := s.dispatch(ctx, req)
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	payload, err := encodeResponse(resp)
	if err != nil {
		s.logger.Error("ipc: encode response failed", slog.Any("error", err))
		return
	}
	if err := writeFrame(conn, payload); err != nil {
		s.logger.Debug("ipc: write response frame failed", slog.Any("error", err))
	}
}

// dispatch maps a RequestType to its handler. An unrecognized RequestType or
// a handler panic/programming error yields INVALID_REQUEST /
// INTERNAL_ERROR respectively rather than propagating (§7: "On
// dispatcher-level exception, the handler returns an INTERNAL_ERROR
// response and continues accepting new clients").
func (s *Server) dispatch(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc: handler panic", slog.Any("recovered", r))
			resp = fail(ErrInternalError, "internal error")
		}
	}()

	switch req.RequestType {
	case ReqAddWatchTarget:
		return s.handleAddWatchTarget(req)
	case ReqRemoveWatchTarget:
		return s.handleRemoveWatchTarget(req)
	case ReqGetWatchTargets:
		return s.handleGetWatchTargets()
	case ReqGetRecordedEvents:
		return s.handleGetRecordedEvents(req)
	case ReqClearEvents:
		return s.handleClearEvents(req)
	case ReqGetStatus, ReqHealthCheck:
		return s.handleGetStatus()
	case ReqShutdown:
		return s.handleShutdown(req)
	default:
		return fail(ErrInvalidRequest, "unknown RequestType %q", req.RequestType)
	}
}

func (s *Server) handleAddWatchTarget(req Request) Response {
	if req.ProcessID <= 0 || req.TagName == "" {
		return fail(ErrInvalidRequest, "AddWatchTarget requires ProcessId > 0 and non-empty TagName")
	}
	added, code, err := s.core.AddWatchTarget(req.ProcessID, req.TagName)
	if err != nil {
		return fail(code, "%v", err)
	}
	if !added {
		return fail(ErrTagAlreadyExists, "process %d is already watched", req.ProcessID)
	}
	return ok()
}

func (s *Server) handleRemoveWatchTarget(req Request) Response {
	if req.TagName == "" {
		return fail(ErrInvalidRequest, "RemoveWatchTarget requires non-empty TagName")
	}
	resp := ok()
	resp.RemovedCount = s.core.RemoveWatchTarget(req.TagName)
	return resp
}

func (s *Server) handleGetWatchTargets() Response {
	resp := ok()
	resp.WatchTargets = s.core.GetWatchTargets()
	return resp
}

func (s *Server) handleGetRecordedEvents(req Request) Response {
	if req.TagName == "" {
		return fail(ErrInvalidRequest, "GetRecordedEvents requires non-empty TagName")
	}
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = 50
	}
	events, code, err := s.core.GetRecordedEvents(req.TagName, maxCount)
	if err != nil {
		return fail(code, "%v", err)
	}
	resp := ok()
	resp.Events = events
	return resp
}

func (s *Server) handleClearEvents(req Request) Response {
	if req.TagName == "" {
		return fail(ErrInvalidRequest, "ClearEvents requires non-empty TagName")
	}
	s.core.ClearEvents(req.TagName)
	return ok()
}

func (s *Server) handleGetStatus() Response {
	resp := ok()
	fields := s.core.GetStatus()
	resp.StatusFields = &fields
	return resp
}

func (s *Server) handleShutdown(req Request) Response {
	s.core.RequestShutdown(req.Force)
	return ok()
}
