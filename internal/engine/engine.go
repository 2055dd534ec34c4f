// Package engine owns session lifecycle: it wires the page monitor and the
// target multiplexer to the hook registry and the capture store, and keeps
// the two capture paths consistent when one of them fails.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/netlens/internal/capture"
	"github.com/dgnsrekt/netlens/internal/hook"
	"github.com/dgnsrekt/netlens/internal/store"
)

var (
	// ErrUnknownSession is returned for operations on a session the engine
	// has never seen or has already cleaned up.
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionExists is returned when starting a session id that is
	// already active.
	ErrSessionExists = errors.New("session already active")
)

// Runner is a capture path bound to one session. Both the page monitor and
// the target multiplexer satisfy it.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error
}

// RunnerFactory builds a capture path for a session. The emit callback must
// be safe for concurrent use.
type RunnerFactory func(sessionID string, registry *hook.Registry, emit func(capture.Record)) Runner

type sessionState int

const (
	stateRunning sessionState = iota
	stateStopped
)

type session struct {
	id        string
	alias     string
	monitor   Runner
	mux       Runner
	muxActive bool
	state     sessionState
}

// Options configures an Engine. Monitor is required; Mux may be nil, in
// which case sessions run page-only capture.
type Options struct {
	Registry *hook.Registry
	Store    *store.Store
	Monitor  RunnerFactory
	Mux      RunnerFactory
}

// Engine manages monitoring sessions. Sessions move one way: started, then
// stopped, then cleaned up; a stopped session keeps its captures readable
// until Cleanup.
type Engine struct {
	registry   *hook.Registry
	store      *store.Store
	newMonitor RunnerFactory
	newMux     RunnerFactory

	mu       sync.Mutex
	sessions map[string]*session
}

func New(opts Options) (*Engine, error) {
	if opts.Registry == nil || opts.Store == nil {
		return nil, fmt.Errorf("engine: registry and store are required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("engine: monitor factory is required")
	}
	return &Engine{
		registry:   opts.Registry,
		store:      opts.Store,
		newMonitor: opts.Monitor,
		newMux:     opts.Mux,
		sessions:   make(map[string]*session),
	}, nil
}

// StartMonitoring brings up both capture paths for a session. A page monitor
// failure is fatal; a multiplexer failure degrades the session to page-only
// capture with a warning.
func (e *Engine) StartMonitoring(ctx context.Context, sessionID, profileAlias string) error {
	alias := store.SanitizeAlias(profileAlias)

	e.mu.Lock()
	if _, dup := e.sessions[sessionID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("engine: session %q: %w", sessionID, ErrSessionExists)
	}
	s := &session{id: sessionID, alias: alias, state: stateRunning}
	e.sessions[sessionID] = s
	e.mu.Unlock()

	e.store.RegisterSession(sessionID, alias)

	emit := func(rec capture.Record) {
		if err := e.store.Append(sessionID, rec); err != nil {
			slog.Warn("capture append failed", "session_id", sessionID, "hook", rec.HookName, "error", err)
		}
	}

	monitor := e.newMonitor(sessionID, e.registry, emit)
	if err := monitor.Start(ctx); err != nil {
		e.dropSession(sessionID)
		e.store.DropSession(sessionID)
		return fmt.Errorf("engine: start page monitor: %w", err)
	}
	s.monitor = monitor

	if e.newMux != nil {
		mux := e.newMux(sessionID, e.registry, emit)
		if err := mux.Start(ctx); err != nil {
			slog.Warn("target multiplexer unavailable, continuing with page-only capture",
				"session_id", sessionID, "error", err)
		} else {
			s.mux = mux
			s.muxActive = true
		}
	}

	slog.Info("monitoring started",
		"session_id", sessionID,
		"profile", alias,
		"multiplexed", s.muxActive,
		"hooks", e.registry.HookCount())
	return nil
}

// StopMonitoring halts capture for a session but keeps its records readable.
// Stopping an already-stopped session is a no-op.
func (e *Engine) StopMonitoring(sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: session %q: %w", sessionID, ErrUnknownSession)
	}
	if s.state == stateStopped {
		e.mu.Unlock()
		return nil
	}
	s.state = stateStopped
	e.mu.Unlock()

	e.stopRunners(s)
	slog.Info("monitoring stopped", "session_id", sessionID)
	return nil
}

// Cleanup stops a session and discards its in-memory captures. Unknown
// sessions are a no-op so teardown paths can call it unconditionally.
func (e *Engine) Cleanup(sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok {
		delete(e.sessions, sessionID)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if s.state != stateStopped {
		e.stopRunners(s)
	}
	e.store.DropSession(sessionID)
	slog.Info("session cleaned up", "session_id", sessionID)
	return nil
}

// CleanupAll tears down every session concurrently and returns the first
// error, having attempted all of them.
func (e *Engine) CleanupAll() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.sessions))
	for id := range e.sessions {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error { return e.Cleanup(id) })
	}
	return g.Wait()
}

func (e *Engine) stopRunners(s *session) {
	if s.mux != nil {
		if err := s.mux.Stop(); err != nil {
			slog.Warn("multiplexer stop failed", "session_id", s.id, "error", err)
		}
	}
	if s.monitor != nil {
		if err := s.monitor.Stop(); err != nil {
			slog.Warn("page monitor stop failed", "session_id", s.id, "error", err)
		}
	}
}

func (e *Engine) dropSession(sessionID string) {
	e.mu.Lock()
	delete(e.sessions, sessionID)
	e.mu.Unlock()
}

// SessionStatus describes one session for the status surface.
type SessionStatus struct {
	SessionID    string `json:"session_id"`
	ProfileAlias string `json:"profile_alias"`
	State        string `json:"state"`
	Multiplexed  bool   `json:"multiplexed"`
	Captured     int64  `json:"captured"`
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Hooks         int             `json:"hooks"`
	Patterns      int             `json:"patterns"`
	Sessions      []SessionStatus `json:"sessions"`
	TotalCaptured int64           `json:"total_captured"`
}

func (e *Engine) Status() Status {
	counts := e.store.SessionCounts()

	e.mu.Lock()
	sessions := make([]SessionStatus, 0, len(e.sessions))
	for _, s := range e.sessions {
		state := "running"
		if s.state == stateStopped {
			state = "stopped"
		}
		sessions = append(sessions, SessionStatus{
			SessionID:    s.id,
			ProfileAlias: s.alias,
			State:        state,
			Multiplexed:  s.muxActive,
			Captured:     counts[s.id],
		})
	}
	e.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return Status{
		Hooks:         e.registry.HookCount(),
		Patterns:      e.registry.PatternCount(),
		Sessions:      sessions,
		TotalCaptured: e.store.TotalCaptured(),
	}
}

// Records returns the captures buffered for a session.
func (e *Engine) Records(sessionID string) ([]capture.Record, error) {
	records, ok := e.store.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("engine: session %q: %w", sessionID, ErrUnknownSession)
	}
	return records, nil
}

// Export writes a session's captures to disk and returns the file path.
func (e *Engine) Export(sessionID, format, path string) (string, error) {
	return e.store.Export(sessionID, format, path)
}

// Hooks exposes the registry's read-only hook summaries.
func (e *Engine) Hooks() []hook.Summary {
	return e.registry.Summaries()
}
