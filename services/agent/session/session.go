// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds per-conversation state: working directory,
// conversation turns, and cached intent results. A session serializes its
// own turns, so two requests for the same session never mutate it
// concurrently, while different sessions proceed independently.
package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultIdleTimeout is how long an untouched session survives before the
// sweeper tears it down.
const DefaultIdleTimeout = 2 * time.Hour

// sweepInterval is how often the idle sweeper runs.
const sweepInterval = 10 * time.Minute

// maxTurnsKept bounds the in-memory conversation history per session. Older
// turns fall off the front; the model context window makes them useless
// long before this bound is hit anyway.
const maxTurnsKept = 200

// Turn is one conversation entry.
type Turn struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the turn content.
	Text string

	// At is when the turn was recorded.
	At time.Time
}

// Session is the mutable per-conversation state.
//
// # Thread Safety
//
// NOT safe for concurrent use on its own. All access goes through
// Manager.WithSession, which holds the per-session lock for the duration
// of a turn (spec: turns within one session are strictly ordered).
type Session struct {
	// ID is the conversation identifier.
	ID string

	// UserID identifies the owner for admission control.
	UserID string

	// WorkingDir is the current working directory, always absolute. Every
	// relative-path operation in the session resolves against it, and a
	// successful directory change persists here for all later turns.
	WorkingDir string

	// Turns is the ordered conversation history, oldest first.
	Turns []Turn

	// CreatedAt is when the session was first seen.
	CreatedAt time.Time

	// LastActive is bumped on every turn; the idle sweeper reads it.
	LastActive time.Time
}

// Append records a turn and bumps LastActive, trimming history to the
// retention bound.
func (s *Session) Append(role, text string) {
	now := time.Now()
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, At: now})
	if len(s.Turns) > maxTurnsKept {
		s.Turns = s.Turns[len(s.Turns)-maxTurnsKept:]
	}
	s.LastActive = now
}

// RecentTurns returns up to n most recent turns, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// =============================================================================
// Manager
// =============================================================================

// entry pairs a session with its turn-serialization lock.
type entry struct {
	mu   sync.Mutex
	sess *Session
}

// touch bumps LastActive unless a turn is in flight; an in-flight turn
// bumps it itself on append. Keeps a just-checked-out session off the
// sweeper's idle list.
func (e *entry) touch() {
	if e.mu.TryLock() {
		e.sess.LastActive = time.Now()
		e.mu.Unlock()
	}
}

// Manager owns all live sessions and the persistence hand-off.
//
// # Description
//
// Sessions live in memory; if a Store is configured, each session is
// persisted after every turn and reloaded on first touch after a restart.
// WithSession holds a per-session mutex for the whole callback, so turns
// for one session execute strictly in arrival order while other sessions
// run concurrently.
//
// # Thread Safety
//
// Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	store       Store // nil disables persistence
	idleTimeout time.Duration
	logger      *slog.Logger
	stopSweep   chan struct{}
	sweepOnce   sync.Once
}

// NewManager creates a Manager.
//
// # Inputs
//
//   - store: Persistence backend. Nil keeps sessions memory-only.
//   - idleTimeout: Idle lifetime before teardown. Zero uses the default.
//   - logger: Logger instance. May be nil.
func NewManager(store Store, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		entries:     make(map[string]*entry),
		store:       store,
		idleTimeout: idleTimeout,
		logger:      logger,
		stopSweep:   make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// WithSession runs fn with exclusive access to the session, creating or
// reloading it first. The session is persisted after fn returns, whether or
// not fn succeeded, so a partial turn never loses a completed directory
// change from an earlier turn.
//
// # Inputs
//
//   - ctx: Context for persistence calls.
//   - id: Session id. Empty creates a new session with a fresh uuid.
//   - userID: Owner for a newly created session.
//   - fn: Callback receiving the locked session.
//
// # Outputs
//
//   - string: The (possibly newly assigned) session id.
//   - error: fn's error, or a load failure.
func (m *Manager) WithSession(ctx context.Context, id, userID string, fn func(s *Session) error) (string, error) {
	e, err := m.checkout(ctx, id, userID)
	if err != nil {
		return id, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	fnErr := fn(e.sess)

	if m.store != nil {
		if saveErr := m.store.Save(ctx, e.sess); saveErr != nil {
			// Non-fatal: the in-memory copy stays authoritative.
			m.logger.Warn("session persist failed",
				slog.String("session_id", e.sess.ID),
				slog.String("error", saveErr.Error()),
			)
		}
	}
	return e.sess.ID, fnErr
}

// Peek returns a copy-ish view of a live session for read-only handlers.
// Returns nil when the session does not exist in memory.
func (m *Manager) Peek(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return e.sess
	}
	return nil
}

// Close stops the sweeper.
func (m *Manager) Close() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

// checkout finds, reloads, or creates the session entry.
func (m *Manager) checkout(ctx context.Context, id, userID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if e, ok := m.entries[id]; ok {
			e.touch()
			return e, nil
		}
		// Not in memory: try the store (process restart case).
		if m.store != nil {
			sess, err := m.store.Load(ctx, id)
			if err != nil {
				return nil, err
			}
			if sess != nil {
				e := &entry{sess: sess}
				m.entries[id] = e
				m.logger.Info("session reloaded from store",
					slog.String("session_id", id),
				)
				return e, nil
			}
		}
	}

	sess := newSession(id, userID)
	e := &entry{sess: sess}
	m.entries[sess.ID] = e
	return e, nil
}

// newSession builds a fresh session rooted at the process working directory.
func newSession(id, userID string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}
	now := time.Now()
	return &Session{
		ID:         id,
		UserID:     userID,
		WorkingDir: wd,
		CreatedAt:  now,
		LastActive: now,
	}
}

// sweepLoop evicts idle sessions. Persistent copies survive in the store
// until their TTL; only the in-memory entry is dropped.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepIdle(time.Now().Add(-m.idleTimeout))
		}
	}
}

// sweepIdle evicts entries last active before cutoff. LastActive is only
// read with the entry lock held, and an entry whose lock is taken has a
// turn in flight and is never evicted under it.
func (m *Manager) sweepIdle(cutoff time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		idle := e.sess.LastActive.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(m.entries, id)
			m.logger.Debug("idle session evicted",
				slog.String("session_id", id),
			)
		}
	}
}
