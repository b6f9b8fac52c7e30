// Package session maps session identifiers to conversation state and
// orchestrates one Claude Code CLI invocation per turn. The Manager is
// the registry: it enforces "at most one running process per session",
// routes normalized events to caller-supplied sinks, and is the only
// place session state is mutated.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zette-dev/forge/internal/claude"
	"github.com/zette-dev/forge/internal/protocol"
)

const defaultFrameBuffer = 100

var (
	// ErrSessionNotFound indicates the requested session does not exist.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrTurnInFlight indicates the session already has a running turn.
	ErrTurnInFlight = errors.New("session: turn already in flight")
)

// TurnProcess is the slice of the supervisor the registry needs. The
// real implementation is *claude.Process; tests substitute fakes.
type TurnProcess interface {
	Abort() error
	Wait() error
}

// SpawnFunc launches one turn's subprocess. The default delegates to
// claude.Spawn.
type SpawnFunc func(prompt, resumeID string, opts claude.Options, frames chan<- protocol.Frame) (TurnProcess, error)

func defaultSpawn(prompt, resumeID string, opts claude.Options, frames chan<- protocol.Frame) (TurnProcess, error) {
	return claude.Spawn(prompt, resumeID, opts, frames)
}

// Config tunes the Manager.
type Config struct {
	// FrameBuffer bounds the per-turn frame channel. Default 100.
	FrameBuffer int
}

// Manager is the session registry.
type Manager struct {
	cfg   Config
	spawn SpawnFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a registry. A nil spawn uses the claude package.
func NewManager(cfg Config, spawn SpawnFunc) *Manager {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if spawn == nil {
		spawn = defaultSpawn
	}
	return &Manager{
		cfg:      cfg,
		spawn:    spawn,
		sessions: make(map[string]*Session),
	}
}

// Create allocates a fresh session for the given agent and returns its
// id. Never fails.
func (m *Manager) Create(agentID string) string {
	id := agentID + "-" + uuid.NewString()
	sess := &Session{
		ID:        id,
		AgentID:   agentID,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	slog.Info("session created", "session_id", id, "agent_id", agentID)
	return id
}

// StartTurn spawns the CLI for one turn and streams normalized events to
// sink from a background goroutine. It returns as soon as the subprocess
// is running; the turn continues asynchronously and sink is closed after
// its terminal event.
//
// Fails with ErrSessionNotFound for an unknown session, ErrTurnInFlight
// if the session already has a running process, or the spawn error — in
// which case the session is left untouched and nothing is emitted.
func (m *Manager) StartTurn(ctx context.Context, sessionID, prompt string, opts claude.Options, sink chan<- Event) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if sess.proc != nil {
		m.mu.Unlock()
		return ErrTurnInFlight
	}
	resumeID := sess.resumeID
	m.mu.Unlock()

	frames := make(chan protocol.Frame, m.cfg.FrameBuffer)
	proc, err := m.spawn(prompt, resumeID, opts, frames)
	if err != nil {
		return fmt.Errorf("start turn for session %s: %w", sessionID, err)
	}

	// Re-check under the lock: the session may have been cleared, or a
	// racing StartTurn may have won, while we were spawning.
	m.mu.Lock()
	sess, ok = m.sessions[sessionID]
	if !ok || sess.proc != nil {
		m.mu.Unlock()
		_ = proc.Abort()
		if !ok {
			return ErrSessionNotFound
		}
		return ErrTurnInFlight
	}
	sess.proc = proc
	sess.history = append(sess.history, Message{
		Role:      "user",
		Content:   prompt,
		Timestamp: time.Now(),
		SessionID: sessionID,
	})
	m.mu.Unlock()

	t := &turn{
		mgr:       m,
		sessionID: sessionID,
		proc:      proc,
		frames:    frames,
		sink:      sink,
	}
	go t.run(ctx)

	slog.Debug("turn started", "session_id", sessionID, "prompt_len", len(prompt))
	return nil
}

// AbortTurn removes the session from the registry and, if it had a
// running process, aborts it. Removal happens first so no new turn can
// start against the session mid-abort. Aborting a session with no
// running process still removes it.
func (m *Manager) AbortTurn(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	proc := sess.proc
	sess.proc = nil
	m.mu.Unlock()

	slog.Info("session removed", "session_id", sessionID, "had_turn", proc != nil)

	if proc != nil {
		if err := proc.Abort(); err != nil {
			return fmt.Errorf("abort turn for session %s: %w", sessionID, err)
		}
	}
	return nil
}

// Clear removes a session, aborting any in-flight turn first.
func (m *Manager) Clear(sessionID string) error {
	return m.AbortTurn(sessionID)
}

// History returns a snapshot of the session's messages.
func (m *Manager) History(sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := make([]Message, len(sess.history))
	copy(out, sess.history)
	return out, nil
}

// Status returns a snapshot of the session's state.
func (m *Manager) Status(sessionID string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Info{}, ErrSessionNotFound
	}
	return Info{
		ID:           sess.ID,
		AgentID:      sess.AgentID,
		CreatedAt:    sess.CreatedAt,
		Messages:     len(sess.history),
		TurnInFlight: sess.proc != nil,
	}, nil
}

// Shutdown aborts every session's in-flight turn and empties the
// registry.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for id, sess := range sessions {
		if sess.proc != nil {
			slog.Info("aborting session on shutdown", "session_id", id)
			_ = sess.proc.Abort()
		}
	}
}

// --- mutations used by the turn aggregator ---

// setResumeID stores the CLI's resumption token on the session. A no-op
// if the session was removed mid-turn.
func (m *Manager) setResumeID(sessionID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.resumeID = token
	}
}

// appendHistory records a message. A no-op if the session was removed
// mid-turn.
func (m *Manager) appendHistory(sessionID string, msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[sessionID]; ok {
		sess.history = append(sess.history, msg)
	}
}

// finishTurn clears the session's process handle and hands the handle
// back for reaping. Returns nil when the turn was already released —
// the session was aborted (and removed) or the handle replaced.
func (m *Manager) finishTurn(sessionID string, proc TurnProcess) TurnProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.proc != proc {
		return nil
	}
	sess.proc = nil
	return proc
}
