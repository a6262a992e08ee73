package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ensemble/internal/domain"
)

// SessionStatus tracks what a session is currently doing.
type SessionStatus string

const (
	SessionIdle         SessionStatus = "idle"
	SessionActive       SessionStatus = "active"
	SessionAwaitingTool SessionStatus = "awaiting_tool"
	SessionClosed       SessionStatus = "closed"
)

// Session is one conversation: an append-only message history plus the
// coordination state of the turn currently running on it.
type Session struct {
	mu         sync.RWMutex
	ID         string           `json:"id"` // ULID
	UserID     string           `json:"user_id,omitempty"`
	Msgs       []domain.Message `json:"messages"`
	Status     SessionStatus    `json:"status"`
	ActiveMode domain.Mode      `json:"active_mode,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NewSession creates an empty idle session with a generated ULID.
func NewSession(userID string) *Session {
	now := time.Now()
	return &Session{
		ID:        generateULID(now),
		UserID:    userID,
		Msgs:      make([]domain.Message, 0),
		Status:    SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// AddMessage appends a message and updates the timestamp.
func (s *Session) AddMessage(msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	s.Msgs = append(s.Msgs, msg)
	s.UpdatedAt = time.Now()
}

// Messages returns a copy of the full message history.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]domain.Message, len(s.Msgs))
	copy(cp, s.Msgs)
	return cp
}

// Window returns a copy of the last maxHistory messages. Zero or negative
// maxHistory means the whole history. The stored history itself is never
// truncated; only the provider-facing view is.
func (s *Session) Window(maxHistory int) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.Msgs
	if maxHistory > 0 && len(msgs) > maxHistory {
		msgs = msgs[len(msgs)-maxHistory:]
	}
	cp := make([]domain.Message, len(msgs))
	copy(cp, msgs)
	return cp
}

// SetStatus updates the coordination state and active mode.
func (s *Session) SetStatus(status SessionStatus, mode domain.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
	s.ActiveMode = mode
	s.UpdatedAt = time.Now()
}

// CurrentStatus returns the session state and the mode of any active turn.
func (s *Session) CurrentStatus() (SessionStatus, domain.Mode) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status, s.ActiveMode
}

// SessionManager manages sessions with optional JSON persistence. An empty
// dataDir keeps everything in memory.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	dataDir    string
	maxHistory int
	logger     *slog.Logger
}

// NewSessionManager creates a session manager. dataDir may be empty for
// in-memory operation; maxHistory zero disables provider-view truncation.
func NewSessionManager(dataDir string, maxHistory int, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions:   make(map[string]*Session),
		dataDir:    dataDir,
		maxHistory: maxHistory,
		logger:     logger,
	}
}

// ContextWindow returns the provider-facing view of a session's history,
// truncated to the configured length.
func (sm *SessionManager) ContextWindow(s *Session) []domain.Message {
	return s.Window(sm.maxHistory)
}

// validateSessionID rejects IDs that are unsafe as file names.
func (sm *SessionManager) validateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("session ID contains path separators: %q", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session ID contains parent directory reference: %q", id)
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session ID contains null byte: %q", id)
	}
	if clean := filepath.Clean(id); clean != id {
		return fmt.Errorf("session ID not clean path: %q vs %q", id, clean)
	}
	return nil
}

// Create makes a new session, registers it, and returns it.
func (sm *SessionManager) Create(userID string) *Session {
	s := NewSession(userID)
	sm.mu.Lock()
	sm.sessions[s.ID] = s
	sm.mu.Unlock()
	return s
}

// GetOrCreate returns an existing session by ID, loading it from disk if
// needed, or registers a fresh one under that ID.
func (sm *SessionManager) GetOrCreate(id string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[id]; ok {
		return s
	}

	if sm.dataDir != "" {
		if loaded, err := sm.loadFromDisk(id); err == nil {
			sm.sessions[id] = loaded
			return loaded
		}
	}

	now := time.Now()
	s := &Session{
		ID:        id,
		Msgs:      make([]domain.Message, 0),
		Status:    SessionIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sm.sessions[id] = s
	return s
}

// Get returns an existing session or ErrSessionNotFound.
func (sm *SessionManager) Get(id string) (*Session, error) {
	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("SessionManager.Get", domain.ErrSessionNotFound, id)
	}
	return s, nil
}

// Save persists a session to disk as JSON. A no-op when persistence is
// disabled.
func (sm *SessionManager) Save(id string) error {
	if sm.dataDir == "" {
		return nil
	}
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Save", err, id)
	}

	sm.mu.RLock()
	s, ok := sm.sessions[id]
	sm.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("SessionManager.Save", domain.ErrSessionNotFound, id)
	}

	if err := os.MkdirAll(sm.dataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s.mu.RLock()
	data, err := json.MarshalIndent(s, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	return os.WriteFile(path, data, 0600)
}

// Close marks a session closed and persists it. A closed session rejects
// further turns.
func (sm *SessionManager) Close(id string) error {
	s, err := sm.Get(id)
	if err != nil {
		return err
	}
	s.SetStatus(SessionClosed, "")
	if err := sm.Save(id); err != nil {
		sm.logger.Warn("session close: save failed", "session_id", id, "error", err)
	}
	return nil
}

// Delete removes a session from memory and disk.
func (sm *SessionManager) Delete(id string) error {
	if err := sm.validateSessionID(id); err != nil {
		return domain.NewDomainError("SessionManager.Delete", err, id)
	}

	sm.mu.Lock()
	_, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if !ok {
		return domain.NewDomainError("SessionManager.Delete", domain.ErrSessionNotFound, id)
	}

	if sm.dataDir != "" {
		path := filepath.Join(sm.dataDir, id+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove session file: %w", err)
		}
	}
	return nil
}

// ListSessions returns all active session IDs.
func (sm *SessionManager) ListSessions() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// ReapStaleSessions deletes sessions not updated within maxAge and returns
// how many were reaped.
func (sm *SessionManager) ReapStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	sm.mu.RLock()
	var staleIDs []string
	for id, s := range sm.sessions {
		s.mu.RLock()
		stale := s.UpdatedAt.Before(cutoff) && s.Status != SessionActive
		s.mu.RUnlock()
		if stale {
			staleIDs = append(staleIDs, id)
		}
	}
	sm.mu.RUnlock()

	if len(staleIDs) == 0 {
		return 0
	}

	sm.mu.Lock()
	for _, id := range staleIDs {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()

	if sm.dataDir != "" {
		for _, id := range staleIDs {
			if err := sm.validateSessionID(id); err != nil {
				continue
			}
			os.Remove(filepath.Join(sm.dataDir, id+".json"))
		}
	}
	return len(staleIDs)
}

func (sm *SessionManager) loadFromDisk(id string) (*Session, error) {
	if err := sm.validateSessionID(id); err != nil {
		return nil, domain.NewDomainError("SessionManager.loadFromDisk", err, id)
	}

	path := filepath.Join(sm.dataDir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	// A process restart always resumes a session idle; any in-flight turn
	// from the previous process is gone.
	if s.Status != SessionClosed {
		s.Status = SessionIdle
		s.ActiveMode = ""
	}
	return &s, nil
}
