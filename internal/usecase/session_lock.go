package usecase

import (
	"context"
	"fmt"
	"sync"

	"ensemble/internal/domain"
)

// SessionLocker serializes turns per session. A session runs at most one
// turn at a time; concurrent submissions either queue behind the lock or
// are rejected with ErrSessionBusy, depending on which acquire method the
// caller uses.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionMutex
}

type sessionMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewSessionLocker creates a session locker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{
		locks: make(map[string]*sessionMutex),
	}
}

// Lock acquires the lock for the given session, blocking until acquired or
// the context is cancelled. The returned unlock function MUST be called
// when the turn is complete.
func (sl *SessionLocker) Lock(ctx context.Context, sessionID string) (unlock func(), err error) {
	sm := sl.acquireEntry(sessionID)

	acquired := make(chan struct{})
	go func() {
		sm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return func() { sl.release(sessionID, sm) }, nil

	case <-ctx.Done():
		// Context cancelled before the lock came through. Wait for the
		// acquiring goroutine and immediately release so the lock is never
		// held by a dead turn.
		go func() {
			<-acquired
			sl.release(sessionID, sm)
		}()
		return nil, fmt.Errorf("session lock: %w", ctx.Err())
	}
}

// TryLock acquires the lock for the given session without blocking. If a
// turn is already running on the session it returns ErrSessionBusy.
func (sl *SessionLocker) TryLock(sessionID string) (unlock func(), err error) {
	sm := sl.acquireEntry(sessionID)

	if !sm.mu.TryLock() {
		sl.mu.Lock()
		sm.refCount--
		if sm.refCount == 0 {
			delete(sl.locks, sessionID)
		}
		sl.mu.Unlock()
		return nil, fmt.Errorf("session %q: %w", sessionID, domain.ErrSessionBusy)
	}

	return func() { sl.release(sessionID, sm) }, nil
}

func (sl *SessionLocker) acquireEntry(sessionID string) *sessionMutex {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sm, ok := sl.locks[sessionID]
	if !ok {
		sm = &sessionMutex{}
		sl.locks[sessionID] = sm
	}
	sm.refCount++
	return sm
}

func (sl *SessionLocker) release(sessionID string, sm *sessionMutex) {
	sm.mu.Unlock()
	sl.mu.Lock()
	sm.refCount--
	if sm.refCount == 0 {
		delete(sl.locks, sessionID)
	}
	sl.mu.Unlock()
}

// ActiveCount returns the number of sessions with active or pending locks.
// Intended for testing.
func (sl *SessionLocker) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return len(sl.locks)
}
