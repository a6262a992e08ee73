package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ensemble/internal/domain"
	"ensemble/internal/infra/logger"
)

func TestSessionWindow(t *testing.T) {
	s := NewSession("u1")
	for i := 0; i < 10; i++ {
		s.AddMessage(domain.Message{Role: domain.RoleUser, Content: fmt.Sprintf("m%d", i)})
	}

	win := s.Window(4)
	if len(win) != 4 {
		t.Fatalf("window = %d messages, want 4", len(win))
	}
	if win[0].Content != "m6" || win[3].Content != "m9" {
		t.Errorf("window = [%s .. %s], want the newest tail", win[0].Content, win[3].Content)
	}

	// Zero disables truncation; the stored history is never cut.
	if got := len(s.Window(0)); got != 10 {
		t.Errorf("Window(0) = %d messages, want all 10", got)
	}
	if got := len(s.Messages()); got != 10 {
		t.Errorf("full history = %d messages, want 10", got)
	}
}

func TestSessionPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir, 0, logger.Discard())

	s := sm.Create("alice")
	s.AddMessage(domain.Message{Role: domain.RoleUser, Content: "hello"})
	s.AddMessage(domain.Message{Role: domain.RoleAgent, AgentKey: "finance", Content: "hi"})
	s.SetStatus(SessionActive, domain.ModeDirect)
	if err := sm.Save(s.ID); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A fresh manager simulates a process restart.
	sm2 := NewSessionManager(dir, 0, logger.Discard())
	loaded := sm2.GetOrCreate(s.ID)
	msgs := loaded.Messages()
	if len(msgs) != 2 {
		t.Fatalf("loaded %d messages, want 2", len(msgs))
	}
	if msgs[1].AgentKey != "finance" {
		t.Errorf("loaded message = %+v", msgs[1])
	}
	if loaded.UserID != "alice" {
		t.Errorf("loaded user = %q", loaded.UserID)
	}
	// In-flight state never survives a restart.
	if status, mode := loaded.CurrentStatus(); status != SessionIdle || mode != "" {
		t.Errorf("loaded status = %q/%q, want idle", status, mode)
	}
}

func TestSessionClosedSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	sm := NewSessionManager(dir, 0, logger.Discard())

	s := sm.Create("u1")
	if err := sm.Close(s.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sm2 := NewSessionManager(dir, 0, logger.Discard())
	loaded := sm2.GetOrCreate(s.ID)
	if status, _ := loaded.CurrentStatus(); status != SessionClosed {
		t.Errorf("status = %q, closed must persist", status)
	}
}

func TestSessionIDValidation(t *testing.T) {
	sm := NewSessionManager(t.TempDir(), 0, logger.Discard())

	for _, id := range []string{"", "../evil", "a/b", `a\b`, "x\x00y", "./dot"} {
		if err := sm.validateSessionID(id); err == nil {
			t.Errorf("id %q accepted, want rejection", id)
		}
	}
	if err := sm.validateSessionID("01J9ZK3V8Q0000000000000000"); err != nil {
		t.Errorf("valid ULID rejected: %v", err)
	}
}

func TestSessionGetMissing(t *testing.T) {
	sm := NewSessionManager("", 0, logger.Discard())
	if _, err := sm.Get("nope"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestReapStaleSessions(t *testing.T) {
	sm := NewSessionManager("", 0, logger.Discard())

	stale := sm.Create("u1")
	stale.mu.Lock()
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
	stale.mu.Unlock()

	active := sm.Create("u2")
	active.SetStatus(SessionActive, domain.ModeDirect)
	active.mu.Lock()
	active.UpdatedAt = time.Now().Add(-2 * time.Hour)
	active.mu.Unlock()

	fresh := sm.Create("u3")

	if n := sm.ReapStaleSessions(time.Hour); n != 1 {
		t.Fatalf("reaped %d sessions, want only the stale idle one", n)
	}
	if _, err := sm.Get(stale.ID); err == nil {
		t.Error("stale session still present")
	}
	if _, err := sm.Get(active.ID); err != nil {
		t.Error("active session must never be reaped")
	}
	if _, err := sm.Get(fresh.ID); err != nil {
		t.Error("fresh session must not be reaped")
	}
}

func TestSessionLocker(t *testing.T) {
	l := NewSessionLocker()

	unlock1, err := l.TryLock("s1")
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	if _, err := l.TryLock("s1"); !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("second TryLock err = %v, want ErrSessionBusy", err)
	}
	// Other sessions are unaffected.
	unlock2, err := l.TryLock("s2")
	if err != nil {
		t.Fatalf("TryLock s2: %v", err)
	}
	unlock2()
	unlock1()

	unlock1, err = l.TryLock("s1")
	if err != nil {
		t.Fatalf("TryLock after unlock: %v", err)
	}
	unlock1()

	if got := l.ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0 after all unlocks", got)
	}
}

func TestSessionLockerBlockingLock(t *testing.T) {
	l := NewSessionLocker()

	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(released)
		unlock()
	}()

	unlock2, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("blocking Lock: %v", err)
	}
	select {
	case <-released:
	default:
		t.Error("Lock returned before the holder released")
	}
	unlock2()
}

func TestSessionLockerContextCancel(t *testing.T) {
	l := NewSessionLocker()

	unlock, err := l.Lock(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}
