package eventbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"ensemble/internal/domain"
	"ensemble/internal/infra/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never held")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSubscribeTyped(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var chunks, completed atomic.Int32
	b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) {
		chunks.Add(1)
	})
	b.Subscribe(domain.EventTurnCompleted, func(context.Context, domain.Event) {
		completed.Add(1)
	})

	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	b.Publish(context.Background(), NewEvent(domain.EventTurnCompleted, "s1", nil))

	waitFor(t, func() bool { return chunks.Load() == 2 && completed.Load() == 1 })
}

func TestSubscribeAll(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var all atomic.Int32
	b.SubscribeAll(func(context.Context, domain.Event) { all.Add(1) })

	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	b.Publish(context.Background(), NewEvent(domain.EventCostRecorded, "s1", nil))

	waitFor(t, func() bool { return all.Load() == 2 })
}

func TestUnsubscribe(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var n atomic.Int32
	unsub := b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) { n.Add(1) })

	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	waitFor(t, func() bool { return n.Load() == 1 })

	unsub()
	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Errorf("handler ran %d times after unsubscribe", got)
	}
}

func TestPanickingHandlerRecovered(t *testing.T) {
	b := New(logger.Discard())
	defer b.Close()

	var after atomic.Int32
	b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) {
		panic("handler bug")
	})
	b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) {
		after.Add(1)
	})

	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	waitFor(t, func() bool { return after.Load() == 1 })
}

func TestCloseDrainsAndRejects(t *testing.T) {
	b := New(logger.Discard())

	started := make(chan struct{})
	var finished atomic.Bool
	b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) {
		close(started)
		time.Sleep(30 * time.Millisecond)
		finished.Store(true)
	})

	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	<-started
	b.Close()
	if !finished.Load() {
		t.Error("Close returned before in-flight handlers finished")
	}

	// Publish after close is a no-op.
	var late atomic.Int32
	b.Subscribe(domain.EventTurnChunk, func(context.Context, domain.Event) { late.Add(1) })
	b.Publish(context.Background(), NewEvent(domain.EventTurnChunk, "s1", nil))
	time.Sleep(20 * time.Millisecond)
	if late.Load() != 0 {
		t.Error("publish after close must not dispatch")
	}
}

func TestNewEventMarshalsPayload(t *testing.T) {
	ev := NewEvent(domain.EventTurnChunk, "s1", map[string]string{"k": "v"})
	if ev.SessionID != "s1" || ev.Type != domain.EventTurnChunk {
		t.Errorf("event = %+v", ev)
	}
	if string(ev.Payload) != `{"k":"v"}` {
		t.Errorf("payload = %s", ev.Payload)
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}

	// Unmarshalable payloads are dropped, not fatal.
	ev = NewEvent(domain.EventTurnChunk, "s1", func() {})
	if ev.Payload != nil {
		t.Error("bad payload should be dropped")
	}
}
