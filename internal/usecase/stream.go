package usecase

import (
	"context"
	"log/slog"
	"sync"

	"ensemble/internal/domain"
)

// sinkBuffer is how many events a sink may fall behind before it is dropped.
const sinkBuffer = 64

// StreamSink receives ordered events for one session. Implementations are
// typically WebSocket connections or in-process collectors in tests.
type StreamSink interface {
	// Send delivers one event. An error drops the sink.
	Send(ctx context.Context, event domain.Event) error
	// Close is called after the sink is detached or dropped.
	Close() error
}

type sinkWorker struct {
	sink   StreamSink
	events chan domain.Event
	done   chan struct{}
}

// StreamManager multiplexes turn events to live client connections. All
// sinks attached to a session observe identical event ordering: the
// coordinator publishes serially per session and each sink drains its own
// FIFO queue. A sink that cannot keep up is detached rather than allowed
// to stall the turn. Events are additionally forwarded to the event bus
// for loosely coupled observers.
//
// Queue sends and closes are serialized under mu, so a detach can never
// race a publish into a send on a closed channel.
type StreamManager struct {
	mu      sync.Mutex
	workers map[string][]*sinkWorker
	bus     domain.EventBus
	logger  *slog.Logger
	closed  bool
}

// NewStreamManager creates a stream manager. bus may be nil.
func NewStreamManager(bus domain.EventBus, logger *slog.Logger) *StreamManager {
	return &StreamManager{
		workers: make(map[string][]*sinkWorker),
		bus:     bus,
		logger:  logger,
	}
}

// Attach subscribes a sink to a session's event stream. Multiple sinks per
// session are allowed.
func (m *StreamManager) Attach(sessionID string, sink StreamSink) {
	w := &sinkWorker{
		sink:   sink,
		events: make(chan domain.Event, sinkBuffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sink.Close()
		return
	}
	m.workers[sessionID] = append(m.workers[sessionID], w)
	m.mu.Unlock()

	go m.drain(sessionID, w)
}

// Detach removes a sink from a session and waits for its in-flight events
// to finish delivering. Safe to call for a sink that was already dropped.
func (m *StreamManager) Detach(sessionID string, sink StreamSink) {
	m.mu.Lock()
	var w *sinkWorker
	for _, x := range m.workers[sessionID] {
		if x.sink == sink {
			w = x
			break
		}
	}
	if w != nil {
		m.removeLocked(sessionID, w)
	}
	m.mu.Unlock()

	if w != nil {
		<-w.done
	}
}

// Publish delivers an event to every sink attached to its session, in
// order, and forwards it to the event bus. A sink whose queue is full is
// dropped.
func (m *StreamManager) Publish(ctx context.Context, event domain.Event) {
	m.mu.Lock()
	for _, w := range append([]*sinkWorker(nil), m.workers[event.SessionID]...) {
		select {
		case w.events <- event:
		default:
			m.logger.Warn("stream sink too slow, dropping",
				"session_id", event.SessionID, "event", string(event.Type))
			m.removeLocked(event.SessionID, w)
		}
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(ctx, event)
	}
}

// SinkCount reports how many sinks are attached to a session.
func (m *StreamManager) SinkCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers[sessionID])
}

// Close detaches every sink and waits for delivery to stop. Publish
// becomes a bus-only forward afterwards.
func (m *StreamManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var all []*sinkWorker
	for sessionID, workers := range m.workers {
		for _, w := range workers {
			close(w.events)
			all = append(all, w)
		}
		delete(m.workers, sessionID)
	}
	m.mu.Unlock()

	for _, w := range all {
		<-w.done
	}
}

// removeLocked unregisters a worker and closes its queue. Callers hold mu.
func (m *StreamManager) removeLocked(sessionID string, w *sinkWorker) {
	workers := m.workers[sessionID]
	for i, x := range workers {
		if x == w {
			m.workers[sessionID] = append(workers[:i], workers[i+1:]...)
			if len(m.workers[sessionID]) == 0 {
				delete(m.workers, sessionID)
			}
			close(w.events)
			return
		}
	}
}

// drain delivers queued events to the sink until the queue closes or a
// send fails.
func (m *StreamManager) drain(sessionID string, w *sinkWorker) {
	defer close(w.done)
	defer w.sink.Close()
	for event := range w.events {
		if err := w.sink.Send(context.Background(), event); err != nil {
			m.logger.Debug("stream sink send failed, dropping",
				"session_id", sessionID, "error", err)
			m.mu.Lock()
			m.removeLocked(sessionID, w)
			m.mu.Unlock()
			// Keep ranging until the closed queue empties so no sender
			// ever blocked on this worker.
			for range w.events {
			}
			return
		}
	}
}
