package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"ensemble/internal/domain"
	"ensemble/internal/usecase"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, cc *clientConn, payload json.RawMessage) (json.RawMessage, error)

// clientConn tracks a single WebSocket connection and its session
// subscriptions.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	sinks map[string]*wsSink // sessionID -> attached sink
}

// wsSink adapts a client connection into a stream sink for one session.
// Events arrive pre-ordered from the stream manager and are queued behind
// the connection's write loop.
type wsSink struct {
	cc *clientConn
}

func (s *wsSink) Send(_ context.Context, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case s.cc.sendCh <- Frame{Type: FrameTypeEvent, Payload: payload}:
		return nil
	case <-s.cc.done:
		return fmt.Errorf("connection closed")
	}
}

func (s *wsSink) Close() error { return nil }

// Server exposes the orchestrator over WebSocket RPC plus a small HTTP
// surface for one-shot calls.
type Server struct {
	orch      *usecase.Orchestrator
	clients   sync.Map // connID (uint64) -> *clientConn
	handlers  map[string]RPCHandler
	logger    *slog.Logger
	addr      string
	httpSrv   *http.Server
	boundAddr string
	nextID    atomic.Uint64
}

// NewServer creates a gateway server over the orchestrator facade.
func NewServer(orch *usecase.Orchestrator, addr string, logger *slog.Logger) *Server {
	s := &Server{
		orch:     orch,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		addr:     addr,
	}
	s.handlers["orchestrate"] = s.handleOrchestrate
	s.handlers["subscribe"] = s.handleSubscribe
	s.handlers["unsubscribe"] = s.handleUnsubscribe
	s.handlers["reload_agents"] = s.handleReloadAgents
	s.handlers["cost_summary"] = s.handleCostSummary
	return s
}

// Start begins accepting connections. Blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/v1/orchestrate", s.handleHTTPOrchestrate)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		s.teardown(cc)
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual bound address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
		sinks:  make(map[string]*wsSink),
	}
	s.clients.Store(connID, cc)
	s.logger.Info("gateway client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	s.teardown(cc)
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// teardown detaches every session sink and stops the write loop.
func (s *Server) teardown(cc *clientConn) {
	cc.mu.Lock()
	sinks := cc.sinks
	cc.sinks = make(map[string]*wsSink)
	cc.mu.Unlock()

	cc.closeOnce.Do(func() { close(cc.done) })
	for sessionID, sink := range sinks {
		s.orch.DetachSink(sessionID, sink)
	}
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	handler, ok := s.handlers[req.Method]
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError("gateway.dispatchRPC",
			domain.ErrNotFound, fmt.Sprintf("method %q", req.Method)))
		return
	}
	result, err := handler(ctx, cc, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}

func (s *Server) handleOrchestrate(ctx context.Context, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	var params OrchestrateParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, domain.NewDomainError("gateway.orchestrate", domain.ErrInvalidInput, err.Error())
	}

	result, err := s.orch.Orchestrate(ctx, usecase.TurnRequest{
		SessionID: params.SessionID,
		UserID:    params.UserID,
		Message:   params.Message,
		Mode:      domain.Mode(params.Mode),
		Workflow:  params.Workflow,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

func (s *Server) handleSubscribe(_ context.Context, cc *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	var params SubscribeParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrInvalidInput, err.Error())
	}
	if params.SessionID == "" {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrInvalidInput, "session_id required")
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, dup := cc.sinks[params.SessionID]; dup {
		return json.Marshal(map[string]bool{"subscribed": true})
	}
	sink := &wsSink{cc: cc}
	cc.sinks[params.SessionID] = sink
	s.orch.AttachSink(params.SessionID, sink)
	return json.Marshal(map[string]bool{"subscribed": true})
}

func (s *Server) handleUnsubscribe(_ context.Context, cc *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	var params SubscribeParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, domain.NewDomainError("gateway.unsubscribe", domain.ErrInvalidInput, err.Error())
	}

	cc.mu.Lock()
	sink, ok := cc.sinks[params.SessionID]
	delete(cc.sinks, params.SessionID)
	cc.mu.Unlock()

	if ok {
		s.orch.DetachSink(params.SessionID, sink)
	}
	return json.Marshal(map[string]bool{"subscribed": false})
}

func (s *Server) handleReloadAgents(ctx context.Context, _ *clientConn, _ json.RawMessage) (json.RawMessage, error) {
	version, err := s.orch.ReloadAgents(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]uint64{"version": version})
}

func (s *Server) handleCostSummary(ctx context.Context, _ *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	var params CostSummaryParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, domain.NewDomainError("gateway.cost_summary", domain.ErrInvalidInput, err.Error())
	}

	filter := domain.CostFilter{
		Scope: domain.CostScope(params.Scope),
		Key:   params.Key,
	}
	if params.Since != "" {
		since, err := time.Parse(time.RFC3339, params.Since)
		if err != nil {
			return nil, domain.NewDomainError("gateway.cost_summary", domain.ErrInvalidInput, err.Error())
		}
		filter.Since = since
	}

	summary, err := s.orch.CostSummary(ctx, filter)
	if err != nil {
		return nil, err
	}
	return json.Marshal(summary)
}

// handleHTTPOrchestrate runs one turn over plain HTTP for non-streaming
// callers. Errors carry the stable error kind in the body.
func (s *Server) handleHTTPOrchestrate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var params OrchestrateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSONError(w, http.StatusBadRequest, domain.CodeInvalidInput, err.Error())
		return
	}

	result, err := s.orch.Orchestrate(r.Context(), usecase.TurnRequest{
		SessionID: params.SessionID,
		UserID:    params.UserID,
		Message:   params.Message,
		Mode:      domain.Mode(params.Mode),
		Workflow:  params.Workflow,
	})
	if err != nil {
		writeJSONError(w, httpStatusOf(err), domain.ErrorCodeOf(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func httpStatusOf(err error) int {
	switch domain.ErrorCodeOf(err) {
	case domain.CodeInvalidInput:
		return http.StatusBadRequest
	case domain.CodeSessionBusy:
		return http.StatusConflict
	case domain.CodeSessionNotFound, domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeCircuitOpen, domain.CodeRateLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONError(w http.ResponseWriter, status int, code domain.ErrorCode, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error_kind": string(code),
		"detail":     detail,
	})
}

var _ usecase.StreamSink = (*wsSink)(nil)
