package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/infra/tracer"
	"ensemble/internal/usecase/eventbus"
)

// ProviderSource resolves completion providers by name.
type ProviderSource interface {
	Get(name string) (domain.CompletionProvider, error)
}

// ToolSource extends the tool executor with per-agent schema selection.
type ToolSource interface {
	domain.ToolExecutor
	SchemasFor(names []string) []domain.ToolSchema
}

// WorkflowSource resolves workflow graphs by name.
type WorkflowSource interface {
	Get(name string) (domain.WorkflowGraph, error)
}

// TurnRequest is one inbound user message to process.
type TurnRequest struct {
	SessionID string      // empty = create a new session
	UserID    string
	Message   string
	Mode      domain.Mode // empty = router decides
	Workflow  string      // workflow graph name, required for ModeWorkflow
}

// Coordinator drives a single conversation turn through its states:
// validate, route, execute one of the four conversation strategies, safety
// check, commit. A session runs at most one turn at a time. A turn that
// fails leaves the session usable for the next one.
type Coordinator struct {
	cfg       config.CoordinatorConfig
	router    *Router
	providers ProviderSource
	tools     ToolSource // nil = no tool sandbox
	safety    domain.SafetyGate
	costs     *CostTracker
	streams   *StreamManager
	sessions  *SessionManager
	locker    *SessionLocker
	workflows WorkflowSource // nil = workflow mode unavailable
	logger    *slog.Logger
}

// NewCoordinator wires the turn coordinator. tools and workflows may be nil.
func NewCoordinator(
	cfg config.CoordinatorConfig,
	router *Router,
	providers ProviderSource,
	tools ToolSource,
	safety domain.SafetyGate,
	costs *CostTracker,
	streams *StreamManager,
	sessions *SessionManager,
	workflows WorkflowSource,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		router:    router,
		providers: providers,
		tools:     tools,
		safety:    safety,
		costs:     costs,
		streams:   streams,
		sessions:  sessions,
		locker:    NewSessionLocker(),
		workflows: workflows,
		logger:    logger,
	}
}

// turnState accumulates everything a turn produces before the result is
// assembled. Swarm and workflow strategies touch it from several
// goroutines, hence the mutex.
type turnState struct {
	session *Session
	turnID  string
	userID  string
	mode    domain.Mode
	start   time.Time

	mu           sync.Mutex
	usage        domain.Usage
	costUSD      float64
	participants []string
	flags        []string
}

func (ts *turnState) addParticipant(key string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, p := range ts.participants {
		if p == key {
			return
		}
	}
	ts.participants = append(ts.participants, key)
}

func (ts *turnState) addFlags(flags []string) {
	if len(flags) == 0 {
		return
	}
	ts.mu.Lock()
	ts.flags = append(ts.flags, flags...)
	ts.mu.Unlock()
}

func (ts *turnState) addCost(costUSD float64, usage domain.Usage) {
	ts.mu.Lock()
	ts.costUSD += costUSD
	ts.usage.Add(usage)
	ts.mu.Unlock()
}

// totals returns a consistent snapshot for result assembly.
func (ts *turnState) totals() (float64, domain.Usage, []string, []string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.costUSD, ts.usage,
		append([]string(nil), ts.participants...),
		append([]string(nil), ts.flags...)
}

// RunTurn processes one turn end to end and returns its result. Errors
// that reject the turn before it starts (busy session, closed session,
// empty message) are returned without a result; every accepted turn yields
// exactly one TurnResult, failed or not.
func (c *Coordinator) RunTurn(ctx context.Context, req TurnRequest) (*domain.TurnResult, error) {
	ctx, span := tracer.StartSpan(ctx, "coordinator.turn")
	defer span.End()

	// Received: validate input and resolve the session.
	if strings.TrimSpace(req.Message) == "" {
		err := domain.NewDomainError("Coordinator.RunTurn", domain.ErrInvalidInput, "empty message")
		tracer.RecordError(span, err)
		return nil, err
	}

	var session *Session
	if req.SessionID == "" {
		session = c.sessions.Create(req.UserID)
	} else {
		session = c.sessions.GetOrCreate(req.SessionID)
	}
	if status, _ := session.CurrentStatus(); status == SessionClosed {
		err := domain.NewDomainError("Coordinator.RunTurn", domain.ErrSessionClosed, session.ID)
		tracer.RecordError(span, err)
		return nil, err
	}

	// One in-flight turn per session: queue or reject.
	var unlock func()
	var err error
	if c.cfg.QueueTurns {
		unlock, err = c.locker.Lock(ctx, session.ID)
	} else {
		unlock, err = c.locker.TryLock(session.ID)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	ts := &turnState{
		session: session,
		turnID:  generateULID(time.Now()),
		userID:  req.UserID,
		start:   time.Now(),
	}
	span.SetAttributes(
		tracer.StringAttr("turn.id", ts.turnID),
		tracer.StringAttr("session.id", session.ID),
	)

	result := c.executeTurn(ctx, req, ts)

	session.SetStatus(SessionIdle, "")
	if err := c.sessions.Save(session.ID); err != nil {
		c.logger.Warn("session save failed", "session_id", session.ID, "error", err)
	}

	switch result.Status {
	case domain.TurnCompleted:
		c.publish(ctx, domain.EventTurnCompleted, session.ID, domain.TurnCompletedPayload{Result: *result})
		tracer.SetOK(span)
	default:
		c.publish(ctx, domain.EventTurnFailed, session.ID, domain.TurnFailedPayload{
			TurnID:    ts.turnID,
			ErrorKind: result.ErrorKind,
			Detail:    result.ErrorDetail,
		})
		span.SetAttributes(tracer.StringAttr("turn.error_kind", string(result.ErrorKind)))
	}

	c.logger.Info("turn finished",
		"session_id", session.ID,
		"turn_id", ts.turnID,
		"status", string(result.Status),
		"mode", string(ts.mode),
		"agents", strings.Join(result.ParticipatingAgents, ","),
		"tokens", result.TotalTokens,
		"cost_usd", result.TotalCostUSD,
		"duration", result.Duration,
	)
	return result, nil
}

// executeTurn runs the routed strategy under panic protection. A panic in
// a strategy fails the turn, never the process.
func (c *Coordinator) executeTurn(ctx context.Context, req TurnRequest, ts *turnState) (result *domain.TurnResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("turn strategy panicked",
				"session_id", ts.session.ID, "turn_id", ts.turnID, "panic", r)
			result = c.failResult(ts, fmt.Errorf("strategy panic: %v", r))
		}
	}()

	// Inbound gate: the user's message is checked before routing. Blocked
	// content is never committed to history.
	inVerdict := c.safety.Check(ctx, domain.Message{Role: domain.RoleUser, Content: req.Message}, domain.SafetyInbound)
	ts.addFlags(inVerdict.Flags)
	if !inVerdict.Pass {
		return c.failResult(ts, domain.NewDomainError("Coordinator.executeTurn",
			domain.ErrSafetyViolation, "inbound message blocked"))
	}
	content := req.Message
	if inVerdict.Redacted != "" {
		content = inVerdict.Redacted
	}

	userMsg := domain.Message{
		ID:      generateULID(time.Now()),
		Role:    domain.RoleUser,
		Content: content,
	}
	ts.session.AddMessage(userMsg)

	// Routed.
	decision, err := c.router.Route(ctx, ts.session.Messages(), content, req.Mode)
	if err != nil {
		return c.failResult(ts, err)
	}
	ts.mode = decision.Mode
	ts.session.SetStatus(SessionActive, decision.Mode)

	c.publish(ctx, domain.EventTurnStarted, ts.session.ID, domain.TurnStartedPayload{
		TurnID: ts.turnID,
		Mode:   decision.Mode,
	})

	// Executing.
	var final domain.Message
	switch decision.Mode {
	case domain.ModeDirect:
		final, err = c.runDirect(ctx, ts, decision)
	case domain.ModeGroupChat:
		final, err = c.runGroupChat(ctx, ts, decision)
	case domain.ModeSwarm:
		final, err = c.runSwarm(ctx, ts, decision, content)
	case domain.ModeWorkflow:
		final, err = c.runWorkflow(ctx, ts, req.Workflow, content)
	default:
		err = domain.NewDomainError("Coordinator.executeTurn", domain.ErrInvalidInput,
			fmt.Sprintf("unknown mode %q", decision.Mode))
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, domain.ErrSafetyViolation) {
			return c.cancelResult(ts)
		}
		return c.failResult(ts, err)
	}

	cost, usage, participants, flags := ts.totals()
	return &domain.TurnResult{
		SessionID:           ts.session.ID,
		TurnID:              ts.turnID,
		Status:              domain.TurnCompleted,
		FinalMessage:        final,
		ParticipatingAgents: participants,
		TotalCostUSD:        cost,
		TotalTokens:         usage.TotalTokens,
		Duration:            time.Since(ts.start),
		SafetyFlags:         flags,
	}
}

func (c *Coordinator) failResult(ts *turnState, err error) *domain.TurnResult {
	cost, usage, participants, flags := ts.totals()
	return &domain.TurnResult{
		SessionID:           ts.session.ID,
		TurnID:              ts.turnID,
		Status:              domain.TurnFailed,
		ParticipatingAgents: participants,
		TotalCostUSD:        cost,
		TotalTokens:         usage.TotalTokens,
		Duration:            time.Since(ts.start),
		SafetyFlags:         flags,
		ErrorKind:           domain.ErrorCodeOf(err),
		ErrorDetail:         err.Error(),
	}
}

func (c *Coordinator) cancelResult(ts *turnState) *domain.TurnResult {
	cost, usage, participants, flags := ts.totals()
	return &domain.TurnResult{
		SessionID:           ts.session.ID,
		TurnID:              ts.turnID,
		Status:              domain.TurnCancelled,
		ParticipatingAgents: participants,
		TotalCostUSD:        cost,
		TotalTokens:         usage.TotalTokens,
		Duration:            time.Since(ts.start),
		SafetyFlags:         flags,
		ErrorKind:           domain.CodeTurnCancelled,
		ErrorDetail:         domain.ErrTurnCancelled.Error(),
	}
}

func (c *Coordinator) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	c.streams.Publish(ctx, eventbus.NewEvent(t, sessionID, payload))
}

// invokeAgent runs one agent against the given message window, looping
// through tool calls up to the configured bound. The returned message has
// passed the outbound safety gate and carries aggregate usage for all
// completion calls it took to produce it. It is NOT committed to history;
// strategies decide that.
func (c *Coordinator) invokeAgent(ctx context.Context, ts *turnState, profile domain.AgentProfile, window []domain.Message) (domain.Message, error) {
	provider, err := c.providers.Get(profile.Provider)
	if err != nil {
		return domain.Message{}, domain.NewDomainError("Coordinator.invokeAgent",
			domain.ErrProviderNotFound, profile.Provider)
	}

	var schemas []domain.ToolSchema
	if c.tools != nil && len(profile.ToolNames) > 0 {
		schemas = c.tools.SchemasFor(profile.ToolNames)
	}

	msgs := append([]domain.Message(nil), window...)
	usage := domain.Usage{}

	maxIter := c.cfg.MaxToolIterations
	for iter := 0; ; iter++ {
		resp, err := c.complete(ctx, provider, domain.CompletionRequest{
			Model:        profile.Model,
			SystemPrompt: profile.SystemPrompt,
			Messages:     msgs,
			Tools:        schemas,
		})
		if err != nil {
			return domain.Message{}, err
		}
		usage.Add(resp.Usage)
		c.recordCost(ctx, ts, profile, resp, msgs)

		msg := resp.Message
		msg.AgentKey = profile.Key

		if len(msg.ToolCalls) == 0 {
			return c.gateOutbound(ctx, ts, msg, usage)
		}

		// Tool round: gate the tool request itself (injection heuristics,
		// argument schemas) before anything executes.
		verdict := c.safety.Check(ctx, msg, domain.SafetyOutbound)
		ts.addFlags(verdict.Flags)
		if !verdict.Pass {
			return domain.Message{}, domain.NewDomainError("Coordinator.invokeAgent",
				domain.ErrSafetyViolation, "tool call blocked")
		}
		if iter >= maxIter {
			return domain.Message{}, domain.NewDomainError("Coordinator.invokeAgent",
				domain.ErrToolExecution, fmt.Sprintf("tool iteration bound %d exceeded", maxIter))
		}
		if c.tools == nil {
			return domain.Message{}, domain.NewDomainError("Coordinator.invokeAgent",
				domain.ErrToolExecution, "agent requested tools but no sandbox is configured")
		}

		msgs = append(msgs, msg)
		for _, tc := range msg.ToolCalls {
			toolMsg := c.runToolCall(ctx, ts, profile, tc)
			msgs = append(msgs, toolMsg)
		}
	}
}

// gateOutbound applies the outbound safety gate to a final agent message.
func (c *Coordinator) gateOutbound(ctx context.Context, ts *turnState, msg domain.Message, usage domain.Usage) (domain.Message, error) {
	verdict := c.safety.Check(ctx, msg, domain.SafetyOutbound)
	ts.addFlags(verdict.Flags)
	if !verdict.Pass {
		return domain.Message{}, domain.NewDomainError("Coordinator.gateOutbound",
			domain.ErrSafetyViolation, "outbound message blocked")
	}
	if verdict.Redacted != "" {
		msg.Content = verdict.Redacted
	}
	if msg.ID == "" {
		msg.ID = generateULID(time.Now())
	}
	msg.Usage = &usage
	ts.addParticipant(msg.AgentKey)
	return msg, nil
}

// complete issues one completion call under the per-call deadline.
func (c *Coordinator) complete(ctx context.Context, provider domain.CompletionProvider, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	callCtx := ctx
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}
	return provider.Complete(callCtx, req)
}

// runToolCall executes one tool call and wraps its outcome as a tool
// message. Tool failures become error results visible to the agent rather
// than turn failures; the model decides how to proceed.
func (c *Coordinator) runToolCall(ctx context.Context, ts *turnState, profile domain.AgentProfile, tc domain.ToolCall) domain.Message {
	c.publish(ctx, domain.EventToolCallStarted, ts.session.ID, map[string]string{
		"turn_id": ts.turnID, "agent_key": profile.Key, "tool": tc.Name, "call_id": tc.ID,
	})

	var content string
	status := domain.ToolCallSucceeded

	tool, err := c.tools.Get(tc.Name)
	if err != nil {
		content = fmt.Sprintf("tool %q is not available", tc.Name)
		status = domain.ToolCallFailed
	} else {
		callCtx := ctx
		if c.cfg.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}
		result, err := tool.Execute(callCtx, tc.Arguments)
		switch {
		case err != nil:
			content = fmt.Sprintf("tool error: %v", err)
			status = domain.ToolCallFailed
		case result.IsError:
			content = result.Content
			status = domain.ToolCallFailed
		default:
			content = result.Content
		}
	}

	c.publish(ctx, domain.EventToolCallCompleted, ts.session.ID, map[string]string{
		"turn_id": ts.turnID, "agent_key": profile.Key, "tool": tc.Name,
		"call_id": tc.ID, "status": string(status),
	})

	return domain.Message{
		ID:      generateULID(time.Now()),
		Role:    domain.RoleTool,
		Content: content,
		ToolCalls: []domain.ToolCall{{
			ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
			Result: content, Status: status,
		}},
	}
}

// recordCost books one completion call into the cost tracker and folds the
// finalized cost into the turn total.
func (c *Coordinator) recordCost(ctx context.Context, ts *turnState, profile domain.AgentProfile, resp *domain.CompletionResponse, reqMsgs []domain.Message) {
	var promptText, completionText string
	if resp.Usage.PromptTokens == 0 {
		var b strings.Builder
		for _, m := range reqMsgs {
			b.WriteString(m.Content)
			b.WriteByte('\n')
		}
		promptText = b.String()
	}
	if resp.Usage.CompletionTokens == 0 {
		completionText = resp.Message.Content
	}

	rec := c.costs.Record(ctx, domain.CostRecord{
		SessionID: ts.session.ID,
		UserID:    ts.userID,
		AgentKey:  profile.Key,
		Provider:  profile.Provider,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, promptText, completionText)
	ts.addCost(rec.CostUSD, domain.Usage{
		PromptTokens:     rec.TokensIn,
		CompletionTokens: rec.TokensOut,
		TotalTokens:      rec.TokensIn + rec.TokensOut,
	})
}

// lookupAgents resolves routing keys to profiles from one registry
// snapshot, so a mid-turn reload never yields a mixed view.
func (c *Coordinator) lookupAgents(decision domain.RoutingDecision) ([]domain.AgentProfile, error) {
	snap := c.router.registry.Snapshot()
	keys := append([]string{decision.PrimaryAgent}, decision.SupportingAgents...)
	profiles := make([]domain.AgentProfile, 0, len(keys))
	for _, key := range keys {
		p, ok := snap.Get(key)
		if !ok {
			return nil, domain.NewDomainError("Coordinator.lookupAgents", domain.ErrNoAgent, key)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}
