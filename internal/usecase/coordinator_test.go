package usecase

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/infra/logger"
	"ensemble/internal/usecase/eventbus"
)

func TestDirectTurn(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), provider)

	result, err := env.orch.RunDirect(context.Background(), "", "u1", "what is our revenue this quarter")
	if err != nil {
		t.Fatalf("RunDirect: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q, want completed (%s)", result.Status, result.ErrorDetail)
	}
	if len(result.ParticipatingAgents) != 1 || result.ParticipatingAgents[0] != "finance" {
		t.Errorf("participants = %v, want [finance]", result.ParticipatingAgents)
	}
	if result.TotalTokens == 0 {
		t.Error("TotalTokens should be > 0")
	}
	if result.FinalMessage.Content == "" {
		t.Error("final message should have content")
	}

	session, err := env.sessions.Get(result.SessionID)
	if err != nil {
		t.Fatalf("session lookup: %v", err)
	}
	msgs := session.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history has %d messages, want user + agent", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || msgs[1].Role != domain.RoleAgent {
		t.Errorf("history roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	env := newTestEnv(t, twoAgents(), &fakeProvider{name: "test"})

	_, err := env.orch.RunDirect(context.Background(), "", "u1", "   ")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEmptyRegistryFailsRouting(t *testing.T) {
	env := newTestEnv(t, nil, &fakeProvider{name: "test"})

	result, err := env.orch.RunDirect(context.Background(), "", "u1", "hello")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.ErrorKind != domain.CodeRoutingError {
		t.Errorf("error kind = %q, want ROUTING_ERROR", result.ErrorKind)
	}
}

func TestGroupChatOrderingAndBound(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), provider)

	sink := &collectorSink{}
	session := env.sessions.Create("u1")
	env.streams.Attach(session.ID, sink)

	result, err := env.orch.RunGroupChat(context.Background(), session.ID, "u1", "compare revenue across two business units")
	if err != nil {
		t.Fatalf("RunGroupChat: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s)", result.Status, result.ErrorDetail)
	}

	// Both agents participate; with one round exactly two new agent
	// messages land after the user message.
	if len(result.ParticipatingAgents) != 2 {
		t.Fatalf("participants = %v, want both agents", result.ParticipatingAgents)
	}
	msgs, _ := env.sessions.Get(session.ID)
	var agentMsgs []domain.Message
	for _, m := range msgs.Messages() {
		if m.Role == domain.RoleAgent {
			agentMsgs = append(agentMsgs, m)
		}
	}
	if len(agentMsgs) != 2 {
		t.Fatalf("got %d agent messages, want 2", len(agentMsgs))
	}
	if result.TotalTokens == 0 {
		t.Error("TotalTokens should be > 0")
	}

	// The second agent's call must have seen the first agent's output.
	req := func() domain.CompletionRequest {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.lastReq
	}()
	found := false
	for _, m := range req.Messages {
		if m.Role == domain.RoleAgent && m.AgentKey == agentMsgs[0].AgentKey {
			found = true
		}
	}
	if !found {
		t.Error("second agent should see first agent's committed message")
	}

	env.streams.Detach(session.ID, sink)
	events := sink.collected()
	assertEventOrder(t, events, []domain.EventType{
		domain.EventTurnStarted,
		domain.EventAgentSwitched,
		domain.EventTurnChunk,
		domain.EventAgentSwitched,
		domain.EventTurnChunk,
		domain.EventTurnCompleted,
	})
}

func assertEventOrder(t *testing.T, events []domain.Event, want []domain.EventType) {
	t.Helper()
	var got []domain.EventType
	for _, e := range events {
		got = append(got, e.Type)
	}
	if len(got) != len(want) {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestGroupChatTerminationSignal(t *testing.T) {
	provider := &fakeProvider{
		name: "test",
		script: []domain.CompletionResponse{
			{
				Message: domain.Message{Role: domain.RoleAgent, Content: "all set [DONE]"},
				Usage:   domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			},
		},
	}
	env := newTestEnv(t, twoAgents(), provider, withRounds(3))

	result, err := env.orch.RunGroupChat(context.Background(), "", "u1", "compare plans")
	if err != nil {
		t.Fatalf("RunGroupChat: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s)", result.Status, result.ErrorDetail)
	}
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, want chat to stop after the signal", provider.callCount())
	}
	if strings.Contains(result.FinalMessage.Content, "[DONE]") {
		t.Errorf("termination signal leaked into final message: %q", result.FinalMessage.Content)
	}
}

func TestSessionBusyRejected(t *testing.T) {
	provider := &fakeProvider{name: "test", delay: 150 * time.Millisecond}
	env := newTestEnv(t, twoAgents(), provider)

	session := env.sessions.Create("u1")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		env.orch.RunDirect(context.Background(), session.ID, "u1", "first revenue question")
	}()

	// Let the first turn take the lock.
	time.Sleep(30 * time.Millisecond)
	_, err := env.orch.RunDirect(context.Background(), session.ID, "u1", "second revenue question")
	wg.Wait()

	if !errors.Is(err, domain.ErrSessionBusy) {
		t.Fatalf("concurrent turn err = %v, want ErrSessionBusy", err)
	}
}

func TestSessionBusyQueued(t *testing.T) {
	provider := &fakeProvider{name: "test", delay: 50 * time.Millisecond}
	env := newTestEnv(t, twoAgents(), provider, withQueueing())

	session := env.sessions.Create("u1")

	var wg sync.WaitGroup
	results := make([]*domain.TurnResult, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.orch.RunDirect(context.Background(), session.ID, "u1", "revenue question")
			if err != nil {
				t.Errorf("queued turn failed: %v", err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for i, r := range results {
		if r == nil || r.Status != domain.TurnCompleted {
			t.Fatalf("turn %d did not complete", i)
		}
	}

	// Serialized turns never interleave: history is strictly
	// user, agent, user, agent.
	msgs, _ := env.sessions.Get(session.ID)
	var roles []string
	for _, m := range msgs.Messages() {
		roles = append(roles, m.Role)
	}
	want := []string{domain.RoleUser, domain.RoleAgent, domain.RoleUser, domain.RoleAgent}
	if len(roles) != len(want) {
		t.Fatalf("history roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("history roles = %v, want %v", roles, want)
		}
	}
}

func TestCostAggregationMatchesLedger(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), provider)

	session := env.sessions.Create("u1")
	var total float64
	for i := 0; i < 3; i++ {
		result, err := env.orch.RunDirect(context.Background(), session.ID, "u1", "revenue check")
		if err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
		if result.Status != domain.TurnCompleted {
			t.Fatalf("turn %d failed: %s", i, result.ErrorDetail)
		}
		total += result.TotalCostUSD
	}

	summary, err := env.orch.CostSummary(context.Background(), domain.CostFilter{
		Scope: domain.CostScopeSession,
		Key:   session.ID,
	})
	if err != nil {
		t.Fatalf("CostSummary: %v", err)
	}
	if summary.Records != 3 {
		t.Errorf("ledger has %d records, want 3", summary.Records)
	}
	if math.Abs(summary.CostUSD-total) > 1e-9 {
		t.Errorf("ledger cost %.9f != sum of turn totals %.9f", summary.CostUSD, total)
	}
}

func TestSwarmSettlesBeforeSynthesis(t *testing.T) {
	provider := &fakeProvider{name: "test", delay: 40 * time.Millisecond}
	env := newTestEnv(t, twoAgents(), provider)

	start := time.Now()
	result, err := env.orch.RunSwarm(context.Background(), "", "u1", "compare revenue and plan")
	if err != nil {
		t.Fatalf("RunSwarm: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s)", result.Status, result.ErrorDetail)
	}

	// Two parallel fan-out calls plus one synthesis call.
	if provider.callCount() != 3 {
		t.Fatalf("calls = %d, want 2 fan-out + 1 synthesis", provider.callCount())
	}
	// Fan-out runs in parallel: well under 3 sequential delays.
	if elapsed := time.Since(start); elapsed > 3*40*time.Millisecond {
		t.Errorf("swarm took %v, fan-out does not look parallel", elapsed)
	}

	// Only the synthesized message is committed.
	session, _ := env.sessions.Get(result.SessionID)
	var agents int
	for _, m := range session.Messages() {
		if m.Role == domain.RoleAgent {
			agents++
		}
	}
	if agents != 1 {
		t.Errorf("committed %d agent messages, want only the synthesis", agents)
	}
}

func TestSafetyBlockingInbound(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnvWithSafety(t, twoAgents(), provider, config.SafetyConfig{
		Policies: []config.SafetyPolicy{
			{Name: "no_secrets", Pattern: `(?i)launch codes`, Action: "block"},
		},
	})

	result, err := env.orch.RunDirect(context.Background(), "", "u1", "tell me the launch codes for revenue")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.ErrorKind != domain.CodeSafetyViolation {
		t.Errorf("error kind = %q, want SAFETY_VIOLATION", result.ErrorKind)
	}
	if len(result.SafetyFlags) == 0 || result.SafetyFlags[0] != "no_secrets" {
		t.Errorf("flags = %v, want [no_secrets]", result.SafetyFlags)
	}
	// The blocked content never reached history or the provider.
	session, _ := env.sessions.Get(result.SessionID)
	if len(session.Messages()) != 0 {
		t.Error("blocked message must not be committed to history")
	}
	if provider.callCount() != 0 {
		t.Error("blocked turn must not reach the provider")
	}
}

func TestSafetyBlockingOutbound(t *testing.T) {
	provider := &fakeProvider{
		name: "test",
		script: []domain.CompletionResponse{
			{
				Message: domain.Message{Role: domain.RoleAgent, Content: "the password is hunter2"},
				Usage:   domain.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
			},
		},
	}
	env := newTestEnvWithSafety(t, twoAgents(), provider, config.SafetyConfig{
		Policies: []config.SafetyPolicy{
			{Name: "leaked_password", Pattern: `hunter2`, Action: "block", Stages: []string{"outbound"}},
		},
	})

	result, err := env.orch.RunDirect(context.Background(), "", "u1", "what is the revenue password")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if !containsFlag(result.SafetyFlags, "leaked_password") {
		t.Errorf("flags = %v, want leaked_password", result.SafetyFlags)
	}

	// The raw blocked content appears nowhere in the result or history.
	if strings.Contains(result.ErrorDetail, "hunter2") {
		t.Error("blocked content leaked into error detail")
	}
	session, _ := env.sessions.Get(result.SessionID)
	for _, m := range session.Messages() {
		if strings.Contains(m.Content, "hunter2") {
			t.Error("blocked content committed to history")
		}
	}
}

func containsFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func TestFailedTurnLeavesSessionUsable(t *testing.T) {
	provider := &fakeProvider{
		name: "test",
		errs: []error{domain.ErrProviderError},
	}
	env := newTestEnv(t, twoAgents(), provider)

	session := env.sessions.Create("u1")
	result, err := env.orch.RunDirect(context.Background(), session.ID, "u1", "revenue?")
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("first turn status = %q, want failed", result.Status)
	}

	result, err = env.orch.RunDirect(context.Background(), session.ID, "u1", "revenue again?")
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("second turn status = %q, want completed (%s)", result.Status, result.ErrorDetail)
	}
}

func TestWorkflowTurn(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), provider)
	env.coordinator.workflows = staticWorkflows{
		"report": {
			Name: "report",
			Steps: []domain.WorkflowStep{
				{ID: "gather", AgentKey: "finance", Prompt: "gather figures"},
				{ID: "analyze", AgentKey: "strategy", Prompt: "analyze", DependsOn: []string{"gather"}},
			},
		},
	}

	result, err := env.orch.RunWorkflow(context.Background(), "", "u1", "quarterly report", "report")
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s)", result.Status, result.ErrorDetail)
	}
	if len(result.ParticipatingAgents) != 2 {
		t.Errorf("participants = %v, want both step agents", result.ParticipatingAgents)
	}
	if provider.callCount() != 2 {
		t.Errorf("calls = %d, want one per step", provider.callCount())
	}
}

func TestWorkflowAbortsDependents(t *testing.T) {
	provider := &fakeProvider{
		name: "test",
		errs: []error{domain.ErrProviderError},
	}
	env := newTestEnv(t, twoAgents(), provider)
	env.coordinator.workflows = staticWorkflows{
		"chain": {
			Name: "chain",
			Steps: []domain.WorkflowStep{
				{ID: "first", AgentKey: "finance"},
				{ID: "second", AgentKey: "strategy", DependsOn: []string{"first"}},
				{ID: "third", AgentKey: "finance", DependsOn: []string{"second"}},
			},
		},
	}

	result, err := env.orch.RunWorkflow(context.Background(), "", "u1", "chain it", "chain")
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.ErrorKind != domain.CodeWorkflowAborted {
		t.Errorf("error kind = %q, want WORKFLOW_ABORTED", result.ErrorKind)
	}
	if !strings.Contains(result.ErrorDetail, "second") || !strings.Contains(result.ErrorDetail, "third") {
		t.Errorf("detail should list aborted dependents, got %q", result.ErrorDetail)
	}
	// Only the failing step's call happened.
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, want downstream steps skipped", provider.callCount())
	}
}

type staticWorkflows map[string]domain.WorkflowGraph

func (s staticWorkflows) Get(name string) (domain.WorkflowGraph, error) {
	g, ok := s[name]
	if !ok {
		return domain.WorkflowGraph{}, domain.NewDomainError("staticWorkflows.Get", domain.ErrNotFound, name)
	}
	return g, nil
}

// newTestEnvWithSafety is newTestEnv with a custom safety policy chain.
func newTestEnvWithSafety(t *testing.T, profiles []domain.AgentProfile, provider *fakeProvider, safetyCfg config.SafetyConfig) *testEnv {
	env := newTestEnv(t, profiles, provider)
	log := logger.Discard()
	gate, err := NewGate(safetyCfg, nil, eventbus.New(log), log)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	env.coordinator.safety = gate
	return env
}

func TestSwarmPartialFailureSynthesizes(t *testing.T) {
	provider := &fakeProvider{name: "test", errs: []error{domain.ErrProviderError}}
	env := newTestEnv(t, twoAgents(), provider)

	result, err := env.orch.RunSwarm(context.Background(), "", "u1", "compare revenue and plan")
	if err != nil {
		t.Fatalf("RunSwarm: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s), want synthesis over partial results", result.Status, result.ErrorDetail)
	}

	// Both fan-out calls settled (one failed), then synthesis ran.
	if provider.callCount() != 3 {
		t.Fatalf("calls = %d, want 2 fan-out + 1 synthesis", provider.callCount())
	}
	// The synthesis prompt carries the surviving answer and notes the
	// unavailable specialist, never the error text.
	prompt := provider.lastReq.Messages[len(provider.lastReq.Messages)-1].Content
	if !strings.Contains(prompt, "echo:") {
		t.Errorf("synthesis prompt missing surviving output: %q", prompt)
	}
	if !strings.Contains(prompt, "unavailable") {
		t.Errorf("synthesis prompt should note the failed specialist: %q", prompt)
	}
	if strings.Contains(prompt, domain.ErrProviderError.Error()) {
		t.Errorf("synthesis prompt leaks the raw error: %q", prompt)
	}

	// Only the synthesis is committed.
	session, _ := env.sessions.Get(result.SessionID)
	var agents int
	for _, m := range session.Messages() {
		if m.Role == domain.RoleAgent {
			agents++
		}
	}
	if agents != 1 {
		t.Errorf("committed %d agent messages, want only the synthesis", agents)
	}
}

func TestSwarmAllFailuresFailTurn(t *testing.T) {
	provider := &fakeProvider{name: "test", errs: []error{domain.ErrProviderError, domain.ErrProviderError}}
	env := newTestEnv(t, twoAgents(), provider)

	result, err := env.orch.RunSwarm(context.Background(), "", "u1", "compare revenue and plan")
	if err != nil {
		t.Fatalf("RunSwarm: %v", err)
	}
	if result.Status != domain.TurnFailed {
		t.Fatalf("status = %q, want failed when every specialist fails", result.Status)
	}
	if result.ErrorKind != domain.CodeProviderError {
		t.Errorf("error kind = %q, want PROVIDER_ERROR", result.ErrorKind)
	}
	// No synthesis call after a total fan-out loss.
	if provider.callCount() != 2 {
		t.Errorf("calls = %d, want fan-out only", provider.callCount())
	}
}

func TestTurnCancelledStillYieldsResult(t *testing.T) {
	provider := &fakeProvider{name: "test", delay: 120 * time.Millisecond}
	env := newTestEnv(t, twoAgents(), provider)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := env.orch.RunDirect(ctx, "", "u1", "what is our revenue")
	if err != nil {
		t.Fatalf("RunDirect: %v", err)
	}
	if result.Status != domain.TurnCancelled {
		t.Fatalf("status = %q, want cancelled", result.Status)
	}
	if result.ErrorKind != domain.CodeTurnCancelled {
		t.Errorf("error kind = %q, want TURN_CANCELLED", result.ErrorKind)
	}

	// The session returns to idle and serves the next turn.
	provider.mu.Lock()
	provider.delay = 0
	provider.mu.Unlock()
	next, err := env.orch.RunDirect(context.Background(), result.SessionID, "u1", "cost update")
	if err != nil {
		t.Fatalf("RunDirect after cancel: %v", err)
	}
	if next.Status != domain.TurnCompleted {
		t.Errorf("status = %q, want the next turn to complete", next.Status)
	}
}

// wrappedNonStreaming satisfies the streaming interface the way a guard
// wrapper does while its inner provider cannot stream.
type wrappedNonStreaming struct {
	*fakeProvider
}

func (p wrappedNonStreaming) CanStream() bool { return false }

func (p wrappedNonStreaming) CompleteStream(context.Context, domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	return nil, errors.New("streaming unsupported")
}

func TestDirectTurnNonStreamingProviderWithSink(t *testing.T) {
	provider := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), provider)
	env.providers["test"] = wrappedNonStreaming{provider}

	session := env.sessions.Create("u1")
	sink := &collectorSink{}
	env.orch.AttachSink(session.ID, sink)

	result, err := env.orch.RunDirect(context.Background(), session.ID, "u1", "what is our revenue")
	if err != nil {
		t.Fatalf("RunDirect: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s), want the blocking fallback to answer", result.Status, result.ErrorDetail)
	}
	if provider.callCount() != 1 {
		t.Errorf("calls = %d, want one blocking completion", provider.callCount())
	}

	env.orch.DetachSink(session.ID, sink)
	var chunks int
	for _, e := range sink.collected() {
		if e.Type == domain.EventTurnChunk {
			chunks++
		}
	}
	if chunks != 1 {
		t.Errorf("chunks = %d, want the full response as one chunk", chunks)
	}
}

// latencyProvider delays calls whose prompt contains slowSubstr, so
// parallel workflow steps finish in a known order.
type latencyProvider struct {
	*fakeProvider
	slowSubstr string
	slowDelay  time.Duration
}

func (p *latencyProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != domain.RoleUser {
			continue
		}
		if strings.Contains(req.Messages[i].Content, p.slowSubstr) {
			select {
			case <-time.After(p.slowDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		break
	}
	return p.fakeProvider.Complete(ctx, req)
}

func TestWorkflowCommitsInCompletionOrder(t *testing.T) {
	inner := &fakeProvider{name: "test"}
	env := newTestEnv(t, twoAgents(), inner)
	env.providers["test"] = &latencyProvider{
		fakeProvider: inner,
		slowSubstr:   "dig deep",
		slowDelay:    60 * time.Millisecond,
	}
	env.coordinator.workflows = staticWorkflows{
		"parallel": {
			Name: "parallel",
			Steps: []domain.WorkflowStep{
				{ID: "deep", AgentKey: "finance", Prompt: "dig deep"},
				{ID: "quick", AgentKey: "strategy", Prompt: "skim quickly"},
			},
		},
	}

	result, err := env.orch.RunWorkflow(context.Background(), "", "u1", "survey the market", "parallel")
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if result.Status != domain.TurnCompleted {
		t.Fatalf("status = %q (%s)", result.Status, result.ErrorDetail)
	}

	session, _ := env.sessions.Get(result.SessionID)
	var agents []string
	for _, m := range session.Messages() {
		if m.Role == domain.RoleAgent {
			agents = append(agents, m.Content)
		}
	}
	// The quick step finishes first and is committed first even though
	// "deep" sorts ahead of "quick" by ID.
	if len(agents) != 2 {
		t.Fatalf("committed %d agent messages, want 2", len(agents))
	}
	if !strings.Contains(agents[0], "skim quickly") || !strings.Contains(agents[1], "dig deep") {
		t.Errorf("history order = %q then %q, want completion order", agents[0], agents[1])
	}
}
