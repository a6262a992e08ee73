package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ensemble/internal/adapter/agentreg"
	"ensemble/internal/adapter/ledger"
	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/infra/logger"
	"ensemble/internal/usecase/eventbus"
)

// fakeProvider returns scripted responses in order, then repeats the last
// one. A nil script echoes the last user message.
type fakeProvider struct {
	name string

	mu      sync.Mutex
	script  []domain.CompletionResponse
	errs    []error
	calls   int
	lastReq domain.CompletionRequest
	delay   time.Duration
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	p.calls++
	p.lastReq = req

	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	if len(p.script) > 0 {
		r := p.script[min(idx, len(p.script)-1)]
		return &r, nil
	}

	content := "ok"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			content = "echo: " + req.Messages[i].Content
			break
		}
	}
	return &domain.CompletionResponse{
		Message: domain.Message{Role: domain.RoleAgent, Content: content},
		Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeProviders resolves providers by name for the coordinator.
type fakeProviders map[string]domain.CompletionProvider

func (f fakeProviders) Get(name string) (domain.CompletionProvider, error) {
	p, ok := f[name]
	if !ok {
		return nil, domain.NewDomainError("fakeProviders.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// collectorSink records every event it receives, in order.
type collectorSink struct {
	mu     sync.Mutex
	events []domain.Event
	fail   bool
	block  chan struct{} // non-nil = Send blocks until closed
}

func (s *collectorSink) Send(_ context.Context, event domain.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink failed")
	}
	s.events = append(s.events, event)
	return nil
}

func (s *collectorSink) Close() error { return nil }

func (s *collectorSink) collected() []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...)
}

// testEnv bundles a fully wired coordinator over fakes.
type testEnv struct {
	coordinator *Coordinator
	orch        *Orchestrator
	registry    *agentreg.StaticRegistry
	providers   fakeProviders
	sessions    *SessionManager
	streams     *StreamManager
	costs       *CostTracker
	ledger      *ledger.MemoryLedger
	bus         *eventbus.Bus
}

type envOption func(*config.CoordinatorConfig)

func withRounds(n int) envOption {
	return func(c *config.CoordinatorConfig) { c.MaxGroupRounds = n }
}

func withQueueing() envOption {
	return func(c *config.CoordinatorConfig) { c.QueueTurns = true }
}

// newTestEnv wires a coordinator with the given agents all served by one
// fake provider named "test".
func newTestEnv(t interface{ Cleanup(func()) }, profiles []domain.AgentProfile, provider *fakeProvider, opts ...envOption) *testEnv {
	log := logger.Discard()
	bus := eventbus.New(log)
	registry := agentreg.NewStaticRegistry(profiles)
	providers := fakeProviders{"test": provider}

	mem := ledger.NewMemoryLedger()
	costs := NewCostTracker(config.CostConfig{
		FlushInterval: 20 * time.Millisecond,
		BufferSize:    128,
		Encoding:      "cl100k_base",
	}, []config.ProviderConfig{
		{Name: "test", PricePerMTokIn: 1000, PricePerMTokOut: 2000},
	}, mem, bus, log)

	safety, err := NewGate(config.SafetyConfig{}, nil, bus, log)
	if err != nil {
		panic(err)
	}

	sessions := NewSessionManager("", 0, log)
	streams := NewStreamManager(bus, log)
	router := NewRouter(registry, nil, 0, "", log)

	cfg := config.CoordinatorConfig{
		MaxGroupRounds:    1,
		TerminationSignal: "[DONE]",
		MaxToolIterations: 4,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	coordinator := NewCoordinator(cfg, router, providers, nil, safety, costs, streams, sessions, nil, log)
	orch := NewOrchestrator(coordinator, sessions, streams, costs, registry, bus, log)

	env := &testEnv{
		coordinator: coordinator,
		orch:        orch,
		registry:    registry,
		providers:   providers,
		sessions:    sessions,
		streams:     streams,
		costs:       costs,
		ledger:      mem,
		bus:         bus,
	}
	t.Cleanup(func() {
		streams.Close()
		costs.Close()
		bus.Close()
	})
	return env
}

func twoAgents() []domain.AgentProfile {
	return []domain.AgentProfile{
		{Key: "finance", DisplayName: "Finance", Provider: "test", Model: "m", Keywords: []string{"revenue", "cost"}, Priority: 2},
		{Key: "strategy", DisplayName: "Strategy", Provider: "test", Model: "m", Keywords: []string{"compare", "plan"}, Priority: 1},
	}
}
