package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
)

// Guard is the single choke point for outbound resilience. Every model and
// tool invocation flows through Call, which applies per-target rate
// limiting, a per-target circuit breaker, and bounded retries with backoff
// for transient errors. Retries never occur once a circuit is open.
type Guard struct {
	cfg    config.ResilienceConfig
	bus    domain.EventBus
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]
	limiters map[string]*rate.Limiter
}

// NewGuard creates a resilience guard. bus may be nil.
func NewGuard(cfg config.ResilienceConfig, bus domain.EventBus, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		limiters: make(map[string]*rate.Limiter),
	}
}

// SetRate configures a rate limit for a target. perSec <= 0 removes the limit.
func (g *Guard) SetRate(target string, perSec float64, burst int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if perSec <= 0 {
		delete(g.limiters, target)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	g.limiters[target] = rate.NewLimiter(rate.Limit(perSec), burst)
}

func (g *Guard) breaker(target string) *gobreaker.CircuitBreaker[struct{}] {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[target]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        target,
		MaxRequests: 1, // exactly one probe in half-open state
		Interval:    g.cfg.Interval,
		Timeout:     g.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("circuit breaker state change",
				"target", name,
				"from", from.String(),
				"to", to.String(),
			)
			g.publishStateChange(name, from, to)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	g.breakers[target] = cb
	return cb
}

func (g *Guard) limiter(target string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiters[target]
}

// Call invokes fn for target with the full resilience policy: rate limit,
// circuit breaker, and bounded retries with exponential backoff for
// transient errors. Deadline expiry inside fn counts as an ordinary failure
// feeding the breaker, not a distinct error class.
func (g *Guard) Call(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	var lastErr error
	backoff := g.cfg.RetryBackoff

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return domain.WrapOp("guard", ctx.Err())
			}
			backoff *= 2
		}

		err := g.callOnce(ctx, target, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		// Once the circuit is open there is no point retrying: every
		// further attempt fails fast without reaching the dependency.
		if errors.Is(err, domain.ErrCircuitOpen) || !domain.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// CallOnce invokes fn exactly once through the breaker, with no retries.
// Used for streaming initiation, where a retry would replay the stream.
func (g *Guard) CallOnce(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	return g.callOnce(ctx, target, fn)
}

func (g *Guard) callOnce(ctx context.Context, target string, fn func(ctx context.Context) error) error {
	if lim := g.limiter(target); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return domain.WrapOp("guard: rate limit", err)
		}
	}

	_, err := g.breaker(target).Execute(func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("target %q: %w", target, domain.ErrCircuitOpen)
		}
		return err
	}
	return nil
}

// State returns the breaker state string for a target ("closed", "open",
// "half-open"). Targets without recorded calls report "closed".
func (g *Guard) State(target string) string {
	return g.breaker(target).State().String()
}

func (g *Guard) publishStateChange(target string, from, to gobreaker.State) {
	if g.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.BreakerChangedPayload{
		Target: target,
		From:   from.String(),
		To:     to.String(),
	})
	if err != nil {
		return
	}
	g.bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventBreakerChanged,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// ResilientProvider wraps a CompletionProvider so every call flows through
// the guard. The target key is "llm:<provider name>".
type ResilientProvider struct {
	inner domain.CompletionProvider
	guard *Guard
}

// NewResilientProvider wraps inner with the guard.
func NewResilientProvider(inner domain.CompletionProvider, guard *Guard) *ResilientProvider {
	return &ResilientProvider{inner: inner, guard: guard}
}

// Complete implements domain.CompletionProvider.
func (p *ResilientProvider) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	var resp *domain.CompletionResponse
	err := p.guard.Call(ctx, p.target(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.inner.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// CompleteStream implements domain.StreamingCompletionProvider when the
// inner provider supports it. The breaker protects stream initiation;
// errors after the connection is established flow through the channel and
// do not trip the breaker.
func (p *ResilientProvider) CompleteStream(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingCompletionProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", p.inner.Name())
	}

	var ch <-chan domain.StreamDelta
	err := p.guard.CallOnce(ctx, p.target(), func(ctx context.Context) error {
		var streamErr error
		ch, streamErr = sp.CompleteStream(ctx, req)
		return streamErr
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// CanStream reports whether the wrapped provider actually supports
// streaming. The wrapper always satisfies StreamingCompletionProvider, so
// callers picking a code path must ask this instead of type-asserting.
func (p *ResilientProvider) CanStream() bool {
	_, ok := p.inner.(domain.StreamingCompletionProvider)
	return ok
}

// Name implements domain.CompletionProvider.
func (p *ResilientProvider) Name() string { return p.inner.Name() }

func (p *ResilientProvider) target() string { return "llm:" + p.inner.Name() }

// Compile-time interface checks.
var (
	_ domain.CompletionProvider          = (*ResilientProvider)(nil)
	_ domain.StreamingCompletionProvider = (*ResilientProvider)(nil)
)
