// Package tool implements the sandbox boundary for tool execution.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ensemble/internal/domain"
)

// GuardedCaller is the resilience wrapper applied to every tool call.
// Satisfied by llm.Guard; declared here to avoid an adapter-to-adapter
// import.
type GuardedCaller interface {
	Call(ctx context.Context, target string, fn func(ctx context.Context) error) error
}

// Executor is a registry of sandboxed tools implementing
// domain.ToolExecutor. Each execution flows through the guard under target
// "tool:<name>".
type Executor struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	guard  GuardedCaller
	logger *slog.Logger
}

// NewExecutor creates an empty executor. guard may be nil (direct calls).
func NewExecutor(guard GuardedCaller, logger *slog.Logger) *Executor {
	return &Executor{
		tools:  make(map[string]domain.Tool),
		guard:  guard,
		logger: logger,
	}
}

// Register adds a tool. Returns ErrDuplicate if the name is taken.
func (e *Executor) Register(t domain.Tool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := t.Name()
	if _, exists := e.tools[name]; exists {
		return domain.NewDomainError("Executor.Register", domain.ErrDuplicate, name)
	}
	e.tools[name] = t
	return nil
}

// Get implements domain.ToolExecutor.
func (e *Executor) Get(name string) (domain.Tool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Executor.Get", domain.ErrNotFound, name)
	}
	return &guardedTool{inner: t, guard: e.guard, logger: e.logger}, nil
}

// Schemas implements domain.ToolExecutor. Results are sorted by name for
// deterministic prompt construction.
func (e *Executor) Schemas() []domain.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	schemas := make([]domain.ToolSchema, 0, len(e.tools))
	for _, t := range e.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// SchemasFor returns schemas for the named tools only, preserving the
// caller's order. Unknown names are skipped.
func (e *Executor) SchemasFor(names []string) []domain.ToolSchema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	schemas := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := e.tools[name]; ok {
			schemas = append(schemas, t.Schema())
		}
	}
	return schemas
}

// guardedTool routes Execute through the resilience guard and maps sandbox
// failures to ErrToolExecution.
type guardedTool struct {
	inner  domain.Tool
	guard  GuardedCaller
	logger *slog.Logger
}

func (t *guardedTool) Name() string              { return t.inner.Name() }
func (t *guardedTool) Description() string       { return t.inner.Description() }
func (t *guardedTool) Schema() domain.ToolSchema { return t.inner.Schema() }

func (t *guardedTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	start := time.Now()

	run := func(ctx context.Context) (*domain.ToolResult, error) {
		res, err := t.inner.Execute(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrToolExecution, t.inner.Name(), err)
		}
		return res, nil
	}

	var result *domain.ToolResult
	var err error
	if t.guard != nil {
		err = t.guard.Call(ctx, "tool:"+t.inner.Name(), func(ctx context.Context) error {
			result, err = run(ctx)
			return err
		})
	} else {
		result, err = run(ctx)
	}

	t.logger.Debug("tool executed",
		"tool", t.inner.Name(),
		"duration", time.Since(start),
		"error", err != nil,
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

var _ domain.ToolExecutor = (*Executor)(nil)
