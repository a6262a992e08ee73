package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"ensemble/internal/domain"
	"ensemble/internal/infra/config"
	"ensemble/internal/usecase/eventbus"
)

// PolicyAction is what a matched safety policy does to the message.
type PolicyAction string

const (
	ActionBlock  PolicyAction = "block"
	ActionRedact PolicyAction = "redact"
	ActionFlag   PolicyAction = "flag"
)

const redactedPlaceholder = "[REDACTED]"

type compiledPolicy struct {
	name     string
	pattern  *regexp.Regexp
	action   PolicyAction
	inbound  bool
	outbound bool
}

// Gate runs a configured chain of content checks on both sides of a turn:
// the user's inbound message before routing, and every candidate agent
// message before it is committed to history. A blocking policy fails the
// verdict but the chain keeps running so every firing check is reported.
type Gate struct {
	policies   []compiledPolicy
	injection  bool
	schemaArgs bool
	tools      domain.ToolExecutor // nil disables schema validation
	bus        domain.EventBus
	logger     *slog.Logger
}

// NewGate compiles the policy chain. tools may be nil when no tool sandbox
// is configured.
func NewGate(cfg config.SafetyConfig, tools domain.ToolExecutor, bus domain.EventBus, logger *slog.Logger) (*Gate, error) {
	g := &Gate{
		injection:  cfg.InjectionHeuristics == nil || *cfg.InjectionHeuristics,
		schemaArgs: cfg.ValidateToolArgs == nil || *cfg.ValidateToolArgs,
		tools:      tools,
		bus:        bus,
		logger:     logger,
	}

	for _, p := range cfg.Policies {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("safety policy %q: %w", p.Name, err)
		}
		cp := compiledPolicy{
			name:    p.Name,
			pattern: re,
			action:  PolicyAction(p.Action),
		}
		if len(p.Stages) == 0 {
			cp.inbound, cp.outbound = true, true
		}
		for _, s := range p.Stages {
			switch domain.SafetyStage(s) {
			case domain.SafetyInbound:
				cp.inbound = true
			case domain.SafetyOutbound:
				cp.outbound = true
			}
		}
		g.policies = append(g.policies, cp)
	}
	return g, nil
}

// Check runs the chain and returns the combined verdict. The message
// content is never included in the verdict; a blocked message surfaces only
// through its flags.
func (g *Gate) Check(ctx context.Context, msg domain.Message, stage domain.SafetyStage) domain.SafetyVerdict {
	verdict := domain.SafetyVerdict{Pass: true}
	content := msg.Content
	redacted := false

	for _, p := range g.policies {
		if stage == domain.SafetyInbound && !p.inbound {
			continue
		}
		if stage == domain.SafetyOutbound && !p.outbound {
			continue
		}
		if !p.pattern.MatchString(content) {
			continue
		}

		verdict.Flags = append(verdict.Flags, p.name)
		switch p.action {
		case ActionBlock:
			verdict.Pass = false
		case ActionRedact:
			content = p.pattern.ReplaceAllString(content, redactedPlaceholder)
			redacted = true
		}
	}

	if stage == domain.SafetyOutbound && len(msg.ToolCalls) > 0 {
		for _, tc := range msg.ToolCalls {
			if g.injection {
				if flag := scanInjection(tc); flag != "" {
					verdict.Flags = append(verdict.Flags, flag)
					verdict.Pass = false
				}
			}
			if g.schemaArgs && g.tools != nil {
				if err := g.validateArgs(tc); err != nil {
					verdict.Flags = append(verdict.Flags, "tool_args_schema:"+tc.Name)
					verdict.Pass = false
					g.logger.Warn("tool argument schema violation",
						"tool", tc.Name, "error", err)
				}
			}
		}
	}

	if redacted {
		verdict.Redacted = content
	}

	if len(verdict.Flags) > 0 {
		g.logger.Info("safety checks fired",
			"stage", string(stage),
			"pass", verdict.Pass,
			"flags", strings.Join(verdict.Flags, ","),
		)
		if g.bus != nil {
			g.bus.Publish(ctx, eventbus.NewEvent(domain.EventSafetyFlagged, "", map[string]any{
				"stage": string(stage),
				"pass":  verdict.Pass,
				"flags": verdict.Flags,
			}))
		}
	}
	return verdict
}

// injectionMarkers are phrases that commonly smuggle instructions through
// tool-call arguments.
var injectionMarkers = []string{
	"ignore previous instructions",
	"ignore all previous",
	"disregard your instructions",
	"you are now",
	"system prompt",
	"</system>",
	"<|im_start|>",
}

func scanInjection(tc domain.ToolCall) string {
	args := strings.ToLower(string(tc.Arguments))
	for _, m := range injectionMarkers {
		if strings.Contains(args, m) {
			return "prompt_injection:" + tc.Name
		}
	}
	return ""
}

// validateArgs checks tool-call arguments against the tool's declared
// parameter schema.
func (g *Gate) validateArgs(tc domain.ToolCall) error {
	tool, err := g.tools.Get(tc.Name)
	if err != nil {
		return fmt.Errorf("unknown tool %q", tc.Name)
	}
	schema := tool.Schema()
	if len(schema.Parameters) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	compiled, err := compiler.Compile([]byte(schema.Parameters))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	var data any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &data); err != nil {
			return fmt.Errorf("arguments not valid JSON: %w", err)
		}
	} else {
		data = map[string]any{}
	}

	result := compiled.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

var _ domain.SafetyGate = (*Gate)(nil)
