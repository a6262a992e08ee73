package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"ensemble/internal/domain"
	"ensemble/internal/infra/tracer"
)

// Router selects which agents handle a turn. It scores registry profiles
// with cheap keyword heuristics first and only falls back to a single
// classification completion call when the heuristic result is ambiguous.
type Router struct {
	registry   domain.AgentRegistry
	classifier domain.CompletionProvider // nil disables the fallback
	confidence float64
	model      string
	logger     *slog.Logger
}

// NewRouter creates a router. classifier may be nil, in which case ambiguous
// routes resolve by registry priority alone.
func NewRouter(registry domain.AgentRegistry, classifier domain.CompletionProvider, confidence float64, model string, logger *slog.Logger) *Router {
	return &Router{
		registry:   registry,
		classifier: classifier,
		confidence: confidence,
		model:      model,
		logger:     logger,
	}
}

type agentScore struct {
	profile domain.AgentProfile
	score   int
}

// Route picks a primary agent, supporting agents, and a conversation mode
// for the new message. requestedMode, when valid, overrides mode inference.
// An empty registry fails fast with ErrNoAgent.
func (r *Router) Route(ctx context.Context, history []domain.Message, msg string, requestedMode domain.Mode) (domain.RoutingDecision, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route")
	defer span.End()

	snap := r.registry.Snapshot()
	if snap.Empty() {
		err := domain.WrapOp("Router.Route", domain.ErrNoAgent)
		tracer.RecordError(span, err)
		return domain.RoutingDecision{}, err
	}

	scores := r.scoreAgents(snap, msg)
	maxScore := scores[0].score

	// Everybody at the top score is a candidate. Within the tie, prefer the
	// agent most recently used successfully in this session; the sort below
	// already ordered by declared priority for the first-turn case.
	var candidates []agentScore
	for _, s := range scores {
		if s.score == maxScore && s.score > 0 {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) > 1 {
		if recent := lastAgentUsed(history); recent != "" {
			for i, c := range candidates {
				if c.profile.Key == recent && i != 0 {
					candidates[0], candidates[i] = candidates[i], candidates[0]
					break
				}
			}
		}
	}

	conf := confidenceOf(maxScore, msg)
	classified := false

	if conf < r.confidence && r.classifier != nil {
		if key, err := r.classify(ctx, snap, msg); err != nil {
			r.logger.Warn("classification fallback failed, using heuristics", "error", err)
		} else if p, ok := snap.Get(key); ok {
			candidates = prependAgent(candidates, p)
			classified = true
			conf = 1.0
		}
	}

	// Heuristics found nothing and classification did not help: fall back
	// to registry priority order rather than guessing, but only when at
	// least the top-priority agent exists (it always does here).
	if len(candidates) == 0 {
		candidates = []agentScore{{profile: scores[0].profile}}
	}

	decision := domain.RoutingDecision{
		PrimaryAgent: candidates[0].profile.Key,
		Mode:         r.selectMode(requestedMode, len(candidates)),
		Confidence:   conf,
		Classified:   classified,
	}
	for _, c := range candidates[1:] {
		decision.SupportingAgents = append(decision.SupportingAgents, c.profile.Key)
	}

	r.logger.Debug("routing decision",
		"primary", decision.PrimaryAgent,
		"supporting", decision.SupportingAgents,
		"mode", string(decision.Mode),
		"confidence", decision.Confidence,
		"classified", classified,
	)
	span.SetAttributes(
		tracer.StringAttr("route.primary", decision.PrimaryAgent),
		tracer.StringAttr("route.mode", string(decision.Mode)),
	)
	tracer.SetOK(span)
	return decision, nil
}

// scoreAgents returns all profiles scored against the message, ordered by
// score descending, then declared priority descending, then key.
func (r *Router) scoreAgents(snap *domain.RegistrySnapshot, msg string) []agentScore {
	lower := strings.ToLower(msg)
	scores := make([]agentScore, 0, len(snap.Profiles))
	for _, p := range snap.Profiles {
		s := 0
		for _, kw := range p.Keywords {
			if kw == "" {
				continue
			}
			s += strings.Count(lower, strings.ToLower(kw))
		}
		for _, v := range p.Metadata {
			if v != "" && strings.Contains(lower, strings.ToLower(v)) {
				s++
			}
		}
		scores = append(scores, agentScore{profile: p, score: s})
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		if scores[i].profile.Priority != scores[j].profile.Priority {
			return scores[i].profile.Priority > scores[j].profile.Priority
		}
		return scores[i].profile.Key < scores[j].profile.Key
	})
	return scores
}

// confidenceOf normalizes a keyword hit count into (0,1]. Zero hits is zero
// confidence; each hit adds diminishing weight.
func confidenceOf(score int, msg string) float64 {
	if score <= 0 {
		return 0
	}
	words := len(strings.Fields(msg))
	if words == 0 {
		words = 1
	}
	c := float64(score) / float64(words) * 4
	if c > 1 {
		c = 1
	}
	return c
}

// lastAgentUsed scans history backwards for the most recent agent message.
func lastAgentUsed(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleAgent && history[i].AgentKey != "" {
			return history[i].AgentKey
		}
	}
	return ""
}

func prependAgent(candidates []agentScore, p domain.AgentProfile) []agentScore {
	out := []agentScore{{profile: p}}
	for _, c := range candidates {
		if c.profile.Key != p.Key {
			out = append(out, c)
		}
	}
	return out
}

func (r *Router) selectMode(requested domain.Mode, candidateCount int) domain.Mode {
	if domain.ValidMode(requested) {
		return requested
	}
	if candidateCount > 1 {
		return domain.ModeGroupChat
	}
	return domain.ModeDirect
}

// classify asks the completion service which registered agent fits best.
// The reply must be exactly one agent key.
func (r *Router) classify(ctx context.Context, snap *domain.RegistrySnapshot, msg string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "router.classify")
	defer span.End()

	var b strings.Builder
	b.WriteString("You are a router. Pick the single best agent for the user message. ")
	b.WriteString("Reply with exactly one agent key from this list and nothing else.\n")
	for _, p := range snap.Profiles {
		fmt.Fprintf(&b, "- %s: %s\n", p.Key, p.DisplayName)
	}

	resp, err := r.classifier.Complete(ctx, domain.CompletionRequest{
		Model:        r.model,
		SystemPrompt: b.String(),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: msg},
		},
		MaxTokens:   16,
		Temperature: 0,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	key := strings.TrimSpace(strings.Trim(resp.Message.Content, "\"'` \n"))
	if _, ok := snap.Get(key); !ok {
		err := fmt.Errorf("classifier returned unknown agent %q", key)
		tracer.RecordError(span, err)
		return "", err
	}
	r.logger.Debug("classifier picked agent", "agent", key, "known", marshalKeys(snap))
	tracer.SetOK(span)
	return key, nil
}

func marshalKeys(snap *domain.RegistrySnapshot) string {
	keys := make([]string, 0, len(snap.Profiles))
	for _, p := range snap.Profiles {
		keys = append(keys, p.Key)
	}
	data, _ := json.Marshal(keys)
	return string(data)
}
