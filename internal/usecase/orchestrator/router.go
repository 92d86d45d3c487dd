package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"openassistant/internal/domain"
	"openassistant/internal/infra/tracer"
)

// Routing fallback reasons. These are user-visible, keep them stable.
const (
	reasonNoKeywordMatch = "Default agent - no keyword match"
	reasonAIFallback     = "AI routing fallback to default agent"
	reasonAI             = "AI routing"
)

// jsonObjectRE extracts the first {...} substring from a model response.
var jsonObjectRE = regexp.MustCompile(`(?s)\{.*?\}`)

// Router selects exactly one execution unit for an inbound message and
// delegates to it. Classification is keyword scoring by default, or one
// LLM call when the definition enables AI routing; both degrade to the
// default unit rather than failing.
type Router struct {
	def    domain.RouterDefinition
	units  []*ExecutionUnit
	byID   map[string]*ExecutionUnit
	models domain.ModelResolver
	bus    domain.EventBus
	logger *slog.Logger
}

// NewRouter builds the unit map once from the roster. The default agent
// must be a roster member; anything else is a malformed definition.
func NewRouter(def domain.RouterDefinition, deps UnitDeps, bus domain.EventBus) (*Router, error) {
	if len(def.Agents) == 0 {
		return nil, domain.NewDomainError("NewRouter", domain.ErrEmptyRoster, def.ID)
	}
	units, byID := buildUnits(def.Agents, deps)
	if _, ok := byID[def.DefaultAgentID]; !ok {
		return nil, domain.NewDomainError("NewRouter", domain.ErrNotFound,
			fmt.Sprintf("default agent %q not in roster", def.DefaultAgentID))
	}
	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &Router{
		def:    def,
		units:  units,
		byID:   byID,
		models: deps.Models,
		bus:    bus,
		logger: logger,
	}, nil
}

// Route classifies the message, runs the chosen unit with the message as
// its task, and returns the result. Unit failures propagate.
func (r *Router) Route(ctx context.Context, message, userID, conversationID, context_ string) (*domain.RouteResult, error) {
	ctx, span := tracer.StartSpan(ctx, "router.route")
	defer span.End()

	unit, reason := r.classify(ctx, message)
	span.SetAttributes(tracer.StringAttr("agent.id", unit.ID()))
	r.logger.Info("message routed", "agent_id", unit.ID(), "reason", reason)
	r.publishRouted(ctx, unit.ID(), reason)

	out, err := unit.Run(ctx, RunInput{
		Task:           message,
		UserID:         userID,
		ConversationID: conversationID,
		Context:        context_,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	tracer.SetOK(span)
	return &domain.RouteResult{
		AgentID:       unit.ID(),
		AgentName:     unit.Name(),
		Output:        out.Output,
		Duration:      out.Duration,
		RoutingReason: reason,
	}, nil
}

// RouteStream classifies, announces the choice with a handoff event, then
// forwards the chosen unit's stream unchanged. A failing unit terminates
// the stream after its agent_error event, with no complete event.
func (r *Router) RouteStream(ctx context.Context, message, userID, conversationID, context_ string) <-chan domain.ProgressEvent {
	ch := make(chan domain.ProgressEvent, 16)

	go func() {
		defer close(ch)

		unit, reason := r.classify(ctx, message)
		r.publishRouted(ctx, unit.ID(), reason)

		handoff := domain.ProgressEvent{
			Kind:      domain.ProgressHandoff,
			From:      "router",
			To:        unit.ID(),
			Reason:    reason,
			Timestamp: time.Now(),
		}
		select {
		case ch <- handoff:
		case <-ctx.Done():
			return
		}

		for ev := range unit.RunStream(ctx, RunInput{
			Task:           message,
			UserID:         userID,
			ConversationID: conversationID,
			Context:        context_,
		}) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// classify picks the unit for a message. It always returns a unit: every
// failure path lands on the default agent with a documented reason.
func (r *Router) classify(ctx context.Context, message string) (*ExecutionUnit, string) {
	if r.def.UseAIRouting {
		return r.classifyAI(ctx, message)
	}
	return r.classifyKeyword(message)
}

// classifyKeyword scores every unit with CanHandle and picks the maximum.
// Ties break in roster order; an all-zero field falls back to the default.
func (r *Router) classifyKeyword(message string) (*ExecutionUnit, string) {
	var best *ExecutionUnit
	bestScore := 0.0
	bestReason := ""

	for _, u := range r.units {
		score, reason := u.CanHandle(message)
		if best == nil || score > bestScore {
			best, bestScore, bestReason = u, score, reason
		}
	}

	if bestScore == 0 {
		return r.byID[r.def.DefaultAgentID], reasonNoKeywordMatch
	}
	return best, bestReason
}

// classifyAI asks the model which agent should handle the message. The
// response is untrusted: any completion, extraction, parse, or unknown-id
// failure falls back to the default agent.
func (r *Router) classifyAI(ctx context.Context, message string) (*ExecutionUnit, string) {
	fallback := r.byID[r.def.DefaultAgentID]

	provider, model, err := r.models.Resolve()
	if err != nil {
		r.logger.Warn("ai routing: model resolution failed", "error", err)
		return fallback, reasonAIFallback
	}

	var roster strings.Builder
	for _, u := range r.units {
		fmt.Fprintf(&roster, "- id: %s, name: %s, role: %s\n", u.ID(), u.Name(), u.Persona().Role)
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{
				Role: domain.RoleSystem,
				Content: "You are a message router. Pick the single best agent for the user's message.\n" +
					"Available agents:\n" + roster.String() +
					"Respond with JSON only: {\"agent_id\": \"...\", \"reason\": \"...\"}",
				Timestamp: time.Now(),
			},
			{Role: domain.RoleUser, Content: message, Timestamp: time.Now()},
		},
	})
	if err != nil {
		r.logger.Warn("ai routing: completion failed", "error", err)
		return fallback, reasonAIFallback
	}

	raw := jsonObjectRE.FindString(resp.Message.Content)
	if raw == "" {
		return fallback, reasonAIFallback
	}

	var choice struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &choice); err != nil {
		r.logger.Debug("ai routing: unparseable response", "error", err)
		return fallback, reasonAIFallback
	}

	unit, ok := r.byID[choice.AgentID]
	if !ok {
		return fallback, reasonAIFallback
	}
	if choice.Reason == "" {
		return unit, reasonAI
	}
	return unit, choice.Reason
}

func (r *Router) publishRouted(ctx context.Context, agentID, reason string) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"agent_id": agentID, "reason": reason})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      domain.EventAgentRouted,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
