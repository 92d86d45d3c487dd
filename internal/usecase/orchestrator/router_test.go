package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"

	"openassistant/internal/domain"
)

func routerDef(useAI bool, agents ...domain.Persona) domain.RouterDefinition {
	return domain.RouterDefinition{
		ID:             "router-1",
		Agents:         agents,
		DefaultAgentID: agents[0].ID,
		UseAIRouting:   useAI,
	}
}

func TestNewRouterValidation(t *testing.T) {
	deps := depsWith(echoLLM("x"))

	_, err := NewRouter(domain.RouterDefinition{ID: "r"}, deps, nil)
	if !errors.Is(err, domain.ErrEmptyRoster) {
		t.Errorf("empty roster err = %v, want ErrEmptyRoster", err)
	}

	def := routerDef(false, persona("a", "support"))
	def.DefaultAgentID = "ghost"
	_, err = NewRouter(def, deps, nil)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing default err = %v, want ErrNotFound", err)
	}
}

func TestRouteKeywordPicksBestOverlap(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-billing": "billing says hi",
		"prompt-tech":    "tech says hi",
	}, "fallback")
	def := routerDef(false,
		persona("billing", "billing invoice payments"),
		persona("tech", "technical troubleshooting"),
	)
	router, err := NewRouter(def, depsWith(provider), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	res, err := router.Route(context.Background(), "my invoice payment failed", "u1", "", "")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.AgentID != "billing" {
		t.Errorf("routed to %q, want billing", res.AgentID)
	}
	if res.Output != "billing says hi" {
		t.Errorf("output = %q", res.Output)
	}
	if !strings.HasPrefix(res.RoutingReason, "Role keyword overlap: ") {
		t.Errorf("reason = %q", res.RoutingReason)
	}
}

func TestRouteKeywordIsDeterministic(t *testing.T) {
	def := routerDef(false,
		persona("a", "storage disks"),
		persona("b", "network routing"),
	)
	router, err := NewRouter(def, depsWith(echoLLM("x")), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	first, _ := router.classifyKeyword("network is down")
	for i := 0; i < 20; i++ {
		unit, _ := router.classifyKeyword("network is down")
		if unit.ID() != first.ID() {
			t.Fatalf("classification changed between calls: %q vs %q", unit.ID(), first.ID())
		}
	}
}

func TestRouteKeywordTieBreaksInRosterOrder(t *testing.T) {
	// Both roles overlap the message equally; the earlier roster member wins.
	def := routerDef(false,
		persona("second", "database"),
		persona("first", "database"),
	)
	router, err := NewRouter(def, depsWith(echoLLM("x")), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	unit, _ := router.classifyKeyword("database question")
	if unit.ID() != "second" {
		t.Errorf("tie went to %q, want first roster member %q", unit.ID(), "second")
	}
}

func TestRouteKeywordNoMatchFallsBackToDefault(t *testing.T) {
	def := routerDef(false,
		persona("a", "billing invoices"),
		persona("b", "technical support"),
	)
	router, err := NewRouter(def, depsWith(echoLLM("x")), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	unit, reason := router.classifyKeyword("completely unrelated message")
	if unit.ID() != "a" {
		t.Errorf("fallback unit = %q, want default agent", unit.ID())
	}
	if reason != "Default agent - no keyword match" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRouteAIPicksNamedAgent(t *testing.T) {
	provider := &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "You are a message router") {
			return textResponse(`Sure! {"agent_id": "tech", "reason": "sounds technical"} hope that helps`)
		}
		return textResponse("handled")
	}}
	def := routerDef(true, persona("default", "general"), persona("tech", "technical"))
	router, err := NewRouter(def, depsWith(provider), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	res, err := router.Route(context.Background(), "the server is on fire", "u1", "", "")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if res.AgentID != "tech" {
		t.Errorf("routed to %q, want tech", res.AgentID)
	}
	if res.RoutingReason != "sounds technical" {
		t.Errorf("reason = %q", res.RoutingReason)
	}
}

func TestRouteAIFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no json object", "I think the tech agent should handle this."},
		{"unparseable json", `{"agent_id": }`},
		{"unknown agent id", `{"agent_id": "ghost", "reason": "made up"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
				if strings.Contains(req.Messages[0].Content, "You are a message router") {
					return textResponse(tt.response)
				}
				return textResponse("handled")
			}}
			def := routerDef(true, persona("default", "general"), persona("tech", "technical"))
			router, err := NewRouter(def, depsWith(provider), nil)
			if err != nil {
				t.Fatalf("NewRouter failed: %v", err)
			}

			unit, reason := router.classifyAI(context.Background(), "hello")
			if unit.ID() != "default" {
				t.Errorf("fallback unit = %q, want default", unit.ID())
			}
			if reason != "AI routing fallback to default agent" {
				t.Errorf("reason = %q", reason)
			}
		})
	}
}

func TestRouteAIClassifierFailureFallsBack(t *testing.T) {
	def := routerDef(true, persona("default", "general"), persona("tech", "technical"))
	router, err := NewRouter(def, depsWith(failingLLM{}), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	unit, reason := router.classifyAI(context.Background(), "hello")
	if unit.ID() != "default" || reason != "AI routing fallback to default agent" {
		t.Errorf("got (%q, %q), want default fallback", unit.ID(), reason)
	}
}

func TestRouteAIEmptyReasonGetsGenericReason(t *testing.T) {
	provider := &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "You are a message router") {
			return textResponse(`{"agent_id": "tech"}`)
		}
		return textResponse("handled")
	}}
	def := routerDef(true, persona("default", "general"), persona("tech", "technical"))
	router, err := NewRouter(def, depsWith(provider), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	unit, reason := router.classifyAI(context.Background(), "hello")
	if unit.ID() != "tech" {
		t.Errorf("unit = %q, want tech", unit.ID())
	}
	if reason != "AI routing" {
		t.Errorf("reason = %q, want %q", reason, "AI routing")
	}
}

func TestRouteUnitFailurePropagates(t *testing.T) {
	def := routerDef(false, persona("a", "support"))
	router, err := NewRouter(def, depsWith(failingLLM{}), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	_, err = router.Route(context.Background(), "help", "u1", "", "")
	if err == nil || !strings.Contains(err.Error(), "llm unavailable") {
		t.Fatalf("err = %v, want unit failure", err)
	}
}

func TestRouteStreamLeadsWithHandoff(t *testing.T) {
	def := routerDef(false, persona("a", "support tickets"))
	router, err := NewRouter(def, depsWith(echoLLM("resolved")), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	events := collectEvents(router.RouteStream(context.Background(), "support ticket", "u1", "", ""))

	if events[0].Kind != domain.ProgressHandoff {
		t.Fatalf("first event = %s, want handoff", events[0].Kind)
	}
	if events[0].From != "router" || events[0].To != "a" {
		t.Errorf("handoff = %+v", events[0])
	}
	terminal := events[len(events)-1]
	if terminal.Kind != domain.ProgressAgentDone || terminal.Output != "resolved" {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestRouteStreamFailureEndsWithoutComplete(t *testing.T) {
	def := routerDef(false, persona("a", "support"))
	router, err := NewRouter(def, depsWith(failingLLM{}), nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	events := collectEvents(router.RouteStream(context.Background(), "help", "u1", "", ""))

	if !hasKind(events, domain.ProgressAgentError) {
		t.Error("expected an agent_error event")
	}
	if hasKind(events, domain.ProgressComplete) {
		t.Error("complete emitted after a failure")
	}
}

func TestRoutePublishesRoutedEvent(t *testing.T) {
	bus := &recordingBus{}
	def := routerDef(false, persona("a", "support tickets"))
	router, err := NewRouter(def, depsWith(echoLLM("done")), bus)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	if _, err := router.Route(context.Background(), "support ticket", "u1", "", ""); err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	routed := bus.byType(domain.EventAgentRouted)
	if len(routed) != 1 {
		t.Fatalf("got %d agent.routed events, want 1", len(routed))
	}
	if !strings.Contains(string(routed[0].Payload), `"agent_id":"a"`) {
		t.Errorf("payload = %s", routed[0].Payload)
	}
}
