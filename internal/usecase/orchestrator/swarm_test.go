package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"openassistant/internal/domain"
)

func swarmDef(agg domain.Aggregation, agents ...domain.Persona) domain.SwarmDefinition {
	return domain.SwarmDefinition{
		ID:          "swarm-1",
		Name:        "Swarm One",
		Agents:      agents,
		Aggregation: agg,
	}
}

func newSwarm(def domain.SwarmDefinition, provider domain.LLMProvider, bus domain.EventBus) *SwarmOrchestrator {
	return NewSwarmOrchestrator(def, depsWith(provider), bus)
}

func TestSwarmConcatenate(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a": "alpha view",
		"prompt-b": "beta view",
	}, "unexpected")
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate, persona("a", "analyst"), persona("b", "critic")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "assess"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.SwarmID != "swarm-1" || res.Task != "assess" {
		t.Errorf("result metadata = %+v", res)
	}
	if len(res.AgentResults) != 2 {
		t.Fatalf("got %d results, want 2", len(res.AgentResults))
	}

	for _, want := range []string{"## Agent a\nalpha view", "## Agent b\nbeta view", "\n\n---\n\n"} {
		if !strings.Contains(res.FinalOutput, want) {
			t.Errorf("final %q missing %q", res.FinalOutput, want)
		}
	}
}

func TestSwarmVote(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a": "Yes",
		"prompt-b": " yes \n",
		"prompt-c": "No",
	}, "unexpected")
	swarm := newSwarm(swarmDef(domain.AggregateVote,
		persona("a", "voter"), persona("b", "voter"), persona("c", "voter")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "should we ship"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Ballots normalize by trim and lowercase, so "Yes" and " yes \n" agree.
	if !strings.Contains(res.FinalOutput, "Yes") {
		t.Errorf("final %q missing the winning ballot", res.FinalOutput)
	}
	if !strings.Contains(res.FinalOutput, "Consensus: 2/3 votes") {
		t.Errorf("final %q missing the tally", res.FinalOutput)
	}
}

func TestAggregateVoteTieBreaksOnFirstBallot(t *testing.T) {
	results := []domain.AgentResult{
		{AgentName: "a", Output: "blue"},
		{AgentName: "b", Output: "red"},
	}
	got := aggregateVote(results)
	if !strings.HasPrefix(got, "blue\n\n") {
		t.Errorf("tie winner = %q, want the first ballot", got)
	}
	if !strings.Contains(got, "Consensus: 1/2 votes") {
		t.Errorf("tally missing: %q", got)
	}
}

func TestAggregateVoteEmpty(t *testing.T) {
	if got := aggregateVote(nil); got != "" {
		t.Errorf("empty vote = %q, want empty", got)
	}
}

func TestSwarmMerge(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a": `{"a": 1}`,
		"prompt-b": `{"b": 2}`,
		"prompt-c": "not json at all",
	}, "unexpected")
	swarm := newSwarm(swarmDef(domain.AggregateMerge,
		persona("a", "worker"), persona("b", "worker"), persona("c", "worker")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "produce fields"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal([]byte(res.FinalOutput), &merged); err != nil {
		t.Fatalf("final is not JSON: %v (%q)", err, res.FinalOutput)
	}
	if merged["a"] != float64(1) || merged["b"] != float64(2) {
		t.Errorf("merged = %v", merged)
	}
	if merged["Agent c"] != "not json at all" {
		t.Errorf("non-JSON output not kept under the agent name: %v", merged)
	}
}

func TestSwarmBest(t *testing.T) {
	provider := &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if strings.Contains(req.Messages[0].Content, "You judge candidate answers") {
			return textResponse("the strongest answer")
		}
		switch req.Messages[0].Content {
		case "prompt-a":
			return textResponse("weak answer")
		case "prompt-b":
			return textResponse("the strongest answer")
		}
		return textResponse("unexpected")
	}}
	swarm := newSwarm(swarmDef(domain.AggregateBest, persona("a", "writer"), persona("b", "writer")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "answer well"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FinalOutput != "the strongest answer" {
		t.Errorf("final = %q", res.FinalOutput)
	}
}

func TestSwarmSynthesizeWithRosterSynthesizer(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a":     "alpha view",
		"prompt-b":     "beta view",
		"prompt-judge": "judge synthesis",
	}, "unexpected")
	def := swarmDef(domain.AggregateSynthesize,
		persona("a", "analyst"), persona("b", "critic"), persona("judge", "synthesizer"))
	def.SynthesizerID = "judge"
	swarm := newSwarm(def, provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "assess"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FinalOutput != "judge synthesis" {
		t.Errorf("final = %q, want the synthesizer unit's output", res.FinalOutput)
	}
}

func TestSwarmFailureIsolation(t *testing.T) {
	provider := &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if req.Messages[0].Content == "prompt-bad" {
			return nil, errors.New("backend exploded")
		}
		return textResponse("good output")
	}}
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate,
		persona("good", "worker"), persona("bad", "worker")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v, swarm failures must be isolated", err)
	}
	if len(res.AgentResults) != 2 {
		t.Fatalf("got %d results, want 2", len(res.AgentResults))
	}

	byID := map[string]domain.AgentResult{}
	for _, r := range res.AgentResults {
		byID[r.AgentID] = r
	}
	if byID["bad"].Error == "" {
		t.Error("failing agent has no error recorded")
	}
	if byID["good"].Error != "" {
		t.Errorf("healthy agent has error %q", byID["good"].Error)
	}
	if strings.Contains(res.FinalOutput, "Agent bad") {
		t.Errorf("failed agent leaked into aggregation: %q", res.FinalOutput)
	}
	if !strings.Contains(res.FinalOutput, "good output") {
		t.Errorf("healthy output missing from aggregation: %q", res.FinalOutput)
	}
}

func TestSwarmMinCompletionsFloor(t *testing.T) {
	def := swarmDef(domain.AggregateConcatenate, persona("a", "worker"), persona("b", "worker"))
	def.MinCompletions = 2
	swarm := newSwarm(def, failingLLM{}, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.FinalOutput != "Swarm failed: completed 0/2" {
		t.Errorf("final = %q", res.FinalOutput)
	}
}

func TestSwarmNoFloorWhenMinCompletionsUnset(t *testing.T) {
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate, persona("a", "worker")), failingLLM{}, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.Contains(res.FinalOutput, "Swarm failed") {
		t.Errorf("floor applied with MinCompletions unset: %q", res.FinalOutput)
	}
}

func TestSwarmAgentTimeout(t *testing.T) {
	def := swarmDef(domain.AggregateConcatenate, persona("slow", "worker"))
	def.AgentTimeout = 20 * time.Millisecond
	swarm := newSwarm(def, &slowLLM{delay: 500 * time.Millisecond}, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.AgentResults) != 1 {
		t.Fatalf("got %d results, want 1", len(res.AgentResults))
	}
	if res.AgentResults[0].Error != "Agent timeout" {
		t.Errorf("error = %q, want %q", res.AgentResults[0].Error, "Agent timeout")
	}
}

func TestSwarmAgentTaskOverrides(t *testing.T) {
	provider := echoLLM("done")
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate,
		persona("a", "worker"), persona("b", "worker")), provider, nil)

	_, err := swarm.Run(context.Background(), domain.SwarmRunConfig{
		Task:       "shared task",
		AgentTasks: map[string]string{"b": "special task"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	tasks := map[string]string{}
	for _, req := range provider.requests() {
		last := req.Messages[len(req.Messages)-1]
		tasks[req.Messages[0].Content] = last.Content
	}
	if tasks["prompt-a"] != "shared task" {
		t.Errorf("agent a task = %q", tasks["prompt-a"])
	}
	if tasks["prompt-b"] != "special task" {
		t.Errorf("agent b task = %q, want the override", tasks["prompt-b"])
	}
}

func TestSwarmUnknownAggregationJoins(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a": "one",
		"prompt-b": "two",
	}, "unexpected")
	swarm := newSwarm(swarmDef(domain.Aggregation("mystery"),
		persona("a", "worker"), persona("b", "worker")), provider, nil)

	res, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	lines := strings.Split(res.FinalOutput, "\n")
	if len(lines) != 2 {
		t.Fatalf("final = %q, want two newline-joined outputs", res.FinalOutput)
	}
	seen := map[string]bool{lines[0]: true, lines[1]: true}
	if !seen["one"] || !seen["two"] {
		t.Errorf("joined outputs = %v", lines)
	}
}

func TestSwarmRunStreamKeepsAgentEventsContiguous(t *testing.T) {
	provider := personaLLM(map[string]string{
		"prompt-a": "alpha view",
		"prompt-b": "beta view",
	}, "unexpected")
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate,
		persona("a", "worker"), persona("b", "worker")), provider, nil)

	events := collectEvents(swarm.RunStream(context.Background(), domain.SwarmRunConfig{Task: "go"}))

	if events[0].Kind != domain.ProgressSwarmStart {
		t.Fatalf("first event = %s, want swarm_start", events[0].Kind)
	}
	terminal := events[len(events)-1]
	if terminal.Kind != domain.ProgressComplete {
		t.Fatalf("terminal = %s, want complete", terminal.Kind)
	}

	// Each agent's events must form one contiguous block: once an agent
	// starts, no other agent's events may appear before its terminal event.
	current := ""
	for _, ev := range events {
		switch ev.Kind {
		case domain.ProgressAgentStart:
			if current != "" {
				t.Fatalf("agent %s started while %s was still streaming", ev.AgentID, current)
			}
			current = ev.AgentID
		case domain.ProgressAgentChunk:
			if ev.AgentID != current {
				t.Fatalf("chunk for %s interleaved into %s's block", ev.AgentID, current)
			}
		case domain.ProgressAgentDone, domain.ProgressAgentError:
			if ev.AgentID != current {
				t.Fatalf("terminal for %s interleaved into %s's block", ev.AgentID, current)
			}
			current = ""
		}
	}
}

func TestSwarmRunStreamAlwaysCompletes(t *testing.T) {
	// Unlike teams, swarm failures are isolated: the stream still ends with
	// a complete event.
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate, persona("a", "worker")), failingLLM{}, nil)

	events := collectEvents(swarm.RunStream(context.Background(), domain.SwarmRunConfig{Task: "go"}))

	if !hasKind(events, domain.ProgressAgentError) {
		t.Error("expected an agent_error event")
	}
	if events[len(events)-1].Kind != domain.ProgressComplete {
		t.Errorf("terminal = %s, want complete", events[len(events)-1].Kind)
	}
}

func TestSwarmPublishesLifecycleEvents(t *testing.T) {
	bus := &recordingBus{}
	swarm := newSwarm(swarmDef(domain.AggregateConcatenate, persona("a", "worker")), echoLLM("done"), bus)

	if _, err := swarm.Run(context.Background(), domain.SwarmRunConfig{Task: "go"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := len(bus.byType(domain.EventRunStarted)); got != 1 {
		t.Errorf("got %d run.started events, want 1", got)
	}
	if got := len(bus.byType(domain.EventRunCompleted)); got != 1 {
		t.Errorf("got %d run.completed events, want 1", got)
	}
}
