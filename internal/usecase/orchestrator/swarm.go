package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"openassistant/internal/domain"
	"openassistant/internal/infra/tracer"
)

// agentTimeoutMessage is the error recorded for a unit whose invocation
// outlived the swarm's per-agent timer.
const agentTimeoutMessage = "Agent timeout"

// SwarmOrchestrator runs every roster unit concurrently and aggregates the
// successful outputs. Failures are isolated per unit: a failing or timed
// out agent yields an error result instead of aborting the run.
type SwarmOrchestrator struct {
	def    domain.SwarmDefinition
	units  []*ExecutionUnit
	byID   map[string]*ExecutionUnit
	models domain.ModelResolver
	bus    domain.EventBus
	logger *slog.Logger
}

// NewSwarmOrchestrator materializes the roster once and pins the per-agent
// timeout default.
func NewSwarmOrchestrator(def domain.SwarmDefinition, deps UnitDeps, bus domain.EventBus) *SwarmOrchestrator {
	if def.AgentTimeout <= 0 {
		def.AgentTimeout = domain.DefaultAgentTimeout
	}
	units, byID := buildUnits(def.Agents, deps)
	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &SwarmOrchestrator{
		def:    def,
		units:  units,
		byID:   byID,
		models: deps.Models,
		bus:    bus,
		logger: logger,
	}
}

// Run dispatches every unit, waits for all of them to settle, and returns
// the aggregated result.
func (s *SwarmOrchestrator) Run(ctx context.Context, cfg domain.SwarmRunConfig) (*domain.SwarmRunResult, error) {
	return s.run(ctx, cfg, nil)
}

// RunStream dispatches every unit and forwards each unit's events as it
// settles, followed by a terminal complete event.
func (s *SwarmOrchestrator) RunStream(ctx context.Context, cfg domain.SwarmRunConfig) <-chan domain.ProgressEvent {
	ch := make(chan domain.ProgressEvent, 16)

	go func() {
		defer close(ch)

		emit := func(ev domain.ProgressEvent) {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		res, err := s.run(ctx, cfg, emit)
		if err != nil {
			return
		}
		emit(domain.ProgressEvent{
			Kind:     domain.ProgressComplete,
			Output:   res.FinalOutput,
			Duration: res.Duration,
		})
	}()

	return ch
}

// run is the shared body of both modes. A nil emit selects buffered mode.
// Aggregation itself can fail (synthesis and best issue completions); that
// is the only error path out of a swarm run.
func (s *SwarmOrchestrator) run(ctx context.Context, cfg domain.SwarmRunConfig, emit emitFn) (*domain.SwarmRunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "swarm.run",
		trace.WithAttributes(
			tracer.StringAttr("swarm.id", s.def.ID),
			tracer.StringAttr("swarm.aggregation", string(s.def.Aggregation)),
			tracer.IntAttr("swarm.agents", len(s.units)),
		),
	)
	defer span.End()

	start := time.Now()
	runID := newRunID()
	s.publishLifecycle(ctx, domain.EventRunStarted, runID)

	if emit != nil {
		inner := emit
		emit = func(ev domain.ProgressEvent) {
			inner(ev)
			publishProgress(ctx, s.bus, s.logger, runID, ev)
		}
		emit(domain.ProgressEvent{Kind: domain.ProgressSwarmStart, Timestamp: time.Now()})
	}

	rec := &recorder{}
	s.dispatch(ctx, cfg, rec, emit)

	successes := successfulResults(rec.results)
	final, err := s.finalOutput(ctx, cfg, successes, emit)
	if err != nil {
		tracer.RecordError(span, err)
		s.logger.Error("swarm aggregation failed",
			"swarm_id", s.def.ID, "aggregation", string(s.def.Aggregation), "error", err)
		return nil, err
	}

	tracer.SetOK(span)
	s.publishLifecycle(ctx, domain.EventRunCompleted, runID)
	s.logger.Info("swarm run completed",
		"swarm_id", s.def.ID,
		"aggregation", string(s.def.Aggregation),
		"succeeded", len(successes),
		"dispatched", len(s.units),
		"duration", time.Since(start),
	)

	return &domain.SwarmRunResult{
		SwarmID:      s.def.ID,
		Task:         cfg.Task,
		FinalOutput:  final,
		AgentResults: rec.results,
		Duration:     time.Since(start),
	}, nil
}

// unitSettled is what one dispatched unit reports back, race or no race.
type unitSettled struct {
	out    *RunOutput
	events []domain.ProgressEvent
	err    error
}

// dispatch launches every unit concurrently and races each against the
// per-agent timer. The losing invocation is not cancelled; its eventual
// result is simply discarded. Results land in settlement order.
func (s *SwarmOrchestrator) dispatch(ctx context.Context, cfg domain.SwarmRunConfig, rec *recorder, emit emitFn) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, u := range s.units {
		task := cfg.Task
		if override, ok := cfg.AgentTasks[u.ID()]; ok {
			task = override
		}
		in := RunInput{
			Task:           task,
			UserID:         cfg.UserID,
			ConversationID: cfg.ConversationID,
		}

		wg.Add(1)
		go func(u *ExecutionUnit, in RunInput) {
			defer wg.Done()
			startU := time.Now()

			settledCh := make(chan unitSettled, 1)
			go func() {
				var st unitSettled
				if emit == nil {
					st.out, st.err = u.Run(ctx, in)
				} else {
					st.out, st.events, st.err = invokeUnitCollect(ctx, u, in)
				}
				settledCh <- st
			}()

			timer := time.NewTimer(s.def.AgentTimeout)
			defer timer.Stop()

			var st unitSettled
			timedOut := false
			select {
			case st = <-settledCh:
			case <-timer.C:
				timedOut = true
			}

			mu.Lock()
			defer mu.Unlock()

			if timedOut {
				if emit != nil {
					emit(domain.ProgressEvent{
						Kind:      domain.ProgressAgentStart,
						AgentID:   u.ID(),
						AgentName: u.Name(),
						Timestamp: time.Now(),
					})
					emit(domain.ProgressEvent{
						Kind:      domain.ProgressAgentError,
						AgentID:   u.ID(),
						AgentName: u.Name(),
						Error:     agentTimeoutMessage,
						Timestamp: time.Now(),
					})
				}
				rec.recordFailure(u, s.def.AgentTimeout, agentTimeoutMessage)
				return
			}

			for _, ev := range st.events {
				emit(ev)
			}
			if st.err != nil {
				rec.recordFailure(u, time.Since(startU), errorMessage(st.err))
				return
			}
			rec.record(u, st.out)
		}(u, in)
	}

	wg.Wait()
}

// finalOutput applies the completion floor, then the aggregation mode.
func (s *SwarmOrchestrator) finalOutput(ctx context.Context, cfg domain.SwarmRunConfig, successes []domain.AgentResult, emit emitFn) (string, error) {
	if s.def.MinCompletions > 0 && len(successes) < s.def.MinCompletions {
		return fmt.Sprintf("Swarm failed: completed %d/%d", len(successes), s.def.MinCompletions), nil
	}

	switch s.def.Aggregation {
	case domain.AggregateConcatenate:
		return aggregateConcatenate(successes), nil
	case domain.AggregateVote:
		return aggregateVote(successes), nil
	case domain.AggregateSynthesize:
		return s.aggregateSynthesize(ctx, cfg, successes, emit)
	case domain.AggregateBest:
		return s.aggregateBest(ctx, cfg, successes)
	case domain.AggregateMerge:
		return aggregateMerge(successes), nil
	default:
		return aggregateJoin(successes), nil
	}
}

// aggregateConcatenate renders one markdown section per agent, separated
// by horizontal rules.
func aggregateConcatenate(results []domain.AgentResult) string {
	sections := make([]string, 0, len(results))
	for _, r := range results {
		sections = append(sections, fmt.Sprintf("## %s\n%s", r.AgentName, r.Output))
	}
	return strings.Join(sections, "\n\n---\n\n")
}

// aggregateVote treats each output as a ballot: trim and lowercase to
// normalize, count, and pick the highest count with first occurrence
// breaking ties. The winner's original text is reported with the tally.
func aggregateVote(results []domain.AgentResult) string {
	if len(results) == 0 {
		return ""
	}

	counts := make(map[string]int, len(results))
	firstIdx := make(map[string]int, len(results))
	for i, r := range results {
		key := strings.ToLower(strings.TrimSpace(r.Output))
		counts[key]++
		if _, seen := firstIdx[key]; !seen {
			firstIdx[key] = i
		}
	}

	winner := ""
	for key := range counts {
		if winner == "" {
			winner = key
			continue
		}
		if counts[key] > counts[winner] ||
			(counts[key] == counts[winner] && firstIdx[key] < firstIdx[winner]) {
			winner = key
		}
	}

	text := strings.TrimSpace(results[firstIdx[winner]].Output)
	if text == "" {
		text = winner
	}
	return fmt.Sprintf("%s\n\nConsensus: %d/%d votes", text, counts[winner], len(results))
}

// aggregateSynthesize folds the outputs with one completion, through the
// configured synthesizer unit when it is a roster member.
func (s *SwarmOrchestrator) aggregateSynthesize(ctx context.Context, cfg domain.SwarmRunConfig, results []domain.AgentResult, emit emitFn) (string, error) {
	switch len(results) {
	case 0:
		return "", nil
	case 1:
		return results[0].Output, nil
	}

	if u, ok := s.byID[s.def.SynthesizerID]; ok {
		if emit != nil {
			emit(domain.ProgressEvent{
				Kind:          domain.ProgressSynthesisStart,
				SynthesizerID: u.ID(),
				Timestamp:     time.Now(),
			})
		}
		history := make([]domain.TranscriptEntry, 0, len(results))
		for _, r := range results {
			history = append(history, domain.TranscriptEntry{
				AgentID:   r.AgentID,
				AgentName: r.AgentName,
				Role:      "agent",
				Content:   r.Output,
				Timestamp: time.Now(),
			})
		}
		out, err := u.Run(ctx, RunInput{
			Task:           "Synthesize the agents' outputs into a single final answer for the original task: " + cfg.Task,
			UserID:         cfg.UserID,
			ConversationID: cfg.ConversationID,
			History:        history,
		})
		if err != nil {
			return "", err
		}
		return out.Output, nil
	}

	if emit != nil {
		emit(domain.ProgressEvent{
			Kind:          domain.ProgressSynthesisStart,
			SynthesizerID: "system",
			Timestamp:     time.Now(),
		})
	}
	return synthesizeCompletion(ctx, s.models, cfg.Task, results)
}

// aggregateBest asks the model to pick the single best candidate and
// return it verbatim.
func (s *SwarmOrchestrator) aggregateBest(ctx context.Context, cfg domain.SwarmRunConfig, results []domain.AgentResult) (string, error) {
	switch len(results) {
	case 0:
		return "", nil
	case 1:
		return results[0].Output, nil
	}

	provider, model, err := s.models.Resolve()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nCandidate answers:\n", cfg.Task)
	for i, r := range results {
		fmt.Fprintf(&b, "Candidate %d (%s):\n%s\n\n", i+1, r.AgentName, r.Output)
	}
	b.WriteString("Reply with the full text of the single best candidate, verbatim, and nothing else.")

	now := time.Now()
	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{
				Role:      domain.RoleSystem,
				Content:   "You judge candidate answers and return the best one verbatim.",
				Timestamp: now,
			},
			{Role: domain.RoleUser, Content: b.String(), Timestamp: now},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// aggregateMerge shallow-merges outputs that parse as JSON objects, later
// agents overriding earlier keys. Non-JSON outputs are kept under a key
// equal to the agent's name.
func aggregateMerge(results []domain.AgentResult) string {
	merged := make(map[string]any, len(results))
	for _, r := range results {
		var obj map[string]any
		if err := json.Unmarshal([]byte(r.Output), &obj); err == nil && obj != nil {
			for k, v := range obj {
				merged[k] = v
			}
			continue
		}
		merged[r.AgentName] = r.Output
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return aggregateJoin(results)
	}
	return string(data)
}

// aggregateJoin is the fallback for unrecognized aggregation modes.
func aggregateJoin(results []domain.AgentResult) string {
	outputs := make([]string, 0, len(results))
	for _, r := range results {
		outputs = append(outputs, r.Output)
	}
	return strings.Join(outputs, "\n")
}

// successfulResults filters to the results whose invocation succeeded.
func successfulResults(results []domain.AgentResult) []domain.AgentResult {
	successes := make([]domain.AgentResult, 0, len(results))
	for _, r := range results {
		if r.Error == "" {
			successes = append(successes, r)
		}
	}
	return successes
}

func (s *SwarmOrchestrator) publishLifecycle(ctx context.Context, typ domain.EventType, runID string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"swarm_id":    s.def.ID,
		"aggregation": string(s.def.Aggregation),
	})
	if err != nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   payload,
	})
}
