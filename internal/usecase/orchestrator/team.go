package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"openassistant/internal/domain"
	"openassistant/internal/infra/tracer"
)

// defaultRoundRobinRounds and defaultDebateRounds apply when the definition
// leaves MaxRounds unset.
const (
	defaultRoundRobinRounds = 3
	defaultDebateRounds     = 2
)

// jsonArrayRE extracts the first [...] substring from a supervisor
// decomposition response. Greedy so nested objects stay inside.
var jsonArrayRE = regexp.MustCompile(`(?s)\[.*\]`)

// TeamOrchestrator runs a roster of units under one composition strategy
// and produces a single final answer. Unit failures propagate: one failing
// agent aborts the whole run.
type TeamOrchestrator struct {
	def    domain.TeamDefinition
	units  []*ExecutionUnit
	byID   map[string]*ExecutionUnit
	models domain.ModelResolver
	bus    domain.EventBus
	logger *slog.Logger
}

// NewTeamOrchestrator materializes the roster once. A supervisor strategy
// whose SupervisorID names no roster member is a malformed definition and
// fails here rather than mid-run.
func NewTeamOrchestrator(def domain.TeamDefinition, deps UnitDeps, bus domain.EventBus) (*TeamOrchestrator, error) {
	units, byID := buildUnits(def.Agents, deps)

	if def.Strategy == domain.StrategySupervisor {
		if def.SupervisorID != "" {
			if _, ok := byID[def.SupervisorID]; !ok {
				return nil, domain.NewDomainError("NewTeamOrchestrator", domain.ErrSupervisorNotFound, def.SupervisorID)
			}
		} else if len(units) == 0 {
			return nil, domain.NewDomainError("NewTeamOrchestrator", domain.ErrSupervisorNotFound, def.ID)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = discardLogger()
	}
	return &TeamOrchestrator{
		def:    def,
		units:  units,
		byID:   byID,
		models: deps.Models,
		bus:    bus,
		logger: logger,
	}, nil
}

// Run executes the configured strategy and returns the buffered result.
func (t *TeamOrchestrator) Run(ctx context.Context, cfg domain.TeamRunConfig) (*domain.TeamRunResult, error) {
	return t.run(ctx, cfg, nil)
}

// RunStream executes the configured strategy, emitting progress events as
// the run advances. A failing unit terminates the stream after its
// agent_error event; complete is emitted only on success.
func (t *TeamOrchestrator) RunStream(ctx context.Context, cfg domain.TeamRunConfig) <-chan domain.ProgressEvent {
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

		res, err := t.run(ctx, cfg, emit)
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
func (t *TeamOrchestrator) run(ctx context.Context, cfg domain.TeamRunConfig, emit emitFn) (*domain.TeamRunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "team.run",
		trace.WithAttributes(
			tracer.StringAttr("team.id", t.def.ID),
			tracer.StringAttr("team.strategy", string(t.def.Strategy)),
		),
	)
	defer span.End()

	start := time.Now()
	runID := newRunID()
	t.publishLifecycle(ctx, domain.EventRunStarted, runID)

	if emit != nil {
		inner := emit
		emit = func(ev domain.ProgressEvent) {
			inner(ev)
			publishProgress(ctx, t.bus, t.logger, runID, ev)
		}
		emit(domain.ProgressEvent{Kind: domain.ProgressTeamStart, Timestamp: time.Now()})
	}

	rec := &recorder{}
	final, err := t.execute(ctx, cfg, rec, emit)
	if err != nil {
		tracer.RecordError(span, err)
		t.logger.Error("team run failed",
			"team_id", t.def.ID, "strategy", string(t.def.Strategy), "error", err)
		return nil, err
	}

	tracer.SetOK(span)
	t.publishLifecycle(ctx, domain.EventRunCompleted, runID)
	t.logger.Info("team run completed",
		"team_id", t.def.ID,
		"strategy", string(t.def.Strategy),
		"agents", len(rec.results),
		"duration", time.Since(start),
	)

	return &domain.TeamRunResult{
		RunID:        runID,
		FinalOutput:  final,
		Strategy:     t.def.Strategy,
		Transcript:   rec.transcript,
		AgentResults: rec.results,
		Duration:     time.Since(start),
	}, nil
}

// execute dispatches on strategy. Unknown strategies run as sequential.
func (t *TeamOrchestrator) execute(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	switch t.def.Strategy {
	case domain.StrategyRoundRobin:
		return t.runRoundRobin(ctx, cfg, rec, emit)
	case domain.StrategyDebate:
		return t.runDebate(ctx, cfg, rec, emit)
	case domain.StrategyChain:
		return t.runChain(ctx, cfg, rec, emit)
	case domain.StrategySupervisor:
		return t.runSupervisor(ctx, cfg, rec, emit)
	default:
		return t.runSequential(ctx, cfg, rec, emit)
	}
}

// runSequential invokes each unit in roster order. Every unit after the
// first sees the concatenated outputs of all earlier units as context.
func (t *TeamOrchestrator) runSequential(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	var priorOutputs []string

	for i, u := range t.units {
		context_ := cfg.Context
		if i > 0 {
			context_ = strings.Join(priorOutputs, "\n\n")
		}

		out, err := invokeUnit(ctx, u, RunInput{
			Task:           cfg.Task,
			UserID:         cfg.UserID,
			ConversationID: cfg.ConversationID,
			Context:        context_,
		}, emit)
		if err != nil {
			return "", err
		}
		rec.record(u, out)
		priorOutputs = append(priorOutputs, out.Output)
	}

	return t.synthesize(ctx, cfg, rec, emit)
}

// runRoundRobin runs every unit once per round. Round 1 uses the original
// task; later rounds replace it with a continuation prompt and give each
// unit the transcript so far.
func (t *TeamOrchestrator) runRoundRobin(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	maxRounds := t.def.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultRoundRobinRounds
	}

	for round := 1; round <= maxRounds; round++ {
		if emit != nil {
			emit(domain.ProgressEvent{
				Kind:      domain.ProgressRoundStart,
				Round:     round,
				MaxRounds: maxRounds,
				Timestamp: time.Now(),
			})
		}

		task := cfg.Task
		if round > 1 {
			task = fmt.Sprintf(
				"Continue the discussion based on the conversation so far. Round %d/%d",
				round, maxRounds,
			)
		}

		for _, u := range t.units {
			in := RunInput{
				Task:           task,
				UserID:         cfg.UserID,
				ConversationID: cfg.ConversationID,
				History:        rec.transcript,
			}
			if round == 1 {
				in.Context = cfg.Context
			}

			out, err := invokeUnit(ctx, u, in, emit)
			if err != nil {
				return "", err
			}
			rec.record(u, out)
		}
	}

	return t.synthesize(ctx, cfg, rec, emit)
}

// runDebate asks every unit for a position in round 1, then for rebuttals
// against the other units' latest statements in later rounds.
func (t *TeamOrchestrator) runDebate(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	maxRounds := t.def.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultDebateRounds
	}

	latest := make(map[string]string, len(t.units))

	for round := 1; round <= maxRounds; round++ {
		if emit != nil {
			emit(domain.ProgressEvent{
				Kind:      domain.ProgressRoundStart,
				Round:     round,
				MaxRounds: maxRounds,
				Timestamp: time.Now(),
			})
		}

		for _, u := range t.units {
			in := RunInput{
				UserID:         cfg.UserID,
				ConversationID: cfg.ConversationID,
			}
			if round == 1 {
				in.Task = fmt.Sprintf(
					"Take a clear position on the following topic and argue for it: %s",
					cfg.Task,
				)
				in.Context = cfg.Context
			} else {
				in.Task = fmt.Sprintf(
					"Write a rebuttal to the other debaters' latest statements, defending or refining your own position. Topic: %s",
					cfg.Task,
				)
				in.Context = t.debateContext(u, latest)
			}

			out, err := invokeUnit(ctx, u, in, emit)
			if err != nil {
				return "", err
			}
			rec.record(u, out)
			latest[u.ID()] = out.Output
		}
	}

	return t.synthesize(ctx, cfg, rec, emit)
}

// debateContext renders every other unit's latest statement.
func (t *TeamOrchestrator) debateContext(self *ExecutionUnit, latest map[string]string) string {
	var b strings.Builder
	b.WriteString("Latest statements from the other debaters:\n")
	for _, u := range t.units {
		if u.ID() == self.ID() {
			continue
		}
		statement, ok := latest[u.ID()]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", u.Name(), statement)
	}
	return b.String()
}

// runChain is a strict pipeline: each unit's raw output becomes the next
// unit's literal task. No synthesis; the last output is the final answer,
// and an empty roster yields an empty answer.
func (t *TeamOrchestrator) runChain(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	task := cfg.Task
	context_ := cfg.Context
	final := ""

	for _, u := range t.units {
		out, err := invokeUnit(ctx, u, RunInput{
			Task:           task,
			UserID:         cfg.UserID,
			ConversationID: cfg.ConversationID,
			Context:        context_,
		}, emit)
		if err != nil {
			return "", err
		}
		rec.record(u, out)
		task = out.Output
		context_ = ""
		final = out.Output
	}

	return final, nil
}

// workerAssignment is one entry of the supervisor's decomposition.
type workerAssignment struct {
	AgentID string `json:"agent_id"`
	Subtask string `json:"subtask"`
}

// runSupervisor asks the supervisor unit to decompose the task, runs the
// assigned workers concurrently, and has the supervisor synthesize their
// outputs with one more completion.
func (t *TeamOrchestrator) runSupervisor(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	supervisor := t.supervisorUnit()
	if supervisor == nil {
		return "", domain.NewDomainError("Team.Run", domain.ErrSupervisorNotFound, t.def.SupervisorID)
	}

	var roster strings.Builder
	for _, u := range t.units {
		if u.ID() == supervisor.ID() {
			continue
		}
		fmt.Fprintf(&roster, "- id: %s, name: %s, role: %s\n", u.ID(), u.Name(), u.Persona().Role)
	}

	decomposeTask := fmt.Sprintf(
		"Decompose the following task into subtasks for your workers.\n"+
			"Workers:\n%s"+
			"Respond with a JSON array only: [{\"agent_id\": \"...\", \"subtask\": \"...\"}]\n\nTask: %s",
		roster.String(), cfg.Task,
	)

	out, err := invokeUnit(ctx, supervisor, RunInput{
		Task:           decomposeTask,
		UserID:         cfg.UserID,
		ConversationID: cfg.ConversationID,
		Context:        cfg.Context,
	}, emit)
	if err != nil {
		return "", err
	}
	rec.record(supervisor, out)

	assignments := t.parseAssignments(out.Output)
	workerOutputs, err := t.runWorkers(ctx, cfg, assignments, rec, emit)
	if err != nil {
		return "", err
	}

	if emit != nil {
		emit(domain.ProgressEvent{
			Kind:          domain.ProgressSynthesisStart,
			SynthesizerID: supervisor.ID(),
			Timestamp:     time.Now(),
		})
	}
	return t.supervisorSynthesize(ctx, supervisor, cfg.Task, workerOutputs)
}

func (t *TeamOrchestrator) supervisorUnit() *ExecutionUnit {
	if t.def.SupervisorID != "" {
		return t.byID[t.def.SupervisorID]
	}
	if len(t.units) == 0 {
		return nil
	}
	return t.units[0]
}

// parseAssignments extracts the decomposition from an untrusted model
// response. Any failure yields no assignments and the supervisor proceeds
// straight to synthesis; unknown agent ids are skipped.
func (t *TeamOrchestrator) parseAssignments(response string) []workerAssignment {
	raw := jsonArrayRE.FindString(response)
	if raw == "" {
		t.logger.Debug("supervisor decomposition: no JSON array found")
		return nil
	}

	var parsed []workerAssignment
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		t.logger.Debug("supervisor decomposition: unparseable array", "error", err)
		return nil
	}

	assignments := parsed[:0]
	for _, a := range parsed {
		if _, ok := t.byID[a.AgentID]; !ok {
			t.logger.Debug("supervisor decomposition: unknown agent skipped", "agent_id", a.AgentID)
			continue
		}
		assignments = append(assignments, a)
	}
	return assignments
}

// workerOutput pairs a worker's display name with what it produced.
type workerOutput struct {
	name   string
	output string
}

// runWorkers dispatches all assigned workers concurrently and waits for
// every one. Results are recorded in settlement order; the first worker
// error aborts the strategy after all workers settle.
func (t *TeamOrchestrator) runWorkers(ctx context.Context, cfg domain.TeamRunConfig, assignments []workerAssignment, rec *recorder, emit emitFn) ([]workerOutput, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outputs  []workerOutput
		firstErr error
	)

	for _, a := range assignments {
		u := t.byID[a.AgentID]
		wg.Add(1)
		go func(u *ExecutionUnit, subtask string) {
			defer wg.Done()

			in := RunInput{
				Task:           subtask,
				UserID:         cfg.UserID,
				ConversationID: cfg.ConversationID,
			}

			var (
				out    *RunOutput
				events []domain.ProgressEvent
				err    error
			)
			if emit == nil {
				out, err = u.Run(ctx, in)
			} else {
				out, events, err = invokeUnitCollect(ctx, u, in)
			}

			mu.Lock()
			defer mu.Unlock()
			for _, ev := range events {
				emit(ev)
			}
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			rec.record(u, out)
			outputs = append(outputs, workerOutput{name: u.Name(), output: out.Output})
		}(u, a.Subtask)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return outputs, nil
}

// supervisorSynthesize issues the supervisor's final completion over the
// worker outputs. This call is not recorded as an agent result.
func (t *TeamOrchestrator) supervisorSynthesize(ctx context.Context, supervisor *ExecutionUnit, task string, outputs []workerOutput) (string, error) {
	provider, model, err := t.models.Resolve()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n\nWorker outputs:\n", task)
	for _, wo := range outputs {
		fmt.Fprintf(&b, "### %s\n%s\n\n", wo.name, wo.output)
	}
	b.WriteString("Synthesize these into a single final answer for the original task.")

	now := time.Now()
	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: supervisor.Persona().SystemPrompt, Timestamp: now},
			{Role: domain.RoleUser, Content: b.String(), Timestamp: now},
		},
		MaxTokens:   supervisor.Persona().MaxTokens,
		Temperature: supervisor.Persona().Temperature,
	})
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// synthesize folds the run's results into one final answer. Zero or one
// result short-circuits to the raw output; otherwise a configured
// synthesizer unit runs over the transcript, or a direct completion does.
func (t *TeamOrchestrator) synthesize(ctx context.Context, cfg domain.TeamRunConfig, rec *recorder, emit emitFn) (string, error) {
	switch len(rec.results) {
	case 0:
		return "", nil
	case 1:
		return rec.results[0].Output, nil
	}

	if u, ok := t.byID[t.def.SynthesizerID]; ok {
		if emit != nil {
			emit(domain.ProgressEvent{
				Kind:          domain.ProgressSynthesisStart,
				SynthesizerID: u.ID(),
				Timestamp:     time.Now(),
			})
		}
		out, err := u.Run(ctx, RunInput{
			Task:           "Synthesize the discussion so far into a single final answer for the original task: " + cfg.Task,
			UserID:         cfg.UserID,
			ConversationID: cfg.ConversationID,
			History:        rec.transcript,
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
	return synthesizeCompletion(ctx, t.models, cfg.Task, rec.results)
}

// synthesizeCompletion issues one direct completion that folds multiple
// agent outputs into a final answer. Shared with the swarm aggregator.
func synthesizeCompletion(ctx context.Context, models domain.ModelResolver, task string, results []domain.AgentResult) (string, error) {
	provider, model, err := models.Resolve()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Original task: %s\n\nAgent outputs:\n", task)
	for _, r := range results {
		fmt.Fprintf(&b, "### %s\n%s\n\n", r.AgentName, r.Output)
	}
	b.WriteString("Synthesize these outputs into a single coherent final answer.")

	now := time.Now()
	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{
				Role:      domain.RoleSystem,
				Content:   "You are a synthesis agent. Combine the provided agent outputs into one coherent final answer.",
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

func (t *TeamOrchestrator) publishLifecycle(ctx context.Context, typ domain.EventType, runID string) {
	if t.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{
		"team_id":  t.def.ID,
		"strategy": string(t.def.Strategy),
	})
	if err != nil {
		return
	}
	t.bus.Publish(ctx, domain.Event{
		Type:      typ,
		Timestamp: time.Now(),
		RunID:     runID,
		Payload:   payload,
	})
}
