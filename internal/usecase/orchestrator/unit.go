package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"openassistant/internal/domain"
	"openassistant/internal/infra/tracer"
)

// defaultMaxToolIterations bounds the per-invocation tool loop.
const defaultMaxToolIterations = 5

// UnitDeps holds the injected collaborators shared by every execution unit
// of one orchestrator or router instance.
type UnitDeps struct {
	Models            domain.ModelResolver
	Skills            domain.SkillRegistry       // optional, nil = no global skills
	Integrations      domain.IntegrationRegistry // optional, nil = no integrations
	Logger            *slog.Logger
	MaxToolIterations int
}

// ExecutionUnit performs one persona's work for one invocation. Units hold
// no mutable state between invocations and are safe for concurrent reuse.
type ExecutionUnit struct {
	persona domain.Persona
	deps    UnitDeps
}

// NewExecutionUnit wraps a persona with the shared dependencies.
func NewExecutionUnit(persona domain.Persona, deps UnitDeps) *ExecutionUnit {
	if deps.MaxToolIterations <= 0 {
		deps.MaxToolIterations = defaultMaxToolIterations
	}
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	return &ExecutionUnit{persona: persona, deps: deps}
}

// ID returns the persona's ID.
func (u *ExecutionUnit) ID() string { return u.persona.ID }

// Name returns the persona's display name.
func (u *ExecutionUnit) Name() string { return u.persona.Name }

// Persona returns the wrapped persona.
func (u *ExecutionUnit) Persona() domain.Persona { return u.persona }

// RunInput carries the per-invocation inputs for a unit.
type RunInput struct {
	Task           string
	UserID         string
	ConversationID string
	// Context, when set, is injected as a system message ahead of the task.
	Context string
	// History, when non-empty, is rendered as a system message listing what
	// each earlier agent said.
	History []domain.TranscriptEntry
}

// RunOutput is the buffered result of a unit invocation.
type RunOutput struct {
	Output   string
	Duration time.Duration
}

// Run performs one buffered invocation: build messages and tools, call the
// model, execute any requested tool calls, and loop until the model answers
// in plain text. Backend failures propagate to the caller.
func (u *ExecutionUnit) Run(ctx context.Context, in RunInput) (*RunOutput, error) {
	ctx, span := tracer.StartSpan(ctx, "unit.run",
		trace.WithAttributes(tracer.StringAttr("agent.id", u.persona.ID)),
	)
	defer span.End()

	start := time.Now()
	provider, model, err := u.deps.Models.Resolve()
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	msgs := u.buildMessages(in)
	tools, schemas := u.buildTools(ctx, in.UserID)

	var out strings.Builder
	for i := 0; i < u.deps.MaxToolIterations; i++ {
		resp, err := provider.Chat(ctx, u.chatRequest(model, msgs, schemas))
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}

		msgs = append(msgs, resp.Message)
		out.WriteString(resp.Message.Content)

		if len(resp.Message.ToolCalls) == 0 {
			tracer.SetOK(span)
			u.deps.Logger.Debug("unit run completed",
				"agent_id", u.persona.ID,
				"iterations", i+1,
				"tokens", resp.Usage.TotalTokens,
			)
			return &RunOutput{Output: out.String(), Duration: time.Since(start)}, nil
		}

		msgs = append(msgs, u.executeToolCalls(ctx, tools, resp.Message.ToolCalls)...)
	}

	err = domain.NewDomainError("Unit.Run", domain.ErrMaxIterations, u.persona.ID)
	tracer.RecordError(span, err)
	return nil, err
}

// RunStream performs one streamed invocation. The returned channel yields
// agent_start, one agent_chunk per text fragment in arrival order, and a
// terminal agent_done or agent_error; it is closed after the terminal event.
// The sequence is lazy, finite, and not restartable.
func (u *ExecutionUnit) RunStream(ctx context.Context, in RunInput) <-chan domain.ProgressEvent {
	ch := make(chan domain.ProgressEvent, 16)

	go func() {
		defer close(ch)
		start := time.Now()

		emit := func(ev domain.ProgressEvent) {
			ev.AgentID = u.persona.ID
			ev.AgentName = u.persona.Name
			ev.Timestamp = time.Now()
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		}

		emit(domain.ProgressEvent{Kind: domain.ProgressAgentStart})

		output, err := u.streamInner(ctx, in, emit)
		if err != nil {
			emit(domain.ProgressEvent{Kind: domain.ProgressAgentError, Error: errorMessage(err)})
			return
		}
		emit(domain.ProgressEvent{
			Kind:     domain.ProgressAgentDone,
			Output:   output,
			Duration: time.Since(start),
		})
	}()

	return ch
}

// streamInner runs the streaming tool loop, emitting one chunk per content
// fragment. Panics from the backend adapter are converted to errors so the
// stream always terminates with agent_done or agent_error.
func (u *ExecutionUnit) streamInner(ctx context.Context, in RunInput, emit func(domain.ProgressEvent)) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()

	ctx, span := tracer.StartSpan(ctx, "unit.run_stream",
		trace.WithAttributes(tracer.StringAttr("agent.id", u.persona.ID)),
	)
	defer span.End()

	provider, model, err := u.deps.Models.Resolve()
	if err != nil {
		tracer.RecordError(span, err)
		return "", err
	}

	sp, canStream := provider.(domain.StreamingLLMProvider)
	msgs := u.buildMessages(in)
	tools, schemas := u.buildTools(ctx, in.UserID)

	var out strings.Builder
	for i := 0; i < u.deps.MaxToolIterations; i++ {
		var msg domain.Message

		if canStream {
			deltaCh, err := sp.ChatStream(ctx, u.chatRequest(model, msgs, schemas))
			if err != nil {
				tracer.RecordError(span, err)
				return "", err
			}
			acc := newStreamAccumulator()
			for delta := range deltaCh {
				acc.add(delta)
				if delta.Content != "" {
					out.WriteString(delta.Content)
					emit(domain.ProgressEvent{Kind: domain.ProgressAgentChunk, Content: delta.Content})
				}
			}
			msg = acc.message()
		} else {
			// Backend cannot stream: run buffered and emit the full
			// response as a single chunk.
			resp, err := provider.Chat(ctx, u.chatRequest(model, msgs, schemas))
			if err != nil {
				tracer.RecordError(span, err)
				return "", err
			}
			msg = resp.Message
			if msg.Content != "" {
				out.WriteString(msg.Content)
				emit(domain.ProgressEvent{Kind: domain.ProgressAgentChunk, Content: msg.Content})
			}
		}

		msgs = append(msgs, msg)
		if len(msg.ToolCalls) == 0 {
			tracer.SetOK(span)
			return out.String(), nil
		}
		msgs = append(msgs, u.executeToolCalls(ctx, tools, msg.ToolCalls)...)
	}

	err = domain.NewDomainError("Unit.RunStream", domain.ErrMaxIterations, u.persona.ID)
	tracer.RecordError(span, err)
	return "", err
}

// CanHandle scores the unit's suitability for a free-text task by keyword
// overlap between the persona's role and the task. The score is
// |role-words ∩ task-words| / |role-words|, clamped to at most 1.
func (u *ExecutionUnit) CanHandle(task string) (float64, string) {
	roleWords := tokenize(u.persona.Role)
	if len(roleWords) == 0 {
		return 0, "Role keyword overlap: 0/0"
	}
	taskWords := tokenize(task)

	matched := 0
	for w := range roleWords {
		if taskWords[w] {
			matched++
		}
	}

	score := float64(matched) / float64(len(roleWords))
	if score > 1 {
		score = 1
	}
	return score, fmt.Sprintf("Role keyword overlap: %d/%d", matched, len(roleWords))
}

// buildMessages assembles the ordered message list for one invocation:
// persona system prompt, optional shared context, optional rendered history,
// and finally the task as the user message.
func (u *ExecutionUnit) buildMessages(in RunInput) []domain.Message {
	now := time.Now()
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: u.persona.SystemPrompt, Timestamp: now},
	}

	if in.Context != "" {
		msgs = append(msgs, domain.Message{
			Role:      domain.RoleSystem,
			Content:   "Context from previous agents or user: " + in.Context,
			Timestamp: now,
		})
	}

	if len(in.History) > 0 {
		var b strings.Builder
		b.WriteString("Conversation so far:\n")
		for _, entry := range in.History {
			fmt.Fprintf(&b, "[%s (%s)]: %s\n", entry.AgentName, entry.Role, entry.Content)
		}
		msgs = append(msgs, domain.Message{
			Role:      domain.RoleSystem,
			Content:   b.String(),
			Timestamp: now,
		})
	}

	return append(msgs, domain.Message{Role: domain.RoleUser, Content: in.Task, Timestamp: now})
}

// buildTools assembles the unit's tool table: global skills filtered by the
// persona's SkillIDs, active integration skills filtered by IntegrationIDs
// (descriptions prefixed with the integration name), and the always-present
// handoff tool.
func (u *ExecutionUnit) buildTools(ctx context.Context, userID string) (map[string]domain.Tool, []domain.ToolSchema) {
	table := make(map[string]domain.Tool)
	var schemas []domain.ToolSchema

	add := func(t domain.Tool) {
		if _, exists := table[t.Name()]; exists {
			return
		}
		table[t.Name()] = t
		schemas = append(schemas, t.Schema())
	}

	if u.deps.Skills != nil {
		allowed := toSet(u.persona.SkillIDs)
		for _, skill := range u.deps.Skills.All() {
			if len(allowed) > 0 && !allowed[skill.Name()] {
				continue
			}
			add(skill)
		}
	}

	if u.deps.Integrations != nil {
		instances, err := u.deps.Integrations.ActiveInstancesForUser(ctx, userID)
		if err != nil {
			u.deps.Logger.Warn("integration lookup failed", "user_id", userID, "error", err)
		}
		allowed := toSet(u.persona.IntegrationIDs)
		for _, inst := range instances {
			def := inst.Definition()
			if len(allowed) > 0 && !allowed[def.ID] {
				continue
			}
			for _, skill := range def.Skills {
				add(newIntegrationTool(inst, skill))
			}
		}
	}

	add(handoffTool{})
	return table, schemas
}

// executeToolCalls runs the requested tool calls concurrently, preserving
// call order in the returned messages. Tool failures become tool-result
// content; they never abort the invocation.
func (u *ExecutionUnit) executeToolCalls(ctx context.Context, table map[string]domain.Tool, calls []domain.ToolCall) []domain.Message {
	msgs := make([]domain.Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c domain.ToolCall) {
			defer wg.Done()
			msgs[idx] = u.executeTool(ctx, table, c)
		}(i, call)
	}
	wg.Wait()
	return msgs
}

func (u *ExecutionUnit) executeTool(ctx context.Context, table map[string]domain.Tool, call domain.ToolCall) domain.Message {
	toolMsg := func(content string) domain.Message {
		return domain.Message{
			Role:      domain.RoleTool,
			Name:      call.Name,
			Content:   content,
			ToolCalls: []domain.ToolCall{{ID: call.ID, Name: call.Name}},
			Timestamp: time.Now(),
		}
	}

	tool, ok := table[call.Name]
	if !ok {
		return toolMsg(domain.ErrToolNotFound.Error())
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		u.deps.Logger.Debug("tool execution failed",
			"agent_id", u.persona.ID, "tool", call.Name, "error", err)
		return toolMsg(err.Error())
	}
	return toolMsg(result.Content)
}

func (u *ExecutionUnit) chatRequest(model string, msgs []domain.Message, schemas []domain.ToolSchema) domain.ChatRequest {
	return domain.ChatRequest{
		Model:       model,
		Messages:    msgs,
		Tools:       schemas,
		MaxTokens:   u.persona.MaxTokens,
		Temperature: u.persona.Temperature,
	}
}

// streamAccumulator collects incremental deltas into a complete message.
// Tool calls are tracked by index; the first delta for a slot provides ID
// and Name, later deltas append to Arguments.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall
}

// maxToolCallsPerDelta bounds accumulator slots to protect against
// malformed streaming deltas.
const maxToolCallsPerDelta = 50

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

func (acc *streamAccumulator) add(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCallsPerDelta {
			break
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}
}

func (acc *streamAccumulator) message() domain.Message {
	return domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
}

// tokenize lowercases s and splits it into a set of word tokens.
func tokenize(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// errorMessage renders err for an agent_error event.
func errorMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return err.Error()
}

// recoveredError converts a recovered panic value into an error.
func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("Unknown error")
}
