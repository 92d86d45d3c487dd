package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"openassistant/internal/domain"
)

// --- shared test doubles ---

// fakeLLM is a scriptable provider. reply decides the response per call;
// requests are recorded for inspection.
type fakeLLM struct {
	mu    sync.Mutex
	reqs  []domain.ChatRequest
	reply func(call int, req domain.ChatRequest) (*domain.ChatResponse, error)
}

func (f *fakeLLM) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	call := len(f.reqs)
	f.mu.Unlock()
	return f.reply(call, req)
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) requests() []domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]domain.ChatRequest, len(f.reqs))
	copy(cp, f.reqs)
	return cp
}

// textResponse builds an assistant response with plain content.
func textResponse(content string) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   content,
			Timestamp: time.Now(),
		},
		Usage: domain.Usage{TotalTokens: 1},
	}, nil
}

// toolCallResponse builds an assistant response requesting one tool call.
func toolCallResponse(id, name string, args string) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{
		Message: domain.Message{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{
				{ID: id, Name: name, Arguments: json.RawMessage(args)},
			},
			Timestamp: time.Now(),
		},
	}, nil
}

// echoLLM answers every call with a fixed reply.
func echoLLM(reply string) *fakeLLM {
	return &fakeLLM{reply: func(int, domain.ChatRequest) (*domain.ChatResponse, error) {
		return textResponse(reply)
	}}
}

// personaLLM answers based on the system prompt, so one provider can serve
// a whole roster of distinct personas.
func personaLLM(replies map[string]string, fallback string) *fakeLLM {
	return &fakeLLM{reply: func(_ int, req domain.ChatRequest) (*domain.ChatResponse, error) {
		if len(req.Messages) > 0 {
			if reply, ok := replies[req.Messages[0].Content]; ok {
				return textResponse(reply)
			}
		}
		return textResponse(fallback)
	}}
}

// failingLLM always returns an error.
type failingLLM struct{}

func (failingLLM) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, fmt.Errorf("llm unavailable")
}
func (failingLLM) Name() string { return "failing" }

// streamingLLM streams scripted chunks, then a final delta.
type streamingLLM struct {
	chunks []string
}

func (s *streamingLLM) Chat(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	var content string
	for _, c := range s.chunks {
		content += c
	}
	return textResponse(content)
}

func (s *streamingLLM) ChatStream(_ context.Context, _ domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta, len(s.chunks)+1)
	for _, c := range s.chunks {
		ch <- domain.StreamDelta{Content: c}
	}
	ch <- domain.StreamDelta{Done: true}
	close(ch)
	return ch, nil
}

func (s *streamingLLM) Name() string { return "streaming" }

// slowLLM blocks before answering.
type slowLLM struct {
	delay time.Duration
}

func (s *slowLLM) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	select {
	case <-time.After(s.delay):
		return textResponse("late")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (s *slowLLM) Name() string { return "slow" }

// panickyLLM panics with a non-error value.
type panickyLLM struct{}

func (panickyLLM) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	panic("wire exploded")
}
func (panickyLLM) Name() string { return "panicky" }

// fixedResolver always resolves to one provider and model.
type fixedResolver struct {
	provider domain.LLMProvider
	model    string
}

func (r fixedResolver) Resolve() (domain.LLMProvider, string, error) {
	return r.provider, r.model, nil
}

// stubTool is a minimal tool with a scripted result.
type stubTool struct {
	name   string
	result string
	err    error
	mu     sync.Mutex
	calls  int
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub" }
func (t *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *stubTool) Execute(context.Context, json.RawMessage) (*domain.ToolResult, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return &domain.ToolResult{Content: t.result}, nil
}

func (t *stubTool) callCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// stubSkills is an in-memory domain.SkillRegistry.
type stubSkills struct {
	tools []domain.Tool
}

func (s stubSkills) All() []domain.Tool { return s.tools }
func (s stubSkills) Get(id string) (domain.Tool, error) {
	for _, t := range s.tools {
		if t.Name() == id {
			return t, nil
		}
	}
	return nil, domain.ErrSkillNotFound
}

// recordingBus records published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// --- construction helpers ---

func persona(id, role string) domain.Persona {
	return domain.Persona{
		ID:           id,
		Name:         "Agent " + id,
		Role:         role,
		SystemPrompt: "prompt-" + id,
	}
}

func depsWith(provider domain.LLMProvider) UnitDeps {
	return UnitDeps{Models: fixedResolver{provider: provider, model: "test-model"}}
}

func collectEvents(ch <-chan domain.ProgressEvent) []domain.ProgressEvent {
	var events []domain.ProgressEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func hasKind(events []domain.ProgressEvent, k domain.ProgressKind) bool {
	for _, ev := range events {
		if ev.Kind == k {
			return true
		}
	}
	return false
}
