package domain

import "time"

// ProgressKind tags one element of a streamed run. The set is closed: every
// event a Router, TeamOrchestrator, or SwarmOrchestrator can emit is listed
// here, and every streamed run ends with exactly one terminal event
// (ProgressComplete, or the failing agent's error for propagating strategies).
type ProgressKind string

const (
	ProgressTeamStart      ProgressKind = "team_start"
	ProgressSwarmStart     ProgressKind = "swarm_start"
	ProgressAgentStart     ProgressKind = "agent_start"
	ProgressAgentChunk     ProgressKind = "agent_chunk"
	ProgressAgentDone      ProgressKind = "agent_done"
	ProgressAgentError     ProgressKind = "agent_error"
	ProgressHandoff        ProgressKind = "handoff"
	ProgressRoundStart     ProgressKind = "round_start"
	ProgressSynthesisStart ProgressKind = "synthesis_start"
	ProgressComplete       ProgressKind = "complete"
)

// ProgressEvent is the streaming counterpart of a buffered run result.
// Fields beyond Kind are populated per kind; chunk events for a given agent
// are strictly ordered and immediately followed by that agent's done or
// error event.
type ProgressEvent struct {
	Kind      ProgressKind `json:"kind"`
	AgentID   string       `json:"agent_id,omitempty"`
	AgentName string       `json:"agent_name,omitempty"`
	// Content carries one text fragment for agent_chunk events.
	Content string `json:"content,omitempty"`
	// Output carries the accumulated text for agent_done and complete events.
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	From          string        `json:"from,omitempty"`
	To            string        `json:"to,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	Round         int           `json:"round,omitempty"`
	MaxRounds     int           `json:"max_rounds,omitempty"`
	SynthesizerID string        `json:"synthesizer_id,omitempty"`
	Duration      time.Duration `json:"duration_ms,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// Terminal reports whether the event ends its stream.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == ProgressComplete
}
