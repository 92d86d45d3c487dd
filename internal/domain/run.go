package domain

import "time"

// TranscriptEntry is one agent's contribution to a run, in invocation order.
// The transcript is append-only and is fed to later agents as shared context.
type TranscriptEntry struct {
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name"`
	Role      string    `json:"role"` // always "agent"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentResult records the outcome of exactly one unit invocation. Error is
// set instead of Output being trusted when the call failed or timed out.
type AgentResult struct {
	AgentID   string        `json:"agent_id"`
	AgentName string        `json:"agent_name"`
	Output    string        `json:"output"`
	Duration  time.Duration `json:"duration_ms"`
	Error     string        `json:"error,omitempty"`
}

// RouteResult is returned from a buffered router dispatch.
type RouteResult struct {
	AgentID       string        `json:"agent_id"`
	AgentName     string        `json:"agent_name"`
	Output        string        `json:"output"`
	Duration      time.Duration `json:"duration_ms"`
	RoutingReason string        `json:"routing_reason"`
}

// TeamRunConfig carries the caller-supplied inputs for one team run.
type TeamRunConfig struct {
	Task           string `json:"task"`
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
	Context        string `json:"context,omitempty"`
}

// TeamRunResult is the buffered outcome of a team run.
type TeamRunResult struct {
	RunID        string            `json:"run_id"`
	FinalOutput  string            `json:"final_output"`
	Strategy     Strategy          `json:"strategy"`
	Transcript   []TranscriptEntry `json:"transcript"`
	AgentResults []AgentResult     `json:"agent_results"`
	Duration     time.Duration     `json:"duration_ms"`
}

// SwarmRunConfig carries the caller-supplied inputs for one swarm run.
// AgentTasks optionally overrides the shared task per agent ID.
type SwarmRunConfig struct {
	Task           string            `json:"task"`
	UserID         string            `json:"user_id"`
	ConversationID string            `json:"conversation_id"`
	AgentTasks     map[string]string `json:"agent_tasks,omitempty"`
}

// SwarmRunResult is the buffered outcome of a swarm run. AgentResults follow
// settlement order, not roster order.
type SwarmRunResult struct {
	SwarmID      string        `json:"swarm_id"`
	Task         string        `json:"task"`
	FinalOutput  string        `json:"final_output"`
	AgentResults []AgentResult `json:"agent_results"`
	Duration     time.Duration `json:"duration_ms"`
}
