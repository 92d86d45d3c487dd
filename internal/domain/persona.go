package domain

import "time"

// Persona is the static configuration for one agent: who it is, how it
// prompts, and which tools it may reach. Personas are immutable after
// construction; rosters own them.
type Persona struct {
	ID             string   `json:"id"             yaml:"id"`
	Name           string   `json:"name"           yaml:"name"`
	Role           string   `json:"role"           yaml:"role"`
	SystemPrompt   string   `json:"system_prompt"  yaml:"system_prompt"`
	Temperature    float64  `json:"temperature,omitempty"     yaml:"temperature,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"      yaml:"max_tokens,omitempty"`
	SkillIDs       []string `json:"skill_ids,omitempty"       yaml:"skill_ids,omitempty"`
	IntegrationIDs []string `json:"integration_ids,omitempty" yaml:"integration_ids,omitempty"`
}

// Strategy selects how a team composes its agents' work.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyRoundRobin Strategy = "round-robin"
	StrategyDebate     Strategy = "debate"
	StrategyChain      Strategy = "chain"
	StrategySupervisor Strategy = "supervisor"
)

// Aggregation selects how a swarm combines its agents' outputs.
type Aggregation string

const (
	AggregateConcatenate Aggregation = "concatenate"
	AggregateVote        Aggregation = "vote"
	AggregateSynthesize  Aggregation = "synthesize"
	AggregateBest        Aggregation = "best"
	AggregateMerge       Aggregation = "merge"
)

// TeamDefinition is the roster plus composition settings for a team run.
type TeamDefinition struct {
	ID            string    `json:"id"            yaml:"id"`
	Name          string    `json:"name"          yaml:"name"`
	Description   string    `json:"description"   yaml:"description"`
	Agents        []Persona `json:"agents"        yaml:"agents"`
	Strategy      Strategy  `json:"strategy"      yaml:"strategy"`
	SupervisorID  string    `json:"supervisor_id,omitempty"  yaml:"supervisor_id,omitempty"`
	SynthesizerID string    `json:"synthesizer_id,omitempty" yaml:"synthesizer_id,omitempty"`
	MaxRounds     int       `json:"max_rounds,omitempty"     yaml:"max_rounds,omitempty"`
}

// SwarmDefinition is the roster plus aggregation settings for a swarm run.
type SwarmDefinition struct {
	ID            string        `json:"id"          yaml:"id"`
	Name          string        `json:"name"        yaml:"name"`
	Description   string        `json:"description" yaml:"description"`
	Agents        []Persona     `json:"agents"      yaml:"agents"`
	Aggregation   Aggregation   `json:"aggregation" yaml:"aggregation"`
	SynthesizerID string        `json:"synthesizer_id,omitempty" yaml:"synthesizer_id,omitempty"`
	AgentTimeout  time.Duration `json:"agent_timeout,omitempty"  yaml:"agent_timeout,omitempty"`
	// MinCompletions is the minimum number of agents that must finish without
	// error before aggregation is attempted. Zero or negative means no floor.
	MinCompletions int `json:"min_completions,omitempty" yaml:"min_completions,omitempty"`
}

// RouterDefinition is the roster plus routing settings for a router.
type RouterDefinition struct {
	ID             string    `json:"id"          yaml:"id"`
	Name           string    `json:"name"        yaml:"name"`
	Description    string    `json:"description" yaml:"description"`
	Agents         []Persona `json:"agents"      yaml:"agents"`
	DefaultAgentID string    `json:"default_agent_id" yaml:"default_agent_id"`
	UseAIRouting   bool      `json:"use_ai_routing"   yaml:"use_ai_routing"`
}

// DefaultAgentTimeout bounds a single swarm agent invocation.
const DefaultAgentTimeout = 60 * time.Second

// DefaultMinCompletions is the swarm success floor when none is configured.
const DefaultMinCompletions = 1
