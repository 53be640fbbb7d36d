// Package models defines the data types shared across the experiment
// execution engine: messages, agents, conversations, the event taxonomy,
// and the on-disk experiment/manifest record.
package models

import "time"

// Role is the viewpoint-dependent sender of a Message. Role is rewritten
// relative to the recipient when a message is replayed to a provider: the
// other agent's outputs become "user" turns, this agent's own prior
// outputs become "assistant" turns, and system messages stay system.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AgentID identifies one of the two participants in a conversation. It is
// stable for the lifetime of the conversation and used to key providers.
type AgentID string

const (
	AgentA AgentID = "agent_a"
	AgentB AgentID = "agent_b"
)

// Other returns the opposing agent id.
func (a AgentID) Other() AgentID {
	if a == AgentA {
		return AgentB
	}
	return AgentA
}

// Message is immutable once emitted. Role is always from the recipient's
// viewpoint; callers must rewrite it per-speaker before handing a history
// to a Provider.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	AgentID   AgentID   `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Awareness is a preset level, or a path to a custom YAML awareness file,
// that determines how much an agent is told about the other participant's
// nature.
type Awareness string

const (
	AwarenessNone     Awareness = "none"
	AwarenessBasic    Awareness = "basic"
	AwarenessFirm     Awareness = "firm"
	AwarenessResearch Awareness = "research"
)

// Agent describes one conversational participant.
type Agent struct {
	ID              AgentID    `json:"id"`
	ModelID         string     `json:"model_id"`
	DisplayName     string     `json:"display_name"`
	Temperature     *float64   `json:"temperature,omitempty"`
	ThinkingEnabled bool       `json:"thinking_enabled,omitempty"`
	ThinkingBudget  int        `json:"thinking_budget,omitempty"`
	Awareness       Awareness  `json:"awareness,omitempty"`
	AwarenessPath   string     `json:"awareness_path,omitempty"`
	ChosenName      string     `json:"chosen_name,omitempty"`
}

// ConversationStatus is the lifecycle stage of a single conversation.
type ConversationStatus string

const (
	ConversationCreated     ConversationStatus = "created"
	ConversationRunning     ConversationStatus = "running"
	ConversationCompleted   ConversationStatus = "completed"
	ConversationFailed      ConversationStatus = "failed"
	ConversationInterrupted ConversationStatus = "interrupted"
)

// TerminationReason names why a conversation's Conductor stopped looping.
type TerminationReason string

const (
	ReasonMaxTurns        TerminationReason = "max_turns_reached"
	ReasonHighConvergence TerminationReason = "high_convergence"
	ReasonProviderFatal   TerminationReason = "provider_fatal"
	ReasonInterrupted     TerminationReason = "interrupted"
	ReasonPausedIndefinite TerminationReason = "paused_indefinite"
)

// Conversation is the full in-memory record of one conversation. Messages
// alternate strictly between the two agent ids after the initial
// system/user seed; len(ConvergenceHistory) == TurnCount once turn N
// completes.
type Conversation struct {
	ID                 string             `json:"id"`
	ExperimentID       string             `json:"experiment_id"`
	Agents             [2]Agent           `json:"agents"`
	Messages           []Message          `json:"messages"`
	TurnCount          int                `json:"turn_count"`
	Status             ConversationStatus `json:"status"`
	ConvergenceHistory []float64          `json:"convergence_history"`
}

// Turn is a pair of completed messages at the same turn index, in the
// order they were produced. Convergence is scored on the turn as a unit.
type Turn struct {
	Index  int
	First  Message
	Second Message
}

// ByAgent returns the message belonging to the given agent id, if present.
func (t Turn) ByAgent(id AgentID) (Message, bool) {
	if t.First.AgentID == id {
		return t.First, true
	}
	if t.Second.AgentID == id {
		return t.Second, true
	}
	return Message{}, false
}
