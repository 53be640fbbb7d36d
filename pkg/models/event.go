package models

import "time"

// EventType identifies the kind of event in a conversation's append-only
// log. New variants may be added; consumers must treat unknown types as
// opaque (additive-extensible, per the manifest and JSONL contracts).
type EventType string

const (
	EventConversationStart  EventType = "conversation_start"
	EventSystemPrompt       EventType = "system_prompt"
	EventTurnStart          EventType = "turn_start"
	EventMessageRequest     EventType = "message_request"
	EventMessageChunk       EventType = "message_chunk"
	EventMessageComplete    EventType = "message_complete"
	EventTurnComplete       EventType = "turn_complete"
	EventThinkingComplete   EventType = "thinking_complete"
	EventAPIError           EventType = "api_error"
	EventProviderTimeout    EventType = "provider_timeout"
	EventContextTruncation  EventType = "context_truncation"
	EventRateLimited        EventType = "rate_limited"
	EventInterruptRequest   EventType = "interrupt_request"
	EventConversationPaused EventType = "conversation_paused"
	EventConversationResume EventType = "conversation_resumed"
	EventConversationEnd    EventType = "conversation_end"
	EventConversationBranch EventType = "conversation_branched"
	EventExperimentStart    EventType = "experiment_start"
	EventExperimentEnd      EventType = "experiment_end"
)

// Event is the unified record appended to a conversation's JSONL sink and
// delivered to in-process subscribers. Sequence is monotonic and
// conversation-local, assigned by the event bus at emission time — never
// by the caller. Exactly one of the payload fields is populated for a
// given Type; the rest are nil/zero.
type Event struct {
	Type           EventType `json:"event_type"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Sequence       int64     `json:"sequence"`

	ConversationStart *ConversationStartPayload `json:"conversation_start,omitempty"`
	SystemPrompt      *SystemPromptPayload      `json:"system_prompt_payload,omitempty"`
	TurnStart         *TurnStartPayload         `json:"turn_start,omitempty"`
	MessageRequest    *MessageRequestPayload    `json:"message_request,omitempty"`
	MessageChunk      *MessageChunkPayload      `json:"message_chunk,omitempty"`
	MessageComplete   *MessageCompletePayload   `json:"message_complete,omitempty"`
	TurnComplete      *TurnCompletePayload      `json:"turn_complete,omitempty"`
	ThinkingComplete  *ThinkingCompletePayload  `json:"thinking_complete,omitempty"`
	APIError          *APIErrorPayload          `json:"api_error,omitempty"`
	ContextTruncation *ContextTruncationPayload `json:"context_truncation,omitempty"`
	InterruptRequest  *InterruptRequestPayload  `json:"interrupt_request,omitempty"`
	ConversationEnd   *ConversationEndPayload   `json:"conversation_end,omitempty"`
	ConversationBranch *ConversationBranchPayload `json:"conversation_branched_payload,omitempty"`
	Experiment        *ExperimentPayload        `json:"experiment,omitempty"`
}

// ConversationStartPayload marks the beginning of a conversation's record.
type ConversationStartPayload struct {
	ExperimentID string   `json:"experiment_id"`
	Agents       [2]Agent `json:"agents"`
	FirstSpeaker AgentID  `json:"first_speaker"`
}

// SystemPromptPayload carries one composed system prompt for one agent.
type SystemPromptPayload struct {
	AgentID AgentID `json:"agent_id"`
	Content string  `json:"content"`
}

// TurnStartPayload marks the beginning of turn N.
type TurnStartPayload struct {
	Turn int `json:"turn"`
}

// MessageRequestPayload marks that a provider call is about to be issued.
type MessageRequestPayload struct {
	Turn    int     `json:"turn"`
	AgentID AgentID `json:"agent_id"`
}

// MessageChunkPayload carries one streamed fragment of a response.
type MessageChunkPayload struct {
	Turn    int     `json:"turn"`
	AgentID AgentID `json:"agent_id"`
	Content string  `json:"content"`
}

// MessageCompletePayload marks a finished, aggregated message.
type MessageCompletePayload struct {
	Turn    int     `json:"turn"`
	AgentID AgentID `json:"agent_id"`
	Content string  `json:"content"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Usage is token accounting reported by a provider, when the wire
// protocol supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// TurnCompletePayload marks a turn fully scored.
type TurnCompletePayload struct {
	Turn             int     `json:"turn"`
	ConvergenceScore float64 `json:"convergence_score"`
}

// ThinkingCompletePayload carries an aggregated thinking block, emitted
// before the corresponding MessageComplete when a provider streamed one.
type ThinkingCompletePayload struct {
	Turn    int     `json:"turn"`
	AgentID AgentID `json:"agent_id"`
	Content string  `json:"content"`
}

// APIErrorPayload records a fatal provider error (after retries).
type APIErrorPayload struct {
	Turn     int    `json:"turn"`
	AgentID  AgentID `json:"agent_id"`
	Kind     string `json:"kind"`
	Message  string `json:"message"`
	Provider string `json:"provider"`
}

// ContextTruncationPayload records that the Context Manager dropped
// messages to fit the model's window.
type ContextTruncationPayload struct {
	OriginalCount int `json:"original_count"`
	KeptCount     int `json:"kept_count"`
	Dropped       int `json:"dropped"`
}

// InterruptRequestPayload carries a user- or signal-driven interrupt, such
// as a resume after ConversationPaused.
type InterruptRequestPayload struct {
	Action string `json:"action"`
}

// ConversationEndPayload is the terminal event of every conversation.
type ConversationEndPayload struct {
	Reason            TerminationReason `json:"reason"`
	TurnCount         int               `json:"turn_count"`
	FinalConvergence  *float64          `json:"final_convergence,omitempty"`
}

// ConversationBranchPayload records that this conversation was seeded from
// another conversation's history.
type ConversationBranchPayload struct {
	ParentConversationID string `json:"parent_conversation_id"`
	BranchPointTurn      int    `json:"branch_point_turn"`
}

// ExperimentPayload carries experiment-level start/end bookkeeping.
type ExperimentPayload struct {
	ExperimentID string `json:"experiment_id"`
	Name         string `json:"name"`
}
