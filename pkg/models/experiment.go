package models

import "time"

// FirstSpeaker selects which agent opens a conversation.
type FirstSpeaker string

const (
	FirstSpeakerAgentA FirstSpeaker = "agent_a"
	FirstSpeakerAgentB FirstSpeaker = "agent_b"
	FirstSpeakerRandom FirstSpeaker = "random"
)

// ConvergenceAction chooses what happens when a turn's convergence score
// crosses ConvergenceThreshold.
type ConvergenceAction string

const (
	ConvergenceActionStop   ConvergenceAction = "stop"
	ConvergenceActionPause  ConvergenceAction = "pause"
	ConvergenceActionNotify ConvergenceAction = "notify"
)

// ExperimentConfig is the input contract for one experiment. Validation is
// total: Validate (internal/config) returns every problem found, not just
// the first, so a caller can fix a config in one pass.
type ExperimentConfig struct {
	Name        string `yaml:"name"`
	AgentAModel string `yaml:"agent_a_model"`
	AgentBModel string `yaml:"agent_b_model"`
	Repetitions int    `yaml:"repetitions"`
	MaxTurns    int    `yaml:"max_turns"`

	InitialPrompt string `yaml:"initial_prompt,omitempty"`
	Dimensions    string `yaml:"dimensions,omitempty"`

	Temperature   *float64 `yaml:"temperature,omitempty"`
	TemperatureA  *float64 `yaml:"temperature_a,omitempty"`
	TemperatureB  *float64 `yaml:"temperature_b,omitempty"`

	MaxParallel          int               `yaml:"max_parallel,omitempty"`
	ConvergenceThreshold *float64          `yaml:"convergence_threshold,omitempty"`
	ConvergenceProfile   string            `yaml:"convergence_profile,omitempty"`
	ConvergenceAction    ConvergenceAction `yaml:"convergence_action,omitempty"`
	FirstSpeaker         FirstSpeaker      `yaml:"first_speaker,omitempty"`

	AwarenessA string `yaml:"awareness_a,omitempty"`
	AwarenessB string `yaml:"awareness_b,omitempty"`

	ChooseNames     bool `yaml:"choose_names,omitempty"`
	AllowTruncation *bool `yaml:"allow_truncation,omitempty"`
	ThinkBudget     int  `yaml:"think_budget,omitempty"`
}

// ExperimentStatus is the lifecycle stage of an experiment as a whole.
type ExperimentStatus string

const (
	ExperimentCreated     ExperimentStatus = "created"
	ExperimentRunning     ExperimentStatus = "running"
	ExperimentCompleted   ExperimentStatus = "completed"
	ExperimentFailed      ExperimentStatus = "failed"
	ExperimentInterrupted ExperimentStatus = "interrupted"
)

// Experiment is the in-memory/manifest record of one named batch run.
type Experiment struct {
	ID          string           `json:"experiment_id"`
	Name        string           `json:"name"`
	Config      ExperimentConfig `json:"configuration"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Status      ExperimentStatus `json:"status"`
	Total       int              `json:"total_conversations"`
	Completed   int              `json:"completed_conversations"`
	Failed      int              `json:"failed_conversations"`
}

// ManifestConversationEntry is one conversation's slot in the manifest.
type ManifestConversationEntry struct {
	Status         ConversationStatus `json:"status"`
	JSONLFile      string             `json:"jsonl"`
	TurnsCompleted int                `json:"turns_completed"`
	LastLine       int                `json:"last_line"`
	Error          string             `json:"error,omitempty"`
}

// Manifest is the authoritative on-disk experiment record. It is written
// by a single writer (the owning daemon process) via write-temp-then-
// rename, and read by any number of external observers that tolerate a
// parse error on a partial-write window by retrying.
type Manifest struct {
	ExperimentID string                               `json:"experiment_id"`
	Name         string                               `json:"name"`
	CreatedAt    time.Time                             `json:"created_at"`
	StartedAt    *time.Time                            `json:"started_at,omitempty"`
	CompletedAt  *time.Time                            `json:"completed_at,omitempty"`
	Status       ExperimentStatus                      `json:"status"`
	Config       ExperimentConfig                      `json:"configuration"`
	Total        int                                   `json:"total_conversations"`
	Completed    int                                   `json:"completed_conversations"`
	Failed       int                                   `json:"failed_conversations"`
	Conversations map[string]*ManifestConversationEntry `json:"conversations"`
}
