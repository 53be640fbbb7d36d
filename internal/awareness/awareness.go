// Package awareness composes the system prompts that tell each agent
// about the other's nature: a built-in preset level (none, basic, firm,
// research), or a custom YAML profile that can override prompts per
// turn index and inherit a preset as its base.
package awareness

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Level names a built-in awareness preset.
type Level string

const (
	LevelNone     Level = "none"
	LevelBasic    Level = "basic"
	LevelFirm     Level = "firm"
	LevelResearch Level = "research"
)

type preset struct {
	AgentA string
	AgentB string
}

var presets = map[Level]preset{
	LevelNone: {AgentA: "", AgentB: ""},
	LevelBasic: {
		AgentA: "You are an AI having a conversation with another AI.",
		AgentB: "You are an AI having a conversation with another AI.",
	},
	LevelFirm: {
		AgentA: "You are an AI. Your conversation partner is also an AI. You are not talking to a human.",
		AgentB: "You are an AI. Your conversation partner is also an AI. You are not talking to a human.",
	},
	LevelResearch: {
		AgentA: "You are %s (an AI) in a research conversation with %s (also an AI). No humans are participating in this conversation. Focus on exploring ideas together.",
		AgentB: "You are %s (an AI) in a research conversation with %s (also an AI). No humans are participating in this conversation. Focus on exploring ideas together.",
	},
}

// Prompts is one pair of composed system prompts for the two agents.
type Prompts struct {
	AgentA string
	AgentB string
}

// Resolve composes the initial system prompts for a built-in level,
// substituting modelA/modelB display names into the research level's
// template. Levels other than research ignore the model names.
func Resolve(level Level, modelA, modelB string) (Prompts, error) {
	p, ok := presets[level]
	if !ok {
		return Prompts{}, fmt.Errorf("awareness: unknown level %q", level)
	}
	if level == LevelResearch {
		return Prompts{
			AgentA: fmt.Sprintf(p.AgentA, modelA, modelB),
			AgentB: fmt.Sprintf(p.AgentB, modelA, modelB),
		}, nil
	}
	return Prompts{AgentA: p.AgentA, AgentB: p.AgentB}, nil
}

// TurnPrompt is one turn's override, keyed by agent. A nil pointer
// means "no override for this agent at this turn".
type TurnPrompt struct {
	AgentA *string
	AgentB *string
}

// turnConfig mirrors one YAML "prompts.<turn>" entry: either "both", or
// separate per-agent text, with agent-specific keys taking precedence
// over "both" when both are present.
type turnConfig struct {
	Both    *string `yaml:"both"`
	AgentA  *string `yaml:"agent_a"`
	AgentB  *string `yaml:"agent_b"`
}

// Custom is a YAML-defined awareness profile: a name, an optional base
// preset to inherit initial prompts from, and a map of turn-indexed
// prompt overrides.
type Custom struct {
	Name   string                `yaml:"name"`
	Base   Level                 `yaml:"base"`
	Prompts map[string]turnConfig `yaml:"prompts"`
}

// LoadCustom reads and validates a custom awareness profile from path.
func LoadCustom(path string) (*Custom, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("awareness: read %s: %w", path, err)
	}
	var c Custom
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("awareness: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("awareness: %s: %w", path, err)
	}
	return &c, nil
}

func (c *Custom) validate() error {
	for turn := range c.Prompts {
		n, err := strconv.Atoi(turn)
		if err != nil {
			return fmt.Errorf("invalid turn number %q", turn)
		}
		if n < 0 {
			return fmt.Errorf("turn number must be non-negative: %d", n)
		}
	}
	if c.Base != "" {
		if _, ok := presets[c.Base]; !ok {
			return fmt.Errorf("unknown base level %q", c.Base)
		}
	}
	return nil
}

// InitialPrompts returns the profile's starting prompts: the base
// preset's prompts (if a base is set), substituting model names for a
// research base, overridden by any turn-0 entry in Prompts.
func (c *Custom) InitialPrompts(modelA, modelB string) Prompts {
	var out Prompts
	if c.Base != "" {
		out, _ = Resolve(c.Base, modelA, modelB)
	}
	if turn0, ok := c.Prompts["0"]; ok {
		applyTurnConfig(&out, turn0)
	}
	return out
}

// TurnPrompt returns the override for the given turn index, or a
// TurnPrompt with both fields nil if this profile has no entry for it.
func (c *Custom) TurnPrompt(turn int) TurnPrompt {
	cfg, ok := c.Prompts[strconv.Itoa(turn)]
	if !ok {
		return TurnPrompt{}
	}
	tp := TurnPrompt{}
	if cfg.Both != nil {
		tp.AgentA, tp.AgentB = cfg.Both, cfg.Both
	}
	if cfg.AgentA != nil {
		tp.AgentA = cfg.AgentA
	}
	if cfg.AgentB != nil {
		tp.AgentB = cfg.AgentB
	}
	return tp
}

// Source is a resolved awareness configuration for one experiment: either
// a built-in Level or a loaded Custom profile, never both. It is the
// caller-facing entry point so the conductor doesn't need to know
// whether an ExperimentConfig's awareness_a/b field named a preset or a
// file path.
type Source struct {
	level  Level
	custom *Custom
}

// ResolveSource interprets spec as either the name of a built-in level
// or a path to a custom YAML profile, preferring the built-in
// interpretation when spec matches one exactly.
func ResolveSource(spec string) (Source, error) {
	if spec == "" {
		spec = string(LevelNone)
	}
	if _, ok := presets[Level(spec)]; ok {
		return Source{level: Level(spec)}, nil
	}
	c, err := LoadCustom(spec)
	if err != nil {
		return Source{}, err
	}
	return Source{custom: c}, nil
}

// InitialPrompt returns the starting system prompt text for one agent.
func (s Source) InitialPrompt(forAgentA bool, modelA, modelB string) string {
	var p Prompts
	if s.custom != nil {
		p = s.custom.InitialPrompts(modelA, modelB)
	} else {
		p, _ = Resolve(s.level, modelA, modelB)
	}
	if forAgentA {
		return p.AgentA
	}
	return p.AgentB
}

// TurnOverride returns a per-turn system prompt override for one agent,
// if this source is a custom profile with one configured for turn. Only
// custom profiles ever override per-turn; built-in levels never do.
func (s Source) TurnOverride(forAgentA bool, turn int) (string, bool) {
	if s.custom == nil {
		return "", false
	}
	tp := s.custom.TurnPrompt(turn)
	ptr := tp.AgentB
	if forAgentA {
		ptr = tp.AgentA
	}
	if ptr == nil {
		return "", false
	}
	return *ptr, true
}

func applyTurnConfig(p *Prompts, cfg turnConfig) {
	if cfg.Both != nil {
		p.AgentA, p.AgentB = *cfg.Both, *cfg.Both
	}
	if cfg.AgentA != nil {
		p.AgentA = *cfg.AgentA
	}
	if cfg.AgentB != nil {
		p.AgentB = *cfg.AgentB
	}
}
