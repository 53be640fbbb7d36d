// Package config loads and validates an experiment's ExperimentConfig
// from YAML, the same way the teacher's config loader does: read,
// expand environment variables, decode, apply defaults, validate.
// Validation is total — Validate collects every problem found rather
// than stopping at the first, so a caller can fix a config in one pass
// instead of one error at a time.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// Load reads path, expands environment variables, decodes it as an
// ExperimentConfig, applies defaults, and validates the result. Load
// always returns the parsed config alongside any errors so a caller can
// inspect what was provided even when validation fails.
func Load(path string) (models.ExperimentConfig, []error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ExperimentConfig{}, []error{fmt.Errorf("config: read %s: %w", path, err)}
	}

	expanded := os.ExpandEnv(string(data))

	var cfg models.ExperimentConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return models.ExperimentConfig{}, []error{fmt.Errorf("config: parse %s: %w", path, err)}
	}

	applyDefaults(&cfg)

	if errs := Validate(cfg); len(errs) > 0 {
		return cfg, errs
	}
	return cfg, nil
}

func applyDefaults(cfg *models.ExperimentConfig) {
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 1
	}
	if cfg.FirstSpeaker == "" {
		cfg.FirstSpeaker = models.FirstSpeakerAgentA
	}
	if cfg.ConvergenceAction == "" {
		cfg.ConvergenceAction = models.ConvergenceActionNotify
	}
	if cfg.AwarenessA == "" {
		cfg.AwarenessA = "basic"
	}
	if cfg.AwarenessB == "" {
		cfg.AwarenessB = "basic"
	}
}

var validFirstSpeakers = map[models.FirstSpeaker]bool{
	models.FirstSpeakerAgentA: true,
	models.FirstSpeakerAgentB: true,
	models.FirstSpeakerRandom: true,
}

var validConvergenceActions = map[models.ConvergenceAction]bool{
	models.ConvergenceActionStop:   true,
	models.ConvergenceActionPause:  true,
	models.ConvergenceActionNotify: true,
}

var builtinAwarenessLevels = map[string]bool{
	"none": true, "basic": true, "firm": true, "research": true,
}

// Validate checks cfg against every constraint named in the
// ExperimentConfig contract (spec §3) and returns every violation
// found, never just the first.
func Validate(cfg models.ExperimentConfig) []error {
	var errs []error

	if strings.TrimSpace(cfg.Name) == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if strings.TrimSpace(cfg.AgentAModel) == "" {
		errs = append(errs, fmt.Errorf("agent_a_model is required"))
	}
	if strings.TrimSpace(cfg.AgentBModel) == "" {
		errs = append(errs, fmt.Errorf("agent_b_model is required"))
	}
	if cfg.Repetitions < 1 {
		errs = append(errs, fmt.Errorf("repetitions must be >= 1, got %d", cfg.Repetitions))
	}
	if cfg.MaxTurns < 1 {
		errs = append(errs, fmt.Errorf("max_turns must be >= 1, got %d", cfg.MaxTurns))
	}
	if cfg.InitialPrompt != "" && cfg.Dimensions != "" {
		errs = append(errs, fmt.Errorf("initial_prompt and dimensions are mutually exclusive"))
	}

	for _, t := range []struct {
		label string
		value *float64
	}{
		{"temperature", cfg.Temperature},
		{"temperature_a", cfg.TemperatureA},
		{"temperature_b", cfg.TemperatureB},
	} {
		if t.value == nil {
			continue
		}
		if *t.value < 0 || *t.value > 2 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 2], got %v", t.label, *t.value))
		}
	}

	if cfg.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max_parallel must be >= 1 when set, got %d", cfg.MaxParallel))
	}
	if cfg.ConvergenceThreshold != nil && (*cfg.ConvergenceThreshold < 0 || *cfg.ConvergenceThreshold > 1) {
		errs = append(errs, fmt.Errorf("convergence_threshold must be in [0, 1], got %v", *cfg.ConvergenceThreshold))
	}
	if cfg.ConvergenceAction != "" && !validConvergenceActions[cfg.ConvergenceAction] {
		errs = append(errs, fmt.Errorf("convergence_action %q is invalid", cfg.ConvergenceAction))
	}
	if cfg.FirstSpeaker != "" && !validFirstSpeakers[cfg.FirstSpeaker] {
		errs = append(errs, fmt.Errorf("first_speaker %q is invalid", cfg.FirstSpeaker))
	}

	for _, a := range []struct {
		label string
		value string
	}{
		{"awareness_a", cfg.AwarenessA},
		{"awareness_b", cfg.AwarenessB},
	} {
		if a.value == "" || builtinAwarenessLevels[a.value] {
			continue
		}
		if _, err := os.Stat(a.value); err != nil {
			errs = append(errs, fmt.Errorf("%s %q is neither a built-in level nor an existing file", a.label, a.value))
		}
	}

	if cfg.ThinkBudget < 0 {
		errs = append(errs, fmt.Errorf("think_budget must be >= 0, got %d", cfg.ThinkBudget))
	}

	return errs
}
