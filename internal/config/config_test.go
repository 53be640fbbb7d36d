package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

func validConfig() models.ExperimentConfig {
	return models.ExperimentConfig{
		Name:        "test-experiment",
		AgentAModel: "claude-sonnet",
		AgentBModel: "gpt-5",
		Repetitions: 1,
		MaxTurns:    10,
	}
}

func TestValidateAcceptsMinimalValidConfig(t *testing.T) {
	if errs := Validate(validConfig()); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestValidateReturnsEveryMissingRequiredField(t *testing.T) {
	errs := Validate(models.ExperimentConfig{})
	if len(errs) < 4 {
		t.Fatalf("Validate() returned %d errors, want at least 4 (name, agent_a_model, agent_b_model, repetitions/max_turns)", len(errs))
	}
}

func TestValidateRejectsOutOfRangeTemperature(t *testing.T) {
	cfg := validConfig()
	bad := 3.0
	cfg.Temperature = &bad
	errs := Validate(cfg)
	if len(errs) != 1 {
		t.Fatalf("Validate() = %v, want exactly 1 error", errs)
	}
}

func TestValidateRejectsMutuallyExclusivePromptAndDimensions(t *testing.T) {
	cfg := validConfig()
	cfg.InitialPrompt = "hello"
	cfg.Dimensions = "philosophy"
	errs := Validate(cfg)
	found := false
	for _, e := range errs {
		if e != nil {
			found = true
		}
	}
	if !found || len(errs) != 1 {
		t.Fatalf("Validate() = %v, want exactly 1 mutual-exclusivity error", errs)
	}
}

func TestValidateRejectsInvalidConvergenceAction(t *testing.T) {
	cfg := validConfig()
	cfg.ConvergenceAction = "explode"
	if errs := Validate(cfg); len(errs) != 1 {
		t.Errorf("Validate() = %v, want exactly 1 error", errs)
	}
}

func TestValidateRejectsUnknownAwarenessLevelWithoutFile(t *testing.T) {
	cfg := validConfig()
	cfg.AwarenessA = "nonexistent-preset-or-file"
	if errs := Validate(cfg); len(errs) != 1 {
		t.Errorf("Validate() = %v, want exactly 1 error", errs)
	}
}

func TestValidateAcceptsAwarenessFilePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("name: custom\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg := validConfig()
	cfg.AwarenessA = path
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors for an existing awareness file", errs)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	content := "name: defaults-test\nagent_a_model: claude\nagent_b_model: gpt\nrepetitions: 1\nmax_turns: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v, want none", errs)
	}
	if cfg.MaxParallel != 1 {
		t.Errorf("MaxParallel = %d, want default 1", cfg.MaxParallel)
	}
	if cfg.FirstSpeaker != models.FirstSpeakerAgentA {
		t.Errorf("FirstSpeaker = %v, want default agent_a", cfg.FirstSpeaker)
	}
	if cfg.AwarenessA != "basic" || cfg.AwarenessB != "basic" {
		t.Errorf("Awareness defaults = %q/%q, want basic/basic", cfg.AwarenessA, cfg.AwarenessB)
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("PIDGIN_TEST_MODEL_NAME", "env-expanded-model")

	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	content := "name: env-test\nagent_a_model: ${PIDGIN_TEST_MODEL_NAME}\nagent_b_model: gpt\nrepetitions: 1\nmax_turns: 5\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, errs := Load(path)
	if len(errs) != 0 {
		t.Fatalf("Load() errors = %v, want none", errs)
	}
	if cfg.AgentAModel != "env-expanded-model" {
		t.Errorf("AgentAModel = %q, want env-expanded-model", cfg.AgentAModel)
	}
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, errs := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if len(errs) != 1 {
		t.Fatalf("Load() errors = %v, want exactly 1", errs)
	}
}
