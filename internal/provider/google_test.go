package provider

import (
	"context"
	"testing"
)

func TestNewGoogleRequiresAPIKey(t *testing.T) {
	if _, err := NewGoogle(context.Background(), GoogleConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestGoogleModelFallback(t *testing.T) {
	p, err := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key", DefaultModel: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("NewGoogle() error = %v", err)
	}
	if got := p.model(""); got != "gemini-1.5-pro" {
		t.Errorf("model(\"\") = %q, want gemini-1.5-pro", got)
	}
	if got := p.model("gemini-2.0-flash-lite"); got != "gemini-2.0-flash-lite" {
		t.Errorf("model(explicit) = %q, want gemini-2.0-flash-lite", got)
	}
}

func TestGoogleConvertMessagesMapsAssistantToModelRole(t *testing.T) {
	p, _ := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key"})
	contents := p.convertMessages([]Message{
		{Role: "system", Content: "ignored"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if len(contents) != 2 {
		t.Fatalf("convertMessages() len = %d, want 2 (system skipped)", len(contents))
	}
	if contents[0].Role != "user" {
		t.Errorf("contents[0].Role = %q, want user", contents[0].Role)
	}
	if contents[1].Role != "model" {
		t.Errorf("contents[1].Role = %q, want model", contents[1].Role)
	}
}

func TestGoogleBuildConfigAppliesSystemAndLimits(t *testing.T) {
	p, _ := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key"})
	temp := 0.3
	cfg := p.buildConfig(Request{System: "be concise", MaxTokens: 512, Temperature: &temp})
	if cfg.SystemInstruction == nil {
		t.Fatal("SystemInstruction = nil, want set")
	}
	if cfg.MaxOutputTokens != 512 {
		t.Errorf("MaxOutputTokens = %d, want 512", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.3 {
		t.Errorf("Temperature = %v, want 0.3", cfg.Temperature)
	}
}

func TestGoogleBuildConfigOmitsSystemWhenEmpty(t *testing.T) {
	p, _ := NewGoogle(context.Background(), GoogleConfig{APIKey: "test-key"})
	cfg := p.buildConfig(Request{})
	if cfg.SystemInstruction != nil {
		t.Error("SystemInstruction should be nil when System is empty")
	}
}
