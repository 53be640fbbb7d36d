package provider

import "testing"

func TestNewOpenAIRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestNewOpenAIDefaultsModel(t *testing.T) {
	p, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	if p.defaultModel != "gpt-4o" {
		t.Errorf("defaultModel = %q, want gpt-4o", p.defaultModel)
	}
}

func TestOpenAIModelFallback(t *testing.T) {
	p, _ := NewOpenAI(OpenAIConfig{APIKey: "sk-test", DefaultModel: "gpt-4o-mini"})
	if got := p.model(""); got != "gpt-4o-mini" {
		t.Errorf("model(\"\") = %q, want gpt-4o-mini", got)
	}
	if got := p.model("gpt-3.5-turbo"); got != "gpt-3.5-turbo" {
		t.Errorf("model(explicit) = %q, want gpt-3.5-turbo", got)
	}
}

func TestOpenAIBuildRequestPrependsSystem(t *testing.T) {
	p, _ := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	req := Request{
		System:   "be terse",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
	chatReq := p.buildRequest(req)
	if len(chatReq.Messages) != 2 {
		t.Fatalf("Messages len = %d, want 2", len(chatReq.Messages))
	}
	if chatReq.Messages[0].Content != "be terse" {
		t.Errorf("Messages[0].Content = %q, want %q", chatReq.Messages[0].Content, "be terse")
	}
	if !chatReq.Stream {
		t.Error("Stream = false, want true")
	}
	if chatReq.StreamOptions == nil || !chatReq.StreamOptions.IncludeUsage {
		t.Error("StreamOptions.IncludeUsage = false, want true")
	}
}

func TestOpenAIBuildRequestOmitsSystemWhenEmpty(t *testing.T) {
	p, _ := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	req := Request{Messages: []Message{{Role: "user", Content: "hi"}}}
	chatReq := p.buildRequest(req)
	if len(chatReq.Messages) != 1 {
		t.Fatalf("Messages len = %d, want 1", len(chatReq.Messages))
	}
}

func TestOpenAIBuildRequestAppliesTemperatureAndMaxTokens(t *testing.T) {
	p, _ := NewOpenAI(OpenAIConfig{APIKey: "sk-test"})
	temp := 0.7
	req := Request{
		Messages:    []Message{{Role: "user", Content: "hi"}},
		MaxTokens:   256,
		Temperature: &temp,
	}
	chatReq := p.buildRequest(req)
	if chatReq.MaxTokens != 256 {
		t.Errorf("MaxTokens = %d, want 256", chatReq.MaxTokens)
	}
	if chatReq.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", chatReq.Temperature)
	}
}
