package contextmgr

import (
	"strings"
	"testing"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

func TestEstimatorAppliesFamilyMultiplier(t *testing.T) {
	msgs := []models.Message{{Content: strings.Repeat("a", 350)}} // 100 tokens by char estimate

	other := NewEstimator(FamilyOther).Estimate(msgs)
	anthropic := NewEstimator(FamilyAnthropic).Estimate(msgs)
	openai := NewEstimator(FamilyOpenAI).Estimate(msgs)

	if anthropic <= other {
		t.Errorf("anthropic estimate %d should exceed baseline %d", anthropic, other)
	}
	if openai <= other {
		t.Errorf("openai estimate %d should exceed baseline %d", openai, other)
	}
	if anthropic <= openai {
		t.Errorf("anthropic multiplier (1.1) should produce a larger estimate than openai (1.05): %d vs %d", anthropic, openai)
	}
}

func TestTruncatePassesThroughWhenUnderLimit(t *testing.T) {
	est := NewEstimator(FamilyOther)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: "hi"},
	}
	result := Truncate(est, msgs, 1000, true)
	if result.Truncated {
		t.Error("Truncated = true, want false when already under limit")
	}
	if len(result.Messages) != len(msgs) {
		t.Errorf("Messages len = %d, want %d", len(result.Messages), len(msgs))
	}
}

func TestTruncateKeepsAllSystemMessages(t *testing.T) {
	est := NewEstimator(FamilyOther)
	long := strings.Repeat("word ", 200)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "system prompt"},
		{Role: models.RoleUser, Content: long},
		{Role: models.RoleAssistant, Content: long},
		{Role: models.RoleUser, Content: long},
		{Role: models.RoleAssistant, Content: long},
	}
	// Limit small enough to force truncation but large enough to keep
	// the system message plus at least the newest non-system message.
	limit := est.Estimate(msgs[:2]) + 5

	result := Truncate(est, msgs, limit, true)
	if !result.Truncated {
		t.Fatal("expected truncation")
	}
	if result.Messages[0].Role != models.RoleSystem {
		t.Fatalf("first kept message role = %v, want system", result.Messages[0].Role)
	}
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			found := false
			for _, k := range result.Messages {
				if k.Role == models.RoleSystem && k.Content == m.Content {
					found = true
				}
			}
			if !found {
				t.Errorf("system message %q was dropped", m.Content)
			}
		}
	}
}

func TestTruncateDropsOldestNonSystemFirst(t *testing.T) {
	est := NewEstimator(FamilyOther)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "oldest"},
		{Role: models.RoleAssistant, Content: "middle"},
		{Role: models.RoleUser, Content: "newest"},
	}
	limit := est.Estimate([]models.Message{msgs[2]})

	result := Truncate(est, msgs, limit, true)
	if !result.Truncated {
		t.Fatal("expected truncation")
	}
	if len(result.Messages) != 1 || result.Messages[0].Content != "newest" {
		t.Fatalf("Messages = %+v, want only the newest message kept", result.Messages)
	}
}

func TestTruncateReturnsUnmodifiedWhenTruncationDisallowed(t *testing.T) {
	est := NewEstimator(FamilyOther)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("word ", 500)},
	}
	result := Truncate(est, msgs, 1, false)
	if result.Truncated {
		t.Error("Truncated = true, want false when allowTruncation is false")
	}
	if len(result.Messages) != len(msgs) {
		t.Errorf("Messages len = %d, want unmodified %d", len(result.Messages), len(msgs))
	}
}

func TestFamilyForModelMatchesKnownVendors(t *testing.T) {
	cases := map[string]Family{
		"claude-sonnet-4-5": FamilyAnthropic,
		"gpt-5":             FamilyOpenAI,
		"o3-mini":           FamilyOpenAI,
		"gemini-2.5-pro":    FamilyGoogle,
		"llama-3-70b":       FamilyOther,
	}
	for model, want := range cases {
		if got := FamilyForModel(model); got != want {
			t.Errorf("FamilyForModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestContextLimitForModelMatchesLongestSubstring(t *testing.T) {
	if got := ContextLimitForModel("claude-opus-4-1"); got != 200_000 {
		t.Errorf("ContextLimitForModel(claude-opus-4-1) = %d, want 200000", got)
	}
	if got := ContextLimitForModel("totally-unknown-model"); got != DefaultContextLimit {
		t.Errorf("ContextLimitForModel(unknown) = %d, want default %d", got, DefaultContextLimit)
	}
}

func TestTruncateReportsCounts(t *testing.T) {
	est := NewEstimator(FamilyOther)
	long := strings.Repeat("word ", 100)
	msgs := []models.Message{
		{Role: models.RoleUser, Content: long},
		{Role: models.RoleAssistant, Content: long},
		{Role: models.RoleUser, Content: long},
	}
	limit := est.Estimate([]models.Message{msgs[2]})

	result := Truncate(est, msgs, limit, true)
	if result.Original != 3 {
		t.Errorf("Original = %d, want 3", result.Original)
	}
	if result.Kept+result.Dropped != result.Original {
		t.Errorf("Kept(%d) + Dropped(%d) != Original(%d)", result.Kept, result.Dropped, result.Original)
	}
}
