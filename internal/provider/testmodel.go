package provider

import (
	"context"
	"crypto/md5" //nolint:gosec // deterministic selection only, not security-sensitive
	"encoding/binary"
	"strings"
)

var testModelResponses = map[string][]string{
	"greetings": {
		"Hello! I'm a test model designed for offline experimentation.",
		"Greetings! I provide deterministic responses for testing.",
		"Hi there! I help test conversation patterns without API calls.",
	},
	"questions": {
		"That's an interesting question. Let me think about that.",
		"I see what you're asking. Here's my perspective:",
		"Good question! Based on our discussion so far:",
	},
	"agreements": {
		"I agree with your point.",
		"Yes, that makes sense.",
		"Absolutely, I see what you mean.",
	},
	"elaborations": {
		"Building on that idea, we might consider",
		"To expand on this further,",
		"Following that line of thought,",
	},
	"convergence": {"Indeed.", "Agreed.", "Precisely.", "Yes."},
}

// TestModel is a deterministic provider for offline development and
// tests: no network calls, same conversation history always produces
// the same reply. It simulates the shape of real conversation dynamics
// (questions draw elaboration, agreement signals shorten replies, long
// conversations converge to short agreements) without calling an LLM.
type TestModel struct {
	custom      []string
	customIndex int
}

// NewTestModel constructs a TestModel. If responses is non-empty, Stream
// cycles through them in order instead of simulating conversation
// dynamics - useful for scripting an exact exchange in a test.
func NewTestModel(responses ...string) *TestModel {
	return &TestModel{custom: responses}
}

func (p *TestModel) Name() string     { return "test-model" }
func (p *TestModel) LastUsage() Usage { return Usage{} }
func (p *TestModel) Cleanup() error   { return nil }

// Stream returns the deterministic reply for req as a single chunk.
func (p *TestModel) Stream(_ context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 2)
	out <- Chunk{Text: p.generate(req.Messages)}
	out <- Chunk{Done: true}
	close(out)
	return out, nil
}

func (p *TestModel) generate(messages []Message) string {
	if len(p.custom) > 0 {
		r := p.custom[p.customIndex%len(p.custom)]
		p.customIndex++
		return r
	}

	if len(messages) == 0 {
		return testModelResponses["greetings"][0]
	}

	turnCount := 0
	for _, m := range messages {
		if m.Role == "assistant" {
			turnCount++
		}
	}
	last := strings.ToLower(messages[len(messages)-1].Content)

	switch {
	case turnCount > 10:
		return pick(testModelResponses["convergence"], turnCount)
	case containsAny(last, "?", "what", "how", "why", "when", "where"):
		return questionResponse(last)
	case containsAny(last, "yes", "agree", "right", "exactly", "correct"):
		return pick(testModelResponses["agreements"], turnCount)
	default:
		return elaborationResponse(last, turnCount)
	}
}

func questionResponse(prompt string) string {
	base := pick(testModelResponses["questions"], hashIndex(prompt, len(testModelResponses["questions"])))
	switch {
	case strings.Contains(prompt, "pattern"):
		return base + " I notice we're discussing patterns in our conversation."
	case strings.Contains(prompt, "test"):
		return base + " As a test model, I provide consistent responses for experimentation."
	case strings.Contains(prompt, "convergence"):
		return base + " Convergence is an interesting phenomenon where responses become shorter and more aligned."
	default:
		return base + " Let me share some thoughts on this topic."
	}
}

func elaborationResponse(last string, turnCount int) string {
	base := pick(testModelResponses["elaborations"], turnCount)
	wordCount := len(strings.Fields(last))
	switch {
	case wordCount < 10:
		return base + " perhaps we could explore this topic in more depth."
	case wordCount > 50:
		return base + " I appreciate the detailed perspective you've shared."
	default:
		return base + " the points you've raised connect to broader themes in our discussion."
	}
}

func pick(options []string, n int) string {
	if n < 0 {
		n = -n
	}
	return options[n%len(options)]
}

func hashIndex(s string, mod int) int {
	sum := md5.Sum([]byte(s)) //nolint:gosec
	return int(binary.BigEndian.Uint32(sum[:4])) % mod
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
