// Package contextmgr keeps an outgoing message list under a model's
// context window with a conservative margin, trimming the oldest
// non-system history when it doesn't fit.
package contextmgr

import (
	"strings"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// Estimator estimates the token cost of a message list for one model
// family. Families differ slightly in tokenizer efficiency, so each
// applies its own multiplier on top of the shared char/word estimate.
type Estimator interface {
	// Estimate returns the estimated token count for messages.
	Estimate(messages []models.Message) int
}

// Family selects a per-vendor token multiplier: 1.1 for Anthropic, 1.05
// for OpenAI and 1.0 for every other family. No multiplier is below
// 1.0; they are conservative overestimates rather than tuned to match
// exactly.
type Family string

const (
	FamilyAnthropic Family = "anthropic"
	FamilyOpenAI    Family = "openai"
	FamilyGoogle    Family = "google"
	FamilyOther     Family = "other"
)

// FamilyForModel guesses a model's family from its name, for callers
// that only have a model identifier string (e.g. from ExperimentConfig)
// and need to pick an Estimator without a full model registry.
func FamilyForModel(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "claude"):
		return FamilyAnthropic
	case strings.Contains(m, "gpt"), strings.Contains(m, "o1"), strings.Contains(m, "o3"):
		return FamilyOpenAI
	case strings.Contains(m, "gemini"):
		return FamilyGoogle
	default:
		return FamilyOther
	}
}

// DefaultContextLimit is used for any model not named in contextLimits
// below — a conservative floor rather than a guess at a specific
// vendor's actual window.
const DefaultContextLimit = 100_000

var contextLimits = map[string]int{
	"claude-opus":   200_000,
	"claude-sonnet": 200_000,
	"claude-haiku":  200_000,
	"gpt-5":         272_000,
	"gpt-4o":        128_000,
	"gemini":        1_000_000,
}

// ContextLimitForModel returns the conservative context window to
// enforce for model, matching on the longest known substring so a
// versioned name like "claude-sonnet-4-5" still resolves.
func ContextLimitForModel(model string) int {
	m := strings.ToLower(model)
	best := -1
	limit := DefaultContextLimit
	for name, l := range contextLimits {
		if strings.Contains(m, name) && len(name) > best {
			best = len(name)
			limit = l
		}
	}
	return limit
}

func multiplier(f Family) float64 {
	switch f {
	case FamilyAnthropic:
		return 1.1
	case FamilyOpenAI:
		return 1.05
	default:
		return 1.0
	}
}

// familyEstimator is the default Estimator: max(chars/3.5, words*1.3),
// averaged, then scaled by the family's multiplier.
type familyEstimator struct {
	family Family
}

// NewEstimator returns the default Estimator for the given model family.
func NewEstimator(family Family) Estimator {
	return familyEstimator{family: family}
}

func (e familyEstimator) Estimate(messages []models.Message) int {
	total := 0.0
	for _, m := range messages {
		total += estimateOne(m.Content)
	}
	return int(total * multiplier(e.family))
}

// estimateOne estimates one message's token cost as the larger of a
// char-based and a word-based guess, the more conservative of the two
// cheap proxies rather than a real tokenizer call.
func estimateOne(content string) float64 {
	chars := float64(len(content))
	words := float64(len(strings.Fields(content)))
	byChars := chars / 3.5
	byWords := words * 1.3
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// TruncateResult is the outcome of a Truncate call.
type TruncateResult struct {
	Messages  []models.Message
	Truncated bool
	Original  int
	Kept      int
	Dropped   int
}

// Truncate keeps messages under limit tokens as estimated by est. All
// system messages are always retained. If the full list already fits,
// it is returned unmodified. Otherwise, when allowTruncation is true,
// Truncate binary-searches the largest suffix of non-system messages
// that fits alongside the system messages, dropping the oldest
// non-system messages first. When allowTruncation is false and the
// list doesn't fit, the messages are returned unmodified so the
// provider's own context-limit error can surface.
func Truncate(est Estimator, messages []models.Message, limit int, allowTruncation bool) TruncateResult {
	if est.Estimate(messages) <= limit {
		return TruncateResult{Messages: messages, Original: len(messages), Kept: len(messages)}
	}
	if !allowTruncation {
		return TruncateResult{Messages: messages, Original: len(messages), Kept: len(messages)}
	}

	var rest []models.Message
	for _, m := range messages {
		if m.Role != models.RoleSystem {
			rest = append(rest, m)
		}
	}

	// candidate(n) keeps every system message in its original position
	// plus only the newest n non-system messages; fits(n) is monotonic
	// since a shorter suffix never costs more tokens than a longer one.
	candidate := func(n int) []models.Message {
		cutoff := len(rest) - n
		kept := make([]models.Message, 0, len(messages))
		seen := 0
		for _, m := range messages {
			if m.Role == models.RoleSystem {
				kept = append(kept, m)
				continue
			}
			if seen >= cutoff {
				kept = append(kept, m)
			}
			seen++
		}
		return kept
	}
	fits := func(n int) bool {
		return est.Estimate(candidate(n)) <= limit
	}

	lo, hi := 0, len(rest)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fits(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	kept := candidate(lo)
	return TruncateResult{
		Messages:  kept,
		Truncated: true,
		Original:  len(messages),
		Kept:      len(kept),
		Dropped:   len(messages) - len(kept),
	}
}
