// Package convergence scores how similar two agents' sides of a turn
// have become, a weighted blend of vocabulary overlap, structural
// similarity, style match, and optional mimicry of the other agent's
// immediately preceding message.
package convergence

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// Profile weights the four components of Score. Weights should be
// non-negative and sum to 1; Validate checks this for profiles loaded
// from config rather than constructed via a preset.
type Profile struct {
	Vocabulary float64 `yaml:"vocabulary"`
	Structural float64 `yaml:"structural"`
	Style      float64 `yaml:"style"`
	Mimicry    float64 `yaml:"mimicry"`
}

const weightSumTolerance = 1e-6

// Validate reports whether the profile's weights are non-negative and
// sum to 1 within a small floating-point tolerance.
func (p Profile) Validate() error {
	for name, w := range map[string]float64{
		"vocabulary": p.Vocabulary,
		"structural": p.Structural,
		"style":      p.Style,
		"mimicry":    p.Mimicry,
	} {
		if w < 0 {
			return &InvalidProfileError{Reason: name + " weight must be non-negative, got " + strconv.FormatFloat(w, 'f', 3, 64)}
		}
	}
	sum := p.Vocabulary + p.Structural + p.Style + p.Mimicry
	if diff := sum - 1.0; diff > weightSumTolerance || diff < -weightSumTolerance {
		return &InvalidProfileError{Reason: "weights must sum to 1, got " + strconv.FormatFloat(sum, 'f', 3, 64)}
	}
	return nil
}

// InvalidProfileError reports a Profile that failed Validate.
type InvalidProfileError struct {
	Reason string
}

func (e *InvalidProfileError) Error() string {
	return "convergence: invalid profile: " + e.Reason
}

// Balanced weights all four components roughly evenly, the default
// profile for experiments that don't specify one.
func Balanced() Profile {
	return Profile{Vocabulary: 0.3, Structural: 0.25, Style: 0.2, Mimicry: 0.25}
}

// Structural weights length/punctuation/sentence-count similarity most
// heavily, for experiments primarily watching for formal convergence
// rather than topical convergence.
func Structural() Profile {
	return Profile{Vocabulary: 0.15, Structural: 0.5, Style: 0.25, Mimicry: 0.1}
}

// Semantic weights lexical (vocabulary) overlap most heavily, for
// experiments primarily watching whether agents start saying the same
// things rather than saying them the same way.
func Semantic() Profile {
	return Profile{Vocabulary: 0.55, Structural: 0.15, Style: 0.1, Mimicry: 0.2}
}

// Strict weights both structural and vocabulary more heavily than
// Balanced, for experiments that want a conservative (harder-to-trigger
// low, easier-to-trigger high) convergence signal.
func Strict() Profile {
	return Profile{Vocabulary: 0.4, Structural: 0.35, Style: 0.1, Mimicry: 0.15}
}

// namedProfiles maps the config-facing profile names to their Profile
// values, for experiments that select a profile by name (e.g.
// convergence_profile: strict) rather than supplying custom weights.
var namedProfiles = map[string]func() Profile{
	"balanced":   Balanced,
	"structural": Structural,
	"semantic":   Semantic,
	"strict":     Strict,
}

// ProfileByName resolves a config-supplied profile name to its Profile.
func ProfileByName(name string) (Profile, error) {
	f, ok := namedProfiles[name]
	if !ok {
		return Profile{}, &InvalidProfileError{Reason: "unknown profile name " + strconv.Quote(name)}
	}
	return f(), nil
}

// Score computes the weighted convergence score for turn, clamped to
// [0, 1]. history is consulted only for the mimicry component, which
// compares each side's message against the other agent's immediately
// preceding message.
func Score(turn models.Turn, history []models.Turn, profile Profile) float64 {
	vocabulary, structural, style, mimicryWeight := profile.Vocabulary, profile.Structural, profile.Style, profile.Mimicry

	// mimicry has nothing to compare against on the first turn. Rather
	// than let its weight sit idle and cap the rest of the score below
	// 1 on identical messages, fold it back into the other three
	// components in proportion to their own weights.
	if len(history) == 0 && mimicryWeight > 0 {
		remaining := vocabulary + structural + style
		if remaining > 0 {
			scale := (remaining + mimicryWeight) / remaining
			vocabulary *= scale
			structural *= scale
			style *= scale
		}
		mimicryWeight = 0
	}

	score := vocabulary*vocabularyOverlap(turn.First.Content, turn.Second.Content) +
		structural*structuralSimilarity(turn.First.Content, turn.Second.Content) +
		style*styleMatch(turn.First.Content, turn.Second.Content) +
		mimicryWeight*mimicry(turn, history)

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) })] = struct{}{}
	}
	return set
}

// vocabularyOverlap is the Jaccard index of the two messages' lowercased
// word sets. An empty message yields 0; two identical non-empty
// messages yield 1.
func vocabularyOverlap(a, b string) float64 {
	setA, setB := wordSet(a), wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// structuralSimilarity averages three length-based ratios: character
// length, punctuation-mark count, and sentence count, each expressed as
// min/max so identical structure scores 1 regardless of which side is
// "first".
func structuralSimilarity(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	lengthRatio := ratio(float64(len(a)), float64(len(b)))
	punctRatio := ratio(float64(countFunc(a, unicode.IsPunct)), float64(countFunc(b, unicode.IsPunct)))
	sentenceRatio := ratio(float64(countSentences(a)), float64(countSentences(b)))
	return (lengthRatio + punctRatio + sentenceRatio) / 3
}

// styleMatch compares question-mark rate and exclamation-mark rate
// between the two messages.
func styleMatch(a, b string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	qRatio := ratio(rate(a, '?'), rate(b, '?'))
	eRatio := ratio(rate(a, '!'), rate(b, '!'))
	return (qRatio + eRatio) / 2
}

// mimicry measures n-gram overlap between each side of turn and the
// other agent's immediately preceding message in history. With no prior
// turn, mimicry contributes 0.
func mimicry(turn models.Turn, history []models.Turn) float64 {
	if len(history) == 0 {
		return 0
	}
	prev := history[len(history)-1]
	firstVsOther, _ := prev.ByAgent(turn.First.AgentID.Other())
	secondVsOther, _ := prev.ByAgent(turn.Second.AgentID.Other())
	return (ngramOverlap(turn.First.Content, firstVsOther.Content) +
		ngramOverlap(turn.Second.Content, secondVsOther.Content)) / 2
}

const ngramSize = 3

func ngramOverlap(a, b string) float64 {
	gramsA, gramsB := ngrams(a, ngramSize), ngrams(b, ngramSize)
	if len(gramsA) == 0 || len(gramsB) == 0 {
		return 0
	}
	intersection := 0
	for g := range gramsA {
		if _, ok := gramsB[g]; ok {
			intersection++
		}
	}
	union := len(gramsA) + len(gramsB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func ngrams(s string, n int) map[string]struct{} {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{})
	if len(words) < n {
		return set
	}
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return set
}

func ratio(a, b float64) float64 {
	if a == 0 && b == 0 {
		return 1
	}
	if a == 0 || b == 0 {
		return 0
	}
	if a > b {
		return b / a
	}
	return a / b
}

func rate(s string, mark rune) float64 {
	return float64(strings.Count(s, string(mark))) / float64(len(s))
}

func countFunc(s string, f func(rune) bool) int {
	n := 0
	for _, r := range s {
		if f(r) {
			n++
		}
	}
	return n
}

func countSentences(s string) int {
	n := countFunc(s, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	if n == 0 {
		return 1
	}
	return n
}
