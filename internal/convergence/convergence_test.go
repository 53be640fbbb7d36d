package convergence

import (
	"math"
	"testing"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

func turn(first, second string) models.Turn {
	return models.Turn{
		First:  models.Message{AgentID: models.AgentA, Content: first},
		Second: models.Message{AgentID: models.AgentB, Content: second},
	}
}

func TestPresetsSumToOne(t *testing.T) {
	for name, p := range map[string]Profile{
		"balanced":   Balanced(),
		"structural": Structural(),
		"semantic":   Semantic(),
		"strict":     Strict(),
	} {
		if err := p.Validate(); err != nil {
			t.Errorf("%s: Validate() error = %v", name, err)
		}
	}
}

func TestStrictWeightsStructuralAndVocabularyMoreThanBalanced(t *testing.T) {
	strict, balanced := Strict(), Balanced()
	if strict.Structural <= balanced.Structural {
		t.Errorf("strict.Structural (%v) should exceed balanced.Structural (%v)", strict.Structural, balanced.Structural)
	}
	if strict.Vocabulary <= balanced.Vocabulary {
		t.Errorf("strict.Vocabulary (%v) should exceed balanced.Vocabulary (%v)", strict.Vocabulary, balanced.Vocabulary)
	}
}

func TestSemanticWeightsLexicalMoreThanStructural(t *testing.T) {
	semantic := Semantic()
	if semantic.Vocabulary <= semantic.Structural {
		t.Errorf("semantic.Vocabulary (%v) should exceed semantic.Structural (%v)", semantic.Vocabulary, semantic.Structural)
	}
}

func TestValidateRejectsWeightsNotSummingToOne(t *testing.T) {
	p := Profile{Vocabulary: 0.5, Structural: 0.5, Style: 0.5, Mimicry: 0.5}
	if err := p.Validate(); err == nil {
		t.Fatal("expected an error for weights summing to 2.0")
	}
}

func TestValidateRejectsNegativeWeight(t *testing.T) {
	p := Profile{Vocabulary: -0.1, Structural: 0.4, Style: 0.4, Mimicry: 0.3}
	if err := p.Validate(); err == nil {
		t.Fatal("expected an error for a negative weight")
	}
}

func TestScoreIdenticalMessagesIsOne(t *testing.T) {
	tu := turn("hello there, how are you?", "hello there, how are you?")
	got := Score(tu, nil, Balanced())
	if math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Score() = %v, want 1.0 for identical messages with no mimicry history", got)
	}
}

func TestScoreEmptyMessageComponentIsZero(t *testing.T) {
	got := vocabularyOverlap("", "hello")
	if got != 0 {
		t.Errorf("vocabularyOverlap(\"\", ...) = %v, want 0", got)
	}
	got = structuralSimilarity("", "hello")
	if got != 0 {
		t.Errorf("structuralSimilarity(\"\", ...) = %v, want 0", got)
	}
}

func TestScoreIsClampedToUnitInterval(t *testing.T) {
	tu := turn("identical text here", "identical text here")
	got := Score(tu, nil, Profile{Vocabulary: 1, Structural: 1, Style: 1, Mimicry: 1})
	if got > 1 {
		t.Errorf("Score() = %v, want <= 1", got)
	}
}

func TestVocabularyOverlapIsSymmetric(t *testing.T) {
	a, b := "the quick brown fox", "the slow brown dog"
	if vocabularyOverlap(a, b) != vocabularyOverlap(b, a) {
		t.Error("vocabularyOverlap should be symmetric")
	}
}

func TestMimicryZeroWithoutHistory(t *testing.T) {
	tu := turn("a", "b")
	got := mimicry(tu, nil)
	if got != 0 {
		t.Errorf("mimicry() = %v, want 0 with no history", got)
	}
}

func TestMimicryDetectsSharedPhrasing(t *testing.T) {
	prev := turn("the weather today is quite pleasant indeed", "the weather today is quite pleasant indeed")
	history := []models.Turn{prev}
	current := turn("the weather today is quite pleasant indeed", "something completely different entirely")

	got := mimicry(current, history)
	if got <= 0 {
		t.Errorf("mimicry() = %v, want > 0 when one side repeats the other's prior phrasing", got)
	}
}
