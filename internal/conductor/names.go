package conductor

import "regexp"

// nameInstruction is appended to an agent's initial system prompt when
// choose_names is set, verbatim from the original instruction text.
const nameInstruction = "\n\nPlease choose a short name (2-8 characters) for yourself and state it clearly in your first response."

func appendNameInstruction(prompt string) string {
	if prompt == "" {
		return prompt
	}
	return prompt + nameInstruction
}

// nameAnnouncement matches a short self-introduction in an agent's first
// response: "my name is X", "call me X", "I'll go by X", optionally
// quoted. Not grounded in any corpus implementation — the original
// source never shipped an extraction regex, only the instruction text
// the model is asked to follow — so this is a disclosed, self-authored
// heuristic, same category as the convergence scoring weights.
var nameAnnouncement = regexp.MustCompile(`(?i)(?:my name is|call me|i(?:'ll| will) go by|i choose the name)\s*[:\-]?\s*["']?([A-Za-z][A-Za-z0-9]{1,7})["']?`)

// extractChosenName looks for a self-announced name in content, the
// agent's first response after being asked to choose one.
func extractChosenName(content string) (string, bool) {
	m := nameAnnouncement.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}
