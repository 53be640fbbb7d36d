package conductor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tensegrity-ai/pidgin/internal/convergence"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// NewFromBranch constructs a Conductor that continues parentConversationID
// rather than starting fresh: it replays the parent's JSONL up to the
// first 2*branchPointTurn completed messages, seeds the new conversation
// with them, recomputes their convergence history for continuity, and
// resumes the turn loop at branchPointTurn+1.
func NewFromBranch(parentJSONLPath, parentConversationID string, branchPointTurn int, p Params) (*Conductor, error) {
	replayed, err := replayMessages(parentJSONLPath, 2*branchPointTurn)
	if err != nil {
		return nil, fmt.Errorf("conductor: branch from %s: %w", parentJSONLPath, err)
	}

	c := New(p)
	c.branchedFrom = &BranchInfo{ParentConversationID: parentConversationID, BranchPointTurn: branchPointTurn}
	c.branchedMessages = replayed
	c.startTurn = branchPointTurn + 1
	c.history, c.convergenceScores = pairTurns(replayed, c.profile)
	return c, nil
}

// replayMessages scans path's JSONL sequentially and reconstructs the
// canonical Message for every MessageComplete event, stopping once limit
// messages have been collected (or the file is exhausted).
func replayMessages(path string, limit int) ([]models.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() && len(out) < limit {
		var event models.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("parse line: %w", err)
		}
		if event.Type != models.EventMessageComplete || event.MessageComplete == nil {
			continue
		}
		out = append(out, models.Message{
			Role:      models.RoleAssistant,
			Content:   event.MessageComplete.Content,
			AgentID:   event.MessageComplete.AgentID,
			Timestamp: event.Timestamp,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// pairTurns groups replayed messages into consecutive Turn pairs in
// emission order and scores each one, so a branched conversation's
// convergence history and threshold checks stay continuous with its
// parent's instead of restarting from empty.
func pairTurns(messages []models.Message, profile convergence.Profile) ([]models.Turn, []float64) {
	var turns []models.Turn
	var scores []float64
	for i := 0; i+1 < len(messages); i += 2 {
		turn := models.Turn{Index: i/2 + 1, First: messages[i], Second: messages[i+1]}
		scores = append(scores, convergence.Score(turn, turns, profile))
		turns = append(turns, turn)
	}
	return turns, scores
}
