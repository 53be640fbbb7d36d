package models

import "time"

// ConversationBranch records that a conversation was seeded from another
// conversation's history rather than started fresh. A branch always
// inherits the first 2*BranchPointTurn messages of its parent byte-for-byte
// and continues independently from there; there is no merge-back.
type ConversationBranch struct {
	// ParentConversationID is the conversation this one was forked from.
	ParentConversationID string `json:"parent_conversation_id"`

	// BranchPointTurn is the last turn of the parent inherited in full.
	BranchPointTurn int `json:"branch_point_turn"`

	// CreatedAt is when the branch was seeded.
	CreatedAt time.Time `json:"created_at"`
}
