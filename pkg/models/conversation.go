package models

// Conversation holds the durable metadata for a chat thread. Derived values
// (unread count, last message preview) live in the index, not here.
type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// Participants is the set of member ids; direct chats have exactly two.
	Participants []string `json:"participants"`
	IsGroup      bool     `json:"is_group,omitempty"`
	IsFavorite   bool     `json:"is_favorite,omitempty"`
	// IsDraft marks a conversation created locally with no committed
	// messages yet. Cleared on first commit.
	IsDraft   bool  `json:"is_draft,omitempty"`
	CreatedTS int64 `json:"created_ts,omitempty"`
	// UpdatedTS is the last time thread activity or metadata changed (ns).
	UpdatedTS int64 `json:"updated_ts,omitempty"`
	// LastSeq is the highest committed sequence; the next append gets
	// LastSeq+1. Owned by the store's per-conversation writer.
	LastSeq uint64 `json:"last_seq,omitempty"`
}

// HasParticipant reports whether id is a member of the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Recipients returns all participants except sender.
func (c *Conversation) Recipients(sender string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != sender {
			out = append(out, p)
		}
	}
	return out
}
