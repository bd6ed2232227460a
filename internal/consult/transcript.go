package consult

import (
	"slices"

	"consult-chat/internal/models"
)

// Transcript is the ordered list of messages shown for the active room.
type Transcript struct {
	entries []models.ChatMessage
}

func (t *Transcript) Append(m models.ChatMessage) {
	t.entries = append(t.entries, m)
}

func (t *Transcript) Clear() {
	t.entries = nil
}

func (t *Transcript) Len() int { return len(t.entries) }

// Entries returns a copy in display order.
func (t *Transcript) Entries() []models.ChatMessage {
	return slices.Clone(t.entries)
}
