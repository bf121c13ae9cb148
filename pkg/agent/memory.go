package agent

import "github.com/simloom/simloom/pkg/models"

// ShortTermMemory is an agent's ordered conversation history. Insertion
// order is significant and entries are never deduplicated.
type ShortTermMemory struct {
	entries []models.Message
}

// NewShortTermMemory creates an empty memory.
func NewShortTermMemory() *ShortTermMemory {
	return &ShortTermMemory{}
}

// Append adds one entry. O(1).
func (m *ShortTermMemory) Append(role models.Role, content string, media []string) {
	m.entries = append(m.entries, models.Message{Role: role, Content: content, Media: media})
}

// Len returns the number of entries.
func (m *ShortTermMemory) Len() int { return len(m.entries) }

// Last returns the most recent entry and true, or false when empty.
func (m *ShortTermMemory) Last() (models.Message, bool) {
	if len(m.entries) == 0 {
		return models.Message{}, false
	}
	return m.entries[len(m.entries)-1], true
}

// Messages returns a copy of the chat-formatted history.
func (m *ShortTermMemory) Messages() []models.Message {
	return append([]models.Message(nil), m.entries...)
}

// Tail returns up to n most recent entries.
func (m *ShortTermMemory) Tail(n int) []models.Message {
	if n <= 0 || n >= len(m.entries) {
		return m.Messages()
	}
	return append([]models.Message(nil), m.entries[len(m.entries)-n:]...)
}

// Clone deep-copies the memory.
func (m *ShortTermMemory) Clone() *ShortTermMemory {
	out := &ShortTermMemory{entries: make([]models.Message, len(m.entries))}
	for i, e := range m.entries {
		out.entries[i] = models.Message{
			Role:    e.Role,
			Content: e.Content,
			Media:   append([]string(nil), e.Media...),
		}
	}
	return out
}
