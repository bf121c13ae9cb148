package models

// Role identifies the author of a conversation entry.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of an agent's conversation memory or of an outbound
// LLM request. Media holds attachment references (URLs); clients that cannot
// consume them substitute "[image: url]" placeholders.
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
}
