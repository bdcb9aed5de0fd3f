package models

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one prompt turn sent to the text-generation provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
