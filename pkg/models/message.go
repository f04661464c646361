package models

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID     string `json:"id"`
	Thread string `json:"thread"`
	// Role is "user" or "assistant".
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}
