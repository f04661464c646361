package chat

import (
	"strings"

	"chatstream/pkg/models"
)

// BuildPrompt assembles the bounded context window sent to the model: the
// system preamble, the most recent `window` prior messages serialized as
// `role: content` lines, and the new user message as the final line.
func BuildPrompt(preamble string, history []models.Message, window int, newContent string) string {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(preamble))
	b.WriteString("\n\n")
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(models.RoleUser)
	b.WriteString(": ")
	b.WriteString(newContent)
	return b.String()
}
