package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenID returns a new message identifier. UUIDs are used instead of
// wall-clock tokens so concurrent sends cannot collide.
func GenID() string {
	return uuid.New().String()
}

// GenThreadID returns a new thread identifier.
func GenThreadID() string {
	return "th_" + uuid.New().String()
}

// TruncatePreview shortens s to at most n runes for thread list previews,
// appending an ellipsis when content was cut.
func TruncatePreview(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
