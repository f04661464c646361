// Package gateway wraps a generative-text model behind a streaming
// completion contract. The chat controller depends only on the interfaces
// here; the shipped implementation talks to an OpenAI-compatible
// chat-completions API.
package gateway

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when the client is missing its base URL or
// API key.
var ErrNotConfigured = errors.New("model gateway not configured")

// Completer is the streaming-completion capability the controller uses.
// Implementations may fail at any point: before yielding any fragment,
// after k fragments, or by yielding zero fragments then ending cleanly.
// Callers must tolerate all three.
type Completer interface {
	StreamCompletion(ctx context.Context, prompt string) (Stream, error)
}

// Stream yields successive text fragments from the model. Recv returns
// io.EOF after the final fragment; any other error means the completion
// failed and no further fragments will arrive.
type Stream interface {
	Recv() (string, error)
	Close() error
}
