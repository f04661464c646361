package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatstream/pkg/logger"
)

// DefaultMaxChunkBytes bounds a single SSE event line from the model.
const DefaultMaxChunkBytes = 64 * 1024

// Client is a streaming client for an OpenAI-compatible chat-completions
// endpoint.
type Client struct {
	baseURL  string
	apiKey   string
	model    string
	maxChunk int64
	http     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithMaxChunkBytes bounds a single streamed event line.
func WithMaxChunkBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxChunk = n
		}
	}
}

// NewClient builds a streaming completions client. Timeouts are applied by
// callers through the request context; streaming responses must not be cut
// by a client-level timeout.
func NewClient(baseURL, apiKey, model string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		model:    model,
		maxChunk: DefaultMaxChunkBytes,
		http:     &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// IsConfigured reports whether the client has enough settings to call out.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.model != ""
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamChunk mirrors one SSE data payload from the completions API.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// StreamCompletion opens a streaming completion for the given prompt and
// returns a Stream of text fragments.
func (c *Client) StreamCompletion(ctx context.Context, prompt string) (Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(completionRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("completions API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return &httpStream{
		body:     resp.Body,
		reader:   bufio.NewReader(resp.Body),
		maxChunk: c.maxChunk,
	}, nil
}

// httpStream decodes `data: ` framed completion chunks into text fragments.
type httpStream struct {
	body     io.ReadCloser
	reader   *bufio.Reader
	maxChunk int64
	done     bool
}

// Recv returns the next non-empty text fragment, io.EOF at end of stream,
// or the transport/decode error that ended the completion.
func (s *httpStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.done = true
			if err == io.EOF {
				return "", io.EOF
			}
			return "", fmt.Errorf("read error: %w", err)
		}
		if int64(len(line)) > s.maxChunk {
			s.done = true
			return "", fmt.Errorf("chunk too large: %d bytes", len(line))
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// A single malformed event does not end the completion.
			logger.Debug("gateway_skip_malformed_chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
		if chunk.Choices[0].FinishReason != "" {
			s.done = true
			return "", io.EOF
		}
	}
}

// Close releases the underlying response body.
func (s *httpStream) Close() error {
	s.done = true
	return s.body.Close()
}

// WithTimeout derives a context bounded by the configured gateway timeout.
// A stalled model call would otherwise hold the request handler open
// indefinitely.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
