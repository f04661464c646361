package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"
)

// ErrStreamBusy rejects a send attempted while another stream is in flight
// on the same consumer.
var ErrStreamBusy = errors.New("wait for the current message to finish")

// ErrStreamInterrupted is surfaced through OnError when the transport drops
// mid-stream for any reason other than an explicit cancel.
var ErrStreamInterrupted = errors.New("connection interrupted, please try again")

// ConsumerState tracks where the consumer is in its lifecycle. Every state
// except StateStreaming accepts a new send.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateStreaming
	StateCancelled
	StateCompleted
	StateErrored
)

func (s ConsumerState) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "idle"
	}
}

// Callbacks are invoked per decoded event, in arrival order, from the
// goroutine running Send. Nil callbacks are skipped.
type Callbacks struct {
	OnUserMessage       func(models.Message)
	OnAIMessageStart    func(id string, ts int64)
	OnAIMessageChunk    func(id, fragment, fullContent string)
	OnAIMessageComplete func(models.Message, models.ThreadSummary)
	OnError             func(error)
}

// Consumer opens streaming chat requests against a chatstream server,
// decodes the event protocol incrementally and drives caller callbacks. At
// most one stream is in flight per consumer instance.
type Consumer struct {
	baseURL string
	headers http.Header
	http    *http.Client

	mu     sync.Mutex
	state  ConsumerState
	cancel context.CancelFunc
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerHTTPClient overrides the transport client.
func WithConsumerHTTPClient(h *http.Client) ConsumerOption {
	return func(c *Consumer) { c.http = h }
}

// WithHeader adds a header (API key, identity) to every request.
func WithHeader(key, value string) ConsumerOption {
	return func(c *Consumer) { c.headers.Set(key, value) }
}

// NewConsumer builds a consumer for the given server base URL.
func NewConsumer(baseURL string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		baseURL: strings.TrimRight(baseURL, "/"),
		headers: http.Header{},
		http:    &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the consumer's current lifecycle state.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send posts content to the thread's streaming endpoint and blocks until
// the stream terminates, dispatching callbacks as events arrive. A send
// attempted while another is streaming returns ErrStreamBusy without
// touching the transport. Cancellation mid-stream stops callbacks without
// returning an error; partial state already applied is left as-is.
func (c *Consumer) Send(ctx context.Context, threadID, content string, cb Callbacks) error {
	c.mu.Lock()
	if c.state == StateStreaming {
		c.mu.Unlock()
		return ErrStreamBusy
	}
	streamCtx, cancel := context.WithCancel(ctx)
	c.state = StateStreaming
	c.cancel = cancel
	c.mu.Unlock()

	final, err := c.run(streamCtx, threadID, content, cb)

	c.mu.Lock()
	// Cancel may have won the race while run was unwinding.
	if c.state == StateCancelled {
		final = StateCancelled
		err = nil
	}
	c.state = final
	c.cancel = nil
	c.mu.Unlock()
	cancel()

	if err != nil && cb.OnError != nil {
		cb.OnError(ErrStreamInterrupted)
	}
	return err
}

// Cancel aborts the in-flight stream, if any. The server-side model call
// cannot be stopped; the consumer simply stops listening.
func (c *Consumer) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStreaming || c.cancel == nil {
		return
	}
	c.state = StateCancelled
	c.cancel()
}

func (c *Consumer) run(ctx context.Context, threadID, content string, cb Callbacks) (ConsumerState, error) {
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return StateErrored, fmt.Errorf("failed to marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1/threads/%s/stream", c.baseURL, threadID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return StateErrored, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isCancel(ctx, err) {
			return StateCancelled, nil
		}
		return StateErrored, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return StateErrored, fmt.Errorf("stream refused: %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	return c.consume(ctx, resp.Body, cb)
}

// consume reads the body as arbitrary byte chunks, reassembles complete
// lines through a carry-over buffer and applies protocol events.
func (c *Consumer) consume(ctx context.Context, body io.Reader, cb Callbacks) (ConsumerState, error) {
	var split lineSplitter
	buf := make([]byte, 4096)
	sawComplete := false

	for {
		if ctx.Err() != nil {
			return StateCancelled, nil
		}
		n, err := body.Read(buf)
		if n > 0 {
			for _, line := range split.feed(buf[:n]) {
				done, ok := c.apply(line, cb, &sawComplete)
				if done {
					if ok {
						return StateCompleted, nil
					}
					return StateErrored, fmt.Errorf("stream terminated without completion event")
				}
			}
		}
		if err != nil {
			if err == io.EOF || isCancel(ctx, err) {
				if ctx.Err() != nil {
					return StateCancelled, nil
				}
				// EOF before [DONE] is a transport-level interruption.
				return StateErrored, fmt.Errorf("stream ended before terminator")
			}
			return StateErrored, fmt.Errorf("read error: %w", err)
		}
	}
}

// apply interprets one complete line. It returns done=true on the
// terminator, with ok reporting whether a well-formed ai_message_complete
// preceded it. Malformed event lines are logged and skipped, never fatal.
func (c *Consumer) apply(line string, cb Callbacks, sawComplete *bool) (done, ok bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" || !strings.HasPrefix(line, "data: ") {
		return false, false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
	if payload == DoneToken {
		return true, *sawComplete
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		logger.Warn("skip_malformed_event", "error", err)
		return false, false
	}
	switch ev.Type {
	case EventUserMessage:
		if ev.Message != nil && cb.OnUserMessage != nil {
			cb.OnUserMessage(*ev.Message)
		}
	case EventAIMessageStart:
		if cb.OnAIMessageStart != nil {
			cb.OnAIMessageStart(ev.ID, ev.TS)
		}
	case EventAIMessageChunk:
		if cb.OnAIMessageChunk != nil {
			cb.OnAIMessageChunk(ev.ID, ev.Content, ev.FullContent)
		}
	case EventAIMessageComplete:
		*sawComplete = true
		if ev.Message != nil && cb.OnAIMessageComplete != nil {
			var summary models.ThreadSummary
			if ev.Thread != nil {
				summary = *ev.Thread
			}
			cb.OnAIMessageComplete(*ev.Message, summary)
		}
	default:
		logger.Warn("skip_unknown_event", "type", ev.Type)
	}
	return false, false
}

func isCancel(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// lineSplitter reassembles complete lines from arbitrary byte chunks. The
// transport does not align reads with line or event boundaries, so any
// trailing partial line is retained for the next feed.
type lineSplitter struct {
	carry []byte
}

// feed appends p to the carried bytes and returns all complete lines,
// without their trailing newline.
func (s *lineSplitter) feed(p []byte) []string {
	s.carry = append(s.carry, p...)
	var lines []string
	for {
		i := bytes.IndexByte(s.carry, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, string(s.carry[:i]))
		s.carry = s.carry[i+1:]
	}
}
