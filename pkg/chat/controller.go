package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chatstream/pkg/gateway"
	"chatstream/pkg/logger"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
	"chatstream/pkg/telemetry"
	"chatstream/pkg/utils"
)

// Pre-stream failure taxonomy. Handlers map these onto HTTP statuses before
// any bytes of the event stream are written.
var (
	// ErrInvalidInput rejects empty or whitespace-only message text.
	ErrInvalidInput = errors.New("message content is required")
	// ErrNotFound covers missing threads, soft-deleted threads and threads
	// owned by someone else; callers cannot distinguish the three.
	ErrNotFound = errors.New("thread not found")
)

// Options carries the controller tunables. The preamble and fallback text
// are configuration, not logic.
type Options struct {
	SystemPreamble string
	FallbackText   string
	HistoryWindow  int
	GatewayTimeout time.Duration
}

// Controller orchestrates message receipt, persistence, model invocation
// and framing for one chat request at a time.
type Controller struct {
	completer gateway.Completer
	opts      Options
}

// NewController builds a controller around the given streaming completer.
func NewController(completer gateway.Completer, opts Options) *Controller {
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = 10
	}
	return &Controller{completer: completer, opts: opts}
}

// SendResult is the outcome of a processed chat message, returned as JSON
// by the non-streaming endpoint.
type SendResult struct {
	UserMessage models.Message       `json:"userMessage"`
	AIMessage   models.Message       `json:"aiMessage"`
	Thread      models.ThreadSummary `json:"thread"`
}

// eventSink receives protocol events as the controller produces them. The
// streaming endpoint frames them onto the response; the sync endpoint
// discards them.
type eventSink interface {
	emit(Event) error
}

type discardSink struct{}

func (discardSink) emit(Event) error { return nil }

type framerSink struct{ f *Framer }

func (s framerSink) emit(ev Event) error { return s.f.WriteEvent(ev) }

// guardedSink stops emitting after the first write failure (a client that
// disconnected mid-stream); persistence continues regardless.
type guardedSink struct {
	inner eventSink
	dead  bool
}

var errSinkClosed = errors.New("event sink closed")

func (g *guardedSink) emit(ev Event) error {
	if g.dead {
		return errSinkClosed
	}
	if err := g.inner.emit(ev); err != nil {
		g.dead = true
		return err
	}
	return nil
}

// StreamReply runs the full pipeline for one user message, framing events
// onto fr. Pre-stream failures (validation, lookup) return an error before
// any event is written; once streaming begins the stream always terminates
// with exactly one ai_message_complete followed by [DONE], substituting the
// fallback reply if the model fails partway.
func (c *Controller) StreamReply(ctx context.Context, owner, threadID, content string, fr *Framer) error {
	start := time.Now()
	telemetry.StreamsStarted.Inc()
	_, err := c.process(ctx, owner, threadID, content, framerSink{f: fr})
	if err != nil {
		return err
	}
	if err := fr.WriteDone(); err != nil {
		return nil // client went away after complete; nothing left to do
	}
	telemetry.StreamsCompleted.Inc()
	telemetry.StreamDuration.Observe(time.Since(start).Seconds())
	return nil
}

// SendReply runs the same pipeline without streaming and returns both
// persisted messages plus a thread summary.
func (c *Controller) SendReply(ctx context.Context, owner, threadID, content string) (*SendResult, error) {
	return c.process(ctx, owner, threadID, content, discardSink{})
}

func (c *Controller) process(ctx context.Context, owner, threadID, content string, rawSink eventSink) (*SendResult, error) {
	sink := &guardedSink{inner: rawSink}
	if strings.TrimSpace(content) == "" {
		return nil, ErrInvalidInput
	}

	// Ownership check is mandatory; a thread owned by someone else must be
	// indistinguishable from a missing one.
	thread, err := store.GetThread(threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("thread lookup failed: %w", err)
	}
	if thread.Deleted || thread.Owner != owner {
		return nil, ErrNotFound
	}

	// History is captured before the new message is appended so the window
	// holds only prior messages.
	history, err := store.ListMessages(threadID, c.opts.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("history lookup failed: %w", err)
	}

	// The user message is persisted before the model is invoked; user input
	// survives even when generation fails.
	userMsg := models.Message{
		ID:      utils.GenID(),
		Thread:  threadID,
		Role:    models.RoleUser,
		Content: content,
		TS:      time.Now().UTC().UnixNano(),
	}
	if err := store.AppendMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if _, err := store.UpdateThread(threadID, func(t *models.Thread) error {
		t.UpdatedTS = userMsg.TS
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	_ = sink.emit(Event{Type: EventUserMessage, Message: &userMsg})

	// The assistant message id exists before any content does, so the
	// consumer can address partial content to the in-progress message.
	aiID := utils.GenID()
	_ = sink.emit(Event{Type: EventAIMessageStart, ID: aiID, TS: time.Now().UTC().UnixNano()})

	prompt := BuildPrompt(c.opts.SystemPreamble, history, c.opts.HistoryWindow, content)
	full, fellBack := c.generate(ctx, prompt, aiID, sink)

	aiMsg := models.Message{
		ID:      aiID,
		Thread:  threadID,
		Role:    models.RoleAssistant,
		Content: full,
		TS:      time.Now().UTC().UnixNano(),
	}
	if err := store.AppendMessage(aiMsg); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}
	thread, err = store.UpdateThread(threadID, func(t *models.Thread) error {
		t.UpdatedTS = aiMsg.TS
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	count, err := store.CountMessages(threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	summary := models.ThreadSummary{
		ID:           thread.ID,
		Title:        thread.Title,
		MessageCount: count,
		UpdatedTS:    thread.UpdatedTS,
	}

	_ = sink.emit(Event{Type: EventAIMessageComplete, Message: &aiMsg, Thread: &summary})
	if fellBack {
		telemetry.ModelFallbacks.Inc()
	}
	logger.Info("chat_reply_persisted", "thread", threadID, "user_msg", userMsg.ID, "ai_msg", aiMsg.ID, "fallback", fellBack)

	return &SendResult{UserMessage: userMsg, AIMessage: aiMsg, Thread: summary}, nil
}

// generate streams fragments from the model, emitting a chunk event per
// fragment, and returns the final assistant content. Any gateway failure -
// immediate, after k fragments, a timeout, or an empty completion - yields
// the fixed fallback text; a client-side cancellation keeps whatever was
// generated up to the abort so it can still be persisted.
func (c *Controller) generate(ctx context.Context, prompt, aiID string, sink eventSink) (string, bool) {
	gwCtx, cancel := gateway.WithTimeout(ctx, c.opts.GatewayTimeout)
	defer cancel()

	stream, err := c.completer.StreamCompletion(gwCtx, prompt)
	if err != nil {
		logger.Warn("model_unavailable", "error", err)
		return c.opts.FallbackText, true
	}
	defer stream.Close()

	var full strings.Builder
	for {
		fragment, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				// Client aborted; keep the partial content for persistence.
				logger.Info("stream_cancelled_by_client", "ai_msg", aiID, "partial_len", full.Len())
				return full.String(), false
			}
			logger.Warn("model_stream_failed", "ai_msg", aiID, "partial_len", full.Len(), "error", err)
			return c.opts.FallbackText, true
		}
		full.WriteString(fragment)
		if sink.emit(Event{Type: EventAIMessageChunk, ID: aiID, Content: fragment, FullContent: full.String()}) == nil {
			telemetry.ChunksEmitted.Inc()
		}
	}
	if full.Len() == 0 {
		// Zero fragments then success: no usable output.
		logger.Warn("model_empty_completion", "ai_msg", aiID)
		return c.opts.FallbackText, true
	}
	return full.String(), false
}
