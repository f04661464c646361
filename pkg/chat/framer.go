package chat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Framer encodes protocol events onto an HTTP response body as
// line-oriented `data: ` frames, flushing after every event so clients see
// fragments as they are produced.
type Framer struct {
	w       io.Writer
	fl      http.Flusher
	started bool
}

// NewFramer prepares w for event streaming and sets the SSE response
// headers. It fails when the ResponseWriter cannot flush incrementally.
func NewFramer(w http.ResponseWriter) (*Framer, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &Framer{w: w, fl: fl}, nil
}

// NewWriterFramer wraps a plain writer without touching HTTP headers. Used
// by tests and non-HTTP transports; flushing is a no-op unless w flushes.
func NewWriterFramer(w io.Writer) *Framer {
	fl, _ := w.(http.Flusher)
	return &Framer{w: w, fl: fl}
}

// WriteEvent frames one event and flushes it to the client.
func (f *Framer) WriteEvent(ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	f.started = true
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", b); err != nil {
		return err
	}
	f.flush()
	return nil
}

// Started reports whether any bytes were framed yet. Handlers use it to
// decide between an HTTP error status and silently closing the stream.
func (f *Framer) Started() bool { return f.started }

// WriteDone emits the stream terminator. The transport is closed by the
// caller after this; no further data may follow.
func (f *Framer) WriteDone() error {
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", DoneToken); err != nil {
		return err
	}
	f.flush()
	return nil
}

func (f *Framer) flush() {
	if f.fl != nil {
		f.fl.Flush()
	}
}
