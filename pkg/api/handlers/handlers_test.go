package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"chatstream/pkg/auth"
	"chatstream/pkg/chat"
	"chatstream/pkg/gateway"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
)

const testFallback = "fallback reply"

// scriptedStream feeds fixed fragments, then a clean end of stream or a
// scripted error.
type scriptedStream struct {
	fragments []string
	finalErr  error
	i         int
}

func (s *scriptedStream) Recv() (string, error) {
	if s.i < len(s.fragments) {
		f := s.fragments[s.i]
		s.i++
		return f, nil
	}
	if s.finalErr != nil {
		return "", s.finalErr
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type scriptedCompleter struct {
	fragments []string
	startErr  error
}

func (c *scriptedCompleter) StreamCompletion(_ context.Context, _ string) (gateway.Stream, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	return &scriptedStream{fragments: c.fragments}, nil
}

// setupServer builds the API over a fresh store with a test identity shim:
// the X-User-ID header is trusted directly, standing in for the auth
// middleware.
func setupServer(t *testing.T, completer gateway.Completer) *httptest.Server {
	t.Helper()
	if err := store.Open(t.TempDir()); err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	Configure(chat.NewController(completer, chat.Options{
		SystemPreamble: "test preamble",
		FallbackText:   testFallback,
		HistoryWindow:  10,
		GatewayTimeout: 5 * time.Second,
	}), 64*1024)

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	RegisterThreads(v1)
	RegisterChat(v1)

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if owner := req.Header.Get("X-User-ID"); owner != "" {
			req = req.WithContext(auth.WithOwner(req.Context(), owner))
		}
		r.ServeHTTP(w, req)
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, user string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return res
}

func decodeBody[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	defer res.Body.Close()
	var out T
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func createTestThread(t *testing.T, srv *httptest.Server, user, title, seed string) models.Thread {
	t.Helper()
	res := doJSON(t, srv, http.MethodPost, "/v1/threads", user, map[string]string{"title": title, "seed": seed})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create thread status = %d", res.StatusCode)
	}
	return decodeBody[models.Thread](t, res)
}

func TestCreateAndGetThread(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	th := createTestThread(t, srv, "alice", "My thread", "seed message")
	if th.ID == "" || th.Owner != "alice" || th.Title != "My thread" {
		t.Fatalf("created thread = %+v", th)
	}

	res := doJSON(t, srv, http.MethodGet, "/v1/threads/"+th.ID, "alice", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get thread status = %d", res.StatusCode)
	}
	got := decodeBody[models.Thread](t, res)
	if got.ID != th.ID {
		t.Fatalf("got thread %s, want %s", got.ID, th.ID)
	}
}

func TestCreateThreadRequiresIdentity(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	res := doJSON(t, srv, http.MethodPost, "/v1/threads", "", map[string]string{"title": "x"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.StatusCode)
	}
	res.Body.Close()
}

type threadList struct {
	Threads []models.ThreadSummary `json:"threads"`
}

func TestListThreadsSummariesAndOrdering(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	older := createTestThread(t, srv, "alice", "older", "first message")
	time.Sleep(5 * time.Millisecond)
	newer := createTestThread(t, srv, "alice", "newer", strings.Repeat("x", 150))
	createTestThread(t, srv, "bob", "not alice's", "hidden")

	res := doJSON(t, srv, http.MethodGet, "/v1/threads", "alice", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", res.StatusCode)
	}
	list := decodeBody[threadList](t, res)
	if len(list.Threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(list.Threads))
	}
	if list.Threads[0].ID != newer.ID || list.Threads[1].ID != older.ID {
		t.Fatalf("threads not sorted by recency: %s then %s", list.Threads[0].ID, list.Threads[1].ID)
	}
	if list.Threads[1].Preview != "first message" {
		t.Fatalf("preview = %q", list.Threads[1].Preview)
	}
	// 150-rune seed truncates to 100 runes plus ellipsis.
	if want := strings.Repeat("x", 100) + "..."; list.Threads[0].Preview != want {
		t.Fatalf("long preview = %q (len %d)", list.Threads[0].Preview, len(list.Threads[0].Preview))
	}
	if list.Threads[0].MessageCount != 1 {
		t.Fatalf("message count = %d", list.Threads[0].MessageCount)
	}
}

func TestThreadOwnershipHidden(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	th := createTestThread(t, srv, "alice", "private", "")

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/v1/threads/" + th.ID, nil},
		{http.MethodPatch, "/v1/threads/" + th.ID, map[string]string{"title": "stolen"}},
		{http.MethodDelete, "/v1/threads/" + th.ID, nil},
		{http.MethodGet, "/v1/threads/" + th.ID + "/messages", nil},
		{http.MethodPost, "/v1/threads/" + th.ID + "/messages", map[string]string{"content": "hi"}},
		{http.MethodPost, "/v1/threads/" + th.ID + "/stream", map[string]string{"content": "hi"}},
	} {
		res := doJSON(t, srv, tc.method, tc.path, "bob", tc.body)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s as bob: status = %d, want 404", tc.method, tc.path, res.StatusCode)
		}
		res.Body.Close()
	}
}

func TestRenameThread(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	th := createTestThread(t, srv, "alice", "old name", "")

	res := doJSON(t, srv, http.MethodPatch, "/v1/threads/"+th.ID, "alice", map[string]string{"title": "new name"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rename status = %d", res.StatusCode)
	}
	got := decodeBody[models.Thread](t, res)
	if got.Title != "new name" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.Rev == 0 {
		t.Fatal("rename did not bump the revision")
	}

	res = doJSON(t, srv, http.MethodPatch, "/v1/threads/"+th.ID, "alice", map[string]string{"title": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty title status = %d, want 400", res.StatusCode)
	}
	res.Body.Close()
}

func TestDeleteThreadSoftDeletes(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	th := createTestThread(t, srv, "alice", "doomed", "")

	res := doJSON(t, srv, http.MethodDelete, "/v1/threads/"+th.ID, "alice", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", res.StatusCode)
	}
	res.Body.Close()

	res = doJSON(t, srv, http.MethodGet, "/v1/threads/"+th.ID, "alice", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", res.StatusCode)
	}
	res.Body.Close()

	res = doJSON(t, srv, http.MethodGet, "/v1/threads", "alice", nil)
	list := decodeBody[threadList](t, res)
	if len(list.Threads) != 0 {
		t.Fatalf("deleted thread still listed: %+v", list.Threads)
	}
}

func TestStreamEndpointFullFlow(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{fragments: []string{"Hel", "lo"}})
	th := createTestThread(t, srv, "alice", "", "")

	res := doJSON(t, srv, http.MethodPost, "/v1/threads/"+th.ID+"/stream", "alice", map[string]string{"content": "Hello there"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read stream: %v", err)
	}

	var types []string
	var lastFull string
	sawDone := false
	for _, frame := range strings.Split(string(raw), "\n\n") {
		if frame == "" {
			continue
		}
		payload := strings.TrimPrefix(frame, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		if sawDone {
			t.Fatalf("frame after [DONE]: %q", payload)
		}
		var ev struct {
			Type        string          `json:"type"`
			FullContent string          `json:"fullContent"`
			Message     *models.Message `json:"message"`
		}
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			t.Fatalf("invalid frame %q: %v", payload, err)
		}
		types = append(types, ev.Type)
		if ev.FullContent != "" {
			lastFull = ev.FullContent
		}
		if ev.Type == "ai_message_complete" && ev.Message.Content != "Hello" {
			t.Fatalf("complete content = %q", ev.Message.Content)
		}
	}
	if !sawDone {
		t.Fatal("stream missing [DONE] terminator")
	}
	want := []string{"user_message", "ai_message_start", "ai_message_chunk", "ai_message_chunk", "ai_message_complete"}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	if lastFull != "Hello" {
		t.Fatalf("cumulative content = %q", lastFull)
	}

	// Both messages are persisted and listable afterwards.
	res = doJSON(t, srv, http.MethodGet, "/v1/threads/"+th.ID+"/messages", "alice", nil)
	msgs := decodeBody[struct {
		Messages []models.Message `json:"messages"`
	}](t, res)
	if len(msgs.Messages) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs.Messages))
	}
	if msgs.Messages[0].Role != models.RoleUser || msgs.Messages[1].Role != models.RoleAssistant {
		t.Fatalf("roles = %s, %s", msgs.Messages[0].Role, msgs.Messages[1].Role)
	}
}

func TestStreamEndpointValidation(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{fragments: []string{"x"}})
	th := createTestThread(t, srv, "alice", "", "")

	res := doJSON(t, srv, http.MethodPost, "/v1/threads/"+th.ID+"/stream", "alice", map[string]string{"content": "   "})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank content status = %d, want 400", res.StatusCode)
	}
	res.Body.Close()

	res = doJSON(t, srv, http.MethodPost, "/v1/threads/th_missing/stream", "alice", map[string]string{"content": "hi"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing thread status = %d, want 404", res.StatusCode)
	}
	body := decodeBody[map[string]string](t, res)
	if body["error"] == "" {
		t.Fatal("error body missing")
	}
}

func TestSendEndpointFallsBackWhenModelFails(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{startErr: fmt.Errorf("model down")})
	th := createTestThread(t, srv, "alice", "", "")

	res := doJSON(t, srv, http.MethodPost, "/v1/threads/"+th.ID+"/messages", "alice", map[string]string{"content": "hi"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", res.StatusCode)
	}
	out := decodeBody[chat.SendResult](t, res)
	if out.AIMessage.Content != testFallback {
		t.Fatalf("assistant content = %q, want fallback", out.AIMessage.Content)
	}
	if out.UserMessage.Content != "hi" || out.Thread.MessageCount != 2 {
		t.Fatalf("send result = %+v", out)
	}
}

func TestMessagesLimitQuery(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{fragments: []string{"ok"}})
	th := createTestThread(t, srv, "alice", "", "")

	for i := 0; i < 3; i++ {
		res := doJSON(t, srv, http.MethodPost, "/v1/threads/"+th.ID+"/messages", "alice", map[string]string{"content": fmt.Sprintf("q%d", i)})
		if res.StatusCode != http.StatusOK {
			t.Fatalf("send %d status = %d", i, res.StatusCode)
		}
		res.Body.Close()
	}

	res := doJSON(t, srv, http.MethodGet, "/v1/threads/"+th.ID+"/messages?limit=2", "alice", nil)
	msgs := decodeBody[struct {
		Messages []models.Message `json:"messages"`
	}](t, res)
	if len(msgs.Messages) != 2 {
		t.Fatalf("limit=2 returned %d messages", len(msgs.Messages))
	}
	if msgs.Messages[len(msgs.Messages)-1].Content != "ok" {
		t.Fatalf("last message = %+v", msgs.Messages[len(msgs.Messages)-1])
	}
}

func TestInvalidJSONRejected(t *testing.T) {
	srv := setupServer(t, &scriptedCompleter{})
	th := createTestThread(t, srv, "alice", "", "")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/threads/"+th.ID+"/stream", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "alice")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}
