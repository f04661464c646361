package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"chatstream/pkg/auth"
	"chatstream/pkg/chat"
	"chatstream/pkg/logger"
	"chatstream/pkg/utils"

	"github.com/gorilla/mux"
)

var (
	ctrl         *chat.Controller
	maxBodyBytes int64 = 64 * 1024
)

// Configure installs the conversation controller used by the chat
// endpoints. Must be called before the router serves traffic.
func Configure(c *chat.Controller, maxBody int64) {
	ctrl = c
	if maxBody > 0 {
		maxBodyBytes = maxBody
	}
}

// RegisterChat registers the streaming and non-streaming chat routes.
func RegisterChat(r *mux.Router) {
	r.HandleFunc("/threads/{id}/stream", streamChat).Methods(http.MethodPost)
	r.HandleFunc("/threads/{id}/messages", sendChat).Methods(http.MethodPost)
}

type chatRequest struct {
	Content string `json:"content"`
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (owner, threadID, content string, ok bool) {
	owner = auth.OwnerIDFromContext(r.Context())
	if owner == "" {
		utils.JSONError(w, http.StatusUnauthorized, "identity required")
		return "", "", "", false
	}
	threadID = mux.Vars(r)["id"]
	if threadID == "" {
		utils.JSONError(w, http.StatusBadRequest, "thread id missing")
		return "", "", "", false
	}
	var in chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return "", "", "", false
	}
	return owner, threadID, in.Content, true
}

// writeChatError maps controller failures onto HTTP statuses. Only valid
// before any stream bytes are written.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrInvalidInput):
		utils.JSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		utils.JSONError(w, http.StatusNotFound, err.Error())
	default:
		utils.JSONError(w, http.StatusInternalServerError, "unexpected failure")
	}
}

// streamChat handles POST /threads/{id}/stream: the framed event protocol
// over text/event-stream. Failures after the first event cannot change the
// HTTP status; the controller substitutes fallback content instead, so a
// started stream always ends with ai_message_complete and [DONE].
func streamChat(w http.ResponseWriter, r *http.Request) {
	owner, threadID, content, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	fr, err := chat.NewFramer(w)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := ctrl.StreamReply(r.Context(), owner, threadID, content, fr); err != nil {
		if !fr.Started() {
			writeChatError(w, err)
			return
		}
		// Headers are out; all we can do is log and drop the connection.
		logger.Error("stream_failed_midflight", "thread", threadID, "error", err)
	}
}

// sendChat handles POST /threads/{id}/messages: the synchronous sibling of
// the streaming endpoint, for consumers that cannot read event streams.
func sendChat(w http.ResponseWriter, r *http.Request) {
	owner, threadID, content, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}
	res, err := ctrl.SendReply(r.Context(), owner, threadID, content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, res)
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
