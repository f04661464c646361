package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"chatstream/pkg/auth"
	"chatstream/pkg/models"
	"chatstream/pkg/store"
	"chatstream/pkg/utils"

	"github.com/gorilla/mux"
)

// previewRunes is how much of the last message thread lists carry.
const previewRunes = 100

// RegisterThreads registers all thread-related HTTP routes on the router.
func RegisterThreads(r *mux.Router) {
	r.HandleFunc("/threads", createThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", listThreads).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", getThread).Methods(http.MethodGet)
	r.HandleFunc("/threads/{id}", renameThread).Methods(http.MethodPatch)
	r.HandleFunc("/threads/{id}", deleteThread).Methods(http.MethodDelete)
	r.HandleFunc("/threads/{id}/messages", listThreadMessages).Methods(http.MethodGet)
}

// ownedThread loads a thread and enforces ownership. Missing, soft-deleted
// and foreign threads are indistinguishable to the caller.
func ownedThread(w http.ResponseWriter, r *http.Request) (models.Thread, bool) {
	var t models.Thread
	id := mux.Vars(r)["id"]
	if id == "" {
		utils.JSONError(w, http.StatusBadRequest, "thread id missing")
		return t, false
	}
	owner := auth.OwnerIDFromContext(r.Context())
	if owner == "" {
		utils.JSONError(w, http.StatusUnauthorized, "identity required")
		return t, false
	}
	t, err := store.GetThread(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.JSONError(w, http.StatusNotFound, "thread not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return t, false
	}
	if t.Deleted || t.Owner != owner {
		utils.JSONError(w, http.StatusNotFound, "thread not found")
		return t, false
	}
	return t, true
}

// createThread handles POST /threads. The body may carry a title and an
// optional seed message appended as the thread's first user message.
func createThread(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerIDFromContext(r.Context())
	if owner == "" {
		utils.JSONError(w, http.StatusUnauthorized, "identity required")
		return
	}
	var in struct {
		Title string `json:"title"`
		Seed  string `json:"seed,omitempty"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil && err.Error() != "EOF" {
			utils.JSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	now := time.Now().UTC().UnixNano()
	t := models.Thread{
		ID:        utils.GenThreadID(),
		Title:     in.Title,
		Owner:     owner,
		CreatedTS: now,
		UpdatedTS: now,
	}
	if err := store.SaveThread(t); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if in.Seed != "" {
		seed := models.Message{
			ID:      utils.GenID(),
			Thread:  t.ID,
			Role:    models.RoleUser,
			Content: in.Seed,
			TS:      now,
		}
		if err := store.AppendMessage(seed); err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	_ = utils.JSONWrite(w, http.StatusCreated, t)
}

// listThreads handles GET /threads: the caller's active threads sorted by
// last activity, each with a preview of the last message.
func listThreads(w http.ResponseWriter, r *http.Request) {
	owner := auth.OwnerIDFromContext(r.Context())
	if owner == "" {
		utils.JSONError(w, http.StatusUnauthorized, "identity required")
		return
	}
	all, err := store.ListThreads()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	var out []models.ThreadSummary
	for _, t := range all {
		if t.Owner != owner || t.Deleted {
			continue
		}
		s := models.ThreadSummary{ID: t.ID, Title: t.Title, UpdatedTS: t.UpdatedTS}
		if n, err := store.CountMessages(t.ID); err == nil {
			s.MessageCount = n
		}
		if last, ok, err := store.LastMessage(t.ID); err == nil && ok {
			s.Preview = utils.TruncatePreview(last.Content, previewRunes)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedTS > out[j].UpdatedTS })
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.ThreadSummary `json:"threads"`
	}{Threads: out})
}

// getThread handles GET /threads/{id}.
func getThread(w http.ResponseWriter, r *http.Request) {
	t, ok := ownedThread(w, r)
	if !ok {
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, t)
}

// renameThread handles PATCH /threads/{id} with body {"title": "..."}.
func renameThread(w http.ResponseWriter, r *http.Request) {
	t, ok := ownedThread(w, r)
	if !ok {
		return
	}
	var in struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if in.Title == "" {
		utils.JSONError(w, http.StatusBadRequest, "title is required")
		return
	}
	updated, err := store.UpdateThread(t.ID, func(t *models.Thread) error {
		t.Title = in.Title
		t.UpdatedTS = time.Now().UTC().UnixNano()
		return nil
	})
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, updated)
}

// deleteThread handles DELETE /threads/{id}: the flag is flipped, messages
// stay until retention purges them.
func deleteThread(w http.ResponseWriter, r *http.Request) {
	t, ok := ownedThread(w, r)
	if !ok {
		return
	}
	if _, err := store.SoftDeleteThread(t.ID); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listThreadMessages handles GET /threads/{id}/messages. An optional
// "limit" query parameter keeps only the most recent messages.
func listThreadMessages(w http.ResponseWriter, r *http.Request) {
	t, ok := ownedThread(w, r)
	if !ok {
		return
	}
	msgs, err := store.ListMessages(t.ID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := parsePositive(limStr); err == nil && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Messages []models.Message `json:"messages"`
	}{Thread: t.ID, Messages: msgs})
}
