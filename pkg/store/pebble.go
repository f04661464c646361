package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatstream/pkg/logger"
	"chatstream/pkg/models"

	"github.com/cockroachdb/pebble"
)

var db *pebble.DB

// ErrNotFound is returned when a thread or message does not exist.
var ErrNotFound = errors.New("not found")

// seq is a small counter so message keys stay unique when multiple appends
// share the same nanosecond timestamp.
var seq uint64

// threadLocks serializes read-modify-write cycles per thread. Combined with
// the Rev check in UpdateThread this closes the lost-update race between
// concurrent streams on the same thread.
var threadLocks sync.Map

func lockThread(id string) *sync.Mutex {
	v, _ := threadLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Open opens (or creates) a Pebble database at the given path and keeps a
// global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return err
	}
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return err
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

func threadMetaKey(threadID string) []byte {
	return []byte("thread:" + threadID + ":meta")
}

func msgPrefix(threadID string) []byte {
	return []byte("thread:" + threadID + ":msg:")
}

// SaveThread stores thread metadata under its reserved key. Callers that
// mutate an existing thread should prefer UpdateThread.
func SaveThread(t models.Thread) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal thread: %w", err)
	}
	if err := db.Set(threadMetaKey(t.ID), b, pebble.Sync); err != nil {
		logger.Error("save_thread_failed", "thread", t.ID, "error", err)
		return err
	}
	logger.Debug("thread_saved", "thread", t.ID, "rev", t.Rev)
	return nil
}

// GetThread returns the stored thread metadata for a given thread ID.
func GetThread(threadID string) (models.Thread, error) {
	var t models.Thread
	if db == nil {
		return t, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get(threadMetaKey(threadID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return t, ErrNotFound
		}
		return t, err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, &t); err != nil {
		return t, fmt.Errorf("invalid stored thread %s: %w", threadID, err)
	}
	return t, nil
}

// UpdateThread applies mutate to the stored thread under the thread lock and
// persists the result with an incremented revision. Every mutation of an
// existing thread must go through here; a stale in-flight copy can then
// never clobber a newer one.
func UpdateThread(threadID string, mutate func(*models.Thread) error) (models.Thread, error) {
	var t models.Thread
	if db == nil {
		return t, fmt.Errorf("pebble not opened; call store.Open first")
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	t, err := GetThread(threadID)
	if err != nil {
		return t, err
	}
	if err := mutate(&t); err != nil {
		return t, err
	}
	t.Rev++
	if err := SaveThread(t); err != nil {
		return t, err
	}
	return t, nil
}

// SoftDeleteThread marks the thread as deleted. Messages stay in place and
// are hidden via the thread flag; retention purges them later.
func SoftDeleteThread(threadID string) (models.Thread, error) {
	t, err := UpdateThread(threadID, func(t *models.Thread) error {
		t.Deleted = true
		t.DeletedTS = time.Now().UTC().UnixNano()
		t.UpdatedTS = t.DeletedTS
		return nil
	})
	if err != nil {
		return t, err
	}
	logger.Info("thread_soft_deleted", "thread", threadID)
	return t, nil
}

// ListThreads returns all stored threads.
func ListThreads() ([]models.Thread, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := []byte("thread:")
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Thread
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		if !strings.HasSuffix(string(iter.Key()), ":meta") {
			continue
		}
		var t models.Thread
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			logger.Warn("skip_invalid_thread", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, iter.Error()
}

// AppendMessage appends a message to a thread under a sortable key so
// iteration order equals insertion order.
func AppendMessage(m models.Message) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	if m.Thread == "" {
		return fmt.Errorf("message missing thread id")
	}
	ts := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("thread:%s:msg:%020d-%06d", m.Thread, ts, s)
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := db.Set([]byte(key), b, pebble.Sync); err != nil {
		logger.Error("append_message_failed", "thread", m.Thread, "key", key, "error", err)
		return err
	}
	logger.Debug("message_appended", "thread", m.Thread, "id", m.ID, "role", m.Role)
	return nil
}

// ListMessages returns all messages for a thread in insertion order. An
// optional limit keeps only the most recent messages.
func ListMessages(threadID string, limit ...int) ([]models.Message, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(threadID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []models.Message
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var m models.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			logger.Warn("skip_invalid_message", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if len(limit) > 0 && limit[0] >= 0 && limit[0] < len(out) {
		out = out[len(out)-limit[0]:]
	}
	return out, nil
}

// CountMessages returns the number of messages stored for a thread.
func CountMessages(threadID string) (int, error) {
	if db == nil {
		return 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	prefix := msgPrefix(threadID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		n++
	}
	return n, iter.Error()
}

// LastMessage returns the most recent message in a thread, or false when
// the thread has none.
func LastMessage(threadID string) (models.Message, bool, error) {
	var m models.Message
	msgs, err := ListMessages(threadID, 1)
	if err != nil {
		return m, false, err
	}
	if len(msgs) == 0 {
		return m, false, nil
	}
	return msgs[len(msgs)-1], true, nil
}

// PurgeThread removes the thread metadata and every message key. Used by
// retention after the soft-delete period expires.
func PurgeThread(threadID string) error {
	if db == nil {
		return fmt.Errorf("pebble not opened; call store.Open first")
	}
	mu := lockThread(threadID)
	mu.Lock()
	defer mu.Unlock()

	prefix := msgPrefix(threadID)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	var keys [][]byte
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	if err := iter.Close(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	if err := db.Delete(threadMetaKey(threadID), pebble.Sync); err != nil {
		return err
	}
	threadLocks.Delete(threadID)
	logger.Info("thread_purged", "thread", threadID, "messages", len(keys))
	return nil
}
