package documents

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/docchat/internal/storage"
)

// Document is an uploaded document as known to the client.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// Selection tracks the upload history and which history entries are active
// for retrieval-augmented chat. The id set is the only source of truth; the
// active list is derived from it on every read.
type Selection struct {
	store storage.KeyValue

	mu       sync.RWMutex
	history  []Document
	selected map[string]struct{}
}

// NewSelection returns an empty Selection that persists to store.
func NewSelection(store storage.KeyValue) *Selection {
	return &Selection{
		store:    store,
		selected: make(map[string]struct{}),
	}
}

// Load restores a Selection from store. Unreadable values are logged and
// treated as absent.
func Load(store storage.KeyValue) *Selection {
	s := NewSelection(store)

	var history []Document
	if err := storage.GetJSON(store, storage.KeyUploadHistory, &history); err != nil {
		logReadFailure(storage.KeyUploadHistory, err)
	}
	s.history = dedupe(history)

	var ids []string
	err := storage.GetJSON(store, storage.KeySelectedIDs, &ids)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		// Older state only has the active list.
		var active []Document
		if aerr := storage.GetJSON(store, storage.KeyDocuments, &active); aerr != nil {
			logReadFailure(storage.KeyDocuments, aerr)
		}
		for _, d := range active {
			ids = append(ids, d.ID)
		}
	default:
		logReadFailure(storage.KeySelectedIDs, err)
	}

	for _, id := range ids {
		if s.indexOf(id) >= 0 {
			s.selected[id] = struct{}{}
		} else {
			slog.Debug("dropping selected id without history entry", "id", id)
		}
	}
	return s
}

func logReadFailure(key string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	slog.Warn("ignoring unreadable stored value", "key", key, "error", err)
}

func dedupe(docs []Document) []Document {
	seen := make(map[string]struct{}, len(docs))
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			continue
		}
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out
}

// RecordUpload puts doc at the head of the history and selects it. An
// existing entry with the same id is replaced.
func (s *Selection) RecordUpload(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(doc.ID); i >= 0 {
		s.history = append(s.history[:i], s.history[i+1:]...)
	}
	s.history = append([]Document{doc}, s.history...)
	s.selected[doc.ID] = struct{}{}
	s.persist()
}

// Toggle flips the selection of the history entry with the given id and
// reports whether the entry exists.
func (s *Selection) Toggle(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOf(id) < 0 {
		return false
	}
	if _, ok := s.selected[id]; ok {
		delete(s.selected, id)
	} else {
		s.selected[id] = struct{}{}
	}
	s.persist()
	return true
}

// RemoveFromActive deselects id without touching the history.
func (s *Selection) RemoveFromActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.selected[id]; !ok {
		return
	}
	delete(s.selected, id)
	s.persist()
}

// ClearHistory forgets every history entry and selection.
func (s *Selection) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = nil
	s.selected = make(map[string]struct{})
	s.persist()
}

// History returns the upload history, most recent first.
func (s *Selection) History() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Document, len(s.history))
	copy(out, s.history)
	return out
}

// Active returns the selected history entries in history order.
func (s *Selection) Active() []Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active()
}

// ActiveIDs returns the ids of Active.
func (s *Selection) ActiveIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.active()
	ids := make([]string, len(active))
	for i, d := range active {
		ids[i] = d.ID
	}
	return ids
}

// IsSelected reports whether id is currently active.
func (s *Selection) IsSelected(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.selected[id]
	return ok
}

// Find returns the history entry with the given id.
func (s *Selection) Find(id string) (Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.history[i], true
	}
	return Document{}, false
}

func (s *Selection) active() []Document {
	out := make([]Document, 0, len(s.selected))
	for _, d := range s.history {
		if _, ok := s.selected[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (s *Selection) indexOf(id string) int {
	for i, d := range s.history {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// persist mirrors state into the store. Write failures are logged; the
// in-memory state stays authoritative. Callers hold s.mu.
func (s *Selection) persist() {
	active := s.active()
	ids := make([]string, len(active))
	for i, d := range active {
		ids[i] = d.ID
	}
	history := s.history
	if history == nil {
		history = []Document{}
	}

	writes := []struct {
		key string
		v   any
	}{
		{storage.KeyUploadHistory, history},
		{storage.KeySelectedIDs, ids},
		{storage.KeyDocuments, active},
	}
	for _, w := range writes {
		if err := storage.SetJSON(s.store, w.key, w.v); err != nil {
			slog.Warn("persisting document state", "key", w.key, "error", err)
		}
	}
}
