package storage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// ErrCorrupt is returned when a stored value cannot be decoded.
var ErrCorrupt = errors.New("corrupt stored value")

// KeyValue is the contract the state models need from persistent storage.
// Implemented by Store.
type KeyValue interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Keys used by the state models.
const (
	KeyDocuments       = "documents"
	KeyUploadHistory   = "uploadHistory"
	KeySelectedIDs     = "selectedHistoryIds"
	KeyChatSessions    = "chatSessions"
	KeyActiveChatID    = "activeChatId"
	KeyChatMode        = "chatMode"
	KeyChatSidebarOpen = "chatSidebarOpen"
)

// GetJSON decodes the JSON value stored under key into v. It returns
// ErrNotFound when the key is absent and an error wrapping ErrCorrupt when
// the stored text does not decode.
func GetJSON(kv KeyValue, key string, v any) error {
	raw, err := kv.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: key %q: %v", ErrCorrupt, key, err)
	}
	return nil
}

// SetJSON encodes v as JSON and stores it under key.
func SetJSON(kv KeyValue, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %q: %w", key, err)
	}
	return kv.Set(key, string(b))
}
