// Package store persists user settings as JSON values under string keys.
//
// Values are stored and returned verbatim; typed access, defaults, and
// recovery from malformed values live in Settings.
package store

import (
	"encoding/json"
	"sync"
)

// Store is a minimal key/value store for JSON documents.
type Store interface {
	// Get returns the raw value for key; ok is false when the key is absent.
	Get(key string) (value json.RawMessage, ok bool, err error)
	Set(key string, value json.RawMessage) error
	Delete(key string) error
}

// Memory is an in-process Store. The zero value is not usable; call NewMemory.
type Memory struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]json.RawMessage)}
}

func (m *Memory) Get(key string) (json.RawMessage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

func (m *Memory) Set(key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
