package resolver

import (
	"sync"

	"golang.org/x/sync/singleflight"

	"idlgateway/internal/idl"
)

type memoEntry struct {
	schema *idl.Schema
	err    error
}

// Memo holds the schemas resolved while serving one inbound request.
type Memo struct {
	mu    sync.RWMutex
	data  map[string]memoEntry
	group singleflight.Group
}

func NewMemo() *Memo {
	return &Memo{data: make(map[string]memoEntry)}
}

func (m *Memo) get(programID string) (memoEntry, bool) {
	m.mu.RLock()
	e, ok := m.data[programID]
	m.mu.RUnlock()
	return e, ok
}

func (m *Memo) set(programID string, schema *idl.Schema, err error) {
	m.mu.Lock()
	m.data[programID] = memoEntry{schema: schema, err: err}
	m.mu.Unlock()
}

// Len reports how many programs have been resolved.
func (m *Memo) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
