package relay

import (
	"bytes"
	"sync"
)

// bindings correlates subscribe requests with the subscription ids the
// upstream node assigns. It belongs to a single client connection.
type bindings struct {
	mu      sync.Mutex
	pending map[string]string
	bound   map[uint64]string
}

func newBindings() *bindings {
	return &bindings{
		pending: make(map[string]string),
		bound:   make(map[uint64]string),
	}
}

func requestKey(id []byte) string {
	return string(bytes.TrimSpace(id))
}

// request remembers the account a subscribe request was made for.
func (b *bindings) request(id []byte, key string) {
	b.mu.Lock()
	b.pending[requestKey(id)] = key
	b.mu.Unlock()
}

// take drops and returns the pending account for a request id.
func (b *bindings) take(id []byte) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := requestKey(id)
	key, ok := b.pending[k]
	if ok {
		delete(b.pending, k)
	}
	return key, ok
}

// bind records the subscription id assigned for an account. It reports
// whether the subscription is new.
func (b *bindings) bind(sub uint64, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, exists := b.bound[sub]
	b.bound[sub] = key
	return !exists
}

func (b *bindings) lookup(sub uint64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key, ok := b.bound[sub]
	return key, ok
}

func (b *bindings) unbind(sub uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bound[sub]
	delete(b.bound, sub)
	return ok
}

// reset discards every binding and reports how many subscriptions were bound.
func (b *bindings) reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.bound)
	b.pending = make(map[string]string)
	b.bound = make(map[uint64]string)
	return n
}
