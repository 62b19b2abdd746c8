package mem_backend

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pmkol/lpcache/pkg/backend"
)

// MemBackend is a session scoped backend. Its records live in process
// memory and are gone once the process exits.
type MemBackend struct {
	closed   uint32
	disabled uint32

	maxBytes int

	m     sync.Mutex
	used  int
	store map[string][]byte
}

var _ backend.Backend = (*MemBackend)(nil)

// NewMemBackend returns a MemBackend. If maxBytes > 0, writes that would
// push the total size of keys and values over maxBytes fail.
func NewMemBackend(maxBytes int) *MemBackend {
	return &MemBackend{
		maxBytes: maxBytes,
		store:    make(map[string][]byte),
	}
}

func (c *MemBackend) unavailable() bool {
	return atomic.LoadUint32(&c.closed) != 0 || atomic.LoadUint32(&c.disabled) != 0
}

// SetDisabled simulates an environment that denies access to the store.
func (c *MemBackend) SetDisabled(b bool) {
	var v uint32
	if b {
		v = 1
	}
	atomic.StoreUint32(&c.disabled, v)
}

func (c *MemBackend) Write(rawKey string, rawValue []byte) bool {
	if c.unavailable() {
		return false
	}

	c.m.Lock()
	defer c.m.Unlock()

	used := c.used
	if old, ok := c.store[rawKey]; ok {
		used -= len(rawKey) + len(old)
	}
	used += len(rawKey) + len(rawValue)
	if c.maxBytes > 0 && used > c.maxBytes {
		return false
	}

	// Own the memory.
	buf := make([]byte, len(rawValue))
	copy(buf, rawValue)
	c.store[rawKey] = buf
	c.used = used
	return true
}

func (c *MemBackend) Read(rawKey string) ([]byte, bool) {
	if c.unavailable() {
		return nil, false
	}

	c.m.Lock()
	defer c.m.Unlock()
	v, ok := c.store[rawKey]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, true
}

func (c *MemBackend) Remove(rawKey string) {
	if c.unavailable() {
		return
	}

	c.m.Lock()
	defer c.m.Unlock()
	c.removeLocked(rawKey)
}

func (c *MemBackend) removeLocked(rawKey string) {
	if v, ok := c.store[rawKey]; ok {
		c.used -= len(rawKey) + len(v)
		delete(c.store, rawKey)
	}
}

func (c *MemBackend) ListKeys(prefix string) []string {
	if c.unavailable() {
		return nil
	}

	c.m.Lock()
	defer c.m.Unlock()
	keys := make([]string, 0, len(c.store))
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (c *MemBackend) Clear(prefix string) {
	if c.unavailable() {
		return
	}

	c.m.Lock()
	defer c.m.Unlock()
	for k := range c.store {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(k)
		}
	}
}

func (c *MemBackend) Kind() backend.Kind {
	return backend.Session
}

// Len returns the number of records held.
func (c *MemBackend) Len() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.store)
}

// Close drops every record. The session is over.
func (c *MemBackend) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		c.m.Lock()
		c.store = make(map[string][]byte)
		c.used = 0
		c.m.Unlock()
	}
	return nil
}
