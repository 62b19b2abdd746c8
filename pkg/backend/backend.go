// Package backend defines the storage adapter contract shared by every
// physical store the cache can sit on.
package backend

import (
	"io"
	"strings"
)

// Kind tells which lifetime a backend gives to its records.
type Kind uint8

const (
	// Durable records survive a restart of the host process.
	Durable Kind = iota
	// Session records are dropped when the session (process) ends.
	Session
	// RequestAttached records travel with HTTP requests and carry
	// explicit path, domain and expiry attributes.
	RequestAttached
)

func (k Kind) String() string {
	switch k {
	case Durable:
		return "durable"
	case Session:
		return "session"
	case RequestAttached:
		return "request_attached"
	default:
		return "unknown"
	}
}

// Backend is a raw key/value store.
// Implementations never panic and never return errors. A backend that is
// disabled, full or denied reports failure through the bool results so
// callers can degrade to memory only.
type Backend interface {
	// Write stores rawValue under rawKey. It returns false if the value
	// was not stored.
	Write(rawKey string, rawValue []byte) bool

	// Read returns the stored value. ok is false if the key is absent or
	// the backend is unavailable.
	Read(rawKey string) (rawValue []byte, ok bool)

	// Remove deletes rawKey. Removing an absent key is a no-op.
	Remove(rawKey string)

	// ListKeys returns all raw keys beginning with prefix, in no
	// particular order.
	ListKeys(prefix string) []string

	// Clear removes all keys beginning with prefix. It never touches
	// keys outside of prefix.
	Clear(prefix string)

	Kind() Kind

	io.Closer
}

// ClearByList implements Backend.Clear on top of ListKeys and Remove.
func ClearByList(b Backend, prefix string) {
	for _, k := range b.ListKeys(prefix) {
		if strings.HasPrefix(k, prefix) {
			b.Remove(k)
		}
	}
}
