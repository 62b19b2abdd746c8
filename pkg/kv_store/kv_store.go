// Package kv_store is a namespaced, expiry aware key/value store on top of
// a backend.Backend. Every record is an envelope.Envelope.
package kv_store

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
	"github.com/pmkol/lpcache/pkg/envelope"
)

var nopLogger = zap.NewNop()

type StoreOpts struct {
	// Backend cannot be nil.
	Backend backend.Backend

	// Prefix is prepended to every key. It cannot be empty and must not
	// be a prefix of another store's Prefix on the same backend.
	Prefix string

	// Codec encodes records. Default is envelope.NewCodec with default opts.
	Codec *envelope.Codec

	// Logger is the *zap.Logger for this Store.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *StoreOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	if len(opts.Prefix) == 0 {
		return errors.New("empty namespace prefix")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Codec == nil {
		opts.Codec = envelope.NewCodec(envelope.CodecOpts{Logger: opts.Logger})
	}
	return nil
}

// SetOpts are per record options.
type SetOpts struct {
	// ExpiresAt is the absolute expiry. Zero means the record does not
	// expire (it may still be dropped by the backend).
	ExpiresAt time.Time
}

// Stats describe what a namespace currently holds on its backend.
type Stats struct {
	ItemCount int `json:"itemCount" yaml:"item_count"`
	// TotalBytesEstimate sums the length of the stored records, not the
	// actual memory or disk footprint.
	TotalBytesEstimate int64 `json:"totalBytesEstimate" yaml:"total_bytes_estimate"`
}

// Store is safe for concurrent use if its Backend is.
// Several caches may share one Store. Clear and Cleanup only ever touch
// keys under the Store's prefix.
type Store[V any] struct {
	opts StoreOpts
}

func NewStore[V any](opts StoreOpts) (*Store[V], error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Store[V]{opts: opts}, nil
}

func (s *Store[V]) Prefix() string {
	return s.opts.Prefix
}

func (s *Store[V]) Backend() backend.Backend {
	return s.opts.Backend
}

func (s *Store[V]) Codec() *envelope.Codec {
	return s.opts.Codec
}

func (s *Store[V]) rawKey(key string) string {
	return s.opts.Prefix + key
}

// Set replaces the record stored under key. It returns false if the value
// could not be encoded or the backend refused it.
func (s *Store[V]) Set(key string, v V, opts SetOpts) bool {
	raw, err := envelope.EncodeValue(s.opts.Codec, v, opts.ExpiresAt)
	if err != nil {
		s.opts.Logger.Debug("encode record", zap.String("key", key), zap.Error(err))
		return false
	}
	if !s.opts.Backend.Write(s.rawKey(key), raw) {
		s.opts.Logger.Debug("backend refused record", zap.String("key", key), zap.Int("size", len(raw)))
		return false
	}
	return true
}

// Lookup returns the live value stored under key. ok is false if the
// record is absent, expired or unreadable.
func (s *Store[V]) Lookup(key string) (v V, ok bool) {
	raw, ok := s.opts.Backend.Read(s.rawKey(key))
	if !ok {
		return v, false
	}
	return envelope.Unwrap[V](s.opts.Codec, raw)
}

// Get returns the live value stored under key, or def.
func (s *Store[V]) Get(key string, def V) V {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

func (s *Store[V]) Remove(key string) {
	s.opts.Backend.Remove(s.rawKey(key))
}

// Clear removes every record of this namespace.
func (s *Store[V]) Clear() {
	s.opts.Backend.Clear(s.opts.Prefix)
}

// Cleanup removes the records of this namespace that are expired or not
// readable as an envelope at all. Only headers are decoded. It returns the
// number of removed records.
func (s *Store[V]) Cleanup() int {
	return len(s.CleanupKeys())
}

// CleanupKeys is Cleanup returning the removed keys, without the prefix.
func (s *Store[V]) CleanupKeys() []string {
	now := s.opts.Codec.Now()
	var removed []string
	for _, rk := range s.opts.Backend.ListKeys(s.opts.Prefix) {
		if !strings.HasPrefix(rk, s.opts.Prefix) {
			continue
		}
		raw, ok := s.opts.Backend.Read(rk)
		if !ok {
			continue
		}
		h, ok := s.opts.Codec.Header(raw)
		if ok && !h.Expired(now) {
			continue
		}
		s.opts.Backend.Remove(rk)
		removed = append(removed, strings.TrimPrefix(rk, s.opts.Prefix))
	}
	if len(removed) > 0 {
		s.opts.Logger.Debug("store cleanup", zap.String("prefix", s.opts.Prefix), zap.Int("removed", len(removed)))
	}
	return removed
}

// Stats counts the records physically present under the prefix,
// including expired ones not yet cleaned up.
func (s *Store[V]) Stats() Stats {
	var st Stats
	for _, rk := range s.opts.Backend.ListKeys(s.opts.Prefix) {
		raw, ok := s.opts.Backend.Read(rk)
		if !ok {
			continue
		}
		st.ItemCount++
		st.TotalBytesEstimate += int64(len(raw))
	}
	return st
}
