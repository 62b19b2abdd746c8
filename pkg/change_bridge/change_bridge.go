// Package change_bridge republishes writes made to a durable file backend
// by other processes as typed events.
//
// Delivery is best effort: events may be dropped or arrive in any order
// relative to local writes, and nothing is invalidated automatically.
// Subscribers that need fresh data must Delete or re-Get themselves.
package change_bridge

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
)

var nopLogger = zap.NewNop()

// Watchable is a durable backend whose records are files in one
// directory.
type Watchable interface {
	backend.Backend

	// Root is the OS directory holding the records.
	Root() string
	// KeyFromName maps a file name back to its raw key.
	KeyFromName(name string) (rawKey string, ok bool)
	// IsOwn reports whether this state of rawKey was written by this
	// process.
	IsOwn(rawKey string, rawValue []byte, present bool) bool
}

// Change is one external modification. Old and New are raw records, nil
// when the record was absent.
type Change struct {
	Key    string
	RawKey string
	Old    []byte
	New    []byte
}

type BridgeOpts struct {
	// Backend cannot be nil.
	Backend Watchable

	// Prefix selects the namespace to watch. Empty watches all records.
	Prefix string

	// Logger is the *zap.Logger for this Bridge.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *BridgeOpts) Init() error {
	if opts.Backend == nil {
		return errors.New("nil backend")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

type Bridge struct {
	opts    BridgeOpts
	watcher *fsnotify.Watcher

	m      sync.Mutex
	last   map[string][]byte
	subs   map[uint64]chan Change
	nextID uint64
	closed bool

	closeOnce   sync.Once
	closeNotify chan struct{}
	loopDone    chan struct{}
}

func NewBridge(opts BridgeOpts) (*Bridge, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher, %w", err)
	}
	if err := w.Add(opts.Backend.Root()); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s, %w", opts.Backend.Root(), err)
	}

	b := &Bridge{
		opts:        opts,
		watcher:     w,
		last:        make(map[string][]byte),
		subs:        make(map[uint64]chan Change),
		closeNotify: make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	for _, k := range opts.Backend.ListKeys(opts.Prefix) {
		if v, ok := opts.Backend.Read(k); ok {
			b.last[k] = v
		}
	}
	go b.loop()
	return b, nil
}

// Subscribe returns a channel receiving changes. Changes are dropped
// while the channel is full. cancel closes the channel.
func (b *Bridge) Subscribe(buf int) (<-chan Change, func()) {
	b.m.Lock()
	defer b.m.Unlock()

	c := make(chan Change, buf)
	if b.closed {
		close(c)
		return c, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = c

	var once sync.Once
	return c, func() {
		once.Do(func() {
			b.m.Lock()
			defer b.m.Unlock()
			if sc, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sc)
			}
		})
	}
}

func (b *Bridge) loop() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.closeNotify:
			return
		case e, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			b.handle(e)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.opts.Logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (b *Bridge) handle(e fsnotify.Event) {
	if e.Op == fsnotify.Chmod {
		return
	}
	rawKey, ok := b.opts.Backend.KeyFromName(e.Name)
	if !ok || !strings.HasPrefix(rawKey, b.opts.Prefix) {
		return
	}
	v, present := b.opts.Backend.Read(rawKey)

	b.m.Lock()
	defer b.m.Unlock()

	old, had := b.last[rawKey]
	if present == had && bytes.Equal(old, v) {
		return
	}
	if present {
		b.last[rawKey] = v
	} else {
		delete(b.last, rawKey)
	}
	if b.opts.Backend.IsOwn(rawKey, v, present) {
		return
	}

	c := Change{
		Key:    strings.TrimPrefix(rawKey, b.opts.Prefix),
		RawKey: rawKey,
		Old:    old,
		New:    v,
	}
	for _, sc := range b.subs {
		select {
		case sc <- c:
		default:
			b.opts.Logger.Debug("subscriber is slow, change dropped", zap.String("key", rawKey))
		}
	}
}

// Close stops watching and closes every subscription.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeNotify)
		err = b.watcher.Close()
		<-b.loopDone

		b.m.Lock()
		b.closed = true
		for id, sc := range b.subs {
			delete(b.subs, id)
			close(sc)
		}
		b.m.Unlock()
	})
	return err
}
