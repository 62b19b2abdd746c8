// Package cookie_backend stores small records in HTTP cookies so they
// travel with every request. Each record is one cookie with explicit
// Path, Domain and Expires attributes.
package cookie_backend

import (
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
	"github.com/pmkol/lpcache/pkg/utils"
)

const (
	namePrefix = "lpc_"

	defaultPath           = "/"
	defaultLifetime       = 24 * time.Hour
	defaultMaxCookieBytes = 4096
	defaultMaxCookies     = 50
)

type CookieBackendOpts struct {
	// Path attribute of written cookies. Default is "/".
	Path string
	// Domain attribute of written cookies. Empty means host only.
	Domain string
	// Lifetime sets the Expires attribute relative to the write time.
	// Default is 24h.
	Lifetime time.Duration

	Secure   bool
	HttpOnly bool
	SameSite http.SameSite

	// MaxCookieBytes is the size limit of one serialized cookie.
	// Default is 4096.
	MaxCookieBytes int
	// MaxCookies limits the number of records. Default is 50.
	MaxCookies int

	// Now is used for Expires. Default is time.Now.
	Now func() time.Time

	// Logger is the *zap.Logger for this CookieBackend.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

var nopLogger = zap.NewNop()

func (opts *CookieBackendOpts) Init() {
	utils.SetDefaultString(&opts.Path, defaultPath)
	utils.SetDefaultNum(&opts.Lifetime, defaultLifetime)
	utils.SetDefaultNum(&opts.MaxCookieBytes, defaultMaxCookieBytes)
	utils.SetDefaultNum(&opts.MaxCookies, defaultMaxCookies)
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// CookieBackend is a request attached backend. It is not shared between
// requests: build one per request with FromRequest and Flush it into the
// response.
type CookieBackend struct {
	opts CookieBackendOpts

	m       sync.Mutex
	closed  bool
	cookies map[string]*http.Cookie // raw key -> cookie
	dirty   map[string]struct{}
}

var _ backend.Backend = (*CookieBackend)(nil)

func NewCookieBackend(opts CookieBackendOpts) *CookieBackend {
	opts.Init()
	return &CookieBackend{
		opts:    opts,
		cookies: make(map[string]*http.Cookie),
		dirty:   make(map[string]struct{}),
	}
}

// FromRequest loads the records carried by req.
func FromRequest(req *http.Request, opts CookieBackendOpts) *CookieBackend {
	b := NewCookieBackend(opts)
	for _, c := range req.Cookies() {
		k, ok := decodeName(c.Name)
		if !ok {
			continue
		}
		b.cookies[k] = c
	}
	return b
}

func encodeName(rawKey string) string {
	return namePrefix + base64.RawURLEncoding.EncodeToString([]byte(rawKey))
}

func decodeName(name string) (string, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return "", false
	}
	k, err := base64.RawURLEncoding.DecodeString(name[len(namePrefix):])
	if err != nil {
		return "", false
	}
	return string(k), true
}

func (b *CookieBackend) live(c *http.Cookie) bool {
	return c.Expires.IsZero() || b.opts.Now().Before(c.Expires)
}

func (b *CookieBackend) Write(rawKey string, rawValue []byte) bool {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return false
	}

	if _, exist := b.cookies[rawKey]; !exist && len(b.cookies) >= b.opts.MaxCookies {
		b.opts.Logger.Debug("too many cookies, record rejected", zap.String("key", rawKey), zap.Int("max", b.opts.MaxCookies))
		return false
	}

	c := &http.Cookie{
		Name:     encodeName(rawKey),
		Value:    base64.RawURLEncoding.EncodeToString(rawValue),
		Path:     b.opts.Path,
		Domain:   b.opts.Domain,
		Expires:  b.opts.Now().Add(b.opts.Lifetime),
		Secure:   b.opts.Secure,
		HttpOnly: b.opts.HttpOnly,
		SameSite: b.opts.SameSite,
	}
	if s := c.String(); len(s) == 0 || len(s) > b.opts.MaxCookieBytes {
		b.opts.Logger.Debug("cookie too large, record rejected", zap.String("key", rawKey), zap.Int("size", len(s)))
		return false
	}
	b.cookies[rawKey] = c
	b.dirty[rawKey] = struct{}{}
	return true
}

func (b *CookieBackend) Read(rawKey string) ([]byte, bool) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return nil, false
	}

	c, ok := b.cookies[rawKey]
	if !ok || !b.live(c) {
		return nil, false
	}
	v, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (b *CookieBackend) Remove(rawKey string) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	if _, ok := b.cookies[rawKey]; ok {
		delete(b.cookies, rawKey)
		b.dirty[rawKey] = struct{}{}
	}
}

func (b *CookieBackend) ListKeys(prefix string) []string {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return nil
	}
	keys := make([]string, 0, len(b.cookies))
	for k, c := range b.cookies {
		if strings.HasPrefix(k, prefix) && b.live(c) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *CookieBackend) Clear(prefix string) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	for k := range b.cookies {
		if strings.HasPrefix(k, prefix) {
			delete(b.cookies, k)
			b.dirty[k] = struct{}{}
		}
	}
}

func (b *CookieBackend) Kind() backend.Kind {
	return backend.RequestAttached
}

// Flush writes a Set-Cookie header for every record changed since the
// backend was built. Removed records are expired with MaxAge<0.
func (b *CookieBackend) Flush(w http.ResponseWriter) {
	b.m.Lock()
	defer b.m.Unlock()
	for k := range b.dirty {
		if c, ok := b.cookies[k]; ok {
			http.SetCookie(w, c)
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:   encodeName(k),
			Path:   b.opts.Path,
			Domain: b.opts.Domain,
			MaxAge: -1,
		})
	}
	clear(b.dirty)
}

// AttachTo adds every live record to an outgoing request.
func (b *CookieBackend) AttachTo(req *http.Request) {
	b.m.Lock()
	defer b.m.Unlock()
	for _, c := range b.cookies {
		if b.live(c) {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
}

func (b *CookieBackend) Close() error {
	b.m.Lock()
	b.closed = true
	b.m.Unlock()
	return nil
}
