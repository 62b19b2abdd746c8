package coremain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/pkg/backend"
	"github.com/pmkol/lpcache/pkg/backend/cookie_backend"
	"github.com/pmkol/lpcache/pkg/backend/file_backend"
	"github.com/pmkol/lpcache/pkg/backend/mem_backend"
	"github.com/pmkol/lpcache/pkg/backend/redis_backend"
	"github.com/pmkol/lpcache/pkg/change_bridge"
	"github.com/pmkol/lpcache/pkg/envelope"
	"github.com/pmkol/lpcache/pkg/kv_store"
	"github.com/pmkol/lpcache/pkg/tiered_cache"
	"github.com/pmkol/lpcache/pkg/utils"
)

const (
	backendDurable = "durable"
	backendSession = "session"
	backendCookie  = "cookie"
	backendMemory  = "memory"

	durableFile  = "file"
	durableRedis = "redis"
	durableNone  = "none"

	defaultDataDir         = "./data"
	defaultCleanerInterval = 60
	defaultNamespaceTTL    = 300
)

// Payload is what the registry caches: the JSON documents exchanged with
// the admin panel and the LP.
type Payload = json.RawMessage

// Cache is the per namespace facade.
type Cache = tiered_cache.Cache[Payload]

// Registry owns the backends and one Cache per configured namespace. It is
// built once and passed to whoever needs a namespace.
type Registry struct {
	logger *zap.Logger
	codec  *envelope.Codec

	durable backend.Backend
	session *mem_backend.MemBackend
	bridge  *change_bridge.Bridge

	cookieOpts cookie_backend.CookieBackendOpts

	namespaces map[string]NamespaceConfig
	caches     map[string]*Cache
	names      []string
}

// NewRegistry builds every backend and namespace of cfg. reg may be nil.
func NewRegistry(cfg *Config, lg *zap.Logger, reg prometheus.Registerer) (*Registry, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	tr, ok := envelope.TransformByName(cfg.Storage.Transform)
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", cfg.Storage.Transform)
	}

	nss, err := normalizeNamespaces(cfg.Namespaces)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		logger:     lg,
		codec:      envelope.NewCodec(envelope.CodecOpts{Transform: tr, Logger: lg.Named("codec")}),
		session:    mem_backend.NewMemBackend(cfg.Storage.Session.MaxBytes),
		cookieOpts: cookieOpts(&cfg.Storage.Cookie),
		namespaces: make(map[string]NamespaceConfig, len(nss)),
		caches:     make(map[string]*Cache, len(nss)),
	}

	r.cookieOpts.Logger = lg.Named("cookie_backend")

	if err := r.initDurable(&cfg.Storage.Durable); err != nil {
		r.Close()
		return nil, err
	}

	cleanerInterval := cfg.Storage.CleanerInterval
	utils.SetDefaultNum(&cleanerInterval, defaultCleanerInterval)
	if cfg.Storage.CleanerInterval < 0 {
		cleanerInterval = 0
	}

	for _, ns := range nss {
		r.namespaces[ns.Name] = ns
		r.names = append(r.names, ns.Name)
		if ns.Backend == backendCookie {
			continue
		}

		var store *kv_store.Store[Payload]
		if b := r.backendOf(ns); b != nil {
			store, err = kv_store.NewStore[Payload](kv_store.StoreOpts{
				Backend: b,
				Prefix:  ns.Prefix,
				Codec:   r.codec,
				Logger:  lg.Named(ns.Name),
			})
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("failed to init store %s, %w", ns.Name, err)
			}
		}
		c, err := tiered_cache.NewCache(tiered_cache.CacheOpts[Payload]{
			Name:            ns.Name,
			Capacity:        ns.Capacity,
			DefaultTTL:      time.Duration(ns.DefaultTTL) * time.Second,
			Store:           store,
			CleanerInterval: time.Duration(cleanerInterval) * time.Second,
			Logger:          lg.Named(ns.Name),
			MetricsReg:      reg,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to init cache %s, %w", ns.Name, err)
		}
		r.caches[ns.Name] = c
	}

	if r.bridge != nil {
		go r.forwardChanges()
	}
	return r, nil
}

func (r *Registry) initDurable(dc *DurableConfig) error {
	switch dc.Type {
	case "", durableFile:
		dir := dc.Dir
		utils.SetDefaultString(&dir, defaultDataDir)
		fb, err := file_backend.NewFileBackend(file_backend.FileBackendOpts{
			FS:             osfs.New(dir),
			QuotaBytes:     dc.QuotaBytes,
			TrackOwnWrites: dc.Watch,
			Logger:         r.logger.Named("file_backend"),
		})
		if err != nil {
			return fmt.Errorf("failed to init file backend, %w", err)
		}
		r.durable = fb
		if dc.Watch {
			r.bridge, err = change_bridge.NewBridge(change_bridge.BridgeOpts{
				Backend: fb,
				Logger:  r.logger.Named("change_bridge"),
			})
			if err != nil {
				return fmt.Errorf("failed to init change bridge, %w", err)
			}
		}
	case durableRedis:
		opt, err := redis.ParseURL(dc.Redis)
		if err != nil {
			return fmt.Errorf("invalid redis url, %w", err)
		}
		client := redis.NewClient(opt)
		rb, err := redis_backend.NewRedisBackend(redis_backend.RedisBackendOpts{
			Client:        client,
			ClientCloser:  client,
			ClientTimeout: time.Duration(dc.RedisTimeout) * time.Millisecond,
			Logger:        r.logger.Named("redis_backend"),
		})
		if err != nil {
			client.Close()
			return fmt.Errorf("failed to init redis backend, %w", err)
		}
		r.durable = rb
	case durableNone:
	default:
		return fmt.Errorf("unknown durable backend type %q", dc.Type)
	}
	return nil
}

// backendOf returns the L2 backend of ns, nil for memory only namespaces.
func (r *Registry) backendOf(ns NamespaceConfig) backend.Backend {
	switch ns.Backend {
	case backendDurable:
		if r.durable == nil {
			r.logger.Warn("no durable backend, namespace is memory only", zap.String("namespace", ns.Name))
			return nil
		}
		return r.durable
	case backendSession:
		return r.session
	default:
		return nil
	}
}

func normalizeNamespaces(in []NamespaceConfig) ([]NamespaceConfig, error) {
	out := make([]NamespaceConfig, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, ns := range in {
		if len(ns.Name) == 0 {
			return nil, fmt.Errorf("namespace #%d has no name", i)
		}
		if _, dup := seen[ns.Name]; dup {
			return nil, fmt.Errorf("duplicated namespace %s", ns.Name)
		}
		seen[ns.Name] = struct{}{}

		utils.SetDefaultString(&ns.Prefix, "lp:"+ns.Name+":")
		utils.SetDefaultString(&ns.Backend, backendDurable)
		utils.SetDefaultNum(&ns.DefaultTTL, defaultNamespaceTTL)
		switch ns.Backend {
		case backendDurable, backendSession, backendCookie, backendMemory:
		default:
			return nil, fmt.Errorf("namespace %s has unknown backend %q", ns.Name, ns.Backend)
		}
		out = append(out, ns)
	}
	if err := validatePrefixes(out); err != nil {
		return nil, err
	}
	return out, nil
}

// validatePrefixes rejects prefixes that would let one namespace see the
// keys of another. Comparison ignores case.
func validatePrefixes(nss []NamespaceConfig) error {
	for i := range nss {
		for j := range nss {
			if i == j {
				continue
			}
			a, b := strings.ToLower(nss[i].Prefix), strings.ToLower(nss[j].Prefix)
			if strings.HasPrefix(a, b) {
				return fmt.Errorf("namespace %s prefix %q collides with namespace %s prefix %q",
					nss[i].Name, nss[i].Prefix, nss[j].Name, nss[j].Prefix)
			}
		}
	}
	return nil
}

func cookieOpts(cc *CookieConfig) cookie_backend.CookieBackendOpts {
	opts := cookie_backend.CookieBackendOpts{
		Path:           cc.Path,
		Domain:         cc.Domain,
		Lifetime:       time.Duration(cc.Lifetime) * time.Second,
		Secure:         cc.Secure,
		HttpOnly:       cc.HttpOnly,
		MaxCookieBytes: cc.MaxCookieBytes,
		MaxCookies:     cc.MaxCookies,
	}
	switch strings.ToLower(cc.SameSite) {
	case "strict":
		opts.SameSite = http.SameSiteStrictMode
	case "none":
		opts.SameSite = http.SameSiteNoneMode
	}
	return opts
}

// forwardChanges drops locally cached copies of keys another process
// rewrote. The next Get reloads them from the durable backend.
func (r *Registry) forwardChanges() {
	c, cancel := r.bridge.Subscribe(64)
	defer cancel()
	for ch := range c {
		for name, ns := range r.namespaces {
			if ns.Backend != backendDurable || !strings.HasPrefix(ch.RawKey, ns.Prefix) {
				continue
			}
			if cache := r.caches[name]; cache != nil {
				key := strings.TrimPrefix(ch.RawKey, ns.Prefix)
				cache.Forget(key)
				r.logger.Debug("external change", zap.String("namespace", name), zap.String("key", key))
			}
		}
	}
}

// Names returns the namespace names in config order.
func (r *Registry) Names() []string {
	return r.names
}

// Namespace returns the config of a namespace.
func (r *Registry) Namespace(name string) (NamespaceConfig, bool) {
	ns, ok := r.namespaces[name]
	return ns, ok
}

// Cache returns the cache of a namespace. Cookie namespaces have none,
// use CookieStore.
func (r *Registry) Cache(name string) (*Cache, bool) {
	c, ok := r.caches[name]
	return c, ok
}

var errNotCookieNamespace = errors.New("not a cookie namespace")

// CookieStore returns a store on the cookies carried by req. The caller
// must Flush the returned backend into the response.
func (r *Registry) CookieStore(name string, req *http.Request) (*kv_store.Store[Payload], *cookie_backend.CookieBackend, error) {
	ns, ok := r.namespaces[name]
	if !ok || ns.Backend != backendCookie {
		return nil, nil, errNotCookieNamespace
	}
	cb := cookie_backend.FromRequest(req, r.cookieOpts)
	s, err := kv_store.NewStore[Payload](kv_store.StoreOpts{
		Backend: cb,
		Prefix:  ns.Prefix,
		Codec:   r.codec,
		Logger:  r.logger.Named(name),
	})
	if err != nil {
		return nil, nil, err
	}
	return s, cb, nil
}

// Stats returns the statistics of every namespace that has a cache.
func (r *Registry) Stats() map[string]tiered_cache.Stats {
	m := make(map[string]tiered_cache.Stats, len(r.caches))
	for name, c := range r.caches {
		m[name] = c.Stats()
	}
	return m
}

// Cleanup runs a cleanup sweep on every namespace.
func (r *Registry) Cleanup() int {
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)

	n := 0
	for _, name := range names {
		removed := r.caches[name].Cleanup()
		if removed > 0 {
			r.logger.Info("namespace cleanup", zap.String("namespace", name), zap.Int("removed", removed))
		}
		n += removed
	}
	return n
}

func (r *Registry) Close() error {
	for _, c := range r.caches {
		c.Close()
	}
	var errs []error
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
	}
	if r.durable != nil {
		errs = append(errs, r.durable.Close())
	}
	errs = append(errs, r.session.Close())
	return errors.Join(errs...)
}
