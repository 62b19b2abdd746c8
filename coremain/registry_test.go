package coremain

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/lpcache/pkg/backend/file_backend"
	"github.com/pmkol/lpcache/pkg/envelope"
	"github.com/pmkol/lpcache/pkg/tiered_cache"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Storage: StorageConfig{
			Durable:         DurableConfig{Dir: t.TempDir()},
			CleanerInterval: -1,
		},
		Namespaces: defaultNamespaces(),
	}
}

func newTestRegistry(t *testing.T, cfg *Config) *Registry {
	t.Helper()
	r, err := NewRegistry(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewRegistry_invalid(t *testing.T) {
	for name, mutate := range map[string]func(cfg *Config){
		"transform":       func(cfg *Config) { cfg.Storage.Transform = "rot13" },
		"durable type":    func(cfg *Config) { cfg.Storage.Durable.Type = "floppy" },
		"redis url":       func(cfg *Config) { cfg.Storage.Durable.Type = "redis"; cfg.Storage.Durable.Redis = "::" },
		"no name":         func(cfg *Config) { cfg.Namespaces = append(cfg.Namespaces, NamespaceConfig{}) },
		"duplicated name": func(cfg *Config) { cfg.Namespaces = append(cfg.Namespaces, NamespaceConfig{Name: "articles"}) },
		"backend":         func(cfg *Config) { cfg.Namespaces[0].Backend = "tape" },
		"nested prefix": func(cfg *Config) {
			cfg.Namespaces = append(cfg.Namespaces, NamespaceConfig{Name: "x", Prefix: "lp:articles:x"})
		},
		"case only prefix": func(cfg *Config) {
			cfg.Namespaces = append(cfg.Namespaces, NamespaceConfig{Name: "y", Prefix: "LP:ARTICLES:"})
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			mutate(cfg)
			_, err := NewRegistry(cfg, nil, nil)
			require.Error(t, err)
		})
	}
}

func TestRegistry_facades(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRegistry(t, cfg)
	assert.Equal(t, []string{"articles", "session", "settings", "drafts"}, r.Names())

	articles, ok := r.Cache("articles")
	require.True(t, ok)
	articles.Set("1", Payload(`{"title":"hello"}`), tiered_cache.SetOpts{Persistent: true})
	session, _ := r.Cache("session")
	session.Set("token", Payload(`"abc"`), tiered_cache.SetOpts{Persistent: true})

	st := r.Stats()
	assert.Equal(t, 1, st["articles"].ItemCount)
	assert.Equal(t, 1, st["session"].ItemCount)
	assert.Equal(t, 0, st["drafts"].ItemCount)
	assert.Positive(t, st["articles"].TotalBytesEstimate)

	_, ok = r.Cache("nope")
	assert.False(t, ok)

	// A second process on the same data dir sees the durable records only.
	r2 := newTestRegistry(t, cfg)
	a2, _ := r2.Cache("articles")
	assert.JSONEq(t, `{"title":"hello"}`, string(a2.Get("1", nil)))
	s2, _ := r2.Cache("session")
	assert.Nil(t, s2.Get("token", nil))
}

func TestRegistry_cleanup(t *testing.T) {
	cfg := testConfig(t)
	r := newTestRegistry(t, cfg)

	fb, err := file_backend.NewFileBackend(file_backend.FileBackendOpts{FS: osfs.New(cfg.Storage.Durable.Dir)})
	require.NoError(t, err)
	codec := envelope.NewCodec(envelope.CodecOpts{})
	stale, err := envelope.EncodeValue(codec, "old", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, fb.Write("lp:articles:stale", stale))
	require.True(t, fb.Write("lp:settings:broken", []byte("???")))
	require.True(t, fb.Write("elsewhere:broken", []byte("???")))

	assert.Equal(t, 2, r.Cleanup())
	_, ok := fb.Read("elsewhere:broken")
	assert.True(t, ok, "records outside the namespaces are not touched")
}

func TestRegistry_watchForgetsExternalWrites(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Durable.Watch = true
	r := newTestRegistry(t, cfg)

	settings, _ := r.Cache("settings")
	settings.Set("theme", Payload(`"light"`), tiered_cache.SetOpts{Persistent: true})
	require.True(t, settings.InLocal("theme"))

	other := newTestRegistry(t, &Config{
		Storage:    StorageConfig{Durable: DurableConfig{Dir: cfg.Storage.Durable.Dir}, CleanerInterval: -1},
		Namespaces: defaultNamespaces(),
	})
	otherSettings, _ := other.Cache("settings")
	otherSettings.Set("theme", Payload(`"dark"`), tiered_cache.SetOpts{Persistent: true})

	require.Eventually(t, func() bool { return !settings.InLocal("theme") }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, `"dark"`, string(settings.Get("theme", nil)))
}

func TestRegistry_memoryNamespace(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Durable.Type = "none"
	cfg.Namespaces = []NamespaceConfig{{Name: "ui", Backend: "memory"}, {Name: "articles"}}
	r := newTestRegistry(t, cfg)

	for _, name := range []string{"ui", "articles"} {
		c, ok := r.Cache(name)
		require.True(t, ok)
		assert.Nil(t, c.Store(), name)
	}
	entries, err := os.ReadDir(cfg.Storage.Durable.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRegistry_statsJSON(t *testing.T) {
	r := newTestRegistry(t, testConfig(t))
	b, err := json.Marshal(r.Stats()["articles"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"itemCount":0,"totalBytesEstimate":0,"localItemCount":0}`, string(b))
}
