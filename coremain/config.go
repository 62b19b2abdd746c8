package coremain

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pmkol/lpcache/mlog"
)

// Config is the top level config file.
type Config struct {
	Log        mlog.LogConfig    `yaml:"log"`
	Include    []string          `yaml:"include"`
	Storage    StorageConfig     `yaml:"storage"`
	Namespaces []NamespaceConfig `yaml:"namespaces"`
	API        APIConfig         `yaml:"api"`
}

type StorageConfig struct {
	Durable DurableConfig `yaml:"durable"`
	Session SessionConfig `yaml:"session"`
	Cookie  CookieConfig  `yaml:"cookie"`

	// Transform applied to every record: base64 (default), identity or
	// snappy. None of them is encryption.
	Transform string `yaml:"transform"`

	// CleanerInterval in seconds. Default is 60. Negative disables the
	// background cleanup.
	CleanerInterval int `yaml:"cleaner_interval"`
}

type DurableConfig struct {
	// Type is "file" (default), "redis" or "none".
	Type string `yaml:"type"`

	// Dir holds the record files. Default is "./data".
	Dir        string `yaml:"dir"`
	QuotaBytes int64  `yaml:"quota_bytes"`

	// Watch republishes writes made by other processes to the same Dir.
	Watch bool `yaml:"watch"`

	// Redis is a redis url, e.g. redis://localhost:6379/0.
	Redis string `yaml:"redis"`
	// RedisTimeout in milliseconds. Default is 50.
	RedisTimeout int `yaml:"redis_timeout"`
}

type SessionConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

type CookieConfig struct {
	Path   string `yaml:"path"`
	Domain string `yaml:"domain"`
	// Lifetime in seconds. Default is 86400.
	Lifetime       int    `yaml:"lifetime"`
	Secure         bool   `yaml:"secure"`
	HttpOnly       bool   `yaml:"http_only"`
	SameSite       string `yaml:"same_site"`
	MaxCookieBytes int    `yaml:"max_cookie_bytes"`
	MaxCookies     int    `yaml:"max_cookies"`
}

type NamespaceConfig struct {
	Name string `yaml:"name"`
	// Prefix defaults to "lp:<name>:".
	Prefix string `yaml:"prefix"`
	// Backend is "durable" (default), "session", "cookie" or "memory".
	Backend string `yaml:"backend"`
	// DefaultTTL in seconds. Default is 300.
	DefaultTTL int `yaml:"default_ttl"`
	// Capacity of the in-memory tier. Default is 100.
	Capacity int `yaml:"capacity"`
	// Persistent makes writes through the API write-through by default.
	Persistent bool `yaml:"persistent"`
}

type APIConfig struct {
	HTTP string `yaml:"http"`
}

// defaultNamespaces are the logical domains of the LP and admin panel.
func defaultNamespaces() []NamespaceConfig {
	return []NamespaceConfig{
		{Name: "articles", Backend: backendDurable, DefaultTTL: 600, Capacity: 100, Persistent: true},
		{Name: "session", Backend: backendSession, DefaultTTL: 1800, Capacity: 20, Persistent: true},
		{Name: "settings", Backend: backendDurable, DefaultTTL: 3600, Capacity: 50, Persistent: true},
		{Name: "drafts", Backend: backendDurable, DefaultTTL: 86400, Capacity: 50, Persistent: true},
	}
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
func loadConfig(filePath string) (*Config, string, error) {
	v := viper.New()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, v.ConfigFileUsed(), nil
}

// mergeInclude prepends the namespaces of included files.
func mergeInclude(cfg *Config, depth int, paths []string) error {
	depth++
	if depth > 8 {
		return fmt.Errorf("maximum include depth reached, include path is %s", strings.Join(paths, " -> "))
	}

	var included []NamespaceConfig
	for _, subCfgFile := range cfg.Include {
		subPaths := append(paths, subCfgFile)
		mlog.L().Info("reading sub config", zap.String("file", subCfgFile))
		subCfg, _, err := loadConfig(subCfgFile)
		if err != nil {
			return fmt.Errorf("failed to load sub config, %w", err)
		}
		if err := mergeInclude(subCfg, depth, subPaths); err != nil {
			return err
		}
		included = append(included, subCfg.Namespaces...)
	}
	cfg.Namespaces = append(included, cfg.Namespaces...)
	return nil
}

// loadConfigWithInclude is loadConfig followed by mergeInclude. An empty
// namespace list gets the default namespaces.
func loadConfigWithInclude(filePath string) (*Config, error) {
	cfg, fileUsed, err := loadConfig(filePath)
	if err != nil {
		return nil, fmt.Errorf("fail to load config, %w", err)
	}
	if err := mergeInclude(cfg, 0, []string{fileUsed}); err != nil {
		return nil, fmt.Errorf("failed to load sub config file, %w", err)
	}
	if len(cfg.Namespaces) == 0 {
		cfg.Namespaces = defaultNamespaces()
	}
	return cfg, nil
}
