// Package config loads the proxy's deployment configuration: built-in
// defaults, then an optional YAML file, then OFFLINE_CACHE_* environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jshufro/offline-cache-proxy/cache"
	"github.com/jshufro/offline-cache-proxy/worker"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "OFFLINE_CACHE_"

// Storage backends
const (
	StorageMemory = "memory"
	StorageDisk   = "disk"
	StorageRedis  = "redis"
)

type Config struct {
	// Address for the proxy to listen on
	Listen string `yaml:"listen" env:"LISTEN"`
	// Origin the proxy fronts, eg, http://127.0.0.1:8000
	Upstream string `yaml:"upstream" env:"UPSTREAM"`
	// One of memory, disk, redis
	Storage string `yaml:"storage" env:"STORAGE"`
	// Path in which to save cache data when Storage is disk
	DataDir string            `yaml:"data_dir" env:"DATA_DIR"`
	Redis   cache.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	// How often the config file is re-read for a new worker version.
	// Zero disables periodic checks; a failed install is still retried.
	UpdateInterval time.Duration `yaml:"update_interval" env:"UPDATE_INTERVAL"`
	// Timeout for a single network fetch
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`
	Worker       worker.Config `yaml:"worker" envPrefix:"WORKER_"`
}

// Default returns the built-in configuration. The core assets are the pages
// and CDN bundles the invoicing app needs to render offline.
func Default() Config {
	return Config{
		Listen:         "127.0.0.1:55080",
		Storage:        StorageDisk,
		DataDir:        "/tmp/offline-cache-proxy",
		UpdateInterval: 24 * time.Hour,
		FetchTimeout:   30 * time.Second,
		Redis: cache.RedisConfig{
			Addr: "localhost:6379",
		},
		Worker: worker.Config{
			Version: "lekkerbill-cache-v2",
			CoreAssets: []string{
				"/",
				"/static/invoices/manifest.json",
				"/static/invoices/images/icons/icon-192x192.png",
				"/static/invoices/images/icons/icon-512x512.png",
				"https://cdn.jsdelivr.net/npm/bootstrap-icons@1.11.3/font/bootstrap-icons.min.css",
				"https://bootswatch.com/5/minty/bootstrap.min.css",
				"https://bootswatch.com/5/superhero/bootstrap.min.css",
				"https://cdn.jsdelivr.net/npm/bootstrap@5.3.3/dist/js/bootstrap.bundle.min.js",
				"https://cdn.jsdelivr.net/npm/tom-select@2.3.1/dist/js/tom-select.complete.min.js",
			},
			SkipWaiting:  true,
			MaxEntrySize: 10 << 20,
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Upstream == "" {
		return errors.New("upstream is required")
	}
	u, err := url.Parse(c.Upstream)
	if err != nil {
		return fmt.Errorf("invalid upstream: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid upstream %q: want an absolute http(s) URL", c.Upstream)
	}

	switch c.Storage {
	case StorageMemory, StorageRedis:
	case StorageDisk:
		if c.DataDir == "" {
			return errors.New("data_dir is required for disk storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}

	if c.Worker.Version == "" {
		return errors.New("worker.version is required")
	}
	for _, asset := range c.Worker.CoreAssets {
		if _, err := url.Parse(asset); err != nil {
			return fmt.Errorf("invalid core asset %q: %w", asset, err)
		}
	}
	if c.UpdateInterval < 0 || c.FetchTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Worker.MaxEntrySize < 0 {
		return errors.New("worker.max_entry_size must not be negative")
	}
	return nil
}

// UpstreamURL returns the parsed upstream. Only valid after Validate.
func (c Config) UpstreamURL() *url.URL {
	u, _ := url.Parse(c.Upstream)
	return u
}
