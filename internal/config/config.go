// Package config loads tree-ring settings from an optional file and
// TREE_RING_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/thewalkeragency/tree-ring/internal/embedding"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "TREE_RING_"

type Config struct {
	Cache   CacheConfig   `mapstructure:"cache" envPrefix:"CACHE_"`
	Chunker ChunkerConfig `mapstructure:"chunker" envPrefix:"CHUNKER_"`
	Store   StoreConfig   `mapstructure:"store" envPrefix:"STORE_"`
	Memory  MemoryConfig  `mapstructure:"memory" envPrefix:"MEMORY_"`
	Log     LogConfig     `mapstructure:"log" envPrefix:"LOG_"`
}

type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl" env:"TTL"`
	MaxSize         int           `mapstructure:"max_size" env:"MAX_SIZE"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" env:"CLEANUP_INTERVAL"` // 0 disables the janitor
}

type ChunkerConfig struct {
	ChunkSize         int  `mapstructure:"chunk_size" env:"CHUNK_SIZE"`
	Overlap           int  `mapstructure:"overlap" env:"OVERLAP"`
	MinChunkSize      int  `mapstructure:"min_chunk_size" env:"MIN_CHUNK_SIZE"`
	PreserveStructure bool `mapstructure:"preserve_structure" env:"PRESERVE_STRUCTURE"`
}

type StoreConfig struct {
	Driver       string           `mapstructure:"driver" env:"DRIVER"` // sqlite | postgres
	Path         string           `mapstructure:"path" env:"PATH"`
	DSN          string           `mapstructure:"dsn" env:"DSN"`
	VectorSearch bool             `mapstructure:"vector_search" env:"VECTOR_SEARCH"`
	Embedding    embedding.Config `mapstructure:"embedding" envPrefix:"EMBEDDING_"`
}

type MemoryConfig struct {
	StrictPermissions bool `mapstructure:"strict_permissions" env:"STRICT_PERMISSIONS"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" env:"LEVEL"`
	Format string `mapstructure:"format" env:"FORMAT"` // json | text
}

func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			TTL:             30 * time.Minute,
			MaxSize:         1000,
			CleanupInterval: 5 * time.Minute,
		},
		Chunker: ChunkerConfig{
			ChunkSize:         500,
			Overlap:           50,
			MinChunkSize:      100,
			PreserveStructure: true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.tree-ring/memory.db",
			Embedding: embedding.Config{
				Provider: "hash",
			},
		},
		Memory: MemoryConfig{
			StrictPermissions: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath is the config file consulted when no --config flag is given.
func DefaultPath() string {
	return expandHome("~/.tree-ring/config.yaml")
}

// LoadConfig starts from DefaultConfig, overlays the file at path when it
// exists and then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v := viper.New()
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.Store.Path = expandHome(cfg.Store.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache.cleanup_interval must not be negative")
	}
	if c.Chunker.ChunkSize <= 0 {
		return fmt.Errorf("chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("chunker.overlap must be in [0, %d), got %d", c.Chunker.ChunkSize, c.Chunker.Overlap)
	}
	if c.Chunker.MinChunkSize <= 0 || c.Chunker.MinChunkSize > c.Chunker.ChunkSize {
		return fmt.Errorf("chunker.min_chunk_size must be in (0, %d], got %d", c.Chunker.ChunkSize, c.Chunker.MinChunkSize)
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// EnsureDir creates the parent directory of the sqlite database.
func (c *Config) EnsureDir() error {
	if c.Store.Driver != "sqlite" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(c.Store.Path), 0o755)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
