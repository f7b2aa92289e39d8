// Package config defines the YAML configuration for the flintkv server.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"flintkv/pkg/engine"
	"flintkv/pkg/index"
)

type Config struct {
	Logger  LoggerConfig  `yaml:"logger"`
	Server  ServerConfig  `yaml:"http-server"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DirPath             string  `yaml:"path"`
	SegmentSize         int64   `yaml:"segment_size"`
	SyncWrites          bool    `yaml:"sync_writes"`
	BytesPerSync        int64   `yaml:"bytes_per_sync"`
	IndexType           string  `yaml:"index_type"`
	CompactionThreshold float64 `yaml:"compaction_threshold"`
	CacheCapacity       int64   `yaml:"cache_capacity"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			DirPath:             "./data",
			SegmentSize:         256 * 1024 * 1024,
			SyncWrites:          false,
			BytesPerSync:        0,
			IndexType:           "btree",
			CompactionThreshold: 0.6,
			CacheCapacity:       64 * 1024 * 1024,
		},
	}
}

// Load reads the config from path. A missing file is not an error and yields
// Default().
func Load(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return Default(), nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// EngineOptions maps the storage section onto engine options.
func (c Config) EngineOptions() (engine.Options, error) {
	opts := engine.DefaultOptions(c.Storage.DirPath)
	opts.SegmentSize = c.Storage.SegmentSize
	opts.SyncWrites = c.Storage.SyncWrites
	opts.BytesPerSync = c.Storage.BytesPerSync
	opts.CompactionThreshold = c.Storage.CompactionThreshold
	opts.CacheCapacity = c.Storage.CacheCapacity

	switch c.Storage.IndexType {
	case "", "btree":
		opts.IndexType = index.BTree
	case "skiplist":
		opts.IndexType = index.SkipList
	case "bptree":
		opts.IndexType = index.BPTree
	default:
		return opts, fmt.Errorf("unknown index type %q", c.Storage.IndexType)
	}
	return opts, nil
}

// SlogLevel converts the configured level name, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
