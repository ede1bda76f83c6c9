package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable, process-wide configuration value. It is loaded
// once in main and passed by value into every component constructor — no
// component reads environment variables or files itself (Design Notes §9:
// "no process-wide singletons").
type Config struct {
	Server ServerConfig `yaml:"server"`
	DB     DBConfig     `yaml:"db"`
	Shard  ShardConfig  `yaml:"shard"`
	Ingest IngestConfig `yaml:"ingest"`
	Collab CollabConfig `yaml:"collab"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures the HTTP RPC + MCP read surface (spec §4.F, §6).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DBConfig points at the analytical tier's SQLite file.
type DBConfig struct {
	Path string `yaml:"path"`
}

// ShardConfig configures the hot-tier shard router (spec §4.E).
type ShardConfig struct {
	BaseDir     string        `yaml:"base_dir"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxOpen     int           `yaml:"max_open"`
}

// IngestConfig configures the Firehose Ingester (spec §4.A).
type IngestConfig struct {
	ConsumerID    string        `yaml:"consumer_id"`
	RelayURL      string        `yaml:"relay_url"`
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	CursorEvery   int           `yaml:"cursor_every"`
	CursorPeriod  time.Duration `yaml:"cursor_period"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// CollabConfig configures the Collaboration Coordinator's P2P overlay
// (spec §4.D, §6).
type CollabConfig struct {
	ListenAddrs     []string      `yaml:"listen_addrs"`
	BootstrapPeers  []string      `yaml:"bootstrap_peers"`
	TopicSecret     string        `yaml:"topic_secret"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	PresenceIdle    time.Duration `yaml:"presence_idle"`
	SnapshotEvery   time.Duration `yaml:"snapshot_every"`
}

// LogConfig configures the shared slog logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from an optional YAML file and environment
// variable overrides, following the teacher's Load() shape: defaults,
// then file, then env.
func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		DB: DBConfig{
			Path: "weaver-index.db",
		},
		Shard: ShardConfig{
			BaseDir:     "shards",
			IdleTimeout: 10 * time.Minute,
			MaxOpen:     256,
		},
		Ingest: IngestConfig{
			ConsumerID:    "weaver-index-default",
			BatchSize:     200,
			BatchInterval: 2 * time.Second,
			CursorEvery:   500,
			CursorPeriod:  5 * time.Second,
			MaxBackoff:    30 * time.Second,
		},
		Collab: CollabConfig{
			ListenAddrs:   []string{"/ip4/0.0.0.0/tcp/0"},
			SessionTTL:    2 * time.Minute,
			PresenceIdle:  30 * time.Second,
			SnapshotEvery: time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("WEAVER_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("WEAVER_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if portStr := os.Getenv("WEAVER_SERVER_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid WEAVER_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if dbPath := os.Getenv("WEAVER_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if shardDir := os.Getenv("WEAVER_SHARD_DIR"); shardDir != "" {
		cfg.Shard.BaseDir = shardDir
	}
	if relay := os.Getenv("WEAVER_RELAY_URL"); relay != "" {
		cfg.Ingest.RelayURL = relay
	}
	if consumer := os.Getenv("WEAVER_CONSUMER_ID"); consumer != "" {
		cfg.Ingest.ConsumerID = consumer
	}
	if level := os.Getenv("WEAVER_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
