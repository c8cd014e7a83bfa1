package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/milestone-escrow/internal/controller"
	"github.com/ChuLiYu/milestone-escrow/internal/escrow"
	"github.com/ChuLiYu/milestone-escrow/internal/storage/wal"
	"github.com/ChuLiYu/milestone-escrow/internal/worker"
	"github.com/ChuLiYu/milestone-escrow/pkg/types"
)

// Config represents the complete service configuration
// Maps config file fields through YAML tags
type Config struct {
	Registry struct {
		Address       string `yaml:"address"`        // identity used when funding on a payer's behalf
		MaxMilestones int    `yaml:"max_milestones"` // never lower below an existing instance
	} `yaml:"registry"`

	Ledger struct {
		Genesis []GenesisAccount `yaml:"genesis"` // credited once, on a fresh journal
	} `yaml:"ledger"`

	WAL struct {
		Path            string `yaml:"path"`
		BufferSize      int    `yaml:"buffer_size"`
		FlushIntervalMs int    `yaml:"flush_interval_ms"`
		SyncOnAppend    bool   `yaml:"sync_on_append"`
		CompressRotated bool   `yaml:"compress_rotated"`
	} `yaml:"wal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		RetentionCount  int    `yaml:"retention_count"`
	} `yaml:"snapshot"`

	Watch struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"watch"`

	GRPC struct {
		Listen string `yaml:"listen"`
	} `yaml:"grpc"`

	HTTP struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"http"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"` // used only when the admin HTTP server is disabled
	} `yaml:"metrics"`

	Logging LoggingConfig `yaml:"logging"`

	Notify struct {
		Workers     int       `yaml:"workers"`
		QueueSize   int       `yaml:"queue_size"`
		TimeoutMs   int       `yaml:"timeout_ms"`
		MaxAttempts int       `yaml:"max_attempts"`
		BackoffMs   int       `yaml:"backoff_ms"`
		Webhooks    []Webhook `yaml:"webhooks"`
	} `yaml:"notify"`
}

// GenesisAccount is an opening ledger balance.
type GenesisAccount struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

// Webhook is one notification target; empty Events accepts every signal.
type Webhook struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// LoggingConfig selects the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // empty writes to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns the configuration used for missing keys.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Registry.Address = "0x00000000000000000000000000000000000e5c40"
	cfg.Registry.MaxMilestones = escrow.DefaultMaxMilestones
	cfg.WAL.Path = "data/escrow.wal"
	cfg.WAL.BufferSize = 100
	cfg.WAL.FlushIntervalMs = 100
	cfg.WAL.SyncOnAppend = true
	cfg.Snapshot.Path = "data/escrow.snapshot"
	cfg.Snapshot.IntervalSeconds = 30
	cfg.Snapshot.RetentionCount = 3
	cfg.Watch.IntervalSeconds = 60
	cfg.GRPC.Listen = ":50051"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = ":8080"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 28
	cfg.Notify.Workers = 2
	cfg.Notify.QueueSize = 256
	cfg.Notify.TimeoutMs = 5000
	cfg.Notify.MaxAttempts = 3
	cfg.Notify.BackoffMs = 200
	return cfg
}

// loadConfig reads path over the defaults. A missing file yields the defaults.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := types.ParseAddress(c.Registry.Address); err != nil {
		return fmt.Errorf("registry.address: %w", err)
	}
	if c.Registry.MaxMilestones < 0 {
		return fmt.Errorf("registry.max_milestones must not be negative")
	}
	if c.WAL.Path == "" {
		return fmt.Errorf("wal.path is required")
	}
	if c.Snapshot.Path == "" {
		return fmt.Errorf("snapshot.path is required")
	}
	for i, g := range c.Ledger.Genesis {
		if _, err := types.ParseAddress(g.Account); err != nil {
			return fmt.Errorf("ledger.genesis[%d].account: %w", i, err)
		}
		if _, err := parseAmount(g.Amount); err != nil {
			return fmt.Errorf("ledger.genesis[%d].amount: %w", i, err)
		}
	}
	for i, w := range c.Notify.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// ControllerConfig maps the file configuration onto controller.Config.
func (c *Config) ControllerConfig() controller.Config {
	addr, _ := types.ParseAddress(c.Registry.Address)

	sinks := make([]worker.Sink, 0, len(c.Notify.Webhooks))
	for _, w := range c.Notify.Webhooks {
		sinks = append(sinks, worker.NewWebhookSink(w.URL, w.Events))
	}

	return controller.Config{
		WALPath:          c.WAL.Path,
		SnapshotPath:     c.Snapshot.Path,
		SnapshotInterval: time.Duration(c.Snapshot.IntervalSeconds) * time.Second,
		SnapshotBackups:  c.Snapshot.RetentionCount,
		WatchInterval:    time.Duration(c.Watch.IntervalSeconds) * time.Second,
		WAL: wal.Options{
			SyncOnAppend:    c.WAL.SyncOnAppend,
			BufferSize:      c.WAL.BufferSize,
			FlushInterval:   time.Duration(c.WAL.FlushIntervalMs) * time.Millisecond,
			CompressRotated: c.WAL.CompressRotated,
		},
		RegistryAddress: addr,
		MaxMilestones:   c.Registry.MaxMilestones,
		Sinks:           sinks,
		NotifyWorkers:   c.Notify.Workers,
		Notify: worker.Options{
			BufferSize: c.Notify.QueueSize,
			Timeout:    time.Duration(c.Notify.TimeoutMs) * time.Millisecond,
			Retry: worker.RetryPolicy{
				MaxAttempts: c.Notify.MaxAttempts,
				Backoff:     time.Duration(c.Notify.BackoffMs) * time.Millisecond,
			},
		},
	}
}
