package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Durability selects when the WAL forces its writes to stable storage.
type Durability string

const (
	// SyncEveryWrite fsyncs after each append.
	SyncEveryWrite Durability = "sync-every-write"
	// SyncInterval fsyncs on a timer or once a batch of appends is pending.
	SyncInterval Durability = "sync-interval"
	// SyncNever relies on OS buffering.
	SyncNever Durability = "sync-never"
)

func (d Durability) Valid() bool {
	switch d {
	case SyncEveryWrite, SyncInterval, SyncNever:
		return true
	}
	return false
}

// Config is the root of the engine configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	DB     `yaml:"db"`
}

type DB struct {
	Memtable    MemtableConfig    `yaml:"memtable"`
	WAL         WALConfig         `yaml:"wal"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Compaction  CompactionConfig  `yaml:"compaction"`
}

type MemtableConfig struct {
	FlushThresholdBytes int64 `yaml:"flush_threshold"`
	FlushChanBuffSize   int   `yaml:"flush_chan_buff_size"`
	// MaxImmTables bounds frozen memtables waiting for flush; writers stall beyond it.
	MaxImmTables int `yaml:"max_imm_tables"`
}

type WALConfig struct {
	Durability     Durability `yaml:"durability"`
	SyncIntervalMs int        `yaml:"sync_interval_ms"`
	SyncBatchSize  int        `yaml:"sync_batch_size"`
}

func (c WALConfig) SyncEvery() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

type PersistenceConfig struct {
	RootPath    string            `yaml:"path"`
	SSTable     SSTableConfig     `yaml:"sstable"`
	Cache       CacheConfig       `yaml:"cache"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
}

type SSTableConfig struct {
	TargetSizeBytes int64  `yaml:"target_size"`
	BlockSizeBytes  int    `yaml:"block_size"`
	Compression     string `yaml:"compression"`
}

type CacheConfig struct {
	CapacityBytes int64 `yaml:"capacity"`
}

type BloomFilterConfig struct {
	FPRate float64 `yaml:"fp_rate"`
}

type CompactionConfig struct {
	LevelBaseSize       int64 `yaml:"level_base_size"`
	LevelFanout         int   `yaml:"level_fanout"`
	MaxLevels           int   `yaml:"max_levels"`
	L0CompactionTrigger int   `yaml:"l0_compaction_trigger"`
	IntervalMs          int   `yaml:"interval_ms"`
	// RateLimitBytesPerSec throttles compaction output; 0 disables throttling.
	RateLimitBytesPerSec int64 `yaml:"rate_limit_bytes_per_sec"`
}

func (c CompactionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SlogLevel maps the configured level name onto slog.
func (c LoggerConfig) SlogLevel() slog.Level {
	switch strings.ToUpper(c.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: DB{
			Memtable: MemtableConfig{
				FlushThresholdBytes: 4 << 20,
				FlushChanBuffSize:   4,
				MaxImmTables:        4,
			},
			WAL: WALConfig{
				Durability:     SyncInterval,
				SyncIntervalMs: 10,
				SyncBatchSize:  128,
			},
			Persistence: PersistenceConfig{
				RootPath: "./data",
				SSTable: SSTableConfig{
					TargetSizeBytes: 2 << 20,
					BlockSizeBytes:  4 << 10,
					Compression:     "snappy",
				},
				Cache: CacheConfig{
					CapacityBytes: 8 << 20,
				},
				BloomFilter: BloomFilterConfig{
					FPRate: 0.01,
				},
			},
			Compaction: CompactionConfig{
				LevelBaseSize:       10 << 20,
				LevelFanout:         10,
				MaxLevels:           7,
				L0CompactionTrigger: 4,
				IntervalMs:          1000,
			},
		},
	}
}

// Validate reports every invalid option, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Persistence.RootPath != "", "persistence.path is required")
	check(c.Memtable.FlushThresholdBytes > 0, "memtable.flush_threshold must be positive")
	check(c.Memtable.FlushChanBuffSize > 0, "memtable.flush_chan_buff_size must be positive")
	check(c.Memtable.MaxImmTables > 0, "memtable.max_imm_tables must be positive")
	check(c.WAL.Durability.Valid(), "wal.durability %q is unknown", c.WAL.Durability)
	if c.WAL.Durability == SyncInterval {
		check(c.WAL.SyncIntervalMs > 0, "wal.sync_interval_ms must be positive")
	}
	check(c.WAL.SyncBatchSize >= 0, "wal.sync_batch_size must not be negative")
	check(c.Persistence.SSTable.TargetSizeBytes > 0, "sstable.target_size must be positive")
	check(c.Persistence.SSTable.BlockSizeBytes > 0, "sstable.block_size must be positive")
	check(c.Persistence.Cache.CapacityBytes >= 0, "cache.capacity must not be negative")
	check(c.Persistence.BloomFilter.FPRate > 0 && c.Persistence.BloomFilter.FPRate < 1,
		"bloom_filter.fp_rate must be in (0, 1)")
	check(c.Compaction.LevelBaseSize > 0, "compaction.level_base_size must be positive")
	check(c.Compaction.LevelFanout > 1, "compaction.level_fanout must be greater than 1")
	check(c.Compaction.MaxLevels >= 2, "compaction.max_levels must be at least 2")
	check(c.Compaction.L0CompactionTrigger > 0, "compaction.l0_compaction_trigger must be positive")
	check(c.Compaction.IntervalMs > 0, "compaction.interval_ms must be positive")
	check(c.Compaction.RateLimitBytesPerSec >= 0, "compaction.rate_limit_bytes_per_sec must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Load reads a YAML config on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}
