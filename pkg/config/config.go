// Package config loads and validates the transcription engine's
// configuration: a JSON file with environment variable overrides,
// adapted from the teacher's pkg/infrastructure/config/config.go layout
// (per-concern nested structs, DefaultConfig/LoadConfig/Validate), with
// the teacher's IPFS/FUSE/WebUI sections replaced by the Task
// Store/Model Pool/Media Fetcher/Callback Dispatcher/Ingress sections
// this domain actually needs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/speechqueue/transcribeq/pkg/enginepool"
	"github.com/speechqueue/transcribeq/pkg/util"
)

// Config holds the whole process's configuration.
type Config struct {
	Store    StoreConfig    `json:"store"`
	Pool     PoolConfig     `json:"pool"`
	Fetch    FetchConfig    `json:"fetch"`
	Processor ProcessorConfig `json:"processor"`
	Callback CallbackConfig `json:"callback"`
	Ingress  IngressConfig  `json:"ingress"`
	Logging  LoggingConfig  `json:"logging"`
}

// StoreConfig governs the Task Store's connection.
type StoreConfig struct {
	ConnectionString     string `json:"connection_string"`
	MaxConnections       int32  `json:"max_connections"`
	MaxReconnectAttempts int    `json:"max_reconnect_attempts"`
}

// PoolConfig governs the Model Pool, mirroring enginepool.Config's
// fields one-for-one so it can be converted directly.
type PoolConfig struct {
	MinSize               int    `json:"min_size"`
	MaxSize               int    `json:"max_size"`
	GPUCount              int    `json:"gpu_count"`
	MaxInstancesPerGPU    int    `json:"max_instances_per_gpu"`
	CPUOnly               bool   `json:"cpu_only"`
	CPUThreads            int    `json:"cpu_threads"`
	InitializeWithMaxSize bool   `json:"initialize_with_max_size"`
	AcquireTimeoutSeconds int    `json:"acquire_timeout_seconds"`
	AcquireStrategy       string `json:"acquire_strategy"`
}

// ToEnginePool converts PoolConfig to enginepool.Config.
func (c PoolConfig) ToEnginePool() enginepool.Config {
	return enginepool.Config{
		MinSize:               c.MinSize,
		MaxSize:               c.MaxSize,
		GPUCount:              c.GPUCount,
		MaxInstancesPerGPU:    c.MaxInstancesPerGPU,
		CPUOnly:               c.CPUOnly,
		CPUThreads:            c.CPUThreads,
		InitializeWithMaxSize: c.InitializeWithMaxSize,
		AcquireTimeout:        time.Duration(c.AcquireTimeoutSeconds) * time.Second,
	}
}

// Strategy converts AcquireStrategy to an enginepool.Strategy, defaulting
// to "existing" for an empty or unrecognized value.
func (c PoolConfig) Strategy() enginepool.Strategy {
	if strings.EqualFold(c.AcquireStrategy, "dynamic") {
		return enginepool.StrategyDynamic
	}
	return enginepool.StrategyExisting
}

// FetchConfig governs the Media Fetcher.
type FetchConfig struct {
	TempDir                string `json:"temp_dir"`
	MaxFileSizeBytes       int64  `json:"max_file_size_bytes"`
	ChunkSizeBytes         int64  `json:"chunk_size_bytes"`
	ProbeBytes             int64  `json:"probe_bytes"`
	RequestTimeoutSeconds  int    `json:"request_timeout_seconds"`
}

// ProcessorConfig governs the Task Processor.
type ProcessorConfig struct {
	MaxConcurrentTasks         int  `json:"max_concurrent_tasks"`
	StatusCheckIntervalSeconds int  `json:"status_check_interval_seconds"`
	CleanupEnabled             bool `json:"cleanup_enabled"`
	ShutdownTimeoutSeconds     int  `json:"shutdown_timeout_seconds"`
}

// CallbackConfig governs the Callback Dispatcher.
type CallbackConfig struct {
	ConnectionString      string `json:"connection_string"`
	PollIntervalSeconds   int    `json:"poll_interval_seconds"`
	BatchSize             int    `json:"batch_size"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
	MaxAttempts           int    `json:"max_attempts"`
	RetryWaitSeconds      int    `json:"retry_wait_seconds"`
}

// IngressConfig governs the HTTP ingress adapter.
type IngressConfig struct {
	ConnectionString string `json:"connection_string"`
	ListenAddr       string `json:"listen_addr"`
	UploadDir        string `json:"upload_dir"`
	MaxUploadBytes   int64  `json:"max_upload_bytes"`
}

// LoggingConfig governs pkg/logging's global logger.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// DefaultConfig returns sensible defaults for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			MaxConnections:       10,
			MaxReconnectAttempts: 5,
		},
		Pool: PoolConfig{
			MinSize:               1,
			MaxSize:               1,
			MaxInstancesPerGPU:    1,
			AcquireTimeoutSeconds: 30,
			AcquireStrategy:       "existing",
		},
		Fetch: FetchConfig{
			TempDir:               "/tmp/transcribeq/fetch",
			MaxFileSizeBytes:       2 << 30,
			ChunkSizeBytes:         256 * 1024,
			ProbeBytes:             1024,
			RequestTimeoutSeconds:  1800,
		},
		Processor: ProcessorConfig{
			MaxConcurrentTasks:         4,
			StatusCheckIntervalSeconds: 2,
			CleanupEnabled:             true,
			ShutdownTimeoutSeconds:     30,
		},
		Callback: CallbackConfig{
			PollIntervalSeconds:   2,
			BatchSize:             10,
			RequestTimeoutSeconds: 10,
			MaxAttempts:           3,
			RetryWaitSeconds:      2,
		},
		Ingress: IngressConfig{
			ListenAddr:     ":8080",
			UploadDir:      "/tmp/transcribeq/uploads",
			MaxUploadBytes: 2 << 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configPath (if non-empty and present) as JSON over the
// defaults, applies environment overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", configPath, err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, c)
}

// applyEnvironmentOverrides lets the common deployment knobs (database
// DSNs, listen address, log level) be set without editing the config
// file, the same override shape the teacher's config.go uses.
func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("TRANSCRIBEQ_STORE_DSN"); val != "" {
		c.Store.ConnectionString = val
	}
	if val := os.Getenv("TRANSCRIBEQ_CALLBACK_DSN"); val != "" {
		c.Callback.ConnectionString = val
	}
	if val := os.Getenv("TRANSCRIBEQ_INGRESS_DSN"); val != "" {
		c.Ingress.ConnectionString = val
	}
	if val := os.Getenv("TRANSCRIBEQ_LISTEN_ADDR"); val != "" {
		c.Ingress.ListenAddr = val
	}
	if val := os.Getenv("TRANSCRIBEQ_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("TRANSCRIBEQ_POOL_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxSize = n
		}
	}
	if val := os.Getenv("TRANSCRIBEQ_GPU_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.GPUCount = n
		}
	}
	if val := os.Getenv("TRANSCRIBEQ_CPU_ONLY"); val != "" {
		c.Pool.CPUOnly = strings.EqualFold(val, "true")
	}
	if val := os.Getenv("TRANSCRIBEQ_MAX_CONCURRENT_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Processor.MaxConcurrentTasks = n
		}
	}
	if val := os.Getenv("TRANSCRIBEQ_MAX_UPLOAD_SIZE"); val != "" {
		if n, err := util.ParseSize(val); err == nil {
			c.Ingress.MaxUploadBytes = n
		}
	}
	if val := os.Getenv("TRANSCRIBEQ_MAX_FILE_SIZE"); val != "" {
		if n, err := util.ParseSize(val); err == nil {
			c.Fetch.MaxFileSizeBytes = n
		}
	}
}

// Validate checks every section for obviously broken values before the
// process starts accepting work.
func (c *Config) Validate() error {
	if c.Pool.MinSize < 0 || c.Pool.MaxSize <= 0 {
		return fmt.Errorf("pool.max_size must be positive")
	}
	if c.Pool.MinSize > c.Pool.MaxSize {
		return fmt.Errorf("pool.min_size (%d) exceeds pool.max_size (%d)", c.Pool.MinSize, c.Pool.MaxSize)
	}
	if c.Fetch.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("fetch.max_file_size_bytes must be positive")
	}
	if c.Processor.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("processor.max_concurrent_tasks must be positive")
	}
	if c.Callback.MaxAttempts <= 0 {
		return fmt.Errorf("callback.max_attempts must be positive")
	}
	if c.Ingress.ListenAddr == "" {
		return fmt.Errorf("ingress.listen_addr cannot be empty")
	}
	return nil
}
