package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "crucible.db"
	defaultAlgorithmsDir = "algorithms"

	envConfigFile = "CRUCIBLE_CONFIG"

	envListenAddr    = "CRUCIBLE_LISTEN_ADDR"
	envDBPath        = "CRUCIBLE_DB_PATH"
	envLogLevel      = "CRUCIBLE_LOG_LEVEL"
	envAlgorithmsDir = "CRUCIBLE_ALGORITHMS_DIR"
	envDevices       = "CRUCIBLE_DEVICES"

	envStorageProvider  = "CRUCIBLE_STORAGE_PROVIDER"
	envStorageEndpoint  = "CRUCIBLE_STORAGE_ENDPOINT"
	envStorageAccessKey = "CRUCIBLE_STORAGE_ACCESS_KEY"
	envStorageSecretKey = "CRUCIBLE_STORAGE_SECRET_KEY"
	envStorageSecure    = "CRUCIBLE_STORAGE_SECURE"
	envStoragePrefix    = "CRUCIBLE_STORAGE_PREFIX"
	envDataRetention    = "CRUCIBLE_DATA_RETENTION"
	envSweepInterval    = "CRUCIBLE_SWEEP_INTERVAL"

	envExecutorMode    = "CRUCIBLE_EXECUTOR"
	envWorkers         = "CRUCIBLE_WORKERS"
	envQueueSize       = "CRUCIBLE_QUEUE_SIZE"
	envBroker          = "CRUCIBLE_BROKER"
	envRedisAddr       = "CRUCIBLE_REDIS_ADDR"
	envRedisPassword   = "CRUCIBLE_REDIS_PASSWORD"
	envVisibility      = "CRUCIBLE_VISIBILITY_TIMEOUT"
	envCacheCapacity   = "CRUCIBLE_CACHE_CAPACITY"
	envRetention       = "CRUCIBLE_SESSION_RETENTION"
	envScratchTokens   = "CRUCIBLE_SCRATCH_MAX_TOKENS"
	envScratchEntries  = "CRUCIBLE_SCRATCH_MAX_ENTRIES"
	envScratchExpiry   = "CRUCIBLE_SCRATCH_EXPIRY"
	envTraceExporter   = "CRUCIBLE_OTEL_EXPORTER"
	envTraceEndpoint   = "CRUCIBLE_OTEL_ENDPOINT"
	envTraceSampleRate = "CRUCIBLE_OTEL_SAMPLE_RATIO"
	envTraceInsecure   = "CRUCIBLE_OTEL_INSECURE"
	envWorkDir         = "CRUCIBLE_WORK_DIR"
)

// Storage providers.
const (
	StorageMemory = "memory"
	StorageMinIO  = "minio"
)

// Executor modes.
const (
	ExecutorLocal       = "local"
	ExecutorDistributed = "distributed"
)

// Broker kinds.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by CRUCIBLE_CONFIG, then environment variables.
type Config struct {
	ListenAddr    string     `yaml:"listen_addr"`
	DBPath        string     `yaml:"db_path"`
	LogLevelName  string     `yaml:"log_level"`
	LogLevel      slog.Level `yaml:"-"`
	AlgorithmsDir string     `yaml:"algorithms_dir"`
	// WorkDir holds extracted exec modules. Empty means the system temp dir.
	WorkDir string `yaml:"work_dir"`
	// Devices available on this host. Requests for other devices fall back to cpu.
	Devices []string `yaml:"devices"`

	Storage  StorageConfig  `yaml:"storage"`
	Executor ExecutorConfig `yaml:"executor"`
	Cache    CacheConfig    `yaml:"cache"`
	Session  SessionConfig  `yaml:"session"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Provider         string        `yaml:"provider"`
	Endpoint         string        `yaml:"endpoint"`
	AccessKey        string        `yaml:"access_key"`
	SecretKey        string        `yaml:"secret_key"`
	Secure           bool          `yaml:"secure"`
	CollectionPrefix string        `yaml:"collection_prefix"`
	DataRetention    time.Duration `yaml:"data_retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// ExecutorConfig selects the dispatch strategy.
type ExecutorConfig struct {
	Mode              string        `yaml:"mode"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	Broker            string        `yaml:"broker"`
	RedisAddr         string        `yaml:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// CacheConfig bounds the runner cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// SessionConfig controls session retention and the per-token scratch cache.
type SessionConfig struct {
	Retention         time.Duration `yaml:"retention"`
	ScratchMaxTokens  int           `yaml:"scratch_max_tokens"`
	ScratchMaxEntries int           `yaml:"scratch_max_entries"`
	ScratchExpiry     time.Duration `yaml:"scratch_expiry"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		LogLevelName:  "info",
		LogLevel:      slog.LevelInfo,
		AlgorithmsDir: defaultAlgorithmsDir,
		Devices:       []string{"cpu"},
		Storage: StorageConfig{
			Provider:         StorageMemory,
			Endpoint:         "localhost:9000",
			CollectionPrefix: "crucible",
			DataRetention:    24 * time.Hour,
			SweepInterval:    10 * time.Minute,
		},
		Executor: ExecutorConfig{
			Mode:              ExecutorLocal,
			Workers:           1,
			QueueSize:         64,
			Broker:            BrokerMemory,
			RedisAddr:         "localhost:6379",
			VisibilityTimeout: 30 * time.Minute,
		},
		Cache: CacheConfig{Capacity: 8},
		Session: SessionConfig{
			Retention:         24 * time.Hour,
			ScratchMaxTokens:  5,
			ScratchMaxEntries: 5,
			ScratchExpiry:     24 * time.Hour,
		},
		Tracing: TracingConfig{Exporter: "none", SampleRatio: 1.0, Insecure: true},
	}
}

// Load reads configuration from the optional YAML file and environment
// variables on top of Default.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	cfg.LogLevel = parseLogLevel(cfg.LogLevelName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.LogLevelName, envLogLevel)
	setString(&cfg.AlgorithmsDir, envAlgorithmsDir)
	setString(&cfg.WorkDir, envWorkDir)
	if v := os.Getenv(envDevices); v != "" {
		cfg.Devices = splitList(v)
	}

	setString(&cfg.Storage.Provider, envStorageProvider)
	setString(&cfg.Storage.Endpoint, envStorageEndpoint)
	setString(&cfg.Storage.AccessKey, envStorageAccessKey)
	setString(&cfg.Storage.SecretKey, envStorageSecretKey)
	setBool(&cfg.Storage.Secure, envStorageSecure)
	setString(&cfg.Storage.CollectionPrefix, envStoragePrefix)
	setDuration(&cfg.Storage.DataRetention, envDataRetention)
	setDuration(&cfg.Storage.SweepInterval, envSweepInterval)

	setString(&cfg.Executor.Mode, envExecutorMode)
	setInt(&cfg.Executor.Workers, envWorkers)
	setInt(&cfg.Executor.QueueSize, envQueueSize)
	setString(&cfg.Executor.Broker, envBroker)
	setString(&cfg.Executor.RedisAddr, envRedisAddr)
	setString(&cfg.Executor.RedisPassword, envRedisPassword)
	setDuration(&cfg.Executor.VisibilityTimeout, envVisibility)

	setInt(&cfg.Cache.Capacity, envCacheCapacity)

	setDuration(&cfg.Session.Retention, envRetention)
	setInt(&cfg.Session.ScratchMaxTokens, envScratchTokens)
	setInt(&cfg.Session.ScratchMaxEntries, envScratchEntries)
	setDuration(&cfg.Session.ScratchExpiry, envScratchExpiry)

	setString(&cfg.Tracing.Exporter, envTraceExporter)
	setString(&cfg.Tracing.Endpoint, envTraceEndpoint)
	setBool(&cfg.Tracing.Insecure, envTraceInsecure)
	if v := os.Getenv(envTraceSampleRate); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Tracing.SampleRatio = f
		}
	}
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Storage.Provider {
	case StorageMemory, StorageMinIO:
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	switch c.Executor.Mode {
	case ExecutorLocal, ExecutorDistributed:
	default:
		return fmt.Errorf("unknown executor mode %q", c.Executor.Mode)
	}
	switch c.Executor.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		return fmt.Errorf("unknown broker %q", c.Executor.Broker)
	}
	if c.Executor.Mode == ExecutorDistributed && c.Executor.Broker == BrokerMemory {
		return fmt.Errorf("distributed executor requires the %s broker", BrokerRedis)
	}
	if c.Executor.Workers < 1 {
		return fmt.Errorf("executor workers must be at least 1, got %d", c.Executor.Workers)
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be at least 1, got %d", c.Cache.Capacity)
	}
	if c.Storage.DataRetention <= 0 {
		return fmt.Errorf("data retention must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
