package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
	Queue    string `yaml:"queue"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Store        string `yaml:"store"` // memory|sqlite|postgres
	SQLitePath   string `yaml:"sqlite_path"`
	SQLiteDriver string `yaml:"sqlite_driver"` // sqlite|sqlite3
	PostgresDSN  string `yaml:"postgres_dsn"`

	Engine string `yaml:"engine"` // memory|redis
	// EngineAutoComplete makes the memory engine finish every proc with exit code 0.
	EngineAutoComplete bool        `yaml:"engine_autocomplete"`
	Redis              RedisConfig `yaml:"redis"`

	TaskRoot       string        `yaml:"task_root"`
	EventLog       string        `yaml:"event_log"`
	SubmitTimeout  time.Duration `yaml:"submit_timeout"`
	DefaultRetries int           `yaml:"default_retries"`
	EventCacheSize int           `yaml:"event_cache_size"`

	LoopTick           time.Duration `yaml:"loop_tick"`
	DispatchInterval   time.Duration `yaml:"dispatch_interval"`
	DispatchJitter     time.Duration `yaml:"dispatch_jitter"`
	ExpirationInterval time.Duration `yaml:"expiration_interval"`

	Archive    string      `yaml:"archive"` // none|local|minio
	ArchiveDir string      `yaml:"archive_dir"`
	MinIO      MinIOConfig `yaml:"minio"`

	// APITokens is a comma separated list of token:scope|scope entries.
	APITokens       string  `yaml:"api_tokens"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`

	Tracing TracingConfig `yaml:"tracing"`
}

func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		Store:        "sqlite",
		SQLitePath:   "stapi_htc.db",
		SQLiteDriver: "sqlite",
		Engine:       "memory",
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "stapi:htc",
			Queue:  "htc",
		},
		TaskRoot:           "./taskroot",
		SubmitTimeout:      120 * time.Second,
		DefaultRetries:     2,
		EventCacheSize:     4096,
		LoopTick:           time.Second,
		DispatchInterval:   11500 * time.Millisecond,
		DispatchJitter:     time.Second,
		ExpirationInterval: 12 * time.Second,
		Archive:            "none",
		ArchiveDir:         "./archive",
		MinIO:              MinIOConfig{Bucket: "stapi-htc-archive"},
		RateLimitBurst:     20,
		Tracing:            DefaultTracing(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// STAPI_CONFIG_FILE when path is empty) and STAPI_* environment variables,
// in that order.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv("STAPI_CONFIG_FILE"))
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	envString(&cfg.ListenAddr, "STAPI_LISTEN_ADDR")
	envString(&cfg.Store, "STAPI_STORE")
	envString(&cfg.SQLitePath, "STAPI_SQLITE_PATH")
	envString(&cfg.SQLiteDriver, "STAPI_SQLITE_DRIVER")
	envString(&cfg.PostgresDSN, "STAPI_POSTGRES_DSN")
	envString(&cfg.Engine, "STAPI_ENGINE")
	errs = append(errs, envBool(&cfg.EngineAutoComplete, "STAPI_ENGINE_AUTOCOMPLETE"))
	envString(&cfg.Redis.Addr, "STAPI_REDIS_ADDR")
	envString(&cfg.Redis.Password, "STAPI_REDIS_PASSWORD")
	errs = append(errs, envInt(&cfg.Redis.DB, "STAPI_REDIS_DB"))
	envString(&cfg.Redis.Prefix, "STAPI_REDIS_PREFIX")
	envString(&cfg.Redis.Queue, "STAPI_ASYNQ_QUEUE")
	envString(&cfg.TaskRoot, "STAPI_TASK_ROOT")
	envString(&cfg.EventLog, "STAPI_EVENT_LOG")
	errs = append(errs,
		envDuration(&cfg.SubmitTimeout, "STAPI_SUBMIT_TIMEOUT"),
		envInt(&cfg.DefaultRetries, "STAPI_DEFAULT_RETRIES"),
		envInt(&cfg.EventCacheSize, "STAPI_EVENT_CACHE_SIZE"),
		envDuration(&cfg.LoopTick, "STAPI_LOOP_TICK"),
		envDuration(&cfg.DispatchInterval, "STAPI_DISPATCH_INTERVAL"),
		envDuration(&cfg.DispatchJitter, "STAPI_DISPATCH_JITTER"),
		envDuration(&cfg.ExpirationInterval, "STAPI_EXPIRATION_INTERVAL"),
	)
	envString(&cfg.Archive, "STAPI_ARCHIVE")
	envString(&cfg.ArchiveDir, "STAPI_ARCHIVE_DIR")
	envString(&cfg.MinIO.Endpoint, "STAPI_MINIO_ENDPOINT")
	envString(&cfg.MinIO.AccessKey, "STAPI_MINIO_ACCESS_KEY")
	envString(&cfg.MinIO.SecretKey, "STAPI_MINIO_SECRET_KEY")
	envString(&cfg.MinIO.Bucket, "STAPI_MINIO_BUCKET")
	errs = append(errs, envBool(&cfg.MinIO.UseSSL, "STAPI_MINIO_USE_SSL"))
	envString(&cfg.APITokens, "STAPI_API_TOKENS")
	errs = append(errs,
		envFloat(&cfg.RateLimitPerSec, "STAPI_RATE_LIMIT_PER_SEC"),
		envInt(&cfg.RateLimitBurst, "STAPI_RATE_LIMIT_BURST"),
		cfg.Tracing.applyEnv(),
	)
	return errors.Join(errs...)
}

// Validate reports every setting that would keep the server from starting.
func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path is required when store=sqlite"))
		}
		if c.SQLiteDriver != "sqlite" && c.SQLiteDriver != "sqlite3" {
			errs = append(errs, fmt.Errorf("unsupported sqlite driver %q", c.SQLiteDriver))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("STAPI_POSTGRES_DSN is required when store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store %q", c.Store))
	}
	switch c.Engine {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("STAPI_REDIS_ADDR is required when engine=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported engine %q", c.Engine))
	}
	switch c.Archive {
	case "", "none":
	case "local":
		if c.ArchiveDir == "" {
			errs = append(errs, errors.New("archive dir is required when archive=local"))
		}
	case "minio":
		if c.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("STAPI_MINIO_ENDPOINT is required when archive=minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported archive %q", c.Archive))
	}
	for name, d := range map[string]time.Duration{
		"submit timeout":      c.SubmitTimeout,
		"loop tick":           c.LoopTick,
		"dispatch interval":   c.DispatchInterval,
		"expiration interval": c.ExpirationInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.LoopTick > 0 && (c.LoopTick > c.DispatchInterval || c.LoopTick > c.ExpirationInterval) {
		errs = append(errs, fmt.Errorf("loop tick %s exceeds a scan interval", c.LoopTick))
	}
	if c.DispatchJitter < 0 {
		errs = append(errs, errors.New("dispatch jitter must not be negative"))
	}
	if c.DefaultRetries < 0 {
		errs = append(errs, errors.New("default retries must not be negative"))
	}
	if c.RateLimitPerSec < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	errs = append(errs, c.Tracing.Validate())
	return errors.Join(errs...)
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(dst *float64, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func envBool(dst *bool, key string) error {
	switch strings.TrimSpace(os.Getenv(key)) {
	case "":
		return nil
	case "1", "true", "TRUE", "yes", "YES":
		*dst = true
	case "0", "false", "FALSE", "no", "NO":
		*dst = false
	default:
		return fmt.Errorf("%s: invalid boolean %q", key, os.Getenv(key))
	}
	return nil
}
