package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	WorkerID      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// Prefix and Queue must match the server's STAPI_REDIS_PREFIX and STAPI_REDIS_QUEUE.
	Prefix      string
	Queue       string
	Concurrency int
	ExecTimeout time.Duration
	// ScratchRoot is the working directory of procs submitted without initialdir.
	ScratchRoot     string
	OutputBackend   string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucket     string
	MinIOUseSSL     bool
	ShutdownTimeout time.Duration
	// MetricsAddr serves /healthz and Prometheus metrics when set.
	MetricsAddr string
}

func FromEnv() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "executor-local"
	}
	return Config{
		WorkerID:        getenv("STAPI_WORKER_ID", hostname),
		RedisAddr:       getenv("STAPI_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   getenv("STAPI_REDIS_PASSWORD", ""),
		RedisDB:         getenvInt("STAPI_REDIS_DB", 0),
		Prefix:          getenv("STAPI_REDIS_PREFIX", "stapi:htc"),
		Queue:           getenv("STAPI_REDIS_QUEUE", "htc"),
		Concurrency:     getenvInt("STAPI_WORKER_CONCURRENCY", 2),
		ExecTimeout:     time.Duration(getenvInt("STAPI_WORKER_EXEC_TIMEOUT_SECONDS", 3600)) * time.Second,
		ScratchRoot:     getenv("STAPI_WORKER_SCRATCH_ROOT", "/tmp/htc-executor"),
		OutputBackend:   getenv("STAPI_WORKER_OUTPUT_BACKEND", "local"),
		MinIOEndpoint:   getenv("STAPI_MINIO_ENDPOINT", ""),
		MinIOAccessKey:  getenv("STAPI_MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:  getenv("STAPI_MINIO_SECRET_KEY", ""),
		MinIOBucket:     getenv("STAPI_WORKER_OUTPUT_BUCKET", "htc-outputs"),
		MinIOUseSSL:     getenvBool("STAPI_MINIO_USE_SSL", false),
		ShutdownTimeout: time.Duration(getenvInt("STAPI_WORKER_SHUTDOWN_SECONDS", 30)) * time.Second,
		MetricsAddr:     getenv("STAPI_WORKER_METRICS_ADDR", ""),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
