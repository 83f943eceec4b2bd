package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// config is the broker's runtime configuration, read from APP_-prefixed
// environment variables. Configuration loading proper is out of scope; this
// loader is deliberately flat.
type config struct {
	HTTPAddr   string
	GRPCAddr   string
	EnableHTTP bool
	EnableGRPC bool

	ExecutorImage    string
	WorkerNamePrefix string
	PoolTarget       int
	ProvisionTimeout time.Duration

	ContainerdSocket string
	FileStoragePath  string
	ReclaimInterval  time.Duration

	RequireChatID      bool
	GlobalMaxDownloads *int64
	MaxOutputBytes     int

	// WorkerEnv and WorkerMounts are pass-through extras for the worker
	// container spec, read from APP_EXECUTOR_ENV_JSON and
	// APP_EXECUTOR_MOUNTS_JSON.
	WorkerEnv    map[string]string
	WorkerMounts []specs.Mount
}

func loadConfig() (*config, error) {
	cfg := &config{
		HTTPAddr:         envStr("APP_HTTP_ADDR", "0.0.0.0:50081"),
		GRPCAddr:         envStr("APP_GRPC_ADDR", "0.0.0.0:50051"),
		EnableHTTP:       envBool("APP_ENABLE_HTTP", true),
		EnableGRPC:       envBool("APP_ENABLE_GRPC", true),
		ExecutorImage:    envStr("APP_EXECUTOR_IMAGE", "docker.io/library/python:3.12-slim"),
		WorkerNamePrefix: envStr("APP_WORKER_NAME_PREFIX", "sandbox-"),
		ContainerdSocket: envStr("APP_CONTAINERD_SOCKET", ""),
		FileStoragePath:  envStr("APP_FILE_STORAGE_PATH", "/var/lib/codebroker"),
		RequireChatID:    envBool("APP_REQUIRE_CHAT_ID", false),
	}

	var err error
	if cfg.PoolTarget, err = envInt("APP_POOL_TARGET_LENGTH", 2); err != nil {
		return nil, err
	}
	if cfg.MaxOutputBytes, err = envInt("APP_MAX_OUTPUT_BYTES", 1<<20); err != nil {
		return nil, err
	}
	if cfg.ProvisionTimeout, err = envDuration("APP_PROVISIONING_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ReclaimInterval, err = envDuration("APP_RECLAIM_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}

	if v := os.Getenv("APP_MAX_DOWNLOADS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("APP_MAX_DOWNLOADS: %w", err)
		}
		cfg.GlobalMaxDownloads = &n
	}

	if v := os.Getenv("APP_EXECUTOR_ENV_JSON"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.WorkerEnv); err != nil {
			return nil, fmt.Errorf("APP_EXECUTOR_ENV_JSON: %w", err)
		}
	}
	if v := os.Getenv("APP_EXECUTOR_MOUNTS_JSON"); v != "" {
		if err := json.Unmarshal([]byte(v), &cfg.WorkerMounts); err != nil {
			return nil, fmt.Errorf("APP_EXECUTOR_MOUNTS_JSON: %w", err)
		}
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
