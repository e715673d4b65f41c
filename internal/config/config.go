// Package config loads daemon configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for noidd and noid-netd.
type Config struct {
	HTTPAddr  string // tenant API listen address, e.g. ":8080"
	DataDir   string // root of the VM directory tree and SQLite database

	KernelPath        string // guest kernel image used for cold boots
	DefaultRootfsPath string // base rootfs image cloned for new VMs
	FirecrackerBin    string // path to the firecracker binary

	BrokerSocketPath string // noid-netd's Unix socket

	// APIToken, if set, seeds a single bootstrap tenant at startup so a
	// fresh deployment has at least one usable bearer token before any
	// user-management surface exists.
	APIToken string

	ExecTimeoutSecs    int
	ConsoleTimeoutSecs int
	MaxWSSessions      int // concurrent console/exec WebSocket sessions before 503

	DefaultCpus   int // vCPUs for a create request that omits cpus
	DefaultMemMiB int // memory for a create request that omits mem_mib

	DatabaseDriver string // "sqlite" (the only driver currently wired)
	DatabaseURL    string // sqlite file path when DatabaseDriver == "sqlite"

	MetricsAddr string
}

// Load reads configuration from environment variables with sensible
// defaults, mirroring the NOID_-prefixed convention.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: envOrDefault("NOID_HTTP_ADDR", ":8080"),
		DataDir:  envOrDefault("NOID_DATA_DIR", "/var/lib/noid"),

		KernelPath:        os.Getenv("NOID_KERNEL_PATH"),
		DefaultRootfsPath: os.Getenv("NOID_DEFAULT_ROOTFS_PATH"),
		FirecrackerBin:    envOrDefault("NOID_FIRECRACKER_BIN", "firecracker"),

		BrokerSocketPath: envOrDefault("NOID_BROKER_SOCKET", "/run/noid/netd.sock"),

		APIToken: os.Getenv("NOID_API_TOKEN"),

		ExecTimeoutSecs:    envOrDefaultInt("NOID_EXEC_TIMEOUT_SECS", 30),
		ConsoleTimeoutSecs: envOrDefaultInt("NOID_CONSOLE_TIMEOUT_SECS", 3600),
		MaxWSSessions:      envOrDefaultInt("NOID_MAX_WS_SESSIONS", 32),

		DefaultCpus:   envOrDefaultInt("NOID_DEFAULT_CPUS", 1),
		DefaultMemMiB: envOrDefaultInt("NOID_DEFAULT_MEM_MIB", 128),

		DatabaseDriver: envOrDefault("NOID_DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    os.Getenv("NOID_DATABASE_URL"),

		MetricsAddr: envOrDefault("NOID_METRICS_ADDR", ":9090"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.DataDir + "/noid.db"
	}
	if cfg.KernelPath == "" {
		cfg.KernelPath = cfg.DataDir + "/vmlinux"
	}
	if cfg.DefaultRootfsPath == "" {
		cfg.DefaultRootfsPath = cfg.DataDir + "/images/default.ext4"
	}

	if cfg.DatabaseDriver != "sqlite" {
		return nil, fmt.Errorf("config: unsupported NOID_DATABASE_DRIVER %q (only \"sqlite\" is wired)", cfg.DatabaseDriver)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}
