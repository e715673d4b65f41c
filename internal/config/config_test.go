package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("NOID_HTTP_ADDR")
	os.Unsetenv("NOID_DATA_DIR")
	os.Unsetenv("NOID_DATABASE_DRIVER")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected HTTPAddr :8080, got %s", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/var/lib/noid" {
		t.Errorf("expected DataDir /var/lib/noid, got %s", cfg.DataDir)
	}
	if cfg.DatabaseURL != "/var/lib/noid/noid.db" {
		t.Errorf("expected derived DatabaseURL, got %s", cfg.DatabaseURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("NOID_HTTP_ADDR", ":9999")
	os.Setenv("NOID_DATA_DIR", "/tmp/noid-test")
	defer func() {
		os.Unsetenv("NOID_HTTP_ADDR")
		os.Unsetenv("NOID_DATA_DIR")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.HTTPAddr != ":9999" {
		t.Errorf("expected HTTPAddr :9999, got %s", cfg.HTTPAddr)
	}
	if cfg.DataDir != "/tmp/noid-test" {
		t.Errorf("expected DataDir /tmp/noid-test, got %s", cfg.DataDir)
	}
}

func TestLoadRejectsUnsupportedDriver(t *testing.T) {
	os.Setenv("NOID_DATABASE_DRIVER", "postgres")
	defer os.Unsetenv("NOID_DATABASE_DRIVER")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unsupported database driver, got nil")
	}
}
