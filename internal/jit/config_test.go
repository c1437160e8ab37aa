package jit

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tangzhangming/forge/internal/errs"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ZoneBlockSize != DefaultZoneBlockSize {
		t.Fatalf("default block size = %d", cfg.ZoneBlockSize)
	}
	if !cfg.CacheEnabled {
		t.Fatal("cache should default to enabled")
	}
	if cfg.AllowRWX {
		t.Fatal("rwx must default to off")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeTempConfig(t, `
zone_block_size = 4096
zone_limit = 65536
cache_enabled = false
allow_rwx = true
log_level = "debug"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ZoneBlockSize != 4096 || cfg.ZoneLimit != 65536 {
		t.Fatalf("zone settings = %d/%d", cfg.ZoneBlockSize, cfg.ZoneLimit)
	}
	if cfg.CacheEnabled || !cfg.AllowRWX {
		t.Fatalf("flags = cache:%v rwx:%v", cfg.CacheEnabled, cfg.AllowRWX)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	log, err := cfg.Logger()
	if err != nil {
		t.Fatalf("Logger: %v", err)
	}
	log.Sync()
}

func TestConfigLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "verbose"
	if errs.CodeOf(cfg.Validate()) != errs.J0104 {
		t.Fatal("unknown log level should fail validation")
	}

	cfg.LogLevel = ""
	log, err := cfg.Logger()
	if err != nil || log == nil {
		t.Fatalf("empty level should yield nop logger, got %v", err)
	}
}

func TestLoadConfigBadToml(t *testing.T) {
	path := writeTempConfig(t, "zone_block_size = [broken")
	_, err := LoadConfig(path)
	if !errors.Is(err, errs.ErrConfiguration) || errs.CodeOf(err) != errs.J0104 {
		t.Fatalf("expected J0104, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ZoneBlockSize = -1
	if errs.CodeOf(cfg.Validate()) != errs.J0104 {
		t.Fatal("negative block size should fail validation")
	}

	cfg = DefaultConfig()
	cfg.ZoneLimit = 1024
	cfg.ZoneBlockSize = 4096
	if errs.CodeOf(cfg.Validate()) != errs.J0104 {
		t.Fatal("block size above limit should fail validation")
	}
}
