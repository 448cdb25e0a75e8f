package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func setEnvVars(t *testing.T, vars map[string]string) func() {
	t.Helper()
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for k := range vars {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
	}
	for k, v := range vars {
		os.Setenv(k, v)
	}
	return func() {
		for k := range vars {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

var allKeys = []string{
	"XSTORE_BASEDIR", "XSTORE_JOURNAL_DIR", "XSTORE_ADMIN_PORT", "XSTORE_JWKS_URL",
	"XSTORE_SYNC_INTERVAL_MIN", "XSTORE_SYNC_INTERVAL_MAX", "XSTORE_COMMIT_WATCHDOG",
	"XSTORE_MAX_OPS", "XSTORE_MAX_BYTES", "XSTORE_COMMITTING_OPS_DELTA", "XSTORE_COMMITTING_BYTES_DELTA",
	"XSTORE_WORKERS", "XSTORE_ONDISK_FINISHERS", "XSTORE_READABLE_FINISHERS",
	"XSTORE_WRITEBACK_SHARDS", "XSTORE_FDCACHE_SHARDS", "XSTORE_FDCACHE_PER_SHARD",
	"XSTORE_PGMETA_CACHE_SHARDS", "XSTORE_MAX_INLINE_ATTR_SIZE", "XSTORE_MAX_INLINE_ATTR_COUNT",
	"XSTORE_FAIL_ON_EIO", "XSTORE_KEEP_CHECKPOINTS", "XSTORE_JOURNAL_NEAR_FULL_BYTES",
	"XSTORE_SLOPPY_CRC", "XSTORE_TXN_DUMP_PATH",
	"XSTORE_KILL_AT_OP_COUNT", "XSTORE_STALL_PER_OP", "XSTORE_EIO_INJECT_RATE",
	"XSTORE_LOG_LEVEL", "XSTORE_LOG_FORMAT",
}

func clearAllEnvVars(t *testing.T) func() {
	t.Helper()
	originals := make(map[string]string)
	origSet := make(map[string]bool)
	for _, k := range allKeys {
		if v, ok := os.LookupEnv(k); ok {
			originals[k] = v
			origSet[k] = true
		}
		os.Unsetenv(k)
	}
	return func() {
		for _, k := range allKeys {
			if origSet[k] {
				os.Setenv(k, originals[k])
			} else {
				os.Unsetenv(k)
			}
		}
	}
}

func requiredEnvVars(t *testing.T) map[string]string {
	return map[string]string{
		"XSTORE_BASEDIR": t.TempDir(),
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	cleanupVars := setEnvVars(t, requiredEnvVars(t))
	defer cleanupVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.AdminPort != 9180 {
		t.Errorf("AdminPort: expected 9180, got %d", cfg.AdminPort)
	}
	if cfg.SyncIntervalMin != 5*time.Second {
		t.Errorf("SyncIntervalMin: expected 5s, got %v", cfg.SyncIntervalMin)
	}
	if cfg.SyncIntervalMax != 30*time.Second {
		t.Errorf("SyncIntervalMax: expected 30s, got %v", cfg.SyncIntervalMax)
	}
	if cfg.MaxOps != 500 {
		t.Errorf("MaxOps: expected 500, got %d", cfg.MaxOps)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers: expected 8, got %d", cfg.Workers)
	}
	if cfg.FailOnEIO != true {
		t.Errorf("FailOnEIO: expected true, got %v", cfg.FailOnEIO)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel: expected INFO, got %v", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat: expected json, got %q", cfg.LogFormat)
	}
	if cfg.JournalDir != cfg.Basedir+"/journal" {
		t.Errorf("JournalDir: expected %s/journal, got %q", cfg.Basedir, cfg.JournalDir)
	}
	if cfg.JournalNearFullBytes != 64<<20 {
		t.Errorf("JournalNearFullBytes: expected %d, got %d", 64<<20, cfg.JournalNearFullBytes)
	}
	if cfg.KillAtOpCount != 0 {
		t.Errorf("KillAtOpCount: expected 0, got %d", cfg.KillAtOpCount)
	}
	if cfg.StallPerOp != 0 {
		t.Errorf("StallPerOp: expected 0, got %v", cfg.StallPerOp)
	}
	if cfg.EIOInjectRate != 0 {
		t.Errorf("EIOInjectRate: expected 0, got %v", cfg.EIOInjectRate)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_WORKERS"] = "16"
	vars["XSTORE_MAX_OPS"] = "1000"
	vars["XSTORE_LOG_LEVEL"] = "debug"
	vars["XSTORE_LOG_FORMAT"] = "text"
	vars["XSTORE_FAIL_ON_EIO"] = "false"
	vars["XSTORE_SLOPPY_CRC"] = "true"
	vars["XSTORE_KILL_AT_OP_COUNT"] = "42"
	vars["XSTORE_STALL_PER_OP"] = "5ms"
	vars["XSTORE_EIO_INJECT_RATE"] = "0.25"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workers != 16 {
		t.Errorf("Workers: expected 16, got %d", cfg.Workers)
	}
	if cfg.MaxOps != 1000 {
		t.Errorf("MaxOps: expected 1000, got %d", cfg.MaxOps)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel: expected DEBUG, got %v", cfg.LogLevel)
	}
	if cfg.FailOnEIO != false {
		t.Errorf("FailOnEIO: expected false, got %v", cfg.FailOnEIO)
	}
	if cfg.SloppyCRC != true {
		t.Errorf("SloppyCRC: expected true, got %v", cfg.SloppyCRC)
	}
	if cfg.KillAtOpCount != 42 {
		t.Errorf("KillAtOpCount: expected 42, got %d", cfg.KillAtOpCount)
	}
	if cfg.StallPerOp != 5*time.Millisecond {
		t.Errorf("StallPerOp: expected 5ms, got %v", cfg.StallPerOp)
	}
	if cfg.EIOInjectRate != 0.25 {
		t.Errorf("EIOInjectRate: expected 0.25, got %v", cfg.EIOInjectRate)
	}
}

func TestLoad_InvalidEIOInjectRate(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_EIO_INJECT_RATE"] = "1.5"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error for XSTORE_EIO_INJECT_RATE outside [0,1]")
	}
}

func TestLoad_MissingBasedir(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	_, err := Load()
	if err == nil {
		t.Error("expected error when XSTORE_BASEDIR is unset")
	}
}

func TestLoad_InvalidSyncIntervalOrder(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_SYNC_INTERVAL_MIN"] = "1m"
	vars["XSTORE_SYNC_INTERVAL_MAX"] = "10s"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error when sync interval max < min")
	}
}

func TestLoad_InvalidWorkers(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_WORKERS"] = "0"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error for non-positive XSTORE_WORKERS")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_LOG_FORMAT"] = "yaml"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid XSTORE_LOG_FORMAT")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_LOG_LEVEL"] = "verbose"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid XSTORE_LOG_LEVEL")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	cleanup := clearAllEnvVars(t)
	defer cleanup()

	vars := requiredEnvVars(t)
	vars["XSTORE_COMMIT_WATCHDOG"] = "not-a-duration"
	cleanupVars := setEnvVars(t, vars)
	defer cleanupVars()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid XSTORE_COMMIT_WATCHDOG")
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		t.Run(format, func(t *testing.T) {
			cfg := &Config{LogLevel: slog.LevelInfo, LogFormat: format}
			if logger := SetupLogger(cfg); logger == nil {
				t.Fatal("SetupLogger returned nil")
			}
		})
	}
}
