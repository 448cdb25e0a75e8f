// Пакет config — загрузка и валидация конфигурации движка из
// переменных окружения (spec §6 "Configuration surface").
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config — снимок всей конфигурации движка. Передаётся указателем в
// engine.New и mount.Mount, а не хранится как глобальная переменная
// (design note 9 "global mutable state ... becomes an explicit config
// snapshot"). Изменения конфигурации смонтированного движка на лету
// нет: метода reconfigure не существует.
type Config struct {
	// Путь к базовой директории хранилища (fsid, superblock, current/).
	Basedir string
	// Путь к директории журнала. По умолчанию Basedir/journal.
	JournalDir string
	// Порт административного HTTP-сервера (internal/adminhttp).
	AdminPort int
	// URL JWKS endpoint, используемый для проверки bearer-токенов
	// административных маршрутов.
	JWKSUrl string

	// Минимальный и максимальный интервал коммит-цикла.
	SyncIntervalMin time.Duration
	SyncIntervalMax time.Duration
	// Таймаут одного коммит-цикла (watchdog commit_start_safe).
	CommitWatchdog time.Duration

	// Потолки допуска (spec §4.4).
	MaxOps               int64
	MaxBytes             int64
	CommittingOpsDelta   int64
	CommittingBytesDelta int64

	// Размеры пулов потоков (spec §5, §6).
	Workers           int
	OnDiskFinishers   int
	ReadableFinishers int
	WritebackShards   int
	FDCacheShards     int
	FDCachePerShard   int
	PgmetaCacheShards int

	// Политика inline xattr (spec §4.5 "setattrs").
	MaxInlineAttrSize  int
	MaxInlineAttrCount int

	// fail-on-EIO: значение загружается из окружения, но путь чтения его
	// не учитывает — I/O ошибки чтения (в том числе EIO) всегда
	// возвращаются вызывающему коду как есть и не бывают фатальными.
	FailOnEIO bool

	// Сколько чекпоинтов хранить помимо текущего (spec §4.6 шаг 5).
	KeepCheckpoints int
	// Размер журнала, при достижении которого коммит-цикл перезапускается
	// немедленно, не дожидаясь тикера (spec §4.6 "near-full re-loop"). 0
	// отключает досрочный перезапуск.
	JournalNearFullBytes int64

	// Отладочные тумблеры (spec §6 "debug toggles").
	SloppyCRC           bool
	TransactionDumpPath string

	// Инъекция сбоев для тестирования устойчивости к падению (spec §6
	// "crash-injection knobs"): движок завершает процесс после
	// применения KillAtOpCount операций (0 = выключено), задерживает
	// каждое применение на StallPerOp, и симулирует EIO на чтении с
	// вероятностью EIOInjectRate (0..1).
	KillAtOpCount int64
	StallPerOp    time.Duration
	EIOInjectRate float64

	LogLevel  slog.Level
	LogFormat string
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.Basedir, err = getEnvRequired("XSTORE_BASEDIR")
	if err != nil {
		return nil, err
	}
	cfg.JournalDir = getEnvDefault("XSTORE_JOURNAL_DIR", cfg.Basedir+"/journal")

	cfg.AdminPort, err = getEnvInt("XSTORE_ADMIN_PORT", 9180)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_ADMIN_PORT: %w", err)
	}

	cfg.JWKSUrl = getEnvDefault("XSTORE_JWKS_URL", "")

	cfg.SyncIntervalMin, err = getEnvDuration("XSTORE_SYNC_INTERVAL_MIN", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_SYNC_INTERVAL_MIN: %w", err)
	}
	cfg.SyncIntervalMax, err = getEnvDuration("XSTORE_SYNC_INTERVAL_MAX", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_SYNC_INTERVAL_MAX: %w", err)
	}
	if cfg.SyncIntervalMax < cfg.SyncIntervalMin {
		return nil, fmt.Errorf("XSTORE_SYNC_INTERVAL_MAX: %v must be >= XSTORE_SYNC_INTERVAL_MIN %v",
			cfg.SyncIntervalMax, cfg.SyncIntervalMin)
	}
	cfg.CommitWatchdog, err = getEnvDuration("XSTORE_COMMIT_WATCHDOG", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_COMMIT_WATCHDOG: %w", err)
	}

	cfg.MaxOps, err = getEnvInt64("XSTORE_MAX_OPS", 500)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_MAX_OPS: %w", err)
	}
	cfg.MaxBytes, err = getEnvInt64("XSTORE_MAX_BYTES", 100<<20)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_MAX_BYTES: %w", err)
	}
	cfg.CommittingOpsDelta, err = getEnvInt64("XSTORE_COMMITTING_OPS_DELTA", 50)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_COMMITTING_OPS_DELTA: %w", err)
	}
	cfg.CommittingBytesDelta, err = getEnvInt64("XSTORE_COMMITTING_BYTES_DELTA", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_COMMITTING_BYTES_DELTA: %w", err)
	}

	cfg.Workers, err = getEnvInt("XSTORE_WORKERS", 8)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_WORKERS: %w", err)
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("XSTORE_WORKERS: must be positive, got %d", cfg.Workers)
	}
	cfg.OnDiskFinishers, err = getEnvInt("XSTORE_ONDISK_FINISHERS", 4)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_ONDISK_FINISHERS: %w", err)
	}
	cfg.ReadableFinishers, err = getEnvInt("XSTORE_READABLE_FINISHERS", 4)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_READABLE_FINISHERS: %w", err)
	}
	cfg.WritebackShards, err = getEnvInt("XSTORE_WRITEBACK_SHARDS", 4)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_WRITEBACK_SHARDS: %w", err)
	}
	cfg.FDCacheShards, err = getEnvInt("XSTORE_FDCACHE_SHARDS", 16)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_FDCACHE_SHARDS: %w", err)
	}
	cfg.FDCachePerShard, err = getEnvInt("XSTORE_FDCACHE_PER_SHARD", 64)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_FDCACHE_PER_SHARD: %w", err)
	}
	cfg.PgmetaCacheShards, err = getEnvInt("XSTORE_PGMETA_CACHE_SHARDS", 8)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_PGMETA_CACHE_SHARDS: %w", err)
	}

	cfg.MaxInlineAttrSize, err = getEnvInt("XSTORE_MAX_INLINE_ATTR_SIZE", 512)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_MAX_INLINE_ATTR_SIZE: %w", err)
	}
	cfg.MaxInlineAttrCount, err = getEnvInt("XSTORE_MAX_INLINE_ATTR_COUNT", 16)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_MAX_INLINE_ATTR_COUNT: %w", err)
	}

	cfg.FailOnEIO, err = getEnvBool("XSTORE_FAIL_ON_EIO", true)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_FAIL_ON_EIO: %w", err)
	}

	cfg.KeepCheckpoints, err = getEnvInt("XSTORE_KEEP_CHECKPOINTS", 2)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_KEEP_CHECKPOINTS: %w", err)
	}
	cfg.JournalNearFullBytes, err = getEnvInt64("XSTORE_JOURNAL_NEAR_FULL_BYTES", 64<<20)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_JOURNAL_NEAR_FULL_BYTES: %w", err)
	}

	cfg.SloppyCRC, err = getEnvBool("XSTORE_SLOPPY_CRC", false)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_SLOPPY_CRC: %w", err)
	}
	cfg.TransactionDumpPath = getEnvDefault("XSTORE_TXN_DUMP_PATH", "")

	cfg.KillAtOpCount, err = getEnvInt64("XSTORE_KILL_AT_OP_COUNT", 0)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_KILL_AT_OP_COUNT: %w", err)
	}
	cfg.StallPerOp, err = getEnvDuration("XSTORE_STALL_PER_OP", 0)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_STALL_PER_OP: %w", err)
	}
	cfg.EIOInjectRate, err = getEnvFloat("XSTORE_EIO_INJECT_RATE", 0)
	if err != nil {
		return nil, fmt.Errorf("XSTORE_EIO_INJECT_RATE: %w", err)
	}
	if cfg.EIOInjectRate < 0 || cfg.EIOInjectRate > 1 {
		return nil, fmt.Errorf("XSTORE_EIO_INJECT_RATE: must be within [0,1], got %v", cfg.EIOInjectRate)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("XSTORE_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("XSTORE_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = getEnvDefault("XSTORE_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("XSTORE_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	return cfg, nil
}

// SetupLogger настраивает slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число с плавающей точкой: %q", val)
	}
	return f, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q", val)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", val)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
