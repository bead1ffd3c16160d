// Пакет config — загрузка и валидация конфигурации FileHub
// из переменных окружения.
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

// Config содержит все параметры конфигурации FileHub.
type Config struct {
	// Порт HTTP-сервера
	Port int
	// Корневая директория хранения: <BasePath>/{ssd,hdd}
	BasePath string

	// Размер чанка для новых upload-сессий
	ChunkSize int64
	// TTL upload-сессии
	SessionTTL time.Duration
	// Срок жизни файлов free-пользователей в днях
	ExpiryDaysFree int
	// Продление срока жизни при скачивании в днях
	ExtensionDays int

	// Дней без обращений до миграции hot → cold
	HotToColdDays int
	// Порог скачиваний для миграции cold → hot
	ColdToHotDownloads int
	// Интервал тика фоновых воркеров
	WorkerInterval time.Duration
	// Размер батча воркеров
	WorkerBatchSize int
	// Минимальный возраст осиротевших chunk-директорий до удаления
	OrphanChunkAge time.Duration
	// Срок хранения терминальных сессий до purge
	SessionRetention time.Duration

	// TTL кэша метаданных файла в volatile-хранилище
	MetadataCacheTTL time.Duration

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Rate limit: окно и лимиты по типам операций.
	// Для premium/admin лимит умножается на RateLimitPremiumFactor.
	RateLimitWindow        time.Duration
	RateLimitUpload        int
	RateLimitDownload      int
	RateLimitAuth          int
	RateLimitPremiumFactor int

	// Abuse: порог блокировки IP и окно счётчика
	AbuseThreshold int
	AbuseWindow    time.Duration

	// URL JWKS endpoint для проверки JWT (пусто — без аутентификации)
	JWKSUrl string
	// Путь к TLS сертификату и ключу (опционально)
	TLSCert string
	TLSKey  string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// DatabaseDSN возвращает DSN подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// FH_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("FH_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("FH_PORT: %w", err)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("FH_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// FH_BASE_PATH — обязательный
	cfg.BasePath, err = getEnvRequired("FH_BASE_PATH")
	if err != nil {
		return nil, err
	}

	// FH_CHUNK_SIZE — размер чанка (по умолчанию 10 MiB)
	cfg.ChunkSize, err = getEnvInt64("FH_CHUNK_SIZE", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("FH_CHUNK_SIZE: %w", err)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("FH_CHUNK_SIZE: значение должно быть положительным")
	}

	// FH_SESSION_TTL — TTL upload-сессии (по умолчанию 24h)
	cfg.SessionTTL, err = getEnvDuration("FH_SESSION_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FH_SESSION_TTL: %w", err)
	}

	// FH_EXPIRY_DAYS_FREE — срок жизни файлов free (по умолчанию 5 дней)
	cfg.ExpiryDaysFree, err = getEnvInt("FH_EXPIRY_DAYS_FREE", 5)
	if err != nil {
		return nil, fmt.Errorf("FH_EXPIRY_DAYS_FREE: %w", err)
	}

	// FH_EXTENSION_DAYS — продление TTL при скачивании (по умолчанию 5 дней)
	cfg.ExtensionDays, err = getEnvInt("FH_EXTENSION_DAYS", 5)
	if err != nil {
		return nil, fmt.Errorf("FH_EXTENSION_DAYS: %w", err)
	}

	// FH_HOT_TO_COLD_DAYS — дней без обращений до миграции в cold (по умолчанию 30)
	cfg.HotToColdDays, err = getEnvInt("FH_HOT_TO_COLD_DAYS", 30)
	if err != nil {
		return nil, fmt.Errorf("FH_HOT_TO_COLD_DAYS: %w", err)
	}

	// FH_COLD_TO_HOT_DOWNLOADS — порог скачиваний для возврата в hot (по умолчанию 5)
	cfg.ColdToHotDownloads, err = getEnvInt("FH_COLD_TO_HOT_DOWNLOADS", 5)
	if err != nil {
		return nil, fmt.Errorf("FH_COLD_TO_HOT_DOWNLOADS: %w", err)
	}

	// FH_WORKER_INTERVAL — интервал тика воркеров (по умолчанию 1h)
	cfg.WorkerInterval, err = getEnvDuration("FH_WORKER_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FH_WORKER_INTERVAL: %w", err)
	}

	// FH_WORKER_BATCH_SIZE — размер батча воркеров (по умолчанию 100)
	cfg.WorkerBatchSize, err = getEnvInt("FH_WORKER_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("FH_WORKER_BATCH_SIZE: %w", err)
	}
	if cfg.WorkerBatchSize <= 0 {
		return nil, fmt.Errorf("FH_WORKER_BATCH_SIZE: значение должно быть положительным")
	}

	// FH_ORPHAN_CHUNK_AGE — возраст осиротевших чанков до удаления (по умолчанию 1h)
	cfg.OrphanChunkAge, err = getEnvDuration("FH_ORPHAN_CHUNK_AGE", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FH_ORPHAN_CHUNK_AGE: %w", err)
	}

	// FH_SESSION_RETENTION — хранение терминальных сессий (по умолчанию 168h = 7 дней)
	cfg.SessionRetention, err = getEnvDuration("FH_SESSION_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FH_SESSION_RETENTION: %w", err)
	}

	// FH_METADATA_CACHE_TTL — TTL кэша метаданных (по умолчанию 300s)
	cfg.MetadataCacheTTL, err = getEnvDuration("FH_METADATA_CACHE_TTL", 300*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FH_METADATA_CACHE_TTL: %w", err)
	}

	// PostgreSQL
	cfg.DBHost, err = getEnvRequired("FH_DB_HOST")
	if err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("FH_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("FH_DB_PORT: %w", err)
	}
	cfg.DBName, err = getEnvRequired("FH_DB_NAME")
	if err != nil {
		return nil, err
	}
	cfg.DBUser, err = getEnvRequired("FH_DB_USER")
	if err != nil {
		return nil, err
	}
	cfg.DBPassword, err = getEnvRequired("FH_DB_PASSWORD")
	if err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("FH_DB_SSL_MODE", "disable")

	// Redis
	cfg.RedisAddr, err = getEnvRequired("FH_REDIS_ADDR")
	if err != nil {
		return nil, err
	}
	cfg.RedisPassword = getEnvDefault("FH_REDIS_PASSWORD", "")
	cfg.RedisDB, err = getEnvInt("FH_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("FH_REDIS_DB: %w", err)
	}

	// Rate limit
	cfg.RateLimitWindow, err = getEnvDuration("FH_RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("FH_RATE_LIMIT_WINDOW: %w", err)
	}
	cfg.RateLimitUpload, err = getEnvInt("FH_RATE_LIMIT_UPLOAD", 60)
	if err != nil {
		return nil, fmt.Errorf("FH_RATE_LIMIT_UPLOAD: %w", err)
	}
	cfg.RateLimitDownload, err = getEnvInt("FH_RATE_LIMIT_DOWNLOAD", 120)
	if err != nil {
		return nil, fmt.Errorf("FH_RATE_LIMIT_DOWNLOAD: %w", err)
	}
	cfg.RateLimitAuth, err = getEnvInt("FH_RATE_LIMIT_AUTH", 10)
	if err != nil {
		return nil, fmt.Errorf("FH_RATE_LIMIT_AUTH: %w", err)
	}
	cfg.RateLimitPremiumFactor, err = getEnvInt("FH_RATE_LIMIT_PREMIUM_FACTOR", 5)
	if err != nil {
		return nil, fmt.Errorf("FH_RATE_LIMIT_PREMIUM_FACTOR: %w", err)
	}

	// Abuse
	cfg.AbuseThreshold, err = getEnvInt("FH_ABUSE_THRESHOLD", 100)
	if err != nil {
		return nil, fmt.Errorf("FH_ABUSE_THRESHOLD: %w", err)
	}
	cfg.AbuseWindow, err = getEnvDuration("FH_ABUSE_WINDOW", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("FH_ABUSE_WINDOW: %w", err)
	}

	// FH_JWKS_URL — опциональный (пусто — запуск без аутентификации)
	cfg.JWKSUrl = getEnvDefault("FH_JWKS_URL", "")

	// TLS (опционально, оба или ни одного)
	cfg.TLSCert = getEnvDefault("FH_TLS_CERT", "")
	cfg.TLSKey = getEnvDefault("FH_TLS_KEY", "")
	if (cfg.TLSCert == "") != (cfg.TLSKey == "") {
		return nil, fmt.Errorf("FH_TLS_CERT и FH_TLS_KEY должны быть заданы вместе")
	}

	// FH_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("FH_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("FH_LOG_LEVEL: %w", err)
	}

	// FH_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("FH_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("FH_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// FH_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 30s)
	cfg.ShutdownTimeout, err = getEnvDuration("FH_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("FH_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

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

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
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

// getEnvInt64 возвращает int64 значение переменной окружения или значение по умолчанию.
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
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

// parseLogLevel преобразует строку уровня логирования в slog.Level.
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
