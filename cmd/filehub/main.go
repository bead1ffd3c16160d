// Точка входа FileHub — сервиса многопользовательского файлового
// хранилища с чанковой загрузкой, Range-скачиванием и двумя уровнями
// хранения (hot/SSD, cold/HDD).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/arturkryukov/filehub/internal/api/handlers"
	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/config"
	"github.com/arturkryukov/filehub/internal/database"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/server"
	"github.com/arturkryukov/filehub/internal/service"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("FileHub запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("base_path", cfg.BasePath),
	)

	ctx := context.Background()

	// --- Инициализация компонентов ---

	// 1. Миграции и подключение к PostgreSQL
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций", slog.String("error", err.Error()))
		os.Exit(1)
	}

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 2. Volatile-хранилище (Redis)
	volatile, err := cache.New(ctx, cache.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Error("Ошибка подключения к Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer volatile.Close()

	// 3. Файловое хранилище (два уровня + staging)
	store, err := blobstore.New(cfg.BasePath)
	if err != nil {
		logger.Error("Ошибка инициализации BlobStore", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Репозитории
	fileRepo := repository.NewFileRepository(pool)
	folderRepo := repository.NewFolderRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	quotaRepo := repository.NewQuotaRepository(pool)

	// 5. Сервисы
	events := service.NewSlogSink(logger)
	quota := service.NewQuotaAccountant(quotaRepo, userRepo, fileRepo, events, logger)
	access := service.NewAccessPolicy(userRepo, logger)
	uploads := service.NewUploadEngine(cfg, store, sessionRepo, fileRepo, userRepo, quota, volatile, events, logger)
	downloads := service.NewDownloadEngine(cfg, store, fileRepo, access, quota, volatile, events, logger)
	files := service.NewFileService(fileRepo, userRepo, store, quota, volatile, events, logger)
	folders := service.NewFolderTree(folderRepo, fileRepo, store, quota, volatile, events, logger)

	limiter := service.NewRateLimiter(volatile, service.RateLimiterConfig{
		Window:        cfg.RateLimitWindow,
		Upload:        cfg.RateLimitUpload,
		Download:      cfg.RateLimitDownload,
		Auth:          cfg.RateLimitAuth,
		PremiumFactor: cfg.RateLimitPremiumFactor,
	}, logger)
	abuse := service.NewAbuseGuard(volatile, cfg.AbuseThreshold, cfg.AbuseWindow, logger)

	// 6. Фоновые воркеры
	expiryWorker := service.NewExpiryWorker(
		fileRepo, store, quota, volatile, events,
		cfg.WorkerInterval, cfg.WorkerBatchSize, logger,
	)
	migrationWorker := service.NewMigrationWorker(
		fileRepo, store, volatile, events,
		cfg.HotToColdDays, cfg.ColdToHotDownloads,
		cfg.WorkerInterval, cfg.WorkerBatchSize, logger,
	)
	cleanupWorker := service.NewCleanupWorker(
		sessionRepo, store, volatile, events,
		cfg.OrphanChunkAge, cfg.SessionRetention,
		cfg.WorkerInterval, cfg.WorkerBatchSize, logger,
	)

	expiryWorker.Start(ctx)
	migrationWorker.Start(ctx)
	cleanupWorker.Start(ctx)

	// 7. Handlers
	apiHandler := handlers.NewAPIHandler(
		handlers.NewUploadHandler(uploads, abuse, cfg.ChunkSize, logger),
		handlers.NewFilesHandler(downloads, files, folders, logger),
		handlers.NewFoldersHandler(folders, logger),
		handlers.NewQuotaHandler(quota, logger),
		handlers.NewHealthHandler(store, map[string]handlers.ReadinessChecker{
			"postgres": database.NewReadinessChecker(pool),
		}),
		limiter,
		abuse,
	)

	// 8. JWT middleware
	var auth server.AuthProvider
	if cfg.JWKSUrl != "" {
		jwtAuth, err := middleware.NewJWTAuth(cfg.JWKSUrl, volatile, logger)
		if err != nil {
			logger.Error("Ошибка инициализации JWT", slog.String("error", err.Error()))
			os.Exit(1)
		}
		auth = jwtAuth
		logger.Info("JWT аутентификация настроена", slog.String("jwks_url", cfg.JWKSUrl))
	} else {
		logger.Warn("FH_JWKS_URL не задан, запуск без аутентификации")
	}

	// 9. Запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, auth)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых воркеров...")

	expiryWorker.Stop()
	migrationWorker.Stop()
	cleanupWorker.Stop()

	logger.Info("FileHub остановлен")
}
