// migration.go — воркер миграции файлов между уровнями хранения.
//
// Два прохода за тик:
//   - hot → cold: файлы free-пользователей без обращений дольше
//     hotToColdDays;
//   - cold → hot: файлы с downloads >= порога и недавним скачиванием.
//
// Каждая миграция: migration_status = in_progress → перенос blob →
// фиксация нового уровня; при ошибке — failed, проход продолжается.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// Prometheus метрики миграции
var (
	// migrationRunsTotal — количество запусков воркера.
	migrationRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fh_migration_runs_total",
		Help: "Общее количество запусков миграционного воркера",
	})

	// migrationsTotal — миграции по направлению и результату.
	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_migrations_total",
			Help: "Количество миграций между уровнями хранения",
		},
		[]string{"direction", "result"},
	)

	// migrationDurationSeconds — длительность запуска воркера.
	migrationDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fh_migration_duration_seconds",
		Help:    "Длительность запуска миграционного воркера в секундах",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})
)

// recentDownloadWindow — окно «недавнего скачивания» для возврата в hot.
const recentDownloadWindow = 7 * 24 * time.Hour

// MigrationResult — результат одного запуска воркера.
type MigrationResult struct {
	// ToCold — файлов перенесено hot → cold
	ToCold int
	// ToHot — файлов перенесено cold → hot
	ToHot int
	// Errors — количество неудачных миграций
	Errors int
	// Duration — длительность запуска
	Duration time.Duration
}

// MigrationWorker — периодический воркер миграции между уровнями.
type MigrationWorker struct {
	files              repository.FileRepository
	store              *blobstore.BlobStore
	cache              *cache.Cache
	events             EventSink
	hotToColdDays      int
	coldToHotDownloads int
	interval           time.Duration
	batchSize          int
	logger             *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewMigrationWorker создаёт миграционный воркер.
func NewMigrationWorker(
	files repository.FileRepository,
	store *blobstore.BlobStore,
	c *cache.Cache,
	events EventSink,
	hotToColdDays, coldToHotDownloads int,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *MigrationWorker {
	return &MigrationWorker{
		files:              files,
		store:              store,
		cache:              c,
		events:             events,
		hotToColdDays:      hotToColdDays,
		coldToHotDownloads: coldToHotDownloads,
		interval:           interval,
		batchSize:          batchSize,
		logger:             logger.With(slog.String("component", "migration_worker")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (w *MigrationWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	go w.run(runCtx)

	w.logger.Info("Миграционный воркер запущен",
		slog.String("interval", w.interval.String()),
		slog.Int("hot_to_cold_days", w.hotToColdDays),
		slog.Int("cold_to_hot_downloads", w.coldToHotDownloads),
	)
}

// Stop останавливает фоновый процесс.
func (w *MigrationWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
	w.logger.Info("Миграционный воркер остановлен")
}

func (w *MigrationWorker) run(ctx context.Context) {
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет оба прохода миграции.
func (w *MigrationWorker) RunOnce(ctx context.Context) *MigrationResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	result := &MigrationResult{}

	batchCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	now := time.Now().UTC()

	// Проход 1: hot → cold
	cutoff := now.AddDate(0, 0, -w.hotToColdDays)
	coldCandidates, err := w.files.ListColdCandidates(batchCtx, cutoff, w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось получить кандидатов на cold", slog.String("error", err.Error()))
		result.Errors++
	} else {
		for _, f := range coldCandidates {
			if batchCtx.Err() != nil {
				break
			}
			if w.migrate(batchCtx, f, model.TierHot, model.TierCold, now) {
				result.ToCold++
			} else {
				result.Errors++
			}
		}
	}

	// Проход 2: cold → hot
	since := now.Add(-recentDownloadWindow)
	hotCandidates, err := w.files.ListHotCandidates(batchCtx, int64(w.coldToHotDownloads), since, w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось получить кандидатов на hot", slog.String("error", err.Error()))
		result.Errors++
	} else {
		for _, f := range hotCandidates {
			if batchCtx.Err() != nil {
				break
			}
			if w.migrate(batchCtx, f, model.TierCold, model.TierHot, now) {
				result.ToHot++
			} else {
				result.Errors++
			}
		}
	}

	result.Duration = time.Since(start)

	migrationRunsTotal.Inc()
	migrationDurationSeconds.Observe(result.Duration.Seconds())

	if result.ToCold > 0 || result.ToHot > 0 || result.Errors > 0 {
		w.logger.Info("Миграционный проход завершён",
			slog.Int("to_cold", result.ToCold),
			slog.Int("to_hot", result.ToHot),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
		w.events.Emit(ctx, Event{Name: "migration.pass", Fields: map[string]any{
			"to_cold": result.ToCold,
			"to_hot":  result.ToHot,
			"errors":  result.Errors,
		}})
	}

	return result
}

// migrate переносит один файл между уровнями. Возвращает true при успехе.
func (w *MigrationWorker) migrate(ctx context.Context, f *model.File, source, target model.StorageTier, now time.Time) bool {
	direction := string(source) + "_to_" + string(target)

	if err := w.files.SetMigrationStatus(ctx, f.ID, model.MigrationInProgress); err != nil {
		w.logger.Error("Не удалось пометить миграцию in_progress",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		migrationsTotal.WithLabelValues(direction, "error").Inc()
		return false
	}

	if err := w.store.Migrate(f.StorageKey, source, target); err != nil {
		w.logger.Error("Миграция blob не удалась",
			slog.String("file_id", f.ID),
			slog.String("storage_key", f.StorageKey),
			slog.String("direction", direction),
			slog.String("error", err.Error()),
		)
		if sErr := w.files.SetMigrationStatus(ctx, f.ID, model.MigrationFailed); sErr != nil {
			w.logger.Error("Не удалось пометить миграцию failed",
				slog.String("file_id", f.ID),
				slog.String("error", sErr.Error()),
			)
		}
		migrationsTotal.WithLabelValues(direction, "error").Inc()
		return false
	}

	if err := w.files.CompleteMigration(ctx, f.ID, target, now); err != nil {
		w.logger.Error("Не удалось зафиксировать миграцию",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		migrationsTotal.WithLabelValues(direction, "error").Inc()
		return false
	}

	if err := w.cache.InvalidateFileMeta(ctx, f.ID); err != nil {
		w.logger.Debug("Не удалось инвалидировать кэш после миграции",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}

	migrationsTotal.WithLabelValues(direction, "success").Inc()

	w.logger.Debug("Файл мигрирован",
		slog.String("file_id", f.ID),
		slog.String("direction", direction),
		slog.Int64("size", f.Size),
	)
	return true
}
