// expiry.go — воркер очистки истёкших файлов.
//
// Находит не удалённые файлы с expires_at <= now (по возрастанию
// expires_at), удаляет blob, помечает запись удалённой, списывает
// квоту и инвалидирует кэш метаданных. Ошибки отдельных файлов
// считаются и не прерывают батч.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// Prometheus метрики expiry-воркера
var (
	// expiryRunsTotal — количество запусков воркера.
	expiryRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fh_expiry_runs_total",
		Help: "Общее количество запусков expiry-воркера",
	})

	// expirySweptTotal — количество удалённых истёкших файлов.
	expirySweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fh_expiry_swept_total",
		Help: "Общее количество файлов, удалённых по истечении срока",
	})

	// expiryDurationSeconds — длительность запуска воркера.
	expiryDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fh_expiry_duration_seconds",
		Help:    "Длительность запуска expiry-воркера в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// ExpiryResult — результат одного запуска воркера.
type ExpiryResult struct {
	// Swept — количество удалённых файлов
	Swept int
	// Errors — количество ошибок при обработке
	Errors int
	// Duration — длительность запуска
	Duration time.Duration
}

// ExpiryWorker — периодический воркер очистки истёкших файлов.
type ExpiryWorker struct {
	files     repository.FileRepository
	store     *blobstore.BlobStore
	quota     *QuotaAccountant
	cache     *cache.Cache
	events    EventSink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex // защита от параллельного запуска RunOnce
	running bool
	cancel  context.CancelFunc
}

// NewExpiryWorker создаёт воркер очистки истёкших файлов.
func NewExpiryWorker(
	files repository.FileRepository,
	store *blobstore.BlobStore,
	quota *QuotaAccountant,
	c *cache.Cache,
	events EventSink,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *ExpiryWorker {
	return &ExpiryWorker{
		files:     files,
		store:     store,
		quota:     quota,
		cache:     c,
		events:    events,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "expiry_worker")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (w *ExpiryWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	go w.run(runCtx)

	w.logger.Info("Expiry-воркер запущен",
		slog.String("interval", w.interval.String()),
		slog.Int("batch_size", w.batchSize),
	)
}

// Stop останавливает фоновый процесс.
func (w *ExpiryWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
	w.logger.Info("Expiry-воркер остановлен")
}

// run — основной цикл фоновой горутины.
func (w *ExpiryWorker) run(ctx context.Context) {
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

// RunOnce выполняет один проход очистки.
// Потокобезопасен: mutex защищает от параллельного запуска.
// Мягкий дедлайн батча равен интервалу тика — не успевшие файлы
// откладываются до следующего запуска.
func (w *ExpiryWorker) RunOnce(ctx context.Context) *ExpiryResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	result := &ExpiryResult{}

	batchCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	now := time.Now().UTC()
	files, err := w.files.ListExpired(batchCtx, now, w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось получить истёкшие файлы", slog.String("error", err.Error()))
		result.Errors++
		return result
	}

	for _, f := range files {
		if batchCtx.Err() != nil {
			break
		}

		if err := w.store.Delete(f.StorageKey, f.StorageTier); err != nil {
			w.logger.Error("Expiry: не удалось удалить blob",
				slog.String("file_id", f.ID),
				slog.String("storage_key", f.StorageKey),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := w.files.SoftDelete(batchCtx, f.ID, now); err != nil {
			w.logger.Error("Expiry: не удалось пометить файл удалённым",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := w.quota.RemoveFile(batchCtx, f.UserID, f.Size); err != nil {
			w.logger.Warn("Expiry: не удалось списать файл с квоты",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}

		if err := w.cache.InvalidateFileMeta(batchCtx, f.ID); err != nil {
			w.logger.Debug("Expiry: не удалось инвалидировать кэш",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}

		result.Swept++
	}

	result.Duration = time.Since(start)

	expiryRunsTotal.Inc()
	expirySweptTotal.Add(float64(result.Swept))
	expiryDurationSeconds.Observe(result.Duration.Seconds())

	if result.Swept > 0 || result.Errors > 0 {
		w.logger.Info("Expiry-проход завершён",
			slog.Int("swept", result.Swept),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
		w.events.Emit(ctx, Event{Name: "expiry.sweep", Fields: map[string]any{
			"swept":  result.Swept,
			"errors": result.Errors,
		}})
	}

	return result
}
