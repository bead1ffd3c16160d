// cleanup.go — воркер очистки upload-сессий и осиротевших чанков.
//
// Три задачи за тик:
//  1. Живые сессии с истёкшим TTL: удалить чанки, пометить expired.
//  2. Осиротевшие staging-директории (сессия отсутствует или
//     терминальна, mtime старше порога): удалить.
//  3. Purge durable-записей: терминальные сессии старше retention
//     и записи с давно истёкшим expires_at (grace-окно).
//
// Пункт 3 выполняет роль TTL-индекса: PostgreSQL не удаляет записи
// по сроку сам.
package service

import (
	"context"
	"errors"
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

// Prometheus метрики cleanup-воркера
var (
	// cleanupRunsTotal — количество запусков воркера.
	cleanupRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fh_cleanup_runs_total",
		Help: "Общее количество запусков cleanup-воркера",
	})

	// cleanupItemsTotal — обработанные объекты по типу.
	cleanupItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_cleanup_items_total",
			Help: "Количество объектов, обработанных cleanup-воркером",
		},
		[]string{"kind"},
	)
)

// CleanupResult — результат одного запуска воркера.
type CleanupResult struct {
	// ExpiredSessions — живых сессий переведено в expired
	ExpiredSessions int
	// OrphanDirs — удалено осиротевших staging-директорий
	OrphanDirs int
	// PurgedSessions — удалено durable-записей сессий
	PurgedSessions int
	// Errors — количество ошибок при обработке
	Errors int
	// Duration — длительность запуска
	Duration time.Duration
}

// CleanupWorker — периодический воркер очистки сессий и чанков.
type CleanupWorker struct {
	sessions  repository.SessionRepository
	store     *blobstore.BlobStore
	cache     *cache.Cache
	events    EventSink
	orphanAge time.Duration
	retention time.Duration
	interval  time.Duration
	batchSize int
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewCleanupWorker создаёт cleanup-воркер.
func NewCleanupWorker(
	sessions repository.SessionRepository,
	store *blobstore.BlobStore,
	c *cache.Cache,
	events EventSink,
	orphanAge, retention, interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *CleanupWorker {
	return &CleanupWorker{
		sessions:  sessions,
		store:     store,
		cache:     c,
		events:    events,
		orphanAge: orphanAge,
		retention: retention,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "cleanup_worker")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (w *CleanupWorker) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	go w.run(runCtx)

	w.logger.Info("Cleanup-воркер запущен",
		slog.String("interval", w.interval.String()),
		slog.String("orphan_age", w.orphanAge.String()),
	)
}

// Stop останавливает фоновый процесс.
func (w *CleanupWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.running = false
	w.logger.Info("Cleanup-воркер остановлен")
}

func (w *CleanupWorker) run(ctx context.Context) {
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
func (w *CleanupWorker) RunOnce(ctx context.Context) *CleanupResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	result := &CleanupResult{}

	batchCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	now := time.Now().UTC()

	w.sweepExpiredSessions(batchCtx, now, result)
	w.sweepOrphanChunks(batchCtx, now, result)
	w.purgeSessions(batchCtx, now, result)

	result.Duration = time.Since(start)

	cleanupRunsTotal.Inc()
	cleanupItemsTotal.WithLabelValues("expired_session").Add(float64(result.ExpiredSessions))
	cleanupItemsTotal.WithLabelValues("orphan_dir").Add(float64(result.OrphanDirs))
	cleanupItemsTotal.WithLabelValues("purged_session").Add(float64(result.PurgedSessions))

	if result.ExpiredSessions > 0 || result.OrphanDirs > 0 || result.PurgedSessions > 0 || result.Errors > 0 {
		w.logger.Info("Cleanup-проход завершён",
			slog.Int("expired_sessions", result.ExpiredSessions),
			slog.Int("orphan_dirs", result.OrphanDirs),
			slog.Int("purged_sessions", result.PurgedSessions),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
		w.events.Emit(ctx, Event{Name: "cleanup.pass", Fields: map[string]any{
			"expired_sessions": result.ExpiredSessions,
			"orphan_dirs":      result.OrphanDirs,
			"purged_sessions":  result.PurgedSessions,
			"errors":           result.Errors,
		}})
	}

	return result
}

// sweepExpiredSessions переводит живые сессии с истёкшим TTL в expired
// и удаляет их чанки.
func (w *CleanupWorker) sweepExpiredSessions(ctx context.Context, now time.Time, result *CleanupResult) {
	sessions, err := w.sessions.ListExpiredLive(ctx, now, w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось получить истёкшие сессии", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}

		if err := w.store.DeleteChunks(s.SessionID); err != nil {
			w.logger.Error("Cleanup: не удалось удалить чанки",
				slog.String("session_id", s.SessionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := w.sessions.SetStatus(ctx, s.SessionID, model.SessionExpired, ""); err != nil {
			w.logger.Error("Cleanup: не удалось пометить сессию expired",
				slog.String("session_id", s.SessionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		if err := w.cache.DeleteSession(ctx, s.SessionID); err != nil {
			w.logger.Debug("Cleanup: не удалось очистить кэш сессии",
				slog.String("session_id", s.SessionID),
				slog.String("error", err.Error()),
			)
		}

		result.ExpiredSessions++
	}
}

// sweepOrphanChunks удаляет staging-директории без живой сессии,
// не менявшиеся дольше orphanAge. Это канонический путь восстановления
// после отменённых и упавших загрузок.
func (w *CleanupWorker) sweepOrphanChunks(ctx context.Context, now time.Time, result *CleanupResult) {
	dirs, err := w.store.ListChunkDirs()
	if err != nil {
		w.logger.Error("Не удалось перечислить staging-директории", slog.String("error", err.Error()))
		result.Errors++
		return
	}

	for _, dir := range dirs {
		if ctx.Err() != nil {
			return
		}
		if now.Sub(dir.ModTime) < w.orphanAge {
			continue
		}

		orphan := false
		session, err := w.sessions.GetByID(ctx, dir.SessionID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			orphan = true
		case err != nil:
			w.logger.Error("Cleanup: не удалось проверить сессию staging-директории",
				slog.String("session_id", dir.SessionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		default:
			orphan = session.Status.Terminal()
		}

		if !orphan {
			continue
		}

		if err := w.store.DeleteChunks(dir.SessionID); err != nil {
			w.logger.Error("Cleanup: не удалось удалить осиротевшие чанки",
				slog.String("session_id", dir.SessionID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}

		result.OrphanDirs++
	}
}

// purgeSessions удаляет старые durable-записи сессий.
func (w *CleanupWorker) purgeSessions(ctx context.Context, now time.Time, result *CleanupResult) {
	purged, err := w.sessions.PurgeTerminal(ctx, now.Add(-w.retention), w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось выполнить purge терминальных сессий", slog.String("error", err.Error()))
		result.Errors++
	} else {
		result.PurgedSessions += purged
	}

	expired, err := w.sessions.PurgeExpired(ctx, now, w.retention, w.batchSize)
	if err != nil {
		w.logger.Error("Не удалось выполнить purge истёкших сессий", slog.String("error", err.Error()))
		result.Errors++
	} else {
		result.PurgedSessions += expired
	}
}
