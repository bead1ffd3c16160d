// download.go — движок скачивания: разрешение метаданных через кэш,
// проверка доступа, вычисление диапазона, потоковая отдача
// и асинхронные побочные эффекты (счётчики, продление TTL).
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/config"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// Prometheus метрики скачивания
var (
	// downloadsTotal — скачивания по результату.
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_downloads_total",
			Help: "Количество скачиваний",
		},
		[]string{"result"},
	)

	// downloadBytesTotal — отданные байты.
	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fh_download_bytes_total",
			Help: "Суммарный отданный объём в байтах",
		},
	)
)

// sideEffectTimeout — таймаут асинхронных побочных эффектов скачивания.
const sideEffectTimeout = 10 * time.Second

// DownloadEngine — движок скачивания файлов.
type DownloadEngine struct {
	cfg    *config.Config
	store  *blobstore.BlobStore
	files  repository.FileRepository
	access *AccessPolicy
	quota  *QuotaAccountant
	cache  *cache.Cache
	events EventSink
	logger *slog.Logger

	// spawn запускает асинхронный побочный эффект.
	// В тестах заменяется на синхронный вызов.
	spawn func(fn func())
}

// NewDownloadEngine создаёт движок скачивания.
func NewDownloadEngine(
	cfg *config.Config,
	store *blobstore.BlobStore,
	files repository.FileRepository,
	access *AccessPolicy,
	quota *QuotaAccountant,
	c *cache.Cache,
	events EventSink,
	logger *slog.Logger,
) *DownloadEngine {
	return &DownloadEngine{
		cfg:    cfg,
		store:  store,
		files:  files,
		access: access,
		quota:  quota,
		cache:  c,
		events: events,
		logger: logger.With(slog.String("component", "download_engine")),
		spawn:  func(fn func()) { go fn() },
	}
}

// DownloadOptions — параметры запроса скачивания.
type DownloadOptions struct {
	// UserID — аутентифицированный пользователь, пусто для анонима
	UserID string
	// RangeHeader — сырой заголовок Range (может быть пустым)
	RangeHeader string
	// Password — пароль файла, если требуется
	Password string
}

// DownloadResult — подготовленная отдача файла.
type DownloadResult struct {
	// Stream — поток байт; закрывает вызывающий код
	Stream io.ReadCloser
	// Headers — HTTP-заголовки ответа
	Headers map[string]string
	// StatusCode — 200 или 206
	StatusCode int
	// Length — количество байт в потоке
	Length int64
	// File — разрешённые метаданные
	File *model.File
}

// GetFileMetadata возвращает метаданные файла: сначала кэш
// (file:<id>, TTL из конфигурации), затем durable-запись с регидрацией.
// Отсутствующие, удалённые и истёкшие файлы — NOT_FOUND.
func (e *DownloadEngine) GetFileMetadata(ctx context.Context, fileID string) (*model.File, error) {
	f, err := e.cache.GetFileMeta(ctx, fileID)
	if err != nil {
		e.logger.Debug("Кэш метаданных недоступен, читаем durable-запись",
			slog.String("error", err.Error()),
		)
	}

	if f == nil {
		f, err = e.files.GetByID(ctx, fileID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apierrors.NotFound("файл не найден")
			}
			return nil, fmt.Errorf("поиск файла: %w", err)
		}

		if cErr := e.cache.SetFileMeta(ctx, f, e.cfg.MetadataCacheTTL); cErr != nil {
			e.logger.Debug("Не удалось кэшировать метаданные", slog.String("error", cErr.Error()))
		}
	}

	if f.IsDeleted {
		return nil, apierrors.NotFound("файл не найден")
	}
	if f.IsExpired(time.Now().UTC()) {
		// Истёкший файл ждёт sweeper, но для скачивания уже невидим
		return nil, apierrors.NotFound("файл не найден")
	}

	return f, nil
}

// PrepareDownload подготавливает отдачу файла: метаданные, доступ,
// диапазон, поток и заголовки. Побочные эффекты (инкремент счётчика,
// продление TTL, учёт трафика) запускаются асинхронно и не влияют
// ни на поток, ни на результат запроса.
func (e *DownloadEngine) PrepareDownload(ctx context.Context, fileID string, opts DownloadOptions) (*DownloadResult, error) {
	f, err := e.GetFileMetadata(ctx, fileID)
	if err != nil {
		downloadsTotal.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if err := e.access.Check(ctx, f, opts.UserID, opts.Password); err != nil {
		downloadsTotal.WithLabelValues("denied").Inc()
		return nil, err
	}

	var (
		start      = int64(0)
		end        = f.Size - 1
		statusCode = 200
		isRange    = false
	)

	if opts.RangeHeader != "" {
		r, err := parseRangeHeader(opts.RangeHeader, f.Size)
		if err != nil {
			downloadsTotal.WithLabelValues("invalid_range").Inc()
			return nil, err
		}
		start, end = r.start, r.end
		statusCode = 206
		isRange = true
	}

	stream, err := e.store.OpenRange(f.StorageKey, f.StorageTier, start, end)
	if err != nil {
		downloadsTotal.WithLabelValues("storage_error").Inc()
		e.logger.Error("Не удалось открыть blob",
			slog.String("file_id", f.ID),
			slog.String("storage_key", f.StorageKey),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, apierrors.NotFound("файл отсутствует в хранилище")
		}
		return nil, apierrors.Storage("не удалось открыть файл")
	}

	length := end - start + 1
	headers := buildDownloadHeaders(f, length)
	if isRange {
		headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", start, end, f.Size)
	}

	// Побочные эффекты — только для полных скачиваний
	if !isRange {
		e.spawn(func() { e.recordDownloadEffects(f) })
	}
	if opts.UserID != "" {
		userID := opts.UserID
		e.spawn(func() { e.recordBandwidth(userID, length) })
	}

	downloadsTotal.WithLabelValues("success").Inc()
	downloadBytesTotal.Add(float64(length))

	return &DownloadResult{
		Stream:     stream,
		Headers:    headers,
		StatusCode: statusCode,
		Length:     length,
		File:       f,
	}, nil
}

// recordDownloadEffects — асинхронные эффекты полного скачивания:
// инкремент счётчика, продление TTL, инвалидация кэша метаданных.
// Ошибки логируются и не всплывают к клиенту.
func (e *DownloadEngine) recordDownloadEffects(f *model.File) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	now := time.Now().UTC()
	if err := e.files.RecordDownload(ctx, f.ID, now); err != nil {
		e.logger.Warn("Не удалось учесть скачивание",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if f.ExpiresAt != nil {
		newExpiry := now.AddDate(0, 0, e.cfg.ExtensionDays)
		if err := e.files.ExtendExpiry(ctx, f.ID, newExpiry); err != nil {
			e.logger.Warn("Не удалось продлить срок жизни",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := e.cache.InvalidateFileMeta(ctx, f.ID); err != nil {
		e.logger.Debug("Не удалось инвалидировать кэш метаданных",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}

	e.events.Emit(ctx, Event{Name: "download.recorded", Fields: map[string]any{
		"file_id": f.ID,
		"user_id": f.UserID,
	}})
}

// recordBandwidth — асинхронный учёт трафика пользователя.
func (e *DownloadEngine) recordBandwidth(userID string, bytes int64) {
	ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
	defer cancel()

	if err := e.quota.AddBandwidth(ctx, userID, bytes); err != nil {
		e.logger.Warn("Не удалось учесть трафик",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// buildDownloadHeaders формирует HTTP-заголовки успешной отдачи.
func buildDownloadHeaders(f *model.File, length int64) map[string]string {
	return map[string]string{
		"Content-Type":        f.MimeType,
		"Content-Disposition": fmt.Sprintf(`attachment; filename="%s"`, url.PathEscape(f.OriginalName)),
		"Accept-Ranges":       "bytes",
		"Cache-Control":       "private, max-age=3600",
		"ETag":                fmt.Sprintf(`"%s-%d"`, f.ID, f.Size),
		"Content-Length":      strconv.FormatInt(length, 10),
	}
}

// byteRange — разрешённый диапазон [start, end] включительно.
type byteRange struct {
	start int64
	end   int64
}

// parseRangeHeader разбирает заголовок Range.
// Принимаются формы bytes=a-b, bytes=a- и bytes=-n (последние n байт).
// Отклоняются: a > b, a < 0, b >= size, отсутствие обеих границ.
func parseRangeHeader(header string, size int64) (*byteRange, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return nil, apierrors.InvalidRange("поддерживаются только байтовые диапазоны")
	}

	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return nil, apierrors.InvalidRange("множественные диапазоны не поддерживаются")
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return nil, apierrors.InvalidRange("некорректный формат диапазона")
	}

	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	if startStr == "" && endStr == "" {
		return nil, apierrors.InvalidRange("диапазон не задан")
	}

	// Суффиксная форма: последние n байт
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, apierrors.InvalidRange("некорректная длина суффикса")
		}
		if n > size {
			n = size
		}
		return &byteRange{start: size - n, end: size - 1}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, apierrors.InvalidRange("некорректное начало диапазона")
	}
	if start >= size {
		return nil, apierrors.InvalidRange("начало диапазона за пределами файла")
	}

	if endStr == "" {
		return &byteRange{start: start, end: size - 1}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return nil, apierrors.InvalidRange("некорректный конец диапазона")
	}
	if start > end {
		return nil, apierrors.InvalidRange("начало диапазона больше конца")
	}
	if end >= size {
		return nil, apierrors.InvalidRange("конец диапазона за пределами файла")
	}

	return &byteRange{start: start, end: end}, nil
}
