// upload.go — движок чанковой загрузки: жизненный цикл сессии,
// приём и валидация чанков, сборка файла с проверкой целостности.
//
// Состояние сессии двойственно: durable-запись в PostgreSQL — источник
// истины для жизненного цикла, volatile-множество принятых индексов
// в Redis — источник истины для in-flight прогресса. Запись чанков
// коммутативна по индексам: итоговый файл не зависит от порядка приёма,
// сборка всегда идёт 0..totalChunks-1.
package service

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/config"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// Prometheus метрики загрузки
var (
	// uploadsTotal — завершённые загрузки по результату.
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_uploads_total",
			Help: "Количество завершённых загрузок",
		},
		[]string{"result"},
	)

	// uploadBytesTotal — принятые байты собранных файлов.
	uploadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fh_upload_bytes_total",
			Help: "Суммарный размер собранных файлов в байтах",
		},
	)

	// chunksTotal — принятые чанки по результату.
	chunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_chunks_total",
			Help: "Количество обработанных чанков",
		},
		[]string{"result"},
	)
)

// uploadURLPattern — шаблон синтезируемых URL для клиента.
const uploadURLPattern = "/api/v1/uploads/%s/chunks/%d"

// UploadEngine — движок чанковой загрузки.
type UploadEngine struct {
	cfg      *config.Config
	store    *blobstore.BlobStore
	sessions repository.SessionRepository
	files    repository.FileRepository
	users    repository.UserRepository
	quota    *QuotaAccountant
	cache    *cache.Cache
	events   EventSink
	logger   *slog.Logger
}

// NewUploadEngine создаёт движок загрузки.
func NewUploadEngine(
	cfg *config.Config,
	store *blobstore.BlobStore,
	sessions repository.SessionRepository,
	files repository.FileRepository,
	users repository.UserRepository,
	quota *QuotaAccountant,
	c *cache.Cache,
	events EventSink,
	logger *slog.Logger,
) *UploadEngine {
	return &UploadEngine{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		files:    files,
		users:    users,
		quota:    quota,
		cache:    c,
		events:   events,
		logger:   logger.With(slog.String("component", "upload_engine")),
	}
}

// InitParams — параметры инициализации загрузки.
type InitParams struct {
	Filename     string
	Size         int64
	ExpectedHash string
	MimeType     string
	FolderID     *string
}

// InitResult — ответ на инициализацию загрузки.
type InitResult struct {
	SessionID   string    `json:"session_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
	UploadURLs  []string  `json:"upload_urls"`
}

// Init открывает новую upload-сессию: санитизация имени, проверка
// квоты, расчёт чанков, durable-запись и кэширование копии.
func (e *UploadEngine) Init(ctx context.Context, userID string, params InitParams) (*InitResult, error) {
	if params.Size <= 0 {
		return nil, apierrors.Validation("размер файла должен быть положительным")
	}

	filename, err := SanitizeFilename(params.Filename)
	if err != nil {
		return nil, err
	}

	mimeType := resolveMimeType(params.MimeType, filename)

	check, err := e.quota.CanUpload(ctx, userID, params.Size)
	if err != nil {
		return nil, fmt.Errorf("проверка квоты: %w", err)
	}
	if !check.Allowed {
		for _, r := range check.Reasons {
			if r.Code == model.QuotaReasonFileTooLarge {
				return nil, apierrors.FileSizeLimit(
					fmt.Sprintf("размер файла %d байт превышает лимит %d байт", params.Size, r.Limit),
				).WithContext("reasons", check.Reasons)
			}
		}
		return nil, apierrors.Validation("квота не позволяет загрузку").
			WithContext("reasons", check.Reasons)
	}

	now := time.Now().UTC()
	session := &model.UploadSession{
		SessionID:       uuid.New().String(),
		UserID:          userID,
		Filename:        filename,
		MimeType:        mimeType,
		TotalSize:       params.Size,
		ExpectedHash:    params.ExpectedHash,
		FolderID:        params.FolderID,
		ChunkSize:       e.cfg.ChunkSize,
		TotalChunks:     model.TotalChunksFor(params.Size, e.cfg.ChunkSize),
		CompletedChunks: []model.CompletedChunk{},
		Status:          model.SessionPending,
		StartedAt:       now,
		LastActivityAt:  now,
		ExpiresAt:       now.Add(e.cfg.SessionTTL),
	}

	if err := e.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("создание сессии: %w", err)
	}

	// Кэш — best effort: при недоступности Redis сессия
	// будет регидрирована из durable-записи при первом чанке
	if err := e.cache.SetSession(ctx, session, e.cfg.SessionTTL); err != nil {
		e.logger.Warn("Не удалось кэшировать сессию",
			slog.String("session_id", session.SessionID),
			slog.String("error", err.Error()),
		)
	}

	e.events.Emit(ctx, Event{Name: "upload.initialized", Fields: map[string]any{
		"session_id":   session.SessionID,
		"user_id":      userID,
		"total_size":   params.Size,
		"total_chunks": session.TotalChunks,
	}})

	return &InitResult{
		SessionID:   session.SessionID,
		ChunkSize:   session.ChunkSize,
		TotalChunks: session.TotalChunks,
		ExpiresAt:   session.ExpiresAt,
		UploadURLs:  buildUploadURLs(session.SessionID, session.TotalChunks),
	}, nil
}

// ChunkResult — результат приёма чанка.
type ChunkResult struct {
	Status          string  `json:"status"`
	ChunkIndex      int     `json:"chunk_index"`
	CompletedChunks int     `json:"completed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Progress        float64 `json:"progress"`
}

// Chunk принимает один чанк. Повторная отправка принятого индекса
// идемпотентна: возвращается status = already_uploaded, байты
// повторно не обрабатываются.
func (e *UploadEngine) Chunk(ctx context.Context, sessionID string, chunkIndex int, data []byte, providedHash string) (*ChunkResult, error) {
	session, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if chunkIndex < 0 || chunkIndex >= session.TotalChunks {
		chunksTotal.WithLabelValues("invalid").Inc()
		return nil, apierrors.ChunkValidation(
			fmt.Sprintf("индекс чанка %d вне диапазона [0, %d)", chunkIndex, session.TotalChunks),
		).WithContext("chunk_index", chunkIndex)
	}

	// Арбитр идемпотентности — volatile-множество принятых индексов;
	// durable-список — fallback при недоступности Redis
	already, err := e.cache.HasChunk(ctx, sessionID, chunkIndex)
	if err != nil {
		already = session.HasChunk(chunkIndex)
	}
	if already {
		chunksTotal.WithLabelValues("duplicate").Inc()
		return &ChunkResult{
			Status:          "already_uploaded",
			ChunkIndex:      chunkIndex,
			CompletedChunks: e.completedCount(ctx, session),
			TotalChunks:     session.TotalChunks,
			Progress:        e.progress(ctx, session),
		}, nil
	}

	expected := session.ExpectedChunkSize(chunkIndex)
	if int64(len(data)) != expected {
		chunksTotal.WithLabelValues("invalid").Inc()
		return nil, apierrors.ChunkValidation(
			fmt.Sprintf("размер чанка %d байт, ожидалось %d", len(data), expected),
		).WithContext("chunk_index", chunkIndex)
	}

	sum := md5.Sum(data)
	chunkHash := hex.EncodeToString(sum[:])
	if providedHash != "" {
		if subtle.ConstantTimeCompare([]byte(chunkHash), []byte(providedHash)) != 1 {
			chunksTotal.WithLabelValues("hash_mismatch").Inc()
			return nil, apierrors.ChunkValidation("MD5 чанка не совпадает с заявленным").
				WithContext("chunk_index", chunkIndex)
		}
	}

	if err := e.store.WriteChunk(sessionID, chunkIndex, data); err != nil {
		chunksTotal.WithLabelValues("storage_error").Inc()
		e.logger.Error("Ошибка записи чанка",
			slog.String("session_id", sessionID),
			slog.Int("chunk_index", chunkIndex),
			slog.String("error", err.Error()),
		)
		return nil, apierrors.Storage("не удалось сохранить чанк")
	}

	now := time.Now().UTC()
	ttl := time.Until(session.ExpiresAt)
	if err := e.cache.AddChunk(ctx, sessionID, chunkIndex, ttl); err != nil {
		return nil, apierrors.ServiceUnavailable("хранилище координации недоступно")
	}

	added, err := e.sessions.AppendChunk(ctx, sessionID, model.CompletedChunk{
		Index:       chunkIndex,
		Size:        expected,
		Hash:        chunkHash,
		CompletedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("фиксация чанка: %w", err)
	}
	if added {
		session.CompletedChunks = append(session.CompletedChunks, model.CompletedChunk{
			Index: chunkIndex, Size: expected, Hash: chunkHash, CompletedAt: now,
		})
	}
	if session.Status == model.SessionPending {
		session.Status = model.SessionUploading
	}
	session.LastActivityAt = now

	if err := e.cache.SetSession(ctx, session, ttl); err != nil {
		e.logger.Debug("Не удалось обновить кэш сессии", slog.String("error", err.Error()))
	}

	chunksTotal.WithLabelValues("accepted").Inc()

	return &ChunkResult{
		Status:          "uploaded",
		ChunkIndex:      chunkIndex,
		CompletedChunks: len(session.CompletedChunks),
		TotalChunks:     session.TotalChunks,
		Progress:        session.Progress(),
	}, nil
}

// StatusResult — сводка состояния сессии.
type StatusResult struct {
	SessionID       string              `json:"session_id"`
	Status          model.SessionStatus `json:"status"`
	TotalChunks     int                 `json:"total_chunks"`
	CompletedChunks int                 `json:"completed_chunks"`
	RemainingChunks []int               `json:"remaining_chunks"`
	Progress        float64             `json:"progress"`
	ExpiresAt       time.Time           `json:"expires_at"`
	UploadURLs      []string            `json:"upload_urls,omitempty"`
}

// Status возвращает объединение durable- и volatile-состояния сессии.
// При расхождении приоритет у volatile — оно источник истины
// для in-flight прогресса.
func (e *UploadEngine) Status(ctx context.Context, sessionID string) (*StatusResult, error) {
	session, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	completed := e.mergedIndexes(ctx, session)
	remaining := make([]int, 0, session.TotalChunks-len(completed))
	for i := 0; i < session.TotalChunks; i++ {
		if !completed[i] {
			remaining = append(remaining, i)
		}
	}

	return &StatusResult{
		SessionID:       session.SessionID,
		Status:          session.Status,
		TotalChunks:     session.TotalChunks,
		CompletedChunks: len(completed),
		RemainingChunks: remaining,
		Progress:        float64(len(completed)) / float64(session.TotalChunks),
		ExpiresAt:       session.ExpiresAt,
	}, nil
}

// Resume — как Status, но с синтезированными upload URL, чтобы клиент
// мог продолжить без сохранённых ссылок. Требует владения сессией.
func (e *UploadEngine) Resume(ctx context.Context, sessionID, userID string) (*StatusResult, error) {
	session, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, apierrors.Authorization("сессия принадлежит другому пользователю")
	}

	status, err := e.Status(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status.UploadURLs = buildUploadURLs(sessionID, session.TotalChunks)
	return status, nil
}

// Complete собирает файл из чанков: проверка полноты, сборка с SHA-256,
// сверка с ожидаемым хэшем, создание записи файла и учёт квоты.
func (e *UploadEngine) Complete(ctx context.Context, sessionID, userID string) (*model.File, error) {
	session, err := e.resolveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, apierrors.Authorization("сессия принадлежит другому пользователю")
	}

	completed := e.mergedIndexes(ctx, session)
	if len(completed) != session.TotalChunks {
		remaining := session.TotalChunks - len(completed)
		return nil, apierrors.UploadIncomplete(
			fmt.Sprintf("принято %d из %d чанков", len(completed), session.TotalChunks),
		).WithContext("remaining", remaining)
	}

	if !session.Status.CanTransition(model.SessionAssembling) {
		return nil, apierrors.Conflict(
			fmt.Sprintf("сессия в статусе %s не может перейти к сборке", session.Status),
		)
	}
	if err := e.sessions.SetStatus(ctx, sessionID, model.SessionAssembling, ""); err != nil {
		return nil, fmt.Errorf("переход к сборке: %w", err)
	}

	now := time.Now().UTC()
	storageKey := BuildStorageKey(userID, session.Filename, now)
	tier := e.initialTier(userID)

	result, err := e.store.AssembleChunks(ctx, sessionID, storageKey, session.TotalChunks, tier)
	if err != nil {
		e.failSession(ctx, sessionID, apierrors.CodeStorageError)
		uploadsTotal.WithLabelValues("storage_error").Inc()
		e.logger.Error("Ошибка сборки файла",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, apierrors.Storage("не удалось собрать файл из чанков")
	}

	if session.ExpectedHash != "" && session.ExpectedHash != result.Hash {
		// Частичный результат удаляем, чанки заберёт cleanup-воркер
		_ = e.store.Delete(storageKey, tier)
		e.failSession(ctx, sessionID, apierrors.CodeHashMismatch)
		uploadsTotal.WithLabelValues("hash_mismatch").Inc()
		return nil, apierrors.HashMismatch(
			fmt.Sprintf("SHA-256 собранного файла %s не совпадает с ожидаемым %s", result.Hash, session.ExpectedHash),
		)
	}

	profile, err := e.users.GetProfile(ctx, userID)
	if err != nil {
		_ = e.store.Delete(storageKey, tier)
		e.failSession(ctx, sessionID, apierrors.CodeInternalError)
		return nil, fmt.Errorf("получение профиля: %w", err)
	}

	var expiresAt *time.Time
	if !profile.Role.Unlimited() {
		exp := now.AddDate(0, 0, e.cfg.ExpiryDaysFree)
		expiresAt = &exp
	}

	file := &model.File{
		ID:              uuid.New().String(),
		UserID:          userID,
		FolderID:        session.FolderID,
		StorageKey:      storageKey,
		OriginalName:    session.Filename,
		MimeType:        session.MimeType,
		Size:            result.Size,
		Hash:            result.Hash,
		StorageTier:     tier,
		LastAccessAt:    now,
		ExpiresAt:       expiresAt,
		MigrationStatus: model.MigrationNone,
		Metadata:        map[string]string{},
	}

	if err := e.files.Create(ctx, file); err != nil {
		_ = e.store.Delete(storageKey, tier)
		e.failSession(ctx, sessionID, apierrors.CodeInternalError)
		return nil, fmt.Errorf("создание записи файла: %w", err)
	}

	if err := e.quota.AddFile(ctx, userID, result.Size); err != nil {
		e.logger.Error("Не удалось учесть файл в квоте",
			slog.String("user_id", userID),
			slog.String("file_id", file.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.sessions.SetCompleted(ctx, sessionID, file.ID, tier, now); err != nil {
		e.logger.Error("Не удалось пометить сессию завершённой",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.DeleteChunks(sessionID); err != nil {
		e.logger.Warn("Не удалось удалить чанки после сборки",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.cache.DeleteSession(ctx, sessionID); err != nil {
		e.logger.Debug("Не удалось очистить кэш сессии", slog.String("error", err.Error()))
	}

	uploadsTotal.WithLabelValues("success").Inc()
	uploadBytesTotal.Add(float64(result.Size))

	e.events.Emit(ctx, Event{Name: "upload.completed", Fields: map[string]any{
		"session_id": sessionID,
		"file_id":    file.ID,
		"user_id":    userID,
		"size":       result.Size,
		"hash":       result.Hash,
	}})

	return file, nil
}

// Abort отменяет сессию и удаляет её чанки.
// Идемпотентен: неизвестная сессия — успех.
func (e *UploadEngine) Abort(ctx context.Context, sessionID, userID string) error {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("поиск сессии: %w", err)
	}
	if session.UserID != userID {
		return apierrors.Authorization("сессия принадлежит другому пользователю")
	}
	if session.Status.Terminal() {
		return nil
	}

	if err := e.store.DeleteChunks(sessionID); err != nil {
		e.logger.Warn("Не удалось удалить чанки при отмене",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	e.failSession(ctx, sessionID, "ABORTED")
	if err := e.cache.DeleteSession(ctx, sessionID); err != nil {
		e.logger.Debug("Не удалось очистить кэш сессии", slog.String("error", err.Error()))
	}

	uploadsTotal.WithLabelValues("aborted").Inc()

	e.events.Emit(ctx, Event{Name: "upload.aborted", Fields: map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
	}})
	return nil
}

// --- Вспомогательные методы ---

// resolveSession ищет сессию: сначала кэш, затем durable-запись
// с регидрацией кэша. Отсутствующая или истёкшая сессия — SESSION_EXPIRED.
func (e *UploadEngine) resolveSession(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	session, err := e.cache.GetSession(ctx, sessionID)
	if err != nil {
		e.logger.Debug("Кэш сессий недоступен, читаем durable-запись",
			slog.String("error", err.Error()),
		)
	}

	if session == nil {
		session, err = e.sessions.GetByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apierrors.SessionExpired("сессия не найдена или истекла")
			}
			return nil, fmt.Errorf("поиск сессии: %w", err)
		}

		// Регидрация кэша из durable-записи
		if ttl := time.Until(session.ExpiresAt); ttl > 0 {
			if cErr := e.cache.SetSession(ctx, session, ttl); cErr != nil {
				e.logger.Debug("Не удалось регидрировать кэш сессии", slog.String("error", cErr.Error()))
			}
		}
	}

	now := time.Now().UTC()
	if session.Status == model.SessionExpired || session.IsExpired(now) {
		return nil, apierrors.SessionExpired("сессия истекла")
	}
	if session.Status.Terminal() {
		return nil, apierrors.SessionExpired(
			fmt.Sprintf("сессия завершена со статусом %s", session.Status),
		)
	}

	return session, nil
}

// mergedIndexes объединяет volatile-множество и durable-список
// принятых индексов. Volatile выигрывает при расхождении.
func (e *UploadEngine) mergedIndexes(ctx context.Context, session *model.UploadSession) map[int]bool {
	merged := make(map[int]bool, session.TotalChunks)

	if indexes, err := e.cache.ChunkIndexes(ctx, session.SessionID); err == nil {
		for _, i := range indexes {
			merged[i] = true
		}
	}
	for _, c := range session.CompletedChunks {
		merged[c.Index] = true
	}
	return merged
}

func (e *UploadEngine) completedCount(ctx context.Context, session *model.UploadSession) int {
	return len(e.mergedIndexes(ctx, session))
}

func (e *UploadEngine) progress(ctx context.Context, session *model.UploadSession) float64 {
	if session.TotalChunks == 0 {
		return 0
	}
	return float64(e.completedCount(ctx, session)) / float64(session.TotalChunks)
}

// failSession переводит сессию в терминальный failed с кодом ошибки.
func (e *UploadEngine) failSession(ctx context.Context, sessionID, errCode string) {
	if err := e.sessions.SetStatus(ctx, sessionID, model.SessionFailed, errCode); err != nil {
		e.logger.Error("Не удалось пометить сессию failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := e.cache.DeleteSession(ctx, sessionID); err != nil {
		e.logger.Debug("Не удалось очистить кэш сессии", slog.String("error", err.Error()))
	}
}

// initialTier выбирает уровень хранения для нового файла.
// Сейчас всегда hot: в cold файлы попадают только решением
// миграционного воркера. Параметр userID сохранён под будущую
// политику уровня по пользователю.
func (e *UploadEngine) initialTier(_ string) model.StorageTier {
	return model.TierHot
}

// resolveMimeType выбирает MIME-тип: из аргумента, по расширению,
// иначе application/octet-stream.
func resolveMimeType(mimeType, filename string) string {
	if mimeType != "" {
		return mimeType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// buildUploadURLs синтезирует список URL чанков для клиента.
func buildUploadURLs(sessionID string, totalChunks int) []string {
	urls := make([]string, totalChunks)
	for i := range urls {
		urls[i] = fmt.Sprintf(uploadURLPattern, sessionID, i)
	}
	return urls
}
