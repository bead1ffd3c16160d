// quota.go — учёт квот: хранилище, количество файлов, трафик.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
)

// Prometheus метрики квот
var (
	// quotaDeniedTotal — отказы canUpload по причинам.
	quotaDeniedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_quota_denied_total",
			Help: "Количество отказов в загрузке по квоте",
		},
		[]string{"reason"},
	)
)

// QuotaAccountant — учёт квот пользователей.
// Лимиты разрешаются в порядке: индивидуальное переопределение
// пользователя → лимиты записи квоты → значения по умолчанию роли.
// Значение -1 отключает проверку.
type QuotaAccountant struct {
	quotas repository.QuotaRepository
	users  repository.UserRepository
	files  repository.FileRepository
	events EventSink
	logger *slog.Logger
}

// NewQuotaAccountant создаёт учёт квот.
func NewQuotaAccountant(
	quotas repository.QuotaRepository,
	users repository.UserRepository,
	files repository.FileRepository,
	events EventSink,
	logger *slog.Logger,
) *QuotaAccountant {
	return &QuotaAccountant{
		quotas: quotas,
		users:  users,
		files:  files,
		events: events,
		logger: logger.With(slog.String("component", "quota")),
	}
}

// resolvedLimits — лимиты после разрешения переопределений.
type resolvedLimits struct {
	MaxStorage  int64
	MaxFileSize int64
	MaxFiles    int64
}

// resolveLimits вычисляет действующие лимиты пользователя.
func resolveLimits(profile *model.UserProfile, q *model.Quota) resolvedLimits {
	defaults, ok := model.DefaultQuotas[profile.Role]
	if !ok {
		defaults = model.DefaultQuotas[model.RoleFree]
	}

	limits := resolvedLimits{
		MaxStorage:  defaults.MaxStorage,
		MaxFileSize: defaults.MaxFileSize,
		MaxFiles:    defaults.MaxFiles,
	}

	if q.Limits.MaxStorage != nil {
		limits.MaxStorage = *q.Limits.MaxStorage
	}
	if q.Limits.MaxFileSize != nil {
		limits.MaxFileSize = *q.Limits.MaxFileSize
	}
	if q.Limits.MaxFiles != nil {
		limits.MaxFiles = *q.Limits.MaxFiles
	}

	// Индивидуальное переопределение пользователя имеет высший приоритет
	if profile.QuotaOverride.MaxStorage != nil {
		limits.MaxStorage = *profile.QuotaOverride.MaxStorage
	}
	if profile.QuotaOverride.MaxFileSize != nil {
		limits.MaxFileSize = *profile.QuotaOverride.MaxFileSize
	}

	return limits
}

// CanUpload проверяет, допускает ли квота загрузку файла fileSize байт.
// Возвращает решение и перечень причин отказа.
func (a *QuotaAccountant) CanUpload(ctx context.Context, userID string, fileSize int64) (*model.UploadCheck, error) {
	profile, err := a.users.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение профиля: %w", err)
	}

	q, err := a.quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение квоты: %w", err)
	}

	limits := resolveLimits(profile, q)
	check := &model.UploadCheck{Allowed: true}

	if limits.MaxFileSize != model.QuotaUnlimited && fileSize > limits.MaxFileSize {
		check.Allowed = false
		check.Reasons = append(check.Reasons, model.QuotaReason{
			Code:     model.QuotaReasonFileTooLarge,
			Limit:    limits.MaxFileSize,
			Current:  0,
			Required: fileSize,
		})
	}

	if limits.MaxStorage != model.QuotaUnlimited && q.Usage.Storage+fileSize > limits.MaxStorage {
		check.Allowed = false
		check.Reasons = append(check.Reasons, model.QuotaReason{
			Code:     model.QuotaReasonStorageExceeded,
			Limit:    limits.MaxStorage,
			Current:  q.Usage.Storage,
			Required: fileSize,
		})
	}

	if limits.MaxFiles != model.QuotaUnlimited && q.Usage.Files+1 > limits.MaxFiles {
		check.Allowed = false
		check.Reasons = append(check.Reasons, model.QuotaReason{
			Code:    model.QuotaReasonFileCountExceeded,
			Limit:   limits.MaxFiles,
			Current: q.Usage.Files,
		})
	}

	for _, r := range check.Reasons {
		quotaDeniedTotal.WithLabelValues(r.Code).Inc()
	}

	return check, nil
}

// AddFile учитывает добавленный файл. Мягкий флаг is_over_quota
// выставляется в момент пересечения maxStorage: загрузка уже принята,
// ingress ограничивается проверкой CanUpload при init.
func (a *QuotaAccountant) AddFile(ctx context.Context, userID string, size int64) error {
	q, err := a.quotas.AddUsage(ctx, userID, size, 1)
	if err != nil {
		return fmt.Errorf("учёт файла: %w", err)
	}

	a.refreshOverQuota(ctx, userID, q)
	return nil
}

// RemoveFile учитывает удалённый файл.
func (a *QuotaAccountant) RemoveFile(ctx context.Context, userID string, size int64) error {
	q, err := a.quotas.AddUsage(ctx, userID, -size, -1)
	if err != nil {
		return fmt.Errorf("списание файла: %w", err)
	}

	a.refreshOverQuota(ctx, userID, q)
	return nil
}

// refreshOverQuota сверяет мягкий флаг превышения с текущим использованием.
func (a *QuotaAccountant) refreshOverQuota(ctx context.Context, userID string, q *model.Quota) {
	profile, err := a.users.GetProfile(ctx, userID)
	if err != nil {
		a.logger.Warn("Не удалось получить профиль для проверки квоты",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	limits := resolveLimits(profile, q)
	over := limits.MaxStorage != model.QuotaUnlimited && q.Usage.Storage > limits.MaxStorage
	if over == q.IsOverQuota {
		return
	}

	if err := a.quotas.SetOverQuota(ctx, userID, over, time.Now().UTC()); err != nil {
		a.logger.Warn("Не удалось обновить флаг превышения квоты",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return
	}

	if over {
		a.events.Emit(ctx, Event{Name: "quota.exceeded", Fields: map[string]any{
			"user_id": userID,
			"storage": q.Usage.Storage,
			"limit":   limits.MaxStorage,
		}})
	}
}

// AddBandwidth учитывает скачанный трафик пользователя.
func (a *QuotaAccountant) AddBandwidth(ctx context.Context, userID string, bytes int64) error {
	if err := a.quotas.AddBandwidth(ctx, userID, bytes, time.Now().UTC()); err != nil {
		return fmt.Errorf("учёт трафика: %w", err)
	}
	return nil
}

// QuotaSummary — сводка квоты для выдачи наружу.
type QuotaSummary struct {
	UserID      string           `json:"user_id"`
	MaxStorage  int64            `json:"max_storage"`
	MaxFileSize int64            `json:"max_file_size"`
	MaxFiles    int64            `json:"max_files"`
	Usage       model.QuotaUsage `json:"usage"`
	IsOverQuota bool             `json:"is_over_quota"`
}

// GetSummary возвращает сводку квоты с разрешёнными лимитами.
func (a *QuotaAccountant) GetSummary(ctx context.Context, userID string) (*QuotaSummary, error) {
	profile, err := a.users.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение профиля: %w", err)
	}

	q, err := a.quotas.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("получение квоты: %w", err)
	}

	limits := resolveLimits(profile, q)
	return &QuotaSummary{
		UserID:      userID,
		MaxStorage:  limits.MaxStorage,
		MaxFileSize: limits.MaxFileSize,
		MaxFiles:    limits.MaxFiles,
		Usage:       q.Usage,
		IsOverQuota: q.IsOverQuota,
	}, nil
}

// SyncFromFiles пересчитывает счётчики использования по записям файлов.
// Используется для восстановления инварианта
// usage.storage == Σ size не удалённых файлов.
func (a *QuotaAccountant) SyncFromFiles(ctx context.Context, userID string) error {
	storage, files, err := a.files.SumUsage(ctx, userID)
	if err != nil {
		return fmt.Errorf("агрегация файлов: %w", err)
	}

	if err := a.quotas.SyncUsage(ctx, userID, storage, files); err != nil {
		return fmt.Errorf("синхронизация квоты: %w", err)
	}

	q, err := a.quotas.GetOrCreate(ctx, userID)
	if err == nil {
		a.refreshOverQuota(ctx, userID, q)
	}

	a.logger.Info("Квота пересчитана",
		slog.String("user_id", userID),
		slog.Int64("storage", storage),
		slog.Int64("files", files),
	)
	return nil
}
