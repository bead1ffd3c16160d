package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// QuotaRepository — интерфейс доступа к квотам.
// Запись квоты создаётся автоматически при первом обращении.
type QuotaRepository interface {
	// GetOrCreate возвращает квоту пользователя, создавая запись
	// с нулевым использованием при её отсутствии.
	GetOrCreate(ctx context.Context, userID string) (*model.Quota, error)
	// AddUsage атомарно изменяет счётчики хранилища и файлов.
	// Дельты могут быть отрицательными; значения не опускаются ниже нуля.
	AddUsage(ctx context.Context, userID string, storageDelta, filesDelta int64) (*model.Quota, error)
	// AddBandwidth атомарно добавляет трафик со сбросом daily/monthly
	// при смене календарного дня/месяца.
	AddBandwidth(ctx context.Context, userID string, bytes int64, now time.Time) error
	// SetOverQuota выставляет или снимает мягкий флаг превышения.
	SetOverQuota(ctx context.Context, userID string, over bool, now time.Time) error
	// SyncUsage перезаписывает счётчики пересчитанными значениями.
	SyncUsage(ctx context.Context, userID string, storage, files int64) error
}

const quotaColumns = `user_id, max_storage, max_file_size, max_files,
	usage_storage, usage_files, bw_daily, bw_monthly, bw_last_reset,
	is_over_quota, over_quota_since, created_at, updated_at`

// quotaRepo — реализация QuotaRepository.
type quotaRepo struct {
	db DBTX
}

// NewQuotaRepository создаёт репозиторий квот.
func NewQuotaRepository(db DBTX) QuotaRepository {
	return &quotaRepo{db: db}
}

func scanQuota(row pgx.Row) (*model.Quota, error) {
	q := &model.Quota{}
	err := row.Scan(
		&q.UserID, &q.Limits.MaxStorage, &q.Limits.MaxFileSize, &q.Limits.MaxFiles,
		&q.Usage.Storage, &q.Usage.Files, &q.Usage.Bandwidth.Daily, &q.Usage.Bandwidth.Monthly,
		&q.Usage.Bandwidth.LastReset, &q.IsOverQuota, &q.OverQuotaSince, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования квоты: %w", err)
	}
	return q, nil
}

func (r *quotaRepo) GetOrCreate(ctx context.Context, userID string) (*model.Quota, error) {
	query := fmt.Sprintf(`
		INSERT INTO quotas (user_id)
		VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING %s`, quotaColumns)

	return scanQuota(r.db.QueryRow(ctx, query, userID))
}

func (r *quotaRepo) AddUsage(ctx context.Context, userID string, storageDelta, filesDelta int64) (*model.Quota, error) {
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		UPDATE quotas
		SET usage_storage = GREATEST(usage_storage + $2, 0),
			usage_files = GREATEST(usage_files + $3, 0),
			updated_at = now()
		WHERE user_id = $1
		RETURNING %s`, quotaColumns)

	return scanQuota(r.db.QueryRow(ctx, query, userID, storageDelta, filesDelta))
}

// AddBandwidth сбрасывает daily-счётчик при смене календарного дня
// и monthly — при смене месяца, сравнивая с bw_last_reset на стороне БД.
func (r *quotaRepo) AddBandwidth(ctx context.Context, userID string, bytes int64, now time.Time) error {
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	query := `
		UPDATE quotas
		SET bw_daily = CASE
				WHEN date_trunc('day', bw_last_reset) = date_trunc('day', $3::timestamptz)
				THEN bw_daily + $2 ELSE $2
			END,
			bw_monthly = CASE
				WHEN date_trunc('month', bw_last_reset) = date_trunc('month', $3::timestamptz)
				THEN bw_monthly + $2 ELSE $2
			END,
			bw_last_reset = $3,
			updated_at = now()
		WHERE user_id = $1`

	if _, err := r.db.Exec(ctx, query, userID, bytes, now); err != nil {
		return fmt.Errorf("ошибка учёта трафика: %w", err)
	}
	return nil
}

func (r *quotaRepo) SetOverQuota(ctx context.Context, userID string, over bool, now time.Time) error {
	query := `
		UPDATE quotas
		SET is_over_quota = $2,
			over_quota_since = CASE
				WHEN $2 AND over_quota_since IS NULL THEN $3::timestamptz
				WHEN NOT $2 THEN NULL
				ELSE over_quota_since
			END,
			updated_at = now()
		WHERE user_id = $1`

	if _, err := r.db.Exec(ctx, query, userID, over, now); err != nil {
		return fmt.Errorf("ошибка обновления флага превышения квоты: %w", err)
	}
	return nil
}

func (r *quotaRepo) SyncUsage(ctx context.Context, userID string, storage, files int64) error {
	if _, err := r.GetOrCreate(ctx, userID); err != nil {
		return err
	}

	query := `
		UPDATE quotas
		SET usage_storage = $2, usage_files = $3, updated_at = now()
		WHERE user_id = $1`

	if _, err := r.db.Exec(ctx, query, userID, storage, files); err != nil {
		return fmt.Errorf("ошибка синхронизации использования: %w", err)
	}
	return nil
}
