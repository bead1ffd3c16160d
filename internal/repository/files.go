package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// FileRepository — интерфейс доступа к записям файлов.
type FileRepository interface {
	// Create сохраняет новую запись файла.
	Create(ctx context.Context, f *model.File) error
	// GetByID возвращает файл по идентификатору, включая удалённые.
	GetByID(ctx context.Context, fileID string) (*model.File, error)
	// ListByFolder возвращает не удалённые файлы пользователя в папке
	// (folderID = nil — корень) с пагинацией и сортировкой.
	ListByFolder(ctx context.Context, userID string, folderID *string, limit, offset int, sort string) ([]*model.File, error)
	// SoftDelete помечает файл удалённым.
	SoftDelete(ctx context.Context, fileID string, now time.Time) error
	// MoveToFolder переносит файл в другую папку.
	MoveToFolder(ctx context.Context, fileID string, folderID *string) error
	// RecordDownload атомарно инкрементирует счётчик скачиваний
	// и сдвигает last_download_at/last_access_at вперёд.
	RecordDownload(ctx context.Context, fileID string, now time.Time) error
	// ExtendExpiry продлевает срок жизни: expires_at = max(expires_at, newExpiry).
	// Файлы с expires_at IS NULL не затрагиваются.
	ExtendExpiry(ctx context.Context, fileID string, newExpiry time.Time) error
	// TouchAccess сдвигает last_access_at вперёд.
	TouchAccess(ctx context.Context, fileID string, now time.Time) error
	// SetExpiry пишет срок жизни напрямую (в том числе nil — бессрочно).
	SetExpiry(ctx context.Context, fileID string, expiresAt *time.Time) error
	// ListExpired возвращает не удалённые файлы с истёкшим сроком,
	// отсортированные по expires_at по возрастанию.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.File, error)
	// ListColdCandidates возвращает hot-файлы без обращений с cutoff,
	// чьи владельцы не premium/admin и миграция не запущена.
	ListColdCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error)
	// ListHotCandidates возвращает cold-файлы с downloads >= minDownloads
	// и последним скачиванием не раньше since.
	ListHotCandidates(ctx context.Context, minDownloads int64, since time.Time, limit int) ([]*model.File, error)
	// SetMigrationStatus обновляет статус миграции.
	SetMigrationStatus(ctx context.Context, fileID string, status model.MigrationStatus) error
	// CompleteMigration фиксирует успешную миграцию на новый уровень.
	CompleteMigration(ctx context.Context, fileID string, tier model.StorageTier, now time.Time) error
	// SumUsage возвращает суммарный размер и количество
	// не удалённых файлов пользователя.
	SumUsage(ctx context.Context, userID string) (storage int64, files int64, err error)
	// ListAllInFolder возвращает не удалённые файлы папки
	// без пагинации (для рекурсивного удаления).
	ListAllInFolder(ctx context.Context, userID, folderID string) ([]*model.File, error)
}

const fileColumns = `id, user_id, folder_id, storage_key, original_name, mime_type, size, hash,
	storage_tier, downloads, last_download_at, last_access_at, expires_at,
	is_public, password_hash, is_deleted, deleted_at,
	migration_status, last_migration_at, metadata, created_at, updated_at`

// fileRepo — реализация FileRepository.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий файлов.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

func scanFile(row pgx.Row) (*model.File, error) {
	f := &model.File{}
	err := row.Scan(
		&f.ID, &f.UserID, &f.FolderID, &f.StorageKey, &f.OriginalName, &f.MimeType, &f.Size, &f.Hash,
		&f.StorageTier, &f.Downloads, &f.LastDownloadAt, &f.LastAccessAt, &f.ExpiresAt,
		&f.IsPublic, &f.PasswordHash, &f.IsDeleted, &f.DeletedAt,
		&f.MigrationStatus, &f.LastMigrationAt, &f.Metadata, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования файла: %w", err)
	}
	return f, nil
}

func scanFiles(rows pgx.Rows) ([]*model.File, error) {
	defer rows.Close()

	var result []*model.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *fileRepo) Create(ctx context.Context, f *model.File) error {
	query := `
		INSERT INTO files (id, user_id, folder_id, storage_key, original_name, mime_type, size, hash,
			storage_tier, downloads, last_download_at, last_access_at, expires_at,
			is_public, password_hash, is_deleted, deleted_at,
			migration_status, last_migration_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.UserID, f.FolderID, f.StorageKey, f.OriginalName, f.MimeType, f.Size, f.Hash,
		f.StorageTier, f.Downloads, f.LastDownloadAt, f.LastAccessAt, f.ExpiresAt,
		f.IsPublic, f.PasswordHash, f.IsDeleted, f.DeletedAt,
		f.MigrationStatus, f.LastMigrationAt, f.Metadata,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: файл с таким storage_key уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания файла: %w", err)
	}
	return nil
}

func (r *fileRepo) GetByID(ctx context.Context, fileID string) (*model.File, error) {
	query := fmt.Sprintf(`SELECT %s FROM files WHERE id = $1`, fileColumns)
	return scanFile(r.db.QueryRow(ctx, query, fileID))
}

func (r *fileRepo) ListByFolder(ctx context.Context, userID string, folderID *string, limit, offset int, sort string) ([]*model.File, error) {
	orderBy := "created_at DESC"
	switch sort {
	case "name":
		orderBy = "original_name ASC"
	case "size":
		orderBy = "size DESC"
	case "downloads":
		orderBy = "downloads DESC"
	}

	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE user_id = $1 AND NOT is_deleted AND folder_id IS NOT DISTINCT FROM $2
		ORDER BY %s
		LIMIT $3 OFFSET $4`, fileColumns, orderBy)

	rows, err := r.db.Query(ctx, query, userID, folderID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	return scanFiles(rows)
}

func (r *fileRepo) ListAllInFolder(ctx context.Context, userID, folderID string) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE user_id = $1 AND folder_id = $2 AND NOT is_deleted`, fileColumns)

	rows, err := r.db.Query(ctx, query, userID, folderID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения файлов папки: %w", err)
	}
	return scanFiles(rows)
}

func (r *fileRepo) SoftDelete(ctx context.Context, fileID string, now time.Time) error {
	query := `
		UPDATE files
		SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, fileID, now)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) MoveToFolder(ctx context.Context, fileID string, folderID *string) error {
	query := `
		UPDATE files SET folder_id = $2, updated_at = now()
		WHERE id = $1 AND NOT is_deleted`

	tag, err := r.db.Exec(ctx, query, fileID, folderID)
	if err != nil {
		return fmt.Errorf("ошибка переноса файла: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDownload использует атомарный инкремент на стороне БД:
// под конкуренцией счётчик монотонен и потерь не допускает.
// GREATEST защищает от отката временных меток назад.
func (r *fileRepo) RecordDownload(ctx context.Context, fileID string, now time.Time) error {
	query := `
		UPDATE files
		SET downloads = downloads + 1,
			last_download_at = GREATEST(COALESCE(last_download_at, 'epoch'::timestamptz), $2),
			last_access_at = GREATEST(last_access_at, $2),
			updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, fileID, now)
	if err != nil {
		return fmt.Errorf("ошибка учёта скачивания: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) ExtendExpiry(ctx context.Context, fileID string, newExpiry time.Time) error {
	query := `
		UPDATE files
		SET expires_at = GREATEST(expires_at, $2), updated_at = now()
		WHERE id = $1 AND expires_at IS NOT NULL`

	if _, err := r.db.Exec(ctx, query, fileID, newExpiry); err != nil {
		return fmt.Errorf("ошибка продления срока жизни: %w", err)
	}
	return nil
}

func (r *fileRepo) SetExpiry(ctx context.Context, fileID string, expiresAt *time.Time) error {
	query := `UPDATE files SET expires_at = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, fileID, expiresAt)
	if err != nil {
		return fmt.Errorf("ошибка установки срока жизни: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) TouchAccess(ctx context.Context, fileID string, now time.Time) error {
	query := `
		UPDATE files
		SET last_access_at = GREATEST(last_access_at, $2), updated_at = now()
		WHERE id = $1`

	if _, err := r.db.Exec(ctx, query, fileID, now); err != nil {
		return fmt.Errorf("ошибка обновления времени доступа: %w", err)
	}
	return nil
}

func (r *fileRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE expires_at IS NOT NULL AND expires_at <= $1 AND NOT is_deleted
		ORDER BY expires_at ASC
		LIMIT $2`, fileColumns)

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска истёкших файлов: %w", err)
	}
	return scanFiles(rows)
}

func (r *fileRepo) ListColdCandidates(ctx context.Context, cutoff time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files f
		WHERE f.storage_tier = 'hot'
			AND NOT f.is_deleted
			AND f.last_access_at <= $1
			AND f.migration_status NOT IN ('pending', 'in_progress')
			AND EXISTS (
				SELECT 1 FROM users u
				WHERE u.id = f.user_id AND u.role = 'free'
			)
		ORDER BY f.last_access_at ASC
		LIMIT $2`, qualifyColumns("f", fileColumns))

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска кандидатов на cold: %w", err)
	}
	return scanFiles(rows)
}

func (r *fileRepo) ListHotCandidates(ctx context.Context, minDownloads int64, since time.Time, limit int) ([]*model.File, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM files
		WHERE storage_tier = 'cold'
			AND NOT is_deleted
			AND downloads >= $1
			AND last_download_at IS NOT NULL AND last_download_at >= $2
			AND migration_status NOT IN ('pending', 'in_progress')
		ORDER BY downloads DESC
		LIMIT $3`, fileColumns)

	rows, err := r.db.Query(ctx, query, minDownloads, since, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска кандидатов на hot: %w", err)
	}
	return scanFiles(rows)
}

func (r *fileRepo) SetMigrationStatus(ctx context.Context, fileID string, status model.MigrationStatus) error {
	query := `UPDATE files SET migration_status = $2, updated_at = now() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, fileID, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса миграции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) CompleteMigration(ctx context.Context, fileID string, tier model.StorageTier, now time.Time) error {
	query := `
		UPDATE files
		SET storage_tier = $2, migration_status = 'completed',
			last_migration_at = $3, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, fileID, tier, now)
	if err != nil {
		return fmt.Errorf("ошибка фиксации миграции: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *fileRepo) SumUsage(ctx context.Context, userID string) (int64, int64, error) {
	query := `
		SELECT COALESCE(SUM(size), 0), COUNT(*)
		FROM files
		WHERE user_id = $1 AND NOT is_deleted`

	var storage, files int64
	if err := r.db.QueryRow(ctx, query, userID).Scan(&storage, &files); err != nil {
		return 0, 0, fmt.Errorf("ошибка агрегации использования: %w", err)
	}
	return storage, files, nil
}

// qualifyColumns добавляет алиас таблицы к списку колонок.
func qualifyColumns(alias, columns string) string {
	out := make([]byte, 0, len(columns)+64)
	out = append(out, alias...)
	out = append(out, '.')
	for i := 0; i < len(columns); i++ {
		out = append(out, columns[i])
		if columns[i] == ',' {
			for i+1 < len(columns) && (columns[i+1] == ' ' || columns[i+1] == '\n' || columns[i+1] == '\t') {
				i++
			}
			out = append(out, ' ')
			out = append(out, alias...)
			out = append(out, '.')
		}
	}
	return string(out)
}
