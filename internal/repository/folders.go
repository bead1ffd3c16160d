package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// FolderRepository — интерфейс доступа к папкам.
type FolderRepository interface {
	// Create сохраняет новую папку.
	Create(ctx context.Context, f *model.Folder) error
	// GetByID возвращает папку пользователя по идентификатору.
	GetByID(ctx context.Context, userID, folderID string) (*model.Folder, error)
	// ListChildren возвращает дочерние папки (parentID = nil — корень).
	ListChildren(ctx context.Context, userID string, parentID *string) ([]*model.Folder, error)
	// Update сохраняет имя, родителя, путь и глубину папки.
	Update(ctx context.Context, f *model.Folder) error
	// Delete удаляет запись папки.
	Delete(ctx context.Context, userID, folderID string) error
	// CascadePath переписывает префикс пути у всех потомков:
	// path = newPath + suffix, depth сдвигается на depthDelta.
	CascadePath(ctx context.Context, userID, oldPath, newPath string, depthDelta int, now time.Time) (int, error)
	// ExistsName проверяет занятость имени среди детей родителя.
	ExistsName(ctx context.Context, userID string, parentID *string, name string) (bool, error)
}

const folderColumns = `id, user_id, name, parent_id, path, depth, created_at, updated_at`

// folderRepo — реализация FolderRepository.
type folderRepo struct {
	db DBTX
}

// NewFolderRepository создаёт репозиторий папок.
func NewFolderRepository(db DBTX) FolderRepository {
	return &folderRepo{db: db}
}

func scanFolder(row pgx.Row) (*model.Folder, error) {
	f := &model.Folder{}
	err := row.Scan(&f.ID, &f.UserID, &f.Name, &f.ParentID, &f.Path, &f.Depth, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования папки: %w", err)
	}
	return f, nil
}

func (r *folderRepo) Create(ctx context.Context, f *model.Folder) error {
	query := `
		INSERT INTO folders (id, user_id, name, parent_id, path, depth)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.UserID, f.Name, f.ParentID, f.Path, f.Depth,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: папка с таким путём уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания папки: %w", err)
	}
	return nil
}

func (r *folderRepo) GetByID(ctx context.Context, userID, folderID string) (*model.Folder, error) {
	query := fmt.Sprintf(`SELECT %s FROM folders WHERE id = $1 AND user_id = $2`, folderColumns)
	return scanFolder(r.db.QueryRow(ctx, query, folderID, userID))
}

func (r *folderRepo) ListChildren(ctx context.Context, userID string, parentID *string) ([]*model.Folder, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM folders
		WHERE user_id = $1 AND parent_id IS NOT DISTINCT FROM $2
		ORDER BY name ASC`, folderColumns)

	rows, err := r.db.Query(ctx, query, userID, parentID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка папок: %w", err)
	}
	defer rows.Close()

	var result []*model.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r *folderRepo) Update(ctx context.Context, f *model.Folder) error {
	query := `
		UPDATE folders
		SET name = $3, parent_id = $4, path = $5, depth = $6, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		f.ID, f.UserID, f.Name, f.ParentID, f.Path, f.Depth,
	).Scan(&f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: папка с таким путём уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка обновления папки: %w", err)
	}
	return nil
}

func (r *folderRepo) Delete(ctx context.Context, userID, folderID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM folders WHERE id = $1 AND user_id = $2`, folderID, userID)
	if err != nil {
		return fmt.Errorf("ошибка удаления папки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CascadePath переписывает пути потомков одним UPDATE: у всех папок
// с путём под oldPath префикс заменяется на newPath.
func (r *folderRepo) CascadePath(ctx context.Context, userID, oldPath, newPath string, depthDelta int, now time.Time) (int, error) {
	query := `
		UPDATE folders
		SET path = $3 || substr(path, length($2) + 1),
			depth = depth + $4,
			updated_at = $5
		WHERE user_id = $1 AND path LIKE $2 || '/%'`

	tag, err := r.db.Exec(ctx, query, userID, oldPath, newPath, depthDelta, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка каскадного обновления путей: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *folderRepo) ExistsName(ctx context.Context, userID string, parentID *string, name string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM folders
			WHERE user_id = $1 AND parent_id IS NOT DISTINCT FROM $2 AND name = $3
		)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, parentID, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("ошибка проверки имени папки: %w", err)
	}
	return exists, nil
}
