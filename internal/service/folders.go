// folders.go — иерархия папок с денормализованными путями.
//
// Конкурентные перемещения пересекающихся поддеревьев одного
// пользователя сериализуются правилом «запрещено перемещение
// в собственное поддерево»; независимые перемещения допускаются.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// maxFolderNameLength — максимальная длина имени папки.
const maxFolderNameLength = 255

// FolderTree — операции над иерархией папок.
type FolderTree struct {
	folders repository.FolderRepository
	files   repository.FileRepository
	store   *blobstore.BlobStore
	quota   *QuotaAccountant
	cache   *cache.Cache
	events  EventSink
	logger  *slog.Logger
}

// NewFolderTree создаёт сервис папок.
func NewFolderTree(
	folders repository.FolderRepository,
	files repository.FileRepository,
	store *blobstore.BlobStore,
	quota *QuotaAccountant,
	c *cache.Cache,
	events EventSink,
	logger *slog.Logger,
) *FolderTree {
	return &FolderTree{
		folders: folders,
		files:   files,
		store:   store,
		quota:   quota,
		cache:   c,
		events:  events,
		logger:  logger.With(slog.String("component", "folder_tree")),
	}
}

// sanitizeFolderName вычищает имя папки: удаляет запрещённые
// и управляющие символы, обрезает пробелы, ограничивает длину.
func sanitizeFolderName(name string) (string, error) {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeFilenameChars, r) {
			continue
		}
		b.WriteRune(r)
	}

	result := strings.TrimSpace(b.String())
	if result == "" {
		return "", apierrors.Validation("имя папки пусто после санитизации")
	}
	if runes := []rune(result); len(runes) > maxFolderNameLength {
		result = strings.TrimSpace(string(runes[:maxFolderNameLength]))
	}
	return result, nil
}

// Create создаёт папку под указанным родителем (nil — корень).
func (t *FolderTree) Create(ctx context.Context, userID, name string, parentID *string) (*model.Folder, error) {
	cleanName, err := sanitizeFolderName(name)
	if err != nil {
		return nil, err
	}

	parentPath := ""
	if parentID != nil {
		parent, err := t.folders.GetByID(ctx, userID, *parentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apierrors.NotFound("родительская папка не найдена")
			}
			return nil, fmt.Errorf("поиск родителя: %w", err)
		}
		parentPath = parent.Path
	}

	taken, err := t.folders.ExistsName(ctx, userID, parentID, cleanName)
	if err != nil {
		return nil, fmt.Errorf("проверка имени: %w", err)
	}
	if taken {
		return nil, apierrors.Conflict("папка с таким именем уже существует")
	}

	path := model.ChildPath(parentPath, cleanName)
	folder := &model.Folder{
		ID:       uuid.New().String(),
		UserID:   userID,
		Name:     cleanName,
		ParentID: parentID,
		Path:     path,
		Depth:    model.PathDepth(path),
	}

	if err := t.folders.Create(ctx, folder); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apierrors.Conflict("папка с таким путём уже существует")
		}
		return nil, fmt.Errorf("создание папки: %w", err)
	}

	return folder, nil
}

// Move перемещает папку под нового родителя (nil — корень).
// Запрещено перемещение в собственное поддерево: проверка идёт
// подъёмом от нового родителя к корню.
func (t *FolderTree) Move(ctx context.Context, userID, folderID string, newParentID *string) (*model.Folder, error) {
	folder, err := t.folders.GetByID(ctx, userID, folderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("папка не найдена")
		}
		return nil, fmt.Errorf("поиск папки: %w", err)
	}

	newParentPath := ""
	if newParentID != nil {
		if *newParentID == folderID {
			return nil, apierrors.Validation("папку нельзя переместить в саму себя")
		}

		parent, err := t.folders.GetByID(ctx, userID, *newParentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apierrors.NotFound("целевая папка не найдена")
			}
			return nil, fmt.Errorf("поиск целевой папки: %w", err)
		}

		if err := t.ensureNoCycle(ctx, userID, folderID, parent); err != nil {
			return nil, err
		}
		newParentPath = parent.Path
	}

	taken, err := t.folders.ExistsName(ctx, userID, newParentID, folder.Name)
	if err != nil {
		return nil, fmt.Errorf("проверка имени: %w", err)
	}
	if taken {
		return nil, apierrors.Conflict("в целевой папке уже есть папка с таким именем")
	}

	oldPath := folder.Path
	newPath := model.ChildPath(newParentPath, folder.Name)

	folder.ParentID = newParentID
	folder.Path = newPath
	folder.Depth = model.PathDepth(newPath)

	if err := t.folders.Update(ctx, folder); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apierrors.Conflict("папка с таким путём уже существует")
		}
		return nil, fmt.Errorf("перемещение папки: %w", err)
	}

	t.cascade(ctx, userID, oldPath, newPath)
	return folder, nil
}

// Rename переименовывает папку с каскадом путей потомков.
func (t *FolderTree) Rename(ctx context.Context, userID, folderID, newName string) (*model.Folder, error) {
	cleanName, err := sanitizeFolderName(newName)
	if err != nil {
		return nil, err
	}

	folder, err := t.folders.GetByID(ctx, userID, folderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("папка не найдена")
		}
		return nil, fmt.Errorf("поиск папки: %w", err)
	}
	if folder.Name == cleanName {
		return folder, nil
	}

	taken, err := t.folders.ExistsName(ctx, userID, folder.ParentID, cleanName)
	if err != nil {
		return nil, fmt.Errorf("проверка имени: %w", err)
	}
	if taken {
		return nil, apierrors.Conflict("папка с таким именем уже существует")
	}

	parentPath := ""
	if folder.ParentID != nil {
		parent, err := t.folders.GetByID(ctx, userID, *folder.ParentID)
		if err != nil {
			return nil, fmt.Errorf("поиск родителя: %w", err)
		}
		parentPath = parent.Path
	}

	oldPath := folder.Path
	newPath := model.ChildPath(parentPath, cleanName)

	folder.Name = cleanName
	folder.Path = newPath
	folder.Depth = model.PathDepth(newPath)

	if err := t.folders.Update(ctx, folder); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, apierrors.Conflict("папка с таким путём уже существует")
		}
		return nil, fmt.Errorf("переименование папки: %w", err)
	}

	t.cascade(ctx, userID, oldPath, newPath)
	return folder, nil
}

// Delete рекурсивно удаляет папку: сначала содержимое (depth-first),
// затем саму запись. Для каждого файла blob удаляется синхронно,
// запись помечается удалённой, квота корректируется только для
// файлов, не удалённых ранее (защита от двойного списания).
func (t *FolderTree) Delete(ctx context.Context, userID, folderID string) error {
	folder, err := t.folders.GetByID(ctx, userID, folderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierrors.NotFound("папка не найдена")
		}
		return fmt.Errorf("поиск папки: %w", err)
	}

	return t.deleteRecursive(ctx, userID, folder)
}

func (t *FolderTree) deleteRecursive(ctx context.Context, userID string, folder *model.Folder) error {
	children, err := t.folders.ListChildren(ctx, userID, &folder.ID)
	if err != nil {
		return fmt.Errorf("список дочерних папок: %w", err)
	}
	for _, child := range children {
		if err := t.deleteRecursive(ctx, userID, child); err != nil {
			return err
		}
	}

	files, err := t.files.ListAllInFolder(ctx, userID, folder.ID)
	if err != nil {
		return fmt.Errorf("список файлов папки: %w", err)
	}

	now := time.Now().UTC()
	for _, f := range files {
		if err := t.store.Delete(f.StorageKey, f.StorageTier); err != nil {
			t.logger.Error("Не удалось удалить blob",
				slog.String("file_id", f.ID),
				slog.String("storage_key", f.StorageKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := t.files.SoftDelete(ctx, f.ID, now); err != nil {
			t.logger.Error("Не удалось пометить файл удалённым",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := t.quota.RemoveFile(ctx, userID, f.Size); err != nil {
			t.logger.Warn("Не удалось списать файл с квоты",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
		if err := t.cache.InvalidateFileMeta(ctx, f.ID); err != nil {
			t.logger.Debug("Не удалось инвалидировать кэш метаданных",
				slog.String("file_id", f.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := t.folders.Delete(ctx, userID, folder.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("удаление папки %s: %w", folder.ID, err)
	}

	t.events.Emit(ctx, Event{Name: "folder.deleted", Fields: map[string]any{
		"folder_id": folder.ID,
		"user_id":   userID,
		"files":     len(files),
	}})
	return nil
}

// List возвращает дочерние папки (parentID = nil — корень).
func (t *FolderTree) List(ctx context.Context, userID string, parentID *string) ([]*model.Folder, error) {
	return t.folders.ListChildren(ctx, userID, parentID)
}

// ContentsPage — страница содержимого папки.
type ContentsPage struct {
	Folders []*model.Folder `json:"folders"`
	Files   []*model.File   `json:"files"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// Contents возвращает содержимое папки с пагинацией файлов.
func (t *FolderTree) Contents(ctx context.Context, userID string, folderID *string, page, limit int, sort string) (*ContentsPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	if folderID != nil {
		if _, err := t.folders.GetByID(ctx, userID, *folderID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apierrors.NotFound("папка не найдена")
			}
			return nil, fmt.Errorf("поиск папки: %w", err)
		}
	}

	folders, err := t.folders.ListChildren(ctx, userID, folderID)
	if err != nil {
		return nil, fmt.Errorf("список папок: %w", err)
	}

	files, err := t.files.ListByFolder(ctx, userID, folderID, limit, (page-1)*limit, sort)
	if err != nil {
		return nil, fmt.Errorf("список файлов: %w", err)
	}

	return &ContentsPage{Folders: folders, Files: files, Page: page, Limit: limit}, nil
}

// MoveFile переносит файл в папку (nil — корень).
func (t *FolderTree) MoveFile(ctx context.Context, userID, fileID string, folderID *string) error {
	f, err := t.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apierrors.NotFound("файл не найден")
		}
		return fmt.Errorf("поиск файла: %w", err)
	}
	if f.UserID != userID || f.IsDeleted {
		return apierrors.NotFound("файл не найден")
	}

	if folderID != nil {
		if _, err := t.folders.GetByID(ctx, userID, *folderID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return apierrors.NotFound("целевая папка не найдена")
			}
			return fmt.Errorf("поиск целевой папки: %w", err)
		}
	}

	if err := t.files.MoveToFolder(ctx, fileID, folderID); err != nil {
		return fmt.Errorf("перенос файла: %w", err)
	}

	if err := t.cache.InvalidateFileMeta(ctx, fileID); err != nil {
		t.logger.Debug("Не удалось инвалидировать кэш метаданных",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ensureNoCycle поднимается от parent к корню: если по пути встретится
// folderID, перемещение создало бы цикл.
func (t *FolderTree) ensureNoCycle(ctx context.Context, userID, folderID string, parent *model.Folder) error {
	current := parent
	for {
		if current.ID == folderID {
			return apierrors.Validation("перемещение в собственное поддерево запрещено")
		}
		if current.ParentID == nil {
			return nil
		}

		next, err := t.folders.GetByID(ctx, userID, *current.ParentID)
		if err != nil {
			return fmt.Errorf("обход предков: %w", err)
		}
		current = next
	}
}

// cascade переписывает пути потомков после move/rename.
func (t *FolderTree) cascade(ctx context.Context, userID, oldPath, newPath string) {
	depthDelta := model.PathDepth(newPath) - model.PathDepth(oldPath)
	updated, err := t.folders.CascadePath(ctx, userID, oldPath, newPath, depthDelta, time.Now().UTC())
	if err != nil {
		t.logger.Error("Каскадное обновление путей не выполнено",
			slog.String("old_path", oldPath),
			slog.String("new_path", newPath),
			slog.String("error", err.Error()),
		)
		return
	}
	if updated > 0 {
		t.logger.Debug("Пути потомков обновлены",
			slog.String("old_path", oldPath),
			slog.String("new_path", newPath),
			slog.Int("count", updated),
		)
	}
}
