// files.go — операции над файлами вне скачивания: удаление,
// метаданные для владельца.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// FileService — управление записями файлов.
type FileService struct {
	files  repository.FileRepository
	users  repository.UserRepository
	store  *blobstore.BlobStore
	quota  *QuotaAccountant
	cache  *cache.Cache
	events EventSink
	logger *slog.Logger
}

// NewFileService создаёт сервис файлов.
func NewFileService(
	files repository.FileRepository,
	users repository.UserRepository,
	store *blobstore.BlobStore,
	quota *QuotaAccountant,
	c *cache.Cache,
	events EventSink,
	logger *slog.Logger,
) *FileService {
	return &FileService{
		files:  files,
		users:  users,
		store:  store,
		quota:  quota,
		cache:  c,
		events: events,
		logger: logger.With(slog.String("component", "file_service")),
	}
}

// Get возвращает метаданные файла для владельца или администратора.
func (s *FileService) Get(ctx context.Context, userID, fileID string) (*model.File, error) {
	f, err := s.resolveOwned(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Delete удаляет файл: blob синхронно, запись — soft delete,
// квота списывается, кэш метаданных инвалидируется.
func (s *FileService) Delete(ctx context.Context, userID, fileID string) error {
	f, err := s.resolveOwned(ctx, userID, fileID)
	if err != nil {
		return err
	}

	if err := s.store.Delete(f.StorageKey, f.StorageTier); err != nil {
		s.logger.Error("Не удалось удалить blob",
			slog.String("file_id", f.ID),
			slog.String("storage_key", f.StorageKey),
			slog.String("error", err.Error()),
		)
		return apierrors.Storage("не удалось удалить файл из хранилища")
	}

	now := time.Now().UTC()
	if err := s.files.SoftDelete(ctx, f.ID, now); err != nil {
		return fmt.Errorf("пометка файла удалённым: %w", err)
	}

	if err := s.quota.RemoveFile(ctx, f.UserID, f.Size); err != nil {
		s.logger.Warn("Не удалось списать файл с квоты",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.cache.InvalidateFileMeta(ctx, f.ID); err != nil {
		s.logger.Debug("Не удалось инвалидировать кэш метаданных",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}

	s.events.Emit(ctx, Event{Name: "file.deleted", Fields: map[string]any{
		"file_id": f.ID,
		"user_id": f.UserID,
		"size":    f.Size,
	}})
	return nil
}

// SetExpiry задаёт срок жизни файла (административная операция).
// nil снимает срок: файл перестаёт истекать.
func (s *FileService) SetExpiry(ctx context.Context, userID, fileID string, expiresAt *time.Time) error {
	f, err := s.resolveOwned(ctx, userID, fileID)
	if err != nil {
		return err
	}

	profile, err := s.users.GetProfile(ctx, userID)
	if err != nil {
		return fmt.Errorf("получение профиля: %w", err)
	}
	if profile.Role != model.RoleAdmin {
		return apierrors.Authorization("изменение срока жизни доступно только администратору")
	}

	// Срок пишется напрямую: административная установка может
	// и сокращать срок, и снимать его
	if err := s.files.SetExpiry(ctx, f.ID, expiresAt); err != nil {
		return fmt.Errorf("установка срока: %w", err)
	}

	if err := s.cache.InvalidateFileMeta(ctx, f.ID); err != nil {
		s.logger.Debug("Не удалось инвалидировать кэш метаданных",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// resolveOwned возвращает файл, если он принадлежит пользователю
// или пользователь — администратор. Чужой файл — NOT_FOUND,
// чтобы не раскрывать существование ресурса.
func (s *FileService) resolveOwned(ctx context.Context, userID, fileID string) (*model.File, error) {
	f, err := s.files.GetByID(ctx, fileID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apierrors.NotFound("файл не найден")
		}
		return nil, fmt.Errorf("поиск файла: %w", err)
	}
	if f.IsDeleted {
		return nil, apierrors.NotFound("файл не найден")
	}

	if f.UserID == userID {
		return f, nil
	}

	profile, err := s.users.GetProfile(ctx, userID)
	if err == nil && profile.Role == model.RoleAdmin {
		return f, nil
	}
	return nil, apierrors.NotFound("файл не найден")
}
