// access.go — единая политика доступа к скачиванию файла.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
)

// Параметры LRU-кэша профилей пользователей.
const (
	profileCacheSize = 1024
	profileCacheTTL  = time.Minute
)

// AccessPolicy — решение о доступе к скачиванию:
//   - публичный файл без пароля доступен всем;
//   - файл с паролем требует совпадения пароля (сравнение bcrypt,
//     устойчивое ко времени);
//   - непубличный файл доступен владельцу и администраторам.
type AccessPolicy struct {
	users    repository.UserRepository
	profiles *expirable.LRU[string, *model.UserProfile]
	logger   *slog.Logger
}

// NewAccessPolicy создаёт политику доступа с LRU-кэшем профилей.
func NewAccessPolicy(users repository.UserRepository, logger *slog.Logger) *AccessPolicy {
	return &AccessPolicy{
		users:    users,
		profiles: expirable.NewLRU[string, *model.UserProfile](profileCacheSize, nil, profileCacheTTL),
		logger:   logger.With(slog.String("component", "access_policy")),
	}
}

// Check проверяет доступ к файлу. userID пуст для анонимных запросов.
// Возвращает nil при разрешении, типизированную ошибку при отказе.
func (p *AccessPolicy) Check(ctx context.Context, f *model.File, userID, password string) error {
	// Публичный файл без пароля
	if f.IsPublic && !f.HasPassword() {
		return nil
	}

	// Файл с паролем: пароль обязателен и должен совпасть
	if f.HasPassword() {
		if password == "" {
			return apierrors.Authorization("файл защищён паролем")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(f.PasswordHash), []byte(password)); err != nil {
			return apierrors.Authorization("неверный пароль файла")
		}
		return nil
	}

	// Непубличный файл: требуется аутентификация
	if userID == "" {
		return apierrors.Authentication("требуется аутентификация")
	}
	if userID == f.UserID {
		return nil
	}

	profile, err := p.profile(ctx, userID)
	if err != nil {
		p.logger.Warn("Не удалось загрузить профиль для проверки доступа",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return apierrors.Authorization("доступ запрещён")
	}

	if profile.Role == model.RoleAdmin {
		return nil
	}
	return apierrors.Authorization("доступ запрещён")
}

// profile возвращает профиль пользователя через LRU-кэш.
func (p *AccessPolicy) profile(ctx context.Context, userID string) (*model.UserProfile, error) {
	if cached, ok := p.profiles.Get(userID); ok {
		return cached, nil
	}

	profile, err := p.users.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	p.profiles.Add(userID, profile)
	return profile, nil
}

// HashFilePassword хэширует пароль файла для хранения.
func HashFilePassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
