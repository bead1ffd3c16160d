package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// UserRepository — интерфейс доступа к пользователям.
// Выпуск и проверка токенов — вне ядра; здесь только учёт
// состояния учётной записи, на которое ядро опирается.
type UserRepository interface {
	// Create сохраняет нового пользователя.
	Create(ctx context.Context, u *model.User) error
	// GetByID возвращает пользователя по идентификатору.
	GetByID(ctx context.Context, userID string) (*model.User, error)
	// GetByEmail возвращает пользователя по email (в нижнем регистре).
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	// GetProfile возвращает ролевое представление пользователя.
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
	// RecordLoginFailure инкрементирует счётчик неудачных входов;
	// на пятой подряд неудаче ставит lockout_until = now + 15 мин.
	RecordLoginFailure(ctx context.Context, userID string, now time.Time) error
	// RecordLoginSuccess сбрасывает счётчик и блокировку, пишет last_login.
	RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error
	// AddRefreshToken добавляет токен, вытесняя самый старый
	// при превышении лимита. Под конкуренцией лимит best-effort.
	AddRefreshToken(ctx context.Context, userID string, token model.RefreshToken) error
	// RemoveRefreshToken удаляет токен из списка.
	RemoveRefreshToken(ctx context.Context, userID, token string) error
}

const userColumns = `id, email, password_hash, role, is_active, last_login,
	failed_login_attempts, lockout_until, refresh_tokens,
	quota_max_storage, quota_max_file_size, created_at, updated_at`

// userRepo — реализация UserRepository.
type userRepo struct {
	db DBTX
}

// NewUserRepository создаёт репозиторий пользователей.
func NewUserRepository(db DBTX) UserRepository {
	return &userRepo{db: db}
}

func scanUser(row pgx.Row) (*model.User, error) {
	u := &model.User{}
	var tokensJSON []byte
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.LastLogin,
		&u.FailedLoginAttempts, &u.LockoutUntil, &tokensJSON,
		&u.QuotaOverride.MaxStorage, &u.QuotaOverride.MaxFileSize, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования пользователя: %w", err)
	}

	if err := json.Unmarshal(tokensJSON, &u.RefreshTokens); err != nil {
		return nil, fmt.Errorf("ошибка разбора refresh_tokens: %w", err)
	}
	return u, nil
}

func (r *userRepo) Create(ctx context.Context, u *model.User) error {
	tokensJSON, err := json.Marshal(u.RefreshTokens)
	if err != nil {
		return fmt.Errorf("сериализация refresh_tokens: %w", err)
	}

	query := `
		INSERT INTO users (id, email, password_hash, role, is_active, last_login,
			failed_login_attempts, lockout_until, refresh_tokens,
			quota_max_storage, quota_max_file_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		u.ID, model.NormalizeEmail(u.Email), u.PasswordHash, u.Role, u.IsActive, u.LastLogin,
		u.FailedLoginAttempts, u.LockoutUntil, tokensJSON,
		u.QuotaOverride.MaxStorage, u.QuotaOverride.MaxFileSize,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: пользователь с таким email уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания пользователя: %w", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, userID string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns)
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

func (r *userRepo) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns)
	return scanUser(r.db.QueryRow(ctx, query, model.NormalizeEmail(email)))
}

func (r *userRepo) GetProfile(ctx context.Context, userID string) (*model.UserProfile, error) {
	query := `
		SELECT id, role, is_active, quota_max_storage, quota_max_file_size
		FROM users WHERE id = $1`

	p := &model.UserProfile{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&p.ID, &p.Role, &p.IsActive, &p.QuotaOverride.MaxStorage, &p.QuotaOverride.MaxFileSize,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения профиля: %w", err)
	}
	return p, nil
}

// RecordLoginFailure выполняет инкремент и установку блокировки одним
// запросом, чтобы конкурентные неудачные входы не теряли счётчик.
func (r *userRepo) RecordLoginFailure(ctx context.Context, userID string, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			lockout_until = CASE
				WHEN failed_login_attempts + 1 >= $3 THEN $2::timestamptz + interval '15 minutes'
				ELSE lockout_until
			END,
			updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, userID, now, model.MaxFailedLogins)
	if err != nil {
		return fmt.Errorf("ошибка учёта неудачного входа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	query := `
		UPDATE users
		SET failed_login_attempts = 0, lockout_until = NULL,
			last_login = $2, updated_at = now()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, userID, now)
	if err != nil {
		return fmt.Errorf("ошибка учёта успешного входа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *userRepo) AddRefreshToken(ctx context.Context, userID string, token model.RefreshToken) error {
	u, err := r.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	tokens := append(u.RefreshTokens, token)
	// Вытесняем самые старые сверх лимита
	if len(tokens) > model.MaxRefreshTokens {
		tokens = tokens[len(tokens)-model.MaxRefreshTokens:]
	}

	return r.writeTokens(ctx, userID, tokens)
}

func (r *userRepo) RemoveRefreshToken(ctx context.Context, userID, token string) error {
	u, err := r.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	tokens := make([]model.RefreshToken, 0, len(u.RefreshTokens))
	for _, t := range u.RefreshTokens {
		if t.Token != token {
			tokens = append(tokens, t)
		}
	}

	return r.writeTokens(ctx, userID, tokens)
}

func (r *userRepo) writeTokens(ctx context.Context, userID string, tokens []model.RefreshToken) error {
	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("сериализация refresh_tokens: %w", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE users SET refresh_tokens = $2, updated_at = now() WHERE id = $1`,
		userID, tokensJSON,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи refresh_tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
