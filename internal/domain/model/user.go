// user.go — User: учётная запись и представление принципала.
// Ядро не выпускает и не проверяет токены — оно получает уже
// аутентифицированного принципала (sub + роль из JWT).
package model

import (
	"strings"
	"time"
)

// Role — роль пользователя, определяет квоты и срок жизни файлов.
type Role string

const (
	RoleFree    Role = "free"
	RolePremium Role = "premium"
	RoleAdmin   Role = "admin"
)

// IsValid проверяет допустимость значения роли.
func (r Role) IsValid() bool {
	return r == RoleFree || r == RolePremium || r == RoleAdmin
}

// Unlimited — файлы ролей premium и admin не истекают и не мигрируют в cold.
func (r Role) Unlimited() bool {
	return r == RolePremium || r == RoleAdmin
}

// MaxRefreshTokens — максимум активных refresh-токенов на пользователя.
// При превышении вытесняется самый старый.
const MaxRefreshTokens = 5

// Лимиты блокировки входа.
const (
	MaxFailedLogins = 5
	LockoutDuration = 15 * time.Minute
)

// RefreshToken — выданный refresh-токен пользователя.
type RefreshToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaOverride — индивидуальное переопределение квот пользователя.
// nil-поля означают «использовать значение по умолчанию для роли».
type QuotaOverride struct {
	MaxStorage  *int64 `json:"max_storage,omitempty"`
	MaxFileSize *int64 `json:"max_file_size,omitempty"`
}

// User — учётная запись пользователя.
type User struct {
	// ID — уникальный идентификатор (UUID v4)
	ID string `json:"id"`

	// Email — уникальный, хранится в нижнем регистре
	Email string `json:"email"`

	// PasswordHash — bcrypt-хэш пароля (cost >= 12)
	PasswordHash string `json:"-"`

	Role     Role `json:"role"`
	IsActive bool `json:"is_active"`

	LastLogin *time.Time `json:"last_login,omitempty"`

	// FailedLoginAttempts — счётчик подряд неудачных входов.
	// После MaxFailedLogins устанавливается LockoutUntil = now + LockoutDuration.
	// Успешная аутентификация сбрасывает оба поля.
	FailedLoginAttempts int        `json:"failed_login_attempts"`
	LockoutUntil        *time.Time `json:"lockout_until,omitempty"`

	RefreshTokens []RefreshToken `json:"-"`

	QuotaOverride QuotaOverride `json:"quota_override"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsLockedOut проверяет, заблокирован ли вход.
func (u *User) IsLockedOut(now time.Time) bool {
	return u.LockoutUntil != nil && now.Before(*u.LockoutUntil)
}

// NormalizeEmail приводит email к каноническому виду.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Principal — аутентифицированный вызывающий.
// Анонимные запросы представлены нулевым значением (UserID == "").
type Principal struct {
	// UserID — sub из JWT, пустой для анонима
	UserID string
	// Role — роль из claims
	Role Role
	// IP — адрес клиента, используется для rate limit и abuse-счётчика
	IP string
}

// Anonymous проверяет, является ли принципал анонимным.
func (p Principal) Anonymous() bool {
	return p.UserID == ""
}

// RateIdentifier возвращает идентификатор для rate limiter:
// "user:<id>" для аутентифицированных, "ip:<addr>" для анонимов.
func (p Principal) RateIdentifier() string {
	if p.Anonymous() {
		return "ip:" + p.IP
	}
	return "user:" + p.UserID
}

// UserProfile — ролевое представление пользователя для движков
// загрузки и доступа. Разрывает зависимость движков от полной модели User.
type UserProfile struct {
	ID            string
	Role          Role
	IsActive      bool
	QuotaOverride QuotaOverride
}

// Profile возвращает ролевое представление пользователя.
func (u *User) Profile() UserProfile {
	return UserProfile{
		ID:            u.ID,
		Role:          u.Role,
		IsActive:      u.IsActive,
		QuotaOverride: u.QuotaOverride,
	}
}
