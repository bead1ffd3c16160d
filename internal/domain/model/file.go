// Пакет model — доменные модели файлового хранилища.
// file.go — File: запись о загруженном файле, его уровне хранения
// и жизненном цикле (скачивания, TTL, миграция, soft delete).
package model

import (
	"time"
)

// StorageTier — уровень хранения файла.
type StorageTier string

const (
	// TierHot — быстрый уровень (SSD)
	TierHot StorageTier = "hot"
	// TierCold — медленный уровень (HDD)
	TierCold StorageTier = "cold"
)

// IsValid проверяет допустимость значения уровня.
func (t StorageTier) IsValid() bool {
	return t == TierHot || t == TierCold
}

// MigrationStatus — состояние миграции файла между уровнями.
type MigrationStatus string

const (
	MigrationNone       MigrationStatus = "none"
	MigrationPending    MigrationStatus = "pending"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
)

// File — метаданные загруженного файла.
// StorageKey однозначно идентифицирует blob ровно на одном уровне хранения.
type File struct {
	// ID — уникальный идентификатор файла (UUID v4)
	ID string `json:"id"`

	// UserID — владелец файла
	UserID string `json:"user_id"`

	// FolderID — папка, nil для корня
	FolderID *string `json:"folder_id,omitempty"`

	// StorageKey — имя blob на диске.
	// Формат: {userId}_{unixMillis}_{base36-random6}.{ext}
	StorageKey string `json:"storage_key"`

	// OriginalName — оригинальное имя файла при загрузке (после санитизации)
	OriginalName string `json:"original_name"`

	// MimeType — MIME-тип файла
	MimeType string `json:"mime_type"`

	// Size — размер файла в байтах
	Size int64 `json:"size"`

	// Hash — SHA-256 хэш содержимого
	Hash string `json:"hash"`

	// StorageTier — текущий уровень хранения
	StorageTier StorageTier `json:"storage_tier"`

	// Downloads — счётчик скачиваний (монотонный)
	Downloads int64 `json:"downloads"`

	// LastDownloadAt — время последнего скачивания
	LastDownloadAt *time.Time `json:"last_download_at,omitempty"`

	// LastAccessAt — время последнего обращения (скачивание, метаданные)
	LastAccessAt time.Time `json:"last_access_at"`

	// ExpiresAt — срок жизни файла. nil — файл не истекает (premium/admin).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// IsPublic — публичный доступ без аутентификации
	IsPublic bool `json:"is_public"`

	// PasswordHash — bcrypt-хэш пароля на скачивание, пустой — без пароля
	PasswordHash string `json:"-"`

	// IsDeleted — soft delete. Blob удаляется синхронно вызывающим кодом,
	// запись хранится до purge.
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// MigrationStatus — состояние миграции между уровнями
	MigrationStatus MigrationStatus `json:"migration_status"`
	LastMigrationAt *time.Time      `json:"last_migration_at,omitempty"`

	// Metadata — произвольные строковые атрибуты
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsExpired проверяет, истёк ли срок жизни файла.
// Файл с ExpiresAt = nil не истекает никогда.
func (f *File) IsExpired(now time.Time) bool {
	if f.ExpiresAt == nil {
		return false
	}
	return now.After(*f.ExpiresAt)
}

// HasPassword проверяет, защищён ли файл паролем.
func (f *File) HasPassword() bool {
	return f.PasswordHash != ""
}

// Extension возвращает расширение оригинального имени с точкой
// или пустую строку.
func (f *File) Extension() string {
	for i := len(f.OriginalName) - 1; i >= 0; i-- {
		switch f.OriginalName[i] {
		case '.':
			if i == len(f.OriginalName)-1 {
				return ""
			}
			return f.OriginalName[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
