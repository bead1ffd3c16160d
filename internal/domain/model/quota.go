// quota.go — Quota: лимиты и счётчики использования хранилища.
// Лимит -1 означает «без ограничений». nil-лимит — значение
// по умолчанию для роли пользователя.
package model

import (
	"time"
)

// QuotaUnlimited — специальное значение лимита «без ограничений».
const QuotaUnlimited int64 = -1

// QuotaLimits — лимиты пользователя. nil-поле — default роли.
type QuotaLimits struct {
	MaxStorage  *int64 `json:"max_storage,omitempty"`
	MaxFileSize *int64 `json:"max_file_size,omitempty"`
	MaxFiles    *int64 `json:"max_files,omitempty"`
}

// BandwidthUsage — счётчики трафика со скользящим сбросом.
// Daily сбрасывается при смене календарного дня, Monthly — месяца.
type BandwidthUsage struct {
	Daily     int64     `json:"daily"`
	Monthly   int64     `json:"monthly"`
	LastReset time.Time `json:"last_reset"`
}

// QuotaUsage — текущее использование.
type QuotaUsage struct {
	// Storage — суммарный размер не удалённых файлов в байтах
	Storage int64 `json:"storage"`
	// Files — количество не удалённых файлов
	Files int64 `json:"files"`
	// Bandwidth — скачанный трафик
	Bandwidth BandwidthUsage `json:"bandwidth"`
}

// Quota — квота пользователя. Создаётся автоматически при первом обращении.
type Quota struct {
	UserID string      `json:"user_id"`
	Limits QuotaLimits `json:"limits"`
	Usage  QuotaUsage  `json:"usage"`

	// IsOverQuota — мягкий флаг превышения maxStorage.
	// Ingress ограничивается проверкой canUpload при init,
	// превышение в середине загрузки допускается.
	IsOverQuota    bool       `json:"is_over_quota"`
	OverQuotaSince *time.Time `json:"over_quota_since,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleQuota — значения квот по умолчанию для роли.
type RoleQuota struct {
	MaxStorage  int64
	MaxFileSize int64
	MaxFiles    int64
}

// DefaultQuotas — квоты по умолчанию по ролям.
// free: 50 GiB хранилища, 10 GiB на файл, 1000 файлов.
// premium и admin — без ограничений.
var DefaultQuotas = map[Role]RoleQuota{
	RoleFree: {
		MaxStorage:  50 * 1024 * 1024 * 1024,
		MaxFileSize: 10 * 1024 * 1024 * 1024,
		MaxFiles:    1000,
	},
	RolePremium: {
		MaxStorage:  QuotaUnlimited,
		MaxFileSize: QuotaUnlimited,
		MaxFiles:    QuotaUnlimited,
	},
	RoleAdmin: {
		MaxStorage:  QuotaUnlimited,
		MaxFileSize: QuotaUnlimited,
		MaxFiles:    QuotaUnlimited,
	},
}

// Причины отказа canUpload.
const (
	QuotaReasonFileTooLarge      = "FILE_TOO_LARGE"
	QuotaReasonStorageExceeded   = "STORAGE_EXCEEDED"
	QuotaReasonFileCountExceeded = "FILE_COUNT_EXCEEDED"
)

// QuotaReason — одна причина отказа в загрузке.
type QuotaReason struct {
	Code     string `json:"code"`
	Limit    int64  `json:"limit"`
	Current  int64  `json:"current"`
	Required int64  `json:"required,omitempty"`
}

// UploadCheck — результат проверки canUpload.
type UploadCheck struct {
	Allowed bool          `json:"allowed"`
	Reasons []QuotaReason `json:"reasons,omitempty"`
}
