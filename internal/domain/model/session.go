// session.go — UploadSession: состояние чанковой загрузки и конечный
// автомат её статусов.
//
// Жизненный цикл:
//
//	pending → uploading → assembling → completed
//	                                 ↘ failed
//	любой живой статус → expired (по TTL) или failed (abort)
//
// completed, failed и expired — терминальные.
package model

import (
	"time"
)

// SessionStatus — статус upload-сессии.
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionUploading  SessionStatus = "uploading"
	SessionAssembling SessionStatus = "assembling"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionExpired    SessionStatus = "expired"
)

// sessionTransitions — матрица допустимых переходов статуса.
// Переходы по TTL (→ expired) и abort (→ failed) допустимы
// из любого живого статуса.
var sessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionPending:    {SessionUploading: true, SessionAssembling: true, SessionFailed: true, SessionExpired: true},
	SessionUploading:  {SessionUploading: true, SessionAssembling: true, SessionFailed: true, SessionExpired: true},
	SessionAssembling: {SessionCompleted: true, SessionFailed: true, SessionExpired: true},
	SessionCompleted:  {},
	SessionFailed:     {},
	SessionExpired:    {},
}

// CanTransition проверяет допустимость перехода между статусами.
func (s SessionStatus) CanTransition(to SessionStatus) bool {
	if s == to {
		return true
	}
	return sessionTransitions[s][to]
}

// Terminal проверяет, является ли статус терминальным.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionExpired
}

// CompletedChunk — запись об успешно принятом чанке.
type CompletedChunk struct {
	// Index — номер чанка, 0..TotalChunks-1
	Index int `json:"index"`
	// Size — фактический размер чанка в байтах
	Size int64 `json:"size"`
	// Hash — MD5 содержимого чанка
	Hash string `json:"hash"`
	// CompletedAt — время приёма
	CompletedAt time.Time `json:"completed_at"`
}

// UploadSession — состояние одной чанковой загрузки.
// Durable-запись хранится в PostgreSQL, денормализованная копия —
// в volatile-кэше под ключом upload_session:<sessionId>.
type UploadSession struct {
	// SessionID — идентификатор сессии (UUID v4)
	SessionID string `json:"session_id"`

	// UserID — владелец сессии
	UserID string `json:"user_id"`

	// Filename — санитизированное имя файла
	Filename string `json:"filename"`

	// MimeType — MIME-тип итогового файла
	MimeType string `json:"mime_type"`

	// TotalSize — полный размер файла в байтах
	TotalSize int64 `json:"total_size"`

	// ExpectedHash — ожидаемый SHA-256 итогового файла (опционально)
	ExpectedHash string `json:"expected_hash,omitempty"`

	// FolderID — целевая папка, nil для корня
	FolderID *string `json:"folder_id,omitempty"`

	// ChunkSize — размер чанка в байтах
	ChunkSize int64 `json:"chunk_size"`

	// TotalChunks — ceil(TotalSize / ChunkSize)
	TotalChunks int `json:"total_chunks"`

	// CompletedChunks — принятые чанки, не более одной записи на индекс
	CompletedChunks []CompletedChunk `json:"completed_chunks"`

	Status SessionStatus `json:"status"`

	// Error — код ошибки для терминального статуса failed
	Error string `json:"error,omitempty"`

	// FileID — идентификатор созданного файла (после completed)
	FileID *string `json:"file_id,omitempty"`

	// StorageTier — уровень, на который выполнена сборка
	StorageTier *StorageTier `json:"storage_tier,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt — TTL сессии; durable-запись удаляет cleanup-воркер
	// (PurgeExpired), когда expires_at старше grace-окна, независимо от статуса.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsComplete проверяет, приняты ли все чанки.
func (s *UploadSession) IsComplete() bool {
	return len(s.CompletedChunks) == s.TotalChunks
}

// IsExpired проверяет, истёк ли TTL сессии.
func (s *UploadSession) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// HasChunk проверяет, принят ли чанк с указанным индексом.
func (s *UploadSession) HasChunk(index int) bool {
	for _, c := range s.CompletedChunks {
		if c.Index == index {
			return true
		}
	}
	return false
}

// ExpectedChunkSize возвращает ожидаемый размер чанка по индексу.
// Все чанки полноразмерные, кроме последнего: он равен
// TotalSize mod ChunkSize, если остаток ненулевой.
func (s *UploadSession) ExpectedChunkSize(index int) int64 {
	if index < s.TotalChunks-1 {
		return s.ChunkSize
	}
	if rem := s.TotalSize % s.ChunkSize; rem != 0 {
		return rem
	}
	return s.ChunkSize
}

// RemainingChunks возвращает отсортированный список недостающих индексов.
func (s *UploadSession) RemainingChunks() []int {
	have := make(map[int]bool, len(s.CompletedChunks))
	for _, c := range s.CompletedChunks {
		have[c.Index] = true
	}

	remaining := make([]int, 0, s.TotalChunks-len(have))
	for i := 0; i < s.TotalChunks; i++ {
		if !have[i] {
			remaining = append(remaining, i)
		}
	}
	return remaining
}

// Progress возвращает долю принятых чанков, 0..1.
func (s *UploadSession) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.CompletedChunks)) / float64(s.TotalChunks)
}

// TotalChunksFor вычисляет количество чанков: ceil(totalSize / chunkSize).
func TotalChunksFor(totalSize, chunkSize int64) int {
	return int((totalSize + chunkSize - 1) / chunkSize)
}
