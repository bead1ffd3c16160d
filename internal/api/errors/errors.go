// Пакет errors — типизированные ошибки сервиса и единый формат
// HTTP-ответа: {"error": {"code": "...", "message": "...", ...}}.
// Все клиентские ошибки ядра создаются конструкторами этого пакета
// и несут машиночитаемый код и HTTP-статус.
package errors //nolint:revive // конфликт имени со stdlib осознанный, импортируется как apierrors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Коды ошибок сервиса.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeAuthenticationError  = "AUTHENTICATION_ERROR"
	CodeAuthorizationError   = "AUTHORIZATION_ERROR"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeSessionExpired       = "SESSION_EXPIRED"
	CodeFileSizeLimit        = "FILE_SIZE_LIMIT"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeChunkValidationError = "CHUNK_VALIDATION_ERROR"
	CodeHashMismatch         = "HASH_MISMATCH"
	CodeUploadIncomplete     = "UPLOAD_INCOMPLETE"
	CodeStorageError         = "STORAGE_ERROR"
	CodeIPBlocked            = "IP_BLOCKED"
	CodeInvalidRange         = "INVALID_RANGE"
	CodeServiceUnavailable   = "SERVICE_UNAVAILABLE"
	CodeInternalError        = "INTERNAL_ERROR"
)

// AppError — типизированная ошибка сервисного слоя.
// Context содержит дополнительные структурированные поля
// (chunk_index, retry_after, reasons и т.д.), попадающие в тело ответа.
type AppError struct {
	Code       string
	StatusCode int
	Message    string
	Context    map[string]any
}

func (e *AppError) Error() string {
	return e.Code + ": " + e.Message
}

// WithContext добавляет структурированное поле к ошибке.
func (e *AppError) WithContext(key string, value any) *AppError {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// New создаёт AppError с произвольным кодом и статусом.
func New(code string, statusCode int, message string) *AppError {
	return &AppError{Code: code, StatusCode: statusCode, Message: message}
}

// --- Конструкторы для типичных ошибок ---

// Validation — 400 некорректные входные данные.
func Validation(message string) *AppError {
	return New(CodeValidationError, http.StatusBadRequest, message)
}

// Authentication — 401 отсутствуют или невалидны учётные данные.
func Authentication(message string) *AppError {
	return New(CodeAuthenticationError, http.StatusUnauthorized, message)
}

// Authorization — 403 недостаточно прав.
func Authorization(message string) *AppError {
	return New(CodeAuthorizationError, http.StatusForbidden, message)
}

// NotFound — 404 ресурс не найден или удалён.
func NotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

// Conflict — 409 нарушение уникальности.
func Conflict(message string) *AppError {
	return New(CodeConflict, http.StatusConflict, message)
}

// SessionExpired — 410 upload-сессия отсутствует или истекла.
func SessionExpired(message string) *AppError {
	return New(CodeSessionExpired, http.StatusGone, message)
}

// FileSizeLimit — 413 превышен лимит размера файла.
func FileSizeLimit(message string) *AppError {
	return New(CodeFileSizeLimit, http.StatusRequestEntityTooLarge, message)
}

// RateLimitExceeded — 429 исчерпан лимит запросов.
// retryAfter — секунды до следующей попытки.
func RateLimitExceeded(message string, retryAfter int) *AppError {
	return New(CodeRateLimitExceeded, http.StatusTooManyRequests, message).
		WithContext("retry_after", retryAfter)
}

// ChunkValidation — 400 некорректный индекс/размер/хэш чанка.
func ChunkValidation(message string) *AppError {
	return New(CodeChunkValidationError, http.StatusBadRequest, message)
}

// HashMismatch — 400 итоговый хэш не совпал с ожидаемым.
func HashMismatch(message string) *AppError {
	return New(CodeHashMismatch, http.StatusBadRequest, message)
}

// UploadIncomplete — 400 complete вызван при неполном наборе чанков.
func UploadIncomplete(message string) *AppError {
	return New(CodeUploadIncomplete, http.StatusBadRequest, message)
}

// Storage — 500 ошибка ввода-вывода бэкенда.
func Storage(message string) *AppError {
	return New(CodeStorageError, http.StatusInternalServerError, message)
}

// IPBlocked — 403 IP заблокирован по abuse-счётчику.
func IPBlocked(message string) *AppError {
	return New(CodeIPBlocked, http.StatusForbidden, message)
}

// InvalidRange — 416 некорректный или невыполнимый Range.
func InvalidRange(message string) *AppError {
	return New(CodeInvalidRange, http.StatusRequestedRangeNotSatisfiable, message)
}

// ServiceUnavailable — 503 хранилище координации недоступно.
func ServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// Internal — 500 неклассифицированная внутренняя ошибка.
func Internal(message string) *AppError {
	return New(CodeInternalError, http.StatusInternalServerError, message)
}

// --- HTTP-ответ ---

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error map[string]any `json:"error"`
}

// WriteError записывает AppError в ResponseWriter в стандартном формате.
// Контекстные поля ошибки добавляются в объект error рядом с code/message.
func WriteError(w http.ResponseWriter, err *AppError) {
	detail := map[string]any{
		"code":        err.Code,
		"message":     err.Message,
		"status_code": err.StatusCode,
	}
	for k, v := range err.Context {
		detail[k] = v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}

// Write преобразует произвольную ошибку в HTTP-ответ.
// AppError пишется как есть, всё остальное — как INTERNAL_ERROR
// без утечки деталей клиенту.
func Write(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		WriteError(w, appErr)
		return
	}
	WriteError(w, Internal("внутренняя ошибка сервера"))
}

// AsApp возвращает AppError из цепочки ошибок или nil.
func AsApp(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
