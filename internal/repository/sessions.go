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

// SessionRepository — интерфейс доступа к upload-сессиям.
// PostgreSQL не имеет TTL-индексов, поэтому серверное удаление
// записей по expires_at выполняет cleanup-воркер через PurgeExpired.
type SessionRepository interface {
	// Create сохраняет новую сессию.
	Create(ctx context.Context, s *model.UploadSession) error
	// GetByID возвращает сессию по идентификатору.
	GetByID(ctx context.Context, sessionID string) (*model.UploadSession, error)
	// AppendChunk добавляет запись о принятом чанке, если чанка
	// с таким индексом ещё нет (append-if-not-exists).
	// Возвращает true, если запись добавлена.
	AppendChunk(ctx context.Context, sessionID string, chunk model.CompletedChunk) (bool, error)
	// SetStatus переводит сессию в новый статус с кодом ошибки
	// для терминального failed.
	SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, errCode string) error
	// SetCompleted фиксирует успешное завершение: статус completed,
	// идентификатор файла и уровень хранения.
	SetCompleted(ctx context.Context, sessionID, fileID string, tier model.StorageTier, now time.Time) error
	// ListExpiredLive возвращает живые сессии с истёкшим TTL.
	ListExpiredLive(ctx context.Context, now time.Time, limit int) ([]*model.UploadSession, error)
	// PurgeTerminal удаляет терминальные сессии, не обновлявшиеся
	// дольше retention. Возвращает количество удалённых.
	PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error)
	// PurgeExpired удаляет записи с expires_at старше grace-окна.
	PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error)
}

const sessionColumns = `session_id, user_id, filename, mime_type, total_size, expected_hash,
	folder_id, chunk_size, total_chunks, completed_chunks, status, error,
	file_id, storage_tier, started_at, last_activity_at, completed_at, expires_at`

// sessionRepo — реализация SessionRepository.
type sessionRepo struct {
	db DBTX
}

// NewSessionRepository создаёт репозиторий upload-сессий.
func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepo{db: db}
}

func scanSession(row pgx.Row) (*model.UploadSession, error) {
	s := &model.UploadSession{}
	var chunksJSON []byte
	err := row.Scan(
		&s.SessionID, &s.UserID, &s.Filename, &s.MimeType, &s.TotalSize, &s.ExpectedHash,
		&s.FolderID, &s.ChunkSize, &s.TotalChunks, &chunksJSON, &s.Status, &s.Error,
		&s.FileID, &s.StorageTier, &s.StartedAt, &s.LastActivityAt, &s.CompletedAt, &s.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка сканирования сессии: %w", err)
	}

	if err := json.Unmarshal(chunksJSON, &s.CompletedChunks); err != nil {
		return nil, fmt.Errorf("ошибка разбора completed_chunks: %w", err)
	}
	return s, nil
}

func scanSessions(rows pgx.Rows) ([]*model.UploadSession, error) {
	defer rows.Close()

	var result []*model.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *sessionRepo) Create(ctx context.Context, s *model.UploadSession) error {
	chunksJSON, err := json.Marshal(s.CompletedChunks)
	if err != nil {
		return fmt.Errorf("сериализация completed_chunks: %w", err)
	}

	query := `
		INSERT INTO upload_sessions (session_id, user_id, filename, mime_type, total_size,
			expected_hash, folder_id, chunk_size, total_chunks, completed_chunks,
			status, error, file_id, storage_tier, started_at, last_activity_at, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.db.Exec(ctx, query,
		s.SessionID, s.UserID, s.Filename, s.MimeType, s.TotalSize,
		s.ExpectedHash, s.FolderID, s.ChunkSize, s.TotalChunks, chunksJSON,
		s.Status, s.Error, s.FileID, s.StorageTier, s.StartedAt, s.LastActivityAt, s.CompletedAt, s.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: сессия с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания сессии: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM upload_sessions WHERE session_id = $1`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID))
}

// AppendChunk добавляет чанк атомарно: jsonb-конкатенация выполняется
// только если массив ещё не содержит элемента с таким индексом.
// Дубликаты чанков фиксируются ровно один раз.
func (r *sessionRepo) AppendChunk(ctx context.Context, sessionID string, chunk model.CompletedChunk) (bool, error) {
	chunkJSON, err := json.Marshal(chunk)
	if err != nil {
		return false, fmt.Errorf("сериализация чанка: %w", err)
	}

	query := `
		UPDATE upload_sessions
		SET completed_chunks = completed_chunks || $2::jsonb,
			status = CASE WHEN status = 'pending' THEN 'uploading' ELSE status END,
			last_activity_at = $3,
			updated_at = now()
		WHERE session_id = $1
			AND NOT EXISTS (
				SELECT 1 FROM jsonb_array_elements(completed_chunks) AS c
				WHERE (c->>'index')::int = $4
			)`

	tag, err := r.db.Exec(ctx, query, sessionID, chunkJSON, chunk.CompletedAt, chunk.Index)
	if err != nil {
		return false, fmt.Errorf("ошибка добавления чанка: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *sessionRepo) SetStatus(ctx context.Context, sessionID string, status model.SessionStatus, errCode string) error {
	query := `
		UPDATE upload_sessions
		SET status = $2, error = $3, last_activity_at = now(), updated_at = now()
		WHERE session_id = $1`

	tag, err := r.db.Exec(ctx, query, sessionID, status, errCode)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) SetCompleted(ctx context.Context, sessionID, fileID string, tier model.StorageTier, now time.Time) error {
	query := `
		UPDATE upload_sessions
		SET status = 'completed', file_id = $2, storage_tier = $3,
			completed_at = $4, last_activity_at = $4, updated_at = now()
		WHERE session_id = $1`

	tag, err := r.db.Exec(ctx, query, sessionID, fileID, tier, now)
	if err != nil {
		return fmt.Errorf("ошибка завершения сессии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ListExpiredLive(ctx context.Context, now time.Time, limit int) ([]*model.UploadSession, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM upload_sessions
		WHERE status IN ('pending', 'uploading', 'assembling') AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, sessionColumns)

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска истёкших сессий: %w", err)
	}
	return scanSessions(rows)
}

func (r *sessionRepo) PurgeTerminal(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	query := `
		DELETE FROM upload_sessions
		WHERE session_id IN (
			SELECT session_id FROM upload_sessions
			WHERE status IN ('completed', 'failed', 'expired') AND updated_at <= $1
			LIMIT $2
		)`

	tag, err := r.db.Exec(ctx, query, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("ошибка purge терминальных сессий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *sessionRepo) PurgeExpired(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	query := `
		DELETE FROM upload_sessions
		WHERE session_id IN (
			SELECT session_id FROM upload_sessions
			WHERE expires_at <= $1
			LIMIT $2
		)`

	tag, err := r.db.Exec(ctx, query, now.Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("ошибка purge истёкших сессий: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
