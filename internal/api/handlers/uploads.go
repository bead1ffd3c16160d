// uploads.go — обработчики чанковой загрузки.
package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/service"
)

// chunkHashHeader — заголовок с клиентским MD5 чанка.
const chunkHashHeader = "X-Chunk-MD5"

// UploadHandler — HTTP-обработчики upload-сессий.
type UploadHandler struct {
	engine    *service.UploadEngine
	abuse     *service.AbuseGuard
	chunkSize int64
	logger    *slog.Logger
}

// NewUploadHandler создаёт обработчик загрузок.
func NewUploadHandler(engine *service.UploadEngine, abuse *service.AbuseGuard, chunkSize int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		engine:    engine,
		abuse:     abuse,
		chunkSize: chunkSize,
		logger:    logger.With(slog.String("component", "upload_handler")),
	}
}

// initRequest — тело запроса инициализации загрузки.
type initRequest struct {
	Filename     string  `json:"filename"`
	Size         int64   `json:"size"`
	ExpectedHash string  `json:"expected_hash,omitempty"`
	MimeType     string  `json:"mime_type,omitempty"`
	FolderID     *string `json:"folder_id,omitempty"`
}

// Init — POST /api/v1/uploads.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	var req initRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.Validation("некорректное тело запроса"))
		return
	}

	result, err := h.engine.Init(r.Context(), principal.UserID, service.InitParams{
		Filename:     req.Filename,
		Size:         req.Size,
		ExpectedHash: req.ExpectedHash,
		MimeType:     req.MimeType,
		FolderID:     req.FolderID,
	})
	if err != nil {
		h.writeError(w, r, "init", err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// Chunk — PUT /api/v1/uploads/{sessionID}/chunks/{index}.
// Тело запроса — сырые байты чанка; MD5 клиента — в X-Chunk-MD5.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		apierrors.WriteError(w, apierrors.ChunkValidation("некорректный индекс чанка"))
		return
	}

	// Тело ограничено размером чанка; лишний байт означает
	// превышение и отлавливается проверкой размера в движке
	data, err := io.ReadAll(io.LimitReader(r.Body, h.chunkSize+1))
	if err != nil {
		apierrors.WriteError(w, apierrors.Validation("не удалось прочитать тело запроса"))
		return
	}

	result, err := h.engine.Chunk(r.Context(), sessionID, index, data, r.Header.Get(chunkHashHeader))
	if err != nil {
		// Ошибки валидации чанка поднимают abuse-счётчик IP:
		// повторные невалидные чанки — признак злоупотребления
		if appErr := apierrors.AsApp(err); appErr != nil && appErr.Code == apierrors.CodeChunkValidationError {
			h.abuse.RecordViolation(r.Context(), middleware.ClientIP(r))
		}
		h.writeError(w, r, "chunk", err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Status — GET /api/v1/uploads/{sessionID}/status.
func (h *UploadHandler) Status(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Resume — GET /api/v1/uploads/{sessionID}/resume.
func (h *UploadHandler) Resume(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	result, err := h.engine.Resume(r.Context(), chi.URLParam(r, "sessionID"), principal.UserID)
	if err != nil {
		h.writeError(w, r, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Complete — POST /api/v1/uploads/{sessionID}/complete.
func (h *UploadHandler) Complete(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	file, err := h.engine.Complete(r.Context(), chi.URLParam(r, "sessionID"), principal.UserID)
	if err != nil {
		h.writeError(w, r, "complete", err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// Abort — DELETE /api/v1/uploads/{sessionID}.
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	if err := h.engine.Abort(r.Context(), chi.URLParam(r, "sessionID"), principal.UserID); err != nil {
		h.writeError(w, r, "abort", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// writeError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *UploadHandler) writeError(w http.ResponseWriter, _ *http.Request, op string, err error) {
	if appErr := apierrors.AsApp(err); appErr != nil {
		apierrors.WriteError(w, appErr)
		return
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		apierrors.WriteError(w, apierrors.Validation("тело запроса оборвано"))
		return
	}
	logHandlerError(h.logger, op, err)
	apierrors.WriteError(w, apierrors.Internal("внутренняя ошибка сервера"))
}
