// files.go — обработчики скачивания и управления файлами.
package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/service"
)

// filePasswordHeader — заголовок с паролем защищённого файла.
const filePasswordHeader = "X-File-Password"

// FilesHandler — HTTP-обработчики файлов.
type FilesHandler struct {
	downloads *service.DownloadEngine
	files     *service.FileService
	folders   *service.FolderTree
	logger    *slog.Logger
}

// NewFilesHandler создаёт обработчик файлов.
func NewFilesHandler(
	downloads *service.DownloadEngine,
	files *service.FileService,
	folders *service.FolderTree,
	logger *slog.Logger,
) *FilesHandler {
	return &FilesHandler{
		downloads: downloads,
		files:     files,
		folders:   folders,
		logger:    logger.With(slog.String("component", "files_handler")),
	}
}

// Download — GET /api/v1/files/{fileID}/download.
// Поддерживает Range (206 Partial Content) и пароль файла
// через заголовок X-File-Password или query-параметр password.
func (h *FilesHandler) Download(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	password := r.Header.Get(filePasswordHeader)
	if password == "" {
		password = r.URL.Query().Get("password")
	}

	result, err := h.downloads.PrepareDownload(r.Context(), chi.URLParam(r, "fileID"), service.DownloadOptions{
		UserID:      principal.UserID,
		RangeHeader: r.Header.Get("Range"),
		Password:    password,
	})
	if err != nil {
		h.writeError(w, "download", err)
		return
	}
	defer result.Stream.Close()

	for k, v := range result.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(result.StatusCode)

	if _, err := io.Copy(w, result.Stream); err != nil {
		// Ответ уже начат: оборванное соединение только логируем
		h.logger.Debug("Отдача файла прервана",
			slog.String("file_id", result.File.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Get — GET /api/v1/files/{fileID}: метаданные для владельца.
func (h *FilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	f, err := h.files.Get(r.Context(), principal.UserID, chi.URLParam(r, "fileID"))
	if err != nil {
		h.writeError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Delete — DELETE /api/v1/files/{fileID}.
func (h *FilesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	if err := h.files.Delete(r.Context(), principal.UserID, chi.URLParam(r, "fileID")); err != nil {
		h.writeError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// moveFileRequest — тело запроса переноса файла.
type moveFileRequest struct {
	FolderID *string `json:"folder_id"`
}

// Move — POST /api/v1/files/{fileID}/move.
func (h *FilesHandler) Move(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	var req moveFileRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.Validation("некорректное тело запроса"))
		return
	}

	if err := h.folders.MoveFile(r.Context(), principal.UserID, chi.URLParam(r, "fileID"), req.FolderID); err != nil {
		h.writeError(w, "move", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (h *FilesHandler) writeError(w http.ResponseWriter, op string, err error) {
	if appErr := apierrors.AsApp(err); appErr != nil {
		apierrors.WriteError(w, appErr)
		return
	}
	logHandlerError(h.logger, op, err)
	apierrors.WriteError(w, apierrors.Internal("внутренняя ошибка сервера"))
}
