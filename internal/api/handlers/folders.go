// folders.go — обработчики иерархии папок.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/service"
)

// FoldersHandler — HTTP-обработчики папок.
type FoldersHandler struct {
	tree   *service.FolderTree
	logger *slog.Logger
}

// NewFoldersHandler создаёт обработчик папок.
func NewFoldersHandler(tree *service.FolderTree, logger *slog.Logger) *FoldersHandler {
	return &FoldersHandler{
		tree:   tree,
		logger: logger.With(slog.String("component", "folders_handler")),
	}
}

// createFolderRequest — тело запроса создания папки.
type createFolderRequest struct {
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id,omitempty"`
}

// Create — POST /api/v1/folders.
func (h *FoldersHandler) Create(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	var req createFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.Validation("некорректное тело запроса"))
		return
	}

	folder, err := h.tree.Create(r.Context(), principal.UserID, req.Name, req.ParentID)
	if err != nil {
		h.writeError(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

// List — GET /api/v1/folders?parent_id=...
func (h *FoldersHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	var parentID *string
	if v := r.URL.Query().Get("parent_id"); v != "" {
		parentID = &v
	}

	folders, err := h.tree.List(r.Context(), principal.UserID, parentID)
	if err != nil {
		h.writeError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"folders": folders})
}

// Contents — GET /api/v1/folders/{folderID}/contents?page=&limit=&sort=
// folderID = "root" — содержимое корня.
func (h *FoldersHandler) Contents(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	var folderID *string
	if id := chi.URLParam(r, "folderID"); id != "root" {
		folderID = &id
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sort := r.URL.Query().Get("sort")

	contents, err := h.tree.Contents(r.Context(), principal.UserID, folderID, page, limit, sort)
	if err != nil {
		h.writeError(w, "contents", err)
		return
	}
	writeJSON(w, http.StatusOK, contents)
}

// updateFolderRequest — тело запроса изменения папки.
// name — переименование; move = true — перемещение под parent_id
// (без parent_id — в корень); допустимы оба сразу.
type updateFolderRequest struct {
	Name     *string `json:"name,omitempty"`
	ParentID *string `json:"parent_id,omitempty"`
	Move     bool    `json:"move,omitempty"`
}

// Update — PATCH /api/v1/folders/{folderID}.
func (h *FoldersHandler) Update(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())
	folderID := chi.URLParam(r, "folderID")

	var req updateFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		apierrors.WriteError(w, apierrors.Validation("некорректное тело запроса"))
		return
	}
	if req.Name == nil && !req.Move {
		apierrors.WriteError(w, apierrors.Validation("не указано ни имя, ни перемещение"))
		return
	}

	if req.Name != nil {
		folder, err := h.tree.Rename(r.Context(), principal.UserID, folderID, *req.Name)
		if err != nil {
			h.writeError(w, "rename", err)
			return
		}
		if !req.Move {
			writeJSON(w, http.StatusOK, folder)
			return
		}
	}

	folder, err := h.tree.Move(r.Context(), principal.UserID, folderID, req.ParentID)
	if err != nil {
		h.writeError(w, "move", err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// Delete — DELETE /api/v1/folders/{folderID}: рекурсивное удаление.
func (h *FoldersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	if err := h.tree.Delete(r.Context(), principal.UserID, chi.URLParam(r, "folderID")); err != nil {
		h.writeError(w, "delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *FoldersHandler) writeError(w http.ResponseWriter, op string, err error) {
	if appErr := apierrors.AsApp(err); appErr != nil {
		apierrors.WriteError(w, appErr)
		return
	}
	logHandlerError(h.logger, op, err)
	apierrors.WriteError(w, apierrors.Internal("внутренняя ошибка сервера"))
}
