// quota.go — обработчики квот пользователя.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/service"
)

// QuotaHandler — HTTP-обработчики квот.
type QuotaHandler struct {
	quota  *service.QuotaAccountant
	logger *slog.Logger
}

// NewQuotaHandler создаёт обработчик квот.
func NewQuotaHandler(quota *service.QuotaAccountant, logger *slog.Logger) *QuotaHandler {
	return &QuotaHandler{
		quota:  quota,
		logger: logger.With(slog.String("component", "quota_handler")),
	}
}

// Summary — GET /api/v1/quota.
func (h *QuotaHandler) Summary(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	summary, err := h.quota.GetSummary(r.Context(), principal.UserID)
	if err != nil {
		h.writeError(w, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Sync — POST /api/v1/quota/sync: пересчёт счётчиков по файлам.
func (h *QuotaHandler) Sync(w http.ResponseWriter, r *http.Request) {
	principal := middleware.PrincipalFromContext(r.Context())

	if err := h.quota.SyncFromFiles(r.Context(), principal.UserID); err != nil {
		h.writeError(w, "sync", err)
		return
	}

	summary, err := h.quota.GetSummary(r.Context(), principal.UserID)
	if err != nil {
		h.writeError(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *QuotaHandler) writeError(w http.ResponseWriter, op string, err error) {
	if appErr := apierrors.AsApp(err); appErr != nil {
		apierrors.WriteError(w, appErr)
		return
	}
	logHandlerError(h.logger, op, err)
	apierrors.WriteError(w, apierrors.Internal("внутренняя ошибка сервера"))
}
