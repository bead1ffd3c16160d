// Пакет handlers — HTTP-обработчики FileHub.
// Разбор запросов остаётся тонким: все решения принимает сервисный слой,
// обработчики переводят его ответы и типизированные ошибки в HTTP.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arturkryukov/filehub/internal/api/middleware"
	"github.com/arturkryukov/filehub/internal/service"
)

// APIHandler — агрегат всех HTTP-обработчиков.
type APIHandler struct {
	uploads *UploadHandler
	files   *FilesHandler
	folders *FoldersHandler
	quota   *QuotaHandler
	health  *HealthHandler

	limiter *service.RateLimiter
	abuse   *service.AbuseGuard
}

// NewAPIHandler создаёт агрегат обработчиков.
func NewAPIHandler(
	uploads *UploadHandler,
	files *FilesHandler,
	folders *FoldersHandler,
	quota *QuotaHandler,
	health *HealthHandler,
	limiter *service.RateLimiter,
	abuse *service.AbuseGuard,
) *APIHandler {
	return &APIHandler{
		uploads: uploads,
		files:   files,
		folders: folders,
		quota:   quota,
		health:  health,
		limiter: limiter,
		abuse:   abuse,
	}
}

// Routes регистрирует маршруты API на роутере.
// Auth middleware навешивается выше, в server.New.
func (h *APIHandler) Routes(r chi.Router) {
	r.Get("/health/live", h.health.Live)
	r.Get("/health/ready", h.health.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AbuseGate(h.abuse))

		r.Route("/uploads", func(r chi.Router) {
			r.Use(middleware.RateLimit(h.limiter, service.LimitUpload))
			r.With(middleware.RequireAuth()).Post("/", h.uploads.Init)
			r.Put("/{sessionID}/chunks/{index}", h.uploads.Chunk)
			r.Get("/{sessionID}/status", h.uploads.Status)
			r.With(middleware.RequireAuth()).Get("/{sessionID}/resume", h.uploads.Resume)
			r.With(middleware.RequireAuth()).Post("/{sessionID}/complete", h.uploads.Complete)
			r.With(middleware.RequireAuth()).Delete("/{sessionID}", h.uploads.Abort)
		})

		r.Route("/files", func(r chi.Router) {
			r.With(middleware.RateLimit(h.limiter, service.LimitDownload)).
				Get("/{fileID}/download", h.files.Download)
			r.With(middleware.RequireAuth()).Get("/{fileID}", h.files.Get)
			r.With(middleware.RequireAuth()).Delete("/{fileID}", h.files.Delete)
			r.With(middleware.RequireAuth()).Post("/{fileID}/move", h.files.Move)
		})

		r.Route("/folders", func(r chi.Router) {
			r.Use(middleware.RequireAuth())
			r.Post("/", h.folders.Create)
			r.Get("/", h.folders.List)
			r.Get("/{folderID}/contents", h.folders.Contents)
			r.Patch("/{folderID}", h.folders.Update)
			r.Delete("/{folderID}", h.folders.Delete)
		})

		r.Route("/quota", func(r chi.Router) {
			r.Use(middleware.RequireAuth())
			r.Get("/", h.quota.Summary)
			r.Post("/sync", h.quota.Sync)
		})
	})
}

// writeJSON пишет JSON-ответ со статусом.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// decodeJSON разбирает тело запроса в dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// logHandlerError пишет неожиданную ошибку обработчика в лог.
func logHandlerError(logger *slog.Logger, op string, err error) {
	logger.Error("Ошибка обработчика",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
}
