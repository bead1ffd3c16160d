// health.go — liveness и readiness endpoints.
package handlers

import (
	"net/http"

	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// ReadinessChecker — проверка готовности внешней зависимости.
type ReadinessChecker interface {
	CheckReady() (status string, message string)
}

// HealthHandler — обработчики health endpoints.
type HealthHandler struct {
	store    *blobstore.BlobStore
	checkers map[string]ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// checkers — именованные проверки внешних зависимостей (в main подключён только postgres).
func NewHealthHandler(store *blobstore.BlobStore, checkers map[string]ReadinessChecker) *HealthHandler {
	return &HealthHandler{store: store, checkers: checkers}
}

// Live — GET /health/live: процесс жив.
func (h *HealthHandler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready — GET /health/ready: хранилище доступно на запись,
// внешние зависимости отвечают.
func (h *HealthHandler) Ready(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]any{}
	healthy := true

	if err := h.store.HealthCheck(); err != nil {
		checks["storage"] = map[string]string{"status": "fail", "message": err.Error()}
		healthy = false
	} else {
		checks["storage"] = map[string]string{"status": "ok"}
	}

	for name, checker := range h.checkers {
		status, message := checker.CheckReady()
		checks[name] = map[string]string{"status": status, "message": message}
		if status != "ok" {
			healthy = false
		}
	}

	code := http.StatusOK
	overall := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		overall = "fail"
	}

	writeJSON(w, code, map[string]any{"status": overall, "checks": checks})
}
