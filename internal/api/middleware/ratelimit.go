// ratelimit.go — middleware rate limiting и блокировки по abuse-счётчику.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/service"
)

// RateLimit проверяет скользящее окно для типа операции.
// Идентификатор — "user:<id>" для аутентифицированных запросов,
// "ip:<addr>" для анонимных. Должен стоять ПОСЛЕ auth middleware.
func RateLimit(limiter *service.RateLimiter, limitType service.LimitType) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())

			result := limiter.Check(r.Context(), limitType, principal.RateIdentifier(), principal.Role)
			if !result.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
				apierrors.WriteError(w, apierrors.RateLimitExceeded(
					fmt.Sprintf("превышен лимит операций %s", limitType),
					result.RetryAfter,
				))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AbuseGate блокирует запросы с IP, превысивших abuse-порог.
func AbuseGate(guard *service.AbuseGuard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r)
			if guard.IsBlocked(r.Context(), ip) {
				apierrors.WriteError(w, apierrors.IPBlocked("IP временно заблокирован"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
