// auth.go — JWT middleware: превращает Bearer-токен в Principal.
// Валидация подписи RS256 через JWKS; выпуск токенов — вне сервиса.
// Отозванные токены отклоняются по blacklist в volatile-хранилище.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

// ContextKeyPrincipal — ключ Principal в контексте запроса.
const ContextKeyPrincipal contextKey = "principal"

// Claims — структура JWT claims сервиса.
type Claims struct {
	jwt.RegisteredClaims
	// Role — роль пользователя (free, premium, admin)
	Role string `json:"role"`
}

// JWTAuth — middleware аутентификации через JWKS.
type JWTAuth struct {
	jwks   keyfunc.Keyfunc
	cache  *cache.Cache
	logger *slog.Logger
}

// NewJWTAuth создаёт JWT middleware с JWKS из указанного URL.
// NoErrorReturnFirstHTTPReq позволяет стартовать, даже если JWKS
// endpoint ещё недоступен.
func NewJWTAuth(jwksURL string, c *cache.Cache, logger *slog.Logger) (*JWTAuth, error) {
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           time.Hour,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{Storage: storage})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:   k,
		cache:  c,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock-ключей.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, c *cache.Cache, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		cache:  c,
		logger: logger.With(slog.String("component", "jwt_auth")),
	}
}

// Middleware извлекает Bearer-токен, валидирует его и помещает
// Principal в контекст. Запросы без токена проходят как анонимные —
// решение о доступе принимает сервисный слой.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := model.Principal{IP: ClientIP(r)}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				apierrors.WriteError(w, apierrors.Authentication("неверный формат Authorization: ожидается Bearer <token>"))
				return
			}
			tokenString := parts[1]

			// Отозванные токены отклоняются; при недоступности
			// blacklist работаем fail-open
			if blacklisted, err := j.cache.IsTokenBlacklisted(r.Context(), tokenString); err != nil {
				j.logger.Warn("Blacklist недоступен, fail-open", slog.String("error", err.Error()))
			} else if blacklisted {
				apierrors.WriteError(w, apierrors.Authentication("токен отозван"))
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, j.jwks.KeyfuncCtx(r.Context()),
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(30*time.Second),
			)
			if err != nil || !token.Valid {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.WriteError(w, apierrors.Authentication("невалидный или просроченный токен"))
				return
			}

			subject, err := claims.GetSubject()
			if err != nil || subject == "" {
				apierrors.WriteError(w, apierrors.Authentication("отсутствует sub в токене"))
				return
			}

			role := model.Role(claims.Role)
			if !role.IsValid() {
				role = model.RoleFree
			}

			principal.UserID = subject
			principal.Role = role
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

// AnonymousMiddleware помечает все запросы анонимными.
// Используется при запуске без JWKS (разработка).
func AnonymousMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := model.Principal{IP: ClientIP(r)}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
		})
	}
}

// RequireAuth отклоняет анонимные запросы.
// Должен использоваться ПОСЛЕ Middleware().
func RequireAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PrincipalFromContext(r.Context()).Anonymous() {
				apierrors.WriteError(w, apierrors.Authentication("требуется аутентификация"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withPrincipal помещает Principal в контекст.
func withPrincipal(ctx context.Context, p model.Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// PrincipalFromContext извлекает Principal из контекста запроса.
// Отсутствие — анонимный Principal без IP.
func PrincipalFromContext(ctx context.Context) model.Principal {
	p, _ := ctx.Value(ContextKeyPrincipal).(model.Principal)
	return p
}

// ClientIP возвращает адрес клиента: первый элемент X-Forwarded-For
// или RemoteAddr без порта.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
