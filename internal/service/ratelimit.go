// ratelimit.go — rate limiter на скользящем окне и abuse-гейт.
//
// Счётчик — sorted set в volatile-хранилище: score — миллисекунды,
// элемент — "<nowMs>:<random>". На каждой проверке устаревшие записи
// вырезаются, читается мощность окна, и при недоборе лимита
// добавляется новая запись.
//
// При недоступности volatile-хранилища limiter и abuse-гейт
// работают в режиме fail-open: запрос пропускается.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/domain/model"
)

// Prometheus метрики rate limiter
var (
	// rateLimitDecisions — решения limiter по типу и исходу.
	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fh_ratelimit_decisions_total",
			Help: "Решения rate limiter",
		},
		[]string{"type", "result"},
	)

	// abuseBlockedTotal — блокировки по abuse-счётчику.
	abuseBlockedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fh_abuse_blocked_total",
			Help: "Количество запросов, отклонённых по abuse-счётчику",
		},
	)
)

// LimitType — тип ограничиваемой операции.
type LimitType string

const (
	LimitUpload   LimitType = "upload"
	LimitDownload LimitType = "download"
	LimitAuth     LimitType = "auth"
)

// RateLimitResult — результат проверки лимита.
type RateLimitResult struct {
	Allowed bool
	// Remaining — остаток бюджета окна после этой проверки
	Remaining int
	// RetryAfter — секунды до освобождения окна (при отказе)
	RetryAfter int
}

// RateLimiterConfig — лимиты по типам операций.
type RateLimiterConfig struct {
	Window        time.Duration
	Upload        int
	Download      int
	Auth          int
	PremiumFactor int
}

// RateLimiter — скользящее окно поверх volatile-хранилища.
type RateLimiter struct {
	cache  *cache.Cache
	cfg    RateLimiterConfig
	logger *slog.Logger
}

// NewRateLimiter создаёт rate limiter.
func NewRateLimiter(c *cache.Cache, cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		cache:  c,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}
}

// limitFor возвращает лимит для типа операции с учётом роли.
func (rl *RateLimiter) limitFor(limitType LimitType, role model.Role) int {
	var base int
	switch limitType {
	case LimitUpload:
		base = rl.cfg.Upload
	case LimitDownload:
		base = rl.cfg.Download
	case LimitAuth:
		base = rl.cfg.Auth
	default:
		base = rl.cfg.Download
	}

	if role.Unlimited() && rl.cfg.PremiumFactor > 1 {
		return base * rl.cfg.PremiumFactor
	}
	return base
}

// Check проверяет лимит для пары (тип, идентификатор).
// identifier — "user:<id>" или "ip:<addr>". При разрешении запись
// добавляется в окно; при отказе возвращается retryAfter.
func (rl *RateLimiter) Check(ctx context.Context, limitType LimitType, identifier string, role model.Role) *RateLimitResult {
	limit := rl.limitFor(limitType, role)
	key := cache.KeyPrefixRateLimit + string(limitType) + ":" + identifier

	now := time.Now()
	nowMs := now.UnixMilli()
	windowStart := nowMs - rl.cfg.Window.Milliseconds()

	// Вырезаем записи, выпавшие из окна
	if err := rl.cache.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", windowStart)); err != nil {
		return rl.failOpen(limitType, err)
	}

	count, err := rl.cache.ZCard(ctx, key)
	if err != nil {
		return rl.failOpen(limitType, err)
	}

	if count >= int64(limit) {
		retryAfter := rl.retryAfter(ctx, key, nowMs)
		rateLimitDecisions.WithLabelValues(string(limitType), "denied").Inc()
		return &RateLimitResult{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	member := fmt.Sprintf("%d:%d", nowMs, rand.Int64())
	if err := rl.cache.ZAdd(ctx, key, float64(nowMs), member); err != nil {
		return rl.failOpen(limitType, err)
	}
	if err := rl.cache.Expire(ctx, key, rl.cfg.Window); err != nil {
		rl.logger.Debug("Не удалось выставить TTL окна", slog.String("error", err.Error()))
	}

	rateLimitDecisions.WithLabelValues(string(limitType), "allowed").Inc()
	return &RateLimitResult{
		Allowed:   true,
		Remaining: limit - int(count) - 1,
	}
}

// retryAfter вычисляет секунды до истечения самой старой записи окна.
// Результат ограничен диапазоном [1, window].
func (rl *RateLimiter) retryAfter(ctx context.Context, key string, nowMs int64) int {
	oldest, err := rl.cache.ZRangeWithScores(ctx, key, 0, 0)
	if err != nil || len(oldest) == 0 {
		return 1
	}

	expiresMs := int64(oldest[0].Score) + rl.cfg.Window.Milliseconds()
	seconds := int((expiresMs - nowMs + 999) / 1000)
	if seconds < 1 {
		return 1
	}
	if maxSec := int(rl.cfg.Window.Seconds()); seconds > maxSec {
		return maxSec
	}
	return seconds
}

// failOpen пропускает запрос при недоступности volatile-хранилища.
func (rl *RateLimiter) failOpen(limitType LimitType, err error) *RateLimitResult {
	rl.logger.Warn("Rate limiter: volatile-хранилище недоступно, fail-open",
		slog.String("type", string(limitType)),
		slog.String("error", err.Error()),
	)
	rateLimitDecisions.WithLabelValues(string(limitType), "fail_open").Inc()
	return &RateLimitResult{Allowed: true, Remaining: 0}
}

// --- Abuse-гейт ---

// AbuseGuard — блокировка IP по счётчику нарушений политики
// (попытки обхода каталогов, повторные ошибки валидации чанков).
type AbuseGuard struct {
	cache     *cache.Cache
	threshold int64
	window    time.Duration
	logger    *slog.Logger
}

// NewAbuseGuard создаёт abuse-гейт.
func NewAbuseGuard(c *cache.Cache, threshold int, window time.Duration, logger *slog.Logger) *AbuseGuard {
	return &AbuseGuard{
		cache:     c,
		threshold: int64(threshold),
		window:    window,
		logger:    logger.With(slog.String("component", "abuse_guard")),
	}
}

// RecordViolation учитывает нарушение политики с указанного IP.
func (g *AbuseGuard) RecordViolation(ctx context.Context, ip string) {
	if ip == "" {
		return
	}

	score, err := g.cache.IncrAbuse(ctx, ip, g.window)
	if err != nil {
		g.logger.Warn("Abuse-счётчик недоступен", slog.String("error", err.Error()))
		return
	}

	if score == g.threshold {
		g.logger.Warn("IP достиг порога блокировки",
			slog.String("ip", ip),
			slog.Int64("score", score),
		)
	}
}

// IsBlocked проверяет, заблокирован ли IP. Fail-open при недоступности
// хранилища. Блокировка снимается по истечении TTL счётчика.
func (g *AbuseGuard) IsBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}

	score, err := g.cache.AbuseScore(ctx, ip)
	if err != nil {
		g.logger.Warn("Abuse-счётчик недоступен, fail-open", slog.String("error", err.Error()))
		return false
	}

	if score >= g.threshold {
		abuseBlockedTotal.Inc()
		return true
	}
	return false
}
