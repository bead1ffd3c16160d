// Пакет cache — volatile-хранилище координации на Redis.
//
// Хранит эфемерное состояние: денормализованные upload-сессии, битмапы
// принятых чанков, кэш метаданных файлов, скользящие окна rate limiter,
// abuse-счётчики и blacklist токенов. Ключи разнесены по префиксам.
//
// Поведение при недоступности Redis определяет вызывающий код:
// rate limiter и abuse-гейт работают в режиме fail-open, чтение кэша
// метаданных трактуется как промах, операции с сессиями возвращают
// SERVICE_UNAVAILABLE.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// Префиксы ключей.
const (
	KeyPrefixSession   = "upload_session:"
	KeyPrefixChunks    = "upload_chunks:"
	KeyPrefixFile      = "file:"
	KeyPrefixRateLimit = "ratelimit:"
	KeyPrefixAbuse     = "abuse:"
	KeyPrefixBlacklist = "blacklist:"
)

// ErrUnavailable — Redis недоступен или не ответил за отведённые retry.
var ErrUnavailable = errors.New("volatile-хранилище недоступно")

// Cache — клиент volatile-хранилища.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// Options — параметры подключения к Redis.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New создаёт клиент Redis с retry-политикой (3 попытки) и проверяет
// подключение через ping.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:       opts.Addr,
		Password:   opts.Password,
		DB:         opts.DB,
		MaxRetries: 3,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ошибка подключения к Redis %s: %w", opts.Addr, err)
	}

	logger.Info("Подключение к Redis установлено", slog.String("addr", opts.Addr))

	return &Cache{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "cache")),
	}, nil
}

// NewWithClient создаёт Cache поверх готового клиента.
// Используется в тестах с miniredis.
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "cache")),
	}
}

// Close закрывает подключение.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// wrap приводит ошибку Redis к ErrUnavailable, сохраняя исходную причину.
func wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// IsUnavailable проверяет, является ли ошибка недоступностью хранилища.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// --- Базовые операции ---

// Get возвращает значение ключа. Отсутствие ключа — ("", false, nil).
func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

// Set записывает значение с TTL (0 — без TTL).
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrap(c.rdb.Set(ctx, key, value, ttl).Err())
}

// Delete удаляет ключи.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return wrap(c.rdb.Del(ctx, keys...).Err())
}

// Exists проверяет существование ключа.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap(err)
	}
	return n > 0, nil
}

// Expire устанавливает TTL ключа.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrap(c.rdb.Expire(ctx, key, ttl).Err())
}

// TTL возвращает оставшийся TTL ключа.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return d, nil
}

// Incr атомарно увеличивает счётчик на 1.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// IncrBy атомарно увеличивает счётчик на delta.
func (c *Cache) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// --- Hash операции ---

// HSet записывает поля hash.
func (c *Cache) HSet(ctx context.Context, key string, values map[string]string) error {
	args := make([]any, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	return wrap(c.rdb.HSet(ctx, key, args...).Err())
}

// HGet возвращает поле hash. Отсутствие — ("", false, nil).
func (c *Cache) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

// HGetAll возвращает все поля hash.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return m, nil
}

// HDel удаляет поля hash.
func (c *Cache) HDel(ctx context.Context, key string, fields ...string) error {
	return wrap(c.rdb.HDel(ctx, key, fields...).Err())
}

// --- Set операции ---

// SAdd добавляет элементы множества.
func (c *Cache) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrap(c.rdb.SAdd(ctx, key, args...).Err())
}

// SIsMember проверяет принадлежность элемента множеству.
func (c *Cache) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap(err)
	}
	return ok, nil
}

// SMembers возвращает элементы множества.
func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return members, nil
}

// --- Sorted set операции (скользящие окна) ---

// ZAdd добавляет элемент с score.
func (c *Cache) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrap(c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRemRangeByScore удаляет элементы со score в [min, max].
func (c *Cache) ZRemRangeByScore(ctx context.Context, key, min, max string) error {
	return wrap(c.rdb.ZRemRangeByScore(ctx, key, min, max).Err())
}

// ZCard возвращает мощность sorted set.
func (c *Cache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

// ZRangeWithScores возвращает элементы по рангу с их score.
func (c *Cache) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]redis.Z, error) {
	zs, err := c.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return zs, nil
}

// --- Сканирование ---

// DeleteByPattern удаляет ключи по шаблону через SCAN (не KEYS).
// Возвращает количество удалённых ключей.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	iter := c.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, wrap(err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, wrap(err)
	}
	return deleted, nil
}

// --- Upload-сессии ---

// SetSession кэширует денормализованную копию сессии с TTL.
func (c *Cache) SetSession(ctx context.Context, s *model.UploadSession, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("сериализация сессии: %w", err)
	}
	return c.Set(ctx, KeyPrefixSession+s.SessionID, string(data), ttl)
}

// GetSession возвращает сессию из кэша. Промах — (nil, nil).
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	val, ok, err := c.Get(ctx, KeyPrefixSession+sessionID)
	if err != nil || !ok {
		return nil, err
	}

	var s model.UploadSession
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		// Повреждённая запись — трактуем как промах и удаляем
		c.logger.Warn("Повреждённая запись сессии в кэше",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		_ = c.Delete(ctx, KeyPrefixSession+sessionID)
		return nil, nil
	}
	return &s, nil
}

// DeleteSession удаляет сессию и её набор чанков из кэша.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	return c.Delete(ctx, KeyPrefixSession+sessionID, KeyPrefixChunks+sessionID)
}

// --- Набор принятых чанков ---

// AddChunk отмечает чанк принятым (sadd + expire).
func (c *Cache) AddChunk(ctx context.Context, sessionID string, chunkIndex int, ttl time.Duration) error {
	key := KeyPrefixChunks + sessionID
	if err := c.SAdd(ctx, key, strconv.Itoa(chunkIndex)); err != nil {
		return err
	}
	return c.Expire(ctx, key, ttl)
}

// HasChunk проверяет, принят ли чанк.
func (c *Cache) HasChunk(ctx context.Context, sessionID string, chunkIndex int) (bool, error) {
	return c.SIsMember(ctx, KeyPrefixChunks+sessionID, strconv.Itoa(chunkIndex))
}

// ChunkIndexes возвращает принятые индексы чанков.
func (c *Cache) ChunkIndexes(ctx context.Context, sessionID string) ([]int, error) {
	members, err := c.SMembers(ctx, KeyPrefixChunks+sessionID)
	if err != nil {
		return nil, err
	}

	indexes := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		indexes = append(indexes, n)
	}
	return indexes, nil
}

// --- Кэш метаданных файлов ---

// SetFileMeta кэширует метаданные файла с TTL.
func (c *Cache) SetFileMeta(ctx context.Context, f *model.File, ttl time.Duration) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("сериализация метаданных: %w", err)
	}
	return c.Set(ctx, KeyPrefixFile+f.ID, string(data), ttl)
}

// GetFileMeta возвращает метаданные файла из кэша. Промах — (nil, nil).
func (c *Cache) GetFileMeta(ctx context.Context, fileID string) (*model.File, error) {
	val, ok, err := c.Get(ctx, KeyPrefixFile+fileID)
	if err != nil || !ok {
		return nil, err
	}

	var f model.File
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		_ = c.Delete(ctx, KeyPrefixFile+fileID)
		return nil, nil
	}
	return &f, nil
}

// InvalidateFileMeta удаляет метаданные файла из кэша.
func (c *Cache) InvalidateFileMeta(ctx context.Context, fileID string) error {
	return c.Delete(ctx, KeyPrefixFile+fileID)
}

// --- Blacklist токенов ---

// BlacklistToken помещает токен в blacklist до истечения его срока.
func (c *Cache) BlacklistToken(ctx context.Context, token string, ttl time.Duration) error {
	return c.Set(ctx, KeyPrefixBlacklist+token, "1", ttl)
}

// IsTokenBlacklisted проверяет токен по blacklist.
// При недоступности хранилища возвращает (false, err) — решение за вызывающим.
func (c *Cache) IsTokenBlacklisted(ctx context.Context, token string) (bool, error) {
	return c.Exists(ctx, KeyPrefixBlacklist+token)
}

// --- Abuse-счётчик ---

// IncrAbuse увеличивает abuse-счётчик IP и возвращает новое значение.
// Окно задаётся TTL, устанавливаемым при первом инкременте.
func (c *Cache) IncrAbuse(ctx context.Context, ip string, window time.Duration) (int64, error) {
	key := KeyPrefixAbuse + ip
	n, err := c.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := c.Expire(ctx, key, window); err != nil {
			return n, err
		}
	}
	return n, nil
}

// AbuseScore возвращает текущее значение abuse-счётчика IP.
func (c *Cache) AbuseScore(ctx context.Context, ip string) (int64, error) {
	val, ok, err := c.Get(ctx, KeyPrefixAbuse+ip)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}
