package service

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/arturkryukov/filehub/internal/cache"
	"github.com/arturkryukov/filehub/internal/config"
	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/storage/blobstore"
)

// testEnv — общее окружение тестов сервисного слоя:
// реальные blobstore (t.TempDir) и volatile-хранилище (miniredis),
// in-memory репозитории.
type testEnv struct {
	cfg      *config.Config
	store    *blobstore.BlobStore
	cache    *cache.Cache
	redis    *miniredis.Miniredis
	files    *fakeFileRepo
	sessions *fakeSessionRepo
	users    *fakeUserRepo
	quotas   *fakeQuotaRepo
	folders  *fakeFolderRepo

	quota     *QuotaAccountant
	access    *AccessPolicy
	uploads   *UploadEngine
	downloads *DownloadEngine
	tree      *FolderTree
	logger    *slog.Logger
}

// testChunkSize — маленький размер чанка для тестов.
const testChunkSize = 10

func newTestEnv(t *testing.T, users ...*model.User) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания BlobStore: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.NewWithClient(client, logger)
	t.Cleanup(func() { c.Close() })

	cfg := &config.Config{
		ChunkSize:          testChunkSize,
		SessionTTL:         time.Hour,
		ExpiryDaysFree:     5,
		ExtensionDays:      5,
		HotToColdDays:      30,
		ColdToHotDownloads: 5,
		WorkerInterval:     time.Hour,
		WorkerBatchSize:    100,
		OrphanChunkAge:     time.Hour,
		SessionRetention:   7 * 24 * time.Hour,
		MetadataCacheTTL:   300 * time.Second,
	}

	userRepo := newFakeUserRepo(users...)
	fileRepo := newFakeFileRepo(userRepo)
	sessionRepo := newFakeSessionRepo()
	quotaRepo := newFakeQuotaRepo()
	folderRepo := newFakeFolderRepo()

	events := NopSink{}
	quota := NewQuotaAccountant(quotaRepo, userRepo, fileRepo, events, logger)
	access := NewAccessPolicy(userRepo, logger)
	uploads := NewUploadEngine(cfg, store, sessionRepo, fileRepo, userRepo, quota, c, events, logger)
	downloads := NewDownloadEngine(cfg, store, fileRepo, access, quota, c, events, logger)
	tree := NewFolderTree(folderRepo, fileRepo, store, quota, c, events, logger)

	// Побочные эффекты скачивания выполняем синхронно
	downloads.spawn = func(fn func()) { fn() }

	return &testEnv{
		cfg:       cfg,
		store:     store,
		cache:     c,
		redis:     mr,
		files:     fileRepo,
		sessions:  sessionRepo,
		users:     userRepo,
		quotas:    quotaRepo,
		folders:   folderRepo,
		quota:     quota,
		access:    access,
		uploads:   uploads,
		downloads: downloads,
		tree:      tree,
		logger:    logger,
	}
}

// freeUser возвращает тестового free-пользователя.
func freeUser(id string) *model.User {
	return &model.User{
		ID:       id,
		Email:    id + "@example.com",
		Role:     model.RoleFree,
		IsActive: true,
	}
}

// premiumUser возвращает тестового premium-пользователя.
func premiumUser(id string) *model.User {
	u := freeUser(id)
	u.Role = model.RolePremium
	return u
}
