package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

func newExpiryWorkerForTest(env *testEnv) *ExpiryWorker {
	return NewExpiryWorker(env.files, env.store, env.quota, env.cache, NopSink{},
		env.cfg.WorkerInterval, env.cfg.WorkerBatchSize, env.logger)
}

func newMigrationWorkerForTest(env *testEnv) *MigrationWorker {
	return NewMigrationWorker(env.files, env.store, env.cache, NopSink{},
		env.cfg.HotToColdDays, env.cfg.ColdToHotDownloads,
		env.cfg.WorkerInterval, env.cfg.WorkerBatchSize, env.logger)
}

func newCleanupWorkerForTest(env *testEnv) *CleanupWorker {
	return NewCleanupWorker(env.sessions, env.store, env.cache, NopSink{},
		env.cfg.OrphanChunkAge, env.cfg.SessionRetention,
		env.cfg.WorkerInterval, env.cfg.WorkerBatchSize, env.logger)
}

func TestExpiryWorker_SweepsExpiredFile(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	// Файл с истёкшим сроком; квота учитывает его
	past := time.Now().UTC().Add(-time.Second)
	f := putFile(t, env, "u1", testPayload(40), func(f *model.File) {
		f.ExpiresAt = &past
	})
	if err := env.quota.AddFile(ctx, "u1", f.Size); err != nil {
		t.Fatalf("AddFile() ошибка: %v", err)
	}

	// Живой файл не должен быть затронут
	alive := putFile(t, env, "u1", testPayload(10), nil)

	worker := newExpiryWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.Swept != 1 {
		t.Fatalf("Swept: хотели 1, получили %d", result.Swept)
	}
	if result.Errors != 0 {
		t.Errorf("Errors: хотели 0, получили %d", result.Errors)
	}

	// Запись помечена удалённой, blob отсутствует
	updated, _ := env.files.GetByID(ctx, f.ID)
	if !updated.IsDeleted {
		t.Error("Файл не помечен удалённым")
	}
	if env.store.Exists(f.StorageKey, f.StorageTier) {
		t.Error("Blob истёкшего файла не удалён")
	}

	// Квота списана
	q, _ := env.quotas.GetOrCreate(ctx, "u1")
	if q.Usage.Storage != 0 || q.Usage.Files != 0 {
		t.Errorf("Квота не списана: storage=%d files=%d", q.Usage.Storage, q.Usage.Files)
	}

	// Живой файл на месте
	untouched, _ := env.files.GetByID(ctx, alive.ID)
	if untouched.IsDeleted {
		t.Error("Живой файл помечен удалённым")
	}
	if !env.store.Exists(alive.StorageKey, alive.StorageTier) {
		t.Error("Blob живого файла удалён")
	}
}

func TestExpiryWorker_NullExpiryNeverSwept(t *testing.T) {
	env := newTestEnv(t, premiumUser("p1"))
	ctx := context.Background()

	f := putFile(t, env, "p1", testPayload(10), nil) // ExpiresAt = nil

	worker := newExpiryWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.Swept != 0 {
		t.Errorf("Swept: хотели 0, получили %d", result.Swept)
	}
	updated, _ := env.files.GetByID(ctx, f.ID)
	if updated.IsDeleted {
		t.Error("Бессрочный файл удалён")
	}
}

func TestMigrationWorker_ColdToHotPromotion(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	// Файл на cold с порогом скачиваний и недавним скачиванием
	recent := time.Now().UTC().Add(-24 * time.Hour)
	f := putFile(t, env, "u1", testPayload(30), func(f *model.File) {
		f.Downloads = 5
		f.LastDownloadAt = &recent
	})
	// Переносим blob на cold и правим запись
	if err := env.store.Migrate(f.StorageKey, model.TierHot, model.TierCold); err != nil {
		t.Fatalf("Migrate() ошибка: %v", err)
	}
	if err := env.files.CompleteMigration(ctx, f.ID, model.TierCold, recent); err != nil {
		t.Fatalf("CompleteMigration() ошибка: %v", err)
	}

	worker := newMigrationWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.ToHot != 1 {
		t.Fatalf("ToHot: хотели 1, получили %d", result.ToHot)
	}

	updated, _ := env.files.GetByID(ctx, f.ID)
	if updated.StorageTier != model.TierHot {
		t.Errorf("StorageTier: хотели hot, получили %s", updated.StorageTier)
	}
	if updated.MigrationStatus != model.MigrationCompleted {
		t.Errorf("MigrationStatus: хотели completed, получили %s", updated.MigrationStatus)
	}
	if !env.store.Exists(f.StorageKey, model.TierHot) {
		t.Error("Blob отсутствует на hot после миграции")
	}
	if env.store.Exists(f.StorageKey, model.TierCold) {
		t.Error("Blob остался на cold после миграции")
	}
}

func TestMigrationWorker_HotToColdDemotion(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"), premiumUser("p1"))
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -60)

	// Файл free-пользователя без обращений 60 дней — кандидат на cold
	stale := putFile(t, env, "u1", testPayload(20), func(f *model.File) {
		f.LastAccessAt = old
	})

	// Файл premium-пользователя не мигрирует даже при простое
	premium := putFile(t, env, "p1", testPayload(20), func(f *model.File) {
		f.LastAccessAt = old
	})

	worker := newMigrationWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.ToCold != 1 {
		t.Fatalf("ToCold: хотели 1, получили %d", result.ToCold)
	}

	updatedStale, _ := env.files.GetByID(ctx, stale.ID)
	if updatedStale.StorageTier != model.TierCold {
		t.Errorf("StorageTier: хотели cold, получили %s", updatedStale.StorageTier)
	}
	if !env.store.Exists(stale.StorageKey, model.TierCold) {
		t.Error("Blob отсутствует на cold")
	}

	updatedPremium, _ := env.files.GetByID(ctx, premium.ID)
	if updatedPremium.StorageTier != model.TierHot {
		t.Errorf("Premium-файл мигрирован: %s", updatedPremium.StorageTier)
	}
}

func TestCleanupWorker_ExpiredLiveSession(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	// Живая сессия с истёкшим TTL и чанками на диске
	session := &model.UploadSession{
		SessionID:       uuid.New().String(),
		UserID:          "u1",
		Filename:        "old.bin",
		MimeType:        "application/octet-stream",
		TotalSize:       25,
		ChunkSize:       testChunkSize,
		TotalChunks:     3,
		CompletedChunks: []model.CompletedChunk{},
		Status:          model.SessionUploading,
		StartedAt:       time.Now().UTC().Add(-2 * time.Hour),
		LastActivityAt:  time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt:       time.Now().UTC().Add(-time.Hour),
	}
	if err := env.sessions.Create(ctx, session); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if err := env.store.WriteChunk(session.SessionID, 0, testPayload(10)); err != nil {
		t.Fatalf("WriteChunk() ошибка: %v", err)
	}

	worker := newCleanupWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.ExpiredSessions != 1 {
		t.Fatalf("ExpiredSessions: хотели 1, получили %d", result.ExpiredSessions)
	}

	updated, _ := env.sessions.GetByID(ctx, session.SessionID)
	if updated.Status != model.SessionExpired {
		t.Errorf("Статус: хотели expired, получили %s", updated.Status)
	}

	dirs, _ := env.store.ListChunkDirs()
	if len(dirs) != 0 {
		t.Errorf("Чанки истёкшей сессии не удалены: %d директорий", len(dirs))
	}
}

func TestCleanupWorker_OrphanChunkDir(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	// Staging-директория без сессии
	ghost := uuid.New().String()
	if err := env.store.WriteChunk(ghost, 0, testPayload(10)); err != nil {
		t.Fatalf("WriteChunk() ошибка: %v", err)
	}

	// Воркер с нулевым порогом возраста видит её сразу
	worker := NewCleanupWorker(env.sessions, env.store, env.cache, NopSink{},
		0, env.cfg.SessionRetention, env.cfg.WorkerInterval, env.cfg.WorkerBatchSize, env.logger)
	result := worker.RunOnce(ctx)

	if result.OrphanDirs != 1 {
		t.Fatalf("OrphanDirs: хотели 1, получили %d", result.OrphanDirs)
	}
	dirs, _ := env.store.ListChunkDirs()
	if len(dirs) != 0 {
		t.Errorf("Осиротевшая директория не удалена: %d", len(dirs))
	}
}

func TestCleanupWorker_FreshChunksOfLiveSessionKept(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	payload := testPayload(25)
	initRes, err := env.uploads.Init(ctx, "u1", InitParams{Filename: "live.bin", Size: 25})
	if err != nil {
		t.Fatalf("Init() ошибка: %v", err)
	}
	if _, err := env.uploads.Chunk(ctx, initRes.SessionID, 0, chunkOf(payload, 0, testChunkSize), ""); err != nil {
		t.Fatalf("Chunk() ошибка: %v", err)
	}

	worker := newCleanupWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.OrphanDirs != 0 {
		t.Errorf("OrphanDirs: хотели 0, получили %d", result.OrphanDirs)
	}
	dirs, _ := env.store.ListChunkDirs()
	if len(dirs) != 1 {
		t.Errorf("Чанки живой сессии удалены: осталось %d директорий", len(dirs))
	}
}

func TestCleanupWorker_PurgesOldTerminalSessions(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	session := &model.UploadSession{
		SessionID:       uuid.New().String(),
		UserID:          "u1",
		Filename:        "done.bin",
		MimeType:        "application/octet-stream",
		TotalSize:       10,
		ChunkSize:       testChunkSize,
		TotalChunks:     1,
		CompletedChunks: []model.CompletedChunk{},
		Status:          model.SessionFailed,
		StartedAt:       time.Now().UTC().AddDate(0, 0, -10),
		LastActivityAt:  time.Now().UTC().AddDate(0, 0, -10),
		ExpiresAt:       time.Now().UTC().AddDate(0, 0, -9),
	}
	if err := env.sessions.Create(ctx, session); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	// Имитируем давность последнего обновления
	env.sessions.updated[session.SessionID] = time.Now().UTC().AddDate(0, 0, -10)

	worker := newCleanupWorkerForTest(env)
	result := worker.RunOnce(ctx)

	if result.PurgedSessions == 0 {
		t.Fatal("Терминальная сессия не удалена purge")
	}
	if _, err := env.sessions.GetByID(ctx, session.SessionID); err == nil {
		t.Error("Сессия всё ещё существует после purge")
	}
}
