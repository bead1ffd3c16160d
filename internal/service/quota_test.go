package service

import (
	"context"
	"testing"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

func TestQuota_CanUploadReasons(t *testing.T) {
	maxStorage := int64(100)
	maxFileSize := int64(50)
	u := freeUser("u1")
	u.QuotaOverride.MaxStorage = &maxStorage
	u.QuotaOverride.MaxFileSize = &maxFileSize
	env := newTestEnv(t, u)
	ctx := context.Background()

	// В пределах лимитов
	check, err := env.quota.CanUpload(ctx, "u1", 40)
	if err != nil {
		t.Fatalf("CanUpload() ошибка: %v", err)
	}
	if !check.Allowed {
		t.Fatalf("CanUpload(40): хотели allowed, причины %v", check.Reasons)
	}

	// Превышение размера файла
	check, _ = env.quota.CanUpload(ctx, "u1", 60)
	if check.Allowed {
		t.Fatal("CanUpload(60 > 50): хотели отказ")
	}
	if !hasReason(check, model.QuotaReasonFileTooLarge) {
		t.Errorf("Причины: хотели FILE_TOO_LARGE, получили %v", check.Reasons)
	}

	// Превышение хранилища: занято 80, файл 30 не влезает
	if err := env.quota.AddFile(ctx, "u1", 80); err != nil {
		t.Fatalf("AddFile() ошибка: %v", err)
	}
	check, _ = env.quota.CanUpload(ctx, "u1", 30)
	if check.Allowed {
		t.Fatal("CanUpload(80+30 > 100): хотели отказ")
	}
	if !hasReason(check, model.QuotaReasonStorageExceeded) {
		t.Errorf("Причины: хотели STORAGE_EXCEEDED, получили %v", check.Reasons)
	}
	for _, r := range check.Reasons {
		if r.Code == model.QuotaReasonStorageExceeded {
			if r.Limit != 100 || r.Current != 80 || r.Required != 30 {
				t.Errorf("Контекст причины: limit=%d current=%d required=%d", r.Limit, r.Current, r.Required)
			}
		}
	}
}

func TestQuota_FileCountLimit(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	maxFiles := int64(1)
	if _, err := env.quotas.GetOrCreate(ctx, "u1"); err != nil {
		t.Fatalf("GetOrCreate() ошибка: %v", err)
	}
	// Лимит количества файлов через запись квоты
	env.quotas.mu.Lock()
	env.quotas.quotas["u1"].Limits.MaxFiles = &maxFiles
	env.quotas.mu.Unlock()

	if err := env.quota.AddFile(ctx, "u1", 10); err != nil {
		t.Fatalf("AddFile() ошибка: %v", err)
	}

	check, _ := env.quota.CanUpload(ctx, "u1", 10)
	if check.Allowed {
		t.Fatal("CanUpload при достигнутом maxFiles: хотели отказ")
	}
	if !hasReason(check, model.QuotaReasonFileCountExceeded) {
		t.Errorf("Причины: хотели FILE_COUNT_EXCEEDED, получили %v", check.Reasons)
	}
}

func TestQuota_UnlimitedBypass(t *testing.T) {
	env := newTestEnv(t, premiumUser("p1"))
	ctx := context.Background()

	// Premium: все лимиты -1, любой размер проходит
	check, err := env.quota.CanUpload(ctx, "p1", 1<<40)
	if err != nil {
		t.Fatalf("CanUpload() ошибка: %v", err)
	}
	if !check.Allowed {
		t.Errorf("Premium CanUpload: хотели allowed, причины %v", check.Reasons)
	}
}

func TestQuota_Conservation(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	sizes := []int64{10, 25, 40}
	for _, s := range sizes {
		if err := env.quota.AddFile(ctx, "u1", s); err != nil {
			t.Fatalf("AddFile(%d) ошибка: %v", s, err)
		}
	}
	if err := env.quota.RemoveFile(ctx, "u1", 25); err != nil {
		t.Fatalf("RemoveFile() ошибка: %v", err)
	}

	q, _ := env.quotas.GetOrCreate(ctx, "u1")
	if q.Usage.Storage != 50 {
		t.Errorf("Storage: хотели 50, получили %d", q.Usage.Storage)
	}
	if q.Usage.Files != 2 {
		t.Errorf("Files: хотели 2, получили %d", q.Usage.Files)
	}

	// Счётчики не уходят в минус
	if err := env.quota.RemoveFile(ctx, "u1", 1000); err != nil {
		t.Fatalf("RemoveFile(1000) ошибка: %v", err)
	}
	if err := env.quota.RemoveFile(ctx, "u1", 1000); err != nil {
		t.Fatalf("RemoveFile(1000) ошибка: %v", err)
	}
	q, _ = env.quotas.GetOrCreate(ctx, "u1")
	if q.Usage.Storage < 0 || q.Usage.Files < 0 {
		t.Errorf("Счётчики отрицательные: storage=%d files=%d", q.Usage.Storage, q.Usage.Files)
	}
}

func TestQuota_OverQuotaFlag(t *testing.T) {
	maxStorage := int64(100)
	u := freeUser("u1")
	u.QuotaOverride.MaxStorage = &maxStorage
	env := newTestEnv(t, u)
	ctx := context.Background()

	// Переваливаем лимит: мягкий флаг выставляется
	if err := env.quota.AddFile(ctx, "u1", 150); err != nil {
		t.Fatalf("AddFile() ошибка: %v", err)
	}
	q, _ := env.quotas.GetOrCreate(ctx, "u1")
	if !q.IsOverQuota {
		t.Error("IsOverQuota не выставлен при превышении")
	}
	if q.OverQuotaSince == nil {
		t.Error("OverQuotaSince не установлен")
	}

	// Списание снимает флаг
	if err := env.quota.RemoveFile(ctx, "u1", 150); err != nil {
		t.Fatalf("RemoveFile() ошибка: %v", err)
	}
	q, _ = env.quotas.GetOrCreate(ctx, "u1")
	if q.IsOverQuota {
		t.Error("IsOverQuota не снят после списания")
	}
}

func TestQuota_SyncFromFiles(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	putFile(t, env, "u1", testPayload(30), nil)
	putFile(t, env, "u1", testPayload(70), nil)

	// Счётчики расходятся с файлами
	if err := env.quotas.SyncUsage(ctx, "u1", 9999, 42); err != nil {
		t.Fatalf("SyncUsage() ошибка: %v", err)
	}

	if err := env.quota.SyncFromFiles(ctx, "u1"); err != nil {
		t.Fatalf("SyncFromFiles() ошибка: %v", err)
	}

	q, _ := env.quotas.GetOrCreate(ctx, "u1")
	if q.Usage.Storage != 100 {
		t.Errorf("Storage после пересчёта: хотели 100, получили %d", q.Usage.Storage)
	}
	if q.Usage.Files != 2 {
		t.Errorf("Files после пересчёта: хотели 2, получили %d", q.Usage.Files)
	}
}

func TestQuota_GetSummaryResolvesDefaults(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))

	summary, err := env.quota.GetSummary(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetSummary() ошибка: %v", err)
	}

	defaults := model.DefaultQuotas[model.RoleFree]
	if summary.MaxStorage != defaults.MaxStorage {
		t.Errorf("MaxStorage: хотели %d, получили %d", defaults.MaxStorage, summary.MaxStorage)
	}
	if summary.MaxFileSize != defaults.MaxFileSize {
		t.Errorf("MaxFileSize: хотели %d, получили %d", defaults.MaxFileSize, summary.MaxFileSize)
	}
	if summary.MaxFiles != defaults.MaxFiles {
		t.Errorf("MaxFiles: хотели %d, получили %d", defaults.MaxFiles, summary.MaxFiles)
	}
}

func hasReason(check *model.UploadCheck, code string) bool {
	for _, r := range check.Reasons {
		if r.Code == code {
			return true
		}
	}
	return false
}
