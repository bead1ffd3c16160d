package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
	"github.com/arturkryukov/filehub/internal/domain/model"
)

// putFile кладёт blob в хранилище и регистрирует запись файла.
func putFile(t *testing.T, env *testEnv, userID string, payload []byte, mutate func(*model.File)) *model.File {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	storageKey := BuildStorageKey(userID, "file.bin", now)

	// Кладём blob через staging и сборку одним чанком
	stage := uuid.New().String()
	if err := env.store.WriteChunk(stage, 0, payload); err != nil {
		t.Fatalf("WriteChunk() ошибка: %v", err)
	}
	res, err := env.store.AssembleChunks(ctx, stage, storageKey, 1, model.TierHot)
	if err != nil {
		t.Fatalf("AssembleChunks() ошибка: %v", err)
	}
	if err := env.store.DeleteChunks(stage); err != nil {
		t.Fatalf("DeleteChunks() ошибка: %v", err)
	}

	sum := sha256.Sum256(payload)
	f := &model.File{
		ID:              uuid.New().String(),
		UserID:          userID,
		StorageKey:      storageKey,
		OriginalName:    "file.bin",
		MimeType:        "application/octet-stream",
		Size:            res.Size,
		Hash:            hex.EncodeToString(sum[:]),
		StorageTier:     model.TierHot,
		LastAccessAt:    now,
		MigrationStatus: model.MigrationNone,
	}
	if mutate != nil {
		mutate(f)
	}
	if err := env.files.Create(ctx, f); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	return f
}

func TestDownload_RangeRequest(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	payload := testPayload(1000)
	f := putFile(t, env, "u1", payload, nil)

	result, err := env.downloads.PrepareDownload(ctx, f.ID, DownloadOptions{
		UserID:      "u1",
		RangeHeader: "bytes=100-199",
	})
	if err != nil {
		t.Fatalf("PrepareDownload() ошибка: %v", err)
	}
	defer result.Stream.Close()

	if result.StatusCode != 206 {
		t.Errorf("StatusCode: хотели 206, получили %d", result.StatusCode)
	}
	if result.Headers["Content-Length"] != "100" {
		t.Errorf("Content-Length: хотели 100, получили %s", result.Headers["Content-Length"])
	}
	if result.Headers["Content-Range"] != "bytes 100-199/1000" {
		t.Errorf("Content-Range: хотели bytes 100-199/1000, получили %s", result.Headers["Content-Range"])
	}

	body, _ := io.ReadAll(result.Stream)
	if !bytes.Equal(body, payload[100:200]) {
		t.Error("Тело диапазона не совпадает с байтами 100..199")
	}

	// Range-запрос не инкрементирует счётчик скачиваний
	updated, _ := env.files.GetByID(ctx, f.ID)
	if updated.Downloads != 0 {
		t.Errorf("Downloads после range: хотели 0, получили %d", updated.Downloads)
	}
}

func TestDownload_FullRequestSideEffects(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	payload := testPayload(100)
	expiry := time.Now().UTC().Add(24 * time.Hour)
	f := putFile(t, env, "u1", payload, func(f *model.File) {
		f.ExpiresAt = &expiry
	})

	result, err := env.downloads.PrepareDownload(ctx, f.ID, DownloadOptions{UserID: "u1"})
	if err != nil {
		t.Fatalf("PrepareDownload() ошибка: %v", err)
	}
	defer result.Stream.Close()

	if result.StatusCode != 200 {
		t.Errorf("StatusCode: хотели 200, получили %d", result.StatusCode)
	}

	body, _ := io.ReadAll(result.Stream)
	if !bytes.Equal(body, payload) {
		t.Error("Тело не совпадает с содержимым файла")
	}

	// Счётчик инкрементирован, срок продлён до now + extensionDays
	updated, _ := env.files.GetByID(ctx, f.ID)
	if updated.Downloads != 1 {
		t.Errorf("Downloads: хотели 1, получили %d", updated.Downloads)
	}
	if updated.LastDownloadAt == nil {
		t.Error("LastDownloadAt не установлен")
	}
	wantExpiry := time.Now().UTC().AddDate(0, 0, env.cfg.ExtensionDays)
	if updated.ExpiresAt == nil || updated.ExpiresAt.Before(expiry) {
		t.Error("Срок жизни не продлён")
	}
	if diff := updated.ExpiresAt.Sub(wantExpiry); diff < -time.Minute || diff > time.Minute {
		t.Errorf("ExpiresAt: хотели ≈ %v, получили %v", wantExpiry, *updated.ExpiresAt)
	}

	// Трафик учтён
	q, _ := env.quotas.GetOrCreate(ctx, "u1")
	if q.Usage.Bandwidth.Daily != 100 {
		t.Errorf("Bandwidth.Daily: хотели 100, получили %d", q.Usage.Bandwidth.Daily)
	}
}

func TestDownload_InvalidRanges(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	f := putFile(t, env, "u1", testPayload(1000), nil)

	cases := []string{
		"bytes=200-100",  // начало больше конца
		"bytes=0-1000",   // конец за пределами файла
		"bytes=1000-",    // начало за пределами файла
		"bytes=-",        // обе границы отсутствуют
		"items=0-10",     // не байтовый диапазон
		"bytes=0-10,20-", // множественный диапазон
	}

	for _, header := range cases {
		_, err := env.downloads.PrepareDownload(ctx, f.ID, DownloadOptions{
			UserID:      "u1",
			RangeHeader: header,
		})
		appErr := apierrors.AsApp(err)
		if appErr == nil || appErr.Code != apierrors.CodeInvalidRange {
			t.Errorf("Range %q: хотели INVALID_RANGE, получили %v", header, err)
		}
	}
}

func TestDownload_SuffixRange(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	payload := testPayload(1000)
	f := putFile(t, env, "u1", payload, nil)

	result, err := env.downloads.PrepareDownload(ctx, f.ID, DownloadOptions{
		UserID:      "u1",
		RangeHeader: "bytes=-100",
	})
	if err != nil {
		t.Fatalf("PrepareDownload() ошибка: %v", err)
	}
	defer result.Stream.Close()

	body, _ := io.ReadAll(result.Stream)
	if !bytes.Equal(body, payload[900:]) {
		t.Error("Суффиксный диапазон не совпадает с последними 100 байтами")
	}
	if result.Headers["Content-Range"] != "bytes 900-999/1000" {
		t.Errorf("Content-Range: хотели bytes 900-999/1000, получили %s", result.Headers["Content-Range"])
	}
}

func TestDownload_AccessPolicy(t *testing.T) {
	env := newTestEnv(t, freeUser("owner"), freeUser("other"), func() *model.User {
		u := freeUser("boss")
		u.Role = model.RoleAdmin
		return u
	}())
	ctx := context.Background()

	// Непубличный файл
	private := putFile(t, env, "owner", testPayload(10), nil)

	// Аноним — 401
	_, err := env.downloads.PrepareDownload(ctx, private.ID, DownloadOptions{})
	if appErr := apierrors.AsApp(err); appErr == nil || appErr.Code != apierrors.CodeAuthenticationError {
		t.Errorf("Аноним к приватному: хотели AUTHENTICATION_ERROR, получили %v", err)
	}

	// Чужой пользователь — 403
	_, err = env.downloads.PrepareDownload(ctx, private.ID, DownloadOptions{UserID: "other"})
	if appErr := apierrors.AsApp(err); appErr == nil || appErr.Code != apierrors.CodeAuthorizationError {
		t.Errorf("Чужой к приватному: хотели AUTHORIZATION_ERROR, получили %v", err)
	}

	// Администратор — доступ разрешён
	if res, err := env.downloads.PrepareDownload(ctx, private.ID, DownloadOptions{UserID: "boss"}); err != nil {
		t.Errorf("Администратор к приватному: хотели успех, получили %v", err)
	} else {
		res.Stream.Close()
	}

	// Публичный файл без пароля — доступен анониму
	public := putFile(t, env, "owner", testPayload(10), func(f *model.File) {
		f.IsPublic = true
	})
	if res, err := env.downloads.PrepareDownload(ctx, public.ID, DownloadOptions{}); err != nil {
		t.Errorf("Аноним к публичному: хотели успех, получили %v", err)
	} else {
		res.Stream.Close()
	}

	// Файл с паролем
	hash, err := HashFilePassword("secret")
	if err != nil {
		t.Fatalf("HashFilePassword() ошибка: %v", err)
	}
	locked := putFile(t, env, "owner", testPayload(10), func(f *model.File) {
		f.IsPublic = true
		f.PasswordHash = hash
	})

	_, err = env.downloads.PrepareDownload(ctx, locked.ID, DownloadOptions{Password: "wrong"})
	if appErr := apierrors.AsApp(err); appErr == nil || appErr.Code != apierrors.CodeAuthorizationError {
		t.Errorf("Неверный пароль: хотели AUTHORIZATION_ERROR, получили %v", err)
	}

	if res, err := env.downloads.PrepareDownload(ctx, locked.ID, DownloadOptions{Password: "secret"}); err != nil {
		t.Errorf("Верный пароль: хотели успех, получили %v", err)
	} else {
		res.Stream.Close()
	}
}

func TestDownload_ExpiredAndDeletedInvisible(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Second)
	expired := putFile(t, env, "u1", testPayload(10), func(f *model.File) {
		f.ExpiresAt = &past
	})

	_, err := env.downloads.PrepareDownload(ctx, expired.ID, DownloadOptions{UserID: "u1"})
	if appErr := apierrors.AsApp(err); appErr == nil || appErr.Code != apierrors.CodeNotFound {
		t.Errorf("Истёкший файл: хотели NOT_FOUND, получили %v", err)
	}

	deleted := putFile(t, env, "u1", testPayload(10), nil)
	if err := env.files.SoftDelete(ctx, deleted.ID, time.Now().UTC()); err != nil {
		t.Fatalf("SoftDelete() ошибка: %v", err)
	}

	_, err = env.downloads.PrepareDownload(ctx, deleted.ID, DownloadOptions{UserID: "u1"})
	if appErr := apierrors.AsApp(err); appErr == nil || appErr.Code != apierrors.CodeNotFound {
		t.Errorf("Удалённый файл: хотели NOT_FOUND, получили %v", err)
	}
}

func TestDownload_MetadataCached(t *testing.T) {
	env := newTestEnv(t, freeUser("u1"))
	ctx := context.Background()

	f := putFile(t, env, "u1", testPayload(10), nil)

	if _, err := env.downloads.GetFileMetadata(ctx, f.ID); err != nil {
		t.Fatalf("GetFileMetadata() ошибка: %v", err)
	}

	cached, err := env.cache.GetFileMeta(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFileMeta() ошибка: %v", err)
	}
	if cached == nil {
		t.Fatal("Метаданные не закэшированы")
	}
	if cached.StorageKey != f.StorageKey {
		t.Errorf("StorageKey из кэша: хотели %s, получили %s", f.StorageKey, cached.StorageKey)
	}
}
