package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arturkryukov/filehub/internal/domain/model"
	"github.com/arturkryukov/filehub/internal/repository"
)

// In-memory реализации репозиториев для тестов сервисного слоя.
// Семантика повторяет SQL-реализации: атомарные инкременты под мьютексом,
// append-if-not-exists для чанков, GREATEST для временных меток.

// --- fakeFileRepo ---

type fakeFileRepo struct {
	mu    sync.Mutex
	files map[string]*model.File
	users *fakeUserRepo // для фильтра по роли в ListColdCandidates
}

func newFakeFileRepo(users *fakeUserRepo) *fakeFileRepo {
	return &fakeFileRepo{files: map[string]*model.File{}, users: users}
}

func (r *fakeFileRepo) Create(_ context.Context, f *model.File) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.files {
		if existing.StorageKey == f.StorageKey {
			return repository.ErrConflict
		}
	}
	cp := *f
	r.files[f.ID] = &cp
	return nil
}

func (r *fakeFileRepo) GetByID(_ context.Context, fileID string) (*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeFileRepo) ListByFolder(_ context.Context, userID string, folderID *string, limit, offset int, _ string) ([]*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.File
	for _, f := range r.files {
		if f.UserID != userID || f.IsDeleted {
			continue
		}
		if !samePtr(f.FolderID, folderID) {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeFileRepo) ListAllInFolder(_ context.Context, userID, folderID string) ([]*model.File, error) {
	return r.ListByFolder(context.Background(), userID, &folderID, 1<<30, 0, "")
}

func (r *fakeFileRepo) SoftDelete(_ context.Context, fileID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.IsDeleted {
		return repository.ErrNotFound
	}
	f.IsDeleted = true
	f.DeletedAt = &now
	return nil
}

func (r *fakeFileRepo) MoveToFolder(_ context.Context, fileID string, folderID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok || f.IsDeleted {
		return repository.ErrNotFound
	}
	f.FolderID = folderID
	return nil
}

func (r *fakeFileRepo) RecordDownload(_ context.Context, fileID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.Downloads++
	if f.LastDownloadAt == nil || now.After(*f.LastDownloadAt) {
		cp := now
		f.LastDownloadAt = &cp
	}
	if now.After(f.LastAccessAt) {
		f.LastAccessAt = now
	}
	return nil
}

func (r *fakeFileRepo) ExtendExpiry(_ context.Context, fileID string, newExpiry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	if f.ExpiresAt != nil && newExpiry.After(*f.ExpiresAt) {
		cp := newExpiry
		f.ExpiresAt = &cp
	}
	return nil
}

func (r *fakeFileRepo) SetExpiry(_ context.Context, fileID string, expiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.ExpiresAt = expiresAt
	return nil
}

func (r *fakeFileRepo) TouchAccess(_ context.Context, fileID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	if now.After(f.LastAccessAt) {
		f.LastAccessAt = now
	}
	return nil
}

func (r *fakeFileRepo) ListExpired(_ context.Context, now time.Time, limit int) ([]*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.File
	for _, f := range r.files {
		if f.IsDeleted || f.ExpiresAt == nil || f.ExpiresAt.After(now) {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(*result[j].ExpiresAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeFileRepo) ListColdCandidates(_ context.Context, cutoff time.Time, limit int) ([]*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.File
	for _, f := range r.files {
		if f.IsDeleted || f.StorageTier != model.TierHot {
			continue
		}
		if f.LastAccessAt.After(cutoff) {
			continue
		}
		if f.MigrationStatus == model.MigrationPending || f.MigrationStatus == model.MigrationInProgress {
			continue
		}
		if r.users != nil {
			if p, err := r.users.GetProfile(context.Background(), f.UserID); err == nil && p.Role.Unlimited() {
				continue
			}
		}
		cp := *f
		result = append(result, &cp)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeFileRepo) ListHotCandidates(_ context.Context, minDownloads int64, since time.Time, limit int) ([]*model.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.File
	for _, f := range r.files {
		if f.IsDeleted || f.StorageTier != model.TierCold {
			continue
		}
		if f.Downloads < minDownloads {
			continue
		}
		if f.LastDownloadAt == nil || f.LastDownloadAt.Before(since) {
			continue
		}
		if f.MigrationStatus == model.MigrationPending || f.MigrationStatus == model.MigrationInProgress {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeFileRepo) SetMigrationStatus(_ context.Context, fileID string, status model.MigrationStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.MigrationStatus = status
	return nil
}

func (r *fakeFileRepo) CompleteMigration(_ context.Context, fileID string, tier model.StorageTier, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.files[fileID]
	if !ok {
		return repository.ErrNotFound
	}
	f.StorageTier = tier
	f.MigrationStatus = model.MigrationCompleted
	cp := now
	f.LastMigrationAt = &cp
	return nil
}

func (r *fakeFileRepo) SumUsage(_ context.Context, userID string) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var storage, files int64
	for _, f := range r.files {
		if f.UserID == userID && !f.IsDeleted {
			storage += f.Size
			files++
		}
	}
	return storage, files, nil
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// --- fakeSessionRepo ---

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
	updated  map[string]time.Time
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{
		sessions: map[string]*model.UploadSession{},
		updated:  map[string]time.Time{},
	}
}

func (r *fakeSessionRepo) Create(_ context.Context, s *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.SessionID]; ok {
		return repository.ErrConflict
	}
	cp := *s
	cp.CompletedChunks = append([]model.CompletedChunk(nil), s.CompletedChunks...)
	r.sessions[s.SessionID] = &cp
	r.updated[s.SessionID] = time.Now().UTC()
	return nil
}

func (r *fakeSessionRepo) GetByID(_ context.Context, sessionID string) (*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	cp.CompletedChunks = append([]model.CompletedChunk(nil), s.CompletedChunks...)
	return &cp, nil
}

func (r *fakeSessionRepo) AppendChunk(_ context.Context, sessionID string, chunk model.CompletedChunk) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return false, repository.ErrNotFound
	}
	for _, c := range s.CompletedChunks {
		if c.Index == chunk.Index {
			return false, nil
		}
	}
	s.CompletedChunks = append(s.CompletedChunks, chunk)
	if s.Status == model.SessionPending {
		s.Status = model.SessionUploading
	}
	s.LastActivityAt = chunk.CompletedAt
	r.updated[sessionID] = time.Now().UTC()
	return true, nil
}

func (r *fakeSessionRepo) SetStatus(_ context.Context, sessionID string, status model.SessionStatus, errCode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = status
	s.Error = errCode
	r.updated[sessionID] = time.Now().UTC()
	return nil
}

func (r *fakeSessionRepo) SetCompleted(_ context.Context, sessionID, fileID string, tier model.StorageTier, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	s.Status = model.SessionCompleted
	s.FileID = &fileID
	s.StorageTier = &tier
	cp := now
	s.CompletedAt = &cp
	r.updated[sessionID] = time.Now().UTC()
	return nil
}

func (r *fakeSessionRepo) ListExpiredLive(_ context.Context, now time.Time, limit int) ([]*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.UploadSession
	for _, s := range r.sessions {
		if s.Status.Terminal() || s.ExpiresAt.After(now) {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeSessionRepo) PurgeTerminal(_ context.Context, olderThan time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for id, s := range r.sessions {
		if purged >= limit {
			break
		}
		if s.Status.Terminal() && !r.updated[id].After(olderThan) {
			delete(r.sessions, id)
			delete(r.updated, id)
			purged++
		}
	}
	return purged, nil
}

func (r *fakeSessionRepo) PurgeExpired(_ context.Context, now time.Time, grace time.Duration, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	cutoff := now.Add(-grace)
	for id, s := range r.sessions {
		if purged >= limit {
			break
		}
		if !s.ExpiresAt.After(cutoff) {
			delete(r.sessions, id)
			delete(r.updated, id)
			purged++
		}
	}
	return purged, nil
}

// --- fakeUserRepo ---

type fakeUserRepo struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUserRepo(users ...*model.User) *fakeUserRepo {
	r := &fakeUserRepo{users: map[string]*model.User{}}
	for _, u := range users {
		cp := *u
		r.users[u.ID] = &cp
	}
	return r
}

func (r *fakeUserRepo) Create(_ context.Context, u *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; ok {
		return repository.ErrConflict
	}
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, userID string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Email == model.NormalizeEmail(email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) GetProfile(_ context.Context, userID string) (*model.UserProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	p := u.Profile()
	return &p, nil
}

func (r *fakeUserRepo) RecordLoginFailure(_ context.Context, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.FailedLoginAttempts++
	if u.FailedLoginAttempts >= model.MaxFailedLogins {
		until := now.Add(model.LockoutDuration)
		u.LockoutUntil = &until
	}
	return nil
}

func (r *fakeUserRepo) RecordLoginSuccess(_ context.Context, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.FailedLoginAttempts = 0
	u.LockoutUntil = nil
	cp := now
	u.LastLogin = &cp
	return nil
}

func (r *fakeUserRepo) AddRefreshToken(_ context.Context, userID string, token model.RefreshToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	u.RefreshTokens = append(u.RefreshTokens, token)
	if len(u.RefreshTokens) > model.MaxRefreshTokens {
		u.RefreshTokens = u.RefreshTokens[len(u.RefreshTokens)-model.MaxRefreshTokens:]
	}
	return nil
}

func (r *fakeUserRepo) RemoveRefreshToken(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	tokens := u.RefreshTokens[:0]
	for _, t := range u.RefreshTokens {
		if t.Token != token {
			tokens = append(tokens, t)
		}
	}
	u.RefreshTokens = tokens
	return nil
}

// --- fakeQuotaRepo ---

type fakeQuotaRepo struct {
	mu     sync.Mutex
	quotas map[string]*model.Quota
}

func newFakeQuotaRepo() *fakeQuotaRepo {
	return &fakeQuotaRepo{quotas: map[string]*model.Quota{}}
}

func (r *fakeQuotaRepo) GetOrCreate(_ context.Context, userID string) (*model.Quota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(userID), nil
}

func (r *fakeQuotaRepo) getOrCreateLocked(userID string) *model.Quota {
	q, ok := r.quotas[userID]
	if !ok {
		q = &model.Quota{UserID: userID}
		q.Usage.Bandwidth.LastReset = time.Now().UTC()
		r.quotas[userID] = q
	}
	cp := *q
	return &cp
}

func (r *fakeQuotaRepo) AddUsage(_ context.Context, userID string, storageDelta, filesDelta int64) (*model.Quota, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	q := r.quotas[userID]
	q.Usage.Storage += storageDelta
	if q.Usage.Storage < 0 {
		q.Usage.Storage = 0
	}
	q.Usage.Files += filesDelta
	if q.Usage.Files < 0 {
		q.Usage.Files = 0
	}
	cp := *q
	return &cp, nil
}

func (r *fakeQuotaRepo) AddBandwidth(_ context.Context, userID string, bytes int64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	q := r.quotas[userID]
	last := q.Usage.Bandwidth.LastReset
	if last.Year() == now.Year() && last.YearDay() == now.YearDay() {
		q.Usage.Bandwidth.Daily += bytes
	} else {
		q.Usage.Bandwidth.Daily = bytes
	}
	if last.Year() == now.Year() && last.Month() == now.Month() {
		q.Usage.Bandwidth.Monthly += bytes
	} else {
		q.Usage.Bandwidth.Monthly = bytes
	}
	q.Usage.Bandwidth.LastReset = now
	return nil
}

func (r *fakeQuotaRepo) SetOverQuota(_ context.Context, userID string, over bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	q := r.quotas[userID]
	q.IsOverQuota = over
	if over && q.OverQuotaSince == nil {
		cp := now
		q.OverQuotaSince = &cp
	}
	if !over {
		q.OverQuotaSince = nil
	}
	return nil
}

func (r *fakeQuotaRepo) SyncUsage(_ context.Context, userID string, storage, files int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreateLocked(userID)
	q := r.quotas[userID]
	q.Usage.Storage = storage
	q.Usage.Files = files
	return nil
}

// --- fakeFolderRepo ---

type fakeFolderRepo struct {
	mu      sync.Mutex
	folders map[string]*model.Folder
}

func newFakeFolderRepo() *fakeFolderRepo {
	return &fakeFolderRepo{folders: map[string]*model.Folder{}}
}

func (r *fakeFolderRepo) Create(_ context.Context, f *model.Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.folders {
		if existing.UserID == f.UserID && existing.Path == f.Path {
			return repository.ErrConflict
		}
	}
	cp := *f
	r.folders[f.ID] = &cp
	return nil
}

func (r *fakeFolderRepo) GetByID(_ context.Context, userID, folderID string) (*model.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[folderID]
	if !ok || f.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *fakeFolderRepo) ListChildren(_ context.Context, userID string, parentID *string) ([]*model.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Folder
	for _, f := range r.folders {
		if f.UserID != userID || !samePtr(f.ParentID, parentID) {
			continue
		}
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (r *fakeFolderRepo) Update(_ context.Context, f *model.Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.folders[f.ID]
	if !ok || existing.UserID != f.UserID {
		return repository.ErrNotFound
	}
	for id, other := range r.folders {
		if id != f.ID && other.UserID == f.UserID && other.Path == f.Path {
			return repository.ErrConflict
		}
	}
	cp := *f
	r.folders[f.ID] = &cp
	return nil
}

func (r *fakeFolderRepo) Delete(_ context.Context, userID, folderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.folders[folderID]
	if !ok || f.UserID != userID {
		return repository.ErrNotFound
	}
	delete(r.folders, folderID)
	return nil
}

func (r *fakeFolderRepo) CascadePath(_ context.Context, userID, oldPath, newPath string, depthDelta int, _ time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for _, f := range r.folders {
		if f.UserID != userID || !strings.HasPrefix(f.Path, oldPath+"/") {
			continue
		}
		f.Path = newPath + f.Path[len(oldPath):]
		f.Depth += depthDelta
		updated++
	}
	return updated, nil
}

func (r *fakeFolderRepo) ExistsName(_ context.Context, userID string, parentID *string, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.folders {
		if f.UserID == userID && samePtr(f.ParentID, parentID) && f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Проверки соответствия интерфейсам на этапе компиляции
var (
	_ repository.FileRepository    = (*fakeFileRepo)(nil)
	_ repository.SessionRepository = (*fakeSessionRepo)(nil)
	_ repository.UserRepository    = (*fakeUserRepo)(nil)
	_ repository.QuotaRepository   = (*fakeQuotaRepo)(nil)
	_ repository.FolderRepository  = (*fakeFolderRepo)(nil)
)
