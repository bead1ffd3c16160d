package model

import (
	"testing"
	"time"
)

func TestSessionStatus_Transitions(t *testing.T) {
	allowed := []struct {
		from, to SessionStatus
	}{
		{SessionPending, SessionUploading},
		{SessionPending, SessionAssembling},
		{SessionPending, SessionFailed},
		{SessionPending, SessionExpired},
		{SessionUploading, SessionUploading},
		{SessionUploading, SessionAssembling},
		{SessionUploading, SessionFailed},
		{SessionUploading, SessionExpired},
		{SessionAssembling, SessionCompleted},
		{SessionAssembling, SessionFailed},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Errorf("Переход %s → %s должен быть разрешён", tc.from, tc.to)
		}
	}

	forbidden := []struct {
		from, to SessionStatus
	}{
		{SessionCompleted, SessionUploading},
		{SessionCompleted, SessionFailed},
		{SessionFailed, SessionUploading},
		{SessionExpired, SessionPending},
		{SessionPending, SessionCompleted},
		{SessionUploading, SessionCompleted},
	}
	for _, tc := range forbidden {
		if tc.from.CanTransition(tc.to) {
			t.Errorf("Переход %s → %s должен быть запрещён", tc.from, tc.to)
		}
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	for _, s := range []SessionStatus{SessionCompleted, SessionFailed, SessionExpired} {
		if !s.Terminal() {
			t.Errorf("%s должен быть терминальным", s)
		}
	}
	for _, s := range []SessionStatus{SessionPending, SessionUploading, SessionAssembling} {
		if s.Terminal() {
			t.Errorf("%s не должен быть терминальным", s)
		}
	}
}

func TestTotalChunksFor(t *testing.T) {
	cases := []struct {
		size, chunk int64
		want        int
	}{
		{25, 10, 3},
		{30, 10, 3},
		{1, 10, 1},
		{10, 10, 1},
		{11, 10, 2},
	}
	for _, tc := range cases {
		if got := TotalChunksFor(tc.size, tc.chunk); got != tc.want {
			t.Errorf("TotalChunksFor(%d, %d): хотели %d, получили %d", tc.size, tc.chunk, tc.want, got)
		}
	}
}

func TestExpectedChunkSize(t *testing.T) {
	// 25 байт, чанк 10: размеры 10, 10, 5
	s := &UploadSession{TotalSize: 25, ChunkSize: 10, TotalChunks: 3}
	for i, want := range []int64{10, 10, 5} {
		if got := s.ExpectedChunkSize(i); got != want {
			t.Errorf("ExpectedChunkSize(%d): хотели %d, получили %d", i, want, got)
		}
	}

	// Кратный размер: последний чанк полноразмерный
	even := &UploadSession{TotalSize: 30, ChunkSize: 10, TotalChunks: 3}
	if got := even.ExpectedChunkSize(2); got != 10 {
		t.Errorf("ExpectedChunkSize(последний, кратный): хотели 10, получили %d", got)
	}
}

func TestRemainingChunks(t *testing.T) {
	s := &UploadSession{
		TotalSize:   50,
		ChunkSize:   10,
		TotalChunks: 5,
		CompletedChunks: []CompletedChunk{
			{Index: 0}, {Index: 3},
		},
	}

	remaining := s.RemainingChunks()
	want := []int{1, 2, 4}
	if len(remaining) != len(want) {
		t.Fatalf("RemainingChunks: хотели %v, получили %v", want, remaining)
	}
	for i := range want {
		if remaining[i] != want[i] {
			t.Fatalf("RemainingChunks: хотели %v, получили %v", want, remaining)
		}
	}

	if s.IsComplete() {
		t.Error("IsComplete: хотели false при 2 из 5")
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now().UTC()
	s := &UploadSession{ExpiresAt: now.Add(time.Hour)}
	if s.IsExpired(now) {
		t.Error("Сессия с будущим expiresAt считается истёкшей")
	}
	if !s.IsExpired(now.Add(2 * time.Hour)) {
		t.Error("Сессия с прошедшим expiresAt не считается истёкшей")
	}
}

func TestFileIsExpired(t *testing.T) {
	now := time.Now().UTC()

	// nil — никогда не истекает
	f := &File{}
	if f.IsExpired(now) {
		t.Error("Файл без срока считается истёкшим")
	}

	past := now.Add(-time.Second)
	f.ExpiresAt = &past
	if !f.IsExpired(now) {
		t.Error("Файл с прошедшим сроком не считается истёкшим")
	}
}

func TestUserLockout(t *testing.T) {
	now := time.Now().UTC()

	u := &User{}
	if u.IsLockedOut(now) {
		t.Error("Пользователь без блокировки считается заблокированным")
	}

	until := now.Add(10 * time.Minute)
	u.LockoutUntil = &until
	if !u.IsLockedOut(now) {
		t.Error("Заблокированный пользователь не распознан")
	}
	if u.IsLockedOut(now.Add(11 * time.Minute)) {
		t.Error("Блокировка не истекает")
	}
}

func TestPrincipalRateIdentifier(t *testing.T) {
	anon := Principal{IP: "10.0.0.1"}
	if got := anon.RateIdentifier(); got != "ip:10.0.0.1" {
		t.Errorf("Аноним: хотели ip:10.0.0.1, получили %s", got)
	}

	user := Principal{UserID: "u1", IP: "10.0.0.1"}
	if got := user.RateIdentifier(); got != "user:u1" {
		t.Errorf("Пользователь: хотели user:u1, получили %s", got)
	}
}

func TestChildPathAndDepth(t *testing.T) {
	if got := ChildPath("", "a"); got != "/a" {
		t.Errorf("ChildPath(корень): хотели /a, получили %s", got)
	}
	if got := ChildPath("/a", "b"); got != "/a/b" {
		t.Errorf("ChildPath(/a, b): хотели /a/b, получили %s", got)
	}

	if got := PathDepth("/a"); got != 0 {
		t.Errorf("PathDepth(/a): хотели 0, получили %d", got)
	}
	if got := PathDepth("/a/b/c"); got != 2 {
		t.Errorf("PathDepth(/a/b/c): хотели 2, получили %d", got)
	}
}
