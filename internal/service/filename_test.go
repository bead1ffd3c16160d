package service

import (
	"strings"
	"testing"
	"time"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
)

func TestSanitizeFilename_Valid(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"  spaced.txt  ", "spaced.txt"},
		{"фото.jpg", "фото.jpg"},
		{`bad<name>.txt`, "bad_name_.txt"},
		{`pipe|q?.bin`, "pipe_q_.bin"},
		{"dir/evil.sh", "evil.sh"},
		{`win\evil.sh`, "evil.sh"},
	}

	for _, tc := range cases {
		got, err := SanitizeFilename(tc.in)
		if err != nil {
			t.Errorf("SanitizeFilename(%q) ошибка: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SanitizeFilename(%q): хотели %q, получили %q", tc.in, tc.want, got)
		}
	}
}

func TestSanitizeFilename_Rejected(t *testing.T) {
	cases := []string{
		"",
		"a\x00b.txt",
		"../../etc/passwd",
		"a..b.txt",
		"%2e%2e/secret",
		"a%2Fb.txt",
		"a%5Cb.txt",
		"a%00b.txt",
		".",
		"   ",
	}

	for _, in := range cases {
		_, err := SanitizeFilename(in)
		appErr := apierrors.AsApp(err)
		if appErr == nil || appErr.Code != apierrors.CodeValidationError {
			t.Errorf("SanitizeFilename(%q): хотели VALIDATION_ERROR, получили %v", in, err)
		}
	}
}

func TestSanitizeFilename_Idempotent(t *testing.T) {
	inputs := []string{
		"report.pdf",
		`bad<name>.txt`,
		"  spaced.txt  ",
		"фото архив.jpg",
		strings.Repeat("я", 300) + ".txt",
	}

	for _, in := range inputs {
		once, err := SanitizeFilename(in)
		if err != nil {
			t.Fatalf("SanitizeFilename(%q) ошибка: %v", in, err)
		}
		twice, err := SanitizeFilename(once)
		if err != nil {
			t.Fatalf("Повторная санитизация %q ошибка: %v", once, err)
		}
		if once != twice {
			t.Errorf("Санитизация не идемпотентна: %q → %q → %q", in, once, twice)
		}
	}
}

func TestSanitizeFilename_LengthCap(t *testing.T) {
	long := strings.Repeat("a", 400) + ".txt"
	got, err := SanitizeFilename(long)
	if err != nil {
		t.Fatalf("SanitizeFilename() ошибка: %v", err)
	}
	if len([]rune(got)) > 255 {
		t.Errorf("Длина после санитизации: хотели <= 255, получили %d", len([]rune(got)))
	}
}

func TestBuildStorageKey_Format(t *testing.T) {
	now := time.Now().UTC()
	key := BuildStorageKey("user-1", "photo.jpg", now)

	if !strings.HasPrefix(key, "user-1_") {
		t.Errorf("Ключ не начинается с userId: %s", key)
	}
	if !strings.HasSuffix(key, ".jpg") {
		t.Errorf("Ключ не оканчивается расширением: %s", key)
	}

	parts := strings.Split(strings.TrimSuffix(key, ".jpg"), "_")
	if len(parts) != 3 {
		t.Fatalf("Ключ: хотели 3 секции, получили %d (%s)", len(parts), key)
	}
	if len(parts[2]) != 6 {
		t.Errorf("Случайный суффикс: хотели 6 символов, получили %q", parts[2])
	}
	for _, c := range parts[2] {
		if !strings.ContainsRune(storageKeyAlphabet, c) {
			t.Errorf("Суффикс содержит символ вне base36: %q", c)
		}
	}

	// Без расширения
	bare := BuildStorageKey("u", "noext", now)
	if strings.Contains(bare, ".") {
		t.Errorf("Ключ без расширения содержит точку: %s", bare)
	}

	// Ключи уникальны
	if key2 := BuildStorageKey("user-1", "photo.jpg", now); key == key2 {
		t.Error("Два ключа совпали")
	}
}
