// filename.go — санитизация имён файлов и генерация storage key.
package service

import (
	"crypto/rand"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	apierrors "github.com/arturkryukov/filehub/internal/api/errors"
)

// maxFilenameLength — максимальная длина имени файла после санитизации.
const maxFilenameLength = 255

// unsafeFilenameChars — символы, заменяемые на подчёркивание.
const unsafeFilenameChars = `<>:"/\|?*`

// SanitizeFilename приводит имя файла к безопасному виду.
//
// Отклоняются: пустые имена, null-байты, последовательности обхода
// каталогов (в том числе URL-кодированные). Символы из
// unsafeFilenameChars и управляющие символы заменяются на '_',
// берётся basename, результат обрезается до 255 символов.
// Операция идемпотентна: sanitize(sanitize(x)) == sanitize(x).
func SanitizeFilename(name string) (string, error) {
	if name == "" {
		return "", apierrors.Validation("имя файла не задано")
	}
	if strings.ContainsRune(name, 0) {
		return "", apierrors.Validation("имя файла содержит null-байт")
	}

	lower := strings.ToLower(name)
	for _, seq := range []string{"..", "%2e%2e", "%2f", "%5c", "%00"} {
		if strings.Contains(lower, seq) {
			return "", apierrors.Validation("имя файла содержит запрещённую последовательность")
		}
	}

	// Берём basename: обрезаем и unix-, и windows-разделители
	base := name
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}

	var b strings.Builder
	b.Grow(len(base))
	for _, r := range base {
		if unicode.IsControl(r) || strings.ContainsRune(unsafeFilenameChars, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}

	result := strings.TrimSpace(b.String())
	if result == "" || result == "." {
		return "", apierrors.Validation("имя файла пусто после санитизации")
	}

	if runes := []rune(result); len(runes) > maxFilenameLength {
		result = string(runes[:maxFilenameLength])
		result = strings.TrimSpace(result)
	}

	return result, nil
}

// storageKeyAlphabet — base36 алфавит случайного суффикса storage key.
const storageKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// BuildStorageKey генерирует уникальный ключ blob.
// Формат: {userId}_{unixMillis}_{base36-random6}{.ext}
func BuildStorageKey(userID, originalName string, now time.Time) string {
	suffix := make([]byte, 6)
	random := make([]byte, 6)
	_, _ = rand.Read(random)
	for i, b := range random {
		suffix[i] = storageKeyAlphabet[int(b)%len(storageKeyAlphabet)]
	}

	ext := filepath.Ext(originalName)
	return fmt.Sprintf("%s_%d_%s%s", userID, now.UnixMilli(), string(suffix), ext)
}
