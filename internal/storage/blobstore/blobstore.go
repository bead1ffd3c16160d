// Пакет blobstore — операции с физическими файлами на двух уровнях
// хранения (hot/SSD и cold/HDD) и staging-областью чанков.
//
// Раскладка на диске:
//
//	<basePath>/<tier>/<первые-2-символа-ключа>/<storageKey>
//	<basePath>/ssd/temp/<sessionId>/<chunkIndex>
//
// Записи атомарные (temp файл → fsync → rename), сборка файла из чанков
// считает SHA-256 параллельно с записью. Слой не делает retry —
// решение принимает вызывающий код.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/arturkryukov/filehub/internal/domain/model"
)

// Типизированные ошибки слоя хранения.
var (
	// ErrNotFound — blob или чанк отсутствует.
	ErrNotFound = errors.New("объект не найден")
	// ErrIO — ошибка ввода-вывода.
	ErrIO = errors.New("ошибка ввода-вывода")
	// ErrIntegrity — нарушение целостности (неполный набор чанков и т.п.).
	ErrIntegrity = errors.New("нарушение целостности")
)

// tempDirName — имя staging-директории чанков внутри hot-уровня.
const tempDirName = "temp"

// BlobStore — управление физическими файлами на двух уровнях хранения.
type BlobStore struct {
	basePath string
}

// New создаёт BlobStore и директории уровней, если они не существуют.
func New(basePath string) (*BlobStore, error) {
	for _, dir := range []string{
		filepath.Join(basePath, tierDir(model.TierHot)),
		filepath.Join(basePath, tierDir(model.TierCold)),
		filepath.Join(basePath, tierDir(model.TierHot), tempDirName),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
		}
	}

	return &BlobStore{basePath: basePath}, nil
}

// tierDir возвращает имя директории уровня хранения.
func tierDir(tier model.StorageTier) string {
	if tier == model.TierCold {
		return "hdd"
	}
	return "ssd"
}

// blobPath возвращает полный путь blob: <base>/<tier>/<первые-2>/<key>.
func (b *BlobStore) blobPath(storageKey string, tier model.StorageTier) string {
	prefix := storageKey
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(b.basePath, tierDir(tier), prefix, storageKey)
}

// chunkDir возвращает staging-директорию сессии.
func (b *BlobStore) chunkDir(sessionID string) string {
	return filepath.Join(b.basePath, tierDir(model.TierHot), tempDirName, sessionID)
}

// chunkPath возвращает путь чанка внутри staging-директории.
func (b *BlobStore) chunkPath(sessionID string, chunkIndex int) string {
	return filepath.Join(b.chunkDir(sessionID), strconv.Itoa(chunkIndex))
}

// WriteChunk атомарно записывает чанк в staging-область сессии.
// Паттерн: temp файл → fsync → rename, чтобы пережить падение
// посреди записи.
func (b *BlobStore) WriteChunk(sessionID string, chunkIndex int, data []byte) error {
	dir := b.chunkDir(sessionID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: создание staging-директории: %v", ErrIO, err)
	}

	finalPath := b.chunkPath(sessionID, chunkIndex)
	tmpPath := finalPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: создание временного файла чанка: %v", ErrIO, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: запись чанка: %v", ErrIO, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync чанка: %v", ErrIO, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: закрытие чанка: %v", ErrIO, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: атомарное переименование чанка: %v", ErrIO, err)
	}

	return nil
}

// AssembleResult — результат сборки файла из чанков.
type AssembleResult struct {
	// Size — размер собранного файла в байтах
	Size int64
	// Hash — SHA-256 содержимого
	Hash string
}

// AssembleChunks собирает файл из чанков сессии в порядке индексов
// 0..totalChunks-1, считая SHA-256 параллельно с записью.
// При любой ошибке частичный результат удаляется до возврата ошибки.
// Staging-директория не удаляется — это делает вызывающий код
// после фиксации метаданных.
func (b *BlobStore) AssembleChunks(ctx context.Context, sessionID, storageKey string, totalChunks int, tier model.StorageTier) (*AssembleResult, error) {
	destPath := b.blobPath(storageKey, tier)
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return nil, fmt.Errorf("%w: создание директории blob: %v", ErrIO, err)
	}

	tmpPath := destPath + ".tmp"
	dest, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: создание файла сборки: %v", ErrIO, err)
	}

	cleanup := func() {
		dest.Close()
		os.Remove(tmpPath)
	}

	hasher := sha256.New()
	writer := io.MultiWriter(dest, hasher)

	var total int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, fmt.Errorf("сборка прервана: %w", err)
		}

		n, err := b.appendChunk(writer, sessionID, i)
		if err != nil {
			cleanup()
			return nil, err
		}
		total += n
	}

	if err := dest.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: fsync собранного файла: %v", ErrIO, err)
	}
	if err := dest.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: закрытие собранного файла: %v", ErrIO, err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("%w: атомарное переименование: %v", ErrIO, err)
	}

	return &AssembleResult{
		Size: total,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// appendChunk копирует один чанк в writer сборки.
func (b *BlobStore) appendChunk(w io.Writer, sessionID string, chunkIndex int) (int64, error) {
	path := b.chunkPath(sessionID, chunkIndex)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: чанк %d сессии %s отсутствует", ErrIntegrity, chunkIndex, sessionID)
		}
		return 0, fmt.Errorf("%w: открытие чанка %d: %v", ErrIO, chunkIndex, err)
	}
	defer f.Close()

	n, err := io.Copy(w, f)
	if err != nil {
		return n, fmt.Errorf("%w: копирование чанка %d: %v", ErrIO, chunkIndex, err)
	}
	return n, nil
}

// DeleteChunks удаляет staging-директорию сессии со всеми чанками.
// Возвращает nil, если директории уже нет.
func (b *BlobStore) DeleteChunks(sessionID string) error {
	if err := os.RemoveAll(b.chunkDir(sessionID)); err != nil {
		return fmt.Errorf("%w: удаление чанков сессии %s: %v", ErrIO, sessionID, err)
	}
	return nil
}

// ChunkDirInfo — сведения об одной staging-директории.
type ChunkDirInfo struct {
	SessionID string
	ModTime   time.Time
}

// ListChunkDirs возвращает все staging-директории с временем модификации.
// Используется cleanup-воркером для поиска осиротевших чанков.
func (b *BlobStore) ListChunkDirs() ([]ChunkDirInfo, error) {
	root := filepath.Join(b.basePath, tierDir(model.TierHot), tempDirName)

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: чтение staging-области: %v", ErrIO, err)
	}

	var result []ChunkDirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		result = append(result, ChunkDirInfo{
			SessionID: e.Name(),
			ModTime:   info.ModTime(),
		})
	}
	return result, nil
}

// OpenRange открывает blob для чтения диапазона байт [start, end]
// (включительно). Возвращает поток ровно end-start+1 байт.
// Для полного файла start = 0, end = size-1.
func (b *BlobStore) OpenRange(storageKey string, tier model.StorageTier, start, end int64) (io.ReadCloser, error) {
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: некорректный диапазон [%d, %d]", ErrIntegrity, start, end)
	}

	path := b.blobPath(storageKey, tier)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s на уровне %s", ErrNotFound, storageKey, tier)
		}
		return nil, fmt.Errorf("%w: открытие blob %s: %v", ErrIO, storageKey, err)
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: seek blob %s: %v", ErrIO, storageKey, err)
		}
	}

	return &rangeReader{f: f, remaining: end - start + 1}, nil
}

// rangeReader — ограниченный поток чтения с закрытием файла.
type rangeReader struct {
	f         *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	return r.f.Close()
}

// Size возвращает размер blob на указанном уровне.
func (b *BlobStore) Size(storageKey string, tier model.StorageTier) (int64, error) {
	info, err := os.Stat(b.blobPath(storageKey, tier))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: blob %s на уровне %s", ErrNotFound, storageKey, tier)
		}
		return 0, fmt.Errorf("%w: stat blob %s: %v", ErrIO, storageKey, err)
	}
	return info.Size(), nil
}

// Exists проверяет наличие blob на указанном уровне.
func (b *BlobStore) Exists(storageKey string, tier model.StorageTier) bool {
	_, err := os.Stat(b.blobPath(storageKey, tier))
	return err == nil
}

// Delete удаляет blob с указанного уровня.
// Возвращает nil, если blob уже отсутствует.
func (b *BlobStore) Delete(storageKey string, tier model.StorageTier) error {
	err := os.Remove(b.blobPath(storageKey, tier))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: удаление blob %s: %v", ErrIO, storageKey, err)
	}
	return nil
}

// Migrate перемещает blob между уровнями хранения.
// Сначала пробует rename (уровни на одном устройстве), при ошибке
// cross-device — копирование с fsync и удалением источника только
// после подтверждения существования целевого файла.
func (b *BlobStore) Migrate(storageKey string, source, target model.StorageTier) error {
	srcPath := b.blobPath(storageKey, source)
	dstPath := b.blobPath(storageKey, target)

	if _, err := os.Stat(srcPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: blob %s на уровне %s", ErrNotFound, storageKey, source)
		}
		return fmt.Errorf("%w: stat источника: %v", ErrIO, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
		return fmt.Errorf("%w: создание директории назначения: %v", ErrIO, err)
	}

	// Быстрый путь: rename в пределах одного устройства
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}

	// Медленный путь: копирование через temp + fsync, затем удаление источника
	if err := b.copyFile(srcPath, dstPath); err != nil {
		return err
	}

	if _, err := os.Stat(dstPath); err != nil {
		return fmt.Errorf("%w: целевой файл не подтверждён: %v", ErrIO, err)
	}

	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("%w: удаление источника после миграции: %v", ErrIO, err)
	}
	return nil
}

// copyFile копирует файл атомарно: temp → fsync → rename.
func (b *BlobStore) copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("%w: открытие источника: %v", ErrIO, err)
	}
	defer src.Close()

	tmpPath := dstPath + ".tmp"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: создание целевого файла: %v", ErrIO, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: копирование: %v", ErrIO, err)
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync: %v", ErrIO, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: закрытие: %v", ErrIO, err)
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: переименование: %v", ErrIO, err)
	}
	return nil
}

// TierStats — статистика одного уровня хранения.
type TierStats struct {
	Files int64 `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Stats возвращает статистику по уровням хранения.
// Staging-область hot-уровня не учитывается.
func (b *BlobStore) Stats() (map[model.StorageTier]TierStats, error) {
	result := make(map[model.StorageTier]TierStats, 2)

	for _, tier := range []model.StorageTier{model.TierHot, model.TierCold} {
		root := filepath.Join(b.basePath, tierDir(tier))
		var stats TierStats

		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil //nolint:nilerr // пропускаем недоступные элементы
			}
			if d.IsDir() {
				if tier == model.TierHot && d.Name() == tempDirName && filepath.Dir(path) == root {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil //nolint:nilerr
			}
			stats.Files++
			stats.Bytes += info.Size()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: обход уровня %s: %v", ErrIO, tier, err)
		}

		result[tier] = stats
	}

	return result, nil
}

// HealthCheck проверяет доступность обоих уровней на запись:
// создаёт и удаляет probe-файл в каждой директории уровня.
func (b *BlobStore) HealthCheck() error {
	for _, tier := range []model.StorageTier{model.TierHot, model.TierCold} {
		probe := filepath.Join(b.basePath, tierDir(tier), ".healthcheck")
		if err := os.WriteFile(probe, []byte("ok"), 0o640); err != nil {
			return fmt.Errorf("%w: уровень %s недоступен на запись: %v", ErrIO, tier, err)
		}
		if err := os.Remove(probe); err != nil {
			return fmt.Errorf("%w: уровень %s: удаление probe: %v", ErrIO, tier, err)
		}
	}
	return nil
}

// BasePath возвращает корневую директорию хранения.
func (b *BlobStore) BasePath() string {
	return b.basePath
}
