// Пакет objectstore реализует Object Store (spec §4.1): хранение
// принятых DICOM-объектов как непрозрачных байтовых блобов, адресуемых
// по (study UID, series UID, instance UID), с протоколом durable
// publish — temp-файл → потоковая запись с SHA-256 на лету → fsync →
// атомарный rename. Ни один байт, включая 128-байтный preamble и
// литерал "DICM", не перекодируется и не перепарсивается при
// сохранении — паттерн прямо унаследован от
// storage-element/internal/storage/filestore/filestore.go.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// PreambleSize — длина фиксированного preamble перед магией DICM.
const PreambleSize = 128

// Magic — литеральные четыре байта, которые должны следовать сразу за
// preamble в валидном DICOM-потоке (spec глоссарий "DICM magic").
var Magic = [4]byte{'D', 'I', 'C', 'M'}

// Store — Object Store, привязанный к корневой директории данных.
type Store struct {
	dataDir    string
	scratchDir string
}

// PublishResult — результат успешного durable publish.
type PublishResult struct {
	StoragePath string // путь относительно dataDir, хранится в Catalog
	FullPath    string
	ByteLength  int64
	ContentHash string // hex-encoded SHA-256
}

// ErrHashMismatch — целевой путь уже существует с другим содержимым
// (spec §4.1 "Failure semantics": конфликт, не идемпотентный успех).
var ErrHashMismatch = fmt.Errorf("объект с данным instance UID уже существует с другим содержимым")

// New создаёт Store, гарантируя существование scratch-директории
// воркера. dataDir и scratchDir должны быть на одной файловой системе,
// чтобы rename на шаге 3 протокола публикации оставался атомарным.
func New(dataDir, scratchDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать корень хранения %s: %w", dataDir, err)
	}
	if err := os.MkdirAll(scratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать scratch-директорию %s: %w", scratchDir, err)
	}
	return &Store{dataDir: dataDir, scratchDir: scratchDir}, nil
}

// ScratchDir возвращает корень scratch-области этого Store.
func (s *Store) ScratchDir() string { return s.scratchDir }

// BeginScratch выделяет временный путь в scratch-области и возвращает
// открытый для записи файл. Вызывающий код обязан либо завершить
// публикацию через Publish, либо вызвать AbortScratch при ошибке — шаг 1
// протокола публикации (spec §4.1).
func (s *Store) BeginScratch() (*os.File, string, error) {
	name := uuid.New().String()
	path := filepath.Join(s.scratchDir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("не удалось создать scratch-файл: %w", err)
	}
	return f, path, nil
}

// AbortScratch удаляет временный файл без публикации — используется,
// если приём объекта прерван после allocate, но до rename (spec §4.4:
// "the scratch file is unlinked and a failure status is returned").
func AbortScratch(scratchPath string) error {
	err := os.Remove(scratchPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("не удалось удалить scratch-файл %s: %w", scratchPath, err)
	}
	return nil
}

// StreamToScratch копирует reader в открытый scratch-файл, считая
// SHA-256 на лету и возвращая длину и хэш без повторного чтения с диска
// (spec §4.1 шаг 2-3).
func StreamToScratch(f *os.File, r io.Reader) (size int64, hash string, err error) {
	hasher := sha256.New()
	tee := io.TeeReader(r, hasher)

	size, err = io.Copy(f, tee)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка потоковой записи: %w", err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// StreamPreambleToScratch записывает уже считанный preamble+"DICM" из
// PreambleReader, затем продолжает поток оставшегося набора данных —
// ровно те же байты, что пришли по ассоциации, без повторной
// интерпретации (spec §4.4 "bytes written to the scratch file are
// exactly the bytes received"). Хэш и длина считаются по всей
// последовательности, включая preamble.
func StreamPreambleToScratch(f *os.File, prefix []byte, rest io.Reader) (size int64, hash string, err error) {
	hasher := sha256.New()

	n, err := hasher.Write(prefix)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка хэширования preamble: %w", err)
	}
	if _, err := f.Write(prefix); err != nil {
		return 0, "", fmt.Errorf("ошибка записи preamble: %w", err)
	}

	tee := io.TeeReader(rest, hasher)
	restSize, err := io.Copy(f, tee)
	if err != nil {
		return 0, "", fmt.Errorf("ошибка потоковой записи: %w", err)
	}
	return int64(n) + restSize, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Publish завершает durable publish: fsync scratch-файла, атомарный
// rename в финальный путь, fsync содержащей директории — после
// возврата без ошибки байты видимы под финальным путём и никогда не
// были видимы частично (spec §4.1 шаги 3-4, testable property #8).
//
// Если финальный путь уже занят объектом с тем же content hash,
// Publish трактует это как идемпотентный успех (дубликат приёма того же
// instance) и возвращает путь существующего файла, удаляя scratch.
// Если хэш отличается — ErrHashMismatch, scratch удаляется, и вызывающий
// код обязан отклонить объект (spec §4.1 "Failure semantics").
func (s *Store) Publish(f *os.File, scratchPath string, studyUID, seriesUID, instanceUID string, size int64, hash string) (*PublishResult, error) {
	if err := f.Sync(); err != nil {
		f.Close()
		_ = AbortScratch(scratchPath)
		return nil, fmt.Errorf("ошибка fsync scratch-файла: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = AbortScratch(scratchPath)
		return nil, fmt.Errorf("ошибка закрытия scratch-файла: %w", err)
	}

	rel := filepath.Join(sanitizeUID(studyUID), sanitizeUID(seriesUID), sanitizeUID(instanceUID))
	full := finalPath(s.dataDir, studyUID, seriesUID, instanceUID)

	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		_ = AbortScratch(scratchPath)
		return nil, fmt.Errorf("не удалось создать директорию назначения: %w", err)
	}

	if existingHash, err := ComputeChecksum(full); err == nil {
		_ = AbortScratch(scratchPath)
		if existingHash == hash {
			return &PublishResult{StoragePath: rel, FullPath: full, ByteLength: size, ContentHash: hash}, nil
		}
		return nil, ErrHashMismatch
	}

	if err := os.Rename(scratchPath, full); err != nil {
		_ = AbortScratch(scratchPath)
		return nil, fmt.Errorf("ошибка атомарного переименования в %s: %w", full, err)
	}

	if err := fsyncDir(filepath.Dir(full)); err != nil {
		return nil, fmt.Errorf("ошибка fsync директории %s: %w", filepath.Dir(full), err)
	}

	return &PublishResult{StoragePath: rel, FullPath: full, ByteLength: size, ContentHash: hash}, nil
}

// fsyncDir выполняет durable flush каталога после rename, чтобы
// переименование переживало крах до следующего fsync файловой системы
// (spec §4.1 шаг 4).
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Read открывает опубликованный объект по (study, series, instance) для
// потокового чтения. Читатели могут полагаться на неизменность — Object
// Store никогда не переписывает опубликованный путь (spec §4.1 "Read
// protocol").
func (s *Store) Read(studyUID, seriesUID, instanceUID string) (*os.File, error) {
	full := finalPath(s.dataDir, studyUID, seriesUID, instanceUID)
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть объект %s: %w", full, err)
	}
	return f, nil
}

// ComputeChecksum вычисляет SHA-256 опубликованного файла — используется
// при идемпотентности публикации и при сверке целостности.
func ComputeChecksum(fullPath string) (string, error) {
	f, err := os.Open(fullPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("ошибка вычисления checksum %s: %w", fullPath, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FullPath возвращает абсолютный путь опубликованного объекта по его
// относительному StoragePath, как он хранится в Catalog.
func (s *Store) FullPath(relStoragePath string) string {
	return filepath.Join(s.dataDir, "storage", "studies", relStoragePath)
}

// DataDir возвращает корень данных этого Store.
func (s *Store) DataDir() string { return s.dataDir }

// CheckReady проверяет, доступна ли scratch-директория для записи —
// используется в /readyz (см. internal/healthserver).
func (s *Store) CheckReady() (status string, message string) {
	probe := filepath.Join(s.scratchDir, ".health_check")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return "fail", fmt.Sprintf("scratch-директория недоступна для записи: %v", err)
	}
	_ = os.Remove(probe)
	return "ok", "доступна для записи"
}

// SweepOrphanScratch удаляет scratch-файлы старше olderThan относительно
// now — они остаются после краха worker'а между BeginScratch и
// Publish/AbortScratch (spec §4.6 "Supervisor periodically reconciles
// scratch directories"). now передаётся явно, чтобы функция оставалась
// чистой и тестируемой без реальных часов. Возвращает количество
// удалённых файлов.
func (s *Store) SweepOrphanScratch(olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(s.scratchDir)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения scratch-директории %s: %w", s.scratchDir, err)
	}

	cutoff := now.Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.scratchDir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("ошибка удаления orphan scratch-файла %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
