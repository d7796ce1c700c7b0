package objectstore

import (
	"fmt"
	"path/filepath"
	"strings"
)

// finalPath строит детерминированный путь instance:
// <data-root>/storage/studies/<study>/<series>/<instance> (spec §6).
// Санитизация действует только на символы, не на семантику значения:
// разные UID всегда дают разные пути на целевой файловой системе.
func finalPath(dataDir, studyUID, seriesUID, instanceUID string) string {
	return filepath.Join(dataDir, "storage", "studies", sanitizeUID(studyUID), sanitizeUID(seriesUID), sanitizeUID(instanceUID))
}

// sanitizeUID переводит DICOM UID (цифры и точки) в компонент пути,
// безопасный для любой целевой файловой системы. UID по определению
// состоит из цифр и точек; точка заменяется на подчёркивание, а всё,
// что выходит за пределы этого алфавита, экранируется своим кодом —
// так что одна и та же UID-строка всегда даёт один и тот же путь, а
// две разные строки никогда не дают коллизию.
func sanitizeUID(uid string) string {
	var b strings.Builder
	for _, r := range uid {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.':
			b.WriteByte('_')
		default:
			fmt.Fprintf(&b, "x%02x", r)
		}
	}
	if b.Len() == 0 {
		return "x00"
	}
	return b.String()
}
