// Пакет apierrors — таксономия ошибок core (см. spec §7) и обёртка
// Classified, которой воркеры сводят любую внутреннюю ошибку к одной
// из категорий, прежде чем пересечь границу состояния ForwardJob.
// Модель — storage-element/internal/api/errors/errors.go, но без
// HTTP-специфики: здесь нет веб-поверхности, ошибки классифицируются
// для Job Queue, а не для ответа клиенту.
package apierrors

import (
	"errors"
	"fmt"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
)

// Classified — ошибка с присвоенным ErrorKind. Workers НИКОГДА не
// пропускают "сырые" транспортные исключения через границу состояния
// job'а (spec §7) — каждый claimed job разрешается в ok/retryable-fail/
// permanent-fail через Classified.
type Classified struct {
	Kind   model.ErrorKind
	Detail string
	Err    error
}

func (c *Classified) Error() string {
	if c.Err != nil {
		return fmt.Sprintf("%s: %s: %v", c.Kind, c.Detail, c.Err)
	}
	return fmt.Sprintf("%s: %s", c.Kind, c.Detail)
}

func (c *Classified) Unwrap() error { return c.Err }

// New строит классифицированную ошибку.
func New(kind model.ErrorKind, detail string, cause error) *Classified {
	return &Classified{Kind: kind, Detail: detail, Err: cause}
}

// Retryable сообщает, допускает ли данная категория автоматический
// retryable-fail (true) или должна вести к permanent-fail (false).
// Canceled и lease_lost не проходят через это решение напрямую — они
// обрабатываются отдельными переходами конечного автомата (§4.3).
func Retryable(kind model.ErrorKind) bool {
	switch kind {
	case model.ErrKindNetworkTransient,
		model.ErrKindCatalogUnavailable,
		model.ErrKindStorageIO:
		return true
	case model.ErrKindValidation,
		model.ErrKindCatalogConflict,
		model.ErrKindPeerRejectAssoc,
		model.ErrKindPeerRejectContext,
		model.ErrKindPeerStatusFailure:
		return false
	default:
		return false
	}
}

// RetryLimit возвращает собственный потолок числа попыток для данной
// категории ошибки, более узкий, чем общий max-attempts очереди (0 —
// своего потолка нет, действует только общий). Локальная ошибка
// чтения/записи файла в Object Store допускает лишь один повтор, затем
// считается постоянной (spec §4.5 "retryable-fail once, then
// permanent-fail").
func RetryLimit(kind model.ErrorKind) int {
	if kind == model.ErrKindStorageIO {
		return 2
	}
	return 0
}

// As — удобный алиас errors.As для извлечения *Classified из цепочки.
func As(err error) (*Classified, bool) {
	var c *Classified
	ok := errors.As(err, &c)
	return c, ok
}
